package ratchet

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoOlmRoot       = "OLM_ROOT"
	hkdfInfoOlmSetup      = "OLM_SETUP"
	hkdfInfoOlmCipher     = "OLM_KEYS"
	maxSkippedMessageKeys = 64

	// Olm wire message types.
	MessageTypePreKey = 0
	MessageTypeNormal = 1
)

// OlmSession is one end of a pairwise double-ratchet channel.
type OlmSession struct {
	id             string
	rootKey        [32]byte
	sendChain      chainState
	recvChain      chainState
	ratchetPrivate [32]byte
	ratchetPublic  [32]byte
	remoteRatchet  [32]byte
	remoteIdentity [32]byte
	pendingPreKey  *preKeyInfo
	skipped        map[string][32]byte
}

type chainState struct {
	Key   [32]byte
	Index uint32
}

type preKeyInfo struct {
	IdentityKey  [32]byte
	EphemeralKey [32]byte
	OneTimeKeyID string
}

// olmMessage is the wire form of a ratchet message (message type 1).
type olmMessage struct {
	RatchetKey string `json:"ratchet_key"`
	ChainIndex uint32 `json:"chain_index"`
	PrevChain  uint32 `json:"prev_chain"`
	Ciphertext string `json:"ciphertext"`
}

// preKeyMessage wraps the first messages of an outbound session (type 0) so
// the responder can bootstrap its half of the ratchet.
type preKeyMessage struct {
	IdentityKey  string     `json:"identity_key"`
	EphemeralKey string     `json:"ephemeral_key"`
	OneTimeKeyID string     `json:"one_time_key_id"`
	Message      olmMessage `json:"message"`
}

// ID returns the session identifier, identical on both ends of the channel.
func (s *OlmSession) ID() string { return s.id }

// RemoteIdentityKey returns the peer's Curve25519 identity key.
func (s *OlmSession) RemoteIdentityKey() string { return encodeKey(s.remoteIdentity) }

// NewOutboundSession establishes a session toward a peer device from a claimed
// one-time key. The triple Diffie-Hellman mixes our identity key, a fresh
// ephemeral key, the peer identity key and the claimed one-time key.
func NewOutboundSession(account *Account, remoteIdentityKey, oneTimeKeyID, oneTimeKey string) (*OlmSession, error) {
	remoteIdentity, err := decodeKey(remoteIdentityKey)
	if err != nil {
		return nil, err
	}
	otk, err := decodeKey(oneTimeKey)
	if err != nil {
		return nil, err
	}
	ephemeral, err := generateX25519KeyPair()
	if err != nil {
		return nil, err
	}

	dh1, err := curve25519.X25519(account.identity.dhPrivate[:], otk[:])
	if err != nil {
		return nil, err
	}
	dh2, err := curve25519.X25519(ephemeral.Private[:], remoteIdentity[:])
	if err != nil {
		return nil, err
	}
	dh3, err := curve25519.X25519(ephemeral.Private[:], otk[:])
	if err != nil {
		return nil, err
	}
	secret := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	root, chain, err := deriveInitialKeys(secret)
	if err != nil {
		return nil, err
	}

	return &OlmSession{
		id:             sessionIDFor(ephemeral.Public, otk),
		rootKey:        root,
		sendChain:      chainState{Key: chain},
		ratchetPrivate: ephemeral.Private,
		ratchetPublic:  ephemeral.Public,
		remoteRatchet:  otk,
		remoteIdentity: remoteIdentity,
		pendingPreKey: &preKeyInfo{
			IdentityKey:  account.identity.dhPublic,
			EphemeralKey: ephemeral.Public,
			OneTimeKeyID: oneTimeKeyID,
		},
		skipped:        make(map[string][32]byte),
	}, nil
}

// NewInboundSession bootstraps the responder end of a session from a pre-key
// message body. The referenced one-time key is consumed from the account.
func NewInboundSession(account *Account, body string) (*OlmSession, string, error) {
	raw, err := base64.RawStdEncoding.DecodeString(body)
	if err != nil {
		return nil, "", ErrDecryptionFailed
	}
	var pk preKeyMessage
	if err := json.Unmarshal(raw, &pk); err != nil {
		return nil, "", ErrDecryptionFailed
	}
	senderIdentity, err := decodeKey(pk.IdentityKey)
	if err != nil {
		return nil, "", err
	}
	ephemeral, err := decodeKey(pk.EphemeralKey)
	if err != nil {
		return nil, "", err
	}
	otk, ok := account.oneTime[pk.OneTimeKeyID]
	if !ok {
		return nil, "", ErrMissingOneTimeKey
	}

	dh1, err := curve25519.X25519(otk.Private[:], senderIdentity[:])
	if err != nil {
		return nil, "", err
	}
	dh2, err := curve25519.X25519(account.identity.dhPrivate[:], ephemeral[:])
	if err != nil {
		return nil, "", err
	}
	dh3, err := curve25519.X25519(otk.Private[:], ephemeral[:])
	if err != nil {
		return nil, "", err
	}
	secret := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	root, chain, err := deriveInitialKeys(secret)
	if err != nil {
		return nil, "", err
	}

	sess := &OlmSession{
		id:             sessionIDFor(ephemeral, otk.Public),
		rootKey:        root,
		recvChain:      chainState{Key: chain},
		ratchetPrivate: otk.Private,
		ratchetPublic:  otk.Public,
		remoteRatchet:  ephemeral,
		remoteIdentity: senderIdentity,
		skipped:        make(map[string][32]byte),
	}
	delete(account.oneTime, pk.OneTimeKeyID)

	plaintext, err := sess.decryptMessage(pk.Message)
	if err != nil {
		return nil, "", err
	}
	return sess, string(plaintext), nil
}

// Encrypt derives the next sending message key and returns the wire message
// type plus the base64 body. Pre-key wrapping stops once the peer has answered.
func (s *OlmSession) Encrypt(plaintext []byte) (int, string, error) {
	if isZeroKey(s.sendChain.Key) {
		if err := s.rotateRatchetOnSend(); err != nil {
			return 0, "", err
		}
	}
	newCK, mk := kdfChain(s.sendChain.Key)
	n := s.sendChain.Index
	s.sendChain.Key = newCK
	s.sendChain.Index++

	key, nonce, err := deriveCipherParams(mk)
	if err != nil {
		return 0, "", err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return 0, "", err
	}
	msg := olmMessage{
		RatchetKey: encodeKey(s.ratchetPublic),
		ChainIndex: n,
		PrevChain:  s.recvChain.Index,
	}
	ad := associatedData(s.ratchetPublic, msg.PrevChain, n)
	msg.Ciphertext = base64.RawStdEncoding.EncodeToString(aead.Seal(nil, nonce[:], plaintext, ad))

	if s.pendingPreKey != nil {
		body, err := json.Marshal(preKeyMessage{
			IdentityKey:  encodeKey(s.pendingPreKey.IdentityKey),
			EphemeralKey: encodeKey(s.pendingPreKey.EphemeralKey),
			OneTimeKeyID: s.pendingPreKey.OneTimeKeyID,
			Message:      msg,
		})
		if err != nil {
			return 0, "", err
		}
		return MessageTypePreKey, base64.RawStdEncoding.EncodeToString(body), nil
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return 0, "", err
	}
	return MessageTypeNormal, base64.RawStdEncoding.EncodeToString(body), nil
}

// Decrypt opens a wire message of the given type. Receiving a normal message
// confirms the pre-key handshake and stops pre-key wrapping on send.
func (s *OlmSession) Decrypt(msgType int, body string) ([]byte, error) {
	raw, err := base64.RawStdEncoding.DecodeString(body)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	var msg olmMessage
	switch msgType {
	case MessageTypePreKey:
		var pk preKeyMessage
		if err := json.Unmarshal(raw, &pk); err != nil {
			return nil, ErrDecryptionFailed
		}
		msg = pk.Message
	case MessageTypeNormal:
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, ErrDecryptionFailed
		}
	default:
		return nil, ErrDecryptionFailed
	}
	plaintext, err := s.decryptMessage(msg)
	if err != nil {
		return nil, err
	}
	s.pendingPreKey = nil
	return plaintext, nil
}

func (s *OlmSession) decryptMessage(msg olmMessage) ([]byte, error) {
	ratchetKey, err := decodeKey(msg.RatchetKey)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(msg.Ciphertext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	ad := associatedData(ratchetKey, msg.PrevChain, msg.ChainIndex)

	if mk, ok := s.consumeSkipped(ratchetKey, msg.ChainIndex); ok {
		return openWithMessageKey(mk, ciphertext, ad)
	}
	if err := s.rotateRatchetOnRecv(ratchetKey); err != nil {
		return nil, err
	}
	if msg.ChainIndex < s.recvChain.Index {
		return nil, ErrDuplicateMessage
	}
	for s.recvChain.Index < msg.ChainIndex {
		newCK, mk := kdfChain(s.recvChain.Key)
		s.storeSkippedKey(s.remoteRatchet, s.recvChain.Index, mk)
		s.recvChain.Key = newCK
		s.recvChain.Index++
	}
	newCK, mk := kdfChain(s.recvChain.Key)
	s.recvChain.Key = newCK
	s.recvChain.Index++
	return openWithMessageKey(mk, ciphertext, ad)
}

// rotateRatchetOnSend advances the local sending ratchet with a fresh DH pair.
func (s *OlmSession) rotateRatchetOnSend() error {
	if isZeroKey(s.remoteRatchet) {
		return ErrInvalidRemoteKey
	}
	kp, err := generateX25519KeyPair()
	if err != nil {
		return err
	}
	dh, err := curve25519.X25519(kp.Private[:], s.remoteRatchet[:])
	if err != nil {
		return err
	}
	root, send, err := kdfRoot(s.rootKey[:], dh)
	if err != nil {
		return err
	}
	s.rootKey = root
	s.sendChain = chainState{Key: send}
	s.ratchetPrivate = kp.Private
	s.ratchetPublic = kp.Public
	return nil
}

// rotateRatchetOnRecv updates the receiving chain when the remote presents a
// new ratchet key.
func (s *OlmSession) rotateRatchetOnRecv(ratchetKey [32]byte) error {
	if ratchetKey == s.remoteRatchet {
		return nil
	}
	dh, err := curve25519.X25519(s.ratchetPrivate[:], ratchetKey[:])
	if err != nil {
		return err
	}
	root, recv, err := kdfRoot(s.rootKey[:], dh)
	if err != nil {
		return err
	}
	s.rootKey = root
	s.remoteRatchet = ratchetKey
	s.recvChain = chainState{Key: recv}
	s.sendChain = chainState{}
	return nil
}

func kdfRoot(root, dh []byte) ([32]byte, [32]byte, error) {
	hk := hkdf.New(sha256.New, dh, root, []byte(hkdfInfoOlmRoot))
	var newRoot, chain [32]byte
	if _, err := io.ReadFull(hk, newRoot[:]); err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	if _, err := io.ReadFull(hk, chain[:]); err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	return newRoot, chain, nil
}

func kdfChain(chain [32]byte) ([32]byte, [32]byte) {
	mk := hmacSHA256(chain[:], []byte{0x01})
	out := hmacSHA256(chain[:], []byte{0x02})
	var next, msg [32]byte
	copy(next[:], out)
	copy(msg[:], mk)
	return next, msg
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func deriveCipherParams(mk [32]byte) ([32]byte, [12]byte, error) {
	hk := hkdf.New(sha256.New, mk[:], nil, []byte(hkdfInfoOlmCipher))
	var key [32]byte
	var nonce [12]byte
	if _, err := io.ReadFull(hk, key[:]); err != nil {
		return [32]byte{}, [12]byte{}, err
	}
	if _, err := io.ReadFull(hk, nonce[:]); err != nil {
		return [32]byte{}, [12]byte{}, err
	}
	return key, nonce, nil
}

func deriveInitialKeys(secret []byte) ([32]byte, [32]byte, error) {
	kdf := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfoOlmSetup))
	var root, chain [32]byte
	if _, err := io.ReadFull(kdf, root[:]); err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	if _, err := io.ReadFull(kdf, chain[:]); err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	return root, chain, nil
}

func openWithMessageKey(mk [32]byte, ciphertext, ad []byte) ([]byte, error) {
	key, nonce, err := deriveCipherParams(mk)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, ad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func associatedData(ratchetKey [32]byte, pn, n uint32) []byte {
	buf := make([]byte, 32+4+4)
	copy(buf, ratchetKey[:])
	binary.BigEndian.PutUint32(buf[32:], pn)
	binary.BigEndian.PutUint32(buf[36:], n)
	return buf
}

func isZeroKey(k [32]byte) bool {
	var zero [32]byte
	return k == zero
}

func (s *OlmSession) storeSkippedKey(pub [32]byte, index uint32, key [32]byte) {
	if s.skipped == nil {
		s.skipped = make(map[string][32]byte)
	}
	if len(s.skipped) >= maxSkippedMessageKeys {
		for k := range s.skipped {
			delete(s.skipped, k)
			break
		}
	}
	s.skipped[skippedKeyName(pub, index)] = key
}

func (s *OlmSession) consumeSkipped(pub [32]byte, index uint32) ([32]byte, bool) {
	if s.skipped == nil {
		return [32]byte{}, false
	}
	name := skippedKeyName(pub, index)
	if val, ok := s.skipped[name]; ok {
		delete(s.skipped, name)
		return val, true
	}
	return [32]byte{}, false
}

func skippedKeyName(pub [32]byte, index uint32) string {
	buf := make([]byte, 32+4)
	copy(buf, pub[:])
	binary.BigEndian.PutUint32(buf[32:], index)
	return string(buf)
}

func sessionIDFor(ephemeral, oneTime [32]byte) string {
	h := sha256.New()
	h.Write(ephemeral[:])
	h.Write(oneTime[:])
	return base64.RawStdEncoding.EncodeToString(h.Sum(nil))
}
