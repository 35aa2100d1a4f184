package ratchet

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	megolmMessageInfo = "MEGOLM_MESSAGE"
	megolmRatchetInfo = "MEGOLM_RATCHET"
)

// OutboundGroupSession is the sending end of a one-to-many room ratchet. Each
// message advances the chain; the exported session key lets any holder decrypt
// from the export index onward, never before it.
type OutboundGroupSession struct {
	id             string
	signingPublic  ed25519.PublicKey
	signingPrivate ed25519.PrivateKey
	chainKey       [32]byte
	index          uint32
}

// InboundGroupSession is the receiving end, importable from an exported
// session key at any ratchet index.
type InboundGroupSession struct {
	id              string
	signingPublic   ed25519.PublicKey
	firstKnownIndex uint32
	chainKey        [32]byte
}

// groupMessage is the wire form of a megolm ciphertext.
type groupMessage struct {
	SessionID  string `json:"session_id"`
	ChainIndex uint32 `json:"chain_index"`
	Ciphertext string `json:"ciphertext"`
	Signature  string `json:"signature"`
}

// groupSessionExport is the serialized session key shared in m.room_key and
// m.forwarded_room_key messages and in backups.
type groupSessionExport struct {
	SessionID  string `json:"session_id"`
	SigningKey string `json:"signing_key"`
	ChainKey   string `json:"chain_key"`
	ChainIndex uint32 `json:"chain_index"`
}

// NewOutboundGroupSession creates a fresh group session with a random chain
// key and signing key pair. The session id is derived from the signing key.
func NewOutboundGroupSession() (*OutboundGroupSession, error) {
	seed := make([]byte, ed25519.SeedSize)
	if err := readRandom(seed); err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	var chain [32]byte
	if err := readRandom(chain[:]); err != nil {
		return nil, err
	}
	return &OutboundGroupSession{
		id:             base64.RawStdEncoding.EncodeToString(pub),
		signingPublic:  pub,
		signingPrivate: priv,
		chainKey:       chain,
	}, nil
}

func (s *OutboundGroupSession) ID() string { return s.id }

// Index returns the next chain index that Encrypt will consume.
func (s *OutboundGroupSession) Index() uint32 { return s.index }

// SessionKey exports the session at its current index for sharing. Recipients
// cannot decrypt messages sent before the export point.
func (s *OutboundGroupSession) SessionKey() (string, error) {
	return encodeGroupExport(groupSessionExport{
		SessionID:  s.id,
		SigningKey: base64.RawStdEncoding.EncodeToString(s.signingPublic),
		ChainKey:   encodeKey(s.chainKey),
		ChainIndex: s.index,
	})
}

// Encrypt seals the plaintext under the current chain index, signs the
// message, and advances the ratchet.
func (s *OutboundGroupSession) Encrypt(plaintext []byte) (string, error) {
	mk := megolmMessageKey(s.chainKey)
	n := s.index
	s.chainKey = megolmAdvance(s.chainKey)
	s.index++

	key, nonce, err := deriveCipherParams(mk)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return "", err
	}
	ad := groupAssociatedData(s.id, n)
	ct := aead.Seal(nil, nonce[:], plaintext, ad)

	msg := groupMessage{
		SessionID:  s.id,
		ChainIndex: n,
		Ciphertext: base64.RawStdEncoding.EncodeToString(ct),
	}
	msg.Signature = base64.RawStdEncoding.EncodeToString(ed25519.Sign(s.signingPrivate, groupSigningData(msg)))
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(raw), nil
}

// NewInboundGroupSession imports an exported session key. The session id must
// be the one derived from the export's signing key, so an export cannot claim
// another session's identity.
func NewInboundGroupSession(sessionKey string) (*InboundGroupSession, error) {
	exp, err := decodeGroupExport(sessionKey)
	if err != nil {
		return nil, err
	}
	pub, err := base64.RawStdEncoding.DecodeString(exp.SigningKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, ErrDecryptionFailed
	}
	if exp.SessionID != base64.RawStdEncoding.EncodeToString(pub) {
		return nil, ErrSessionIDMismatch
	}
	chain, err := decodeKey(exp.ChainKey)
	if err != nil {
		return nil, err
	}
	return &InboundGroupSession{
		id:              exp.SessionID,
		signingPublic:   ed25519.PublicKey(pub),
		firstKnownIndex: exp.ChainIndex,
		chainKey:        chain,
	}, nil
}

func (s *InboundGroupSession) ID() string { return s.id }

// FirstKnownIndex returns the earliest chain index this session can decrypt.
func (s *InboundGroupSession) FirstKnownIndex() uint32 { return s.firstKnownIndex }

// Extends reports whether s is a genuine earlier export of known: same session
// identity, a first known index at or before known's, and a chain key that
// ratchets forward to known's chain key. A fabricated chain key for a real
// session id fails this check.
func (s *InboundGroupSession) Extends(known *InboundGroupSession) bool {
	if s.id != known.id || !s.signingPublic.Equal(known.signingPublic) {
		return false
	}
	if s.firstKnownIndex > known.firstKnownIndex {
		return false
	}
	chain := s.chainKey
	for i := s.firstKnownIndex; i < known.firstKnownIndex; i++ {
		chain = megolmAdvance(chain)
	}
	return hmac.Equal(chain[:], known.chainKey[:])
}

// SessionKey re-exports the session at its first known index, for forwarding
// and backup.
func (s *InboundGroupSession) SessionKey() (string, error) {
	return encodeGroupExport(groupSessionExport{
		SessionID:  s.id,
		SigningKey: base64.RawStdEncoding.EncodeToString(s.signingPublic),
		ChainKey:   encodeKey(s.chainKey),
		ChainIndex: s.firstKnownIndex,
	})
}

// Decrypt opens a megolm ciphertext and returns the plaintext with the chain
// index it was sent at. The signature is checked before any key derivation.
func (s *InboundGroupSession) Decrypt(body string) ([]byte, uint32, error) {
	raw, err := base64.RawStdEncoding.DecodeString(body)
	if err != nil {
		return nil, 0, ErrDecryptionFailed
	}
	var msg groupMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, 0, ErrDecryptionFailed
	}
	if msg.SessionID != s.id {
		return nil, 0, ErrDecryptionFailed
	}
	sig, err := base64.RawStdEncoding.DecodeString(msg.Signature)
	if err != nil || !ed25519.Verify(s.signingPublic, groupSigningData(msg), sig) {
		return nil, 0, ErrBadSignature
	}
	if msg.ChainIndex < s.firstKnownIndex {
		return nil, 0, ErrUnknownIndex
	}
	chain := s.chainKey
	for i := s.firstKnownIndex; i < msg.ChainIndex; i++ {
		chain = megolmAdvance(chain)
	}
	mk := megolmMessageKey(chain)

	key, nonce, err := deriveCipherParams(mk)
	if err != nil {
		return nil, 0, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, 0, err
	}
	ct, err := base64.RawStdEncoding.DecodeString(msg.Ciphertext)
	if err != nil {
		return nil, 0, ErrDecryptionFailed
	}
	plaintext, err := aead.Open(nil, nonce[:], ct, groupAssociatedData(s.id, msg.ChainIndex))
	if err != nil {
		return nil, 0, ErrDecryptionFailed
	}
	return plaintext, msg.ChainIndex, nil
}

func megolmMessageKey(chain [32]byte) [32]byte {
	var mk [32]byte
	copy(mk[:], hmacSHA256(chain[:], []byte(megolmMessageInfo)))
	return mk
}

func megolmAdvance(chain [32]byte) [32]byte {
	var next [32]byte
	copy(next[:], hmacSHA256(chain[:], []byte(megolmRatchetInfo)))
	return next
}

func groupAssociatedData(sessionID string, index uint32) []byte {
	h := sha256.New()
	h.Write([]byte(sessionID))
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], index)
	h.Write(buf[:])
	return h.Sum(nil)
}

func groupSigningData(msg groupMessage) []byte {
	buf := make([]byte, 0, len(msg.SessionID)+4+len(msg.Ciphertext))
	buf = append(buf, msg.SessionID...)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], msg.ChainIndex)
	buf = append(buf, idx[:]...)
	buf = append(buf, msg.Ciphertext...)
	return buf
}

func encodeGroupExport(exp groupSessionExport) (string, error) {
	raw, err := json.Marshal(exp)
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(raw), nil
}

func decodeGroupExport(s string) (groupSessionExport, error) {
	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return groupSessionExport{}, ErrDecryptionFailed
	}
	var exp groupSessionExport
	if err := json.Unmarshal(raw, &exp); err != nil {
		return groupSessionExport{}, ErrDecryptionFailed
	}
	return exp, nil
}
