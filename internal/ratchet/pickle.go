package ratchet

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Pickles are the durable snapshots of ratchet state handed to the crypto
// store. Inbound group sessions pickle as their exported session key.

type olmSessionPickle struct {
	ID             string            `json:"id"`
	RootKey        string            `json:"rootKey"`
	SendChain      chainPickle       `json:"sendChain"`
	RecvChain      chainPickle       `json:"recvChain"`
	RatchetPrivate string            `json:"ratchetPrivate"`
	RatchetPublic  string            `json:"ratchetPublic"`
	RemoteRatchet  string            `json:"remoteRatchet"`
	RemoteIdentity string            `json:"remoteIdentity"`
	PendingPreKey  *preKeyPickle     `json:"pendingPreKey,omitempty"`
	Skipped        map[string]string `json:"skipped,omitempty"`
}

type chainPickle struct {
	Key   string `json:"key"`
	Index uint32 `json:"index"`
}

type preKeyPickle struct {
	IdentityKey  string `json:"identityKey"`
	EphemeralKey string `json:"ephemeralKey"`
	OneTimeKeyID string `json:"oneTimeKeyId"`
}

type outboundGroupPickle struct {
	ID             string `json:"id"`
	SigningPrivate string `json:"signingPrivate"`
	ChainKey       string `json:"chainKey"`
	ChainIndex     uint32 `json:"chainIndex"`
}

// Pickle serializes the olm session for storage.
func (s *OlmSession) Pickle() (string, error) {
	p := olmSessionPickle{
		ID:             s.id,
		RootKey:        encodeKey(s.rootKey),
		SendChain:      chainPickle{Key: encodeKey(s.sendChain.Key), Index: s.sendChain.Index},
		RecvChain:      chainPickle{Key: encodeKey(s.recvChain.Key), Index: s.recvChain.Index},
		RatchetPrivate: encodeKey(s.ratchetPrivate),
		RatchetPublic:  encodeKey(s.ratchetPublic),
		RemoteRatchet:  encodeKey(s.remoteRatchet),
		RemoteIdentity: encodeKey(s.remoteIdentity),
	}
	if s.pendingPreKey != nil {
		p.PendingPreKey = &preKeyPickle{
			IdentityKey:  encodeKey(s.pendingPreKey.IdentityKey),
			EphemeralKey: encodeKey(s.pendingPreKey.EphemeralKey),
			OneTimeKeyID: s.pendingPreKey.OneTimeKeyID,
		}
	}
	if len(s.skipped) > 0 {
		p.Skipped = make(map[string]string, len(s.skipped))
		for k, v := range s.skipped {
			p.Skipped[base64.RawStdEncoding.EncodeToString([]byte(k))] = encodeKey(v)
		}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(raw), nil
}

// UnpickleOlmSession restores an olm session from its stored snapshot.
func UnpickleOlmSession(pickle string) (*OlmSession, error) {
	raw, err := base64.RawStdEncoding.DecodeString(pickle)
	if err != nil {
		return nil, fmt.Errorf("ratchet: decode olm pickle: %w", err)
	}
	var p olmSessionPickle
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("ratchet: parse olm pickle: %w", err)
	}
	s := &OlmSession{id: p.ID, skipped: make(map[string][32]byte)}
	if s.rootKey, err = decodeKey(p.RootKey); err != nil {
		return nil, fmt.Errorf("ratchet: olm pickle root key: %w", err)
	}
	if s.sendChain.Key, err = decodeKey(p.SendChain.Key); err != nil {
		return nil, fmt.Errorf("ratchet: olm pickle send chain: %w", err)
	}
	s.sendChain.Index = p.SendChain.Index
	if s.recvChain.Key, err = decodeKey(p.RecvChain.Key); err != nil {
		return nil, fmt.Errorf("ratchet: olm pickle recv chain: %w", err)
	}
	s.recvChain.Index = p.RecvChain.Index
	if s.ratchetPrivate, err = decodeKey(p.RatchetPrivate); err != nil {
		return nil, fmt.Errorf("ratchet: olm pickle ratchet private: %w", err)
	}
	if s.ratchetPublic, err = decodeKey(p.RatchetPublic); err != nil {
		return nil, fmt.Errorf("ratchet: olm pickle ratchet public: %w", err)
	}
	if s.remoteRatchet, err = decodeKey(p.RemoteRatchet); err != nil {
		return nil, fmt.Errorf("ratchet: olm pickle remote ratchet: %w", err)
	}
	if s.remoteIdentity, err = decodeKey(p.RemoteIdentity); err != nil {
		return nil, fmt.Errorf("ratchet: olm pickle remote identity: %w", err)
	}
	if p.PendingPreKey != nil {
		info := &preKeyInfo{OneTimeKeyID: p.PendingPreKey.OneTimeKeyID}
		if info.IdentityKey, err = decodeKey(p.PendingPreKey.IdentityKey); err != nil {
			return nil, fmt.Errorf("ratchet: olm pickle pending prekey: %w", err)
		}
		if info.EphemeralKey, err = decodeKey(p.PendingPreKey.EphemeralKey); err != nil {
			return nil, fmt.Errorf("ratchet: olm pickle pending prekey: %w", err)
		}
		s.pendingPreKey = info
	}
	for k, v := range p.Skipped {
		name, err := base64.RawStdEncoding.DecodeString(k)
		if err != nil {
			return nil, fmt.Errorf("ratchet: olm pickle skipped key name: %w", err)
		}
		key, err := decodeKey(v)
		if err != nil {
			return nil, fmt.Errorf("ratchet: olm pickle skipped key: %w", err)
		}
		s.skipped[string(name)] = key
	}
	return s, nil
}

// Pickle serializes the outbound group session, including its signing key.
func (s *OutboundGroupSession) Pickle() (string, error) {
	p := outboundGroupPickle{
		ID:             s.id,
		SigningPrivate: base64.RawStdEncoding.EncodeToString(s.signingPrivate.Seed()),
		ChainKey:       encodeKey(s.chainKey),
		ChainIndex:     s.index,
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(raw), nil
}

// UnpickleOutboundGroupSession restores an outbound group session.
func UnpickleOutboundGroupSession(pickle string) (*OutboundGroupSession, error) {
	raw, err := base64.RawStdEncoding.DecodeString(pickle)
	if err != nil {
		return nil, fmt.Errorf("ratchet: decode group pickle: %w", err)
	}
	var p outboundGroupPickle
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("ratchet: parse group pickle: %w", err)
	}
	seed, err := base64.RawStdEncoding.DecodeString(p.SigningPrivate)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ratchet: group pickle signing key invalid")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	chain, err := decodeKey(p.ChainKey)
	if err != nil {
		return nil, fmt.Errorf("ratchet: group pickle chain key: %w", err)
	}
	return &OutboundGroupSession{
		id:             p.ID,
		signingPublic:  priv.Public().(ed25519.PublicKey),
		signingPrivate: priv,
		chainKey:       chain,
		index:          p.ChainIndex,
	}, nil
}
