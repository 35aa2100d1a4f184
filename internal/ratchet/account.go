// Package ratchet implements the cryptographic primitives behind the
// encryption engine: olm pairwise double-ratchet sessions, megolm group
// sessions, and the public-key sealing used by key backup.
package ratchet

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"
)

var (
	randMu        sync.RWMutex
	randomnessSrc io.Reader = randReader{}
)

// randReader wraps crypto/rand.Reader but keeps the type unexported so tests
// can substitute deterministic sources.
type randReader struct{}

func (randReader) Read(p []byte) (int, error) {
	return rand.Read(p)
}

// UseDeterministicRandom swaps the randomness source for deterministic testing
// and returns a restore function that must be called when the test completes.
func UseDeterministicRandom(r io.Reader) func() {
	randMu.Lock()
	prev := randomnessSrc
	randomnessSrc = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randomnessSrc = prev
		randMu.Unlock()
	}
}

func readRandom(b []byte) error {
	randMu.RLock()
	src := randomnessSrc
	randMu.RUnlock()
	_, err := io.ReadFull(src, b)
	return err
}

// Account holds a device's long-term identity: an Ed25519 fingerprint key
// pair, the derived Curve25519 identity key pair, and the pool of unpublished
// one-time keys.
type Account struct {
	identity  identityKeyPair
	oneTime   map[string]keyPair
	nextOTKID uint32
}

type identityKeyPair struct {
	signingPublic  ed25519.PublicKey
	signingPrivate ed25519.PrivateKey
	dhPrivate      [32]byte
	dhPublic       [32]byte
}

type keyPair struct {
	Private [32]byte
	Public  [32]byte
}

// NewAccount creates a fresh device identity.
func NewAccount() (*Account, error) {
	seed := make([]byte, ed25519.SeedSize)
	if err := readRandom(seed); err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	dhPriv := ed25519PrivToCurve25519(priv)
	dhPubSlice, err := curve25519.X25519(dhPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	var dhPub [32]byte
	copy(dhPub[:], dhPubSlice)

	return &Account{
		identity: identityKeyPair{
			signingPublic:  append(ed25519.PublicKey(nil), pub...),
			signingPrivate: append(ed25519.PrivateKey(nil), priv...),
			dhPrivate:      dhPriv,
			dhPublic:       dhPub,
		},
		oneTime:   make(map[string]keyPair),
		nextOTKID: 1,
	}, nil
}

// IdentityKey returns the account's Curve25519 identity key, base64-encoded.
func (a *Account) IdentityKey() string {
	return encodeKey(a.identity.dhPublic)
}

// FingerprintKey returns the account's Ed25519 signing key, base64-encoded.
func (a *Account) FingerprintKey() string {
	return base64.RawStdEncoding.EncodeToString(a.identity.signingPublic)
}

// Sign signs the message with the account's fingerprint key.
func (a *Account) Sign(message []byte) string {
	sig := ed25519.Sign(a.identity.signingPrivate, message)
	return base64.RawStdEncoding.EncodeToString(sig)
}

// VerifySignature checks sig (base64) over message against the base64-encoded
// Ed25519 fingerprint key.
func VerifySignature(fingerprintKey string, message []byte, sig string) error {
	pub, err := base64.RawStdEncoding.DecodeString(fingerprintKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrBadSignature
	}
	raw, err := base64.RawStdEncoding.DecodeString(sig)
	if err != nil {
		return ErrBadSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), message, raw) {
		return ErrBadSignature
	}
	return nil
}

// GenerateOneTimeKeys adds count fresh one-time keys to the pool and returns
// them keyed by key id. Keys remain claimable until consumed by an inbound
// pre-key message.
func (a *Account) GenerateOneTimeKeys(count int) (map[string]string, error) {
	out := make(map[string]string, count)
	for i := 0; i < count; i++ {
		kp, err := generateX25519KeyPair()
		if err != nil {
			return nil, err
		}
		id := encodeOTKID(a.nextOTKID)
		a.nextOTKID++
		a.oneTime[id] = kp
		out[id] = encodeKey(kp.Public)
	}
	return out, nil
}

// OneTimeKey returns the public one-time key with the given id, if still held.
func (a *Account) OneTimeKey(id string) (string, bool) {
	kp, ok := a.oneTime[id]
	if !ok {
		return "", false
	}
	return encodeKey(kp.Public), true
}

func encodeOTKID(id uint32) string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], id)
	return base64.RawStdEncoding.EncodeToString(buf[:])
}

func encodeKey(k [32]byte) string {
	return base64.RawStdEncoding.EncodeToString(k[:])
}

func decodeKey(s string) ([32]byte, error) {
	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return [32]byte{}, errors.New("ratchet: bad curve25519 key encoding")
	}
	var out [32]byte
	copy(out[:], raw)
	return out, nil
}

func ed25519PrivToCurve25519(priv ed25519.PrivateKey) [32]byte {
	h := sha512.Sum512(priv.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	var out [32]byte
	copy(out[:], h[:32])
	return out
}

func generateX25519KeyPair() (keyPair, error) {
	var priv [32]byte
	if err := readRandom(priv[:]); err != nil {
		return keyPair{}, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return keyPair{}, err
	}
	var kp keyPair
	kp.Private = priv
	copy(kp.Public[:], pub)
	return kp, nil
}

var _ io.Reader = randReader{}
