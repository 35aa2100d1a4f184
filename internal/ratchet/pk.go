package ratchet

import (
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfoPK = "MEGOLM_BACKUP_PK"

// PKMessage is an asymmetric sealed payload: anyone holding the recipient's
// public key can produce one, only the private key holder can open it.
type PKMessage struct {
	Ephemeral  string `json:"ephemeral"`
	Ciphertext string `json:"ciphertext"`
}

// GeneratePKKeyPair returns a fresh Curve25519 key pair as base64 strings.
// The private key is the backup recovery key and never leaves the caller.
func GeneratePKKeyPair() (publicKey, privateKey string, err error) {
	kp, err := generateX25519KeyPair()
	if err != nil {
		return "", "", err
	}
	return encodeKey(kp.Public), encodeKey(kp.Private), nil
}

// PKPublicKey derives the public half of a PK private key, for checking a
// recovery key against a stored public key.
func PKPublicKey(privateKey string) (string, error) {
	priv, err := decodeKey(privateKey)
	if err != nil {
		return "", err
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return "", err
	}
	var out [32]byte
	copy(out[:], pub)
	return encodeKey(out), nil
}

// PKEncrypt seals plaintext to the recipient public key using an ephemeral
// Diffie-Hellman exchange.
func PKEncrypt(publicKey string, plaintext []byte) (*PKMessage, error) {
	pub, err := decodeKey(publicKey)
	if err != nil {
		return nil, err
	}
	ephemeral, err := generateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephemeral.Private[:], pub[:])
	if err != nil {
		return nil, err
	}
	key, nonce, err := derivePKParams(shared, ephemeral.Public, pub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce[:], plaintext, nil)
	return &PKMessage{
		Ephemeral:  encodeKey(ephemeral.Public),
		Ciphertext: base64.RawStdEncoding.EncodeToString(ct),
	}, nil
}

// PKDecrypt opens a sealed payload with the recipient private key.
func PKDecrypt(privateKey string, msg *PKMessage) ([]byte, error) {
	priv, err := decodeKey(privateKey)
	if err != nil {
		return nil, err
	}
	ephemeral, err := decodeKey(msg.Ephemeral)
	if err != nil {
		return nil, err
	}
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	var pub [32]byte
	copy(pub[:], pubSlice)
	shared, err := curve25519.X25519(priv[:], ephemeral[:])
	if err != nil {
		return nil, err
	}
	key, nonce, err := derivePKParams(shared, ephemeral, pub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	ct, err := base64.RawStdEncoding.DecodeString(msg.Ciphertext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := aead.Open(nil, nonce[:], ct, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func derivePKParams(shared []byte, ephemeral, recipient [32]byte) ([32]byte, [12]byte, error) {
	salt := append(append([]byte{}, ephemeral[:]...), recipient[:]...)
	hk := hkdf.New(sha256.New, shared, salt, []byte(hkdfInfoPK))
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
