package ratchet

import (
	"bytes"
	"testing"
)

func TestPKSealOpen(t *testing.T) {
	pub, priv, err := GeneratePKKeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	plaintext := []byte(`{"session_key":"abc","forwarding_curve25519_key_chain":[]}`)
	msg, err := PKEncrypt(pub, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := PKDecrypt(priv, msg)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestPKWrongKeyFails(t *testing.T) {
	pub, _, err := GeneratePKKeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	_, otherPriv, err := GeneratePKKeyPair()
	if err != nil {
		t.Fatalf("other keypair: %v", err)
	}
	msg, err := PKEncrypt(pub, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := PKDecrypt(otherPriv, msg); err != ErrDecryptionFailed {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}
