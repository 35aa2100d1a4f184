package ratchet

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func TestMegolmRoundTrip(t *testing.T) {
	out, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatalf("outbound: %v", err)
	}
	key, err := out.SessionKey()
	if err != nil {
		t.Fatalf("session key: %v", err)
	}
	in, err := NewInboundGroupSession(key)
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	if in.ID() != out.ID() {
		t.Fatalf("session ids differ: %s vs %s", in.ID(), out.ID())
	}

	for i, text := range []string{"first", "second", "third"} {
		body, err := out.Encrypt([]byte(text))
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		plaintext, index, err := in.Decrypt(body)
		if err != nil {
			t.Fatalf("decrypt %d: %v", i, err)
		}
		if !bytes.Equal(plaintext, []byte(text)) {
			t.Fatalf("message %d mismatch: got %q", i, plaintext)
		}
		if index != uint32(i) {
			t.Fatalf("message %d decrypted at index %d", i, index)
		}
	}
}

func TestMegolmLateJoinerCannotDecryptHistory(t *testing.T) {
	out, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatalf("outbound: %v", err)
	}
	early, err := out.Encrypt([]byte("before the export"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// Export after the first message: the importer's first known index is 1.
	key, err := out.SessionKey()
	if err != nil {
		t.Fatalf("session key: %v", err)
	}
	in, err := NewInboundGroupSession(key)
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	if in.FirstKnownIndex() != 1 {
		t.Fatalf("first known index %d, want 1", in.FirstKnownIndex())
	}
	if _, _, err := in.Decrypt(early); err != ErrUnknownIndex {
		t.Fatalf("expected ErrUnknownIndex for history, got %v", err)
	}

	late, err := out.Encrypt([]byte("after the export"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	plaintext, index, err := in.Decrypt(late)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plaintext) != "after the export" || index != 1 {
		t.Fatalf("got %q at %d", plaintext, index)
	}
}

func TestMegolmRejectsForgedSignature(t *testing.T) {
	out, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatalf("outbound: %v", err)
	}
	other, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatalf("other outbound: %v", err)
	}
	key, err := out.SessionKey()
	if err != nil {
		t.Fatalf("session key: %v", err)
	}
	in, err := NewInboundGroupSession(key)
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}

	body, err := out.Encrypt([]byte("legit"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, _, err := in.Decrypt(body); err != nil {
		t.Fatalf("decrypt: %v", err)
	}

	// A message from a different session must not verify against this one.
	forged, err := other.Encrypt([]byte("forged"))
	if err != nil {
		t.Fatalf("encrypt forged: %v", err)
	}
	if _, _, err := in.Decrypt(forged); err == nil {
		t.Fatalf("expected rejection of foreign ciphertext")
	}
}

func TestInboundRejectsSubstitutedSigningKey(t *testing.T) {
	victim, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatalf("outbound: %v", err)
	}
	attacker, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatalf("attacker outbound: %v", err)
	}
	key, err := victim.SessionKey()
	if err != nil {
		t.Fatalf("session key: %v", err)
	}

	// An export claiming the victim's session id under the attacker's signing
	// key must not import.
	exp, err := decodeGroupExport(key)
	if err != nil {
		t.Fatalf("decode export: %v", err)
	}
	exp.SigningKey = base64.RawStdEncoding.EncodeToString(attacker.signingPublic)
	forged, err := encodeGroupExport(exp)
	if err != nil {
		t.Fatalf("encode export: %v", err)
	}
	if _, err := NewInboundGroupSession(forged); err != ErrSessionIDMismatch {
		t.Fatalf("expected ErrSessionIDMismatch, got %v", err)
	}
}

func TestInboundExtendsRequiresChainContinuity(t *testing.T) {
	out, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatalf("outbound: %v", err)
	}
	earlyKey, err := out.SessionKey()
	if err != nil {
		t.Fatalf("early key: %v", err)
	}
	if _, err := out.Encrypt([]byte("advance")); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	laterKey, err := out.SessionKey()
	if err != nil {
		t.Fatalf("later key: %v", err)
	}

	early, err := NewInboundGroupSession(earlyKey)
	if err != nil {
		t.Fatalf("inbound early: %v", err)
	}
	later, err := NewInboundGroupSession(laterKey)
	if err != nil {
		t.Fatalf("inbound later: %v", err)
	}
	if !early.Extends(later) {
		t.Fatal("genuine earlier export should extend the later one")
	}
	if later.Extends(early) {
		t.Fatal("a later export cannot extend an earlier one")
	}

	// Correct session id and signing key but a fabricated chain key: the chain
	// never ratchets forward to the known state.
	exp, err := decodeGroupExport(earlyKey)
	if err != nil {
		t.Fatalf("decode export: %v", err)
	}
	exp.ChainKey = encodeKey([32]byte{0xde, 0xad, 0xbe, 0xef})
	forgedKey, err := encodeGroupExport(exp)
	if err != nil {
		t.Fatalf("encode export: %v", err)
	}
	forged, err := NewInboundGroupSession(forgedKey)
	if err != nil {
		t.Fatalf("inbound forged: %v", err)
	}
	if forged.Extends(later) {
		t.Fatal("fabricated chain key must not extend the known session")
	}
}

func TestMegolmOutboundPickleRoundTrip(t *testing.T) {
	out, err := NewOutboundGroupSession()
	if err != nil {
		t.Fatalf("outbound: %v", err)
	}
	if _, err := out.Encrypt([]byte("advance the chain")); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pickle, err := out.Pickle()
	if err != nil {
		t.Fatalf("pickle: %v", err)
	}
	restored, err := UnpickleOutboundGroupSession(pickle)
	if err != nil {
		t.Fatalf("unpickle: %v", err)
	}
	if restored.ID() != out.ID() || restored.Index() != out.Index() {
		t.Fatalf("restored session mismatch: %s@%d vs %s@%d",
			restored.ID(), restored.Index(), out.ID(), out.Index())
	}

	key, err := out.SessionKey()
	if err != nil {
		t.Fatalf("session key: %v", err)
	}
	in, err := NewInboundGroupSession(key)
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	body, err := restored.Encrypt([]byte("from restored"))
	if err != nil {
		t.Fatalf("encrypt from restored: %v", err)
	}
	plaintext, _, err := in.Decrypt(body)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plaintext) != "from restored" {
		t.Fatalf("unexpected plaintext %q", plaintext)
	}
}
