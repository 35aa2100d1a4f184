package ratchet

import (
	"bytes"
	"testing"
)

func newTestAccounts(t *testing.T) (alice, bob *Account) {
	t.Helper()
	var err error
	if alice, err = NewAccount(); err != nil {
		t.Fatalf("alice account: %v", err)
	}
	if bob, err = NewAccount(); err != nil {
		t.Fatalf("bob account: %v", err)
	}
	return alice, bob
}

func establishSessions(t *testing.T, alice, bob *Account) (*OlmSession, *OlmSession) {
	t.Helper()
	otks, err := bob.GenerateOneTimeKeys(1)
	if err != nil {
		t.Fatalf("one-time keys: %v", err)
	}
	var otkID, otk string
	for id, key := range otks {
		otkID, otk = id, key
	}
	aliceSess, err := NewOutboundSession(alice, bob.IdentityKey(), otkID, otk)
	if err != nil {
		t.Fatalf("outbound session: %v", err)
	}
	msgType, body, err := aliceSess.Encrypt([]byte("hello bob"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if msgType != MessageTypePreKey {
		t.Fatalf("expected pre-key message, got type %d", msgType)
	}
	bobSess, plaintext, err := NewInboundSession(bob, body)
	if err != nil {
		t.Fatalf("inbound session: %v", err)
	}
	if plaintext != "hello bob" {
		t.Fatalf("unexpected plaintext %q", plaintext)
	}
	if aliceSess.ID() != bobSess.ID() {
		t.Fatalf("session ids differ: %s vs %s", aliceSess.ID(), bobSess.ID())
	}
	return aliceSess, bobSess
}

func TestOlmRoundTrip(t *testing.T) {
	alice, bob := newTestAccounts(t)
	aliceSess, bobSess := establishSessions(t, alice, bob)

	reply := []byte("hi alice")
	msgType, body, err := bobSess.Encrypt(reply)
	if err != nil {
		t.Fatalf("encrypt reply: %v", err)
	}
	if msgType != MessageTypeNormal {
		t.Fatalf("expected normal message from responder, got type %d", msgType)
	}
	plaintext, err := aliceSess.Decrypt(msgType, body)
	if err != nil {
		t.Fatalf("decrypt reply: %v", err)
	}
	if !bytes.Equal(plaintext, reply) {
		t.Fatalf("reply mismatch: got %q want %q", plaintext, reply)
	}

	// After the responder answered, the initiator stops pre-key wrapping.
	msgType, body, err = aliceSess.Encrypt([]byte("second"))
	if err != nil {
		t.Fatalf("encrypt second: %v", err)
	}
	if msgType != MessageTypeNormal {
		t.Fatalf("expected normal message after handshake, got type %d", msgType)
	}
	if _, err := bobSess.Decrypt(msgType, body); err != nil {
		t.Fatalf("decrypt second: %v", err)
	}
}

func TestOlmOutOfOrderDelivery(t *testing.T) {
	alice, bob := newTestAccounts(t)
	aliceSess, bobSess := establishSessions(t, alice, bob)

	type wire struct {
		msgType int
		body    string
	}
	var msgs []wire
	for _, text := range []string{"one", "two", "three"} {
		msgType, body, err := aliceSess.Encrypt([]byte(text))
		if err != nil {
			t.Fatalf("encrypt %q: %v", text, err)
		}
		msgs = append(msgs, wire{msgType, body})
	}

	// Deliver the last message first; the earlier ones use skipped keys.
	if got, err := bobSess.Decrypt(msgs[2].msgType, msgs[2].body); err != nil || string(got) != "three" {
		t.Fatalf("decrypt three: %q %v", got, err)
	}
	if got, err := bobSess.Decrypt(msgs[0].msgType, msgs[0].body); err != nil || string(got) != "one" {
		t.Fatalf("decrypt one: %q %v", got, err)
	}
	if got, err := bobSess.Decrypt(msgs[1].msgType, msgs[1].body); err != nil || string(got) != "two" {
		t.Fatalf("decrypt two: %q %v", got, err)
	}
}

func TestOlmMissingOneTimeKey(t *testing.T) {
	alice, bob := newTestAccounts(t)
	otks, err := bob.GenerateOneTimeKeys(1)
	if err != nil {
		t.Fatalf("one-time keys: %v", err)
	}
	var otkID, otk string
	for id, key := range otks {
		otkID, otk = id, key
	}
	sess, err := NewOutboundSession(alice, bob.IdentityKey(), otkID, otk)
	if err != nil {
		t.Fatalf("outbound session: %v", err)
	}
	_, body, err := sess.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, _, err := NewInboundSession(bob, body); err != nil {
		t.Fatalf("first inbound: %v", err)
	}
	// The one-time key was consumed; replaying the pre-key message must fail.
	if _, _, err := NewInboundSession(bob, body); err != ErrMissingOneTimeKey {
		t.Fatalf("expected ErrMissingOneTimeKey, got %v", err)
	}
}

func TestOlmPickleRoundTrip(t *testing.T) {
	alice, bob := newTestAccounts(t)
	aliceSess, bobSess := establishSessions(t, alice, bob)

	pickle, err := bobSess.Pickle()
	if err != nil {
		t.Fatalf("pickle: %v", err)
	}
	restored, err := UnpickleOlmSession(pickle)
	if err != nil {
		t.Fatalf("unpickle: %v", err)
	}
	if restored.ID() != bobSess.ID() {
		t.Fatalf("restored session id %s, want %s", restored.ID(), bobSess.ID())
	}

	msgType, body, err := aliceSess.Encrypt([]byte("after restore"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	plaintext, err := restored.Decrypt(msgType, body)
	if err != nil {
		t.Fatalf("decrypt with restored session: %v", err)
	}
	if string(plaintext) != "after restore" {
		t.Fatalf("unexpected plaintext %q", plaintext)
	}
}

func TestSignAndVerify(t *testing.T) {
	alice, _ := newTestAccounts(t)
	msg := []byte(`{"algorithms":["m.megolm.v1.aes-sha2"]}`)
	sig := alice.Sign(msg)
	if err := VerifySignature(alice.FingerprintKey(), msg, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := VerifySignature(alice.FingerprintKey(), []byte("tampered"), sig); err == nil {
		t.Fatalf("expected failure for tampered message")
	}
}
