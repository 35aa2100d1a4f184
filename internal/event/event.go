// Package event defines the to-device wire payloads exchanged by the
// encryption engine. Field names are fixed by the protocol and must not be
// changed.
package event

import (
	"bytes"
	"encoding/json"
)

// To-device event types.
const (
	TypeRoomKey            = "m.room_key"
	TypeRoomKeyRequest     = "m.room_key_request"
	TypeForwardedRoomKey   = "m.forwarded_room_key"
	TypeEncrypted          = "m.room.encrypted"
	TypeVerificationStart  = "m.key.verification.start"
	TypeVerificationAccept = "m.key.verification.accept"
	TypeVerificationKey    = "m.key.verification.key"
	TypeVerificationMac    = "m.key.verification.mac"
	TypeVerificationCancel = "m.key.verification.cancel"
)

// Encryption algorithm identifiers.
const (
	AlgorithmOlm    = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmMegolm = "m.megolm.v1.aes-sha2"
)

// ToDevice is an envelope addressed to a single device.
type ToDevice struct {
	Type     string          `json:"type"`
	Sender   string          `json:"sender,omitempty"`
	UserID   string          `json:"user_id,omitempty"`
	DeviceID string          `json:"device_id,omitempty"`
	Content  json.RawMessage `json:"content"`
}

// RoomKey is the content of an m.room_key message, carrying an exported
// outbound group session to a peer device over an olm channel.
type RoomKey struct {
	Algorithm  string `json:"algorithm"`
	RoomID     string `json:"room_id"`
	SessionID  string `json:"session_id"`
	SessionKey string `json:"session_key"`
	ChainIndex uint32 `json:"chain_index"`
}

// ForwardedRoomKey is the content of an m.forwarded_room_key message.
type ForwardedRoomKey struct {
	Algorithm          string   `json:"algorithm"`
	RoomID             string   `json:"room_id"`
	SessionID          string   `json:"session_id"`
	SessionKey         string   `json:"session_key"`
	SenderKey          string   `json:"sender_key"`
	SenderClaimedEd    string   `json:"sender_claimed_ed25519_key"`
	ForwardingKeyChain []string `json:"forwarding_curve25519_key_chain"`
}

// RoomKeyRequest is the content of an m.room_key_request message. Action is
// either "request" or "request_cancellation".
type RoomKeyRequest struct {
	Action             string       `json:"action"`
	RequestingDeviceID string       `json:"requesting_device_id"`
	RequestID          string       `json:"request_id"`
	Body               *RequestBody `json:"body,omitempty"`
}

// RequestBody identifies the group session being requested.
type RequestBody struct {
	Algorithm string `json:"algorithm"`
	RoomID    string `json:"room_id"`
	SenderKey string `json:"sender_key"`
	SessionID string `json:"session_id"`
}

// Encrypted is the content of an m.room.encrypted event, for both olm
// envelopes (CiphertextMap set) and megolm room events (Ciphertext set).
type Encrypted struct {
	Algorithm   string                   `json:"algorithm"`
	SenderKey   string                   `json:"sender_key"`
	Ciphertext  string                   `json:"ciphertext,omitempty"`
	Ciphertexts map[string]OlmCiphertext `json:"ciphertexts,omitempty"`
	SessionID   string                   `json:"session_id,omitempty"`
	DeviceID    string                   `json:"device_id,omitempty"`
}

// OlmCiphertext is one recipient's ciphertext in an olm envelope. Type 0 is a
// pre-key message, type 1 a normal message.
type OlmCiphertext struct {
	Type int    `json:"type"`
	Body string `json:"body"`
}

// VerificationStart opens a SAS transaction.
type VerificationStart struct {
	FromDevice                 string   `json:"from_device"`
	TransactionID              string   `json:"transaction_id"`
	Method                     string   `json:"method"`
	KeyAgreementProtocols      []string `json:"key_agreement_protocols"`
	Hashes                     []string `json:"hashes"`
	MessageAuthenticationCodes []string `json:"message_authentication_codes"`
	ShortAuthenticationString  []string `json:"short_authentication_string"`
}

// VerificationAccept answers a start with the chosen parameters and the
// accepting side's commitment.
type VerificationAccept struct {
	TransactionID             string   `json:"transaction_id"`
	KeyAgreementProtocol      string   `json:"key_agreement_protocol"`
	Hash                      string   `json:"hash"`
	MessageAuthenticationCode string   `json:"message_authentication_code"`
	ShortAuthenticationString []string `json:"short_authentication_string"`
	Commitment                string   `json:"commitment"`
}

// VerificationKey carries a side's ephemeral public key.
type VerificationKey struct {
	TransactionID string `json:"transaction_id"`
	Key           string `json:"key"`
}

// VerificationMac carries the MACs of the sender's device keys.
type VerificationMac struct {
	TransactionID string            `json:"transaction_id"`
	Mac           map[string]string `json:"mac"`
	Keys          string            `json:"keys"`
}

// VerificationCancel aborts a transaction with a machine-readable code and a
// human-readable reason.
type VerificationCancel struct {
	TransactionID string `json:"transaction_id"`
	Code          string `json:"code"`
	Reason        string `json:"reason"`
}

// CanonicalJSON renders v with sorted object keys and no insignificant
// whitespace, as required for SAS commitments and signing.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	// encoding/json sorts map keys on marshal.
	return json.Marshal(generic)
}
