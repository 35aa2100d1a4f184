package ratchet

import "errors"

var (
	ErrBadSignature      = errors.New("ratchet: signature verification failed")
	ErrMissingOneTimeKey = errors.New("ratchet: missing one-time key")
	ErrInvalidRemoteKey  = errors.New("ratchet: invalid remote ratchet key")
	ErrDuplicateMessage  = errors.New("ratchet: duplicate message")
	ErrDecryptionFailed  = errors.New("ratchet: message authentication failed")
	ErrUnknownIndex      = errors.New("ratchet: message index precedes known ratchet state")
	ErrSessionIDMismatch = errors.New("ratchet: session id does not match signing key")
)
