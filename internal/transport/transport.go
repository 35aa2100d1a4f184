// Package transport declares the contracts this engine requires from the
// network layer. Implementations live with the HTTP client; tests use fakes.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNetwork marks a transport-level failure. Callers may retry; the engine
// never retries internally.
var ErrNetwork = errors.New("transport: network error")

// ClaimedKey is one signed one-time key returned by a claim.
type ClaimedKey struct {
	KeyID     string `json:"key_id"`
	Key       string `json:"key"`
	Signature string `json:"signature"`
}

// ClaimResponse maps userID -> deviceID -> claimed key. Devices the server
// had no key for are simply absent.
type ClaimResponse struct {
	OneTimeKeys map[string]map[string]ClaimedKey `json:"one_time_keys"`
}

// Client is the to-device transport surface the engine consumes.
type Client interface {
	// ClaimOneTimeKeys claims one signed one-time key per listed device,
	// devices keyed as userID -> deviceIDs.
	ClaimOneTimeKeys(ctx context.Context, devices map[string][]string) (*ClaimResponse, error)

	// SendToDevice delivers per-device payloads of the given event type,
	// keyed as userID -> deviceID -> content.
	SendToDevice(ctx context.Context, eventType string, messages map[string]map[string]json.RawMessage) error
}

// BackupVersion describes one server-side backup version.
type BackupVersion struct {
	Version   string          `json:"version"`
	Algorithm string          `json:"algorithm"`
	AuthData  json.RawMessage `json:"auth_data"`
	Count     int             `json:"count"`
}

// BackupClient is the key-backup REST surface, keyed by an opaque version
// string throughout.
type BackupClient interface {
	GetLatestVersion(ctx context.Context) (*BackupVersion, error)
	GetVersion(ctx context.Context, version string) (*BackupVersion, error)
	CreateVersion(ctx context.Context, algorithm string, authData json.RawMessage) (string, error)
	UpdateVersion(ctx context.Context, version string, authData json.RawMessage) error

	PutSession(ctx context.Context, version, roomID, sessionID string, data json.RawMessage) error
	PutSessions(ctx context.Context, version string, rooms map[string]map[string]json.RawMessage) error
	GetSession(ctx context.Context, version, roomID, sessionID string) (json.RawMessage, error)
	GetRoomSessions(ctx context.Context, version, roomID string) (map[string]json.RawMessage, error)
	GetAllSessions(ctx context.Context, version string) (map[string]map[string]json.RawMessage, error)
	DeleteSession(ctx context.Context, version, roomID, sessionID string) error
	DeleteRoomSessions(ctx context.Context, version, roomID string) error
	DeleteAllSessions(ctx context.Context, version string) error
	DeleteBackup(ctx context.Context, version string) error
}
