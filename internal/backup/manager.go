// Package backup maintains the server-side encrypted key backup and the
// password-protected key export format. Session keys are sealed to the backup
// public key; the private half is the recovery key and is never uploaded.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/matrix-org/matrix-android-sdk-sub001/internal/config"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/dbjson"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/observability/metrics"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/ratchet"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/store"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/transport"
)

// Algorithm identifies the backup sealing scheme in version auth data.
const Algorithm = "m.megolm_backup.v1.curve25519-aes-sha2"

var (
	ErrNoBackup       = errors.New("backup: no backup version exists")
	ErrBadRecoveryKey = errors.New("backup: recovery key does not match backup version")
	ErrBadPassphrase  = errors.New("backup: wrong passphrase or corrupted export")
	ErrCorruptExport  = errors.New("backup: malformed export")
)

// authData is the public half of the backup key pair, stored with the version.
type authData struct {
	PublicKey string `json:"public_key"`
}

// sessionData is the plaintext sealed into each backed-up session.
type sessionData struct {
	Algorithm          string            `json:"algorithm"`
	SenderKey          string            `json:"sender_key"`
	SessionKey         string            `json:"session_key"`
	SenderClaimedKeys  map[string]string `json:"sender_claimed_keys"`
	ForwardingKeyChain []string          `json:"forwarding_curve25519_key_chain"`
}

// backedUpSession is the per-session wire record uploaded to the server.
type backedUpSession struct {
	FirstMessageIndex uint32          `json:"first_message_index"`
	ForwardedCount    int             `json:"forwarded_count"`
	IsVerified        bool            `json:"is_verified"`
	SessionData       json.RawMessage `json:"session_data"`
}

type Manager struct {
	store  *store.Store
	client transport.BackupClient
	cfg    config.Config
	log    *slog.Logger
}

func NewManager(st *store.Store, client transport.BackupClient, cfg config.Config, log *slog.Logger) *Manager {
	return &Manager{store: st, client: client, cfg: cfg, log: log}
}

// Create provisions a new backup version on the server and returns its version
// string together with the recovery key. The recovery key is shown to the user
// once and not retained.
func (m *Manager) Create(ctx context.Context) (version, recoveryKey string, err error) {
	publicKey, privateKey, err := ratchet.GeneratePKKeyPair()
	if err != nil {
		return "", "", err
	}
	raw, err := json.Marshal(authData{PublicKey: publicKey})
	if err != nil {
		return "", "", err
	}
	version, err = m.client.CreateVersion(ctx, Algorithm, raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", transport.ErrNetwork, err)
	}
	metrics.BackupOperationsTotal.WithLabelValues("create").Inc()
	m.log.Info("backup: created version", "version", version)
	return version, privateKey, nil
}

// Latest resolves the current backup version on the server.
func (m *Manager) Latest(ctx context.Context) (*transport.BackupVersion, error) {
	v, err := m.client.GetLatestVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrNetwork, err)
	}
	if v == nil {
		return nil, ErrNoBackup
	}
	return v, nil
}

// BackupPending uploads every inbound session not yet marked backed up and
// returns the number of sessions sent. Sessions are sealed to the version's
// public key; a partial upload leaves the unmarked remainder for the next run.
func (m *Manager) BackupPending(ctx context.Context, version string) (int, error) {
	v, err := m.client.GetVersion(ctx, version)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", transport.ErrNetwork, err)
	}
	if v == nil || v.Algorithm != Algorithm {
		return 0, ErrNoBackup
	}
	var auth authData
	if err := json.Unmarshal(v.AuthData, &auth); err != nil {
		return 0, fmt.Errorf("backup: bad version auth data: %w", err)
	}

	pending, err := m.store.GroupSessions().ListNotBackedUp(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	rooms := make(map[string]map[string]json.RawMessage)
	for i := range pending {
		rec := &pending[i]
		raw, err := m.sealSession(rec, auth.PublicKey)
		if err != nil {
			m.log.Warn("backup: skipping unsealable session",
				"session_id", rec.SessionID, "error", err)
			continue
		}
		if rooms[rec.RoomID] == nil {
			rooms[rec.RoomID] = make(map[string]json.RawMessage)
		}
		rooms[rec.RoomID][rec.SessionID] = raw
	}
	if len(rooms) == 0 {
		return 0, nil
	}
	if err := m.client.PutSessions(ctx, version, rooms); err != nil {
		return 0, fmt.Errorf("%w: %w", transport.ErrNetwork, err)
	}

	count := 0
	for i := range pending {
		rec := &pending[i]
		if rooms[rec.RoomID] == nil {
			continue
		}
		if _, ok := rooms[rec.RoomID][rec.SessionID]; !ok {
			continue
		}
		if err := m.store.GroupSessions().MarkBackedUp(ctx, rec.SessionID, rec.SenderKey); err != nil {
			return count, err
		}
		count++
	}
	metrics.BackupOperationsTotal.WithLabelValues("upload").Inc()
	return count, nil
}

func (m *Manager) sealSession(rec *store.GroupSessionRecord, publicKey string) (json.RawMessage, error) {
	inbound, err := ratchet.NewInboundGroupSession(rec.SessionKey)
	if err != nil {
		return nil, err
	}
	var chain []string
	if err := rec.ForwardingChain.Unmarshal(&chain); err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(sessionData{
		Algorithm:          Algorithm,
		SenderKey:          rec.SenderKey,
		SessionKey:         rec.SessionKey,
		SenderClaimedKeys:  map[string]string{"ed25519": rec.SenderClaimedEd},
		ForwardingKeyChain: chain,
	})
	if err != nil {
		return nil, err
	}
	sealed, err := ratchet.PKEncrypt(publicKey, plaintext)
	if err != nil {
		return nil, err
	}
	return json.Marshal(backedUpSession{
		FirstMessageIndex: inbound.FirstKnownIndex(),
		ForwardedCount:    len(chain),
		SessionData:       mustMarshal(sealed),
	})
}

// Restore downloads every session in the backup version, opens them with the
// recovery key, and imports them into the local store. Sessions that fail to
// open are skipped; the count of imported sessions is returned.
func (m *Manager) Restore(ctx context.Context, version, recoveryKey string) (int, error) {
	v, err := m.client.GetVersion(ctx, version)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", transport.ErrNetwork, err)
	}
	if v == nil || v.Algorithm != Algorithm {
		return 0, ErrNoBackup
	}
	var auth authData
	if err := json.Unmarshal(v.AuthData, &auth); err != nil {
		return 0, fmt.Errorf("backup: bad version auth data: %w", err)
	}
	derived, err := ratchet.PKPublicKey(recoveryKey)
	if err != nil || derived != auth.PublicKey {
		return 0, ErrBadRecoveryKey
	}

	rooms, err := m.client.GetAllSessions(ctx, version)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", transport.ErrNetwork, err)
	}

	imported := 0
	for roomID, sessions := range rooms {
		for sessionID, raw := range sessions {
			var entry backedUpSession
			if err := json.Unmarshal(raw, &entry); err != nil {
				m.log.Warn("backup: skipping malformed entry", "session_id", sessionID)
				continue
			}
			var sealed ratchet.PKMessage
			if err := json.Unmarshal(entry.SessionData, &sealed); err != nil {
				m.log.Warn("backup: skipping malformed session data", "session_id", sessionID)
				continue
			}
			plaintext, err := ratchet.PKDecrypt(recoveryKey, &sealed)
			if err != nil {
				m.log.Warn("backup: cannot open backed-up session", "session_id", sessionID)
				continue
			}
			var data sessionData
			if err := json.Unmarshal(plaintext, &data); err != nil {
				m.log.Warn("backup: skipping undecodable session", "session_id", sessionID)
				continue
			}
			if err := m.importSession(ctx, roomID, sessionID, data, true); err != nil {
				m.log.Warn("backup: import failed", "session_id", sessionID, "error", err)
				continue
			}
			imported++
		}
	}
	metrics.BackupOperationsTotal.WithLabelValues("restore").Inc()
	return imported, nil
}

// importSession stores a recovered session. An already known session is kept
// unless the incoming key reaches further back and ratchets forward to the
// stored key; consumed indices always survive so replay protection cannot be
// reset through a backup.
func (m *Manager) importSession(ctx context.Context, roomID, sessionID string, data sessionData, backedUp bool) error {
	inbound, err := ratchet.NewInboundGroupSession(data.SessionKey)
	if err != nil {
		return err
	}
	if inbound.ID() != sessionID {
		return fmt.Errorf("backup: session key does not match session id %q", sessionID)
	}

	rec := store.GroupSessionRecord{
		SessionID:       sessionID,
		SenderKey:       data.SenderKey,
		RoomID:          roomID,
		SessionKey:      data.SessionKey,
		SenderClaimedEd: data.SenderClaimedKeys["ed25519"],
		BackedUp:        backedUp,
	}
	if data.ForwardingKeyChain != nil {
		if rec.ForwardingChain, err = dbjson.Marshal(data.ForwardingKeyChain); err != nil {
			return err
		}
	}

	existing, err := m.store.GroupSessions().Get(ctx, sessionID, data.SenderKey)
	if err != nil && !errors.Is(err, store.ErrRecordNotFound) {
		return err
	}
	if existing != nil {
		known, err := ratchet.NewInboundGroupSession(existing.SessionKey)
		if err == nil {
			if known.FirstKnownIndex() <= inbound.FirstKnownIndex() {
				return nil
			}
			if !inbound.Extends(known) {
				return fmt.Errorf("backup: session %q does not extend the stored key", sessionID)
			}
		}
		rec.ConsumedIndices = existing.ConsumedIndices
		rec.BackedUp = existing.BackedUp || backedUp
	}
	return m.store.GroupSessions().Upsert(ctx, rec)
}

// Delete removes a backup version and everything stored under it.
func (m *Manager) Delete(ctx context.Context, version string) error {
	if err := m.client.DeleteBackup(ctx, version); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrNetwork, err)
	}
	metrics.BackupOperationsTotal.WithLabelValues("delete").Inc()
	return nil
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
