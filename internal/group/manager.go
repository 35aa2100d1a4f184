// Package group manages megolm sessions: outbound room key creation, rotation
// and distribution, inbound session tracking with replay protection, and the
// room-key request protocol.
package group

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/matrix-org/matrix-android-sdk-sub001/internal/claim"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/config"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/directory"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/event"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/ratchet"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/sequence"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/session"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/store"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/transport"
)

var (
	ErrUnknownSession   = errors.New("group: unknown inbound session")
	ErrReplayAttack     = errors.New("group: message index already consumed")
	ErrDecryptionFailed = errors.New("group: event decryption failed")
	ErrRoomMismatch     = errors.New("group: session does not belong to this room")
	ErrNotShared        = errors.New("group: room key distribution failed")
	ErrSessionConflict  = errors.New("group: incoming session key conflicts with stored session")
)

type Manager struct {
	exec      *sequence.Executor
	store     *store.Store
	sessions  *session.Manager
	claims    *claim.Coordinator
	directory *directory.Directory
	client    transport.Client
	cfg       config.Config
	log       *slog.Logger
	now       func() time.Time

	ownUserID   string
	ownDeviceID string
}

func NewManager(
	exec *sequence.Executor,
	st *store.Store,
	sessions *session.Manager,
	claims *claim.Coordinator,
	dir *directory.Directory,
	client transport.Client,
	cfg config.Config,
	log *slog.Logger,
	ownUserID, ownDeviceID string,
) *Manager {
	return &Manager{
		exec:        exec,
		store:       st,
		sessions:    sessions,
		claims:      claims,
		directory:   dir,
		client:      client,
		cfg:         cfg,
		log:         log,
		now:         time.Now,
		ownUserID:   ownUserID,
		ownDeviceID: ownDeviceID,
	}
}

// megolmPlaintext is the payload sealed inside a megolm ciphertext. The room
// id is bound into the plaintext so a ciphertext cannot be replayed into a
// different room.
type megolmPlaintext struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	RoomID  string          `json:"room_id"`
}

// EncryptRoomEvent encrypts a room event for the given members (userID ->
// deviceIDs), creating, rotating and distributing the outbound session as
// needed. The session is marked shared only after the transport accepted the
// room-key messages.
func (m *Manager) EncryptRoomEvent(ctx context.Context, roomID string, members map[string][]string, eventType string, content any) (*event.Encrypted, error) {
	var (
		outbound  *ratchet.OutboundGroupSession
		rec       *store.OutboundGroupRecord
		needShare bool
	)
	err := m.exec.Run(ctx, func() error {
		var err error
		outbound, rec, err = m.loadOrCreateOutbound(ctx, roomID)
		if err != nil {
			return err
		}
		needShare = !rec.Shared
		return nil
	})
	if err != nil {
		return nil, err
	}

	if needShare {
		if err := m.shareRoomKey(ctx, roomID, outbound, members); err != nil {
			return nil, err
		}
	}

	var encrypted *event.Encrypted
	err = m.exec.Run(ctx, func() error {
		raw, err := json.Marshal(content)
		if err != nil {
			return err
		}
		plaintext, err := json.Marshal(megolmPlaintext{Type: eventType, Content: raw, RoomID: roomID})
		if err != nil {
			return err
		}
		body, err := outbound.Encrypt(plaintext)
		if err != nil {
			return err
		}
		rec.MessageCount++
		rec.Shared = true
		if err := m.persistOutbound(ctx, roomID, outbound, rec); err != nil {
			return err
		}
		encrypted = &event.Encrypted{
			Algorithm:  event.AlgorithmMegolm,
			SenderKey:  m.sessions.Account().IdentityKey(),
			SessionID:  outbound.ID(),
			Ciphertext: body,
			DeviceID:   m.ownDeviceID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return encrypted, nil
}

// loadOrCreateOutbound returns the room's current outbound session, rotating
// it when the configured message count or age threshold is reached.
func (m *Manager) loadOrCreateOutbound(ctx context.Context, roomID string) (*ratchet.OutboundGroupSession, *store.OutboundGroupRecord, error) {
	rec, err := m.store.GroupSessions().GetOutbound(ctx, roomID)
	if err == nil {
		rotate := rec.MessageCount >= m.cfg.RotationMessageCount ||
			m.now().Sub(rec.CreatedAt) >= m.cfg.RotationMaxAge
		if !rotate {
			outbound, err := ratchet.UnpickleOutboundGroupSession(rec.Pickle)
			if err != nil {
				m.log.Warn("group: dropping corrupt outbound pickle", "room_id", roomID)
			} else {
				return outbound, rec, nil
			}
		} else {
			m.log.Info("group: rotating outbound session",
				"room_id", roomID, "messages", rec.MessageCount)
		}
	} else if !errors.Is(err, store.ErrRecordNotFound) {
		return nil, nil, err
	}

	outbound, err := ratchet.NewOutboundGroupSession()
	if err != nil {
		return nil, nil, err
	}
	rec = &store.OutboundGroupRecord{
		RoomID:    roomID,
		SessionID: outbound.ID(),
		Shared:    false,
		CreatedAt: m.now().UTC(),
	}
	if err := m.persistOutbound(ctx, roomID, outbound, rec); err != nil {
		return nil, nil, err
	}

	// The sender must be able to decrypt its own messages; track the new
	// session as an inbound session keyed by our identity key.
	sessionKey, err := outbound.SessionKey()
	if err != nil {
		return nil, nil, err
	}
	err = m.addInbound(ctx, inboundParams{
		RoomID:          roomID,
		SessionID:       outbound.ID(),
		SenderKey:       m.sessions.Account().IdentityKey(),
		SessionKey:      sessionKey,
		SenderClaimedEd: m.sessions.Account().FingerprintKey(),
	})
	if err != nil {
		return nil, nil, err
	}
	return outbound, rec, nil
}

func (m *Manager) persistOutbound(ctx context.Context, roomID string, outbound *ratchet.OutboundGroupSession, rec *store.OutboundGroupRecord) error {
	pickle, err := outbound.Pickle()
	if err != nil {
		return err
	}
	rec.Pickle = pickle
	return m.store.GroupSessions().UpsertOutbound(ctx, *rec)
}

// shareRoomKey distributes the outbound session key to the member devices
// over olm. Per-device failures are logged and isolated; only a transport
// failure aborts the share.
func (m *Manager) shareRoomKey(ctx context.Context, roomID string, outbound *ratchet.OutboundGroupSession, members map[string][]string) error {
	resultCh := make(chan *claim.Result, 1)
	err := m.claims.EnsureSessions(members, func(r *claim.Result) {
		resultCh <- r
	})
	if err != nil {
		return err
	}
	var result *claim.Result
	select {
	case result = <-resultCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	for key, failure := range result.Failures {
		m.log.Warn("group: skipping device for room key share",
			"user_id", key.UserID, "device_id", key.DeviceID, "error", failure)
	}
	if len(result.Sessions) == 0 {
		return fmt.Errorf("%w: no reachable devices", ErrNotShared)
	}

	sessionKey, err := outbound.SessionKey()
	if err != nil {
		return err
	}
	roomKey := event.RoomKey{
		Algorithm:  event.AlgorithmMegolm,
		RoomID:     roomID,
		SessionID:  outbound.ID(),
		SessionKey: sessionKey,
		ChainIndex: outbound.Index(),
	}

	messages := make(map[string]map[string]json.RawMessage)
	err = m.exec.Run(ctx, func() error {
		for key := range result.Sessions {
			dev, err := m.directory.GetDevice(ctx, key.UserID, key.DeviceID)
			if err != nil {
				m.log.Warn("group: device vanished before share",
					"user_id", key.UserID, "device_id", key.DeviceID)
				continue
			}
			envelope, err := m.sessions.Encrypt(ctx, dev.IdentityKey, event.TypeRoomKey, roomKey)
			if err != nil {
				m.log.Warn("group: olm encrypt for room key failed",
					"user_id", key.UserID, "device_id", key.DeviceID, "error", err)
				continue
			}
			raw, err := json.Marshal(envelope)
			if err != nil {
				return err
			}
			if messages[key.UserID] == nil {
				messages[key.UserID] = make(map[string]json.RawMessage)
			}
			messages[key.UserID][key.DeviceID] = raw
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return fmt.Errorf("%w: no encryptable devices", ErrNotShared)
	}

	if err := m.client.SendToDevice(ctx, event.TypeEncrypted, messages); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrNetwork, err)
	}
	return nil
}
