package group

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/matrix-org/matrix-android-sdk-sub001/internal/dbjson"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/event"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/observability/metrics"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/ratchet"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/store"
)

// DecryptedEvent is a successfully decrypted room event.
type DecryptedEvent struct {
	Type       string
	Content    json.RawMessage
	RoomID     string
	SenderKey  string
	SessionID  string
	ChainIndex uint32
}

type inboundParams struct {
	RoomID          string
	SessionID       string
	SenderKey       string
	SessionKey      string
	SenderClaimedEd string
	ForwardingChain []string
}

// IngestRoomKey handles a decrypted m.room_key payload received over olm from
// senderKey. The sender's claimed Ed25519 key comes from the olm plaintext.
func (m *Manager) IngestRoomKey(ctx context.Context, senderKey, senderClaimedEd string, rk *event.RoomKey) error {
	if rk.Algorithm != event.AlgorithmMegolm || rk.SessionID == "" || rk.SessionKey == "" {
		return fmt.Errorf("group: malformed room key for room %q", rk.RoomID)
	}
	err := m.addInbound(ctx, inboundParams{
		RoomID:          rk.RoomID,
		SessionID:       rk.SessionID,
		SenderKey:       senderKey,
		SessionKey:      rk.SessionKey,
		SenderClaimedEd: senderClaimedEd,
	})
	if err != nil {
		return err
	}
	m.cancelMatchingRequests(ctx, rk.RoomID, rk.SessionID, senderKey)
	return nil
}

// IngestForwardedRoomKey handles an m.forwarded_room_key payload. The
// forwarding device's identity key is appended to the chain.
func (m *Manager) IngestForwardedRoomKey(ctx context.Context, forwarderKey string, fwd *event.ForwardedRoomKey) error {
	if fwd.Algorithm != event.AlgorithmMegolm || fwd.SessionID == "" || fwd.SessionKey == "" || fwd.SenderKey == "" {
		return fmt.Errorf("group: malformed forwarded room key for room %q", fwd.RoomID)
	}
	chain := append(append([]string(nil), fwd.ForwardingKeyChain...), forwarderKey)
	err := m.addInbound(ctx, inboundParams{
		RoomID:          fwd.RoomID,
		SessionID:       fwd.SessionID,
		SenderKey:       fwd.SenderKey,
		SessionKey:      fwd.SessionKey,
		SenderClaimedEd: fwd.SenderClaimedEd,
		ForwardingChain: chain,
	})
	if err != nil {
		return err
	}
	m.cancelMatchingRequests(ctx, fwd.RoomID, fwd.SessionID, fwd.SenderKey)
	return nil
}

// addInbound records an inbound session. An already known session is only
// updated when the incoming key reaches further back (a lower first known
// index) and provably ratchets forward to the stored key; consumed indices and
// the backup flag survive.
func (m *Manager) addInbound(ctx context.Context, p inboundParams) error {
	inbound, err := ratchet.NewInboundGroupSession(p.SessionKey)
	if err != nil {
		return fmt.Errorf("group: import session key: %w", err)
	}
	if inbound.ID() != p.SessionID {
		return fmt.Errorf("group: session key does not match session id %q", p.SessionID)
	}

	existing, err := m.store.GroupSessions().Get(ctx, p.SessionID, p.SenderKey)
	if err != nil && !errors.Is(err, store.ErrRecordNotFound) {
		return err
	}
	rec := store.GroupSessionRecord{
		SessionID:       p.SessionID,
		SenderKey:       p.SenderKey,
		RoomID:          p.RoomID,
		SessionKey:      p.SessionKey,
		SenderClaimedEd: p.SenderClaimedEd,
	}
	if p.ForwardingChain != nil {
		if rec.ForwardingChain, err = dbjson.Marshal(p.ForwardingChain); err != nil {
			return err
		}
	}
	if existing != nil {
		known, err := ratchet.NewInboundGroupSession(existing.SessionKey)
		if err == nil {
			if known.FirstKnownIndex() <= inbound.FirstKnownIndex() {
				return nil
			}
			if !inbound.Extends(known) {
				m.log.Warn("group: rejecting key that conflicts with stored session",
					"session_id", p.SessionID, "sender_key", p.SenderKey)
				return ErrSessionConflict
			}
		}
		rec.ConsumedIndices = existing.ConsumedIndices
		rec.BackedUp = existing.BackedUp
		rec.ForwardingChain = existing.ForwardingChain
	}
	return m.store.GroupSessions().Upsert(ctx, rec)
}

// DecryptRoomEvent decrypts an m.room.encrypted room event. A missing session
// queues an outgoing key request and reports ErrUnknownSession. Within a
// timeline, a chain index may only be consumed once; re-decrypting the exact
// same (index, eventID) pair is idempotent, anything else is a replay.
func (m *Manager) DecryptRoomEvent(ctx context.Context, roomID, eventID, timelineID string, content *event.Encrypted) (*DecryptedEvent, error) {
	rec, err := m.store.GroupSessions().Get(ctx, content.SessionID, content.SenderKey)
	if errors.Is(err, store.ErrRecordNotFound) {
		metrics.DecryptionsTotal.WithLabelValues("unknown_session").Inc()
		if reqErr := m.RequestRoomKey(ctx, roomID, content.SessionID, content.SenderKey); reqErr != nil {
			m.log.Warn("group: queueing key request failed", "session_id", content.SessionID, "error", reqErr)
		}
		return nil, ErrUnknownSession
	}
	if err != nil {
		return nil, err
	}
	if rec.RoomID != roomID {
		metrics.DecryptionsTotal.WithLabelValues("room_mismatch").Inc()
		return nil, ErrRoomMismatch
	}

	inbound, err := ratchet.NewInboundGroupSession(rec.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	plaintext, index, err := inbound.Decrypt(content.Ciphertext)
	if err != nil {
		metrics.DecryptionsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}

	consumed := make(map[string]map[string]string)
	if err := rec.ConsumedIndices.Unmarshal(&consumed); err != nil {
		return nil, err
	}
	indexKey := strconv.FormatUint(uint64(index), 10)
	if timeline, ok := consumed[timelineID]; ok {
		if prevEventID, ok := timeline[indexKey]; ok {
			if prevEventID != eventID {
				metrics.ReplayDetectionsTotal.Inc()
				metrics.DecryptionsTotal.WithLabelValues("replay").Inc()
				m.log.Warn("group: replayed message index",
					"session_id", content.SessionID, "index", index, "timeline_id", timelineID)
				return nil, ErrReplayAttack
			}
			// Same event delivered twice; safe to decrypt again.
		}
	}
	if consumed[timelineID] == nil {
		consumed[timelineID] = make(map[string]string)
	}
	consumed[timelineID][indexKey] = eventID
	if rec.ConsumedIndices, err = dbjson.Marshal(consumed); err != nil {
		return nil, err
	}
	if err := m.store.GroupSessions().Upsert(ctx, *rec); err != nil {
		return nil, err
	}

	var payload megolmPlaintext
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		metrics.DecryptionsTotal.WithLabelValues("failed").Inc()
		return nil, ErrDecryptionFailed
	}
	if payload.RoomID != roomID {
		metrics.DecryptionsTotal.WithLabelValues("room_mismatch").Inc()
		return nil, ErrRoomMismatch
	}
	metrics.DecryptionsTotal.WithLabelValues("ok").Inc()
	return &DecryptedEvent{
		Type:       payload.Type,
		Content:    payload.Content,
		RoomID:     payload.RoomID,
		SenderKey:  content.SenderKey,
		SessionID:  content.SessionID,
		ChainIndex: index,
	}, nil
}
