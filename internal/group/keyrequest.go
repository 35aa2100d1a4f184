package group

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/matrix-org/matrix-android-sdk-sub001/internal/claim"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/event"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/store"
)

// Room key request actions.
const (
	actionRequest      = "request"
	actionCancellation = "request_cancellation"
)

// RequestRoomKey queues an outgoing key request for a missing session,
// deduplicated by (room, session, sender key), and sends it to our other
// devices. Key requests travel unencrypted; the reply comes back over olm.
func (m *Manager) RequestRoomKey(ctx context.Context, roomID, sessionID, senderKey string) error {
	if _, err := m.store.KeyRequests().FindActiveByBody(ctx, roomID, sessionID, senderKey); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrRecordNotFound) {
		return err
	}

	rec := store.KeyRequestRecord{
		RequestID: uuid.NewString(),
		RoomID:    roomID,
		SessionID: sessionID,
		SenderKey: senderKey,
		State:     store.RequestUnsent,
	}
	if err := m.store.KeyRequests().Upsert(ctx, rec); err != nil {
		return err
	}

	content := event.RoomKeyRequest{
		Action:             actionRequest,
		RequestingDeviceID: m.ownDeviceID,
		RequestID:          rec.RequestID,
		Body: &event.RequestBody{
			Algorithm: event.AlgorithmMegolm,
			RoomID:    roomID,
			SenderKey: senderKey,
			SessionID: sessionID,
		},
	}
	if err := m.sendKeyRequest(ctx, content); err != nil {
		// Leave the record unsent; the caller may retry the decryption
		// and with it the request.
		m.log.Warn("group: key request send failed", "request_id", rec.RequestID, "error", err)
		return nil
	}
	return m.store.KeyRequests().SetState(ctx, rec.RequestID, store.RequestSent)
}

// cancelMatchingRequests cancels any pending request for a session that just
// arrived. Cancellation racing an in-flight delivery is tolerated.
func (m *Manager) cancelMatchingRequests(ctx context.Context, roomID, sessionID, senderKey string) {
	rec, err := m.store.KeyRequests().FindActiveByBody(ctx, roomID, sessionID, senderKey)
	if err != nil {
		return
	}
	if err := m.store.KeyRequests().SetState(ctx, rec.RequestID, store.RequestCancelled); err != nil {
		m.log.Warn("group: cancelling key request failed", "request_id", rec.RequestID, "error", err)
		return
	}
	content := event.RoomKeyRequest{
		Action:             actionCancellation,
		RequestingDeviceID: m.ownDeviceID,
		RequestID:          rec.RequestID,
	}
	if err := m.sendKeyRequest(ctx, content); err != nil {
		m.log.Debug("group: key request cancellation not delivered", "request_id", rec.RequestID, "error", err)
	}
}

// sendKeyRequest broadcasts a key request to all of our own devices.
func (m *Manager) sendKeyRequest(ctx context.Context, content event.RoomKeyRequest) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}
	messages := map[string]map[string]json.RawMessage{
		m.ownUserID: {"*": raw},
	}
	return m.client.SendToDevice(ctx, event.TypeRoomKeyRequest, messages)
}

// HandleRoomKeyRequest answers an incoming key request from another of our
// own devices. Only verified devices are served, unless the share-to-
// unverified policy flag is set. Requests from other users are ignored.
func (m *Manager) HandleRoomKeyRequest(ctx context.Context, fromUserID string, req *event.RoomKeyRequest) error {
	if req.Action == actionCancellation {
		return nil
	}
	if fromUserID != m.ownUserID || req.RequestingDeviceID == m.ownDeviceID || req.Body == nil {
		return nil
	}
	dev, err := m.directory.GetDevice(ctx, fromUserID, req.RequestingDeviceID)
	if err != nil {
		m.log.Warn("group: key request from unknown device",
			"device_id", req.RequestingDeviceID, "error", err)
		return nil
	}
	if dev.Trust == store.TrustBlocked {
		return nil
	}
	if dev.Trust != store.TrustVerified && !m.cfg.ShareToUnverified {
		m.log.Info("group: refusing key share with unverified device",
			"device_id", req.RequestingDeviceID)
		return nil
	}

	rec, err := m.store.GroupSessions().Get(ctx, req.Body.SessionID, req.Body.SenderKey)
	if err != nil {
		if !errors.Is(err, store.ErrRecordNotFound) {
			return err
		}
		return nil
	}
	var chain []string
	if err := rec.ForwardingChain.Unmarshal(&chain); err != nil {
		return err
	}
	forward := event.ForwardedRoomKey{
		Algorithm:          event.AlgorithmMegolm,
		RoomID:             rec.RoomID,
		SessionID:          rec.SessionID,
		SessionKey:         rec.SessionKey,
		SenderKey:          rec.SenderKey,
		SenderClaimedEd:    rec.SenderClaimedEd,
		ForwardingKeyChain: chain,
	}

	devices := map[string][]string{fromUserID: {req.RequestingDeviceID}}
	return m.claims.EnsureSessions(devices, func(result *claim.Result) {
		key := claim.DeviceKey{UserID: fromUserID, DeviceID: req.RequestingDeviceID}
		if failure, ok := result.Failures[key]; ok {
			m.log.Warn("group: no session for key forward",
				"device_id", req.RequestingDeviceID, "error", failure)
			return
		}
		m.forwardKey(dev.IdentityKey, fromUserID, req.RequestingDeviceID, forward)
	})
}

// forwardKey encrypts the forwarded key on the crypto sequence and sends it
// off-sequence.
func (m *Manager) forwardKey(peerIdentityKey, userID, deviceID string, forward event.ForwardedRoomKey) {
	err := m.exec.Post(func() {
		ctx := context.Background()
		envelope, err := m.sessions.Encrypt(ctx, peerIdentityKey, event.TypeForwardedRoomKey, forward)
		if err != nil {
			m.log.Warn("group: olm encrypt for key forward failed", "device_id", deviceID, "error", err)
			return
		}
		raw, err := json.Marshal(envelope)
		if err != nil {
			return
		}
		messages := map[string]map[string]json.RawMessage{userID: {deviceID: raw}}
		go func() {
			if err := m.client.SendToDevice(context.Background(), event.TypeEncrypted, messages); err != nil {
				m.log.Warn("group: key forward send failed", "device_id", deviceID, "error", err)
			}
		}()
	})
	if err != nil {
		m.log.Warn("group: key forward dropped, executor closed", "device_id", deviceID)
	}
}
