// Package session manages olm pairwise sessions: establishment from claimed
// one-time keys, encryption and decryption of to-device traffic, and session
// persistence. When several sessions exist for a peer the freshest one wins.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/matrix-org/matrix-android-sdk-sub001/internal/event"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/ratchet"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/store"
)

var (
	ErrNoSession        = errors.New("session: no olm session with peer")
	ErrDecryptionFailed = errors.New("session: envelope decryption failed")
	ErrNotAddressedToUs = errors.New("session: envelope not addressed to this device")
)

// Plaintext is the decrypted body of an olm envelope.
type Plaintext struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

type Manager struct {
	account *ratchet.Account
	store   *store.Store
	log     *slog.Logger
	now     func() time.Time
}

func NewManager(account *ratchet.Account, st *store.Store, log *slog.Logger) *Manager {
	return &Manager{account: account, store: st, log: log, now: time.Now}
}

// Account exposes the device's own key material.
func (m *Manager) Account() *ratchet.Account { return m.account }

// HasSession reports whether any session exists with the peer identity key.
func (m *Manager) HasSession(ctx context.Context, peerIdentityKey string) (bool, error) {
	recs, err := m.store.OlmSessions().ListForPeer(ctx, peerIdentityKey)
	if err != nil {
		return false, err
	}
	return len(recs) > 0, nil
}

// LatestSessionID returns the freshest session id with the peer, or
// ErrNoSession when none exists.
func (m *Manager) LatestSessionID(ctx context.Context, peerIdentityKey string) (string, error) {
	recs, err := m.store.OlmSessions().ListForPeer(ctx, peerIdentityKey)
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "", ErrNoSession
	}
	return recs[0].SessionID, nil
}

// CreateOutbound establishes a session toward a peer from a claimed one-time
// key and persists it. The claimed key's signature must already be verified.
func (m *Manager) CreateOutbound(ctx context.Context, peerIdentityKey, oneTimeKeyID, oneTimeKey string) (string, error) {
	sess, err := ratchet.NewOutboundSession(m.account, peerIdentityKey, oneTimeKeyID, oneTimeKey)
	if err != nil {
		return "", fmt.Errorf("session: outbound establishment: %w", err)
	}
	if err := m.persist(ctx, sess, m.now().UTC()); err != nil {
		return "", err
	}
	return sess.ID(), nil
}

// Encrypt seals a typed payload to the peer device over the freshest session.
// The returned content is the m.room.encrypted olm envelope.
func (m *Manager) Encrypt(ctx context.Context, peerIdentityKey, eventType string, content any) (*event.Encrypted, error) {
	recs, err := m.store.OlmSessions().ListForPeer(ctx, peerIdentityKey)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNoSession
	}
	rec := recs[0]
	sess, err := ratchet.UnpickleOlmSession(rec.Pickle)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(Plaintext{Type: eventType, Content: raw})
	if err != nil {
		return nil, err
	}
	msgType, body, err := sess.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	if err := m.persistKeepingFreshness(ctx, sess, rec.LastReceivedAt); err != nil {
		return nil, err
	}

	return &event.Encrypted{
		Algorithm: event.AlgorithmOlm,
		SenderKey: m.account.IdentityKey(),
		Ciphertexts: map[string]event.OlmCiphertext{
			peerIdentityKey: {Type: msgType, Body: body},
		},
	}, nil
}

// Decrypt opens an olm envelope addressed to this device. Pre-key messages
// that no existing session can open bootstrap a new inbound session,
// consuming the referenced one-time key.
func (m *Manager) Decrypt(ctx context.Context, content *event.Encrypted) (*Plaintext, string, error) {
	ct, ok := content.Ciphertexts[m.account.IdentityKey()]
	if !ok {
		return nil, "", ErrNotAddressedToUs
	}
	senderKey := content.SenderKey

	recs, err := m.store.OlmSessions().ListForPeer(ctx, senderKey)
	if err != nil {
		return nil, "", err
	}
	for i := range recs {
		sess, err := ratchet.UnpickleOlmSession(recs[i].Pickle)
		if err != nil {
			m.log.Warn("session: dropping corrupt pickle", "session_id", recs[i].SessionID)
			continue
		}
		plaintext, err := sess.Decrypt(ct.Type, ct.Body)
		if err != nil {
			continue
		}
		if err := m.persist(ctx, sess, m.now().UTC()); err != nil {
			return nil, "", err
		}
		return parsePlaintext(plaintext, senderKey)
	}

	if ct.Type == ratchet.MessageTypePreKey {
		sess, plaintext, err := ratchet.NewInboundSession(m.account, ct.Body)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
		}
		if err := m.persist(ctx, sess, m.now().UTC()); err != nil {
			return nil, "", err
		}
		return parsePlaintext([]byte(plaintext), senderKey)
	}
	return nil, "", ErrDecryptionFailed
}

func parsePlaintext(raw []byte, senderKey string) (*Plaintext, string, error) {
	var p Plaintext
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, "", ErrDecryptionFailed
	}
	return &p, senderKey, nil
}

func (m *Manager) persist(ctx context.Context, sess *ratchet.OlmSession, receivedAt time.Time) error {
	pickle, err := sess.Pickle()
	if err != nil {
		return err
	}
	return m.store.OlmSessions().Upsert(ctx, store.OlmSessionRecord{
		SessionID:       sess.ID(),
		PeerIdentityKey: sess.RemoteIdentityKey(),
		Pickle:          pickle,
		LastReceivedAt:  receivedAt,
	})
}

// persistKeepingFreshness saves ratchet progress from a send without touching
// the freshness timestamp, which tracks received traffic only.
func (m *Manager) persistKeepingFreshness(ctx context.Context, sess *ratchet.OlmSession, lastReceivedAt time.Time) error {
	pickle, err := sess.Pickle()
	if err != nil {
		return err
	}
	return m.store.OlmSessions().Upsert(ctx, store.OlmSessionRecord{
		SessionID:       sess.ID(),
		PeerIdentityKey: sess.RemoteIdentityKey(),
		Pickle:          pickle,
		LastReceivedAt:  lastReceivedAt,
	})
}
