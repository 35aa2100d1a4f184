package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OlmSessionRecord is a pickled pairwise session with a peer device, keyed by
// the session id shared by both ends. LastReceivedAt orders sessions by
// freshness when several exist for the same peer.
type OlmSessionRecord struct {
	SessionID       string    `gorm:"primaryKey;size:255"`
	PeerIdentityKey string    `gorm:"not null;index"`
	Pickle          string    `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null;autoCreateTime"`
	LastReceivedAt  time.Time `gorm:"not null"`
}

type OlmSessionStore struct{ db *gorm.DB }

func (s *Store) OlmSessions() *OlmSessionStore { return &OlmSessionStore{db: s.DB} }

func (o *OlmSessionStore) Upsert(ctx context.Context, rec OlmSessionRecord) error {
	return o.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"pickle", "last_received_at"}),
		}).
		Create(&rec).Error
}

func (o *OlmSessionStore) Get(ctx context.Context, sessionID string) (*OlmSessionRecord, error) {
	var rec OlmSessionRecord
	if err := o.db.WithContext(ctx).First(&rec, "session_id = ?", sessionID).Error; err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

// ListForPeer returns the sessions with a peer identity key, freshest first.
func (o *OlmSessionStore) ListForPeer(ctx context.Context, peerIdentityKey string) ([]OlmSessionRecord, error) {
	var recs []OlmSessionRecord
	err := o.db.WithContext(ctx).
		Where("peer_identity_key = ?", peerIdentityKey).
		Order("last_received_at desc").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}
