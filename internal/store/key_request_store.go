package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Key request lifecycle states.
const (
	RequestUnsent    = "unsent"
	RequestSent      = "sent"
	RequestCancelled = "cancelled"
)

// KeyRequestRecord is an outgoing room-key request. Requests are deduplicated
// by body (room, session, sender key) while not cancelled.
type KeyRequestRecord struct {
	RequestID string    `gorm:"primaryKey;size:255"`
	RoomID    string    `gorm:"not null;index:idx_key_requests_body,priority:1"`
	SessionID string    `gorm:"not null;index:idx_key_requests_body,priority:2"`
	SenderKey string    `gorm:"not null;index:idx_key_requests_body,priority:3"`
	State     string    `gorm:"not null;default:unsent"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

type KeyRequestStore struct{ db *gorm.DB }

func (s *Store) KeyRequests() *KeyRequestStore { return &KeyRequestStore{db: s.DB} }

func (k *KeyRequestStore) Upsert(ctx context.Context, rec KeyRequestRecord) error {
	return k.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "request_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at"}),
		}).
		Create(&rec).Error
}

func (k *KeyRequestStore) Get(ctx context.Context, requestID string) (*KeyRequestRecord, error) {
	var rec KeyRequestRecord
	if err := k.db.WithContext(ctx).First(&rec, "request_id = ?", requestID).Error; err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

// FindActiveByBody returns the non-cancelled request matching the body, if any.
func (k *KeyRequestStore) FindActiveByBody(ctx context.Context, roomID, sessionID, senderKey string) (*KeyRequestRecord, error) {
	var rec KeyRequestRecord
	err := k.db.WithContext(ctx).
		Where("room_id = ? AND session_id = ? AND sender_key = ? AND state <> ?",
			roomID, sessionID, senderKey, RequestCancelled).
		First(&rec).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

func (k *KeyRequestStore) SetState(ctx context.Context, requestID, state string) error {
	res := k.db.WithContext(ctx).
		Model(&KeyRequestRecord{}).
		Where("request_id = ?", requestID).
		Update("state", state)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// ListUnsent returns requests still waiting to go out, oldest first.
func (k *KeyRequestStore) ListUnsent(ctx context.Context) ([]KeyRequestRecord, error) {
	var recs []KeyRequestRecord
	err := k.db.WithContext(ctx).
		Where("state = ?", RequestUnsent).
		Order("created_at asc").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}
