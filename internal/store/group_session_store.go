package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/matrix-org/matrix-android-sdk-sub001/internal/dbjson"
)

// GroupSessionRecord is an inbound megolm session keyed by (sessionID,
// senderKey). ConsumedIndices maps timelineId -> chain index -> event id and
// backs replay detection; it only ever grows.
type GroupSessionRecord struct {
	SessionID       string      `gorm:"primaryKey;size:255"`
	SenderKey       string      `gorm:"primaryKey;size:255"`
	RoomID          string      `gorm:"not null;index"`
	SessionKey      string      `gorm:"not null"`
	SenderClaimedEd string      `gorm:"not null"`
	ForwardingChain dbjson.JSON `gorm:"type:json"`
	ConsumedIndices dbjson.JSON `gorm:"type:json"`
	BackedUp        bool        `gorm:"not null;default:false"`
	CreatedAt       time.Time   `gorm:"not null;autoCreateTime"`
	UpdatedAt       time.Time   `gorm:"not null;autoUpdateTime"`
}

// OutboundGroupRecord is the current outbound session for a room. Shared is
// set only once the transport accepted the room-key distribution.
type OutboundGroupRecord struct {
	RoomID       string    `gorm:"primaryKey;size:255"`
	SessionID    string    `gorm:"not null"`
	Pickle       string    `gorm:"not null"`
	Shared       bool      `gorm:"not null;default:false"`
	MessageCount uint32    `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"not null"`
}

type GroupSessionStore struct{ db *gorm.DB }

func (s *Store) GroupSessions() *GroupSessionStore { return &GroupSessionStore{db: s.DB} }

func (g *GroupSessionStore) Upsert(ctx context.Context, rec GroupSessionRecord) error {
	return g.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "session_id"}, {Name: "sender_key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"session_key", "sender_claimed_ed", "forwarding_chain", "consumed_indices", "backed_up", "updated_at",
			}),
		}).
		Create(&rec).Error
}

func (g *GroupSessionStore) Get(ctx context.Context, sessionID, senderKey string) (*GroupSessionRecord, error) {
	var rec GroupSessionRecord
	err := g.db.WithContext(ctx).
		First(&rec, "session_id = ? AND sender_key = ?", sessionID, senderKey).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

func (g *GroupSessionStore) List(ctx context.Context) ([]GroupSessionRecord, error) {
	var recs []GroupSessionRecord
	if err := g.db.WithContext(ctx).Order("created_at asc").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

func (g *GroupSessionStore) ListNotBackedUp(ctx context.Context) ([]GroupSessionRecord, error) {
	var recs []GroupSessionRecord
	err := g.db.WithContext(ctx).
		Where("backed_up = ?", false).
		Order("created_at asc").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (g *GroupSessionStore) MarkBackedUp(ctx context.Context, sessionID, senderKey string) error {
	return g.db.WithContext(ctx).
		Model(&GroupSessionRecord{}).
		Where("session_id = ? AND sender_key = ?", sessionID, senderKey).
		Update("backed_up", true).Error
}

func (g *GroupSessionStore) UpsertOutbound(ctx context.Context, rec OutboundGroupRecord) error {
	return g.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "room_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"session_id", "pickle", "shared", "message_count", "created_at",
			}),
		}).
		Create(&rec).Error
}

func (g *GroupSessionStore) GetOutbound(ctx context.Context, roomID string) (*OutboundGroupRecord, error) {
	var rec OutboundGroupRecord
	if err := g.db.WithContext(ctx).First(&rec, "room_id = ?", roomID).Error; err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

func (g *GroupSessionStore) DeleteOutbound(ctx context.Context, roomID string) error {
	return g.db.WithContext(ctx).Delete(&OutboundGroupRecord{}, "room_id = ?", roomID).Error
}
