package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/matrix-org/matrix-android-sdk-sub001/internal/dbjson"
)

// Trust states for a device.
const (
	TrustUnverified = "unverified"
	TrustVerified   = "verified"
	TrustBlocked    = "blocked"
)

// DeviceRecord is a known device of a tracked user. Identity and fingerprint
// keys are immutable once recorded; the directory enforces that on ingest.
type DeviceRecord struct {
	UserID         string      `gorm:"primaryKey;size:255"`
	DeviceID       string      `gorm:"primaryKey;size:255"`
	IdentityKey    string      `gorm:"not null;index"`
	FingerprintKey string      `gorm:"not null"`
	Algorithms     dbjson.JSON `gorm:"type:json"`
	Signatures     dbjson.JSON `gorm:"type:json"`
	Trust          string      `gorm:"not null;default:unverified"`
	Removed        bool        `gorm:"not null;default:false"`
	CreatedAt      time.Time   `gorm:"not null;autoCreateTime"`
	UpdatedAt      time.Time   `gorm:"not null;autoUpdateTime"`
}

type DeviceStore struct{ db *gorm.DB }

func (s *Store) Devices() *DeviceStore { return &DeviceStore{db: s.DB} }

func (d *DeviceStore) Upsert(ctx context.Context, rec DeviceRecord) error {
	return d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "device_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"identity_key", "fingerprint_key", "algorithms", "signatures", "trust", "removed", "updated_at",
			}),
		}).
		Create(&rec).Error
}

func (d *DeviceStore) Get(ctx context.Context, userID, deviceID string) (*DeviceRecord, error) {
	var rec DeviceRecord
	err := d.db.WithContext(ctx).
		First(&rec, "user_id = ? AND device_id = ?", userID, deviceID).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

// GetByIdentityKey resolves a device by its Curve25519 identity key, the way
// olm envelopes address senders.
func (d *DeviceStore) GetByIdentityKey(ctx context.Context, identityKey string) (*DeviceRecord, error) {
	var rec DeviceRecord
	err := d.db.WithContext(ctx).
		First(&rec, "identity_key = ? AND removed = ?", identityKey, false).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

func (d *DeviceStore) ListForUser(ctx context.Context, userID string) ([]DeviceRecord, error) {
	var recs []DeviceRecord
	err := d.db.WithContext(ctx).
		Where("user_id = ? AND removed = ?", userID, false).
		Order("device_id asc").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (d *DeviceStore) SetTrust(ctx context.Context, userID, deviceID, trust string) error {
	res := d.db.WithContext(ctx).
		Model(&DeviceRecord{}).
		Where("user_id = ? AND device_id = ?", userID, deviceID).
		Update("trust", trust)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// MarkRemoved flags devices of the user absent from a fresh full key-query
// response. Records are kept so existing sessions keep resolving.
func (d *DeviceStore) MarkRemoved(ctx context.Context, userID string, keepDeviceIDs []string) error {
	tx := d.db.WithContext(ctx).
		Model(&DeviceRecord{}).
		Where("user_id = ?", userID)
	if len(keepDeviceIDs) > 0 {
		tx = tx.Where("device_id NOT IN ?", keepDeviceIDs)
	}
	return tx.Update("removed", true).Error
}
