// Package store is the durable crypto store: devices, olm sessions, group
// sessions and key requests, persisted through gorm. Production deployments
// open postgres; tests and the roomkeys CLI open sqlite.
package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var ErrRecordNotFound = errors.New("store: record not found")

type Store struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *Store { return &Store{DB: db} }

func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{DB: tx})
	})
}

// AutoMigrate creates or updates the crypto store schema.
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.DB.WithContext(ctx).AutoMigrate(
		&DeviceRecord{},
		&OlmSessionRecord{},
		&GroupSessionRecord{},
		&OutboundGroupRecord{},
		&KeyRequestRecord{},
	)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrRecordNotFound
	}
	return err
}
