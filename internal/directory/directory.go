// Package directory tracks known devices per user, their keys and trust
// state. Every other subsystem resolves devices through it.
package directory

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/matrix-org/matrix-android-sdk-sub001/internal/dbjson"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/store"
)

// ErrIdentityKeyChanged flags a key-query record whose identity or
// fingerprint key differs from the stored device. Accepting the change would
// allow key substitution, so the record is rejected, never merged.
var ErrIdentityKeyChanged = errors.New("directory: device identity key changed")

// Device is the directory's view of a peer device.
type Device struct {
	UserID         string
	DeviceID       string
	IdentityKey    string
	FingerprintKey string
	Algorithms     []string
	Signatures     map[string]map[string]string
	Trust          string
}

// KeyQueryDevice is one device entry from a key-query response.
type KeyQueryDevice struct {
	DeviceID       string
	IdentityKey    string
	FingerprintKey string
	Algorithms     []string
	Signatures     map[string]map[string]string
}

// RejectedDevice reports a key-query entry the directory refused to ingest.
type RejectedDevice struct {
	DeviceID string
	Reason   error
}

// Observer receives directory change notifications. Callbacks run on the
// caller's goroutine after the observer snapshot is taken, so observers may
// unsubscribe from within a callback.
type Observer interface {
	OnTrustChanged(userID, deviceID, trust string)
	OnDeviceListChanged(userID string)
}

type Directory struct {
	store *store.Store
	log   *slog.Logger

	mu        sync.Mutex
	observers map[int]Observer
	nextObsID int
}

func New(st *store.Store, log *slog.Logger) *Directory {
	return &Directory{
		store:     st,
		log:       log,
		observers: make(map[int]Observer),
	}
}

// Subscribe registers an observer and returns its unsubscribe function.
func (d *Directory) Subscribe(o Observer) func() {
	d.mu.Lock()
	id := d.nextObsID
	d.nextObsID++
	d.observers[id] = o
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

func (d *Directory) snapshotObservers() []Observer {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Observer, 0, len(d.observers))
	for _, o := range d.observers {
		out = append(out, o)
	}
	return out
}

func (d *Directory) GetDevice(ctx context.Context, userID, deviceID string) (*Device, error) {
	rec, err := d.store.Devices().Get(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	return fromRecord(rec)
}

// GetDeviceByIdentityKey resolves the sender of an olm envelope.
func (d *Directory) GetDeviceByIdentityKey(ctx context.Context, identityKey string) (*Device, error) {
	rec, err := d.store.Devices().GetByIdentityKey(ctx, identityKey)
	if err != nil {
		return nil, err
	}
	return fromRecord(rec)
}

func (d *Directory) GetUserDevices(ctx context.Context, userID string) ([]Device, error) {
	recs, err := d.store.Devices().ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Device, 0, len(recs))
	for i := range recs {
		dev, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *dev)
	}
	return out, nil
}

func (d *Directory) SetTrust(ctx context.Context, userID, deviceID, trust string) error {
	if err := d.store.Devices().SetTrust(ctx, userID, deviceID, trust); err != nil {
		return err
	}
	for _, o := range d.snapshotObservers() {
		o.OnTrustChanged(userID, deviceID, trust)
	}
	return nil
}

// IngestKeyQueryResult upserts the user's devices from a key-query response.
// Entries whose identity or fingerprint key changed are rejected and returned.
// When full is true, stored devices absent from the response are marked
// removed.
func (d *Directory) IngestKeyQueryResult(ctx context.Context, userID string, devices []KeyQueryDevice, full bool) ([]RejectedDevice, error) {
	var rejected []RejectedDevice
	seen := make([]string, 0, len(devices))

	for _, in := range devices {
		existing, err := d.store.Devices().Get(ctx, userID, in.DeviceID)
		if err != nil && !errors.Is(err, store.ErrRecordNotFound) {
			return rejected, err
		}
		if existing != nil {
			if existing.IdentityKey != in.IdentityKey || existing.FingerprintKey != in.FingerprintKey {
				d.log.Warn("directory: rejecting device with changed keys",
					"user_id", userID, "device_id", in.DeviceID)
				rejected = append(rejected, RejectedDevice{DeviceID: in.DeviceID, Reason: ErrIdentityKeyChanged})
				seen = append(seen, in.DeviceID)
				continue
			}
		}

		trust := store.TrustUnverified
		if existing != nil {
			trust = existing.Trust
		}
		algorithms, err := dbjson.Marshal(in.Algorithms)
		if err != nil {
			return rejected, err
		}
		signatures, err := dbjson.Marshal(in.Signatures)
		if err != nil {
			return rejected, err
		}
		rec := store.DeviceRecord{
			UserID:         userID,
			DeviceID:       in.DeviceID,
			IdentityKey:    in.IdentityKey,
			FingerprintKey: in.FingerprintKey,
			Algorithms:     algorithms,
			Signatures:     signatures,
			Trust:          trust,
			Removed:        false,
		}
		if err := d.store.Devices().Upsert(ctx, rec); err != nil {
			return rejected, err
		}
		seen = append(seen, in.DeviceID)
	}

	if full {
		if err := d.store.Devices().MarkRemoved(ctx, userID, seen); err != nil {
			return rejected, err
		}
	}

	for _, o := range d.snapshotObservers() {
		o.OnDeviceListChanged(userID)
	}
	return rejected, nil
}

func fromRecord(rec *store.DeviceRecord) (*Device, error) {
	dev := &Device{
		UserID:         rec.UserID,
		DeviceID:       rec.DeviceID,
		IdentityKey:    rec.IdentityKey,
		FingerprintKey: rec.FingerprintKey,
		Trust:          rec.Trust,
	}
	if err := rec.Algorithms.Unmarshal(&dev.Algorithms); err != nil {
		return nil, err
	}
	if err := rec.Signatures.Unmarshal(&dev.Signatures); err != nil {
		return nil, err
	}
	return dev, nil
}
