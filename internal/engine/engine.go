// Package engine assembles the encryption engine: it owns the serialized
// crypto sequence and wires the directory, claim coordinator, olm sessions,
// group sessions, verification and backup subsystems together.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/matrix-org/matrix-android-sdk-sub001/internal/backup"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/claim"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/config"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/directory"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/event"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/group"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/observability/metrics"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/ratchet"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/sequence"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/session"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/store"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/transport"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/verification"
)

// Crypto is the engine facade: it owns the crypto sequence and wires the
// directory, claim coordinator, olm sessions, group sessions, verification and
// backup together. Incoming to-device traffic enters through HandleToDevice.
type Crypto struct {
	exec         *sequence.Executor
	store        *store.Store
	directory    *directory.Directory
	sessions     *session.Manager
	claims       *claim.Coordinator
	groups       *group.Manager
	verification *verification.Engine
	backup       *backup.Manager
	log          *slog.Logger

	ownUserID   string
	ownDeviceID string

	sweepStop chan struct{}
}

// New assembles the engine around an existing device account and store.
func New(
	cfg config.Config,
	st *store.Store,
	account *ratchet.Account,
	client transport.Client,
	backupClient transport.BackupClient,
	log *slog.Logger,
	ownUserID, ownDeviceID string,
) *Crypto {
	metrics.MustRegister()
	exec := sequence.NewExecutor()
	dir := directory.New(st, log)
	sessions := session.NewManager(account, st, log)
	claims := claim.NewCoordinator(exec, client, sessions, dir, log)
	groups := group.NewManager(exec, st, sessions, claims, dir, client, cfg, log, ownUserID, ownDeviceID)
	verif := verification.NewEngine(client, dir, account, cfg.VerificationTimeout, log, ownUserID, ownDeviceID)
	bak := backup.NewManager(st, backupClient, cfg, log)

	c := &Crypto{
		exec:         exec,
		store:        st,
		directory:    dir,
		sessions:     sessions,
		claims:       claims,
		groups:       groups,
		verification: verif,
		backup:       bak,
		log:          log,
		ownUserID:    ownUserID,
		ownDeviceID:  ownDeviceID,
		sweepStop:    make(chan struct{}),
	}
	go c.sweepLoop(cfg.VerificationTimeout)
	return c
}

func (c *Crypto) Directory() *directory.Directory    { return c.directory }
func (c *Crypto) Sessions() *session.Manager         { return c.sessions }
func (c *Crypto) Claims() *claim.Coordinator         { return c.claims }
func (c *Crypto) Groups() *group.Manager             { return c.groups }
func (c *Crypto) Verification() *verification.Engine { return c.verification }
func (c *Crypto) Backup() *backup.Manager            { return c.backup }
func (c *Crypto) Executor() *sequence.Executor       { return c.exec }

// EncryptRoomEvent encrypts a room event for the given member devices.
func (c *Crypto) EncryptRoomEvent(ctx context.Context, roomID string, members map[string][]string, eventType string, content any) (*event.Encrypted, error) {
	return c.groups.EncryptRoomEvent(ctx, roomID, members, eventType, content)
}

// DecryptRoomEvent decrypts an m.room.encrypted room event.
func (c *Crypto) DecryptRoomEvent(ctx context.Context, roomID, eventID, timelineID string, content *event.Encrypted) (*group.DecryptedEvent, error) {
	var out *group.DecryptedEvent
	err := c.exec.Run(ctx, func() error {
		var err error
		out, err = c.groups.DecryptRoomEvent(ctx, roomID, eventID, timelineID, content)
		return err
	})
	return out, err
}

// HandleToDevice routes one incoming to-device event. Olm envelopes are
// decrypted first and their inner type dispatched; everything runs on the
// crypto sequence. Unroutable events are logged and dropped, never fatal.
func (c *Crypto) HandleToDevice(ctx context.Context, ev *event.ToDevice) error {
	switch ev.Type {
	case event.TypeEncrypted:
		var content event.Encrypted
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			return fmt.Errorf("engine: malformed encrypted event: %w", err)
		}
		if content.Algorithm != event.AlgorithmOlm {
			c.log.Warn("engine: unexpected algorithm on to-device event", "algorithm", content.Algorithm)
			return nil
		}
		return c.exec.Run(ctx, func() error {
			return c.handleOlmEnvelope(ctx, ev.Sender, &content)
		})

	case event.TypeRoomKeyRequest:
		var req event.RoomKeyRequest
		if err := json.Unmarshal(ev.Content, &req); err != nil {
			return fmt.Errorf("engine: malformed key request: %w", err)
		}
		return c.exec.Run(ctx, func() error {
			return c.groups.HandleRoomKeyRequest(ctx, ev.Sender, &req)
		})

	case event.TypeVerificationStart,
		event.TypeVerificationAccept,
		event.TypeVerificationKey,
		event.TypeVerificationMac,
		event.TypeVerificationCancel:
		return c.handleVerification(ctx, ev.Sender, ev.Type, ev.Content)

	default:
		c.log.Debug("engine: ignoring to-device event", "type", ev.Type)
		return nil
	}
}

// handleOlmEnvelope opens an olm envelope and dispatches its inner event.
// Runs on the crypto sequence.
func (c *Crypto) handleOlmEnvelope(ctx context.Context, sender string, content *event.Encrypted) error {
	plain, senderKey, err := c.sessions.Decrypt(ctx, content)
	if err != nil {
		if errors.Is(err, session.ErrNotAddressedToUs) {
			return nil
		}
		return fmt.Errorf("engine: olm envelope from %s: %w", sender, err)
	}

	switch plain.Type {
	case event.TypeRoomKey:
		var rk event.RoomKey
		if err := json.Unmarshal(plain.Content, &rk); err != nil {
			return fmt.Errorf("engine: malformed room key: %w", err)
		}
		return c.groups.IngestRoomKey(ctx, senderKey, c.claimedEd(ctx, senderKey), &rk)

	case event.TypeForwardedRoomKey:
		var fwd event.ForwardedRoomKey
		if err := json.Unmarshal(plain.Content, &fwd); err != nil {
			return fmt.Errorf("engine: malformed forwarded room key: %w", err)
		}
		return c.groups.IngestForwardedRoomKey(ctx, senderKey, &fwd)

	case event.TypeVerificationStart,
		event.TypeVerificationAccept,
		event.TypeVerificationKey,
		event.TypeVerificationMac,
		event.TypeVerificationCancel:
		return c.handleVerification(ctx, sender, plain.Type, plain.Content)

	default:
		c.log.Debug("engine: ignoring olm payload", "type", plain.Type)
		return nil
	}
}

// claimedEd resolves the fingerprint key the directory holds for an identity
// key. Empty when the device is unknown; the key is stored as claimed, not
// proven, either way.
func (c *Crypto) claimedEd(ctx context.Context, identityKey string) string {
	dev, err := c.directory.GetDeviceByIdentityKey(ctx, identityKey)
	if err != nil {
		return ""
	}
	return dev.FingerprintKey
}

func (c *Crypto) handleVerification(ctx context.Context, sender, eventType string, raw json.RawMessage) error {
	switch eventType {
	case event.TypeVerificationStart:
		var msg event.VerificationStart
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("engine: malformed verification start: %w", err)
		}
		return c.verification.HandleStart(ctx, sender, msg.FromDevice, &msg)

	case event.TypeVerificationAccept:
		var msg event.VerificationAccept
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("engine: malformed verification accept: %w", err)
		}
		deviceID, ok := c.verification.DeviceFor(sender, msg.TransactionID)
		if !ok {
			c.log.Debug("engine: accept for unknown transaction", "transaction_id", msg.TransactionID)
			return nil
		}
		return c.verification.HandleAccept(ctx, sender, deviceID, &msg)

	case event.TypeVerificationKey:
		var msg event.VerificationKey
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("engine: malformed verification key: %w", err)
		}
		deviceID, ok := c.verification.DeviceFor(sender, msg.TransactionID)
		if !ok {
			c.log.Debug("engine: key for unknown transaction", "transaction_id", msg.TransactionID)
			return nil
		}
		return c.verification.HandleKey(ctx, sender, deviceID, &msg)

	case event.TypeVerificationMac:
		var msg event.VerificationMac
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("engine: malformed verification mac: %w", err)
		}
		deviceID, ok := c.verification.DeviceFor(sender, msg.TransactionID)
		if !ok {
			c.log.Debug("engine: mac for unknown transaction", "transaction_id", msg.TransactionID)
			return nil
		}
		return c.verification.HandleMac(ctx, sender, deviceID, &msg)

	case event.TypeVerificationCancel:
		var msg event.VerificationCancel
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("engine: malformed verification cancel: %w", err)
		}
		deviceID, ok := c.verification.DeviceFor(sender, msg.TransactionID)
		if !ok {
			return nil
		}
		c.verification.HandleCancel(sender, deviceID, &msg)
		return nil
	}
	return nil
}

// sweepLoop cancels timed-out verification transactions periodically.
func (c *Crypto) sweepLoop(timeout time.Duration) {
	interval := timeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.verification.SweepTimeouts(context.Background())
		case <-c.sweepStop:
			return
		}
	}
}

// Close drains the crypto sequence and stops background work.
func (c *Crypto) Close() {
	close(c.sweepStop)
	c.exec.Close()
}
