// Package claim coordinates one-time-key claims. Many call sites may need
// pairwise sessions with overlapping device sets at once; the coordinator
// guarantees at most one outstanding claim per device and fans the result out
// to every caller that asked.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/matrix-org/matrix-android-sdk-sub001/internal/directory"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/event"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/observability/metrics"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/ratchet"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/sequence"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/session"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/store"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/transport"
)

var (
	ErrSignatureVerification = errors.New("claim: one-time key signature verification failed")
	ErrNoOneTimeKey          = errors.New("claim: server returned no one-time key for device")
	ErrUnknownDevice         = errors.New("claim: device not in directory")
	ErrBlockedDevice         = errors.New("claim: device is blocked")
)

// DeviceKey identifies a device with a flat composite key.
type DeviceKey struct {
	UserID   string
	DeviceID string
}

// Result reports the outcome of one EnsureSessions call: a session id per
// resolved device, an error per failed one. Delivered exactly once.
type Result struct {
	Sessions map[DeviceKey]string
	Failures map[DeviceKey]error
}

// pendingEntry is one caller waiting for its device set to resolve.
type pendingEntry struct {
	remaining int
	result    *Result
	callback  func(*Result)
	delivered bool
}

type Coordinator struct {
	exec      *sequence.Executor
	client    transport.Client
	sessions  *session.Manager
	directory *directory.Directory
	log       *slog.Logger

	// pending maps each device with an in-flight claim to the entries
	// waiting on it. Mutated only on the crypto sequence.
	pending map[DeviceKey][]*pendingEntry
}

func NewCoordinator(exec *sequence.Executor, client transport.Client, sessions *session.Manager, dir *directory.Directory, log *slog.Logger) *Coordinator {
	return &Coordinator{
		exec:      exec,
		client:    client,
		sessions:  sessions,
		directory: dir,
		log:       log,
		pending:   make(map[DeviceKey][]*pendingEntry),
	}
}

// EnsureSessions makes sure an olm session exists with every listed device,
// keyed userID -> deviceIDs, claiming one-time keys for the ones missing. The
// callback runs off the crypto sequence, exactly once, when every device has
// either a session id or a definitive failure.
func (c *Coordinator) EnsureSessions(devicesByUser map[string][]string, callback func(*Result)) error {
	return c.exec.Post(func() {
		c.ensureSessionsLocked(devicesByUser, callback)
	})
}

func (c *Coordinator) ensureSessionsLocked(devicesByUser map[string][]string, callback func(*Result)) {
	ctx := context.Background()
	entry := &pendingEntry{
		result:   &Result{Sessions: make(map[DeviceKey]string), Failures: make(map[DeviceKey]error)},
		callback: callback,
	}

	toClaim := make(map[string][]string)
	for userID, deviceIDs := range devicesByUser {
		for _, deviceID := range deviceIDs {
			key := DeviceKey{UserID: userID, DeviceID: deviceID}
			dev, err := c.directory.GetDevice(ctx, userID, deviceID)
			if err != nil {
				entry.result.Failures[key] = fmt.Errorf("%w: %s/%s", ErrUnknownDevice, userID, deviceID)
				continue
			}
			if dev.Trust == store.TrustBlocked {
				entry.result.Failures[key] = ErrBlockedDevice
				continue
			}
			if sessionID, err := c.sessions.LatestSessionID(ctx, dev.IdentityKey); err == nil {
				entry.result.Sessions[key] = sessionID
				continue
			}

			entry.remaining++
			waiters, inFlight := c.pending[key]
			c.pending[key] = append(waiters, entry)
			if !inFlight {
				toClaim[userID] = append(toClaim[userID], deviceID)
			}
		}
	}

	if entry.remaining == 0 {
		deliver(entry)
		return
	}
	if len(toClaim) == 0 {
		// Every missing device is already being claimed; we ride along.
		return
	}

	go func() {
		resp, err := c.client.ClaimOneTimeKeys(context.Background(), toClaim)
		postErr := c.exec.Post(func() {
			c.handleClaimResponse(toClaim, resp, err)
		})
		if postErr != nil {
			c.log.Error("claim: dropping claim response, executor closed")
		}
	}()
}

// handleClaimResponse applies a claim response on the crypto sequence. A
// network-level failure fails every device of the claim; per-device problems
// (missing or badly signed keys) are isolated.
func (c *Coordinator) handleClaimResponse(claimed map[string][]string, resp *transport.ClaimResponse, netErr error) {
	ctx := context.Background()
	for userID, deviceIDs := range claimed {
		for _, deviceID := range deviceIDs {
			key := DeviceKey{UserID: userID, DeviceID: deviceID}
			if netErr != nil {
				metrics.KeyClaimsTotal.WithLabelValues("network_error").Inc()
				c.resolve(key, "", fmt.Errorf("%w: %w", transport.ErrNetwork, netErr))
				continue
			}
			claimedKey, ok := lookupClaimedKey(resp, userID, deviceID)
			if !ok {
				metrics.KeyClaimsTotal.WithLabelValues("no_key").Inc()
				c.resolve(key, "", ErrNoOneTimeKey)
				continue
			}
			sessionID, err := c.establish(ctx, userID, deviceID, claimedKey)
			if err != nil {
				metrics.KeyClaimsTotal.WithLabelValues("rejected").Inc()
				c.log.Warn("claim: rejecting claimed key",
					"user_id", userID, "device_id", deviceID, "error", err)
				c.resolve(key, "", err)
				continue
			}
			metrics.KeyClaimsTotal.WithLabelValues("ok").Inc()
			c.resolve(key, sessionID, nil)
		}
	}
}

// establish verifies the claimed key's signature against the device
// fingerprint key, then creates and persists the outbound session.
func (c *Coordinator) establish(ctx context.Context, userID, deviceID string, claimedKey transport.ClaimedKey) (string, error) {
	dev, err := c.directory.GetDevice(ctx, userID, deviceID)
	if err != nil {
		return "", fmt.Errorf("%w: %s/%s", ErrUnknownDevice, userID, deviceID)
	}
	signed, err := event.CanonicalJSON(map[string]string{"key": claimedKey.Key})
	if err != nil {
		return "", err
	}
	if err := ratchet.VerifySignature(dev.FingerprintKey, signed, claimedKey.Signature); err != nil {
		return "", ErrSignatureVerification
	}
	return c.sessions.CreateOutbound(ctx, dev.IdentityKey, claimedKey.KeyID, claimedKey.Key)
}

// resolve settles one device for every entry waiting on it.
func (c *Coordinator) resolve(key DeviceKey, sessionID string, failure error) {
	waiters := c.pending[key]
	delete(c.pending, key)
	for _, entry := range waiters {
		if failure != nil {
			entry.result.Failures[key] = failure
		} else {
			entry.result.Sessions[key] = sessionID
		}
		entry.remaining--
		if entry.remaining == 0 {
			deliver(entry)
		}
	}
}

// deliver fires the entry callback off the crypto sequence, once.
func deliver(entry *pendingEntry) {
	if entry.delivered {
		return
	}
	entry.delivered = true
	if entry.callback == nil {
		return
	}
	go entry.callback(entry.result)
}

func lookupClaimedKey(resp *transport.ClaimResponse, userID, deviceID string) (transport.ClaimedKey, bool) {
	if resp == nil || resp.OneTimeKeys == nil {
		return transport.ClaimedKey{}, false
	}
	devices, ok := resp.OneTimeKeys[userID]
	if !ok {
		return transport.ClaimedKey{}, false
	}
	key, ok := devices[deviceID]
	return key, ok
}
