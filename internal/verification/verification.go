// Package verification implements interactive short-authentication-string
// device verification. Each exchange is a transaction walking Started,
// Accepted, KeyExchanged, MacExchanged to Verified, or to Cancelled from any
// state. A successful run marks the peer device verified in the directory.
package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matrix-org/matrix-android-sdk-sub001/internal/directory"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/event"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/observability/metrics"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/ratchet"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/store"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/transport"
)

// Cancellation codes.
const (
	CodeUser                 = "m.user"
	CodeTimeout              = "m.timeout"
	CodeUnknownTransaction   = "m.unknown_transaction"
	CodeUnknownMethod        = "m.unknown_method"
	CodeUnexpectedMessage    = "m.unexpected_message"
	CodeMismatchedCommitment = "m.mismatched_commitment"
	CodeKeyMismatch          = "m.key_mismatch"
	CodeInvalidMessage       = "m.invalid_message"
)

// Transaction states.
const (
	StateStarted      = "started"
	StateAccepted     = "accepted"
	StateKeyExchanged = "key_exchanged"
	StateMacExchanged = "mac_exchanged"
	StateVerified     = "verified"
	StateCancelled    = "cancelled"
)

var (
	ErrUnknownTransaction = errors.New("verification: unknown transaction")
	ErrInvalidState       = errors.New("verification: message not valid in current state")
)

type txKey struct {
	userID        string
	deviceID      string
	transactionID string
}

type transaction struct {
	key         txKey
	state       string
	startedByUs bool

	// Canonical form of the start message, bound into the commitment.
	canonicalStart []byte

	ourKeyPair sasKeyPair
	theirKey   string
	commitment string

	secret []byte
	sas    [5]byte

	weSentMac  bool
	theirMacOK bool

	// Refreshed on every state transition; timeouts measure inactivity.
	updatedAt time.Time
}

// Engine drives SAS transactions. Message handlers are serialized internally,
// so callers may invoke them from any goroutine.
type Engine struct {
	client    transport.Client
	directory *directory.Directory
	account   *ratchet.Account
	timeout   time.Duration
	log       *slog.Logger
	now       func() time.Time

	ownUserID   string
	ownDeviceID string

	mu     sync.Mutex
	active map[txKey]*transaction
}

func NewEngine(
	client transport.Client,
	dir *directory.Directory,
	account *ratchet.Account,
	timeout time.Duration,
	log *slog.Logger,
	ownUserID, ownDeviceID string,
) *Engine {
	return &Engine{
		client:      client,
		directory:   dir,
		account:     account,
		timeout:     timeout,
		log:         log,
		now:         time.Now,
		ownUserID:   ownUserID,
		ownDeviceID: ownDeviceID,
		active:      make(map[txKey]*transaction),
	}
}

// Begin opens a new transaction toward the peer device and sends the start
// message. It returns the transaction id.
func (e *Engine) Begin(ctx context.Context, userID, deviceID string) (string, error) {
	start := event.VerificationStart{
		FromDevice:                 e.ownDeviceID,
		TransactionID:              uuid.NewString(),
		Method:                     methodSAS,
		KeyAgreementProtocols:      []string{protocolCurve},
		Hashes:                     []string{hashSHA256},
		MessageAuthenticationCodes: []string{macHKDFHMACSHA256},
		ShortAuthenticationString:  []string{sasDecimal},
	}
	canonical, err := event.CanonicalJSON(start)
	if err != nil {
		return "", err
	}
	kp, err := generateSASKeyPair()
	if err != nil {
		return "", err
	}

	key := txKey{userID: userID, deviceID: deviceID, transactionID: start.TransactionID}
	e.mu.Lock()
	e.active[key] = &transaction{
		key:            key,
		state:          StateStarted,
		startedByUs:    true,
		canonicalStart: canonical,
		ourKeyPair:     kp,
		updatedAt:      e.now(),
	}
	e.mu.Unlock()

	if err := e.send(ctx, userID, deviceID, event.TypeVerificationStart, start); err != nil {
		e.drop(key, "send failed")
		return "", err
	}
	return start.TransactionID, nil
}

// HandleStart processes an incoming start. Unsupported parameters cancel the
// transaction with m.unknown_method; a transaction id already in use cancels
// the existing exchange too.
func (e *Engine) HandleStart(ctx context.Context, userID, deviceID string, start *event.VerificationStart) error {
	key := txKey{userID: userID, deviceID: deviceID, transactionID: start.TransactionID}

	e.mu.Lock()
	if _, exists := e.active[key]; exists {
		delete(e.active, key)
		e.mu.Unlock()
		e.log.Warn("verification: duplicate transaction id, cancelling both",
			"user_id", userID, "transaction_id", start.TransactionID)
		metrics.VerificationsTotal.WithLabelValues("cancelled").Inc()
		return e.sendCancel(ctx, key, CodeUnexpectedMessage, "transaction id already in use")
	}
	e.mu.Unlock()

	if start.Method != methodSAS ||
		!contains(start.KeyAgreementProtocols, protocolCurve) ||
		!contains(start.Hashes, hashSHA256) ||
		!contains(start.MessageAuthenticationCodes, macHKDFHMACSHA256) ||
		!contains(start.ShortAuthenticationString, sasDecimal) {
		metrics.VerificationsTotal.WithLabelValues("cancelled").Inc()
		return e.sendCancel(ctx, key, CodeUnknownMethod, "unsupported verification parameters")
	}

	canonical, err := event.CanonicalJSON(start)
	if err != nil {
		return err
	}
	kp, err := generateSASKeyPair()
	if err != nil {
		return err
	}
	tx := &transaction{
		key:            key,
		state:          StateAccepted,
		canonicalStart: canonical,
		ourKeyPair:     kp,
		updatedAt:      e.now(),
	}
	e.mu.Lock()
	e.active[key] = tx
	e.mu.Unlock()

	accept := event.VerificationAccept{
		TransactionID:             start.TransactionID,
		KeyAgreementProtocol:      protocolCurve,
		Hash:                      hashSHA256,
		MessageAuthenticationCode: macHKDFHMACSHA256,
		ShortAuthenticationString: []string{sasDecimal},
		Commitment:                commitmentFor(kp.publicBase64(), canonical),
	}
	if err := e.send(ctx, userID, deviceID, event.TypeVerificationAccept, accept); err != nil {
		e.drop(key, "send failed")
		return err
	}
	return nil
}

// HandleAccept processes the peer's accept on a transaction we started, then
// sends our ephemeral key.
func (e *Engine) HandleAccept(ctx context.Context, userID, deviceID string, accept *event.VerificationAccept) error {
	key := txKey{userID: userID, deviceID: deviceID, transactionID: accept.TransactionID}
	e.mu.Lock()
	tx, ok := e.active[key]
	if !ok {
		e.mu.Unlock()
		return e.unknownTransaction(ctx, key)
	}
	if !tx.startedByUs || tx.state != StateStarted {
		e.mu.Unlock()
		return e.cancelTransaction(ctx, key, CodeUnexpectedMessage, "accept out of order")
	}
	if accept.KeyAgreementProtocol != protocolCurve ||
		accept.Hash != hashSHA256 ||
		accept.MessageAuthenticationCode != macHKDFHMACSHA256 ||
		!contains(accept.ShortAuthenticationString, sasDecimal) ||
		accept.Commitment == "" {
		e.mu.Unlock()
		return e.cancelTransaction(ctx, key, CodeUnknownMethod, "peer accepted unsupported parameters")
	}
	tx.commitment = accept.Commitment
	tx.state = StateAccepted
	tx.updatedAt = e.now()
	ourKey := tx.ourKeyPair.publicBase64()
	e.mu.Unlock()

	msg := event.VerificationKey{TransactionID: accept.TransactionID, Key: ourKey}
	return e.send(ctx, userID, deviceID, event.TypeVerificationKey, msg)
}

// HandleKey processes the peer's ephemeral key. The starter checks the
// acceptor's key against the earlier commitment; the acceptor answers with its
// own key. Both sides then hold the shared SAS.
func (e *Engine) HandleKey(ctx context.Context, userID, deviceID string, keyMsg *event.VerificationKey) error {
	key := txKey{userID: userID, deviceID: deviceID, transactionID: keyMsg.TransactionID}
	e.mu.Lock()
	tx, ok := e.active[key]
	if !ok {
		e.mu.Unlock()
		return e.unknownTransaction(ctx, key)
	}
	if tx.state != StateAccepted || tx.theirKey != "" {
		e.mu.Unlock()
		return e.cancelTransaction(ctx, key, CodeUnexpectedMessage, "key out of order")
	}
	if tx.startedByUs && commitmentFor(keyMsg.Key, tx.canonicalStart) != tx.commitment {
		e.mu.Unlock()
		return e.cancelTransaction(ctx, key, CodeMismatchedCommitment, "commitment does not match key")
	}

	secret, err := sharedSecret(tx.ourKeyPair, keyMsg.Key)
	if err != nil {
		e.mu.Unlock()
		return e.cancelTransaction(ctx, key, CodeInvalidMessage, "malformed public key")
	}
	tx.theirKey = keyMsg.Key
	tx.secret = secret
	p1, p2, p3, p4, p5 := e.sasParticipants(tx)
	if tx.sas, err = sasBytes(secret, p1, p2, p3, p4, p5); err != nil {
		e.mu.Unlock()
		return err
	}
	tx.state = StateKeyExchanged
	tx.updatedAt = e.now()
	startedByUs := tx.startedByUs
	ourKey := tx.ourKeyPair.publicBase64()
	e.mu.Unlock()

	if !startedByUs {
		msg := event.VerificationKey{TransactionID: keyMsg.TransactionID, Key: ourKey}
		return e.send(ctx, userID, deviceID, event.TypeVerificationKey, msg)
	}
	return nil
}

// Decimal returns the three SAS numbers to show the user. Valid once the
// transaction reached KeyExchanged.
func (e *Engine) Decimal(userID, deviceID, transactionID string) ([3]int, error) {
	key := txKey{userID: userID, deviceID: deviceID, transactionID: transactionID}
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, ok := e.active[key]
	if !ok {
		return [3]int{}, ErrUnknownTransaction
	}
	if tx.state != StateKeyExchanged && tx.state != StateMacExchanged {
		return [3]int{}, ErrInvalidState
	}
	return decimalSAS(tx.sas), nil
}

// DeviceFor resolves which of a user's devices an active transaction belongs
// to. Messages after start carry only the transaction id.
func (e *Engine) DeviceFor(userID, transactionID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.active {
		if key.userID == userID && key.transactionID == transactionID {
			return key.deviceID, true
		}
	}
	return "", false
}

// State reports the transaction's current state.
func (e *Engine) State(userID, deviceID, transactionID string) (string, error) {
	key := txKey{userID: userID, deviceID: deviceID, transactionID: transactionID}
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, ok := e.active[key]
	if !ok {
		return "", ErrUnknownTransaction
	}
	return tx.state, nil
}

// Confirm records that the user compared the SAS and it matched, and sends the
// MACs of our device keys. If the peer's MAC already arrived the transaction
// completes.
func (e *Engine) Confirm(ctx context.Context, userID, deviceID, transactionID string) error {
	key := txKey{userID: userID, deviceID: deviceID, transactionID: transactionID}
	e.mu.Lock()
	tx, ok := e.active[key]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownTransaction
	}
	if tx.state != StateKeyExchanged && tx.state != StateMacExchanged {
		e.mu.Unlock()
		return ErrInvalidState
	}
	if tx.weSentMac {
		e.mu.Unlock()
		return nil
	}

	keyID := "ed25519:" + e.ownDeviceID
	mac, err := computeMAC(tx.secret, e.account.FingerprintKey(), e.ownUserID, e.ownDeviceID, transactionID, keyID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	keysMAC, err := computeMAC(tx.secret, keyID, e.ownUserID, e.ownDeviceID, transactionID, "KEY_IDS")
	if err != nil {
		e.mu.Unlock()
		return err
	}
	tx.weSentMac = true
	tx.updatedAt = e.now()
	done := tx.theirMacOK
	if done {
		tx.state = StateVerified
	} else {
		tx.state = StateMacExchanged
	}
	e.mu.Unlock()

	msg := event.VerificationMac{
		TransactionID: transactionID,
		Mac:           map[string]string{keyID: mac},
		Keys:          keysMAC,
	}
	if err := e.send(ctx, userID, deviceID, event.TypeVerificationMac, msg); err != nil {
		return err
	}
	if done {
		return e.finish(ctx, key)
	}
	return nil
}

// HandleMac verifies the peer's device-key MACs against the directory. A
// mismatch cancels with m.key_mismatch; otherwise the transaction completes as
// soon as our own confirmation has been sent.
func (e *Engine) HandleMac(ctx context.Context, userID, deviceID string, macMsg *event.VerificationMac) error {
	key := txKey{userID: userID, deviceID: deviceID, transactionID: macMsg.TransactionID}
	e.mu.Lock()
	tx, ok := e.active[key]
	if !ok {
		e.mu.Unlock()
		return e.unknownTransaction(ctx, key)
	}
	if tx.state != StateKeyExchanged && tx.state != StateMacExchanged {
		e.mu.Unlock()
		return e.cancelTransaction(ctx, key, CodeUnexpectedMessage, "mac out of order")
	}
	secret := tx.secret
	e.mu.Unlock()

	dev, err := e.directory.GetDevice(ctx, userID, deviceID)
	if err != nil {
		return e.cancelTransaction(ctx, key, CodeKeyMismatch, "peer device unknown")
	}

	keyIDs := make([]string, 0, len(macMsg.Mac))
	for id := range macMsg.Mac {
		keyIDs = append(keyIDs, id)
	}
	sort.Strings(keyIDs)
	keysMAC, err := computeMAC(secret, strings.Join(keyIDs, ","), userID, deviceID, macMsg.TransactionID, "KEY_IDS")
	if err != nil {
		return err
	}
	if !macEqual(keysMAC, macMsg.Keys) {
		return e.cancelTransaction(ctx, key, CodeKeyMismatch, "key id list mac mismatch")
	}

	fingerprintID := "ed25519:" + deviceID
	got, ok := macMsg.Mac[fingerprintID]
	if !ok {
		return e.cancelTransaction(ctx, key, CodeKeyMismatch, "fingerprint key not authenticated")
	}
	want, err := computeMAC(secret, dev.FingerprintKey, userID, deviceID, macMsg.TransactionID, fingerprintID)
	if err != nil {
		return err
	}
	if !macEqual(want, got) {
		return e.cancelTransaction(ctx, key, CodeKeyMismatch, "fingerprint key mac mismatch")
	}

	e.mu.Lock()
	tx, ok = e.active[key]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	tx.theirMacOK = true
	tx.updatedAt = e.now()
	done := tx.weSentMac
	if done {
		tx.state = StateVerified
	} else {
		tx.state = StateMacExchanged
	}
	e.mu.Unlock()

	if done {
		return e.finish(ctx, key)
	}
	return nil
}

// HandleCancel processes the peer's cancellation. Terminal; no reply is sent.
func (e *Engine) HandleCancel(userID, deviceID string, cancel *event.VerificationCancel) {
	key := txKey{userID: userID, deviceID: deviceID, transactionID: cancel.TransactionID}
	e.mu.Lock()
	_, ok := e.active[key]
	delete(e.active, key)
	e.mu.Unlock()
	if ok {
		e.log.Info("verification: peer cancelled",
			"user_id", userID, "transaction_id", cancel.TransactionID, "code", cancel.Code)
		metrics.VerificationsTotal.WithLabelValues("cancelled").Inc()
	}
}

// Cancel aborts a transaction on the user's behalf.
func (e *Engine) Cancel(ctx context.Context, userID, deviceID, transactionID string) error {
	key := txKey{userID: userID, deviceID: deviceID, transactionID: transactionID}
	e.mu.Lock()
	_, ok := e.active[key]
	e.mu.Unlock()
	if !ok {
		return ErrUnknownTransaction
	}
	return e.cancelTransaction(ctx, key, CodeUser, "cancelled by user")
}

// SweepTimeouts cancels transactions that have not advanced within the
// configured timeout. A transaction that keeps making progress is left alone.
func (e *Engine) SweepTimeouts(ctx context.Context) {
	cutoff := e.now().Add(-e.timeout)
	e.mu.Lock()
	var expired []txKey
	for key, tx := range e.active {
		if tx.updatedAt.Before(cutoff) {
			expired = append(expired, key)
		}
	}
	e.mu.Unlock()
	for _, key := range expired {
		if err := e.cancelTransaction(ctx, key, CodeTimeout, "verification timed out"); err != nil {
			e.log.Warn("verification: timeout cancel failed",
				"transaction_id", key.transactionID, "error", err)
		}
	}
}

// finish marks the peer device verified and retires the transaction.
func (e *Engine) finish(ctx context.Context, key txKey) error {
	e.mu.Lock()
	delete(e.active, key)
	e.mu.Unlock()
	if err := e.directory.SetTrust(ctx, key.userID, key.deviceID, store.TrustVerified); err != nil {
		return fmt.Errorf("verification: marking device verified: %w", err)
	}
	e.log.Info("verification: device verified",
		"user_id", key.userID, "device_id", key.deviceID)
	metrics.VerificationsTotal.WithLabelValues("verified").Inc()
	return nil
}

func (e *Engine) cancelTransaction(ctx context.Context, key txKey, code, reason string) error {
	e.mu.Lock()
	delete(e.active, key)
	e.mu.Unlock()
	metrics.VerificationsTotal.WithLabelValues("cancelled").Inc()
	return e.sendCancel(ctx, key, code, reason)
}

func (e *Engine) unknownTransaction(ctx context.Context, key txKey) error {
	return e.sendCancel(ctx, key, CodeUnknownTransaction, "no such transaction")
}

func (e *Engine) sendCancel(ctx context.Context, key txKey, code, reason string) error {
	msg := event.VerificationCancel{TransactionID: key.transactionID, Code: code, Reason: reason}
	return e.send(ctx, key.userID, key.deviceID, event.TypeVerificationCancel, msg)
}

func (e *Engine) drop(key txKey, why string) {
	e.mu.Lock()
	delete(e.active, key)
	e.mu.Unlock()
	e.log.Debug("verification: transaction dropped",
		"transaction_id", key.transactionID, "reason", why)
}

// sasParticipants orders the SAS derivation inputs so both sides agree: the
// starter's identifiers come first.
func (e *Engine) sasParticipants(tx *transaction) (string, string, string, string, string) {
	if tx.startedByUs {
		return e.ownUserID, e.ownDeviceID, tx.key.userID, tx.key.deviceID, tx.key.transactionID
	}
	return tx.key.userID, tx.key.deviceID, e.ownUserID, e.ownDeviceID, tx.key.transactionID
}

func (e *Engine) send(ctx context.Context, userID, deviceID, eventType string, content any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}
	messages := map[string]map[string]json.RawMessage{userID: {deviceID: raw}}
	return e.client.SendToDevice(ctx, eventType, messages)
}
