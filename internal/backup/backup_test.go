package backup_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/matrix-org/matrix-android-sdk-sub001/internal/backup"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/config"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/ratchet"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/store"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/transport"
)

// fakeBackupClient keeps backup versions and sessions in memory.
type fakeBackupClient struct {
	nextVersion int
	versions    map[string]*transport.BackupVersion
	sessions    map[string]map[string]map[string]json.RawMessage
}

func newFakeBackupClient() *fakeBackupClient {
	return &fakeBackupClient{
		versions: make(map[string]*transport.BackupVersion),
		sessions: make(map[string]map[string]map[string]json.RawMessage),
	}
}

func (f *fakeBackupClient) GetLatestVersion(context.Context) (*transport.BackupVersion, error) {
	if f.nextVersion == 0 {
		return nil, nil
	}
	return f.versions[fmt.Sprint(f.nextVersion)], nil
}

func (f *fakeBackupClient) GetVersion(_ context.Context, version string) (*transport.BackupVersion, error) {
	return f.versions[version], nil
}

func (f *fakeBackupClient) CreateVersion(_ context.Context, algorithm string, authData json.RawMessage) (string, error) {
	f.nextVersion++
	version := fmt.Sprint(f.nextVersion)
	f.versions[version] = &transport.BackupVersion{Version: version, Algorithm: algorithm, AuthData: authData}
	f.sessions[version] = make(map[string]map[string]json.RawMessage)
	return version, nil
}

func (f *fakeBackupClient) UpdateVersion(_ context.Context, version string, authData json.RawMessage) error {
	v, ok := f.versions[version]
	if !ok {
		return errors.New("no such version")
	}
	v.AuthData = authData
	return nil
}

func (f *fakeBackupClient) PutSession(_ context.Context, version, roomID, sessionID string, data json.RawMessage) error {
	if f.sessions[version][roomID] == nil {
		f.sessions[version][roomID] = make(map[string]json.RawMessage)
	}
	f.sessions[version][roomID][sessionID] = data
	f.versions[version].Count++
	return nil
}

func (f *fakeBackupClient) PutSessions(ctx context.Context, version string, rooms map[string]map[string]json.RawMessage) error {
	for roomID, sessions := range rooms {
		for sessionID, data := range sessions {
			if err := f.PutSession(ctx, version, roomID, sessionID, data); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *fakeBackupClient) GetSession(_ context.Context, version, roomID, sessionID string) (json.RawMessage, error) {
	return f.sessions[version][roomID][sessionID], nil
}

func (f *fakeBackupClient) GetRoomSessions(_ context.Context, version, roomID string) (map[string]json.RawMessage, error) {
	return f.sessions[version][roomID], nil
}

func (f *fakeBackupClient) GetAllSessions(_ context.Context, version string) (map[string]map[string]json.RawMessage, error) {
	return f.sessions[version], nil
}

func (f *fakeBackupClient) DeleteSession(_ context.Context, version, roomID, sessionID string) error {
	delete(f.sessions[version][roomID], sessionID)
	return nil
}

func (f *fakeBackupClient) DeleteRoomSessions(_ context.Context, version, roomID string) error {
	delete(f.sessions[version], roomID)
	return nil
}

func (f *fakeBackupClient) DeleteAllSessions(_ context.Context, version string) error {
	f.sessions[version] = make(map[string]map[string]json.RawMessage)
	return nil
}

func (f *fakeBackupClient) DeleteBackup(_ context.Context, version string) error {
	delete(f.versions, version)
	delete(f.sessions, version)
	return nil
}

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return st
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// seedSession stores one real inbound group session and returns its ids.
func seedSession(t *testing.T, st *store.Store, roomID string) (sessionID, senderKey string) {
	t.Helper()
	outbound, err := ratchet.NewOutboundGroupSession()
	if err != nil {
		t.Fatalf("new outbound: %v", err)
	}
	sessionKey, err := outbound.SessionKey()
	if err != nil {
		t.Fatalf("session key: %v", err)
	}
	rec := store.GroupSessionRecord{
		SessionID:       outbound.ID(),
		SenderKey:       "sender-curve25519-" + roomID,
		RoomID:          roomID,
		SessionKey:      sessionKey,
		SenderClaimedEd: "sender-ed25519-" + roomID,
	}
	if err := st.GroupSessions().Upsert(context.Background(), rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	return rec.SessionID, rec.SenderKey
}

func TestBackupAndRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newFakeBackupClient()
	cfg := config.Config{ExportKDFRounds: 1000}

	src := setupStore(t)
	sessionID, senderKey := seedSession(t, src, "!room:example.org")
	mgr := backup.NewManager(src, client, cfg, testLogger(t))

	version, recoveryKey, err := mgr.Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	n, err := mgr.BackupPending(ctx, version)
	if err != nil {
		t.Fatalf("backup pending: %v", err)
	}
	if n != 1 {
		t.Fatalf("backed up %d sessions, want 1", n)
	}
	rec, err := src.GroupSessions().Get(ctx, sessionID, senderKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !rec.BackedUp {
		t.Fatal("session not marked backed up")
	}

	// A second run has nothing to do.
	n, err = mgr.BackupPending(ctx, version)
	if err != nil {
		t.Fatalf("second backup: %v", err)
	}
	if n != 0 {
		t.Fatalf("second backup sent %d sessions, want 0", n)
	}

	dst := setupStore(t)
	restorer := backup.NewManager(dst, client, cfg, testLogger(t))
	imported, err := restorer.Restore(ctx, version, recoveryKey)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if imported != 1 {
		t.Fatalf("restored %d sessions, want 1", imported)
	}
	got, err := dst.GroupSessions().Get(ctx, sessionID, senderKey)
	if err != nil {
		t.Fatalf("get restored: %v", err)
	}
	if got.RoomID != "!room:example.org" || got.SessionKey != rec.SessionKey {
		t.Fatalf("restored record differs: %+v", got)
	}
	if !got.BackedUp {
		t.Fatal("restored session should count as backed up")
	}
}

func TestRestoreRejectsWrongRecoveryKey(t *testing.T) {
	ctx := context.Background()
	client := newFakeBackupClient()
	cfg := config.Config{ExportKDFRounds: 1000}

	st := setupStore(t)
	seedSession(t, st, "!room:example.org")
	mgr := backup.NewManager(st, client, cfg, testLogger(t))

	version, _, err := mgr.Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := mgr.BackupPending(ctx, version); err != nil {
		t.Fatalf("backup: %v", err)
	}

	_, wrongKey, err := ratchet.GeneratePKKeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	if _, err := mgr.Restore(ctx, version, wrongKey); !errors.Is(err, backup.ErrBadRecoveryKey) {
		t.Fatalf("restore with wrong key: %v, want ErrBadRecoveryKey", err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := config.Config{ExportKDFRounds: 1000}

	src := setupStore(t)
	sessionID, senderKey := seedSession(t, src, "!exported:example.org")
	mgr := backup.NewManager(src, newFakeBackupClient(), cfg, testLogger(t))

	armored, err := mgr.ExportRoomKeys(ctx, "correct horse battery staple")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.HasPrefix(armored, "-----BEGIN MEGOLM SESSION DATA-----") {
		t.Fatalf("missing armor header:\n%s", armored)
	}

	dst := setupStore(t)
	importer := backup.NewManager(dst, newFakeBackupClient(), cfg, testLogger(t))
	n, err := importer.ImportRoomKeys(ctx, armored, "correct horse battery staple")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 1 {
		t.Fatalf("imported %d sessions, want 1", n)
	}
	got, err := dst.GroupSessions().Get(ctx, sessionID, senderKey)
	if err != nil {
		t.Fatalf("get imported: %v", err)
	}
	if got.RoomID != "!exported:example.org" {
		t.Fatalf("imported into wrong room: %s", got.RoomID)
	}
	if got.BackedUp {
		t.Fatal("imported sessions are not yet backed up")
	}
}

func TestImportCannotOverrideKnownSession(t *testing.T) {
	ctx := context.Background()
	cfg := config.Config{ExportKDFRounds: 1000}

	// The local store knows the session from index 1 onward.
	st := setupStore(t)
	outbound, err := ratchet.NewOutboundGroupSession()
	if err != nil {
		t.Fatalf("outbound: %v", err)
	}
	if _, err := outbound.Encrypt([]byte("advance")); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	goodKey, err := outbound.SessionKey()
	if err != nil {
		t.Fatalf("session key: %v", err)
	}
	rec := store.GroupSessionRecord{
		SessionID:       outbound.ID(),
		SenderKey:       "sender-curve25519",
		RoomID:          "!room:example.org",
		SessionKey:      goodKey,
		SenderClaimedEd: "sender-ed25519",
	}
	if err := st.GroupSessions().Upsert(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	mgr := backup.NewManager(st, newFakeBackupClient(), cfg, testLogger(t))

	// An export claiming the same session at index 0 under a fabricated chain
	// key. Built through a second store so the armor itself is genuine.
	forgedRaw, err := json.Marshal(map[string]any{
		"session_id":  outbound.ID(),
		"signing_key": outbound.ID(),
		"chain_key":   base64.RawStdEncoding.EncodeToString(make([]byte, 32)),
		"chain_index": 0,
	})
	if err != nil {
		t.Fatalf("marshal forged export: %v", err)
	}
	evil := setupStore(t)
	forged := rec
	forged.SessionKey = base64.RawStdEncoding.EncodeToString(forgedRaw)
	if err := evil.GroupSessions().Upsert(ctx, forged); err != nil {
		t.Fatalf("upsert forged: %v", err)
	}
	evilMgr := backup.NewManager(evil, newFakeBackupClient(), cfg, testLogger(t))
	armored, err := evilMgr.ExportRoomKeys(ctx, "pw")
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	n, err := mgr.ImportRoomKeys(ctx, armored, "pw")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 0 {
		t.Fatalf("imported %d conflicting sessions, want 0", n)
	}
	got, err := st.GroupSessions().Get(ctx, rec.SessionID, rec.SenderKey)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SessionKey != goodKey {
		t.Fatal("stored session key was replaced by a conflicting import")
	}
}

func TestImportWrongPassphraseFails(t *testing.T) {
	ctx := context.Background()
	cfg := config.Config{ExportKDFRounds: 1000}

	src := setupStore(t)
	seedSession(t, src, "!room:example.org")
	mgr := backup.NewManager(src, newFakeBackupClient(), cfg, testLogger(t))

	armored, err := mgr.ExportRoomKeys(ctx, "right password")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if _, err := mgr.ImportRoomKeys(ctx, armored, "wrong password"); !errors.Is(err, backup.ErrBadPassphrase) {
		t.Fatalf("import with wrong passphrase: %v, want ErrBadPassphrase", err)
	}
}

func TestImportRejectsTamperedArmor(t *testing.T) {
	ctx := context.Background()
	cfg := config.Config{ExportKDFRounds: 1000}
	st := setupStore(t)
	mgr := backup.NewManager(st, newFakeBackupClient(), cfg, testLogger(t))

	if _, err := mgr.ImportRoomKeys(ctx, "not an export", "pw"); !errors.Is(err, backup.ErrCorruptExport) {
		t.Fatalf("import garbage: %v, want ErrCorruptExport", err)
	}
}

func TestImportRejectsAbsurdKDFRounds(t *testing.T) {
	ctx := context.Background()
	cfg := config.Config{ExportKDFRounds: 1000}
	st := setupStore(t)
	mgr := backup.NewManager(st, newFakeBackupClient(), cfg, testLogger(t))

	// A file claiming the maximum round count must be rejected before any key
	// derivation runs, so this returns immediately.
	body := make([]byte, 0, 69)
	body = append(body, 0x01)
	body = append(body, make([]byte, 16)...) // salt
	body = append(body, make([]byte, 16)...) // iv
	body = append(body, 0xff, 0xff, 0xff, 0xff)
	body = append(body, make([]byte, 32)...) // mac
	armored := "-----BEGIN MEGOLM SESSION DATA-----\n" +
		base64.StdEncoding.EncodeToString(body) +
		"\n-----END MEGOLM SESSION DATA-----\n"

	if _, err := mgr.ImportRoomKeys(ctx, armored, "pw"); !errors.Is(err, backup.ErrCorruptExport) {
		t.Fatalf("import with absurd rounds: %v, want ErrCorruptExport", err)
	}
}
