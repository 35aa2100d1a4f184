package store_test

import (
	"context"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/matrix-org/matrix-android-sdk-sub001/internal/store"
)

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

func TestDeviceUpsertAndTrust(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	rec := store.DeviceRecord{
		UserID:         "@alice:example.org",
		DeviceID:       "AAAA",
		IdentityKey:    "curve-alice",
		FingerprintKey: "ed-alice",
		Trust:          store.TrustUnverified,
	}
	if err := st.Devices().Upsert(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := st.Devices().Get(ctx, "@alice:example.org", "AAAA")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IdentityKey != "curve-alice" || got.Trust != store.TrustUnverified {
		t.Fatalf("unexpected record: %+v", got)
	}

	if err := st.Devices().SetTrust(ctx, "@alice:example.org", "AAAA", store.TrustVerified); err != nil {
		t.Fatalf("set trust: %v", err)
	}
	got, err = st.Devices().Get(ctx, "@alice:example.org", "AAAA")
	if err != nil {
		t.Fatalf("get after trust: %v", err)
	}
	if got.Trust != store.TrustVerified {
		t.Fatalf("trust not updated: %s", got.Trust)
	}

	if err := st.Devices().SetTrust(ctx, "@alice:example.org", "missing", store.TrustBlocked); err != store.ErrRecordNotFound {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestDeviceMarkRemoved(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	for _, id := range []string{"KEEP", "GONE"} {
		err := st.Devices().Upsert(ctx, store.DeviceRecord{
			UserID:         "@bob:example.org",
			DeviceID:       id,
			IdentityKey:    "curve-" + id,
			FingerprintKey: "ed-" + id,
			Trust:          store.TrustUnverified,
		})
		if err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	if err := st.Devices().MarkRemoved(ctx, "@bob:example.org", []string{"KEEP"}); err != nil {
		t.Fatalf("mark removed: %v", err)
	}

	recs, err := st.Devices().ListForUser(ctx, "@bob:example.org")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].DeviceID != "KEEP" {
		t.Fatalf("expected only KEEP, got %+v", recs)
	}
}

func TestOlmSessionFreshnessOrder(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := store.OlmSessionRecord{
		SessionID:       "sess-old",
		PeerIdentityKey: "peer",
		Pickle:          "pickle-old",
		LastReceivedAt:  now.Add(-time.Hour),
	}
	fresh := store.OlmSessionRecord{
		SessionID:       "sess-fresh",
		PeerIdentityKey: "peer",
		Pickle:          "pickle-fresh",
		LastReceivedAt:  now,
	}
	if err := st.OlmSessions().Upsert(ctx, old); err != nil {
		t.Fatalf("upsert old: %v", err)
	}
	if err := st.OlmSessions().Upsert(ctx, fresh); err != nil {
		t.Fatalf("upsert fresh: %v", err)
	}

	recs, err := st.OlmSessions().ListForPeer(ctx, "peer")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 || recs[0].SessionID != "sess-fresh" {
		t.Fatalf("expected freshest first, got %+v", recs)
	}
}

func TestGroupSessionBackupFlag(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	rec := store.GroupSessionRecord{
		SessionID:       "megolm-1",
		SenderKey:       "curve-sender",
		RoomID:          "!room:example.org",
		SessionKey:      "exported-key",
		SenderClaimedEd: "ed-sender",
	}
	if err := st.GroupSessions().Upsert(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	pending, err := st.GroupSessions().ListNotBackedUp(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending session, got %d", len(pending))
	}

	if err := st.GroupSessions().MarkBackedUp(ctx, "megolm-1", "curve-sender"); err != nil {
		t.Fatalf("mark backed up: %v", err)
	}
	pending, err = st.GroupSessions().ListNotBackedUp(ctx)
	if err != nil {
		t.Fatalf("list pending again: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending sessions, got %d", len(pending))
	}
}

func TestKeyRequestDedupByBody(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	rec := store.KeyRequestRecord{
		RequestID: "req-1",
		RoomID:    "!room:example.org",
		SessionID: "megolm-1",
		SenderKey: "curve-sender",
		State:     store.RequestUnsent,
	}
	if err := st.KeyRequests().Upsert(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	active, err := st.KeyRequests().FindActiveByBody(ctx, "!room:example.org", "megolm-1", "curve-sender")
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if active.RequestID != "req-1" {
		t.Fatalf("unexpected request: %+v", active)
	}

	if err := st.KeyRequests().SetState(ctx, "req-1", store.RequestCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := st.KeyRequests().FindActiveByBody(ctx, "!room:example.org", "megolm-1", "curve-sender"); err != store.ErrRecordNotFound {
		t.Fatalf("expected ErrRecordNotFound after cancel, got %v", err)
	}
}
