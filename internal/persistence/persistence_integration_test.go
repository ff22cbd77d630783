package persistence_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"

	"marginledger/internal/persistence"
	"marginledger/internal/testutil"
)

func setup(t *testing.T) (*sql.DB, *persistence.EventLogWriter, *persistence.SnapshotManager, *persistence.PostgresDedupChecker, func()) {
	t.Helper()
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := persistence.NewMigrator(db, "../../migrations").Up(ctx); err != nil {
		cleanup()
		t.Fatalf("migrate: %v", err)
	}

	return db, persistence.NewEventLogWriter(db),
		persistence.NewSnapshotManager(db),
		persistence.NewPostgresDedupChecker(db),
		cleanup
}

func eventRow(seq int64, opID string) persistence.EventRow {
	return persistence.EventRow{
		Sequence:       seq,
		EventType:      "Deposited",
		IdempotencyKey: opID,
		Payload:        []byte(`{"Amount":1000}`),
		StateHash:      []byte{1, 2, 3},
		PrevHash:       []byte{0, 0, 0},
		Timestamp:      time.UnixMicro(1_700_000_000_000_000),
		SourceSequence: seq,
	}
}

func TestEventLogWriteAndReplay(t *testing.T) {
	db, writer, snapMgr, _, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	events := []persistence.EventRow{
		eventRow(0, uuid.New().String()),
		eventRow(1, uuid.New().String()),
		eventRow(2, uuid.New().String()),
	}
	if err := writer.WriteEventBatch(ctx, db, events); err != nil {
		t.Fatalf("write events: %v", err)
	}

	// Replayed writes are dropped on the conflict target.
	if err := writer.WriteEventBatch(ctx, db, events[:2]); err != nil {
		t.Fatalf("idempotent rewrite: %v", err)
	}

	rows, err := snapMgr.LoadEventsFrom(ctx, 1, 100)
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].Sequence != 1 || rows[1].Sequence != 2 {
		t.Errorf("sequences = %d,%d, want 1,2", rows[0].Sequence, rows[1].Sequence)
	}
	if rows[0].EventType != "Deposited" {
		t.Errorf("event type = %q", rows[0].EventType)
	}

	latest, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		t.Fatalf("latest sequence: %v", err)
	}
	if latest != 2 {
		t.Errorf("latest = %d, want 2", latest)
	}
}

func TestEntryBatchWrite(t *testing.T) {
	db, writer, _, _, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	user := uuid.New()
	entries := []persistence.EntryRow{{
		EntryID:       uuid.New().String(),
		BatchID:       uuid.New().String(),
		OpRef:         uuid.New().String(),
		Sequence:      0,
		DebitAccount:  "user:" + user.String() + ":funding",
		CreditAccount: "external:reserve",
		Amount:        1_000,
		EntryType:     0,
		Timestamp:     1_700_000_000_000_000,
	}}
	if err := writer.WriteEntryBatch(ctx, db, entries); err != nil {
		t.Fatalf("write entries: %v", err)
	}
	if err := writer.WriteEntryBatch(ctx, db, entries); err != nil {
		t.Fatalf("idempotent rewrite: %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	_, _, snapMgr, _, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	// Cold start: no snapshot yet.
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("cold load: %v", err)
	}
	if snap != nil {
		t.Fatalf("cold start returned a snapshot: %+v", snap)
	}

	user := uuid.New().String()
	saved := &persistence.SnapshotData{
		Sequence:        42,
		StateHash:       []byte{9, 9, 9},
		Reserve:         5_000,
		Markets:         []persistence.MarketSnap{{ID: "ab12", Name: "BTC-PERP"}},
		FundingBalances: map[string]int64{user: 5_000},
		TradingBalances: map[string]int64{},
		Pending:         map[string]persistence.PendingSnap{},
		ProfitCredits:   map[string]int64{},
		SequenceState:   map[string]int64{"global": 3},
		CreatedAt:       time.Now().UTC(),
	}
	size, err := snapMgr.SaveSnapshot(ctx, saved)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if size <= 0 {
		t.Errorf("snapshot size = %d, want > 0", size)
	}

	// Unverified snapshots are never loaded.
	snap, err = snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load unverified: %v", err)
	}
	if snap != nil {
		t.Fatal("unverified snapshot loaded")
	}

	if err := snapMgr.MarkVerified(ctx, 42); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	snap, err = snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap == nil {
		t.Fatal("verified snapshot not loaded")
	}
	if snap.Sequence != 42 || snap.Reserve != 5_000 {
		t.Errorf("sequence/reserve = %d/%d, want 42/5000", snap.Sequence, snap.Reserve)
	}
	if snap.FundingBalances[user] != 5_000 {
		t.Errorf("funding balance = %d, want 5000", snap.FundingBalances[user])
	}
	if snap.SequenceState["global"] != 3 {
		t.Errorf("sequence state = %d, want 3", snap.SequenceState["global"])
	}
}

func TestPostgresDedupChecker(t *testing.T) {
	db, writer, _, dedup, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	opID := uuid.New().String()
	if err := writer.WriteEventBatch(ctx, db, []persistence.EventRow{eventRow(0, opID)}); err != nil {
		t.Fatalf("write: %v", err)
	}

	dup, err := dedup.IsDuplicate("Deposited", opID)
	if err != nil {
		t.Fatalf("dedup check: %v", err)
	}
	if !dup {
		t.Error("persisted operation not reported as duplicate")
	}

	dup, err = dedup.IsDuplicate("Deposited", uuid.New().String())
	if err != nil {
		t.Fatalf("dedup check: %v", err)
	}
	if dup {
		t.Error("fresh operation reported as duplicate")
	}
}
