package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/njoerd114/shelfsync/internal/inventory"
	"github.com/njoerd114/shelfsync/internal/model"
	"github.com/njoerd114/shelfsync/internal/remote"
	"github.com/njoerd114/shelfsync/internal/state"
)

var testLogger = slog.New(slog.DiscardHandler)

func newRecord(id, name string, qty int, status model.SyncStatus, updated time.Time) *model.Record {
	return &model.Record{
		ID:          id,
		ItemName:    name,
		Quantity:    qty,
		Price:       decimal.RequireFromString("1.25"),
		Location:    model.LocationCStore,
		SyncStatus:  status,
		LastUpdated: updated,
	}
}

func newRemoteRecord(id, name string, qty int, updated time.Time) model.RemoteRecord {
	return model.RemoteRecord{
		ID:          id,
		ItemName:    name,
		Quantity:    qty,
		Price:       decimal.RequireFromString("1.25"),
		Location:    model.LocationCStore,
		LastUpdated: updated,
	}
}

func seed(t *testing.T, s *state.Store, records ...*model.Record) {
	t.Helper()
	for _, r := range records {
		if err := s.Upsert(context.Background(), r); err != nil {
			t.Fatalf("Upsert %s: %v", r.ID, err)
		}
	}
}

func get(t *testing.T, s *state.Store, id string) *model.Record {
	t.Helper()
	r, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s: %v", id, err)
	}
	return r
}

func run(t *testing.T, rem RemoteInventory, s *state.Store) Stats {
	t.Helper()
	stats, err := NewReconciler(rem, s, time.Second, testLogger).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return stats
}

// ---------------------------------------------------------------------------
// Phase 0: reachability
// ---------------------------------------------------------------------------

func TestRun_OfflineIsNoOp(t *testing.T) {
	clock := newTestClock()
	s := newTestStore(t, clock)
	seed(t, s, newRecord("local_a", "Oil Filter", 3, model.StatusPending, clock.Now()))

	rem := newMockRemote()
	rem.listErr = errors.New("dial tcp: connection refused")

	stats := run(t, rem, s)
	if !stats.Offline {
		t.Error("Offline = false, want true")
	}
	if w := rem.writes(); len(w) != 0 {
		t.Errorf("remote writes while offline: %v", w)
	}
	if r := get(t, s, "local_a"); r == nil || r.SyncStatus != model.StatusPending {
		t.Errorf("local record changed: %+v", r)
	}
}

func TestRun_ProbeTimeout(t *testing.T) {
	clock := newTestClock()
	s := newTestStore(t, clock)

	rem := newMockRemote()
	rem.gate = make(chan struct{}) // never released

	start := time.Now()
	stats, err := NewReconciler(rem, s, 50*time.Millisecond, testLogger).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !stats.Offline {
		t.Error("a probe that times out must count as offline")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("probe took %v", elapsed)
	}
}

// ---------------------------------------------------------------------------
// Phase 0: staleness
// ---------------------------------------------------------------------------

func TestRun_SyncedRecordLostRemotelyIsRecreated(t *testing.T) {
	clock := newTestClock()
	s := newTestStore(t, clock)
	seed(t, s, newRecord("srv-lost", "Napkins", 40, model.StatusSynced, clock.Now()))

	rem := newMockRemote() // server has nothing
	stats := run(t, rem, s)

	if stats.Demoted != 1 || stats.Created != 1 {
		t.Errorf("Demoted=%d Created=%d, want 1/1", stats.Demoted, stats.Created)
	}
	if get(t, s, "srv-lost") != nil {
		t.Error("stale id still present locally")
	}
	if rem.count() != 1 {
		t.Fatalf("remote count = %d, want 1", rem.count())
	}
	if r := get(t, s, "srv-1"); r == nil || r.SyncStatus != model.StatusSynced {
		t.Errorf("recreated record = %+v", r)
	}
}

// ---------------------------------------------------------------------------
// Phase 1: push
// ---------------------------------------------------------------------------

func TestRun_TemporaryRecordCreatedAndRemapped(t *testing.T) {
	clock := newTestClock()
	s := newTestStore(t, clock)
	seed(t, s, newRecord("local_a", "Oil Filter", 3, model.StatusPending, clock.Now()))

	rem := newMockRemote()
	stats := run(t, rem, s)

	if stats.Created != 1 {
		t.Errorf("Created = %d, want 1", stats.Created)
	}
	if get(t, s, "local_a") != nil {
		t.Error("temporary row survived")
	}
	got := get(t, s, "srv-1")
	if got == nil || got.SyncStatus != model.StatusSynced {
		t.Fatalf("canonical row = %+v", got)
	}
	if stats.Pulled != 0 {
		t.Errorf("Pulled = %d, want 0 (remapped row already matches)", stats.Pulled)
	}
}

// deletingRemote deletes the local row through the inventory service while
// the server is still answering the create, the way a CLI delete racing the
// daemon would.
type deletingRemote struct {
	*mockRemote
	svc *inventory.Service
	id  string
}

func (d *deletingRemote) Create(ctx context.Context, rr model.RemoteRecord) (model.RemoteRecord, error) {
	created, err := d.mockRemote.Create(ctx, rr)
	if err != nil {
		return created, err
	}
	if err := d.svc.Delete(ctx, d.id); err != nil {
		return model.RemoteRecord{}, fmt.Errorf("deleting %s mid-create: %w", d.id, err)
	}
	return created, nil
}

func TestRun_DeleteDuringCreateIsNotResurrected(t *testing.T) {
	clock := newTestClock()
	s := newTestStore(t, clock)
	seed(t, s, newRecord("local_a", "Oil Filter", 3, model.StatusPending, clock.Now()))

	rem := newMockRemote()
	stats := run(t, &deletingRemote{mockRemote: rem, svc: inventory.NewService(s, testLogger), id: "local_a"}, s)

	if stats.Created != 0 || stats.Deleted != 1 || stats.Errors != 0 {
		t.Errorf("Created=%d Deleted=%d Errors=%d, want 0/1/0", stats.Created, stats.Deleted, stats.Errors)
	}
	if rem.count() != 0 {
		t.Errorf("remote records = %d, want 0", rem.count())
	}
	if stats.Pulled != 0 {
		t.Errorf("Pulled = %d, want 0", stats.Pulled)
	}
	for _, id := range []string{"local_a", "srv-1"} {
		if r := get(t, s, id); r != nil {
			t.Errorf("%s still stored: %+v", id, r)
		}
	}
}

func TestRun_DeleteDuringCreateRetriedAfterFailure(t *testing.T) {
	clock := newTestClock()
	s := newTestStore(t, clock)
	seed(t, s, newRecord("local_a", "Oil Filter", 3, model.StatusPending, clock.Now()))

	rem := newMockRemote()
	rem.deleteErrs["srv-1"] = errors.New("timeout")
	stats := run(t, &deletingRemote{mockRemote: rem, svc: inventory.NewService(s, testLogger), id: "local_a"}, s)

	if stats.Errors != 1 {
		t.Errorf("Errors = %d, want 1", stats.Errors)
	}
	got := get(t, s, "srv-1")
	if got == nil || !got.IsDeleted || got.SyncStatus != model.StatusPending {
		t.Fatalf("srv-1 = %+v, want pending tombstone", got)
	}

	delete(rem.deleteErrs, "srv-1")
	stats = run(t, rem, s)
	if stats.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", stats.Deleted)
	}
	if rem.count() != 0 {
		t.Errorf("remote records = %d, want 0", rem.count())
	}
	if get(t, s, "srv-1") != nil {
		t.Error("tombstone not purged")
	}
}

func TestRun_UpdateAcknowledged(t *testing.T) {
	clock := newTestClock()
	s := newTestStore(t, clock)
	t0 := clock.Now()
	rem := newMockRemote(newRemoteRecord("srv-1", "Oil Filter", 3, t0))
	seed(t, s, newRecord("srv-1", "Oil Filter", 7, model.StatusPending, t0.Add(time.Minute)))

	stats := run(t, rem, s)
	if stats.Updated != 1 {
		t.Errorf("Updated = %d, want 1", stats.Updated)
	}
	if rr, _ := rem.get("srv-1"); rr.Quantity != 7 {
		t.Errorf("remote quantity = %d, want 7", rr.Quantity)
	}
	if r := get(t, s, "srv-1"); r.SyncStatus != model.StatusSynced {
		t.Errorf("status = %q, want synced", r.SyncStatus)
	}
}

func TestRun_UpdateNotFoundBecomesCreate(t *testing.T) {
	clock := newTestClock()
	s := newTestStore(t, clock)
	// Pending locally with a canonical id the server no longer has.
	seed(t, s, newRecord("srv-gone", "Napkins", 40, model.StatusPending, clock.Now()))

	rem := newMockRemote()
	stats := run(t, rem, s)

	if stats.Created != 1 {
		t.Errorf("Created = %d, want 1", stats.Created)
	}
	w := rem.writes()
	if len(w) != 2 || w[0] != "update srv-gone" || w[1] != "create Napkins" {
		t.Errorf("remote calls = %v", w)
	}
	if get(t, s, "srv-gone") != nil || get(t, s, "srv-1") == nil {
		t.Error("record not remapped to the new canonical id")
	}
}

func TestRun_UpdateConflictRecordsSnapshot(t *testing.T) {
	clock := newTestClock()
	s := newTestStore(t, clock)
	t0 := clock.Now()
	server := newRemoteRecord("srv-1", "Oil Filter", 9, t0.Add(time.Hour))
	rem := newMockRemote(server)
	seed(t, s, newRecord("srv-1", "Oil Filter", 2, model.StatusPending, t0))

	stats := run(t, rem, s)
	if stats.Conflicts != 1 {
		t.Errorf("Conflicts = %d, want 1", stats.Conflicts)
	}

	got := get(t, s, "srv-1")
	if got.SyncStatus != model.StatusConflict {
		t.Fatalf("status = %q, want conflict", got.SyncStatus)
	}
	if got.Quantity != 2 {
		t.Errorf("local quantity overwritten: %d", got.Quantity)
	}
	if got.ConflictServer == nil || got.ConflictServer.Quantity != 9 {
		t.Errorf("snapshot = %+v, want server copy", got.ConflictServer)
	}

	// The pull must not overwrite the conflict, and a second run must not
	// touch it either.
	rem.resetCalls()
	run(t, rem, s)
	if w := rem.writes(); len(w) != 0 {
		t.Errorf("conflict re-pushed: %v", w)
	}
	if got := get(t, s, "srv-1"); got.SyncStatus != model.StatusConflict {
		t.Errorf("status after second run = %q", got.SyncStatus)
	}
}

func TestRun_FailureIsIsolatedPerRecord(t *testing.T) {
	clock := newTestClock()
	s := newTestStore(t, clock)
	seed(t, s,
		newRecord("local_a", "Broken", 1, model.StatusPending, clock.Now()),
		newRecord("local_b", "Fine", 1, model.StatusPending, clock.Advance(time.Second)),
	)

	rem := newMockRemote()
	rem.createErrs["Broken"] = &remote.StatusError{Code: 500}

	stats := run(t, rem, s)
	if stats.Errors != 1 || stats.Created != 1 {
		t.Errorf("Errors=%d Created=%d, want 1/1", stats.Errors, stats.Created)
	}
	if r := get(t, s, "local_a"); r == nil || r.SyncStatus != model.StatusPending {
		t.Errorf("failed record should stay pending: %+v", r)
	}

	// Next run retries it.
	delete(rem.createErrs, "Broken")
	stats = run(t, rem, s)
	if stats.Created != 1 {
		t.Errorf("retry Created = %d, want 1", stats.Created)
	}
}

// ---------------------------------------------------------------------------
// Phase 2: tombstones
// ---------------------------------------------------------------------------

func TestRun_TombstonePushedThenPurged(t *testing.T) {
	clock := newTestClock()
	s := newTestStore(t, clock)
	t0 := clock.Now()
	rem := newMockRemote(newRemoteRecord("srv-1", "Oil Filter", 3, t0))
	tomb := newRecord("srv-1", "Oil Filter", 3, model.StatusPending, t0.Add(time.Minute))
	tomb.IsDeleted = true
	seed(t, s, tomb)

	stats := run(t, rem, s)
	if stats.Deleted != 1 || stats.Purged != 1 {
		t.Errorf("Deleted=%d Purged=%d, want 1/1", stats.Deleted, stats.Purged)
	}
	if rem.count() != 0 {
		t.Error("remote record not deleted")
	}
	if get(t, s, "srv-1") != nil {
		t.Error("tombstone not purged")
	}
}

func TestRun_TombstoneAlreadyGoneRemotely(t *testing.T) {
	clock := newTestClock()
	s := newTestStore(t, clock)
	tomb := newRecord("srv-1", "Oil Filter", 3, model.StatusPending, clock.Now())
	tomb.IsDeleted = true
	seed(t, s, tomb)

	stats := run(t, newMockRemote(), s)
	if stats.Errors != 0 || stats.Deleted != 1 {
		t.Errorf("Errors=%d Deleted=%d, want 0/1", stats.Errors, stats.Deleted)
	}
	if get(t, s, "srv-1") != nil {
		t.Error("tombstone not purged")
	}
}

func TestRun_TombstoneDeleteFailureKeepsIt(t *testing.T) {
	clock := newTestClock()
	s := newTestStore(t, clock)
	rem := newMockRemote(newRemoteRecord("srv-1", "Oil Filter", 3, clock.Now()))
	rem.deleteErrs["srv-1"] = errors.New("timeout")
	tomb := newRecord("srv-1", "Oil Filter", 3, model.StatusPending, clock.Advance(time.Minute))
	tomb.IsDeleted = true
	seed(t, s, tomb)

	stats := run(t, rem, s)
	if stats.Errors != 1 {
		t.Errorf("Errors = %d, want 1", stats.Errors)
	}
	got := get(t, s, "srv-1")
	if got == nil || !got.IsDeleted || got.SyncStatus != model.StatusPending {
		t.Errorf("tombstone = %+v, want pending tombstone", got)
	}
}

func TestRun_TemporaryTombstoneNeverHitsNetwork(t *testing.T) {
	clock := newTestClock()
	s := newTestStore(t, clock)
	tomb := newRecord("local_x", "Oops", 1, model.StatusPending, clock.Now())
	tomb.IsDeleted = true
	seed(t, s, tomb)

	rem := newMockRemote()
	run(t, rem, s)
	if w := rem.writes(); len(w) != 0 {
		t.Errorf("remote calls for a never-synced tombstone: %v", w)
	}
	if get(t, s, "local_x") != nil {
		t.Error("temporary tombstone not removed")
	}
}

// ---------------------------------------------------------------------------
// Phase 3: pull
// ---------------------------------------------------------------------------

func TestRun_PullMergesAndProtectsPending(t *testing.T) {
	clock := newTestClock()
	s := newTestStore(t, clock)
	t0 := clock.Now()
	rem := newMockRemote(
		newRemoteRecord("srv-1", "Napkins", 40, t0),
		newRemoteRecord("srv-2", "Cups", 10, t0),
	)
	// Pending local edit of srv-2 whose push will fail.
	seed(t, s, newRecord("srv-2", "Cups", 99, model.StatusPending, t0.Add(time.Minute)))
	rem.updateErrs["srv-2"] = &remote.StatusError{Code: 503}

	stats := run(t, rem, s)
	if stats.Pulled != 1 {
		t.Errorf("Pulled = %d, want 1", stats.Pulled)
	}
	if r := get(t, s, "srv-1"); r == nil || r.SyncStatus != model.StatusSynced {
		t.Errorf("srv-1 = %+v, want synced", r)
	}
	if r := get(t, s, "srv-2"); r.Quantity != 99 || r.SyncStatus != model.StatusPending {
		t.Errorf("pending srv-2 overwritten: %+v", r)
	}
}

func TestRun_PushFailureAfterProbeLeavesPending(t *testing.T) {
	clock := newTestClock()
	s := newTestStore(t, clock)
	seed(t, s, newRecord("local_a", "Oil Filter", 3, model.StatusPending, clock.Now()))

	rem := newMockRemote()
	rem.createErrs["Oil Filter"] = errors.New("connection reset")
	stats := run(t, rem, s)
	if stats.Offline {
		t.Error("reachable at probe time; run must not be offline")
	}
	if r := get(t, s, "local_a"); r == nil || r.SyncStatus != model.StatusPending {
		t.Errorf("record = %+v, want pending", r)
	}
}

// ---------------------------------------------------------------------------
// Dedup
// ---------------------------------------------------------------------------

func TestFindDuplicates(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	records := []model.RemoteRecord{
		newRemoteRecord("a", "Oil Filter", 1, t0),
		newRemoteRecord("b", " oil filter", 2, t0.Add(time.Minute)),
		newRemoteRecord("c", "Oil Filter", 3, t0.Add(-time.Minute)),
		newRemoteRecord("d", "Napkins", 4, t0),
		newRemoteRecord("e", "Cups", 1, t0),
		newRemoteRecord("f", "Cups", 2, t0), // tie on time: greater id wins
	}
	restaurant := newRemoteRecord("g", "Napkins", 5, t0)
	restaurant.Location = model.LocationRestaurant
	records = append(records, restaurant)

	groups := findDuplicates(records)
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2: %+v", len(groups), groups)
	}
	if groups[0].keep.ID != "b" || len(groups[0].stale) != 2 {
		t.Errorf("oil filter group: keep=%s stale=%d", groups[0].keep.ID, len(groups[0].stale))
	}
	if groups[1].keep.ID != "f" || len(groups[1].stale) != 1 || groups[1].stale[0].ID != "e" {
		t.Errorf("cups group: keep=%s stale=%v", groups[1].keep.ID, groups[1].stale)
	}
}

func TestRun_DedupKeepsNewestAndDropsLocalCopies(t *testing.T) {
	clock := newTestClock()
	s := newTestStore(t, clock)
	t0 := clock.Now()
	rem := newMockRemote(
		newRemoteRecord("srv-old", "Oil Filter", 1, t0),
		newRemoteRecord("srv-new", "Oil Filter", 2, t0.Add(time.Minute)),
	)
	seed(t, s, newRecord("srv-old", "Oil Filter", 1, model.StatusSynced, t0))

	stats := run(t, rem, s)
	if stats.Deduped != 1 {
		t.Errorf("Deduped = %d, want 1", stats.Deduped)
	}
	if _, ok := rem.get("srv-old"); ok {
		t.Error("stale duplicate still on server")
	}
	if _, ok := rem.get("srv-new"); !ok {
		t.Error("newest duplicate deleted")
	}
	if get(t, s, "srv-old") != nil {
		t.Error("local copy of stale duplicate survived")
	}
	if stats.Demoted != 0 || stats.Created != 0 {
		t.Errorf("stale duplicate was recreated: Demoted=%d Created=%d", stats.Demoted, stats.Created)
	}
	if r := get(t, s, "srv-new"); r == nil || r.SyncStatus != model.StatusSynced {
		t.Errorf("survivor not pulled: %+v", r)
	}
}

func TestRun_DedupDeleteFailureKeepsBoth(t *testing.T) {
	clock := newTestClock()
	s := newTestStore(t, clock)
	t0 := clock.Now()
	rem := newMockRemote(
		newRemoteRecord("srv-old", "Oil Filter", 1, t0),
		newRemoteRecord("srv-new", "Oil Filter", 2, t0.Add(time.Minute)),
	)
	rem.deleteErrs["srv-old"] = errors.New("boom")
	seed(t, s, newRecord("srv-old", "Oil Filter", 1, model.StatusSynced, t0))

	stats := run(t, rem, s)
	if stats.Deduped != 0 || stats.Errors == 0 {
		t.Errorf("Deduped=%d Errors=%d", stats.Deduped, stats.Errors)
	}
	if r := get(t, s, "srv-old"); r == nil || r.SyncStatus != model.StatusSynced {
		t.Errorf("srv-old must stay synced while it is still on the server: %+v", r)
	}
}
