package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/shelfsync/internal/model"
	"github.com/njoerd114/shelfsync/internal/remote"
	"github.com/njoerd114/shelfsync/internal/state"
)

// DefaultProbeTimeout bounds the Phase 0 reachability check.
const DefaultProbeTimeout = 5 * time.Second

// Stats tracks what a single reconcile pass did.
type Stats struct {
	// Offline is set when the remote could not be reached; nothing else ran.
	Offline bool

	Demoted   int // synced records the server had lost, now pending
	Created   int // creates acknowledged by the server
	Updated   int // updates acknowledged by the server
	Deleted   int // tombstones acknowledged by the server
	Conflicts int // updates rejected with a newer server copy
	Pulled    int // server records written locally
	Deduped   int // natural-key duplicates deleted remotely
	Purged    int // tombstones removed locally
	Errors    int // per-record failures left for the next run
}

// Reconciler performs one sync pass. It is stateless between calls: all
// persistent state lives in the [RecordStore].
type Reconciler struct {
	remote       RemoteInventory
	store        RecordStore
	probeTimeout time.Duration
	log          *slog.Logger
	tracer       trace.Tracer
}

// NewReconciler creates a Reconciler. A non-positive probeTimeout falls back
// to [DefaultProbeTimeout].
func NewReconciler(rem RemoteInventory, store RecordStore, probeTimeout time.Duration, logger *slog.Logger) *Reconciler {
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	return &Reconciler{
		remote:       rem,
		store:        store,
		probeTimeout: probeTimeout,
		log:          logger,
		tracer:       otel.Tracer(otelScope),
	}
}

// Run performs phases 0 through 4 in order. An unreachable remote ends the
// run early with Stats.Offline set and a nil error. Per-record failures are
// logged and counted in Stats.Errors; they never abort the pass. The returned
// error is reserved for failures of the local store and for cancellation.
func (r *Reconciler) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	listing, reachable := r.probe(ctx)
	if !reachable {
		stats.Offline = true
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		r.log.Info("remote unreachable, sync skipped")
		return stats, nil
	}

	phases := []struct {
		name string
		run  func(context.Context, *Stats) error
	}{
		{"staleness", func(ctx context.Context, s *Stats) error { return r.demoteLost(ctx, listing, s) }},
		{"push", r.pushPending},
		{"tombstones", r.pushTombstones},
		{"pull", r.pull},
		{"purge", r.purge},
	}
	for _, p := range phases {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := r.phase(ctx, p.name, &stats, p.run); err != nil {
			return stats, err
		}
	}

	r.log.Info("sync complete",
		"demoted", stats.Demoted,
		"created", stats.Created,
		"updated", stats.Updated,
		"deleted", stats.Deleted,
		"conflicts", stats.Conflicts,
		"pulled", stats.Pulled,
		"deduped", stats.Deduped,
		"purged", stats.Purged,
		"errors", stats.Errors,
	)
	return stats, nil
}

func (r *Reconciler) phase(ctx context.Context, name string, stats *Stats, fn func(context.Context, *Stats) error) error {
	ctx, span := r.tracer.Start(ctx, "sync.phase."+name)
	defer span.End()

	before := *stats
	err := fn(ctx, stats)
	span.SetAttributes(attribute.Int("sync.errors", stats.Errors-before.Errors))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%s phase: %w", name, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Phase 0: reachability, dedup, staleness
// ---------------------------------------------------------------------------

// probe lists the remote under the probe timeout. The listing is deduplicated
// before it is returned.
func (r *Reconciler) probe(ctx context.Context) ([]model.RemoteRecord, bool) {
	ctx, span := r.tracer.Start(ctx, "sync.phase.probe")
	defer span.End()

	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	listing, err := r.remote.List(probeCtx)
	if err != nil {
		span.RecordError(err)
		r.log.Debug("reachability probe failed", "error", err)
		return nil, false
	}
	span.SetAttributes(attribute.Int("sync.remote_records", len(listing)))
	return listing, true
}

// demoteLost deduplicates the probe listing and demotes every synced local
// record the server no longer has, so Phase 1 recreates it.
func (r *Reconciler) demoteLost(ctx context.Context, listing []model.RemoteRecord, stats *Stats) error {
	listing = r.dedupe(ctx, listing, stats)

	onServer := make(map[string]bool, len(listing))
	for _, rr := range listing {
		onServer[rr.ID] = true
	}

	synced, err := r.store.ListSynced(ctx)
	if err != nil {
		return fmt.Errorf("listing synced records: %w", err)
	}
	for _, rec := range synced {
		if onServer[rec.ID] || rec.IsTemporary() {
			continue
		}
		if err := r.store.MarkPending(ctx, rec.ID); err != nil {
			// Edited locally since the listing; already pending.
			if errors.Is(err, state.ErrNotFound) {
				continue
			}
			r.log.Error("demoting lost record", "id", rec.ID, "error", err)
			stats.Errors++
			continue
		}
		r.log.Info("record missing on server, will recreate", "id", rec.ID, "item", rec.ItemName)
		stats.Demoted++
	}
	return nil
}

// ---------------------------------------------------------------------------
// Phase 1: push creates and updates
// ---------------------------------------------------------------------------

func (r *Reconciler) pushPending(ctx context.Context, stats *Stats) error {
	pending, err := r.store.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("listing pending records: %w", err)
	}
	for _, rec := range pending {
		if rec.IsTemporary() {
			r.create(ctx, rec, stats)
			continue
		}
		r.update(ctx, rec, stats)
	}
	return nil
}

func (r *Reconciler) create(ctx context.Context, rec *model.Record, stats *Stats) {
	created, err := r.remote.Create(ctx, rec.ToRemote())
	if err != nil {
		r.log.Error("pushing create", "id", rec.ID, "item", rec.ItemName, "error", err)
		stats.Errors++
		return
	}

	remapped, err := r.store.Remap(ctx, rec.ID, created.ID, created)
	if errors.Is(err, state.ErrNotFound) {
		r.retractCreate(ctx, rec, created, stats)
		return
	}
	if err != nil {
		r.log.Error("remapping created record", "id", rec.ID, "canonical_id", created.ID, "error", err)
		stats.Errors++
		return
	}
	r.log.Debug("created", "temporary_id", rec.ID, "id", remapped.ID, "item", remapped.ItemName)
	stats.Created++
}

// retractCreate handles a record deleted locally while its create was in
// flight. The server copy is queued as a pending tombstone under the canonical
// id so the tombstone phase deletes it and the pull cannot bring it back.
func (r *Reconciler) retractCreate(ctx context.Context, rec *model.Record, created model.RemoteRecord, stats *Stats) {
	tomb := created.ToRecord()
	tomb.IsDeleted = true
	tomb.SyncStatus = model.StatusPending
	if err := r.store.Upsert(ctx, tomb); err != nil {
		r.log.Error("queueing delete of retracted create", "id", rec.ID, "canonical_id", created.ID, "error", err)
		stats.Errors++
		return
	}
	r.log.Info("record deleted during create, server copy queued for delete",
		"temporary_id", rec.ID,
		"id", created.ID,
		"item", rec.ItemName,
	)
}

func (r *Reconciler) update(ctx context.Context, rec *model.Record, stats *Stats) {
	_, err := r.remote.Update(ctx, rec.ToRemote())

	var conflict *remote.ConflictError
	switch {
	case err == nil:
		acked, err := r.store.AckPush(ctx, rec.ID, *rec)
		if err != nil {
			r.log.Error("acknowledging update", "id", rec.ID, "error", err)
			stats.Errors++
			return
		}
		if !acked {
			r.log.Debug("record changed during push, left pending", "id", rec.ID)
		}
		stats.Updated++

	case errors.Is(err, remote.ErrNotFound):
		r.log.Info("record missing on server, recreating", "id", rec.ID, "item", rec.ItemName)
		r.create(ctx, rec, stats)

	case errors.As(err, &conflict):
		if err := r.store.MarkConflict(ctx, rec.ID, conflict.Server); err != nil {
			r.log.Error("recording conflict", "id", rec.ID, "error", err)
			stats.Errors++
			return
		}
		r.log.Warn("conflict: server copy is newer",
			"id", rec.ID,
			"item", rec.ItemName,
			"local_updated", rec.LastUpdated,
			"server_updated", conflict.Server.LastUpdated,
		)
		stats.Conflicts++

	default:
		r.log.Error("pushing update", "id", rec.ID, "item", rec.ItemName, "error", err)
		stats.Errors++
	}
}

// ---------------------------------------------------------------------------
// Phase 2: push tombstones
// ---------------------------------------------------------------------------

func (r *Reconciler) pushTombstones(ctx context.Context, stats *Stats) error {
	tombstones, err := r.store.ListPendingTombstones(ctx)
	if err != nil {
		return fmt.Errorf("listing tombstones: %w", err)
	}
	for _, rec := range tombstones {
		if rec.IsTemporary() {
			// The server never saw it.
			if err := r.store.HardDelete(ctx, rec.ID); err != nil {
				r.log.Error("dropping unsynced tombstone", "id", rec.ID, "error", err)
				stats.Errors++
				continue
			}
			stats.Purged++
			continue
		}

		err := r.remote.Delete(ctx, rec.ID)
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			r.log.Error("pushing delete", "id", rec.ID, "item", rec.ItemName, "error", err)
			stats.Errors++
			continue
		}
		if _, err := r.store.AckPush(ctx, rec.ID, *rec); err != nil {
			r.log.Error("acknowledging delete", "id", rec.ID, "error", err)
			stats.Errors++
			continue
		}
		r.log.Debug("deleted", "id", rec.ID, "item", rec.ItemName)
		stats.Deleted++
	}
	return nil
}

// ---------------------------------------------------------------------------
// Phase 3: pull and merge
// ---------------------------------------------------------------------------

func (r *Reconciler) pull(ctx context.Context, stats *Stats) error {
	listing, err := r.remote.List(ctx)
	if err != nil {
		r.log.Error("pulling remote inventory", "error", err)
		stats.Errors++
		return nil
	}
	listing = r.dedupe(ctx, listing, stats)

	for _, rr := range listing {
		written, err := r.store.MergeRemote(ctx, rr)
		if err != nil {
			r.log.Error("merging remote record", "id", rr.ID, "error", err)
			stats.Errors++
			continue
		}
		if written {
			stats.Pulled++
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Phase 4: purge
// ---------------------------------------------------------------------------

func (r *Reconciler) purge(ctx context.Context, stats *Stats) error {
	n, err := r.store.PurgeSyncedTombstones(ctx)
	if err != nil {
		return fmt.Errorf("purging tombstones: %w", err)
	}
	stats.Purged += n
	return nil
}
