package sync

import (
	"context"
	"errors"

	"github.com/njoerd114/shelfsync/internal/model"
	"github.com/njoerd114/shelfsync/internal/remote"
)

// duplicateGroup is a set of remote records sharing one natural key.
type duplicateGroup struct {
	key   model.NaturalKey
	keep  model.RemoteRecord
	stale []model.RemoteRecord
}

// findDuplicates groups records by natural key and, for every key held by
// more than one record, picks the one with the greatest LastUpdated to keep.
// Ties go to the greater id so every device picks the same survivor. Groups
// are returned in order of first appearance.
func findDuplicates(records []model.RemoteRecord) []duplicateGroup {
	index := make(map[model.NaturalKey]int)
	var groups [][]model.RemoteRecord
	var keys []model.NaturalKey
	for _, rr := range records {
		k := rr.NaturalKey()
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, nil)
			keys = append(keys, k)
		}
		groups[i] = append(groups[i], rr)
	}

	var out []duplicateGroup
	for i, g := range groups {
		if len(g) < 2 {
			continue
		}
		best := 0
		for j := 1; j < len(g); j++ {
			if newer(g[j], g[best]) {
				best = j
			}
		}
		dg := duplicateGroup{key: keys[i], keep: g[best]}
		for j, rr := range g {
			if j != best {
				dg.stale = append(dg.stale, rr)
			}
		}
		out = append(out, dg)
	}
	return out
}

func newer(a, b model.RemoteRecord) bool {
	if !a.LastUpdated.Equal(b.LastUpdated) {
		return a.LastUpdated.After(b.LastUpdated)
	}
	return a.ID > b.ID
}

// dedupe deletes stale natural-key duplicates from the server and returns the
// listing without them. A duplicate whose delete fails stays in the listing
// and is retried on the next run. The local copy of a deleted duplicate is
// dropped when it is synced; a pending or conflicting local copy is left for
// the push phases.
func (r *Reconciler) dedupe(ctx context.Context, records []model.RemoteRecord, stats *Stats) []model.RemoteRecord {
	groups := findDuplicates(records)
	if len(groups) == 0 {
		return records
	}

	removed := make(map[string]bool)
	for _, g := range groups {
		for _, rr := range g.stale {
			err := r.remote.Delete(ctx, rr.ID)
			if err != nil && !errors.Is(err, remote.ErrNotFound) {
				r.log.Error("deleting duplicate", "key", g.key.String(), "id", rr.ID, "error", err)
				stats.Errors++
				continue
			}
			removed[rr.ID] = true
			stats.Deduped++
			r.log.Info("removed duplicate",
				"key", g.key.String(),
				"id", rr.ID,
				"kept_id", g.keep.ID,
			)
			r.dropLocalDuplicate(ctx, rr.ID, stats)
		}
	}

	out := make([]model.RemoteRecord, 0, len(records)-len(removed))
	for _, rr := range records {
		if !removed[rr.ID] {
			out = append(out, rr)
		}
	}
	return out
}

func (r *Reconciler) dropLocalDuplicate(ctx context.Context, id string, stats *Stats) {
	local, err := r.store.Get(ctx, id)
	if err != nil {
		r.log.Error("reading local duplicate", "id", id, "error", err)
		stats.Errors++
		return
	}
	if local == nil || local.SyncStatus != model.StatusSynced {
		return
	}
	if err := r.store.HardDelete(ctx, id); err != nil {
		r.log.Error("dropping local duplicate", "id", id, "error", err)
		stats.Errors++
	}
}
