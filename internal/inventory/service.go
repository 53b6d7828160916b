// Package inventory is the local operations surface used by the CLI: adding,
// editing and deleting records offline, listing them, resolving conflicts,
// and reporting totals. It never talks to the network; the sync engine picks
// the changes up on its next run.
package inventory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/njoerd114/shelfsync/internal/model"
	"github.com/njoerd114/shelfsync/internal/state"
)

// DefaultLowStockThreshold is the quantity at or below which a record is
// reported as low on stock.
const DefaultLowStockThreshold = 5

// Store is the subset of [state.Store] the service needs.
type Store interface {
	Get(ctx context.Context, id string) (*model.Record, error)
	ListActive(ctx context.Context) ([]*model.Record, error)
	ListPending(ctx context.Context) ([]*model.Record, error)
	ListPendingTombstones(ctx context.Context) ([]*model.Record, error)
	ListConflicts(ctx context.Context) ([]*model.Record, error)
	CountByStatus(ctx context.Context) (map[string]int, error)

	Upsert(ctx context.Context, r *model.Record) error
	Patch(ctx context.Context, id string, p model.Patch) (*model.Record, error)
	Tombstone(ctx context.Context, id string) (*model.Record, error)
	Restore(ctx context.Context, id string) (*model.Record, error)
	HardDelete(ctx context.Context, id string) error
	ResolveKeepLocal(ctx context.Context, id string) (*model.Record, error)
	ResolveUseRemote(ctx context.Context, id string) (*model.Record, error)
}

// Service applies user actions to the local store.
type Service struct {
	store Store
	log   *slog.Logger
}

// NewService creates a Service backed by store.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, log: logger}
}

// Add normalizes the draft and stores it under a fresh temporary id as
// pending.
func (s *Service) Add(ctx context.Context, d model.Draft) (*model.Record, error) {
	r, err := d.Normalize()
	if err != nil {
		return nil, fmt.Errorf("invalid record: %w", err)
	}
	r.ID = model.NewTemporaryID()
	if err := s.store.Upsert(ctx, r); err != nil {
		return nil, err
	}
	s.log.Debug("record added", "id", r.ID, "item", r.ItemName, "location", r.Location)
	return r, nil
}

// Edit applies one field change. Records in conflict are rejected with
// [state.ErrUnresolvedConflict].
func (s *Service) Edit(ctx context.Context, id string, p model.Patch) (*model.Record, error) {
	r, err := s.store.Patch(ctx, id, p)
	if err != nil {
		return nil, err
	}
	s.log.Debug("record edited", "id", id, "field", p.Field.String())
	return r, nil
}

// Delete removes a record. A record the server has never seen is dropped
// immediately; anything else is tombstoned until the server acknowledges the
// delete.
func (s *Service) Delete(ctx context.Context, id string) error {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if r == nil || (r.IsDeleted && r.IsTemporary()) {
		return fmt.Errorf("record %s: %w", id, state.ErrNotFound)
	}

	if r.IsTemporary() {
		if err := s.store.HardDelete(ctx, id); err != nil {
			return err
		}
		s.log.Debug("unsynced record dropped", "id", id)
		return nil
	}
	if _, err := s.store.Tombstone(ctx, id); err != nil {
		return err
	}
	s.log.Debug("record tombstoned", "id", id)
	return nil
}

// Restore undoes a delete that has not been purged yet.
func (s *Service) Restore(ctx context.Context, id string) (*model.Record, error) {
	return s.store.Restore(ctx, id)
}

// Get returns the record with the given id, or (nil, nil) if it does not
// exist.
func (s *Service) Get(ctx context.Context, id string) (*model.Record, error) {
	return s.store.Get(ctx, id)
}

// Active lists records that are not deleted, conflicts included.
func (s *Service) Active(ctx context.Context) ([]*model.Record, error) {
	return s.store.ListActive(ctx)
}

// Pending lists local changes the server has not seen yet: edits first, then
// deletes.
func (s *Service) Pending(ctx context.Context) ([]*model.Record, error) {
	edits, err := s.store.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	deletes, err := s.store.ListPendingTombstones(ctx)
	if err != nil {
		return nil, err
	}
	return append(edits, deletes...), nil
}

// Conflicts lists records awaiting resolution.
func (s *Service) Conflicts(ctx context.Context) ([]*model.Record, error) {
	return s.store.ListConflicts(ctx)
}

// KeepLocal resolves a conflict in favour of this device's copy.
func (s *Service) KeepLocal(ctx context.Context, id string) (*model.Record, error) {
	r, err := s.store.ResolveKeepLocal(ctx, id)
	if err != nil {
		return nil, err
	}
	s.log.Info("conflict resolved", "id", id, "kept", "local")
	return r, nil
}

// UseRemote resolves a conflict in favour of the server's copy.
func (s *Service) UseRemote(ctx context.Context, id string) (*model.Record, error) {
	r, err := s.store.ResolveUseRemote(ctx, id)
	if err != nil {
		return nil, err
	}
	s.log.Info("conflict resolved", "id", id, "kept", "remote")
	return r, nil
}

// Totals returns per-location and overall inventory value.
func (s *Service) Totals(ctx context.Context) (model.Totals, error) {
	active, err := s.store.ListActive(ctx)
	if err != nil {
		return model.Totals{}, err
	}
	return model.ComputeTotals(active), nil
}

// LowStock lists active records with quantity at or below threshold. A
// negative threshold falls back to [DefaultLowStockThreshold].
func (s *Service) LowStock(ctx context.Context, threshold int) ([]*model.Record, error) {
	if threshold < 0 {
		threshold = DefaultLowStockThreshold
	}
	active, err := s.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	return model.LowStock(active, threshold), nil
}

// StatusCounts returns the number of records per sync status, with tombstones
// counted under "deleted".
func (s *Service) StatusCounts(ctx context.Context) (map[string]int, error) {
	return s.store.CountByStatus(ctx)
}
