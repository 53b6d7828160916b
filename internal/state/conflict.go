package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/njoerd114/shelfsync/internal/model"
)

// MarkConflict moves a record into conflict and stores the server's copy next
// to the local one. The local fields are not touched.
func (s *Store) MarkConflict(ctx context.Context, id string, server model.RemoteRecord) error {
	_, err := s.update(ctx, id, func(r *model.Record) error {
		srv := server
		r.SyncStatus = model.StatusConflict
		r.ConflictServer = &srv
		return nil
	})
	return err
}

// ResolveKeepLocal settles a conflict in favour of the local copy. The
// snapshot is dropped, LastUpdated is bumped past both sides, and the record
// goes back to pending so the next push overwrites the server.
func (s *Store) ResolveKeepLocal(ctx context.Context, id string) (*model.Record, error) {
	return s.update(ctx, id, func(r *model.Record) error {
		if r.SyncStatus != model.StatusConflict {
			return ErrNotInConflict
		}
		prev := r.LastUpdated
		if r.ConflictServer != nil && r.ConflictServer.LastUpdated.After(prev) {
			prev = r.ConflictServer.LastUpdated
		}
		r.ConflictServer = nil
		r.SyncStatus = model.StatusPending
		r.LastUpdated = s.nextStamp(prev)
		return nil
	})
}

// ResolveUseRemote settles a conflict in favour of the server copy: the local
// business fields are overwritten from the snapshot, which is then dropped,
// and the record goes back to pending to confirm the merge with the server.
func (s *Store) ResolveUseRemote(ctx context.Context, id string) (*model.Record, error) {
	return s.update(ctx, id, func(r *model.Record) error {
		if r.SyncStatus != model.StatusConflict {
			return ErrNotInConflict
		}
		srv := r.ConflictServer
		if srv == nil {
			return fmt.Errorf("conflict on %s has no server snapshot: %w", r.ID, ErrNotInConflict)
		}
		r.ItemName = srv.ItemName
		r.Quantity = srv.Quantity
		r.Price = srv.Price
		r.Location = srv.Location
		r.ConflictServer = nil
		r.SyncStatus = model.StatusPending
		// The confirmation push must not lose against the copy it adopts.
		prev := r.LastUpdated
		if srv.LastUpdated.After(prev) {
			prev = srv.LastUpdated
		}
		r.LastUpdated = s.nextStamp(prev)
		return nil
	})
}

// snapshot is the JSON shape of a conflict snapshot in the conflict_server
// column.
type snapshot struct {
	ID          string          `json:"id"`
	ItemName    string          `json:"itemName"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Location    string          `json:"location"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

func encodeSnapshot(rr *model.RemoteRecord) string {
	if rr == nil {
		return ""
	}
	b, err := json.Marshal(snapshot{
		ID:          rr.ID,
		ItemName:    rr.ItemName,
		Quantity:    rr.Quantity,
		Price:       rr.Price,
		Location:    string(rr.Location),
		LastUpdated: rr.LastUpdated.UTC(),
	})
	if err != nil {
		// Every field marshals; this cannot happen.
		panic(fmt.Sprintf("encoding conflict snapshot: %v", err))
	}
	return string(b)
}

func decodeSnapshot(s string) (*model.RemoteRecord, error) {
	if s == "" {
		return nil, nil
	}
	var snap snapshot
	if err := json.Unmarshal([]byte(s), &snap); err != nil {
		return nil, fmt.Errorf("decoding conflict snapshot: %w", err)
	}
	return &model.RemoteRecord{
		ID:          snap.ID,
		ItemName:    snap.ItemName,
		Quantity:    snap.Quantity,
		Price:       snap.Price,
		Location:    model.Location(snap.Location),
		LastUpdated: snap.LastUpdated,
	}, nil
}
