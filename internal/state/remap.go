package state

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/njoerd114/shelfsync/internal/model"
)

// Remap swaps oldID for the canonical newID once the server has acknowledged a
// create. The row under oldID is removed and a synced row under newID is
// written with the server's fields, all in one transaction. Any row a pull
// already wrote under newID is replaced, so there is never a moment with two
// copies of the item or with none. If the local row is newer than the server's
// copy, its fields are kept and it stays pending under newID.
//
// Returns [ErrNotFound] if oldID no longer exists (for example it was deleted
// while the create was in flight).
func (s *Store) Remap(ctx context.Context, oldID, newID string, server model.RemoteRecord) (*model.Record, error) {
	if newID == "" {
		return nil, fmt.Errorf("remapping %s: empty canonical id", oldID)
	}

	var out *model.Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		old, err := scanRecord(tx.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, oldID))
		if err != nil {
			return err
		}
		if old == nil {
			return ErrNotFound
		}

		next := old.Clone()
		next.ID = newID
		next.ConflictServer = nil
		if !server.LastUpdated.IsZero() && old.LastUpdated.After(server.LastUpdated) {
			// Edited locally while the create was in flight: keep the local
			// fields and push them as an update next run.
			next.SyncStatus = model.StatusPending
		} else {
			next.ItemName = server.ItemName
			next.Quantity = server.Quantity
			next.Price = server.Price
			next.Location = server.Location
			next.SyncStatus = model.StatusSynced
			next.SyncedAt = s.now().UTC()
			if server.LastUpdated.IsZero() {
				next.LastUpdated = s.nextStamp(old.LastUpdated)
			} else {
				next.LastUpdated = server.LastUpdated
			}
		}

		if oldID != newID {
			if err := exec(ctx, tx, `DELETE FROM inventory WHERE id = ?`, oldID); err != nil {
				return err
			}
		}
		if err := exec(ctx, tx, upsertSQL, recordArgs(next)...); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("remapping %s to %s: %w", oldID, newID, err)
	}
	return out, nil
}
