// Package sync implements the local-first reconciliation engine for
// shelfsync. It pushes pending local mutations to the Remote Inventory
// Service, pulls the server's records back, surfaces conflicts for a human to
// resolve, removes duplicates created concurrently by offline devices, and
// promotes locally created records to their server-issued ids.
//
// The package contains two main components:
//
//   - [Reconciler] runs one multi-phase pass.
//   - [Engine] guards passes with a single-flight group and runs the
//     polling loop.
package sync

import (
	"context"

	"github.com/njoerd114/shelfsync/internal/model"
)

// RemoteInventory provides access to the server's copy of the inventory.
// Implemented by [remote.Client].
//
// Update reports a missing record with [remote.ErrNotFound] and a newer server
// copy with a [*remote.ConflictError]. Delete reports a missing record with
// [remote.ErrNotFound].
type RemoteInventory interface {
	List(ctx context.Context) ([]model.RemoteRecord, error)
	Create(ctx context.Context, rr model.RemoteRecord) (model.RemoteRecord, error)
	Update(ctx context.Context, rr model.RemoteRecord) (model.RemoteRecord, error)
	Delete(ctx context.Context, id string) error
}

// RecordStore provides access to the local record store.
// Implemented by [state.Store].
type RecordStore interface {
	Get(ctx context.Context, id string) (*model.Record, error)
	ListPending(ctx context.Context) ([]*model.Record, error)
	ListPendingTombstones(ctx context.Context) ([]*model.Record, error)
	ListSynced(ctx context.Context) ([]*model.Record, error)

	Upsert(ctx context.Context, r *model.Record) error
	HardDelete(ctx context.Context, id string) error
	MarkPending(ctx context.Context, id string) error
	AckPush(ctx context.Context, id string, pushed model.Record) (bool, error)
	MarkConflict(ctx context.Context, id string, server model.RemoteRecord) error
	Remap(ctx context.Context, oldID, newID string, server model.RemoteRecord) (*model.Record, error)
	MergeRemote(ctx context.Context, rr model.RemoteRecord) (bool, error)
	PurgeSyncedTombstones(ctx context.Context) (int, error)
}
