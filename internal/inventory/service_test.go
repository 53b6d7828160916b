package inventory_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njoerd114/shelfsync/internal/inventory"
	"github.com/njoerd114/shelfsync/internal/model"
	"github.com/njoerd114/shelfsync/internal/state"
)

func newService(t *testing.T) (*inventory.Service, *state.Store) {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "inventory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return inventory.NewService(store, slog.New(slog.DiscardHandler)), store
}

func draft(name string, qty int, price string, loc model.Location) model.Draft {
	return model.Draft{ItemName: name, Quantity: qty, Price: decimal.RequireFromString(price), Location: loc}
}

func TestAdd_NormalizesAndAssignsTemporaryID(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	r, err := svc.Add(ctx, draft("  Oil Filter ", 3, "9.99", model.LocationCStore))
	require.NoError(t, err)
	assert.True(t, r.IsTemporary())
	assert.Equal(t, "Oil Filter", r.ItemName)
	assert.Equal(t, model.StatusPending, r.SyncStatus)
	assert.False(t, r.LastUpdated.IsZero())

	pending, err := svc.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, r.ID, pending[0].ID)
}

func TestAdd_RejectsInvalidDraft(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Add(ctx, draft("   ", 1, "1", model.LocationCStore))
	assert.Error(t, err)
	_, err = svc.Add(ctx, draft("x", -1, "1", model.LocationCStore))
	assert.Error(t, err)
	_, err = svc.Add(ctx, draft("x", 1, "-0.01", model.LocationCStore))
	assert.Error(t, err)
	_, err = svc.Add(ctx, draft("x", 1, "1", "Garage"))
	assert.Error(t, err)

	active, err := svc.Active(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestDelete_TemporaryIsDroppedImmediately(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	r, err := svc.Add(ctx, draft("Oops", 1, "1", model.LocationCStore))
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, r.ID))

	got, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Nil(t, got, "temporary record must be hard-deleted")
}

func TestDelete_CanonicalIsTombstonedAndRestorable(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &model.Record{
		ID: "srv-1", ItemName: "Napkins", Quantity: 40, Price: decimal.RequireFromString("2.5"),
		Location: model.LocationRestaurant, SyncStatus: model.StatusSynced,
	}))

	require.NoError(t, svc.Delete(ctx, "srv-1"))
	got, err := svc.Get(ctx, "srv-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.IsDeleted)
	assert.Equal(t, model.StatusPending, got.SyncStatus)

	pending, err := svc.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].IsDeleted)

	restored, err := svc.Restore(ctx, "srv-1")
	require.NoError(t, err)
	assert.False(t, restored.IsDeleted)
	assert.Equal(t, model.StatusPending, restored.SyncStatus)
}

func TestDelete_Missing(t *testing.T) {
	svc, _ := newService(t)
	assert.ErrorIs(t, svc.Delete(context.Background(), "nope"), state.ErrNotFound)
}

func TestEdit_ConflictMustBeResolvedFirst(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &model.Record{
		ID: "srv-1", ItemName: "Cups", Quantity: 10, Location: model.LocationRestaurant,
		SyncStatus: model.StatusSynced,
	}))
	require.NoError(t, store.MarkConflict(ctx, "srv-1", model.RemoteRecord{
		ID: "srv-1", ItemName: "Cups", Quantity: 12, Location: model.LocationRestaurant,
	}))

	_, err := svc.Edit(ctx, "srv-1", model.SetQuantity(3))
	assert.ErrorIs(t, err, state.ErrUnresolvedConflict)

	conflicts, err := svc.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	r, err := svc.UseRemote(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, 12, r.Quantity)

	r, err = svc.Edit(ctx, "srv-1", model.SetQuantity(3))
	require.NoError(t, err)
	assert.Equal(t, 3, r.Quantity)

	_, err = svc.KeepLocal(ctx, "srv-1")
	assert.ErrorIs(t, err, state.ErrNotInConflict)
}

func TestTotalsAndLowStock(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Add(ctx, draft("Oil Filter", 3, "9.99", model.LocationCStore))
	require.NoError(t, err)
	_, err = svc.Add(ctx, draft("Wipers", 10, "14.00", model.LocationCStore))
	require.NoError(t, err)
	_, err = svc.Add(ctx, draft("Napkins", 2, "2.50", model.LocationRestaurant))
	require.NoError(t, err)
	gone, err := svc.Add(ctx, draft("Gone", 1, "100", model.LocationRestaurant))
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, gone.ID))

	totals, err := svc.Totals(ctx)
	require.NoError(t, err)
	assert.True(t, totals.ByLocation[model.LocationCStore].Value.Equal(decimal.RequireFromString("169.97")))
	assert.Equal(t, 2, totals.ByLocation[model.LocationCStore].Items)
	assert.True(t, totals.ByLocation[model.LocationRestaurant].Value.Equal(decimal.RequireFromString("5")))
	assert.True(t, totals.Overall.Equal(decimal.RequireFromString("174.97")))

	low, err := svc.LowStock(ctx, -1)
	require.NoError(t, err)
	require.Len(t, low, 2)
	assert.Equal(t, "Napkins", low[0].ItemName)
	assert.Equal(t, "Oil Filter", low[1].ItemName)

	counts, err := svc.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts["pending"])
}
