package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/variant-inventory-sync/internal/model"
)

func sampleGroup(id string, count int) model.ProductGroup {
	return model.ProductGroup{
		ID:    id,
		Title: "Group " + id,
		Members: []model.Member{
			{VariantID: id + "-v1", InventoryItemID: id + "-i1"},
			{VariantID: id + "-v2", InventoryItemID: id + "-i2"},
		},
		SharedCount: count,
		UpdatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestGroupFileStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewGroupFileStore(dir)
	require.NoError(t, err)

	groups, err := store.LoadGroups(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)

	require.NoError(t, store.UpsertGroup(ctx, sampleGroup("b", 1)))
	require.NoError(t, store.UpsertGroup(ctx, sampleGroup("a", 2)))
	require.NoError(t, store.UpdateSharedCount(ctx, "a", 7))
	require.NoError(t, store.DeleteGroup(ctx, "b"))
	require.NoError(t, store.DeleteGroup(ctx, "missing"))

	reopened, err := NewGroupFileStore(dir)
	require.NoError(t, err)
	groups, err = reopened.LoadGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)

	want := sampleGroup("a", 7)
	assert.Equal(t, want, groups[0])
}

func TestGroupFileStore_UpdateUnknownGroup(t *testing.T) {
	store, err := NewGroupFileStore(t.TempDir())
	require.NoError(t, err)

	err = store.UpdateSharedCount(context.Background(), "nope", 3)
	assert.ErrorIs(t, err, ErrGroupNotStored)
}

func TestGroupFileStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, groupsFile), []byte("{not json"), 0o644))

	store, err := NewGroupFileStore(dir)
	require.NoError(t, err)
	_, err = store.LoadGroups(context.Background())
	assert.ErrorIs(t, err, ErrCorruptFile)

	b, err := os.ReadFile(filepath.Join(dir, groupsFile))
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(b))
}

func TestGroupFileStore_FailedWriteKeepsState(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	store, err := NewGroupFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.UpsertGroup(ctx, sampleGroup("a", 1)))

	// a non-empty directory in place of the data file makes the rename fail
	require.NoError(t, os.Remove(filepath.Join(dir, groupsFile)))
	require.NoError(t, os.Mkdir(filepath.Join(dir, groupsFile), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, groupsFile, "keep"), nil, 0o644))

	err = store.UpdateSharedCount(ctx, "a", 5)
	require.Error(t, err)

	groups, err := store.LoadGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 1, groups[0].SharedCount)
}

func TestReservationFileStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	store, err := NewReservationFileStore(dir)
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := model.Reservation{
		ID: "r2", GroupID: "g", VariantID: "v1", Quantity: 1,
		Status: model.ReservationActive, ReservedAt: base.Add(time.Second), ExpiresAt: base.Add(time.Hour),
	}
	earlier := model.Reservation{
		ID: "r1", GroupID: "g", VariantID: "v2", Quantity: 2,
		Status: model.ReservationActive, ReservedAt: base, ExpiresAt: base.Add(time.Hour),
	}
	require.NoError(t, store.UpsertReservation(ctx, later))
	require.NoError(t, store.UpsertReservation(ctx, earlier))

	consumedAt := base.Add(time.Minute)
	earlier.Status = model.ReservationConsumed
	earlier.ConsumedAt = &consumedAt
	earlier.OrderRef = "o-1#0"
	require.NoError(t, store.UpsertReservation(ctx, earlier))

	reopened, err := NewReservationFileStore(dir)
	require.NoError(t, err)
	records, err := reopened.LoadReservations(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "r1", records[0].ID)
	assert.Equal(t, model.ReservationConsumed, records[0].Status)
	require.NotNil(t, records[0].ConsumedAt)
	assert.True(t, consumedAt.Equal(*records[0].ConsumedAt))
	assert.Equal(t, "o-1#0", records[0].OrderRef)
	assert.Equal(t, "r2", records[1].ID)
	assert.Nil(t, records[1].ReleasedAt)
}

func TestNewFileStore_CreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	_, err := NewReservationFileStore(dir)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
