package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncEngine_SyncGroupInventory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedGroup(t, "p1", 2, "v1", "v2", "v3")

	res, err := f.engine.SyncGroupInventory(ctx, "item-v2", 5)
	require.NoError(t, err)

	assert.True(t, res.Grouped)
	assert.Equal(t, "p1", res.GroupID)
	assert.Equal(t, 5, res.SharedCount)
	assert.ElementsMatch(t, []string{"item-v1", "item-v2", "item-v3"}, res.Updated)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 5, f.count(t, "p1"))
	assert.Equal(t, []catalogWrite{
		{Item: "item-v1", Quantity: 5},
		{Item: "item-v2", Quantity: 5},
		{Item: "item-v3", Quantity: 5},
	}, f.catalog.takeWrites())
}

func TestSyncEngine_UngroupedItemIsNoop(t *testing.T) {
	f := newFixture(t)
	res, err := f.engine.SyncGroupInventory(context.Background(), "item-loose", 4)
	require.NoError(t, err)
	assert.False(t, res.Grouped)
	assert.Empty(t, f.catalog.takeWrites())
}

func TestSyncEngine_NegativeLevelClampsToZero(t *testing.T) {
	f := newFixture(t)
	f.seedGroup(t, "p1", 3, "v1", "v2")

	res, err := f.engine.SyncGroupInventory(context.Background(), "item-v1", -4)
	require.NoError(t, err)
	assert.Equal(t, 0, res.SharedCount)
	assert.Equal(t, 0, f.count(t, "p1"))
	for _, w := range f.catalog.takeWrites() {
		assert.Equal(t, 0, w.Quantity)
	}
}

func TestSyncEngine_PartialFanOutFailure(t *testing.T) {
	f := newFixture(t)
	f.seedGroup(t, "p1", 1, "v1", "v2", "v3")
	f.catalog.failItems["item-v2"] = errors.New("503 from catalog")

	res, err := f.engine.SyncGroupInventory(context.Background(), "item-v1", 8)
	require.NoError(t, err)

	assert.Equal(t, []string{"item-v2"}, res.Failed)
	assert.ElementsMatch(t, []string{"item-v1", "item-v3"}, res.Updated)
	assert.Equal(t, 8, f.count(t, "p1"))

	var warned bool
	for _, e := range f.logs.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["inventory_item_id"] == "item-v2" {
			warned = true
		}
	}
	assert.True(t, warned, "failed member should be logged")
}

func TestSyncEngine_SlowCatalogTimesOut(t *testing.T) {
	f := newFixture(t)
	f.seedGroup(t, "p1", 1, "v1", "v2")
	f.catalog.block["item-v1"] = true

	res, err := f.engine.SyncGroupInventory(context.Background(), "item-v2", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"item-v1"}, res.Failed)
	assert.Equal(t, []string{"item-v2"}, res.Updated)

	var timedOut bool
	for _, e := range f.logs.AllEntries() {
		if err, ok := e.Data[logrus.ErrorKey].(error); ok && errors.Is(err, ErrCollaboratorTimeout) {
			timedOut = true
		}
	}
	assert.True(t, timedOut)
}

func TestSyncEngine_CancelledCallerStillFansOut(t *testing.T) {
	f := newFixture(t)
	f.seedGroup(t, "p1", 1, "v1", "v2")

	ctx, cancel := context.WithCancel(context.Background())
	g, err := f.registry.SetSharedCount(ctx, "p1", 4)
	require.NoError(t, err)
	cancel()

	res := f.engine.fanOutLocked(ctx, g, CauseInventoryChanged)
	assert.Empty(t, res.Failed)
	assert.Len(t, f.catalog.takeWrites(), 2)
}

func TestSyncEngine_PersistenceFailureSkipsFanOut(t *testing.T) {
	f := newFixture(t)
	f.seedGroup(t, "p1", 6, "v1", "v2")
	f.groups.setFail(errors.New("disk full"))

	_, err := f.engine.SyncGroupInventory(context.Background(), "item-v1", 2)
	require.Error(t, err)
	assert.True(t, IsPersistence(err))
	assert.Equal(t, 6, f.count(t, "p1"))
	assert.Empty(t, f.catalog.takeWrites())
}

func TestSyncEngine_NotifiesListener(t *testing.T) {
	f := newFixture(t)
	n := &recordingNotifier{}
	engine := NewSyncEngine(f.registry, f.catalog, f.locks, WithNotifier(n), WithSyncClock(f.clock.Now))
	f.seedGroup(t, "p1", 0, "v1", "v2")
	f.catalog.failItems["item-v1"] = errors.New("boom")

	_, err := engine.SyncGroupInventory(context.Background(), "item-v2", 9)
	require.NoError(t, err)

	require.Len(t, n.events, 1)
	ev := n.events[0]
	assert.Equal(t, "p1", ev.GroupID)
	assert.Equal(t, 9, ev.SharedCount)
	assert.Equal(t, CauseInventoryChanged, ev.Cause)
	assert.Equal(t, []string{"item-v1"}, ev.Failed)
	assert.ElementsMatch(t, []string{"item-v1", "item-v2"}, ev.Items)
	assert.Equal(t, "2026-03-01T12:00:00Z", ev.SyncedAt)
}

func TestSyncEngine_FollowsMovedItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedGroup(t, "A", 4, "v1", "v2")
	f.seedGroup(t, "B", 4, "v3", "v4")

	unlockA := f.locks.Lock("A")
	done := make(chan SyncResult, 1)
	go func() {
		res, _ := f.engine.SyncGroupInventory(ctx, "item-v1", 7)
		done <- res
	}()
	require.Eventually(t, func() bool { return f.locks.refs("A") == 2 }, time.Second, time.Millisecond)

	unlockB := f.locks.Lock("B")
	require.NoError(t, f.registry.UpsertGroup(ctx, "B", "Group B", members("v1", "v3", "v4")))
	unlockA()

	require.Eventually(t, func() bool { return f.locks.refs("B") == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 4, f.count(t, "B"))

	unlockB()
	res := <-done
	assert.Equal(t, "B", res.GroupID)
	assert.Equal(t, 7, f.count(t, "B"))
}
