package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/variant-inventory-sync/internal/model"
)

func TestReservationLedger_Append(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		r, err := f.ledger.Append(ctx, "p1", "v1", 1, 30*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "r-0001", r.ID)
		assert.Equal(t, model.ReservationActive, r.Status)
		assert.Equal(t, f.clock.Now(), r.ReservedAt)
		assert.Equal(t, f.clock.Now().Add(30*time.Minute), r.ExpiresAt)

		stored, ok := f.reservations.stored(r.ID)
		require.True(t, ok)
		assert.Equal(t, r, stored)
	})

	t.Run("Fail on zero quantity", func(t *testing.T) {
		_, err := f.ledger.Append(ctx, "p1", "v1", 0, time.Minute)
		assert.ErrorIs(t, err, ErrInvalidQuantity)
	})

	t.Run("Fail on store error", func(t *testing.T) {
		f.reservations.setFail(errors.New("io"))
		defer f.reservations.setFail(nil)

		_, err := f.ledger.Append(ctx, "p1", "v1", 1, time.Minute)
		require.Error(t, err)
		assert.True(t, IsPersistence(err))
		assert.Len(t, f.ledger.ListActiveEligible("p1", f.clock.Now()), 1)
	})
}

func TestReservationLedger_ListActiveEligibleOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.ledger.Append(ctx, "p1", "v1", 1, time.Hour)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	second, err := f.ledger.Append(ctx, "p1", "v2", 2, time.Minute)
	require.NoError(t, err)
	_, err = f.ledger.Append(ctx, "other", "v9", 1, time.Hour)
	require.NoError(t, err)

	list := f.ledger.ListActiveEligible("p1", f.clock.Now())
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)

	// expiry is exclusive: a hold is gone at its ExpiresAt
	list = f.ledger.ListActiveEligible("p1", second.ExpiresAt)
	require.Len(t, list, 1)
	assert.Equal(t, first.ID, list[0].ID)

	expired := f.ledger.ListExpired(second.ExpiresAt)
	require.Len(t, expired, 1)
	require.Len(t, expired["p1"], 1)
	assert.Equal(t, second.ID, expired["p1"][0].ID)
}

func TestReservationLedger_SameInstantTieBreaksByID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.ledger.Append(ctx, "p1", "v1", 1, time.Hour)
		require.NoError(t, err)
	}
	list := f.ledger.ListActiveEligible("p1", f.clock.Now())
	require.Len(t, list, 3)
	assert.Equal(t, []string{"r-0001", "r-0002", "r-0003"}, []string{list[0].ID, list[1].ID, list[2].ID})
}

func TestReservationLedger_Transition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, err := f.ledger.Append(ctx, "p1", "v1", 1, time.Hour)
	require.NoError(t, err)

	t.Run("Fail on non-terminal target", func(t *testing.T) {
		_, err := f.ledger.Transition(ctx, r.ID, model.ReservationActive, f.clock.Now())
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("Fail on unknown id", func(t *testing.T) {
		_, err := f.ledger.Transition(ctx, "missing", model.ReservationConsumed, f.clock.Now())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Store failure keeps the hold active", func(t *testing.T) {
		f.reservations.setFail(errors.New("io"))
		_, err := f.ledger.Transition(ctx, r.ID, model.ReservationConsumed, f.clock.Now())
		f.reservations.setFail(nil)
		require.Error(t, err)
		got, _ := f.ledger.Get(r.ID)
		assert.Equal(t, model.ReservationActive, got.Status)
	})

	t.Run("Consume stamps ConsumedAt", func(t *testing.T) {
		at := f.clock.Now().Add(time.Minute)
		got, err := f.ledger.Transition(ctx, r.ID, model.ReservationConsumed, at)
		require.NoError(t, err)
		assert.Equal(t, model.ReservationConsumed, got.Status)
		require.NotNil(t, got.ConsumedAt)
		assert.Equal(t, at, *got.ConsumedAt)
		assert.Nil(t, got.ReleasedAt)
		assert.Empty(t, f.ledger.ListActiveEligible("p1", f.clock.Now()))
	})

	t.Run("Terminal states are final", func(t *testing.T) {
		for _, s := range []model.ReservationStatus{model.ReservationConsumed, model.ReservationReleased, model.ReservationExpired} {
			_, err := f.ledger.Transition(ctx, r.ID, s, f.clock.Now())
			assert.ErrorIs(t, err, ErrInvalidTransition, "to %s", s)
		}
	})

	t.Run("Expire stamps ReleasedAt", func(t *testing.T) {
		other, err := f.ledger.Append(ctx, "p1", "v2", 1, time.Hour)
		require.NoError(t, err)
		got, err := f.ledger.Transition(ctx, other.ID, model.ReservationExpired, f.clock.Now())
		require.NoError(t, err)
		require.NotNil(t, got.ReleasedAt)
		assert.Nil(t, got.ConsumedAt)
	})
}

func TestReservationLedger_LoadRestoresRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.ledger.Append(ctx, "p1", "v1", 1, time.Hour)
	require.NoError(t, err)
	b, err := f.ledger.Append(ctx, "p1", "v2", 1, time.Hour)
	require.NoError(t, err)
	_, err = f.ledger.Transition(ctx, b.ID, model.ReservationReleased, f.clock.Now())
	require.NoError(t, err)

	restarted := NewReservationLedger(f.reservations, WithLedgerClock(f.clock.Now))
	require.NoError(t, restarted.Load(ctx))

	list := restarted.ListActiveEligible("p1", f.clock.Now())
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)
	got, ok := restarted.Get(b.ID)
	require.True(t, ok)
	assert.Equal(t, model.ReservationReleased, got.Status)
}

func TestReservationLedger_DefaultIDsAreUUIDs(t *testing.T) {
	l := NewReservationLedger(newMemReservationStore())
	r, err := l.Append(context.Background(), "p1", "v1", 1, time.Minute)
	require.NoError(t, err)
	assert.Len(t, r.ID, 36)
}

func TestReservationLedger_OrderSettlements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	hold, err := f.ledger.Append(ctx, "p1", "v1", 1, time.Hour)
	require.NoError(t, err)
	_, err = f.ledger.ConsumeFor(ctx, hold.ID, "o-1#0", f.clock.Now())
	require.NoError(t, err)

	direct, err := f.ledger.AppendSettlement(ctx, "p1", "v1", "o-1#0", 2)
	require.NoError(t, err)
	assert.True(t, direct.Direct)
	assert.True(t, direct.Pending())
	assert.Empty(t, f.ledger.ListActiveEligible("p1", f.clock.Now()))
	assert.Empty(t, f.ledger.ListExpired(f.clock.Now().Add(48*time.Hour)))

	_, err = f.ledger.AppendSettlement(ctx, "p1", "v1", "", 1)
	assert.Error(t, err)

	got := f.ledger.ListByOrder("o-1#0")
	require.Len(t, got, 2)
	assert.Equal(t, hold.ID, got[0].ID)
	assert.Equal(t, model.ReservationConsumed, got[0].Status)
	assert.Equal(t, direct.ID, got[1].ID)
	assert.Empty(t, f.ledger.ListByOrder(""))

	reloaded := NewReservationLedger(f.reservations)
	require.NoError(t, reloaded.Load(ctx))
	assert.Len(t, reloaded.ListByOrder("o-1#0"), 2)
}
