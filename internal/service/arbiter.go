package service

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/variant-inventory-sync/internal/model"
)

// DefaultReservationTTL is how long a cart-add hold lives.
const DefaultReservationTTL = 30 * time.Minute

// ReserveResult is the outcome of a successful hold.
type ReserveResult struct {
	GroupID       string     `json:"group_id"`
	ReservationID string     `json:"reservation_id"`
	Remaining     int        `json:"remaining"`
	Sync          SyncResult `json:"sync"`
}

// ArbiterOption customizes an Arbiter.
type ArbiterOption func(*Arbiter)

// WithReservationTTL sets the lifetime of new holds.
func WithReservationTTL(d time.Duration) ArbiterOption {
	return func(a *Arbiter) {
		if d > 0 {
			a.ttl = d
		}
	}
}

// WithArbiterLogger sets the arbiter logger.
func WithArbiterLogger(log logrus.FieldLogger) ArbiterOption {
	return func(a *Arbiter) {
		if log != nil {
			a.log = log
		}
	}
}

// Arbiter decides holds, consumptions, releases and expiries.  Every
// operation on a group runs inside that group's critical section, so the
// availability check and the decrement can never interleave with another
// hold, a sweep or a sync of the same group.
type Arbiter struct {
	registry *GroupRegistry
	ledger   *ReservationLedger
	engine   *SyncEngine
	locks    *GroupLocks
	ttl      time.Duration
	log      logrus.FieldLogger
}

// NewArbiter wires an arbiter.  engine and the arbiter must share locks.
func NewArbiter(registry *GroupRegistry, ledger *ReservationLedger, engine *SyncEngine, locks *GroupLocks, opts ...ArbiterOption) *Arbiter {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	a := &Arbiter{
		registry: registry,
		ledger:   ledger,
		engine:   engine,
		locks:    locks,
		ttl:      DefaultReservationTTL,
		log:      discard,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// TryReserve places a one-unit hold for variantID against its group.
// ErrNotGrouped means nothing needs holding; ErrOutOfStock means the group
// is exhausted.  The reservation and the decrement succeed or fail
// together.
func (a *Arbiter) TryReserve(ctx context.Context, variantID string) (ReserveResult, error) {
	g, unlock, ok, err := a.locks.lockOwner(func() (model.ProductGroup, bool) {
		return a.registry.FindByVariant(variantID)
	})
	if err != nil {
		return ReserveResult{}, errors.Wrapf(err, "variant %s", variantID)
	}
	if !ok {
		return ReserveResult{}, errors.Wrapf(ErrNotGrouped, "variant %s", variantID)
	}
	defer unlock()

	swept := a.sweepLocked(ctx, g.ID)

	g, _ = a.registry.Get(g.ID)
	if g.SharedCount <= 0 {
		return ReserveResult{}, errors.Wrapf(ErrOutOfStock, "group %s", g.ID)
	}

	r, err := a.ledger.Append(ctx, g.ID, variantID, 1, a.ttl)
	if err != nil {
		a.flushLocked(ctx, g.ID, swept)
		return ReserveResult{}, err
	}

	updated, err := a.engine.applyLocked(ctx, g.ID, g.SharedCount-r.Quantity)
	if err != nil {
		if _, rbErr := a.ledger.Transition(ctx, r.ID, model.ReservationReleased, a.ledger.Now()); rbErr != nil {
			a.log.WithError(rbErr).WithFields(logrus.Fields{
				"group_id":       g.ID,
				"reservation_id": r.ID,
			}).Error("CRITICAL: rollback of reservation failed; hold will return its unit on expiry")
		}
		a.flushLocked(ctx, g.ID, swept)
		return ReserveResult{}, err
	}

	res := a.engine.fanOutLocked(ctx, updated, CauseReserved)
	a.log.WithFields(logrus.Fields{
		"group_id":       g.ID,
		"variant_id":     variantID,
		"reservation_id": r.ID,
		"remaining":      updated.SharedCount,
	}).Info("hold placed")
	return ReserveResult{
		GroupID:       g.ID,
		ReservationID: r.ID,
		Remaining:     updated.SharedCount,
		Sync:          res,
	}, nil
}

// Consume marks up to confirmedQuantity units of the group's eligible holds
// as consumed, oldest first.  Holds are never split: a hold larger than the
// remaining need is consumed whole, so the returned amount may exceed the
// request by less than one hold's quantity.  The shared count is left alone;
// units that had no hold are the caller's business.
func (a *Arbiter) Consume(ctx context.Context, groupID string, confirmedQuantity int) (int, error) {
	if confirmedQuantity < 1 {
		return 0, errors.Wrapf(ErrInvalidQuantity, "consume %d", confirmedQuantity)
	}
	unlock := a.locks.Lock(groupID)
	defer unlock()

	swept := a.sweepLocked(ctx, groupID)
	defer a.flushLocked(ctx, groupID, swept)
	return a.consumeLocked(ctx, groupID, confirmedQuantity, "", a.ledger.Now())
}

func (a *Arbiter) consumeLocked(ctx context.Context, groupID string, need int, orderRef string, now time.Time) (int, error) {
	consumed := 0
	for _, r := range a.ledger.ListActiveEligible(groupID, now) {
		if consumed >= need {
			break
		}
		if _, err := a.ledger.ConsumeFor(ctx, r.ID, orderRef, now); err != nil {
			a.logTransitionErr(err, r)
			return consumed, err
		}
		consumed += r.Quantity
	}
	return consumed, nil
}

// Settlement is how one order line was settled.
type Settlement struct {
	Consumed   int
	Unreserved int
	Replayed   bool
	Sync       *SyncResult
}

// Settle settles quantity confirmed units of one order line.  Holds are
// consumed as in Consume; the units left over had no hold and come off the
// shared count when deduct is set.  With an orderRef every step is recorded
// against it, so settling the same line again only finishes what an earlier
// failed attempt left undone and never takes units twice.
func (a *Arbiter) Settle(ctx context.Context, groupID, variantID, orderRef string, quantity int, deduct bool) (Settlement, error) {
	if quantity < 1 {
		return Settlement{}, errors.Wrapf(ErrInvalidQuantity, "settle %d", quantity)
	}
	unlock := a.locks.Lock(groupID)
	defer unlock()

	var out Settlement
	swept := a.sweepLocked(ctx, groupID)
	defer func() {
		if out.Sync == nil {
			a.flushLocked(ctx, groupID, swept)
		}
	}()
	now := a.ledger.Now()

	for _, r := range a.ledger.ListByOrder(orderRef) {
		switch {
		case r.Pending():
			if _, err := a.ledger.Transition(ctx, r.ID, model.ReservationConsumed, now); err != nil {
				a.logTransitionErr(err, r)
				return out, err
			}
		case r.Status != model.ReservationConsumed:
			continue
		}
		out.Replayed = true
		if r.Direct {
			out.Unreserved += r.Quantity
		} else {
			out.Consumed += r.Quantity
		}
	}

	need := quantity - out.Consumed - out.Unreserved
	consumed, err := a.consumeLocked(ctx, groupID, need, orderRef, now)
	out.Consumed += consumed
	need -= consumed
	if err != nil || need <= 0 {
		return out, err
	}

	res, err := a.settleUnreservedLocked(ctx, groupID, variantID, orderRef, need, deduct, now)
	out.Sync = res
	if err != nil {
		return out, err
	}
	out.Unreserved += need
	return out, nil
}

// settleUnreservedLocked records quantity units that had no hold and, when
// deduct is set, takes them off the count.  The record is written pending
// before the count changes and marked consumed after, so a retry can tell
// whether the deduction happened.
func (a *Arbiter) settleUnreservedLocked(ctx context.Context, groupID, variantID, orderRef string, quantity int, deduct bool, now time.Time) (*SyncResult, error) {
	var rec model.Reservation
	if orderRef != "" {
		r, err := a.ledger.AppendSettlement(ctx, groupID, variantID, orderRef, quantity)
		if err != nil {
			return nil, err
		}
		rec = r
	}

	var res *SyncResult
	if g, ok := a.registry.Get(groupID); ok && deduct {
		updated, err := a.engine.applyLocked(ctx, groupID, g.SharedCount-quantity)
		if err != nil {
			if rec.ID != "" {
				if _, rbErr := a.ledger.Transition(ctx, rec.ID, model.ReservationReleased, now); rbErr != nil {
					a.log.WithError(rbErr).WithFields(logrus.Fields{
						"group_id":       groupID,
						"reservation_id": rec.ID,
						"order_ref":      orderRef,
					}).Error("CRITICAL: rollback of settlement failed; a retry will skip the deduction")
				}
			}
			return nil, err
		}
		synced := a.engine.fanOutLocked(ctx, updated, CauseDirectPurchase)
		res = &synced
	}

	if rec.ID != "" {
		if _, err := a.ledger.Transition(ctx, rec.ID, model.ReservationConsumed, now); err != nil {
			a.logTransitionErr(err, rec)
			return res, err
		}
	}
	return res, nil
}

// Release returns quantity units to the group, as on an order cancellation.
// No particular reservation is reversed.
func (a *Arbiter) Release(ctx context.Context, groupID string, quantity int) (SyncResult, error) {
	if quantity < 1 {
		return SyncResult{}, errors.Wrapf(ErrInvalidQuantity, "release %d", quantity)
	}
	return a.adjust(ctx, groupID, quantity, CauseReleased)
}

func (a *Arbiter) adjust(ctx context.Context, groupID string, delta int, cause string) (SyncResult, error) {
	unlock := a.locks.Lock(groupID)
	defer unlock()

	g, ok := a.registry.Get(groupID)
	if !ok {
		return SyncResult{}, errors.Wrapf(ErrNotFound, "group %s", groupID)
	}
	return a.engine.commitLocked(ctx, groupID, g.SharedCount+delta, cause)
}

// ExpireStale expires every active hold whose expiry is at or before at and
// gives its units back to the group, fanning out once per touched group.
// Running it twice is harmless.  It returns the number of holds expired.
func (a *Arbiter) ExpireStale(ctx context.Context, at time.Time) (int, error) {
	byGroup := a.ledger.ListExpired(at)
	groupIDs := make([]string, 0, len(byGroup))
	for id := range byGroup {
		groupIDs = append(groupIDs, id)
	}
	sort.Strings(groupIDs)

	total := 0
	var firstErr error
	for _, groupID := range groupIDs {
		n, err := a.expireGroup(ctx, groupID, at)
		total += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return total, firstErr
}

func (a *Arbiter) expireGroup(ctx context.Context, groupID string, at time.Time) (int, error) {
	unlock := a.locks.Lock(groupID)
	defer unlock()
	n, units, err := a.expireGroupLocked(ctx, groupID, at)
	a.flushLocked(ctx, groupID, units)
	return n, err
}

// expireGroupLocked expires the group's overdue holds one by one.  For each
// hold the count is raised first and lowered back if the status change
// cannot be stored, so a unit is never lost between the two writes.  Holds
// of groups that no longer exist are expired without a count change.
func (a *Arbiter) expireGroupLocked(ctx context.Context, groupID string, at time.Time) (expired, units int, err error) {
	for _, r := range a.ledger.listExpiredForGroup(groupID, at) {
		g, grouped := a.registry.Get(groupID)
		if grouped {
			if _, err := a.engine.applyLocked(ctx, groupID, g.SharedCount+r.Quantity); err != nil {
				return expired, units, err
			}
		}
		if _, err := a.ledger.Transition(ctx, r.ID, model.ReservationExpired, at); err != nil {
			a.logTransitionErr(err, r)
			if grouped {
				if _, rbErr := a.engine.applyLocked(ctx, groupID, g.SharedCount); rbErr != nil {
					a.log.WithError(rbErr).WithField("group_id", groupID).
						Error("CRITICAL: could not undo count raise for unexpired hold")
				}
			}
			return expired, units, err
		}
		expired++
		if grouped {
			units += r.Quantity
		}
		a.log.WithFields(logrus.Fields{
			"group_id":       groupID,
			"reservation_id": r.ID,
			"quantity":       r.Quantity,
		}).Info("hold expired")
	}
	return expired, units, nil
}

// sweepLocked is the lazy expiry run before holds and consumptions.  A
// failing sweep does not block the operation that triggered it.
func (a *Arbiter) sweepLocked(ctx context.Context, groupID string) int {
	_, units, err := a.expireGroupLocked(ctx, groupID, a.ledger.Now())
	if err != nil {
		a.log.WithError(err).WithField("group_id", groupID).Warn("lazy expiry sweep failed")
	}
	return units
}

// flushLocked fans out the current count when a sweep changed it and the
// operation that followed did not fan out itself.
func (a *Arbiter) flushLocked(ctx context.Context, groupID string, units int) {
	if units == 0 {
		return
	}
	if g, ok := a.registry.Get(groupID); ok {
		a.engine.fanOutLocked(ctx, g, CauseExpired)
	}
}

func (a *Arbiter) logTransitionErr(err error, r model.Reservation) {
	entry := a.log.WithError(err).WithFields(logrus.Fields{
		"group_id":       r.GroupID,
		"reservation_id": r.ID,
	})
	if errors.Is(err, ErrInvalidTransition) {
		entry.Error("reservation transition rejected")
		return
	}
	entry.Warn("reservation transition failed")
}
