package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/iliyamo/variant-inventory-sync/internal/model"
)

// LedgerOption customizes ReservationLedger construction.
type LedgerOption func(*ReservationLedger)

// WithLedgerClock replaces the wall clock used to stamp reservations.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *ReservationLedger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithIDGenerator replaces the reservation id generator.
func WithIDGenerator(fn func() (string, error)) LedgerOption {
	return func(l *ReservationLedger) {
		if fn != nil {
			l.newID = fn
		}
	}
}

// ReservationLedger records holds against groups.  Records are written to
// the store before they become visible in memory and are never removed;
// terminal records simply drop out of eligibility scans.
//
// Mutations of reservations belonging to one group must be serialized by the
// caller; the ledger mutex guards memory only.
type ReservationLedger struct {
	mu      sync.RWMutex
	byID    map[string]model.Reservation
	byGroup map[string][]string
	byOrder map[string][]string

	store ReservationStore
	now   func() time.Time
	newID func() (string, error)
}

// NewReservationLedger returns an empty ledger backed by store.
func NewReservationLedger(store ReservationStore, opts ...LedgerOption) *ReservationLedger {
	l := &ReservationLedger{
		byID:    make(map[string]model.Reservation),
		byGroup: make(map[string][]string),
		byOrder: make(map[string][]string),
		store:   store,
		now:     func() time.Time { return time.Now().UTC() },
		newID: func() (string, error) {
			id, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now reads the ledger clock.
func (l *ReservationLedger) Now() time.Time { return l.now() }

// Load replaces the in-memory state with every stored reservation.
func (l *ReservationLedger) Load(ctx context.Context) error {
	records, err := l.store.LoadReservations(ctx)
	if err != nil {
		return errors.Wrap(err, "load reservations")
	}
	sort.Slice(records, func(i, j int) bool { return reservedBefore(records[i], records[j]) })
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byID = make(map[string]model.Reservation, len(records))
	l.byGroup = make(map[string][]string)
	l.byOrder = make(map[string][]string)
	for _, r := range records {
		l.byID[r.ID] = r
		l.byGroup[r.GroupID] = append(l.byGroup[r.GroupID], r.ID)
		if r.OrderRef != "" {
			l.byOrder[r.OrderRef] = append(l.byOrder[r.OrderRef], r.ID)
		}
	}
	return nil
}

// Append creates an active reservation expiring ttl from now.  Capacity is
// not checked here; that is the arbiter's job.
func (l *ReservationLedger) Append(ctx context.Context, groupID, variantID string, quantity int, ttl time.Duration) (model.Reservation, error) {
	if quantity < 1 {
		return model.Reservation{}, errors.Wrapf(ErrInvalidQuantity, "reserve %d", quantity)
	}
	now := l.now().UTC()
	return l.insert(ctx, model.Reservation{
		GroupID:    groupID,
		VariantID:  variantID,
		Quantity:   quantity,
		Status:     model.ReservationActive,
		ReservedAt: now,
		ExpiresAt:  now.Add(ttl),
	})
}

// AppendSettlement records quantity units of orderRef that were confirmed
// without a hold.  The record starts pending; it is not a hold and never
// expires.
func (l *ReservationLedger) AppendSettlement(ctx context.Context, groupID, variantID, orderRef string, quantity int) (model.Reservation, error) {
	if quantity < 1 {
		return model.Reservation{}, errors.Wrapf(ErrInvalidQuantity, "settle %d", quantity)
	}
	if orderRef == "" {
		return model.Reservation{}, errors.New("settlement needs an order ref")
	}
	now := l.now().UTC()
	return l.insert(ctx, model.Reservation{
		GroupID:    groupID,
		VariantID:  variantID,
		Quantity:   quantity,
		Status:     model.ReservationActive,
		ReservedAt: now,
		ExpiresAt:  now,
		OrderRef:   orderRef,
		Direct:     true,
	})
}

func (l *ReservationLedger) insert(ctx context.Context, r model.Reservation) (model.Reservation, error) {
	id, err := l.newID()
	if err != nil {
		return model.Reservation{}, errors.Wrap(err, "reservation id")
	}
	r.ID = id
	if err := l.store.UpsertReservation(ctx, r); err != nil {
		return model.Reservation{}, persistErr("reservation "+id, err)
	}
	l.mu.Lock()
	l.byID[r.ID] = r
	l.byGroup[r.GroupID] = append(l.byGroup[r.GroupID], r.ID)
	if r.OrderRef != "" {
		l.byOrder[r.OrderRef] = append(l.byOrder[r.OrderRef], r.ID)
	}
	l.mu.Unlock()
	return r, nil
}

// ListByOrder returns every record settled against orderRef, oldest first.
func (l *ReservationLedger) ListByOrder(orderRef string) []model.Reservation {
	if orderRef == "" {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.Reservation, 0, len(l.byOrder[orderRef]))
	for _, id := range l.byOrder[orderRef] {
		out = append(out, l.byID[id])
	}
	sort.Slice(out, func(i, j int) bool { return reservedBefore(out[i], out[j]) })
	return out
}

// Get returns reservation id.
func (l *ReservationLedger) Get(id string) (model.Reservation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.byID[id]
	return r, ok
}

// ListActiveEligible returns the group's active reservations that have not
// expired at at, oldest first.  This order is the consumption tie-break.
func (l *ReservationLedger) ListActiveEligible(groupID string, at time.Time) []model.Reservation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.Reservation
	for _, id := range l.byGroup[groupID] {
		if r := l.byID[id]; r.EligibleAt(at) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return reservedBefore(out[i], out[j]) })
	return out
}

// ListExpired returns active reservations whose expiry is at or before at,
// keyed by group id, oldest first within each group.
func (l *ReservationLedger) ListExpired(at time.Time) map[string][]model.Reservation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string][]model.Reservation)
	for _, r := range l.byID {
		if r.ExpiredAt(at) {
			out[r.GroupID] = append(out[r.GroupID], r)
		}
	}
	for _, list := range out {
		sort.Slice(list, func(i, j int) bool { return reservedBefore(list[i], list[j]) })
	}
	return out
}

// listExpiredForGroup is ListExpired narrowed to one group.
func (l *ReservationLedger) listExpiredForGroup(groupID string, at time.Time) []model.Reservation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.Reservation
	for _, id := range l.byGroup[groupID] {
		if r := l.byID[id]; r.ExpiredAt(at) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return reservedBefore(out[i], out[j]) })
	return out
}

// Transition moves an active reservation to a terminal status and stamps the
// matching timestamp.  Anything else is ErrInvalidTransition.
func (l *ReservationLedger) Transition(ctx context.Context, id string, status model.ReservationStatus, at time.Time) (model.Reservation, error) {
	return l.transition(ctx, id, status, at, "")
}

// ConsumeFor marks reservation id consumed on behalf of orderRef, so a
// retried confirmation of the same order line finds it.
func (l *ReservationLedger) ConsumeFor(ctx context.Context, id, orderRef string, at time.Time) (model.Reservation, error) {
	return l.transition(ctx, id, model.ReservationConsumed, at, orderRef)
}

func (l *ReservationLedger) transition(ctx context.Context, id string, status model.ReservationStatus, at time.Time, orderRef string) (model.Reservation, error) {
	if !status.Terminal() {
		return model.Reservation{}, errors.Wrapf(ErrInvalidTransition, "reservation %s to %q", id, status)
	}
	l.mu.RLock()
	cur, ok := l.byID[id]
	l.mu.RUnlock()
	if !ok {
		return model.Reservation{}, errors.Wrapf(ErrNotFound, "reservation %s", id)
	}
	if cur.Status != model.ReservationActive {
		return model.Reservation{}, errors.Wrapf(ErrInvalidTransition, "reservation %s is %s, cannot become %s", id, cur.Status, status)
	}

	next := cur
	next.Status = status
	if orderRef != "" {
		next.OrderRef = orderRef
	}
	ts := at.UTC()
	switch status {
	case model.ReservationConsumed:
		next.ConsumedAt = &ts
	default:
		next.ReleasedAt = &ts
	}
	if err := l.store.UpsertReservation(ctx, next); err != nil {
		return model.Reservation{}, persistErr("reservation "+id, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byID[id].Status != model.ReservationActive {
		return model.Reservation{}, errors.Wrapf(ErrInvalidTransition, "reservation %s changed concurrently", id)
	}
	l.byID[id] = next
	if cur.OrderRef == "" && next.OrderRef != "" {
		l.byOrder[next.OrderRef] = append(l.byOrder[next.OrderRef], id)
	}
	return next, nil
}

func reservedBefore(a, b model.Reservation) bool {
	if !a.ReservedAt.Equal(b.ReservedAt) {
		return a.ReservedAt.Before(b.ReservedAt)
	}
	return a.ID < b.ID
}
