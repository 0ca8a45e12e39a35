package model

import (
	"fmt"
	"time"
)

// ReservationStatus is the lifecycle state of a hold.
type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "active"
	ReservationConsumed ReservationStatus = "consumed"
	ReservationReleased ReservationStatus = "released"
	ReservationExpired  ReservationStatus = "expired"
)

// Terminal reports whether no further transition is allowed from s.
func (s ReservationStatus) Terminal() bool {
	switch s {
	case ReservationConsumed, ReservationReleased, ReservationExpired:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s ReservationStatus) Valid() bool {
	return s == ReservationActive || s.Terminal()
}

// Reservation is a time-bounded hold against a group's shared count.  The
// variant is recorded for audit only; the hold reduces the group's count.
//
// ReleasedAt is stamped for both released and expired holds since in both
// cases the unit went back to the pool.
//
// OrderRef names the order line a record was settled against.  Direct
// records carry units confirmed without any hold; an active record with an
// OrderRef is a settlement whose count change is done but whose consumption
// is not yet stored, and it is never a hold.
type Reservation struct {
	ID         string            `json:"id" db:"id"`
	GroupID    string            `json:"group_id" db:"group_id"`
	VariantID  string            `json:"variant_id" db:"variant_id"`
	Quantity   int               `json:"quantity" db:"quantity"`
	Status     ReservationStatus `json:"status" db:"status"`
	ReservedAt time.Time         `json:"reserved_at" db:"reserved_at"`
	ExpiresAt  time.Time         `json:"expires_at" db:"expires_at"`
	ConsumedAt *time.Time        `json:"consumed_at,omitempty" db:"consumed_at"`
	ReleasedAt *time.Time        `json:"released_at,omitempty" db:"released_at"`
	OrderRef   string            `json:"order_ref,omitempty" db:"order_ref"`
	Direct     bool              `json:"direct,omitempty" db:"direct"`
}

// EligibleAt reports whether the hold can still be consumed at t.
func (r Reservation) EligibleAt(t time.Time) bool {
	return r.Status == ReservationActive && r.OrderRef == "" && r.ExpiresAt.After(t)
}

// ExpiredAt reports whether the hold is active but past its expiry at t.
func (r Reservation) ExpiredAt(t time.Time) bool {
	return r.Status == ReservationActive && r.OrderRef == "" && !r.ExpiresAt.After(t)
}

// Pending reports whether r is a settlement waiting to be marked consumed.
func (r Reservation) Pending() bool {
	return r.Status == ReservationActive && r.OrderRef != ""
}

// OrderLineRef names line of orderID for settlement records.  Without an
// order id there is nothing to deduplicate against and the ref is empty.
func OrderLineRef(orderID string, line int) string {
	if orderID == "" {
		return ""
	}
	return fmt.Sprintf("%s#%d", orderID, line)
}
