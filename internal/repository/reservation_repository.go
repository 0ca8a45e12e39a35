package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/iliyamo/variant-inventory-sync/internal/model"
)

// ReservationRepo provides data access to the reservations table.  Rows are
// inserted once and later updated in place when the hold reaches a
// terminal status; they are never deleted so the table doubles as an audit
// trail.  All timestamps are stored in UTC.
type ReservationRepo struct {
	db *sqlx.DB
}

// NewReservationRepo returns a ReservationRepo bound to the provided database.
func NewReservationRepo(db *sqlx.DB) *ReservationRepo { return &ReservationRepo{db: db} }

// LoadReservations reads every reservation, oldest first.
func (r *ReservationRepo) LoadReservations(ctx context.Context) ([]model.Reservation, error) {
	var out []model.Reservation
	err := r.db.SelectContext(ctx, &out,
		`SELECT id, group_id, variant_id, quantity, status, reserved_at, expires_at, consumed_at, released_at, order_ref, direct
		 FROM reservations ORDER BY reserved_at, id`)
	if err != nil {
		return nil, errors.Wrap(err, "select reservations")
	}
	for i := range out {
		normalizeTimes(&out[i])
	}
	return out, nil
}

// UpsertReservation inserts a new hold or records its status change.  Only
// the status columns and the order ref are overwritten on conflict.
func (r *ReservationRepo) UpsertReservation(ctx context.Context, res model.Reservation) error {
	normalizeTimes(&res)
	_, err := r.db.NamedExecContext(ctx,
		`INSERT INTO reservations (id, group_id, variant_id, quantity, status, reserved_at, expires_at, consumed_at, released_at, order_ref, direct)
		 VALUES (:id, :group_id, :variant_id, :quantity, :status, :reserved_at, :expires_at, :consumed_at, :released_at, :order_ref, :direct)
		 ON DUPLICATE KEY UPDATE status = VALUES(status), consumed_at = VALUES(consumed_at), released_at = VALUES(released_at),
		   order_ref = VALUES(order_ref)`,
		res)
	return errors.Wrap(err, "upsert reservations")
}

func normalizeTimes(r *model.Reservation) {
	r.ReservedAt = r.ReservedAt.UTC()
	r.ExpiresAt = r.ExpiresAt.UTC()
	if r.ConsumedAt != nil {
		t := r.ConsumedAt.UTC()
		r.ConsumedAt = &t
	}
	if r.ReleasedAt != nil {
		t := r.ReleasedAt.UTC()
		r.ReleasedAt = &t
	}
}
