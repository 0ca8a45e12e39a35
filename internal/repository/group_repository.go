package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/iliyamo/variant-inventory-sync/internal/model"
)

// groupRow is the persistence model for a product_groups row.
type groupRow struct {
	ID          string    `db:"id"`
	Title       string    `db:"title"`
	SharedCount int       `db:"shared_count"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// memberRow is the persistence model for a group_members row.
type memberRow struct {
	GroupID         string `db:"group_id"`
	Position        int    `db:"position"`
	VariantID       string `db:"variant_id"`
	InventoryItemID string `db:"inventory_item_id"`
}

// GroupRepo stores product groups in the product_groups and group_members
// tables.  Membership is rewritten as a whole on every upsert; the member
// position column keeps the catalog's variant order.
type GroupRepo struct {
	db *sqlx.DB
}

// NewGroupRepo returns a GroupRepo bound to the provided database.
func NewGroupRepo(db *sqlx.DB) *GroupRepo { return &GroupRepo{db: db} }

// LoadGroups reads every group with its members.
func (r *GroupRepo) LoadGroups(ctx context.Context) ([]model.ProductGroup, error) {
	var groups []groupRow
	if err := r.db.SelectContext(ctx, &groups,
		`SELECT id, title, shared_count, updated_at FROM product_groups ORDER BY id`); err != nil {
		return nil, errors.Wrap(err, "select product_groups")
	}
	var members []memberRow
	if err := r.db.SelectContext(ctx, &members,
		`SELECT group_id, position, variant_id, inventory_item_id FROM group_members ORDER BY group_id, position`); err != nil {
		return nil, errors.Wrap(err, "select group_members")
	}

	byGroup := make(map[string][]model.Member, len(groups))
	for _, m := range members {
		byGroup[m.GroupID] = append(byGroup[m.GroupID], model.Member{
			VariantID:       m.VariantID,
			InventoryItemID: m.InventoryItemID,
		})
	}
	out := make([]model.ProductGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, model.ProductGroup{
			ID:          g.ID,
			Title:       g.Title,
			Members:     byGroup[g.ID],
			SharedCount: g.SharedCount,
			UpdatedAt:   g.UpdatedAt.UTC(),
		})
	}
	return out, nil
}

// UpsertGroup writes the group row and replaces its membership in one
// transaction.
func (r *GroupRepo) UpsertGroup(ctx context.Context, g model.ProductGroup) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO product_groups (id, title, shared_count, updated_at) VALUES (?, ?, ?, ?)
			 ON DUPLICATE KEY UPDATE title = VALUES(title), shared_count = VALUES(shared_count), updated_at = VALUES(updated_at)`,
			g.ID, g.Title, g.SharedCount, g.UpdatedAt.UTC()); err != nil {
			return errors.Wrap(err, "upsert product_groups")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ?`, g.ID); err != nil {
			return errors.Wrap(err, "clear group_members")
		}
		if len(g.Members) == 0 {
			return nil
		}
		rows := make([]memberRow, len(g.Members))
		for i, m := range g.Members {
			rows[i] = memberRow{GroupID: g.ID, Position: i, VariantID: m.VariantID, InventoryItemID: m.InventoryItemID}
		}
		if _, err := tx.NamedExecContext(ctx,
			`INSERT INTO group_members (group_id, position, variant_id, inventory_item_id)
			 VALUES (:group_id, :position, :variant_id, :inventory_item_id)`, rows); err != nil {
			return errors.Wrap(err, "insert group_members")
		}
		return nil
	})
}

// UpdateSharedCount overwrites the count of an existing group.
func (r *GroupRepo) UpdateSharedCount(ctx context.Context, groupID string, count int) error {
	var exists int
	err := r.db.GetContext(ctx, &exists, `SELECT 1 FROM product_groups WHERE id = ?`, groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(ErrGroupNotStored, "group %s", groupID)
	}
	if err != nil {
		return errors.Wrap(err, "lookup product_groups")
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE product_groups SET shared_count = ?, updated_at = ? WHERE id = ?`,
		count, time.Now().UTC(), groupID)
	return errors.Wrap(err, "update shared_count")
}

// DeleteGroup removes the group and, through the foreign key, its members.
// Deleting an absent group is not an error.
func (r *GroupRepo) DeleteGroup(ctx context.Context, groupID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM product_groups WHERE id = ?`, groupID)
	return errors.Wrap(err, "delete product_groups")
}

func (r *GroupRepo) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}
