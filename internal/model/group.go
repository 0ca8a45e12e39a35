package model

import "time"

// Member pairs a variant with the inventory item that stocks it.  A group's
// members are kept as one slice so the variant and inventory item orderings
// can never drift apart.
type Member struct {
	VariantID       string `json:"variant_id" yaml:"variant_id" db:"variant_id"`
	InventoryItemID string `json:"inventory_item_id" yaml:"inventory_item_id" db:"inventory_item_id"`
}

// ProductGroup is the set of variants of one catalog product that share a
// single logical inventory count.
//
// Fields:
//
//	ID          – identifier of the owning catalog product.
//	Title       – display label, informational only.
//	Members     – ordered, unique by VariantID; always two or more entries.
//	SharedCount – units available to every member; never negative.
//	UpdatedAt   – last time the group was persisted.
type ProductGroup struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Members     []Member  `json:"members"`
	SharedCount int       `json:"shared_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// VariantIDs returns the member variant ids in membership order.
func (g ProductGroup) VariantIDs() []string {
	out := make([]string, len(g.Members))
	for i, m := range g.Members {
		out[i] = m.VariantID
	}
	return out
}

// InventoryItemIDs returns the member inventory item ids, index-aligned with
// VariantIDs.
func (g ProductGroup) InventoryItemIDs() []string {
	out := make([]string, len(g.Members))
	for i, m := range g.Members {
		out[i] = m.InventoryItemID
	}
	return out
}

// Clone returns a deep copy so callers can never alias registry state.
func (g ProductGroup) Clone() ProductGroup {
	c := g
	c.Members = append([]Member(nil), g.Members...)
	return c
}

// GroupStatus is the read-only view of a group exposed to operators.
type GroupStatus struct {
	GroupID     string `json:"group_id"`
	Title       string `json:"title"`
	MemberCount int    `json:"member_count"`
	SharedCount int    `json:"shared_count"`
}
