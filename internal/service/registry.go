package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/iliyamo/variant-inventory-sync/internal/model"
)

// GroupRegistry is the authoritative in-memory set of product groups with
// write-through persistence.  Every mutation is written to the store first
// and applied in memory only once the store accepted it, so a failed write
// never leaves memory ahead of disk.
//
// The registry mutex guards memory only.  Mutations of one group must be
// serialized by the caller (see groupLocks); UpsertGroup additionally needs
// the locks of every group that currently owns one of the new members.
type GroupRegistry struct {
	mu        sync.RWMutex
	groups    map[string]model.ProductGroup
	byVariant map[string]string
	byItem    map[string]string

	store GroupStore
	now   func() time.Time
}

// NewGroupRegistry returns an empty registry backed by store.  Call Load to
// restore persisted groups.
func NewGroupRegistry(store GroupStore) *GroupRegistry {
	return &GroupRegistry{
		groups:    make(map[string]model.ProductGroup),
		byVariant: make(map[string]string),
		byItem:    make(map[string]string),
		store:     store,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Load replaces the in-memory state with the store's contents.  Stored
// groups with fewer than two members are ignored.
func (r *GroupRegistry) Load(ctx context.Context) error {
	groups, err := r.store.LoadGroups(ctx)
	if err != nil {
		return errors.Wrap(err, "load groups")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups = make(map[string]model.ProductGroup, len(groups))
	r.byVariant = make(map[string]string)
	r.byItem = make(map[string]string)
	for _, g := range groups {
		g.Members = dedupeMembers(g.Members)
		if len(g.Members) < 2 {
			continue
		}
		r.putLocked(g)
	}
	return nil
}

// UpsertGroup replaces the title and membership of group id.  With fewer
// than two distinct members the group is removed instead.  An existing
// group keeps its shared count.  Members claimed by another group are taken
// away from it first, deleting that group if it drops below two members.
func (r *GroupRegistry) UpsertGroup(ctx context.Context, id, title string, members []model.Member) error {
	members = dedupeMembers(members)
	if len(members) < 2 {
		return r.RemoveGroup(ctx, id)
	}

	r.mu.RLock()
	existing, exists := r.groups[id]
	affected := make(map[string]model.ProductGroup)
	originals := make(map[string]model.ProductGroup)
	for _, m := range members {
		for _, owner := range []string{r.byVariant[m.VariantID], r.byItem[m.InventoryItemID]} {
			if owner == "" || owner == id {
				continue
			}
			g, ok := affected[owner]
			if !ok {
				originals[owner] = r.groups[owner].Clone()
				g = r.groups[owner].Clone()
			}
			g.Members = withoutMember(g.Members, m)
			affected[owner] = g
		}
	}
	r.mu.RUnlock()

	owners := make([]string, 0, len(affected))
	for owner := range affected {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	donors := make([]model.ProductGroup, 0, len(owners))
	for _, owner := range owners {
		g := affected[owner]
		var err error
		if len(g.Members) < 2 {
			err = r.RemoveGroup(ctx, owner)
		} else {
			err = r.persistAndPut(ctx, g)
		}
		if err != nil {
			return r.restoreDonors(ctx, donors, err)
		}
		donors = append(donors, originals[owner])
	}

	g := model.ProductGroup{ID: id, Title: title, Members: members}
	if exists {
		g.SharedCount = existing.SharedCount
	}
	if err := r.persistAndPut(ctx, g); err != nil {
		return r.restoreDonors(ctx, donors, err)
	}
	return nil
}

// restoreDonors puts back groups that already gave members away to an upsert
// that then failed, so no member is left without a group.  It returns cause,
// annotated when a restore fails too.
func (r *GroupRegistry) restoreDonors(ctx context.Context, donors []model.ProductGroup, cause error) error {
	for _, g := range donors {
		if err := r.persistAndPut(ctx, g); err != nil {
			return errors.Wrapf(cause, "restoring group %s failed (%v)", g.ID, err)
		}
	}
	return cause
}

// RemoveGroup deletes group id.  Removing an absent group is a no-op.
func (r *GroupRegistry) RemoveGroup(ctx context.Context, id string) error {
	r.mu.RLock()
	_, exists := r.groups[id]
	r.mu.RUnlock()
	if !exists {
		return nil
	}
	if err := r.store.DeleteGroup(ctx, id); err != nil {
		return persistErr("delete group "+id, err)
	}
	r.mu.Lock()
	r.dropLocked(id)
	r.mu.Unlock()
	return nil
}

// SetSharedCount replaces the shared count of group id.  It is the only
// sanctioned count mutator.
func (r *GroupRegistry) SetSharedCount(ctx context.Context, id string, value int) (model.ProductGroup, error) {
	if value < 0 {
		return model.ProductGroup{}, errors.Wrapf(ErrInvalidQuantity, "shared count %d for group %s", value, id)
	}
	r.mu.RLock()
	_, ok := r.groups[id]
	r.mu.RUnlock()
	if !ok {
		return model.ProductGroup{}, errors.Wrapf(ErrNotFound, "group %s", id)
	}

	if err := r.store.UpdateSharedCount(ctx, id, value); err != nil {
		return model.ProductGroup{}, persistErr("shared count of group "+id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	if !ok {
		return model.ProductGroup{}, errors.Wrapf(ErrNotFound, "group %s", id)
	}
	g.SharedCount = value
	g.UpdatedAt = r.now()
	r.groups[id] = g
	return g.Clone(), nil
}

// Get returns group id.
func (r *GroupRegistry) Get(id string) (model.ProductGroup, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	if !ok {
		return model.ProductGroup{}, false
	}
	return g.Clone(), true
}

// FindByVariant returns the group owning variantID.
func (r *GroupRegistry) FindByVariant(variantID string) (model.ProductGroup, bool) {
	r.mu.RLock()
	id, ok := r.byVariant[variantID]
	r.mu.RUnlock()
	if !ok {
		return model.ProductGroup{}, false
	}
	return r.Get(id)
}

// FindByInventoryItem returns the group owning inventoryItemID.
func (r *GroupRegistry) FindByInventoryItem(inventoryItemID string) (model.ProductGroup, bool) {
	r.mu.RLock()
	id, ok := r.byItem[inventoryItemID]
	r.mu.RUnlock()
	if !ok {
		return model.ProductGroup{}, false
	}
	return r.Get(id)
}

// OwnersOf returns the ids of groups that currently own any of members,
// excluding self.
func (r *GroupRegistry) OwnersOf(self string, members []model.Member) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, m := range members {
		for _, owner := range []string{r.byVariant[m.VariantID], r.byItem[m.InventoryItemID]} {
			if owner == "" || owner == self {
				continue
			}
			if _, dup := seen[owner]; dup {
				continue
			}
			seen[owner] = struct{}{}
			out = append(out, owner)
		}
	}
	sort.Strings(out)
	return out
}

// IDs returns every group id in ascending order.
func (r *GroupRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.groups))
	for id := range r.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns a read-only status line per group, ordered by group id.
func (r *GroupRegistry) Snapshot() []model.GroupStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.GroupStatus, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, model.GroupStatus{
			GroupID:     g.ID,
			Title:       g.Title,
			MemberCount: len(g.Members),
			SharedCount: g.SharedCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

func (r *GroupRegistry) persistAndPut(ctx context.Context, g model.ProductGroup) error {
	g.UpdatedAt = r.now()
	if err := r.store.UpsertGroup(ctx, g); err != nil {
		return persistErr("group "+g.ID, err)
	}
	r.mu.Lock()
	r.putLocked(g)
	r.mu.Unlock()
	return nil
}

func (r *GroupRegistry) putLocked(g model.ProductGroup) {
	r.dropLocked(g.ID)
	g = g.Clone()
	r.groups[g.ID] = g
	for _, m := range g.Members {
		r.byVariant[m.VariantID] = g.ID
		if m.InventoryItemID != "" {
			r.byItem[m.InventoryItemID] = g.ID
		}
	}
}

func (r *GroupRegistry) dropLocked(id string) {
	old, ok := r.groups[id]
	if !ok {
		return
	}
	for _, m := range old.Members {
		if r.byVariant[m.VariantID] == id {
			delete(r.byVariant, m.VariantID)
		}
		if r.byItem[m.InventoryItemID] == id {
			delete(r.byItem, m.InventoryItemID)
		}
	}
	delete(r.groups, id)
}

// dedupeMembers keeps the first occurrence of every variant id and drops
// entries without one.
func dedupeMembers(members []model.Member) []model.Member {
	out := make([]model.Member, 0, len(members))
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		if m.VariantID == "" {
			continue
		}
		if _, dup := seen[m.VariantID]; dup {
			continue
		}
		seen[m.VariantID] = struct{}{}
		out = append(out, m)
	}
	return out
}

func withoutMember(members []model.Member, drop model.Member) []model.Member {
	out := members[:0:0]
	for _, m := range members {
		if m.VariantID == drop.VariantID {
			continue
		}
		if drop.InventoryItemID != "" && m.InventoryItemID == drop.InventoryItemID {
			continue
		}
		out = append(out, m)
	}
	return out
}
