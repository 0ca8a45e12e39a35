package service

import (
	"context"

	"github.com/iliyamo/variant-inventory-sync/internal/model"
)

// GroupStore is the durable backing of the group registry.
type GroupStore interface {
	LoadGroups(ctx context.Context) ([]model.ProductGroup, error)
	UpsertGroup(ctx context.Context, g model.ProductGroup) error
	UpdateSharedCount(ctx context.Context, groupID string, count int) error
	DeleteGroup(ctx context.Context, groupID string) error
}

// ReservationStore is the durable backing of the reservation ledger.
// Records are upserted, never removed.
type ReservationStore interface {
	LoadReservations(ctx context.Context) ([]model.Reservation, error)
	UpsertReservation(ctx context.Context, r model.Reservation) error
}

// CatalogReader reads the live available quantity of an inventory item.
type CatalogReader interface {
	GetAvailableQuantity(ctx context.Context, inventoryItemID string) (int, error)
}

// CatalogWriter sets the available quantity of an inventory item.  Calls are
// idempotent and safe to retry.
type CatalogWriter interface {
	SetAvailableQuantity(ctx context.Context, inventoryItemID string, quantity int) error
}

// CatalogDiscoverer lists products that have two or more variants.
type CatalogDiscoverer interface {
	ListMultiVariantProducts(ctx context.Context) ([]model.CatalogProduct, error)
}

// Catalog bundles the three collaborator roles.
type Catalog interface {
	CatalogReader
	CatalogWriter
	CatalogDiscoverer
}

// Notifier is told about every completed group sync.
type Notifier interface {
	GroupSynced(ctx context.Context, ev model.GroupSyncedEvent) error
}
