package service

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/variant-inventory-sync/internal/model"
)

// Cart-add rejection and pass-through reasons.
const (
	ReasonNotGrouped = "not_grouped"
	ReasonOutOfStock = "out_of_stock"
)

// Options tunes an InventoryService.
type Options struct {
	ReservationTTL      time.Duration
	CatalogTimeout      time.Duration
	DecrementUnreserved bool
	Notifier            Notifier
	Logger              logrus.FieldLogger
}

// CartAddResult answers a hold request.
type CartAddResult struct {
	Accepted      bool   `json:"accepted"`
	Reason        string `json:"reason,omitempty"`
	GroupID       string `json:"group_id,omitempty"`
	ReservationID string `json:"reservation_id,omitempty"`
	Remaining     int    `json:"remaining"`
}

// ConfirmResult describes how an order confirmation was settled.
type ConfirmResult struct {
	Grouped    bool        `json:"grouped"`
	GroupID    string      `json:"group_id,omitempty"`
	Consumed   int         `json:"consumed"`
	Unreserved int         `json:"unreserved"`
	Replayed   bool        `json:"replayed,omitempty"`
	Sync       *SyncResult `json:"sync,omitempty"`
}

// InventoryService is the entry point used by the HTTP and queue adapters.
// It resolves groups, calls the engine or the arbiter and decides which
// errors are user-facing.
type InventoryService struct {
	registry  *GroupRegistry
	ledger    *ReservationLedger
	engine    *SyncEngine
	arbiter   *Arbiter
	discovery *Discovery
	opts      Options
	log       logrus.FieldLogger
}

// NewInventoryService wires the engine, arbiter and discovery around the
// given registry, ledger and catalog.
func NewInventoryService(registry *GroupRegistry, ledger *ReservationLedger, catalog Catalog, opts Options) *InventoryService {
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	locks := NewGroupLocks()
	engine := NewSyncEngine(registry, catalog, locks,
		WithCatalogTimeout(opts.CatalogTimeout),
		WithNotifier(opts.Notifier),
		WithSyncClock(ledger.Now),
		WithSyncLogger(log.WithField("component", "sync")),
	)
	arbiter := NewArbiter(registry, ledger, engine, locks,
		WithReservationTTL(opts.ReservationTTL),
		WithArbiterLogger(log.WithField("component", "arbiter")),
	)
	discovery := NewDiscovery(registry, catalog, catalog, engine, locks, opts.CatalogTimeout,
		log.WithField("component", "discovery"))
	return &InventoryService{
		registry:  registry,
		ledger:    ledger,
		engine:    engine,
		arbiter:   arbiter,
		discovery: discovery,
		opts:      opts,
		log:       log,
	}
}

// Load restores the registry and the ledger from their stores.
func (s *InventoryService) Load(ctx context.Context) error {
	if err := s.registry.Load(ctx); err != nil {
		return err
	}
	return s.ledger.Load(ctx)
}

// OnInventoryChanged propagates an observed inventory level.
func (s *InventoryService) OnInventoryChanged(ctx context.Context, inventoryItemID string, newLevel int) (SyncResult, error) {
	res, err := s.engine.SyncGroupInventory(ctx, inventoryItemID, newLevel)
	if err != nil {
		s.log.WithError(err).WithField("inventory_item_id", inventoryItemID).Error("inventory sync failed")
	}
	return res, err
}

// OnCartAdd tries to hold one unit for variantID.  Ungrouped variants are
// accepted without a hold; exhausted groups are rejected.  Any other error
// is returned for the adapter to report as a generic failure.
func (s *InventoryService) OnCartAdd(ctx context.Context, variantID string) (CartAddResult, error) {
	res, err := s.arbiter.TryReserve(ctx, variantID)
	switch {
	case err == nil:
		return CartAddResult{
			Accepted:      true,
			GroupID:       res.GroupID,
			ReservationID: res.ReservationID,
			Remaining:     res.Remaining,
		}, nil
	case errors.Is(err, ErrNotGrouped):
		return CartAddResult{Accepted: true, Reason: ReasonNotGrouped}, nil
	case errors.Is(err, ErrOutOfStock):
		g, _ := s.registry.FindByVariant(variantID)
		return CartAddResult{Accepted: false, Reason: ReasonOutOfStock, GroupID: g.ID}, nil
	}
	s.log.WithError(err).WithField("variant_id", variantID).Error("cart-add hold failed")
	return CartAddResult{}, err
}

// OnOrderConfirmed settles quantity units of one order line: the group's
// holds are consumed and units that had no hold are deducted from the shared
// count when DecrementUnreserved is set.  orderRef (see model.OrderLineRef)
// makes a redelivered or retried line settle only once; an empty ref
// settles unconditionally.
func (s *InventoryService) OnOrderConfirmed(ctx context.Context, orderRef, variantID string, quantity int) (ConfirmResult, error) {
	g, ok := s.registry.FindByVariant(variantID)
	if !ok {
		return ConfirmResult{}, nil
	}
	st, err := s.arbiter.Settle(ctx, g.ID, variantID, orderRef, quantity, s.opts.DecrementUnreserved)
	out := ConfirmResult{
		Grouped:    true,
		GroupID:    g.ID,
		Consumed:   st.Consumed,
		Unreserved: st.Unreserved,
		Replayed:   st.Replayed,
		Sync:       st.Sync,
	}
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"group_id":  g.ID,
			"order_ref": orderRef,
		}).Error("order settlement failed")
		return out, err
	}
	return out, nil
}

// OnOrderCancelled returns quantity units to the group owning
// inventoryItemID.  Ungrouped items are a no-op.
func (s *InventoryService) OnOrderCancelled(ctx context.Context, inventoryItemID string, quantity int) (SyncResult, error) {
	g, ok := s.registry.FindByInventoryItem(inventoryItemID)
	if !ok {
		return SyncResult{}, nil
	}
	res, err := s.arbiter.Release(ctx, g.ID, quantity)
	if err != nil {
		s.log.WithError(err).WithField("group_id", g.ID).Error("cancellation release failed")
	}
	return res, err
}

// StatusSnapshot returns one read-only line per group.
func (s *InventoryService) StatusSnapshot() []model.GroupStatus {
	return s.registry.Snapshot()
}

// RefreshGroups reconciles the registry with the whole catalog.
func (s *InventoryService) RefreshGroups(ctx context.Context) (DiscoveryReport, error) {
	return s.discovery.Refresh(ctx)
}

// RefreshProduct reconciles the group of a single changed product.
func (s *InventoryService) RefreshProduct(ctx context.Context, p model.CatalogProduct) error {
	_, err := s.discovery.ApplyProduct(ctx, p)
	return err
}

// RemoveProduct drops the group of a deleted product.
func (s *InventoryService) RemoveProduct(ctx context.Context, productID string) error {
	return s.discovery.RemoveProduct(ctx, productID)
}

// ExpireStale sweeps every overdue hold now.
func (s *InventoryService) ExpireStale(ctx context.Context) (int, error) {
	n, err := s.arbiter.ExpireStale(ctx, s.ledger.Now())
	if err != nil {
		s.log.WithError(err).Warn("expiry sweep incomplete")
	}
	return n, err
}

// RunSweeper calls ExpireStale every interval until ctx is done.
func (s *InventoryService) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := s.ExpireStale(ctx); err == nil && n > 0 {
				s.log.WithField("expired", n).Info("expiry sweep finished")
			}
		}
	}
}
