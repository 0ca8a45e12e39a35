package service

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/variant-inventory-sync/internal/model"
)

const defaultCatalogTimeout = 5 * time.Second

// Causes attached to sync results and GroupSynced events.
const (
	CauseInventoryChanged = "inventory_changed"
	CauseReserved         = "reserved"
	CauseReleased         = "released"
	CauseExpired          = "expired"
	CauseDirectPurchase   = "direct_purchase"
	CauseDiscovered       = "discovered"
)

// SyncResult describes one propagation of a group count.
type SyncResult struct {
	Grouped     bool     `json:"grouped"`
	GroupID     string   `json:"group_id,omitempty"`
	SharedCount int      `json:"shared_count"`
	Updated     []string `json:"updated,omitempty"`
	Failed      []string `json:"failed,omitempty"`
}

// SyncOption customizes a SyncEngine.
type SyncOption func(*SyncEngine)

// WithCatalogTimeout bounds every catalog write.
func WithCatalogTimeout(d time.Duration) SyncOption {
	return func(e *SyncEngine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithNotifier registers a listener for completed syncs.
func WithNotifier(n Notifier) SyncOption {
	return func(e *SyncEngine) { e.notifier = n }
}

// WithSyncClock replaces the clock that stamps GroupSynced events.
func WithSyncClock(now func() time.Time) SyncOption {
	return func(e *SyncEngine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithSyncLogger sets the engine logger.
func WithSyncLogger(log logrus.FieldLogger) SyncOption {
	return func(e *SyncEngine) {
		if log != nil {
			e.log = log
		}
	}
}

// SyncEngine turns an authoritative count into the group's shared count and
// pushes it to every member inventory item.  It is the only component that
// writes to the catalog.
type SyncEngine struct {
	registry *GroupRegistry
	writer   CatalogWriter
	locks    *GroupLocks
	notifier Notifier
	timeout  time.Duration
	now      func() time.Time
	log      logrus.FieldLogger
}

// NewSyncEngine wires an engine over registry and writer.  locks must be the
// table shared with the arbiter.
func NewSyncEngine(registry *GroupRegistry, writer CatalogWriter, locks *GroupLocks, opts ...SyncOption) *SyncEngine {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	e := &SyncEngine{
		registry: registry,
		writer:   writer,
		locks:    locks,
		timeout:  defaultCatalogTimeout,
		now:      time.Now,
		log:      discard,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SyncGroupInventory makes newLevel the shared count of the group owning
// inventoryItemID and fans it out.  Items outside any group are a no-op.
// The ledger is not consulted: an observed inventory level overrides
// whatever the outstanding holds imply.
func (e *SyncEngine) SyncGroupInventory(ctx context.Context, inventoryItemID string, newLevel int) (SyncResult, error) {
	g, unlock, ok, err := e.locks.lockOwner(func() (model.ProductGroup, bool) {
		return e.registry.FindByInventoryItem(inventoryItemID)
	})
	if err != nil {
		return SyncResult{}, errors.Wrapf(err, "inventory item %s", inventoryItemID)
	}
	if !ok {
		return SyncResult{}, nil
	}
	defer unlock()
	return e.commitLocked(ctx, g.ID, newLevel, CauseInventoryChanged)
}

// commitLocked sets the count and fans it out.  The caller holds the group
// lock.
func (e *SyncEngine) commitLocked(ctx context.Context, groupID string, level int, cause string) (SyncResult, error) {
	g, err := e.applyLocked(ctx, groupID, level)
	if err != nil {
		return SyncResult{}, err
	}
	return e.fanOutLocked(ctx, g, cause), nil
}

// applyLocked clamps level and stores it without touching the catalog.
func (e *SyncEngine) applyLocked(ctx context.Context, groupID string, level int) (model.ProductGroup, error) {
	if level < 0 {
		level = 0
	}
	return e.registry.SetSharedCount(ctx, groupID, level)
}

// fanOutLocked writes the group's count to each member, one at a time.  A
// failed member is logged and skipped; the registry stays as it is and the
// catalog catches up on the next successful sync.
func (e *SyncEngine) fanOutLocked(ctx context.Context, g model.ProductGroup, cause string) SyncResult {
	// a caller hanging up must not cut the fan-out short
	ctx = context.WithoutCancel(ctx)

	res := SyncResult{Grouped: true, GroupID: g.ID, SharedCount: g.SharedCount}
	for _, item := range g.InventoryItemIDs() {
		err := callCatalog(ctx, e.timeout, func(ctx context.Context) error {
			return e.writer.SetAvailableQuantity(ctx, item, g.SharedCount)
		})
		if err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{
				"group_id":          g.ID,
				"inventory_item_id": item,
				"shared_count":      g.SharedCount,
			}).Warn("catalog write failed")
			res.Failed = append(res.Failed, item)
			continue
		}
		res.Updated = append(res.Updated, item)
	}

	e.log.WithFields(logrus.Fields{
		"group_id":     g.ID,
		"shared_count": g.SharedCount,
		"cause":        cause,
		"failed":       len(res.Failed),
	}).Info("group synced")
	e.notify(ctx, g, res, cause)
	return res
}

func (e *SyncEngine) notify(ctx context.Context, g model.ProductGroup, res SyncResult, cause string) {
	if e.notifier == nil {
		return
	}
	ev := model.GroupSyncedEvent{
		GroupID:     g.ID,
		SharedCount: res.SharedCount,
		Items:       g.InventoryItemIDs(),
		Failed:      res.Failed,
		Cause:       cause,
		SyncedAt:    e.now().UTC().Format(time.RFC3339),
	}
	err := callCatalog(ctx, e.timeout, func(ctx context.Context) error {
		return e.notifier.GroupSynced(ctx, ev)
	})
	if err != nil {
		e.log.WithError(err).WithField("group_id", g.ID).Warn("group synced notification failed")
	}
}
