package service

import (
	"context"
	"io"
	"slices"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/variant-inventory-sync/internal/model"
)

// DiscoveryReport summarizes one catalog refresh.
type DiscoveryReport struct {
	Products int `json:"products"`
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Removed  int `json:"removed"`
	Failed   int `json:"failed"`
}

// Discovery keeps the registry in line with the catalog's multi-variant
// products.  It is the registry's only membership writer.
type Discovery struct {
	registry   *GroupRegistry
	discoverer CatalogDiscoverer
	reader     CatalogReader
	engine     *SyncEngine
	locks      *GroupLocks
	timeout    time.Duration
	log        logrus.FieldLogger
}

// NewDiscovery wires discovery over the shared registry, engine and locks.
func NewDiscovery(registry *GroupRegistry, discoverer CatalogDiscoverer, reader CatalogReader, engine *SyncEngine, locks *GroupLocks, timeout time.Duration, log logrus.FieldLogger) *Discovery {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	if timeout <= 0 {
		timeout = defaultCatalogTimeout
	}
	return &Discovery{
		registry:   registry,
		discoverer: discoverer,
		reader:     reader,
		engine:     engine,
		locks:      locks,
		timeout:    timeout,
		log:        log,
	}
}

// Refresh lists the catalog and reconciles every group: products are
// upserted and groups whose product vanished are removed.  A product that
// fails is logged and skipped; the first such error is returned after the
// pass completes.
func (d *Discovery) Refresh(ctx context.Context) (DiscoveryReport, error) {
	var products []model.CatalogProduct
	err := callCatalog(ctx, d.timeout, func(ctx context.Context) error {
		var err error
		products, err = d.discoverer.ListMultiVariantProducts(ctx)
		return err
	})
	if err != nil {
		return DiscoveryReport{}, errors.Wrap(err, "list multi-variant products")
	}

	report := DiscoveryReport{Products: len(products)}
	var firstErr error
	seen := make(map[string]struct{}, len(products))
	for _, p := range products {
		seen[p.ProductID] = struct{}{}
		created, err := d.ApplyProduct(ctx, p)
		if err != nil {
			report.Failed++
			d.log.WithError(err).WithField("product_id", p.ProductID).Warn("group refresh failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if created {
			report.Created++
		} else {
			report.Updated++
		}
	}

	for _, id := range d.registry.IDs() {
		if _, ok := seen[id]; ok {
			continue
		}
		if err := d.RemoveProduct(ctx, id); err != nil {
			report.Failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		report.Removed++
	}

	d.log.WithFields(logrus.Fields{
		"products": report.Products,
		"created":  report.Created,
		"updated":  report.Updated,
		"removed":  report.Removed,
		"failed":   report.Failed,
	}).Info("catalog discovery finished")
	return report, firstErr
}

// ApplyProduct upserts the group for one product.  A newly created group is
// seeded from the catalog and its count fanned out to every member.  It
// reports whether the group was created.
func (d *Discovery) ApplyProduct(ctx context.Context, p model.CatalogProduct) (bool, error) {
	for attempt := 0; attempt < maxOwnerRetries; attempt++ {
		owners := d.registry.OwnersOf(p.ProductID, p.Variants)
		unlock := d.locks.LockMany(append(owners, p.ProductID)...)
		if !slices.Equal(owners, d.registry.OwnersOf(p.ProductID, p.Variants)) {
			unlock()
			continue
		}
		created, err := d.applyLocked(ctx, p)
		unlock()
		return created, err
	}
	return false, errors.Errorf("product %s: membership kept changing", p.ProductID)
}

func (d *Discovery) applyLocked(ctx context.Context, p model.CatalogProduct) (bool, error) {
	_, existed := d.registry.Get(p.ProductID)
	if err := d.registry.UpsertGroup(ctx, p.ProductID, p.Title, p.Variants); err != nil {
		return false, err
	}
	g, exists := d.registry.Get(p.ProductID)
	if !exists || existed {
		return false, nil
	}

	level, ok := d.seedLevel(ctx, g)
	if !ok {
		return true, nil
	}
	if _, err := d.engine.commitLocked(ctx, g.ID, level, CauseDiscovered); err != nil {
		return true, err
	}
	return true, nil
}

// seedLevel reads every member and takes the lowest answer, so a new group
// never starts above what any member could actually ship.  Members that
// fail to answer are skipped; with no answers the count stays unknown.
func (d *Discovery) seedLevel(ctx context.Context, g model.ProductGroup) (int, bool) {
	level, ok := 0, false
	for _, item := range g.InventoryItemIDs() {
		var qty int
		err := callCatalog(ctx, d.timeout, func(ctx context.Context) error {
			var err error
			qty, err = d.reader.GetAvailableQuantity(ctx, item)
			return err
		})
		if err != nil {
			d.log.WithError(err).WithFields(logrus.Fields{
				"group_id":          g.ID,
				"inventory_item_id": item,
			}).Warn("catalog read failed, member skipped for seeding")
			continue
		}
		if !ok || qty < level {
			level, ok = qty, true
		}
	}
	return level, ok
}

// RemoveProduct drops the group of productID, if any.
func (d *Discovery) RemoveProduct(ctx context.Context, productID string) error {
	unlock := d.locks.Lock(productID)
	defer unlock()
	if _, ok := d.registry.Get(productID); !ok {
		return nil
	}
	if err := d.registry.RemoveGroup(ctx, productID); err != nil {
		return err
	}
	d.log.WithField("group_id", productID).Info("group removed")
	return nil
}
