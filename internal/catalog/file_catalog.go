// Package catalog provides a file-backed stand-in for the external commerce
// catalog.  It answers inventory reads, accepts inventory writes and lists
// multi-variant products from a YAML document, so the service can run
// locally without a real storefront behind it.
package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/iliyamo/variant-inventory-sync/internal/model"
)

// ErrUnknownItem is returned for inventory items the catalog does not list.
var ErrUnknownItem = errors.New("unknown inventory item")

// document is the on-disk layout:
//
//	products:
//	  - product_id: tee
//	    title: Logo tee
//	    variants:
//	      - {variant_id: tee-s, inventory_item_id: inv-tee-s}
//	      - {variant_id: tee-m, inventory_item_id: inv-tee-m}
//	levels:
//	  inv-tee-s: 4
//	  inv-tee-m: 4
type document struct {
	Products []model.CatalogProduct `yaml:"products"`
	Levels   map[string]int         `yaml:"levels"`
}

// FileCatalog serves catalog calls from a YAML file.  Writes update memory
// and are flushed back to the file so levels survive restarts.
type FileCatalog struct {
	mu    sync.RWMutex
	path  string
	doc   document
	items map[string]struct{}
}

// Open reads the catalog at path.  A missing file yields an empty catalog
// that is created on the first write.
func Open(path string) (*FileCatalog, error) {
	c := &FileCatalog{path: path}
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, errors.Wrapf(err, "read catalog %s", path)
	default:
		if err := yaml.Unmarshal(b, &c.doc); err != nil {
			return nil, errors.Wrapf(err, "parse catalog %s", path)
		}
	}
	if c.doc.Levels == nil {
		c.doc.Levels = make(map[string]int)
	}
	c.index()
	return c, nil
}

func (c *FileCatalog) index() {
	c.items = make(map[string]struct{})
	for _, p := range c.doc.Products {
		for _, v := range p.Variants {
			if v.InventoryItemID != "" {
				c.items[v.InventoryItemID] = struct{}{}
			}
		}
	}
	for item := range c.doc.Levels {
		c.items[item] = struct{}{}
	}
}

// GetAvailableQuantity returns the stored level of item.  Listed items
// without a level read as zero.
func (c *FileCatalog) GetAvailableQuantity(ctx context.Context, item string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.items[item]; !ok {
		return 0, errors.Wrapf(ErrUnknownItem, "%s", item)
	}
	return c.doc.Levels[item], nil
}

// SetAvailableQuantity stores qty for item and rewrites the file.
func (c *FileCatalog) SetAvailableQuantity(ctx context.Context, item string, qty int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[item]; !ok {
		return errors.Wrapf(ErrUnknownItem, "%s", item)
	}
	prev, had := c.doc.Levels[item]
	c.doc.Levels[item] = qty
	if err := c.flushLocked(); err != nil {
		if had {
			c.doc.Levels[item] = prev
		} else {
			delete(c.doc.Levels, item)
		}
		return err
	}
	return nil
}

// ListMultiVariantProducts returns products with two or more variants.
func (c *FileCatalog) ListMultiVariantProducts(ctx context.Context) ([]model.CatalogProduct, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []model.CatalogProduct
	for _, p := range c.doc.Products {
		if len(p.Variants) < 2 {
			continue
		}
		out = append(out, model.CatalogProduct{
			ProductID: p.ProductID,
			Title:     p.Title,
			Variants:  append([]model.Member(nil), p.Variants...),
		})
	}
	return out, nil
}

func (c *FileCatalog) flushLocked() error {
	sort.SliceStable(c.doc.Products, func(i, j int) bool {
		return c.doc.Products[i].ProductID < c.doc.Products[j].ProductID
	})
	b, err := yaml.Marshal(&c.doc)
	if err != nil {
		return errors.Wrap(err, "encode catalog")
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.path), filepath.Base(c.path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp catalog")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write temp catalog")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp catalog")
	}
	return errors.Wrapf(os.Rename(tmp.Name(), c.path), "replace %s", c.path)
}
