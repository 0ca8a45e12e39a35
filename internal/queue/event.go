// Package queue connects the inventory service to RabbitMQ: a consumer for
// storefront events on the events queue and a publisher announcing every
// completed group sync on the sync queue.
package queue

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/iliyamo/variant-inventory-sync/internal/model"
)

// Event types accepted on the events queue.
const (
	TypeInventoryChanged = "inventory.changed"
	TypeOrderConfirmed   = "order.confirmed"
	TypeOrderCancelled   = "order.cancelled"
	TypeProductUpdated   = "product.updated"
	TypeProductDeleted   = "product.deleted"
)

// errMalformed marks messages that can never be processed.  They are
// rejected without requeue.
var errMalformed = errors.New("malformed event")

// Envelope is the JSON body of every message on the events queue.  Which
// fields are required depends on Type.
type Envelope struct {
	Type            string         `json:"type"`
	OrderID         string         `json:"order_id,omitempty"`
	Line            int            `json:"line,omitempty"`
	InventoryItemID string         `json:"inventory_item_id,omitempty"`
	VariantID       string         `json:"variant_id,omitempty"`
	ProductID       string         `json:"product_id,omitempty"`
	Quantity        int            `json:"quantity,omitempty"`
	Available       *int           `json:"available,omitempty"`
	Title           string         `json:"title,omitempty"`
	Variants        []model.Member `json:"variants,omitempty"`
}

// decodeEnvelope parses and validates body.
func decodeEnvelope(body []byte) (Envelope, error) {
	var ev Envelope
	if err := json.Unmarshal(body, &ev); err != nil {
		return Envelope{}, errors.Wrapf(errMalformed, "unmarshal: %v", err)
	}
	switch ev.Type {
	case TypeInventoryChanged:
		if ev.InventoryItemID == "" || ev.Available == nil {
			return ev, errors.Wrap(errMalformed, "inventory.changed needs inventory_item_id and available")
		}
	case TypeOrderConfirmed:
		if ev.VariantID == "" || ev.Quantity < 1 {
			return ev, errors.Wrap(errMalformed, "order.confirmed needs variant_id and a positive quantity")
		}
	case TypeOrderCancelled:
		if ev.InventoryItemID == "" || ev.Quantity < 1 {
			return ev, errors.Wrap(errMalformed, "order.cancelled needs inventory_item_id and a positive quantity")
		}
	case TypeProductUpdated, TypeProductDeleted:
		if ev.ProductID == "" {
			return ev, errors.Wrapf(errMalformed, "%s needs product_id", ev.Type)
		}
	default:
		return ev, errors.Wrapf(errMalformed, "unknown type %q", ev.Type)
	}
	return ev, nil
}
