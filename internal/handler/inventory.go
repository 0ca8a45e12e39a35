package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/variant-inventory-sync/internal/model"
	"github.com/iliyamo/variant-inventory-sync/internal/service"
)

// InventoryHandler adapts storefront traffic (cart-add calls and the
// inventory, order and product webhooks) onto the inventory service.
// Webhooks for variants outside any group are acknowledged with 200 and
// grouped=false so the storefront does not retry them.
type InventoryHandler struct {
	Svc *service.InventoryService
	Log logrus.FieldLogger
}

// NewInventoryHandler constructs an InventoryHandler.
func NewInventoryHandler(svc *service.InventoryService, log logrus.FieldLogger) *InventoryHandler {
	if svc == nil {
		panic("nil service passed to NewInventoryHandler")
	}
	return &InventoryHandler{Svc: svc, Log: log}
}

// CartAdd handles POST /v1/cart/add.  It answers 200 when the item may go
// into the cart (with a hold for grouped variants) and 409 when the group
// is sold out.
func (h *InventoryHandler) CartAdd(c echo.Context) error {
	var body struct {
		VariantID string `json:"variant_id"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if body.VariantID == "" {
		return badRequest(c, "variant_id is required")
	}
	res, err := h.Svc.OnCartAdd(c.Request().Context(), body.VariantID)
	if err != nil {
		return internalError(c, h.Log, err, "cart add failed")
	}
	if !res.Accepted {
		return c.JSON(http.StatusConflict, res)
	}
	return c.JSON(http.StatusOK, res)
}

// InventoryChanged handles POST /v1/webhooks/inventory.
func (h *InventoryHandler) InventoryChanged(c echo.Context) error {
	var body struct {
		InventoryItemID string `json:"inventory_item_id"`
		Available       *int   `json:"available"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if body.InventoryItemID == "" || body.Available == nil {
		return badRequest(c, "inventory_item_id and available are required")
	}
	res, err := h.Svc.OnInventoryChanged(c.Request().Context(), body.InventoryItemID, *body.Available)
	if err != nil {
		return internalError(c, h.Log, err, "inventory sync failed")
	}
	return c.JSON(http.StatusOK, res)
}

type confirmedLine struct {
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

type cancelledLine struct {
	InventoryItemID string `json:"inventory_item_id"`
	Quantity        int    `json:"quantity"`
}

// OrderConfirmed handles POST /v1/webhooks/orders/confirmed.  Every line is
// settled even when an earlier one fails; any failure turns the answer into
// a 500 so the storefront retries.  Lines are keyed by order id and
// position, so a retry only settles what is still missing.
func (h *InventoryHandler) OrderConfirmed(c echo.Context) error {
	var body struct {
		OrderID   string          `json:"order_id"`
		LineItems []confirmedLine `json:"line_items"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	for _, li := range body.LineItems {
		if li.VariantID == "" || li.Quantity < 1 {
			return badRequest(c, "every line item needs a variant_id and a positive quantity")
		}
	}

	ctx := c.Request().Context()
	results := make([]service.ConfirmResult, 0, len(body.LineItems))
	var firstErr error
	for i, li := range body.LineItems {
		res, err := h.Svc.OnOrderConfirmed(ctx, model.OrderLineRef(body.OrderID, i), li.VariantID, li.Quantity)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		results = append(results, res)
	}
	if firstErr != nil {
		return internalError(c, h.Log.WithField("order_id", body.OrderID), firstErr, "order confirmation failed")
	}
	return c.JSON(http.StatusOK, echo.Map{"order_id": body.OrderID, "lines": results})
}

// OrderCancelled handles POST /v1/webhooks/orders/cancelled.
func (h *InventoryHandler) OrderCancelled(c echo.Context) error {
	var body struct {
		OrderID   string          `json:"order_id"`
		LineItems []cancelledLine `json:"line_items"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	for _, li := range body.LineItems {
		if li.InventoryItemID == "" || li.Quantity < 1 {
			return badRequest(c, "every line item needs an inventory_item_id and a positive quantity")
		}
	}

	ctx := c.Request().Context()
	results := make([]service.SyncResult, 0, len(body.LineItems))
	var firstErr error
	for _, li := range body.LineItems {
		res, err := h.Svc.OnOrderCancelled(ctx, li.InventoryItemID, li.Quantity)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		results = append(results, res)
	}
	if firstErr != nil {
		return internalError(c, h.Log.WithField("order_id", body.OrderID), firstErr, "order cancellation failed")
	}
	return c.JSON(http.StatusOK, echo.Map{"order_id": body.OrderID, "lines": results})
}

// ProductUpdated handles POST /v1/webhooks/products.  The product's group
// is created, reshaped or removed to match the pushed variants.
func (h *InventoryHandler) ProductUpdated(c echo.Context) error {
	var body model.CatalogProduct
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if body.ProductID == "" {
		return badRequest(c, "product_id is required")
	}
	if err := h.Svc.RefreshProduct(c.Request().Context(), body); err != nil {
		return internalError(c, h.Log.WithField("product_id", body.ProductID), err, "product refresh failed")
	}
	return c.NoContent(http.StatusNoContent)
}

// ProductDeleted handles DELETE /v1/webhooks/products/:id.
func (h *InventoryHandler) ProductDeleted(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return badRequest(c, "invalid product id")
	}
	if err := h.Svc.RemoveProduct(c.Request().Context(), id); err != nil {
		return internalError(c, h.Log.WithField("product_id", id), err, "product removal failed")
	}
	return c.NoContent(http.StatusNoContent)
}
