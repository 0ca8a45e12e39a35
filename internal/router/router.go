package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/variant-inventory-sync/internal/handler"
	"github.com/iliyamo/variant-inventory-sync/internal/middleware"
	"github.com/iliyamo/variant-inventory-sync/internal/utils"
)

// RegisterRoutes registers routes that do not require authentication.
// Currently it exposes only a health check.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
}

// RegisterStorefront registers the cart-add call and the storefront
// webhooks.  Only cart-add is rate limited; webhooks come from the
// storefront itself and must never be dropped.
func RegisterStorefront(e *echo.Echo, h *handler.InventoryHandler, limiter echo.MiddlewareFunc) {
	v1 := e.Group("/v1")
	v1.POST("/cart/add", h.CartAdd, limiter)

	wh := v1.Group("/webhooks")
	wh.POST("/inventory", h.InventoryChanged)
	wh.POST("/orders/confirmed", h.OrderConfirmed)
	wh.POST("/orders/cancelled", h.OrderCancelled)
	wh.POST("/products", h.ProductUpdated)
	wh.DELETE("/products/:id", h.ProductDeleted)
}

// RegisterAdmin registers the operator routes.  The token endpoint is open;
// everything else needs an ADMIN access token.
func RegisterAdmin(e *echo.Echo, a *handler.AdminHandler) {
	g := e.Group("/v1/admin")
	g.POST("/token", a.Token)

	auth := g.Group("", middleware.JWTAuth(a.Secret), middleware.RequireRole(utils.RoleAdmin))
	auth.GET("/status", a.Status)
	auth.POST("/sweep", a.Sweep)
	auth.POST("/discover", a.Discover)
}
