package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/variant-inventory-sync/internal/service"
	"github.com/iliyamo/variant-inventory-sync/internal/utils"
)

// AdminHandler serves the operator routes: token issue, status snapshot and
// on-demand sweep and discovery.  There is a single operator identity whose
// bcrypt password hash comes from configuration.
type AdminHandler struct {
	Svc          *service.InventoryService
	Secret       string
	PasswordHash string
	TokenTTL     time.Duration
	Log          logrus.FieldLogger
}

// Token handles POST /v1/admin/token.  A correct password yields an ADMIN
// access token.
func (h *AdminHandler) Token(c echo.Context) error {
	var body struct {
		Password string `json:"password"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if !utils.VerifyPassword(h.PasswordHash, body.Password) {
		h.Log.WithField("ip", c.RealIP()).Warn("admin login rejected")
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	}
	tok, err := utils.NewAccessToken(h.Secret, "admin", utils.RoleAdmin, h.TokenTTL)
	if err != nil {
		return internalError(c, h.Log, err, "issue admin token")
	}
	return c.JSON(http.StatusOK, tok)
}

// Status handles GET /v1/admin/status.
func (h *AdminHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"groups": h.Svc.StatusSnapshot()})
}

// Sweep handles POST /v1/admin/sweep.
func (h *AdminHandler) Sweep(c echo.Context) error {
	n, err := h.Svc.ExpireStale(c.Request().Context())
	if err != nil {
		return internalError(c, h.Log, err, "manual sweep failed")
	}
	return c.JSON(http.StatusOK, echo.Map{"expired": n})
}

// Discover handles POST /v1/admin/discover.  A partial failure still returns
// the report, with status 502 to flag the catalog trouble.
func (h *AdminHandler) Discover(c echo.Context) error {
	report, err := h.Svc.RefreshGroups(c.Request().Context())
	if err != nil {
		h.Log.WithError(err).Warn("manual discovery incomplete")
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "discovery incomplete", "report": report})
	}
	return c.JSON(http.StatusOK, report)
}
