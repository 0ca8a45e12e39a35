package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/variant-inventory-sync/internal/config"
	"github.com/iliyamo/variant-inventory-sync/internal/utils"
)

func okHandler(c echo.Context) error { return c.String(http.StatusOK, "ok") }

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestJWTAuthAndRole(t *testing.T) {
	e := echo.New()
	e.GET("/admin", okHandler, JWTAuth("secret"), RequireRole(utils.RoleAdmin))

	t.Run("missing token", func(t *testing.T) {
		rec := serve(e, httptest.NewRequest(http.MethodGet, "/admin", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bad signature", func(t *testing.T) {
		tok, err := utils.NewAccessToken("other", "admin", utils.RoleAdmin, time.Minute)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+tok.Token)
		assert.Equal(t, http.StatusUnauthorized, serve(e, req).Code)
	})

	t.Run("wrong role", func(t *testing.T) {
		tok, err := utils.NewAccessToken("secret", "bob", "VIEWER", time.Minute)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+tok.Token)
		assert.Equal(t, http.StatusForbidden, serve(e, req).Code)
	})

	t.Run("admin", func(t *testing.T) {
		tok, err := utils.NewAccessToken("secret", "admin", utils.RoleAdmin, time.Minute)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+tok.Token)
		rec := serve(e, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestBuildRateKey(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/cart/add", nil)
	req.Header.Set(echo.HeaderXRealIP, "10.0.0.7")
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/v1/cart/add")

	cases := map[string]string{
		"ip":            "rl:ip:10.0.0.7",
		"ip_route":      "rl:ip:10.0.0.7:route:POST /v1/cart/add",
		"user":          "rl:user:anon",
		"":              "rl:ip:10.0.0.7:user:anon:route:POST /v1/cart/add",
		"ip_user_route": "rl:ip:10.0.0.7:user:anon:route:POST /v1/cart/add",
	}
	for strategy, want := range cases {
		cfg := config.RateLimitConfig{Prefix: "rl", KeyStrategy: strategy}
		assert.Equal(t, want, buildRateKey(cfg, c), "strategy %q", strategy)
	}
}

func TestTokenBucket_DisabledPassesThrough(t *testing.T) {
	logger, _ := test.NewNullLogger()
	e := echo.New()
	e.POST("/cart", okHandler, NewTokenBucket(config.RateLimitConfig{Enabled: true}, nil, logger))

	for i := 0; i < 5; i++ {
		rec := serve(e, httptest.NewRequest(http.MethodPost, "/cart", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestTokenBucket_Redis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer rdb.Close()

	prefix := "rl-test-" + time.Now().Format("150405.000000")
	cfg := config.RateLimitConfig{
		Enabled:        true,
		Capacity:       2,
		RefillTokens:   1,
		RefillInterval: time.Hour,
		TTL:            time.Minute,
		KeyStrategy:    "route",
		Prefix:         prefix,
	}
	logger, _ := test.NewNullLogger()
	e := echo.New()
	e.POST("/cart", okHandler, NewTokenBucket(cfg, rdb, logger))

	assert.Equal(t, http.StatusOK, serve(e, httptest.NewRequest(http.MethodPost, "/cart", nil)).Code)
	assert.Equal(t, http.StatusOK, serve(e, httptest.NewRequest(http.MethodPost, "/cart", nil)).Code)
	rec := serve(e, httptest.NewRequest(http.MethodPost, "/cart", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}
