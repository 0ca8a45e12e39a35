package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/iliyamo/variant-inventory-sync/internal/config"
	"github.com/iliyamo/variant-inventory-sync/internal/database"
	"github.com/iliyamo/variant-inventory-sync/internal/handler"
	"github.com/iliyamo/variant-inventory-sync/internal/middleware"
	"github.com/iliyamo/variant-inventory-sync/internal/queue"
	"github.com/iliyamo/variant-inventory-sync/internal/router"
	"github.com/iliyamo/variant-inventory-sync/internal/utils"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app := &cli.App{
		Name:  "variant-inventory-sync",
		Usage: "keeps the variants of a product on one shared inventory count",
		Commands: []*cli.Command{
			{Name: "serve", Usage: "run the HTTP, gRPC health and queue adapters", Action: serve},
			{
				Name:  "migrate",
				Usage: "apply the MySQL schema",
				Flags: []cli.Flag{&cli.BoolFlag{Name: "down", Usage: "roll every migration back"}},
				Action: func(c *cli.Context) error {
					cfg, err := config.Load()
					if err != nil {
						return err
					}
					return database.Migrate(cfg.Database(), c.Bool("down"))
				},
			},
			{Name: "discover", Usage: "reconcile groups with the catalog once and exit (server stopped)", Action: discover},
			{Name: "sweep", Usage: "expire overdue holds once and exit (server stopped)", Action: sweep},
			{
				Name:      "hash-password",
				Usage:     "print the bcrypt hash for ADMIN_PASSWORD_HASH",
				ArgsUsage: "<password>",
				Flags:     []cli.Flag{&cli.IntFlag{Name: "cost", Value: 12, EnvVars: []string{"BCRYPT_COST"}}},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("exactly one password argument is required", 2)
					}
					hash, err := utils.HashPassword(c.Args().First(), c.Int("cost"))
					if err != nil {
						return err
					}
					fmt.Fprintln(c.App.Writer, hash)
					return nil
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func setup(ctx context.Context, withNotifier bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return setupWith(ctx, cfg, withNotifier)
}

// setupOffline is setup for the one-shot commands.  They own the stores
// while they run, so they refuse to start next to a serving process.
func setupOffline(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if serverRunning(ctx, net.JoinHostPort("localhost", cfg.GRPCPort)) {
		return nil, cli.Exit("a serve process is running; use POST /v1/admin/discover or /v1/admin/sweep instead", 1)
	}
	return setupWith(ctx, cfg, false)
}

func setupWith(ctx context.Context, cfg config.Config, withNotifier bool) (*app, error) {
	logger, err := config.NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	return bootstrap(ctx, cfg, logger, withNotifier)
}

func discover(c *cli.Context) error {
	a, err := setupOffline(c.Context)
	if err != nil {
		return err
	}
	defer a.close()
	report, err := a.svc.RefreshGroups(c.Context)
	a.log.WithFields(log.Fields{
		"products": report.Products,
		"created":  report.Created,
		"updated":  report.Updated,
		"removed":  report.Removed,
		"failed":   report.Failed,
	}).Info("discovery done")
	return err
}

func sweep(c *cli.Context) error {
	a, err := setupOffline(c.Context)
	if err != nil {
		return err
	}
	defer a.close()
	n, err := a.svc.ExpireStale(c.Context)
	a.log.WithField("expired", n).Info("sweep done")
	return err
}

func serve(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()
	cfg, logger := a.cfg, a.log

	// a failed discovery leaves the persisted groups in charge
	if _, err := a.svc.RefreshGroups(ctx); err != nil {
		logger.WithError(err).Warn("startup discovery incomplete")
	}

	e := newEcho(logger)
	router.RegisterRoutes(e)
	limiter := middleware.NewTokenBucket(cfg.RateLimit, config.NewRedisClient(cfg.Redis), logger)
	router.RegisterStorefront(e, handler.NewInventoryHandler(a.svc, logger), limiter)
	if cfg.AdminEnabled() {
		router.RegisterAdmin(e, &handler.AdminHandler{
			Svc:          a.svc,
			Secret:       cfg.JWTSecret,
			PasswordHash: cfg.AdminPasswordHash,
			TokenTTL:     cfg.AccessTokenTTL,
			Log:          logger,
		})
	}

	grpcSrv, health := handler.NewGRPCServer()
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return errors.Wrap(err, "listen grpc")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.svc.RunSweeper(gctx, cfg.SweepInterval) })
	g.Go(func() error {
		logger.WithFields(log.Fields{"port": cfg.Port, "env": cfg.Env}).Info("http listening")
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		logger.WithField("port", cfg.GRPCPort).Info("grpc health listening")
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return errors.Wrap(err, "grpc server")
		}
		return nil
	})
	if cfg.MessagingEnabled() {
		consumer := queue.NewConsumer(cfg.RabbitMQURL, cfg.EventsQueue, a.svc, logger)
		g.Go(func() error { return consumer.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		health.Shutdown()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := e.Shutdown(sctx)
		grpcSrv.GracefulStop()
		return err
	})
	health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shut down")
	return nil
}

func newEcho(logger *log.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			entry := logger.WithFields(log.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
			})
			if v.Error != nil {
				entry.WithError(v.Error).Warn("request failed")
				return nil
			}
			entry.Debug("request")
			return nil
		},
	}))
	return e
}
