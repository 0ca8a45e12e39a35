package main

import (
	"context"
	"io"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/iliyamo/variant-inventory-sync/internal/catalog"
	"github.com/iliyamo/variant-inventory-sync/internal/config"
	"github.com/iliyamo/variant-inventory-sync/internal/database"
	"github.com/iliyamo/variant-inventory-sync/internal/queue"
	"github.com/iliyamo/variant-inventory-sync/internal/repository"
	"github.com/iliyamo/variant-inventory-sync/internal/service"
)

// app is the wired service plus everything that must be closed on exit.
type app struct {
	cfg     config.Config
	log     *log.Logger
	svc     *service.InventoryService
	closers []io.Closer
}

// bootstrap opens the stores and the catalog, wires the inventory service
// and restores its state.  Migrations run first for the mysql store.
func bootstrap(ctx context.Context, cfg config.Config, logger *log.Logger, withNotifier bool) (*app, error) {
	a := &app{cfg: cfg, log: logger}

	groups, reservations, err := a.openStores(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	cat, err := catalog.Open(cfg.CatalogFile)
	if err != nil {
		a.close()
		return nil, err
	}

	opts := service.Options{
		ReservationTTL:      cfg.ReservationTTL,
		CatalogTimeout:      cfg.CatalogTimeout,
		DecrementUnreserved: cfg.DecrementUnreserved,
		Logger:              logger,
	}
	if withNotifier && cfg.MessagingEnabled() {
		pub := queue.NewPublisher(cfg.RabbitMQURL, cfg.SyncQueue)
		a.closers = append(a.closers, pub)
		opts.Notifier = pub
	}

	a.svc = service.NewInventoryService(
		service.NewGroupRegistry(groups),
		service.NewReservationLedger(reservations),
		cat,
		opts,
	)
	if err := a.svc.Load(ctx); err != nil {
		a.close()
		return nil, errors.Wrap(err, "restore state")
	}
	return a, nil
}

func (a *app) openStores(ctx context.Context) (service.GroupStore, service.ReservationStore, error) {
	switch a.cfg.StoreDriver {
	case config.StoreMySQL:
		if err := database.Migrate(a.cfg.Database(), false); err != nil {
			return nil, nil, err
		}
		db, err := database.Open(ctx, a.cfg.Database())
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, dbCloser{db})
		return repository.NewGroupRepo(db), repository.NewReservationRepo(db), nil
	default:
		groups, err := repository.NewGroupFileStore(a.cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		reservations, err := repository.NewReservationFileStore(a.cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return groups, reservations, nil
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.WithError(err).Warn("close failed")
		}
	}
}

type dbCloser struct{ db *sqlx.DB }

func (c dbCloser) Close() error { return c.db.Close() }
