// Package app assembles the service: database pool, capability inventory,
// node scheduler, balance guard and the HTTP router.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxmeter/voxmeter/internal/eventlog"
	"github.com/voxmeter/voxmeter/internal/httpapi"
	"github.com/voxmeter/voxmeter/internal/metering"
	"github.com/voxmeter/voxmeter/internal/registry"
	"github.com/voxmeter/voxmeter/internal/scheduler"
	"github.com/voxmeter/voxmeter/internal/session"
	"github.com/voxmeter/voxmeter/internal/store"
	"github.com/voxmeter/voxmeter/internal/worker"
)

type App struct {
	cfg      Config
	logger   *log.Logger
	db       *pgxpool.Pool
	store    *store.Store
	eventLog *eventlog.Logger
	registry *registry.Registry
	pool     *scheduler.Pool
	guard    *metering.Guard
	worker   *worker.Client
	sessions *httpapi.SessionRegistry
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	reg, err := registry.LoadFile(cfg.InventoryPath)
	if err != nil {
		return nil, fmt.Errorf("load inventory: %w", err)
	}
	if len(reg.Nodes()) == 0 {
		return nil, errors.New("inventory has no nodes")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s := store.New(db)

	// Migrations are applied externally by the CI deploy job (docker exec psql).
	// No automatic migration runner at startup.

	// Shared HTTP client with connection pooling for worker nodes. Keeps TCP
	// connections alive so per-segment transcription requests skip the dial.
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &App{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		store:    s,
		eventLog: eventlog.New(db),
		registry: reg,
		pool: scheduler.NewPool(reg.Nodes(), scheduler.Config{
			Retries: cfg.ReserveRetries,
			Backoff: cfg.ReserveBackoff,
		}, logger),
		guard:    metering.NewGuard(s, logger),
		worker:   worker.NewClient(httpClient),
		sessions: httpapi.NewSessionRegistry(),
	}, nil
}

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		PublicBaseURL:       a.cfg.PublicBaseURL,
		JWTSecret:           a.cfg.JWTSecret,
		JWTExpiry:           a.cfg.JWTExpiry,
		StripeWebhookSecret: a.cfg.StripeWebhookSecret,
		StripeSuccessURL:    a.cfg.StripeSuccessURL,
		StripeCancelURL:     a.cfg.StripeCancelURL,
		Session: session.Config{
			InflightWindow:       a.cfg.InflightWindow,
			TaskTimeout:          a.cfg.TaskTimeout,
			InitialEstimateUnits: uint64(a.cfg.InitialEstimateUnits),
			RingCapacityMS:       a.cfg.RingCapacityMs,
			GracePeriod:          a.cfg.GracePeriod,
		},
	}
	return httpapi.NewRouter(routerCfg, a.logger, httpapi.Deps{
		Store:    a.store,
		EventLog: a.eventLog,
		Registry: a.registry,
		Pool:     a.pool,
		Guard:    a.guard,
		Worker:   a.worker,
		Sessions: a.sessions,
	})
}

// Sessions exposes the session registry so main can drain it on shutdown.
func (a *App) Sessions() *httpapi.SessionRegistry {
	return a.sessions
}

func (a *App) Close() error {
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
