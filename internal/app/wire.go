package app

import (
	"context"
	"fmt"

	s3blob "github.com/alanyoungcy/basketbot/internal/blob/s3"
	"github.com/alanyoungcy/basketbot/internal/cache/redis"
	"github.com/alanyoungcy/basketbot/internal/config"
	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/alanyoungcy/basketbot/internal/notify"
	"github.com/alanyoungcy/basketbot/internal/server/handler"
	"github.com/alanyoungcy/basketbot/internal/store/postgres"
)

// Dependencies bundles the infrastructure a mode runs on. Fields for
// backends a mode does not use stay nil.
type Dependencies struct {
	Postgres *postgres.Client
	Stores   postgres.Stores

	Redis       *redis.Client
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	S3       *s3blob.Client
	Archiver *s3blob.Archiver

	Notifier *notify.Notifier
}

// wireOptions selects the backends to connect.
type wireOptions struct {
	postgres bool
	redis    bool
	s3       bool
}

// optionsFor returns the backends mode needs. The keeper process only talks
// to the engine API and Redis.
func optionsFor(mode string, cfg *config.Config) wireOptions {
	switch mode {
	case "serve", "full":
		return wireOptions{postgres: true, redis: true, s3: cfg.Archive.Enabled}
	case "keeper":
		return wireOptions{redis: true}
	case "migrate":
		return wireOptions{postgres: true}
	case "archive":
		return wireOptions{postgres: true, s3: true}
	}
	return wireOptions{}
}

// wire connects the selected backends. Every opened resource registers a
// closer on the App.
func (a *App) wire(ctx context.Context, opts wireOptions) (*Dependencies, error) {
	cfg := a.cfg
	deps := &Dependencies{}

	if opts.postgres {
		pg, err := postgres.New(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("wire: postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)

		if cfg.Database.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		deps.Postgres = pg
		deps.Stores = pg.Stores()
	}

	if opts.redis {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Namespace:  cfg.Redis.Namespace,
		})
		if err != nil {
			return nil, fmt.Errorf("wire: redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = rc.Close() })

		deps.Redis = rc
		deps.PriceCache = redis.NewPriceCache(rc)
		deps.RateLimiter = redis.NewRateLimiter(rc)
		deps.LockManager = redis.NewLockManager(rc)
		deps.SignalBus = redis.NewSignalBus(rc)
	}

	if opts.s3 {
		client, err := s3blob.New(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.S3 = client
		if deps.Postgres != nil {
			deps.Archiver = s3blob.NewArchiver(
				s3blob.NewWriter(client),
				s3blob.NewReader(client),
				deps.Stores.Fills,
				deps.Stores.Audit,
				cfg.Archive.Prefix,
			)
		}
	}

	deps.Notifier = notify.FromConfig(cfg.Notify, a.logger)
	return deps, nil
}

// healthChecks lists probes for every connected backend.
func (d *Dependencies) healthChecks() map[string]handler.HealthCheck {
	checks := map[string]handler.HealthCheck{}
	if d.Postgres != nil {
		checks["postgres"] = d.Postgres.Ping
	}
	if d.Redis != nil {
		checks["redis"] = d.Redis.Ping
	}
	if d.S3 != nil {
		checks["s3"] = d.S3.Health
	}
	return checks
}
