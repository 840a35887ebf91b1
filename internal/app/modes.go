package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/basketbot/internal/crypto"
	"github.com/alanyoungcy/basketbot/internal/keeper"
	"github.com/alanyoungcy/basketbot/internal/pipeline"
	"github.com/alanyoungcy/basketbot/internal/server"
	"github.com/alanyoungcy/basketbot/internal/server/handler"
	"github.com/alanyoungcy/basketbot/internal/server/ws"
	"github.com/alanyoungcy/basketbot/internal/service"
)

// ServeMode runs the engine with the HTTP API, the websocket hub, the history
// writer and, when enabled, the periodic archiver.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	engine, err := a.buildEngine(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startEngine(ctx, g, deps, engine)
	a.startHTTPServer(ctx, g, deps, engine)
	return g.Wait()
}

// KeeperMode runs only the keeper loop against a remote engine API. Requests
// are signed with the configured wallet key.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting keeper mode",
		slog.String("engine_url", a.cfg.Keeper.EngineURL))

	signer, err := a.loadSigner()
	if err != nil {
		return err
	}
	remote := keeper.NewRemote(a.cfg.Keeper.EngineURL, signer, 15*time.Second)
	k := keeper.New(remote, deps.PriceCache, deps.LockManager, keeper.ConfigFrom(a.cfg.Keeper), a.logger)
	return k.Run(ctx)
}

// FullMode runs the engine, the HTTP API when enabled and an in-process
// keeper trading as the wallet address.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	engine, err := a.buildEngine(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startEngine(ctx, g, deps, engine)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, engine)
	}

	if a.cfg.Keeper.Enabled {
		signer, err := a.loadSigner()
		if err != nil {
			return err
		}
		caller := strings.ToLower(signer.Address().Hex())
		k := keeper.New(keeper.NewLocal(engine.Controller, caller), deps.PriceCache, deps.LockManager,
			keeper.ConfigFrom(a.cfg.Keeper), a.logger)
		g.Go(func() error {
			return k.Run(ctx)
		})
	} else {
		a.logger.InfoContext(ctx, "keeper.enabled is false; trades must be submitted through the API")
	}

	return g.Wait()
}

// startEngine launches the background workers every engine-hosting mode
// runs.
func (a *App) startEngine(ctx context.Context, g *errgroup.Group, deps *Dependencies, engine *Engine) {
	g.Go(func() error {
		return engine.History.Run(ctx)
	})

	if deps.Archiver != nil {
		arch := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
		g.Go(func() error {
			return arch.RunEvery(ctx, a.cfg.Archive.Interval.Duration)
		})
	}
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, engine *Engine) {
	ctrl := engine.Controller

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: a.started.UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	var fills handler.FillLister
	if deps.Postgres != nil {
		fills = deps.Stores.Fills
	}
	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(a.cfg.Mode, deps.healthChecks(), a.logger),
		Baskets:   handler.NewBasketHandler(ctrl, a.logger),
		Rebalance: handler.NewRebalanceHandler(ctrl, a.logger),
		Trades:    handler.NewTradeHandler(ctrl, fills, a.logger),
		Access:    handler.NewAccessHandler(ctrl, a.logger),
		Prices:    handler.NewPriceHandler(service.NewPriceService(deps.PriceCache, deps.SignalBus, a.logger), a.logger),
	}
	srv := server.NewServer(server.Config{
		Port:             a.cfg.Server.Port,
		CORSOrigins:      a.cfg.Server.CORSOrigins,
		AdminAPIKey:      a.cfg.Server.AdminAPIKey,
		SignatureMaxSkew: a.cfg.Server.SignatureMaxSkew.Duration,
		RateLimit:        a.cfg.Server.RateLimitPerMinute,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.InfoContext(ctx, "HTTP server shutting down")
		return srv.Shutdown(shutCtx)
	})
}

func (a *App) loadSigner() (*crypto.Signer, error) {
	signer, err := crypto.LoadSigner(crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Wallet.PrivateKey,
		EncryptedKeyPath: a.cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      a.cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("app: load keeper signer: %w", err)
	}
	return signer, nil
}
