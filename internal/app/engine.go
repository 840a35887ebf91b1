package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alanyoungcy/basketbot/internal/access"
	"github.com/alanyoungcy/basketbot/internal/config"
	"github.com/alanyoungcy/basketbot/internal/crypto"
	"github.com/alanyoungcy/basketbot/internal/custody"
	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/alanyoungcy/basketbot/internal/fee"
	"github.com/alanyoungcy/basketbot/internal/fixed"
	"github.com/alanyoungcy/basketbot/internal/ledger"
	"github.com/alanyoungcy/basketbot/internal/rebalance"
	"github.com/alanyoungcy/basketbot/internal/scheduler"
	"github.com/alanyoungcy/basketbot/internal/service"
	"github.com/alanyoungcy/basketbot/internal/venue"
	"github.com/alanyoungcy/basketbot/internal/venue/oracle"
	"github.com/alanyoungcy/basketbot/internal/venue/rfq"
)

// Engine is the in-process rebalance engine with its collaborators.
type Engine struct {
	Controller *rebalance.Controller
	Ledger     *ledger.Ledger
	Scheduler  *scheduler.Scheduler
	Guard      *access.Guard
	Fees       *fee.Accrual
	Vault      *custody.Vault
	Router     *venue.Router
	History    *service.HistoryService
}

// buildEngine assembles the engine, restores persisted state and seeds
// configured baskets. Listeners are attached after the restore so replayed
// state is not written back.
func (a *App) buildEngine(ctx context.Context, deps *Dependencies) (*Engine, error) {
	cfg := a.cfg

	fees, err := fee.NewAccrual(cfg.Engine.DefaultFeeBps)
	if err != nil {
		return nil, fmt.Errorf("engine: fees: %w", err)
	}
	router, err := a.buildRouter(deps)
	if err != nil {
		return nil, err
	}

	history := service.NewHistoryService(deps.historyStores(), deps.SignalBus, deps.Notifier,
		cfg.Engine.PersistBuffer, a.logger)

	e := &Engine{
		Ledger:    ledger.New(),
		Scheduler: scheduler.New(),
		Guard:     access.NewGuard(),
		Fees:      fees,
		Vault:     custody.NewVault(),
		Router:    router,
		History:   history,
	}
	e.Controller = rebalance.New(rebalance.Deps{
		Ledger:    e.Ledger,
		Scheduler: e.Scheduler,
		Guard:     e.Guard,
		Fees:      e.Fees,
		Venues:    e.Router,
		Custody:   e.Vault,
		Sink:      history,
		Logger:    a.logger,
	})

	if deps.Postgres != nil {
		if err := e.restore(ctx, deps); err != nil {
			return nil, err
		}
	}

	e.Ledger.OnChange(func(change domain.PositionChange) {
		// Fills already moved vault balances during settlement.
		if change.Reason != "fill" {
			e.Vault.Sync(change.Basket)
		}
		history.BasketChanged(change)
	})
	e.Scheduler.OnChange(history.TradeStateChanged)

	if err := e.seed(ctx, cfg.Baskets, a.logger); err != nil {
		return nil, err
	}
	return e, nil
}

// historyStores maps the postgres stores onto the history service. Without
// postgres every store stays a nil interface.
func (d *Dependencies) historyStores() service.Stores {
	if d.Postgres == nil {
		return service.Stores{}
	}
	st := d.Stores
	return service.Stores{
		Baskets:     st.Baskets,
		Episodes:    st.Episodes,
		TradeStates: st.TradeStates,
		Access:      st.Access,
		Fees:        st.Access,
		Fills:       st.Fills,
		Audit:       st.Audit,
	}
}

// buildRouter registers the oracle venue and every RFQ venue.
func (a *App) buildRouter(deps *Dependencies) (*venue.Router, error) {
	vc := a.cfg.Venues
	router := venue.NewRouter(a.logger)

	if vc.Oracle.Enabled {
		if deps.PriceCache == nil {
			return nil, errors.New("engine: oracle venue requires redis price cache")
		}
		v := oracle.New(vc.Oracle.Name, deps.PriceCache, vc.Oracle.SpreadBps, vc.Oracle.MaxPriceAge.Duration)
		if err := router.Register(v, vc.Oracle.RatePerSecond, vc.Oracle.Burst); err != nil {
			return nil, fmt.Errorf("engine: register oracle venue: %w", err)
		}
	}
	for _, rc := range vc.RFQ {
		var auth *crypto.HMACAuth
		if rc.APIKey != "" {
			auth = &crypto.HMACAuth{Key: rc.APIKey, Secret: rc.APISecret}
		}
		c := rfq.NewClient(rc.Name, rc.BaseURL, auth, rc.Timeout.Duration)
		if err := router.Register(c, rc.RatePerSecond, rc.Burst); err != nil {
			return nil, fmt.Errorf("engine: register rfq venue %s: %w", rc.Name, err)
		}
	}
	return router, nil
}

// restore loads persisted baskets, episodes, trade states, access lists and
// fee overrides into the in-memory engine.
func (e *Engine) restore(ctx context.Context, deps *Dependencies) error {
	st := deps.Stores

	baskets, err := st.Baskets.List(ctx)
	if err != nil {
		return fmt.Errorf("engine: restore baskets: %w", err)
	}
	for _, b := range baskets {
		if err := e.Ledger.Restore(b); err != nil {
			return fmt.Errorf("engine: restore basket %s: %w", b.ID, err)
		}
		restored, err := e.Ledger.Snapshot(b.ID)
		if err != nil {
			return fmt.Errorf("engine: restore basket %s: %w", b.ID, err)
		}
		e.Vault.Sync(restored)
	}

	states, err := st.TradeStates.List(ctx)
	if err != nil {
		return fmt.Errorf("engine: restore trade states: %w", err)
	}
	for _, s := range states {
		e.Scheduler.Restore(s)
	}

	acl, err := st.Access.List(ctx)
	if err != nil {
		return fmt.Errorf("engine: restore access: %w", err)
	}
	for _, c := range acl {
		e.Guard.Restore(c)
	}

	fees, err := st.Access.ListBasketFees(ctx)
	if err != nil {
		return fmt.Errorf("engine: restore fees: %w", err)
	}
	for id, bps := range fees {
		if err := e.Fees.SetBasketFee(id, bps); err != nil {
			return fmt.Errorf("engine: restore fee %s: %w", id, err)
		}
	}

	episodes, err := st.Episodes.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("engine: restore episodes: %w", err)
	}
	for _, ep := range episodes {
		e.Controller.RestoreEpisode(ep)
	}
	return nil
}

// seed registers configured baskets that are not yet in the ledger.
func (e *Engine) seed(ctx context.Context, seeds []config.BasketSeed, logger *slog.Logger) error {
	for _, s := range seeds {
		id := domain.BasketID(s.ID)
		if _, err := e.Ledger.Snapshot(id); err == nil {
			logger.DebugContext(ctx, "seed basket already present", slog.String("basket", s.ID))
			continue
		}
		spec, err := specFromSeed(s)
		if err != nil {
			return err
		}
		if _, err := e.Controller.RegisterBasket(ctx, spec); err != nil {
			return fmt.Errorf("engine: seed basket %s: %w", s.ID, err)
		}
	}
	return nil
}

func specFromSeed(s config.BasketSeed) (domain.BasketSpec, error) {
	spec := domain.BasketSpec{
		ID:         domain.BasketID(s.ID),
		QuoteAsset: domain.AssetID(s.QuoteAsset),
		Manager:    s.Manager,
	}
	var err error
	if spec.TotalShares, err = fixed.Parse(s.TotalShares); err != nil {
		return spec, fmt.Errorf("engine: seed %s total_shares: %w", s.ID, err)
	}
	spec.Multiplier = fixed.One
	if s.Multiplier != "" {
		if spec.Multiplier, err = fixed.Parse(s.Multiplier); err != nil {
			return spec, fmt.Errorf("engine: seed %s position_multiplier: %w", s.ID, err)
		}
	}
	assets := make([]string, 0, len(s.Positions))
	for asset := range s.Positions {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	for _, asset := range assets {
		u, err := fixed.Parse(s.Positions[asset])
		if err != nil {
			return spec, fmt.Errorf("engine: seed %s position %s: %w", s.ID, asset, err)
		}
		spec.Positions = append(spec.Positions, domain.Position{Asset: domain.AssetID(asset), Unit: u})
	}
	return spec, nil
}
