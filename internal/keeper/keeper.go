// Package keeper is a permissionless trade executor. Each pass it scans the
// active rebalance of every watched basket and pushes eligible components
// toward target, bounding every trade with a slippage limit derived from
// cached prices. Several keepers may run against one engine; a distributed
// lock per (basket, asset) keeps them from racing on the same component.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/basketbot/internal/config"
	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/alanyoungcy/basketbot/internal/fixed"
)

var errNoPrice = errors.New("no usable price")

// Config tunes the keeper loop.
type Config struct {
	Interval     time.Duration
	LockTTL      time.Duration
	SlippageBps  int
	MaxPriceAge  time.Duration
	Backoff      time.Duration
	Baskets      []domain.BasketID
	RaiseTargets bool
	Concurrency  int
}

// ConfigFrom maps the keeper config section.
func ConfigFrom(c config.KeeperConfig) Config {
	out := Config{
		Interval:     c.Interval.Duration,
		LockTTL:      c.LockTTL.Duration,
		SlippageBps:  c.SlippageBps,
		MaxPriceAge:  c.MaxPriceAge.Duration,
		Backoff:      c.Backoff.Duration,
		RaiseTargets: c.RaiseTargets,
		Concurrency:  c.Concurrency,
	}
	for _, b := range c.Baskets {
		out.Baskets = append(out.Baskets, domain.BasketID(b))
	}
	return out
}

// Report summarises one pass.
type Report struct {
	Trades  int
	Skipped int
	Failed  int
	Raised  int
}

func (r *Report) add(o Report) {
	r.Trades += o.Trades
	r.Skipped += o.Skipped
	r.Failed += o.Failed
	r.Raised += o.Raised
}

// Keeper runs trade passes. prices and locks may be nil: without prices no
// trade is attempted, without locks no coordination happens.
type Keeper struct {
	engine  Engine
	prices  domain.PriceCache
	locks   domain.LockManager
	backoff *Backoff
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a keeper driving engine. prices bounds every order and locks,
// when non-nil, keeps concurrent keepers off the same component.
func New(engine Engine, prices domain.PriceCache, locks domain.LockManager, cfg Config, logger *slog.Logger) *Keeper {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Keeper{
		engine:  engine,
		prices:  prices,
		locks:   locks,
		backoff: NewBackoff(cfg.Backoff),
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "keeper")),
		now:     time.Now,
	}
}

// Run executes a pass every interval until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	k.logger.InfoContext(ctx, "keeper started",
		slog.Duration("interval", k.cfg.Interval),
		slog.Int("slippage_bps", k.cfg.SlippageBps),
	)
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()

	for {
		rep, err := k.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			k.logger.ErrorContext(ctx, "keeper pass failed", slog.String("error", err.Error()))
		} else if rep.Trades > 0 || rep.Failed > 0 || rep.Raised > 0 {
			k.logger.InfoContext(ctx, "keeper pass",
				slog.Int("trades", rep.Trades),
				slog.Int("failed", rep.Failed),
				slog.Int("skipped", rep.Skipped),
				slog.Int("raised", rep.Raised),
			)
		}
		k.backoff.Cleanup()

		select {
		case <-ctx.Done():
			k.logger.Info("keeper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce runs one pass over every watched basket.
func (k *Keeper) RunOnce(ctx context.Context) (Report, error) {
	ids := k.cfg.Baskets
	if len(ids) == 0 {
		baskets, err := k.engine.Baskets(ctx)
		if err != nil {
			return Report{}, fmt.Errorf("keeper: list baskets: %w", err)
		}
		for _, b := range baskets {
			ids = append(ids, b.ID)
		}
	}

	reports := make([]Report, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(k.cfg.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			reports[i] = k.runBasket(gctx, id)
			return nil
		})
	}
	_ = g.Wait()

	var total Report
	for _, r := range reports {
		total.add(r)
	}
	return total, ctx.Err()
}

func (k *Keeper) runBasket(ctx context.Context, id domain.BasketID) Report {
	var rep Report
	log := k.logger.With(slog.String("basket", string(id)))

	ep, err := k.engine.Episode(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrNoActiveRebalance) {
			log.WarnContext(ctx, "read episode failed", slog.String("error", err.Error()))
			rep.Failed++
		}
		return rep
	}
	b, comps, err := k.snapshot(ctx, id)
	if err != nil {
		log.WarnContext(ctx, "read components failed", slog.String("error", err.Error()))
		rep.Failed++
		return rep
	}

	// Sells first: buys spend the quote asset they release.
	slices.SortStableFunc(comps, func(x, y domain.ComponentStatus) int {
		return sideRank(x.Direction) - sideRank(y.Direction)
	})
	for _, c := range comps {
		if c.Asset == b.QuoteAsset || c.Direction == domain.DirectionNone {
			continue
		}
		if !c.Eligible {
			rep.Skipped++
			continue
		}
		rep.add(k.trade(ctx, b, c, func(order domain.TradeOrder) (domain.FillReceipt, error) {
			order.Episode, order.Generation = ep.ID, ep.Generation
			return k.engine.ExecuteTrade(ctx, id, order)
		}, k.boundedOrder))
	}

	if rep.Trades > 0 {
		if b, comps, err = k.snapshot(ctx, id); err != nil {
			log.WarnContext(ctx, "refresh components failed", slog.String("error", err.Error()))
			rep.Failed++
			return rep
		}
	}
	rep.add(k.spendRemainingQuote(ctx, b, ep, comps))

	if k.cfg.RaiseTargets && ep.RaisePercentage.IsPositive() && allMet(b, comps) {
		if _, err := k.engine.RaiseTargets(ctx, id); errors.Is(err, domain.ErrTargetsNotMet) {
			log.DebugContext(ctx, "targets not raised", slog.String("error", err.Error()))
			rep.Skipped++
		} else if err != nil {
			log.WarnContext(ctx, "raise targets failed", slog.String("error", err.Error()))
			rep.Failed++
		} else {
			log.InfoContext(ctx, "targets raised", slog.String("percentage", ep.RaisePercentage.String()))
			rep.Raised++
		}
	}
	return rep
}

func (k *Keeper) snapshot(ctx context.Context, id domain.BasketID) (domain.Basket, []domain.ComponentStatus, error) {
	b, err := k.engine.Basket(ctx, id)
	if err != nil {
		return b, nil, err
	}
	comps, err := k.engine.Components(ctx, id)
	return b, comps, err
}

// spendRemainingQuote buys the first eligible under-target asset that can
// absorb all of the spare quote once no sells remain.
func (k *Keeper) spendRemainingQuote(ctx context.Context, b domain.Basket, ep domain.RebalanceEpisode, comps []domain.ComponentStatus) Report {
	var spare decimal.Decimal
	for _, c := range comps {
		if c.Asset == b.QuoteAsset {
			if c.Direction == domain.DirectionSell {
				spare = c.Outstanding
			}
			continue
		}
		if c.Direction == domain.DirectionSell {
			return Report{}
		}
	}
	if !spare.IsPositive() {
		return Report{}
	}

	for _, c := range comps {
		if c.Asset == b.QuoteAsset || c.Direction != domain.DirectionBuy || !c.Eligible {
			continue
		}
		price, err := k.price(ctx, c.Asset)
		if err != nil {
			continue
		}
		expected := fixed.Div(spare, price)
		if expected.GreaterThan(reservable(c)) {
			continue
		}
		build := func(context.Context, domain.ComponentStatus) (domain.TradeOrder, error) {
			return domain.TradeOrder{
				Asset:       c.Asset,
				MinReceived: fixed.Trunc(expected.Mul(k.slip(-1))),
			}, nil
		}
		return k.trade(ctx, b, c, func(order domain.TradeOrder) (domain.FillReceipt, error) {
			order.Episode, order.Generation = ep.ID, ep.Generation
			return k.engine.TradeRemainingQuote(ctx, b.ID, order)
		}, build)
	}
	return Report{}
}

// trade locks the component, builds its order and executes it.
func (k *Keeper) trade(
	ctx context.Context,
	b domain.Basket,
	c domain.ComponentStatus,
	exec func(domain.TradeOrder) (domain.FillReceipt, error),
	build func(context.Context, domain.ComponentStatus) (domain.TradeOrder, error),
) Report {
	key := string(b.ID) + "/" + string(c.Asset)
	log := k.logger.With(slog.String("basket", string(b.ID)), slog.String("asset", string(c.Asset)))
	if k.backoff.Parked(key) {
		return Report{Skipped: 1}
	}

	if k.locks != nil {
		unlock, err := k.locks.Acquire(ctx, "keeper:"+key, k.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return Report{Skipped: 1}
			}
			log.WarnContext(ctx, "acquire lock failed", slog.String("error", err.Error()))
			return Report{Failed: 1}
		}
		defer unlock()
	}

	order, err := build(ctx, c)
	if err != nil {
		log.DebugContext(ctx, "no order", slog.String("error", err.Error()))
		return Report{Skipped: 1}
	}

	r, err := exec(order)
	if err == nil {
		k.backoff.Clear(key)
		log.InfoContext(ctx, "trade executed",
			slog.String("side", string(r.Side)),
			slog.String("qty_in", r.QtyIn.String()),
			slog.String("qty_out", r.QtyOut.String()),
			slog.String("venue", r.Venue),
		)
		return Report{Trades: 1}
	}

	if domain.CategoryOf(err) == domain.CategoryScheduling {
		log.DebugContext(ctx, "trade not scheduled", slog.String("error", err.Error()))
		return Report{Skipped: 1}
	}
	k.backoff.Park(key)
	log.WarnContext(ctx, "trade failed",
		slog.String("category", string(domain.CategoryOf(err))),
		slog.String("error", err.Error()),
	)
	return Report{Failed: 1}
}

// boundedOrder prices one reservation-sized trade. A sell must receive at
// least value*(1-slippage) of quote; a buy may spend at most
// value*(1+slippage).
func (k *Keeper) boundedOrder(ctx context.Context, c domain.ComponentStatus) (domain.TradeOrder, error) {
	price, err := k.price(ctx, c.Asset)
	if err != nil {
		return domain.TradeOrder{}, err
	}
	value := reservable(c).Mul(price)
	order := domain.TradeOrder{Asset: c.Asset}
	if c.Direction == domain.DirectionSell {
		order.MinReceived = fixed.Trunc(value.Mul(k.slip(-1)))
	} else {
		order.MaxSent = fixed.Ceil(value.Mul(k.slip(1)))
	}
	return order, nil
}

func (k *Keeper) price(ctx context.Context, asset domain.AssetID) (decimal.Decimal, error) {
	if k.prices == nil {
		return decimal.Zero, errNoPrice
	}
	p, ts, err := k.prices.GetPrice(ctx, asset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %w", errNoPrice, asset, err)
	}
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s non-positive", errNoPrice, asset)
	}
	if k.cfg.MaxPriceAge > 0 && k.now().Sub(ts) > k.cfg.MaxPriceAge {
		return decimal.Zero, fmt.Errorf("%w: %s stale since %s", errNoPrice, asset, ts.Format(time.RFC3339))
	}
	return p, nil
}

// slip returns 1 + sign*slippage.
func (k *Keeper) slip(sign int64) decimal.Decimal {
	return decimal.NewFromInt(1).Add(decimal.New(sign*int64(k.cfg.SlippageBps), -4))
}

// reservable mirrors the scheduler's sizing: the outstanding quantity capped
// by the asset's max trade size.
func reservable(c domain.ComponentStatus) decimal.Decimal {
	if c.State.MaxTradeSize.IsPositive() {
		return decimal.Min(c.Outstanding, c.State.MaxTradeSize)
	}
	return c.Outstanding
}

// allMet reports whether every component sits at its target while the quote
// asset is still above its own, the only state in which targets may rise.
func allMet(b domain.Basket, comps []domain.ComponentStatus) bool {
	surplus := false
	for _, c := range comps {
		if c.Asset == b.QuoteAsset {
			surplus = c.Direction == domain.DirectionSell
			continue
		}
		if c.Direction != domain.DirectionNone {
			return false
		}
	}
	return surplus
}

func sideRank(d domain.Direction) int {
	if d == domain.DirectionSell {
		return 0
	}
	return 1
}
