package keeper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/basketbot/internal/domain"
)

const basket domain.BasketID = "idx"

var clock = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type call struct {
	kind  string
	order domain.TradeOrder
}

type fakeEngine struct {
	mu         sync.Mutex
	ep         domain.RebalanceEpisode
	episodeErr error
	comps      []domain.ComponentStatus
	errs       map[string]error
	calls      []call
}

func (f *fakeEngine) Baskets(context.Context) ([]domain.Basket, error) {
	return []domain.Basket{{ID: basket, QuoteAsset: "WETH"}}, nil
}

func (f *fakeEngine) Basket(context.Context, domain.BasketID) (domain.Basket, error) {
	return domain.Basket{ID: basket, QuoteAsset: "WETH"}, nil
}

func (f *fakeEngine) Episode(context.Context, domain.BasketID) (domain.RebalanceEpisode, error) {
	if f.episodeErr != nil {
		return domain.RebalanceEpisode{}, f.episodeErr
	}
	return f.ep, nil
}

func (f *fakeEngine) Components(context.Context, domain.BasketID) ([]domain.ComponentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ComponentStatus(nil), f.comps...), nil
}

func (f *fakeEngine) record(kind string, order domain.TradeOrder) (domain.FillReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{kind, order})
	if err := f.errs[kind+":"+string(order.Asset)]; err != nil {
		return domain.FillReceipt{}, err
	}
	return domain.FillReceipt{Asset: order.Asset}, nil
}

func (f *fakeEngine) ExecuteTrade(_ context.Context, _ domain.BasketID, order domain.TradeOrder) (domain.FillReceipt, error) {
	return f.record("execute", order)
}

func (f *fakeEngine) TradeRemainingQuote(_ context.Context, _ domain.BasketID, order domain.TradeOrder) (domain.FillReceipt, error) {
	return f.record("remaining", order)
}

func (f *fakeEngine) RaiseTargets(context.Context, domain.BasketID) (domain.RebalanceEpisode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{kind: "raise"})
	return f.ep, f.errs["raise:"]
}

func (f *fakeEngine) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.kind + ":" + string(c.order.Asset)
	}
	return out
}

type fakePrices map[domain.AssetID]struct {
	p  string
	at time.Time
}

func (f fakePrices) SetPrice(context.Context, domain.AssetID, decimal.Decimal, time.Time) error {
	return nil
}

func (f fakePrices) GetPrice(_ context.Context, a domain.AssetID) (decimal.Decimal, time.Time, error) {
	e, ok := f[a]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return decimal.RequireFromString(e.p), e.at, nil
}

func (f fakePrices) GetPrices(context.Context, []domain.AssetID) (map[domain.AssetID]decimal.Decimal, error) {
	return nil, nil
}

type fakeLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, fmt.Errorf("lock %s: %w", key, domain.ErrLockHeld)
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, nil
}

func comp(asset domain.AssetID, dir domain.Direction, outstanding, maxSize string) domain.ComponentStatus {
	return domain.ComponentStatus{
		Asset:       asset,
		Direction:   dir,
		Outstanding: decimal.RequireFromString(outstanding),
		Eligible:    dir != domain.DirectionNone,
		State:       domain.AssetTradeState{MaxTradeSize: decimal.RequireFromString(maxSize)},
	}
}

func fresh(p string) struct {
	p  string
	at time.Time
} {
	return struct {
		p  string
		at time.Time
	}{p, clock.Add(-time.Second)}
}

func newKeeper(eng Engine, prices domain.PriceCache, locks domain.LockManager, cfg Config) *Keeper {
	if cfg.SlippageBps == 0 {
		cfg.SlippageBps = 100
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = time.Minute
	}
	cfg.MaxPriceAge = time.Minute
	k := New(eng, prices, locks, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	k.now = func() time.Time { return clock }
	return k
}

func episode() domain.RebalanceEpisode {
	return domain.RebalanceEpisode{ID: "ep-1", BasketID: basket, Generation: 3}
}

func TestPassSellsFirstWithPriceBounds(t *testing.T) {
	eng := &fakeEngine{
		ep: episode(),
		comps: []domain.ComponentStatus{
			comp("BBB", domain.DirectionBuy, "5", "2"),
			comp("WETH", domain.DirectionNone, "0", "0"),
			comp("AAA", domain.DirectionSell, "10", "4"),
		},
	}
	prices := fakePrices{"AAA": fresh("2"), "BBB": fresh("3")}
	k := newKeeper(eng, prices, nil, Config{})

	rep, err := k.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Trades: 2}, rep)
	assert.Equal(t, []string{"execute:AAA", "execute:BBB"}, eng.kinds())

	sell, buy := eng.calls[0].order, eng.calls[1].order
	assert.Equal(t, "7.92", sell.MinReceived.String())
	assert.True(t, sell.MaxSent.IsZero())
	assert.Equal(t, "6.06", buy.MaxSent.String())
	assert.True(t, buy.MinReceived.IsZero())
	assert.Equal(t, "ep-1", sell.Episode)
	assert.EqualValues(t, 3, buy.Generation)
}

func TestPassNeedsAFreshPrice(t *testing.T) {
	eng := &fakeEngine{
		ep: episode(),
		comps: []domain.ComponentStatus{
			comp("AAA", domain.DirectionSell, "10", "4"),
			comp("BBB", domain.DirectionSell, "10", "4"),
			comp("CCC", domain.DirectionSell, "10", "4"),
		},
	}
	stale := fresh("1")
	stale.at = clock.Add(-time.Hour)
	prices := fakePrices{"BBB": stale, "CCC": fresh("0")}
	k := newKeeper(eng, prices, nil, Config{})

	rep, err := k.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Skipped: 3}, rep)
	assert.Empty(t, eng.calls)
}

func TestPassSkipsLockedAndIneligible(t *testing.T) {
	ineligible := comp("BBB", domain.DirectionSell, "10", "4")
	ineligible.Eligible = false
	eng := &fakeEngine{
		ep:    episode(),
		comps: []domain.ComponentStatus{comp("AAA", domain.DirectionSell, "10", "4"), ineligible},
	}
	locks := &fakeLocks{held: map[string]bool{"keeper:idx/AAA": true}}
	k := newKeeper(eng, fakePrices{"AAA": fresh("1"), "BBB": fresh("1")}, locks, Config{})

	rep, err := k.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Skipped: 2}, rep)
	assert.Empty(t, eng.calls)
	assert.True(t, locks.held["keeper:idx/AAA"])
}

func TestFailedTradeIsParked(t *testing.T) {
	eng := &fakeEngine{
		ep:    episode(),
		comps: []domain.ComponentStatus{comp("AAA", domain.DirectionSell, "10", "4")},
		errs:  map[string]error{"execute:AAA": fmt.Errorf("venue: %w", domain.ErrSlippageExceeded)},
	}
	locks := &fakeLocks{held: map[string]bool{}}
	k := newKeeper(eng, fakePrices{"AAA": fresh("1")}, locks, Config{Backoff: time.Minute})
	now := clock
	k.backoff.now = func() time.Time { return now }

	rep, _ := k.RunOnce(context.Background())
	assert.Equal(t, Report{Failed: 1}, rep)
	assert.Empty(t, locks.held, "lock released after the attempt")

	rep, _ = k.RunOnce(context.Background())
	assert.Equal(t, Report{Skipped: 1}, rep)
	assert.Len(t, eng.calls, 1)

	now = now.Add(2 * time.Minute)
	k.backoff.Cleanup()
	delete(eng.errs, "execute:AAA")
	rep, _ = k.RunOnce(context.Background())
	assert.Equal(t, Report{Trades: 1}, rep)
	assert.Len(t, eng.calls, 2)
}

func TestSchedulingRefusalIsNotParked(t *testing.T) {
	eng := &fakeEngine{
		ep:    episode(),
		comps: []domain.ComponentStatus{comp("AAA", domain.DirectionSell, "10", "4")},
		errs:  map[string]error{"execute:AAA": fmt.Errorf("rebalance: %w", domain.ErrNotEligible)},
	}
	k := newKeeper(eng, fakePrices{"AAA": fresh("1")}, nil, Config{})

	for range 2 {
		rep, err := k.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, Report{Skipped: 1}, rep)
	}
	assert.Len(t, eng.calls, 2)
}

func TestNoActiveRebalanceIsQuiet(t *testing.T) {
	eng := &fakeEngine{episodeErr: fmt.Errorf("rebalance: %w", domain.ErrNoActiveRebalance)}
	k := newKeeper(eng, fakePrices{}, nil, Config{})

	rep, err := k.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)
}

func TestRemainingQuoteGoesToAnAssetThatCanAbsorbIt(t *testing.T) {
	eng := &fakeEngine{
		ep: episode(),
		comps: []domain.ComponentStatus{
			comp("CCC", domain.DirectionBuy, "10", "1"),
			comp("BBB", domain.DirectionBuy, "10", "5"),
			comp("WETH", domain.DirectionSell, "3", "0"),
		},
	}
	k := newKeeper(eng, fakePrices{"BBB": fresh("1"), "CCC": fresh("1")}, nil, Config{})

	rep, err := k.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Trades)
	assert.Equal(t, []string{"execute:CCC", "execute:BBB", "remaining:BBB"}, eng.kinds())
	assert.Equal(t, "2.97", eng.calls[2].order.MinReceived.String())
	assert.Equal(t, "ep-1", eng.calls[2].order.Episode)
}

func TestRemainingQuoteWaitsForSells(t *testing.T) {
	eng := &fakeEngine{
		ep: episode(),
		comps: []domain.ComponentStatus{
			comp("AAA", domain.DirectionSell, "10", "4"),
			comp("WETH", domain.DirectionSell, "3", "0"),
		},
		errs: map[string]error{"execute:AAA": domain.ErrNotEligible},
	}
	k := newKeeper(eng, fakePrices{"AAA": fresh("1")}, nil, Config{})

	_, err := k.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"execute:AAA"}, eng.kinds())
}

func TestRaiseTargetsOnceMet(t *testing.T) {
	ep := episode()
	ep.RaisePercentage = decimal.RequireFromString("0.1")
	eng := &fakeEngine{
		ep:    ep,
		comps: []domain.ComponentStatus{comp("AAA", domain.DirectionNone, "0", "4"), comp("WETH", domain.DirectionSell, "1", "0")},
	}

	rep, err := newKeeper(eng, fakePrices{}, nil, Config{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Raised, "raising is opt-in")

	rep, err = newKeeper(eng, fakePrices{}, nil, Config{RaiseTargets: true}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Raised)
	assert.Equal(t, []string{"raise:"}, eng.kinds())
}

func TestRaiseTargetsWaitsForQuoteSurplus(t *testing.T) {
	ep := episode()
	ep.RaisePercentage = decimal.RequireFromString("0.1")
	eng := &fakeEngine{
		ep:    ep,
		comps: []domain.ComponentStatus{comp("AAA", domain.DirectionNone, "0", "4"), comp("WETH", domain.DirectionNone, "0", "0")},
	}
	k := newKeeper(eng, fakePrices{}, nil, Config{RaiseTargets: true})

	for range 3 {
		rep, err := k.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Zero(t, rep.Raised)
		assert.Zero(t, rep.Failed)
	}
	assert.Empty(t, eng.kinds())

	eng.comps[1] = comp("WETH", domain.DirectionSell, "1", "0")
	eng.errs = map[string]error{"raise:": fmt.Errorf("raise: %w", domain.ErrTargetsNotMet)}
	rep, err := k.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Raised)
	assert.Zero(t, rep.Failed)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, []string{"raise:"}, eng.kinds())
}

func TestBackoff(t *testing.T) {
	now := clock
	b := NewBackoff(time.Minute)
	b.now = func() time.Time { return now }

	assert.False(t, b.Parked("k"))
	b.Park("k")
	assert.True(t, b.Parked("k"))

	now = now.Add(time.Minute)
	assert.False(t, b.Parked("k"))
	b.Cleanup()
	assert.Zero(t, b.len())

	b.Park("k")
	b.Clear("k")
	assert.False(t, b.Parked("k"))
}
