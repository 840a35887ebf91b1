package rebalance

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/basketbot/internal/access"
	"github.com/alanyoungcy/basketbot/internal/custody"
	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/alanyoungcy/basketbot/internal/fee"
	"github.com/alanyoungcy/basketbot/internal/fixed"
	"github.com/alanyoungcy/basketbot/internal/ledger"
	"github.com/alanyoungcy/basketbot/internal/scheduler"
	"github.com/alanyoungcy/basketbot/internal/venue"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	manager = "0xmanager"
	trader  = "0xtrader"
	quote   = domain.AssetID("WETH")
	basket  = domain.BasketID("idx")
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return fixed.MustParse(s) }

// fixedVenue fills at static prices, quoted in WETH per unit of the component.
type fixedVenue struct {
	name   string
	mu     sync.Mutex
	prices map[domain.AssetID]decimal.Decimal
	hook   func(req domain.TradeRequest)
}

func (v *fixedVenue) Name() string { return v.name }

func (v *fixedVenue) setHook(fn func(domain.TradeRequest)) {
	v.mu.Lock()
	v.hook = fn
	v.mu.Unlock()
}

func (v *fixedVenue) QuoteAndBuildFill(_ context.Context, req domain.TradeRequest) (domain.FillDescriptor, error) {
	v.mu.Lock()
	hook := v.hook
	v.mu.Unlock()
	if hook != nil {
		hook(req)
	}

	component := req.AssetOut
	if req.Side == domain.DirectionSell {
		component = req.AssetIn
	}
	v.mu.Lock()
	price, ok := v.prices[component]
	v.mu.Unlock()
	if !ok {
		return domain.FillDescriptor{}, domain.ErrInvalidAssetPair
	}

	var in, out decimal.Decimal
	switch {
	case req.Side == domain.DirectionSell:
		in, out = req.Amount, fixed.Mul(req.Amount, price)
	case req.ExactInput:
		in, out = req.Amount, fixed.Div(req.Amount, price)
	default:
		in, out = fixed.Ceil(req.Amount.Mul(price)), req.Amount
	}
	if err := venue.CheckBounds(req, in, out); err != nil {
		return domain.FillDescriptor{}, err
	}
	return domain.FillDescriptor{
		QuoteID: "q", Venue: v.name, BasketID: req.BasketID, Side: req.Side,
		AssetIn: req.AssetIn, AssetOut: req.AssetOut, QtyIn: in, QtyOut: out, Price: price,
	}, nil
}

// faultyCustodian wraps the vault with injectable failures.
type faultyCustodian struct {
	inner     domain.Custodian
	mu        sync.Mutex
	settleErr error
	commitErr error
	realize   func(domain.Fill) domain.Fill
}

func (f *faultyCustodian) set(fn func(f *faultyCustodian)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *faultyCustodian) Settle(ctx context.Context, b domain.BasketID, desc domain.FillDescriptor) (domain.Settlement, error) {
	f.mu.Lock()
	settleErr, commitErr, realize := f.settleErr, f.commitErr, f.realize
	f.mu.Unlock()
	if settleErr != nil {
		return nil, settleErr
	}
	s, err := f.inner.Settle(ctx, b, desc)
	if err != nil {
		return nil, err
	}
	return &faultySettlement{Settlement: s, commitErr: commitErr, realize: realize}, nil
}

type faultySettlement struct {
	domain.Settlement
	commitErr error
	realize   func(domain.Fill) domain.Fill
}

func (s *faultySettlement) Fill() domain.Fill {
	f := s.Settlement.Fill()
	if s.realize != nil {
		f = s.realize(f)
	}
	return f
}

func (s *faultySettlement) Commit(ctx context.Context) error {
	if s.commitErr != nil {
		return s.commitErr
	}
	return s.Settlement.Commit(ctx)
}

type recordingSink struct {
	mu         sync.Mutex
	fills      []domain.FillReceipt
	rebalances []domain.RebalanceEvent
	params     []domain.ParamsEvent
	access     []domain.AccessEvent
	fees       []domain.FeeEvent
}

func (s *recordingSink) FillExecuted(_ context.Context, r domain.FillReceipt) {
	s.mu.Lock()
	s.fills = append(s.fills, r)
	s.mu.Unlock()
}

func (s *recordingSink) RebalanceChanged(_ context.Context, ev domain.RebalanceEvent) {
	s.mu.Lock()
	s.rebalances = append(s.rebalances, ev)
	s.mu.Unlock()
}

func (s *recordingSink) ParamsChanged(_ context.Context, ev domain.ParamsEvent) {
	s.mu.Lock()
	s.params = append(s.params, ev)
	s.mu.Unlock()
}

func (s *recordingSink) AccessChanged(_ context.Context, ev domain.AccessEvent) {
	s.mu.Lock()
	s.access = append(s.access, ev)
	s.mu.Unlock()
}

func (s *recordingSink) FeeChanged(_ context.Context, ev domain.FeeEvent) {
	s.mu.Lock()
	s.fees = append(s.fees, ev)
	s.mu.Unlock()
}

func (s *recordingSink) fillCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fills)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(dt time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(dt)
	c.mu.Unlock()
}

type harness struct {
	ctrl    *Controller
	ledger  *ledger.Ledger
	sched   *scheduler.Scheduler
	vault   *custody.Vault
	custody *faultyCustodian
	venue   *fixedVenue
	sink    *recordingSink
	clock   *clock
}

func newHarness(t *testing.T, shares string, positions ...domain.Position) *harness {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	fees, err := fee.NewAccrual(0)
	require.NoError(t, err)
	router := venue.NewRouter(logger)
	v := &fixedVenue{name: "fixed", prices: map[domain.AssetID]decimal.Decimal{}}
	require.NoError(t, router.Register(v, 0, 0))

	h := &harness{
		ledger: ledger.New(),
		sched:  scheduler.New(),
		vault:  custody.NewVault(),
		venue:  v,
		sink:   &recordingSink{},
		clock:  &clock{now: t0},
	}
	h.custody = &faultyCustodian{inner: h.vault}
	h.ctrl = New(Deps{
		Ledger:    h.ledger,
		Scheduler: h.sched,
		Guard:     access.NewGuard(),
		Fees:      fees,
		Venues:    router,
		Custody:   h.custody,
		Sink:      h.sink,
		Logger:    logger,
		Now:       h.clock.Now,
	})

	b, err := h.ctrl.RegisterBasket(ctx, domain.BasketSpec{
		ID: basket, QuoteAsset: quote, Positions: positions, TotalShares: d(shares), Manager: manager,
	})
	require.NoError(t, err)
	h.vault.Sync(b)
	_, err = h.ctrl.SetTraderStatus(ctx, manager, basket, []string{trader}, []bool{true})
	require.NoError(t, err)
	return h
}

func (h *harness) price(asset domain.AssetID, p string) {
	h.venue.mu.Lock()
	h.venue.prices[asset] = d(p)
	h.venue.mu.Unlock()
}

func (h *harness) params(t *testing.T, asset domain.AssetID, max string, cooldown time.Duration) {
	t.Helper()
	_, err := h.ctrl.SetTradeParameters(context.Background(), manager, basket, asset, domain.TradeParams{
		MaxTradeSize: d(max), Cooldown: cooldown, Venue: "fixed",
	})
	require.NoError(t, err)
}

func (h *harness) start(t *testing.T, targets ...domain.TargetUnit) domain.RebalanceEpisode {
	t.Helper()
	ep, err := h.ctrl.StartRebalance(context.Background(), manager, basket, targets, nil)
	require.NoError(t, err)
	return ep
}

func (h *harness) unit(t *testing.T, asset domain.AssetID) string {
	t.Helper()
	u, err := h.ledger.CurrentUnit(basket, asset)
	require.NoError(t, err)
	return u.String()
}

func (h *harness) trade(asset domain.AssetID) (domain.FillReceipt, error) {
	return h.ctrl.ExecuteTrade(context.Background(), trader, basket, domain.TradeOrder{Asset: asset})
}

func target(asset domain.AssetID, unit string) domain.TargetUnit {
	return domain.TargetUnit{Asset: asset, Unit: d(unit)}
}

func added(asset domain.AssetID, unit string) domain.TargetUnit {
	return domain.TargetUnit{Asset: asset, Unit: d(unit), Add: true}
}

var errBoom = fmt.Errorf("custody offline")
