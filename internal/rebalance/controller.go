// Package rebalance drives baskets from their current allocation toward a
// manager-specified target allocation through a stream of throttled trades.
//
// Every public operation is atomic per basket. Venue quoting and custody
// settlement run outside the basket lock; the final commit of ledger,
// settlement and reservation runs under it and either applies fully or
// leaves no trace.
package rebalance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/basketbot/internal/access"
	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/alanyoungcy/basketbot/internal/fee"
	"github.com/alanyoungcy/basketbot/internal/ledger"
	"github.com/alanyoungcy/basketbot/internal/scheduler"
	"github.com/shopspring/decimal"
)

// Quoter dispatches quote requests to named venues.
type Quoter interface {
	Has(name string) bool
	Quote(ctx context.Context, venue string, req domain.TradeRequest) (domain.FillDescriptor, error)
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Ledger    *ledger.Ledger
	Scheduler *scheduler.Scheduler
	Guard     *access.Guard
	Fees      *fee.Accrual
	Venues    Quoter
	Custody   domain.Custodian
	Sink      domain.EventSink
	Logger    *slog.Logger
	Now       func() time.Time
}

// Controller owns rebalance episodes and orchestrates trades.
type Controller struct {
	ledger  *ledger.Ledger
	sched   *scheduler.Scheduler
	guard   *access.Guard
	fees    *fee.Accrual
	venues  Quoter
	custody domain.Custodian
	sink    domain.EventSink
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	locks    map[domain.BasketID]*sync.Mutex
	episodes map[domain.BasketID]domain.RebalanceEpisode
}

// New creates a Controller.
func New(d Deps) *Controller {
	sink := d.Sink
	if sink == nil {
		sink = domain.NopSink{}
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		ledger:   d.Ledger,
		sched:    d.Scheduler,
		guard:    d.Guard,
		fees:     d.Fees,
		venues:   d.Venues,
		custody:  d.Custody,
		sink:     sink,
		logger:   d.Logger.With(slog.String("component", "rebalance")),
		now:      now,
		locks:    make(map[domain.BasketID]*sync.Mutex),
		episodes: make(map[domain.BasketID]domain.RebalanceEpisode),
	}
}

func (c *Controller) basketLock(id domain.BasketID) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	return l
}

func (c *Controller) episode(id domain.BasketID) (domain.RebalanceEpisode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep, ok := c.episodes[id]
	if !ok {
		return domain.RebalanceEpisode{}, false
	}
	return ep.Clone(), true
}

func (c *Controller) putEpisode(ep domain.RebalanceEpisode) {
	c.mu.Lock()
	c.episodes[ep.BasketID] = ep.Clone()
	c.mu.Unlock()
}

// RestoreEpisode installs a persisted episode.
func (c *Controller) RestoreEpisode(ep domain.RebalanceEpisode) {
	c.putEpisode(ep)
}

// ---------------------------------------------------------------------------
// Operator surface (collaborator hooks, no caller identity)
// ---------------------------------------------------------------------------

// RegisterBasket adds a basket to the ledger and assigns its manager.
func (c *Controller) RegisterBasket(ctx context.Context, spec domain.BasketSpec) (domain.Basket, error) {
	b, err := c.ledger.Register(spec)
	if err != nil {
		return domain.Basket{}, fmt.Errorf("rebalance: register basket: %w", err)
	}
	if spec.Manager != "" {
		cfg, err := c.guard.SetManager(spec.ID, spec.Manager)
		if err != nil {
			return domain.Basket{}, fmt.Errorf("rebalance: register basket: %w", err)
		}
		c.sink.AccessChanged(ctx, domain.AccessEvent{Config: cfg, Caller: "operator", At: c.now().UTC()})
	}
	c.logger.InfoContext(ctx, "basket registered",
		slog.String("basket", string(b.ID)),
		slog.Int("components", len(b.Components)),
	)
	return b, nil
}

// SetTotalShares is the issuance/redemption hook.
func (c *Controller) SetTotalShares(ctx context.Context, id domain.BasketID, shares decimal.Decimal) (domain.Basket, error) {
	l := c.basketLock(id)
	l.Lock()
	defer l.Unlock()
	b, err := c.ledger.SetTotalShares(id, shares)
	if err != nil {
		return domain.Basket{}, fmt.Errorf("rebalance: set shares: %w", err)
	}
	c.logger.InfoContext(ctx, "total shares updated", slog.String("basket", string(id)), slog.String("shares", shares.String()))
	return b, nil
}

// EditPositionMultiplier is the fee-accrual hook. It makes any active episode
// of the basket stale.
func (c *Controller) EditPositionMultiplier(ctx context.Context, id domain.BasketID, m decimal.Decimal) (domain.Basket, error) {
	l := c.basketLock(id)
	l.Lock()
	defer l.Unlock()
	b, err := c.ledger.EditPositionMultiplier(id, m)
	if err != nil {
		return domain.Basket{}, fmt.Errorf("rebalance: edit multiplier: %w", err)
	}
	c.logger.InfoContext(ctx, "position multiplier updated", slog.String("basket", string(id)), slog.String("multiplier", m.String()))
	return b, nil
}

// SetFeeBps overrides the protocol fee of one basket.
func (c *Controller) SetFeeBps(ctx context.Context, id domain.BasketID, bps int) error {
	if _, err := c.ledger.Snapshot(id); err != nil {
		return fmt.Errorf("rebalance: set fee: %w", err)
	}
	if err := c.fees.SetBasketFee(id, bps); err != nil {
		return fmt.Errorf("rebalance: set fee: %w", err)
	}
	c.sink.FeeChanged(ctx, domain.FeeEvent{BasketID: id, Bps: bps, At: c.now().UTC()})
	return nil
}

// FeeBps returns the fee that applies to the basket.
func (c *Controller) FeeBps(id domain.BasketID) int {
	return c.fees.FeeBps(id)
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Basket returns a ledger snapshot.
func (c *Controller) Basket(id domain.BasketID) (domain.Basket, error) {
	return c.ledger.Snapshot(id)
}

// Baskets lists every basket.
func (c *Controller) Baskets() []domain.Basket {
	return c.ledger.List()
}

// Access returns the basket's access configuration.
func (c *Controller) Access(id domain.BasketID) domain.AccessConfig {
	return c.guard.Config(id)
}

// Episode returns the basket's active episode.
func (c *Controller) Episode(id domain.BasketID) (domain.RebalanceEpisode, error) {
	ep, ok := c.episode(id)
	if !ok {
		return domain.RebalanceEpisode{}, fmt.Errorf("rebalance: %s: %w", id, domain.ErrNoActiveRebalance)
	}
	return ep, nil
}

// Episodes returns every active episode.
func (c *Controller) Episodes() []domain.RebalanceEpisode {
	c.mu.Lock()
	out := make([]domain.RebalanceEpisode, 0, len(c.episodes))
	for _, ep := range c.episodes {
		out = append(out, ep.Clone())
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].BasketID < out[j].BasketID })
	return out
}

// RebalanceComponents reports target, current and outstanding quantity of
// every asset in the active episode, ordered by asset.
func (c *Controller) RebalanceComponents(id domain.BasketID, now time.Time) ([]domain.ComponentStatus, error) {
	ep, ok := c.episode(id)
	if !ok {
		return nil, fmt.Errorf("rebalance: components %s: %w", id, domain.ErrNoActiveRebalance)
	}
	b, err := c.ledger.Snapshot(id)
	if err != nil {
		return nil, fmt.Errorf("rebalance: components: %w", err)
	}

	assets := ep.Assets()
	sort.Slice(assets, func(i, j int) bool { return assets[i] < assets[j] })
	bps := c.fees.FeeBps(id)
	out := make([]domain.ComponentStatus, 0, len(assets))
	for _, a := range assets {
		target, _ := ep.NormalizedTarget(a)
		current := b.Unit(a)
		dir, qty := outstanding(current, target, b.TotalShares, bps)
		st, _ := c.sched.State(id, a)
		out = append(out, domain.ComponentStatus{
			Asset:       a,
			Target:      target,
			Current:     current,
			Outstanding: qty,
			Direction:   dir,
			Eligible:    a != b.QuoteAsset && dir != domain.DirectionNone && c.sched.IsEligible(id, a, now),
			State:       st,
		})
	}
	return out, nil
}

// AllTargetsMet reports whether nothing remains to trade for any non-quote
// asset of the active episode.
func (c *Controller) AllTargetsMet(id domain.BasketID) (bool, error) {
	ep, ok := c.episode(id)
	if !ok {
		return false, fmt.Errorf("rebalance: targets met %s: %w", id, domain.ErrNoActiveRebalance)
	}
	b, err := c.ledger.Snapshot(id)
	if err != nil {
		return false, fmt.Errorf("rebalance: targets met: %w", err)
	}
	return targetsMet(ep, b, c.fees.FeeBps(id)), nil
}

func targetsMet(ep domain.RebalanceEpisode, b domain.Basket, feeBps int) bool {
	for a := range ep.Targets {
		if a == b.QuoteAsset {
			continue
		}
		target, _ := ep.NormalizedTarget(a)
		if dir, _ := outstanding(b.Unit(a), target, b.TotalShares, feeBps); dir != domain.DirectionNone {
			return false
		}
	}
	return true
}

func noSellsRemain(ep domain.RebalanceEpisode, b domain.Basket) bool {
	for a := range ep.Targets {
		if a == b.QuoteAsset {
			continue
		}
		target, _ := ep.NormalizedTarget(a)
		if dir, _ := outstanding(b.Unit(a), target, b.TotalShares, 0); dir == domain.DirectionSell {
			return false
		}
	}
	return true
}
