package rebalance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/alanyoungcy/basketbot/internal/fixed"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StartRebalance opens a new episode for the basket, replacing any active
// one. Assets flagged Add must not be components; every other listed asset
// and every removed asset must be. Held assets that are not listed keep
// their units and are not traded. The quote asset is never removed; when it
// is not listed its target is its current unit.
func (c *Controller) StartRebalance(ctx context.Context, caller string, id domain.BasketID, targets []domain.TargetUnit, removed []domain.AssetID) (domain.RebalanceEpisode, error) {
	if !c.guard.IsManager(id, caller) {
		return domain.RebalanceEpisode{}, fmt.Errorf("rebalance: start %s: %w", id, domain.ErrUnauthorized)
	}

	l := c.basketLock(id)
	l.Lock()
	b, err := c.ledger.Snapshot(id)
	if err != nil {
		l.Unlock()
		return domain.RebalanceEpisode{}, fmt.Errorf("rebalance: start: %w", err)
	}
	if err := validateTargetSet(b, targets, removed); err != nil {
		l.Unlock()
		return domain.RebalanceEpisode{}, fmt.Errorf("rebalance: start %s: %w", id, err)
	}

	now := c.now().UTC()
	ep := domain.RebalanceEpisode{
		ID:                 uuid.NewString(),
		BasketID:           id,
		Targets:            make(map[domain.AssetID]decimal.Decimal, len(targets)+len(removed)+1),
		MultiplierSnapshot: b.Multiplier,
		TargetScale:        fixed.One,
		RaisePercentage:    decimal.Zero,
		Generation:         1,
		StartedBy:          caller,
		StartedAt:          now,
		UpdatedAt:          now,
	}
	for _, t := range targets {
		ep.Targets[t.Asset] = t.Unit
		if t.Add {
			ep.Added = append(ep.Added, t.Asset)
		}
	}
	for _, a := range removed {
		ep.Targets[a] = decimal.Zero
		ep.Removed = append(ep.Removed, a)
	}
	if _, ok := ep.Targets[b.QuoteAsset]; !ok {
		ep.Targets[b.QuoteAsset] = b.Unit(b.QuoteAsset)
	}

	c.sched.ResetEpisode(id, now)
	c.pushTargets(ep, b, now)
	c.putEpisode(ep)
	l.Unlock()

	c.logger.InfoContext(ctx, "rebalance started",
		slog.String("basket", string(id)),
		slog.String("episode", ep.ID),
		slog.Int("targets", len(ep.Targets)),
		slog.String("caller", caller),
	)
	c.sink.RebalanceChanged(ctx, domain.RebalanceEvent{Type: domain.RebalanceStarted, Episode: ep.Clone(), Caller: caller, At: now})
	return ep, nil
}

// EditTargets replaces target coefficients of assets already in the active
// episode and bumps its generation, which invalidates in-flight trades.
func (c *Controller) EditTargets(ctx context.Context, caller string, id domain.BasketID, targets []domain.TargetUnit) (domain.RebalanceEpisode, error) {
	if !c.guard.IsManager(id, caller) {
		return domain.RebalanceEpisode{}, fmt.Errorf("rebalance: edit targets %s: %w", id, domain.ErrUnauthorized)
	}
	if len(targets) == 0 {
		return domain.RebalanceEpisode{}, fmt.Errorf("rebalance: edit targets %s: empty: %w", id, domain.ErrInvalidTargetSet)
	}

	l := c.basketLock(id)
	l.Lock()
	b, err := c.ledger.Snapshot(id)
	if err != nil {
		l.Unlock()
		return domain.RebalanceEpisode{}, fmt.Errorf("rebalance: edit targets: %w", err)
	}
	ep, ok := c.episode(id)
	if !ok {
		l.Unlock()
		return domain.RebalanceEpisode{}, fmt.Errorf("rebalance: edit targets %s: %w", id, domain.ErrNoActiveRebalance)
	}

	seen := make(map[domain.AssetID]bool, len(targets))
	for _, t := range targets {
		if _, ok := ep.Targets[t.Asset]; !ok || seen[t.Asset] {
			l.Unlock()
			return domain.RebalanceEpisode{}, fmt.Errorf("rebalance: edit targets %s: %q not editable: %w", id, t.Asset, domain.ErrInvalidTargetSet)
		}
		if err := validUnit(t.Unit); err != nil {
			l.Unlock()
			return domain.RebalanceEpisode{}, fmt.Errorf("rebalance: edit targets %s: %q: %w", id, t.Asset, err)
		}
		seen[t.Asset] = true
	}

	now := c.now().UTC()
	for _, t := range targets {
		ep.Targets[t.Asset] = t.Unit
	}
	ep.Generation++
	ep.UpdatedAt = now
	c.pushTargets(ep, b, now)
	c.putEpisode(ep)
	l.Unlock()

	c.logger.InfoContext(ctx, "rebalance targets edited",
		slog.String("basket", string(id)),
		slog.String("episode", ep.ID),
		slog.Int64("generation", ep.Generation),
	)
	c.sink.RebalanceChanged(ctx, domain.RebalanceEvent{Type: domain.RebalanceEdited, Episode: ep.Clone(), Caller: caller, At: now})
	return ep, nil
}

// SetTradeParameters configures the size cap, cooldown and venue of an
// asset. In-flight reservations keep the parameters they were admitted with.
func (c *Controller) SetTradeParameters(ctx context.Context, caller string, id domain.BasketID, asset domain.AssetID, p domain.TradeParams) (domain.AssetTradeState, error) {
	if !c.guard.IsManager(id, caller) {
		return domain.AssetTradeState{}, fmt.Errorf("rebalance: trade params %s: %w", id, domain.ErrUnauthorized)
	}
	b, err := c.ledger.Snapshot(id)
	if err != nil {
		return domain.AssetTradeState{}, fmt.Errorf("rebalance: trade params: %w", err)
	}
	if asset == "" || asset == b.QuoteAsset {
		return domain.AssetTradeState{}, fmt.Errorf("rebalance: trade params %s: asset %q: %w", id, asset, domain.ErrInvalidParameters)
	}
	if !c.venues.Has(p.Venue) {
		return domain.AssetTradeState{}, fmt.Errorf("rebalance: trade params %s/%s: venue %q: %w", id, asset, p.Venue, domain.ErrInvalidVenue)
	}
	if err := validUnit(p.MaxTradeSize); err != nil {
		return domain.AssetTradeState{}, fmt.Errorf("rebalance: trade params %s/%s: max size: %w", id, asset, err)
	}

	now := c.now().UTC()
	st, err := c.sched.Configure(id, asset, p, now)
	if err != nil {
		return domain.AssetTradeState{}, fmt.Errorf("rebalance: trade params: %w", err)
	}
	c.sink.ParamsChanged(ctx, domain.ParamsEvent{BasketID: id, Asset: asset, Params: p, Caller: caller, At: now})
	return st, nil
}

// SetTraderStatus adds or removes traders from the basket's allow list.
func (c *Controller) SetTraderStatus(ctx context.Context, caller string, id domain.BasketID, traders []string, statuses []bool) (domain.AccessConfig, error) {
	if !c.guard.IsManager(id, caller) {
		return domain.AccessConfig{}, fmt.Errorf("rebalance: trader status %s: %w", id, domain.ErrUnauthorized)
	}
	cfg, err := c.guard.SetTraderStatus(id, traders, statuses)
	if err != nil {
		return domain.AccessConfig{}, fmt.Errorf("rebalance: trader status: %w", err)
	}
	c.sink.AccessChanged(ctx, domain.AccessEvent{Config: cfg, Caller: caller, At: c.now().UTC()})
	return cfg, nil
}

// SetAnyoneTrade opens trading to every caller or restores the allow list.
func (c *Controller) SetAnyoneTrade(ctx context.Context, caller string, id domain.BasketID, open bool) (domain.AccessConfig, error) {
	if !c.guard.IsManager(id, caller) {
		return domain.AccessConfig{}, fmt.Errorf("rebalance: anyone trade %s: %w", id, domain.ErrUnauthorized)
	}
	policy := domain.PolicyAllowListOnly
	if open {
		policy = domain.PolicyAnyoneMayTrade
	}
	cfg, err := c.guard.SetPolicy(id, policy)
	if err != nil {
		return domain.AccessConfig{}, fmt.Errorf("rebalance: anyone trade: %w", err)
	}
	c.sink.AccessChanged(ctx, domain.AccessEvent{Config: cfg, Caller: caller, At: c.now().UTC()})
	return cfg, nil
}

// SetRaiseTargetPercentage sets the factor applied by RaiseTargets on the
// active episode.
func (c *Controller) SetRaiseTargetPercentage(ctx context.Context, caller string, id domain.BasketID, pct decimal.Decimal) (domain.RebalanceEpisode, error) {
	if !c.guard.IsManager(id, caller) {
		return domain.RebalanceEpisode{}, fmt.Errorf("rebalance: raise percentage %s: %w", id, domain.ErrUnauthorized)
	}
	if err := validUnit(pct); err != nil || !pct.IsPositive() {
		return domain.RebalanceEpisode{}, fmt.Errorf("rebalance: raise percentage %s: %s: %w", id, pct, domain.ErrInvalidParameters)
	}

	l := c.basketLock(id)
	l.Lock()
	ep, ok := c.episode(id)
	if !ok {
		l.Unlock()
		return domain.RebalanceEpisode{}, fmt.Errorf("rebalance: raise percentage %s: %w", id, domain.ErrNoActiveRebalance)
	}
	now := c.now().UTC()
	ep.RaisePercentage = pct
	ep.UpdatedAt = now
	c.putEpisode(ep)
	l.Unlock()

	c.sink.RebalanceChanged(ctx, domain.RebalanceEvent{Type: domain.RebalanceEdited, Episode: ep.Clone(), Caller: caller, At: now})
	return ep, nil
}

// RaiseTargets scales every target by 1 + RaisePercentage. It is allowed
// once every non-quote target is met while the quote asset is still above
// its target, so the surplus can be spent on the next round of buys.
func (c *Controller) RaiseTargets(ctx context.Context, caller string, id domain.BasketID) (domain.RebalanceEpisode, error) {
	if !c.guard.IsAuthorizedTrader(id, caller) {
		return domain.RebalanceEpisode{}, fmt.Errorf("rebalance: raise targets %s: %w", id, domain.ErrUnauthorized)
	}

	l := c.basketLock(id)
	l.Lock()
	b, err := c.ledger.Snapshot(id)
	if err != nil {
		l.Unlock()
		return domain.RebalanceEpisode{}, fmt.Errorf("rebalance: raise targets: %w", err)
	}
	ep, ok := c.episode(id)
	if !ok {
		l.Unlock()
		return domain.RebalanceEpisode{}, fmt.Errorf("rebalance: raise targets %s: %w", id, domain.ErrNoActiveRebalance)
	}
	if !ep.MultiplierSnapshot.Equal(b.Multiplier) {
		l.Unlock()
		return domain.RebalanceEpisode{}, fmt.Errorf("rebalance: raise targets %s: %w", id, domain.ErrStaleRebalance)
	}
	if !ep.RaisePercentage.IsPositive() {
		l.Unlock()
		return domain.RebalanceEpisode{}, fmt.Errorf("rebalance: raise targets %s: no raise percentage set: %w", id, domain.ErrInvalidParameters)
	}
	quoteTarget, _ := ep.NormalizedTarget(b.QuoteAsset)
	if !targetsMet(ep, b, c.fees.FeeBps(id)) || !b.Unit(b.QuoteAsset).GreaterThan(quoteTarget) {
		l.Unlock()
		return domain.RebalanceEpisode{}, fmt.Errorf("rebalance: raise targets %s: %w", id, domain.ErrTargetsNotMet)
	}

	now := c.now().UTC()
	ep.TargetScale = fixed.Mul(ep.TargetScale, fixed.One.Add(ep.RaisePercentage))
	ep.Generation++
	ep.UpdatedAt = now
	c.pushTargets(ep, b, now)
	c.putEpisode(ep)
	l.Unlock()

	c.logger.InfoContext(ctx, "rebalance targets raised",
		slog.String("basket", string(id)),
		slog.String("episode", ep.ID),
		slog.String("target_scale", ep.TargetScale.String()),
	)
	c.sink.RebalanceChanged(ctx, domain.RebalanceEvent{Type: domain.RebalanceRaised, Episode: ep.Clone(), Caller: caller, At: now})
	return ep, nil
}

// pushTargets writes the normalized targets of non-quote assets into the
// scheduler.
func (c *Controller) pushTargets(ep domain.RebalanceEpisode, b domain.Basket, now time.Time) {
	for a := range ep.Targets {
		if a == b.QuoteAsset {
			continue
		}
		target, _ := ep.NormalizedTarget(a)
		c.sched.SetTarget(ep.BasketID, a, target, directionOf(b.Unit(a), target), now)
	}
}

func validateTargetSet(b domain.Basket, targets []domain.TargetUnit, removed []domain.AssetID) error {
	seen := make(map[domain.AssetID]bool, len(targets)+len(removed))
	nonzero := false
	for _, t := range targets {
		if t.Asset == "" || seen[t.Asset] {
			return fmt.Errorf("duplicate or empty asset %q: %w", t.Asset, domain.ErrInvalidTargetSet)
		}
		seen[t.Asset] = true
		if err := validUnit(t.Unit); err != nil {
			return fmt.Errorf("asset %q: %v: %w", t.Asset, err, domain.ErrInvalidTargetSet)
		}
		held := b.HasComponent(t.Asset)
		if t.Add && held {
			return fmt.Errorf("asset %q is already a component: %w", t.Asset, domain.ErrInvalidTargetSet)
		}
		if !t.Add && !held {
			return fmt.Errorf("asset %q is not a component: %w", t.Asset, domain.ErrInvalidTargetSet)
		}
		if t.Add && t.Unit.IsZero() {
			return fmt.Errorf("added asset %q has a zero target: %w", t.Asset, domain.ErrInvalidTargetSet)
		}
		if !t.Unit.IsZero() {
			nonzero = true
		}
	}
	for _, a := range removed {
		if a == "" || seen[a] {
			return fmt.Errorf("duplicate or empty removal %q: %w", a, domain.ErrInvalidTargetSet)
		}
		seen[a] = true
		if a == b.QuoteAsset {
			return fmt.Errorf("quote asset %q cannot be removed: %w", a, domain.ErrInvalidTargetSet)
		}
		if !b.HasComponent(a) {
			return fmt.Errorf("removed asset %q is not a component: %w", a, domain.ErrInvalidTargetSet)
		}
	}
	if !nonzero && len(removed) == 0 {
		return fmt.Errorf("no nonzero target and no removal: %w", domain.ErrInvalidTargetSet)
	}
	return nil
}

func validUnit(u decimal.Decimal) error {
	if u.IsNegative() {
		return fmt.Errorf("negative value %s: %w", u, domain.ErrInvalidParameters)
	}
	if !u.Equal(fixed.Trunc(u)) {
		return fmt.Errorf("value %s exceeds %d fractional digits: %w", u, fixed.Scale, domain.ErrInvalidParameters)
	}
	return nil
}
