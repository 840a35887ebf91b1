package rebalance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/alanyoungcy/basketbot/internal/ledger"
	"github.com/alanyoungcy/basketbot/internal/scheduler"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// tradePlan is everything execute needs once a reservation is held.
type tradePlan struct {
	op       string
	caller   string
	basket   domain.Basket
	asset    domain.AssetID // component whose scheduler slot is used
	target   decimal.Decimal
	episode  domain.RebalanceEpisode
	venue    string
	req      domain.TradeRequest
	res      *scheduler.Reservation
	limitIn  decimal.Decimal // zero means unbounded
	limitOut decimal.Decimal // zero means unbounded
}

// ExecuteTrade trades one asset of the active episode toward its target:
// a sell spends exactly the reserved quantity of the asset for the quote
// asset, a buy receives exactly the reserved quantity for the quote asset.
func (c *Controller) ExecuteTrade(ctx context.Context, caller string, id domain.BasketID, order domain.TradeOrder) (domain.FillReceipt, error) {
	const op = "execute trade"
	b, st, ep, err := c.admit(op, caller, id, order)
	if err != nil {
		return domain.FillReceipt{}, err
	}

	bps := c.fees.FeeBps(id)
	target, _ := ep.NormalizedTarget(order.Asset)
	dir, qty := outstanding(b.Unit(order.Asset), target, b.TotalShares, bps)
	if dir == domain.DirectionNone {
		return domain.FillReceipt{}, fmt.Errorf("rebalance: %s %s/%s: %w", op, id, order.Asset, domain.ErrNothingToTrade)
	}

	res, err := c.sched.Reserve(id, order.Asset, decimal.Zero, qty, dir, c.now().UTC())
	if err != nil {
		return domain.FillReceipt{}, fmt.Errorf("rebalance: %s: %w", op, err)
	}
	if dir == domain.DirectionBuy && buyIsDust(res.Size, b.TotalShares, bps) {
		res.Rollback()
		return domain.FillReceipt{}, fmt.Errorf("rebalance: %s %s/%s: max trade size below one unit per share: %w", op, id, order.Asset, domain.ErrZeroSize)
	}

	p := tradePlan{
		op:      op,
		caller:  caller,
		basket:  b,
		asset:   order.Asset,
		target:  target,
		episode: ep,
		venue:   st.Venue,
		res:     res,
		req: domain.TradeRequest{
			BasketID:    id,
			Side:        dir,
			Amount:      res.Size,
			ExactInput:  dir == domain.DirectionSell,
			MinReceived: order.MinReceived,
			MaxSent:     order.MaxSent,
		},
	}
	if dir == domain.DirectionSell {
		p.req.AssetIn, p.req.AssetOut = order.Asset, b.QuoteAsset
		p.limitIn = res.Size
	} else {
		p.req.AssetIn, p.req.AssetOut = b.QuoteAsset, order.Asset
		p.limitOut = res.Size
	}
	return c.execute(ctx, p)
}

// TradeRemainingQuote spends the quote asset held above its target on an
// asset that is still below target. It is allowed once no sells remain in
// the episode. The received quantity is capped by the asset's max trade
// size and must not push the asset above its target.
func (c *Controller) TradeRemainingQuote(ctx context.Context, caller string, id domain.BasketID, order domain.TradeOrder) (domain.FillReceipt, error) {
	const op = "trade remaining quote"
	b, st, ep, err := c.admit(op, caller, id, order)
	if err != nil {
		return domain.FillReceipt{}, err
	}

	if !noSellsRemain(ep, b) {
		return domain.FillReceipt{}, fmt.Errorf("rebalance: %s %s: sells remain: %w", op, id, domain.ErrTargetsNotMet)
	}
	bps := c.fees.FeeBps(id)
	target, _ := ep.NormalizedTarget(order.Asset)
	dir, qty := outstanding(b.Unit(order.Asset), target, b.TotalShares, bps)
	if dir != domain.DirectionBuy {
		return domain.FillReceipt{}, fmt.Errorf("rebalance: %s %s/%s: asset is not below target: %w", op, id, order.Asset, domain.ErrNothingToTrade)
	}
	quoteTarget, _ := ep.NormalizedTarget(b.QuoteAsset)
	qdir, spare := outstanding(b.Unit(b.QuoteAsset), quoteTarget, b.TotalShares, bps)
	if qdir != domain.DirectionSell {
		return domain.FillReceipt{}, fmt.Errorf("rebalance: %s %s: quote asset is not above target: %w", op, id, domain.ErrNothingToTrade)
	}

	res, err := c.sched.Reserve(id, order.Asset, decimal.Zero, qty, dir, c.now().UTC())
	if err != nil {
		return domain.FillReceipt{}, fmt.Errorf("rebalance: %s: %w", op, err)
	}

	return c.execute(ctx, tradePlan{
		op:       op,
		caller:   caller,
		basket:   b,
		asset:    order.Asset,
		target:   target,
		episode:  ep,
		venue:    st.Venue,
		res:      res,
		limitIn:  spare,
		limitOut: res.Size,
		req: domain.TradeRequest{
			BasketID:    id,
			Side:        domain.DirectionBuy,
			AssetIn:     b.QuoteAsset,
			AssetOut:    order.Asset,
			Amount:      spare,
			ExactInput:  true,
			MinReceived: order.MinReceived,
			MaxSent:     order.MaxSent,
		},
	})
}

// admit runs the authorization, validation and staleness checks shared by
// the trade operations, in that order.
func (c *Controller) admit(op, caller string, id domain.BasketID, order domain.TradeOrder) (domain.Basket, domain.AssetTradeState, domain.RebalanceEpisode, error) {
	var (
		zeroB  domain.Basket
		zeroS  domain.AssetTradeState
		zeroEp domain.RebalanceEpisode
	)
	if !c.guard.IsAuthorizedTrader(id, caller) {
		return zeroB, zeroS, zeroEp, fmt.Errorf("rebalance: %s %s: %w", op, id, domain.ErrUnauthorized)
	}

	b, err := c.ledger.Snapshot(id)
	if err != nil {
		return zeroB, zeroS, zeroEp, fmt.Errorf("rebalance: %s: %w", op, err)
	}
	if order.Asset == "" || order.Asset == b.QuoteAsset {
		return zeroB, zeroS, zeroEp, fmt.Errorf("rebalance: %s %s: asset %q is not tradable: %w", op, id, order.Asset, domain.ErrUnauthorizedAsset)
	}
	st, ok := c.sched.State(id, order.Asset)
	if !ok || !st.Configured || st.Venue == "" {
		return zeroB, zeroS, zeroEp, fmt.Errorf("rebalance: %s %s/%s: %w", op, id, order.Asset, domain.ErrUnauthorizedAsset)
	}
	if order.VenueHint != "" && order.VenueHint != st.Venue {
		return zeroB, zeroS, zeroEp, fmt.Errorf("rebalance: %s %s/%s: hint %q, configured %q: %w", op, id, order.Asset, order.VenueHint, st.Venue, domain.ErrInvalidVenue)
	}
	if order.MinReceived.IsNegative() || order.MaxSent.IsNegative() {
		return zeroB, zeroS, zeroEp, fmt.Errorf("rebalance: %s %s/%s: negative bound: %w", op, id, order.Asset, domain.ErrInvalidParameters)
	}

	ep, ok := c.episode(id)
	if !ok {
		return zeroB, zeroS, zeroEp, fmt.Errorf("rebalance: %s %s: %w", op, id, domain.ErrNoActiveRebalance)
	}
	if _, ok := ep.Targets[order.Asset]; !ok {
		return zeroB, zeroS, zeroEp, fmt.Errorf("rebalance: %s %s/%s: not part of the active rebalance: %w", op, id, order.Asset, domain.ErrUnauthorizedAsset)
	}
	if !ep.MultiplierSnapshot.Equal(b.Multiplier) ||
		order.Episode != "" && order.Episode != ep.ID ||
		order.Generation != 0 && order.Generation != ep.Generation {
		return zeroB, zeroS, zeroEp, fmt.Errorf("rebalance: %s %s: %w", op, id, domain.ErrStaleRebalance)
	}
	return b, st, ep, nil
}

// execute quotes, settles and commits a planned trade. The reservation is
// rolled back and the settlement aborted on any failure.
func (c *Controller) execute(ctx context.Context, p tradePlan) (domain.FillReceipt, error) {
	id := p.basket.ID
	fail := func(err error, settlement domain.Settlement) (domain.FillReceipt, error) {
		if settlement != nil {
			if aerr := settlement.Abort(ctx); aerr != nil {
				c.logger.WarnContext(ctx, "settlement abort failed",
					slog.String("basket", string(id)),
					slog.String("asset", string(p.asset)),
					slog.String("error", aerr.Error()),
				)
			}
		}
		p.res.Rollback()
		c.logger.DebugContext(ctx, "trade rolled back",
			slog.String("basket", string(id)),
			slog.String("asset", string(p.asset)),
			slog.String("error", err.Error()),
		)
		return domain.FillReceipt{}, fmt.Errorf("rebalance: %s %s/%s: %w", p.op, id, p.asset, err)
	}

	desc, err := c.venues.Quote(ctx, p.venue, p.req)
	if err != nil {
		return fail(err, nil)
	}

	settlement, err := c.custody.Settle(ctx, id, desc)
	if err != nil {
		if domain.CategoryOf(err) == domain.CategoryInternal {
			err = fmt.Errorf("%w: %w", err, domain.ErrTransferFailed)
		}
		return fail(err, nil)
	}

	fill := settlement.Fill()
	if err := checkFill(p, fill); err != nil {
		return fail(err, settlement)
	}

	net, feeQty := c.fees.Take(id, fill.QtyOut)

	l := c.basketLock(id)
	l.Lock()
	cur, ok := c.episode(id)
	if !ok || cur.ID != p.episode.ID || cur.Generation != p.episode.Generation {
		l.Unlock()
		return fail(domain.ErrStaleRebalance, settlement)
	}
	after, err := c.ledger.Update(id, "fill", func(tx *ledger.Tx) error {
		if !tx.Multiplier().Equal(p.episode.MultiplierSnapshot) {
			return domain.ErrStaleRebalance
		}
		before := tx.CurrentUnit(p.asset)
		if err := tx.ApplyFill(fill.AssetIn, fill.QtyIn, fill.AssetOut, net); err != nil {
			return err
		}
		unit := tx.CurrentUnit(p.asset)
		if p.req.Side == domain.DirectionBuy && !unit.GreaterThan(before) {
			return fmt.Errorf("%s net receipt %s moves no unit: %w", p.asset, net, domain.ErrZeroSize)
		}
		if p.req.Side == domain.DirectionSell && unit.LessThan(p.target) ||
			p.req.Side == domain.DirectionBuy && unit.GreaterThan(p.target) {
			return fmt.Errorf("%s unit %s crosses target %s: %w", p.asset, unit, p.target, domain.ErrTargetOvershoot)
		}
		if err := settlement.Commit(ctx); err != nil {
			if domain.CategoryOf(err) == domain.CategoryInternal {
				err = fmt.Errorf("%w: %w", err, domain.ErrTransferFailed)
			}
			return err
		}
		return nil
	})
	if err != nil {
		l.Unlock()
		return fail(err, settlement)
	}
	traded := fill.QtyIn
	if p.req.Side == domain.DirectionBuy {
		traded = fill.QtyOut
	}
	p.res.Commit(traded)
	l.Unlock()

	receipt := domain.FillReceipt{
		ID:        uuid.NewString(),
		BasketID:  id,
		EpisodeID: p.episode.ID,
		Venue:     desc.Venue,
		Trader:    p.caller,
		Side:      p.req.Side,
		Asset:     p.asset,
		AssetIn:   fill.AssetIn,
		AssetOut:  fill.AssetOut,
		QtyIn:     fill.QtyIn,
		QtyOut:    fill.QtyOut,
		Fee:       feeQty,
		Net:       net,
		Price:     fill.Price,
		UnitsAfter: map[domain.AssetID]decimal.Decimal{
			fill.AssetIn:  after.Unit(fill.AssetIn),
			fill.AssetOut: after.Unit(fill.AssetOut),
		},
		ExecutedAt: c.now().UTC(),
	}
	c.logger.InfoContext(ctx, "trade executed",
		slog.String("basket", string(id)),
		slog.String("asset", string(p.asset)),
		slog.String("side", string(p.req.Side)),
		slog.String("venue", receipt.Venue),
		slog.String("qty_in", fill.QtyIn.String()),
		slog.String("qty_out", fill.QtyOut.String()),
		slog.String("fee", feeQty.String()),
	)
	c.sink.FillExecuted(ctx, receipt)
	return receipt, nil
}

// checkFill validates the realized fill against the plan's bounds.
func checkFill(p tradePlan, f domain.Fill) error {
	if f.AssetIn != p.req.AssetIn || f.AssetOut != p.req.AssetOut {
		return fmt.Errorf("fill %s/%s: %w", f.AssetIn, f.AssetOut, domain.ErrInvalidAssetPair)
	}
	if !f.QtyIn.IsPositive() || !f.QtyOut.IsPositive() {
		return fmt.Errorf("fill %s -> %s: %w", f.QtyIn, f.QtyOut, domain.ErrInvalidFill)
	}
	if p.limitIn.IsPositive() && f.QtyIn.GreaterThan(p.limitIn) {
		return fmt.Errorf("sent %s > reserved %s: %w", f.QtyIn, p.limitIn, domain.ErrInvalidFill)
	}
	if p.limitOut.IsPositive() && f.QtyOut.GreaterThan(p.limitOut) {
		return fmt.Errorf("received %s > reserved %s: %w", f.QtyOut, p.limitOut, domain.ErrInvalidFill)
	}
	if f.QtyOut.LessThan(p.req.MinReceived) {
		return fmt.Errorf("received %s < min %s: %w", f.QtyOut, p.req.MinReceived, domain.ErrSlippageExceeded)
	}
	if p.req.MaxSent.IsPositive() && f.QtyIn.GreaterThan(p.req.MaxSent) {
		return fmt.Errorf("sent %s > max %s: %w", f.QtyIn, p.req.MaxSent, domain.ErrSlippageExceeded)
	}
	return nil
}
