// Package oracle is a venue that fills against prices published to the
// price cache, widened by a fixed spread.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/alanyoungcy/basketbot/internal/fee"
	"github.com/alanyoungcy/basketbot/internal/fixed"
	"github.com/alanyoungcy/basketbot/internal/venue"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const quoteTTL = 30 * time.Second

// Venue quotes the component/quote pair of a trade from cached prices.
// Prices are expressed in the quote asset per unit of the component.
type Venue struct {
	name      string
	prices    domain.PriceCache
	spreadBps int
	maxAge    time.Duration
	now       func() time.Time
}

// New creates an oracle venue. A zero maxAge accepts prices of any age.
func New(name string, prices domain.PriceCache, spreadBps int, maxAge time.Duration) *Venue {
	return &Venue{name: name, prices: prices, spreadBps: spreadBps, maxAge: maxAge, now: time.Now}
}

// Name returns the venue name.
func (v *Venue) Name() string { return v.name }

// QuoteAndBuildFill prices the request. Sells receive the price less the
// spread, buys pay the price plus the spread.
func (v *Venue) QuoteAndBuildFill(ctx context.Context, req domain.TradeRequest) (domain.FillDescriptor, error) {
	if !req.Amount.IsPositive() {
		return domain.FillDescriptor{}, fmt.Errorf("oracle: amount %s: %w", req.Amount, domain.ErrZeroSize)
	}

	var component domain.AssetID
	switch req.Side {
	case domain.DirectionSell:
		component = req.AssetIn
	case domain.DirectionBuy:
		component = req.AssetOut
	default:
		return domain.FillDescriptor{}, fmt.Errorf("oracle: side %q: %w", req.Side, domain.ErrInvalidAssetPair)
	}

	price, ts, err := v.prices.GetPrice(ctx, component)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.FillDescriptor{}, fmt.Errorf("oracle: no price for %s: %w", component, domain.ErrInvalidAssetPair)
	}
	if err != nil {
		return domain.FillDescriptor{}, fmt.Errorf("oracle: price %s: %v: %w", component, err, domain.ErrVenueUnavailable)
	}
	now := v.now()
	if v.maxAge > 0 && now.Sub(ts) > v.maxAge {
		return domain.FillDescriptor{}, fmt.Errorf("oracle: price %s is %s old: %w", component, now.Sub(ts).Round(time.Second), domain.ErrVenueUnavailable)
	}
	if !price.IsPositive() {
		return domain.FillDescriptor{}, fmt.Errorf("oracle: price %s is %s: %w", component, price, domain.ErrVenueUnavailable)
	}

	var qtyIn, qtyOut, effective decimal.Decimal
	if req.Side == domain.DirectionSell {
		effective = fixed.Trunc(price.Mul(decimal.New(int64(fee.MaxBps-v.spreadBps), -4)))
		if req.ExactInput {
			qtyIn = req.Amount
			qtyOut = fixed.Mul(qtyIn, effective)
		} else {
			qtyOut = req.Amount
			qtyIn = fixed.DivCeil(qtyOut, effective)
		}
	} else {
		effective = fixed.Ceil(price.Mul(decimal.New(int64(fee.MaxBps+v.spreadBps), -4)))
		if req.ExactInput {
			qtyIn = req.Amount
			qtyOut = fixed.Div(qtyIn, effective)
		} else {
			qtyOut = req.Amount
			qtyIn = fixed.Ceil(qtyOut.Mul(effective))
		}
	}
	if !effective.IsPositive() {
		return domain.FillDescriptor{}, fmt.Errorf("oracle: effective price of %s is zero: %w", component, domain.ErrVenueUnavailable)
	}
	if err := venue.CheckBounds(req, qtyIn, qtyOut); err != nil {
		return domain.FillDescriptor{}, fmt.Errorf("oracle: %w", err)
	}

	return domain.FillDescriptor{
		QuoteID:     uuid.NewString(),
		Venue:       v.name,
		BasketID:    req.BasketID,
		Side:        req.Side,
		AssetIn:     req.AssetIn,
		AssetOut:    req.AssetOut,
		QtyIn:       qtyIn,
		QtyOut:      qtyOut,
		Price:       effective,
		MinReceived: req.MinReceived,
		MaxSent:     req.MaxSent,
		Target:      "oracle:" + v.name,
		ExpiresAt:   now.Add(quoteTTL),
	}, nil
}
