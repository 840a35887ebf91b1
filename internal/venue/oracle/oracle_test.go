package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/alanyoungcy/basketbot/internal/fixed"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPrices struct {
	prices map[domain.AssetID]decimal.Decimal
	at     time.Time
}

func (m *memPrices) SetPrice(_ context.Context, a domain.AssetID, p decimal.Decimal, ts time.Time) error {
	m.prices[a] = p
	m.at = ts
	return nil
}

func (m *memPrices) GetPrice(_ context.Context, a domain.AssetID) (decimal.Decimal, time.Time, error) {
	p, ok := m.prices[a]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return p, m.at, nil
}

func (m *memPrices) GetPrices(_ context.Context, assets []domain.AssetID) (map[domain.AssetID]decimal.Decimal, error) {
	out := make(map[domain.AssetID]decimal.Decimal)
	for _, a := range assets {
		if p, ok := m.prices[a]; ok {
			out[a] = p
		}
	}
	return out, nil
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newVenue() *Venue {
	prices := &memPrices{prices: map[domain.AssetID]decimal.Decimal{"AAA": fixed.MustParse("2")}, at: now}
	v := New("oracle", prices, 50, time.Minute)
	v.now = func() time.Time { return now }
	return v
}

func TestQuoteSides(t *testing.T) {
	v := newVenue()
	ctx := context.Background()

	tests := []struct {
		name          string
		req           domain.TradeRequest
		qtyIn, qtyOut string
	}{
		{
			name:  "sell exact input",
			req:   domain.TradeRequest{Side: domain.DirectionSell, AssetIn: "AAA", AssetOut: "WETH", Amount: fixed.MustParse("10"), ExactInput: true},
			qtyIn: "10", qtyOut: "19.9",
		},
		{
			name:  "buy exact output",
			req:   domain.TradeRequest{Side: domain.DirectionBuy, AssetIn: "WETH", AssetOut: "AAA", Amount: fixed.MustParse("10")},
			qtyIn: "20.1", qtyOut: "10",
		},
		{
			name:  "buy exact input",
			req:   domain.TradeRequest{Side: domain.DirectionBuy, AssetIn: "WETH", AssetOut: "AAA", Amount: fixed.MustParse("20.1"), ExactInput: true},
			qtyIn: "20.1", qtyOut: "10",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, err := v.QuoteAndBuildFill(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.qtyIn, desc.QtyIn.String())
			assert.Equal(t, tt.qtyOut, desc.QtyOut.String())
			assert.Equal(t, "oracle", desc.Venue)
			assert.NotEmpty(t, desc.QuoteID)
		})
	}
}

func TestQuoteBounds(t *testing.T) {
	v := newVenue()
	ctx := context.Background()

	_, err := v.QuoteAndBuildFill(ctx, domain.TradeRequest{
		Side: domain.DirectionSell, AssetIn: "AAA", AssetOut: "WETH",
		Amount: fixed.MustParse("10"), ExactInput: true, MinReceived: fixed.MustParse("20"),
	})
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)

	_, err = v.QuoteAndBuildFill(ctx, domain.TradeRequest{
		Side: domain.DirectionBuy, AssetIn: "WETH", AssetOut: "AAA",
		Amount: fixed.MustParse("10"), MaxSent: fixed.MustParse("20"),
	})
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)
}

func TestQuoteUnavailable(t *testing.T) {
	v := newVenue()
	ctx := context.Background()

	_, err := v.QuoteAndBuildFill(ctx, domain.TradeRequest{
		Side: domain.DirectionSell, AssetIn: "ZZZ", AssetOut: "WETH", Amount: fixed.MustParse("1"), ExactInput: true,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidAssetPair)

	v.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err = v.QuoteAndBuildFill(ctx, domain.TradeRequest{
		Side: domain.DirectionSell, AssetIn: "AAA", AssetOut: "WETH", Amount: fixed.MustParse("1"), ExactInput: true,
	})
	assert.ErrorIs(t, err, domain.ErrVenueUnavailable)
}
