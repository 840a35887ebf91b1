package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeParams are the manager-set throttling parameters of one asset.
type TradeParams struct {
	MaxTradeSize decimal.Decimal `json:"max_trade_size"`
	Cooldown     time.Duration   `json:"cooldown"`
	Venue        string          `json:"venue"`
}

// AssetTradeState is the scheduler record for a (basket, asset) pair.
type AssetTradeState struct {
	BasketID         BasketID        `json:"basket_id"`
	Asset            AssetID         `json:"asset"`
	TargetUnit       decimal.Decimal `json:"target_unit"`
	LastTradeAt      time.Time       `json:"last_trade_at"`
	TradedSinceReset decimal.Decimal `json:"traded_since_reset"`
	Venue            string          `json:"venue"`
	MaxTradeSize     decimal.Decimal `json:"max_trade_size"`
	Cooldown         time.Duration   `json:"cooldown"`
	Direction        Direction       `json:"direction"`
	Configured       bool            `json:"configured"`
	InFlight         bool            `json:"in_flight"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// TradeOrder is a caller's request to execute one trade for an asset.
// Zero MinReceived and MaxSent mean "no bound". Episode and Generation, when
// set, pin the request to the episode the caller observed.
type TradeOrder struct {
	Asset       AssetID         `json:"asset"`
	VenueHint   string          `json:"venue_hint,omitempty"`
	MinReceived decimal.Decimal `json:"min_received"`
	MaxSent     decimal.Decimal `json:"max_sent"`
	Episode     string          `json:"episode,omitempty"`
	Generation  int64           `json:"generation,omitempty"`
}

// TradeRequest is what a venue is asked to quote. With ExactInput the venue
// must consume exactly Amount of AssetIn; otherwise it must deliver exactly
// Amount of AssetOut.
type TradeRequest struct {
	BasketID    BasketID        `json:"basket_id"`
	Side        Direction       `json:"side"`
	AssetIn     AssetID         `json:"asset_in"`
	AssetOut    AssetID         `json:"asset_out"`
	Amount      decimal.Decimal `json:"amount"`
	ExactInput  bool            `json:"exact_input"`
	MinReceived decimal.Decimal `json:"min_received"`
	MaxSent     decimal.Decimal `json:"max_sent"`
}

// FillDescriptor is a venue-specific executable description of a fill.
type FillDescriptor struct {
	QuoteID     string          `json:"quote_id"`
	Venue       string          `json:"venue"`
	BasketID    BasketID        `json:"basket_id"`
	Side        Direction       `json:"side"`
	AssetIn     AssetID         `json:"asset_in"`
	AssetOut    AssetID         `json:"asset_out"`
	QtyIn       decimal.Decimal `json:"qty_in"`
	QtyOut      decimal.Decimal `json:"qty_out"`
	Price       decimal.Decimal `json:"price"`
	MinReceived decimal.Decimal `json:"min_received"`
	MaxSent     decimal.Decimal `json:"max_sent"`
	Target      string          `json:"target,omitempty"`
	Calldata    []byte          `json:"calldata,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Fill is a realized exchange: QtyIn of AssetIn left the basket and QtyOut of
// AssetOut arrived.
type Fill struct {
	AssetIn  AssetID         `json:"asset_in"`
	AssetOut AssetID         `json:"asset_out"`
	QtyIn    decimal.Decimal `json:"qty_in"`
	QtyOut   decimal.Decimal `json:"qty_out"`
	Price    decimal.Decimal `json:"price"`
}

// FillReceipt is the committed record of a fill.
type FillReceipt struct {
	ID         string                      `json:"id"`
	BasketID   BasketID                    `json:"basket_id"`
	EpisodeID  string                      `json:"episode_id"`
	Venue      string                      `json:"venue"`
	Trader     string                      `json:"trader"`
	Side       Direction                   `json:"side"`
	Asset      AssetID                     `json:"asset"`
	AssetIn    AssetID                     `json:"asset_in"`
	AssetOut   AssetID                     `json:"asset_out"`
	QtyIn      decimal.Decimal             `json:"qty_in"`
	QtyOut     decimal.Decimal             `json:"qty_out"`
	Fee        decimal.Decimal             `json:"fee"`
	Net        decimal.Decimal             `json:"net"`
	Price      decimal.Decimal             `json:"price"`
	UnitsAfter map[AssetID]decimal.Decimal `json:"units_after"`
	ExecutedAt time.Time                   `json:"executed_at"`
}

// ParamsEvent records a change of an asset's trade parameters.
type ParamsEvent struct {
	BasketID BasketID    `json:"basket_id"`
	Asset    AssetID     `json:"asset"`
	Params   TradeParams `json:"params"`
	Caller   string      `json:"caller"`
	At       time.Time   `json:"at"`
}

// FeeEvent records a change of a basket's fee override.
type FeeEvent struct {
	BasketID BasketID  `json:"basket_id"`
	Bps      int       `json:"bps"`
	At       time.Time `json:"at"`
}
