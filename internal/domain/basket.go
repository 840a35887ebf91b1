package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BasketID identifies a basket in the position ledger.
type BasketID string

// AssetID identifies a tradable asset.
type AssetID string

// Position is a single component of a basket and its per-share unit.
type Position struct {
	Asset AssetID         `json:"asset"`
	Unit  decimal.Decimal `json:"unit"`
}

// Basket is a point-in-time copy of a basket's ledger state.
// RawUnits hold 36 fractional digits; current units are derived from them
// through the position multiplier.
type Basket struct {
	ID          BasketID                    `json:"id"`
	QuoteAsset  AssetID                     `json:"quote_asset"`
	Components  []AssetID                   `json:"components"`
	RawUnits    map[AssetID]decimal.Decimal `json:"raw_units"`
	Units       map[AssetID]decimal.Decimal `json:"units"`
	Multiplier  decimal.Decimal             `json:"position_multiplier"`
	TotalShares decimal.Decimal             `json:"total_shares"`
	UpdatedAt   time.Time                   `json:"updated_at"`
}

// HasComponent reports whether asset is currently held by the basket.
func (b Basket) HasComponent(asset AssetID) bool {
	for _, c := range b.Components {
		if c == asset {
			return true
		}
	}
	return false
}

// Unit returns the current unit of asset, zero when it is not a component.
func (b Basket) Unit(asset AssetID) decimal.Decimal {
	if u, ok := b.Units[asset]; ok {
		return u
	}
	return decimal.Zero
}

// Clone returns a deep copy of b.
func (b Basket) Clone() Basket {
	out := b
	out.Components = append([]AssetID(nil), b.Components...)
	out.RawUnits = make(map[AssetID]decimal.Decimal, len(b.RawUnits))
	for k, v := range b.RawUnits {
		out.RawUnits[k] = v
	}
	out.Units = make(map[AssetID]decimal.Decimal, len(b.Units))
	for k, v := range b.Units {
		out.Units[k] = v
	}
	return out
}

// BasketSpec is the input to registering a basket.
type BasketSpec struct {
	ID          BasketID        `json:"id"`
	QuoteAsset  AssetID         `json:"quote_asset"`
	Positions   []Position      `json:"positions"`
	TotalShares decimal.Decimal `json:"total_shares"`
	Multiplier  decimal.Decimal `json:"position_multiplier"`
	Manager     string          `json:"manager"`
}

// PositionChange is emitted by the ledger after every committed write.
type PositionChange struct {
	Basket Basket
	Assets []AssetID
	Reason string
	At     time.Time
}
