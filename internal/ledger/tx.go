package ledger

import (
	"fmt"

	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/alanyoungcy/basketbot/internal/fixed"
	"github.com/shopspring/decimal"
)

// Tx is a private copy of a basket handed to an Update closure.
type Tx struct {
	b       *domain.Basket
	touched []domain.AssetID
}

// ID returns the basket id.
func (tx *Tx) ID() domain.BasketID { return tx.b.ID }

// CurrentUnit returns the unit of asset in the copy.
func (tx *Tx) CurrentUnit(asset domain.AssetID) decimal.Decimal { return tx.b.Unit(asset) }

// TotalShares returns the share supply in the copy.
func (tx *Tx) TotalShares() decimal.Decimal { return tx.b.TotalShares }

// Multiplier returns the position multiplier in the copy.
func (tx *Tx) Multiplier() decimal.Decimal { return tx.b.Multiplier }

// ApplyFill converts basket-wide quantities to per-share units. Decreases
// round up and increases round down so units are never inflated.
func (tx *Tx) ApplyFill(assetIn domain.AssetID, qtyIn decimal.Decimal, assetOut domain.AssetID, qtyOut decimal.Decimal) error {
	if assetIn == assetOut || assetIn == "" || assetOut == "" {
		return fmt.Errorf("ledger: apply fill: %s/%s: %w", assetIn, assetOut, domain.ErrInvalidAssetPair)
	}
	if qtyIn.IsNegative() || qtyOut.IsNegative() {
		return fmt.Errorf("ledger: apply fill: negative quantity: %w", domain.ErrInvalidFill)
	}
	shares := tx.b.TotalShares
	if !shares.IsPositive() {
		return fmt.Errorf("ledger: apply fill: basket %s has no shares: %w", tx.b.ID, domain.ErrInsufficientHoldings)
	}

	decrease := fixed.DivCeil(qtyIn, shares)
	cur := tx.b.Unit(assetIn)
	if decrease.GreaterThan(cur) {
		return fmt.Errorf("ledger: apply fill: %s unit %s < %s: %w", assetIn, cur, decrease, domain.ErrInsufficientHoldings)
	}
	if err := tx.setUnit(assetIn, cur.Sub(decrease)); err != nil {
		return err
	}

	increase := fixed.Div(qtyOut, shares)
	if err := tx.setUnit(assetOut, tx.b.Unit(assetOut).Add(increase)); err != nil {
		return err
	}
	return nil
}

// setUnit writes a current unit, keeping raw units and the ordered component
// set consistent. A zero unit removes the component.
func (tx *Tx) setUnit(asset domain.AssetID, unit decimal.Decimal) error {
	tx.touched = append(tx.touched, asset)
	if unit.IsZero() {
		delete(tx.b.RawUnits, asset)
		delete(tx.b.Units, asset)
		for i, c := range tx.b.Components {
			if c == asset {
				tx.b.Components = append(tx.b.Components[:i], tx.b.Components[i+1:]...)
				break
			}
		}
		return nil
	}
	raw := fixed.RawFromUnit(unit, tx.b.Multiplier)
	if !fixed.UnitFromRaw(raw, tx.b.Multiplier).Equal(unit) {
		return fmt.Errorf("ledger: set unit %s=%s: %w", asset, unit, domain.ErrUnitMismatch)
	}
	if !tx.b.HasComponent(asset) {
		tx.b.Components = append(tx.b.Components, asset)
	}
	tx.b.RawUnits[asset] = raw
	tx.b.Units[asset] = unit
	return nil
}
