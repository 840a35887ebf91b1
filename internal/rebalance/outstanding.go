package rebalance

import (
	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/alanyoungcy/basketbot/internal/fee"
	"github.com/alanyoungcy/basketbot/internal/fixed"
	"github.com/shopspring/decimal"
)

// outstanding returns the direction and basket-wide quantity needed to move
// current to target: trunc(|target - current| × shares). A buy whose
// per-share effect after the feeBps withholding truncates to zero is dust and
// reported as nothing.
func outstanding(current, target, shares decimal.Decimal, feeBps int) (domain.Direction, decimal.Decimal) {
	if !shares.IsPositive() {
		return domain.DirectionNone, decimal.Zero
	}
	switch current.Cmp(target) {
	case 1:
		qty := fixed.Mul(current.Sub(target), shares)
		if qty.IsZero() {
			return domain.DirectionNone, decimal.Zero
		}
		return domain.DirectionSell, qty
	case -1:
		qty := fixed.Mul(target.Sub(current), shares)
		if qty.IsZero() || buyIsDust(qty, shares, feeBps) {
			return domain.DirectionNone, decimal.Zero
		}
		return domain.DirectionBuy, qty
	}
	return domain.DirectionNone, decimal.Zero
}

// buyIsDust reports whether receiving qty moves the unit by nothing once the
// fee is withheld.
func buyIsDust(qty, shares decimal.Decimal, feeBps int) bool {
	net, _ := fee.Take(qty, feeBps)
	return fixed.Div(net, shares).IsZero()
}

func directionOf(current, target decimal.Decimal) domain.Direction {
	switch current.Cmp(target) {
	case 1:
		return domain.DirectionSell
	case -1:
		return domain.DirectionBuy
	}
	return domain.DirectionNone
}
