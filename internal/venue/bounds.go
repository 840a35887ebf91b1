package venue

import (
	"fmt"

	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/shopspring/decimal"
)

// CheckBounds rejects a quote that delivers less than MinReceived or
// consumes more than a positive MaxSent.
func CheckBounds(req domain.TradeRequest, qtyIn, qtyOut decimal.Decimal) error {
	if qtyOut.LessThan(req.MinReceived) {
		return fmt.Errorf("received %s < min %s: %w", qtyOut, req.MinReceived, domain.ErrSlippageExceeded)
	}
	if req.MaxSent.IsPositive() && qtyIn.GreaterThan(req.MaxSent) {
		return fmt.Errorf("sent %s > max %s: %w", qtyIn, req.MaxSent, domain.ErrSlippageExceeded)
	}
	return nil
}
