// Package fee splits trade proceeds into the protocol fee and the net amount
// credited to the basket.
package fee

import (
	"fmt"
	"sync"

	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/alanyoungcy/basketbot/internal/fixed"
	"github.com/shopspring/decimal"
)

// MaxBps is 100%.
const MaxBps = 10_000

// Take returns (received - fee, fee) with fee = trunc(received * bps / 10000).
func Take(received decimal.Decimal, bps int) (net, fee decimal.Decimal) {
	fee = fixed.Bps(received, bps)
	return received.Sub(fee), fee
}

// Accrual holds the protocol fee and per-basket overrides.
type Accrual struct {
	mu         sync.RWMutex
	defaultBps int
	overrides  map[domain.BasketID]int
}

// NewAccrual creates an accrual with the given default fee.
func NewAccrual(defaultBps int) (*Accrual, error) {
	if err := validBps(defaultBps); err != nil {
		return nil, fmt.Errorf("fee: default: %w", err)
	}
	return &Accrual{defaultBps: defaultBps, overrides: make(map[domain.BasketID]int)}, nil
}

// SetBasketFee overrides the fee of one basket.
func (a *Accrual) SetBasketFee(basket domain.BasketID, bps int) error {
	if err := validBps(bps); err != nil {
		return fmt.Errorf("fee: basket %s: %w", basket, err)
	}
	a.mu.Lock()
	a.overrides[basket] = bps
	a.mu.Unlock()
	return nil
}

// FeeBps returns the fee that applies to the basket.
func (a *Accrual) FeeBps(basket domain.BasketID) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if bps, ok := a.overrides[basket]; ok {
		return bps
	}
	return a.defaultBps
}

// Take applies the basket's fee to received.
func (a *Accrual) Take(basket domain.BasketID, received decimal.Decimal) (net, fee decimal.Decimal) {
	return Take(received, a.FeeBps(basket))
}

func validBps(bps int) error {
	if bps < 0 || bps > MaxBps {
		return fmt.Errorf("bps %d outside [0, %d]: %w", bps, MaxBps, domain.ErrInvalidParameters)
	}
	return nil
}
