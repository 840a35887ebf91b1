// Package custody is an in-memory custodian with two-phase settlement. It
// stands in for the external custody ledger that moves basket assets.
package custody

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/alanyoungcy/basketbot/internal/fixed"
	"github.com/shopspring/decimal"
)

type holding struct {
	balance decimal.Decimal
	pending decimal.Decimal // reserved by open settlements
}

// Vault holds basket-wide balances. Settle reserves the outgoing quantity;
// Commit moves both legs; Abort releases the reservation.
type Vault struct {
	mu       sync.Mutex
	holdings map[domain.BasketID]map[domain.AssetID]*holding
	now      func() time.Time
}

// NewVault creates an empty vault.
func NewVault() *Vault {
	return &Vault{
		holdings: make(map[domain.BasketID]map[domain.AssetID]*holding),
		now:      time.Now,
	}
}

// Deposit credits qty of asset to the basket.
func (v *Vault) Deposit(basket domain.BasketID, asset domain.AssetID, qty decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	h := v.holdingLocked(basket, asset)
	h.balance = h.balance.Add(qty)
}

// Balance returns the settled balance of asset.
func (v *Vault) Balance(basket domain.BasketID, asset domain.AssetID) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	if h, ok := v.holdings[basket][asset]; ok {
		return h.balance
	}
	return decimal.Zero
}

// Balances returns every non-zero balance of the basket.
func (v *Vault) Balances(basket domain.BasketID) map[domain.AssetID]decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[domain.AssetID]decimal.Decimal)
	for a, h := range v.holdings[basket] {
		if !h.balance.IsZero() {
			out[a] = h.balance
		}
	}
	return out
}

// Sync sets balances to the holdings implied by a ledger snapshot
// (unit × total shares). Surplus such as retained fees is treated as swept.
// Reservations of open settlements are kept.
func (v *Vault) Sync(b domain.Basket) {
	v.mu.Lock()
	defer v.mu.Unlock()
	assets := make(map[domain.AssetID]bool)
	for a := range v.holdings[b.ID] {
		assets[a] = true
	}
	for _, a := range b.Components {
		assets[a] = true
	}
	for a := range assets {
		v.holdingLocked(b.ID, a).balance = fixed.Mul(b.Unit(a), b.TotalShares)
	}
}

// Settle reserves desc.QtyIn of desc.AssetIn and returns the pending
// settlement.
func (v *Vault) Settle(_ context.Context, basket domain.BasketID, desc domain.FillDescriptor) (domain.Settlement, error) {
	if !desc.ExpiresAt.IsZero() && v.now().After(desc.ExpiresAt) {
		return nil, fmt.Errorf("custody: quote %s expired at %s: %w", desc.QuoteID, desc.ExpiresAt.Format(time.RFC3339), domain.ErrTransferFailed)
	}
	if desc.QtyIn.IsNegative() || desc.QtyOut.IsNegative() || desc.AssetIn == desc.AssetOut {
		return nil, fmt.Errorf("custody: malformed descriptor %s: %w", desc.QuoteID, domain.ErrTransferFailed)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	h := v.holdingLocked(basket, desc.AssetIn)
	if h.balance.Sub(h.pending).LessThan(desc.QtyIn) {
		return nil, fmt.Errorf("custody: %s/%s available %s < %s: %w",
			basket, desc.AssetIn, h.balance.Sub(h.pending), desc.QtyIn, domain.ErrTransferFailed)
	}
	h.pending = h.pending.Add(desc.QtyIn)

	return &settlement{
		v:      v,
		basket: basket,
		fill: domain.Fill{
			AssetIn:  desc.AssetIn,
			AssetOut: desc.AssetOut,
			QtyIn:    desc.QtyIn,
			QtyOut:   desc.QtyOut,
			Price:    desc.Price,
		},
	}, nil
}

// Snapshot lists holdings ordered by asset, for diagnostics.
func (v *Vault) Snapshot(basket domain.BasketID) []domain.Position {
	bal := v.Balances(basket)
	out := make([]domain.Position, 0, len(bal))
	for a, q := range bal {
		out = append(out, domain.Position{Asset: a, Unit: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

func (v *Vault) holdingLocked(basket domain.BasketID, asset domain.AssetID) *holding {
	m, ok := v.holdings[basket]
	if !ok {
		m = make(map[domain.AssetID]*holding)
		v.holdings[basket] = m
	}
	h, ok := m[asset]
	if !ok {
		h = &holding{}
		m[asset] = h
	}
	return h
}

type settlementState int

const (
	statePending settlementState = iota
	stateCommitted
	stateAborted
)

type settlement struct {
	v      *Vault
	basket domain.BasketID
	fill   domain.Fill
	state  settlementState
}

func (s *settlement) Fill() domain.Fill { return s.fill }

func (s *settlement) Commit(context.Context) error {
	s.v.mu.Lock()
	defer s.v.mu.Unlock()
	switch s.state {
	case stateCommitted:
		return nil
	case stateAborted:
		return fmt.Errorf("custody: commit after abort: %w", domain.ErrTransferFailed)
	}
	in := s.v.holdingLocked(s.basket, s.fill.AssetIn)
	in.pending = in.pending.Sub(s.fill.QtyIn)
	in.balance = in.balance.Sub(s.fill.QtyIn)
	out := s.v.holdingLocked(s.basket, s.fill.AssetOut)
	out.balance = out.balance.Add(s.fill.QtyOut)
	s.state = stateCommitted
	return nil
}

func (s *settlement) Abort(context.Context) error {
	s.v.mu.Lock()
	defer s.v.mu.Unlock()
	switch s.state {
	case stateAborted:
		return nil
	case stateCommitted:
		return fmt.Errorf("custody: abort after commit: %w", domain.ErrTransferFailed)
	}
	in := s.v.holdingLocked(s.basket, s.fill.AssetIn)
	in.pending = in.pending.Sub(s.fill.QtyIn)
	s.state = stateAborted
	return nil
}
