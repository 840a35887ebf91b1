// Package ledger holds the position ledger: an arena of baskets keyed by id,
// each with per-share component units, a position multiplier and a share
// supply. All writes go through a transactional copy that is swapped in only
// when the whole write succeeds.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/alanyoungcy/basketbot/internal/fixed"
	"github.com/shopspring/decimal"
)

// Listener is notified after every committed change, outside the ledger lock.
type Listener func(change domain.PositionChange)

// Ledger is safe for concurrent use.
type Ledger struct {
	mu        sync.RWMutex
	baskets   map[domain.BasketID]*domain.Basket
	listeners []Listener
	now       func() time.Time
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		baskets: make(map[domain.BasketID]*domain.Basket),
		now:     time.Now,
	}
}

// WithClock replaces the ledger's time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// OnChange registers a listener for committed changes.
func (l *Ledger) OnChange(fn Listener) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Register adds a new basket. A zero multiplier defaults to 1.
func (l *Ledger) Register(spec domain.BasketSpec) (domain.Basket, error) {
	if spec.ID == "" || spec.QuoteAsset == "" {
		return domain.Basket{}, fmt.Errorf("ledger: register: id and quote asset are required: %w", domain.ErrInvalidParameters)
	}
	if spec.TotalShares.IsNegative() {
		return domain.Basket{}, fmt.Errorf("ledger: register %s: negative total shares: %w", spec.ID, domain.ErrInvalidParameters)
	}
	m := spec.Multiplier
	if m.IsZero() {
		m = fixed.One
	}
	if !m.IsPositive() {
		return domain.Basket{}, fmt.Errorf("ledger: register %s: multiplier must be positive: %w", spec.ID, domain.ErrInvalidParameters)
	}

	b := domain.Basket{
		ID:          spec.ID,
		QuoteAsset:  spec.QuoteAsset,
		RawUnits:    make(map[domain.AssetID]decimal.Decimal),
		Units:       make(map[domain.AssetID]decimal.Decimal),
		Multiplier:  m,
		TotalShares: fixed.Trunc(spec.TotalShares),
		UpdatedAt:   l.now().UTC(),
	}
	tx := &Tx{b: &b}
	for _, p := range spec.Positions {
		if p.Asset == "" || p.Unit.IsNegative() {
			return domain.Basket{}, fmt.Errorf("ledger: register %s: invalid position %q: %w", spec.ID, p.Asset, domain.ErrInvalidParameters)
		}
		if b.HasComponent(p.Asset) {
			return domain.Basket{}, fmt.Errorf("ledger: register %s: duplicate position %q: %w", spec.ID, p.Asset, domain.ErrInvalidParameters)
		}
		if err := tx.setUnit(p.Asset, fixed.Trunc(p.Unit)); err != nil {
			return domain.Basket{}, fmt.Errorf("ledger: register %s: %w", spec.ID, err)
		}
	}

	l.mu.Lock()
	if _, ok := l.baskets[spec.ID]; ok {
		l.mu.Unlock()
		return domain.Basket{}, fmt.Errorf("ledger: register %s: %w", spec.ID, domain.ErrAlreadyExists)
	}
	l.baskets[spec.ID] = &b
	listeners := l.listeners
	out := b.Clone()
	l.mu.Unlock()

	notify(listeners, domain.PositionChange{Basket: out, Assets: out.Components, Reason: "register", At: out.UpdatedAt})
	return out, nil
}

// Restore installs a previously persisted basket, replacing any existing one.
// Current units are recomputed from raw units; listeners are not notified.
func (l *Ledger) Restore(b domain.Basket) error {
	if b.ID == "" || !b.Multiplier.IsPositive() {
		return fmt.Errorf("ledger: restore %q: %w", b.ID, domain.ErrInvalidParameters)
	}
	cp := b.Clone()
	cp.Units = make(map[domain.AssetID]decimal.Decimal, len(cp.RawUnits))
	kept := cp.Components[:0]
	for _, a := range cp.Components {
		raw, ok := cp.RawUnits[a]
		if !ok {
			continue
		}
		u := fixed.UnitFromRaw(raw, cp.Multiplier)
		if u.IsZero() {
			delete(cp.RawUnits, a)
			continue
		}
		cp.Units[a] = u
		kept = append(kept, a)
	}
	cp.Components = kept

	l.mu.Lock()
	l.baskets[cp.ID] = &cp
	l.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the basket.
func (l *Ledger) Snapshot(id domain.BasketID) (domain.Basket, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.baskets[id]
	if !ok {
		return domain.Basket{}, fmt.Errorf("ledger: %s: %w", id, domain.ErrBasketNotFound)
	}
	return b.Clone(), nil
}

// List returns copies of every basket ordered by id.
func (l *Ledger) List() []domain.Basket {
	l.mu.RLock()
	out := make([]domain.Basket, 0, len(l.baskets))
	for _, b := range l.baskets {
		out = append(out, b.Clone())
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CurrentUnit returns the per-share unit of asset, zero if not held.
func (l *Ledger) CurrentUnit(id domain.BasketID, asset domain.AssetID) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.baskets[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("ledger: %s: %w", id, domain.ErrBasketNotFound)
	}
	return b.Unit(asset), nil
}

// TotalShares returns the basket's share supply.
func (l *Ledger) TotalShares(id domain.BasketID) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.baskets[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("ledger: %s: %w", id, domain.ErrBasketNotFound)
	}
	return b.TotalShares, nil
}

// PositionMultiplier returns the basket's position multiplier.
func (l *Ledger) PositionMultiplier(id domain.BasketID) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.baskets[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("ledger: %s: %w", id, domain.ErrBasketNotFound)
	}
	return b.Multiplier, nil
}

// Components returns the ordered component set.
func (l *Ledger) Components(id domain.BasketID) ([]domain.AssetID, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.baskets[id]
	if !ok {
		return nil, fmt.Errorf("ledger: %s: %w", id, domain.ErrBasketNotFound)
	}
	return append([]domain.AssetID(nil), b.Components...), nil
}

// Update runs fn against a private copy of the basket and installs the copy
// only if fn returns nil. fn must not call back into the ledger.
func (l *Ledger) Update(id domain.BasketID, reason string, fn func(tx *Tx) error) (domain.Basket, error) {
	l.mu.Lock()
	b, ok := l.baskets[id]
	if !ok {
		l.mu.Unlock()
		return domain.Basket{}, fmt.Errorf("ledger: %s: %w", id, domain.ErrBasketNotFound)
	}
	cp := b.Clone()
	tx := &Tx{b: &cp}
	if err := fn(tx); err != nil {
		l.mu.Unlock()
		return domain.Basket{}, err
	}
	cp.UpdatedAt = l.now().UTC()
	l.baskets[id] = &cp
	listeners := l.listeners
	out := cp.Clone()
	l.mu.Unlock()

	notify(listeners, domain.PositionChange{Basket: out, Assets: tx.touched, Reason: reason, At: out.UpdatedAt})
	return out, nil
}

// ApplyFill records a basket-wide exchange of qtyIn of assetIn for qtyOut of
// assetOut.
func (l *Ledger) ApplyFill(id domain.BasketID, assetIn domain.AssetID, qtyIn decimal.Decimal, assetOut domain.AssetID, qtyOut decimal.Decimal) (domain.Basket, error) {
	return l.Update(id, "fill", func(tx *Tx) error {
		return tx.ApplyFill(assetIn, qtyIn, assetOut, qtyOut)
	})
}

// EditPositionMultiplier replaces the multiplier. Raw units are unchanged, so
// every current unit is rescaled.
func (l *Ledger) EditPositionMultiplier(id domain.BasketID, m decimal.Decimal) (domain.Basket, error) {
	if !m.IsPositive() {
		return domain.Basket{}, fmt.Errorf("ledger: edit multiplier %s: %w", id, domain.ErrInvalidParameters)
	}
	return l.Update(id, "multiplier", func(tx *Tx) error {
		tx.b.Multiplier = m
		kept := tx.b.Components[:0]
		for _, a := range tx.b.Components {
			u := fixed.UnitFromRaw(tx.b.RawUnits[a], m)
			if u.IsZero() {
				delete(tx.b.RawUnits, a)
				delete(tx.b.Units, a)
			} else {
				tx.b.Units[a] = u
				kept = append(kept, a)
			}
			tx.touched = append(tx.touched, a)
		}
		tx.b.Components = kept
		return nil
	})
}

// SetTotalShares replaces the share supply.
func (l *Ledger) SetTotalShares(id domain.BasketID, shares decimal.Decimal) (domain.Basket, error) {
	if shares.IsNegative() {
		return domain.Basket{}, fmt.Errorf("ledger: set shares %s: %w", id, domain.ErrInvalidParameters)
	}
	return l.Update(id, "shares", func(tx *Tx) error {
		tx.b.TotalShares = fixed.Trunc(shares)
		return nil
	})
}

func notify(listeners []Listener, change domain.PositionChange) {
	for _, fn := range listeners {
		fn(change)
	}
}
