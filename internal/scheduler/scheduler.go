// Package scheduler throttles trading per (basket, asset): a cooldown between
// trades, a maximum trade size and at most one reservation in flight.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/shopspring/decimal"
)

type key struct {
	basket domain.BasketID
	asset  domain.AssetID
}

// Listener receives a copy of a trade state after it changes.
type Listener func(st domain.AssetTradeState)

// Scheduler is safe for concurrent use.
type Scheduler struct {
	mu        sync.Mutex
	states    map[key]*domain.AssetTradeState
	listeners []Listener
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{states: make(map[key]*domain.AssetTradeState)}
}

// OnChange registers a listener, called outside the scheduler lock.
func (s *Scheduler) OnChange(fn Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Configure sets the trade parameters of an asset, creating its state on
// first use. An in-flight reservation is left untouched.
func (s *Scheduler) Configure(basket domain.BasketID, asset domain.AssetID, p domain.TradeParams, now time.Time) (domain.AssetTradeState, error) {
	if p.MaxTradeSize.IsNegative() || p.Cooldown < 0 {
		return domain.AssetTradeState{}, fmt.Errorf("scheduler: configure %s/%s: %w", basket, asset, domain.ErrInvalidParameters)
	}
	s.mu.Lock()
	st := s.stateLocked(basket, asset)
	st.MaxTradeSize = p.MaxTradeSize
	st.Cooldown = p.Cooldown
	st.Venue = p.Venue
	st.Configured = true
	st.UpdatedAt = now
	out, listeners := *st, s.listeners
	s.mu.Unlock()

	notify(listeners, out)
	return out, nil
}

// SetTarget records the target unit and direction of an asset.
func (s *Scheduler) SetTarget(basket domain.BasketID, asset domain.AssetID, unit decimal.Decimal, dir domain.Direction, now time.Time) {
	s.mu.Lock()
	st := s.stateLocked(basket, asset)
	st.TargetUnit = unit
	st.Direction = dir
	st.UpdatedAt = now
	out, listeners := *st, s.listeners
	s.mu.Unlock()

	notify(listeners, out)
}

// ResetEpisode clears targets and cumulative counters of every asset in the
// basket. Cooldown stamps survive.
func (s *Scheduler) ResetEpisode(basket domain.BasketID, now time.Time) {
	s.mu.Lock()
	var changed []domain.AssetTradeState
	for k, st := range s.states {
		if k.basket != basket {
			continue
		}
		st.TradedSinceReset = decimal.Zero
		st.TargetUnit = decimal.Zero
		st.Direction = domain.DirectionNone
		st.UpdatedAt = now
		changed = append(changed, *st)
	}
	listeners := s.listeners
	s.mu.Unlock()

	for _, st := range changed {
		notify(listeners, st)
	}
}

// Restore installs a persisted state. Reservations never survive a restart.
func (s *Scheduler) Restore(st domain.AssetTradeState) {
	st.InFlight = false
	s.mu.Lock()
	cp := st
	s.states[key{st.BasketID, st.Asset}] = &cp
	s.mu.Unlock()
}

// State returns the state of one asset.
func (s *Scheduler) State(basket domain.BasketID, asset domain.AssetID) (domain.AssetTradeState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key{basket, asset}]
	if !ok {
		return domain.AssetTradeState{BasketID: basket, Asset: asset, Direction: domain.DirectionNone}, false
	}
	return *st, true
}

// States returns every state of a basket ordered by asset.
func (s *Scheduler) States(basket domain.BasketID) []domain.AssetTradeState {
	s.mu.Lock()
	var out []domain.AssetTradeState
	for k, st := range s.states {
		if k.basket == basket {
			out = append(out, *st)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// IsEligible reports whether a configured asset with a positive size cap may
// be reserved at now.
func (s *Scheduler) IsEligible(basket domain.BasketID, asset domain.AssetID, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key{basket, asset}]
	return ok && tradable(st) && st.MaxTradeSize.IsPositive() && eligible(st, now)
}

// Reserve admits one trade of at most min(requested, MaxTradeSize,
// outstanding). A non-positive requested size means "as much as allowed".
// The cooldown stamp is taken immediately; the caller must Commit or
// Rollback the reservation.
func (s *Scheduler) Reserve(basket domain.BasketID, asset domain.AssetID, requested, outstanding decimal.Decimal, dir domain.Direction, now time.Time) (*Reservation, error) {
	s.mu.Lock()
	st, ok := s.states[key{basket, asset}]
	if !ok || !tradable(st) {
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler: reserve %s/%s: %w", basket, asset, domain.ErrUnauthorizedAsset)
	}
	if !eligible(st, now) {
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler: reserve %s/%s: %w", basket, asset, domain.ErrNotEligible)
	}

	size := decimal.Min(st.MaxTradeSize, outstanding)
	if requested.IsPositive() {
		size = decimal.Min(size, requested)
	}
	if !size.IsPositive() {
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler: reserve %s/%s: %w", basket, asset, domain.ErrZeroSize)
	}

	r := &Reservation{
		s:         s,
		key:       key{basket, asset},
		Size:      size,
		Venue:     st.Venue,
		Direction: dir,
		At:        now,
		prev:      *st,
	}
	st.LastTradeAt = now
	st.InFlight = true
	st.Direction = dir
	s.mu.Unlock()
	return r, nil
}

func (s *Scheduler) stateLocked(basket domain.BasketID, asset domain.AssetID) *domain.AssetTradeState {
	k := key{basket, asset}
	st, ok := s.states[k]
	if !ok {
		st = &domain.AssetTradeState{BasketID: basket, Asset: asset, Direction: domain.DirectionNone}
		s.states[k] = st
	}
	return st
}

func tradable(st *domain.AssetTradeState) bool {
	return st.Configured && st.Venue != ""
}

func eligible(st *domain.AssetTradeState, now time.Time) bool {
	return !st.InFlight && now.Sub(st.LastTradeAt) >= st.Cooldown
}

func notify(listeners []Listener, st domain.AssetTradeState) {
	for _, fn := range listeners {
		fn(st)
	}
}
