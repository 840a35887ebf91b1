package scheduler

import (
	"time"

	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/shopspring/decimal"
)

// Reservation is an admitted trade slot. Commit and Rollback are idempotent
// and mutually exclusive: whichever runs first wins.
type Reservation struct {
	s    *Scheduler
	key  key
	prev domain.AssetTradeState
	done bool

	Size      decimal.Decimal
	Venue     string
	Direction domain.Direction
	At        time.Time
}

// Commit releases the slot, keeps the cooldown stamp and adds traded to the
// cumulative counter.
func (r *Reservation) Commit(traded decimal.Decimal) {
	r.finish(func(st *domain.AssetTradeState) {
		st.TradedSinceReset = st.TradedSinceReset.Add(traded)
		st.UpdatedAt = r.At
	})
}

// Rollback releases the slot and restores the cooldown stamp. The direction
// Reserve recorded is reverted unless a target change has since replaced it;
// the update time is left as it was before Reserve.
func (r *Reservation) Rollback() {
	r.finish(func(st *domain.AssetTradeState) {
		st.LastTradeAt = r.prev.LastTradeAt
		if st.UpdatedAt.Equal(r.prev.UpdatedAt) {
			st.Direction = r.prev.Direction
		}
	})
}

func (r *Reservation) finish(apply func(st *domain.AssetTradeState)) {
	s := r.s
	s.mu.Lock()
	if r.done {
		s.mu.Unlock()
		return
	}
	r.done = true
	st := s.states[r.key]
	apply(st)
	st.InFlight = false
	out, listeners := *st, s.listeners
	s.mu.Unlock()

	notify(listeners, out)
}
