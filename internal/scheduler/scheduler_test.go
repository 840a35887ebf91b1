package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/alanyoungcy/basketbot/internal/fixed"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return fixed.MustParse(s) }

func configured(t *testing.T, max string, cooldown time.Duration) *Scheduler {
	t.Helper()
	s := New()
	_, err := s.Configure("idx", "AAA", domain.TradeParams{MaxTradeSize: d(max), Cooldown: cooldown, Venue: "oracle"}, t0)
	require.NoError(t, err)
	return s
}

func TestReserveClampsSize(t *testing.T) {
	tests := []struct {
		name        string
		requested   string
		outstanding string
		want        string
	}{
		{"max size binds", "0", "100", "20"},
		{"outstanding binds", "0", "7", "7"},
		{"requested binds", "3", "100", "3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := configured(t, "20", 0)
			r, err := s.Reserve("idx", "AAA", d(tt.requested), d(tt.outstanding), domain.DirectionSell, t0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.Size.String())
			assert.Equal(t, "oracle", r.Venue)
		})
	}
}

func TestReserveErrors(t *testing.T) {
	s := New()
	_, err := s.Reserve("idx", "AAA", d("1"), d("1"), domain.DirectionBuy, t0)
	assert.ErrorIs(t, err, domain.ErrUnauthorizedAsset)

	_, err = s.Configure("idx", "AAA", domain.TradeParams{MaxTradeSize: d("0"), Venue: "oracle"}, t0)
	require.NoError(t, err)
	_, err = s.Reserve("idx", "AAA", d("1"), d("1"), domain.DirectionBuy, t0)
	assert.ErrorIs(t, err, domain.ErrZeroSize)
	assert.False(t, s.IsEligible("idx", "AAA", t0))
	st, _ := s.State("idx", "AAA")
	assert.False(t, st.InFlight)
	assert.True(t, st.LastTradeAt.IsZero())

	s = configured(t, "5", 0)
	_, err = s.Reserve("idx", "AAA", d("0"), d("0"), domain.DirectionBuy, t0)
	assert.ErrorIs(t, err, domain.ErrZeroSize)

	_, err = s.Configure("idx", "AAA", domain.TradeParams{MaxTradeSize: d("-1"), Venue: "oracle"}, t0)
	assert.ErrorIs(t, err, domain.ErrInvalidParameters)
}

func TestCooldown(t *testing.T) {
	s := configured(t, "20", 60*time.Second)

	r, err := s.Reserve("idx", "AAA", d("0"), d("100"), domain.DirectionSell, t0)
	require.NoError(t, err)
	r.Commit(r.Size)

	_, err = s.Reserve("idx", "AAA", d("0"), d("80"), domain.DirectionSell, t0.Add(30*time.Second))
	assert.ErrorIs(t, err, domain.ErrNotEligible)
	assert.False(t, s.IsEligible("idx", "AAA", t0.Add(59*time.Second)))
	assert.True(t, s.IsEligible("idx", "AAA", t0.Add(60*time.Second)))

	_, err = s.Reserve("idx", "AAA", d("0"), d("80"), domain.DirectionSell, t0.Add(61*time.Second))
	assert.NoError(t, err)
}

func TestInFlightBlocksSecondReservation(t *testing.T) {
	s := configured(t, "20", 0)

	r, err := s.Reserve("idx", "AAA", d("0"), d("100"), domain.DirectionSell, t0)
	require.NoError(t, err)
	_, err = s.Reserve("idx", "AAA", d("0"), d("100"), domain.DirectionSell, t0)
	assert.ErrorIs(t, err, domain.ErrNotEligible)

	r.Rollback()
	_, err = s.Reserve("idx", "AAA", d("0"), d("100"), domain.DirectionSell, t0)
	assert.NoError(t, err)
}

func TestRollbackRestoresStamp(t *testing.T) {
	s := configured(t, "20", 60*time.Second)

	r, err := s.Reserve("idx", "AAA", d("0"), d("100"), domain.DirectionSell, t0)
	require.NoError(t, err)
	r.Commit(d("20"))

	later := t0.Add(2 * time.Minute)
	r2, err := s.Reserve("idx", "AAA", d("0"), d("80"), domain.DirectionSell, later)
	require.NoError(t, err)
	r2.Rollback()
	r2.Commit(d("20"))

	st, ok := s.State("idx", "AAA")
	require.True(t, ok)
	assert.Equal(t, t0, st.LastTradeAt)
	assert.False(t, st.InFlight)
	assert.Equal(t, "20", st.TradedSinceReset.String())
}

func TestRollbackRestoresDirectionAndUpdateTime(t *testing.T) {
	s := configured(t, "20", 0)
	s.SetTarget("idx", "AAA", d("60"), domain.DirectionBuy, t0)

	var seen []domain.AssetTradeState
	s.OnChange(func(st domain.AssetTradeState) { seen = append(seen, st) })

	later := t0.Add(time.Minute)
	r, err := s.Reserve("idx", "AAA", d("0"), d("10"), domain.DirectionSell, later)
	require.NoError(t, err)
	st, _ := s.State("idx", "AAA")
	assert.Equal(t, domain.DirectionSell, st.Direction)
	r.Rollback()

	st, _ = s.State("idx", "AAA")
	assert.Equal(t, domain.DirectionBuy, st.Direction)
	assert.Equal(t, t0, st.UpdatedAt)
	assert.True(t, st.LastTradeAt.IsZero())
	require.Len(t, seen, 1)
	assert.Equal(t, t0, seen[0].UpdatedAt)

	r, err = s.Reserve("idx", "AAA", d("0"), d("10"), domain.DirectionSell, later)
	require.NoError(t, err)
	s.SetTarget("idx", "AAA", d("50"), domain.DirectionNone, later.Add(time.Second))
	r.Rollback()
	st, _ = s.State("idx", "AAA")
	assert.Equal(t, domain.DirectionNone, st.Direction)
	assert.Equal(t, later.Add(time.Second), st.UpdatedAt)

	r, err = s.Reserve("idx", "AAA", d("0"), d("10"), domain.DirectionSell, later.Add(time.Minute))
	require.NoError(t, err)
	r.Commit(d("10"))
	st, _ = s.State("idx", "AAA")
	assert.Equal(t, later.Add(time.Minute), st.UpdatedAt)
}

func TestResetEpisodeKeepsCooldown(t *testing.T) {
	s := configured(t, "20", time.Minute)
	s.SetTarget("idx", "AAA", d("60"), domain.DirectionSell, t0)

	r, err := s.Reserve("idx", "AAA", d("0"), d("40"), domain.DirectionSell, t0)
	require.NoError(t, err)
	r.Commit(d("20"))

	s.ResetEpisode("idx", t0)
	st, _ := s.State("idx", "AAA")
	assert.True(t, st.TradedSinceReset.IsZero())
	assert.True(t, st.TargetUnit.IsZero())
	assert.Equal(t, domain.DirectionNone, st.Direction)
	assert.Equal(t, t0, st.LastTradeAt)
}

func TestConcurrentReserveAdmitsOne(t *testing.T) {
	s := configured(t, "20", 0)

	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Reserve("idx", "AAA", d("0"), d("100"), domain.DirectionSell, t0); err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted.Load())
}

func TestRestoreClearsInFlight(t *testing.T) {
	s := New()
	s.Restore(domain.AssetTradeState{
		BasketID: "idx", Asset: "AAA", Venue: "oracle", MaxTradeSize: d("1"),
		Configured: true, InFlight: true, LastTradeAt: t0,
	})
	assert.True(t, s.IsEligible("idx", "AAA", t0))
	assert.Len(t, s.States("idx"), 1)
}
