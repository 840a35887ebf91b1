package rebalance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentTradesOnOneAssetAdmitOne(t *testing.T) {
	const n = 8
	h := newHarness(t, "1", domain.Position{Asset: "AAA", Unit: d("100")})
	h.price("AAA", "1")
	h.params(t, "AAA", "5", 0)
	h.start(t, target("AAA", "60"))

	entered := make(chan struct{}, n)
	release := make(chan struct{})
	h.venue.setHook(func(domain.TradeRequest) {
		entered <- struct{}{}
		<-release
	})

	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := h.trade("AAA")
			results <- err
		}()
	}

	<-entered
	var errs []error
	for i := 0; i < n-1; i++ {
		errs = append(errs, <-results)
	}
	close(release)
	errs = append(errs, <-results)

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrNotEligible)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, "95", h.unit(t, "AAA"))
	assert.Len(t, entered, 0)
}

func TestTradesOnDifferentAssetsOverlap(t *testing.T) {
	h := newHarness(t, "1",
		domain.Position{Asset: "AAA", Unit: d("100")},
		domain.Position{Asset: "BBB", Unit: d("100")},
	)
	h.price("AAA", "1")
	h.price("BBB", "1")
	h.params(t, "AAA", "10", 0)
	h.params(t, "BBB", "10", 0)
	h.start(t, target("AAA", "50"), target("BBB", "50"))

	var arrived sync.WaitGroup
	arrived.Add(2)
	h.venue.setHook(func(domain.TradeRequest) {
		arrived.Done()
		both := make(chan struct{})
		go func() {
			arrived.Wait()
			close(both)
		}()
		select {
		case <-both:
		case <-time.After(2 * time.Second):
			t.Error("venue calls for different assets were serialized")
		}
	})

	var wg sync.WaitGroup
	for _, a := range []domain.AssetID{"AAA", "BBB"} {
		wg.Add(1)
		go func(a domain.AssetID) {
			defer wg.Done()
			_, err := h.trade(a)
			assert.NoError(t, err)
		}(a)
	}
	wg.Wait()

	assert.Equal(t, "90", h.unit(t, "AAA"))
	assert.Equal(t, "90", h.unit(t, "BBB"))
	assert.Equal(t, "20", h.unit(t, quote))
}

func TestVenueErrorsRollBack(t *testing.T) {
	h := newHarness(t, "1", domain.Position{Asset: "AAA", Unit: d("100")})
	h.params(t, "AAA", "10", time.Hour)
	h.start(t, target("AAA", "60"))

	// No price registered for AAA.
	_, err := h.trade("AAA")
	require.ErrorIs(t, err, domain.ErrInvalidAssetPair)
	assert.True(t, h.sched.IsEligible(basket, "AAA", h.clock.Now()))

	h.price("AAA", "1")
	_, err = h.trade("AAA")
	require.NoError(t, err)
	_, err = h.trade("AAA")
	assert.ErrorIs(t, err, domain.ErrNotEligible)
}

func TestBuyBelowOneUnitPerShareIsZeroSize(t *testing.T) {
	h := newHarness(t, "1000000000000000000000", domain.Position{Asset: "AAA", Unit: d("1")})
	h.price("BBB", "1")
	h.params(t, "BBB", "0.0001", 0)
	h.start(t, target("AAA", "1"), added("BBB", "1"))

	_, err := h.trade("BBB")
	require.ErrorIs(t, err, domain.ErrZeroSize)
	assert.True(t, h.sched.IsEligible(basket, "BBB", h.clock.Now()))
}

func TestCancelledContextFailsCleanly(t *testing.T) {
	h := newHarness(t, "1", domain.Position{Asset: "AAA", Unit: d("100")})
	h.price("AAA", "1")
	h.params(t, "AAA", "10", 0)
	h.start(t, target("AAA", "60"))

	ctx, cancel := context.WithCancel(context.Background())
	h.venue.setHook(func(domain.TradeRequest) { cancel() })
	h.custody.set(func(f *faultyCustodian) { f.commitErr = context.Canceled })

	_, err := h.ctrl.ExecuteTrade(ctx, trader, basket, domain.TradeOrder{Asset: "AAA"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "100", h.unit(t, "AAA"))
}

func TestBuyThatFeeRoundsToNothingCountsAsMet(t *testing.T) {
	tests := []struct {
		name     string
		bps      int
		wantErr  error
		wantUnit string
		wantMet  bool
	}{
		{"fee withholds the last ulp", 10, domain.ErrNothingToTrade, "1", true},
		{"no fee reaches the target", 0, nil, "1.000000000000000001", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "1000",
				domain.Position{Asset: "AAA", Unit: d("1")},
				domain.Position{Asset: quote, Unit: d("10")},
			)
			h.price("AAA", "1")
			h.params(t, "AAA", "1000000", 0)
			h.start(t, target("AAA", "1.000000000000000001"))
			require.NoError(t, h.ctrl.SetFeeBps(context.Background(), basket, tt.bps))

			if tt.bps > 0 {
				met, err := h.ctrl.AllTargetsMet(basket)
				require.NoError(t, err)
				assert.True(t, met)
			}

			_, err := h.trade("AAA")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, "10", h.unit(t, quote))
				assert.Zero(t, h.sink.fillCount())
			} else {
				require.NoError(t, err)
				assert.Equal(t, "9.999999999999999999", h.unit(t, quote))
			}
			assert.Equal(t, tt.wantUnit, h.unit(t, "AAA"))

			met, err := h.ctrl.AllTargetsMet(basket)
			require.NoError(t, err)
			assert.Equal(t, tt.wantMet, met)

			_, err = h.trade("AAA")
			assert.ErrorIs(t, err, domain.ErrNothingToTrade)
		})
	}
}

func TestZeroMaxTradeSizeIsZeroSize(t *testing.T) {
	h := newHarness(t, "1", domain.Position{Asset: "AAA", Unit: d("100")})
	h.price("AAA", "1")
	h.params(t, "AAA", "0", time.Hour)
	h.start(t, target("AAA", "60"))

	_, err := h.trade("AAA")
	require.ErrorIs(t, err, domain.ErrZeroSize)
	assert.Equal(t, domain.CategoryValidation, domain.CategoryOf(err))
	assert.Equal(t, "100", h.unit(t, "AAA"))

	st, ok := h.sched.State(basket, "AAA")
	require.True(t, ok)
	assert.False(t, st.InFlight)
	assert.True(t, st.LastTradeAt.IsZero())
	assert.False(t, h.sched.IsEligible(basket, "AAA", h.clock.Now()))

	h.params(t, "AAA", "20", time.Hour)
	_, err = h.trade("AAA")
	require.NoError(t, err)
	assert.Equal(t, "80", h.unit(t, "AAA"))
}
