package ledger

import (
	"errors"
	"sync"
	"testing"

	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/alanyoungcy/basketbot/internal/fixed"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return fixed.MustParse(s) }

func newBasket(t *testing.T, l *Ledger, shares string, positions ...domain.Position) domain.Basket {
	t.Helper()
	b, err := l.Register(domain.BasketSpec{
		ID:          "idx",
		QuoteAsset:  "WETH",
		Positions:   positions,
		TotalShares: d(shares),
	})
	require.NoError(t, err)
	return b
}

func TestRegister(t *testing.T) {
	l := New()
	b := newBasket(t, l, "10",
		domain.Position{Asset: "AAA", Unit: d("100")},
		domain.Position{Asset: "BBB", Unit: d("0.5")},
	)

	assert.Equal(t, []domain.AssetID{"AAA", "BBB"}, b.Components)
	assert.True(t, b.Multiplier.Equal(fixed.One))
	assert.True(t, b.Unit("AAA").Equal(d("100")))

	_, err := l.Register(domain.BasketSpec{ID: "idx", QuoteAsset: "WETH"})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = l.Register(domain.BasketSpec{ID: "x", QuoteAsset: "WETH", Positions: []domain.Position{
		{Asset: "AAA", Unit: d("1")}, {Asset: "AAA", Unit: d("2")},
	}})
	assert.ErrorIs(t, err, domain.ErrInvalidParameters)

	_, err = l.Snapshot("missing")
	assert.ErrorIs(t, err, domain.ErrBasketNotFound)
}

func TestApplyFillRounding(t *testing.T) {
	l := New()
	newBasket(t, l, "3",
		domain.Position{Asset: "AAA", Unit: d("10")},
		domain.Position{Asset: "WETH", Unit: d("1")},
	)

	// 1 / 3 per share: the decrease rounds up, the increase rounds down.
	b, err := l.ApplyFill("idx", "AAA", d("1"), "WETH", d("1"))
	require.NoError(t, err)
	assert.Equal(t, "9.666666666666666666", b.Unit("AAA").String())
	assert.Equal(t, "1.333333333333333333", b.Unit("WETH").String())
}

func TestApplyFillUnderflow(t *testing.T) {
	l := New()
	newBasket(t, l, "1", domain.Position{Asset: "AAA", Unit: d("5")})

	_, err := l.ApplyFill("idx", "AAA", d("5.000000000000000001"), "WETH", d("1"))
	require.ErrorIs(t, err, domain.ErrInsufficientHoldings)

	b, err := l.Snapshot("idx")
	require.NoError(t, err)
	assert.True(t, b.Unit("AAA").Equal(d("5")))
	assert.False(t, b.HasComponent("WETH"))
}

func TestApplyFillComponentSet(t *testing.T) {
	l := New()
	newBasket(t, l, "2",
		domain.Position{Asset: "AAA", Unit: d("5")},
		domain.Position{Asset: "WETH", Unit: d("1")},
	)

	b, err := l.ApplyFill("idx", "AAA", d("10"), "WETH", d("3"))
	require.NoError(t, err)
	assert.Equal(t, []domain.AssetID{"WETH"}, b.Components)

	b, err = l.ApplyFill("idx", "WETH", d("1"), "CCC", d("4"))
	require.NoError(t, err)
	assert.Equal(t, []domain.AssetID{"WETH", "CCC"}, b.Components)
	assert.True(t, b.Unit("CCC").Equal(d("2")))

	_, err = l.ApplyFill("idx", "CCC", d("1"), "CCC", d("1"))
	assert.ErrorIs(t, err, domain.ErrInvalidAssetPair)
}

func TestUpdateDiscardsCopyOnError(t *testing.T) {
	l := New()
	newBasket(t, l, "1",
		domain.Position{Asset: "AAA", Unit: d("5")},
		domain.Position{Asset: "WETH", Unit: d("1")},
	)

	boom := errors.New("boom")
	_, err := l.Update("idx", "fill", func(tx *Tx) error {
		require.NoError(t, tx.ApplyFill("AAA", d("2"), "WETH", d("1")))
		assert.True(t, tx.CurrentUnit("AAA").Equal(d("3")))
		return boom
	})
	require.ErrorIs(t, err, boom)

	u, err := l.CurrentUnit("idx", "AAA")
	require.NoError(t, err)
	assert.True(t, u.Equal(d("5")))
}

func TestEditPositionMultiplier(t *testing.T) {
	l := New()
	newBasket(t, l, "1",
		domain.Position{Asset: "AAA", Unit: d("100")},
		domain.Position{Asset: "BBB", Unit: d("0.000000000000000001")},
	)

	b, err := l.EditPositionMultiplier("idx", d("0.99"))
	require.NoError(t, err)
	assert.Equal(t, "99", b.Unit("AAA").String())
	assert.False(t, b.HasComponent("BBB"))

	for _, a := range b.Components {
		assert.True(t, fixed.UnitFromRaw(b.RawUnits[a], b.Multiplier).Equal(b.Units[a]))
	}

	_, err = l.EditPositionMultiplier("idx", d("0"))
	assert.ErrorIs(t, err, domain.ErrInvalidParameters)
}

func TestRawRoundTripAfterFills(t *testing.T) {
	l := New()
	newBasket(t, l, "7", domain.Position{Asset: "AAA", Unit: d("13")})
	_, err := l.EditPositionMultiplier("idx", d("0.987654321"))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		b, err := l.ApplyFill("idx", "AAA", d("0.333"), "WETH", d("0.111"))
		require.NoError(t, err)
		for _, a := range b.Components {
			require.True(t, fixed.UnitFromRaw(b.RawUnits[a], b.Multiplier).Equal(b.Units[a]), "asset %s", a)
		}
	}
}

func TestRestore(t *testing.T) {
	src := New()
	b := newBasket(t, src, "4", domain.Position{Asset: "AAA", Unit: d("2.5")})

	dst := New()
	b.Units = nil
	require.NoError(t, dst.Restore(b))

	got, err := dst.Snapshot("idx")
	require.NoError(t, err)
	assert.True(t, got.Unit("AAA").Equal(d("2.5")))
	shares, err := dst.TotalShares("idx")
	require.NoError(t, err)
	assert.True(t, shares.Equal(d("4")))
}

func TestListenersSeeCommittedChanges(t *testing.T) {
	l := New()
	var (
		mu      sync.Mutex
		reasons []string
	)
	l.OnChange(func(c domain.PositionChange) {
		mu.Lock()
		reasons = append(reasons, c.Reason)
		mu.Unlock()
	})

	newBasket(t, l, "1", domain.Position{Asset: "AAA", Unit: d("1")})
	_, err := l.SetTotalShares("idx", d("2"))
	require.NoError(t, err)
	_, err = l.ApplyFill("idx", "AAA", d("10"), "WETH", d("1"))
	require.Error(t, err)

	assert.Equal(t, []string{"register", "shares"}, reasons)
}
