package venue

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/alanyoungcy/basketbot/internal/fixed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubVenue struct {
	name  string
	desc  domain.FillDescriptor
	err   error
	calls int
}

func (s *stubVenue) Name() string { return s.name }

func (s *stubVenue) QuoteAndBuildFill(_ context.Context, req domain.TradeRequest) (domain.FillDescriptor, error) {
	s.calls++
	if s.err != nil {
		return domain.FillDescriptor{}, s.err
	}
	d := s.desc
	if d.AssetIn == "" {
		d.AssetIn, d.AssetOut = req.AssetIn, req.AssetOut
	}
	return d, nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func sellReq() domain.TradeRequest {
	return domain.TradeRequest{BasketID: "idx", Side: domain.DirectionSell, AssetIn: "AAA", AssetOut: "WETH", Amount: fixed.MustParse("1"), ExactInput: true}
}

func TestRouterDispatch(t *testing.T) {
	r := NewRouter(testLogger())
	v := &stubVenue{name: "a", desc: domain.FillDescriptor{QtyIn: fixed.MustParse("1"), QtyOut: fixed.MustParse("2")}}
	require.NoError(t, r.Register(v, 0, 0))
	assert.ErrorIs(t, r.Register(v, 0, 0), domain.ErrAlreadyExists)
	assert.True(t, r.Has("a"))
	assert.Equal(t, []string{"a"}, r.Names())

	desc, err := r.Quote(context.Background(), "a", sellReq())
	require.NoError(t, err)
	assert.Equal(t, "a", desc.Venue)
	assert.Equal(t, domain.BasketID("idx"), desc.BasketID)

	_, err = r.Quote(context.Background(), "missing", sellReq())
	assert.ErrorIs(t, err, domain.ErrVenueUnavailable)
}

func TestRouterRejectsMismatchedPair(t *testing.T) {
	r := NewRouter(testLogger())
	require.NoError(t, r.Register(&stubVenue{name: "a", desc: domain.FillDescriptor{AssetIn: "BBB", AssetOut: "WETH"}}, 0, 0))

	_, err := r.Quote(context.Background(), "a", sellReq())
	assert.ErrorIs(t, err, domain.ErrInvalidAssetPair)
}

func TestRouterPropagatesVenueErrors(t *testing.T) {
	r := NewRouter(testLogger())
	require.NoError(t, r.Register(&stubVenue{name: "a", err: domain.ErrSlippageExceeded}, 0, 0))

	_, err := r.Quote(context.Background(), "a", sellReq())
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)
	assert.Equal(t, domain.CategoryExecution, domain.CategoryOf(err))
}

func TestRouterThrottles(t *testing.T) {
	r := NewRouter(testLogger())
	v := &stubVenue{name: "a"}
	require.NoError(t, r.Register(v, 0.001, 1))

	_, err := r.Quote(context.Background(), "a", sellReq())
	require.NoError(t, err)
	_, err = r.Quote(context.Background(), "a", sellReq())
	assert.ErrorIs(t, err, domain.ErrVenueUnavailable)
	assert.Equal(t, 1, v.calls)
}

func TestCheckBounds(t *testing.T) {
	req := sellReq()
	req.MinReceived = fixed.MustParse("2")
	assert.NoError(t, CheckBounds(req, fixed.MustParse("1"), fixed.MustParse("2")))
	assert.ErrorIs(t, CheckBounds(req, fixed.MustParse("1"), fixed.MustParse("1.9")), domain.ErrSlippageExceeded)

	req.MaxSent = fixed.MustParse("1")
	assert.ErrorIs(t, CheckBounds(req, fixed.MustParse("1.1"), fixed.MustParse("3")), domain.ErrSlippageExceeded)
}
