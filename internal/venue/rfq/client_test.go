package rfq

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alanyoungcy/basketbot/internal/crypto"
	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/alanyoungcy/basketbot/internal/fixed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func maker(t *testing.T, auth *crypto.HMACAuth, status int, resp any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Equal(t, quotePath, r.URL.Path)
		assert.Equal(t, auth.Key, r.Header.Get(crypto.HeaderAPIKey))
		assert.True(t, auth.Verify(
			r.Header.Get(crypto.HeaderSignature),
			r.Header.Get(crypto.HeaderTimestamp),
			r.Method, r.URL.Path, string(body),
		))

		var q quoteRequest
		assert.NoError(t, json.Unmarshal(body, &q))
		assert.Equal(t, "AAA", q.AssetIn)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func sell(minReceived string) domain.TradeRequest {
	return domain.TradeRequest{
		BasketID: "idx", Side: domain.DirectionSell, AssetIn: "AAA", AssetOut: "WETH",
		Amount: fixed.MustParse("5"), ExactInput: true, MinReceived: fixed.MustParse(minReceived),
	}
}

func TestQuote(t *testing.T) {
	auth := &crypto.HMACAuth{Key: "maker-key", Secret: "maker-secret"}
	srv := maker(t, auth, http.StatusOK, quoteResponse{
		QuoteID: "q-1", QtyIn: fixed.MustParse("5"), QtyOut: fixed.MustParse("9.5"),
		Price: fixed.MustParse("1.9"), Target: "0xmaker", ExpiresAt: time.Now().Add(time.Minute),
	})
	defer srv.Close()

	c := NewClient("maker", srv.URL, auth, time.Second)
	desc, err := c.QuoteAndBuildFill(context.Background(), sell("9"))
	require.NoError(t, err)
	assert.Equal(t, "q-1", desc.QuoteID)
	assert.Equal(t, "maker", desc.Venue)
	assert.Equal(t, "9.5", desc.QtyOut.String())

	_, err = c.QuoteAndBuildFill(context.Background(), sell("10"))
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)
}

func TestQuoteStatusMapping(t *testing.T) {
	auth := &crypto.HMACAuth{Key: "k", Secret: "s"}
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, domain.ErrInvalidAssetPair},
		{http.StatusConflict, domain.ErrSlippageExceeded},
		{http.StatusServiceUnavailable, domain.ErrVenueUnavailable},
	}
	for _, tt := range tests {
		srv := maker(t, auth, tt.status, errorResponse{Code: "x", Message: "no"})
		c := NewClient("maker", srv.URL, auth, time.Second)
		_, err := c.QuoteAndBuildFill(context.Background(), sell("0"))
		assert.ErrorIs(t, err, tt.want, "status %d", tt.status)
		srv.Close()
	}
}

func TestQuoteMustHonourExactAmount(t *testing.T) {
	auth := &crypto.HMACAuth{Key: "k", Secret: "s"}
	srv := maker(t, auth, http.StatusOK, quoteResponse{QtyIn: fixed.MustParse("4"), QtyOut: fixed.MustParse("8")})
	defer srv.Close()

	_, err := NewClient("maker", srv.URL, auth, time.Second).QuoteAndBuildFill(context.Background(), sell("0"))
	assert.ErrorIs(t, err, domain.ErrInvalidFill)
}

func TestUnreachableMaker(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient("maker", url, nil, time.Second).QuoteAndBuildFill(context.Background(), sell("0"))
	assert.ErrorIs(t, err, domain.ErrVenueUnavailable)
}
