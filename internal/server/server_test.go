package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/basketbot/internal/access"
	"github.com/alanyoungcy/basketbot/internal/crypto"
	"github.com/alanyoungcy/basketbot/internal/custody"
	"github.com/alanyoungcy/basketbot/internal/domain"
	"github.com/alanyoungcy/basketbot/internal/fee"
	"github.com/alanyoungcy/basketbot/internal/fixed"
	"github.com/alanyoungcy/basketbot/internal/ledger"
	"github.com/alanyoungcy/basketbot/internal/rebalance"
	"github.com/alanyoungcy/basketbot/internal/scheduler"
	"github.com/alanyoungcy/basketbot/internal/server/handler"
	"github.com/alanyoungcy/basketbot/internal/venue"
)

const (
	adminKey   = "s3cret"
	managerKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	traderKey  = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

// priceVenue sells components for WETH at fixed prices.
type priceVenue struct {
	prices map[domain.AssetID]decimal.Decimal
}

func (v priceVenue) Name() string { return "fixed" }

func (v priceVenue) QuoteAndBuildFill(_ context.Context, req domain.TradeRequest) (domain.FillDescriptor, error) {
	if req.Side != domain.DirectionSell {
		return domain.FillDescriptor{}, domain.ErrInvalidAssetPair
	}
	price, ok := v.prices[req.AssetIn]
	if !ok {
		return domain.FillDescriptor{}, domain.ErrInvalidAssetPair
	}
	out := fixed.Mul(req.Amount, price)
	if err := venue.CheckBounds(req, req.Amount, out); err != nil {
		return domain.FillDescriptor{}, err
	}
	return domain.FillDescriptor{
		QuoteID: "q", Venue: "fixed", BasketID: req.BasketID, Side: req.Side,
		AssetIn: req.AssetIn, AssetOut: req.AssetOut, QtyIn: req.Amount, QtyOut: out, Price: price,
	}, nil
}

type memFills struct {
	mu    sync.Mutex
	fills []domain.FillReceipt
}

func (m *memFills) FillExecuted(_ context.Context, r domain.FillReceipt) {
	m.mu.Lock()
	m.fills = append(m.fills, r)
	m.mu.Unlock()
}
func (m *memFills) RebalanceChanged(context.Context, domain.RebalanceEvent) {}
func (m *memFills) ParamsChanged(context.Context, domain.ParamsEvent)       {}
func (m *memFills) AccessChanged(context.Context, domain.AccessEvent)       {}
func (m *memFills) FeeChanged(context.Context, domain.FeeEvent)             {}

func (m *memFills) ListByBasket(_ context.Context, b domain.BasketID, opts domain.ListOpts) ([]domain.FillReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.FillReceipt
	for _, f := range m.fills {
		if f.BasketID == b {
			out = append(out, f)
		}
	}
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

type denyLimiter struct{ err error }

func (d denyLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, d.err
}

type memPriceFeed struct {
	mu     sync.Mutex
	quotes map[domain.AssetID]domain.PriceQuote
}

func (m *memPriceFeed) SetPrices(_ context.Context, qs []domain.PriceQuote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range qs {
		if !q.Price.IsPositive() {
			return domain.ErrInvalidParameters
		}
	}
	for _, q := range qs {
		m.quotes[q.Asset] = q
	}
	return nil
}

func (m *memPriceFeed) GetPrice(_ context.Context, a domain.AssetID) (domain.PriceQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[a]
	if !ok {
		return domain.PriceQuote{}, domain.ErrNotFound
	}
	return q, nil
}

type testAPI struct {
	handler http.Handler
	ctrl    *rebalance.Controller
	manager *crypto.Signer
	trader  *crypto.Signer
}

func newTestAPI(t *testing.T, cfg Config, limiter domain.RateLimiter) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	fees, err := fee.NewAccrual(0)
	require.NoError(t, err)
	router := venue.NewRouter(logger)
	require.NoError(t, router.Register(priceVenue{prices: map[domain.AssetID]decimal.Decimal{"AAA": fixed.MustParse("2")}}, 0, 0))

	vault := custody.NewVault()
	led := ledger.New()
	led.OnChange(func(c domain.PositionChange) {
		if c.Reason != "fill" {
			vault.Sync(c.Basket)
		}
	})
	fills := &memFills{}
	ctrl := rebalance.New(rebalance.Deps{
		Ledger:    led,
		Scheduler: scheduler.New(),
		Guard:     access.NewGuard(),
		Fees:      fees,
		Venues:    router,
		Custody:   vault,
		Sink:      fills,
		Logger:    logger,
	})

	if cfg.SignatureMaxSkew == 0 {
		cfg.SignatureMaxSkew = time.Minute
	}
	h := NewHandler(cfg, Handlers{
		Health:    handler.NewHealthHandler("full", nil, logger),
		Baskets:   handler.NewBasketHandler(ctrl, logger),
		Rebalance: handler.NewRebalanceHandler(ctrl, logger),
		Trades:    handler.NewTradeHandler(ctrl, fills, logger),
		Access:    handler.NewAccessHandler(ctrl, logger),
		Prices:    handler.NewPriceHandler(&memPriceFeed{quotes: map[domain.AssetID]domain.PriceQuote{}}, logger),
	}, nil, limiter, logger)

	mgr, err := crypto.NewSigner(managerKey)
	require.NoError(t, err)
	trd, err := crypto.NewSigner(traderKey)
	require.NoError(t, err)
	return &testAPI{handler: h, ctrl: ctrl, manager: mgr, trader: trd}
}

func (a *testAPI) call(t *testing.T, signer *crypto.Signer, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	for k, v := range header {
		req.Header[k] = v
	}
	if signer != nil {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		sig, err := signer.SignRequest(method, req.URL.EscapedPath(), ts, raw)
		require.NoError(t, err)
		req.Header.Set("X-Caller", signer.Address().Hex())
		req.Header.Set("X-Timestamp", ts)
		req.Header.Set("X-Signature", sig)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func adminHeader() http.Header {
	return http.Header{"X-Api-Key": {adminKey}}
}

func (a *testAPI) register(t *testing.T) {
	t.Helper()
	rec := a.call(t, nil, http.MethodPost, "/api/baskets", domain.BasketSpec{
		ID:          "idx",
		QuoteAsset:  "WETH",
		Positions:   []domain.Position{{Asset: "AAA", Unit: fixed.MustParse("10")}},
		TotalShares: fixed.MustParse("1"),
		Manager:     a.manager.Address().Hex(),
	}, adminHeader())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAdminRoutes(t *testing.T) {
	api := newTestAPI(t, Config{AdminAPIKey: adminKey}, nil)

	rec := api.call(t, nil, http.MethodPost, "/api/baskets", domain.BasketSpec{ID: "idx", QuoteAsset: "WETH"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.call(t, nil, http.MethodPut, "/api/baskets/idx/fee", map[string]int{"bps": 10},
		http.Header{"Authorization": {"Bearer nope"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	api.register(t)
	rec = api.call(t, nil, http.MethodPost, "/api/baskets", domain.BasketSpec{ID: "idx", QuoteAsset: "WETH"}, adminHeader())
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.call(t, nil, http.MethodPut, "/api/baskets/idx/fee", map[string]int{"bps": 25}, adminHeader())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.call(t, nil, http.MethodGet, "/api/baskets/idx", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[struct {
		ID     domain.BasketID `json:"id"`
		FeeBps int             `json:"fee_bps"`
	}](t, rec)
	assert.Equal(t, domain.BasketID("idx"), got.ID)
	assert.Equal(t, 25, got.FeeBps)

	disabled := newTestAPI(t, Config{}, nil)
	rec = disabled.call(t, nil, http.MethodPost, "/api/baskets", domain.BasketSpec{ID: "idx", QuoteAsset: "WETH"}, adminHeader())
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSignedRebalanceAndTrade(t *testing.T) {
	api := newTestAPI(t, Config{AdminAPIKey: adminKey}, nil)
	api.register(t)

	start := map[string]any{"targets": []domain.TargetUnit{{Asset: "AAA", Unit: fixed.MustParse("4")}}}

	// Unsigned and non-manager callers are refused by the engine.
	rec := api.call(t, nil, http.MethodPost, "/api/baskets/idx/rebalance", start, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, domain.CodeOf(domain.ErrUnauthorized), decode[map[string]string](t, rec)["code"])
	rec = api.call(t, api.trader, http.MethodPost, "/api/baskets/idx/rebalance", start, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.call(t, api.manager, http.MethodPost, "/api/baskets/idx/rebalance", start, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = api.call(t, api.manager, http.MethodPut, "/api/baskets/idx/assets/AAA/params",
		map[string]string{"max_trade_size": "10", "cooldown": "1m", "venue": "fixed"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decode[domain.AssetTradeState](t, rec)
	assert.Equal(t, time.Minute, st.Cooldown)

	rec = api.call(t, api.manager, http.MethodPut, "/api/baskets/idx/traders",
		map[string]any{"traders": []map[string]any{{"address": api.trader.Address().Hex(), "allowed": true}}}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.call(t, api.trader, http.MethodPost, "/api/baskets/idx/trades", domain.TradeOrder{Asset: "AAA"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	receipt := decode[domain.FillReceipt](t, rec)
	assert.Equal(t, domain.DirectionSell, receipt.Side)
	assert.Equal(t, "6", receipt.QtyIn.String())
	assert.Equal(t, "12", receipt.QtyOut.String())

	// The cooldown now blocks the asset.
	rec = api.call(t, api.trader, http.MethodPost, "/api/baskets/idx/trades", domain.TradeOrder{Asset: "AAA"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.call(t, nil, http.MethodGet, "/api/baskets/idx/rebalance/components", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	comps := decode[struct {
		Generation int64                    `json:"generation"`
		Components []domain.ComponentStatus `json:"components"`
	}](t, rec)
	require.Len(t, comps.Components, 2)
	assert.Equal(t, domain.AssetID("AAA"), comps.Components[0].Asset)
	assert.Equal(t, domain.DirectionNone, comps.Components[0].Direction)
	assert.Equal(t, "4", comps.Components[0].Current.String())
	assert.Equal(t, domain.AssetID("WETH"), comps.Components[1].Asset)
	assert.Equal(t, "12", comps.Components[1].Current.String())

	rec = api.call(t, nil, http.MethodGet, "/api/baskets/idx/fills?limit=5", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]domain.FillReceipt](t, rec)["fills"], 1)

	rec = api.call(t, nil, http.MethodGet, "/api/baskets/idx/traders", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg := decode[domain.AccessConfig](t, rec)
	assert.Equal(t, []string{strings.ToLower(api.trader.Address().Hex())}, cfg.Traders)
}

func TestErrorStatusMapping(t *testing.T) {
	api := newTestAPI(t, Config{AdminAPIKey: adminKey}, nil)
	api.register(t)

	rec := api.call(t, nil, http.MethodGet, "/api/baskets/nope", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "basket_not_found", body["code"])
	assert.Equal(t, "validation", body["category"])

	rec = api.call(t, nil, http.MethodGet, "/api/baskets/idx/rebalance", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "no_active_rebalance", decode[map[string]string](t, rec)["code"])

	rec = api.call(t, api.manager, http.MethodPost, "/api/baskets/idx/rebalance",
		map[string]any{"targets": []any{}, "bogus": 1}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.call(t, api.manager, http.MethodPut, "/api/baskets/idx/assets/AAA/params",
		map[string]string{"max_trade_size": "1", "cooldown": "soon", "venue": "fixed"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIdentityRejectsBadSignatures(t *testing.T) {
	api := newTestAPI(t, Config{AdminAPIKey: adminKey}, nil)
	api.register(t)

	// Signed by the trader but claiming to be the manager.
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := api.trader.SignRequest(http.MethodPost, "/api/baskets/idx/rebalance/raise", ts, nil)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/baskets/idx/rebalance/raise", nil)
	req.Header.Set("X-Caller", api.manager.Address().Hex())
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", sig)
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Stale timestamp.
	old := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	sig, err = api.manager.SignRequest(http.MethodGet, "/api/baskets", old, nil)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/baskets", nil)
	req.Header.Set("X-Caller", api.manager.Address().Hex())
	req.Header.Set("X-Timestamp", old)
	req.Header.Set("X-Signature", sig)
	rec = httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Body tampered after signing.
	sig, err = api.manager.SignRequest(http.MethodPut, "/api/baskets/idx/traders/open", ts, []byte(`{"open":false}`))
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPut, "/api/baskets/idx/traders/open", strings.NewReader(`{"open":true}`))
	req.Header.Set("X-Caller", api.manager.Address().Hex())
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", sig)
	rec = httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, domain.PolicyAllowListOnly, api.ctrl.Access("idx").Policy)

	// Partial headers.
	req = httptest.NewRequest(http.MethodGet, "/api/baskets", nil)
	req.Header.Set("X-Caller", api.manager.Address().Hex())
	rec = httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.call(t, api.manager, http.MethodPut, "/api/baskets/idx/traders/open", map[string]bool{"open": true}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.PolicyAnyoneMayTrade, api.ctrl.Access("idx").Policy)
}

func TestPrices(t *testing.T) {
	api := newTestAPI(t, Config{AdminAPIKey: adminKey}, nil)
	body := map[string]any{"prices": []map[string]string{{"asset": "AAA", "price": "2.5"}}}

	rec := api.call(t, nil, http.MethodPut, "/api/prices", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.call(t, nil, http.MethodPut, "/api/prices", body, adminHeader())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.call(t, nil, http.MethodGet, "/api/prices/AAA", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2.5", decode[domain.PriceQuote](t, rec).Price.String())

	rec = api.call(t, nil, http.MethodGet, "/api/prices/ZZZ", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.call(t, nil, http.MethodPut, "/api/prices",
		map[string]any{"prices": []map[string]string{{"asset": "AAA", "price": "-1"}}}, adminHeader())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_parameters", decode[map[string]string](t, rec)["code"])
}

func TestRateLimit(t *testing.T) {
	api := newTestAPI(t, Config{RateLimit: 10}, denyLimiter{})
	rec := api.call(t, nil, http.MethodGet, "/api/baskets", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// A failing limiter lets traffic through.
	api = newTestAPI(t, Config{RateLimit: 10}, denyLimiter{err: errors.New("redis down")})
	rec = api.call(t, nil, http.MethodGet, "/api/baskets", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []domain.Basket{}, decode[map[string][]domain.Basket](t, rec)["baskets"])
}

func TestHealth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := handler.NewHealthHandler("full", map[string]handler.HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}, logger)

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}](t, rec)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Checks["postgres"])
	assert.Equal(t, "connection refused", body.Checks["redis"])
}
