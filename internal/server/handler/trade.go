package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/basketbot/internal/domain"
)

// TradeService defines the methods that the trade handler requires.
type TradeService interface {
	SetTradeParameters(ctx context.Context, caller string, id domain.BasketID, asset domain.AssetID, p domain.TradeParams) (domain.AssetTradeState, error)
	ExecuteTrade(ctx context.Context, caller string, id domain.BasketID, order domain.TradeOrder) (domain.FillReceipt, error)
	TradeRemainingQuote(ctx context.Context, caller string, id domain.BasketID, order domain.TradeOrder) (domain.FillReceipt, error)
	Basket(id domain.BasketID) (domain.Basket, error)
}

// FillLister reads committed fills. A nil FillLister disables the fills
// endpoint.
type FillLister interface {
	ListByBasket(ctx context.Context, basket domain.BasketID, opts domain.ListOpts) ([]domain.FillReceipt, error)
}

// TradeHandler serves trade parameter, execution and fill history endpoints.
type TradeHandler struct {
	trades TradeService
	fills  FillLister
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(trades TradeService, fills FillLister, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, fills: fills, logger: logHandler(logger, "trade")}
}

// paramsRequest carries the cooldown as a Go duration string ("90s", "5m").
type paramsRequest struct {
	MaxTradeSize decimal.Decimal `json:"max_trade_size"`
	Cooldown     string          `json:"cooldown"`
	Venue        string          `json:"venue"`
}

func (p paramsRequest) params() (domain.TradeParams, error) {
	var cooldown time.Duration
	if p.Cooldown != "" {
		d, err := time.ParseDuration(p.Cooldown)
		if err != nil {
			return domain.TradeParams{}, fmt.Errorf("invalid cooldown: %w", err)
		}
		if d < 0 {
			return domain.TradeParams{}, fmt.Errorf("invalid cooldown: negative")
		}
		cooldown = d
	}
	return domain.TradeParams{MaxTradeSize: p.MaxTradeSize, Cooldown: cooldown, Venue: p.Venue}, nil
}

type listFillsResponse struct {
	Fills []domain.FillReceipt `json:"fills"`
}

// SetParams configures trading of one asset. Manager only.
// PUT /api/baskets/{id}/assets/{asset}/params
func (h *TradeHandler) SetParams(w http.ResponseWriter, r *http.Request) {
	var req paramsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := req.params()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	asset := domain.AssetID(r.PathValue("asset"))
	st, err := h.trades.SetTradeParameters(r.Context(), callerOf(r), basketID(r), asset, p)
	if err != nil {
		writeEngineError(w, r, h.logger, "set trade parameters", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Execute trades one asset toward its target.
// POST /api/baskets/{id}/trades
func (h *TradeHandler) Execute(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, "execute trade", h.trades.ExecuteTrade)
}

// RemainingQuote spends leftover quote asset on one under-target asset.
// POST /api/baskets/{id}/trades/remaining-quote
func (h *TradeHandler) RemainingQuote(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, "trade remaining quote", h.trades.TradeRemainingQuote)
}

type tradeFunc func(ctx context.Context, caller string, id domain.BasketID, order domain.TradeOrder) (domain.FillReceipt, error)

func (h *TradeHandler) trade(w http.ResponseWriter, r *http.Request, op string, fn tradeFunc) {
	var order domain.TradeOrder
	if err := decodeBody(w, r, &order); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	receipt, err := fn(r.Context(), callerOf(r), basketID(r), order)
	if err != nil {
		writeEngineError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// ListFills returns committed fills of a basket, newest first.
// GET /api/baskets/{id}/fills?limit=50&offset=0
func (h *TradeHandler) ListFills(w http.ResponseWriter, r *http.Request) {
	if h.fills == nil {
		writeError(w, http.StatusNotImplemented, "fill history not available")
		return
	}

	id := basketID(r)
	if _, err := h.trades.Basket(id); err != nil {
		writeEngineError(w, r, h.logger, "list fills", err)
		return
	}

	fills, err := h.fills.ListByBasket(r.Context(), id, parseListOpts(r))
	if err != nil {
		writeEngineError(w, r, h.logger, "list fills", err)
		return
	}
	if fills == nil {
		fills = []domain.FillReceipt{}
	}
	writeJSON(w, http.StatusOK, listFillsResponse{Fills: fills})
}
