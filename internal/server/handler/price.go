package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/basketbot/internal/domain"
)

// PriceService defines the methods that the price handler requires.
type PriceService interface {
	SetPrices(ctx context.Context, quotes []domain.PriceQuote) error
	GetPrice(ctx context.Context, asset domain.AssetID) (domain.PriceQuote, error)
}

// PriceHandler serves the price feed endpoints.
type PriceHandler struct {
	prices PriceService
	logger *slog.Logger
}

// NewPriceHandler creates a PriceHandler.
func NewPriceHandler(prices PriceService, logger *slog.Logger) *PriceHandler {
	return &PriceHandler{prices: prices, logger: logHandler(logger, "price")}
}

type setPricesRequest struct {
	Prices []domain.PriceQuote `json:"prices"`
}

// Set stores a batch of prices.
// PUT /api/prices (admin)
func (h *PriceHandler) Set(w http.ResponseWriter, r *http.Request) {
	var req setPricesRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Prices) == 0 {
		writeError(w, http.StatusBadRequest, "prices must not be empty")
		return
	}
	if err := h.prices.SetPrices(r.Context(), req.Prices); err != nil {
		writeEngineError(w, r, h.logger, "set prices", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": len(req.Prices)})
}

// Get returns the latest price of one asset.
// GET /api/prices/{asset}
func (h *PriceHandler) Get(w http.ResponseWriter, r *http.Request) {
	q, err := h.prices.GetPrice(r.Context(), domain.AssetID(r.PathValue("asset")))
	if err != nil {
		writeEngineError(w, r, h.logger, "get price", err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}
