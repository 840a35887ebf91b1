package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/basketbot/internal/domain"
)

// BasketService defines the methods that the basket handler requires.
type BasketService interface {
	RegisterBasket(ctx context.Context, spec domain.BasketSpec) (domain.Basket, error)
	Basket(id domain.BasketID) (domain.Basket, error)
	Baskets() []domain.Basket
	FeeBps(id domain.BasketID) int
	SetTotalShares(ctx context.Context, id domain.BasketID, shares decimal.Decimal) (domain.Basket, error)
	EditPositionMultiplier(ctx context.Context, id domain.BasketID, m decimal.Decimal) (domain.Basket, error)
	SetFeeBps(ctx context.Context, id domain.BasketID, bps int) error
}

// BasketHandler serves basket registration and ledger endpoints.
type BasketHandler struct {
	baskets BasketService
	logger  *slog.Logger
}

// NewBasketHandler creates a BasketHandler with the given service and logger.
func NewBasketHandler(baskets BasketService, logger *slog.Logger) *BasketHandler {
	return &BasketHandler{baskets: baskets, logger: logHandler(logger, "basket")}
}

type basketResponse struct {
	domain.Basket
	FeeBps int `json:"fee_bps"`
}

type listBasketsResponse struct {
	Baskets []domain.Basket `json:"baskets"`
}

// Register creates a basket.
// POST /api/baskets (admin)
func (h *BasketHandler) Register(w http.ResponseWriter, r *http.Request) {
	var spec domain.BasketSpec
	if err := decodeBody(w, r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	b, err := h.baskets.RegisterBasket(r.Context(), spec)
	if err != nil {
		writeEngineError(w, r, h.logger, "register basket", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.withFee(b))
}

// List returns every registered basket.
// GET /api/baskets
func (h *BasketHandler) List(w http.ResponseWriter, r *http.Request) {
	baskets := h.baskets.Baskets()
	if baskets == nil {
		baskets = []domain.Basket{}
	}
	writeJSON(w, http.StatusOK, listBasketsResponse{Baskets: baskets})
}

// Get returns one basket with its fee.
// GET /api/baskets/{id}
func (h *BasketHandler) Get(w http.ResponseWriter, r *http.Request) {
	b, err := h.baskets.Basket(basketID(r))
	if err != nil {
		writeEngineError(w, r, h.logger, "get basket", err)
		return
	}
	writeJSON(w, http.StatusOK, h.withFee(b))
}

type sharesRequest struct {
	TotalShares decimal.Decimal `json:"total_shares"`
}

// SetShares records a new share supply.
// PUT /api/baskets/{id}/shares (admin)
func (h *BasketHandler) SetShares(w http.ResponseWriter, r *http.Request) {
	var req sharesRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	b, err := h.baskets.SetTotalShares(r.Context(), basketID(r), req.TotalShares)
	if err != nil {
		writeEngineError(w, r, h.logger, "set total shares", err)
		return
	}
	writeJSON(w, http.StatusOK, h.withFee(b))
}

type multiplierRequest struct {
	Multiplier decimal.Decimal `json:"position_multiplier"`
}

// SetMultiplier replaces the position multiplier.
// PUT /api/baskets/{id}/multiplier (admin)
func (h *BasketHandler) SetMultiplier(w http.ResponseWriter, r *http.Request) {
	var req multiplierRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	b, err := h.baskets.EditPositionMultiplier(r.Context(), basketID(r), req.Multiplier)
	if err != nil {
		writeEngineError(w, r, h.logger, "edit position multiplier", err)
		return
	}
	writeJSON(w, http.StatusOK, h.withFee(b))
}

type feeRequest struct {
	Bps int `json:"bps"`
}

// SetFee overrides the fee of one basket.
// PUT /api/baskets/{id}/fee (admin)
func (h *BasketHandler) SetFee(w http.ResponseWriter, r *http.Request) {
	var req feeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := basketID(r)
	if err := h.baskets.SetFeeBps(r.Context(), id, req.Bps); err != nil {
		writeEngineError(w, r, h.logger, "set fee", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"basket_id": id, "fee_bps": h.baskets.FeeBps(id)})
}

func (h *BasketHandler) withFee(b domain.Basket) basketResponse {
	return basketResponse{Basket: b, FeeBps: h.baskets.FeeBps(b.ID)}
}
