package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/basketbot/internal/domain"
)

// AccessService defines the methods that the access handler requires.
type AccessService interface {
	SetTraderStatus(ctx context.Context, caller string, id domain.BasketID, traders []string, statuses []bool) (domain.AccessConfig, error)
	SetAnyoneTrade(ctx context.Context, caller string, id domain.BasketID, open bool) (domain.AccessConfig, error)
	Access(id domain.BasketID) domain.AccessConfig
	Basket(id domain.BasketID) (domain.Basket, error)
}

// AccessHandler serves trader allow-list endpoints.
type AccessHandler struct {
	access AccessService
	logger *slog.Logger
}

// NewAccessHandler creates an AccessHandler.
func NewAccessHandler(access AccessService, logger *slog.Logger) *AccessHandler {
	return &AccessHandler{access: access, logger: logHandler(logger, "access")}
}

type traderStatus struct {
	Address string `json:"address"`
	Allowed bool   `json:"allowed"`
}

type setTradersRequest struct {
	Traders []traderStatus `json:"traders"`
}

type setOpenRequest struct {
	Open bool `json:"open"`
}

// SetTraders adds or removes traders from the allow list. Manager only.
// PUT /api/baskets/{id}/traders
func (h *AccessHandler) SetTraders(w http.ResponseWriter, r *http.Request) {
	var req setTradersRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	traders := make([]string, len(req.Traders))
	statuses := make([]bool, len(req.Traders))
	for i, t := range req.Traders {
		traders[i], statuses[i] = t.Address, t.Allowed
	}

	cfg, err := h.access.SetTraderStatus(r.Context(), callerOf(r), basketID(r), traders, statuses)
	if err != nil {
		writeEngineError(w, r, h.logger, "set trader status", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// SetOpen switches between the allow list and open trading. Manager only.
// PUT /api/baskets/{id}/traders/open
func (h *AccessHandler) SetOpen(w http.ResponseWriter, r *http.Request) {
	var req setOpenRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cfg, err := h.access.SetAnyoneTrade(r.Context(), callerOf(r), basketID(r), req.Open)
	if err != nil {
		writeEngineError(w, r, h.logger, "set anyone trade", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// Get returns the access configuration of a basket.
// GET /api/baskets/{id}/traders
func (h *AccessHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := basketID(r)
	if _, err := h.access.Basket(id); err != nil {
		writeEngineError(w, r, h.logger, "get access", err)
		return
	}
	cfg := h.access.Access(id)
	if cfg.Traders == nil {
		cfg.Traders = []string{}
	}
	writeJSON(w, http.StatusOK, cfg)
}
