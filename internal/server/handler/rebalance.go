package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/basketbot/internal/domain"
)

// RebalanceService defines the methods that the rebalance handler requires.
type RebalanceService interface {
	StartRebalance(ctx context.Context, caller string, id domain.BasketID, targets []domain.TargetUnit, removed []domain.AssetID) (domain.RebalanceEpisode, error)
	EditTargets(ctx context.Context, caller string, id domain.BasketID, targets []domain.TargetUnit) (domain.RebalanceEpisode, error)
	SetRaiseTargetPercentage(ctx context.Context, caller string, id domain.BasketID, pct decimal.Decimal) (domain.RebalanceEpisode, error)
	RaiseTargets(ctx context.Context, caller string, id domain.BasketID) (domain.RebalanceEpisode, error)
	Episode(id domain.BasketID) (domain.RebalanceEpisode, error)
	RebalanceComponents(id domain.BasketID, now time.Time) ([]domain.ComponentStatus, error)
}

// RebalanceHandler serves the rebalance episode endpoints.
type RebalanceHandler struct {
	rebalances RebalanceService
	logger     *slog.Logger
	now        func() time.Time
}

// NewRebalanceHandler creates a RebalanceHandler with the given service and logger.
func NewRebalanceHandler(rebalances RebalanceService, logger *slog.Logger) *RebalanceHandler {
	return &RebalanceHandler{
		rebalances: rebalances,
		logger:     logHandler(logger, "rebalance"),
		now:        time.Now,
	}
}

type startRebalanceRequest struct {
	Targets []domain.TargetUnit `json:"targets"`
	Removed []domain.AssetID    `json:"removed"`
}

type editTargetsRequest struct {
	Targets []domain.TargetUnit `json:"targets"`
}

type raisePercentageRequest struct {
	Percentage decimal.Decimal `json:"percentage"`
}

type componentsResponse struct {
	EpisodeID  string                   `json:"episode_id"`
	Generation int64                    `json:"generation"`
	Components []domain.ComponentStatus `json:"components"`
}

// Start opens a new rebalance episode. Manager only.
// POST /api/baskets/{id}/rebalance
func (h *RebalanceHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRebalanceRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ep, err := h.rebalances.StartRebalance(r.Context(), callerOf(r), basketID(r), req.Targets, req.Removed)
	if err != nil {
		writeEngineError(w, r, h.logger, "start rebalance", err)
		return
	}
	writeJSON(w, http.StatusCreated, ep)
}

// Get returns the active episode.
// GET /api/baskets/{id}/rebalance
func (h *RebalanceHandler) Get(w http.ResponseWriter, r *http.Request) {
	ep, err := h.rebalances.Episode(basketID(r))
	if err != nil {
		writeEngineError(w, r, h.logger, "get rebalance", err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

// EditTargets replaces targets of the active episode. Manager only.
// PUT /api/baskets/{id}/rebalance/targets
func (h *RebalanceHandler) EditTargets(w http.ResponseWriter, r *http.Request) {
	var req editTargetsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ep, err := h.rebalances.EditTargets(r.Context(), callerOf(r), basketID(r), req.Targets)
	if err != nil {
		writeEngineError(w, r, h.logger, "edit targets", err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

// SetRaisePercentage sets the per-raise growth of the episode targets.
// Manager only.
// PUT /api/baskets/{id}/rebalance/raise-percentage
func (h *RebalanceHandler) SetRaisePercentage(w http.ResponseWriter, r *http.Request) {
	var req raisePercentageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ep, err := h.rebalances.SetRaiseTargetPercentage(r.Context(), callerOf(r), basketID(r), req.Percentage)
	if err != nil {
		writeEngineError(w, r, h.logger, "set raise percentage", err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

// Raise scales the episode targets once every target is met.
// POST /api/baskets/{id}/rebalance/raise
func (h *RebalanceHandler) Raise(w http.ResponseWriter, r *http.Request) {
	ep, err := h.rebalances.RaiseTargets(r.Context(), callerOf(r), basketID(r))
	if err != nil {
		writeEngineError(w, r, h.logger, "raise targets", err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

// Components reports per-asset progress of the active episode.
// GET /api/baskets/{id}/rebalance/components
func (h *RebalanceHandler) Components(w http.ResponseWriter, r *http.Request) {
	id := basketID(r)
	ep, err := h.rebalances.Episode(id)
	if err != nil {
		writeEngineError(w, r, h.logger, "rebalance components", err)
		return
	}
	comps, err := h.rebalances.RebalanceComponents(id, h.now())
	if err != nil {
		writeEngineError(w, r, h.logger, "rebalance components", err)
		return
	}
	writeJSON(w, http.StatusOK, componentsResponse{
		EpisodeID:  ep.ID,
		Generation: ep.Generation,
		Components: comps,
	})
}
