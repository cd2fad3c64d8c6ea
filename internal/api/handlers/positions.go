package handlers

import (
	"net/http"

	"github.com/quantumliquidity/core/internal/position"
	"github.com/quantumliquidity/core/internal/risk"
	"github.com/quantumliquidity/core/pkg/logger"
)

// PositionsHandler handles position query endpoints
type PositionsHandler struct {
	positions *position.Manager
	riskMgr   *risk.Manager
	logger    *logger.Logger
}

// NewPositionsHandler creates a new positions handler
func NewPositionsHandler(positions *position.Manager, riskMgr *risk.Manager, log *logger.Logger) *PositionsHandler {
	return &PositionsHandler{
		positions: positions,
		riskMgr:   riskMgr,
		logger:    log,
	}
}

// GetPositions returns all positions, or one when ?instrument= is given.
// Instrument names may contain slashes (EUR/USD), hence the query param.
// GET /api/positions[?instrument=EUR/USD]
func (h *PositionsHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	if instrument := r.URL.Query().Get("instrument"); instrument != "" {
		respondJSON(w, http.StatusOK, h.positions.Position(instrument))
		return
	}

	respondJSON(w, http.StatusOK, h.positions.AllPositions())
}

// GetPositionStats returns the aggregate snapshot marked at current prices
// GET /api/positions/stats
func (h *PositionsHandler) GetPositionStats(w http.ResponseWriter, r *http.Request) {
	prices := h.riskMgr.MarketPrices()
	respondJSON(w, http.StatusOK, h.positions.Stats(prices))
}
