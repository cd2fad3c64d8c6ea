package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/quantumliquidity/core/internal/position"
	"github.com/quantumliquidity/core/internal/risk"
	"github.com/quantumliquidity/core/pkg/logger"
)

// RiskHandler handles risk query and control endpoints
type RiskHandler struct {
	riskMgr   *risk.Manager
	positions *position.Manager
	logger    *logger.Logger
}

// NewRiskHandler creates a new risk handler
func NewRiskHandler(riskMgr *risk.Manager, positions *position.Manager, log *logger.Logger) *RiskHandler {
	return &RiskHandler{
		riskMgr:   riskMgr,
		positions: positions,
		logger:    log,
	}
}

// GetMetrics returns the current risk snapshot
// GET /api/risk
func (h *RiskHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.riskMgr.Metrics())
}

// UpdatePrices replaces the market-price snapshot used for risk checks
// POST /api/risk/prices  body: {"EUR/USD": 1.1000, ...}
func (h *RiskHandler) UpdatePrices(w http.ResponseWriter, r *http.Request) {
	var prices map[string]float64
	if err := json.NewDecoder(r.Body).Decode(&prices); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid price payload")
		return
	}

	h.riskMgr.UpdateMarketPrices(prices)

	h.logger.WithField("instruments", len(prices)).Debug("Market prices updated via API")
	respondJSON(w, http.StatusOK, map[string]int{"updated": len(prices)})
}

// ResetDaily clears daily counters, reservations and the halt flag
// POST /api/risk/reset
func (h *RiskHandler) ResetDaily(w http.ResponseWriter, r *http.Request) {
	h.riskMgr.ResetDaily()
	h.positions.ResetDaily()

	h.logger.Info("Daily reset triggered via API")
	respondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
