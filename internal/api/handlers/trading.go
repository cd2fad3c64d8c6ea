package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/quantumliquidity/core/internal/contracts"
	"github.com/quantumliquidity/core/internal/data/repos"
	"github.com/quantumliquidity/core/internal/execution"
	"github.com/quantumliquidity/core/pkg/logger"
)

// TradingHandler handles order-related API endpoints
// ⭐ SSOT: 주문 API 핸들러는 이 구조체에서만
type TradingHandler struct {
	engine *execution.Engine
	repo   *repos.TimeSeriesRepo // nil when persistence is disabled
	logger *logger.Logger
}

// NewTradingHandler creates a new trading handler
func NewTradingHandler(engine *execution.Engine, repo *repos.TimeSeriesRepo, log *logger.Logger) *TradingHandler {
	return &TradingHandler{
		engine: engine,
		repo:   repo,
		logger: log,
	}
}

// SubmitOrder submits an order through the engine
// POST /api/orders
func (h *TradingHandler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var order contracts.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid order payload")
		return
	}

	if order.OrderID == "" {
		respondError(w, http.StatusBadRequest, "order_id is required")
		return
	}
	if order.TimestampNs == 0 {
		order.TimestampNs = time.Now().UnixNano()
	}

	update := h.engine.Submit(&order)

	status := http.StatusOK
	if update.Status == contracts.StatusRejected || update.Status == contracts.StatusError {
		status = http.StatusUnprocessableEntity
	}

	respondJSON(w, status, update)
}

// CancelOrder cancels an active order
// DELETE /api/orders/{id}
func (h *TradingHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	update := h.engine.Cancel(orderID)
	respondJSON(w, http.StatusOK, update)
}

// ModifyOrder changes price/quantity/stop on a working order
// PATCH /api/orders/{id}
func (h *TradingHandler) ModifyOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	var mod contracts.OrderModification
	if err := json.NewDecoder(r.Body).Decode(&mod); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid modification payload")
		return
	}
	mod.OrderID = orderID
	if mod.TimestampNs == 0 {
		mod.TimestampNs = time.Now().UnixNano()
	}

	update := h.engine.Modify(&mod)
	respondJSON(w, http.StatusOK, update)
}

// GetOrder returns the engine's view of one order
// GET /api/orders/{id}
func (h *TradingHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	update, ok := h.engine.Status(orderID)
	if !ok {
		respondError(w, http.StatusNotFound, "Order not found")
		return
	}

	respondJSON(w, http.StatusOK, update)
}

// GetActiveOrders returns all currently tracked orders
// GET /api/orders
func (h *TradingHandler) GetActiveOrders(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.engine.ActiveOrders())
}

// GetOrderFills returns the persisted fills for an order
// GET /api/orders/{id}/fills
func (h *TradingHandler) GetOrderFills(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		respondError(w, http.StatusServiceUnavailable, "Persistence is disabled")
		return
	}

	orderID := mux.Vars(r)["id"]

	fills, err := h.repo.GetFillsByOrder(r.Context(), orderID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to query fills")
		respondError(w, http.StatusInternalServerError, "Failed to retrieve fills")
		return
	}

	respondJSON(w, http.StatusOK, fills)
}

// GetStats returns engine counters
// GET /api/stats
func (h *TradingHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.engine.Stats())
}

// Helper functions

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
