package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/quantumliquidity/core/internal/api/handlers"
	"github.com/quantumliquidity/core/pkg/logger"
)

// NewRouter creates and configures the HTTP router
// ⭐ SSOT: 라우팅 설정은 이 함수에서만
func NewRouter(
	trading *handlers.TradingHandler,
	positions *handlers.PositionsHandler,
	riskHandler *handlers.RiskHandler,
	hub *StreamHub,
	log *logger.Logger,
) http.Handler {
	r := mux.NewRouter()

	// Health check
	r.HandleFunc("/health", healthCheckHandler).Methods("GET")

	// API v1
	api := r.PathPrefix("/api").Subrouter()

	// Order endpoints
	api.HandleFunc("/orders", trading.GetActiveOrders).Methods("GET")
	api.HandleFunc("/orders", trading.SubmitOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", trading.GetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}", trading.CancelOrder).Methods("DELETE")
	api.HandleFunc("/orders/{id}", trading.ModifyOrder).Methods("PATCH")
	api.HandleFunc("/orders/{id}/fills", trading.GetOrderFills).Methods("GET")
	api.HandleFunc("/stats", trading.GetStats).Methods("GET")

	// Position endpoints
	api.HandleFunc("/positions", positions.GetPositions).Methods("GET")
	api.HandleFunc("/positions/stats", positions.GetPositionStats).Methods("GET")

	// Risk endpoints
	api.HandleFunc("/risk", riskHandler.GetMetrics).Methods("GET")
	api.HandleFunc("/risk/prices", riskHandler.UpdatePrices).Methods("POST")
	api.HandleFunc("/risk/reset", riskHandler.ResetDaily).Methods("POST")

	// Event stream
	if hub != nil {
		r.HandleFunc("/ws/events", hub.ServeWS)
	}

	// Apply middleware
	r.Use(loggingMiddleware(log))
	r.Use(recoveryMiddleware(log))

	return r
}

// healthCheckHandler returns server health status
func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"service": "quantumliquidity-api",
	})
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			next.ServeHTTP(w, r)

			log.WithFields(map[string]interface{}{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start),
			}).Debug("HTTP request")
		})
	}
}

// recoveryMiddleware recovers from panics
func recoveryMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.WithFields(map[string]interface{}{
						"error": err,
						"path":  r.URL.Path,
					}).Error("Panic recovered")

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					json.NewEncoder(w).Encode(map[string]string{
						"error": "Internal server error",
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
