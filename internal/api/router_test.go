package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumliquidity/core/internal/api/handlers"
	"github.com/quantumliquidity/core/internal/contracts"
	"github.com/quantumliquidity/core/internal/execution"
	"github.com/quantumliquidity/core/internal/position"
	"github.com/quantumliquidity/core/internal/risk"
	"github.com/quantumliquidity/core/pkg/logger"
)

func newTestServer(t *testing.T) (*httptest.Server, *execution.Engine, *position.Manager, *risk.Manager) {
	t.Helper()

	log := logger.Nop()

	positions := position.NewManager(log)
	riskMgr := risk.NewManager(contracts.RiskLimits{
		MaxPositionSize:     1000,
		MaxTotalExposure:    100000,
		MaxOrderSize:        500,
		MaxDailyLoss:        5000,
		MaxDrawdownFromHigh: 1000,
		MaxOrdersPerMinute:  100,
		MaxOrdersPerDay:     10000,
		Bankroll:            100000,
		MinFreeCapitalPct:   0.1,
	}, log)
	riskMgr.SetPositionManager(positions)

	engine := execution.NewEngine(riskMgr, positions, nil, log)
	broker := execution.NewMockBroker(execution.MockBrokerConfig{
		Name:             "mock",
		FillLatency:      10 * time.Millisecond,
		PartialFillCount: 1,
		Workers:          2,
		QueueSize:        16,
		AutoConnect:      true,
	}, log)
	engine.RegisterProvider("mock", broker)
	t.Cleanup(engine.Shutdown)

	router := NewRouter(
		handlers.NewTradingHandler(engine, nil, log),
		handlers.NewPositionsHandler(positions, riskMgr, log),
		handlers.NewRiskHandler(riskMgr, positions, log),
		nil,
		log,
	)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return server, engine, positions, riskMgr
}

func TestHealthEndpoint(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestSubmitOrderEndpoint(t *testing.T) {
	server, _, positions, _ := newTestServer(t)

	order := contracts.OrderRequest{
		OrderID:     "API-1",
		Instrument:  "EUR/USD",
		Side:        contracts.OrderSideBuy,
		Type:        contracts.OrderTypeLimit,
		Quantity:    100,
		Price:       1.1,
		TimeInForce: contracts.TimeInForceDay,
		StrategyID:  "api_test",
	}
	payload, _ := json.Marshal(order)

	resp, err := http.Post(server.URL+"/api/orders", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var update contracts.OrderUpdate
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&update))
	assert.Equal(t, contracts.StatusAcknowledged, update.Status)

	// The fill arrives and shows up in the positions endpoint
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if positions.Quantity("EUR/USD") == 100 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	posResp, err := http.Get(server.URL + "/api/positions?instrument=EUR/USD")
	require.NoError(t, err)
	defer posResp.Body.Close()

	var pos contracts.Position
	require.NoError(t, json.NewDecoder(posResp.Body).Decode(&pos))
	assert.InDelta(t, 100.0, pos.Quantity, 1e-8)
}

func TestSubmitOrderEndpoint_Rejection(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	order := contracts.OrderRequest{
		OrderID:    "API-2",
		Instrument: "EUR/USD",
		Side:       contracts.OrderSideBuy,
		Type:       contracts.OrderTypeLimit,
		Quantity:   600, // over max_order_size
		Price:      1.1,
	}
	payload, _ := json.Marshal(order)

	resp, err := http.Post(server.URL+"/api/orders", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var update contracts.OrderUpdate
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&update))
	assert.Equal(t, contracts.StatusRejected, update.Status)
	assert.Contains(t, update.Reason, "Order size exceeds limit")
}

func TestSubmitOrderEndpoint_MissingID(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	resp, err := http.Post(server.URL+"/api/orders", "application/json",
		bytes.NewReader([]byte(`{"instrument":"EUR/USD"}`)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRiskEndpoints(t *testing.T) {
	server, _, _, riskMgr := newTestServer(t)

	// Push prices
	resp, err := http.Post(server.URL+"/api/risk/prices", "application/json",
		bytes.NewReader([]byte(`{"EUR/USD": 1.1000}`)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	price, ok := riskMgr.MarkPrice("EUR/USD")
	require.True(t, ok)
	assert.Equal(t, 1.1, price)

	// Metrics snapshot
	resp, err = http.Get(server.URL + "/api/risk")
	require.NoError(t, err)
	defer resp.Body.Close()

	var metrics contracts.RiskMetrics
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&metrics))
	assert.False(t, metrics.HaltActive)

	// Daily reset
	resetResp, err := http.Post(server.URL+"/api/risk/reset", "application/json", nil)
	require.NoError(t, err)
	resetResp.Body.Close()
	assert.Equal(t, http.StatusOK, resetResp.StatusCode)
}

func TestOrderFillsEndpoint_WithoutPersistence(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/api/orders/X/fills")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCancelEndpoint_UnknownOrder(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodDelete, server.URL+"/api/orders/missing", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var update contracts.OrderUpdate
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&update))
	assert.Equal(t, contracts.StatusRejected, update.Status)
}
