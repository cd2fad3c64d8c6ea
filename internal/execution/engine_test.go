package execution

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumliquidity/core/internal/contracts"
	"github.com/quantumliquidity/core/internal/position"
	"github.com/quantumliquidity/core/internal/risk"
	"github.com/quantumliquidity/core/pkg/logger"
)

func testRiskLimits() contracts.RiskLimits {
	return contracts.RiskLimits{
		MaxPositionSize:     1000,
		MaxTotalExposure:    100000,
		MaxOrderSize:        500,
		MaxDailyLoss:        5000,
		MaxDrawdownFromHigh: 1000,
		MaxOrdersPerMinute:  100,
		MaxOrdersPerDay:     10000,
		Bankroll:            100000,
		MinFreeCapitalPct:   0.1,
	}
}

type testStack struct {
	engine    *Engine
	riskMgr   *risk.Manager
	positions *position.Manager
	broker    *MockBroker
}

func newTestStack(t *testing.T, brokerCfg MockBrokerConfig) *testStack {
	t.Helper()

	positions := position.NewManager(logger.Nop())
	riskMgr := risk.NewManager(testRiskLimits(), logger.Nop())
	riskMgr.SetPositionManager(positions)

	engine := NewEngine(riskMgr, positions, nil, logger.Nop())
	broker := NewMockBroker(brokerCfg, logger.Nop())
	engine.RegisterProvider(broker.Name(), broker)

	t.Cleanup(engine.Shutdown)

	return &testStack{
		engine:    engine,
		riskMgr:   riskMgr,
		positions: positions,
		broker:    broker,
	}
}

func fastBrokerConfig() MockBrokerConfig {
	cfg := DefaultMockBrokerConfig()
	cfg.FillLatency = 10 * time.Millisecond
	cfg.CommissionPerUnit = 0
	return cfg
}

func limitOrder(id string, side contracts.OrderSide, qty, price float64) *contracts.OrderRequest {
	return &contracts.OrderRequest{
		OrderID:     id,
		Instrument:  "EUR/USD",
		Side:        side,
		Type:        contracts.OrderTypeLimit,
		Quantity:    qty,
		Price:       price,
		TimeInForce: contracts.TimeInForceDay,
		StrategyID:  "test_strategy",
		TimestampNs: time.Now().UnixNano(),
	}
}

// waitFor polls until the condition holds or the deadline passes
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeout waiting for: " + msg)
}

func TestSubmit_RoundTripLong(t *testing.T) {
	stack := newTestStack(t, fastBrokerConfig())

	// Buy 100 @ 1.1000
	update := stack.engine.Submit(limitOrder("O1", contracts.OrderSideBuy, 100, 1.1000))
	require.Equal(t, contracts.StatusAcknowledged, update.Status)

	waitFor(t, time.Second, func() bool {
		return stack.positions.Quantity("EUR/USD") == 100
	}, "buy fill")

	// Sell 100 @ 1.1050
	update = stack.engine.Submit(limitOrder("O2", contracts.OrderSideSell, 100, 1.1050))
	require.Equal(t, contracts.StatusAcknowledged, update.Status)

	waitFor(t, time.Second, func() bool {
		p := stack.positions.Position("EUR/USD")
		return p.IsFlat()
	}, "sell fill")

	pos := stack.positions.Position("EUR/USD")
	assert.InDelta(t, 0.0, pos.Quantity, 1e-8)
	// 100 * (1.1050 - 1.1000) = 0.5
	assert.InDelta(t, 0.5, pos.RealizedPnL, 1e-6)

	// Both orders finalized, reservations drained
	assert.Empty(t, stack.engine.ActiveOrders())
	assert.Empty(t, stack.riskMgr.ActiveReservations())

	stats := stack.engine.Stats()
	assert.Equal(t, 2, stats.TotalOrdersSubmitted)
	assert.Zero(t, stats.ActiveOrders)
	assert.InDelta(t, 200.0, stats.TotalVolumeTraded, 1e-8)
}

func TestSubmit_WeightedAverageEntry(t *testing.T) {
	stack := newTestStack(t, fastBrokerConfig())

	stack.engine.Submit(limitOrder("O1", contracts.OrderSideBuy, 100, 1.1000))
	waitFor(t, time.Second, func() bool {
		return stack.positions.Quantity("EUR/USD") == 100
	}, "first fill")

	stack.engine.Submit(limitOrder("O2", contracts.OrderSideBuy, 50, 1.1100))
	waitFor(t, time.Second, func() bool {
		return stack.positions.Quantity("EUR/USD") == 150
	}, "second fill")

	pos := stack.positions.Position("EUR/USD")
	assert.InDelta(t, 1.1033333, pos.EntryPrice, 1e-6)
}

func TestSubmit_PartialFills(t *testing.T) {
	cfg := fastBrokerConfig()
	cfg.PartialFillCount = 3
	stack := newTestStack(t, cfg)

	stack.broker.SetMarketPrice("EUR/USD", 1.1000)
	stack.riskMgr.UpdateMarketPrices(map[string]float64{"EUR/USD": 1.1000})

	var mu sync.Mutex
	var fills []contracts.Fill
	stack.engine.RegisterFillCallback(func(fill contracts.Fill) {
		mu.Lock()
		fills = append(fills, fill)
		mu.Unlock()
	})

	order := limitOrder("O1", contracts.OrderSideBuy, 300, 0)
	order.Type = contracts.OrderTypeMarket

	update := stack.engine.Submit(order)
	require.Equal(t, contracts.StatusAcknowledged, update.Status)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fills) == 3
	}, "all partial fill callbacks")

	assert.InDelta(t, 300.0, stack.positions.Quantity("EUR/USD"), 1e-8)

	status, ok := stack.engine.Status("O1")
	require.True(t, ok)
	assert.Equal(t, contracts.StatusFilled, status.Status)
	assert.InDelta(t, 1.1000, status.AvgFillPrice, 1e-6)
	assert.InDelta(t, 300.0, status.FilledQty, 1e-8)
	assert.InDelta(t, 0.0, status.RemainingQty, 1e-8)
}

func TestSubmit_MarketOrderWithoutMarkRejected(t *testing.T) {
	stack := newTestStack(t, fastBrokerConfig())

	order := limitOrder("O1", contracts.OrderSideBuy, 100, 0)
	order.Type = contracts.OrderTypeMarket

	update := stack.engine.Submit(order)
	require.Equal(t, contracts.StatusRejected, update.Status)
	assert.Contains(t, update.Reason, "No market price")
	assert.Empty(t, stack.riskMgr.ActiveReservations())
}

func TestSubmit_RiskRejection(t *testing.T) {
	stack := newTestStack(t, fastBrokerConfig())

	// 600 > max_order_size 500
	update := stack.engine.Submit(limitOrder("O1", contracts.OrderSideBuy, 600, 1.1))
	require.Equal(t, contracts.StatusRejected, update.Status)
	assert.Contains(t, update.Reason, "Order size exceeds limit")
	assert.Empty(t, stack.engine.ActiveOrders())
	assert.Equal(t, 1, stack.engine.Stats().TotalOrdersRejected)
}

func TestSubmit_NoProvider(t *testing.T) {
	positions := position.NewManager(logger.Nop())
	riskMgr := risk.NewManager(testRiskLimits(), logger.Nop())
	riskMgr.SetPositionManager(positions)
	engine := NewEngine(riskMgr, positions, nil, logger.Nop())

	update := engine.Submit(limitOrder("O1", contracts.OrderSideBuy, 100, 1.1))
	require.Equal(t, contracts.StatusRejected, update.Status)
	assert.Contains(t, update.Reason, "No execution provider")
	// Reservation created by the risk gate must be released again
	assert.Empty(t, riskMgr.ActiveReservations())
}

func TestSubmit_DisconnectedProvider(t *testing.T) {
	cfg := fastBrokerConfig()
	cfg.AutoConnect = false
	stack := newTestStack(t, cfg)

	update := stack.engine.Submit(limitOrder("O1", contracts.OrderSideBuy, 100, 1.1))
	require.Equal(t, contracts.StatusRejected, update.Status)
	assert.Contains(t, update.Reason, "not connected")
	assert.Empty(t, stack.riskMgr.ActiveReservations())
}

func TestCancel_BeforeFill(t *testing.T) {
	cfg := fastBrokerConfig()
	cfg.FillLatency = 300 * time.Millisecond
	stack := newTestStack(t, cfg)

	update := stack.engine.Submit(limitOrder("O1", contracts.OrderSideBuy, 100, 1.1))
	require.Equal(t, contracts.StatusAcknowledged, update.Status)

	cancelResult := stack.engine.Cancel("O1")
	require.Equal(t, contracts.StatusCancelled, cancelResult.Status)
	assert.Zero(t, cancelResult.FilledQty)

	// The suppressed fill must never arrive
	time.Sleep(400 * time.Millisecond)
	assert.True(t, stack.positions.Position("EUR/USD").IsFlat())
	assert.Empty(t, stack.engine.ActiveOrders())
	assert.Empty(t, stack.riskMgr.ActiveReservations())

	status, ok := stack.engine.Status("O1")
	require.True(t, ok, "cancelled order stays queryable from history")
	assert.Equal(t, contracts.StatusCancelled, status.Status)
}

func TestCancel_UnknownOrder(t *testing.T) {
	stack := newTestStack(t, fastBrokerConfig())

	result := stack.engine.Cancel("missing")
	assert.Equal(t, contracts.StatusRejected, result.Status)
	assert.Contains(t, result.Reason, "not found")
}

func TestModify_UpdatesOrder(t *testing.T) {
	cfg := fastBrokerConfig()
	cfg.FillLatency = 300 * time.Millisecond
	stack := newTestStack(t, cfg)

	stack.engine.Submit(limitOrder("O1", contracts.OrderSideBuy, 100, 1.1))

	newPrice := 1.2
	newQty := 80.0
	result := stack.engine.Modify(&contracts.OrderModification{
		OrderID:     "O1",
		NewPrice:    &newPrice,
		NewQuantity: &newQty,
		TimestampNs: time.Now().UnixNano(),
	})

	require.Equal(t, contracts.StatusAcknowledged, result.Status)
	assert.InDelta(t, 80.0, result.RemainingQty, 1e-8)

	// Clean up before the delayed fill lands
	stack.engine.Cancel("O1")
}

func TestCallbacks_OrderEventsCausalOrder(t *testing.T) {
	cfg := fastBrokerConfig()
	cfg.PartialFillCount = 2
	stack := newTestStack(t, cfg)

	var mu sync.Mutex
	var statuses []contracts.OrderStatus
	stack.engine.RegisterOrderCallback(func(update contracts.OrderUpdate) {
		mu.Lock()
		statuses = append(statuses, update.Status)
		mu.Unlock()
	})

	var fillWg sync.WaitGroup
	fillWg.Add(2)
	stack.engine.RegisterFillCallback(func(contracts.Fill) {
		fillWg.Done()
	})

	stack.engine.Submit(limitOrder("O1", contracts.OrderSideBuy, 100, 1.1))
	fillWg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, statuses)
	assert.Equal(t, contracts.StatusAcknowledged, statuses[0], "ack precedes fills")
}

func TestCallbacks_PanicIsContained(t *testing.T) {
	stack := newTestStack(t, fastBrokerConfig())

	stack.engine.RegisterOrderCallback(func(contracts.OrderUpdate) {
		panic("bad subscriber")
	})

	received := make(chan contracts.OrderUpdate, 4)
	stack.engine.RegisterOrderCallback(func(update contracts.OrderUpdate) {
		received <- update
	})

	update := stack.engine.Submit(limitOrder("O1", contracts.OrderSideBuy, 100, 1.1))
	require.Equal(t, contracts.StatusAcknowledged, update.Status)

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("second subscriber starved by panicking first subscriber")
	}
}

func TestCallbacks_Deregister(t *testing.T) {
	stack := newTestStack(t, fastBrokerConfig())

	calls := 0
	var mu sync.Mutex
	id := stack.engine.RegisterOrderCallback(func(contracts.OrderUpdate) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	stack.engine.Submit(limitOrder("O1", contracts.OrderSideBuy, 1, 1.1))
	stack.engine.DeregisterOrderCallback(id)
	stack.engine.Submit(limitOrder("O2", contracts.OrderSideBuy, 1, 1.1))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "no delivery after deregistration")
}

func TestOnOrderUpdate_TerminalFinality(t *testing.T) {
	cfg := fastBrokerConfig()
	cfg.FillLatency = time.Second
	stack := newTestStack(t, cfg)

	stack.engine.Submit(limitOrder("O1", contracts.OrderSideBuy, 100, 1.1))

	var mu sync.Mutex
	var updates []contracts.OrderUpdate
	stack.engine.RegisterOrderCallback(func(update contracts.OrderUpdate) {
		mu.Lock()
		updates = append(updates, update)
		mu.Unlock()
	})

	// Adapter reports expiry (terminal)
	stack.engine.OnOrderUpdate(contracts.OrderUpdate{
		OrderID:     "O1",
		Status:      contracts.StatusExpired,
		TimestampNs: time.Now().UnixNano(),
	})

	// A late duplicate after the terminal state is dropped
	stack.engine.OnOrderUpdate(contracts.OrderUpdate{
		OrderID:     "O1",
		Status:      contracts.StatusAcknowledged,
		TimestampNs: time.Now().UnixNano(),
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 1, "no callback after terminal state")
	assert.Equal(t, contracts.StatusExpired, updates[0].Status)
	assert.Empty(t, stack.riskMgr.ActiveReservations())
}

func TestSubmit_AfterShutdownRejected(t *testing.T) {
	stack := newTestStack(t, fastBrokerConfig())

	stack.engine.Shutdown()

	update := stack.engine.Submit(limitOrder("O1", contracts.OrderSideBuy, 100, 1.1))
	require.Equal(t, contracts.StatusRejected, update.Status)
	assert.Contains(t, update.Reason, "shutting down")
}

func TestShutdown_CancelsActiveAndIsIdempotent(t *testing.T) {
	cfg := fastBrokerConfig()
	cfg.FillLatency = 500 * time.Millisecond
	stack := newTestStack(t, cfg)

	stack.engine.Submit(limitOrder("O1", contracts.OrderSideBuy, 100, 1.1))
	stack.engine.Submit(limitOrder("O2", contracts.OrderSideSell, 50, 1.2))

	stack.engine.Shutdown()
	stack.engine.Shutdown() // second call is a no-op

	assert.Empty(t, stack.engine.ActiveOrders())
	assert.False(t, stack.broker.IsConnected())
	assert.Equal(t, 2, stack.engine.Stats().TotalOrdersCancelled)
}

func TestInstrumentRouting(t *testing.T) {
	stack := newTestStack(t, fastBrokerConfig())

	secondaryCfg := fastBrokerConfig()
	secondaryCfg.Name = "secondary"
	secondary := NewMockBroker(secondaryCfg, logger.Nop())
	stack.engine.RegisterProvider("secondary", secondary)
	t.Cleanup(func() { _ = secondary.Disconnect() })

	stack.engine.SetInstrumentProvider("GBP/USD", "secondary")
	// Unknown provider name is a logged no-op
	stack.engine.SetInstrumentProvider("EUR/USD", "missing")

	order := limitOrder("O1", contracts.OrderSideBuy, 10, 1.25)
	order.Instrument = "GBP/USD"
	update := stack.engine.Submit(order)
	require.Equal(t, contracts.StatusAcknowledged, update.Status)

	// The routed broker received it, the default did not
	_, onSecondary := secondary.Status("O1")
	assert.True(t, onSecondary)
	_, onDefault := stack.broker.Status("O1")
	assert.False(t, onDefault)
}

// P4: every approval creates exactly one reservation and every terminal
// outcome releases exactly one, across many concurrent orders
func TestReservationConservation_Concurrent(t *testing.T) {
	stack := newTestStack(t, fastBrokerConfig())

	const submitters = 4
	const perSubmitter = 10

	var wg sync.WaitGroup
	for s := 0; s < submitters; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSubmitter; i++ {
				id := fmt.Sprintf("O-%d-%d", s, i)
				stack.engine.Submit(limitOrder(id, contracts.OrderSideBuy, 1, 1.1))
			}
		}(s)
	}
	wg.Wait()

	waitFor(t, 3*time.Second, func() bool {
		return len(stack.engine.ActiveOrders()) == 0
	}, "all orders to fill")

	assert.Empty(t, stack.riskMgr.ActiveReservations())
	assert.InDelta(t, float64(submitters*perSubmitter),
		stack.positions.Quantity("EUR/USD"), 1e-6)
}

func TestStatus_CompletedOrderQueryable(t *testing.T) {
	stack := newTestStack(t, fastBrokerConfig())

	stack.engine.Submit(limitOrder("O1", contracts.OrderSideBuy, 1, 1.1))
	waitFor(t, time.Second, func() bool {
		update, ok := stack.engine.Status("O1")
		return ok && update.Status == contracts.StatusFilled
	}, "fill to finalize")

	update, ok := stack.engine.Status("O1")
	require.True(t, ok)
	assert.Equal(t, contracts.StatusFilled, update.Status)
	assert.True(t, math.Abs(update.RemainingQty) < contracts.QtyEpsilon)

	_, ok = stack.engine.Status("never-submitted")
	assert.False(t, ok)
}
