package risk

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumliquidity/core/internal/contracts"
	"github.com/quantumliquidity/core/internal/position"
	"github.com/quantumliquidity/core/pkg/logger"
)

func testLimits() contracts.RiskLimits {
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

func newTestRisk(limits contracts.RiskLimits) (*Manager, *position.Manager) {
	pm := position.NewManager(logger.Nop())
	rm := NewManager(limits, logger.Nop())
	rm.SetPositionManager(pm)
	return rm, pm
}

func buyOrder(id string, qty, price float64) *contracts.OrderRequest {
	return &contracts.OrderRequest{
		OrderID:     id,
		Instrument:  "EUR/USD",
		Side:        contracts.OrderSideBuy,
		Type:        contracts.OrderTypeLimit,
		Quantity:    qty,
		Price:       price,
		TimeInForce: contracts.TimeInForceDay,
		StrategyID:  "test_strategy",
		TimestampNs: time.Now().UnixNano(),
	}
}

func TestCheckOrder_Approves(t *testing.T) {
	rm, _ := newTestRisk(testLimits())

	result := rm.CheckOrder(buyOrder("O1", 100, 1.1000), 1.1000)

	require.True(t, result.Allowed)
	assert.Equal(t, "OK", result.Reason)
	assert.InDelta(t, 110.0, result.ReservedCapital, 1e-6)
	assert.InDelta(t, 100.0, result.NewPositionSize, 1e-6)

	reservations := rm.ActiveReservations()
	require.Len(t, reservations, 1)
	assert.InDelta(t, 110.0, reservations["O1"], 1e-6)
}

func TestCheckOrder_InvalidQuantity(t *testing.T) {
	rm, _ := newTestRisk(testLimits())

	result := rm.CheckOrder(buyOrder("O1", 0, 1.1), 1.1)
	require.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "Invalid quantity")
	assert.Empty(t, rm.ActiveReservations())
}

func TestCheckOrder_InvalidLimitPrice(t *testing.T) {
	rm, _ := newTestRisk(testLimits())

	order := buyOrder("O1", 100, 0)
	result := rm.CheckOrder(order, 1.1)
	require.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "Invalid limit price")

	// Market orders carry no limit price and pass validation
	market := buyOrder("O2", 100, 0)
	market.Type = contracts.OrderTypeMarket
	result = rm.CheckOrder(market, 1.1)
	assert.True(t, result.Allowed)
}

func TestCheckOrder_OrderSizeBoundary(t *testing.T) {
	rm, _ := newTestRisk(testLimits())

	// Exactly at the limit: approved
	result := rm.CheckOrder(buyOrder("O1", 500, 1.0), 1.0)
	assert.True(t, result.Allowed)

	// Just above: rejected, no reservation created
	result = rm.CheckOrder(buyOrder("O2", 500.0001, 1.0), 1.0)
	require.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "Order size exceeds limit")

	reservations := rm.ActiveReservations()
	_, exists := reservations["O2"]
	assert.False(t, exists)
}

func TestCheckOrder_RateLimit(t *testing.T) {
	limits := testLimits()
	limits.MaxOrdersPerMinute = 3
	rm, _ := newTestRisk(limits)

	for i := 0; i < 3; i++ {
		result := rm.CheckOrder(buyOrder(fmt.Sprintf("O%d", i), 1, 1.0), 1.0)
		require.True(t, result.Allowed, "order %d should pass", i)
	}

	result := rm.CheckOrder(buyOrder("O4", 1, 1.0), 1.0)
	require.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "rate limit")
}

func TestCheckOrder_DailyOrderLimit(t *testing.T) {
	limits := testLimits()
	limits.MaxOrdersPerDay = 2
	rm, _ := newTestRisk(limits)

	require.True(t, rm.CheckOrder(buyOrder("O1", 1, 1.0), 1.0).Allowed)
	require.True(t, rm.CheckOrder(buyOrder("O2", 1, 1.0), 1.0).Allowed)

	result := rm.CheckOrder(buyOrder("O3", 1, 1.0), 1.0)
	require.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "Daily order limit")
}

func TestCheckOrder_PositionSizeLimit(t *testing.T) {
	rm, pm := newTestRisk(testLimits())

	// Existing long of 900
	pm.OnFill(contracts.Fill{
		FillID: "F1", OrderID: "O0", Instrument: "EUR/USD",
		Side: contracts.OrderSideBuy, Quantity: 900, Price: 1.0,
	})

	// 900 + 200 breaches the 1000 cap
	result := rm.CheckOrder(buyOrder("O1", 200, 1.0), 1.0)
	require.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "Position size limit")

	// Selling 200 reduces the position and passes
	sell := buyOrder("O2", 200, 1.0)
	sell.Side = contracts.OrderSideSell
	assert.True(t, rm.CheckOrder(sell, 1.0).Allowed)
}

func TestCheckOrder_ExposureIncludesReservations(t *testing.T) {
	limits := testLimits()
	limits.MaxTotalExposure = 1000
	// Keep the free-capital gate out of the way
	limits.Bankroll = 1000000
	limits.MinFreeCapitalPct = 0
	rm, _ := newTestRisk(limits)

	// Reserve 600
	require.True(t, rm.CheckOrder(buyOrder("O1", 6, 100), 100).Allowed)

	// 600 reserved + 600 new > 1000
	result := rm.CheckOrder(buyOrder("O2", 6, 100), 100)
	require.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "Exposure limit")
}

func TestCheckOrder_DailyLossHalts(t *testing.T) {
	rm, pm := newTestRisk(testLimits())

	// Long 500 @ 100, marked down to 87.9: unrealized = -6050 < -5000
	pm.OnFill(contracts.Fill{
		FillID: "F1", OrderID: "O0", Instrument: "EUR/USD",
		Side: contracts.OrderSideBuy, Quantity: 500, Price: 100,
	})
	rm.UpdateMarketPrices(map[string]float64{"EUR/USD": 87.9})

	result := rm.CheckOrder(buyOrder("O1", 1, 1.0), 1.0)
	require.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "Daily loss limit")

	// P5: halt is sticky and every further order is gated on it
	require.True(t, rm.ShouldHalt())
	assert.Contains(t, rm.HaltReason(), "Daily loss")

	result = rm.CheckOrder(buyOrder("O2", 1, 1.0), 1.0)
	require.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "Trading halted")

	// reset_daily clears it
	rm.ResetDaily()
	assert.False(t, rm.ShouldHalt())
	assert.Empty(t, rm.HaltReason())
}

func TestCheckOrder_FreeCapitalGate(t *testing.T) {
	limits := testLimits()
	limits.MaxTotalExposure = 1000000
	rm, _ := newTestRisk(limits)

	// 495 * 190 = 94050 used; free = 5950 < 10000 minimum
	result := rm.CheckOrder(buyOrder("O1", 495, 190), 190)
	require.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "Insufficient free capital")
}

func TestOnFill_ReleasesReservation(t *testing.T) {
	rm, _ := newTestRisk(testLimits())

	require.True(t, rm.CheckOrder(buyOrder("O1", 100, 1.1), 1.1).Allowed)
	require.Len(t, rm.ActiveReservations(), 1)

	rm.OnFill(contracts.Fill{
		FillID: "F1", OrderID: "O1", Instrument: "EUR/USD",
		Side: contracts.OrderSideBuy, Quantity: 100, Price: 1.1,
	})

	assert.Empty(t, rm.ActiveReservations(), "fill must release the reservation")
	assert.Equal(t, 1, rm.Metrics().OrdersFilledToday)
}

func TestReservationRelease_RejectAndCancel(t *testing.T) {
	rm, _ := newTestRisk(testLimits())

	require.True(t, rm.CheckOrder(buyOrder("O1", 100, 1.1), 1.1).Allowed)
	require.True(t, rm.CheckOrder(buyOrder("O2", 100, 1.1), 1.1).Allowed)

	rm.OnOrderRejected("O1")
	rm.OnOrderCancelled("O2")

	assert.Empty(t, rm.ActiveReservations())

	metrics := rm.Metrics()
	assert.Equal(t, 1, metrics.OrdersRejectedToday)
	assert.Equal(t, 1, metrics.OrdersCancelledToday)

	// Releasing an unknown order is a no-op
	rm.OnOrderCancelled("O-unknown")
	assert.Empty(t, rm.ActiveReservations())
}

func TestOnFill_DrawdownFromHighHalts(t *testing.T) {
	limits := testLimits()
	limits.MaxDrawdownFromHigh = 100
	rm, pm := newTestRisk(limits)

	// Run the PnL up: long 100 @ 100, marked to 102 => +200 high
	pm.OnFill(contracts.Fill{
		FillID: "F1", OrderID: "O1", Instrument: "EUR/USD",
		Side: contracts.OrderSideBuy, Quantity: 100, Price: 100,
	})
	rm.UpdateMarketPrices(map[string]float64{"EUR/USD": 102})
	rm.OnFill(contracts.Fill{
		FillID: "F2", OrderID: "O2", Instrument: "EUR/USD",
		Side: contracts.OrderSideBuy, Quantity: 0.0001, Price: 102,
	})
	require.False(t, rm.ShouldHalt())

	// Mark back down: drawdown from high ≈ 150 > 100
	rm.UpdateMarketPrices(map[string]float64{"EUR/USD": 100.5})
	rm.OnFill(contracts.Fill{
		FillID: "F3", OrderID: "O3", Instrument: "EUR/USD",
		Side: contracts.OrderSideBuy, Quantity: 0.0001, Price: 100.5,
	})

	require.True(t, rm.ShouldHalt())
	assert.Contains(t, rm.HaltReason(), "drawdown")
}

func TestHalt_FirstReasonPreserved(t *testing.T) {
	limits := testLimits()
	limits.MaxDrawdownFromHigh = 1
	rm, pm := newTestRisk(limits)

	pm.OnFill(contracts.Fill{
		FillID: "F1", OrderID: "O1", Instrument: "EUR/USD",
		Side: contracts.OrderSideBuy, Quantity: 500, Price: 100,
	})

	// First trigger: daily loss at pre-trade
	rm.UpdateMarketPrices(map[string]float64{"EUR/USD": 80})
	rm.CheckOrder(buyOrder("O2", 1, 1.0), 1.0)
	require.True(t, rm.ShouldHalt())
	firstReason := rm.HaltReason()
	require.True(t, strings.Contains(firstReason, "Daily loss"))

	// Second trigger path must not overwrite the reason
	rm.OnFill(contracts.Fill{
		FillID: "F2", OrderID: "O3", Instrument: "EUR/USD",
		Side: contracts.OrderSideBuy, Quantity: 0.0001, Price: 80,
	})
	assert.Equal(t, firstReason, rm.HaltReason())
}

func TestMetrics(t *testing.T) {
	rm, pm := newTestRisk(testLimits())

	pm.OnFill(contracts.Fill{
		FillID: "F1", OrderID: "O1", Instrument: "EUR/USD",
		Side: contracts.OrderSideBuy, Quantity: 100, Price: 100,
	})
	rm.UpdateMarketPrices(map[string]float64{"EUR/USD": 101})

	metrics := rm.Metrics()
	assert.InDelta(t, 10100.0, metrics.TotalExposure, 1e-6)
	assert.InDelta(t, 100.0, metrics.UnrealizedPnL, 1e-6)
	assert.InDelta(t, 100.0, metrics.DailyPnL, 1e-6)
	assert.InDelta(t, 10.1, metrics.AccountUtilization, 1e-6)
	assert.False(t, metrics.HaltActive)
	assert.NotZero(t, metrics.TimestampNs)
}

func TestResetDaily_ClearsEverything(t *testing.T) {
	rm, _ := newTestRisk(testLimits())

	require.True(t, rm.CheckOrder(buyOrder("O1", 100, 1.1), 1.1).Allowed)
	rm.OnOrderRejected("O-x")

	rm.ResetDaily()

	metrics := rm.Metrics()
	assert.Zero(t, metrics.OrdersSubmittedToday)
	assert.Zero(t, metrics.OrdersRejectedToday)
	assert.Zero(t, metrics.DailyPnL)
	assert.Zero(t, metrics.DailyHighPnL)
	assert.Empty(t, rm.ActiveReservations())
}

func TestMarkPrice(t *testing.T) {
	rm, _ := newTestRisk(testLimits())

	_, ok := rm.MarkPrice("EUR/USD")
	assert.False(t, ok)

	rm.UpdateMarketPrices(map[string]float64{"EUR/USD": 1.1})
	price, ok := rm.MarkPrice("EUR/USD")
	require.True(t, ok)
	assert.Equal(t, 1.1, price)
}
