package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/quantumliquidity/core/internal/contracts"
	"github.com/quantumliquidity/core/pkg/logger"
)

// PositionSource is the read-only view of position state the risk
// manager needs. Satisfied by *position.Manager.
type PositionSource interface {
	Quantity(instrument string) float64
	TotalExposure(prices map[string]float64) float64
	TotalRealizedPnL() float64
	TotalUnrealizedPnL(prices map[string]float64) float64
}

const rateLimitWindow = time.Minute

// Manager authorizes orders before submission and tracks post-trade
// counters. Once a protective halt is raised it stays raised until
// ResetDaily.
// ⭐ SSOT: 주문 전 리스크 체크는 여기서만
type Manager struct {
	mu     sync.Mutex
	limits contracts.RiskLimits

	positions PositionSource

	// Daily PnL tracking (snapshot of realized + mark-to-market)
	dailyPnL     float64
	dailyHighPnL float64

	// Daily counters
	ordersSubmittedToday int
	ordersFilledToday    int
	ordersRejectedToday  int
	ordersCancelledToday int

	// Rolling rate-limit history, reserved capital per open order
	recentOrderTimestamps []int64
	reservedByOrder       map[string]float64

	// Sticky halt state; first reason observed wins
	haltActive bool
	haltReason string

	marketPrices map[string]float64

	logger *logger.Logger
}

// NewManager creates a risk manager with the given limits
func NewManager(limits contracts.RiskLimits, log *logger.Logger) *Manager {
	log.WithFields(map[string]interface{}{
		"max_position_size":  limits.MaxPositionSize,
		"max_total_exposure": limits.MaxTotalExposure,
		"max_daily_loss":     limits.MaxDailyLoss,
		"bankroll":           limits.Bankroll,
	}).Info("Risk manager initialized")

	return &Manager{
		limits:          limits,
		reservedByOrder: make(map[string]float64),
		marketPrices:    make(map[string]float64),
		logger:          log,
	}
}

// SetPositionManager wires the position source. Call once before trading.
func (m *Manager) SetPositionManager(pm PositionSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = pm
}

// UpdateMarketPrices replaces the price snapshot used for exposure and
// mark-to-market, and refreshes the daily PnL from it.
func (m *Manager) UpdateMarketPrices(prices map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[string]float64, len(prices))
	for instrument, price := range prices {
		snapshot[instrument] = price
	}
	m.marketPrices = snapshot

	if m.positions != nil {
		m.dailyPnL = m.positions.TotalRealizedPnL() + m.positions.TotalUnrealizedPnL(m.marketPrices)
	}
}

// MarkPrice returns the last known market price for the instrument
func (m *Manager) MarkPrice(instrument string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	price, ok := m.marketPrices[instrument]
	return price, ok
}

// MarketPrices returns a snapshot copy of the current price map
func (m *Manager) MarketPrices() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]float64, len(m.marketPrices))
	for instrument, price := range m.marketPrices {
		out[instrument] = price
	}
	return out
}

// CheckOrder runs the pre-trade gate. Each step short-circuits on failure
// and increments the daily rejection counter. On approval, capital is
// reserved under the order id and the submit counters advance.
func (m *Manager) CheckOrder(order *contracts.OrderRequest, referencePrice float64) contracts.RiskCheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := contracts.RiskCheckResult{}

	// 1. Halt gate
	if m.haltActive {
		return m.reject(order, &result, "Trading halted: "+m.haltReason)
	}

	// 2. Parameter validation
	if order.Quantity <= 0 {
		return m.reject(order, &result, "Invalid quantity: must be > 0")
	}
	if (order.Type == contracts.OrderTypeLimit || order.Type == contracts.OrderTypeStopLimit) && order.Price <= 0 {
		return m.reject(order, &result, "Invalid limit price: must be > 0")
	}

	// 3. Single order size
	if order.Quantity > m.limits.MaxOrderSize {
		return m.reject(order, &result, fmt.Sprintf(
			"Order size exceeds limit: %.2f > %.2f", order.Quantity, m.limits.MaxOrderSize))
	}

	// 4. Orders per rolling minute
	if !m.withinRateLimit() {
		return m.reject(order, &result, fmt.Sprintf(
			"Order rate limit exceeded: %d orders/min", m.limits.MaxOrdersPerMinute))
	}

	// 5. Orders per day
	if m.ordersSubmittedToday >= m.limits.MaxOrdersPerDay {
		return m.reject(order, &result, fmt.Sprintf(
			"Daily order limit exceeded: %d", m.limits.MaxOrdersPerDay))
	}

	// 6. Order value at the reference price
	orderValue := math.Abs(order.Quantity * referencePrice)

	// 7. Projected position size
	currentQty := 0.0
	if m.positions != nil {
		currentQty = m.positions.Quantity(order.Instrument)
	}
	newQty := currentQty + order.SignedQuantity()
	result.NewPositionSize = math.Abs(newQty)

	if math.Abs(newQty) > m.limits.MaxPositionSize {
		return m.reject(order, &result, fmt.Sprintf(
			"Position size limit exceeded: new_qty=%.2f, limit=%.2f", newQty, m.limits.MaxPositionSize))
	}

	// 8. Projected exposure including open reservations
	currentExposure := 0.0
	if m.positions != nil {
		currentExposure = m.positions.TotalExposure(m.marketPrices)
	}
	totalReserved := m.totalReserved()

	if currentExposure+totalReserved+orderValue > m.limits.MaxTotalExposure {
		return m.reject(order, &result, fmt.Sprintf(
			"Exposure limit exceeded: would add %.2f, limit=%.2f", orderValue, m.limits.MaxTotalExposure))
	}

	// 9. Daily loss gate: breaching it also raises the halt
	if m.dailyPnL < -m.limits.MaxDailyLoss {
		reason := fmt.Sprintf("Daily loss limit exceeded: %.2f, limit=%.2f",
			m.dailyPnL, -m.limits.MaxDailyLoss)
		m.raiseHalt(reason)
		return m.reject(order, &result, reason)
	}

	// 10. Free capital gate
	usedCapital := currentExposure + totalReserved + orderValue
	freeCapital := m.limits.Bankroll - usedCapital
	minFree := m.limits.Bankroll * m.limits.MinFreeCapitalPct

	if freeCapital < minFree {
		return m.reject(order, &result, fmt.Sprintf(
			"Insufficient free capital: %.2f < %.2f", freeCapital, minFree))
	}

	// Approved: reserve capital and advance counters
	result.Allowed = true
	result.Reason = "OK"
	result.ReservedCapital = orderValue
	result.NewExposure = currentExposure + orderValue

	m.reservedByOrder[order.OrderID] = orderValue
	m.ordersSubmittedToday++
	m.recentOrderTimestamps = append(m.recentOrderTimestamps, time.Now().UnixNano())

	m.logger.WithFields(map[string]interface{}{
		"order_id":   order.OrderID,
		"instrument": order.Instrument,
		"quantity":   order.Quantity,
		"reserved":   orderValue,
	}).Info("Order approved")

	return result
}

// OnFill releases the order's reservation, refreshes the daily PnL
// snapshot and raises the halt when the drawdown from the daily high
// breaches the configured limit.
func (m *Manager) OnFill(fill contracts.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ordersFilledToday++

	if reserved, ok := m.reservedByOrder[fill.OrderID]; ok {
		m.logger.WithFields(map[string]interface{}{
			"order_id": fill.OrderID,
			"reserved": reserved,
		}).Debug("Freeing reserved capital on fill")
		delete(m.reservedByOrder, fill.OrderID)
	}

	if m.positions != nil {
		m.dailyPnL = m.positions.TotalRealizedPnL() + m.positions.TotalUnrealizedPnL(m.marketPrices)
	}

	if m.dailyPnL > m.dailyHighPnL {
		m.dailyHighPnL = m.dailyPnL
	}

	drawdown := m.dailyHighPnL - m.dailyPnL
	if drawdown > m.limits.MaxDrawdownFromHigh {
		m.raiseHalt(fmt.Sprintf("Max drawdown from high exceeded: %.2f", drawdown))
	}
}

// OnOrderRejected releases the reservation for a rejected order
func (m *Manager) OnOrderRejected(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ordersRejectedToday++
	m.releaseReservation(orderID, "rejected")
}

// OnOrderCancelled releases the reservation for a cancelled order
func (m *Manager) OnOrderCancelled(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ordersCancelledToday++
	m.releaseReservation(orderID, "cancelled")
}

// ShouldHalt reports whether the protective halt is active
func (m *Manager) ShouldHalt() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.haltActive
}

// HaltReason returns the first-observed halt reason, or "" when not halted
func (m *Manager) HaltReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.haltActive {
		return ""
	}
	return m.haltReason
}

// ActiveReservations returns a snapshot of reserved capital per open order
func (m *Manager) ActiveReservations() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]float64, len(m.reservedByOrder))
	for orderID, reserved := range m.reservedByOrder {
		out[orderID] = reserved
	}
	return out
}

// Metrics returns a point-in-time snapshot of risk state
func (m *Manager) Metrics() contracts.RiskMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := contracts.RiskMetrics{
		DailyPnL:             m.dailyPnL,
		DailyHighPnL:         m.dailyHighPnL,
		MaxDDToday:           m.dailyHighPnL - m.dailyPnL,
		OrdersSubmittedToday: m.ordersSubmittedToday,
		OrdersFilledToday:    m.ordersFilledToday,
		OrdersRejectedToday:  m.ordersRejectedToday,
		OrdersCancelledToday: m.ordersCancelledToday,
		HaltActive:           m.haltActive,
		HaltReason:           m.haltReason,
		TimestampNs:          time.Now().UnixNano(),
	}

	if m.positions != nil {
		metrics.TotalExposure = m.positions.TotalExposure(m.marketPrices)
		metrics.RealizedPnL = m.positions.TotalRealizedPnL()
		metrics.UnrealizedPnL = m.positions.TotalUnrealizedPnL(m.marketPrices)
	}
	if m.limits.Bankroll > 0 {
		metrics.AccountUtilization = metrics.TotalExposure / m.limits.Bankroll * 100.0
	}

	return metrics
}

// ResetDaily clears PnL snapshots, counters, rate-limit history,
// reservations and the halt flag.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dailyPnL = 0.0
	m.dailyHighPnL = 0.0
	m.ordersSubmittedToday = 0
	m.ordersFilledToday = 0
	m.ordersRejectedToday = 0
	m.ordersCancelledToday = 0
	m.recentOrderTimestamps = m.recentOrderTimestamps[:0]
	m.reservedByOrder = make(map[string]float64)
	m.haltActive = false
	m.haltReason = ""

	m.logger.Info("Daily risk counters reset")
}

// reject fills the result, counts the rejection and logs. Caller holds mu.
func (m *Manager) reject(order *contracts.OrderRequest, result *contracts.RiskCheckResult, reason string) contracts.RiskCheckResult {
	result.Allowed = false
	result.Reason = reason
	m.ordersRejectedToday++

	m.logger.WithFields(map[string]interface{}{
		"order_id": order.OrderID,
		"reason":   reason,
	}).Warn("Order rejected by risk check")

	return *result
}

// raiseHalt sets the sticky halt; the first reason observed is preserved.
// Caller holds mu.
func (m *Manager) raiseHalt(reason string) {
	if m.haltActive {
		return
	}
	m.haltActive = true
	m.haltReason = reason
	m.logger.WithField("reason", reason).Error("TRADING HALT raised")
}

// releaseReservation drops the reservation if still present. Caller holds mu.
func (m *Manager) releaseReservation(orderID, cause string) {
	reserved, ok := m.reservedByOrder[orderID]
	if !ok {
		return
	}
	m.logger.WithFields(map[string]interface{}{
		"order_id": orderID,
		"reserved": reserved,
		"cause":    cause,
	}).Debug("Freeing reserved capital")
	delete(m.reservedByOrder, orderID)
}

// withinRateLimit evicts timestamps older than the window, then checks
// the rolling count. Caller holds mu.
func (m *Manager) withinRateLimit() bool {
	nowNs := time.Now().UnixNano()
	windowNs := rateLimitWindow.Nanoseconds()

	kept := m.recentOrderTimestamps[:0]
	for _, ts := range m.recentOrderTimestamps {
		if nowNs-ts <= windowNs {
			kept = append(kept, ts)
		}
	}
	m.recentOrderTimestamps = kept

	return len(m.recentOrderTimestamps) < m.limits.MaxOrdersPerMinute
}

// totalReserved sums reserved capital over open orders. Caller holds mu.
func (m *Manager) totalReserved() float64 {
	total := 0.0
	for _, reserved := range m.reservedByOrder {
		total += reserved
	}
	return total
}
