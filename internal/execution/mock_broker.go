package execution

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/quantumliquidity/core/internal/contracts"
	"github.com/quantumliquidity/core/pkg/logger"
)

// Compile-time interface check.
var _ Provider = (*MockBroker)(nil)

// MockBrokerConfig controls the simulated backend behavior
type MockBrokerConfig struct {
	Name              string        // provider name, e.g. "mock"
	FillLatency       time.Duration // delay before the first simulated fill
	RejectionRate     float64       // Bernoulli probability of synchronous rejection
	PartialFillCount  int           // number of fills per order (>= 1)
	SlippageBps       float64       // fill price slippage in basis points
	CommissionPerUnit float64       // commission charged per filled unit
	Workers           int           // fill worker goroutines
	QueueSize         int           // pending fill-job capacity
	AutoConnect       bool
}

// DefaultMockBrokerConfig returns a deterministic single-fill setup
func DefaultMockBrokerConfig() MockBrokerConfig {
	return MockBrokerConfig{
		Name:              "mock",
		FillLatency:       50 * time.Millisecond,
		RejectionRate:     0.0,
		PartialFillCount:  1,
		SlippageBps:       0.0,
		CommissionPerUnit: 0.0001,
		Workers:           4,
		QueueSize:         256,
		AutoConnect:       true,
	}
}

// MockBrokerStats counts simulated broker activity
type MockBrokerStats struct {
	OrdersReceived  int `json:"orders_received"`
	OrdersRejected  int `json:"orders_rejected"`
	OrdersFilled    int `json:"orders_filled"`
	OrdersCancelled int `json:"orders_cancelled"`
	FillsGenerated  int `json:"fills_generated"`
}

// mockOrder is the broker-side view of an accepted order
type mockOrder struct {
	request   contracts.OrderRequest
	current   contracts.OrderUpdate
	cancelled bool
}

// MockBroker simulates a broker backend for deterministic testing.
// Fills are emitted from a bounded worker pool; Disconnect stops intake
// and drains the workers. Events are delivered through the EngineHandle
// with no broker lock held.
type MockBroker struct {
	mu  sync.Mutex
	cfg MockBrokerConfig

	handle    EngineHandle
	connected bool
	draining  bool

	orders       map[string]*mockOrder
	marketPrices map[string]float64
	nextFillID   uint64

	jobs chan string
	wg   sync.WaitGroup

	stats MockBrokerStats

	logger *logger.Logger
}

// NewMockBroker creates a mock broker. With AutoConnect it is
// immediately ready to accept orders.
func NewMockBroker(cfg MockBrokerConfig, log *logger.Logger) *MockBroker {
	if cfg.Name == "" {
		cfg.Name = "mock"
	}
	if cfg.PartialFillCount < 1 {
		cfg.PartialFillCount = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}

	b := &MockBroker{
		cfg:          cfg,
		orders:       make(map[string]*mockOrder),
		marketPrices: make(map[string]float64),
		logger:       log,
	}

	if cfg.AutoConnect {
		_ = b.Connect()
	}

	b.logger.WithField("broker", cfg.Name).Info("Mock broker initialized")
	return b
}

// Name returns the configured provider name
func (b *MockBroker) Name() string {
	return b.cfg.Name
}

// SetEngine binds the engine handle used for asynchronous fill delivery
func (b *MockBroker) SetEngine(handle EngineHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handle = handle
}

// Connect starts the fill workers and opens the order intake
func (b *MockBroker) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connected {
		return nil
	}

	b.jobs = make(chan string, b.cfg.QueueSize)
	for i := 0; i < b.cfg.Workers; i++ {
		b.wg.Add(1)
		go b.fillWorker(b.jobs)
	}

	b.connected = true
	b.draining = false

	b.logger.WithField("broker", b.cfg.Name).Info("Mock broker connected")
	return nil
}

// Disconnect stops intake and drains the fill workers. Fills not yet
// emitted for queued orders are suppressed.
func (b *MockBroker) Disconnect() error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	b.draining = true
	jobs := b.jobs
	b.jobs = nil
	b.mu.Unlock()

	close(jobs)
	b.wg.Wait()

	b.logger.WithField("broker", b.cfg.Name).Info("Mock broker disconnected")
	return nil
}

// IsConnected reports whether orders are being accepted
func (b *MockBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// SetMarketPrice sets the simulated reference price for an instrument
func (b *MockBroker) SetMarketPrice(instrument string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.marketPrices[instrument] = price
	b.logger.WithFields(map[string]interface{}{
		"instrument": instrument,
		"price":      price,
	}).Debug("Mock broker market price set")
}

// Submit accepts or rejects an order synchronously and schedules the
// asynchronous fill sequence for accepted orders.
func (b *MockBroker) Submit(order *contracts.OrderRequest) (contracts.OrderUpdate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.OrdersReceived++

	result := contracts.OrderUpdate{
		OrderID:      order.OrderID,
		RemainingQty: order.Quantity,
		TimestampNs:  time.Now().UnixNano(),
	}

	if !b.connected {
		result.Status = contracts.StatusRejected
		result.Reason = "Broker not connected"
		b.stats.OrdersRejected++
		return result, nil
	}

	// Simulated rejection roll
	if b.cfg.RejectionRate > 0 && rand.Float64() < b.cfg.RejectionRate {
		result.Status = contracts.StatusRejected
		result.Reason = "Random rejection (simulated)"
		b.stats.OrdersRejected++
		b.logger.WithField("order_id", order.OrderID).Warn("Mock broker rejected order")
		return result, nil
	}

	if order.Quantity <= 0 {
		result.Status = contracts.StatusRejected
		result.Reason = "Invalid quantity"
		b.stats.OrdersRejected++
		return result, nil
	}
	if (order.Type == contracts.OrderTypeLimit || order.Type == contracts.OrderTypeStopLimit) && order.Price <= 0 {
		result.Status = contracts.StatusRejected
		result.Reason = "Invalid limit price"
		b.stats.OrdersRejected++
		return result, nil
	}

	result.Status = contracts.StatusAcknowledged
	result.Reason = "Order accepted by mock broker"

	b.orders[order.OrderID] = &mockOrder{
		request: *order,
		current: result,
	}

	// Schedule the fill sequence; a saturated queue bounces the order
	select {
	case b.jobs <- order.OrderID:
	default:
		delete(b.orders, order.OrderID)
		result.Status = contracts.StatusRejected
		result.Reason = "Broker queue full"
		b.stats.OrdersRejected++
		return result, nil
	}

	b.logger.WithFields(map[string]interface{}{
		"order_id":   order.OrderID,
		"instrument": order.Instrument,
		"side":       order.Side,
		"quantity":   order.Quantity,
	}).Info("Mock broker accepted order")

	return result, nil
}

// Cancel marks the order cancelled so not-yet-emitted fills are
// suppressed. An order already terminal returns its current state.
func (b *MockBroker) Cancel(orderID string) (contracts.OrderUpdate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := contracts.OrderUpdate{
		OrderID:     orderID,
		TimestampNs: time.Now().UnixNano(),
	}

	state, ok := b.orders[orderID]
	if !ok {
		result.Status = contracts.StatusRejected
		result.Reason = "Order not found"
		return result, nil
	}

	if state.current.Status.IsTerminal() {
		result = state.current
		result.Reason = "Order already in terminal state"
		return result, nil
	}

	state.cancelled = true
	state.current.Status = contracts.StatusCancelled
	state.current.Reason = "Cancelled by user"

	result = state.current
	b.stats.OrdersCancelled++

	b.logger.WithField("order_id", orderID).Info("Mock broker cancelled order")
	return result, nil
}

// Modify applies price/quantity/stop changes to a working order
func (b *MockBroker) Modify(mod *contracts.OrderModification) (contracts.OrderUpdate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := contracts.OrderUpdate{
		OrderID:     mod.OrderID,
		TimestampNs: mod.TimestampNs,
	}

	state, ok := b.orders[mod.OrderID]
	if !ok {
		result.Status = contracts.StatusRejected
		result.Reason = "Order not found"
		return result, nil
	}

	if state.current.Status.IsTerminal() {
		result = state.current
		result.Reason = "Order already in terminal state"
		return result, nil
	}

	if mod.NewPrice != nil {
		state.request.Price = *mod.NewPrice
	}
	if mod.NewStop != nil {
		state.request.StopPrice = *mod.NewStop
	}
	if mod.NewQuantity != nil {
		state.request.Quantity = *mod.NewQuantity
		state.current.RemainingQty = *mod.NewQuantity - state.current.FilledQty
	}

	state.current.Status = contracts.StatusAcknowledged
	state.current.Reason = "Modification accepted"
	result = state.current

	b.logger.WithField("order_id", mod.OrderID).Info("Mock broker modified order")
	return result, nil
}

// Status returns the broker's view of the order, if known
func (b *MockBroker) Status(orderID string) (contracts.OrderUpdate, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if state, ok := b.orders[orderID]; ok {
		return state.current, true
	}
	return contracts.OrderUpdate{}, false
}

// Stats returns simulated activity counters
func (b *MockBroker) Stats() MockBrokerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// fillWorker consumes queued order ids and simulates their fills
func (b *MockBroker) fillWorker(jobs <-chan string) {
	defer b.wg.Done()

	for orderID := range jobs {
		b.simulateFills(orderID)
	}
}

// simulateFills waits the configured latency then emits the fill
// sequence. Each fill is computed under the broker lock and delivered
// through the engine handle with the lock released.
func (b *MockBroker) simulateFills(orderID string) {
	time.Sleep(b.cfg.FillLatency)

	numFills := b.cfg.PartialFillCount

	for i := 0; i < numFills; i++ {
		fill, handle, ok := b.nextFill(orderID, i, numFills)
		if !ok {
			return
		}

		if handle != nil {
			handle.OnFill(fill)
		}

		// Space out partial fills
		if i < numFills-1 && numFills > 1 {
			time.Sleep(b.cfg.FillLatency / time.Duration(numFills))
		}
	}
}

// nextFill computes and applies one fill under the lock. Returns ok=false
// when the sequence should stop (cancel, drain, nothing remaining).
func (b *MockBroker) nextFill(orderID string, index, numFills int) (contracts.Fill, EngineHandle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.draining {
		return contracts.Fill{}, nil, false
	}

	state, ok := b.orders[orderID]
	if !ok {
		b.logger.WithField("order_id", orderID).Error("Mock broker: order missing for fill simulation")
		return contracts.Fill{}, nil, false
	}

	if state.cancelled {
		b.logger.WithField("order_id", orderID).Debug("Mock broker: order cancelled, fill suppressed")
		return contracts.Fill{}, nil, false
	}

	remaining := state.current.RemainingQty
	if remaining <= contracts.QtyEpsilon {
		return contracts.Fill{}, nil, false
	}

	// Last fill absorbs rounding
	fillQty := state.request.Quantity / float64(numFills)
	if index == numFills-1 || fillQty > remaining {
		fillQty = remaining
	}

	fill := contracts.Fill{
		FillID:      b.generateFillID(),
		OrderID:     orderID,
		Instrument:  state.request.Instrument,
		Side:        state.request.Side,
		Quantity:    fillQty,
		Price:       b.fillPrice(&state.request),
		Commission:  fillQty * b.cfg.CommissionPerUnit,
		TimestampNs: time.Now().UnixNano(),
	}

	prevFilled := state.current.FilledQty
	state.current.FilledQty += fillQty
	state.current.RemainingQty = state.request.Quantity - state.current.FilledQty

	totalValue := state.current.AvgFillPrice*prevFilled + fill.Price*fillQty
	state.current.AvgFillPrice = totalValue / state.current.FilledQty
	state.current.TimestampNs = fill.TimestampNs

	if state.current.RemainingQty <= contracts.QtyEpsilon {
		state.current.Status = contracts.StatusFilled
		b.stats.OrdersFilled++
	} else {
		state.current.Status = contracts.StatusPartiallyFilled
	}

	b.stats.FillsGenerated++

	b.logger.WithFields(map[string]interface{}{
		"order_id":  orderID,
		"quantity":  fillQty,
		"price":     fill.Price,
		"remaining": state.current.RemainingQty,
	}).Info("Mock broker generated fill")

	return fill, b.handle, true
}

// fillPrice resolves the simulated execution price with slippage.
// Caller holds mu.
func (b *MockBroker) fillPrice(request *contracts.OrderRequest) float64 {
	basePrice := request.Price
	if request.NeedsMarkPrice() {
		if market, ok := b.marketPrices[request.Instrument]; ok {
			basePrice = market
		} else if basePrice <= 0 {
			basePrice = 100.0
		}
	}

	if b.cfg.SlippageBps > 0 {
		slippage := b.cfg.SlippageBps / 10000.0
		if request.Side == contracts.OrderSideBuy {
			basePrice *= 1.0 + slippage
		} else {
			basePrice *= 1.0 - slippage
		}
	}

	return basePrice
}

// generateFillID issues a broker-unique fill id. Caller holds mu.
func (b *MockBroker) generateFillID() string {
	b.nextFillID++
	return fmt.Sprintf("FILL_%s_%08d", b.cfg.Name, b.nextFillID)
}
