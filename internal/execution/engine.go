package execution

import (
	"sync"
	"time"

	"github.com/quantumliquidity/core/internal/contracts"
	"github.com/quantumliquidity/core/pkg/logger"
)

// completedHistoryCap bounds the finished-order history buffer
const completedHistoryCap = 1000

// Compile-time interface check.
var _ EngineHandle = (*Engine)(nil)

// OrderCallback receives order status events
type OrderCallback func(update contracts.OrderUpdate)

// FillCallback receives execution events
type FillCallback func(fill contracts.Fill)

// EngineStats represents engine-level counters
type EngineStats struct {
	TotalOrdersSubmitted int     `json:"total_orders_submitted"`
	TotalOrdersFilled    int     `json:"total_orders_filled"`
	TotalOrdersRejected  int     `json:"total_orders_rejected"`
	TotalOrdersCancelled int     `json:"total_orders_cancelled"`
	ActiveOrders         int     `json:"active_orders"`
	TotalVolumeTraded    float64 `json:"total_volume_traded"`
	LastFillTimestampNs  int64   `json:"last_fill_timestamp_ns"`
}

// orderState is the engine's view of one tracked order
type orderState struct {
	request      contracts.OrderRequest
	current      contracts.OrderUpdate
	providerName string
	submitNs     int64
	lastUpdateNs int64
}

// Engine is the single entry point strategies use to act on the market.
// It owns the order-state map, routing policy and event fan-out.
//
// Lock order across components is Engine → Risk → Position. Registered
// callbacks are invoked after the state transition has been recorded,
// on the calling goroutine (strategy goroutine during Submit, provider
// goroutine during OnFill/OnOrderUpdate); callbacks must not call back
// into the engine.
// ⭐ SSOT: 주문 라우팅/상태 추적은 엔진에서만
type Engine struct {
	mu sync.Mutex

	riskMgr     RiskGate
	positionMgr PositionBook
	publisher   EventPublisher // optional; nil disables bus publishing

	providers         map[string]Provider
	defaultProvider   string
	instrumentRouting map[string]string

	activeOrders   map[string]*orderState
	completed      map[string]*orderState
	completedOrder []string // FIFO eviction order for the history buffer

	orderCallbacks map[int]OrderCallback
	fillCallbacks  map[int]FillCallback
	nextCallbackID int

	stats             EngineStats
	shutdownRequested bool

	logger *logger.Logger
}

// NewEngine creates an execution engine wired to the given collaborators.
// publisher may be nil when the event bus is disabled.
func NewEngine(riskMgr RiskGate, positionMgr PositionBook, publisher EventPublisher, log *logger.Logger) *Engine {
	log.Info("Execution engine initialized")

	return &Engine{
		riskMgr:           riskMgr,
		positionMgr:       positionMgr,
		publisher:         publisher,
		providers:         make(map[string]Provider),
		instrumentRouting: make(map[string]string),
		activeOrders:      make(map[string]*orderState),
		completed:         make(map[string]*orderState),
		orderCallbacks:    make(map[int]OrderCallback),
		fillCallbacks:     make(map[int]FillCallback),
		logger:            log,
	}
}

// RegisterProvider binds the engine handle into the adapter and adds it
// to the routing table. The first registration becomes the default.
func (e *Engine) RegisterProvider(name string, provider Provider) {
	if provider == nil {
		e.logger.WithField("provider", name).Error("Cannot register nil provider")
		return
	}

	provider.SetEngine(e)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.providers[name] = provider
	if e.defaultProvider == "" {
		e.defaultProvider = name
	}

	e.logger.WithField("provider", name).Info("Registered execution provider")
}

// SetInstrumentProvider overrides routing for one instrument.
// An unknown provider name is a logged no-op.
func (e *Engine) SetInstrumentProvider(instrument, providerName string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.providers[providerName]; !ok {
		e.logger.WithField("provider", providerName).Error("Unknown provider for routing")
		return
	}

	e.instrumentRouting[instrument] = providerName
	e.logger.WithFields(map[string]interface{}{
		"instrument": instrument,
		"provider":   providerName,
	}).Info("Instrument routing set")
}

// Submit runs the pre-trade gate, routes the order and returns the
// initial status. Failures surface in the returned update, never as an
// error value.
func (e *Engine) Submit(order *contracts.OrderRequest) contracts.OrderUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := contracts.OrderUpdate{
		OrderID:      order.OrderID,
		Status:       contracts.StatusRejected,
		RemainingQty: order.Quantity,
		TimestampNs:  time.Now().UnixNano(),
	}

	if e.shutdownRequested {
		result.Reason = "Execution engine shutting down"
		e.stats.TotalOrdersRejected++
		e.logger.WithField("order_id", order.OrderID).Warn("Order rejected (shutdown)")
		e.publishOrder(result)
		return result
	}

	// Resolve the reference price for the risk check. Market and stop
	// orders require a known mark; submitting without one is a
	// validation failure, not a silent under-reservation.
	referencePrice := order.Price
	if order.NeedsMarkPrice() {
		mark, ok := e.riskMgr.MarkPrice(order.Instrument)
		if !ok {
			result.Reason = "No market price for " + order.Instrument + ": update market prices before market orders"
			e.stats.TotalOrdersRejected++
			e.logger.WithFields(map[string]interface{}{
				"order_id":   order.OrderID,
				"instrument": order.Instrument,
			}).Warn("Order rejected (no mark price)")
			e.publishOrder(result)
			return result
		}
		referencePrice = mark
	}

	// 1. Risk gate
	riskResult := e.riskMgr.CheckOrder(order, referencePrice)
	if !riskResult.Allowed {
		result.Reason = "Risk check failed: " + riskResult.Reason
		e.stats.TotalOrdersRejected++
		e.riskMgr.OnOrderRejected(order.OrderID)
		e.logger.WithFields(map[string]interface{}{
			"order_id": order.OrderID,
			"reason":   result.Reason,
		}).Warn("Order rejected (risk)")
		e.publishOrder(result)
		return result
	}

	// 2. Route to a provider
	providerName := e.selectProvider(order)
	provider, ok := e.providers[providerName]
	if providerName == "" || !ok {
		result.Reason = "No execution provider available for " + order.Instrument
		e.stats.TotalOrdersRejected++
		e.riskMgr.OnOrderRejected(order.OrderID)
		e.logger.WithFields(map[string]interface{}{
			"order_id":   order.OrderID,
			"instrument": order.Instrument,
		}).Error("Order rejected (no provider)")
		e.publishOrder(result)
		return result
	}

	// 3. Connection gate
	if !provider.IsConnected() {
		result.Reason = "Provider not connected: " + providerName
		e.stats.TotalOrdersRejected++
		e.riskMgr.OnOrderRejected(order.OrderID)
		e.logger.WithFields(map[string]interface{}{
			"order_id": order.OrderID,
			"provider": providerName,
		}).Error("Order rejected (disconnected)")
		e.publishOrder(result)
		return result
	}

	// 4. Submit to the provider
	e.logger.WithFields(map[string]interface{}{
		"order_id":   order.OrderID,
		"instrument": order.Instrument,
		"quantity":   order.Quantity,
		"provider":   providerName,
	}).Info("Submitting order")

	update, err := provider.Submit(order)
	if err != nil {
		result.Status = contracts.StatusError
		result.Reason = "Provider error: " + err.Error()
		e.stats.TotalOrdersRejected++
		e.riskMgr.OnOrderRejected(order.OrderID)
		e.logger.WithFields(map[string]interface{}{
			"order_id": order.OrderID,
			"error":    err,
		}).Error("Order submission failed")
		e.publishOrder(result)
		e.notifyOrderCallbacks(result)
		return result
	}

	result = update

	// 5. Track accepted orders
	if result.Status != contracts.StatusRejected {
		e.activeOrders[order.OrderID] = &orderState{
			request:      *order,
			current:      result,
			providerName: providerName,
			submitNs:     result.TimestampNs,
			lastUpdateNs: result.TimestampNs,
		}
		e.stats.TotalOrdersSubmitted++
		e.stats.ActiveOrders++

		e.logger.WithFields(map[string]interface{}{
			"order_id": order.OrderID,
			"status":   result.Status,
		}).Info("Order submitted")
	} else {
		e.stats.TotalOrdersRejected++
		e.riskMgr.OnOrderRejected(order.OrderID)
		e.logger.WithFields(map[string]interface{}{
			"order_id": order.OrderID,
			"reason":   result.Reason,
		}).Warn("Order rejected by provider")
	}

	// 6. Fan out
	e.publishOrder(result)
	e.notifyOrderCallbacks(result)

	return result
}

// Cancel synchronously requests cancellation of an active order
func (e *Engine) Cancel(orderID string) contracts.OrderUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.cancelLocked(orderID)
}

// cancelLocked is Cancel minus the lock; shared with Shutdown
func (e *Engine) cancelLocked(orderID string) contracts.OrderUpdate {
	result := contracts.OrderUpdate{
		OrderID:     orderID,
		Status:      contracts.StatusRejected,
		TimestampNs: time.Now().UnixNano(),
	}

	state, ok := e.activeOrders[orderID]
	if !ok {
		result.Reason = "Order not found or already completed"
		e.logger.WithField("order_id", orderID).Warn("Cancel failed: order not tracked")
		return result
	}

	provider, ok := e.providers[state.providerName]
	if !ok {
		result.Reason = "Provider not available: " + state.providerName
		e.logger.WithField("provider", state.providerName).Error("Cancel failed: provider missing")
		return result
	}

	e.logger.WithField("order_id", orderID).Info("Cancelling order")

	update, err := provider.Cancel(orderID)
	if err != nil {
		result.Status = contracts.StatusError
		result.Reason = "Cancel error: " + err.Error()
		e.logger.WithFields(map[string]interface{}{
			"order_id": orderID,
			"error":    err,
		}).Error("Cancel failed")
		e.publishOrder(result)
		e.notifyOrderCallbacks(result)
		return result
	}

	result = update

	if result.Status == contracts.StatusCancelled {
		state.current = result
		state.lastUpdateNs = result.TimestampNs
		e.stats.TotalOrdersCancelled++
		e.riskMgr.OnOrderCancelled(orderID)
		e.finalizeOrder(orderID)
		e.logger.WithField("order_id", orderID).Info("Order cancelled")

		e.publishOrder(result)
		e.notifyOrderCallbacks(result)
	}
	// A fill that won the race surfaces here as the current state; the
	// fill path owns its own fan-out, so nothing more is emitted.

	return result
}

// Modify forwards a modification request to the owning provider
func (e *Engine) Modify(mod *contracts.OrderModification) contracts.OrderUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := contracts.OrderUpdate{
		OrderID:     mod.OrderID,
		Status:      contracts.StatusRejected,
		TimestampNs: mod.TimestampNs,
	}

	state, ok := e.activeOrders[mod.OrderID]
	if !ok {
		result.Reason = "Order not found or already completed"
		e.logger.WithField("order_id", mod.OrderID).Warn("Modify failed: order not tracked")
		return result
	}

	provider, ok := e.providers[state.providerName]
	if !ok {
		result.Reason = "Provider not available: " + state.providerName
		e.logger.WithField("provider", state.providerName).Error("Modify failed: provider missing")
		return result
	}

	update, err := provider.Modify(mod)
	if err != nil {
		result.Status = contracts.StatusError
		result.Reason = "Modify error: " + err.Error()
		e.logger.WithFields(map[string]interface{}{
			"order_id": mod.OrderID,
			"error":    err,
		}).Error("Modify failed")
	} else {
		result = update
		state.current = result
		state.lastUpdateNs = result.TimestampNs

		if mod.NewQuantity != nil {
			state.request.Quantity = *mod.NewQuantity
		}
		if mod.NewPrice != nil {
			state.request.Price = *mod.NewPrice
		}
		if mod.NewStop != nil {
			state.request.StopPrice = *mod.NewStop
		}

		e.logger.WithFields(map[string]interface{}{
			"order_id": mod.OrderID,
			"status":   result.Status,
		}).Info("Order modified")
	}

	e.publishOrder(result)

	return result
}

// OnFill is the provider-facing fill ingress. It updates positions, risk
// and order tracking, then fans the fill out.
func (e *Engine) OnFill(fill contracts.Fill) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.logger.WithFields(map[string]interface{}{
		"fill_id":    fill.FillID,
		"order_id":   fill.OrderID,
		"instrument": fill.Instrument,
		"side":       fill.Side,
		"quantity":   fill.Quantity,
		"price":      fill.Price,
	}).Info("Fill received")

	// Accounting first: position, then risk (reservation release, halt)
	e.positionMgr.OnFill(fill)
	e.riskMgr.OnFill(fill)

	e.stats.TotalOrdersFilled++
	e.stats.TotalVolumeTraded += fill.Quantity
	e.stats.LastFillTimestampNs = fill.TimestampNs

	if state, ok := e.activeOrders[fill.OrderID]; ok {
		prevFilled := state.current.FilledQty
		state.current.FilledQty += fill.Quantity
		state.current.RemainingQty = state.request.Quantity - state.current.FilledQty

		// Volume-weighted average over the order's fills
		totalValue := state.current.AvgFillPrice*prevFilled + fill.Price*fill.Quantity
		state.current.AvgFillPrice = totalValue / state.current.FilledQty
		state.lastUpdateNs = fill.TimestampNs
		state.current.TimestampNs = fill.TimestampNs

		if state.current.RemainingQty <= contracts.QtyEpsilon {
			state.current.Status = contracts.StatusFilled
			e.finalizeOrder(fill.OrderID)
			e.logger.WithField("order_id", fill.OrderID).Info("Order fully filled")
		} else {
			state.current.Status = contracts.StatusPartiallyFilled
		}
	}

	e.publishFill(fill)
	e.notifyFillCallbacks(fill)
}

// OnOrderUpdate is the provider-facing status ingress. Updates for
// orders already in a terminal state are dropped, keeping terminal
// finality for subscribers.
func (e *Engine) OnOrderUpdate(update contracts.OrderUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.activeOrders[update.OrderID]
	if !ok {
		e.logger.WithFields(map[string]interface{}{
			"order_id": update.OrderID,
			"status":   update.Status,
		}).Debug("Dropping update for untracked order")
		return
	}

	state.current = update
	state.lastUpdateNs = update.TimestampNs

	if update.Status.IsTerminal() {
		switch update.Status {
		case contracts.StatusCancelled:
			e.stats.TotalOrdersCancelled++
			e.riskMgr.OnOrderCancelled(update.OrderID)
		case contracts.StatusRejected, contracts.StatusExpired, contracts.StatusError:
			e.riskMgr.OnOrderRejected(update.OrderID)
		}
		e.finalizeOrder(update.OrderID)
	}

	e.publishOrder(update)
	e.notifyOrderCallbacks(update)
}

// Status returns the engine's view of the order, checking active orders
// first and then the bounded history.
func (e *Engine) Status(orderID string) (contracts.OrderUpdate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if state, ok := e.activeOrders[orderID]; ok {
		return state.current, true
	}
	if state, ok := e.completed[orderID]; ok {
		return state.current, true
	}
	return contracts.OrderUpdate{}, false
}

// ActiveOrders returns a snapshot of currently tracked orders
func (e *Engine) ActiveOrders() map[string]contracts.OrderUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]contracts.OrderUpdate, len(e.activeOrders))
	for orderID, state := range e.activeOrders {
		out[orderID] = state.current
	}
	return out
}

// RegisterOrderCallback subscribes to order status events.
// Returns a subscriber id for DeregisterOrderCallback.
func (e *Engine) RegisterOrderCallback(cb OrderCallback) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextCallbackID++
	e.orderCallbacks[e.nextCallbackID] = cb
	return e.nextCallbackID
}

// DeregisterOrderCallback removes an order subscriber
func (e *Engine) DeregisterOrderCallback(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.orderCallbacks, id)
}

// RegisterFillCallback subscribes to fill events.
// Returns a subscriber id for DeregisterFillCallback.
func (e *Engine) RegisterFillCallback(cb FillCallback) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextCallbackID++
	e.fillCallbacks[e.nextCallbackID] = cb
	return e.nextCallbackID
}

// DeregisterFillCallback removes a fill subscriber
func (e *Engine) DeregisterFillCallback(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.fillCallbacks, id)
}

// Stats returns a snapshot of engine counters
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Shutdown cancels every active order and disconnects all providers.
// Idempotent; completes even when a provider errors on the way down.
func (e *Engine) Shutdown() {
	e.mu.Lock()

	if e.shutdownRequested {
		e.mu.Unlock()
		return
	}
	e.shutdownRequested = true

	e.logger.Info("Shutting down execution engine")

	orderIDs := make([]string, 0, len(e.activeOrders))
	for orderID := range e.activeOrders {
		orderIDs = append(orderIDs, orderID)
	}

	for _, orderID := range orderIDs {
		e.cancelLocked(orderID)
	}

	providers := make(map[string]Provider, len(e.providers))
	for name, provider := range e.providers {
		providers[name] = provider
	}
	e.mu.Unlock()

	// Disconnect outside the lock: adapters drain their workers here
	for name, provider := range providers {
		if err := provider.Disconnect(); err != nil {
			e.logger.WithFields(map[string]interface{}{
				"provider": name,
				"error":    err,
			}).Error("Error disconnecting provider")
			continue
		}
		e.logger.WithField("provider", name).Info("Disconnected provider")
	}

	e.logger.Info("Execution engine shutdown complete")
}

// selectProvider resolves routing: instrument override, then default.
// Caller holds mu.
func (e *Engine) selectProvider(order *contracts.OrderRequest) string {
	if name, ok := e.instrumentRouting[order.Instrument]; ok {
		return name
	}
	return e.defaultProvider
}

// finalizeOrder moves the entry into the bounded history. Caller holds mu.
func (e *Engine) finalizeOrder(orderID string) {
	state, ok := e.activeOrders[orderID]
	if !ok {
		return
	}

	delete(e.activeOrders, orderID)
	e.stats.ActiveOrders--

	e.completed[orderID] = state
	e.completedOrder = append(e.completedOrder, orderID)

	for len(e.completedOrder) > completedHistoryCap {
		oldest := e.completedOrder[0]
		e.completedOrder = e.completedOrder[1:]
		delete(e.completed, oldest)
	}

	e.logger.WithField("order_id", orderID).Debug("Order finalized")
}

// publishOrder hands the update to the bus publisher, if configured.
// Caller holds mu; the publisher must not block.
func (e *Engine) publishOrder(update contracts.OrderUpdate) {
	if e.publisher == nil {
		return
	}
	e.publisher.PublishOrder(update)
}

// publishFill hands the fill to the bus publisher, if configured
func (e *Engine) publishFill(fill contracts.Fill) {
	if e.publisher == nil {
		return
	}
	e.publisher.PublishFill(fill)
}

// notifyOrderCallbacks fans an update out to subscribers. A panicking
// subscriber is recovered and logged; order state is unaffected.
func (e *Engine) notifyOrderCallbacks(update contracts.OrderUpdate) {
	for id, cb := range e.orderCallbacks {
		e.safeInvoke(id, func() { cb(update) })
	}
}

// notifyFillCallbacks fans a fill out to subscribers
func (e *Engine) notifyFillCallbacks(fill contracts.Fill) {
	for id, cb := range e.fillCallbacks {
		e.safeInvoke(id, func() { cb(fill) })
	}
}

func (e *Engine) safeInvoke(subscriberID int, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithFields(map[string]interface{}{
				"subscriber": subscriberID,
				"panic":      r,
			}).Error("Subscriber callback panicked")
		}
	}()
	fn()
}
