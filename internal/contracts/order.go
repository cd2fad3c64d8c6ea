package contracts

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Sign returns +1 for BUY and -1 for SELL
func (s OrderSide) Sign() float64 {
	if s == OrderSideSell {
		return -1.0
	}
	return 1.0
}

// OrderType represents how the order executes
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// TimeInForce represents how long the order stays working
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "DAY"
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// OrderStatus represents order lifecycle state
// ⭐ SSOT: 주문 상태 문자열은 여기서만 정의
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusAcknowledged    OrderStatus = "ACKNOWLEDGED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusError           OrderStatus = "ERROR"
	StatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal checks if the status emits no further updates
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusError, StatusExpired:
		return true
	}
	return false
}

// OrderRequest represents an order intent passed from a strategy to the engine
// ⭐ SSOT: Strategy → Engine 주문 정보 전달
type OrderRequest struct {
	OrderID     string      `json:"order_id"` // caller-assigned, unique per run
	Instrument  string      `json:"instrument"`
	Side        OrderSide   `json:"side"`
	Type        OrderType   `json:"type"`
	Quantity    float64     `json:"quantity"`
	Price       float64     `json:"price"`      // limit price, 0 for market
	StopPrice   float64     `json:"stop_price"` // required for STOP / STOP_LIMIT
	TimeInForce TimeInForce `json:"tif"`
	StrategyID  string      `json:"strategy_id"`
	Comment     string      `json:"comment,omitempty"`
	TimestampNs int64       `json:"timestamp_ns"`
}

// SignedQuantity returns the quantity with the side's sign applied
func (r *OrderRequest) SignedQuantity() float64 {
	return r.Side.Sign() * r.Quantity
}

// IsMarketOrder checks if the order is a market order
func (r *OrderRequest) IsMarketOrder() bool {
	return r.Type == OrderTypeMarket
}

// NeedsMarkPrice checks if the order carries no limit price of its own,
// so risk reservation and simulated fills need a market mark. Stop
// orders trigger into market executions; their stop_price is a trigger
// level, not an execution price.
func (r *OrderRequest) NeedsMarkPrice() bool {
	return r.Type == OrderTypeMarket || r.Type == OrderTypeStop
}

// OrderUpdate represents an order status report from the engine or a broker
type OrderUpdate struct {
	OrderID         string      `json:"order_id"`
	Status          OrderStatus `json:"status"`
	FilledQty       float64     `json:"filled_qty"`
	RemainingQty    float64     `json:"remaining_qty"`
	AvgFillPrice    float64     `json:"avg_fill_price"`
	Reason          string      `json:"reason,omitempty"`
	ExchangeOrderID string      `json:"exchange_order_id,omitempty"`
	TimestampNs     int64       `json:"timestamp_ns"`
}

// OrderModification represents a change request for a working order.
// Nil fields are left unchanged.
type OrderModification struct {
	OrderID     string   `json:"order_id"`
	NewPrice    *float64 `json:"new_price,omitempty"`
	NewQuantity *float64 `json:"new_quantity,omitempty"`
	NewStop     *float64 `json:"new_stop,omitempty"`
	TimestampNs int64    `json:"timestamp_ns"`
}
