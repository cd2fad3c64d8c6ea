package contracts

// QtyEpsilon is the tolerance under which a quantity is treated as zero.
// Shared by position accounting, order-state tracking and the mock broker.
const QtyEpsilon = 1e-8

// Fill represents a single execution event reported by a broker
// ⭐ SSOT: Broker → Engine 체결 정보 전달
type Fill struct {
	FillID          string    `json:"fill_id"`
	OrderID         string    `json:"order_id"`
	Instrument      string    `json:"instrument"`
	Side            OrderSide `json:"side"`
	Quantity        float64   `json:"quantity"`
	Price           float64   `json:"price"`
	Commission      float64   `json:"commission"`
	ExchangeTradeID string    `json:"exchange_trade_id,omitempty"`
	TimestampNs     int64     `json:"timestamp_ns"`
}

// SignedQuantity returns the fill quantity with the side's sign applied
func (f *Fill) SignedQuantity() float64 {
	return f.Side.Sign() * f.Quantity
}
