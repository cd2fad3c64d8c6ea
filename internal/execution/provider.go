package execution

import (
	"github.com/quantumliquidity/core/internal/contracts"
)

// EngineHandle is the capability an execution provider receives at
// registration. Providers deliver asynchronous events through it; they
// never hold the engine itself.
// ⭐ SSOT: Provider → Engine 콜백은 이 인터페이스로만
type EngineHandle interface {
	// OnFill reports one execution. Safe to call from any goroutine.
	OnFill(fill contracts.Fill)

	// OnOrderUpdate reports a status change. Safe to call from any goroutine.
	OnOrderUpdate(update contracts.OrderUpdate)
}

// Provider is the contract every broker backend implements.
//
// Implementations must be safe for concurrent use. Asynchronous events
// (fills, status changes) are delivered through the EngineHandle set at
// registration; providers must NOT invoke the handle from inside the
// synchronous Submit/Cancel/Modify return path.
type Provider interface {
	// Name returns the provider identifier (e.g. "mock", "oanda")
	Name() string

	// Connect establishes the backend session
	Connect() error

	// Disconnect tears the session down and drains pending work
	Disconnect() error

	// IsConnected reports whether orders can be submitted
	IsConnected() bool

	// Submit sends an order and returns the initial status, usually
	// ACKNOWLEDGED or REJECTED. Must return promptly.
	Submit(order *contracts.OrderRequest) (contracts.OrderUpdate, error)

	// Cancel requests cancellation. Returns the resulting state; when a
	// fill won the race this is the current (possibly FILLED) state.
	Cancel(orderID string) (contracts.OrderUpdate, error)

	// Modify changes a working order's price, quantity or stop
	Modify(mod *contracts.OrderModification) (contracts.OrderUpdate, error)

	// Status returns the provider's view of the order, if known
	Status(orderID string) (contracts.OrderUpdate, bool)

	// SetEngine binds the engine handle. Called once at registration.
	SetEngine(handle EngineHandle)
}

// EventPublisher fans engine events out to the external message bus.
// Implementations absorb their own failures; the engine never blocks on
// publishing.
type EventPublisher interface {
	PublishOrder(update contracts.OrderUpdate)
	PublishFill(fill contracts.Fill)
}

// RiskGate is the slice of the risk manager the engine drives.
// Satisfied by *risk.Manager.
type RiskGate interface {
	CheckOrder(order *contracts.OrderRequest, referencePrice float64) contracts.RiskCheckResult
	OnFill(fill contracts.Fill)
	OnOrderRejected(orderID string)
	OnOrderCancelled(orderID string)
	MarkPrice(instrument string) (float64, bool)
}

// PositionBook is the slice of the position manager the engine drives.
// Satisfied by *position.Manager.
type PositionBook interface {
	OnFill(fill contracts.Fill)
}
