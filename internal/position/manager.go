package position

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/quantumliquidity/core/internal/contracts"
	"github.com/quantumliquidity/core/pkg/logger"
)

// TimeSeriesWriter persists position snapshots.
// The writer's storage format is the collaborator's concern.
type TimeSeriesWriter interface {
	WritePositions(ctx context.Context, takenAt time.Time, positions []contracts.Position) error
}

// Manager keeps the authoritative instrument → position map.
// Positions are mutated only by fills; all queries return snapshots.
// ⭐ SSOT: 포지션 상태는 이 매니저에서만 변경
type Manager struct {
	mu        sync.Mutex
	positions map[string]contracts.Position

	totalRealizedPnL float64
	totalFillsToday  int

	logger *logger.Logger
}

// NewManager creates a position manager with no open positions
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		positions: make(map[string]contracts.Position),
		logger:    log,
	}
}

// OnFill applies one fill to the stored position.
// The caller guarantees each fill is delivered exactly once.
func (m *Manager) OnFill(fill contracts.Fill) {
	if fill.Quantity <= 0 {
		m.logger.WithFields(map[string]interface{}{
			"fill_id":  fill.FillID,
			"order_id": fill.OrderID,
			"quantity": fill.Quantity,
		}).Warn("Ignoring fill with non-positive quantity")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalFillsToday++

	signedQty := fill.SignedQuantity()

	pos, exists := m.positions[fill.Instrument]
	if !exists {
		// First fill opens the position
		pos = contracts.Position{
			Instrument:      fill.Instrument,
			Quantity:        signedQty,
			EntryPrice:      fill.Price,
			TotalCommission: fill.Commission,
			NumFillsToday:   1,
			LastUpdateNs:    fill.TimestampNs,
		}
		m.positions[fill.Instrument] = pos

		m.logger.WithFields(map[string]interface{}{
			"instrument":  fill.Instrument,
			"quantity":    pos.Quantity,
			"entry_price": pos.EntryPrice,
		}).Info("New position opened")
		return
	}

	sameDirection := pos.Quantity*signedQty > 0

	if sameDirection || math.Abs(pos.Quantity) < contracts.QtyEpsilon {
		// Increasing or opening from flat: value-weighted entry
		pos.EntryPrice = weightedAvgPrice(pos.Quantity, pos.EntryPrice, signedQty, fill.Price)
		pos.Quantity += signedQty

		m.logger.WithFields(map[string]interface{}{
			"instrument": fill.Instrument,
			"new_qty":    pos.Quantity,
			"new_entry":  pos.EntryPrice,
		}).Info("Position increased")
	} else {
		// Reducing or reversing: realize PnL on the closed portion
		realized := realizedPnL(pos.Quantity, pos.EntryPrice, signedQty, fill.Price)
		pos.RealizedPnL += realized
		m.totalRealizedPnL += realized

		oldQty := pos.Quantity
		pos.Quantity += signedQty

		switch {
		case (oldQty > 0 && pos.Quantity < -contracts.QtyEpsilon) ||
			(oldQty < 0 && pos.Quantity > contracts.QtyEpsilon):
			// Crossed through zero: the residual leg opens at the fill price
			pos.EntryPrice = fill.Price
			m.logger.WithFields(map[string]interface{}{
				"instrument":   fill.Instrument,
				"new_qty":      pos.Quantity,
				"realized_pnl": realized,
			}).Info("Position reversed")
		case math.Abs(pos.Quantity) < contracts.QtyEpsilon:
			m.logger.WithFields(map[string]interface{}{
				"instrument":   fill.Instrument,
				"realized_pnl": realized,
			}).Info("Position closed")
		default:
			m.logger.WithFields(map[string]interface{}{
				"instrument":   fill.Instrument,
				"new_qty":      pos.Quantity,
				"realized_pnl": realized,
			}).Info("Position reduced")
		}
	}

	pos.NumFillsToday++
	pos.TotalCommission += fill.Commission
	pos.LastUpdateNs = fill.TimestampNs
	m.positions[fill.Instrument] = pos
}

// Position returns a snapshot for the instrument.
// An instrument never traded returns a zero position.
func (m *Manager) Position(instrument string) contracts.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pos, ok := m.positions[instrument]; ok {
		return pos
	}
	return contracts.Position{Instrument: instrument}
}

// AllPositions returns a snapshot copy of every tracked position
func (m *Manager) AllPositions() map[string]contracts.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]contracts.Position, len(m.positions))
	for instrument, pos := range m.positions {
		out[instrument] = pos
	}
	return out
}

// Quantity returns the signed open quantity for the instrument
func (m *Manager) Quantity(instrument string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pos, ok := m.positions[instrument]; ok {
		return pos.Quantity
	}
	return 0.0
}

// HasPosition checks if the instrument carries a non-flat position
func (m *Manager) HasPosition(instrument string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[instrument]
	return ok && math.Abs(pos.Quantity) >= contracts.QtyEpsilon
}

// UnrealizedPnL returns quantity * (markPrice - entryPrice) for the instrument
func (m *Manager) UnrealizedPnL(instrument string, markPrice float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[instrument]
	if !ok || math.Abs(pos.Quantity) < contracts.QtyEpsilon {
		return 0.0
	}
	return pos.Quantity * (markPrice - pos.EntryPrice)
}

// TotalUnrealizedPnL sums mark-to-market PnL over instruments with a known price.
// Instruments without a price contribute zero.
func (m *Manager) TotalUnrealizedPnL(prices map[string]float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0.0
	for instrument, pos := range m.positions {
		if math.Abs(pos.Quantity) < contracts.QtyEpsilon {
			continue
		}
		if price, ok := prices[instrument]; ok {
			total += pos.Quantity * (price - pos.EntryPrice)
		}
	}
	return total
}

// TotalRealizedPnL returns realized PnL accumulated since the last daily reset
func (m *Manager) TotalRealizedPnL() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalRealizedPnL
}

// TotalExposure returns Σ |quantity * price| over instruments with a known price
func (m *Manager) TotalExposure(prices map[string]float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0.0
	for instrument, pos := range m.positions {
		if math.Abs(pos.Quantity) < contracts.QtyEpsilon {
			continue
		}
		if price, ok := prices[instrument]; ok {
			total += math.Abs(pos.Quantity * price)
		}
	}
	return total
}

// Stats returns an aggregate snapshot across all positions
func (m *Manager) Stats(prices map[string]float64) contracts.PositionStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := contracts.PositionStats{
		TotalRealizedPnL: m.totalRealizedPnL,
		TotalFillsToday:  m.totalFillsToday,
	}

	for instrument, pos := range m.positions {
		if math.Abs(pos.Quantity) >= contracts.QtyEpsilon {
			stats.NumPositions++
		}
		stats.TotalCommissionPaid += pos.TotalCommission

		if price, ok := prices[instrument]; ok {
			stats.TotalUnrealizedPnL += pos.Quantity * (price - pos.EntryPrice)
		}
	}
	return stats
}

// Persist serializes the current positions snapshot through the given writer
func (m *Manager) Persist(ctx context.Context, writer TimeSeriesWriter) error {
	if writer == nil {
		m.logger.Warn("No writer provided for position persistence")
		return nil
	}

	m.mu.Lock()
	snapshot := make([]contracts.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		snapshot = append(snapshot, pos)
	}
	m.mu.Unlock()

	// Write outside the lock: the writer may do I/O
	return writer.WritePositions(ctx, time.Now(), snapshot)
}

// ResetDaily zeros daily counters while keeping quantity and entry price.
// Positions carry overnight.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRealizedPnL = 0.0
	m.totalFillsToday = 0

	for instrument, pos := range m.positions {
		pos.RealizedPnL = 0.0
		pos.NumFillsToday = 0
		pos.TotalCommission = 0.0
		m.positions[instrument] = pos
	}

	m.logger.Info("Daily position counters reset")
}

// weightedAvgPrice computes (q1*p1 + q2*p2) / (q1 + q2)
func weightedAvgPrice(currentQty, currentEntry, fillQty, fillPrice float64) float64 {
	totalQty := currentQty + fillQty
	if math.Abs(totalQty) < contracts.QtyEpsilon {
		return 0.0
	}
	return (currentQty*currentEntry + fillQty*fillPrice) / totalQty
}

// realizedPnL computes the PnL realized by the closing portion of a fill.
// positionQty and fillQty are signed and must be of opposite sign.
func realizedPnL(positionQty, entryPrice, fillQty, fillPrice float64) float64 {
	if positionQty*fillQty >= 0 {
		return 0.0
	}

	qtyClosed := math.Min(math.Abs(positionQty), math.Abs(fillQty))
	if positionQty > 0 {
		// Long being sold down
		return qtyClosed * (fillPrice - entryPrice)
	}
	// Short being bought back
	return qtyClosed * (entryPrice - fillPrice)
}
