package repos

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantumliquidity/core/internal/contracts"
)

// TimeSeriesRepo persists position snapshots, orders and fills
// ⭐ SSOT: 실행 데이터 저장/조회는 여기서만
type TimeSeriesRepo struct {
	pool *pgxpool.Pool
}

// NewTimeSeriesRepo creates a new time-series repository
func NewTimeSeriesRepo(pool *pgxpool.Pool) *TimeSeriesRepo {
	return &TimeSeriesRepo{pool: pool}
}

// WritePositions appends one snapshot row per position.
// Satisfies position.TimeSeriesWriter.
func (r *TimeSeriesRepo) WritePositions(ctx context.Context, takenAt time.Time, positions []contracts.Position) error {
	if len(positions) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO execution.position_snapshots (
			taken_at, instrument, quantity, entry_price,
			realized_pnl, total_commission, num_fills_today
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	for _, pos := range positions {
		batch.Queue(query,
			takenAt, pos.Instrument, pos.Quantity, pos.EntryPrice,
			pos.RealizedPnL, pos.TotalCommission, pos.NumFillsToday,
		)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range positions {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to write position snapshot: %w", err)
		}
	}

	return nil
}

// SaveOrderUpdate upserts the latest known state of an order
func (r *TimeSeriesRepo) SaveOrderUpdate(ctx context.Context, update *contracts.OrderUpdate) error {
	query := `
		INSERT INTO execution.orders (
			order_id, status, filled_qty, remaining_qty,
			avg_fill_price, reason, updated_ns
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (order_id) DO UPDATE SET
			status = EXCLUDED.status,
			filled_qty = EXCLUDED.filled_qty,
			remaining_qty = EXCLUDED.remaining_qty,
			avg_fill_price = EXCLUDED.avg_fill_price,
			reason = EXCLUDED.reason,
			updated_ns = EXCLUDED.updated_ns
	`

	_, err := r.pool.Exec(ctx, query,
		update.OrderID, update.Status, update.FilledQty, update.RemainingQty,
		update.AvgFillPrice, update.Reason, update.TimestampNs,
	)
	if err != nil {
		return fmt.Errorf("failed to save order update: %w", err)
	}

	return nil
}

// SaveFill appends one fill row
func (r *TimeSeriesRepo) SaveFill(ctx context.Context, fill *contracts.Fill) error {
	query := `
		INSERT INTO execution.fills (
			fill_id, order_id, instrument, side,
			quantity, price, commission, filled_ns
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (fill_id) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query,
		fill.FillID, fill.OrderID, fill.Instrument, fill.Side,
		fill.Quantity, fill.Price, fill.Commission, fill.TimestampNs,
	)
	if err != nil {
		return fmt.Errorf("failed to save fill: %w", err)
	}

	return nil
}

// GetFillsByOrder retrieves all fills recorded for an order
func (r *TimeSeriesRepo) GetFillsByOrder(ctx context.Context, orderID string) ([]contracts.Fill, error) {
	query := `
		SELECT fill_id, order_id, instrument, side, quantity, price, commission, filled_ns
		FROM execution.fills
		WHERE order_id = $1
		ORDER BY filled_ns ASC
	`

	rows, err := r.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	fills := make([]contracts.Fill, 0)
	for rows.Next() {
		var fill contracts.Fill
		if err := rows.Scan(
			&fill.FillID, &fill.OrderID, &fill.Instrument, &fill.Side,
			&fill.Quantity, &fill.Price, &fill.Commission, &fill.TimestampNs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		fills = append(fills, fill)
	}

	return fills, rows.Err()
}

// GetLatestSnapshot retrieves the most recent position snapshot per instrument
func (r *TimeSeriesRepo) GetLatestSnapshot(ctx context.Context) ([]contracts.Position, error) {
	query := `
		SELECT DISTINCT ON (instrument)
			instrument, quantity, entry_price, realized_pnl, total_commission, num_fills_today
		FROM execution.position_snapshots
		ORDER BY instrument, taken_at DESC
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	positions := make([]contracts.Position, 0)
	for rows.Next() {
		var pos contracts.Position
		if err := rows.Scan(
			&pos.Instrument, &pos.Quantity, &pos.EntryPrice,
			&pos.RealizedPnL, &pos.TotalCommission, &pos.NumFillsToday,
		); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		positions = append(positions, pos)
	}

	return positions, rows.Err()
}
