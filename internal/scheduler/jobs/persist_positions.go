package jobs

import (
	"context"
	"fmt"

	"github.com/quantumliquidity/core/internal/position"
	"github.com/quantumliquidity/core/pkg/config"
	"github.com/quantumliquidity/core/pkg/logger"
)

// PersistPositionsJob flushes the current position snapshot to the
// time-series store on a fixed cadence.
type PersistPositionsJob struct {
	positions *position.Manager
	writer    position.TimeSeriesWriter
	config    *config.Config
	logger    *logger.Logger
}

// NewPersistPositionsJob creates a new persistence job
func NewPersistPositionsJob(positions *position.Manager, writer position.TimeSeriesWriter, cfg *config.Config, log *logger.Logger) *PersistPositionsJob {
	return &PersistPositionsJob{
		positions: positions,
		writer:    writer,
		config:    cfg,
		logger:    log,
	}
}

// Name returns the job name
func (j *PersistPositionsJob) Name() string {
	return "persist_positions"
}

// Schedule returns the cron schedule from config
func (j *PersistPositionsJob) Schedule() string {
	return j.config.Scheduler.PersistSpec
}

// Run flushes one snapshot
func (j *PersistPositionsJob) Run(ctx context.Context) error {
	if err := j.positions.Persist(ctx, j.writer); err != nil {
		return fmt.Errorf("persist positions: %w", err)
	}

	j.logger.Debug("Position snapshot persisted")
	return nil
}
