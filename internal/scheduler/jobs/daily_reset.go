package jobs

import (
	"context"

	"github.com/quantumliquidity/core/internal/position"
	"github.com/quantumliquidity/core/internal/risk"
	"github.com/quantumliquidity/core/pkg/config"
	"github.com/quantumliquidity/core/pkg/logger"
)

// DailyResetJob clears daily risk counters and position counters after
// the session close. Open positions carry overnight with their quantity
// and entry price; the halt flag, reservations, rate history, order
// counters, daily PnL tracking and per-position realized PnL, commission
// and fill counts are cleared.
// ⭐ SSOT: 일일 리셋 스케줄은 이 Job에서만
type DailyResetJob struct {
	riskMgr   *risk.Manager
	positions *position.Manager
	config    *config.Config
	logger    *logger.Logger
}

// NewDailyResetJob creates a new daily reset job
func NewDailyResetJob(riskMgr *risk.Manager, positions *position.Manager, cfg *config.Config, log *logger.Logger) *DailyResetJob {
	return &DailyResetJob{
		riskMgr:   riskMgr,
		positions: positions,
		config:    cfg,
		logger:    log,
	}
}

// Name returns the job name
func (j *DailyResetJob) Name() string {
	return "daily_reset"
}

// Schedule returns the cron schedule from config
func (j *DailyResetJob) Schedule() string {
	return j.config.Scheduler.DailyResetSpec
}

// Run executes the daily reset
func (j *DailyResetJob) Run(ctx context.Context) error {
	j.logger.Info("Running scheduled daily reset")

	haltWasActive := j.riskMgr.ShouldHalt()

	j.riskMgr.ResetDaily()
	j.positions.ResetDaily()

	if haltWasActive {
		j.logger.Info("Trading halt cleared by daily reset")
	}

	return nil
}
