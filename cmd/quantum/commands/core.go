package commands

import (
	"fmt"

	"github.com/quantumliquidity/core/internal/contracts"
	"github.com/quantumliquidity/core/internal/data"
	"github.com/quantumliquidity/core/internal/data/repos"
	"github.com/quantumliquidity/core/internal/events"
	"github.com/quantumliquidity/core/internal/execution"
	"github.com/quantumliquidity/core/internal/position"
	"github.com/quantumliquidity/core/internal/risk"
	"github.com/quantumliquidity/core/pkg/config"
	"github.com/quantumliquidity/core/pkg/database"
	"github.com/quantumliquidity/core/pkg/logger"
	"github.com/quantumliquidity/core/pkg/redis"
)

// coreStack bundles the wired trading core
// ⭐ SSOT: 코어 조립은 이 빌더에서만
type coreStack struct {
	cfg *config.Config
	log *logger.Logger

	redisClient *redis.Client
	publisher   *events.Publisher

	positions *position.Manager
	riskMgr   *risk.Manager
	engine    *execution.Engine
	broker    *execution.MockBroker

	db       *database.DB          // nil when persistence is disabled
	repo     *repos.TimeSeriesRepo // nil when persistence is disabled
	recorder *data.Recorder        // nil when persistence is disabled
}

// buildCore wires config, logging, bus, persistence and the trading
// triad (position / risk / execution) with the mock broker registered.
func buildCore() (*coreStack, error) {
	// 1. Config + logger
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg)

	// 2. Event bus. An unreachable bus is logged and disabled; the
	// engine keeps operating without it.
	redisClient, err := redis.New(cfg)
	if err != nil {
		log.WithError(err).Warn("Redis unavailable, event bus disabled")
		redisClient = redis.Disabled()
	}
	publisher := events.NewPublisher(redisClient, 1024, log.Component("events"))

	// 3. Position + risk managers
	limits := contracts.RiskLimits{
		MaxPositionSize:     cfg.Risk.MaxPositionSize,
		MaxTotalExposure:    cfg.Risk.MaxTotalExposure,
		MaxOrderSize:        cfg.Risk.MaxOrderSize,
		MaxDailyLoss:        cfg.Risk.MaxDailyLoss,
		MaxDrawdownFromHigh: cfg.Risk.MaxDrawdownFromHigh,
		MaxOrdersPerMinute:  cfg.Risk.MaxOrdersPerMinute,
		MaxOrdersPerDay:     cfg.Risk.MaxOrdersPerDay,
		Bankroll:            cfg.Risk.Bankroll,
		MinFreeCapitalPct:   cfg.Risk.MinFreeCapitalPct,
	}
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("risk limits: %w", err)
	}

	positions := position.NewManager(log.Component("position"))
	riskMgr := risk.NewManager(limits, log.Component("risk"))
	riskMgr.SetPositionManager(positions)

	// 4. Execution engine + mock broker
	engine := execution.NewEngine(riskMgr, positions, publisher, log.Component("execution"))

	broker := execution.NewMockBroker(execution.MockBrokerConfig{
		Name:              cfg.Broker.Name,
		FillLatency:       cfg.Broker.FillLatency,
		RejectionRate:     cfg.Broker.RejectionRate,
		PartialFillCount:  cfg.Broker.PartialFillCount,
		SlippageBps:       cfg.Broker.SlippageBps,
		CommissionPerUnit: 0.0001,
		Workers:           cfg.Broker.Workers,
		QueueSize:         cfg.Broker.QueueSize,
		AutoConnect:       true,
	}, log.Component("broker"))

	engine.RegisterProvider(cfg.Broker.Name, broker)

	stack := &coreStack{
		cfg:         cfg,
		log:         log,
		redisClient: redisClient,
		publisher:   publisher,
		positions:   positions,
		riskMgr:     riskMgr,
		engine:      engine,
		broker:      broker,
	}

	// 5. Optional persistence collaborator
	if cfg.Database.Enabled {
		db, err := database.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}

		stack.db = db
		stack.repo = repos.NewTimeSeriesRepo(db.Pool)
		stack.recorder = data.NewRecorder(stack.repo, 1024, log.Component("recorder"))
		engine.RegisterFillCallback(stack.recorder.OnFill)

		log.Info("Connected to database, fill recording enabled")
	}

	return stack, nil
}

// close tears the stack down in reverse dependency order
func (s *coreStack) close() {
	s.engine.Shutdown()

	if s.recorder != nil {
		s.recorder.Close()
	}
	s.publisher.Close()

	if s.db != nil {
		s.db.Close()
	}
	if err := s.redisClient.Close(); err != nil {
		s.log.WithError(err).Warn("Error closing Redis client")
	}
}
