package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantumliquidity/core/internal/api"
	"github.com/quantumliquidity/core/internal/api/handlers"
	"github.com/quantumliquidity/core/internal/scheduler"
	"github.com/quantumliquidity/core/internal/scheduler/jobs"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "트레이딩 코어 전체 실행",
	Long: `주문 실행 코어를 전체 구성으로 시작합니다.

이 명령어는:
- Position / Risk / Execution 코어 조립
- Mock 브로커 등록
- Redis 이벤트 버스 퍼블리셔 시작
- 스케줄러 (일일 리셋, 포지션 스냅샷) 시작
- REST API + WebSocket 이벤트 스트림 제공

Example:
  go run ./cmd/quantum run
  go run ./cmd/quantum run --port 8089`,
	RunE: runCore,
}

var runPort string

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runPort, "port", "", "API 서버 포트 (기본: config)")
}

func runCore(cmd *cobra.Command, args []string) error {
	fmt.Println("=== QuantumLiquidity Trading Core ===")

	// 1. Build the core
	stack, err := buildCore()
	if err != nil {
		return err
	}
	defer stack.close()

	if runPort != "" {
		stack.cfg.Port = runPort
	}
	log := stack.log

	// 2. Scheduler: daily reset + position snapshots
	var sched *scheduler.Scheduler
	if stack.cfg.Scheduler.Enabled {
		sched = scheduler.New(log.Component("scheduler"))

		resetJob := jobs.NewDailyResetJob(stack.riskMgr, stack.positions, stack.cfg, log)
		if err := sched.AddJob(resetJob); err != nil {
			return fmt.Errorf("add daily reset job: %w", err)
		}

		if stack.repo != nil {
			persistJob := jobs.NewPersistPositionsJob(stack.positions, stack.repo, stack.cfg, log)
			if err := sched.AddJob(persistJob); err != nil {
				return fmt.Errorf("add persist job: %w", err)
			}
		}

		sched.Start()
		defer sched.Stop()
	}

	// 3. WebSocket stream fed by engine callbacks
	hub := api.NewStreamHub(log.Component("stream"))
	defer hub.Close()

	stack.engine.RegisterOrderCallback(hub.BroadcastOrder)
	stack.engine.RegisterFillCallback(hub.BroadcastFill)

	// 4. HTTP API
	tradingHandler := handlers.NewTradingHandler(stack.engine, stack.repo, log)
	positionsHandler := handlers.NewPositionsHandler(stack.positions, stack.riskMgr, log)
	riskHandler := handlers.NewRiskHandler(stack.riskMgr, stack.positions, log)

	router := api.NewRouter(tradingHandler, positionsHandler, riskHandler, hub, log)
	server := api.New(stack.cfg, log, router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	log.Info("Trading core is up")

	// 5. Wait for signal or server failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("API server failed")
		}
	}

	// 6. Graceful shutdown: stop accepting HTTP, then the deferred
	// stack.close cancels working orders and disconnects the broker
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("API server shutdown error")
	}

	fmt.Println("✅ Shutdown complete")
	return nil
}
