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
)

// apiCmd represents the api command
var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "API 서버 시작",
	Long: `REST API 서버를 시작합니다 (스케줄러 없이 코어 + API만).

Endpoints:
  GET    /health              - Health check
  GET    /api/orders          - 활성 주문 조회
  POST   /api/orders          - 주문 제출
  GET    /api/orders/{id}     - 주문 상태 조회
  DELETE /api/orders/{id}     - 주문 취소
  PATCH  /api/orders/{id}     - 주문 수정
  GET    /api/positions       - 포지션 조회
  GET    /api/risk            - 리스크 스냅샷 조회
  POST   /api/risk/prices     - 시장가 갱신
  POST   /api/risk/reset      - 일일 리셋
  GET    /ws/events           - 주문/체결 이벤트 스트림

Example:
  go run ./cmd/quantum api
  go run ./cmd/quantum api --port 8080`,
	RunE: runAPIServer,
}

var apiPort string

func init() {
	rootCmd.AddCommand(apiCmd)

	apiCmd.Flags().StringVar(&apiPort, "port", "", "API 서버 포트 (기본: config)")
}

func runAPIServer(cmd *cobra.Command, args []string) error {
	fmt.Println("=== QuantumLiquidity API Server ===")

	stack, err := buildCore()
	if err != nil {
		return err
	}
	defer stack.close()

	if apiPort != "" {
		stack.cfg.Port = apiPort
	}
	log := stack.log

	hub := api.NewStreamHub(log.Component("stream"))
	defer hub.Close()

	stack.engine.RegisterOrderCallback(hub.BroadcastOrder)
	stack.engine.RegisterFillCallback(hub.BroadcastFill)

	tradingHandler := handlers.NewTradingHandler(stack.engine, stack.repo, log)
	positionsHandler := handlers.NewPositionsHandler(stack.positions, stack.riskMgr, log)
	riskHandler := handlers.NewRiskHandler(stack.riskMgr, stack.positions, log)

	router := api.NewRouter(tradingHandler, positionsHandler, riskHandler, hub, log)
	server := api.New(stack.cfg, log, router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("API server shutdown error")
	}

	fmt.Println("✅ Shutdown complete")
	return nil
}
