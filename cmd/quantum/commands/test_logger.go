package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quantumliquidity/core/pkg/config"
	"github.com/quantumliquidity/core/pkg/logger"
)

// testLoggerCmd represents the test-logger command
var testLoggerCmd = &cobra.Command{
	Use:   "test-logger",
	Short: "로거 출력 테스트",
	Long: `로거 설정을 확인하고 각 레벨의 출력 예시를 표시합니다.

Example:
  go run ./cmd/quantum test-logger
  LOG_FORMAT=console go run ./cmd/quantum test-logger`,
	RunE: runTestLogger,
}

func init() {
	rootCmd.AddCommand(testLoggerCmd)
}

func runTestLogger(cmd *cobra.Command, args []string) error {
	fmt.Println("=== QuantumLiquidity Logger Test ===")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("❌ Failed to load config: %w", err)
	}
	fmt.Printf("✅ Config loaded (LOG_LEVEL=%s, LOG_FORMAT=%s)\n\n", cfg.LogLevel, cfg.LogFormat)

	log := logger.New(cfg)

	log.Debug("Debug message (visible when LOG_LEVEL=debug)")
	log.Info("Info message")
	log.Warn("Warn message")
	log.Error("Error message")

	log.Component("execution").WithFields(map[string]interface{}{
		"order_id":   "ORD-1001",
		"instrument": "EUR/USD",
		"quantity":   100.0,
		"price":      1.1000,
	}).Info("Structured trade log example")

	log.WithError(errors.New("simulated connection timeout")).
		WithField("retry_count", 3).
		Error("Error log example")

	fmt.Println("\n✅ Logger test complete")
	return nil
}
