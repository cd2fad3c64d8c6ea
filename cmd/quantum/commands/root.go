package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
	env        string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "quantum",
	Short: "QuantumLiquidity - 주문 실행 및 리스크 코어",
	Long: `QuantumLiquidity Unified CLI

알고리즘 트레이딩 플랫폼의 주문 실행 / 리스크 / 포지션 코어.
전략의 주문 의도를 검증하고 브로커로 라우팅하며 체결과 PnL을 추적합니다.

Usage:
  go run ./cmd/quantum [command]

Examples:
  go run ./cmd/quantum run
  go run ./cmd/quantum api
  go run ./cmd/quantum test-db
  go run ./cmd/quantum test-logger`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (not read: configuration comes from environment variables and .env)")
	rootCmd.PersistentFlags().StringVar(&env, "env", "development", "environment (not read: the ENV variable selects development|staging|production)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (not read: LOG_LEVEL controls verbosity)")
}
