package main

import (
	"os"

	"github.com/quantumliquidity/core/cmd/quantum/commands"
)

// main is the entry point for the QuantumLiquidity CLI
// ⭐ 통합 CLI 진입점: go run ./cmd/quantum [command]
func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
