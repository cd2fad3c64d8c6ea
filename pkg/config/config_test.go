package config

import (
	"os"
	"testing"
)

func TestLoad(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	// Check defaults
	if cfg.Port != "8089" {
		t.Errorf("Expected Port to be 8089, got %s", cfg.Port)
	}

	if cfg.Env != "development" {
		t.Errorf("Expected Env to be development, got %s", cfg.Env)
	}

	if cfg.Risk.MaxOrderSize != 500 {
		t.Errorf("Expected MaxOrderSize to be 500, got %v", cfg.Risk.MaxOrderSize)
	}

	if cfg.Risk.MinFreeCapitalPct != 0.1 {
		t.Errorf("Expected MinFreeCapitalPct to be 0.1, got %v", cfg.Risk.MinFreeCapitalPct)
	}

	if cfg.Broker.PartialFillCount != 1 {
		t.Errorf("Expected PartialFillCount to be 1, got %d", cfg.Broker.PartialFillCount)
	}

	if cfg.Database.Enabled {
		t.Error("Expected persistence to be disabled by default")
	}
}

func TestLoadWithCustomValues(t *testing.T) {
	os.Setenv("PORT", "9000")
	os.Setenv("ENV", "production")
	os.Setenv("RISK_MAX_ORDER_SIZE", "250")
	os.Setenv("BROKER_PARTIAL_FILL_COUNT", "3")
	os.Setenv("BROKER_FILL_LATENCY", "75ms")
	os.Setenv("LOG_LEVEL", "info")

	defer func() {
		os.Unsetenv("PORT")
		os.Unsetenv("ENV")
		os.Unsetenv("RISK_MAX_ORDER_SIZE")
		os.Unsetenv("BROKER_PARTIAL_FILL_COUNT")
		os.Unsetenv("BROKER_FILL_LATENCY")
		os.Unsetenv("LOG_LEVEL")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "9000" {
		t.Errorf("Expected Port to be 9000, got %s", cfg.Port)
	}

	if cfg.Env != "production" {
		t.Errorf("Expected Env to be production, got %s", cfg.Env)
	}

	if cfg.Risk.MaxOrderSize != 250 {
		t.Errorf("Expected MaxOrderSize to be 250, got %v", cfg.Risk.MaxOrderSize)
	}

	if cfg.Broker.PartialFillCount != 3 {
		t.Errorf("Expected PartialFillCount to be 3, got %d", cfg.Broker.PartialFillCount)
	}

	if cfg.Broker.FillLatency.Milliseconds() != 75 {
		t.Errorf("Expected FillLatency to be 75ms, got %s", cfg.Broker.FillLatency)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected LogLevel to be info, got %s", cfg.LogLevel)
	}
}

func TestValidatePersistenceRequiresURL(t *testing.T) {
	os.Setenv("PERSIST_ENABLED", "true")
	os.Unsetenv("DATABASE_URL")
	defer os.Unsetenv("PERSIST_ENABLED")

	_, err := Load()
	if err == nil {
		t.Error("Expected error when PERSIST_ENABLED=true without DATABASE_URL")
	}
}

func TestValidateInvalidEnv(t *testing.T) {
	os.Setenv("ENV", "sandbox")
	defer os.Unsetenv("ENV")

	_, err := Load()
	if err == nil {
		t.Error("Expected error for invalid ENV")
	}
}

func TestValidateRejectionRate(t *testing.T) {
	os.Setenv("BROKER_REJECTION_RATE", "1.5")
	defer os.Unsetenv("BROKER_REJECTION_RATE")

	_, err := Load()
	if err == nil {
		t.Error("Expected error for rejection rate > 1")
	}
}
