package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/fx-trader/internal/config"
	"github.com/atlas-desktop/fx-trader/internal/regime"
	"github.com/atlas-desktop/fx-trader/pkg/types"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}

	if cfg.App.Symbol != "EURUSD" {
		t.Errorf("Expected symbol EURUSD, got %s", cfg.App.Symbol)
	}
	if cfg.App.Calendar.CacheTTL != 15*time.Minute {
		t.Errorf("Expected 15m calendar TTL, got %v", cfg.App.Calendar.CacheTTL)
	}
	if len(cfg.App.Calendar.Countries) != 2 {
		t.Errorf("Expected 2 calendar countries, got %v", cfg.App.Calendar.Countries)
	}
	if cfg.Window.Size != 200 {
		t.Errorf("Expected window size 200, got %d", cfg.Window.Size)
	}
	if cfg.Orchestrator.FeedbackInterval != time.Hour {
		t.Errorf("Expected hourly feedback, got %v", cfg.Orchestrator.FeedbackInterval)
	}
	if len(cfg.Supervisor.ExitRegimes) != 2 || cfg.Supervisor.ExitRegimes[0] != regime.RegimeVolatile {
		t.Errorf("Unexpected exit regimes %v", cfg.Supervisor.ExitRegimes)
	}
	if cfg.Paper.InitialBalance != cfg.App.InitialCash || cfg.Feedback.InitialEquity != cfg.App.InitialCash {
		t.Error("Expected starting balances to follow initialCash")
	}
	if cfg.Feedback.ReportDir != cfg.App.ReportDir {
		t.Errorf("Expected report dir %s, got %s", cfg.App.ReportDir, cfg.Feedback.ReportDir)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "trader.yaml", `
app:
  symbol: GBPUSD
  timeframe: 5m
  initialCash: 25000
  kafka:
    brokers: ["localhost:9092"]
window:
  size: 300
orchestrator:
  signalInterval: 5m
regime:
  blackout:
    newsMargin: 45m
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.App.Symbol != "GBPUSD" || cfg.App.Timeframe != "5m" {
		t.Errorf("Expected GBPUSD 5m, got %s %s", cfg.App.Symbol, cfg.App.Timeframe)
	}
	if cfg.Window.Size != 300 {
		t.Errorf("Expected window size 300, got %d", cfg.Window.Size)
	}
	if cfg.Window.FetchCount != 10 {
		t.Errorf("Expected untouched fetch count 10, got %d", cfg.Window.FetchCount)
	}
	if cfg.Orchestrator.SignalInterval != 5*time.Minute {
		t.Errorf("Expected 5m signal interval, got %v", cfg.Orchestrator.SignalInterval)
	}
	if cfg.Regime.Blackout.NewsMargin != 45*time.Minute {
		t.Errorf("Expected 45m news margin, got %v", cfg.Regime.Blackout.NewsMargin)
	}
	if cfg.Regime.Blackout.FridayCutoffHour != 20 {
		t.Errorf("Expected default Friday cutoff, got %d", cfg.Regime.Blackout.FridayCutoffHour)
	}
	if len(cfg.App.Kafka.Brokers) != 1 {
		t.Errorf("Expected 1 broker, got %v", cfg.App.Kafka.Brokers)
	}
	if cfg.Paper.InitialBalance != 25000 {
		t.Errorf("Expected paper balance 25000, got %f", cfg.Paper.InitialBalance)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TRADER_APP_SYMBOL", "USDJPY")
	t.Setenv("TRADER_APP_CALENDAR_APIKEY", "secret")
	t.Setenv("TRADER_ORCHESTRATOR_EXECUTIONINTERVAL", "250ms")
	t.Setenv("TRADER_AGGREGATOR_THRESHOLD", "0.4")

	path := writeFile(t, "trader.yaml", "app:\n  symbol: GBPUSD\n")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.App.Symbol != "USDJPY" {
		t.Errorf("Expected environment to win, got %s", cfg.App.Symbol)
	}
	if cfg.App.Calendar.APIKey != "secret" {
		t.Errorf("Expected API key from environment, got %q", cfg.App.Calendar.APIKey)
	}
	if cfg.Orchestrator.ExecutionInterval != 250*time.Millisecond {
		t.Errorf("Expected 250ms execution interval, got %v", cfg.Orchestrator.ExecutionInterval)
	}
	if cfg.Aggregator.Threshold != 0.4 {
		t.Errorf("Expected threshold 0.4, got %f", cfg.Aggregator.Threshold)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"bad timeframe", "app:\n  timeframe: 7m\n", "app.timeframe"},
		{"window too small", "window:\n  size: 10\n", "window.size"},
		{"risk ceiling below floor", "risk:\n  limits:\n    floor: 0.05\n    ceiling: 0.01\n", "risk.limits.ceiling"},
		{"model outputs", "app:\n  model:\n    outputs: 2\n", "app.model.outputs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeFile(t, "trader.yaml", tt.body))
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !types.IsKind(err, types.KindFatalInit) {
				t.Errorf("Expected fatal init error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("Expected error to name %s, got %v", tt.field, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !types.IsKind(err, types.KindFatalInit) {
		t.Errorf("Expected fatal init error, got %v", err)
	}
}
