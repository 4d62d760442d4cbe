package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
trading_mode: live
universe: [AAPL, MSFT]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.InitialCapital != 30000 {
		t.Fatalf("want default capital 30000, got %.0f", cfg.InitialCapital)
	}
	if cfg.Sizing.MinPositionValue != 1500 || cfg.Sizing.MaxPositionValue != 3000 {
		t.Fatalf("want default sizing 1500/3000, got %+v", cfg.Sizing)
	}
	if cfg.Selector.MaxPositions != 10 || cfg.Selector.MinRanking != 70 {
		t.Fatalf("want default selector 10/70, got %+v", cfg.Selector)
	}
	if cfg.Selector.Strategy != "fixtures" {
		t.Fatalf("want default strategy fixtures, got %q", cfg.Selector.Strategy)
	}
	if cfg.Risk.MaxDailyLoss != 1000 || cfg.Risk.StopLossPct != 0.05 {
		t.Fatalf("want default risk params, got %+v", cfg.Risk)
	}
	if cfg.Live.PollIntervalSecs != 60 || cfg.Live.MaxRetries != 3 || cfg.Live.RetryDelaySecs != 5 {
		t.Fatalf("want default live settings, got %+v", cfg.Live)
	}
	if cfg.Audit.Sink != "none" {
		t.Fatalf("want default sink none, got %s", cfg.Audit.Sink)
	}
}

func TestLoad_ExplicitValuesWin(t *testing.T) {
	path := writeConfig(t, `
trading_mode: backtest
initial_capital: 50000
slippage_pct: 0.3
selector:
  max_positions: 5
  min_ranking: 80
risk:
  max_daily_loss: 2500
paper:
  commission_per_share: 0.01
backtest:
  start: 2024-01-02
  end: 2024-06-28
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.InitialCapital != 50000 || cfg.SlippagePct != 0.3 {
		t.Fatalf("explicit values dropped: %+v", cfg)
	}
	if cfg.Selector.MaxPositions != 5 || cfg.Risk.MaxDailyLoss != 2500 {
		t.Fatalf("explicit values dropped: %+v %+v", cfg.Selector, cfg.Risk)
	}
	if cfg.Paper.CommissionPerShare != 0.01 {
		t.Fatalf("want commission 0.01, got %v", cfg.Paper.CommissionPerShare)
	}
	// Unset risk fields still fall back.
	if cfg.Risk.MinAccountBalance != 5000 {
		t.Fatalf("want default min balance 5000, got %.0f", cfg.Risk.MinAccountBalance)
	}
}

func TestLoad_RejectsInvertedBacktestWindow(t *testing.T) {
	path := writeConfig(t, `
trading_mode: backtest
backtest:
  start: 2024-06-28
  end: 2024-01-02
`)
	_, err := Load(path)
	var verr ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	if verr.Field != "backtest" {
		t.Fatalf("want backtest field, got %s", verr.Field)
	}
}

func TestLoad_RejectsBadMode(t *testing.T) {
	path := writeConfig(t, "trading_mode: yolo\n")
	if _, err := Load(path); err == nil {
		t.Fatal("want error for unknown mode")
	}
}

func TestLoad_RejectsBadRisk(t *testing.T) {
	path := writeConfig(t, `
trading_mode: live
risk:
  max_portfolio_exposure: 1.7
`)
	if _, err := Load(path); err == nil {
		t.Fatal("want error for exposure > 1")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("want error for missing file")
	}
}
