package config

import (
	"testing"
	"time"
)

func TestLoadRequiresDSN(t *testing.T) {
	t.Setenv("DATABASE_DSN", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without DATABASE_DSN")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_DSN", "postgres://localhost/engine")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.Lease != 30*time.Second {
		t.Errorf("lease = %v, want 30s", cfg.Queue.Lease)
	}
	if cfg.Safety.SupervisorInterval != 5*time.Second {
		t.Errorf("supervisor interval = %v, want 5s", cfg.Safety.SupervisorInterval)
	}
	if cfg.Safety.UnhedgedTimeout != 5*time.Second {
		t.Errorf("unhedged timeout = %v, want 5s", cfg.Safety.UnhedgedTimeout)
	}
	if cfg.Regime.Tick != time.Second {
		t.Errorf("regime tick = %v, want 1s", cfg.Regime.Tick)
	}
	if cfg.HTTP.Addr() != "0.0.0.0:8080" {
		t.Errorf("addr = %s", cfg.HTTP.Addr())
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_DSN", "postgres://localhost/engine")
	t.Setenv("QUEUE_LEASE_SECONDS", "45")
	t.Setenv("SAFETY_CAPITAL", "2500000")
	t.Setenv("EXECUTION_PAPER", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.Lease != 45*time.Second {
		t.Errorf("lease = %v", cfg.Queue.Lease)
	}
	if cfg.Safety.Capital != 2_500_000 {
		t.Errorf("capital = %v", cfg.Safety.Capital)
	}
	if cfg.Execution.Paper {
		t.Error("paper mode should be disabled")
	}
}

func TestLoadRejectsBadNumber(t *testing.T) {
	t.Setenv("DATABASE_DSN", "postgres://localhost/engine")
	t.Setenv("SAFETY_MAX_DAILY_LOSS_PCT", "five")
	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadLotSizes(t *testing.T) {
	t.Setenv("DATABASE_DSN", "postgres://localhost/engine")
	t.Setenv("LOT_SIZES", "nifty:75, BANKNIFTY:35")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sizing.LotSizes["NIFTY"] != 75 || cfg.Sizing.LotSizes["BANKNIFTY"] != 35 {
		t.Errorf("lot sizes = %v", cfg.Sizing.LotSizes)
	}

	t.Setenv("LOT_SIZES", "NIFTY=75")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed LOT_SIZES")
	}
}
