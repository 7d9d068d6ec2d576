package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/payment"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ESCROW_STORE", "memory")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Fee.Percent.Equal(decimal.RequireFromString("3.5")) {
		t.Fatalf("fee percent = %s", cfg.Fee.Percent)
	}
	if !cfg.Fee.Max.Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("fee max = %s", cfg.Fee.Max)
	}
	if cfg.AutoRelease() != 72*time.Hour {
		t.Fatalf("auto release = %v", cfg.AutoRelease())
	}
	if cfg.Timing.InviteTTL != 168*time.Hour {
		t.Fatalf("invite ttl = %v", cfg.Timing.InviteTTL)
	}
	if cfg.Sweep.Interval != time.Minute || cfg.Sweep.Concurrency != 4 {
		t.Fatalf("sweep config = %+v", cfg.Sweep)
	}
	if _, ok := cfg.EngineOptions().SlipPolicy.(payment.AutoPolicy); !ok {
		t.Fatalf("expected auto slip policy")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ESCROW_STORE", "memory")
	t.Setenv("FEE_PERCENT", "2.25")
	t.Setenv("AUTO_RELEASE_HOURS", "24")
	t.Setenv("SLIP_REVIEW", "manual")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	opts := cfg.EngineOptions()
	if !opts.FeePolicy.Percent.Equal(decimal.RequireFromString("2.25")) {
		t.Fatalf("fee percent = %s", opts.FeePolicy.Percent)
	}
	if opts.AutoReleaseAfter != 24*time.Hour {
		t.Fatalf("auto release = %v", opts.AutoReleaseAfter)
	}
	if _, ok := opts.SlipPolicy.(payment.ManualPolicy); !ok {
		t.Fatalf("expected manual slip policy")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"postgres without url": {"ESCROW_STORE": "postgres", "DATABASE_URL": ""},
		"unknown store":        {"ESCROW_STORE": "redis"},
		"unknown slip review":  {"ESCROW_STORE": "memory", "SLIP_REVIEW": "sometimes"},
		"min fee above max":    {"ESCROW_STORE": "memory", "FEE_MIN": "100", "FEE_MAX": "10"},
		"percent above 100":    {"ESCROW_STORE": "memory", "FEE_PERCENT": "101"},
		"zero release window":  {"ESCROW_STORE": "memory", "AUTO_RELEASE_HOURS": "0"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range vars {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
