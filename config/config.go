package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"

	"escrowflow/escrow"
	"escrowflow/fee"
	"escrowflow/payment"
)

// Config is loaded from the environment once per process.
type Config struct {
	Database DatabaseConfig
	HTTP     HTTPConfig
	Auth     AuthConfig
	Fee      FeeConfig
	Timing   TimingConfig
	Sweep    SweepConfig
	Relay    RelayConfig
	Logging  LoggingConfig

	// SlipReview selects the payment gate: auto approves covering slips,
	// manual leaves them for an admin.
	SlipReview string `env:"SLIP_REVIEW" envDefault:"auto"`
}

type DatabaseConfig struct {
	URL      string `env:"DATABASE_URL"`
	Store    string `env:"ESCROW_STORE" envDefault:"postgres"`
	MaxConns int32  `env:"DB_MAX_CONNS" envDefault:"20"`
	MinConns int32  `env:"DB_MIN_CONNS" envDefault:"2"`
}

type HTTPConfig struct {
	Port            int           `env:"PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type AuthConfig struct {
	JWTSecret string `env:"JWT_SECRET"`
}

type FeeConfig struct {
	Percent   decimal.Decimal `env:"FEE_PERCENT" envDefault:"3.5"`
	Min       decimal.Decimal `env:"FEE_MIN" envDefault:"10"`
	Max       decimal.Decimal `env:"FEE_MAX" envDefault:"5000"`
	MinAmount decimal.Decimal `env:"MIN_TRANSACTION_AMOUNT" envDefault:"1"`
	MaxAmount decimal.Decimal `env:"MAX_TRANSACTION_AMOUNT" envDefault:"1000000"`
	Scale     int32           `env:"CURRENCY_SCALE" envDefault:"2"`
}

type TimingConfig struct {
	InviteTTL        time.Duration `env:"INVITE_TTL" envDefault:"168h"`
	TransactionTTL   time.Duration `env:"TRANSACTION_TTL" envDefault:"720h"`
	AutoReleaseHours int           `env:"AUTO_RELEASE_HOURS" envDefault:"72"`
}

type SweepConfig struct {
	Interval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	Batch       int           `env:"SWEEP_BATCH" envDefault:"100"`
	Concurrency int           `env:"SWEEP_CONCURRENCY" envDefault:"4"`
}

type RelayConfig struct {
	Interval    time.Duration `env:"RELAY_INTERVAL" envDefault:"2s"`
	Batch       int           `env:"RELAY_BATCH" envDefault:"50"`
	MaxAttempts int           `env:"RELAY_MAX_ATTEMPTS" envDefault:"10"`
}

type LoggingConfig struct {
	Level         string `env:"LOG_LEVEL" envDefault:"info"`
	Format        string `env:"LOG_FORMAT" envDefault:"json"`
	IncludeCaller bool   `env:"LOG_CALLER" envDefault:"false"`
}

// Load parses the environment and validates cross-field constraints.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Store {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("config: DATABASE_URL required for postgres store")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown ESCROW_STORE %q", c.Database.Store)
	}
	switch strings.ToLower(c.SlipReview) {
	case "auto", "manual":
	default:
		return fmt.Errorf("config: unknown SLIP_REVIEW %q", c.SlipReview)
	}
	if c.Timing.AutoReleaseHours <= 0 {
		return fmt.Errorf("config: AUTO_RELEASE_HOURS must be positive")
	}
	if err := c.FeePolicy().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// FeePolicy projects the fee settings onto the calculator's policy.
func (c *Config) FeePolicy() fee.Policy {
	return fee.Policy{
		Percent:   c.Fee.Percent,
		MinFee:    c.Fee.Min,
		MaxFee:    c.Fee.Max,
		MinAmount: c.Fee.MinAmount,
		MaxAmount: c.Fee.MaxAmount,
		Scale:     c.Fee.Scale,
	}
}

// AutoRelease is the window between delivery and automatic release.
func (c *Config) AutoRelease() time.Duration {
	return time.Duration(c.Timing.AutoReleaseHours) * time.Hour
}

// EngineOptions projects lifecycle settings onto the escrow engine.
func (c *Config) EngineOptions() escrow.Options {
	return escrow.Options{
		FeePolicy:        c.FeePolicy(),
		InviteTTL:        c.Timing.InviteTTL,
		TransactionTTL:   c.Timing.TransactionTTL,
		AutoReleaseAfter: c.AutoRelease(),
		SlipPolicy:       payment.PolicyFor(strings.ToLower(c.SlipReview)),
	}
}
