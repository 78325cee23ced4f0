package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the single configuration value for the control plane.
// It is loaded once at startup; components never read the environment
// at call sites.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Metering MeteringConfig `yaml:"metering"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Payments PaymentsConfig `yaml:"payments"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Fleet    FleetConfig    `yaml:"fleet"`
	Vault    VaultConfig    `yaml:"vault"`
	Billing  BillingConfig  `yaml:"billing"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
	// AuthEnabled turns on API-key auth for /api/v1. BootstrapAPIKey
	// is a literal token accepted alongside stored keys so the first
	// real key can be minted.
	AuthEnabled     bool   `yaml:"auth_enabled"`
	BootstrapAPIKey string `yaml:"bootstrap_api_key"`
	// RateLimitPerMin caps requests per client per minute on the
	// webhook and gate routes. Zero disables limiting.
	RateLimitPerMin int `yaml:"rate_limit_per_minute"`
}

type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MeteringConfig struct {
	WALPath             string `yaml:"wal_path"`
	DLQPath             string `yaml:"dlq_path"`
	FlushIntervalSec    int    `yaml:"flush_interval_sec"`
	MaxFlushRetries     int    `yaml:"max_flush_retries"`
	PeriodMinutes       int    `yaml:"period_minutes"`
	LateArrivalGraceMin int    `yaml:"late_arrival_grace_minutes"`
}

// FlushInterval returns the flush ticker interval, defaulting to 60s.
func (m MeteringConfig) FlushInterval() time.Duration {
	if m.FlushIntervalSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(m.FlushIntervalSec) * time.Second
}

// Period returns the billing period length, defaulting to 5 minutes.
func (m MeteringConfig) Period() time.Duration {
	if m.PeriodMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(m.PeriodMinutes) * time.Minute
}

// LateArrivalGrace defaults to one period.
func (m MeteringConfig) LateArrivalGrace() time.Duration {
	if m.LateArrivalGraceMin <= 0 {
		return m.Period()
	}
	return time.Duration(m.LateArrivalGraceMin) * time.Minute
}

// MaxRetries returns the flush retry budget before an event goes to the DLQ.
func (m MeteringConfig) MaxRetries() int {
	if m.MaxFlushRetries <= 0 {
		return 5
	}
	return m.MaxFlushRetries
}

type GatewayConfig struct {
	GraceBufferCents int          `yaml:"grace_buffer_cents"`
	DefaultMargin    float64      `yaml:"default_margin"`
	MarginRules      []MarginRule `yaml:"margin_rules"`
	BalanceCacheTTL  int          `yaml:"balance_cache_ttl_sec"`
}

// MarginRule maps a provider + model glob to a cost multiplier.
type MarginRule struct {
	Provider   string  `yaml:"provider"`
	Model      string  `yaml:"model"` // glob: '*' matches any run of characters
	Multiplier float64 `yaml:"multiplier"`
}

type PaymentsConfig struct {
	WebhookSecret      string `yaml:"webhook_secret"`
	BridgeURL          string `yaml:"bridge_url"`
	BridgeAPIKey       string `yaml:"bridge_api_key"`
	TopupIntervalMin   int    `yaml:"topup_check_interval_minutes"`
	TopupMaxFailures   int    `yaml:"topup_max_failures"`
	TopupDefaultAmount int    `yaml:"topup_default_amount_cents"`
}

// TopupInterval returns the scheduler tick, defaulting to 15 minutes.
func (p PaymentsConfig) TopupInterval() time.Duration {
	if p.TopupIntervalMin <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(p.TopupIntervalMin) * time.Minute
}

// MaxTopupFailures returns the consecutive-failure cap, defaulting to 3.
func (p PaymentsConfig) MaxTopupFailures() int {
	if p.TopupMaxFailures <= 0 {
		return 3
	}
	return p.TopupMaxFailures
}

type SnapshotConfig struct {
	BasePath       string          `yaml:"base_path"`
	SweepIntervalH int             `yaml:"sweep_interval_hours"`
	HardDeleteLagH int             `yaml:"hard_delete_lag_hours"`
	Tiers          map[string]Tier `yaml:"tiers"`
}

// Tier bounds snapshot retention for a subscription tier.
type Tier struct {
	MaxCount      int `yaml:"max_count"`
	RetentionDays int `yaml:"retention_days"`
	OnDemandQuota int `yaml:"on_demand_quota"`
}

// SweepInterval is the cadence of the soft/hard delete sweep.
func (s SnapshotConfig) SweepInterval() time.Duration {
	if s.SweepIntervalH <= 0 {
		return time.Hour
	}
	return time.Duration(s.SweepIntervalH) * time.Hour
}

// HardDeleteLag is the trailing grace between soft and hard delete.
func (s SnapshotConfig) HardDeleteLag() time.Duration {
	if s.HardDeleteLagH <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(s.HardDeleteLagH) * time.Hour
}

type FleetConfig struct {
	WatchdogIntervalSec int `yaml:"watchdog_interval_sec"`
	HeartbeatTimeoutSec int `yaml:"heartbeat_timeout_sec"`
}

func (f FleetConfig) WatchdogInterval() time.Duration {
	if f.WatchdogIntervalSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(f.WatchdogIntervalSec) * time.Second
}

func (f FleetConfig) HeartbeatTimeout() time.Duration {
	if f.HeartbeatTimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(f.HeartbeatTimeoutSec) * time.Second
}

type VaultConfig struct {
	PlatformSecret string `yaml:"platform_secret"`
}

type BillingConfig struct {
	SeatPriceCents   int `yaml:"seat_price_cents"`
	DeductionDayUTC  int `yaml:"deduction_day_utc"`
	SuspendAfterDays int `yaml:"suspend_after_days"`
}

// LoadConfig reads and validates the YAML config at path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations that would silently misbill.
func (c *Config) Validate() error {
	if c.Gateway.DefaultMargin != 0 && (c.Gateway.DefaultMargin < 1.0 || c.Gateway.DefaultMargin > 3.0) {
		return fmt.Errorf("gateway.default_margin %.2f outside [1.0, 3.0]", c.Gateway.DefaultMargin)
	}
	for _, r := range c.Gateway.MarginRules {
		if r.Multiplier < 1.0 || r.Multiplier > 3.0 {
			return fmt.Errorf("margin rule %s/%s: multiplier %.2f outside [1.0, 3.0]", r.Provider, r.Model, r.Multiplier)
		}
	}
	if c.Payments.TopupMaxFailures < 0 {
		return fmt.Errorf("payments.topup_max_failures must be >= 0")
	}
	return nil
}

// GraceBuffer returns the gate's grace buffer in cents, defaulting to 50.
func (g GatewayConfig) GraceBuffer() int64 {
	if g.GraceBufferCents <= 0 {
		return 50
	}
	return int64(g.GraceBufferCents)
}

// Margin returns the default margin, defaulting to 1.5.
func (g GatewayConfig) Margin() float64 {
	if g.DefaultMargin == 0 {
		return 1.5
	}
	return g.DefaultMargin
}
