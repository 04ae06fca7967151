/*
Package config loads service configuration.

SOURCES (later wins):
  1. DefaultConfig
  2. optional YAML file (-config flag)
  3. .env file in the working directory (if present)
  4. environment variables prefixed LEDGER_, dots become underscores:
       LEDGER_DB_DSN, LEDGER_REWARDS_UNLOCK_THRESHOLD, LEDGER_HTTP_PORT ...

Business constants (reward rate, unlock threshold, TTLs, windows) live
here, never in code.
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/salonhub/ledger-engine/ledger"
	"github.com/salonhub/ledger-engine/rewards"
)

const EnvPrefix = "LEDGER"

// HTTPConfig is the REST listener.
type HTTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// DBConfig selects the SQL driver. Driver is "sqlite3" or "postgres".
type DBConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

type RewardsConfig struct {
	Rate            string        `mapstructure:"rate"`
	UnlockThreshold int           `mapstructure:"unlock_threshold"`
	PointsTTL       time.Duration `mapstructure:"points_ttl"`
	ExpiringWindow  time.Duration `mapstructure:"expiring_window"`
}

type CommissionConfig struct {
	RollingWindow time.Duration `mapstructure:"rolling_window"`
	TiersFile     string        `mapstructure:"tiers_file"`
}

type SettlementConfig struct {
	Kinds   []string `mapstructure:"kinds"`
	Workers int      `mapstructure:"workers"`
}

type SchedulerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	SweepCron      string `mapstructure:"sweep_cron"`
	SettlementCron string `mapstructure:"settlement_cron"`
	RunOnStart     bool   `mapstructure:"run_on_start"`
}

type PayoutConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Config is the whole service configuration.
type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	DB         DBConfig         `mapstructure:"db"`
	Log        LogConfig        `mapstructure:"log"`
	Rewards    RewardsConfig    `mapstructure:"rewards"`
	Commission CommissionConfig `mapstructure:"commission"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Payout     PayoutConfig     `mapstructure:"payout"`
}

// DefaultConfig runs out of the box against a local SQLite file.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{Host: "0.0.0.0", Port: 8080, ShutdownTimeout: 10 * time.Second},
		DB:   DBConfig{Driver: "sqlite3", DSN: "ledger.db"},
		Log:  LogConfig{Level: "info", Format: "json"},
		Rewards: RewardsConfig{
			Rate:            "0.05",
			UnlockThreshold: 3,
			PointsTTL:       365 * 24 * time.Hour,
			ExpiringWindow:  30 * 24 * time.Hour,
		},
		Commission: CommissionConfig{RollingWindow: 30 * 24 * time.Hour},
		Settlement: SettlementConfig{Kinds: []string{string(ledger.KindCommission)}, Workers: 4},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			SweepCron:      "@daily",
			SettlementCron: "0 2 1 * *",
		},
		Payout: PayoutConfig{Timeout: 5 * time.Second},
	}
}

// Load reads path (may be empty), .env and the environment.
func Load(path string) (*Config, error) {
	// A missing .env is the normal case outside development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)
	v.SetDefault("db.driver", d.DB.Driver)
	v.SetDefault("db.dsn", d.DB.DSN)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("rewards.rate", d.Rewards.Rate)
	v.SetDefault("rewards.unlock_threshold", d.Rewards.UnlockThreshold)
	v.SetDefault("rewards.points_ttl", d.Rewards.PointsTTL)
	v.SetDefault("rewards.expiring_window", d.Rewards.ExpiringWindow)
	v.SetDefault("commission.rolling_window", d.Commission.RollingWindow)
	v.SetDefault("commission.tiers_file", d.Commission.TiersFile)
	v.SetDefault("settlement.kinds", d.Settlement.Kinds)
	v.SetDefault("settlement.workers", d.Settlement.Workers)
	v.SetDefault("scheduler.enabled", d.Scheduler.Enabled)
	v.SetDefault("scheduler.sweep_cron", d.Scheduler.SweepCron)
	v.SetDefault("scheduler.settlement_cron", d.Scheduler.SettlementCron)
	v.SetDefault("scheduler.run_on_start", d.Scheduler.RunOnStart)
	v.SetDefault("payout.webhook_url", d.Payout.WebhookURL)
	v.SetDefault("payout.timeout", d.Payout.Timeout)
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	switch c.DB.Driver {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("db.driver %q must be sqlite3 or postgres", c.DB.Driver))
	}
	if c.DB.DSN == "" {
		errs = append(errs, errors.New("db.dsn is required"))
	}
	if _, err := c.Program(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.SettlementKinds(); err != nil {
		errs = append(errs, err)
	}
	if c.Settlement.Workers <= 0 {
		errs = append(errs, fmt.Errorf("settlement.workers must be positive, got %d", c.Settlement.Workers))
	}
	return errors.Join(errs...)
}

// Program builds the reward program from the rewards and commission keys.
func (c *Config) Program() (rewards.Program, error) {
	rate, err := decimal.NewFromString(c.Rewards.Rate)
	if err != nil {
		return rewards.Program{}, fmt.Errorf("rewards.rate %q: %w", c.Rewards.Rate, err)
	}
	p := rewards.Program{
		RewardRate:      rate,
		UnlockThreshold: c.Rewards.UnlockThreshold,
		PointsTTL:       c.Rewards.PointsTTL,
		RollingWindow:   c.Commission.RollingWindow,
	}
	if err := p.Validate(); err != nil {
		return rewards.Program{}, err
	}
	return p, nil
}

// SettlementKinds parses settlement.kinds.
func (c *Config) SettlementKinds() ([]ledger.AccountKind, error) {
	kinds := make([]ledger.AccountKind, 0, len(c.Settlement.Kinds))
	for _, k := range c.Settlement.Kinds {
		kind := ledger.AccountKind(strings.ToUpper(strings.TrimSpace(k)))
		if !kind.Valid() {
			return nil, fmt.Errorf("settlement.kinds: unknown kind %q", k)
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}
