// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Accounts   []string         `yaml:"accounts"`
	Protection ProtectionConfig `yaml:"protection"`
	Leverage   LeverageConfig   `yaml:"leverage"`
	RateMode   RateModeConfig   `yaml:"rate_mode"`
	Arbitrage  ArbitrageConfig  `yaml:"arbitrage"`
	Market     MarketConfig     `yaml:"market"`
	System     SystemConfig     `yaml:"system"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Recorder   RecorderConfig   `yaml:"recorder"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Pool       PoolConfig       `yaml:"pool"`
}

// ProtectionConfig tunes the protection controller state machine
type ProtectionConfig struct {
	// TriggerHealthFactor enters Protecting when the health factor drops
	// below it (default 1.5, i.e. tiers High and worse)
	TriggerHealthFactor float64 `yaml:"trigger_health_factor"`
	// TargetHealthFactor is the post-repayment floor (must be > 1.0)
	TargetHealthFactor float64 `yaml:"target_health_factor"`
	// MaxIntentRetries bounds repay/swap resubmissions per tick
	MaxIntentRetries int `yaml:"max_intent_retries"`
	// IntentTimeoutSeconds bounds each collaborator call
	IntentTimeoutSeconds int `yaml:"intent_timeout_seconds"`
	// TickSchedule is a cron spec for scheduled evaluation ticks
	TickSchedule string `yaml:"tick_schedule"`
	// AutoSwapRateMode submits swap_rate_mode intents when the optimizer
	// recommends a switch; off by default (recommendations are still logged)
	AutoSwapRateMode bool `yaml:"auto_swap_rate_mode"`
}

// LeverageConfig tunes the loop planner
type LeverageConfig struct {
	MaxCycles                int     `yaml:"max_cycles"`
	MinHealthFactorAfterPlan float64 `yaml:"min_health_factor_after_plan"`
}

// RateModeConfig tunes the stable/variable optimizer
type RateModeConfig struct {
	// SwitchThreshold is the hysteresis band in rate points (default 0.005)
	SwitchThreshold float64 `yaml:"switch_threshold"`
}

// ArbitrageConfig tunes flash-loan gating
type ArbitrageConfig struct {
	MinProfitUSD float64 `yaml:"min_profit_usd"`
}

// MarketConfig tunes snapshot fetching
type MarketConfig struct {
	SnapshotCacheMillis    int `yaml:"snapshot_cache_millis"`
	StaleToleranceMillis   int `yaml:"stale_tolerance_millis"`
	RequestTimeoutSeconds  int `yaml:"request_timeout_seconds"`
	RefreshRatePerSecond   int `yaml:"refresh_rate_per_second"`
	BreakerFailures        int `yaml:"breaker_failures"`
	BreakerWindow          int `yaml:"breaker_window"`
	BreakerCooldownSeconds int `yaml:"breaker_cooldown_seconds"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// AlertsConfig wires operator alert channels
type AlertsConfig struct {
	SlackWebhookURL  string `yaml:"slack_webhook_url"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// RecorderConfig controls the sqlite audit trail
type RecorderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// PoolConfig contains worker pool settings for parallel account evaluation
type PoolConfig struct {
	MaxWorkers  int `yaml:"max_workers"`
	MaxCapacity int `yaml:"max_capacity"`
}

// ValidationError represents a configuration validation error. All
// threshold mistakes surface here, at construction, never at runtime.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := os.Expand(string(data), os.Getenv)

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Protection.TriggerHealthFactor == 0 {
		c.Protection.TriggerHealthFactor = 1.5
	}
	if c.Protection.TargetHealthFactor == 0 {
		c.Protection.TargetHealthFactor = 2.0
	}
	if c.Protection.MaxIntentRetries == 0 {
		c.Protection.MaxIntentRetries = 2
	}
	if c.Protection.IntentTimeoutSeconds == 0 {
		c.Protection.IntentTimeoutSeconds = 30
	}
	if c.Protection.TickSchedule == "" {
		c.Protection.TickSchedule = "@every 15s"
	}
	if c.Leverage.MaxCycles == 0 {
		c.Leverage.MaxCycles = 10
	}
	if c.Leverage.MinHealthFactorAfterPlan == 0 {
		c.Leverage.MinHealthFactorAfterPlan = 1.3
	}
	if c.RateMode.SwitchThreshold == 0 {
		c.RateMode.SwitchThreshold = 0.005
	}
	if c.Arbitrage.MinProfitUSD == 0 {
		c.Arbitrage.MinProfitUSD = 10
	}
	if c.Market.SnapshotCacheMillis == 0 {
		c.Market.SnapshotCacheMillis = 500
	}
	if c.Market.StaleToleranceMillis == 0 {
		c.Market.StaleToleranceMillis = 5000
	}
	if c.Market.RequestTimeoutSeconds == 0 {
		c.Market.RequestTimeoutSeconds = 10
	}
	if c.Market.RefreshRatePerSecond == 0 {
		c.Market.RefreshRatePerSecond = 5
	}
	if c.Market.BreakerFailures == 0 {
		c.Market.BreakerFailures = 5
	}
	if c.Market.BreakerWindow == 0 {
		c.Market.BreakerWindow = 10
	}
	if c.Market.BreakerCooldownSeconds == 0 {
		c.Market.BreakerCooldownSeconds = 10
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Pool.MaxWorkers == 0 {
		c.Pool.MaxWorkers = 8
	}
	if c.Pool.MaxCapacity == 0 {
		c.Pool.MaxCapacity = 64
	}
	if c.Recorder.Enabled && c.Recorder.Path == "" {
		c.Recorder.Path = "lending_engine.db"
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateProtection(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateLeverage(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateRateMode(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateMarket(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateProtection() error {
	if c.Protection.TargetHealthFactor <= 1.0 {
		return ValidationError{
			Field:   "protection.target_health_factor",
			Value:   c.Protection.TargetHealthFactor,
			Message: "must be above 1.0; a target at or below 1.0 leaves the position liquidatable",
		}
	}
	if c.Protection.TriggerHealthFactor <= 1.0 {
		return ValidationError{
			Field:   "protection.trigger_health_factor",
			Value:   c.Protection.TriggerHealthFactor,
			Message: "must be above 1.0",
		}
	}
	if c.Protection.TriggerHealthFactor > c.Protection.TargetHealthFactor {
		return ValidationError{
			Field:   "protection.trigger_health_factor",
			Value:   c.Protection.TriggerHealthFactor,
			Message: "must not exceed target_health_factor",
		}
	}
	if c.Protection.MaxIntentRetries < 1 || c.Protection.MaxIntentRetries > 10 {
		return ValidationError{
			Field:   "protection.max_intent_retries",
			Value:   c.Protection.MaxIntentRetries,
			Message: "must be between 1 and 10",
		}
	}
	return nil
}

func (c *Config) validateLeverage() error {
	if c.Leverage.MaxCycles < 1 || c.Leverage.MaxCycles > 50 {
		return ValidationError{
			Field:   "leverage.max_cycles",
			Value:   c.Leverage.MaxCycles,
			Message: "must be between 1 and 50",
		}
	}
	if c.Leverage.MinHealthFactorAfterPlan <= 1.0 {
		return ValidationError{
			Field:   "leverage.min_health_factor_after_plan",
			Value:   c.Leverage.MinHealthFactorAfterPlan,
			Message: "must be above 1.0; planning down to the liquidation line defeats the floor",
		}
	}
	return nil
}

func (c *Config) validateRateMode() error {
	if c.RateMode.SwitchThreshold < 0 || c.RateMode.SwitchThreshold > 0.5 {
		return ValidationError{
			Field:   "rate_mode.switch_threshold",
			Value:   c.RateMode.SwitchThreshold,
			Message: "must be between 0 and 0.5",
		}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateMarket() error {
	if c.Market.SnapshotCacheMillis < 0 || c.Market.SnapshotCacheMillis > 1000 {
		return ValidationError{
			Field:   "market.snapshot_cache_millis",
			Value:   c.Market.SnapshotCacheMillis,
			Message: "snapshot cache must stay sub-second (0-1000)",
		}
	}
	if c.Market.StaleToleranceMillis < c.Market.SnapshotCacheMillis {
		return ValidationError{
			Field:   "market.stale_tolerance_millis",
			Value:   c.Market.StaleToleranceMillis,
			Message: "stale tolerance must be at least the cache window",
		}
	}
	if c.Market.RequestTimeoutSeconds < 1 || c.Market.RequestTimeoutSeconds > 120 {
		return ValidationError{
			Field:   "market.request_timeout_seconds",
			Value:   c.Market.RequestTimeoutSeconds,
			Message: "must be between 1 and 120",
		}
	}
	return nil
}

// TriggerHealthFactorDecimal returns the trigger threshold as a decimal
func (c *Config) TriggerHealthFactorDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.Protection.TriggerHealthFactor)
}

// TargetHealthFactorDecimal returns the repayment target as a decimal
func (c *Config) TargetHealthFactorDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.Protection.TargetHealthFactor)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	c := &Config{
		Accounts: []string{"0xtest"},
		System:   SystemConfig{LogLevel: "INFO"},
	}
	c.applyDefaults()
	return c
}
