// Package config defines all configuration for the trading core.
// Config is loaded from a YAML file (default: configs/aethelgard.yaml)
// with overrides via AETHELGARD_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file.
type Config struct {
	Mode        string             `mapstructure:"mode"` // "live" or "paper"
	Scanner     ScannerConfig      `mapstructure:"scanner"`
	Market      MarketConfig       `mapstructure:"market"`
	Risk        RiskConfig         `mapstructure:"risk"`
	Jury        JuryConfig         `mapstructure:"jury"`
	Position    PositionConfig     `mapstructure:"position"`
	Tuner       TunerConfig        `mapstructure:"tuner"`
	Store       StoreConfig        `mapstructure:"store"`
	Broker      BrokerConfig       `mapstructure:"broker"`
	Metrics     MetricsConfig      `mapstructure:"metrics"`
	Logging     LoggingConfig      `mapstructure:"logging"`
	Instruments []InstrumentConfig `mapstructure:"instruments"`
}

// ScannerConfig drives the cadence loop.
type ScannerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	Workers         int           `mapstructure:"workers"`
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`
	Bars            int           `mapstructure:"bars"`
	StaleAfter      int           `mapstructure:"stale_after"` // consecutive failures before STALE
}

// MarketConfig points at the candle/tick data feed.
type MarketConfig struct {
	BaseURL       string  `mapstructure:"base_url"`
	WSURL         string  `mapstructure:"ws_url"`
	StreamEnabled bool    `mapstructure:"stream_enabled"`
	BurstLimit    float64 `mapstructure:"burst_limit"`
	RefillRate    float64 `mapstructure:"refill_rate"`
}

// RiskConfig sets the account-level guardrails.
type RiskConfig struct {
	PerTradeRiskPct      float64 `mapstructure:"per_trade_risk_pct"`
	MaxAccountRiskPct    float64 `mapstructure:"max_account_risk_pct"`
	MaxConsecutiveLosses int     `mapstructure:"max_consecutive_losses"`
	MaxPerSymbol         int     `mapstructure:"max_per_symbol"` // concentration cap across timeframes
	OvershootTolerance   float64 `mapstructure:"overshoot_tolerance"`
	AutoClearLockdown    bool    `mapstructure:"auto_clear_lockdown"`
}

// JuryConfig sets the promotion and demotion bars for strategy routing.
type JuryConfig struct {
	PromoteWinRate      float64       `mapstructure:"promote_win_rate"`
	PromoteProfitFactor float64       `mapstructure:"promote_profit_factor"`
	PromoteStreak       int           `mapstructure:"promote_streak"`
	PromoteMinTrades    int           `mapstructure:"promote_min_trades"`
	DemoteDrawdownPct   float64       `mapstructure:"demote_drawdown_pct"`
	DemoteLossStreak    int           `mapstructure:"demote_loss_streak"`
	Window              time.Duration `mapstructure:"window"`
	RingSize            int           `mapstructure:"ring_size"`
}

// PositionConfig tunes the open-position supervision loop.
type PositionConfig struct {
	EmergencyMultiple float64       `mapstructure:"emergency_multiple"` // of initial risk
	BreakevenMinAge   time.Duration `mapstructure:"breakeven_min_age"`
	ModificationCool  time.Duration `mapstructure:"modification_cooldown"`
	DailyModCap       int           `mapstructure:"daily_modification_cap"`
	FreezeMargin      float64       `mapstructure:"freeze_margin"` // freeze level multiplier
	ContestedRejects  int           `mapstructure:"contested_rejects"`
}

// TunerConfig bounds what the closing-loop tuner may change.
type TunerConfig struct {
	EveryNClosures int     `mapstructure:"every_n_closures"`
	LookbackTrades int     `mapstructure:"lookback_trades"`
	ADXMin         float64 `mapstructure:"adx_min"`
	ADXMax         float64 `mapstructure:"adx_max"`
	ATRMultMin     float64 `mapstructure:"atr_mult_min"`
	ATRMultMax     float64 `mapstructure:"atr_mult_max"`
	MinScoreFloor  float64 `mapstructure:"min_score_floor"`
	MinScoreCeil   float64 `mapstructure:"min_score_ceil"`
	RiskPctMin     float64 `mapstructure:"risk_pct_min"`
	RiskPctMax     float64 `mapstructure:"risk_pct_max"`
}

// StoreConfig selects the database. A plain path opens SQLite; a
// postgres:// DSN opens Postgres.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"`
}

// BrokerConfig names the connector and tunes its circuit breaker.
type BrokerConfig struct {
	Connector        string        `mapstructure:"connector"`
	BreakerMaxReqs   uint32        `mapstructure:"breaker_max_requests"`
	BreakerInterval  time.Duration `mapstructure:"breaker_interval"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
	BreakerMinReqs   uint32        `mapstructure:"breaker_min_requests"`
	BreakerFailRatio float64       `mapstructure:"breaker_failure_ratio"`
}

// MetricsConfig controls the ops listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// InstrumentConfig enables one symbol for scanning.
type InstrumentConfig struct {
	Symbol     string   `mapstructure:"symbol"`
	Timeframes []string `mapstructure:"timeframes"`
	Enabled    bool     `mapstructure:"enabled"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("AETHELGARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Sensitive overrides from env, for systemd/container deploys.
	if dsn := os.Getenv("AETHELGARD_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if mode := os.Getenv("AETHELGARD_MODE"); mode != "" {
		cfg.Mode = mode
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "paper")
	v.SetDefault("scanner.interval", "10s")
	v.SetDefault("scanner.workers", 8)
	v.SetDefault("scanner.provider_timeout", "5s")
	v.SetDefault("scanner.bars", 240)
	v.SetDefault("scanner.stale_after", 3)
	v.SetDefault("market.burst_limit", 20)
	v.SetDefault("market.refill_rate", 10)
	v.SetDefault("risk.per_trade_risk_pct", 1.5)
	v.SetDefault("risk.max_account_risk_pct", 6.0)
	v.SetDefault("risk.max_consecutive_losses", 3)
	v.SetDefault("risk.max_per_symbol", 2)
	v.SetDefault("risk.overshoot_tolerance", 1.10)
	v.SetDefault("risk.auto_clear_lockdown", false)
	v.SetDefault("jury.promote_win_rate", 0.55)
	v.SetDefault("jury.promote_profit_factor", 1.5)
	v.SetDefault("jury.promote_streak", 5)
	v.SetDefault("jury.promote_min_trades", 20)
	v.SetDefault("jury.demote_drawdown_pct", 3.0)
	v.SetDefault("jury.demote_loss_streak", 3)
	v.SetDefault("jury.window", "24h")
	v.SetDefault("jury.ring_size", 20)
	v.SetDefault("position.emergency_multiple", 2.0)
	v.SetDefault("position.breakeven_min_age", "15m")
	v.SetDefault("position.modification_cooldown", "5m")
	v.SetDefault("position.daily_modification_cap", 10)
	v.SetDefault("position.freeze_margin", 1.10)
	v.SetDefault("position.contested_rejects", 3)
	v.SetDefault("tuner.every_n_closures", 5)
	v.SetDefault("tuner.lookback_trades", 30)
	v.SetDefault("tuner.adx_min", 15.0)
	v.SetDefault("tuner.adx_max", 35.0)
	v.SetDefault("tuner.atr_mult_min", 1.0)
	v.SetDefault("tuner.atr_mult_max", 4.0)
	v.SetDefault("tuner.min_score_floor", 40.0)
	v.SetDefault("tuner.min_score_ceil", 80.0)
	v.SetDefault("tuner.risk_pct_min", 0.25)
	v.SetDefault("tuner.risk_pct_max", 2.0)
	v.SetDefault("store.dsn", "aethelgard.db")
	v.SetDefault("broker.connector", "paper")
	v.SetDefault("broker.breaker_max_requests", 3)
	v.SetDefault("broker.breaker_interval", "60s")
	v.SetDefault("broker.breaker_timeout", "30s")
	v.SetDefault("broker.breaker_min_requests", 5)
	v.SetDefault("broker.breaker_failure_ratio", 0.6)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", true)
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Mode != "live" && c.Mode != "paper" {
		return fmt.Errorf("mode must be live or paper, got %q", c.Mode)
	}
	if c.Scanner.Interval <= 0 {
		return fmt.Errorf("scanner.interval must be > 0")
	}
	if c.Scanner.Workers <= 0 {
		return fmt.Errorf("scanner.workers must be > 0")
	}
	if c.Scanner.Bars < 64 {
		return fmt.Errorf("scanner.bars must be >= 64 for indicator warmup")
	}
	if c.Risk.PerTradeRiskPct <= 0 || c.Risk.PerTradeRiskPct > 5 {
		return fmt.Errorf("risk.per_trade_risk_pct must be in (0, 5]")
	}
	if c.Risk.MaxAccountRiskPct < c.Risk.PerTradeRiskPct {
		return fmt.Errorf("risk.max_account_risk_pct must be >= per_trade_risk_pct")
	}
	if c.Risk.MaxConsecutiveLosses <= 0 {
		return fmt.Errorf("risk.max_consecutive_losses must be > 0")
	}
	if c.Risk.OvershootTolerance < 1.0 {
		return fmt.Errorf("risk.overshoot_tolerance must be >= 1.0")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if c.Market.BaseURL == "" {
		return fmt.Errorf("market.base_url is required")
	}
	if len(c.Instruments) == 0 {
		return fmt.Errorf("at least one instrument is required")
	}
	for _, inst := range c.Instruments {
		if inst.Symbol == "" {
			return fmt.Errorf("instrument symbol must not be empty")
		}
		if len(inst.Timeframes) == 0 {
			return fmt.Errorf("instrument %s needs at least one timeframe", inst.Symbol)
		}
	}
	return nil
}
