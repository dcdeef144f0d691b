// Package config defines all configuration for the target-position
// reconciliation daemon. Config is loaded from a YAML file (default:
// configs/config.yaml) with sensitive fields overridable via TQGO_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun  bool            `mapstructure:"dry_run"`
	Account AccountConfig   `mapstructure:"account"`
	Broker  BrokerConfig    `mapstructure:"broker"`
	Targets []TargetConfig  `mapstructure:"targets"`
	Trace   TraceConfig     `mapstructure:"trace"`
	Logging LoggingConfig   `mapstructure:"logging"`
}

// AccountConfig identifies the broker session this daemon trades under.
type AccountConfig struct {
	Key string `mapstructure:"key"`
}

// BrokerConfig selects and configures the account/quote runtime a
// TargetPosTask talks to. Mode "memory" drives internal/sim's in-process
// fake broker (the default, used for the demo harness); "ws" keeps that
// fake but feeds its quotes from an external WebSocket tick source
// (internal/sim's QuoteFeed); "http" replaces it with internal/sim's
// HTTPClient, which sends every broker call to an external order
// simulator over REST.
type BrokerConfig struct {
	Mode       string        `mapstructure:"mode"`
	WSURL      string        `mapstructure:"ws_url"`
	HTTPURL    string        `mapstructure:"http_url"`
	OrderRPS   float64       `mapstructure:"order_rps"`
	CancelRPS  float64       `mapstructure:"cancel_rps"`
	QueryRPS   float64       `mapstructure:"query_rps"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// TargetConfig declares one TargetPosTask to construct at startup: a
// symbol and its initial desired net position, plus the per-symbol
// construction parameters §6 exposes to callers.
type TargetConfig struct {
	Symbol         string `mapstructure:"symbol"`
	TargetVolume   int64  `mapstructure:"target_volume"`
	PriceMode      string `mapstructure:"price_mode"`
	OffsetPriority string `mapstructure:"offset_priority"`
	MinVolume      int64  `mapstructure:"min_volume"`
	MaxVolume      int64  `mapstructure:"max_volume"`
}

// TraceConfig controls the line-delimited JSON await/resume trace stream
// (§1.2/§6), kept independent of operational logging so it can be
// redirected to its own file.
type TraceConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive/operational fields use env vars: TQGO_ACCOUNT_KEY,
// TQGO_BROKER_HTTP_URL, TQGO_BROKER_WS_URL, TQGO_DRY_RUN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TQGO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("TQGO_ACCOUNT_KEY"); key != "" {
		cfg.Account.Key = key
	}
	if url := os.Getenv("TQGO_BROKER_HTTP_URL"); url != "" {
		cfg.Broker.HTTPURL = url
	}
	if url := os.Getenv("TQGO_BROKER_WS_URL"); url != "" {
		cfg.Broker.WSURL = url
	}
	if os.Getenv("TQGO_DRY_RUN") == "true" || os.Getenv("TQGO_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Broker.Mode == "" {
		c.Broker.Mode = "memory"
	}
	if c.Broker.OrderRPS == 0 {
		c.Broker.OrderRPS = 50
	}
	if c.Broker.CancelRPS == 0 {
		c.Broker.CancelRPS = 30
	}
	if c.Broker.QueryRPS == 0 {
		c.Broker.QueryRPS = 15
	}
	if c.Broker.RequestTimeout == 0 {
		c.Broker.RequestTimeout = 10 * time.Second
	}
	for i := range c.Targets {
		if c.Targets[i].OffsetPriority == "" {
			c.Targets[i].OffsetPriority = "今昨,开"
		}
		if c.Targets[i].PriceMode == "" {
			c.Targets[i].PriceMode = "ACTIVE"
		}
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Account.Key == "" {
		return fmt.Errorf("account.key is required (set TQGO_ACCOUNT_KEY)")
	}
	switch c.Broker.Mode {
	case "memory", "ws", "http":
	default:
		return fmt.Errorf("broker.mode must be one of: memory, ws, http")
	}
	if c.Broker.Mode == "ws" && c.Broker.WSURL == "" {
		return fmt.Errorf("broker.ws_url is required when broker.mode is ws")
	}
	if c.Broker.Mode == "http" && c.Broker.HTTPURL == "" {
		return fmt.Errorf("broker.http_url is required when broker.mode is http")
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target is required")
	}
	for i, t := range c.Targets {
		if t.Symbol == "" {
			return fmt.Errorf("targets[%d].symbol is required", i)
		}
		switch t.PriceMode {
		case "ACTIVE", "PASSIVE":
		default:
			return fmt.Errorf("targets[%d].price_mode must be ACTIVE or PASSIVE, got %q", i, t.PriceMode)
		}
		hasMin, hasMax := t.MinVolume != 0, t.MaxVolume != 0
		if hasMin != hasMax {
			return fmt.Errorf("targets[%d]: min_volume and max_volume must both be set or both be zero", i)
		}
		if hasMin && !(0 < t.MinVolume && t.MinVolume <= t.MaxVolume) {
			return fmt.Errorf("targets[%d]: min_volume/max_volume must satisfy 0 < min <= max, got (%d, %d)", i, t.MinVolume, t.MaxVolume)
		}
	}
	return nil
}
