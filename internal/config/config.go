// Package config loads the engine's top-level configuration from a YAML
// file, with a handful of deployment-sensitive fields overridable via
// PERPENGINE_* environment variables — the same viper-based layered
// pattern the market-making bot uses (internal/config/config.go): a single
// mapstructure-tagged tree, ReadInConfig against a path, then targeted env
// overrides for anything that shouldn't live in a checked-in file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/perpengine/matching-engine/internal/engine/types"
)

// Config is the top-level engine configuration. Maps directly to the YAML
// file structure.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Markets    []MarketConfig   `mapstructure:"markets"`
	Funding    FundingConfig    `mapstructure:"funding"`
	PriceAgg   PriceAggConfig   `mapstructure:"price_agg"`
	Liquidation LiquidationConfig `mapstructure:"liquidation"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds the HTTP ingress's listen settings.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// EngineConfig tunes the disruptor ring buffer and durable event log.
type EngineConfig struct {
	RingBufferSize    int    `mapstructure:"ring_buffer_size"`
	BatchSize         int    `mapstructure:"batch_size"`
	FlushIntervalMs   int    `mapstructure:"flush_interval_ms"`
	EventLogPath      string `mapstructure:"event_log_path"`
	EventLogSyncMode  bool   `mapstructure:"event_log_sync_mode"`
}

// MarketConfig defines one tradeable perpetual-futures market: its symbol
// (the operator-facing name; MarketID is derived from it deterministically
// via types.DeriveMarketID), tick/lot/size bounds, fees, and leverage/
// maintenance-margin parameters.
type MarketConfig struct {
	Symbol          string  `mapstructure:"symbol"`
	TickSize        float64 `mapstructure:"tick_size"`
	LotSize         float64 `mapstructure:"lot_size"`
	MinSize         float64 `mapstructure:"min_size"`
	MaxSize         float64 `mapstructure:"max_size"`
	MakerFeeRate    float64 `mapstructure:"maker_fee_rate"`
	TakerFeeRate    float64 `mapstructure:"taker_fee_rate"`
	MaxLeverage     float64 `mapstructure:"max_leverage"`
	MaintenanceRate float64 `mapstructure:"maintenance_rate"`
	MaxPositionSize float64 `mapstructure:"max_position_size"`
}

// MarketID derives this market's stable identifier from its symbol.
func (m MarketConfig) MarketID() types.MarketID {
	return types.DeriveMarketID(m.Symbol)
}

// FundingConfig tunes the periodic funding-rate computation, per spec
// §4.5.
type FundingConfig struct {
	IntervalSeconds int     `mapstructure:"interval_seconds"`
	EMAAlpha        float64 `mapstructure:"ema_alpha"`
	MaxRate         float64 `mapstructure:"max_rate"`
}

// PriceAggConfig tunes the index/mark price aggregator and its circuit
// breaker, per spec §4.6.
type PriceAggConfig struct {
	StalenessThresholdSec int     `mapstructure:"staleness_threshold_sec"`
	OutlierThreshold      float64 `mapstructure:"outlier_threshold"`
	EMAAlpha              float64 `mapstructure:"ema_alpha"`
	IndexStepThreshold    float64 `mapstructure:"index_step_threshold"`
	MarkIndexThreshold    float64 `mapstructure:"mark_index_threshold"`
	TickIntervalMs        int     `mapstructure:"tick_interval_ms"`
}

// LiquidationConfig tunes the liquidation detector and executor, per spec
// §4.4.
type LiquidationConfig struct {
	ScanIntervalMs    int     `mapstructure:"scan_interval_ms"`
	MinViableSize     float64 `mapstructure:"min_viable_size"`
	InsuranceFundSeed float64 `mapstructure:"insurance_fund_seed"`
}

// SnapshotConfig tunes the periodic snapshot writer, per spec §4.8.
type SnapshotConfig struct {
	Dir             string `mapstructure:"dir"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	MaxSnapshots    int    `mapstructure:"max_snapshots"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with PERPENGINE_* env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PERPENGINE")
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

	if port := os.Getenv("PERPENGINE_SERVER_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = parsed
		}
	}
	if path := os.Getenv("PERPENGINE_EVENT_LOG_PATH"); path != "" {
		cfg.Engine.EventLogPath = path
	}
	if dir := os.Getenv("PERPENGINE_SNAPSHOT_DIR"); dir != "" {
		cfg.Snapshot.Dir = dir
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("engine.ring_buffer_size", 8192)
	v.SetDefault("engine.batch_size", 1000)
	v.SetDefault("engine.flush_interval_ms", 10)
	v.SetDefault("engine.event_log_path", "events.log")
	v.SetDefault("engine.event_log_sync_mode", false)
	v.SetDefault("funding.interval_seconds", 3600)
	v.SetDefault("funding.ema_alpha", 0.05)
	v.SetDefault("funding.max_rate", 0.0075)
	v.SetDefault("price_agg.staleness_threshold_sec", 5)
	v.SetDefault("price_agg.outlier_threshold", 0.05)
	v.SetDefault("price_agg.ema_alpha", 0.05)
	v.SetDefault("price_agg.index_step_threshold", 0.10)
	v.SetDefault("price_agg.mark_index_threshold", 0.05)
	v.SetDefault("price_agg.tick_interval_ms", 1000)
	v.SetDefault("liquidation.scan_interval_ms", 500)
	v.SetDefault("liquidation.min_viable_size", 0.01)
	v.SetDefault("liquidation.insurance_fund_seed", 1_000_000.0)
	v.SetDefault("snapshot.dir", "snapshots")
	v.SetDefault("snapshot.interval_seconds", 60)
	v.SetDefault("snapshot.max_snapshots", 100)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Dump renders the fully-resolved configuration (defaults, file values and
// env overrides all merged) back to YAML, for logging at startup so an
// operator can see exactly what the process is running with without
// re-reading the YAML file and every PERPENGINE_* variable by hand.
func (c *Config) Dump() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(out), nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Markets) == 0 {
		return fmt.Errorf("at least one market must be configured")
	}
	seen := make(map[string]bool, len(c.Markets))
	for _, m := range c.Markets {
		if m.Symbol == "" {
			return fmt.Errorf("markets[]: symbol is required")
		}
		if seen[m.Symbol] {
			return fmt.Errorf("markets[]: duplicate symbol %q", m.Symbol)
		}
		seen[m.Symbol] = true
		if m.TickSize <= 0 {
			return fmt.Errorf("market %s: tick_size must be > 0", m.Symbol)
		}
		if m.LotSize <= 0 {
			return fmt.Errorf("market %s: lot_size must be > 0", m.Symbol)
		}
		if m.MaxLeverage <= 0 {
			return fmt.Errorf("market %s: max_leverage must be > 0", m.Symbol)
		}
		if m.MaintenanceRate <= 0 {
			return fmt.Errorf("market %s: maintenance_rate must be > 0", m.Symbol)
		}
	}
	if c.Engine.RingBufferSize <= 0 || c.Engine.RingBufferSize&(c.Engine.RingBufferSize-1) != 0 {
		return fmt.Errorf("engine.ring_buffer_size must be a power of two")
	}
	if c.Snapshot.MaxSnapshots <= 0 {
		return fmt.Errorf("snapshot.max_snapshots must be > 0")
	}
	return nil
}
