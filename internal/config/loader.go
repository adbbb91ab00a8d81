package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/trenfi/position-engine/internal/fixed"
)

// EnvPrefix prefixes every environment override, e.g. POSENG_HTTP_PORT.
const EnvPrefix = "POSENG"

// Load reads configuration in priority order:
//  1. Default values (the reference deployment)
//  2. Configuration file, if path is set
//  3. Environment variables (POSENG_ prefix)
//
// Load sets fixed.Precision to the configured scale before validating
// amounts.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.FixedPointScale < 0 || cfg.FixedPointScale > 36 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidScale, cfg.FixedPointScale)
	}
	fixed.Precision = int32(cfg.FixedPointScale)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults mirrors the reference deployment.
func setDefaults(v *viper.Viper) {
	v.SetDefault("fixed_point_scale", 18)

	v.SetDefault("protocol.liquidation_reserve", "200")
	v.SetDefault("protocol.minimum_net_debt", "1800")
	v.SetDefault("protocol.minimum_ratio", "1.1")
	v.SetDefault("protocol.critical_ratio", "1.5")

	// 12 hour half-life
	v.SetDefault("fees.minute_decay_factor", "0.999037758833783000")
	v.SetDefault("fees.beta", 2)
	v.SetDefault("fees.min_borrowing_rate", "0.005")
	v.SetDefault("fees.max_borrowing_rate", "0.05")
	v.SetDefault("fees.min_redemption_rate", "0.005")

	v.SetDefault("redemption.slippage_tolerance", "0.001")
	v.SetDefault("redemption.max_iterations", 0)

	v.SetDefault("store.fallback_refresh", "30s")
	v.SetDefault("store.tick_debounce", "50ms")

	v.SetDefault("user_address", "")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.request_timeout", "30s")

	// Empty URLs select the in-memory history and disable the read cache.
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("redis_ttl", "10m")

	v.SetDefault("simulation.positions", 200)
	v.SetDefault("simulation.price", "2000")
	v.SetDefault("simulation.block_time", "12s")
	v.SetDefault("simulation.seed", 1)
	v.SetDefault("simulation.price_jitter", "0.01")
}
