// Package config loads the engine's configuration.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/trenfi/position-engine/internal/fees"
	"github.com/trenfi/position-engine/internal/fixed"
	"github.com/trenfi/position-engine/internal/hint"
	"github.com/trenfi/position-engine/internal/position"
	"github.com/trenfi/position-engine/internal/protocol"
)

// Config is the complete engine configuration. Amounts are kept as decimal
// strings until Validate has checked them.
type Config struct {
	FixedPointScale int              `mapstructure:"fixed_point_scale"`
	Protocol        ProtocolConfig   `mapstructure:"protocol"`
	Fees            FeesConfig       `mapstructure:"fees"`
	Redemption      RedemptionConfig `mapstructure:"redemption"`
	Store           StoreConfig      `mapstructure:"store"`
	UserAddress     string           `mapstructure:"user_address"`
	HTTP            HTTPConfig       `mapstructure:"http"`
	DatabaseURL     string           `mapstructure:"database_url"`
	RedisURL        string           `mapstructure:"redis_url"`
	RedisTTL        time.Duration    `mapstructure:"redis_ttl"`
	Simulation      SimulationConfig `mapstructure:"simulation"`
}

// ProtocolConfig holds the position rules.
type ProtocolConfig struct {
	LiquidationReserve string `mapstructure:"liquidation_reserve"`
	MinimumNetDebt     string `mapstructure:"minimum_net_debt"`
	MinimumRatio       string `mapstructure:"minimum_ratio"`
	CriticalRatio      string `mapstructure:"critical_ratio"`
}

// FeesConfig holds the fee model constants.
type FeesConfig struct {
	MinuteDecayFactor string `mapstructure:"minute_decay_factor"`
	Beta              uint64 `mapstructure:"beta"`
	MinBorrowingRate  string `mapstructure:"min_borrowing_rate"`
	MaxBorrowingRate  string `mapstructure:"max_borrowing_rate"`
	MinRedemptionRate string `mapstructure:"min_redemption_rate"`
}

// RedemptionConfig tunes redemption hint search.
type RedemptionConfig struct {
	SlippageTolerance string `mapstructure:"slippage_tolerance"`
	// MaxIterations bounds the positions one redemption may touch; zero
	// means unbounded.
	MaxIterations uint64 `mapstructure:"max_iterations"`
}

// StoreConfig tunes the protocol store's refresh cycle.
type StoreConfig struct {
	FallbackRefresh time.Duration `mapstructure:"fallback_refresh"`
	TickDebounce    time.Duration `mapstructure:"tick_debounce"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SimulationConfig configures the in-process ledger used by serve --simulate.
type SimulationConfig struct {
	Positions   int           `mapstructure:"positions"`
	Price       string        `mapstructure:"price"`
	BlockTime   time.Duration `mapstructure:"block_time"`
	Seed        uint64        `mapstructure:"seed"`
	PriceJitter string        `mapstructure:"price_jitter"`
}

var (
	ErrInvalidScale   = errors.New("config: fixed_point_scale must be between 0 and 36")
	ErrInvalidAmount  = errors.New("config: invalid amount")
	ErrInvalidAddress = errors.New("config: user_address is not a hex address")
	ErrInvalidPort    = errors.New("config: http.port out of range")
	ErrInvalidPeriod  = errors.New("config: duration must be positive")
)

// Validate checks every field. Amounts are parsed at the current
// fixed.Precision.
func (c *Config) Validate() error {
	if c.FixedPointScale < 0 || c.FixedPointScale > 36 {
		return fmt.Errorf("%w: %d", ErrInvalidScale, c.FixedPointScale)
	}

	amounts := map[string]string{
		"protocol.liquidation_reserve":  c.Protocol.LiquidationReserve,
		"protocol.minimum_net_debt":     c.Protocol.MinimumNetDebt,
		"protocol.minimum_ratio":        c.Protocol.MinimumRatio,
		"protocol.critical_ratio":       c.Protocol.CriticalRatio,
		"fees.minute_decay_factor":      c.Fees.MinuteDecayFactor,
		"fees.min_borrowing_rate":       c.Fees.MinBorrowingRate,
		"fees.max_borrowing_rate":       c.Fees.MaxBorrowingRate,
		"fees.min_redemption_rate":      c.Fees.MinRedemptionRate,
		"redemption.slippage_tolerance": c.Redemption.SlippageTolerance,
		"simulation.price":              c.Simulation.Price,
		"simulation.price_jitter":       c.Simulation.PriceJitter,
	}
	for key, s := range amounts {
		v, err := fixed.Parse(s)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidAmount, key, err)
		}
		if v.IsInfinite() {
			return fmt.Errorf("%w: %s is infinite", ErrInvalidAmount, key)
		}
	}
	if err := c.FeeParams().Validate(); err != nil {
		return fmt.Errorf("config: fees: %w", err)
	}

	if c.UserAddress != "" && !common.IsHexAddress(c.UserAddress) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, c.UserAddress)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.HTTP.Port)
	}
	for key, d := range map[string]time.Duration{
		"store.fallback_refresh": c.Store.FallbackRefresh,
		"store.tick_debounce":    c.Store.TickDebounce,
		"http.request_timeout":   c.HTTP.RequestTimeout,
		"redis_ttl":              c.RedisTTL,
		"simulation.block_time":  c.Simulation.BlockTime,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s=%s", ErrInvalidPeriod, key, d)
		}
	}
	if c.Simulation.Positions < 0 {
		return fmt.Errorf("config: simulation.positions must not be negative: %d", c.Simulation.Positions)
	}
	return nil
}

// The builders below assume Validate has passed.

// Rules returns the position rules.
func (c *Config) Rules() position.Rules {
	return position.Rules{
		LiquidationReserve: fixed.MustParse(c.Protocol.LiquidationReserve),
		MinimumNetDebt:     fixed.MustParse(c.Protocol.MinimumNetDebt),
		MinimumRatio:       fixed.MustParse(c.Protocol.MinimumRatio),
		CriticalRatio:      fixed.MustParse(c.Protocol.CriticalRatio),
	}
}

// FeeParams returns the fee model constants.
func (c *Config) FeeParams() fees.Params {
	parse := func(s string) fixed.Decimal {
		v, _ := fixed.Parse(s)
		return v
	}
	return fees.Params{
		MinuteDecayFactor: parse(c.Fees.MinuteDecayFactor),
		Beta:              c.Fees.Beta,
		MinBorrowingRate:  parse(c.Fees.MinBorrowingRate),
		MaxBorrowingRate:  parse(c.Fees.MaxBorrowingRate),
		MinRedemptionRate: parse(c.Fees.MinRedemptionRate),
	}
}

// User returns the tracked account, the zero address if none is set.
func (c *Config) User() common.Address {
	if c.UserAddress == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.UserAddress)
}

// HintOptions returns the hint finder options. The random source is left
// to the finder.
func (c *Config) HintOptions() hint.Options {
	return hint.Options{
		MinimumNetDebt:    fixed.MustParse(c.Protocol.MinimumNetDebt),
		SlippageTolerance: fixed.MustParse(c.Redemption.SlippageTolerance),
		MaxIterations:     c.Redemption.MaxIterations,
	}
}

// StoreConfig returns the protocol store configuration.
func (c *Config) StoreConfig() protocol.Config {
	return protocol.Config{
		Rules:           c.Rules(),
		Fees:            c.FeeParams(),
		User:            c.User(),
		FallbackRefresh: c.Store.FallbackRefresh,
		TickDebounce:    c.Store.TickDebounce,
	}
}
