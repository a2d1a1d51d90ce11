// Package config holds the engine's two configuration layers.
//
// The bootstrap layer (App) is read once at startup from a YAML file with
// GRID_* environment overrides: log level/format, data directory, venue
// endpoints, signing key. The trading layer (File) lives in config.json
// inside the data directory and is re-read every loop tick: runtime flags,
// exchange account settings, and the per-symbol strategy map.
package config

import (
	"fmt"

	"github.com/shopspring/decimal"

	"gridmm/pkg/types"
)

// File is the persisted trading configuration. Top-level sections mirror
// the on-disk JSON: auth, runtime, exchange, strategies.
type File struct {
	// Auth carries opaque credential material managed by external tooling.
	// The engine preserves it across writes but never interprets it.
	Auth       map[string]string   `json:"auth"`
	Runtime    Runtime             `json:"runtime"`
	Exchange   Exchange            `json:"exchange"`
	Strategies map[string]Strategy `json:"strategies"`
}

// Runtime is the global section controlling loop cadence, dry-run, stop
// conditions, and the auto-restart budget.
type Runtime struct {
	DryRun              bool            `json:"dry_run"`
	SimulateFill        bool            `json:"simulate_fill"`
	LoopIntervalMs      int64           `json:"loop_interval_ms"`
	StatusRefreshMs     int64           `json:"status_refresh_ms"`
	AutoRestart         bool            `json:"auto_restart"`
	RestartDelayMs      int64           `json:"restart_delay_ms"`
	RestartMax          int             `json:"restart_max"`
	RestartWindowMs     int64           `json:"restart_window_ms"`
	StopAfterMinutes    float64         `json:"stop_after_minutes"`
	StopAfterVolume     decimal.Decimal `json:"stop_after_volume"`
	StopCheckIntervalMs int64           `json:"stop_check_interval_ms"`
}

// Exchange selects the venue account the traders connect as.
type Exchange struct {
	Name         string `json:"name"`
	Env          string `json:"env"`
	L1Address    string `json:"l1_address"`
	AccountIndex *int64 `json:"account_index"`
	APIKeyIndex  *int64 `json:"api_key_index"`
}

// Strategy is one symbol's grid configuration.
type Strategy struct {
	Enabled        bool            `json:"enabled"`
	MarketID       *int64          `json:"market_id"` // nil until resolved by symbol
	GridMode       types.GridMode  `json:"grid_mode"`
	GridStep       decimal.Decimal `json:"grid_step"`
	LevelsUp       int             `json:"levels_up"`
	LevelsDown     int             `json:"levels_down"`
	OrderSizeMode  types.SizeMode  `json:"order_size_mode"`
	OrderSizeValue decimal.Decimal `json:"order_size_value"`
	PostOnly       bool            `json:"post_only"`

	// MaxOpenOrders caps total resting orders for the symbol; 0 means
	// unlimited. Not consulted in AS mode, which always quotes one order
	// per side.
	MaxOpenOrders int `json:"max_open_orders"`

	MaxPositionNotional       decimal.Decimal `json:"max_position_notional"`
	ReducePositionNotional    decimal.Decimal `json:"reduce_position_notional"`
	ReduceOrderSizeMultiplier decimal.Decimal `json:"reduce_order_size_multiplier"`

	// Avellaneda-Stoikov parameters, used when GridMode is "as".
	ASGamma          float64         `json:"as_gamma"`
	ASK              float64         `json:"as_k"`
	ASTau            float64         `json:"as_tau"`
	ASVolPoints      int             `json:"as_vol_points"`
	ASStepMultiplier float64         `json:"as_step_multiplier"`
	ASMaxDrawdown    decimal.Decimal `json:"as_max_drawdown"`

	Filter RegimeFilter `json:"market_filter"`
}

// RegimeFilter gates quoting on 1-minute ATR%/ADX regime checks.
type RegimeFilter struct {
	Enabled             bool            `json:"enabled"`
	ATRPeriod           int             `json:"atr_period"`
	ADXPeriod           int             `json:"adx_period"`
	ATRPctMin           decimal.Decimal `json:"atr_pct_min"`
	ATRPctMax           decimal.Decimal `json:"atr_pct_max"`
	ADXMax              decimal.Decimal `json:"adx_max"`
	RecoverPassCount    int             `json:"recover_pass_count"`
	BlockTimeoutMinutes decimal.Decimal `json:"block_timeout_minutes"`
}

// DefaultRuntime returns the runtime section written into a fresh config.
func DefaultRuntime() Runtime {
	return Runtime{
		DryRun:              true,
		SimulateFill:        false,
		LoopIntervalMs:      100,
		StatusRefreshMs:     1000,
		AutoRestart:         true,
		RestartDelayMs:      1000,
		RestartMax:          5,
		RestartWindowMs:     60_000,
		StopAfterMinutes:    0,
		StopAfterVolume:     decimal.Zero,
		StopCheckIntervalMs: 1000,
	}
}

// DefaultStrategy returns a disabled-market baseline strategy.
func DefaultStrategy() Strategy {
	return Strategy{
		Enabled:                   true,
		GridMode:                  types.GridDynamic,
		GridStep:                  decimal.Zero,
		LevelsUp:                  10,
		LevelsDown:                10,
		OrderSizeMode:             types.SizeNotional,
		OrderSizeValue:            decimal.NewFromInt(5),
		PostOnly:                  true,
		MaxOpenOrders:             50,
		MaxPositionNotional:       decimal.NewFromInt(20),
		ReducePositionNotional:    decimal.Zero,
		ReduceOrderSizeMultiplier: decimal.NewFromInt(1),
		ASGamma:                   0.1,
		ASK:                       1.5,
		ASTau:                     30,
		ASVolPoints:               60,
		ASStepMultiplier:          1,
		ASMaxDrawdown:             decimal.Zero,
		Filter: RegimeFilter{
			Enabled:             false,
			ATRPeriod:           14,
			ADXPeriod:           14,
			ATRPctMin:           decimal.RequireFromString("0.002"),
			ATRPctMax:           decimal.RequireFromString("0.02"),
			ADXMax:              decimal.NewFromInt(28),
			RecoverPassCount:    3,
			BlockTimeoutMinutes: decimal.NewFromInt(30),
		},
	}
}

// DefaultFile returns the config written on first run.
func DefaultFile() File {
	return File{
		Auth:    map[string]string{},
		Runtime: DefaultRuntime(),
		Exchange: Exchange{
			Name: "lighter",
			Env:  "mainnet",
		},
		Strategies: map[string]Strategy{
			"BTC": DefaultStrategy(),
			"ETH": DefaultStrategy(),
			"SOL": DefaultStrategy(),
		},
	}
}

// Validate checks the runtime section's value ranges.
func (r Runtime) Validate() error {
	if r.LoopIntervalMs < 10 {
		return fmt.Errorf("runtime.loop_interval_ms must be >= 10, got %d", r.LoopIntervalMs)
	}
	if r.StopCheckIntervalMs < 200 {
		return fmt.Errorf("runtime.stop_check_interval_ms must be >= 200, got %d", r.StopCheckIntervalMs)
	}
	if r.RestartMax < 0 {
		return fmt.Errorf("runtime.restart_max must be >= 0, got %d", r.RestartMax)
	}
	if r.RestartDelayMs < 0 || r.RestartWindowMs < 0 {
		return fmt.Errorf("runtime restart delays must be >= 0")
	}
	if r.StopAfterMinutes < 0 {
		return fmt.Errorf("runtime.stop_after_minutes must be >= 0")
	}
	if r.StopAfterVolume.IsNegative() {
		return fmt.Errorf("runtime.stop_after_volume must be >= 0")
	}
	return nil
}

// Validate checks one symbol's strategy. A reduce threshold at or above the
// max position notional is rejected outright rather than silently clamped.
func (s Strategy) Validate(symbol string) error {
	switch s.GridMode {
	case types.GridDynamic, types.GridAS:
	case "":
		// tolerated: callers default to dynamic
	default:
		return fmt.Errorf("strategies.%s.grid_mode %q is not one of dynamic, as", symbol, s.GridMode)
	}
	if s.GridMode != types.GridAS && !s.GridStep.IsPositive() {
		return fmt.Errorf("strategies.%s.grid_step must be > 0 in dynamic mode", symbol)
	}
	if s.LevelsUp < 0 || s.LevelsUp > 3999 || s.LevelsDown < 0 || s.LevelsDown > 3999 {
		return fmt.Errorf("strategies.%s levels must lie in [0, 3999]", symbol)
	}
	switch s.OrderSizeMode {
	case types.SizeNotional, types.SizeBase:
	default:
		return fmt.Errorf("strategies.%s.order_size_mode %q is not one of notional, base", symbol, s.OrderSizeMode)
	}
	if !s.OrderSizeValue.IsPositive() {
		return fmt.Errorf("strategies.%s.order_size_value must be > 0", symbol)
	}
	if s.MaxOpenOrders < 0 {
		return fmt.Errorf("strategies.%s.max_open_orders must be >= 0", symbol)
	}
	if s.MaxPositionNotional.IsNegative() || s.ReducePositionNotional.IsNegative() {
		return fmt.Errorf("strategies.%s position notionals must be >= 0", symbol)
	}
	if s.MaxPositionNotional.IsPositive() &&
		s.ReducePositionNotional.GreaterThanOrEqual(s.MaxPositionNotional) {
		return fmt.Errorf("strategies.%s.reduce_position_notional (%s) must be below max_position_notional (%s)",
			symbol, s.ReducePositionNotional, s.MaxPositionNotional)
	}
	if s.ReduceOrderSizeMultiplier.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("strategies.%s.reduce_order_size_multiplier must be >= 1", symbol)
	}
	if s.GridMode == types.GridAS {
		if s.ASGamma <= 0 || s.ASK <= 0 || s.ASTau <= 0 {
			return fmt.Errorf("strategies.%s AS parameters gamma, k, tau must be > 0", symbol)
		}
		if s.ASVolPoints < 2 {
			return fmt.Errorf("strategies.%s.as_vol_points must be >= 2", symbol)
		}
		if s.ASStepMultiplier <= 0 {
			return fmt.Errorf("strategies.%s.as_step_multiplier must be > 0", symbol)
		}
		if s.ASMaxDrawdown.IsNegative() {
			return fmt.Errorf("strategies.%s.as_max_drawdown must be >= 0", symbol)
		}
	}
	if s.Filter.Enabled {
		if s.Filter.ATRPeriod <= 0 || s.Filter.ADXPeriod <= 0 {
			return fmt.Errorf("strategies.%s.market_filter periods must be > 0", symbol)
		}
		if s.Filter.ATRPctMin.IsNegative() || s.Filter.ATRPctMax.LessThan(s.Filter.ATRPctMin) {
			return fmt.Errorf("strategies.%s.market_filter atr_pct bounds are inverted", symbol)
		}
	}
	return nil
}

// Validate checks the whole file.
func (f File) Validate() error {
	if err := f.Runtime.Validate(); err != nil {
		return err
	}
	if f.Exchange.Name == "" {
		return fmt.Errorf("exchange.name is required")
	}
	for symbol, s := range f.Strategies {
		if !s.Enabled {
			continue
		}
		if err := s.Validate(symbol); err != nil {
			return err
		}
	}
	return nil
}

// ReduceExit returns the notional at which reduce-mode disengages:
// the configured threshold when set, else 0.8 * max.
func (s Strategy) ReduceExit() decimal.Decimal {
	if s.ReducePositionNotional.IsPositive() &&
		s.ReducePositionNotional.LessThan(s.MaxPositionNotional) {
		return s.ReducePositionNotional
	}
	return s.MaxPositionNotional.Mul(decimal.RequireFromString("0.8"))
}
