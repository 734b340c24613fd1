// Package config loads engine configuration from an optional YAML file with
// environment-variable overrides; env always wins. Invalid configuration is
// fatal at startup.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

type SpacingMode string

const (
	SpacingAbs     SpacingMode = "ABS"
	SpacingPercent SpacingMode = "PERCENT"
)

type Config struct {
	StrategyID string         `yaml:"strategy_id"`
	Symbol     string         `yaml:"symbol"`
	Exchange   string         `yaml:"exchange"`
	Grid       GridConfig     `yaml:"grid"`
	Risk       RiskConfig     `yaml:"risk"`
	Engine     EngineConfig   `yaml:"engine"`
	DBPath     string         `yaml:"db_path"`
	Adapter    AdapterConfig  `yaml:"adapter"`
	Ops        OpsConfig      `yaml:"ops"`
	Telegram   TelegramConfig `yaml:"telegram"`
}

type GridConfig struct {
	Levels         int         `yaml:"levels"`
	SpacingMode    SpacingMode `yaml:"spacing_mode"`
	Spacing        Decimal     `yaml:"spacing"`
	SpacingPercent Decimal     `yaml:"spacing_percent"`
	Quantity       Decimal     `yaml:"quantity"`
	PostOnly       bool        `yaml:"post_only"`
}

type RiskConfig struct {
	MaxPosition   Decimal `yaml:"max_position"`
	MaxOpenOrders int     `yaml:"max_open_orders"`
}

type EngineConfig struct {
	CancelTimeoutMs      int64 `yaml:"cancel_timeout_ms"`
	MarkShiftConfirmMs   int64 `yaml:"mark_shift_confirm_ms"`
	ReconcileIntervalSec int64 `yaml:"reconcile_interval_sec"`
	MaintenanceSec       int64 `yaml:"maintenance_sec"`
	PositionFreshSec     int64 `yaml:"position_fresh_sec"`
	PositionRefreshSec   int64 `yaml:"position_refresh_sec"`
}

type AdapterConfig struct {
	APIKey      string `yaml:"api_key"`
	APISecret   string `yaml:"api_secret"`
	RestBaseURL string `yaml:"rest_base_url"`
	WSBaseURL   string `yaml:"ws_base_url"`
	Testnet     bool   `yaml:"testnet"`
}

type OpsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
}

// Load reads the optional YAML file, applies env overrides, then defaults and
// validation. An empty path means env-only configuration.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			return Config{}, fmt.Errorf("%w: config must contain a single YAML document", ErrInvalidConfig)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	var err error
	setStr(getenv("GRID_STRATEGY_ID"), &c.StrategyID)
	setStr(getenv("GRID_SYMBOL"), &c.Symbol)
	setStr(getenv("EXCHANGE"), &c.Exchange)
	setStr(getenv("DB_PATH"), &c.DBPath)
	if v := getenv("GRID_SPACING_MODE"); v != "" {
		c.Grid.SpacingMode = SpacingMode(v)
	}
	if err = setInt(getenv("GRID_LEVELS"), &c.Grid.Levels); err != nil {
		return envErr("GRID_LEVELS", err)
	}
	if err = setDecimal(getenv("GRID_SPACING"), &c.Grid.Spacing); err != nil {
		return envErr("GRID_SPACING", err)
	}
	if err = setDecimal(getenv("GRID_SPACING_PERCENT"), &c.Grid.SpacingPercent); err != nil {
		return envErr("GRID_SPACING_PERCENT", err)
	}
	if err = setDecimal(getenv("GRID_QUANTITY"), &c.Grid.Quantity); err != nil {
		return envErr("GRID_QUANTITY", err)
	}
	if err = setBool(getenv("GRID_POST_ONLY"), &c.Grid.PostOnly); err != nil {
		return envErr("GRID_POST_ONLY", err)
	}
	if err = setInt64(getenv("GRID_CANCEL_TIMEOUT_MS"), &c.Engine.CancelTimeoutMs); err != nil {
		return envErr("GRID_CANCEL_TIMEOUT_MS", err)
	}
	if err = setDecimal(getenv("GRID_MAX_POSITION"), &c.Risk.MaxPosition); err != nil {
		return envErr("GRID_MAX_POSITION", err)
	}
	if err = setInt(getenv("GRID_MAX_OPEN_ORDERS"), &c.Risk.MaxOpenOrders); err != nil {
		return envErr("GRID_MAX_OPEN_ORDERS", err)
	}
	return nil
}

func envErr(name string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, name, err)
}

func setStr(v string, dst *string) {
	if v != "" {
		*dst = v
	}
}

func setInt(v string, dst *int) error {
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setInt64(v string, dst *int64) error {
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setBool(v string, dst *bool) error {
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func setDecimal(v string, dst *Decimal) error {
	if v == "" {
		return nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return err
	}
	dst.Decimal = d
	return nil
}

func (c *Config) normalize() {
	c.StrategyID = strings.TrimSpace(c.StrategyID)
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	c.Exchange = strings.ToLower(strings.TrimSpace(c.Exchange))
	c.Grid.SpacingMode = SpacingMode(strings.ToUpper(strings.TrimSpace(string(c.Grid.SpacingMode))))
	c.DBPath = strings.TrimSpace(c.DBPath)
	c.Adapter.APIKey = strings.TrimSpace(c.Adapter.APIKey)
	c.Adapter.APISecret = strings.TrimSpace(c.Adapter.APISecret)
	c.Adapter.RestBaseURL = strings.TrimSpace(c.Adapter.RestBaseURL)
	c.Adapter.WSBaseURL = strings.TrimSpace(c.Adapter.WSBaseURL)
}

func (c *Config) applyDefaults() {
	if c.StrategyID == "" {
		c.StrategyID = "grid-default"
	}
	if c.Engine.CancelTimeoutMs == 0 {
		c.Engine.CancelTimeoutMs = 60_000
	}
	if c.Engine.MarkShiftConfirmMs == 0 {
		c.Engine.MarkShiftConfirmMs = 2000
	}
	if c.Engine.ReconcileIntervalSec == 0 {
		c.Engine.ReconcileIntervalSec = 5
	}
	if c.Engine.MaintenanceSec == 0 {
		c.Engine.MaintenanceSec = 1
	}
	if c.Engine.PositionFreshSec == 0 {
		c.Engine.PositionFreshSec = 15
	}
	if c.Engine.PositionRefreshSec == 0 {
		c.Engine.PositionRefreshSec = 2
	}
	if c.Ops.Listen == "" {
		c.Ops.Listen = ":8080"
	}
}

func (c *Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("%w: symbol required", ErrInvalidConfig)
	}
	if c.Exchange == "" {
		return fmt.Errorf("%w: exchange required", ErrInvalidConfig)
	}
	if c.Grid.Levels < 1 {
		return fmt.Errorf("%w: levels must be >= 1", ErrInvalidConfig)
	}
	switch c.Grid.SpacingMode {
	case SpacingAbs:
		if c.Grid.Spacing.Cmp(decimal.Zero) <= 0 {
			return fmt.Errorf("%w: spacing must be > 0 in ABS mode", ErrInvalidConfig)
		}
	case SpacingPercent:
		if c.Grid.SpacingPercent.Cmp(decimal.Zero) <= 0 {
			return fmt.Errorf("%w: spacing_percent must be > 0 in PERCENT mode", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: spacing_mode must be ABS or PERCENT, got %q", ErrInvalidConfig, c.Grid.SpacingMode)
	}
	if c.Grid.Quantity.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: quantity must be > 0", ErrInvalidConfig)
	}
	if c.Risk.MaxPosition.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("%w: max_position must be >= 0", ErrInvalidConfig)
	}
	if c.Risk.MaxOpenOrders < 1 {
		return fmt.Errorf("%w: max_open_orders must be >= 1", ErrInvalidConfig)
	}
	if c.Engine.CancelTimeoutMs < 1 {
		return fmt.Errorf("%w: cancel_timeout_ms must be >= 1", ErrInvalidConfig)
	}
	return nil
}
