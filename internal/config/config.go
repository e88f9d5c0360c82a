// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// App captures process-wide runtime settings such as name, environment, metrics, and logging levels.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Bus describes the pub/sub broker endpoint shared by the bridge and strategy hosts.
type Bus struct {
	ListenAddr string `yaml:"listen_addr"`
	URL        string `yaml:"url"`
}

// Data points at the CSV bar archive consumed by the bar store reader.
type Data struct {
	Dir         string   `yaml:"dir"`
	CacheMonths int      `yaml:"cache_months"`
	Symbols     []string `yaml:"symbols"`
}

// Session defines the single backtest run driven by the bridge process.
type Session struct {
	BotID           string `yaml:"bot_id"`
	Symbol          string `yaml:"symbol"`
	Timeframe       string `yaml:"timeframe"`
	SessionTemplate string `yaml:"session_template"`
	StartDate       string `yaml:"start_date"`
	EndDate         string `yaml:"end_date"`
}

// Bridge holds subprocess and timing knobs for the bridge controller.
type Bridge struct {
	HostPath        string `yaml:"host_path"`
	ReadyTimeoutMs  int    `yaml:"ready_timeout_ms"`
	SignalTimeoutMs int    `yaml:"signal_timeout_ms"`
	StopGraceMs     int    `yaml:"stop_grace_ms"`
}

// StrategyParams groups tunable knobs for a strategy implementation.
type StrategyParams struct {
	MomentumBars  int     `yaml:"momentum_bars"`
	WarmupBars    int     `yaml:"warmup_bars"`
	PositionSize  float64 `yaml:"position_size"`
	StopLossPct   float64 `yaml:"stop_loss_pct"`
	TakeProfitPct float64 `yaml:"take_profit_pct"`
}

// Strategy specifies which strategy is active along with the parameter bundle.
type Strategy struct {
	Mode   string         `yaml:"mode"`
	Params StrategyParams `yaml:"params"`
}

// Risk encodes guard-rails applied before a signal becomes a simulated order.
type Risk struct {
	MaxNotionalPerTrade  float64 `yaml:"max_notional_per_trade"`
	MaxPositionPerSymbol float64 `yaml:"max_position_per_symbol"`
}

// Portfolio captures simulated account settings.
type Portfolio struct {
	StartingCash float64 `yaml:"starting_cash"`
	FillsPath    string  `yaml:"fills_path"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App       App       `yaml:"app"`
	Bus       Bus       `yaml:"bus"`
	Data      Data      `yaml:"data"`
	Session   Session   `yaml:"session"`
	Bridge    Bridge    `yaml:"bridge"`
	Strategy  Strategy  `yaml:"strategy"`
	Risk      Risk      `yaml:"risk"`
	Portfolio Portfolio `yaml:"portfolio"`
}

// Load reads a YAML file from disk and hydrates a Config struct.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return &config, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ReadyTimeout returns the configured readiness deadline with a sane default.
func (b Bridge) ReadyTimeout() time.Duration {
	if b.ReadyTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(b.ReadyTimeoutMs) * time.Millisecond
}

// SignalTimeout returns the per-bar signal wait with a sane default.
func (b Bridge) SignalTimeout() time.Duration {
	if b.SignalTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(b.SignalTimeoutMs) * time.Millisecond
}

// StopGrace returns the clean-shutdown grace period with a sane default.
func (b Bridge) StopGrace() time.Duration {
	if b.StopGraceMs <= 0 {
		return 3 * time.Second
	}
	return time.Duration(b.StopGraceMs) * time.Millisecond
}

// DateRange parses the session start/end dates (YYYY-MM-DD, UTC).
func (s Session) DateRange() (time.Time, time.Time, error) {
	start, err := time.ParseInLocation("2006-01-02", s.StartDate, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse start_date: %w", err)
	}
	end, err := time.ParseInLocation("2006-01-02", s.EndDate, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse end_date: %w", err)
	}
	// end date is inclusive: extend to end of day
	end = end.Add(24*time.Hour - time.Nanosecond)
	return start, end, nil
}
