// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/tradeforge/intraday-strangler/internal/models"
	"github.com/tradeforge/intraday-strangler/internal/strikes"
)

const (
	// defaultFlushThreshold is the write-buffer size that triggers a flush
	// when engine.flush_threshold is unset.
	defaultFlushThreshold = 100
	// defaultPollInterval is used when engine.poll_interval is unset.
	defaultPollInterval = 5 * time.Millisecond
	// defaultSampleInterval is used when schedule.sample_interval is unset.
	defaultSampleInterval = 5 * time.Millisecond
	// defaultTimezone is the exchange timezone slot times are read in.
	defaultTimezone = "Asia/Kolkata"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig         `yaml:"environment"`
	Contracts   ContractsConfig           `yaml:"contracts"`
	Schedule    ScheduleConfig            `yaml:"schedule"`
	Engine      EngineConfig              `yaml:"engine"`
	Sink        SinkConfig                `yaml:"sink"`
	Dashboard   DashboardConfig           `yaml:"dashboard"`
	Strategies  map[string]StrategyConfig `yaml:"strategies"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// ContractsConfig points at the instrument metadata file.
type ContractsConfig struct {
	Path string `yaml:"path"`
}

// ScheduleConfig defines the scheduler's clock behavior.
type ScheduleConfig struct {
	Timezone       string `yaml:"timezone"`        // e.g. "Asia/Kolkata"
	SampleInterval string `yaml:"sample_interval"` // duration between clock samples
}

// EngineConfig defines the exit engine's polling and flush behavior.
type EngineConfig struct {
	PollInterval   string `yaml:"poll_interval"`
	FlushThreshold int    `yaml:"flush_threshold"`
}

// SinkConfig defines where closed trades are persisted.
type SinkConfig struct {
	Dir string `yaml:"dir"`
}

// DashboardConfig defines the operational HTTP API.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// StrategyConfig is one named strategy section. Times are same-day clock
// strings at second granularity; entry_gap accepts a bare minute count or a
// "Min"-suffixed value ("15" or "15Min").
type StrategyConfig struct {
	Symbol          string  `yaml:"symbol"`
	StartTime       string  `yaml:"start_time"`
	EndTime         string  `yaml:"end_time"`
	EntryGap        string  `yaml:"entry_gap"`
	SLPct           float64 `yaml:"sl_pct"`
	TgtPct          float64 `yaml:"tgt_pct"`
	ExitTime        string  `yaml:"exit_time"`
	StrikeSelection string  `yaml:"strike_selection"`
	StrikeIncrement float64 `yaml:"strike_increment"`
	Expiry          string  `yaml:"expiry"` // optional "2006-01-02"; empty = nearest
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
// Malformed times, durations and percentages fail here, at load time, never
// silently defaulting.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	if c.Contracts.Path == "" {
		return fmt.Errorf("contracts.path is required")
	}
	if c.Sink.Dir == "" {
		return fmt.Errorf("sink.dir is required")
	}
	if len(c.Strategies) == 0 {
		return fmt.Errorf("at least one strategy section is required")
	}

	if c.Schedule.SampleInterval != "" {
		if _, err := time.ParseDuration(c.Schedule.SampleInterval); err != nil {
			return fmt.Errorf("schedule.sample_interval invalid: %w", err)
		}
	}
	if c.Engine.PollInterval != "" {
		if _, err := time.ParseDuration(c.Engine.PollInterval); err != nil {
			return fmt.Errorf("engine.poll_interval invalid: %w", err)
		}
	}
	if c.Engine.FlushThreshold < 0 {
		return fmt.Errorf("engine.flush_threshold must be >= 0")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("schedule.timezone invalid: %w", err)
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be a valid TCP port")
	}

	for name, s := range c.Strategies {
		if err := s.validate(); err != nil {
			return fmt.Errorf("strategy %q: %w", name, err)
		}
	}
	return nil
}

func (s StrategyConfig) validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if _, err := models.ParseTimeOfDay(s.StartTime); err != nil {
		return fmt.Errorf("start_time: %w", err)
	}
	if _, err := models.ParseTimeOfDay(s.EndTime); err != nil {
		return fmt.Errorf("end_time: %w", err)
	}
	if _, err := models.ParseTimeOfDay(s.ExitTime); err != nil {
		return fmt.Errorf("exit_time: %w", err)
	}
	gap, err := s.GapMinutes()
	if err != nil {
		return err
	}
	if gap <= 0 {
		return fmt.Errorf("entry_gap must be > 0 minutes")
	}
	if s.SLPct <= 0 {
		return fmt.Errorf("sl_pct must be > 0")
	}
	if s.TgtPct <= 0 {
		return fmt.Errorf("tgt_pct must be > 0")
	}
	if s.TgtPct >= 100 {
		return fmt.Errorf("tgt_pct must be < 100")
	}
	if s.StrikeIncrement < 0 {
		return fmt.Errorf("strike_increment must be >= 0")
	}
	if !strikes.KnownMode(s.StrikeSelection) {
		return fmt.Errorf("unknown strike selection mode %q", s.StrikeSelection)
	}
	if s.Expiry != "" {
		if _, err := time.Parse("2006-01-02", s.Expiry); err != nil {
			return fmt.Errorf("expiry: %w", err)
		}
	}
	return nil
}

// GapMinutes parses the entry gap, stripping an optional "Min" suffix.
func (s StrategyConfig) GapMinutes() (int, error) {
	raw := strings.TrimSpace(s.EntryGap)
	for _, suffix := range []string{"Min", "min", "MIN"} {
		raw = strings.TrimSuffix(raw, suffix)
	}
	raw = strings.TrimSpace(raw)
	gap, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("entry_gap %q is not a minute count", s.EntryGap)
	}
	return gap, nil
}

// Start returns the parsed start time. Call Validate first.
func (s StrategyConfig) Start() models.TimeOfDay {
	t, _ := models.ParseTimeOfDay(s.StartTime)
	return t
}

// End returns the parsed end time. Call Validate first.
func (s StrategyConfig) End() models.TimeOfDay {
	t, _ := models.ParseTimeOfDay(s.EndTime)
	return t
}

// Exit returns the parsed exit time. Call Validate first.
func (s StrategyConfig) Exit() models.TimeOfDay {
	t, _ := models.ParseTimeOfDay(s.ExitTime)
	return t
}

// ExpiryDate returns the pinned expiry date, or zero when the strategy rides
// the nearest expiry.
func (s StrategyConfig) ExpiryDate() time.Time {
	if s.Expiry == "" {
		return time.Time{}
	}
	t, _ := time.Parse("2006-01-02", s.Expiry)
	return t
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Location returns the configured exchange timezone.
func (c *Config) Location() (*time.Location, error) {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	return time.LoadLocation(tz)
}

// SampleInterval returns the scheduler's clock sampling interval.
func (c *Config) SampleInterval() time.Duration {
	d, err := time.ParseDuration(c.Schedule.SampleInterval)
	if err != nil || d <= 0 {
		return defaultSampleInterval
	}
	return d
}

// PollInterval returns the exit engine's polling interval.
func (c *Config) PollInterval() time.Duration {
	d, err := time.ParseDuration(c.Engine.PollInterval)
	if err != nil || d <= 0 {
		return defaultPollInterval
	}
	return d
}

// FlushThreshold returns the write-buffer flush threshold.
func (c *Config) FlushThreshold() int {
	if c.Engine.FlushThreshold == 0 {
		return defaultFlushThreshold
	}
	return c.Engine.FlushThreshold
}
