package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
environment:
  mode: paper
  log_level: debug
contracts:
  path: /data/NSE_FO_contract.csv
schedule:
  timezone: Asia/Kolkata
  sample_interval: 5ms
engine:
  poll_interval: 5ms
  flush_threshold: 100
sink:
  dir: /data/trades
dashboard:
  enabled: true
  port: 8080
strategies:
  morning_straddle:
    symbol: NIFTY
    start_time: "09:15:00"
    end_time: "15:30:00"
    entry_gap: "15Min"
    sl_pct: 2
    tgt_pct: 2
    exit_time: "15:25:00"
    strike_selection: nearest
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.IsPaperTrading() {
		t.Error("expected paper mode")
	}
	s, ok := cfg.Strategies["morning_straddle"]
	if !ok {
		t.Fatal("strategy section missing")
	}
	gap, err := s.GapMinutes()
	if err != nil || gap != 15 {
		t.Errorf("GapMinutes = %d/%v, want 15", gap, err)
	}
	if s.Start().String() != "09:15:00" || s.End().String() != "15:30:00" {
		t.Errorf("times parsed wrong: %s %s", s.Start(), s.End())
	}
	if cfg.FlushThreshold() != 100 {
		t.Errorf("FlushThreshold = %d", cfg.FlushThreshold())
	}
	if cfg.PollInterval() != 5*time.Millisecond {
		t.Errorf("PollInterval = %s", cfg.PollInterval())
	}
	if _, err := cfg.Location(); err != nil {
		t.Errorf("Location failed: %v", err)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("CONTRACTS_PATH", "/mnt/contracts.csv")
	yaml := strings.Replace(validYAML, "/data/NSE_FO_contract.csv", "${CONTRACTS_PATH}", 1)
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Contracts.Path != "/mnt/contracts.csv" {
		t.Errorf("env not expanded: %q", cfg.Contracts.Path)
	}
}

func TestLoad_UnknownFieldFails(t *testing.T) {
	yaml := strings.Replace(validYAML, "sl_pct: 2", "sl_pct: 2\n    bogus_field: 1", 1)
	if _, err := Load(writeConfig(t, yaml)); err == nil {
		t.Error("expected strict decode to reject unknown field")
	}
}

func TestLoad_MalformedTimeFails(t *testing.T) {
	yaml := strings.Replace(validYAML, `start_time: "09:15:00"`, `start_time: "9:15"`, 1)
	if _, err := Load(writeConfig(t, yaml)); err == nil {
		t.Error("expected error for malformed start_time")
	}
}

func TestLoad_UnknownStrikeModeFails(t *testing.T) {
	yaml := strings.Replace(validYAML, "strike_selection: nearest", "strike_selection: delta", 1)
	if _, err := Load(writeConfig(t, yaml)); err == nil {
		t.Error("expected error for unimplemented strike mode")
	}
}

func TestGapMinutes_Forms(t *testing.T) {
	cases := []struct {
		raw  string
		want int
		ok   bool
	}{
		{"15", 15, true},
		{"15Min", 15, true},
		{"15min", 15, true},
		{" 30 ", 30, true},
		{"abc", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		s := StrategyConfig{EntryGap: c.raw}
		got, err := s.GapMinutes()
		if c.ok && (err != nil || got != c.want) {
			t.Errorf("GapMinutes(%q) = %d/%v, want %d", c.raw, got, err, c.want)
		}
		if !c.ok && err == nil {
			t.Errorf("GapMinutes(%q) should fail", c.raw)
		}
	}
}

func TestValidate_RequiresStrategy(t *testing.T) {
	yaml := validYAML[:strings.Index(validYAML, "strategies:")] + "strategies: {}\n"
	if _, err := Load(writeConfig(t, yaml)); err == nil {
		t.Error("expected error for empty strategies map")
	}
}

func TestValidate_BadPercentages(t *testing.T) {
	yaml := strings.Replace(validYAML, "sl_pct: 2", "sl_pct: -1", 1)
	if _, err := Load(writeConfig(t, yaml)); err == nil {
		t.Error("expected error for negative sl_pct")
	}
	yaml = strings.Replace(validYAML, "tgt_pct: 2", "tgt_pct: 120", 1)
	if _, err := Load(writeConfig(t, yaml)); err == nil {
		t.Error("expected error for tgt_pct >= 100")
	}
}
