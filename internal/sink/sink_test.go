package sink

import (
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tradeforge/intraday-strangler/internal/models"
)

func closedPosition(trade int, status models.PositionStatus) *models.Position {
	return &models.Position{
		ID:          "id",
		StrategyID:  "strat1",
		TradeNumber: trade,
		Token:       101,
		Symbol:      "NIFTY",
		Side:        models.Call,
		Strike:      23500,
		EntryPrice:  100,
		StopLoss:    102,
		Target:      98,
		ExitTime:    mustTOD("15:25:00"),
		Status:      status,
		ExitPrice:   103.5,
		ExitedAt:    mustTOD("11:30:00"),
	}
}

func mustTOD(s string) models.TimeOfDay {
	t, err := models.ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestCSVSink_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewCSVSink(dir)
	if err != nil {
		t.Fatalf("NewCSVSink failed: %v", err)
	}
	day := time.Date(2025, 1, 23, 11, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return day }

	const n = 5
	rows := make([]Row, 0, n)
	for i := 1; i <= n; i++ {
		p := closedPosition(i, models.StatusStoppedOut)
		rows = append(rows, NewRow(p, models.NewPnlRecord(p)))
	}
	// Two batches against the same day partition.
	if err := s.Append(rows[:2]); err != nil {
		t.Fatalf("first Append failed: %v", err)
	}
	if err := s.Append(rows[2:]); err != nil {
		t.Fatalf("second Append failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "2025-01-23_trades.csv"))
	if err != nil {
		t.Fatalf("reading partition: %v", err)
	}
	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	if err != nil {
		t.Fatalf("re-parsing partition: %v", err)
	}

	// Header plus one line per record, header matching the schema in order.
	if len(records) != n+1 {
		t.Fatalf("line count = %d, want %d", len(records), n+1)
	}
	if strings.Join(records[0], ",") != strings.Join(schema, ",") {
		t.Errorf("header = %v, want %v", records[0], schema)
	}
	for i, rec := range records[1:] {
		if len(rec) != len(schema) {
			t.Errorf("row %d has %d fields, want %d", i, len(rec), len(schema))
		}
	}
	if records[1][0] != "strat1" || records[1][1] != "1" || records[1][11] != string(models.StatusStoppedOut) {
		t.Errorf("row fields misaligned: %v", records[1])
	}
}

func TestCSVSink_DayPartitioning(t *testing.T) {
	dir := t.TempDir()
	s, err := NewCSVSink(dir)
	if err != nil {
		t.Fatalf("NewCSVSink failed: %v", err)
	}

	day := time.Date(2025, 1, 23, 15, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return day }
	p := closedPosition(1, models.StatusTimeExit)
	if err := s.Append([]Row{NewRow(p, models.NewPnlRecord(p))}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	day = day.AddDate(0, 0, 1)
	if err := s.Append([]Row{NewRow(p, models.NewPnlRecord(p))}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	for _, name := range []string{"2025-01-23_trades.csv", "2025-01-24_trades.csv"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected partition %s: %v", name, err)
		}
	}
}

func TestCSVSink_RetriesOnce(t *testing.T) {
	dir := t.TempDir()
	s, err := NewCSVSink(dir)
	if err != nil {
		t.Fatalf("NewCSVSink failed: %v", err)
	}
	s.now = func() time.Time { return time.Date(2025, 1, 23, 15, 0, 0, 0, time.UTC) }

	realOpen := s.openFile
	failures := 1
	s.openFile = func(path string) (*os.File, error) {
		if failures > 0 {
			failures--
			return nil, errors.New("transient open failure")
		}
		return realOpen(path)
	}

	p := closedPosition(1, models.StatusTargetHit)
	if err := s.Append([]Row{NewRow(p, models.NewPnlRecord(p))}); err != nil {
		t.Fatalf("Append should succeed on retry: %v", err)
	}

	// Two consecutive failures surface the error.
	failures = 2
	if err := s.Append([]Row{NewRow(p, models.NewPnlRecord(p))}); err == nil {
		t.Error("expected error after retry exhausted")
	}
}

func TestCSVSink_EmptyBatchIsNoop(t *testing.T) {
	dir := t.TempDir()
	s, err := NewCSVSink(dir)
	if err != nil {
		t.Fatalf("NewCSVSink failed: %v", err)
	}
	if err := s.Append(nil); err != nil {
		t.Fatalf("empty Append failed: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("empty append created files: %v", entries)
	}
}
