package main

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tradeforge/intraday-strangler/internal/config"
	"github.com/tradeforge/intraday-strangler/internal/contracts"
	"github.com/tradeforge/intraday-strangler/internal/engine"
	"github.com/tradeforge/intraday-strangler/internal/models"
	"github.com/tradeforge/intraday-strangler/internal/scheduler"
	"github.com/tradeforge/intraday-strangler/internal/sink"
)

// stepClock drives both the scheduler and the engine through a simulated
// trading day.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Set(hour, minute, sec int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = time.Date(2025, 1, 23, hour, minute, sec, 0, time.UTC)
}

// stubFeed serves deterministic prices so exit outcomes are predictable.
type stubFeed struct {
	mu     sync.Mutex
	spot   float64
	quotes map[int64]float64
}

func (s *stubFeed) Quote(_ context.Context, token int64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	price, ok := s.quotes[token]
	if !ok {
		return 0, errors.New("unknown token")
	}
	return price, nil
}

func (s *stubFeed) Spot(context.Context, string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spot, nil
}

func (s *stubFeed) setQuote(token int64, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[token] = price
}

func writeContractsFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "contracts.csv")
	content := "FinInstrmId,UndrlygFinInstrmId,FinInstrmNm,TckrSymb,XpryDt,StrkPric,OptnTp,StockNm\n" +
		"101,1,NIFTY25JAN23500CE,NIFTY,16459,23500,CE,NIFTY\n" +
		"102,1,NIFTY25JAN23400PE,NIFTY,16459,23400,PE,NIFTY\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// TestPipeline_SlotToCSV runs the full paper path: one registered strategy
// fires one slot, the engine time-exits both legs and the closed trades land
// in the day's CSV partition.
func TestPipeline_SlotToCSV(t *testing.T) {
	cache, err := contracts.Load(writeContractsFixture(t))
	require.NoError(t, err)

	feed := &stubFeed{
		spot:   23467, // ATM 23450: legs at 23500 CE / 23400 PE
		quotes: map[int64]float64{101: 100, 102: 80},
	}
	clock := &stepClock{}
	clock.Set(9, 0, 0)

	sinkDir := t.TempDir()
	csvSink, err := sink.NewCSVSink(sinkDir)
	require.NoError(t, err)

	handoff := make(chan *models.Position, handoffBuffer)
	sched := scheduler.New(cache, feed, handoff, quietLogger(), clock.Now, time.Millisecond)
	eng := engine.New(feed, csvSink, handoff, quietLogger(), clock.Now, time.Millisecond, 100)

	strategy := config.StrategyConfig{
		Symbol:          "NIFTY",
		StartTime:       "09:15:00",
		EndTime:         "09:15:00",
		EntryGap:        "15Min",
		SLPct:           50,
		TgtPct:          50,
		ExitTime:        "09:20:00",
		StrikeSelection: "nearest",
		Expiry:          "2025-01-23",
	}
	require.NoError(t, sched.Register("pipeline_test", strategy))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return eng.Run(gctx) })

	// Let both loops observe the pre-open clock before the slot comes due.
	time.Sleep(100 * time.Millisecond)
	clock.Set(9, 16, 0)

	require.Eventually(t, func() bool {
		return eng.Stats().Open == 2
	}, 5*time.Second, 5*time.Millisecond, "slot did not open both legs")

	clock.Set(9, 21, 0)
	require.NoError(t, g.Wait())

	stats := eng.Stats()
	assert.Equal(t, 0, stats.Open)
	assert.Equal(t, 2, stats.Closed)
	assert.Equal(t, 2, stats.Persisted)
	assert.Equal(t, 2, stats.ByReason[string(models.StatusTimeExit)])

	files, err := filepath.Glob(filepath.Join(sinkDir, "*_trades.csv"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3, "header plus one row per leg")

	header := records[0]
	assert.Equal(t, []string{
		"strategy_id", "trade_number", "instrument_token", "option_side",
		"strike", "entry_price", "stop_loss", "target", "exit_time",
		"exit_price", "exited_at", "exit_reason", "last_price",
	}, header)

	byToken := map[string][]string{}
	for _, rec := range records[1:] {
		require.Len(t, rec, len(header))
		byToken[rec[2]] = rec
	}

	ce, ok := byToken["101"]
	require.True(t, ok, "call leg missing from sink")
	assert.Equal(t, "pipeline_test", ce[0])
	assert.Equal(t, "CE", ce[3])
	assert.Equal(t, "23500.00", ce[4])
	assert.Equal(t, "100.00", ce[5])
	assert.Equal(t, "150.00", ce[6]) // entry * 1.5
	assert.Equal(t, "50.00", ce[7])  // entry * 0.5
	assert.Equal(t, "09:20:00", ce[8])
	assert.Equal(t, "09:21:00", ce[10])
	assert.Equal(t, string(models.StatusTimeExit), ce[11])

	pe, ok := byToken["102"]
	require.True(t, ok, "put leg missing from sink")
	assert.Equal(t, "PE", pe[3])
	assert.Equal(t, "23400.00", pe[4])
	assert.Equal(t, "80.00", pe[5])
}

// TestPipeline_StopLossBeatsClock drives the call leg through its stop before
// the session exit time and checks the recorded reason and price.
func TestPipeline_StopLossBeatsClock(t *testing.T) {
	cache, err := contracts.Load(writeContractsFixture(t))
	require.NoError(t, err)

	feed := &stubFeed{
		spot:   23467,
		quotes: map[int64]float64{101: 100, 102: 80},
	}
	clock := &stepClock{}
	clock.Set(9, 0, 0)

	sinkDir := t.TempDir()
	csvSink, err := sink.NewCSVSink(sinkDir)
	require.NoError(t, err)

	handoff := make(chan *models.Position, handoffBuffer)
	sched := scheduler.New(cache, feed, handoff, quietLogger(), clock.Now, time.Millisecond)
	eng := engine.New(feed, csvSink, handoff, quietLogger(), clock.Now, time.Millisecond, 100)

	strategy := config.StrategyConfig{
		Symbol:          "NIFTY",
		StartTime:       "09:15:00",
		EndTime:         "09:15:00",
		EntryGap:        "15Min",
		SLPct:           10, // stop at 110 for the call leg
		TgtPct:          90,
		ExitTime:        "15:25:00",
		StrikeSelection: "nearest",
		Expiry:          "2025-01-23",
	}
	require.NoError(t, sched.Register("sl_test", strategy))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return eng.Run(gctx) })

	time.Sleep(100 * time.Millisecond)
	clock.Set(9, 16, 0)

	require.Eventually(t, func() bool {
		return eng.Stats().Open == 2
	}, 5*time.Second, 5*time.Millisecond, "slot did not open both legs")

	// Both legs breach: the call through its stop, the put through its
	// target. The clock never reaches the session exit.
	feed.setQuote(101, 115)
	feed.setQuote(102, 5)
	clock.Set(9, 30, 0)
	require.NoError(t, g.Wait())

	stats := eng.Stats()
	assert.Equal(t, 1, stats.ByReason[string(models.StatusStoppedOut)])
	assert.Equal(t, 1, stats.ByReason[string(models.StatusTargetHit)])

	files, err := filepath.Glob(filepath.Join(sinkDir, "*_trades.csv"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)

	for _, rec := range records[1:] {
		switch rec[2] {
		case "101":
			assert.Equal(t, string(models.StatusStoppedOut), rec[11])
			assert.Equal(t, "115.00", rec[9])
		case "102":
			assert.Equal(t, string(models.StatusTargetHit), rec[11])
			assert.Equal(t, "5.00", rec[9])
		default:
			t.Fatalf("unexpected token in sink: %s", rec[2])
		}
	}
}
