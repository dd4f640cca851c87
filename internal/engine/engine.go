// Package engine holds the open-position set and runs the exit-evaluation
// loop: poll prices, mark positions to market, close the ones whose stop,
// target or exit time has been hit, and stage closed trades for batched
// persistence.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tradeforge/intraday-strangler/internal/feed"
	"github.com/tradeforge/intraday-strangler/internal/metrics"
	"github.com/tradeforge/intraday-strangler/internal/models"
	"github.com/tradeforge/intraday-strangler/internal/sink"
)

// fetchWorkers bounds the per-cycle price fan-out.
const fetchWorkers = 16

// Stats is a snapshot of the engine's lifetime counters.
type Stats struct {
	Open       int            `json:"open"`
	Closed     int            `json:"closed"`
	ByReason   map[string]int `json:"by_reason"`
	Persisted  int            `json:"persisted"`
	BufferSize int            `json:"buffer_size"`
}

// Engine owns the open-position set. The scheduler hands positions over on
// the intake channel; only the Run goroutine mutates the set, so scheduler
// inserts and engine removals can never race on shared iteration. The mutex
// exists for read-only snapshots taken by the dashboard.
type Engine struct {
	feed           feed.Feed
	sink           sink.Sink
	intake         <-chan *models.Position
	log            *logrus.Logger
	clock          func() time.Time
	pollInterval   time.Duration
	flushThreshold int

	mu        sync.RWMutex
	open      map[string]*models.Position
	pnl       map[string]*models.PnlRecord
	buffer    []sink.Row
	closed    int
	persisted int
	byReason  map[models.PositionStatus]int
}

// New builds an exit engine reading opened positions from intake.
func New(fd feed.Feed, sk sink.Sink, intake <-chan *models.Position,
	log *logrus.Logger, clock func() time.Time, pollInterval time.Duration, flushThreshold int) *Engine {
	if clock == nil {
		clock = time.Now
	}
	if flushThreshold <= 0 {
		flushThreshold = 100
	}
	return &Engine{
		feed:           fd,
		sink:           sk,
		intake:         intake,
		log:            log,
		clock:          clock,
		pollInterval:   pollInterval,
		flushThreshold: flushThreshold,
		open:           make(map[string]*models.Position),
		pnl:            make(map[string]*models.PnlRecord),
		byReason:       make(map[models.PositionStatus]int),
	}
}

// Run polls until the intake channel is closed and every accepted position
// has exited. The write buffer is flushed whenever it crosses the threshold
// and unconditionally before Run returns, so a partially filled buffer is
// never lost on shutdown.
func (e *Engine) Run(ctx context.Context) error {
	intakeOpen := true
	for {
		intakeOpen = e.drainIntake(intakeOpen)

		e.mu.RLock()
		remaining := len(e.open)
		e.mu.RUnlock()
		if !intakeOpen && remaining == 0 {
			e.flush()
			e.log.Info("all positions closed, exit engine done")
			return nil
		}

		if remaining > 0 {
			e.cycle(ctx)
		}
		if len(e.buffer) >= e.flushThreshold {
			e.flush()
		}

		select {
		case <-ctx.Done():
			e.flush()
			return nil
		case <-time.After(e.pollInterval):
		}
	}
}

// drainIntake accepts every position currently queued by the scheduler.
// Returns false once the channel has been closed and drained.
func (e *Engine) drainIntake(open bool) bool {
	if !open {
		return false
	}
	for {
		select {
		case p, ok := <-e.intake:
			if !ok {
				return false
			}
			e.accept(p)
		default:
			return true
		}
	}
}

func (e *Engine) accept(p *models.Position) {
	rec := models.NewPnlRecord(p)
	e.mu.Lock()
	e.open[p.ID] = p
	e.pnl[p.ID] = &rec
	metrics.SetOpenPositions(len(e.open))
	e.mu.Unlock()
}

type sample struct {
	id    string
	price float64
	err   error
}

// cycle performs one evaluation pass: fetch every open position's price
// concurrently, then apply exit rules sequentially on the single goroutine
// that owns the set.
func (e *Engine) cycle(ctx context.Context) {
	e.mu.RLock()
	ids := make([]string, 0, len(e.open))
	tokens := make([]int64, 0, len(e.open))
	for id, p := range e.open {
		ids = append(ids, id)
		tokens = append(tokens, p.Token)
	}
	e.mu.RUnlock()

	samples := make([]sample, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchWorkers)
	for i := range ids {
		i := i
		g.Go(func() error {
			price, err := e.feed.Quote(gctx, tokens[i])
			samples[i] = sample{id: ids[i], price: price, err: err}
			return nil
		})
	}
	_ = g.Wait() // fetch errors stay per-sample

	now := models.TimeOfDayFrom(e.clock())
	for _, s := range samples {
		if s.err != nil {
			// Skipped this cycle; the next poll retries naturally.
			metrics.FeedError("quote")
			e.log.WithError(s.err).WithField("position", s.id).Debug("price fetch failed")
			continue
		}
		e.evaluate(s.id, s.price, now)
	}
}

// evaluate marks one position to market and applies the exit rules to a
// single price sample. At most one transition fires; priority is fixed in
// models.Position.ExitCheck.
func (e *Engine) evaluate(id string, price float64, now models.TimeOfDay) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.open[id]
	if !ok {
		return
	}

	// Mark to market regardless of exit outcome.
	rec := e.pnl[id]
	rec.LastPrice = price

	status, hit := p.ExitCheck(price, now)
	if !hit {
		return
	}
	if err := p.Close(status, price, now); err != nil {
		e.log.WithError(err).WithField("position", id).Error("close failed")
		return
	}

	delete(e.open, id)
	e.buffer = append(e.buffer, sink.NewRow(p, *rec))
	e.closed++
	e.byReason[status]++
	metrics.Exit(string(status))
	metrics.SetOpenPositions(len(e.open))

	e.log.WithFields(logrus.Fields{
		"position": id,
		"strategy": p.StrategyID,
		"trade":    p.TradeNumber,
		"side":     string(p.Side),
		"reason":   string(status),
		"entry":    p.EntryPrice,
		"exit":     price,
	}).Info("position closed")
}

// flush writes the buffered rows to the sink. On failure the buffer is kept
// so the batch is retried on the next flush point.
func (e *Engine) flush() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.buffer) == 0 {
		return
	}
	if err := e.sink.Append(e.buffer); err != nil {
		e.log.WithError(err).Errorf("flushing %d trades failed, batch retained", len(e.buffer))
		return
	}
	metrics.Flushed(len(e.buffer))
	e.persisted += len(e.buffer)
	e.buffer = e.buffer[:0]
}

// Snapshot returns a copy of the open positions, in no particular order.
func (e *Engine) Snapshot() []models.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.Position, 0, len(e.open))
	for _, p := range e.open {
		out = append(out, *p)
	}
	return out
}

// Marks returns a copy of the mark-to-market records for open positions.
func (e *Engine) Marks() []models.PnlRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.PnlRecord, 0, len(e.pnl))
	for id := range e.open {
		if rec, ok := e.pnl[id]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

// Stats returns the engine's lifetime counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	byReason := make(map[string]int, len(e.byReason))
	for reason, n := range e.byReason {
		byReason[string(reason)] = n
	}
	return Stats{
		Open:       len(e.open),
		Closed:     e.closed,
		ByReason:   byReason,
		Persisted:  e.persisted,
		BufferSize: len(e.buffer),
	}
}
