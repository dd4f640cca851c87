// Package scheduler expands strategy configs into wall-clock trade slots and
// fires them as the clock passes. Firing resolves strikes, fetches entry
// prices and hands freshly opened positions to the exit engine over a
// channel; the scheduler is the only writer of the pending-slot map and the
// only sender on the handoff channel.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tradeforge/intraday-strangler/internal/config"
	"github.com/tradeforge/intraday-strangler/internal/contracts"
	"github.com/tradeforge/intraday-strangler/internal/feed"
	"github.com/tradeforge/intraday-strangler/internal/metrics"
	"github.com/tradeforge/intraday-strangler/internal/models"
	"github.com/tradeforge/intraday-strangler/internal/strikes"
)

// registerWorkers bounds the parallel registration batch.
const registerWorkers = 4

// entry is one registered strategy awaiting its slots.
type entry struct {
	strategyID  string
	cfg         config.StrategyConfig
	tradeNumber int
	selector    strikes.Selector
	expiry      time.Time
	exitTime    models.TimeOfDay
}

// Scheduler owns the pending-slot map. Register/RegisterAll populate it
// before Run; Run drains it and closes the handoff channel when no slots
// remain.
type Scheduler struct {
	cache  *contracts.Cache
	feed   feed.Feed
	out    chan<- *models.Position
	log    *logrus.Logger
	clock  func() time.Time
	sample time.Duration

	mu        sync.Mutex
	pending   map[models.TimeOfDay][]*entry
	nextTrade int
}

// New builds a scheduler that sends opened positions on out. The clock
// determines both slot matching and position timestamps; pass a clock bound
// to the exchange timezone.
func New(cache *contracts.Cache, fd feed.Feed, out chan<- *models.Position,
	log *logrus.Logger, clock func() time.Time, sample time.Duration) *Scheduler {
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		cache:   cache,
		feed:    fd,
		out:     out,
		log:     log,
		clock:   clock,
		sample:  sample,
		pending: make(map[models.TimeOfDay][]*entry),
	}
}

// GenerateSlots expands a strategy config into its inclusive, sorted,
// duplicate-free slot sequence: start, start+gap, ... up to and including
// end. A window whose end precedes its start is same-day-unsupported and
// yields no slots.
func GenerateSlots(cfg config.StrategyConfig) ([]models.TimeOfDay, error) {
	gap, err := cfg.GapMinutes()
	if err != nil {
		return nil, err
	}
	if gap <= 0 {
		return nil, fmt.Errorf("entry gap must be positive, got %d", gap)
	}

	var slots []models.TimeOfDay
	for t := cfg.Start(); t <= cfg.End() && t.Valid(); t = t.AddMinutes(gap) {
		slots = append(slots, t)
	}
	return slots, nil
}

// Register assigns the next trade number to the config and inserts its slots
// into the pending map. Expiry resolves to the config's pinned date or the
// nearest expiry the cache knows for the symbol today.
func (s *Scheduler) Register(strategyID string, cfg config.StrategyConfig) error {
	slots, err := GenerateSlots(cfg)
	if err != nil {
		return fmt.Errorf("strategy %s: %w", strategyID, err)
	}

	selector, err := strikes.ForMode(cfg.StrikeSelection, s.cache, s.feed, cfg.StrikeIncrement)
	if err != nil {
		return fmt.Errorf("strategy %s: %w", strategyID, err)
	}

	expiry := cfg.ExpiryDate()
	if expiry.IsZero() {
		expiry, err = s.cache.NearestExpiry(cfg.Symbol, s.clock())
		if err != nil {
			return fmt.Errorf("strategy %s: %w", strategyID, err)
		}
	}

	e := &entry{
		strategyID: strategyID,
		cfg:        cfg,
		selector:   selector,
		expiry:     expiry,
		exitTime:   cfg.Exit(),
	}

	s.mu.Lock()
	s.nextTrade++
	e.tradeNumber = s.nextTrade
	for _, slot := range slots {
		s.pending[slot] = append(s.pending[slot], e)
	}
	s.mu.Unlock()

	if len(slots) == 0 {
		s.log.WithField("strategy", strategyID).Warn("strategy window yields no slots")
	}
	return nil
}

// RegisterAll registers every strategy, a bounded number at a time. Names are
// walked in sorted order so trade numbers stay reproducible for a given
// config file.
func (s *Scheduler) RegisterAll(ctx context.Context, strategies map[string]config.StrategyConfig) error {
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(registerWorkers)
	for _, name := range names {
		name := name
		g.Go(func() error {
			return s.Register(name, strategies[name])
		})
	}
	return g.Wait()
}

// Run samples the clock until the pending map drains, firing every slot whose
// time falls in (lastSample, now]. Due semantics rather than exact equality:
// a loop delayed past a slot's second still fires it on the next sample. Each
// slot fires at most once. Run closes the handoff channel on return.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.out)

	last := models.TimeOfDayFrom(s.clock())
	for {
		s.mu.Lock()
		remaining := len(s.pending)
		s.mu.Unlock()
		if remaining == 0 {
			s.log.Info("all slots fired, scheduler done")
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.sample):
		}

		now := models.TimeOfDayFrom(s.clock())
		s.fireDue(ctx, last, now)
		last = now
	}
}

// fireDue fires every pending slot in (last, now], earliest first, and
// removes it from the pending map. Per-slot failures are isolated: a fire
// that cannot resolve strikes or prices logs and abandons that attempt
// without touching other slots or killing the loop.
func (s *Scheduler) fireDue(ctx context.Context, last, now models.TimeOfDay) {
	s.mu.Lock()
	var due []models.TimeOfDay
	for slot := range s.pending {
		if slot > last && slot <= now {
			due = append(due, slot)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })
	batches := make([][]*entry, len(due))
	for i, slot := range due {
		batches[i] = s.pending[slot]
		delete(s.pending, slot)
	}
	s.mu.Unlock()

	for i, slot := range due {
		for _, e := range batches[i] {
			if err := s.fire(ctx, slot, e); err != nil {
				s.log.WithError(err).WithFields(logrus.Fields{
					"slot":     slot.String(),
					"strategy": e.strategyID,
				}).Warn("slot fire failed")
			}
		}
	}
}

// fire opens the call and put legs for one strategy at one slot.
func (s *Scheduler) fire(ctx context.Context, slot models.TimeOfDay, e *entry) error {
	legs, err := e.selector.Select(ctx, e.cfg.Symbol, e.expiry)
	if err != nil {
		metrics.FeedError("spot")
		return fmt.Errorf("selecting strikes: %w", err)
	}

	cePrice, err := s.feed.Quote(ctx, legs.CallToken)
	if err != nil {
		metrics.FeedError("quote")
		return fmt.Errorf("call entry price: %w", err)
	}
	pePrice, err := s.feed.Quote(ctx, legs.PutToken)
	if err != nil {
		metrics.FeedError("quote")
		return fmt.Errorf("put entry price: %w", err)
	}

	openedAt := s.clock()
	ce := s.newPosition(e, legs.CallToken, models.Call, legs.CallStrike, cePrice, openedAt)
	pe := s.newPosition(e, legs.PutToken, models.Put, legs.PutStrike, pePrice, openedAt)

	for _, p := range []*models.Position{ce, pe} {
		select {
		case s.out <- p:
			metrics.PositionOpened(string(p.Side))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	metrics.SlotFired()

	s.log.WithFields(logrus.Fields{
		"slot":     slot.String(),
		"strategy": e.strategyID,
		"trade":    e.tradeNumber,
		"ce":       legs.CallStrike,
		"pe":       legs.PutStrike,
	}).Info("slot fired")
	return nil
}

// newPosition builds one short leg with its stop and target levels. Both
// levels derive from the entry premium: stop above (a short option loses as
// premium rises), target below.
func (s *Scheduler) newPosition(e *entry, token int64, side models.OptionType,
	strike, entryPrice float64, openedAt time.Time) *models.Position {
	return &models.Position{
		ID:          uuid.New().String(),
		StrategyID:  e.strategyID,
		TradeNumber: e.tradeNumber,
		Token:       token,
		Symbol:      e.cfg.Symbol,
		Side:        side,
		Strike:      strike,
		EntryPrice:  entryPrice,
		StopLoss:    entryPrice * (1 + e.cfg.SLPct/100),
		Target:      entryPrice * (1 - e.cfg.TgtPct/100),
		ExitTime:    e.exitTime,
		OpenedAt:    openedAt,
		Status:      models.StatusOpen,
	}
}

// Pending returns the number of unfired slots, for tests and diagnostics.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
