// Package sink persists closed trades to append-only, day-partitioned CSV
// files: one file per calendar day, header written when the file is created,
// rows appended in a fixed schema order on every write.
package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/tradeforge/intraday-strangler/internal/models"
)

// schema is the fixed column set, enumerated up front. Every row iterates
// this slice; records never dictate column order.
var schema = []string{
	"strategy_id",
	"trade_number",
	"instrument_token",
	"option_side",
	"strike",
	"entry_price",
	"stop_loss",
	"target",
	"exit_time",
	"exit_price",
	"exited_at",
	"exit_reason",
	"last_price",
}

// Row is one closed trade: the union of the terminal Position and its final
// mark-to-market record.
type Row struct {
	StrategyID  string
	TradeNumber int
	Token       int64
	Side        models.OptionType
	Strike      float64
	EntryPrice  float64
	StopLoss    float64
	Target      float64
	ExitTime    models.TimeOfDay
	ExitPrice   float64
	ExitedAt    models.TimeOfDay
	ExitReason  models.PositionStatus
	LastPrice   float64
}

// NewRow builds the sink row for a closed position and its mark-to-market
// record.
func NewRow(p *models.Position, pnl models.PnlRecord) Row {
	return Row{
		StrategyID:  p.StrategyID,
		TradeNumber: p.TradeNumber,
		Token:       p.Token,
		Side:        p.Side,
		Strike:      p.Strike,
		EntryPrice:  p.EntryPrice,
		StopLoss:    p.StopLoss,
		Target:      p.Target,
		ExitTime:    p.ExitTime,
		ExitPrice:   p.ExitPrice,
		ExitedAt:    p.ExitedAt,
		ExitReason:  p.Status,
		LastPrice:   pnl.LastPrice,
	}
}

// values renders the row in schema order.
func (r Row) values() []string {
	return []string{
		r.StrategyID,
		strconv.Itoa(r.TradeNumber),
		strconv.FormatInt(r.Token, 10),
		string(r.Side),
		formatPrice(r.Strike),
		formatPrice(r.EntryPrice),
		formatPrice(r.StopLoss),
		formatPrice(r.Target),
		r.ExitTime.String(),
		formatPrice(r.ExitPrice),
		r.ExitedAt.String(),
		string(r.ExitReason),
		formatPrice(r.LastPrice),
	}
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// Sink is the engine-facing persistence contract.
type Sink interface {
	// Append writes the rows to the current day's partition. Implementations
	// must be atomic per call from the caller's point of view: either all
	// rows land or an error is returned and the caller may retry the batch.
	Append(rows []Row) error
}

// CSVSink writes day-partitioned CSV files under a base directory. Safe for
// concurrent use; a write failure is retried once before being surfaced.
type CSVSink struct {
	mu  sync.Mutex
	dir string
	now func() time.Time

	// openFile is swappable for tests.
	openFile func(path string) (*os.File, error)
}

var _ Sink = (*CSVSink)(nil)

// NewCSVSink creates the base directory if needed and returns the sink.
func NewCSVSink(dir string) (*CSVSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating sink directory: %w", err)
	}
	return &CSVSink{
		dir: dir,
		now: time.Now,
		openFile: func(path string) (*os.File, error) {
			return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640) // #nosec G304 -- path is built from the configured sink dir
		},
	}, nil
}

// Append writes rows to today's partition, creating it with a header line on
// first write of the day. A failed write is retried once; the second failure
// is returned and the caller keeps its batch.
func (s *CSVSink) Append(rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.write(rows)
	if err == nil {
		return nil
	}
	// Retry once, then surface.
	if retryErr := s.write(rows); retryErr != nil {
		return fmt.Errorf("appending %d trades (after retry): %w", len(rows), retryErr)
	}
	return nil
}

func (s *CSVSink) write(rows []Row) error {
	path := filepath.Join(s.dir, s.now().Format("2006-01-02")+"_trades.csv")

	f, err := s.openFile(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(schema); err != nil {
			return err
		}
	}
	for _, r := range rows {
		if err := w.Write(r.values()); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}
