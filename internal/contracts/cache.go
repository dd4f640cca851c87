// Package contracts loads and indexes option contract metadata from NSE-style
// F&O contract files. The cache is built once per process and shared
// read-only afterwards; nothing mutates it after Load returns.
package contracts

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tradeforge/intraday-strangler/internal/models"
)

// ErrNotFound is returned when no contract matches a lookup key.
var ErrNotFound = errors.New("contract not found")

// expiryEpoch is the base date the contract file's expiry column counts days
// from.
var expiryEpoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Contract file column headers (NSE UDiFF names).
const (
	colToken      = "FinInstrmId"
	colUnderlying = "UndrlygFinInstrmId"
	colName       = "FinInstrmNm"
	colSymbol     = "TckrSymb"
	colExpiry     = "XpryDt"
	colStrike     = "StrkPric"
	colOptionType = "OptnTp"
	colStockName  = "StockNm"
)

// Row is one option contract from the metadata file. Rows are immutable once
// loaded.
type Row struct {
	Token        int64
	UnderlyingID int64
	Name         string
	Symbol       string
	Expiry       time.Time
	Strike       float64
	Type         models.OptionType
	Underlying   string
}

type key struct {
	expiry time.Time
	symbol string
	strike float64
	typ    models.OptionType
}

// Cache is an immutable index over the option rows of a contract file.
type Cache struct {
	rows     []Row
	index    map[key]int64
	expiries map[string][]time.Time // per symbol, sorted ascending
}

// Load reads a contract file, keeps only CE/PE rows, decodes the expiry
// day-offset into a calendar date and builds the lookup index. Duplicate
// (expiry, symbol, strike, type) keys are a load error: the file is supposed
// to carry one contract per key and silently picking a row would hide data
// problems.
func Load(path string) (*Cache, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from the operator's config
	if err != nil {
		return nil, fmt.Errorf("opening contract file: %w", err)
	}
	defer f.Close()
	return parse(f)
}

func parse(r io.Reader) (*Cache, error) {
	cr := csv.NewReader(r)

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading contract header: %w", err)
	}
	cols := map[string]int{}
	for i, h := range header {
		cols[h] = i
	}
	for _, required := range []string{colToken, colUnderlying, colName, colSymbol, colExpiry, colStrike, colOptionType, colStockName} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("contract file missing column %s", required)
		}
	}

	c := &Cache{
		index:    make(map[key]int64),
		expiries: make(map[string][]time.Time),
	}
	seenExpiry := make(map[string]map[time.Time]bool)

	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading contract file line %d: %w", line, err)
		}

		typ := models.OptionType(rec[cols[colOptionType]])
		if !typ.Valid() {
			// Futures and other non-option rows are skipped, not errors.
			continue
		}

		token, err := strconv.ParseInt(rec[cols[colToken]], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad instrument id %q: %w", line, rec[cols[colToken]], err)
		}
		underlying, err := strconv.ParseInt(rec[cols[colUnderlying]], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad underlying id %q: %w", line, rec[cols[colUnderlying]], err)
		}
		dayOffset, err := strconv.ParseFloat(rec[cols[colExpiry]], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad expiry %q: %w", line, rec[cols[colExpiry]], err)
		}
		strike, err := strconv.ParseFloat(rec[cols[colStrike]], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad strike %q: %w", line, rec[cols[colStrike]], err)
		}

		row := Row{
			Token:        token,
			UnderlyingID: underlying,
			Name:         rec[cols[colName]],
			Symbol:       rec[cols[colSymbol]],
			Expiry:       expiryEpoch.AddDate(0, 0, int(dayOffset)),
			Strike:       strike,
			Type:         typ,
			Underlying:   rec[cols[colStockName]],
		}

		k := key{expiry: row.Expiry, symbol: row.Symbol, strike: row.Strike, typ: row.Type}
		if _, dup := c.index[k]; dup {
			return nil, fmt.Errorf("line %d: duplicate contract for %s %s %.2f expiring %s",
				line, row.Symbol, row.Type, row.Strike, row.Expiry.Format("2006-01-02"))
		}
		c.index[k] = row.Token
		c.rows = append(c.rows, row)

		if seenExpiry[row.Symbol] == nil {
			seenExpiry[row.Symbol] = make(map[time.Time]bool)
		}
		if !seenExpiry[row.Symbol][row.Expiry] {
			seenExpiry[row.Symbol][row.Expiry] = true
			c.expiries[row.Symbol] = append(c.expiries[row.Symbol], row.Expiry)
		}
	}

	for _, exps := range c.expiries {
		sort.Slice(exps, func(i, j int) bool { return exps[i].Before(exps[j]) })
	}
	return c, nil
}

// Lookup returns the instrument token for the given key, or ErrNotFound.
func (c *Cache) Lookup(expiry time.Time, symbol string, strike float64, typ models.OptionType) (int64, error) {
	token, ok := c.index[key{expiry: midnightUTC(expiry), symbol: symbol, strike: strike, typ: typ}]
	if !ok {
		return 0, fmt.Errorf("%s %s %.2f expiring %s: %w",
			symbol, typ, strike, expiry.Format("2006-01-02"), ErrNotFound)
	}
	return token, nil
}

// NearestExpiry returns the earliest expiry for symbol on or after the given
// date, or ErrNotFound when the cache holds none.
func (c *Cache) NearestExpiry(symbol string, onOrAfter time.Time) (time.Time, error) {
	day := midnightUTC(onOrAfter)
	for _, exp := range c.expiries[symbol] {
		if !exp.Before(day) {
			return exp, nil
		}
	}
	return time.Time{}, fmt.Errorf("no expiry for %s on or after %s: %w",
		symbol, day.Format("2006-01-02"), ErrNotFound)
}

// Len returns the number of option rows loaded.
func (c *Cache) Len() int { return len(c.rows) }

func midnightUTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Loader builds the cache lazily and at most once. The first Get performs the
// load; every caller afterwards receives the same shared snapshot (or the
// same load error).
type Loader struct {
	path  string
	once  sync.Once
	cache *Cache
	err   error
}

// NewLoader returns a Loader for the contract file at path. Nothing is read
// until the first Get.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Get returns the shared cache, loading it on first call.
func (l *Loader) Get() (*Cache, error) {
	l.once.Do(func() {
		l.cache, l.err = Load(l.path)
	})
	return l.cache, l.err
}
