// Package strikes selects the option strikes a strategy trades. Selection is
// pluggable by mode name; nearest-ATM is the only mode implemented, but the
// Selector interface leaves room for others (delta-based selection, fixed
// offsets) without changing callers.
package strikes

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/tradeforge/intraday-strangler/internal/contracts"
	"github.com/tradeforge/intraday-strangler/internal/feed"
	"github.com/tradeforge/intraday-strangler/internal/models"
)

// DefaultIncrement is the strike ladder step used when a strategy does not
// configure one (NIFTY weeklies trade on a 50-point grid).
const DefaultIncrement = 50

// Legs is a resolved call/put strike pair.
type Legs struct {
	CallToken  int64
	PutToken   int64
	CallStrike float64
	PutStrike  float64
}

// Selector computes and resolves the strikes to trade for a symbol and
// expiry.
type Selector interface {
	Select(ctx context.Context, symbol string, expiry time.Time) (Legs, error)
}

// NearestATM rounds the spot to the nearest strike increment and trades one
// increment out on each side: call = atm + increment, put = atm - increment.
type NearestATM struct {
	cache     *contracts.Cache
	feed      feed.Feed
	increment float64
}

var _ Selector = (*NearestATM)(nil)

// NewNearestATM returns a nearest-ATM selector. A non-positive increment
// falls back to DefaultIncrement.
func NewNearestATM(cache *contracts.Cache, fd feed.Feed, increment float64) *NearestATM {
	if increment <= 0 {
		increment = DefaultIncrement
	}
	return &NearestATM{cache: cache, feed: fd, increment: increment}
}

// Select fetches the spot, rounds it to the increment grid and resolves both
// legs through the contract cache. Either leg missing surfaces
// contracts.ErrNotFound.
func (n *NearestATM) Select(ctx context.Context, symbol string, expiry time.Time) (Legs, error) {
	spot, err := n.feed.Spot(ctx, SpotSymbol(symbol))
	if err != nil {
		return Legs{}, fmt.Errorf("fetching spot for %s: %w", symbol, err)
	}

	atm := roundToIncrement(spot, n.increment)
	legs := Legs{
		CallStrike: atm + n.increment,
		PutStrike:  atm - n.increment,
	}

	legs.CallToken, err = n.cache.Lookup(expiry, symbol, legs.CallStrike, models.Call)
	if err != nil {
		return Legs{}, fmt.Errorf("resolving call leg: %w", err)
	}
	legs.PutToken, err = n.cache.Lookup(expiry, symbol, legs.PutStrike, models.Put)
	if err != nil {
		return Legs{}, fmt.Errorf("resolving put leg: %w", err)
	}
	return legs, nil
}

// roundToIncrement rounds x to the nearest increment step.
// For example, with increment=50, 23467 becomes 23450 and 23480 becomes 23500.
func roundToIncrement(x, increment float64) float64 {
	if increment <= 0 {
		return x
	}
	return math.Round(x/increment) * increment
}

// SpotSymbol maps a contract-file ticker symbol to the quote feed's spot
// index name.
func SpotSymbol(symbol string) string {
	if strings.EqualFold(symbol, "nifty") {
		return "Nifty 50"
	}
	return symbol
}

// KnownMode reports whether a strike_selection mode name is implemented.
func KnownMode(mode string) bool {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "0", "nearest":
		return true
	default:
		return false
	}
}

// ForMode returns the selector for a configured strike_selection mode.
// "nearest" (or the legacy numeric "0") is the only implemented mode.
func ForMode(mode string, cache *contracts.Cache, fd feed.Feed, increment float64) (Selector, error) {
	if !KnownMode(mode) {
		return nil, fmt.Errorf("unknown strike selection mode %q", mode)
	}
	return NewNearestATM(cache, fd, increment), nil
}
