// Package feed defines the price feed capability the scheduler and exit
// engine consume. The live quote source is an external collaborator; this
// package models it as an interface with defined failure modes so retry and
// staleness policy stay testable without a real feed.
package feed

import (
	"context"
	"errors"
)

// ErrStale is returned when a feed can only offer a quote older than its
// staleness budget.
var ErrStale = errors.New("stale quote")

// Feed provides live prices. Implementations must be safe for concurrent use:
// the scheduler and the exit engine call into the same feed from separate
// goroutines.
type Feed interface {
	// Quote returns the last traded price for an instrument token.
	Quote(ctx context.Context, token int64) (float64, error)
	// Spot returns the spot price of an underlying index or stock, keyed by
	// its quote-feed display name (e.g. "Nifty 50").
	Spot(ctx context.Context, symbol string) (float64, error)
}
