package feed

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type cachedQuote struct {
	price float64
	at    time.Time
}

// CachedFeed remembers the last good quote per key and serves it when the
// underlying feed fails, as long as it is younger than MaxAge. Beyond that it
// surfaces ErrStale so callers skip the sample instead of acting on dead
// prices.
type CachedFeed struct {
	feed   Feed
	maxAge time.Duration
	now    func() time.Time

	mu     sync.Mutex
	quotes map[int64]cachedQuote
	spots  map[string]cachedQuote
}

var _ Feed = (*CachedFeed)(nil)

// NewCachedFeed wraps feed with a last-good-quote cache bounded by maxAge.
func NewCachedFeed(feed Feed, maxAge time.Duration) *CachedFeed {
	return &CachedFeed{
		feed:   feed,
		maxAge: maxAge,
		now:    time.Now,
		quotes: make(map[int64]cachedQuote),
		spots:  make(map[string]cachedQuote),
	}
}

// Quote fetches from the underlying feed, falling back to the last good
// price within the staleness budget.
func (c *CachedFeed) Quote(ctx context.Context, token int64) (float64, error) {
	price, err := c.feed.Quote(ctx, token)
	if err == nil {
		c.mu.Lock()
		c.quotes[token] = cachedQuote{price: price, at: c.now()}
		c.mu.Unlock()
		return price, nil
	}

	c.mu.Lock()
	cached, ok := c.quotes[token]
	c.mu.Unlock()
	if ok && c.now().Sub(cached.at) <= c.maxAge {
		return cached.price, nil
	}
	return 0, fmt.Errorf("quote %d failed (%v): %w", token, err, ErrStale)
}

// Spot fetches from the underlying feed, falling back to the last good
// price within the staleness budget.
func (c *CachedFeed) Spot(ctx context.Context, symbol string) (float64, error) {
	price, err := c.feed.Spot(ctx, symbol)
	if err == nil {
		c.mu.Lock()
		c.spots[symbol] = cachedQuote{price: price, at: c.now()}
		c.mu.Unlock()
		return price, nil
	}

	c.mu.Lock()
	cached, ok := c.spots[symbol]
	c.mu.Unlock()
	if ok && c.now().Sub(cached.at) <= c.maxAge {
		return cached.price, nil
	}
	return 0, fmt.Errorf("spot %s failed (%v): %w", symbol, err, ErrStale)
}
