package feed

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerFeed wraps a Feed with circuit breaker functionality so a flapping
// quote source trips open instead of being hammered every polling cycle.
type BreakerFeed struct {
	feed    Feed
	breaker *gobreaker.CircuitBreaker
}

var _ Feed = (*BreakerFeed)(nil)

// BreakerSettings configures circuit breaker behavior.
type BreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewBreakerFeed wraps feed with sensible defaults: quotes are polled every
// few milliseconds, so the breaker needs a healthy request floor before it
// may trip.
func NewBreakerFeed(feed Feed) *BreakerFeed {
	return NewBreakerFeedWithSettings(feed, BreakerSettings{
		MaxRequests:  3,
		Interval:     30 * time.Second,
		Timeout:      5 * time.Second,
		MinRequests:  10,
		FailureRatio: 0.6,
	})
}

// NewBreakerFeedWithSettings wraps feed with custom breaker settings.
func NewBreakerFeedWithSettings(feed Feed, settings BreakerSettings) *BreakerFeed {
	gbSettings := gobreaker.Settings{
		Name:        "PriceFeedCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &BreakerFeed{
		feed:    feed,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execBreaker is a generic helper for circuit breaker wrapper methods.
func execBreaker[T any](breaker *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return zero, err
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// Quote wraps the underlying feed call with the circuit breaker.
func (b *BreakerFeed) Quote(ctx context.Context, token int64) (float64, error) {
	return execBreaker(b.breaker, func() (float64, error) { return b.feed.Quote(ctx, token) })
}

// Spot wraps the underlying feed call with the circuit breaker.
func (b *BreakerFeed) Spot(ctx context.Context, symbol string) (float64, error) {
	return execBreaker(b.breaker, func() (float64, error) { return b.feed.Spot(ctx, symbol) })
}
