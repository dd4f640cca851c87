package feed

import (
	"context"
	"crypto/rand"
	"math/big"
	"sync"
)

// SimFeed is a simulated price provider for paper mode. Option quotes start
// from a seed premium and random-walk downward-biased the way short-dated
// premiums decay; spot prices random-walk around their seed. All state is
// guarded by a single mutex.
type SimFeed struct {
	mu       sync.Mutex
	optSeed  float64
	spotSeed float64
	quotes   map[int64]float64
	spots    map[string]float64
}

// NewSimFeed returns a simulated feed. optSeed is the starting option
// premium, spotSeed the starting spot level.
func NewSimFeed(optSeed, spotSeed float64) *SimFeed {
	return &SimFeed{
		optSeed:  optSeed,
		spotSeed: spotSeed,
		quotes:   make(map[int64]float64),
		spots:    make(map[string]float64),
	}
}

var _ Feed = (*SimFeed)(nil)

// secureFloat64 generates a cryptographically secure random float64 in [0,1).
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		// Fallback to a reasonable default if crypto/rand fails
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// Quote returns the simulated premium for token, moving it one walk step.
func (s *SimFeed) Quote(_ context.Context, token int64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	price, ok := s.quotes[token]
	if !ok {
		price = s.optSeed
	}
	// Slight downward drift mimics theta decay on short-dated premium.
	price += (secureFloat64() - 0.55) * price * 0.02
	if price < 0.05 {
		price = 0.05
	}
	s.quotes[token] = price
	return price, nil
}

// Spot returns the simulated spot level for symbol, moving it one walk step.
func (s *SimFeed) Spot(_ context.Context, symbol string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	price, ok := s.spots[symbol]
	if !ok {
		price = s.spotSeed
	}
	price += (secureFloat64() - 0.5) * price * 0.001
	s.spots[symbol] = price
	return price, nil
}
