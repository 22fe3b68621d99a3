package orders

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/p2psats/tradehub/traderr"
)

// PriceSource supplies the current exchange rate for a currency, in
// fiat units per BTC. Where the rate comes from (aggregated indices,
// a single feed, an operator-pinned value) is outside this engine.
type PriceSource interface {
	Rate(ctx context.Context, currency string) (float64, error)
}

type cachedRate struct {
	rate      float64
	fetchedAt time.Time
}

type cachedPriceSource struct {
	source PriceSource
	ttl    time.Duration

	mu      sync.Mutex
	entries map[string]cachedRate
}

// NewCachedPriceSource wraps a PriceSource with a per-currency TTL
// cache so repeated price resolutions within the window hit the
// upstream source once.
func NewCachedPriceSource(source PriceSource, ttl time.Duration) *cachedPriceSource {
	return &cachedPriceSource{
		source:  source,
		ttl:     ttl,
		entries: map[string]cachedRate{},
	}
}

func (c *cachedPriceSource) Rate(ctx context.Context, currency string) (float64, error) {
	c.mu.Lock()
	cached, ok := c.entries[currency]
	c.mu.Unlock()
	if ok && time.Since(cached.fetchedAt) < c.ttl {
		return cached.rate, nil
	}

	rate, err := c.source.Rate(ctx, currency)
	if err != nil {
		// a stale rate beats no rate while the upstream recovers
		if ok {
			return cached.rate, nil
		}
		return 0, err
	}

	c.mu.Lock()
	c.entries[currency] = cachedRate{rate: rate, fetchedAt: time.Now()}
	c.mu.Unlock()
	return rate, nil
}

// satoshisForAmount converts a fiat amount into satoshis at the given
// rate and premium: amount / (rate × (1 + premium/100)) × 1e8.
func satoshisForAmount(amount float64, rate float64, premium float64) (int64, error) {
	if rate <= 0 {
		return 0, traderr.NewBadRequestError("exchange rate is not available")
	}
	premiumRate := rate * (1 + premium/100)
	if premiumRate <= 0 {
		return 0, traderr.NewBadRequestError("premium pushes the price to zero or below")
	}
	return int64(math.Round(amount / premiumRate * 1e8)), nil
}
