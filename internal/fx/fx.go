package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/example/homeward-matching/internal/clock"
	"github.com/example/homeward-matching/internal/models"
	"github.com/example/homeward-matching/internal/observability"
)

// RateSource fetches currency→USD multipliers: one USD equals rate units of
// the local currency.
type RateSource interface {
	FetchRates(ctx context.Context) (map[string]float64, error)
}

// fallbackRates keeps settlement working when the rate provider is down.
// Stale-but-plausible beats failing the request.
var fallbackRates = map[string]float64{
	"USD": 1,
	"EUR": 0.92,
	"GBP": 0.79,
	"INR": 83.2,
	"NGN": 1540,
	"KES": 129,
}

// HTTPSource pulls rates from a JSON endpoint of the shape
// {"base":"USD","rates":{"EUR":0.92,...}}.
type HTTPSource struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPSource(endpoint string) *HTTPSource {
	return &HTTPSource{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (s *HTTPSource) FetchRates(ctx context.Context) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.Endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fx source status %d", resp.StatusCode)
	}
	var out struct {
		Rates map[string]float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Rates) == 0 {
		return nil, fmt.Errorf("fx source returned no rates")
	}
	return out.Rates, nil
}

// StaticSource serves a fixed table; used in tests and offline runs.
type StaticSource map[string]float64

func (s StaticSource) FetchRates(context.Context) (map[string]float64, error) {
	return s, nil
}

// failureRetryDelay is how long the converter serves cached or fallback
// rates after a failed fetch before contacting the source again. Without it
// a dead provider would be re-hit on every settlement request.
const failureRetryDelay = 30 * time.Second

// Converter caches the rate table for a TTL against an injected clock. On
// fetch failure it falls back to the static table rather than failing the
// settlement request, and backs off before retrying the source.
type Converter struct {
	source RateSource
	clock  clock.Clock
	ttl    time.Duration

	mu        sync.RWMutex
	rates     map[string]float64
	fetchedAt time.Time
	retryAt   time.Time
}

func NewConverter(source RateSource, clk clock.Clock, ttl time.Duration) *Converter {
	return &Converter{source: source, clock: clk, ttl: ttl}
}

// Rate returns the currency→USD multiplier for the given currency code.
func (c *Converter) Rate(ctx context.Context, currency string) (float64, error) {
	rates := c.current(ctx)
	if r, ok := rates[currency]; ok {
		return r, nil
	}
	return 0, fmt.Errorf("unknown currency %q: %w", currency, models.ErrValidation)
}

func (c *Converter) current(ctx context.Context) map[string]float64 {
	now := c.clock.Now()

	c.mu.RLock()
	if c.rates != nil && now.Sub(c.fetchedAt) < c.ttl {
		r := c.rates
		c.mu.RUnlock()
		return r
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rates != nil && now.Sub(c.fetchedAt) < c.ttl {
		return c.rates
	}
	if now.Before(c.retryAt) {
		// inside the post-failure backoff window
		if c.rates != nil {
			return c.rates
		}
		return fallbackRates
	}

	fresh, err := c.source.FetchRates(ctx)
	if err != nil {
		observability.FXFallbacksTotal.Inc()
		c.retryAt = now.Add(failureRetryDelay)
		if c.rates != nil {
			// keep serving the stale table until the source recovers
			return c.rates
		}
		return fallbackRates
	}
	c.rates = fresh
	c.fetchedAt = now
	return c.rates
}
