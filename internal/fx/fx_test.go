package fx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/homeward-matching/internal/clock"
	"github.com/example/homeward-matching/internal/models"
)

type countingSource struct {
	rates   map[string]float64
	fetches int
	err     error
}

func (s *countingSource) FetchRates(context.Context) (map[string]float64, error) {
	s.fetches++
	if s.err != nil {
		return nil, s.err
	}
	return s.rates, nil
}

func TestConverterCachesWithinTTL(t *testing.T) {
	src := &countingSource{rates: map[string]float64{"USD": 1, "EUR": 0.9}}
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := NewConverter(src, clk, 5*time.Minute)

	for i := 0; i < 5; i++ {
		r, err := c.Rate(context.Background(), "EUR")
		if err != nil {
			t.Fatalf("rate: %v", err)
		}
		if r != 0.9 {
			t.Fatalf("EUR rate = %f, want 0.9", r)
		}
	}
	if src.fetches != 1 {
		t.Fatalf("fetches within TTL = %d, want 1", src.fetches)
	}
}

func TestConverterRefetchesAfterTTL(t *testing.T) {
	src := &countingSource{rates: map[string]float64{"USD": 1}}
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := NewConverter(src, clk, 5*time.Minute)

	if _, err := c.Rate(context.Background(), "USD"); err != nil {
		t.Fatalf("rate: %v", err)
	}
	clk.Advance(6 * time.Minute)
	src.rates = map[string]float64{"USD": 1, "EUR": 0.95}

	r, err := c.Rate(context.Background(), "EUR")
	if err != nil {
		t.Fatalf("rate after TTL: %v", err)
	}
	if r != 0.95 {
		t.Fatalf("EUR rate = %f, want the refreshed 0.95", r)
	}
	if src.fetches != 2 {
		t.Fatalf("fetches = %d, want 2", src.fetches)
	}
}

func TestConverterFallsBackWhenSourceFails(t *testing.T) {
	src := &countingSource{err: errors.New("provider down")}
	clk := clock.NewFake(time.Now())
	c := NewConverter(src, clk, time.Minute)

	r, err := c.Rate(context.Background(), "USD")
	if err != nil {
		t.Fatalf("fallback should not error: %v", err)
	}
	if r != 1 {
		t.Fatalf("fallback USD rate = %f, want 1", r)
	}
	if _, err := c.Rate(context.Background(), "INR"); err != nil {
		t.Fatalf("fallback INR should be served: %v", err)
	}
}

func TestConverterServesStaleTableOverFallback(t *testing.T) {
	src := &countingSource{rates: map[string]float64{"USD": 1, "EUR": 0.88}}
	clk := clock.NewFake(time.Now())
	c := NewConverter(src, clk, time.Minute)

	if _, err := c.Rate(context.Background(), "EUR"); err != nil {
		t.Fatalf("prime cache: %v", err)
	}
	src.err = errors.New("provider down")
	clk.Advance(2 * time.Minute)

	r, err := c.Rate(context.Background(), "EUR")
	if err != nil {
		t.Fatalf("stale serve: %v", err)
	}
	if r != 0.88 {
		t.Fatalf("stale EUR rate = %f, want 0.88 from the previous fetch", r)
	}
}

func TestConverterBacksOffAfterFailedFetch(t *testing.T) {
	src := &countingSource{err: errors.New("provider down")}
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := NewConverter(src, clk, time.Minute)

	for i := 0; i < 4; i++ {
		if _, err := c.Rate(context.Background(), "USD"); err != nil {
			t.Fatalf("rate %d: %v", i, err)
		}
	}
	// repeated requests inside the backoff window must not hammer the source
	if src.fetches != 1 {
		t.Fatalf("fetches during backoff = %d, want 1", src.fetches)
	}

	clk.Advance(31 * time.Second)
	src.err = nil
	src.rates = map[string]float64{"USD": 1, "EUR": 0.91}
	r, err := c.Rate(context.Background(), "EUR")
	if err != nil {
		t.Fatalf("rate after backoff: %v", err)
	}
	if r != 0.91 || src.fetches != 2 {
		t.Fatalf("after backoff: rate %f over %d fetches, want 0.91 over 2", r, src.fetches)
	}
}

func TestConverterUnknownCurrency(t *testing.T) {
	src := &countingSource{rates: map[string]float64{"USD": 1}}
	c := NewConverter(src, clock.NewFake(time.Now()), time.Minute)

	_, err := c.Rate(context.Background(), "XYZ")
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("unknown currency error = %v, want validation error", err)
	}
}
