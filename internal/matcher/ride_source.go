package matcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/example/homeward-matching/internal/models"
)

// HTTPRideSource talks to the ride service's internal API for pending
// requests and match markings.
type HTTPRideSource struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPRideSource(endpoint string) *HTTPRideSource {
	return &HTTPRideSource{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

func (s *HTTPRideSource) PendingRides(ctx context.Context) ([]models.RideCandidate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.Endpoint+"/internal/rides/pending", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ride service status %d", resp.StatusCode)
	}
	var out struct {
		Rides []models.RideCandidate `json:"rides"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Rides, nil
}

func (s *HTTPRideSource) MarkHomewardMatched(ctx context.Context, rideID string, premium models.Cents, premiumPercent float64) error {
	body, err := json.Marshal(map[string]any{
		"homeward_matched": true,
		"premium_cents":    premium,
		"premium_percent":  premiumPercent,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/internal/rides/%s/homeward", s.Endpoint, rideID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ride service status %d", resp.StatusCode)
	}
	return nil
}

// MemoryRidePool is an in-process ride source for local runs and tests.
type MemoryRidePool struct {
	mu      sync.Mutex
	pending map[string]models.RideCandidate
	matched map[string]models.Cents
}

func NewMemoryRidePool() *MemoryRidePool {
	return &MemoryRidePool{
		pending: make(map[string]models.RideCandidate),
		matched: make(map[string]models.Cents),
	}
}

func (p *MemoryRidePool) Add(cands ...models.RideCandidate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range cands {
		p.pending[c.ID] = c
	}
}

func (p *MemoryRidePool) PendingRides(context.Context) ([]models.RideCandidate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.RideCandidate, 0, len(p.pending))
	for _, c := range p.pending {
		out = append(out, c)
	}
	return out, nil
}

func (p *MemoryRidePool) MarkHomewardMatched(_ context.Context, rideID string, premium models.Cents, _ float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[rideID]; !ok {
		return fmt.Errorf("ride %s: %w", rideID, models.ErrNotFound)
	}
	delete(p.pending, rideID)
	p.matched[rideID] = premium
	return nil
}

// MatchedPremium is a test helper.
func (p *MemoryRidePool) MatchedPremium(rideID string) (models.Cents, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.matched[rideID]
	return c, ok
}
