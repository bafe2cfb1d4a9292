package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/homeward-matching/internal/models"
)

// MemoryStore implements all four stores with a single mutex, which gives
// the conditional-write semantics the managers rely on for free. Used for
// local runs and tests; production uses PostgresStore.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.HomewardSession // session ID -> session
	usage    map[string]*models.DailyUsage      // driverID|day -> usage
	intents  map[string]*models.PaymentIntent
	matches  map[string]*models.MatchRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.HomewardSession),
		usage:    make(map[string]*models.DailyUsage),
		intents:  make(map[string]*models.PaymentIntent),
		matches:  make(map[string]*models.MatchRecord),
	}
}

func (m *MemoryStore) activeByDriver(driverID string) *models.HomewardSession {
	for _, s := range m.sessions {
		if s.DriverID == driverID && s.Status == models.SessionActive {
			return s
		}
	}
	return nil
}

func (m *MemoryStore) CreateActive(_ context.Context, s *models.HomewardSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.activeByDriver(s.DriverID); cur != nil {
		if !cur.ExpiredBy(s.ActivatedAt) {
			return fmt.Errorf("driver %s: %w", s.DriverID, models.ErrSessionConflict)
		}
		// stale winner of the slot: expire it in the same critical section
		cur.Status = models.SessionExpired
		ended := cur.ExpiresAt
		cur.EndedAt = &ended
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetActive(_ context.Context, driverID string) (*models.HomewardSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.activeByDriver(driverID); s != nil {
		cp := *s
		return &cp, nil
	}
	return nil, fmt.Errorf("active session for driver %s: %w", driverID, models.ErrNotFound)
}

func (m *MemoryStore) Terminate(_ context.Context, driverID string, status models.SessionStatus, endedAt time.Time) (*models.HomewardSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.activeByDriver(driverID)
	if s == nil {
		return nil, fmt.Errorf("active session for driver %s: %w", driverID, models.ErrNotFound)
	}
	s.Status = status
	s.EndedAt = &endedAt
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ActiveSessions(_ context.Context) ([]*models.HomewardSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.HomewardSession, 0)
	for _, s := range m.sessions {
		if s.Status == models.SessionActive {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) AddMatchStats(_ context.Context, sessionID string, driverShare models.Cents) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	s.RidesCompleted++
	s.PremiumEarningsCents += driverShare
	return nil
}

func usageKey(driverID, day string) string { return driverID + "|" + day }

func (m *MemoryStore) Get(_ context.Context, driverID, day string) (models.DailyUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.usage[usageKey(driverID, day)]; ok {
		return *u, nil
	}
	return models.DailyUsage{DriverID: driverID, Day: day}, nil
}

func (m *MemoryStore) upsertUsage(driverID, day string) *models.DailyUsage {
	k := usageKey(driverID, day)
	u, ok := m.usage[k]
	if !ok {
		u = &models.DailyUsage{DriverID: driverID, Day: day}
		m.usage[k] = u
	}
	return u
}

func (m *MemoryStore) IncrementStarted(_ context.Context, driverID, day string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertUsage(driverID, day).SessionsStarted++
	return nil
}

func (m *MemoryStore) IncrementCompleted(_ context.Context, driverID, day string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertUsage(driverID, day).SessionsCompleted++
	return nil
}

func (m *MemoryStore) SetCooldown(_ context.Context, driverID, day string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertUsage(driverID, day).CooldownUntil = until
	return nil
}

func (m *MemoryStore) CreateIntent(_ context.Context, it *models.PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.intents[it.ID]; ok {
		return fmt.Errorf("intent %s already exists: %w", it.ID, models.ErrValidation)
	}
	cp := *it
	m.intents[it.ID] = &cp
	return nil
}

func (m *MemoryStore) GetIntent(_ context.Context, id string) (*models.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.intents[id]
	if !ok {
		return nil, fmt.Errorf("intent %s: %w", id, models.ErrNotFound)
	}
	cp := *it
	return &cp, nil
}

func (m *MemoryStore) TransitionStatus(_ context.Context, id string, from, to models.IntentStatus, at time.Time) (*models.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.intents[id]
	if !ok {
		return nil, fmt.Errorf("intent %s: %w", id, models.ErrNotFound)
	}
	if it.Status != from {
		return nil, fmt.Errorf("intent %s is %s, not %s: %w", id, it.Status, from, models.ErrInvalidState)
	}
	it.Status = to
	switch to {
	case models.IntentCompleted:
		t := at
		it.CompletedAt = &t
	case models.IntentCancelledByRider, models.IntentCancelledByDriver, models.IntentExpired:
		t := at
		it.CancelledAt = &t
	}
	cp := *it
	return &cp, nil
}

func (m *MemoryStore) MarkPremiumPaid(_ context.Context, id, payoutRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.intents[id]
	if !ok {
		return fmt.Errorf("intent %s: %w", id, models.ErrNotFound)
	}
	it.PremiumPaid = true
	it.PremiumPayoutRef = payoutRef
	return nil
}

func (m *MemoryStore) SetCancelReason(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.intents[id]
	if !ok {
		return fmt.Errorf("intent %s: %w", id, models.ErrNotFound)
	}
	it.CancelReason = reason
	return nil
}

func (m *MemoryStore) SaveMatch(_ context.Context, rec *models.MatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.matches[rec.ID] = &cp
	return nil
}

// GetMatch is a test helper.
func (m *MemoryStore) GetMatch(id string) (*models.MatchRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.matches[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// GetSession is a test helper.
func (m *MemoryStore) GetSession(id string) (*models.HomewardSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}
