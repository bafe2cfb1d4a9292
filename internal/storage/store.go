package storage

import (
	"context"
	"time"

	"github.com/example/homeward-matching/internal/models"
)

// SessionStore persists homeward sessions. Implementations must make
// CreateActive and Terminate atomic conditional writes: two concurrent
// activations for one driver must not both succeed, and a terminated
// session must not be terminated twice.
type SessionStore interface {
	// CreateActive inserts a new active session. It returns
	// models.ErrSessionConflict if the driver already has an active session
	// whose window has not elapsed as of s.ActivatedAt; an active-but-stale
	// session is flipped to expired as part of the same write.
	CreateActive(ctx context.Context, s *models.HomewardSession) error

	// GetActive returns the driver's active session or models.ErrNotFound.
	// Expiry is the caller's concern (lazy expiry lives in the manager).
	GetActive(ctx context.Context, driverID string) (*models.HomewardSession, error)

	// Terminate moves the driver's active session to the given terminal
	// status. models.ErrNotFound when no active session exists.
	Terminate(ctx context.Context, driverID string, status models.SessionStatus, endedAt time.Time) (*models.HomewardSession, error)

	// ActiveSessions lists all sessions currently marked active, for
	// ranking and for the optional expiry sweep.
	ActiveSessions(ctx context.Context) ([]*models.HomewardSession, error)

	// AddMatchStats bumps RidesCompleted and accrues the driver's premium
	// share on an accepted match.
	AddMatchStats(ctx context.Context, sessionID string, driverShare models.Cents) error
}

// UsageStore persists per-(driver, day) counters.
type UsageStore interface {
	// Get returns the counter row, or a zero-valued row when the driver has
	// not activated today.
	Get(ctx context.Context, driverID, day string) (models.DailyUsage, error)
	IncrementStarted(ctx context.Context, driverID, day string) error
	IncrementCompleted(ctx context.Context, driverID, day string) error
	SetCooldown(ctx context.Context, driverID, day string, until time.Time) error
}

// EscrowStore persists payment intents. TransitionStatus is the
// compare-and-swap every settlement step is built on: exactly one caller
// observes from→to, everyone else gets models.ErrInvalidState.
type EscrowStore interface {
	CreateIntent(ctx context.Context, it *models.PaymentIntent) error
	GetIntent(ctx context.Context, id string) (*models.PaymentIntent, error)
	TransitionStatus(ctx context.Context, id string, from, to models.IntentStatus, at time.Time) (*models.PaymentIntent, error)
	MarkPremiumPaid(ctx context.Context, id, payoutRef string) error
	SetCancelReason(ctx context.Context, id, reason string) error
}

// MatchStore persists accepted match records.
type MatchStore interface {
	SaveMatch(ctx context.Context, rec *models.MatchRecord) error
}
