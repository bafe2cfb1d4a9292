package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/homeward-matching/internal/clock"
	"github.com/example/homeward-matching/internal/geo"
	"github.com/example/homeward-matching/internal/models"
	"github.com/example/homeward-matching/internal/observability"
	"github.com/example/homeward-matching/internal/storage"
)

// RestrictionPremiumMatchingDisabled is the anti-abuse tag that blocks
// homeward activation outright, regardless of quota or cooldown state.
const RestrictionPremiumMatchingDisabled = "pmgth_disabled"

// RestrictionSource supplies anti-abuse flags. The session manager honors
// them but never computes them.
type RestrictionSource interface {
	Restrictions(ctx context.Context, driverID string) ([]string, error)
}

// HomeAddresses is the saved-home collaborator.
type HomeAddresses interface {
	Get(ctx context.Context, userID string) (models.Destination, error)
	Save(ctx context.Context, userID string, dest models.Destination) error
}

// Config carries the session guardrails.
type Config struct {
	MaxDailySessions        int
	Cooldown                time.Duration
	DefaultWindowMinutes    int
	MinWindowMinutes        int
	MaxWindowMinutes        int
	DefaultMaxDetourPercent float64
}

func DefaultConfig() Config {
	return Config{
		MaxDailySessions:        3,
		Cooldown:                30 * time.Minute,
		DefaultWindowMinutes:    60,
		MinWindowMinutes:        15,
		MaxWindowMinutes:        240,
		DefaultMaxDetourPercent: 15,
	}
}

// Manager owns the homeward session lifecycle: activation guardrails,
// termination bookkeeping, and lazy expiry.
type Manager struct {
	Sessions     storage.SessionStore
	Usage        storage.UsageStore
	Drivers      geo.DriverDirectory
	Restrictions RestrictionSource
	Homes        HomeAddresses
	Clock        clock.Clock
	Logger       *slog.Logger
	Config       Config
}

const dayFormat = "2006-01-02"

// Activate starts a homeward session for the driver. Checks run in fixed
// order: restriction flag, cooldown, daily quota, driver location, then the
// atomic create that loses to an existing active session.
func (m *Manager) Activate(ctx context.Context, driverID string, dest models.Destination, windowMinutes int, maxDetourPercent float64) (*models.HomewardSession, error) {
	if driverID == "" || !dest.Valid() {
		return nil, fmt.Errorf("driver id and destination coordinates required: %w", models.ErrValidation)
	}
	if windowMinutes == 0 {
		windowMinutes = m.Config.DefaultWindowMinutes
	}
	if windowMinutes < m.Config.MinWindowMinutes || windowMinutes > m.Config.MaxWindowMinutes {
		return nil, fmt.Errorf("time window %d min outside [%d, %d]: %w",
			windowMinutes, m.Config.MinWindowMinutes, m.Config.MaxWindowMinutes, models.ErrValidation)
	}
	if maxDetourPercent <= 0 {
		maxDetourPercent = m.Config.DefaultMaxDetourPercent
	}

	now := m.Clock.Now()

	if m.Restrictions != nil {
		tags, err := m.Restrictions.Restrictions(ctx, driverID)
		if err != nil {
			return nil, fmt.Errorf("fetch restrictions: %w", err)
		}
		for _, t := range tags {
			if t == RestrictionPremiumMatchingDisabled {
				observability.ActivationRejectedTotal.WithLabelValues("restricted").Inc()
				return nil, fmt.Errorf("driver %s: %w", driverID, models.ErrRestricted)
			}
		}
	}

	day := now.UTC().Format(dayFormat)
	usage, err := m.Usage.Get(ctx, driverID, day)
	if err != nil {
		return nil, fmt.Errorf("load daily usage: %w", err)
	}
	if usage.CooldownUntil.After(now) {
		observability.ActivationRejectedTotal.WithLabelValues("cooldown").Inc()
		return nil, fmt.Errorf("until %s: %w", usage.CooldownUntil.Format(time.RFC3339), models.ErrCooldown)
	}
	if usage.SessionsStarted >= m.Config.MaxDailySessions {
		observability.ActivationRejectedTotal.WithLabelValues("quota").Inc()
		return nil, fmt.Errorf("%d sessions today: %w", usage.SessionsStarted, models.ErrQuotaExceeded)
	}

	driver, err := m.Drivers.GetDriver(ctx, driverID)
	if err != nil && !isNotFound(err) {
		// directory outage, not a stale driver; surface it as such
		return nil, fmt.Errorf("driver directory: %w", err)
	}
	if err != nil || !driver.Online || !driver.Loc.Valid() {
		observability.ActivationRejectedTotal.WithLabelValues("location").Inc()
		return nil, fmt.Errorf("driver %s: %w", driverID, models.ErrLocationUnavailable)
	}

	s := &models.HomewardSession{
		ID:                uuid.NewString(),
		DriverID:          driverID,
		Destination:       dest,
		StartLocation:     driver.Loc,
		TimeWindowMinutes: windowMinutes,
		MaxDetourPercent:  maxDetourPercent,
		Status:            models.SessionActive,
		ActivatedAt:       now,
		ExpiresAt:         now.Add(time.Duration(windowMinutes) * time.Minute),
	}
	if err := m.Sessions.CreateActive(ctx, s); err != nil {
		return nil, err
	}
	if err := m.Usage.IncrementStarted(ctx, driverID, day); err != nil {
		m.Logger.Error("increment daily usage", "driver_id", driverID, "error", err)
	}

	observability.SessionsActivatedTotal.Inc()
	m.Logger.Info("homeward session activated",
		"driver_id", driverID, "session_id", s.ID,
		"window_minutes", windowMinutes, "expires_at", s.ExpiresAt)
	return s, nil
}

// Deactivate terminates the driver's active session. It is a no-op
// returning nil when no active session exists. A session that never
// produced a match triggers the retry cooldown.
func (m *Manager) Deactivate(ctx context.Context, driverID string, reason models.SessionStatus) (*models.HomewardSession, error) {
	switch reason {
	case models.SessionCompleted, models.SessionCancelled, models.SessionExpired:
	default:
		return nil, fmt.Errorf("deactivation reason %q: %w", reason, models.ErrValidation)
	}

	now := m.Clock.Now()
	s, err := m.Sessions.Terminate(ctx, driverID, reason, now)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	day := now.UTC().Format(dayFormat)
	if reason == models.SessionCompleted {
		if err := m.Usage.IncrementCompleted(ctx, driverID, day); err != nil {
			m.Logger.Error("increment completed", "driver_id", driverID, "error", err)
		}
	} else if s.RidesCompleted == 0 {
		until := now.Add(m.Config.Cooldown)
		if err := m.Usage.SetCooldown(ctx, driverID, day, until); err != nil {
			m.Logger.Error("set cooldown", "driver_id", driverID, "error", err)
		}
	}

	observability.SessionsEndedTotal.WithLabelValues(string(reason)).Inc()
	m.Logger.Info("homeward session ended",
		"driver_id", driverID, "session_id", s.ID, "reason", reason,
		"rides_completed", s.RidesCompleted,
		"premium_earnings_cents", int64(s.PremiumEarningsCents))
	return s, nil
}

// GetActive returns the driver's active session, expiring it transparently
// when the window has elapsed. A stale session is reported as absent, never
// as an error.
func (m *Manager) GetActive(ctx context.Context, driverID string) (*models.HomewardSession, error) {
	s, err := m.Sessions.GetActive(ctx, driverID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if s.ExpiredBy(m.Clock.Now()) {
		if _, err := m.Deactivate(ctx, driverID, models.SessionExpired); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return s, nil
}

// SweepExpired reclaims abandoned sessions promptly for matching purposes.
// It reuses the lazy-expiry path, so running it is optional for correctness.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	sessions, err := m.Sessions.ActiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	now := m.Clock.Now()
	swept := 0
	for _, s := range sessions {
		if !s.ExpiredBy(now) {
			continue
		}
		if _, err := m.Deactivate(ctx, s.DriverID, models.SessionExpired); err != nil {
			m.Logger.Error("sweep expire", "session_id", s.ID, "error", err)
			continue
		}
		swept++
	}
	return swept, nil
}

// SaveHome stores a driver's saved home destination via the collaborator.
func (m *Manager) SaveHome(ctx context.Context, userID string, dest models.Destination) error {
	if !dest.Valid() {
		return fmt.Errorf("home coordinates: %w", models.ErrValidation)
	}
	return m.Homes.Save(ctx, userID, dest)
}

// HomeFor loads a driver's saved home destination.
func (m *Manager) HomeFor(ctx context.Context, userID string) (models.Destination, error) {
	return m.Homes.Get(ctx, userID)
}

func isNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}
