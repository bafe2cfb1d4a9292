package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/example/homeward-matching/internal/clock"
	"github.com/example/homeward-matching/internal/geo"
	"github.com/example/homeward-matching/internal/models"
	"github.com/example/homeward-matching/internal/observability"
	"github.com/example/homeward-matching/internal/pricing"
	"github.com/example/homeward-matching/internal/session"
	"github.com/example/homeward-matching/internal/storage"
)

// pickupSpeedKmh is the flat effective urban speed used for arrival
// estimates; rider wait time dominates perceived match quality.
const pickupSpeedKmh = 30.0

// RideSource is the pending-ride collaborator: list open requests and mark
// one as homeward-matched once a driver accepts it.
type RideSource interface {
	PendingRides(ctx context.Context) ([]models.RideCandidate, error)
	MarkHomewardMatched(ctx context.Context, rideID string, premium models.Cents, premiumPercent float64) error
}

// Offerer pushes a confirmed offer to a connected driver, best effort.
type Offerer interface {
	Offer(driverID string, offer models.MatchOffer) error
}

// EventPublisher emits accepted-match events for downstream settlement.
type EventPublisher interface {
	PublishMatch(ctx context.Context, rec *models.MatchRecord) error
}

// Ranker evaluates (session, ride) pairs with the geometry and pricing
// primitives and produces sorted rankings for both directions of the
// marketplace.
type Ranker struct {
	Sessions storage.SessionStore
	Matches  storage.MatchStore
	Rides    RideSource
	Drivers  geo.DriverDirectory
	Manager  *session.Manager
	Clock    clock.Clock
	Logger   *slog.Logger

	Pricing           pricing.Config
	Weights           pricing.Weights
	MaxAngleDeviation float64

	Dispatch Offerer        // optional
	Events   EventPublisher // optional
}

// evaluate scores one candidate against one session. Geometry and pricing
// never error; an incompatible pair comes back with IsCompatible=false and
// is discarded by the callers before ranking.
func (r *Ranker) evaluate(ctx context.Context, s *models.HomewardSession, cand models.RideCandidate) models.CompatibilityResult {
	observability.CandidatesEvaluatedTotal.Inc()

	driverLoc := s.StartLocation
	if d, err := r.Drivers.GetDriver(ctx, s.DriverID); err == nil && d.Loc.Valid() {
		driverLoc = d.Loc
	}

	comp := geo.DirectionCompatibility(driverLoc, s.Destination.Coord, cand.Pickup, cand.Dropoff,
		geo.CompatibilityParams{
			MaxAngleDeviation: r.MaxAngleDeviation,
			MaxDetourPercent:  s.MaxDetourPercent,
		})

	res := models.CompatibilityResult{
		RideID:            cand.ID,
		IsCompatible:      comp.Compatible,
		DirectionScore:    comp.DirectionScore,
		AvgAngleDeviation: comp.AvgAngleDeviation,
		DetourPercent:     comp.DetourPercent,
		PickupProximityKm: comp.PickupKm,
	}
	if !comp.Compatible {
		return res
	}
	observability.CandidatesCompatibleTotal.Inc()

	quote := pricing.Premium(cand.EstimatedFareCents, comp.DirectionScore, r.Pricing)
	res.PremiumCents = quote.AmountCents
	res.PremiumPercent = quote.Percent
	res.EstimatedArrivalMinutes = int(math.Round(comp.PickupKm / pickupSpeedKmh * 60))

	extraKm := comp.DetourKm - comp.DirectKm
	fareEff := pricing.FareEfficiency(cand.EstimatedFareCents, extraKm)
	res.TotalScore = pricing.TotalScore(comp.DirectionScore, comp.PickupKm, fareEff, r.Weights)
	return res
}

// FindCompatibleRides evaluates the pending-ride pool against one driver's
// active session and returns compatible candidates, best total score first.
// An empty slice means "no match right now" and is not an error.
func (r *Ranker) FindCompatibleRides(ctx context.Context, s *models.HomewardSession) ([]models.CompatibilityResult, error) {
	if s == nil || s.Status != models.SessionActive {
		return nil, fmt.Errorf("session not active: %w", models.ErrInvalidState)
	}
	pending, err := r.Rides.PendingRides(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pending rides: %w", err)
	}

	out := make([]models.CompatibilityResult, 0, len(pending))
	for _, cand := range pending {
		if !cand.Pickup.Valid() || !cand.Dropoff.Valid() {
			continue
		}
		res := r.evaluate(ctx, s, cand)
		if res.IsCompatible {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalScore > out[j].TotalScore })
	return out, nil
}

// FindSessionsForRide evaluates a new ride against every active session,
// lazily expiring stale ones as encountered. Results are ordered by
// estimated arrival first, then direction score.
func (r *Ranker) FindSessionsForRide(ctx context.Context, pickup, dropoff models.Coord, baseFare models.Cents) ([]models.SessionMatch, error) {
	if !pickup.Valid() || !dropoff.Valid() {
		return nil, fmt.Errorf("pickup/dropoff coordinates: %w", models.ErrValidation)
	}
	sessions, err := r.Sessions.ActiveSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active sessions: %w", err)
	}

	now := r.Clock.Now()
	cand := models.RideCandidate{Pickup: pickup, Dropoff: dropoff, EstimatedFareCents: baseFare}

	out := make([]models.SessionMatch, 0, len(sessions))
	for _, s := range sessions {
		if s.ExpiredBy(now) {
			if _, err := r.Manager.Deactivate(ctx, s.DriverID, models.SessionExpired); err != nil {
				r.Logger.Error("lazy expire", "session_id", s.ID, "error", err)
			}
			continue
		}
		res := r.evaluate(ctx, s, cand)
		if res.IsCompatible {
			out = append(out, models.SessionMatch{Session: s, Result: res})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Result.EstimatedArrivalMinutes != out[j].Result.EstimatedArrivalMinutes {
			return out[i].Result.EstimatedArrivalMinutes < out[j].Result.EstimatedArrivalMinutes
		}
		return out[i].Result.DirectionScore > out[j].Result.DirectionScore
	})
	return out, nil
}

// RecordMatch finalizes an accepted candidate: it persists the immutable
// match record, accrues the session's counters and earnings, and marks the
// ride as homeward-matched for downstream settlement. A declined candidate
// records nothing.
func (r *Ranker) RecordMatch(ctx context.Context, sessionID, rideID string, res models.CompatibilityResult, accepted bool) (*models.MatchRecord, error) {
	if !accepted {
		return nil, nil
	}
	if sessionID == "" || rideID == "" || !res.IsCompatible {
		return nil, fmt.Errorf("accepted match needs a compatible result and ids: %w", models.ErrValidation)
	}

	driverShare := models.Cents(math.Round(float64(res.PremiumCents) * r.Pricing.DriverPremiumSharePercent / 100))
	rec := &models.MatchRecord{
		ID:                 uuid.NewString(),
		SessionID:          sessionID,
		RideID:             rideID,
		DirectionScore:     res.DirectionScore,
		DetourPercent:      res.DetourPercent,
		TotalScore:         res.TotalScore,
		PremiumCents:       res.PremiumCents,
		PremiumPercent:     res.PremiumPercent,
		DriverShareCents:   driverShare,
		PlatformShareCents: res.PremiumCents - driverShare,
		Accepted:           true,
		CreatedAt:          r.Clock.Now(),
	}
	if err := r.Matches.SaveMatch(ctx, rec); err != nil {
		return nil, fmt.Errorf("save match record: %w", err)
	}
	if err := r.Sessions.AddMatchStats(ctx, sessionID, driverShare); err != nil {
		return nil, fmt.Errorf("update session stats: %w", err)
	}
	if err := r.Rides.MarkHomewardMatched(ctx, rideID, res.PremiumCents, res.PremiumPercent); err != nil {
		return nil, fmt.Errorf("mark ride matched: %w", err)
	}

	observability.MatchesAcceptedTotal.Inc()

	if r.Events != nil {
		if err := r.Events.PublishMatch(ctx, rec); err != nil {
			r.Logger.Error("publish match event", "match_id", rec.ID, "error", err)
		}
	}
	if r.Dispatch != nil {
		if s, ok := r.sessionDriver(ctx, sessionID); ok {
			_ = r.Dispatch.Offer(s, models.MatchOffer{
				RideID:                  rideID,
				DriverID:                s,
				PremiumCents:            res.PremiumCents,
				DirectionScore:          res.DirectionScore,
				EstimatedArrivalMinutes: res.EstimatedArrivalMinutes,
			})
		}
	}

	r.Logger.Info("homeward match recorded",
		"match_id", rec.ID, "session_id", sessionID, "ride_id", rideID,
		"premium_cents", int64(res.PremiumCents), "total_score", res.TotalScore)
	return rec, nil
}

func (r *Ranker) sessionDriver(ctx context.Context, sessionID string) (string, bool) {
	sessions, err := r.Sessions.ActiveSessions(ctx)
	if err != nil {
		return "", false
	}
	for _, s := range sessions {
		if s.ID == sessionID {
			return s.DriverID, true
		}
	}
	return "", false
}
