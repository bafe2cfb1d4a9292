package models

import "time"

// Cents is a fixed-point money amount in USD cents. All fee and premium
// splits are computed in integer cents so the parts always sum exactly.
type Cents int64

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate is inside the WGS84 envelope.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Destination is a geocoded endpoint a driver is heading toward.
type Destination struct {
	Coord
	Address string `json:"address"`
}

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
	SessionExpired   SessionStatus = "expired"
)

// HomewardSession is a time-boxed declaration that a driver is travelling
// toward a personal destination and will take compatible rides on the way.
// At most one active session exists per driver.
type HomewardSession struct {
	ID                   string        `json:"id"`
	DriverID             string        `json:"driver_id"`
	Destination          Destination   `json:"destination"`
	StartLocation        Coord         `json:"start_location"`
	TimeWindowMinutes    int           `json:"time_window_minutes"`
	MaxDetourPercent     float64       `json:"max_detour_percent"`
	Status               SessionStatus `json:"status"`
	ActivatedAt          time.Time     `json:"activated_at"`
	ExpiresAt            time.Time     `json:"expires_at"`
	EndedAt              *time.Time    `json:"ended_at,omitempty"`
	RidesCompleted       int           `json:"rides_completed"`
	PremiumEarningsCents Cents         `json:"premium_earnings_cents"`
}

// ExpiredBy reports whether the session window has elapsed at the given
// instant. Callers observing this must treat the session as expired.
func (s *HomewardSession) ExpiredBy(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// DailyUsage tracks per-driver activation counters for one UTC calendar day.
type DailyUsage struct {
	DriverID          string    `json:"driver_id"`
	Day               string    `json:"day"` // "2006-01-02", UTC
	SessionsStarted   int       `json:"sessions_started"`
	SessionsCompleted int       `json:"sessions_completed"`
	CooldownUntil     time.Time `json:"cooldown_until"`
}

// Driver is the slice of the driver profile this engine needs: where the
// driver is right now and whether they are reachable.
type Driver struct {
	ID      string    `json:"id"`
	Loc     Coord     `json:"loc"`
	Online  bool      `json:"online"`
	Updated time.Time `json:"updated"`
}

// RideCandidate is a pending ride request as supplied by the ride service.
type RideCandidate struct {
	ID                 string `json:"id"`
	Pickup             Coord  `json:"pickup"`
	Dropoff            Coord  `json:"dropoff"`
	EstimatedFareCents Cents  `json:"estimated_fare_cents"`
}

// CompatibilityResult is the per-(session, ride) evaluation outcome. It is
// ephemeral; only accepted candidates are persisted as a MatchRecord.
type CompatibilityResult struct {
	RideID                  string  `json:"ride_id"`
	IsCompatible            bool    `json:"is_compatible"`
	DirectionScore          float64 `json:"direction_score"`
	AvgAngleDeviation       float64 `json:"avg_angle_deviation"`
	DetourPercent           float64 `json:"detour_percent"`
	PickupProximityKm       float64 `json:"pickup_proximity_km"`
	PremiumCents            Cents   `json:"premium_cents"`
	PremiumPercent          float64 `json:"premium_percent"`
	EstimatedArrivalMinutes int     `json:"estimated_arrival_minutes"`
	TotalScore              float64 `json:"total_score"`
}

// SessionMatch pairs an active session with its evaluation for one ride.
type SessionMatch struct {
	Session *HomewardSession    `json:"session"`
	Result  CompatibilityResult `json:"result"`
}

// MatchRecord is the immutable snapshot written when a candidate is accepted.
type MatchRecord struct {
	ID                 string    `json:"id"`
	SessionID          string    `json:"session_id"`
	RideID             string    `json:"ride_id"`
	DirectionScore     float64   `json:"direction_score"`
	DetourPercent      float64   `json:"detour_percent"`
	TotalScore         float64   `json:"total_score"`
	PremiumCents       Cents     `json:"premium_cents"`
	PremiumPercent     float64   `json:"premium_percent"`
	DriverShareCents   Cents     `json:"driver_share_cents"`
	PlatformShareCents Cents     `json:"platform_share_cents"`
	Accepted           bool      `json:"accepted"`
	CreatedAt          time.Time `json:"created_at"`
}

type IntentStatus string

const (
	IntentPending           IntentStatus = "pending"
	IntentFunded            IntentStatus = "funded"
	IntentInProgress        IntentStatus = "in_progress"
	IntentCompleted         IntentStatus = "completed"
	IntentCancelledByRider  IntentStatus = "cancelled_by_rider"
	IntentCancelledByDriver IntentStatus = "cancelled_by_driver"
	IntentExpired           IntentStatus = "expired"
)

// Terminal reports whether no further transition is permitted.
func (s IntentStatus) Terminal() bool {
	switch s {
	case IntentCompleted, IntentCancelledByRider, IntentCancelledByDriver, IntentExpired:
		return true
	}
	return false
}

// PaymentIntent is the escrow record for one matched ride. TotalCents is
// always BaseFareCents + PremiumCents; the fee/earnings split is derived
// once at creation and never recomputed.
type PaymentIntent struct {
	ID                  string       `json:"id"`
	RideID              string       `json:"ride_id"`
	RiderID             string       `json:"rider_id"`
	DriverID            string       `json:"driver_id"`
	BaseFareCents       Cents        `json:"base_fare_cents"`
	PremiumCents        Cents        `json:"premium_cents"`
	PlatformFeeCents    Cents        `json:"platform_fee_cents"`
	DriverEarningsCents Cents        `json:"driver_earnings_cents"`
	// DriverPremiumShareCents is the instant tranche disbursed at funding,
	// pinned here at creation so later config changes cannot skew the split.
	DriverPremiumShareCents Cents        `json:"driver_premium_share_cents"`
	TotalCents              Cents        `json:"total_cents"`
	LocalCurrency           string       `json:"local_currency"`
	FxRate                  float64      `json:"fx_rate"`
	Status                  IntentStatus `json:"status"`
	PremiumPaid             bool         `json:"premium_paid"`
	PremiumPayoutRef        string       `json:"premium_payout_ref,omitempty"`
	HoldRef                 string       `json:"hold_ref,omitempty"`
	CreatedAt               time.Time    `json:"created_at"`
	ExpiresAt               time.Time    `json:"expires_at"`
	CompletedAt             *time.Time   `json:"completed_at,omitempty"`
	CancelledAt             *time.Time   `json:"cancelled_at,omitempty"`
	CancelReason            string       `json:"cancel_reason,omitempty"`
}

// MatchOffer is the payload pushed to a connected driver over the offer
// websocket when a homeward match is confirmed.
type MatchOffer struct {
	RideID                  string  `json:"ride_id"`
	DriverID                string  `json:"driver_id"`
	PremiumCents            Cents   `json:"premium_cents"`
	DirectionScore          float64 `json:"direction_score"`
	EstimatedArrivalMinutes int     `json:"eta_minutes"`
}
