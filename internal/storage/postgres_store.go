package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/homeward-matching/internal/models"
)

// PostgresStore implements the four stores over database/sql with lib/pq.
// The one-active-session-per-driver and status CAS guarantees are enforced
// by conditional writes, not by read-then-write in Go.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) CreateActive(ctx context.Context, s *models.HomewardSession) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// flip a stale active session out of the way inside the same tx
	if _, err := tx.ExecContext(ctx,
		`UPDATE homeward_sessions SET status='expired', ended_at=expires_at
		 WHERE driver_id=$1 AND status='active' AND expires_at <= $2`,
		s.DriverID, s.ActivatedAt); err != nil {
		return err
	}

	// the partial unique index on (driver_id) WHERE status='active' makes
	// concurrent activations lose the insert rather than double-create
	res, err := tx.ExecContext(ctx,
		`INSERT INTO homeward_sessions
		 (id, driver_id, dest_lat, dest_lon, dest_address, start_lat, start_lon,
		  time_window_minutes, max_detour_percent, status, activated_at, expires_at,
		  rides_completed, premium_earnings_cents)
		 SELECT $1,$2,$3,$4,$5,$6,$7,$8,$9,'active',$10,$11,0,0
		 WHERE NOT EXISTS (
		   SELECT 1 FROM homeward_sessions WHERE driver_id=$2 AND status='active')
		 ON CONFLICT DO NOTHING`,
		s.ID, s.DriverID, s.Destination.Lat, s.Destination.Lon, s.Destination.Address,
		s.StartLocation.Lat, s.StartLocation.Lon, s.TimeWindowMinutes, s.MaxDetourPercent,
		s.ActivatedAt, s.ExpiresAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("driver %s: %w", s.DriverID, models.ErrSessionConflict)
	}
	return tx.Commit()
}

const sessionCols = `id, driver_id, dest_lat, dest_lon, dest_address, start_lat, start_lon,
 time_window_minutes, max_detour_percent, status, activated_at, expires_at, ended_at,
 rides_completed, premium_earnings_cents`

func scanSession(row interface{ Scan(...any) error }) (*models.HomewardSession, error) {
	var s models.HomewardSession
	var ended sql.NullTime
	err := row.Scan(&s.ID, &s.DriverID, &s.Destination.Lat, &s.Destination.Lon, &s.Destination.Address,
		&s.StartLocation.Lat, &s.StartLocation.Lon, &s.TimeWindowMinutes, &s.MaxDetourPercent,
		&s.Status, &s.ActivatedAt, &s.ExpiresAt, &ended, &s.RidesCompleted, &s.PremiumEarningsCents)
	if err != nil {
		return nil, err
	}
	if ended.Valid {
		s.EndedAt = &ended.Time
	}
	return &s, nil
}

func (p *PostgresStore) GetActive(ctx context.Context, driverID string) (*models.HomewardSession, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM homeward_sessions WHERE driver_id=$1 AND status='active'`, driverID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active session for driver %s: %w", driverID, models.ErrNotFound)
	}
	return s, err
}

func (p *PostgresStore) Terminate(ctx context.Context, driverID string, status models.SessionStatus, endedAt time.Time) (*models.HomewardSession, error) {
	row := p.db.QueryRowContext(ctx,
		`UPDATE homeward_sessions SET status=$1, ended_at=$2
		 WHERE driver_id=$3 AND status='active'
		 RETURNING `+sessionCols, status, endedAt, driverID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active session for driver %s: %w", driverID, models.ErrNotFound)
	}
	return s, err
}

func (p *PostgresStore) ActiveSessions(ctx context.Context) ([]*models.HomewardSession, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM homeward_sessions WHERE status='active'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.HomewardSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AddMatchStats(ctx context.Context, sessionID string, driverShare models.Cents) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE homeward_sessions
		 SET rides_completed = rides_completed + 1,
		     premium_earnings_cents = premium_earnings_cents + $1
		 WHERE id=$2`, int64(driverShare), sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, driverID, day string) (models.DailyUsage, error) {
	u := models.DailyUsage{DriverID: driverID, Day: day}
	var cooldown sql.NullTime
	err := p.db.QueryRowContext(ctx,
		`SELECT sessions_started, sessions_completed, cooldown_until
		 FROM homeward_daily_usage WHERE driver_id=$1 AND day=$2`, driverID, day).
		Scan(&u.SessionsStarted, &u.SessionsCompleted, &cooldown)
	if errors.Is(err, sql.ErrNoRows) {
		return u, nil
	}
	if err != nil {
		return u, err
	}
	if cooldown.Valid {
		u.CooldownUntil = cooldown.Time
	}
	return u, nil
}

func (p *PostgresStore) IncrementStarted(ctx context.Context, driverID, day string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO homeward_daily_usage (driver_id, day, sessions_started, sessions_completed)
		 VALUES ($1,$2,1,0)
		 ON CONFLICT (driver_id, day)
		 DO UPDATE SET sessions_started = homeward_daily_usage.sessions_started + 1`,
		driverID, day)
	return err
}

func (p *PostgresStore) IncrementCompleted(ctx context.Context, driverID, day string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO homeward_daily_usage (driver_id, day, sessions_started, sessions_completed)
		 VALUES ($1,$2,0,1)
		 ON CONFLICT (driver_id, day)
		 DO UPDATE SET sessions_completed = homeward_daily_usage.sessions_completed + 1`,
		driverID, day)
	return err
}

func (p *PostgresStore) SetCooldown(ctx context.Context, driverID, day string, until time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO homeward_daily_usage (driver_id, day, sessions_started, sessions_completed, cooldown_until)
		 VALUES ($1,$2,0,0,$3)
		 ON CONFLICT (driver_id, day)
		 DO UPDATE SET cooldown_until = EXCLUDED.cooldown_until`,
		driverID, day, until)
	return err
}

func (p *PostgresStore) CreateIntent(ctx context.Context, it *models.PaymentIntent) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO payment_intents
		 (id, ride_id, rider_id, driver_id, base_fare_cents, premium_cents,
		  platform_fee_cents, driver_earnings_cents, driver_premium_share_cents,
		  total_cents, local_currency, fx_rate, status, premium_paid, hold_ref,
		  created_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,false,$14,$15,$16)`,
		it.ID, it.RideID, it.RiderID, it.DriverID,
		int64(it.BaseFareCents), int64(it.PremiumCents),
		int64(it.PlatformFeeCents), int64(it.DriverEarningsCents),
		int64(it.DriverPremiumShareCents), int64(it.TotalCents),
		it.LocalCurrency, it.FxRate, it.Status, it.HoldRef, it.CreatedAt, it.ExpiresAt)
	return err
}

const intentCols = `id, ride_id, rider_id, driver_id, base_fare_cents, premium_cents,
 platform_fee_cents, driver_earnings_cents, driver_premium_share_cents, total_cents,
 local_currency, fx_rate, status, premium_paid, premium_payout_ref, hold_ref,
 created_at, expires_at, completed_at, cancelled_at, cancel_reason`

func scanIntent(row interface{ Scan(...any) error }) (*models.PaymentIntent, error) {
	var it models.PaymentIntent
	var payoutRef, cancelReason sql.NullString
	var completed, cancelled sql.NullTime
	err := row.Scan(&it.ID, &it.RideID, &it.RiderID, &it.DriverID,
		&it.BaseFareCents, &it.PremiumCents, &it.PlatformFeeCents,
		&it.DriverEarningsCents, &it.DriverPremiumShareCents, &it.TotalCents,
		&it.LocalCurrency, &it.FxRate,
		&it.Status, &it.PremiumPaid, &payoutRef, &it.HoldRef,
		&it.CreatedAt, &it.ExpiresAt, &completed, &cancelled, &cancelReason)
	if err != nil {
		return nil, err
	}
	it.PremiumPayoutRef = payoutRef.String
	it.CancelReason = cancelReason.String
	if completed.Valid {
		it.CompletedAt = &completed.Time
	}
	if cancelled.Valid {
		it.CancelledAt = &cancelled.Time
	}
	return &it, nil
}

func (p *PostgresStore) GetIntent(ctx context.Context, id string) (*models.PaymentIntent, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+intentCols+` FROM payment_intents WHERE id=$1`, id)
	it, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("intent %s: %w", id, models.ErrNotFound)
	}
	return it, err
}

func (p *PostgresStore) TransitionStatus(ctx context.Context, id string, from, to models.IntentStatus, at time.Time) (*models.PaymentIntent, error) {
	var completedExpr, cancelledExpr any
	if to == models.IntentCompleted {
		completedExpr = at
	}
	switch to {
	case models.IntentCancelledByRider, models.IntentCancelledByDriver, models.IntentExpired:
		cancelledExpr = at
	}
	row := p.db.QueryRowContext(ctx,
		`UPDATE payment_intents
		 SET status=$1,
		     completed_at=COALESCE($2, completed_at),
		     cancelled_at=COALESCE($3, cancelled_at)
		 WHERE id=$4 AND status=$5
		 RETURNING `+intentCols, to, completedExpr, cancelledExpr, id, from)
	it, err := scanIntent(row)
	if errors.Is(err, sql.ErrNoRows) {
		// distinguish a lost CAS from an unknown intent
		if _, getErr := p.GetIntent(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("intent %s is not %s: %w", id, from, models.ErrInvalidState)
	}
	return it, err
}

func (p *PostgresStore) MarkPremiumPaid(ctx context.Context, id, payoutRef string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE payment_intents SET premium_paid=true, premium_payout_ref=$1 WHERE id=$2`,
		payoutRef, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("intent %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) SetCancelReason(ctx context.Context, id, reason string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE payment_intents SET cancel_reason=$1 WHERE id=$2`, reason, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("intent %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) SaveMatch(ctx context.Context, rec *models.MatchRecord) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO match_records
		 (id, session_id, ride_id, direction_score, detour_percent, total_score,
		  premium_cents, premium_percent, driver_share_cents, platform_share_cents,
		  accepted, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rec.ID, rec.SessionID, rec.RideID, rec.DirectionScore, rec.DetourPercent,
		rec.TotalScore, int64(rec.PremiumCents), rec.PremiumPercent,
		int64(rec.DriverShareCents), int64(rec.PlatformShareCents), rec.Accepted, rec.CreatedAt)
	return err
}
