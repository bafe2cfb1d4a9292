package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/homeward-matching/internal/clock"
	"github.com/example/homeward-matching/internal/fx"
	"github.com/example/homeward-matching/internal/models"
	"github.com/example/homeward-matching/internal/observability"
	"github.com/example/homeward-matching/internal/pricing"
	"github.com/example/homeward-matching/internal/storage"
)

// Wallet is the money-movement collaborator. The engine issues credits and
// debits; ledger bookkeeping beyond these calls lives elsewhere.
type Wallet interface {
	// HoldFunds places a hold on the rider's payment method for the full
	// intent total and returns an opaque hold reference.
	HoldFunds(ctx context.Context, riderID string, amount models.Cents, currency string) (string, error)
	// CaptureHold commits a previously placed hold.
	CaptureHold(ctx context.Context, holdRef string, amount models.Cents) error
	// RefundRider returns amount against the hold/charge to the rider.
	RefundRider(ctx context.Context, holdRef string, amount models.Cents, memo string) (string, error)
	// PayoutDriver credits the driver and returns a settlement reference.
	PayoutDriver(ctx context.Context, driverID string, amount models.Cents, memo string) (string, error)
}

// EventPublisher emits settlement lifecycle events, best effort.
type EventPublisher interface {
	PublishSettlement(ctx context.Context, it *models.PaymentIntent, event string) error
}

type Config struct {
	IntentTTL time.Duration
	Pricing   pricing.Config
}

func DefaultConfig() Config {
	return Config{IntentTTL: 15 * time.Minute, Pricing: pricing.DefaultConfig()}
}

// Engine drives the payment-intent state machine. Every transition is a
// compare-and-swap at the store, so concurrent settlement calls resolve to
// exactly one winner; in particular the instant premium payout happens at
// most once per intent.
type Engine struct {
	Store  storage.EscrowStore
	Wallet Wallet
	FX     *fx.Converter
	Events EventPublisher // optional
	Clock  clock.Clock
	Logger *slog.Logger
	Config Config
}

// StatusView is the read-only projection returned by GetStatus.
type StatusView struct {
	Intent          *models.PaymentIntent `json:"intent"`
	LocalTotalCents models.Cents          `json:"local_total_cents"`
	LocalCurrency   string                `json:"local_currency"`
}

// CreateIntent derives the settlement split once, snapshots the FX rate,
// places the hold on the rider and persists the pending intent with a
// 15-minute funding TTL.
func (e *Engine) CreateIntent(ctx context.Context, rideID, riderID, driverID string, baseFare, premium models.Cents, localCurrency string) (*models.PaymentIntent, error) {
	if rideID == "" || riderID == "" || driverID == "" {
		return nil, fmt.Errorf("ride, rider and driver ids required: %w", models.ErrValidation)
	}
	if baseFare <= 0 || premium < 0 {
		return nil, fmt.Errorf("base fare must be positive and premium non-negative: %w", models.ErrValidation)
	}

	rate, err := e.FX.Rate(ctx, localCurrency)
	if err != nil {
		return nil, err
	}

	split := pricing.SettlementSplit(baseFare, premium, e.Config.Pricing)
	now := e.Clock.Now()

	it := &models.PaymentIntent{
		ID:                      uuid.NewString(),
		RideID:                  rideID,
		RiderID:                 riderID,
		DriverID:                driverID,
		BaseFareCents:           baseFare,
		PremiumCents:            premium,
		PlatformFeeCents:        split.PlatformFeeCents,
		DriverEarningsCents:     split.DriverEarningsCents,
		DriverPremiumShareCents: split.DriverPremiumShareCents,
		TotalCents:              split.TotalCents,
		LocalCurrency:           localCurrency,
		FxRate:                  rate,
		Status:                  models.IntentPending,
		CreatedAt:               now,
		ExpiresAt:               now.Add(e.Config.IntentTTL),
	}

	holdRef, err := e.Wallet.HoldFunds(ctx, riderID, it.TotalCents, "usd")
	if err != nil {
		return nil, fmt.Errorf("hold rider funds: %w", err)
	}
	it.HoldRef = holdRef

	if err := e.Store.CreateIntent(ctx, it); err != nil {
		return nil, err
	}

	observability.EscrowTransitionsTotal.WithLabelValues(string(models.IntentPending)).Inc()
	e.publish(ctx, it, "intent_created")
	e.Logger.Info("payment intent created",
		"intent_id", it.ID, "ride_id", rideID,
		"total_cents", int64(it.TotalCents), "premium_cents", int64(premium),
		"expires_at", it.ExpiresAt)
	return it, nil
}

// FundEscrow commits the rider's hold and pays the driver's premium share
// instantly. The instant payout is the defining guarantee of the feature:
// the driver is compensated for the detour the moment the rider commits,
// independent of whether the ride later completes.
//
// A funded intent always has its hold captured: when the capture fails the
// pending→funded transition is reverted so the rider can retry, and when
// only the premium payout fails the intent stays funded and a retry (or the
// eventual release) settles the tranche.
func (e *Engine) FundEscrow(ctx context.Context, intentID string) (*models.PaymentIntent, error) {
	cur, err := e.loadExpiring(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if cur.Status == models.IntentExpired {
		return nil, fmt.Errorf("intent %s: %w", intentID, models.ErrExpired)
	}
	if cur.Status == models.IntentFunded && !cur.PremiumPaid && cur.PremiumCents > 0 {
		// hold already captured; re-drive the instant payout only
		if err := e.payPremium(ctx, cur); err != nil {
			return nil, err
		}
		e.publish(ctx, cur, "escrow_funded")
		return cur, nil
	}
	if cur.Status != models.IntentPending {
		return nil, fmt.Errorf("intent %s is %s: %w", intentID, cur.Status, models.ErrInvalidState)
	}

	it, err := e.Store.TransitionStatus(ctx, intentID, models.IntentPending, models.IntentFunded, e.Clock.Now())
	if err != nil {
		return nil, err
	}

	if err := e.Wallet.CaptureHold(ctx, it.HoldRef, it.TotalCents); err != nil {
		// hand the slot back: funded must never mean "hold not captured"
		if _, rbErr := e.Store.TransitionStatus(ctx, intentID, models.IntentFunded, models.IntentPending, e.Clock.Now()); rbErr != nil {
			e.Logger.Error("revert funding transition", "intent_id", intentID, "error", rbErr)
		}
		return nil, fmt.Errorf("capture hold for intent %s: %w", intentID, err)
	}
	observability.EscrowTransitionsTotal.WithLabelValues(string(models.IntentFunded)).Inc()

	if it.PremiumCents > 0 {
		if err := e.payPremium(ctx, it); err != nil {
			return nil, err
		}
	}

	e.publish(ctx, it, "escrow_funded")
	return it, nil
}

// payPremium disburses the instant premium tranche pinned on the intent and
// records the payout reference. On failure the intent stays funded with
// PremiumPaid=false, so funding can be re-driven without touching the
// captured hold.
func (e *Engine) payPremium(ctx context.Context, it *models.PaymentIntent) error {
	tranche := it.DriverPremiumShareCents
	ref, err := e.Wallet.PayoutDriver(ctx, it.DriverID, tranche,
		"homeward premium for ride "+it.RideID)
	if err != nil {
		return fmt.Errorf("instant premium payout for intent %s: %w", it.ID, err)
	}
	if err := e.Store.MarkPremiumPaid(ctx, it.ID, ref); err != nil {
		return err
	}
	it.PremiumPaid = true
	it.PremiumPayoutRef = ref
	observability.PremiumPayoutCents.Add(float64(tranche))
	e.Logger.Info("instant premium paid",
		"intent_id", it.ID, "driver_id", it.DriverID,
		"tranche_cents", int64(tranche), "payout_ref", ref)
	return nil
}

// StartTrip marks the funded ride as underway.
func (e *Engine) StartTrip(ctx context.Context, intentID string) (*models.PaymentIntent, error) {
	it, err := e.Store.TransitionStatus(ctx, intentID, models.IntentFunded, models.IntentInProgress, e.Clock.Now())
	if err != nil {
		return nil, err
	}
	observability.EscrowTransitionsTotal.WithLabelValues(string(models.IntentInProgress)).Inc()
	e.publish(ctx, it, "trip_started")
	return it, nil
}

// ReleaseEscrow settles a completed trip: the driver receives the remaining
// earnings (total earnings minus the premium tranche already disbursed at
// funding) and the platform fee is recorded. If the instant tranche never
// went out the release pays the full earnings, so the driver is whole either
// way. Releasing an already-completed intent errors loudly instead of
// repeating the payout.
func (e *Engine) ReleaseEscrow(ctx context.Context, intentID string) (*models.PaymentIntent, error) {
	cur, err := e.Store.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	from := cur.Status
	if from != models.IntentFunded && from != models.IntentInProgress {
		return nil, fmt.Errorf("release from %s: %w", from, models.ErrInvalidState)
	}

	it, err := e.Store.TransitionStatus(ctx, intentID, from, models.IntentCompleted, e.Clock.Now())
	if err != nil {
		return nil, err
	}
	observability.EscrowTransitionsTotal.WithLabelValues(string(models.IntentCompleted)).Inc()

	remaining := it.DriverEarningsCents
	if it.PremiumPaid {
		remaining -= it.DriverPremiumShareCents
	}
	if remaining > 0 {
		if _, err := e.Wallet.PayoutDriver(ctx, it.DriverID, remaining,
			"base fare settlement for ride "+it.RideID); err != nil {
			return nil, fmt.Errorf("release payout for intent %s: %w", intentID, err)
		}
	}

	e.publish(ctx, it, "escrow_released")
	e.Logger.Info("escrow released",
		"intent_id", intentID, "driver_id", it.DriverID,
		"release_cents", int64(remaining), "platform_fee_cents", int64(it.PlatformFeeCents))
	return it, nil
}

// CancelEscrow applies the asymmetric refund policy. Before funding the
// rider gets everything back; after funding the premium already belongs to
// the driver who committed to the detour, whichever party cancels.
func (e *Engine) CancelEscrow(ctx context.Context, intentID, cancelledBy, reason string) (*models.PaymentIntent, error) {
	var to models.IntentStatus
	switch cancelledBy {
	case "rider":
		to = models.IntentCancelledByRider
	case "driver":
		to = models.IntentCancelledByDriver
	default:
		return nil, fmt.Errorf("cancelled_by must be rider or driver: %w", models.ErrValidation)
	}

	cur, err := e.loadExpiring(ctx, intentID)
	if err != nil {
		return nil, err
	}
	from := cur.Status
	if from.Terminal() {
		return nil, fmt.Errorf("cancel from %s: %w", from, models.ErrInvalidState)
	}

	it, err := e.Store.TransitionStatus(ctx, intentID, from, to, e.Clock.Now())
	if err != nil {
		return nil, err
	}
	if reason != "" {
		if err := e.Store.SetCancelReason(ctx, intentID, reason); err != nil {
			e.Logger.Error("set cancel reason", "intent_id", intentID, "error", err)
		}
		it.CancelReason = reason
	}
	observability.EscrowTransitionsTotal.WithLabelValues(string(to)).Inc()

	var refund models.Cents
	var memo string
	if from == models.IntentPending {
		// never funded: the full hold goes back
		refund = it.TotalCents
		memo = "cancelled before funding"
	} else {
		// premium already disbursed and irreversible; base fare only
		refund = it.BaseFareCents
		memo = "cancelled after funding, premium retained by driver"
	}
	if refund > 0 {
		if _, err := e.Wallet.RefundRider(ctx, it.HoldRef, refund, memo); err != nil {
			return nil, fmt.Errorf("refund rider for intent %s: %w", intentID, err)
		}
	}

	e.publish(ctx, it, "escrow_cancelled")
	e.Logger.Info("escrow cancelled",
		"intent_id", intentID, "cancelled_by", cancelledBy, "was", string(from),
		"refund_cents", int64(refund), "premium_retained", it.PremiumPaid)
	return it, nil
}

// GetStatus returns the intent with its local-currency total, lazily
// expiring a pending intent whose TTL has elapsed.
func (e *Engine) GetStatus(ctx context.Context, intentID string) (*StatusView, error) {
	it, err := e.loadExpiring(ctx, intentID)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		Intent:          it,
		LocalTotalCents: models.Cents(math.Round(float64(it.TotalCents) * it.FxRate)),
		LocalCurrency:   it.LocalCurrency,
	}, nil
}

// loadExpiring reads the intent and applies the lazy pending→expired
// transition. The CAS makes the expiry side effects (hold release, event)
// happen exactly once no matter how many readers observe it.
func (e *Engine) loadExpiring(ctx context.Context, intentID string) (*models.PaymentIntent, error) {
	it, err := e.Store.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if it.Status != models.IntentPending || !e.Clock.Now().After(it.ExpiresAt) {
		return it, nil
	}

	expired, err := e.Store.TransitionStatus(ctx, intentID, models.IntentPending, models.IntentExpired, e.Clock.Now())
	if err != nil {
		// someone else won the transition; re-read and carry on
		return e.Store.GetIntent(ctx, intentID)
	}
	observability.EscrowTransitionsTotal.WithLabelValues(string(models.IntentExpired)).Inc()
	if _, err := e.Wallet.RefundRider(ctx, expired.HoldRef, expired.TotalCents, "intent expired unfunded"); err != nil {
		e.Logger.Error("release expired hold", "intent_id", intentID, "error", err)
	}
	e.publish(ctx, expired, "intent_expired")
	return expired, nil
}

func (e *Engine) publish(ctx context.Context, it *models.PaymentIntent, event string) {
	if e.Events == nil {
		return
	}
	if err := e.Events.PublishSettlement(ctx, it, event); err != nil {
		e.Logger.Error("publish settlement event", "intent_id", it.ID, "event", event, "error", err)
	}
}
