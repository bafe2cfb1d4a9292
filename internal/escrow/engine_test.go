package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/homeward-matching/internal/clock"
	"github.com/example/homeward-matching/internal/fx"
	"github.com/example/homeward-matching/internal/models"
	"github.com/example/homeward-matching/internal/payments"
	"github.com/example/homeward-matching/internal/pricing"
	"github.com/example/homeward-matching/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type engineFixture struct {
	engine *Engine
	store  *storage.MemoryStore
	ledger *payments.MemoryLedger
	clock  *clock.Fake
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store:  storage.NewMemoryStore(),
		ledger: payments.NewMemoryLedger(),
		clock:  clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
	}
	rates := fx.StaticSource{"USD": 1, "EUR": 0.92, "INR": 83.2}
	f.engine = &Engine{
		Store:  f.store,
		Wallet: f.ledger,
		FX:     fx.NewConverter(rates, f.clock, 5*time.Minute),
		Clock:  f.clock,
		Logger: testLogger(),
		Config: Config{IntentTTL: 15 * time.Minute, Pricing: pricing.DefaultConfig()},
	}
	return f
}

func (f *engineFixture) create(t *testing.T) *models.PaymentIntent {
	t.Helper()
	it, err := f.engine.CreateIntent(context.Background(), "ride-1", "rider-1", "driver-1", 2000, 500, "USD")
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	return it
}

func TestCreateIntentDerivesSplitAndHoldsFunds(t *testing.T) {
	f := newEngineFixture(t)
	it := f.create(t)

	if it.TotalCents != 2500 {
		t.Fatalf("total = %d, want 2500", it.TotalCents)
	}
	if it.PlatformFeeCents != 300 || it.DriverEarningsCents != 2200 {
		t.Fatalf("split = fee %d / earnings %d, want 300 / 2200", it.PlatformFeeCents, it.DriverEarningsCents)
	}
	if it.Status != models.IntentPending {
		t.Fatalf("status = %s, want pending", it.Status)
	}
	wantExpiry := f.clock.Now().Add(15 * time.Minute)
	if !it.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("expires at %v, want %v", it.ExpiresAt, wantExpiry)
	}
	if it.HoldRef == "" {
		t.Fatal("intent missing hold reference")
	}
	if f.ledger.TotalByKind("hold") != 2500 {
		t.Fatalf("held %d, want the full 2500", f.ledger.TotalByKind("hold"))
	}
}

func TestCreateIntentValidation(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	cases := []struct {
		name                     string
		rideID, riderID, driver  string
		base, premium            models.Cents
	}{
		{"missing ids", "", "rider", "driver", 2000, 500},
		{"zero fare", "ride", "rider", "driver", 0, 500},
		{"negative premium", "ride", "rider", "driver", 2000, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.CreateIntent(ctx, tc.rideID, tc.riderID, tc.driver, tc.base, tc.premium, "USD")
			if !errors.Is(err, models.ErrValidation) {
				t.Fatalf("error = %v, want validation error", err)
			}
		})
	}

	_, err := f.engine.CreateIntent(ctx, "ride", "rider", "driver", 2000, 500, "XYZ")
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("unknown currency error = %v, want validation error", err)
	}
	if f.ledger.CountByKind("hold") != 0 {
		t.Fatal("rejected intents must not place holds")
	}
}

func TestFundEscrowPaysPremiumInstantly(t *testing.T) {
	f := newEngineFixture(t)
	it := f.create(t)

	funded, err := f.engine.FundEscrow(context.Background(), it.ID)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if funded.Status != models.IntentFunded {
		t.Fatalf("status = %s, want funded", funded.Status)
	}
	if !funded.PremiumPaid || funded.PremiumPayoutRef == "" {
		t.Fatalf("premium payout not recorded: %+v", funded)
	}
	if f.ledger.TotalByKind("capture") != 2500 {
		t.Fatalf("captured %d, want 2500", f.ledger.TotalByKind("capture"))
	}
	if f.ledger.CountByKind("payout") != 1 || f.ledger.TotalByKind("payout") != 400 {
		t.Fatalf("instant payout = %d cents over %d payouts, want 400 over 1",
			f.ledger.TotalByKind("payout"), f.ledger.CountByKind("payout"))
	}
}

func TestFundEscrowIsIdempotentAgainstRetries(t *testing.T) {
	f := newEngineFixture(t)
	it := f.create(t)

	if _, err := f.engine.FundEscrow(context.Background(), it.ID); err != nil {
		t.Fatalf("first fund: %v", err)
	}
	_, err := f.engine.FundEscrow(context.Background(), it.ID)
	if !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("second fund error = %v, want invalid state", err)
	}
	if f.ledger.CountByKind("payout") != 1 {
		t.Fatalf("payouts after retry = %d, want exactly 1", f.ledger.CountByKind("payout"))
	}
	if f.ledger.CountByKind("capture") != 1 {
		t.Fatalf("captures after retry = %d, want exactly 1", f.ledger.CountByKind("capture"))
	}
}

func TestFundEscrowCaptureFailureLeavesIntentRetriable(t *testing.T) {
	f := newEngineFixture(t)
	it := f.create(t)
	ctx := context.Background()

	f.ledger.FailCapture = true
	if _, err := f.engine.FundEscrow(ctx, it.ID); err == nil {
		t.Fatal("fund with failing capture must error")
	}
	got, err := f.store.GetIntent(ctx, it.ID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if got.Status != models.IntentPending {
		t.Fatalf("status after failed capture = %s, want pending", got.Status)
	}
	if f.ledger.CountByKind("capture") != 0 || f.ledger.CountByKind("payout") != 0 {
		t.Fatalf("failed capture moved money: %d captures, %d payouts",
			f.ledger.CountByKind("capture"), f.ledger.CountByKind("payout"))
	}

	f.ledger.FailCapture = false
	funded, err := f.engine.FundEscrow(ctx, it.ID)
	if err != nil {
		t.Fatalf("retry fund: %v", err)
	}
	if funded.Status != models.IntentFunded || !funded.PremiumPaid {
		t.Fatalf("retry did not complete funding: %+v", funded)
	}
	if f.ledger.TotalByKind("capture") != 2500 || f.ledger.TotalByKind("payout") != 400 {
		t.Fatalf("retry movements: captured %d, paid %d, want 2500 / 400",
			f.ledger.TotalByKind("capture"), f.ledger.TotalByKind("payout"))
	}
}

func TestFundEscrowPayoutFailureIsRedrivable(t *testing.T) {
	f := newEngineFixture(t)
	it := f.create(t)
	ctx := context.Background()

	f.ledger.FailPayout = true
	if _, err := f.engine.FundEscrow(ctx, it.ID); err == nil {
		t.Fatal("fund with failing payout must error")
	}
	got, err := f.store.GetIntent(ctx, it.ID)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	// the hold is captured; only the instant tranche is outstanding
	if got.Status != models.IntentFunded || got.PremiumPaid {
		t.Fatalf("after failed payout: status=%s premiumPaid=%v, want funded/false", got.Status, got.PremiumPaid)
	}
	if f.ledger.TotalByKind("capture") != 2500 {
		t.Fatalf("captured %d, want 2500", f.ledger.TotalByKind("capture"))
	}

	f.ledger.FailPayout = false
	funded, err := f.engine.FundEscrow(ctx, it.ID)
	if err != nil {
		t.Fatalf("re-drive fund: %v", err)
	}
	if !funded.PremiumPaid || funded.PremiumPayoutRef == "" {
		t.Fatalf("re-drive did not pay the premium: %+v", funded)
	}
	if f.ledger.CountByKind("capture") != 1 {
		t.Fatalf("re-drive captured again: %d captures", f.ledger.CountByKind("capture"))
	}
	if f.ledger.TotalByKind("payout") != 400 {
		t.Fatalf("instant payout = %d, want 400", f.ledger.TotalByKind("payout"))
	}

	if _, err := f.engine.ReleaseEscrow(ctx, it.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if f.ledger.TotalByKind("payout") != 2200 {
		t.Fatalf("total payouts = %d, want 2200", f.ledger.TotalByKind("payout"))
	}
}

func TestReleaseSettlesUnpaidPremiumInFull(t *testing.T) {
	f := newEngineFixture(t)
	it := f.create(t)
	ctx := context.Background()

	f.ledger.FailPayout = true
	if _, err := f.engine.FundEscrow(ctx, it.ID); err == nil {
		t.Fatal("fund with failing payout must error")
	}
	f.ledger.FailPayout = false

	// release without re-driving the funding: the driver still gets everything
	released, err := f.engine.ReleaseEscrow(ctx, it.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != models.IntentCompleted {
		t.Fatalf("status = %s, want completed", released.Status)
	}
	if f.ledger.CountByKind("payout") != 1 || f.ledger.TotalByKind("payout") != 2200 {
		t.Fatalf("release payout = %d cents over %d payouts, want 2200 over 1",
			f.ledger.TotalByKind("payout"), f.ledger.CountByKind("payout"))
	}
}

func TestPremiumTranchePinnedAtCreation(t *testing.T) {
	f := newEngineFixture(t)
	it := f.create(t)
	ctx := context.Background()

	// a pricing change after the intent exists must not move its split
	f.engine.Config.Pricing.DriverPremiumSharePercent = 50

	if _, err := f.engine.FundEscrow(ctx, it.ID); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if f.ledger.TotalByKind("payout") != 400 {
		t.Fatalf("instant tranche = %d, want the 400 pinned at creation", f.ledger.TotalByKind("payout"))
	}

	f.engine.Config.Pricing.DriverPremiumSharePercent = 20
	if _, err := f.engine.ReleaseEscrow(ctx, it.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if f.ledger.TotalByKind("payout") != 2200 {
		t.Fatalf("total payouts = %d, want exactly 2200", f.ledger.TotalByKind("payout"))
	}
}

func TestFundEscrowWithoutPremiumSkipsPayout(t *testing.T) {
	f := newEngineFixture(t)
	it, err := f.engine.CreateIntent(context.Background(), "ride-2", "rider-1", "driver-1", 2000, 0, "USD")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	funded, err := f.engine.FundEscrow(context.Background(), it.ID)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if funded.PremiumPaid {
		t.Fatal("zero-premium intent must not mark a premium payout")
	}
	if f.ledger.CountByKind("payout") != 0 {
		t.Fatal("zero-premium intent must not pay out at funding")
	}
}

func TestReleaseEscrowPaysRemainingEarnings(t *testing.T) {
	f := newEngineFixture(t)
	it := f.create(t)
	ctx := context.Background()

	if _, err := f.engine.FundEscrow(ctx, it.ID); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := f.engine.StartTrip(ctx, it.ID); err != nil {
		t.Fatalf("start trip: %v", err)
	}
	released, err := f.engine.ReleaseEscrow(ctx, it.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != models.IntentCompleted {
		t.Fatalf("status = %s, want completed", released.Status)
	}
	// 400 instant premium + 1800 at release = 2200 total earnings
	if f.ledger.TotalByKind("payout") != 2200 {
		t.Fatalf("total payouts = %d, want 2200", f.ledger.TotalByKind("payout"))
	}
	if f.ledger.CountByKind("payout") != 2 {
		t.Fatalf("payout count = %d, want 2", f.ledger.CountByKind("payout"))
	}
}

func TestReleaseEscrowStraightFromFunded(t *testing.T) {
	f := newEngineFixture(t)
	it := f.create(t)
	ctx := context.Background()

	if _, err := f.engine.FundEscrow(ctx, it.ID); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := f.engine.ReleaseEscrow(ctx, it.ID); err != nil {
		t.Fatalf("release from funded: %v", err)
	}
}

func TestReleaseEscrowRejectsPendingAndRepeats(t *testing.T) {
	f := newEngineFixture(t)
	it := f.create(t)
	ctx := context.Background()

	_, err := f.engine.ReleaseEscrow(ctx, it.ID)
	if !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("release from pending error = %v, want invalid state", err)
	}

	if _, err := f.engine.FundEscrow(ctx, it.ID); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := f.engine.ReleaseEscrow(ctx, it.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	_, err = f.engine.ReleaseEscrow(ctx, it.ID)
	if !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("double release error = %v, want invalid state", err)
	}
	if f.ledger.CountByKind("payout") != 2 {
		t.Fatalf("payouts = %d, want 2 (premium + release, never repeated)", f.ledger.CountByKind("payout"))
	}
}

func TestCancelPendingRefundsEverything(t *testing.T) {
	f := newEngineFixture(t)
	it := f.create(t)

	cancelled, err := f.engine.CancelEscrow(context.Background(), it.ID, "rider", "changed plans")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.IntentCancelledByRider {
		t.Fatalf("status = %s, want cancelled_by_rider", cancelled.Status)
	}
	if cancelled.CancelReason != "changed plans" {
		t.Fatalf("cancel reason = %q", cancelled.CancelReason)
	}
	if f.ledger.TotalByKind("refund") != 2500 {
		t.Fatalf("refund = %d, want the full 2500", f.ledger.TotalByKind("refund"))
	}
	if f.ledger.CountByKind("payout") != 0 {
		t.Fatal("pending cancel must not pay the driver")
	}
}

func TestCancelAfterFundingRefundsBaseFareOnly(t *testing.T) {
	f := newEngineFixture(t)
	it := f.create(t)
	ctx := context.Background()

	if _, err := f.engine.FundEscrow(ctx, it.ID); err != nil {
		t.Fatalf("fund: %v", err)
	}
	cancelled, err := f.engine.CancelEscrow(ctx, it.ID, "driver", "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.IntentCancelledByDriver {
		t.Fatalf("status = %s, want cancelled_by_driver", cancelled.Status)
	}
	// the premium stays with the driver even when the driver cancels
	if f.ledger.TotalByKind("refund") != 2000 {
		t.Fatalf("refund = %d, want the 2000 base fare only", f.ledger.TotalByKind("refund"))
	}
	if f.ledger.TotalByKind("payout") != 400 {
		t.Fatalf("driver keeps %d, want the 400 premium tranche", f.ledger.TotalByKind("payout"))
	}
}

func TestCancelValidatesParty(t *testing.T) {
	f := newEngineFixture(t)
	it := f.create(t)

	_, err := f.engine.CancelEscrow(context.Background(), it.ID, "platform", "")
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("error = %v, want validation error", err)
	}
}

func TestCancelTerminalIntentRejected(t *testing.T) {
	f := newEngineFixture(t)
	it := f.create(t)
	ctx := context.Background()

	if _, err := f.engine.CancelEscrow(ctx, it.ID, "rider", ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err := f.engine.CancelEscrow(ctx, it.ID, "rider", "")
	if !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("double cancel error = %v, want invalid state", err)
	}
	if f.ledger.CountByKind("refund") != 1 {
		t.Fatalf("refunds = %d, want exactly 1", f.ledger.CountByKind("refund"))
	}
}

func TestPendingIntentExpiresLazily(t *testing.T) {
	f := newEngineFixture(t)
	it := f.create(t)
	ctx := context.Background()

	f.clock.Advance(16 * time.Minute)

	_, err := f.engine.FundEscrow(ctx, it.ID)
	if !errors.Is(err, models.ErrExpired) {
		t.Fatalf("fund after TTL error = %v, want expired", err)
	}
	view, err := f.engine.GetStatus(ctx, it.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Intent.Status != models.IntentExpired {
		t.Fatalf("status = %s, want expired", view.Intent.Status)
	}
	// the hold refund happens exactly once no matter how many callers observe
	// the expiry
	if f.ledger.CountByKind("refund") != 1 || f.ledger.TotalByKind("refund") != 2500 {
		t.Fatalf("expiry refunds = %d totalling %d, want 1 totalling 2500",
			f.ledger.CountByKind("refund"), f.ledger.TotalByKind("refund"))
	}
}

func TestFundJustBeforeTTLSucceeds(t *testing.T) {
	f := newEngineFixture(t)
	it := f.create(t)

	f.clock.Advance(15 * time.Minute) // exactly at the boundary, not past it
	if _, err := f.engine.FundEscrow(context.Background(), it.ID); err != nil {
		t.Fatalf("fund at TTL boundary: %v", err)
	}
}

func TestGetStatusConvertsToLocalCurrency(t *testing.T) {
	f := newEngineFixture(t)
	it, err := f.engine.CreateIntent(context.Background(), "ride-3", "rider-1", "driver-1", 2000, 500, "EUR")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	view, err := f.engine.GetStatus(context.Background(), it.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.LocalCurrency != "EUR" {
		t.Fatalf("local currency = %s, want EUR", view.LocalCurrency)
	}
	if view.LocalTotalCents != 2300 { // 2500 * 0.92
		t.Fatalf("local total = %d, want 2300", view.LocalTotalCents)
	}
}

func TestGetStatusUnknownIntent(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.GetStatus(context.Background(), "nope")
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("error = %v, want not found", err)
	}
}
