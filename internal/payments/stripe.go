package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"
	"github.com/stripe/stripe-go/v74/transfer"

	"github.com/example/homeward-matching/internal/models"
)

// StripeWallet implements the escrow wallet on Stripe primitives: a
// manual-capture PaymentIntent is the rider hold, Capture commits it,
// Refund returns money against it, and Transfer pays the driver's connected
// account.
type StripeWallet struct {
	Currency string
}

// NewStripeWallet configures the stripe client with the given secret key.
func NewStripeWallet(apiKey, currency string) *StripeWallet {
	stripe.Key = apiKey
	if currency == "" {
		currency = "usd"
	}
	return &StripeWallet{Currency: currency}
}

func (s *StripeWallet) HoldFunds(_ context.Context, riderID string, amount models.Cents, currency string) (string, error) {
	if currency == "" {
		currency = s.Currency
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(int64(amount)),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	if riderID != "" {
		params.Customer = stripe.String(riderID)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

func (s *StripeWallet) CaptureHold(_ context.Context, holdRef string, amount models.Cents) error {
	_, err := paymentintent.Capture(holdRef, &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(int64(amount)),
	})
	return err
}

func (s *StripeWallet) RefundRider(_ context.Context, holdRef string, amount models.Cents, memo string) (string, error) {
	r, err := refund.New(&stripe.RefundParams{
		PaymentIntent: stripe.String(holdRef),
		Amount:        stripe.Int64(int64(amount)),
	})
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

func (s *StripeWallet) PayoutDriver(_ context.Context, driverID string, amount models.Cents, memo string) (string, error) {
	t, err := transfer.New(&stripe.TransferParams{
		Amount:      stripe.Int64(int64(amount)),
		Currency:    stripe.String(s.Currency),
		Destination: stripe.String(driverID),
		Description: stripe.String(memo),
	})
	if err != nil {
		return "", err
	}
	return t.ID, nil
}
