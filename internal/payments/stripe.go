package payments

import (
	"context"
	"fmt"
	"math"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Hold describes funds reserved for an accepted offer.
type Hold struct {
	RequestID  string
	CustomerID string
	DriverID   string
	// Amount is in major currency units, as drivers quote prices.
	Amount   float64
	Currency string
}

// Holder reserves funds when a customer accepts an offer. Payment itself
// is settled by a collaborator outside the engine.
type Holder interface {
	Hold(ctx context.Context, h Hold) (string, error)
	Cancel(ctx context.Context, holdID string) error
}

// NoopHolder is used when no payment provider is configured.
type NoopHolder struct{}

func (NoopHolder) Hold(context.Context, Hold) (string, error) { return "", nil }
func (NoopHolder) Cancel(context.Context, string) error       { return nil }

// StripeHolder places manual-capture PaymentIntents.
type StripeHolder struct {
	currency string
}

// NewStripeHolder initializes the stripe client with the given API key.
func NewStripeHolder(apiKey, currency string) *StripeHolder {
	stripe.Key = apiKey
	if currency == "" {
		currency = "ngn"
	}
	return &StripeHolder{currency: strings.ToLower(currency)}
}

// Hold creates a PaymentIntent with capture_method=manual and returns its id.
func (s *StripeHolder) Hold(ctx context.Context, h Hold) (string, error) {
	if h.Amount <= 0 {
		return "", fmt.Errorf("hold amount must be positive, got %v", h.Amount)
	}
	currency := h.Currency
	if currency == "" {
		currency = s.currency
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(MinorUnits(h.Amount)),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.AddMetadata("request_id", h.RequestID)
	params.AddMetadata("customer_id", h.CustomerID)
	params.AddMetadata("driver_id", h.DriverID)
	params.SetIdempotencyKey("hold:" + h.RequestID + ":" + h.DriverID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Cancel releases a hold.
func (s *StripeHolder) Cancel(ctx context.Context, holdID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(holdID, params)
	return err
}

// MinorUnits converts a major-unit price to the integer minor units stripe expects.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
