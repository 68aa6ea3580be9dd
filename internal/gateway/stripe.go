package gateway

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/refund"

	"github.com/robertarktes/concert-seat-admission/internal/domain"
)

type StripeConfig struct {
	SecretKey string
	Currency  string
}

// Stripe creates one PaymentIntent per payment. The outcome arrives later
// through the webhook callback.
type Stripe struct {
	currency string
}

func NewStripe(cfg StripeConfig) (*Stripe, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	if cfg.Currency == "" {
		cfg.Currency = "krw"
	}
	stripe.Key = cfg.SecretKey
	return &Stripe{currency: cfg.Currency}, nil
}

func (s *Stripe) RequestPayment(ctx context.Context, req Request) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(MinorUnits(req.Amount, s.currency)),
		Currency: stripe.String(s.currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		Metadata: map[string]string{
			"payment_id": req.PaymentID.String(),
			"method":     string(req.Method),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey("payment-" + req.PaymentID.String())

	pi, err := paymentintent.New(params)
	if err != nil {
		return "", classify(err, "create payment intent")
	}
	return pi.ID, nil
}

func (s *Stripe) GetStatus(ctx context.Context, externalID string) (json.RawMessage, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := paymentintent.Get(externalID, params)
	if err != nil {
		return nil, classify(err, "get payment intent")
	}
	raw, err := json.Marshal(map[string]interface{}{
		"id":       pi.ID,
		"status":   pi.Status,
		"amount":   pi.Amount,
		"currency": pi.Currency,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode status")
	}
	return raw, nil
}

func (s *Stripe) Cancel(ctx context.Context, externalID string) (bool, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	pi, err := paymentintent.Cancel(externalID, params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.Code == stripe.ErrorCodePaymentIntentUnexpectedState {
			return false, nil
		}
		return false, classify(err, "cancel payment intent")
	}
	return pi.Status == stripe.PaymentIntentStatusCanceled, nil
}

func (s *Stripe) Refund(ctx context.Context, externalID string) error {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(externalID)}
	params.Context = ctx
	params.SetIdempotencyKey("refund-" + externalID)
	if _, err := refund.New(params); err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.Code == stripe.ErrorCodeChargeAlreadyRefunded {
			return nil
		}
		return classify(err, "refund payment intent")
	}
	return nil
}

// classify marks provider outages and 5xx replies as transient.
func classify(err error, op string) error {
	var serr *stripe.Error
	if errors.As(err, &serr) && serr.HTTPStatusCode > 0 && serr.HTTPStatusCode < 500 && serr.HTTPStatusCode != 429 {
		return errors.Wrap(err, op)
	}
	return domain.Transient(errors.Wrap(err, op))
}
