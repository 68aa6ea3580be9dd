// Package gateway talks to the external payment provider.
package gateway

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/robertarktes/concert-seat-admission/internal/domain"
)

type Request struct {
	PaymentID uuid.UUID
	Amount    decimal.Decimal
	Method    domain.PaymentMethod
}

type Gateway interface {
	// RequestPayment starts a payment and returns the provider's id for it.
	RequestPayment(ctx context.Context, req Request) (string, error)
	// GetStatus returns the provider's raw view of the payment.
	GetStatus(ctx context.Context, externalID string) (json.RawMessage, error)
	// Cancel voids the payment. It reports false when the provider refused
	// because the payment already settled.
	Cancel(ctx context.Context, externalID string) (bool, error)
	// Refund returns the funds of a settled payment. Refunding twice is not
	// an error.
	Refund(ctx context.Context, externalID string) error
}

// Settlement is the provider's view of where the money is.
type Settlement int

const (
	// SettlementOpen means the payment can still be voided.
	SettlementOpen Settlement = iota
	SettlementSucceeded
	// SettlementVoided covers canceled and refunded payments.
	SettlementVoided
)

func (s Settlement) String() string {
	switch s {
	case SettlementSucceeded:
		return "succeeded"
	case SettlementVoided:
		return "voided"
	default:
		return "open"
	}
}

// ParseSettlement reads the "status" field of a GetStatus reply.
func ParseSettlement(raw json.RawMessage) (Settlement, error) {
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return SettlementOpen, errors.Wrap(err, "decode gateway status")
	}
	switch strings.ToLower(body.Status) {
	case "succeeded":
		return SettlementSucceeded, nil
	case "canceled", "cancelled", "refunded":
		return SettlementVoided, nil
	default:
		return SettlementOpen, nil
	}
}

// Settled asks g where the payment stands.
func Settled(ctx context.Context, g Gateway, externalID string) (Settlement, error) {
	raw, err := g.GetStatus(ctx, externalID)
	if err != nil {
		return SettlementOpen, err
	}
	return ParseSettlement(raw)
}

var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// MinorUnits converts amount into the smallest unit of currency.
func MinorUnits(amount decimal.Decimal, currency string) int64 {
	if zeroDecimal[strings.ToLower(currency)] {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(2).Round(0).IntPart()
}

// New returns the gateway named by kind: "mock" or "stripe".
func New(kind string, cfg StripeConfig) (Gateway, error) {
	switch strings.ToLower(kind) {
	case "", "mock":
		return NewMock(), nil
	case "stripe":
		return NewStripe(cfg)
	default:
		return nil, errors.Newf("unknown payment gateway %q", kind)
	}
}
