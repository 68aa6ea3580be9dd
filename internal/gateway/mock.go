package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Mock is an in-process gateway for development and tests. Payments stay
// "pending" until Settle or Cancel is called.
type Mock struct {
	mu       sync.Mutex
	payments map[string]*mockPayment
	failNext error
}

type mockPayment struct {
	PaymentID string `json:"payment_id"`
	Amount    string `json:"amount"`
	Method    string `json:"method"`
	Status    string `json:"status"`
}

func NewMock() *Mock {
	return &Mock{payments: make(map[string]*mockPayment)}
}

// FailNext makes the next RequestPayment return err.
func (m *Mock) FailNext(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

func (m *Mock) RequestPayment(_ context.Context, req Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failNext; err != nil {
		m.failNext = nil
		return "", err
	}
	id := "mock_" + uuid.NewString()
	m.payments[id] = &mockPayment{
		PaymentID: req.PaymentID.String(),
		Amount:    req.Amount.String(),
		Method:    string(req.Method),
		Status:    "pending",
	}
	return id, nil
}

func (m *Mock) GetStatus(_ context.Context, externalID string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[externalID]
	if !ok {
		return nil, errors.Newf("unknown payment %s", externalID)
	}
	return json.Marshal(p)
}

func (m *Mock) Cancel(_ context.Context, externalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[externalID]
	if !ok || p.Status != "pending" {
		return false, nil
	}
	p.Status = "canceled"
	return true, nil
}

// Refund voids a pending payment and refunds a succeeded one.
func (m *Mock) Refund(_ context.Context, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[externalID]
	if !ok {
		return errors.Newf("unknown payment %s", externalID)
	}
	switch p.Status {
	case "pending":
		p.Status = "canceled"
	case "succeeded":
		p.Status = "refunded"
	}
	return nil
}

// Settle marks a pending payment as succeeded.
func (m *Mock) Settle(externalID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[externalID]
	if !ok || p.Status != "pending" {
		return false
	}
	p.Status = "succeeded"
	return true
}

// Requests returns how many payments were requested.
func (m *Mock) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payments)
}
