package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockGateway implements PaymentGateway and RefundGateway in memory, for
// local runs and tests. Like a real provider it refunds a payment at most once.
type MockGateway struct {
	mu          sync.Mutex
	sessions    []*CheckoutRequest
	refunds     []string
	refunded    map[string]bool
	failRefunds map[string]refundFailure
	delay       time.Duration
}

type refundFailure struct {
	err  error
	once bool
}

// NewMockGateway creates a new mock gateway
func NewMockGateway() *MockGateway {
	return &MockGateway{
		refunded:    make(map[string]bool),
		failRefunds: make(map[string]refundFailure),
	}
}

// Name returns the gateway name
func (g *MockGateway) Name() string {
	return "mock"
}

// FailRefund makes every refund of paymentRef return err
func (g *MockGateway) FailRefund(paymentRef string, err error) {
	g.failRefund(paymentRef, err, false)
}

// FailRefundOnce makes only the next refund of paymentRef return err
func (g *MockGateway) FailRefundOnce(paymentRef string, err error) {
	g.failRefund(paymentRef, err, true)
}

func (g *MockGateway) failRefund(paymentRef string, err error, once bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		err = fmt.Errorf("refund declined for %s", paymentRef)
	}
	g.failRefunds[paymentRef] = refundFailure{err: err, once: once}
}

// SetDelay simulates provider latency on every call
func (g *MockGateway) SetDelay(d time.Duration) {
	g.mu.Lock()
	g.delay = d
	g.mu.Unlock()
}

func (g *MockGateway) wait(ctx context.Context) error {
	g.mu.Lock()
	d := g.delay
	g.mu.Unlock()
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (g *MockGateway) CreateCheckoutSession(ctx context.Context, req *CheckoutRequest) (*CheckoutSession, error) {
	if req == nil {
		return nil, fmt.Errorf("checkout request is required")
	}
	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	g.mu.Lock()
	cp := *req
	g.sessions = append(g.sessions, &cp)
	g.mu.Unlock()

	id := "cs_mock_" + uuid.New().String()[:8]
	return &CheckoutSession{
		ID:        id,
		URL:       "https://checkout.mock/" + id,
		ExpiresAt: sessionExpiry(req.OfferExpiresAt, time.Now()),
	}, nil
}

func (g *MockGateway) Refund(ctx context.Context, req *RefundRequest) error {
	if req == nil || req.PaymentRef == "" {
		return fmt.Errorf("payment reference is required")
	}
	if err := g.wait(ctx); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, req.PaymentRef)
	if f, ok := g.failRefunds[req.PaymentRef]; ok {
		if f.once {
			delete(g.failRefunds, req.PaymentRef)
		}
		return f.err
	}
	if g.refunded[req.PaymentRef] {
		return fmt.Errorf("%w: %s", ErrAlreadyRefunded, req.PaymentRef)
	}
	g.refunded[req.PaymentRef] = true
	return nil
}

// Refunded reports whether paymentRef has been refunded
func (g *MockGateway) Refunded(paymentRef string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refunded[paymentRef]
}

// Sessions returns every checkout request received
func (g *MockGateway) Sessions() []*CheckoutRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*CheckoutRequest(nil), g.sessions...)
}

// Refunds returns every payment ref a refund was attempted for, in order
func (g *MockGateway) Refunds() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.refunds...)
}
