package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/abhirambsn/mo-ticket/internal/clock"
	"github.com/abhirambsn/mo-ticket/internal/domain"
	"github.com/abhirambsn/mo-ticket/internal/gateway"
	"github.com/abhirambsn/mo-ticket/internal/metrics"
	"github.com/abhirambsn/mo-ticket/internal/ratelimit"
	"github.com/abhirambsn/mo-ticket/internal/repository"
	"github.com/abhirambsn/mo-ticket/pkg/logger"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testStart = time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)

// recordingPublisher keeps every event it is handed
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Name() string { return "recording" }
func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []domain.ChangeType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.ChangeType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

// mockLimiter is a testify mock of ratelimit.Limiter
type mockLimiter struct {
	mock.Mock
}

func (m *mockLimiter) Check(ctx context.Context, requesterID, resourceID string) (bool, error) {
	args := m.Called(ctx, requesterID, resourceID)
	return args.Bool(0), args.Error(1)
}

// harness wires every service over one in-memory store and manual clock
type harness struct {
	store    *repository.MemoryStore
	clock    *clock.Manual
	gateway  *gateway.MockGateway
	events   *recordingPublisher
	metrics  *metrics.Metrics
	offers   OfferManager
	waitlist WaitlistService
	issuer   TicketIssuer
	cascade  CancellationCascade
	checkout CheckoutService
}

func newHarness(t *testing.T, limiter ratelimit.Limiter) *harness {
	t.Helper()
	log := &logger.Logger{Logger: zaptest.NewLogger(t)}
	h := &harness{
		store:   repository.NewMemoryStore(),
		clock:   clock.NewManual(testStart),
		gateway: gateway.NewMockGateway(),
		events:  &recordingPublisher{},
		metrics: metrics.NewNop(),
	}
	if limiter == nil {
		limiter = ratelimit.Noop{}
	}
	notifier := NewNotifier(log, h.metrics, h.events)
	h.offers = NewOfferManager(h.store, notifier, h.clock, log, h.metrics, &OfferManagerConfig{OfferTTL: 30 * time.Minute})
	h.waitlist = NewWaitlistService(h.store, h.offers, limiter, notifier, h.clock, log, h.metrics)
	h.issuer = NewTicketIssuer(h.store, h.offers, notifier, h.clock, log, h.metrics)
	h.cascade = NewCancellationCascade(h.store, h.gateway, notifier, h.clock, log, h.metrics, nil)
	h.checkout = NewCheckoutService(h.store, h.offers, h.gateway, "usd", log)
	return h
}

func (h *harness) resource(id string, capacity int) *domain.Resource {
	r := &domain.Resource{
		ID:                  id,
		OwnerID:             "owner",
		Name:                "Show " + id,
		Capacity:            capacity,
		PriceCents:          4200,
		Currency:            "usd",
		OwnerPaymentAccount: "acct_owner",
		CreatedAt:           testStart,
	}
	h.store.PutResource(r)
	return r
}

func (h *harness) join(t *testing.T, resourceID, requesterID string) *domain.WaitlistEntry {
	t.Helper()
	res, err := h.waitlist.Join(context.Background(), resourceID, requesterID)
	require.NoError(t, err)
	return res.Entry
}

func (h *harness) buy(t *testing.T, e *domain.WaitlistEntry, paymentRef string) *domain.Grant {
	t.Helper()
	res, err := h.issuer.Purchase(context.Background(), &PurchaseRequest{
		ResourceID:  e.ResourceID,
		RequesterID: e.RequesterID,
		EntryID:     e.ID,
		PaymentRef:  paymentRef,
		AmountCents: 4200,
	})
	require.NoError(t, err)
	return res.Grant
}

func (h *harness) entry(t *testing.T, id string) *domain.WaitlistEntry {
	t.Helper()
	e, err := h.store.GetEntry(context.Background(), id)
	require.NoError(t, err)
	return e
}

func (h *harness) reserved(t *testing.T, resourceID string) int {
	t.Helper()
	a, err := h.store.Availability(context.Background(), resourceID)
	require.NoError(t, err)
	return a.Reserved
}

// assertCapacityInvariant checks offered + granted == reserved <= capacity
func (h *harness) assertCapacityInvariant(t *testing.T, resourceID string, requesters []string) {
	t.Helper()
	ctx := context.Background()

	offered := 0
	for _, who := range requesters {
		e, err := h.store.LatestEntry(ctx, resourceID, who)
		if domain.IsNotFoundError(err) {
			continue
		}
		require.NoError(t, err)
		if e.Status == domain.EntryStatusOffered {
			offered++
		}
	}
	grants, err := h.store.ListOutstandingGrants(ctx, resourceID)
	require.NoError(t, err)

	a, err := h.store.Availability(ctx, resourceID)
	require.NoError(t, err)
	require.LessOrEqual(t, offered+len(grants), a.Capacity)
	require.Equal(t, offered+len(grants), a.Reserved)
}
