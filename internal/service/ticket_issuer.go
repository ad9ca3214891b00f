package service

import (
	"context"

	"github.com/abhirambsn/mo-ticket/internal/clock"
	"github.com/abhirambsn/mo-ticket/internal/domain"
	"github.com/abhirambsn/mo-ticket/internal/metrics"
	"github.com/abhirambsn/mo-ticket/internal/repository"
	"github.com/abhirambsn/mo-ticket/pkg/logger"
	"github.com/abhirambsn/mo-ticket/pkg/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PurchaseRequest is a confirmed external payment for one offer
type PurchaseRequest struct {
	ResourceID  string
	RequesterID string
	EntryID     string
	PaymentRef  string
	AmountCents int64
}

// PurchaseResult is the grant a payment produced. Duplicate is set when
// the payment had already been redeemed and the existing grant is returned.
type PurchaseResult struct {
	Grant     *domain.Grant `json:"grant"`
	Duplicate bool          `json:"duplicate"`
}

// TicketIssuer converts confirmed payments into grants, idempotently
type TicketIssuer interface {
	Purchase(ctx context.Context, req *PurchaseRequest) (*PurchaseResult, error)
}

type ticketIssuer struct {
	store    repository.Store
	offers   OfferManager
	notifier *Notifier
	clock    clock.Clock
	log      *logger.Logger
	metrics  *metrics.Metrics
}

// NewTicketIssuer creates a new ticket issuer
func NewTicketIssuer(
	store repository.Store,
	offers OfferManager,
	notifier *Notifier,
	clk clock.Clock,
	log *logger.Logger,
	m *metrics.Metrics,
) TicketIssuer {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if log == nil {
		log = logger.Get()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &ticketIssuer{
		store:    store,
		offers:   offers,
		notifier: notifier,
		clock:    clk,
		log:      log.Named("ticket_issuer"),
		metrics:  m,
	}
}

func (t *ticketIssuer) Purchase(ctx context.Context, req *PurchaseRequest) (result *PurchaseResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "service.ticket.purchase")
	defer span.End()
	defer func() {
		if err != nil {
			t.metrics.PurchaseRejectedTotal.WithLabelValues(outcomeLabel(err)).Inc()
			telemetry.Fail(span, err)
		}
	}()

	if req == nil {
		return nil, domain.Errorf(domain.KindInvalidArgument, "purchase request is required")
	}
	if err := requireIDs(
		"resource_id", req.ResourceID,
		"requester_id", req.RequesterID,
		"waitlist_entry_id", req.EntryID,
		"payment_ref", req.PaymentRef,
	); err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("resource_id", req.ResourceID),
		attribute.String("entry_id", req.EntryID),
		attribute.String("payment_ref", req.PaymentRef),
	)

	// confirmations are delivered at least once
	existing, err := t.store.GetGrantByPaymentRef(ctx, req.PaymentRef)
	if err == nil {
		t.duplicate(existing)
		return &PurchaseResult{Grant: existing, Duplicate: true}, nil
	}
	if !domain.IsNotFoundError(err) {
		return nil, err
	}

	entry, err := t.store.GetEntry(ctx, req.EntryID)
	if err != nil {
		return nil, err
	}
	if entry.ResourceID != req.ResourceID {
		return nil, domain.Errorf(domain.KindNotFound, "waitlist entry %s not found", req.EntryID)
	}
	if !entry.OwnedBy(req.RequesterID) {
		return nil, domain.ErrForbidden
	}

	// settle a lapsed offer, and hand its slot on, before judging status
	entry, err = t.offers.ReconcileEntry(ctx, entry)
	if err != nil {
		return nil, err
	}
	if entry.Status == domain.EntryStatusExpired {
		return nil, domain.ErrOfferExpired
	}
	if entry.Status != domain.EntryStatusOffered {
		return nil, domain.Errorf(domain.KindOfferNotActive, "entry %s is %s, not OFFERED", entry.ID, entry.Status)
	}

	now := t.clock.Now()
	res, err := t.store.Purchase(ctx, repository.PurchaseParams{
		GrantID:            uuid.New().String(),
		ResourceID:         req.ResourceID,
		RequesterID:        req.RequesterID,
		EntryID:            req.EntryID,
		ExternalPaymentRef: req.PaymentRef,
		AmountCents:        req.AmountCents,
		Now:                now,
	})
	if err != nil {
		return nil, err
	}
	if res.Duplicate {
		t.duplicate(res.Grant)
		return &PurchaseResult{Grant: res.Grant, Duplicate: true}, nil
	}

	t.metrics.GrantsIssuedTotal.Inc()
	t.log.Info("grant issued",
		zap.String("grant_id", res.Grant.ID),
		zap.String("entry_id", req.EntryID),
		zap.String("resource_id", req.ResourceID),
		zap.String("requester_id", req.RequesterID),
	)
	purchased := *entry
	purchased.Status = domain.EntryStatusPurchased
	purchased.UpdatedAt = now
	t.notifier.Emit(ctx,
		domain.EntryChange(domain.ChangeEntryPurchased, &purchased, now),
		domain.GrantChange(domain.ChangeGrantIssued, res.Grant, now),
	)

	telemetry.OK(span)
	return &PurchaseResult{Grant: res.Grant}, nil
}

func (t *ticketIssuer) duplicate(g *domain.Grant) {
	t.metrics.DuplicateConfirmationsTotal.Inc()
	t.log.Info("duplicate payment confirmation",
		zap.String("grant_id", g.ID),
		zap.String("payment_ref", g.ExternalPaymentRef),
		zap.String("kind", string(domain.KindDuplicateConfirmation)),
	)
}
