package service

import (
	"context"

	"github.com/abhirambsn/mo-ticket/internal/domain"
	"github.com/abhirambsn/mo-ticket/internal/gateway"
	"github.com/abhirambsn/mo-ticket/internal/repository"
	"github.com/abhirambsn/mo-ticket/pkg/logger"
	"github.com/abhirambsn/mo-ticket/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CheckoutResult pairs a checkout session with the offer it pays for
type CheckoutResult struct {
	Session *gateway.CheckoutSession `json:"session"`
	Entry   *domain.WaitlistEntry    `json:"entry"`
}

// CheckoutService opens a payment session for the requester's live offer
type CheckoutService interface {
	CreateOffer(ctx context.Context, resourceID, requesterID string) (*CheckoutResult, error)
}

type checkoutService struct {
	store    repository.Store
	offers   OfferManager
	payments gateway.PaymentGateway
	currency string
	log      *logger.Logger
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(
	store repository.Store,
	offers OfferManager,
	payments gateway.PaymentGateway,
	defaultCurrency string,
	log *logger.Logger,
) CheckoutService {
	if defaultCurrency == "" {
		defaultCurrency = "usd"
	}
	if log == nil {
		log = logger.Get()
	}
	return &checkoutService{
		store:    store,
		offers:   offers,
		payments: payments,
		currency: defaultCurrency,
		log:      log.Named("checkout"),
	}
}

func (s *checkoutService) CreateOffer(ctx context.Context, resourceID, requesterID string) (*CheckoutResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.checkout.create_offer")
	defer span.End()
	span.SetAttributes(
		attribute.String("resource_id", resourceID),
		attribute.String("requester_id", requesterID),
	)

	if err := requireIDs("resource_id", resourceID, "requester_id", requesterID); err != nil {
		return nil, err
	}

	r, err := s.store.GetResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if r.IsCancelled {
		return nil, domain.ErrResourceUnavailable
	}

	entry, err := s.store.LatestEntry(ctx, resourceID, requesterID)
	if err != nil {
		return nil, err
	}
	entry, err = s.offers.ReconcileEntry(ctx, entry)
	if err != nil {
		return nil, err
	}
	switch entry.Status {
	case domain.EntryStatusOffered:
	case domain.EntryStatusExpired:
		return nil, domain.ErrOfferExpired
	default:
		return nil, domain.Errorf(domain.KindOfferNotActive, "entry %s is %s, not OFFERED", entry.ID, entry.Status)
	}

	currency := r.Currency
	if currency == "" {
		currency = s.currency
	}

	// no store state is held across the provider call
	session, err := s.payments.CreateCheckoutSession(ctx, &gateway.CheckoutRequest{
		ResourceID:     r.ID,
		RequesterID:    requesterID,
		EntryID:        entry.ID,
		ResourceName:   r.Name,
		Description:    r.Description,
		AmountCents:    r.PriceCents,
		Currency:       currency,
		OwnerAccount:   r.OwnerPaymentAccount,
		OfferExpiresAt: *entry.OfferExpiresAt,
	})
	if err != nil {
		telemetry.Fail(span, err)
		s.log.Error("failed to create checkout session",
			zap.String("resource_id", resourceID),
			zap.String("entry_id", entry.ID),
			zap.Error(err),
		)
		return nil, err
	}

	telemetry.OK(span)
	return &CheckoutResult{Session: session, Entry: entry}, nil
}
