package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/abhirambsn/mo-ticket/internal/clock"
	"github.com/abhirambsn/mo-ticket/internal/domain"
	"github.com/abhirambsn/mo-ticket/internal/metrics"
	"github.com/abhirambsn/mo-ticket/internal/ratelimit"
	"github.com/abhirambsn/mo-ticket/internal/repository"
	"github.com/abhirambsn/mo-ticket/pkg/logger"
	"github.com/abhirambsn/mo-ticket/pkg/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// JoinResult is the outcome of a successful join
type JoinResult struct {
	Entry    *domain.WaitlistEntry `json:"entry"`
	Promoted bool                  `json:"promoted"`
	Message  string                `json:"message"`
}

// WaitlistService defines the caller-facing waitlist operations
type WaitlistService interface {
	// Join enters the requester into the resource's queue, offering a slot
	// immediately when one is free
	Join(ctx context.Context, resourceID, requesterID string) (*JoinResult, error)

	// Leave gives up the requester's active entry
	Leave(ctx context.Context, resourceID, requesterID string) (*domain.WaitlistEntry, error)

	// Position returns the requester's latest entry, reconciled, or nil
	Position(ctx context.Context, resourceID, requesterID string) (*domain.WaitlistEntry, error)

	// Availability returns capacity and reserved units after reconciling
	Availability(ctx context.Context, resourceID string) (*domain.Availability, error)

	// GrantForRequester returns the requester's grant on the resource, or nil
	GrantForRequester(ctx context.Context, resourceID, requesterID string) (*domain.Grant, error)

	// ListValidGrants lists outstanding grants; only the owner may call it
	ListValidGrants(ctx context.Context, resourceID, callerID string) ([]*domain.Grant, error)

	// GetResource retrieves a resource
	GetResource(ctx context.Context, resourceID string) (*domain.Resource, error)
}

type waitlistService struct {
	store    repository.Store
	offers   OfferManager
	limiter  ratelimit.Limiter
	notifier *Notifier
	clock    clock.Clock
	log      *logger.Logger
	metrics  *metrics.Metrics
}

// NewWaitlistService creates a new waitlist service
func NewWaitlistService(
	store repository.Store,
	offers OfferManager,
	limiter ratelimit.Limiter,
	notifier *Notifier,
	clk clock.Clock,
	log *logger.Logger,
	m *metrics.Metrics,
) WaitlistService {
	if limiter == nil {
		limiter = ratelimit.Noop{}
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if log == nil {
		log = logger.Get()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &waitlistService{
		store:    store,
		offers:   offers,
		limiter:  limiter,
		notifier: notifier,
		clock:    clk,
		log:      log.Named("waitlist"),
		metrics:  m,
	}
}

func requireIDs(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return domain.Errorf(domain.KindInvalidArgument, "%s is required", pairs[i])
		}
	}
	return nil
}

func (s *waitlistService) Join(ctx context.Context, resourceID, requesterID string) (result *JoinResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "service.waitlist.join")
	defer span.End()
	span.SetAttributes(
		attribute.String("resource_id", resourceID),
		attribute.String("requester_id", requesterID),
	)
	defer func() {
		if err != nil {
			s.metrics.JoinsTotal.WithLabelValues(outcomeLabel(err)).Inc()
			telemetry.Fail(span, err)
		}
	}()

	if err := requireIDs("resource_id", resourceID, "requester_id", requesterID); err != nil {
		return nil, err
	}

	// a join touches the queue, so lapsed offers are settled first
	if _, err := s.offers.ReconcileResource(ctx, resourceID); err != nil {
		return nil, err
	}

	claimed, err := s.store.HasActiveClaim(ctx, resourceID, requesterID)
	if err != nil {
		return nil, err
	}
	if claimed {
		return nil, domain.ErrAlreadyClaimed
	}

	allowed, err := s.limiter.Check(ctx, requesterID, resourceID)
	if err != nil {
		// fail open: the limiter guards abuse, not capacity
		s.log.Warn("rate limiter unavailable, allowing join",
			zap.String("resource_id", resourceID),
			zap.String("requester_id", requesterID),
			zap.Error(err),
		)
	} else if !allowed {
		s.metrics.RateLimitedTotal.Inc()
		return nil, domain.ErrRateLimited
	}

	now := s.clock.Now()
	entry, err := s.store.Join(ctx, repository.JoinParams{
		EntryID:        uuid.New().String(),
		ResourceID:     resourceID,
		RequesterID:    requesterID,
		Now:            now,
		OfferExpiresAt: now.Add(s.offers.OfferTTL()),
	})
	if err != nil {
		return nil, err
	}

	result = &JoinResult{Entry: entry}
	switch entry.Status {
	case domain.EntryStatusOffered:
		result.Promoted = true
		result.Message = fmt.Sprintf("A spot is reserved for you until %s", entry.OfferExpiresAt.Format("15:04 MST"))
		s.metrics.OffersTotal.WithLabelValues("join").Inc()
		s.metrics.JoinsTotal.WithLabelValues("offered").Inc()
		s.notifier.Emit(ctx, domain.EntryChange(domain.ChangeEntryOffered, entry, now))
	default:
		pos, err := s.store.QueuePosition(ctx, entry)
		if err != nil {
			s.log.Warn("failed to compute queue position", zap.String("entry_id", entry.ID), zap.Error(err))
		} else {
			entry.Position = pos
		}
		result.Message = "Added to the waitlist, you will be notified when a spot opens"
		s.metrics.JoinsTotal.WithLabelValues("waiting").Inc()
		s.notifier.Emit(ctx, domain.EntryChange(domain.ChangeEntryWaiting, entry, now))
	}

	s.log.Info("requester joined waitlist",
		zap.String("entry_id", entry.ID),
		zap.String("resource_id", resourceID),
		zap.String("requester_id", requesterID),
		zap.String("status", string(entry.Status)),
	)
	telemetry.OK(span)
	return result, nil
}

func (s *waitlistService) Leave(ctx context.Context, resourceID, requesterID string) (*domain.WaitlistEntry, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.waitlist.leave")
	defer span.End()
	span.SetAttributes(
		attribute.String("resource_id", resourceID),
		attribute.String("requester_id", requesterID),
	)

	if err := requireIDs("resource_id", resourceID, "requester_id", requesterID); err != nil {
		return nil, err
	}

	entry, err := s.store.LatestEntry(ctx, resourceID, requesterID)
	if err != nil {
		return nil, err
	}
	if !entry.Status.IsActive() {
		return nil, domain.Errorf(domain.KindOfferNotActive, "no active waitlist entry to leave")
	}

	left, err := s.offers.Leave(ctx, entry)
	if err != nil {
		telemetry.Fail(span, err)
		return nil, err
	}
	telemetry.OK(span)
	return left, nil
}

func (s *waitlistService) Position(ctx context.Context, resourceID, requesterID string) (*domain.WaitlistEntry, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.waitlist.position")
	defer span.End()

	if err := requireIDs("resource_id", resourceID, "requester_id", requesterID); err != nil {
		return nil, err
	}

	if _, err := s.offers.ReconcileResource(ctx, resourceID); err != nil {
		return nil, err
	}

	entry, err := s.store.LatestEntry(ctx, resourceID, requesterID)
	if domain.IsNotFoundError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// the read must not trust the stored status
	entry, err = s.offers.ReconcileEntry(ctx, entry)
	if err != nil {
		return nil, err
	}

	if entry.Status.IsActive() {
		pos, err := s.store.QueuePosition(ctx, entry)
		if err != nil {
			return nil, err
		}
		entry.Position = pos
	}
	return entry, nil
}

func (s *waitlistService) Availability(ctx context.Context, resourceID string) (*domain.Availability, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.waitlist.availability")
	defer span.End()

	if err := requireIDs("resource_id", resourceID); err != nil {
		return nil, err
	}
	if _, err := s.offers.ReconcileResource(ctx, resourceID); err != nil {
		return nil, err
	}
	return s.store.Availability(ctx, resourceID)
}

func (s *waitlistService) GrantForRequester(ctx context.Context, resourceID, requesterID string) (*domain.Grant, error) {
	if err := requireIDs("resource_id", resourceID, "requester_id", requesterID); err != nil {
		return nil, err
	}

	g, err := s.store.GrantForRequester(ctx, resourceID, requesterID)
	if domain.IsNotFoundError(err) {
		return nil, nil
	}
	return g, err
}

func (s *waitlistService) ListValidGrants(ctx context.Context, resourceID, callerID string) ([]*domain.Grant, error) {
	r, err := s.store.GetResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if r.OwnerID != callerID {
		return nil, domain.ErrForbidden
	}
	return s.store.ListOutstandingGrants(ctx, resourceID)
}

func (s *waitlistService) GetResource(ctx context.Context, resourceID string) (*domain.Resource, error) {
	return s.store.GetResource(ctx, resourceID)
}

// outcomeLabel maps an error to a low-cardinality metric label
func outcomeLabel(err error) string {
	kind := domain.KindOf(err)
	if kind == "" {
		return "error"
	}
	return strings.ToLower(string(kind))
}
