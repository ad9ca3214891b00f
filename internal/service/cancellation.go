package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/abhirambsn/mo-ticket/internal/clock"
	"github.com/abhirambsn/mo-ticket/internal/domain"
	"github.com/abhirambsn/mo-ticket/internal/gateway"
	"github.com/abhirambsn/mo-ticket/internal/metrics"
	"github.com/abhirambsn/mo-ticket/internal/repository"
	"github.com/abhirambsn/mo-ticket/pkg/logger"
	"github.com/abhirambsn/mo-ticket/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CancelResult reports a completed cascade
type CancelResult struct {
	ResourceID       string   `json:"resource_id"`
	RefundedGrantIDs []string `json:"refunded_grant_ids"`
	AlreadyCancelled bool     `json:"already_cancelled"`
}

// CancellationCascade refunds every outstanding grant on a resource and
// only then marks it cancelled. Any refund failure aborts with nothing
// mutated, so the whole cascade can be retried.
type CancellationCascade interface {
	Cancel(ctx context.Context, resourceID, callerID string) (*CancelResult, error)
}

// CancellationConfig contains configuration for the cascade
type CancellationConfig struct {
	// RefundConcurrency bounds parallel refund calls
	RefundConcurrency int
	// MaxRounds bounds re-scans when purchases land mid-cascade
	MaxRounds int
}

type cancellationCascade struct {
	store       repository.Store
	refunds     gateway.RefundGateway
	notifier    *Notifier
	clock       clock.Clock
	log         *logger.Logger
	metrics     *metrics.Metrics
	concurrency int
	maxRounds   int
}

// NewCancellationCascade creates a new cancellation cascade
func NewCancellationCascade(
	store repository.Store,
	refunds gateway.RefundGateway,
	notifier *Notifier,
	clk clock.Clock,
	log *logger.Logger,
	m *metrics.Metrics,
	cfg *CancellationConfig,
) CancellationCascade {
	concurrency := 8
	rounds := 3
	if cfg != nil {
		if cfg.RefundConcurrency > 0 {
			concurrency = cfg.RefundConcurrency
		}
		if cfg.MaxRounds > 0 {
			rounds = cfg.MaxRounds
		}
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
	return &cancellationCascade{
		store:       store,
		refunds:     refunds,
		notifier:    notifier,
		clock:       clk,
		log:         log.Named("cancellation"),
		metrics:     m,
		concurrency: concurrency,
		maxRounds:   rounds,
	}
}

func (c *cancellationCascade) Cancel(ctx context.Context, resourceID, callerID string) (result *CancelResult, err error) {
	ctx, span := telemetry.StartSpan(ctx, "service.cancellation.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("resource_id", resourceID))
	defer func() {
		switch {
		case err == nil:
			c.metrics.CascadesTotal.WithLabelValues("cancelled").Inc()
			telemetry.OK(span)
		case errors.Is(err, domain.ErrRefundFailed):
			c.metrics.CascadesTotal.WithLabelValues("refund_failed").Inc()
			telemetry.Fail(span, err)
		default:
			c.metrics.CascadesTotal.WithLabelValues("error").Inc()
			telemetry.Fail(span, err)
		}
	}()

	if err := requireIDs("resource_id", resourceID); err != nil {
		return nil, err
	}

	r, err := c.store.GetResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if r.OwnerID != callerID {
		return nil, domain.ErrForbidden
	}

	result = &CancelResult{ResourceID: resourceID, RefundedGrantIDs: []string{}}
	if r.IsCancelled {
		result.AlreadyCancelled = true
		return result, nil
	}

	for round := 1; round <= c.maxRounds; round++ {
		grants, err := c.store.ListOutstandingGrants(ctx, resourceID)
		if err != nil {
			return nil, err
		}

		if len(grants) > 0 {
			if err := c.refundAll(ctx, r, grants); err != nil {
				var failed *domain.RefundFailedError
				if errors.As(err, &failed) {
					failed.RefundedGrantIDs = append(failed.RefundedGrantIDs, result.RefundedGrantIDs...)
				}
				return nil, err
			}

			ids := make([]string, len(grants))
			for i, g := range grants {
				ids[i] = g.ID
			}
			now := c.clock.Now()
			if _, err := c.store.MarkGrantsRefunded(ctx, resourceID, ids, now); err != nil {
				return nil, err
			}
			result.RefundedGrantIDs = append(result.RefundedGrantIDs, ids...)
			for _, g := range grants {
				refunded := *g
				refunded.Status = domain.GrantStatusRefunded
				refunded.RefundedAt = &now
				c.notifier.Emit(ctx, domain.GrantChange(domain.ChangeGrantRefunded, &refunded, now))
			}
		}

		// a crash here leaves refunded-but-not-cancelled, which a rerun finishes
		now := c.clock.Now()
		err = c.store.MarkResourceCancelled(ctx, resourceID, now)
		if errors.Is(err, repository.ErrGrantsOutstanding) {
			c.log.Warn("grant issued during cancellation, rescanning",
				zap.String("resource_id", resourceID),
				zap.Int("round", round),
			)
			continue
		}
		if err != nil {
			return nil, err
		}

		c.log.Info("resource cancelled",
			zap.String("resource_id", resourceID),
			zap.Int("refunded", len(result.RefundedGrantIDs)),
		)
		c.notifier.Emit(ctx, domain.ChangeEvent{
			Type:       domain.ChangeResourceCancelled,
			ResourceID: resourceID,
			OccurredAt: now,
		})
		return result, nil
	}

	return nil, fmt.Errorf("resource %s still has outstanding grants after %d rounds", resourceID, c.maxRounds)
}

// refundAll refunds every grant independently and aggregates failures.
// One failure never stops the other attempts.
func (c *cancellationCascade) refundAll(ctx context.Context, r *domain.Resource, grants []*domain.Grant) error {
	errs := make([]error, len(grants))

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, grant := range grants {
		g.Go(func() error {
			if grant.ExternalPaymentRef == "" {
				errs[i] = fmt.Errorf("grant %s has no payment reference", grant.ID)
				return nil
			}
			errs[i] = c.refunds.Refund(ctx, &gateway.RefundRequest{
				GrantID:      grant.ID,
				PaymentRef:   grant.ExternalPaymentRef,
				OwnerAccount: r.OwnerPaymentAccount,
			})
			return nil
		})
	}
	_ = g.Wait()

	failed := &domain.RefundFailedError{ResourceID: r.ID, Causes: make(map[string]error)}
	for i, err := range errs {
		if err == nil {
			c.metrics.RefundsTotal.WithLabelValues("succeeded").Inc()
			continue
		}
		if errors.Is(err, gateway.ErrAlreadyRefunded) {
			// refunded by an earlier, aborted run of the cascade
			c.metrics.RefundsTotal.WithLabelValues("already_refunded").Inc()
			continue
		}
		c.metrics.RefundsTotal.WithLabelValues("failed").Inc()
		c.log.Error("refund failed",
			zap.String("resource_id", r.ID),
			zap.String("grant_id", grants[i].ID),
			zap.Error(err),
		)
		failed.FailedGrantIDs = append(failed.FailedGrantIDs, grants[i].ID)
		failed.Causes[grants[i].ID] = err
	}
	if len(failed.FailedGrantIDs) == 0 {
		return nil
	}
	sort.Strings(failed.FailedGrantIDs)
	return failed
}
