package service

import (
	"context"
	"time"

	"github.com/abhirambsn/mo-ticket/internal/clock"
	"github.com/abhirambsn/mo-ticket/internal/domain"
	"github.com/abhirambsn/mo-ticket/internal/metrics"
	"github.com/abhirambsn/mo-ticket/internal/repository"
	"github.com/abhirambsn/mo-ticket/pkg/logger"
	"github.com/abhirambsn/mo-ticket/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// OfferManager expires lapsed offers and promotes waiting entries into the
// freed slots. Expiry is lazy: callers reconcile whatever they touch.
type OfferManager interface {
	// ReconcileEntry applies a pending expiry to entry, promoting the next
	// waiter if a slot was freed, and returns the entry's current state
	ReconcileEntry(ctx context.Context, entry *domain.WaitlistEntry) (*domain.WaitlistEntry, error)

	// ReconcileResource expires every lapsed offer on the resource
	ReconcileResource(ctx context.Context, resourceID string) (int, error)

	// Leave expires an active entry on the requester's behalf
	Leave(ctx context.Context, entry *domain.WaitlistEntry) (*domain.WaitlistEntry, error)

	// Sweep expires lapsed offers across all resources, at most limit of them
	Sweep(ctx context.Context, limit int) (int, error)

	// OfferTTL is how long a new offer stays valid
	OfferTTL() time.Duration
}

// OfferManagerConfig contains configuration for the offer manager
type OfferManagerConfig struct {
	OfferTTL time.Duration
	// ReconcileBatch caps how many lapsed offers one touch will expire
	ReconcileBatch int
}

type offerManager struct {
	store          repository.Store
	notifier       *Notifier
	clock          clock.Clock
	log            *logger.Logger
	metrics        *metrics.Metrics
	offerTTL       time.Duration
	reconcileBatch int
}

// NewOfferManager creates a new offer manager
func NewOfferManager(
	store repository.Store,
	notifier *Notifier,
	clk clock.Clock,
	log *logger.Logger,
	m *metrics.Metrics,
	cfg *OfferManagerConfig,
) OfferManager {
	ttl := domain.DefaultOfferTTL
	batch := 100
	if cfg != nil {
		if cfg.OfferTTL > 0 {
			ttl = cfg.OfferTTL
		}
		if cfg.ReconcileBatch > 0 {
			batch = cfg.ReconcileBatch
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
	return &offerManager{
		store:          store,
		notifier:       notifier,
		clock:          clk,
		log:            log.Named("offer_manager"),
		metrics:        m,
		offerTTL:       ttl,
		reconcileBatch: batch,
	}
}

func (m *offerManager) OfferTTL() time.Duration {
	return m.offerTTL
}

func (m *offerManager) ReconcileEntry(ctx context.Context, entry *domain.WaitlistEntry) (*domain.WaitlistEntry, error) {
	if _, changed := domain.Reconcile(*entry, m.clock.Now()); !changed {
		return entry, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "service.offer.reconcile_entry")
	defer span.End()
	span.SetAttributes(attribute.String("entry_id", entry.ID))

	res, err := m.expire(ctx, entry.ID, false)
	if err != nil {
		telemetry.Fail(span, err)
		return nil, err
	}
	telemetry.OK(span)
	return res.Entry, nil
}

func (m *offerManager) ReconcileResource(ctx context.Context, resourceID string) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.offer.reconcile_resource")
	defer span.End()
	span.SetAttributes(attribute.String("resource_id", resourceID))

	lapsed, err := m.store.ListExpiredOffers(ctx, resourceID, m.clock.Now(), m.reconcileBatch)
	if err != nil {
		telemetry.Fail(span, err)
		return 0, err
	}

	expired, err := m.expireAll(ctx, lapsed)
	if err != nil {
		telemetry.Fail(span, err)
		return expired, err
	}
	promoted, err := m.fillFreeSlots(ctx, resourceID)
	if err != nil {
		telemetry.Fail(span, err)
		return expired, err
	}

	span.SetAttributes(attribute.Int("expired", expired), attribute.Int("backfilled", promoted))
	telemetry.OK(span)
	return expired, nil
}

func (m *offerManager) Leave(ctx context.Context, entry *domain.WaitlistEntry) (*domain.WaitlistEntry, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.offer.leave")
	defer span.End()
	span.SetAttributes(attribute.String("entry_id", entry.ID))

	res, err := m.expire(ctx, entry.ID, true)
	if err != nil {
		telemetry.Fail(span, err)
		return nil, err
	}
	if !res.Transitioned {
		return nil, domain.Errorf(domain.KindOfferNotActive, "entry %s is %s and cannot be left", entry.ID, res.Entry.Status)
	}

	telemetry.OK(span)
	return res.Entry, nil
}

func (m *offerManager) Sweep(ctx context.Context, limit int) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.offer.sweep")
	defer span.End()

	started := time.Now()
	lapsed, err := m.store.ListExpiredOffers(ctx, "", m.clock.Now(), limit)
	if err != nil {
		telemetry.Fail(span, err)
		return 0, err
	}

	expired, err := m.expireAll(ctx, lapsed)
	m.metrics.ObserveSweep(started, expired)
	if err != nil {
		telemetry.Fail(span, err)
		return expired, err
	}

	if expired > 0 {
		m.log.Info("swept expired offers", zap.Int("expired", expired), zap.Int("scanned", len(lapsed)))
	}
	span.SetAttributes(attribute.Int("expired", expired))
	telemetry.OK(span)
	return expired, nil
}

// expireAll expires each entry, continuing past individual failures and
// returning the first error
func (m *offerManager) expireAll(ctx context.Context, entries []*domain.WaitlistEntry) (int, error) {
	expired := 0
	var firstErr error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		res, err := m.expire(ctx, e.ID, false)
		if err != nil {
			m.log.Error("failed to expire offer",
				zap.String("entry_id", e.ID),
				zap.String("resource_id", e.ResourceID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if res.Transitioned {
			expired++
		}
	}
	return expired, firstErr
}

// expire runs the atomic expiry transition and, for every slot it freed,
// promotes the next waiter. Re-running it on an EXPIRED entry is a no-op.
func (m *offerManager) expire(ctx context.Context, entryID string, voluntary bool) (*repository.ExpireResult, error) {
	now := m.clock.Now()
	res, err := m.store.ExpireEntry(ctx, repository.ExpireParams{
		EntryID:   entryID,
		Now:       now,
		Voluntary: voluntary,
	})
	if err != nil {
		return nil, err
	}
	if !res.Transitioned {
		return res, nil
	}

	reason := "ttl"
	if voluntary {
		reason = "left"
	}
	m.metrics.ExpiredTotal.WithLabelValues(reason).Inc()
	m.log.Info("waitlist entry expired",
		zap.String("entry_id", res.Entry.ID),
		zap.String("resource_id", res.Entry.ResourceID),
		zap.String("reason", reason),
		zap.Bool("released", res.Released),
	)
	ev := domain.EntryChange(domain.ChangeEntryExpired, res.Entry, now)
	ev.Reason = reason
	m.notifier.Emit(ctx, ev)

	if res.Released {
		if _, err := m.promoteNext(ctx, res.Entry.ResourceID); err != nil {
			// the slot stays free until the next ReconcileResource backfills it
			m.log.Error("failed to promote after expiry",
				zap.String("resource_id", res.Entry.ResourceID),
				zap.Error(err),
			)
		}
	}
	return res, nil
}

// promoteNext offers one freed slot to the earliest waiter, if any
func (m *offerManager) promoteNext(ctx context.Context, resourceID string) (*domain.WaitlistEntry, error) {
	now := m.clock.Now()
	promoted, err := m.store.PromoteNext(ctx, resourceID, now, now.Add(m.offerTTL))
	if err != nil || promoted == nil {
		return nil, err
	}

	m.metrics.PromotionsTotal.Inc()
	m.metrics.OffersTotal.WithLabelValues("promotion").Inc()
	m.log.Info("waitlist entry promoted",
		zap.String("entry_id", promoted.ID),
		zap.String("resource_id", resourceID),
		zap.String("requester_id", promoted.RequesterID),
		zap.Timep("offer_expires_at", promoted.OfferExpiresAt),
	)
	m.notifier.Emit(ctx, domain.EntryChange(domain.ChangeEntryOffered, promoted, now))
	return promoted, nil
}

// fillFreeSlots promotes waiters into slots left free by an earlier failed
// promotion. PromoteNext reserves per promotion, so this never oversells.
func (m *offerManager) fillFreeSlots(ctx context.Context, resourceID string) (int, error) {
	promoted := 0
	for promoted < m.reconcileBatch {
		e, err := m.promoteNext(ctx, resourceID)
		if err != nil || e == nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}
