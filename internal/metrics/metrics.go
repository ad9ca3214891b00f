// Package metrics provides Prometheus metrics for the waitlist core.
// Labels stay low-cardinality: no resource, requester or entry ids.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "waitlist"

// Metrics holds every collector the services record to
type Metrics struct {
	JoinsTotal                  *prometheus.CounterVec
	OffersTotal                 *prometheus.CounterVec
	ExpiredTotal                *prometheus.CounterVec
	PromotionsTotal             prometheus.Counter
	GrantsIssuedTotal           prometheus.Counter
	DuplicateConfirmationsTotal prometheus.Counter
	PurchaseRejectedTotal       *prometheus.CounterVec
	CascadesTotal               *prometheus.CounterVec
	RefundsTotal                *prometheus.CounterVec
	RateLimitedTotal            prometheus.Counter
	NotificationFailuresTotal   *prometheus.CounterVec
	SweepDuration               prometheus.Histogram
	SweepExpiredTotal           prometheus.Counter
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JoinsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_total",
			Help:      "Join attempts, by outcome (offered, waiting, or an error kind).",
		}, []string{"outcome"}),
		OffersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offers_total",
			Help:      "Offers created, by source (join or promotion).",
		}, []string{"source"}),
		ExpiredTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_expired_total",
			Help:      "Entries moved to EXPIRED, by reason (ttl or left).",
		}, []string{"reason"}),
		PromotionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotions_total",
			Help:      "WAITING entries promoted to OFFERED.",
		}),
		GrantsIssuedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grants_issued_total",
			Help:      "Grants issued from confirmed payments.",
		}),
		DuplicateConfirmationsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_confirmations_total",
			Help:      "Payment confirmations that matched an existing grant.",
		}),
		PurchaseRejectedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchase_rejected_total",
			Help:      "Purchases rejected, by error kind.",
		}, []string{"kind"}),
		CascadesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancellation_cascades_total",
			Help:      "Cancellation cascades, by outcome (cancelled, refund_failed, error).",
		}, []string{"outcome"}),
		RefundsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_total",
			Help:      "Refund attempts, by outcome (succeeded, already_refunded or failed).",
		}, []string{"outcome"}),
		RateLimitedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Join attempts denied by the rate limiter.",
		}),
		NotificationFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Change events that could not be published, by channel.",
		}, []string{"channel"}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of expired-offer sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
		SweepExpiredTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_expired_total",
			Help:      "Offers expired by the sweeper rather than by a request.",
		}),
	}
}

// NewNop returns metrics registered on a private registry
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveSweep records one sweep run
func (m *Metrics) ObserveSweep(started time.Time, expired int) {
	m.SweepDuration.Observe(time.Since(started).Seconds())
	m.SweepExpiredTotal.Add(float64(expired))
}
