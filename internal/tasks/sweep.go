package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/abhirambsn/mo-ticket/pkg/logger"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	// TypeOfferSweep expires lapsed offers across every resource
	TypeOfferSweep = "offer:sweep"
	// TypeResourceReconcile expires lapsed offers on one resource and backfills its free slots
	TypeResourceReconcile = "offer:reconcile_resource"

	sweepTimeout = 2 * time.Minute
)

// SweepPayload is the payload of an offer:sweep task
type SweepPayload struct {
	BatchSize int `json:"batch_size"`
}

// ReconcilePayload is the payload of an offer:reconcile_resource task
type ReconcilePayload struct {
	ResourceID string `json:"resource_id"`
}

// NewSweepTask builds an offer:sweep task. A sweep that misses its slot is
// not worth retrying, the next tick covers it.
func NewSweepTask(batchSize int) (*asynq.Task, error) {
	payload, err := json.Marshal(SweepPayload{BatchSize: batchSize})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeOfferSweep, payload, asynq.MaxRetry(0), asynq.Timeout(sweepTimeout)), nil
}

// NewReconcileTask builds an offer:reconcile_resource task
func NewReconcileTask(resourceID string) (*asynq.Task, error) {
	if resourceID == "" {
		return nil, fmt.Errorf("resource id is required")
	}
	payload, err := json.Marshal(ReconcilePayload{ResourceID: resourceID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeResourceReconcile, payload, asynq.MaxRetry(3), asynq.Timeout(sweepTimeout)), nil
}

// Reconciler is the offer-manager surface the task handlers drive
type Reconciler interface {
	Sweep(ctx context.Context, limit int) (int, error)
	ReconcileResource(ctx context.Context, resourceID string) (int, error)
}

// Handlers processes offer tasks
type Handlers struct {
	offers           Reconciler
	defaultBatchSize int
	log              *logger.Logger
}

// NewHandlers creates task handlers over the offer manager
func NewHandlers(offers Reconciler, defaultBatchSize int, log *logger.Logger) *Handlers {
	if defaultBatchSize <= 0 {
		defaultBatchSize = 100
	}
	if log == nil {
		log = logger.Get()
	}
	return &Handlers{offers: offers, defaultBatchSize: defaultBatchSize, log: log.Named("tasks")}
}

// Register mounts every handler on mux
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeOfferSweep, h.HandleOfferSweep)
	mux.HandleFunc(TypeResourceReconcile, h.HandleResourceReconcile)
}

// HandleOfferSweep handles offer:sweep
func (h *Handlers) HandleOfferSweep(ctx context.Context, t *asynq.Task) error {
	var payload SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid sweep payload: %v: %w", err, asynq.SkipRetry)
	}
	batch := payload.BatchSize
	if batch <= 0 {
		batch = h.defaultBatchSize
	}

	expired, err := h.offers.Sweep(ctx, batch)
	if err != nil {
		return fmt.Errorf("failed to sweep offers: %w", err)
	}
	h.log.Debug("sweep task done", zap.Int("expired", expired), zap.Int("batch_size", batch))
	return nil
}

// HandleResourceReconcile handles offer:reconcile_resource
func (h *Handlers) HandleResourceReconcile(ctx context.Context, t *asynq.Task) error {
	var payload ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.ResourceID == "" {
		return fmt.Errorf("invalid reconcile payload: %w", asynq.SkipRetry)
	}

	expired, err := h.offers.ReconcileResource(ctx, payload.ResourceID)
	if err != nil {
		return fmt.Errorf("failed to reconcile resource %s: %w", payload.ResourceID, err)
	}
	h.log.Debug("reconcile task done", zap.String("resource_id", payload.ResourceID), zap.Int("expired", expired))
	return nil
}
