package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/abhirambsn/mo-ticket/internal/domain"
	"github.com/abhirambsn/mo-ticket/internal/metrics"
	"github.com/abhirambsn/mo-ticket/pkg/kafka"
	"github.com/abhirambsn/mo-ticket/pkg/logger"
	"github.com/abhirambsn/mo-ticket/pkg/retry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChangePublisher delivers committed state transitions to observers.
// Delivery is best-effort; correctness never depends on it.
type ChangePublisher interface {
	Publish(ctx context.Context, event domain.ChangeEvent) error
	Name() string
	Close() error
}

// producer is the subset of *kafka.Producer the publisher needs
type producer interface {
	Produce(ctx context.Context, msg *kafka.Message) error
	Close()
}

// KafkaChangePublisher implements ChangePublisher using Kafka
type KafkaChangePublisher struct {
	producer    producer
	topic       string
	serviceName string
	retry       *retry.Retrier
}

// ChangePublisherConfig contains configuration for the Kafka publisher
type ChangePublisherConfig struct {
	Brokers     []string
	Topic       string
	ServiceName string
	ClientID    string
}

// NewKafkaChangePublisher creates a new Kafka change publisher
func NewKafkaChangePublisher(ctx context.Context, cfg *ChangePublisherConfig) (*KafkaChangePublisher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("change publisher config is required")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "waitlist-service-producer"
	}

	p, err := kafka.NewProducer(ctx, &kafka.ProducerConfig{
		Brokers:       cfg.Brokers,
		ClientID:      clientID,
		MaxRetries:    3,
		RetryInterval: 2 * time.Second,
		LingerMs:      10,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return newKafkaChangePublisher(p, cfg.Topic, cfg.ServiceName), nil
}

func newKafkaChangePublisher(p producer, topic, serviceName string) *KafkaChangePublisher {
	if topic == "" {
		topic = "waitlist-events"
	}
	if serviceName == "" {
		serviceName = "waitlist-service"
	}
	return &KafkaChangePublisher{
		producer:    p,
		topic:       topic,
		serviceName: serviceName,
		retry: retry.New(&retry.Config{
			MaxRetries:      2,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     time.Second,
			Multiplier:      2,
			JitterFactor:    0.1,
		}),
	}
}

func (p *KafkaChangePublisher) Name() string {
	return "kafka"
}

// Publish produces the event keyed by resource id, so one resource's
// transitions stay ordered within a partition
func (p *KafkaChangePublisher) Publish(ctx context.Context, event domain.ChangeEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &kafka.Message{
		Topic: p.topic,
		Key:   []byte(event.ResourceID),
		Value: value,
		Headers: map[string]string{
			"event_type":   string(event.Type),
			"event_id":     event.ID,
			"source":       p.serviceName,
			"content_type": "application/json",
		},
		Timestamp: event.OccurredAt,
	}

	res := p.retry.Do(ctx, func(ctx context.Context) error {
		return p.producer.Produce(ctx, msg)
	})
	if res.Err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Type, res.Err)
	}
	return nil
}

// Close closes the event publisher
func (p *KafkaChangePublisher) Close() error {
	if p.producer != nil {
		p.producer.Close()
	}
	return nil
}

// Notifier fans change events out to every configured publisher. A failing
// publisher is logged and counted, never surfaced to the caller.
type Notifier struct {
	publishers []ChangePublisher
	log        *logger.Logger
	metrics    *metrics.Metrics
}

// NewNotifier creates a Notifier; with no publishers it only logs at debug
func NewNotifier(log *logger.Logger, m *metrics.Metrics, publishers ...ChangePublisher) *Notifier {
	if log == nil {
		log = logger.Get()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Notifier{publishers: publishers, log: log.Named("notifier"), metrics: m}
}

// Emit publishes each event to every publisher
func (n *Notifier) Emit(ctx context.Context, events ...domain.ChangeEvent) {
	if n == nil {
		return
	}
	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
		n.log.Debug("state change",
			zap.String("type", string(ev.Type)),
			zap.String("resource_id", ev.ResourceID),
			zap.String("entry_id", ev.EntryID),
			zap.String("grant_id", ev.GrantID),
		)
		for _, p := range n.publishers {
			if err := p.Publish(ctx, ev); err != nil {
				n.metrics.NotificationFailuresTotal.WithLabelValues(p.Name()).Inc()
				n.log.Warn("failed to publish change event",
					zap.String("publisher", p.Name()),
					zap.String("type", string(ev.Type)),
					zap.String("event_id", ev.ID),
					zap.Error(err),
				)
			}
		}
	}
}

// Close closes every publisher
func (n *Notifier) Close() error {
	if n == nil {
		return nil
	}
	var firstErr error
	for _, p := range n.publishers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
