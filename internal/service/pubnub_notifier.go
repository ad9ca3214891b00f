package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/abhirambsn/mo-ticket/internal/domain"
	pubnubgo "github.com/pubnub/go/v7"
)

// PubNubConfig holds PubNub credentials
type PubNubConfig struct {
	PublishKey   string
	SubscribeKey string
	UserID       string
}

// PubNubNotifier pushes requester-facing transitions to a per-requester
// channel, standing in for live position updates in the UI
type PubNubNotifier struct {
	send func(channel string, message string) error
}

// NewPubNubNotifier creates a PubNub-backed ChangePublisher
func NewPubNubNotifier(cfg *PubNubConfig) (*PubNubNotifier, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pubnub config is required")
	}
	if cfg.PublishKey == "" || cfg.SubscribeKey == "" {
		return nil, fmt.Errorf("pubnub publish and subscribe keys are required")
	}

	userID := cfg.UserID
	if userID == "" {
		userID = "waitlist-service"
	}
	pnCfg := pubnubgo.NewConfigWithUserId(pubnubgo.UserId(userID))
	pnCfg.PublishKey = cfg.PublishKey
	pnCfg.SubscribeKey = cfg.SubscribeKey
	pn := pubnubgo.NewPubNub(pnCfg)

	return &PubNubNotifier{
		send: func(channel, message string) error {
			_, _, err := pn.Publish().Channel(channel).Message(message).Execute()
			return err
		},
	}, nil
}

// RequesterChannel is the channel a requester's client subscribes to
func RequesterChannel(requesterID string) string {
	return "waitlist-" + requesterID
}

func (p *PubNubNotifier) Name() string {
	return "pubnub"
}

// Publish skips events with no requester, such as resource.cancelled
func (p *PubNubNotifier) Publish(ctx context.Context, event domain.ChangeEvent) error {
	if event.RequesterID == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.send(RequesterChannel(event.RequesterID), string(body)); err != nil {
		return fmt.Errorf("pubnub publish failed: %w", err)
	}
	return nil
}

func (p *PubNubNotifier) Close() error {
	return nil
}
