package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/layer-3/capsule/core"
	"github.com/layer-3/capsule/ports"
)

var (
	_ ports.Notifier       = (*WatermillPublisher)(nil)
	_ ports.EventPublisher = (*WatermillPublisher)(nil)
)

// DefaultTopicPrefix namespaces every topic the service publishes to
const DefaultTopicPrefix = "capsule"

// TraceIDMetadataKey is the message metadata key carrying the request trace id
const TraceIDMetadataKey = "trace_id"

// Topic suffixes
const (
	TopicVerificationDispatch = "verification.dispatch"
	TopicWalletBound          = "wallet.bound"
	TopicWalletUnbound        = "wallet.unbound"
)

// DispatchEvent asks the delivery worker to send a verification code
type DispatchEvent struct {
	Target      string       `json:"target"`
	Channel     core.Channel `json:"channel"`
	Code        string       `json:"code"`
	RequestedAt time.Time    `json:"requested_at"`
}

// WalletBoundEvent announces a new primary wallet
type WalletBoundEvent struct {
	UserID  string    `json:"user_id"`
	Address string    `json:"address"`
	ChainID int64     `json:"chain_id"`
	BoundAt time.Time `json:"bound_at"`
}

// WalletUnboundEvent announces that a user released all wallets
type WalletUnboundEvent struct {
	UserID    string    `json:"user_id"`
	Count     int       `json:"count"`
	UnboundAt time.Time `json:"unbound_at"`
}

// WatermillPublisher implements the Notifier and EventPublisher interfaces using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
	prefix    string
	clock     ports.Clock
	logger    watermill.LoggerAdapter
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher, topicPrefix string, clock ports.Clock, logger watermill.LoggerAdapter) *WatermillPublisher {
	if topicPrefix == "" {
		topicPrefix = DefaultTopicPrefix
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &WatermillPublisher{
		publisher: publisher,
		prefix:    topicPrefix,
		clock:     clock,
		logger:    logger,
	}
}

// Topic returns the fully qualified topic for suffix
func (p *WatermillPublisher) Topic(suffix string) string {
	return p.prefix + "." + suffix
}

// Dispatch publishes a delivery request for a verification code
func (p *WatermillPublisher) Dispatch(ctx context.Context, target string, channel core.Channel, code string) error {
	return p.publish(ctx, TopicVerificationDispatch, DispatchEvent{
		Target:      target,
		Channel:     channel,
		Code:        code,
		RequestedAt: p.clock.Now().UTC(),
	})
}

// PublishWalletBound publishes a wallet bound event
func (p *WatermillPublisher) PublishWalletBound(ctx context.Context, binding core.WalletBinding) error {
	return p.publish(ctx, TopicWalletBound, WalletBoundEvent{
		UserID:  binding.UserID,
		Address: binding.Address,
		ChainID: binding.ChainID,
		BoundAt: binding.BoundAt.UTC(),
	})
}

// PublishWalletUnbound publishes a wallet unbound event
func (p *WatermillPublisher) PublishWalletUnbound(ctx context.Context, userID string, count int) error {
	return p.publish(ctx, TopicWalletUnbound, WalletUnboundEvent{
		UserID:    userID,
		Count:     count,
		UnboundAt: p.clock.Now().UTC(),
	})
}

func (p *WatermillPublisher) publish(ctx context.Context, suffix string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	msg.SetContext(ctx)
	if traceID := core.TraceIDFromContext(ctx); traceID != "" {
		msg.Metadata.Set(TraceIDMetadataKey, traceID)
	}

	topic := p.Topic(suffix)
	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("Event published", watermill.LogFields{
		"topic":      topic,
		"message_id": msg.UUID,
	})
	return nil
}
