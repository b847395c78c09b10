package ports

import (
	"context"

	"github.com/layer-3/capsule/core"
)

// Notifier hands a verification code to the email or SMS delivery channel
type Notifier interface {
	Dispatch(ctx context.Context, target string, channel core.Channel, code string) error
}

// EventPublisher publishes wallet lifecycle events to other services
type EventPublisher interface {
	PublishWalletBound(ctx context.Context, binding core.WalletBinding) error
	PublishWalletUnbound(ctx context.Context, userID string, count int) error
}
