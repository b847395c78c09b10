package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/layer-3/capsule/core"
	"github.com/layer-3/capsule/ports"
)

var _ ports.Notifier = (*LogNotifier)(nil)

// LogNotifier writes verification codes to the log instead of delivering them.
// It stands in for the delivery worker in local runs only.
type LogNotifier struct {
	logger watermill.LoggerAdapter
}

// NewLogNotifier creates a notifier that logs codes
func NewLogNotifier(logger watermill.LoggerAdapter) *LogNotifier {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &LogNotifier{logger: logger}
}

// Dispatch logs the code
func (n *LogNotifier) Dispatch(ctx context.Context, target string, channel core.Channel, code string) error {
	n.logger.Info("Verification code (development delivery)", watermill.LogFields{
		"target":   target,
		"channel":  string(channel),
		"code":     code,
		"trace_id": core.TraceIDFromContext(ctx),
	})
	return nil
}
