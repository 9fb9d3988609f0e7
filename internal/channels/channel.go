package channels

import (
	"context"
	"errors"

	"github.com/KafClaw/relaydesk/internal/bus"
)

// Channel defines the interface for chat platforms.
type Channel interface {
	// Name returns the channel name (e.g. "telegram").
	Name() string
	// Start initializes ingestion (webhook or long-poll) and background tasks.
	Start(ctx context.Context) error
	// Stop cancels background tasks and waits for them to exit.
	Stop() error
	// Deliver sends an outbound message, typing indicator first.
	Deliver(ctx context.Context, msg *bus.OutboundMessage) SendResult
}

// ErrPermissionDenied is reported when a business connection does not allow
// replies.
var ErrPermissionDenied = errors.New("business connection does not permit replies")

// SendResult is the outcome of one outbound call. Sends never return errors
// to callers; failures are described here and counted in the adapter metrics.
type SendResult struct {
	Success   bool
	MessageID int64
	// Denied is set when the call was short-circuited by the connection check.
	Denied bool
	Err    error
}

func failed(err error) SendResult {
	return SendResult{Err: err}
}

func denied() SendResult {
	return SendResult{Denied: true, Err: ErrPermissionDenied}
}
