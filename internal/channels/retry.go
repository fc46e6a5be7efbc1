package channels

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/tenantflow/internal/bus"
)

// defaultMaxRetries, defaultRetryBaseDelay, and defaultSendTimeout are the
// transport-wrapping defaults named by spec §4.6: up to 2 retries at a
// 500ms exponential-backoff base, bounded by a 10s per-request timeout.
const (
	defaultMaxRetries     = 2
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultSendTimeout    = 10 * time.Second
)

// sendWithRetry wraps a single channel Send with the per-request timeout
// and retry-with-backoff envelope every transport gets, regardless of which
// provider it wraps. A transport error on the final attempt propagates to
// the caller, per spec §4.6 "Failure policy".
func sendWithRetry(ctx context.Context, ch Channel, msg bus.OutboundMessage) (string, error) {
	var lastErr error
	delay := defaultRetryBaseDelay

	for attempt := 0; attempt <= defaultMaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, defaultSendTimeout)
		externalID, err := ch.Send(attemptCtx, msg)
		cancel()
		if err == nil {
			return externalID, nil
		}
		lastErr = err

		if attempt == defaultMaxRetries {
			break
		}
		slog.Warn("channels: send attempt failed, retrying", "channel", ch.Name(), "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return "", lastErr
}
