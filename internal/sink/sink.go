// Package sink defines the outcome sink consumed by the dialer core and
// its MQTT, Redis and Postgres implementations. The core writes state
// transitions outward and never reads UI state back.
package sink

import (
	"context"

	"github.com/sweeney/asterisk-dialer/internal/call"
)

// Sink receives call state transitions and campaign counter movements.
// Both methods must be safely callable more than once for the same logical
// transition: PersistTransition is keyed by (call id, new state) and
// IncrementCounter deduplicates on the caller-supplied token.
type Sink interface {
	PersistTransition(ctx context.Context, t call.Transition) error
	IncrementCounter(ctx context.Context, campaignID, bucket, token string) error
	Close() error
}

// Notifier delivers fire-and-forget human notifications. Failures must
// never roll back a state transition; callers log and move on.
type Notifier interface {
	Notify(ctx context.Context, recipient, message string) error
}
