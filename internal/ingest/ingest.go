package ingest

import (
	"context"
	"errors"
	"time"

	"poly-sniper/internal/event"
)

var (
	// ErrConnection covers transport-level connect failures after retries.
	ErrConnection = errors.New("ingester connection failed")
	// ErrSubscription covers failures to register interest in a token set.
	ErrSubscription = errors.New("ingester subscription failed")
	// ErrReconnectExhausted marks an ingester as permanently failed; the
	// engine removes it from the merge instead of retrying internally.
	ErrReconnectExhausted = errors.New("ingester reconnect attempts exhausted")
	// ErrNotConnected is returned for operations that need a live transport.
	ErrNotConnected = errors.New("ingester not connected")
)

// Ingester produces a lazy stream of events from one external source.
// Stream's channel is closed when the source shuts down or permanently
// fails; Err reports the cause after the close (nil on clean shutdown).
type Ingester interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Subscribe(tokenIDs ...string) error
	Stream() <-chan event.Event
	Err() error
	Connected() bool
}

// Backoff is the shared reconnect policy: exponential delay from Initial,
// multiplied per attempt, capped at Max, up to MaxAttempts tries.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultBackoff matches the documented policy: 1s initial, x2, 60s cap.
func DefaultBackoff(maxAttempts int) Backoff {
	return Backoff{
		Initial:     time.Second,
		Max:         60 * time.Second,
		Multiplier:  2.0,
		MaxAttempts: maxAttempts,
	}
}

// Delay returns the wait before the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Initial)
	for i := 0; i < attempt; i++ {
		d *= b.Multiplier
		if time.Duration(d) >= b.Max {
			return b.Max
		}
	}
	if time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}
