package terminal

import (
	"context"
	"time"

	"settlement-svc/models"
)

const (
	DefaultPollAttempts = 60
	DefaultPollInterval = 2 * time.Second
)

// Observer receives each intermediate poll attempt. An absent observer is a
// no-op, not a nil check scattered through the loop.
type Observer interface {
	OnAttempt(status models.SessionStatus, attempt int)
}

type noopObserver struct{}

func (noopObserver) OnAttempt(models.SessionStatus, int) {}

// NopObserver ignores all attempts.
var NopObserver Observer = noopObserver{}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(status models.SessionStatus, attempt int)

func (f ObserverFunc) OnAttempt(status models.SessionStatus, attempt int) {
	f(status, attempt)
}

// StatusFunc checks one pending transaction.
type StatusFunc func(ctx context.Context) (models.SessionStatus, error)

// Poll converts a pending initiation into a final outcome by checking status
// up to maxAttempts times at a fixed interval. It returns as soon as the
// status is non-pending. Exhausting the budget yields SessionStatusTimeout,
// which means "outcome unknown" and must never be read as a decline. A check
// error counts as a pending attempt; transient gateway hiccups should not
// end the session early.
func Poll(ctx context.Context, check StatusFunc, maxAttempts int, interval time.Duration, obs Observer) (models.SessionStatus, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultPollAttempts
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if obs == nil {
		obs = NopObserver
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, err := check(ctx)
		if err != nil {
			status = models.SessionStatusPending
		}
		obs.OnAttempt(status, attempt)

		if status != models.SessionStatusPending {
			return status, nil
		}
		if attempt == maxAttempts {
			break
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return models.SessionStatusTimeout, ctx.Err()
		}
	}
	return models.SessionStatusTimeout, nil
}
