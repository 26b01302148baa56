package wifi

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryPolicy bounds automatic reconnection.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// ConnectWithRetry calls m.Connect up to policy.MaxAttempts times, waiting
// policy.Delay between attempts with the manager's hooks still running. Failures that cannot succeed on retry
// (bad credentials) end the loop at once. ctx is honored between attempts.
func ConnectWithRetry(ctx context.Context, m *Manager, policy RetryPolicy, logger *slog.Logger) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = m.Connect(ctx)
		if err == nil {
			return nil
		}

		var ce *ConnectError
		if !errors.As(err, &ce) || !ce.Reason.Retryable() {
			return err
		}
		if attempt == attempts {
			break
		}

		logger.Warn("wifi connect attempt failed, retrying",
			"attempt", attempt,
			"max_attempts", attempts,
			"reason", string(ce.Reason),
			"delay", policy.Delay.String())

		if err := m.pause(ctx, policy.Delay); err != nil {
			return err
		}
	}
	return err
}
