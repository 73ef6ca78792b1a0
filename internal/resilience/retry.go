package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RetryConfig holds tuning knobs for [Do].
type RetryConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// Attempts is the total number of tries, including the first. Default: 2.
	Attempts int

	// Delay is the pause between consecutive tries. Default: 1s.
	Delay time.Duration
}

// Do runs fn up to cfg.Attempts times, sleeping cfg.Delay between tries.
// It returns nil as soon as fn succeeds. When the context is cancelled
// during a delay, the cancellation error is joined with the last failure.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 2
	}
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(err, lastErr)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt < cfg.Attempts {
			slog.Debug("operation failed, retrying",
				"name", cfg.Name,
				"attempt", attempt,
				"err", lastErr)
			select {
			case <-ctx.Done():
				return errors.Join(ctx.Err(), lastErr)
			case <-time.After(cfg.Delay):
			}
		}
	}
	return fmt.Errorf("resilience: %d attempts exhausted: %w", cfg.Attempts, lastErr)
}
