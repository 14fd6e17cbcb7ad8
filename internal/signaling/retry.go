package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrRetriesExhausted = errors.New("signaling: retries exhausted")

// RetryPolicy is a fixed-interval bounded retry.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 10, Interval: 300 * time.Millisecond, Sleep: SleepContext}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	out := p
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 10
	}
	if out.Interval < 0 {
		out.Interval = 0
	}
	if out.Sleep == nil {
		out.Sleep = SleepContext
	}
	return out
}

// Do calls fn until it reports done, returns a terminal error, ctx ends, or
// the attempts run out. An error returned with done=false counts as transient.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) (done bool, err error)) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := fn(ctx)
		if done {
			return err
		}
		if err != nil {
			lastErr = err
		}
		if attempt == p.MaxAttempts {
			break
		}
		if err := p.Sleep(ctx, p.Interval); err != nil {
			return err
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, p.MaxAttempts, lastErr)
	}
	return fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, p.MaxAttempts)
}

func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
