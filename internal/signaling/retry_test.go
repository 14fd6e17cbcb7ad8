package signaling

import (
	"context"
	"errors"
	"testing"
	"time"
)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestRetry_StopsWhenDone(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Sleep: noSleep}
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetry_TerminalErrorStops(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Sleep: noSleep}
	boom := errors.New("boom")
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) (bool, error) {
		calls++
		return true, boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("expected boom after one attempt, got %v after %d", err, calls)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	sleeps := 0
	p := RetryPolicy{MaxAttempts: 4, Sleep: func(ctx context.Context, d time.Duration) error {
		sleeps++
		return nil
	}}
	transient := errors.New("not yet")
	err := p.Do(context.Background(), func(ctx context.Context) (bool, error) {
		return false, transient
	})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if sleeps != 3 {
		t.Fatalf("expected no sleep after the last attempt, slept %d times", sleeps)
	}
}

func TestRetry_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{MaxAttempts: 10, Sleep: noSleep}
	calls := 0
	err := p.Do(ctx, func(ctx context.Context) (bool, error) {
		calls++
		cancel()
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one attempt, got %d", calls)
	}
}

func TestRetry_Defaults(t *testing.T) {
	p := RetryPolicy{}.withDefaults()
	if p.MaxAttempts != 10 || p.Sleep == nil {
		t.Fatalf("unexpected defaults: %+v", p)
	}
	d := DefaultRetryPolicy()
	if d.MaxAttempts != 10 || d.Interval != 300*time.Millisecond {
		t.Fatalf("unexpected default policy: %+v", d)
	}
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if err := SleepContext(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
