package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		cfg     *Config
		want    time.Duration
	}{
		{0, nil, 100 * time.Millisecond},
		{1, nil, 100 * time.Millisecond},
		{3, nil, 400 * time.Millisecond},
		{7, nil, 5 * time.Second},
		{2, &Config{Initial: 50 * time.Millisecond, Max: 500 * time.Millisecond}, 100 * time.Millisecond},
		{6, &Config{Initial: 50 * time.Millisecond, Max: 500 * time.Millisecond}, 500 * time.Millisecond},
	}

	for _, tt := range tests {
		if got := Exponential(tt.attempt, tt.cfg); got != tt.want {
			t.Errorf("Exponential(%d, %+v) = %v, want %v", tt.attempt, tt.cfg, got, tt.want)
		}
	}
}

func TestConstant(t *testing.T) {
	t.Parallel()
	c := Constant(3 * time.Second)
	for _, n := range []int{1, 5, 10} {
		if got := c.Delay(n); got != 3*time.Second {
			t.Errorf("Delay(%d) = %v", n, got)
		}
	}
}

var errTransient = errors.New("transient")

func TestRetry(t *testing.T) {
	t.Parallel()
	retryable := func(err error) bool { return errors.Is(err, errTransient) }

	t.Run("succeeds after transient failures", func(t *testing.T) {
		t.Parallel()
		calls, retries := 0, 0
		err := Retry(context.Background(), 5, Constant(time.Millisecond), retryable,
			func(int, error) { retries++ },
			func() error {
				calls++
				if calls < 3 {
					return errTransient
				}
				return nil
			})
		if err != nil {
			t.Fatalf("Retry: %v", err)
		}
		if calls != 3 || retries != 2 {
			t.Errorf("calls=%d retries=%d", calls, retries)
		}
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		t.Parallel()
		permanent := errors.New("permanent")
		calls := 0
		err := Retry(context.Background(), 5, Constant(time.Millisecond), retryable, nil, func() error {
			calls++
			return permanent
		})
		if !errors.Is(err, permanent) || calls != 1 {
			t.Errorf("err=%v calls=%d", err, calls)
		}
	})

	t.Run("bounded attempts", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Retry(context.Background(), 4, Constant(time.Millisecond), retryable, nil, func() error {
			calls++
			return errTransient
		})
		if !errors.Is(err, errTransient) || calls != 4 {
			t.Errorf("err=%v calls=%d", err, calls)
		}
	})

	t.Run("context cancelled while waiting", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		err := Retry(ctx, 3, Constant(time.Hour), retryable, func(int, error) { cancel() }, func() error {
			return errTransient
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})
}
