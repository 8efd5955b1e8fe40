package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunStopsOnCleanClose(t *testing.T) {
	attempts := 0
	err := Run(context.Background(), func(context.Context) (bool, error) {
		attempts++
		if attempts < 3 {
			return false, errors.New("flaky")
		}
		return true, nil
	}, Config{InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}, zerolog.Nop())

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRunRetriesUnboundedUntilCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := Run(ctx, func(context.Context) (bool, error) {
		attempts++
		return false, errors.New("device absent")
	}, Config{InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}, zerolog.Nop())

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts < 5 {
		t.Fatalf("expected many attempts before cancel, got %d", attempts)
	}
}

func TestHealthyAttemptResetsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var delays []time.Duration
	last := time.Now()
	attempts := 0
	_ = Run(ctx, func(context.Context) (bool, error) {
		now := time.Now()
		delays = append(delays, now.Sub(last))
		last = now
		attempts++
		switch attempts {
		case 1, 2, 3:
			return false, errors.New("unhealthy") // backoff grows
		case 4:
			return true, errors.New("streamed then died") // resets
		case 5:
			return false, errors.New("unhealthy")
		default:
			cancel()
			return false, errors.New("done")
		}
	}, Config{InitialBackoff: 20 * time.Millisecond, MaxBackoff: 400 * time.Millisecond}, zerolog.Nop())

	// Attempt 4 grows the delay to ~80ms; the healthy attempt resets it,
	// so attempt 5 starts after ~20ms again.
	if len(delays) < 6 {
		t.Fatalf("expected 6 attempts, got %d", len(delays))
	}
	if delays[4] < 15*time.Millisecond || delays[4] > 60*time.Millisecond {
		t.Fatalf("delay after healthy attempt not reset: %v", delays[4])
	}
	if delays[3] < 70*time.Millisecond {
		t.Fatalf("backoff did not grow before healthy attempt: %v", delays[3])
	}
}
