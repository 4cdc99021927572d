package backoff

import (
	"context"
	"testing"
	"time"
)

func TestDelayGrowsAndStaysWithinBounds(t *testing.T) {
	t.Parallel()

	p := New(time.Second, time.Minute)
	for attempt := 0; attempt < 10; attempt++ {
		d := p.Delay(attempt)
		if d <= 0 {
			t.Fatalf("attempt %d: non-positive delay %v", attempt, d)
		}
		if d > time.Minute {
			t.Fatalf("attempt %d: delay %v exceeds the cap", attempt, d)
		}
	}

	// With jitter the delay lands in [ceil/2, ceil).
	ceil := 4 * time.Second
	d := p.Delay(2)
	if d < ceil/2 || d >= ceil {
		t.Fatalf("attempt 2: delay %v outside [%v, %v)", d, ceil/2, ceil)
	}
}

func TestNewDefaultsNonPositiveBounds(t *testing.T) {
	t.Parallel()

	p := New(0, 0)
	if d := p.Delay(0); d < 500*time.Millisecond || d >= time.Second {
		t.Fatalf("default base delay %v outside [500ms, 1s)", d)
	}
}

func TestSleepReturnsImmediatelyForZeroDuration(t *testing.T) {
	t.Parallel()

	if err := Sleep(context.Background(), 0); err != nil {
		t.Fatalf("Sleep(0) error = %v", err)
	}
}

func TestSleepStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Sleep(ctx, time.Minute)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Sleep kept waiting %v after cancel", elapsed)
	}
}
