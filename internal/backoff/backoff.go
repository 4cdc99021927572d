// Package backoff provides jittered exponential delays for retry loops.
package backoff

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"
)

// Policy computes jittered exponential delays between retries.
type Policy struct {
	base time.Duration
	max  time.Duration
}

// New builds a Policy. Non-positive bounds fall back to one second and one
// minute.
func New(base, max time.Duration) Policy {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = time.Minute
	}
	return Policy{base: base, max: max}
}

// Delay returns the wait duration before the given zero-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.base) * math.Pow(2, float64(attempt))
	if d > float64(p.max) {
		d = float64(p.max)
	}
	jitter := randomJitter(time.Duration(d) / 2)
	return time.Duration(d/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Sleep waits for d or until the context is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	}
}
