package suite

import (
	"context"
	"time"
)

// Pacer stands in for real device operations by sleeping for a scaled
// duration. A zero scale returns immediately, which tests rely on.
type Pacer struct {
	Scale float64
}

// Wait blocks for d scaled by the pacer, or until ctx is done.
func (p Pacer) Wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	scaled := time.Duration(float64(d) * p.Scale)
	if scaled <= 0 {
		return nil
	}

	timer := time.NewTimer(scaled)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Timed runs fn and returns how long it took in seconds.
func Timed(fn func() error) (float64, error) {
	start := time.Now()
	err := fn()

	return time.Since(start).Seconds(), err
}
