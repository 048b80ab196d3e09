// Package retry computes delays between delivery attempts.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff returns the delay before retry number attempt (0-based).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// maxSteps bounds the walk to a given attempt; the interval has long hit
// Max by then.
const maxSteps = 64

// ExponentialBackoff grows the delay by Multiplier per attempt up to Max,
// optionally spread by a random jitter. Delays come from a fresh
// backoff.ExponentialBackOff per call, so one value is safe to share between
// goroutines.
type ExponentialBackoff struct {
	// Initial is the delay before the first retry
	Initial time.Duration

	// Max caps the delay (0 = uncapped)
	Max time.Duration

	// Multiplier is the exponential growth factor
	Multiplier float64

	// JitterFactor is the maximum jitter as a fraction of the delay (0.0 to 1.0)
	JitterFactor float64
}

// NewExponentialBackoff returns a backoff with a 2x multiplier and 20% jitter.
func NewExponentialBackoff(initial, max time.Duration) *ExponentialBackoff {
	return &ExponentialBackoff{
		Initial:      initial,
		Max:          max,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

// Delay implements Backoff.
func (b *ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	max := b.Max
	if max <= 0 {
		max = time.Duration(math.MaxInt64)
	}

	eb := &backoff.ExponentialBackOff{
		InitialInterval:     b.Initial,
		RandomizationFactor: b.JitterFactor,
		Multiplier:          mult,
		MaxInterval:         max,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	eb.Reset()

	var delay time.Duration
	for i := 0; i <= attempt && i < maxSteps; i++ {
		delay = eb.NextBackOff()
	}
	return delay
}

// Constant always waits the same duration.
type Constant time.Duration

// Delay implements Backoff.
func (c Constant) Delay(int) time.Duration { return time.Duration(c) }

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
