// Package backoff computes the wait between retries of a failing operation.
package backoff

import "time"

const (
	MinInterval = 1 * time.Second
	MaxInterval = 60 * time.Second
	Multiplier  = 1.5
)

// Backoff grows the wait by multiplier, starting at min. Once it would reach
// max it wraps back to min. Not safe for concurrent use.
type Backoff struct {
	min, max   time.Duration
	multiplier float64
	cur        time.Duration
}

// New returns a Backoff. Zero or invalid arguments take the package defaults.
func New(min, max time.Duration, multiplier float64) *Backoff {
	if min <= 0 {
		min = MinInterval
	}
	if max <= 0 {
		max = MaxInterval
	}
	if max < min {
		max = min
	}
	if multiplier < 1 {
		multiplier = Multiplier
	}
	return &Backoff{min: min, max: max, multiplier: multiplier}
}

func Default() *Backoff {
	return New(MinInterval, MaxInterval, Multiplier)
}

func (b *Backoff) Next() time.Duration {
	if b.cur == 0 {
		b.cur = b.min
	} else {
		b.cur = time.Duration(float64(b.cur) * b.multiplier)
		if b.cur < b.max {
			b.cur = b.cur.Truncate(time.Millisecond)
		} else {
			b.cur = b.min
		}
	}
	return b.cur
}

func (b *Backoff) Reset() {
	b.cur = 0
}
