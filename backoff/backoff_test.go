package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	b := New(time.Second, 4*time.Second, 1.5)
	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{
		time.Second,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
		3375 * time.Millisecond,
		time.Second, // wrapped
		1500 * time.Millisecond,
	}, got)

	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

func TestDefault(t *testing.T) {
	b := Default()
	var last time.Duration
	for i := 0; i < 100; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, MinInterval)
		assert.Less(t, d, MaxInterval)
		if i > 0 && d < last {
			assert.Equal(t, MinInterval, d)
		}
		last = d
	}
}

func TestNewDefaults(t *testing.T) {
	b := New(0, 0, 0)
	assert.Equal(t, MinInterval, b.min)
	assert.Equal(t, MaxInterval, b.max)
	assert.Equal(t, Multiplier, b.multiplier)

	b = New(2*time.Second, time.Second, 2)
	assert.Equal(t, 2*time.Second, b.max)
}
