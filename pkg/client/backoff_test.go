package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsExponentially(t *testing.T) {
	b := Backoff{Base: 500 * time.Millisecond, Factor: 2, Cap: 30 * time.Second}

	assert.Equal(t, 500*time.Millisecond, b.Delay(0))
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
}

func TestBackoffRespectsCap(t *testing.T) {
	b := Backoff{Base: 500 * time.Millisecond, Factor: 2, Cap: 30 * time.Second}

	assert.Equal(t, 30*time.Second, b.Delay(10))
	assert.Equal(t, 30*time.Second, b.Delay(100))
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	b := Backoff{Base: time.Second, Factor: 2, Cap: 30 * time.Second, Jitter: 0.5}

	for i := 0; i < 200; i++ {
		d := b.Delay(2) // nominal 4s, spread 2s
		assert.GreaterOrEqual(t, d, 3*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestBackoffJitterSpreadsDelays(t *testing.T) {
	b := DefaultBackoff()

	seen := make(map[time.Duration]struct{})
	for i := 0; i < 50; i++ {
		seen[b.Delay(3)] = struct{}{}
	}
	// With 25% jitter over 4s, 50 samples collapsing to one value would
	// mean the jitter is not applied.
	assert.Greater(t, len(seen), 1)
}

func TestSpreadAdvisedStaysWithinWindow(t *testing.T) {
	advised := 5 * time.Second
	for i := 0; i < 200; i++ {
		d := SpreadAdvised(advised)
		assert.GreaterOrEqual(t, d, advised/2)
		assert.LessOrEqual(t, d, advised)
	}
	assert.Equal(t, time.Duration(0), SpreadAdvised(0))
}

func TestSpreadAdvisedDoesNotCluster(t *testing.T) {
	// A fleet handed the same advised delay must not reconnect at a single
	// instant.
	seen := make(map[time.Duration]struct{})
	for i := 0; i < 20; i++ {
		seen[SpreadAdvised(5*time.Second)] = struct{}{}
	}
	assert.Greater(t, len(seen), 1)
}

func TestBackoffJitterNeverExceedsCap(t *testing.T) {
	b := Backoff{Base: time.Second, Factor: 2, Cap: 4 * time.Second, Jitter: 1}

	for i := 0; i < 200; i++ {
		assert.LessOrEqual(t, b.Delay(10), 4*time.Second)
	}
}
