package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := New(1)
	prev := time.Duration(0)
	for i := 0; i < 20; i++ {
		start := time.Now()
		b.Wait()
		elapsed := time.Since(start)
		assert.GreaterOrEqual(t, elapsed, time.Duration(0))
		prev = elapsed
	}
	_ = prev
	assert.Equal(t, maxDelay, b.current)
}

func TestBackoffReset(t *testing.T) {
	b := New(2)
	b.Wait()
	b.Wait()
	assert.Greater(t, b.current, startingDelay)
	b.Reset()
	assert.Equal(t, time.Duration(0), b.current)
}
