package epoch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockAdvancesWhenAllThreadsCatchUp(t *testing.T) {
	const n = 4
	c := NewClock(n)

	var freed []int
	var mu sync.Mutex
	bags := NewBags[int](n, func(tid int, v *int) {
		mu.Lock()
		freed = append(freed, *v)
		mu.Unlock()
	})
	c.Register(bags)

	for tid := 0; tid < n; tid++ {
		c.LeaveQuiescent(tid)
	}
	v := 42
	bags.Retire(0, &v)
	for tid := 0; tid < n; tid++ {
		c.EnterQuiescent(tid)
	}

	epoch0 := c.CurrentEpoch()
	// drive enough LeaveQuiescent calls across all threads for the
	// incremental scan to observe everyone quiescent and bump the epoch
	// at least twice (freeing the bag that holds v takes a third advance,
	// since a thread's bag is freed on its third rotation after the retire).
	for round := 0; round < 200; round++ {
		for tid := 0; tid < n; tid++ {
			c.LeaveQuiescent(tid)
			c.EnterQuiescent(tid)
		}
	}
	assert.GreaterOrEqual(t, c.CurrentEpoch(), epoch0+2*epochIncrement)
}

func TestBagsRetireAndRotateFreesOldest(t *testing.T) {
	freedCount := 0
	bags := NewBags[int](1, func(tid int, v *int) { freedCount++ })

	a, b, cc, d := 1, 2, 3, 4
	bags.Retire(0, &a)
	require.Equal(t, 1, bags.LiveCount())

	bags.RotateEpochBags(0) // rotates into slot that was empty; frees nothing new yet
	bags.Retire(0, &b)
	bags.RotateEpochBags(0)
	bags.Retire(0, &cc)
	bags.RotateEpochBags(0) // now the bag holding `a` (two epochs back) is freed
	assert.Equal(t, 1, freedCount)

	bags.Retire(0, &d)
	assert.Equal(t, 3, bags.LiveCount())
}

func TestIsQuiescentReflectsLastAnnouncement(t *testing.T) {
	c := NewClock(1)
	assert.True(t, c.IsQuiescent(0))
	c.LeaveQuiescent(0)
	assert.False(t, c.IsQuiescent(0))
	c.EnterQuiescent(0)
	assert.True(t, c.IsQuiescent(0))
}
