package recordmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/yingfeng/lockfree-sub001/internal/llx"
)

func TestAllocateNodeReturnsZeroedNode(t *testing.T) {
	m := New[int, string](4)
	m.InitThread(0)

	n := m.AllocateNode(0)
	require.NotNil(t, n)
	assert.Nil(t, n.Left.Load())
	assert.Nil(t, n.Right.Load())
	assert.Nil(t, n.Info.Load())
}

func TestRetireNodeEventuallyRecyclesThroughPool(t *testing.T) {
	const n = 2
	m := New[int, string](n)
	for tid := 0; tid < n; tid++ {
		m.InitThread(tid)
	}

	for tid := 0; tid < n; tid++ {
		m.LeaveQuiescent(tid)
	}
	first := m.AllocateNode(0)
	m.RetireNode(0, first)
	for tid := 0; tid < n; tid++ {
		m.EnterQuiescent(tid)
	}

	// drive enough rounds for the epoch to advance three times, which is
	// what it takes for thread 0's bag holding `first` to rotate out and be
	// recycled into the pool.
	for round := 0; round < 200; round++ {
		for tid := 0; tid < n; tid++ {
			m.LeaveQuiescent(tid)
			m.EnterQuiescent(tid)
		}
	}

	stats := m.Stats()
	assert.Equal(t, 0, stats.LiveNodes) // first has left the bags for the pool
}

func TestDeallocateNodeBypassesReclaimer(t *testing.T) {
	m := New[int, string](1)
	m.InitThread(0)

	n := m.AllocateNode(0)
	m.DeallocateNode(0, n)
	assert.Equal(t, 0, m.Stats().LiveNodes)

	recycled := m.AllocateNode(0)
	assert.Same(t, n, recycled)
}

func TestAllocateDescriptorAndRetire(t *testing.T) {
	m := New[int, string](1)
	m.InitThread(0)

	d := m.AllocateDescriptor(0)
	require.NotNil(t, d)

	m.LeaveQuiescent(0)
	m.RetireDescriptor(0, d)
	m.EnterQuiescent(0)
	assert.Equal(t, 1, m.Stats().LiveDescriptors)
}

func TestManagerConcurrentAllocateRetireNoRace(t *testing.T) {
	const n = 8
	m := New[int, int](n)
	for tid := 0; tid < n; tid++ {
		m.InitThread(tid)
	}

	var g errgroup.Group
	for tid := 0; tid < n; tid++ {
		tid := tid
		g.Go(func() error {
			m.LeaveQuiescent(tid)
			defer m.EnterQuiescent(tid)
			for i := 0; i < 500; i++ {
				node := m.AllocateNode(tid)
				node.Key = tid*1000 + i
				m.RetireNode(tid, node)
				desc := m.AllocateDescriptor(tid)
				_ = desc
				m.DeallocateDescriptor(tid, desc)
				if i%20 == 0 {
					m.EnterQuiescent(tid)
					m.LeaveQuiescent(tid)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestAllocateNodePoolFieldsAreIndependent(t *testing.T) {
	m := New[int, string](1)
	m.InitThread(0)

	a := m.AllocateNode(0)
	a.Key = 1
	b := m.AllocateNode(0)
	b.Key = 2
	assert.NotSame(t, a, b)
	assert.Equal(t, 1, a.Key)
	assert.Equal(t, 2, b.Key)

	var _ *llx.Node[int, string] = a
}
