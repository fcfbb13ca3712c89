package llx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freshNode[K any, V any](key K, value V, dummy *Descriptor[K, V]) *Node[K, V] {
	n := NewLeaf(key, value)
	n.Info.Store(dummy)
	return n
}

func TestLLXLeafAndFail(t *testing.T) {
	dummy := NewDummyDescriptor[int, string]()
	leaf := freshNode(5, "a", dummy)

	info, left, right, status := LLX(leaf)
	require.Equal(t, StatusLeaf, status)
	assert.Nil(t, left)
	assert.Nil(t, right)
	assert.Equal(t, dummy, info)

	// a marked node always carries a COMMITTED descriptor in practice
	// (marking only happens as part of a committing SCX), so that is the
	// combination LLX must reject.
	committed := &Descriptor[int, string]{}
	committed.state.Store(packCommitted())
	leaf.Info.Store(committed)
	leaf.Marked.Store(true)
	_, _, _, status = LLX(leaf)
	assert.Equal(t, StatusFail, status)
}

func TestLLXInternalSuccess(t *testing.T) {
	dummy := NewDummyDescriptor[int, string]()
	left := freshNode(1, "l", dummy)
	right := freshNode(2, "r", dummy)
	parent := NewInternal(2, left, right)
	parent.Info.Store(dummy)

	info, l, r, status := LLX(parent)
	require.Equal(t, StatusSuccess, status)
	assert.Equal(t, dummy, info)
	assert.Equal(t, left, l)
	assert.Equal(t, right, r)
}

func TestSCXCommitsAndPublishes(t *testing.T) {
	dummy := NewDummyDescriptor[int, string]()
	l := freshNode(5, "old", dummy)
	p := NewInternal(5, l, freshNode(6, "r", dummy))
	p.Info.Store(dummy)

	newLeaf := NewLeaf(5, "new")

	var nodes [MaxNodes]*Node[int, string]
	var seen [MaxNodes]SeenInfo[int, string]
	nodes[0] = p
	nodes[1] = l
	seen[0] = SeenInfo[int, string]{Descriptor: dummy}
	seen[1] = SeenInfo[int, string]{IsLeaf: true}

	d := NewDescriptor(nodes, seen, 2, 1, &p.Left, newLeaf)
	ok := SCX(d)
	require.True(t, ok)
	assert.Equal(t, StateCommitted, d.State())
	assert.Same(t, newLeaf, p.Left.Load())
	assert.Same(t, d, p.Info.Load())
	assert.False(t, p.Marked.Load()) // nodes[0] itself is never marked by its own SCX
}

func TestSCXAbortsOnConflictingFreeze(t *testing.T) {
	dummy := NewDummyDescriptor[int, string]()
	l := freshNode(5, "old", dummy)
	p := NewInternal(5, l, freshNode(6, "r", dummy))
	p.Info.Store(dummy)

	var nodes [MaxNodes]*Node[int, string]
	var seen [MaxNodes]SeenInfo[int, string]
	nodes[0] = p
	nodes[1] = l
	seen[0] = SeenInfo[int, string]{Descriptor: dummy}
	seen[1] = SeenInfo[int, string]{IsLeaf: true}

	// a racing SCX freezes p first.
	racer := NewDummyDescriptor[int, string]()
	require.True(t, p.Info.CompareAndSwap(dummy, racer))

	d := NewDescriptor(nodes, seen, 2, 1, &p.Left, NewLeaf(5, "new"))
	ok := SCX(d)
	assert.False(t, ok)
	assert.Equal(t, StateAborted, d.State())
	assert.Equal(t, 0, d.HighestIndexReached())
}

func TestTryRetireCommittedIsImmediate(t *testing.T) {
	dummy := NewDummyDescriptor[int, string]()
	node := freshNode(1, "x", dummy)

	committed := &Descriptor[int, string]{}
	committed.state.Store(packCommitted())

	assert.True(t, TryRetire(committed, node))
}

func TestTryRetireAbortedClearsBitsUntilZero(t *testing.T) {
	a := freshNode(1, "a", nil)
	b := freshNode(2, "b", nil)

	aborted := &Descriptor[int, string]{
		NumFreeze: 2,
	}
	aborted.Nodes[0] = a
	aborted.Nodes[1] = b
	// both nodes 0 and 1 were frozen before this descriptor aborted at
	// index 2 (out of range here is fine, HighestIndexReached just needs
	// to expose both slots).
	aborted.state.Store(packAborted(2, 0b11))

	assert.False(t, TryRetire(aborted, a)) // clears bit 0, bit1 still set
	assert.True(t, TryRetire(aborted, b))  // clears bit 1, flags now zero
	assert.False(t, TryRetire(aborted, a)) // already cleared, no-op
}
