package llx

import "sync/atomic"

// State is the logical state of an SCX descriptor, as distinguished from
// its packed on-the-wire representation in Descriptor.state.
type State int

const (
	StateInProgress State = iota
	StateCommitted
	StateAborted
)

// packed state word layout: kind occupies the low 2 bits; for an aborted
// descriptor, the next 8 bits hold the index the freeze loop reached and
// the next 16 bits hold the bitmap of which of nodes[0:index] were
// successfully frozen (I7's "flags" field).
const (
	kindBits  = 2
	kindMask  = (uint64(1) << kindBits) - 1
	idxShift  = kindBits
	idxBits   = 8
	idxMask   = ((uint64(1) << idxBits) - 1) << idxShift
	flagShift = idxShift + idxBits
	flagBits  = 16
	flagMask  = ((uint64(1) << flagBits) - 1) << flagShift
)

func packInProgress() uint64 { return uint64(StateInProgress) }
func packCommitted() uint64  { return uint64(StateCommitted) }
func packAborted(index int, flags uint64) uint64 {
	return uint64(StateAborted) | (uint64(index) << idxShift) | ((flags << flagShift) & flagMask)
}

func kindOf(word uint64) State        { return State(word & kindMask) }
func abortedIndex(word uint64) int    { return int((word & idxMask) >> idxShift) }
func abortedFlags(word uint64) uint64 { return (word & flagMask) >> flagShift }
func withFlags(word uint64, flags uint64) uint64 {
	return (word &^ flagMask) | ((flags << flagShift) & flagMask)
}

// SeenInfo is the per-node snapshot an LLX produced for one participant of
// an SCX: either the descriptor it observed in node.Info, or a marker that
// the node was a leaf (leaves are immutable and never frozen).
type SeenInfo[K any, V any] struct {
	Descriptor *Descriptor[K, V]
	IsLeaf     bool
}

// Descriptor is an in-progress, committed, or aborted multi-node update
// (§3 "SCX descriptor"). Nodes[0:NumFreeze) are frozen; Nodes[NumFreeze:
// NumNodes) are additional participants (typically leaves) retired on
// commit but never frozen.
type Descriptor[K any, V any] struct {
	Nodes    [MaxNodes]*Node[K, V]
	InfoSeen [MaxNodes]SeenInfo[K, V]

	NumNodes   int
	NumFreeze  int

	// Field is the address of the pointer field that publishes the new
	// subtree (&parent.Left or &parent.Right); its expected prior value
	// is always Nodes[1] (the node being replaced).
	Field   *atomic.Pointer[Node[K, V]]
	NewNode *Node[K, V]

	state     atomic.Uint64
	allFrozen atomic.Bool
}

// NewDummyDescriptor returns a permanently-aborted descriptor with no
// outstanding back-references, suitable as the initial value of every
// freshly constructed node's Info field (§3 "initially a shared dummy
// descriptor in the aborted state"). It is never retired.
func NewDummyDescriptor[K any, V any]() *Descriptor[K, V] {
	d := &Descriptor[K, V]{}
	d.state.Store(packAborted(0, 0))
	return d
}

// NewDescriptor builds an IN_PROGRESS descriptor for an SCX attempt with
// the given participants. nodes/infoSeen must have exactly numNodes valid
// entries; the first numFreeze of them are frozen.
func NewDescriptor[K any, V any](
	nodes [MaxNodes]*Node[K, V],
	infoSeen [MaxNodes]SeenInfo[K, V],
	numNodes, numFreeze int,
	field *atomic.Pointer[Node[K, V]],
	newNode *Node[K, V],
) *Descriptor[K, V] {
	d := &Descriptor[K, V]{}
	d.Init(nodes, infoSeen, numNodes, numFreeze, field, newNode)
	return d
}

// Init (re)initializes d in place as an IN_PROGRESS descriptor, so a
// descriptor recycled from a pool can be reused without a fresh
// allocation. Same arguments as NewDescriptor.
func (d *Descriptor[K, V]) Init(
	nodes [MaxNodes]*Node[K, V],
	infoSeen [MaxNodes]SeenInfo[K, V],
	numNodes, numFreeze int,
	field *atomic.Pointer[Node[K, V]],
	newNode *Node[K, V],
) {
	d.Nodes = nodes
	d.InfoSeen = infoSeen
	d.NumNodes = numNodes
	d.NumFreeze = numFreeze
	d.Field = field
	d.NewNode = newNode
	d.allFrozen.Store(false)
	d.state.Store(packInProgress())
}

// State returns the descriptor's current logical state.
func (d *Descriptor[K, V]) State() State {
	return kindOf(d.state.Load())
}

// AllFrozen reports whether every freeze CAS in this SCX has succeeded
// (I6: a node is marked only after this becomes true).
func (d *Descriptor[K, V]) AllFrozen() bool {
	return d.allFrozen.Load()
}

// HighestIndexReached returns num_freeze if committed, else the index at
// which the freeze loop aborted — the range of Nodes this descriptor
// actually touched, used for descriptor/node retirement bookkeeping.
func (d *Descriptor[K, V]) HighestIndexReached() int {
	word := d.state.Load()
	if kindOf(word) == StateCommitted {
		return d.NumFreeze
	}
	return abortedIndex(word)
}
