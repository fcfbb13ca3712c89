package llx

// Status is the outcome of an LLX attempt.
type Status int

const (
	// StatusFail means a conflicting in-progress SCX was observed, or the
	// node changed between the two info reads; the caller must retry.
	StatusFail Status = iota
	// StatusLeaf means the node has no children.
	StatusLeaf
	// StatusSuccess means node was stable; Left/Right are valid.
	StatusSuccess
)

// LLX is the load-linked-extended read of §4.2: it returns a snapshot of
// node's descriptor together with its children, or reports that node is a
// leaf, or reports failure (conflicting in-progress SCX, or node mutated
// between the two info reads). On TSO hardware no hardware fences are
// required; the two atomic.Pointer loads below are each a full load and
// the Go memory model forbids the compiler from reordering them relative
// to the intervening reads, which is all §4.2 requires.
func LLX[K any, V any](node *Node[K, V]) (info *Descriptor[K, V], left, right *Node[K, V], status Status) {
	info = node.Info.Load()
	state := info.State()
	marked := node.Marked.Load()

	if (state == StateCommitted && !marked) || state == StateAborted {
		left = node.Left.Load()
		right = node.Right.Load()
		if left == nil {
			return info, nil, nil, StatusLeaf
		}
		info2 := node.Info.Load()
		if info2 == info {
			return info, left, right, StatusSuccess
		}
	}
	return nil, nil, nil, StatusFail
}

// SCX attempts the multi-node update described by d, which must already be
// fully initialized (see NewDescriptor) and not yet published. It returns
// whether the SCX committed.
func SCX[K any, V any](d *Descriptor[K, V]) bool {
	return Help(d, false) == StateCommitted
}

// Help drives descriptor d's state machine forward: freeze participants,
// mark them, publish the new subtree, and commit — or detect conflicting
// freezes and abort. helping is true when the caller is a different thread
// than the one that created d (an LLX observed d as IN_PROGRESS and is
// helping it finish before retrying its own operation), which changes the
// starting index of the freeze loop per §4.2.
func Help[K any, V any](d *Descriptor[K, V], helping bool) State {
	if s := d.State(); s != StateInProgress {
		return s
	}

	start := 0
	if helping {
		start = 1
	}

	for i := start; i < d.NumFreeze; i++ {
		seen := d.InfoSeen[i]
		if seen.IsLeaf {
			continue // leaves are immutable and never frozen
		}

		node := d.Nodes[i]
		swapped := node.Info.CompareAndSwap(seen.Descriptor, d)
		cur := node.Info.Load()
		if !swapped && cur != d {
			if d.AllFrozen() {
				return StateCommitted
			}
			if i == 0 {
				d.state.Store(packAborted(0, 0))
				return StateAborted
			}
			// flags bit k set iff nodes[k] (k<i) was frozen and not a
			// leaf, i.e. the incoming back-reference count from nodes
			// already frozen by this attempt.
			var flags uint64
			for k := 0; k < i; k++ {
				if !d.InfoSeen[k].IsLeaf {
					flags |= 1 << uint(k)
				}
			}
			newState := packAborted(i, flags)
			if d.state.CompareAndSwap(packInProgress(), newState) {
				return StateAborted
			}
			return kindOf(d.state.Load())
		}
	}

	d.allFrozen.Store(true)

	for i := 1; i < d.NumFreeze; i++ {
		if d.InfoSeen[i].IsLeaf {
			continue
		}
		d.Nodes[i].Marked.Store(true)
	}

	d.Field.CompareAndSwap(d.Nodes[1], d.NewNode)
	d.state.Store(packCommitted())
	return StateCommitted
}

// TryRetire implements the descriptor back-reference bookkeeping of §4.2's
// "Descriptor retirement": seen is the descriptor that used to live in
// node's Info field before a later SCX's freezing CAS overwrote it. The
// caller must skip this entirely when seen is a leaf sentinel or the
// shared dummy descriptor (neither is ever retired). It decides whether
// seen has now lost its last incoming reference and is safe to hand to
// the reclaimer; the caller is responsible for the actual retire call
// (this package has no dependency on the reclaimer).
func TryRetire[K any, V any](seen *Descriptor[K, V], node *Node[K, V]) bool {
	switch seen.State() {
	case StateCommitted:
		// a committed descriptor has exactly one incoming back-reference
		// (from the node whose info field is being overwritten right
		// now), so it can be retired immediately.
		return true
	case StateAborted:
		// find node's position within seen's OWN participant list: the
		// flags bitmap indexes by that descriptor's own freeze order,
		// not the new SCX's.
		idx := -1
		for i, highest := 0, seen.HighestIndexReached(); i < highest; i++ {
			if seen.Nodes[i] == node {
				idx = i
				break
			}
		}
		if idx < 0 {
			return false
		}
		for {
			word := seen.state.Load()
			flags := abortedFlags(word)
			bit := uint64(1) << uint(idx)
			if flags&bit == 0 {
				return false // already cleared by someone else
			}
			newWord := withFlags(word, flags&^bit)
			if seen.state.CompareAndSwap(word, newWord) {
				return abortedFlags(newWord) == 0
			}
		}
	default: // StateInProgress: owner will handle it
		return false
	}
}
