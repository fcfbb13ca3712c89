// Package tree implements component C3: the external binary search tree
// protocol layered on top of the LLX/SCX engine (internal/llx) and the
// record manager (internal/recordmgr). It is grounded directly on
// original_source/cpp/3path_htm/bst/bst_impl.h's plain LLX/SCX variants —
// find, updateInsert_search_llx_scx, updateErase_search_llx_scx, and
// rangeQuery_vlx — leaving the HTM and transactional-memory fast paths of
// the original out of scope.
package tree

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/yingfeng/lockfree-sub001/internal/backoff"
	"github.com/yingfeng/lockfree-sub001/internal/llx"
	"github.com/yingfeng/lockfree-sub001/internal/recordmgr"
)

// errOutOfOrder is returned by Validate when a key is found outside the
// bounds implied by its ancestors' keys.
var errOutOfOrder = errors.New("tree: key out of order")

// errBadSentinel is returned by Validate when the root or its first child
// does not carry noKey.
var errBadSentinel = errors.New("tree: sentinel shape violated")

// KV is one result pair of a RangeQuery.
type KV[K any, V any] struct {
	Key   K
	Value V
}

// Tree is an unbalanced external BST keyed by K, storing V at its leaves.
// noKey must compare greater than every real key used with this tree (I2);
// a Tree always contains a permanent root and root-left sentinel so every
// real update path has both a parent and a grandparent.
type Tree[K any, V any] struct {
	root  *llx.Node[K, V]
	noKey K
	less  func(a, b K) bool
	mgr   *recordmgr.Manager[K, V]
	dummy *llx.Descriptor[K, V]
	log   zerolog.Logger
}

// Option configures a Tree at construction time.
type Option func(*config)

type config struct {
	logger zerolog.Logger
}

// WithLogger attaches a structured logger; the zero value logs nothing.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// New constructs an empty Tree. less must be a strict weak ordering over K
// (a < b); noKey must compare greater than every key ever passed to an
// operation on this tree (I2).
func New[K any, V any](noKey K, noValue V, less func(a, b K) bool, mgr *recordmgr.Manager[K, V], opts ...Option) *Tree[K, V] {
	cfg := config{logger: zerolog.Nop()}
	for _, o := range opts {
		o(&cfg)
	}

	dummy := llx.NewDummyDescriptor[K, V]()

	rootLeft := llx.NewLeaf(noKey, noValue)
	rootLeft.Info.Store(dummy)

	root := llx.NewInternal[K, V](noKey, rootLeft, nil)
	root.Info.Store(dummy)

	return &Tree[K, V]{
		root:  root,
		noKey: noKey,
		less:  less,
		mgr:   mgr,
		dummy: dummy,
		log:   cfg.logger,
	}
}

func (t *Tree[K, V]) keyEqual(a, b K) bool {
	return !t.less(a, b) && !t.less(b, a)
}

func (t *Tree[K, V]) newLeaf(tid int, key K, value V) *llx.Node[K, V] {
	n := t.mgr.AllocateNode(tid)
	n.Key = key
	n.Value = value
	n.Info.Store(t.dummy)
	return n
}

func (t *Tree[K, V]) newInternal(tid int, key K, left, right *llx.Node[K, V]) *llx.Node[K, V] {
	n := t.mgr.AllocateNode(tid)
	n.Key = key
	n.Left.Store(left)
	n.Right.Store(right)
	n.Info.Store(t.dummy)
	return n
}

// retireDescriptorIfDone implements the per-4.2 descriptor back-reference
// bookkeeping: seen is the descriptor that used to occupy node.Info before
// this SCX's freezing CAS overwrote it. The dummy descriptor is never
// retired (§3: "initially a shared dummy descriptor").
func (t *Tree[K, V]) retireDescriptorIfDone(tid int, seen *llx.Descriptor[K, V], node *llx.Node[K, V]) {
	if seen == nil || seen == t.dummy {
		return
	}
	if llx.TryRetire(seen, node) {
		t.mgr.RetireDescriptor(tid, seen)
	}
}

// Find performs the unsynchronized descent of §4.3: no LLX or SCX, relying
// entirely on the reclaimer's non-quiescent-region guarantee that every
// pointer read here stays safe to dereference until the next quiescent
// state.
func (t *Tree[K, V]) Find(tid int, key K) (V, bool) {
	t.mgr.LeaveQuiescent(tid)
	defer t.mgr.EnterQuiescent(tid)

	p := t.root.Left.Load()
	l := p.Left.Load()
	if l == nil {
		var zero V
		return zero, false
	}
	for l.Left.Load() != nil {
		p = l
		if t.less(key, p.Key) {
			l = p.Left.Load()
		} else {
			l = p.Right.Load()
		}
	}
	if t.keyEqual(key, l.Key) {
		return l.Value, true
	}
	var zero V
	return zero, false
}

// Insert performs §4.3's insert(key, value): replaces the existing leaf if
// key is already present (unless onlyIfAbsent), else splits the leaf it
// descends to into a new internal node. Returns the value that was
// previously associated with key (replace case), the value still
// associated with key (onlyIfAbsent-and-present case), or the zero value
// (inserted-new case), and whether a value had already been present.
func (t *Tree[K, V]) Insert(tid int, key K, value V, onlyIfAbsent bool) (V, bool) {
	t.mgr.LeaveQuiescent(tid)
	defer t.mgr.EnterQuiescent(tid)
	bo := backoff.New(int64(tid) + 1)

	for {
		p := t.root
		l := p.Left.Load()
		if l.Left.Load() != nil {
			p = l
			l = l.Left.Load()
			for l.Left.Load() != nil {
				p = l
				if t.less(key, p.Key) {
					l = p.Left.Load()
				} else {
					l = p.Right.Load()
				}
			}
		}

		if t.keyEqual(key, l.Key) {
			if onlyIfAbsent {
				return l.Value, true
			}

			info, pLeft, pRight, status := llx.LLX(p)
			if status == llx.StatusFail || (l != pLeft && l != pRight) {
				t.log.Debug().Int("tid", tid).Msg("insert replace: llx(parent) failed, retrying")
				bo.Wait()
				continue
			}

			oldValue := l.Value
			newLeaf := t.newLeaf(tid, key, value)

			var nodes [llx.MaxNodes]*llx.Node[K, V]
			var seen [llx.MaxNodes]llx.SeenInfo[K, V]
			nodes[0], nodes[1] = p, l
			seen[0] = llx.SeenInfo[K, V]{Descriptor: info}
			seen[1] = llx.SeenInfo[K, V]{IsLeaf: true}

			field := &p.Right
			if l == pLeft {
				field = &p.Left
			}

			d := t.mgr.AllocateDescriptor(tid)
			d.Init(nodes, seen, 2, 1, field, newLeaf)

			if llx.SCX(d) {
				t.retireDescriptorIfDone(tid, info, p)
				t.mgr.RetireNode(tid, l)
				return oldValue, true
			}
			t.mgr.DeallocateNode(tid, newLeaf)
			t.mgr.DeallocateDescriptor(tid, d)
			bo.Wait()
			continue
		}

		info, pLeft, pRight, status := llx.LLX(p)
		if status == llx.StatusFail || (l != pLeft && l != pRight) {
			t.log.Debug().Int("tid", tid).Msg("insert new: llx(parent) failed, retrying")
			bo.Wait()
			continue
		}

		newLeaf := t.newLeaf(tid, key, value)
		var newInternal *llx.Node[K, V]
		if t.keyEqual(l.Key, t.noKey) || t.less(key, l.Key) {
			newInternal = t.newInternal(tid, l.Key, newLeaf, l)
		} else {
			newInternal = t.newInternal(tid, key, l, newLeaf)
		}

		var nodes [llx.MaxNodes]*llx.Node[K, V]
		var seen [llx.MaxNodes]llx.SeenInfo[K, V]
		nodes[0], nodes[1] = p, l
		seen[0] = llx.SeenInfo[K, V]{Descriptor: info}

		field := &p.Right
		if l == pLeft {
			field = &p.Left
		}

		d := t.mgr.AllocateDescriptor(tid)
		d.Init(nodes, seen, 2, 1, field, newInternal)

		if llx.SCX(d) {
			t.retireDescriptorIfDone(tid, info, p)
			var zero V
			return zero, false
		}
		t.mgr.DeallocateNode(tid, newLeaf)
		t.mgr.DeallocateNode(tid, newInternal)
		t.mgr.DeallocateDescriptor(tid, d)
		bo.Wait()
	}
}

// Erase performs §4.3's erase(key): locates key's leaf l, its parent p, and
// its grandparent gp, then replaces p (and l) with a copy of l's sibling,
// unlinking both l and p from the tree in one SCX.
func (t *Tree[K, V]) Erase(tid int, key K) (V, bool) {
	t.mgr.LeaveQuiescent(tid)
	defer t.mgr.EnterQuiescent(tid)
	bo := backoff.New(int64(tid) + 1)

	for {
		l0 := t.root.Left.Load()
		if l0.Left.Load() == nil {
			var zero V
			return zero, false // only sentinels in the tree
		}

		gp := t.root
		p := l0
		l := p.Left.Load()
		for l.Left.Load() != nil {
			gp = p
			p = l
			if t.less(key, p.Key) {
				l = p.Left.Load()
			} else {
				l = p.Right.Load()
			}
		}

		if !t.keyEqual(key, l.Key) {
			var zero V
			return zero, false
		}

		infoGP, gpLeft, gpRight, statusGP := llx.LLX(gp)
		if statusGP == llx.StatusFail || (p != gpLeft && p != gpRight) {
			t.log.Debug().Int("tid", tid).Msg("erase: llx(grandparent) failed, retrying")
			bo.Wait()
			continue
		}

		infoP, pLeft, pRight, statusP := llx.LLX(p)
		if statusP == llx.StatusFail || (l != pLeft && l != pRight) {
			t.log.Debug().Int("tid", tid).Msg("erase: llx(parent) failed, retrying")
			bo.Wait()
			continue
		}

		oldValue := l.Value
		sibling := pLeft
		if l == pLeft {
			sibling = pRight
		}

		infoS, sLeft, sRight, statusS := llx.LLX(sibling)
		if statusS == llx.StatusFail {
			t.log.Debug().Int("tid", tid).Msg("erase: llx(sibling) failed, retrying")
			bo.Wait()
			continue
		}

		replacement := t.mgr.AllocateNode(tid)
		replacement.Key = sibling.Key
		replacement.Value = sibling.Value
		replacement.Left.Store(sLeft)
		replacement.Right.Store(sRight)
		replacement.Info.Store(t.dummy)

		var nodes [llx.MaxNodes]*llx.Node[K, V]
		var seen [llx.MaxNodes]llx.SeenInfo[K, V]
		nodes[0], nodes[1], nodes[2], nodes[3] = gp, p, sibling, l
		seen[0] = llx.SeenInfo[K, V]{Descriptor: infoGP}
		seen[1] = llx.SeenInfo[K, V]{Descriptor: infoP}
		seen[2] = llx.SeenInfo[K, V]{Descriptor: infoS}
		seen[3] = llx.SeenInfo[K, V]{IsLeaf: true}

		field := &gp.Right
		if p == gpLeft {
			field = &gp.Left
		}

		d := t.mgr.AllocateDescriptor(tid)
		d.Init(nodes, seen, 4, 3, field, replacement)

		if llx.SCX(d) {
			t.retireDescriptorIfDone(tid, infoGP, gp)
			t.retireDescriptorIfDone(tid, infoP, p)
			t.retireDescriptorIfDone(tid, infoS, sibling)
			t.mgr.RetireNode(tid, p)
			t.mgr.RetireNode(tid, sibling)
			t.mgr.RetireNode(tid, l)
			return oldValue, true
		}
		t.mgr.DeallocateNode(tid, replacement)

		// d may already be installed in some of nodes[0:highest)'s Info
		// fields (a partial freeze), in which case it is reachable by a
		// concurrent LLX and must not be recycled; only its seen
		// descriptors at the indices it actually froze are retired here
		// (mirroring the commit path), and d itself is left for the later
		// SCX that overwrites those nodes' Info to retire in turn.
		if highest := d.HighestIndexReached(); highest == 0 {
			t.mgr.DeallocateDescriptor(tid, d)
		} else {
			if highest > 0 {
				t.retireDescriptorIfDone(tid, infoGP, gp)
			}
			if highest > 1 {
				t.retireDescriptorIfDone(tid, infoP, p)
			}
			if highest > 2 {
				t.retireDescriptorIfDone(tid, infoS, sibling)
			}
		}
		bo.Wait()
	}
}

// RangeQuery performs §4.3's range_query(lo, hi): a depth-first traversal
// pruning subtrees that cannot intersect [lo, hi], followed by a
// validation pass that restarts the whole traversal if any selected leaf
// was marked in the meantime (the linearization point).
func (t *Tree[K, V]) RangeQuery(tid int, lo, hi K) []KV[K, V] {
	t.mgr.LeaveQuiescent(tid)
	defer t.mgr.EnterQuiescent(tid)
	bo := backoff.New(int64(tid) + 1)

	for {
		result, ok := t.rangeQueryAttempt(lo, hi)
		if ok {
			return result
		}
		t.log.Debug().Int("tid", tid).Msg("range query validation failed, retrying")
		bo.Wait()
	}
}

func (t *Tree[K, V]) rangeQueryAttempt(lo, hi K) ([]KV[K, V], bool) {
	stack := []*llx.Node[K, V]{t.root}
	var result []KV[K, V]
	var visited []*llx.Node[K, V]

	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		_, left, right, status := llx.LLX(n)
		switch status {
		case llx.StatusFail:
			return nil, false
		case llx.StatusLeaf:
			if !t.keyEqual(n.Key, t.noKey) && !t.less(n.Key, lo) && !t.less(hi, n.Key) {
				result = append(result, KV[K, V]{Key: n.Key, Value: n.Value})
				visited = append(visited, n)
			}
		default: // StatusSuccess: internal node
			if !t.keyEqual(n.Key, t.noKey) && !t.less(hi, n.Key) {
				stack = append(stack, right)
			}
			if t.keyEqual(n.Key, t.noKey) || t.less(lo, n.Key) {
				stack = append(stack, left)
			}
		}
	}

	for _, n := range visited {
		if n.Marked.Load() {
			return nil, false
		}
	}
	return result, true
}

// ApproxSize returns a best-effort, non-linearizable count of the keys
// currently in the tree via an unsynchronized traversal — a debugging and
// monitoring aid, never used on the hot path. §1's Non-goals exclude only
// an *exact* concurrent size.
func (t *Tree[K, V]) ApproxSize() int {
	return approxSubtreeSize(t.root.Left.Load().Left.Load())
}

func approxSubtreeSize[K any, V any](n *llx.Node[K, V]) int {
	if n == nil {
		return 0
	}
	if left := n.Left.Load(); left != nil {
		return approxSubtreeSize(left) + approxSubtreeSize(n.Right.Load())
	}
	return 1
}

// Validate walks the tree checking I2 (sentinel shape) and binary-search-
// tree key ordering. It is a debugging/property-test helper with no
// concurrency guarantees of its own (the caller is responsible for
// quiescing all other threads first); it does not belong on any hot path.
func (t *Tree[K, V]) Validate() error {
	rootLeft := t.root.Left.Load()
	if !t.keyEqual(t.root.Key, t.noKey) || rootLeft == nil || !t.keyEqual(rootLeft.Key, t.noKey) {
		return errBadSentinel
	}
	return t.validateSubtree(rootLeft.Left.Load(), nil, nil)
}

// validateSubtree checks that every key in the subtree rooted at n lies in
// [lo, hi) (nil bound means unbounded on that side), matching the
// invariant insert/erase maintain: a node's left subtree holds keys < its
// key, its right subtree holds keys >= its key.
func (t *Tree[K, V]) validateSubtree(n *llx.Node[K, V], lo, hi *K) error {
	if n == nil {
		return nil
	}
	if lo != nil && t.less(n.Key, *lo) {
		return errOutOfOrder
	}
	if hi != nil && !t.less(n.Key, *hi) {
		return errOutOfOrder
	}
	left := n.Left.Load()
	if left == nil {
		return nil // leaf: I1 (immutability) is structural, nothing further to check
	}
	key := n.Key
	if err := t.validateSubtree(left, lo, &key); err != nil {
		return err
	}
	return t.validateSubtree(n.Right.Load(), &key, hi)
}
