// Package lockfree implements a concurrent ordered map backed by an
// unbalanced external binary search tree, synchronized with LLX/SCX
// multi-word conditional updates (internal/llx) and reclaimed with a DEBRA
// epoch scheme (internal/epoch, internal/recordmgr). The tree protocol
// itself lives in internal/tree; this package is the thin public facade
// that wires the four components together per thread, the way go-ilock's
// Mutex wires its own state machine behind a small public surface.
package lockfree

import (
	"github.com/rs/zerolog"
	"golang.org/x/exp/constraints"

	"github.com/yingfeng/lockfree-sub001/internal/recordmgr"
	"github.com/yingfeng/lockfree-sub001/internal/tree"
)

// Config aggregates the tunables a Map is constructed with. Use the
// functional-option constructors below rather than building one directly.
type Config struct {
	logger        zerolog.Logger
	scanThreshold int
}

// Option configures a Map at construction time.
type Option func(*Config)

// WithLogger attaches a structured logger; the zero value logs nothing.
// The tree, the record manager and its epoch clock all receive the same
// logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Config) { c.logger = l }
}

// WithEpochScanThreshold overrides how many operations elapse between a
// thread's round-robin checks of another thread's announced epoch (K≈20
// in §4.1). Mostly useful for tests that want the global epoch to advance
// faster than the default threshold allows.
func WithEpochScanThreshold(k int) Option {
	return func(c *Config) { c.scanThreshold = k }
}

// KV is one result pair of a Range call.
type KV[K any, V any] struct {
	Key   K
	Value V
}

// Map is a concurrent ordered map from K to V. A Map must be constructed
// with New; the zero value is not usable. tid must be in [0, maxThreads)
// and stable for a goroutine's lifetime — call InitThread once per tid
// before any other method call with that tid.
type Map[K constraints.Ordered, V any] struct {
	tree *tree.Tree[K, V]
	mgr  *recordmgr.Manager[K, V]
}

// New constructs an empty Map supporting up to maxThreads concurrent
// callers. noKey must compare greater than every real key ever passed to
// a Map method (I2); noValue is the sentinel value's placeholder payload
// and is never returned to a caller.
func New[K constraints.Ordered, V any](noKey K, noValue V, maxThreads int, opts ...Option) *Map[K, V] {
	cfg := Config{logger: zerolog.Nop()}
	for _, o := range opts {
		o(&cfg)
	}

	mgrOpts := []recordmgr.Option{recordmgr.WithLogger(cfg.logger)}
	if cfg.scanThreshold > 0 {
		mgrOpts = append(mgrOpts, recordmgr.WithScanThreshold(cfg.scanThreshold))
	}
	mgr := recordmgr.New[K, V](maxThreads, mgrOpts...)

	less := func(a, b K) bool { return a < b }
	t := tree.New[K, V](noKey, noValue, less, mgr, tree.WithLogger(cfg.logger))

	return &Map[K, V]{tree: t, mgr: mgr}
}

// InitThread must be called once per tid before any other Map method is
// called with that tid; it puts the thread in the quiescent state.
func (m *Map[K, V]) InitThread(tid int) {
	m.mgr.InitThread(tid)
}

// Insert associates value with key, returning the value key was
// previously associated with (and true), or the zero value (and false) if
// key was absent.
func (m *Map[K, V]) Insert(tid int, key K, value V) (V, bool) {
	return m.tree.Insert(tid, key, value, false)
}

// InsertIfAbsent associates value with key only if key is not already
// present, returning true iff the insertion happened.
func (m *Map[K, V]) InsertIfAbsent(tid int, key K, value V) bool {
	_, existed := m.tree.Insert(tid, key, value, true)
	return !existed
}

// Erase removes key from the map, returning its associated value (and
// true), or the zero value (and false) if key was absent.
func (m *Map[K, V]) Erase(tid int, key K) (V, bool) {
	return m.tree.Erase(tid, key)
}

// Find returns the value associated with key (and true), or the zero
// value (and false) if key is absent. Find performs no synchronization
// beyond the epoch reclaimer's quiescent-region bookkeeping.
func (m *Map[K, V]) Find(tid int, key K) (V, bool) {
	return m.tree.Find(tid, key)
}

// Range returns every (key, value) pair with a key in [lo, hi], sorted by
// key ascending, as of some instant between the call's start and return
// (P7: range atomicity).
func (m *Map[K, V]) Range(tid int, lo, hi K) []KV[K, V] {
	pairs := m.tree.RangeQuery(tid, lo, hi)
	out := make([]KV[K, V], len(pairs))
	for i, kv := range pairs {
		out[i] = KV[K, V]{Key: kv.Key, Value: kv.Value}
	}
	return out
}

// ApproxSize returns a best-effort, non-linearizable count of the keys
// currently in the map. §1's Non-goals exclude only an *exact* concurrent
// size; this is a debugging/monitoring aid with no consistency guarantee.
func (m *Map[K, V]) ApproxSize() int {
	return m.tree.ApproxSize()
}

// Validate walks the tree checking the sentinel and key-ordering
// invariants. Intended for property tests run while no other goroutine is
// mutating the map.
func (m *Map[K, V]) Validate() error {
	return m.tree.Validate()
}

// Stats reports the record manager's live (retired-but-not-yet-freed)
// object counts, used by bounded-memory property tests (§8 scenario 6).
func (m *Map[K, V]) Stats() recordmgr.Stats {
	return m.mgr.Stats()
}
