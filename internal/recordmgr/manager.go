// Package recordmgr implements component C4: it composes the epoch
// reclaimer (C1) with a typed allocation Pool per record type (Node and
// SCX Descriptor) behind a single façade, the way
// original_source/cpp/debra/recordmgr/record_manager.h composes a
// reclaimer_debra<T,Pool> per record type behind one RecordManager.
package recordmgr

import (
	"github.com/rs/zerolog"

	"github.com/yingfeng/lockfree-sub001/internal/epoch"
	"github.com/yingfeng/lockfree-sub001/internal/llx"
)

// Manager is the C4 façade for one Map[K,V] instance: it owns the shared
// epoch clock and the Node/Descriptor pools+bags, and must be constructed
// exactly once per Map (§9: each Map instance needs its own epoch counter).
type Manager[K any, V any] struct {
	clock *epoch.Clock

	nodePool *Pool[llx.Node[K, V]]
	nodeBags *epoch.Bags[llx.Node[K, V]]

	descPool *Pool[llx.Descriptor[K, V]]
	descBags *epoch.Bags[llx.Descriptor[K, V]]

	log zerolog.Logger
}

// Option configures a Manager at construction time.
type Option func(*managerConfig)

type managerConfig struct {
	logger        zerolog.Logger
	scanThreshold int
}

// WithLogger attaches a structured logger; the zero value logs nothing.
func WithLogger(l zerolog.Logger) Option {
	return func(c *managerConfig) { c.logger = l }
}

// WithScanThreshold overrides the epoch reclaimer's round-robin liveness
// scan interval (see epoch.WithScanThreshold).
func WithScanThreshold(k int) Option {
	return func(c *managerConfig) { c.scanThreshold = k }
}

// New constructs a Manager for up to numThreads concurrent threads.
func New[K any, V any](numThreads int, opts ...Option) *Manager[K, V] {
	cfg := managerConfig{logger: zerolog.Nop()}
	for _, o := range opts {
		o(&cfg)
	}

	clockOpts := []epoch.Option{epoch.WithLogger(cfg.logger)}
	if cfg.scanThreshold > 0 {
		clockOpts = append(clockOpts, epoch.WithScanThreshold(cfg.scanThreshold))
	}

	m := &Manager[K, V]{
		clock: epoch.NewClock(numThreads, clockOpts...),
		log:   cfg.logger,
	}
	m.nodePool = NewPool(numThreads, numThreads*4, func() *llx.Node[K, V] { return &llx.Node[K, V]{} })
	m.nodeBags = epoch.NewBags[llx.Node[K, V]](numThreads, func(tid int, obj *llx.Node[K, V]) {
		// Objects are handed back to the pool instead of actually freed,
		// matching the original's "replace allocated node" recycling; Go
		// has no explicit free, so reuse is the reclamation payoff.
		m.nodePool.Put(tid, obj)
	})
	m.clock.Register(m.nodeBags)

	m.descPool = NewPool(numThreads, numThreads*4, func() *llx.Descriptor[K, V] { return &llx.Descriptor[K, V]{} })
	m.descBags = epoch.NewBags[llx.Descriptor[K, V]](numThreads, func(tid int, obj *llx.Descriptor[K, V]) {
		m.descPool.Put(tid, obj)
	})
	m.clock.Register(m.descBags)

	return m
}

// InitThread must be called once per thread before any other Manager call
// for that tid; it puts the thread in the quiescent state.
func (m *Manager[K, V]) InitThread(tid int) {
	m.clock.EnterQuiescent(tid)
}

// EnterQuiescent delegates to the epoch clock (C1).
func (m *Manager[K, V]) EnterQuiescent(tid int) { m.clock.EnterQuiescent(tid) }

// LeaveQuiescent delegates to the epoch clock (C1).
func (m *Manager[K, V]) LeaveQuiescent(tid int) bool { return m.clock.LeaveQuiescent(tid) }

// IsQuiescent reports tid's last announced quiescent state.
func (m *Manager[K, V]) IsQuiescent(tid int) bool { return m.clock.IsQuiescent(tid) }

// AllocateNode returns a Node ready for initialization, recycled from the
// pool when possible.
func (m *Manager[K, V]) AllocateNode(tid int) *llx.Node[K, V] {
	n := m.nodePool.Get(tid)
	*n = llx.Node[K, V]{}
	return n
}

// AllocateDescriptor returns a Descriptor ready for initialization.
func (m *Manager[K, V]) AllocateDescriptor(tid int) *llx.Descriptor[K, V] {
	d := m.descPool.Get(tid)
	*d = llx.Descriptor[K, V]{}
	return d
}

// RetireNode hands ownership of a node that was once reachable from the
// tree to the epoch reclaimer. Precondition: tid is non-quiescent.
func (m *Manager[K, V]) RetireNode(tid int, n *llx.Node[K, V]) {
	m.nodeBags.Retire(tid, n)
}

// RetireDescriptor hands ownership of a descriptor that was once reachable
// to the epoch reclaimer.
func (m *Manager[K, V]) RetireDescriptor(tid int, d *llx.Descriptor[K, V]) {
	m.descBags.Retire(tid, d)
}

// DeallocateNode returns a node that was allocated but never made
// reachable directly to the pool, bypassing the reclaimer entirely.
func (m *Manager[K, V]) DeallocateNode(tid int, n *llx.Node[K, V]) {
	m.nodePool.Put(tid, n)
}

// DeallocateDescriptor returns a never-published descriptor directly to
// the pool.
func (m *Manager[K, V]) DeallocateDescriptor(tid int, d *llx.Descriptor[K, V]) {
	m.descPool.Put(tid, d)
}

// Stats reports bounded-memory accounting (§8 scenario 6: allocator
// high-water mark) for live (retired-but-not-yet-freed) objects.
type Stats struct {
	LiveNodes       int
	LiveDescriptors int
}

func (m *Manager[K, V]) Stats() Stats {
	return Stats{
		LiveNodes:       m.nodeBags.LiveCount(),
		LiveDescriptors: m.descBags.LiveCount(),
	}
}
