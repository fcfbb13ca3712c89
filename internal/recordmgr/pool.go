package recordmgr

// Pool is a per-thread free-list allocator for one record type, with
// spillover to a shared pool held in a buffered channel (channel operations
// take the channel's internal lock, so the shared pool is not lock-free),
// grounded on
// original_source/cpp/debra/recordmgr/pool_perthread_and_shared.h. It is a
// Go generic type rather than an interface over `any`, per the design
// note's "parametric polymorphism, not runtime dispatch" for the hot path.
type Pool[T any] struct {
	perThread [][]*T
	shared    chan *T
	alloc     func() *T
}

// NewPool constructs a Pool for numThreads threads. alloc creates a fresh
// *T when no recycled block is available; sharedCapacity bounds the
// shared spillover pool (objects beyond it are simply discarded,
// i.e. left for the garbage collector, since this is a bounded cache, not
// the source of truth for liveness).
func NewPool[T any](numThreads, sharedCapacity int, alloc func() *T) *Pool[T] {
	return &Pool[T]{
		perThread: make([][]*T, numThreads),
		shared:    make(chan *T, sharedCapacity),
		alloc:     alloc,
	}
}

// Get returns a recycled object for tid if one is available (first from
// tid's own free list, then from the shared spillover pool), else
// allocates a fresh one.
func (p *Pool[T]) Get(tid int) *T {
	if n := len(p.perThread[tid]); n > 0 {
		obj := p.perThread[tid][n-1]
		p.perThread[tid] = p.perThread[tid][:n-1]
		return obj
	}
	select {
	case obj := <-p.shared:
		return obj
	default:
		return p.alloc()
	}
}

// Put recycles obj into tid's free list, spilling over to the shared pool
// when tid's own list grows past a small cap.
func (p *Pool[T]) Put(tid int, obj *T) {
	const perThreadCap = 64
	if len(p.perThread[tid]) < perThreadCap {
		p.perThread[tid] = append(p.perThread[tid], obj)
		return
	}
	select {
	case p.shared <- obj:
	default:
		// shared pool full: drop it, the GC will reclaim it.
	}
}
