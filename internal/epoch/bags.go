package epoch

// numEpochBags is NUMBER_OF_EPOCH_BAGS in the original: three bags per
// thread, indexed modulo 3, so that the bag two slots behind the current one
// holds objects retired two epochs ago and is safe to free on rotation.
const numEpochBags = 3

// Bags is a per-thread, per-record-type set of three retirement bags. A
// Bags[T] is registered with a Clock via Clock.Register so the clock can
// drive its rotation; retire/free themselves are independent of the clock's
// own bookkeeping, matching the original's split between
// reclaimer_debra (bookkeeping) and blockbag (storage).
type Bags[T any] struct {
	bags  [][numEpochBags][]*T
	index []int
	free  func(tid int, obj *T)
}

// NewBags constructs the bag set for numThreads threads. free is invoked,
// in thread tid's own LeaveQuiescent call, for every object that becomes
// safely reclaimable; it must not block. tid is always the thread doing
// the rotating, so free may use it to return obj to a per-thread pool.
func NewBags[T any](numThreads int, free func(tid int, obj *T)) *Bags[T] {
	b := &Bags[T]{
		bags:  make([][numEpochBags][]*T, numThreads),
		index: make([]int, numThreads),
		free:  free,
	}
	return b
}

// Retire appends obj to thread tid's current (newest) bag. Must only be
// called while tid is non-quiescent.
func (b *Bags[T]) Retire(tid int, obj *T) {
	idx := b.index[tid]
	b.bags[tid][idx] = append(b.bags[tid][idx], obj)
}

// RotateEpochBags implements the Rotator interface: advance tid's bag
// cursor by one slot (mod 3) and free everything left in the bag that is
// now the new oldest (retired two epochs ago).
func (b *Bags[T]) RotateEpochBags(tid int) {
	next := (b.index[tid] + 1) % numEpochBags
	freeable := b.bags[tid][next]
	for _, obj := range freeable {
		b.free(tid, obj)
	}
	b.bags[tid][next] = b.bags[tid][next][:0]
	b.index[tid] = next
}

// LiveCount returns the total number of objects currently held across all
// threads' bags (not yet freed). Used for the reclamation-bound property
// (bounded-memory scenario in §8): the allocator high-water mark.
func (b *Bags[T]) LiveCount() int {
	total := 0
	for tid := range b.bags {
		for i := 0; i < numEpochBags; i++ {
			total += len(b.bags[tid][i])
		}
	}
	return total
}
