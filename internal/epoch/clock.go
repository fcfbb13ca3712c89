// Package epoch implements DEBRA, the epoch-based reclamation engine of
// component C1: a single monotonically increasing global epoch counter plus
// a per-thread announced (epoch, quiescent-bit) word, generalized from the
// packed-state-word idiom of the teacher's intention lock into a reclamation
// clock. It is grounded directly on
// original_source/cpp/debra/recordmgr/reclaimer_debra.h.
package epoch

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

// epochIncrement is the step between successive epochs; the low bit of an
// announced word is reserved to encode the quiescent flag (QUIESCENT(ann) in
// the original), so real epoch values only ever occupy the remaining bits.
const epochIncrement = 2

// defaultScanThreshold mirrors MIN_OPS_BEFORE_READ: how often (in calls to
// LeaveQuiescent) a thread samples one other thread's announced epoch,
// unless overridden by WithScanThreshold.
const defaultScanThreshold = 20

func quiescentBit(ann uint64) bool  { return ann&1 != 0 }
func epochBits(ann uint64) uint64   { return ann &^ 1 }
func withQuiescent(ann uint64) uint64 { return ann | 1 }

// Rotator is implemented by a typed bag set (Bags[T]) that a Clock drives
// through bag rotation whenever a thread's epoch advances. A Clock knows
// nothing about the object types it reclaims; that is the Record Manager's
// job (C4), which registers one Rotator per record type.
type Rotator interface {
	// RotateEpochBags advances thread tid's bag cursor by one slot and
	// frees (via the bag's configured free callback) everything in the
	// bag that becomes the new oldest.
	RotateEpochBags(tid int)
}

type perThread struct {
	announced    atomic.Uint64
	checked      int
	opsSinceRead int
}

// Clock is the shared epoch counter and per-thread bookkeeping for one Map
// instance. It is NOT reusable across Map instances (§9: "An implementation
// that supports multiple Map instances must give each its own epoch
// counter").
type Clock struct {
	epoch         atomic.Uint64
	threads       []perThread
	rotators      []Rotator
	numThreads    int
	scanThreshold int
	log           zerolog.Logger
}

// Option configures a Clock at construction time.
type Option func(*Clock)

// WithLogger attaches a structured logger; the zero value logs nothing.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Clock) { c.log = l }
}

// WithScanThreshold overrides how many LeaveQuiescent calls elapse between
// a thread's round-robin checks of another thread's announced epoch
// (MIN_OPS_BEFORE_READ in the original). Must be positive.
func WithScanThreshold(k int) Option {
	return func(c *Clock) {
		if k > 0 {
			c.scanThreshold = k
		}
	}
}

// NewClock creates a Clock for up to numThreads concurrent threads. Call
// Register for every Rotator (one per record type) before any thread calls
// LeaveQuiescent.
func NewClock(numThreads int, opts ...Option) *Clock {
	c := &Clock{
		threads:       make([]perThread, numThreads),
		numThreads:    numThreads,
		scanThreshold: defaultScanThreshold,
		log:           zerolog.Nop(),
	}
	for i := range c.threads {
		c.threads[i].announced.Store(withQuiescent(0))
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a Rotator (typically a Bags[T]) that will be rotated every
// time LeaveQuiescent observes an epoch advance. Must be called before any
// thread enters a non-quiescent region.
func (c *Clock) Register(r Rotator) {
	c.rotators = append(c.rotators, r)
}

// IsQuiescent reports whether tid's last announced state was quiescent.
func (c *Clock) IsQuiescent(tid int) bool {
	return quiescentBit(c.threads[tid].announced.Load())
}

// EnterQuiescent sets thread tid's quiescent bit. Per §4.1, this is a
// relaxed store preceded by a compiler fence; Go's memory model gives us
// that ordering for free via the atomic store itself.
func (c *Clock) EnterQuiescent(tid int) {
	t := &c.threads[tid]
	ann := t.announced.Load()
	t.announced.Store(withQuiescent(ann))
}

// LeaveQuiescent must be called at the start of every operation that will
// dereference pointers into the reclaimed structure. It rotates tid's epoch
// bags (across every registered Rotator) if the global epoch has advanced
// since tid's last announcement, then incrementally helps advance the
// global epoch by checking one other thread's announced state every
// scanThreshold calls. Returns true iff it rotated this thread's bags.
func (c *Clock) LeaveQuiescent(tid int) bool {
	t := &c.threads[tid]

	readEpoch := c.epoch.Load()
	ann := t.announced.Load()
	rotated := false

	if readEpoch != epochBits(ann) {
		t.checked = 0
		for _, r := range c.rotators {
			r.RotateEpochBags(tid)
		}
		rotated = true
		c.log.Debug().Int("tid", tid).Uint64("epoch", readEpoch).Msg("epoch advanced, rotated bags")
	}

	otherTid := t.checked
	t.opsSinceRead++
	if t.opsSinceRead%c.scanThreshold == 0 {
		otherAnn := c.threads[otherTid].announced.Load()
		if epochBits(otherAnn) == readEpoch || quiescentBit(otherAnn) {
			t.checked++
			if t.checked >= c.numThreads {
				if c.epoch.CompareAndSwap(readEpoch, readEpoch+epochIncrement) {
					c.log.Debug().Uint64("from", readEpoch).Uint64("to", readEpoch+epochIncrement).Msg("global epoch advanced")
				}
			}
		}
	}

	t.announced.Store(readEpoch)
	return rotated
}

// NumThreads returns the thread capacity this Clock was constructed with.
func (c *Clock) NumThreads() int { return c.numThreads }

// CurrentEpoch returns the current value of the global epoch counter, for
// diagnostics and tests only.
func (c *Clock) CurrentEpoch() uint64 { return c.epoch.Load() }
