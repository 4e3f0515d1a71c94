package store

import (
	"sync/atomic"

	"nodestore/internal/ua"
)

// aliveBit and refMask pack a 16-bit refcount word: the high bit marks
// the entry alive (reachable through the index), the low 15 bits count
// outstanding borrows not yet released. Go's atomic.Uint32 is used as the
// backing word purely because there is no atomic.Uint16 in the standard
// library; the upper half is always zero.
const (
	aliveBit uint32 = 1 << 15
	refMask  uint32 = aliveBit - 1
	// maxBorrows is the largest representable borrow count (2^15 - 1).
	// One more outstanding Get/Iterate borrow than this is a caller bug.
	maxBorrows uint32 = refMask
)

// refcount packs the alive flag and borrow count into one atomic word, so
// a single compare-and-swap covers "clear alive" and "read the current
// borrow count" together. Call sites go through these methods rather than
// twiddling bits themselves.
type refcount struct {
	word atomic.Uint32
}

// init sets the initial word for a freshly allocated, alive entry. borrow
// is 1 if the caller requested a managed (getManaged) reference, else 0.
func (r *refcount) init(borrow uint32) {
	r.word.Store(aliveBit | borrow)
}

// addBorrow increments the borrow count and returns the resulting word.
// It panics if the borrow count would overflow its 15 bits, the
// store-side expression of "one more [borrow] is a detectable error".
func (r *refcount) addBorrow() uint32 {
	for {
		cur := r.word.Load()
		if cur&refMask == maxBorrows {
			panic("store: borrow counter overflow (unbalanced Get/Iterate without Release)")
		}
		next := cur + 1
		if r.word.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// releaseBorrow decrements the borrow count and returns the resulting
// word. It panics on underflow, which can only happen if a caller called
// Release more times than it borrowed; continuing past that would free
// memory some other borrower still reads.
func (r *refcount) releaseBorrow() uint32 {
	for {
		cur := r.word.Load()
		if cur&refMask == 0 {
			panic("store: refcount underflow (unbalanced Release)")
		}
		next := cur - 1
		if r.word.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// clearAlive clears the alive bit and returns the resulting word (which
// therefore equals the current borrow count). It is idempotent only in
// the sense that clearing an already-clear bit is harmless; callers must
// still only invoke it once per entry (retire/Close's job to guarantee).
func (r *refcount) clearAlive() uint32 {
	for {
		cur := r.word.Load()
		next := cur &^ aliveBit
		if r.word.CompareAndSwap(cur, next) {
			return next
		}
	}
}

func (r *refcount) isAlive() bool {
	return r.word.Load()&aliveBit != 0
}

func (r *refcount) borrowCount() uint32 {
	return r.word.Load() & refMask
}

// Entry is the store's internal record: one node plus reclamation
// bookkeeping. The Node interface value points at an allocation exactly
// the size of its concrete variant, so no variant-sized envelope is
// needed; the entry's address is stable for its lifetime.
type Entry struct {
	refcount refcount
	node     ua.Node
}

// newEntry allocates an alive entry wrapping node, with an initial borrow
// count of 1 if getManaged is requested.
func newEntry(node ua.Node, getManaged bool) *Entry {
	e := &Entry{node: node}
	var borrow uint32
	if getManaged {
		borrow = 1
	}
	e.refcount.init(borrow)
	return e
}

func (e *Entry) id() ua.NodeId {
	return e.node.Header().NodeId
}

// finalize is the deferred callback the reclamation engine runs once no
// reader can still observe e through the index: it clears the alive bit
// and, if no borrows remain, runs the variant-dispatched deleter and lets
// the entry become garbage. If borrows remain outstanding, the last
// matching Release finishes the job (see (*Entry).release).
func (e *Entry) finalize(onFreed func()) {
	remaining := e.refcount.clearAlive()
	if remaining == 0 {
		ua.Dispose(e.node)
		if onFreed != nil {
			onFreed()
		}
	}
}

// release matches one Get/Iterate borrow. If the resulting refcount is
// zero and the alive bit is already clear, it runs the deleter itself:
// the entry was retired while this borrow was outstanding.
func (e *Entry) release(onFreed func()) {
	remaining := e.refcount.releaseBorrow()
	if remaining == 0 && !e.refcount.isAlive() {
		ua.Dispose(e.node)
		if onFreed != nil {
			onFreed()
		}
	}
}
