package store

import (
	"sync"
	"sync/atomic"

	"nodestore/internal/ua"
)

const (
	minBuckets = 32
	loadFactor = 0.75
)

// chainNode is one link of a bucket's collision chain. Chains are
// immutable once published: every mutation (insert/delete/replace)
// builds a new chain and swaps it into the bucket head with a single
// atomic.Pointer.CompareAndSwap. Because links are never mutated in
// place, a reader that has loaded a chain head can walk it to completion
// without any synchronization, which is what makes Lookup wait-free.
type chainNode struct {
	id    ua.NodeId
	hash  uint64
	entry *Entry
	next  *chainNode
}

type indexTable struct {
	buckets []atomic.Pointer[chainNode]
	mask    uint64
}

func newIndexTable(numBuckets int) *indexTable {
	return &indexTable{
		buckets: make([]atomic.Pointer[chainNode], numBuckets),
		mask:    uint64(numBuckets - 1),
	}
}

// Index is the store's concurrent, resizable hash table keyed by NodeId.
// Lookup never blocks and never retries. Insert/Delete/Replace retry a
// CAS loop against a single bucket; a resize takes an exclusive lock that
// only contends with other writers, never with readers, which continue
// to operate against whichever table generation they already loaded.
type Index struct {
	table    atomic.Pointer[indexTable]
	count    atomic.Int64
	resizeMu sync.RWMutex
}

// NewIndex allocates an index with at least minBuckets buckets.
func NewIndex() *Index {
	ix := &Index{}
	ix.table.Store(newIndexTable(minBuckets))
	return ix
}

func (ix *Index) currentTable() *indexTable {
	return ix.table.Load()
}

// Len returns the number of entries currently linked into the index.
func (ix *Index) Len() int {
	return int(ix.count.Load())
}

// Lookup performs a wait-free search for id against the current table
// generation. It is safe to call outside of any read section only
// because the Entry it returns remains valid to dereference until every
// reader that observed it has exited a read section; that guarantee is
// the Reclaimer's job, not the Index's.
func (ix *Index) Lookup(id ua.NodeId) (*Entry, bool) {
	t := ix.currentTable()
	h := id.Hash()
	n := t.buckets[h&t.mask].Load()
	for n != nil {
		if n.hash == h && n.id.Equal(id) {
			return n.entry, true
		}
		n = n.next
	}
	return nil, false
}

// InsertUnique links entry under id if, and only if, no entry is
// currently linked under an equal id. It returns false ("exists") on
// collision without touching the index.
func (ix *Index) InsertUnique(id ua.NodeId, entry *Entry) bool {
	ix.resizeMu.RLock()
	defer ix.resizeMu.RUnlock()

	h := id.Hash()
	for {
		t := ix.currentTable()
		bucket := &t.buckets[h&t.mask]
		head := bucket.Load()
		for n := head; n != nil; n = n.next {
			if n.hash == h && n.id.Equal(id) {
				return false
			}
		}
		newHead := &chainNode{id: id, hash: h, entry: entry, next: head}
		if bucket.CompareAndSwap(head, newHead) {
			ix.count.Add(1)
			ix.maybeGrow(t)
			return true
		}
	}
}

// Replace atomically swaps the entry linked under id from old to
// replacement. It returns false ("stale") if the slot is empty or if the
// entry currently linked under id is not old: a concurrent delete or
// another replace already moved the slot out from under the caller.
func (ix *Index) Replace(id ua.NodeId, old, replacement *Entry) bool {
	ix.resizeMu.RLock()
	defer ix.resizeMu.RUnlock()

	h := id.Hash()
	for {
		t := ix.currentTable()
		bucket := &t.buckets[h&t.mask]
		head := bucket.Load()
		newHead, ok := spliceReplace(head, h, id, old, replacement)
		if !ok {
			return false
		}
		if bucket.CompareAndSwap(head, newHead) {
			return true
		}
	}
}

// Delete unlinks entry from under id. A second concurrent Delete racing
// on the same entry observes it already gone and returns false.
func (ix *Index) Delete(id ua.NodeId, entry *Entry) bool {
	ix.resizeMu.RLock()
	defer ix.resizeMu.RUnlock()

	h := id.Hash()
	for {
		t := ix.currentTable()
		bucket := &t.buckets[h&t.mask]
		head := bucket.Load()
		newHead, ok := spliceOut(head, h, entry)
		if !ok {
			return false
		}
		if bucket.CompareAndSwap(head, newHead) {
			ix.count.Add(-1)
			return true
		}
	}
}

// Snapshot walks one table generation and returns every entry linked
// into it. Because bucket chains are immutable and the table pointer is
// read once up front, the result is a consistent view of everything
// linked when Snapshot was called: entries inserted mid-walk by a
// concurrent writer may or may not appear depending on timing, entries
// migrated away by a concurrent resize (which swaps to a new table
// generation) don't affect this walk at all, and no entry appears twice
// since each bucket is walked exactly once.
func (ix *Index) Snapshot() []*Entry {
	t := ix.currentTable()
	out := make([]*Entry, 0, ix.Len())
	for i := range t.buckets {
		for n := t.buckets[i].Load(); n != nil; n = n.next {
			out = append(out, n.entry)
		}
	}
	return out
}

func spliceOut(head *chainNode, h uint64, target *Entry) (*chainNode, bool) {
	if head == nil {
		return nil, false
	}
	if head.hash == h && head.entry == target {
		return head.next, true
	}
	rest, ok := spliceOut(head.next, h, target)
	if !ok {
		return head, false
	}
	return &chainNode{id: head.id, hash: head.hash, entry: head.entry, next: rest}, true
}

func spliceReplace(head *chainNode, h uint64, id ua.NodeId, old, replacement *Entry) (*chainNode, bool) {
	if head == nil {
		return nil, false
	}
	if head.hash == h && head.id.Equal(id) {
		if head.entry != old {
			return head, false
		}
		return &chainNode{id: id, hash: h, entry: replacement, next: head.next}, true
	}
	rest, ok := spliceReplace(head.next, h, id, old, replacement)
	if !ok {
		return head, false
	}
	return &chainNode{id: head.id, hash: head.hash, entry: head.entry, next: rest}, true
}

// maybeGrow doubles the table when the load factor is exceeded. It takes
// the exclusive side of resizeMu, so it always runs after every in-flight
// writer holding the shared side has finished its own CAS attempt against
// oldTable; any writer that arrives afterward retries against the table
// it observes, which by then is the grown one.
func (ix *Index) maybeGrow(oldTable *indexTable) {
	if float64(ix.count.Load()) < loadFactor*float64(len(oldTable.buckets)) {
		return
	}

	ix.resizeMu.RUnlock()
	ix.resizeMu.Lock()
	defer func() {
		ix.resizeMu.Unlock()
		ix.resizeMu.RLock()
	}()

	cur := ix.currentTable()
	if cur != oldTable {
		return // someone else already grew the table
	}
	if float64(ix.count.Load()) < loadFactor*float64(len(cur.buckets)) {
		return
	}

	grown := newIndexTable(len(cur.buckets) * 2)
	for i := range cur.buckets {
		for n := cur.buckets[i].Load(); n != nil; n = n.next {
			b := n.hash & grown.mask
			grown.buckets[b].Store(&chainNode{id: n.id, hash: n.hash, entry: n.entry, next: grown.buckets[b].Load()})
		}
	}
	ix.table.Store(grown)
}
