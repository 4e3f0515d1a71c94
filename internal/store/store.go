package store

import (
	"sync/atomic"

	"nodestore/internal/ua"
)

// knuthMultiplier perturbs a colliding auto-synthesized numeric identifier
// into its next candidate (Knuth's multiplicative hashing constant). The
// perturbation step is base*knuthMultiplier, where base is one more than
// the entry count observed at the start of the insert, so dense numeric namespaces don't
// trap the search in a cluster of taken ids.
const knuthMultiplier uint32 = 2654435761

// maxAutoIDAttempts bounds the auto-id synthesis retry loop. Exhausting it
// can only happen if namespace 1 is saturated with numeric ids, which for
// any real address space means something has gone very wrong, so the loop
// escalates to BadInternalError instead of spinning forever.
const maxAutoIDAttempts = 1 << 16

// NamespaceAutoID is the namespace every store-synthesized identifier is
// placed in. Callers should treat numeric ids in this namespace as
// store-owned.
const NamespaceAutoID uint16 = 1

// Config holds the store's tunable limits.
type Config struct {
	// MaxEntries caps the number of simultaneously linked entries. Zero
	// means unlimited. Insert returns BadOutOfMemory once the cap would
	// be exceeded; it is the store's only resource-exhaustion signal in a
	// garbage-collected runtime that cannot otherwise observe allocation
	// failure.
	MaxEntries uint32
}

// Hooks lets ambient components (metrics, the event bus, the inspection
// server) observe store lifecycle transitions without the store importing
// any of them. Any field left nil is simply not called.
type Hooks struct {
	Inserted  func(ua.NodeId)
	Replaced  func(ua.NodeId)
	Removed   func(ua.NodeId)
	Finalized func(ua.NodeId)
}

// Store is the address-space node store: a concurrent map from NodeId to
// ua.Node, safe for any mix of concurrent Get/Iterate readers and
// Insert/Replace/Remove writers, reclaiming superseded entries only once
// no reader can still observe them.
type Store struct {
	index   *Index
	reclaim *Reclaimer
	cfg     Config
	hooks   Hooks

	// live counts entries that have been admitted and not yet disposed;
	// it reaches zero again only after every removed or replaced entry
	// has cleared its grace period and every borrow has been released.
	live atomic.Int64
}

// New constructs an empty Store.
func New(cfg Config, hooks Hooks) *Store {
	return &Store{
		index:   NewIndex(),
		reclaim: NewReclaimer(),
		cfg:     cfg,
		hooks:   hooks,
	}
}

// Close unlinks and retires every entry still in the index, then drains
// the reclamation queue. Borrows handed out before Close stay valid: each
// one still pins its node until the matching Release, which also performs
// the final disposal for entries that were borrowed across the teardown.
func (s *Store) Close() {
	tok := s.reclaim.EnterRead()
	for _, e := range s.index.Snapshot() {
		e := e
		if s.index.Delete(e.id(), e) {
			s.reclaim.Retire(func() { e.finalize(s.onFreed(e.id())) })
		}
	}
	s.reclaim.ExitRead(tok)
	s.reclaim.Sweep()
}

// LiveCount reports the number of entries the store has allocated and not
// yet disposed: linked entries plus retired-but-borrowed ones. It serves
// as the store's memory tracker; zero means no store-owned node memory is
// outstanding.
func (s *Store) LiveCount() int64 {
	return s.live.Load()
}

// Len reports the number of entries currently reachable through the index.
func (s *Store) Len() int {
	return s.index.Len()
}

// Sweep forces a reclamation pass. The runtime wiring calls this on a
// fixed interval so retirements close out their grace period even during
// a quiet spell with no other store traffic.
func (s *Store) Sweep() {
	s.reclaim.Sweep()
}

func (s *Store) fire(cb func(ua.NodeId), id ua.NodeId) {
	if cb != nil {
		cb(id)
	}
}

func (s *Store) onFreed(id ua.NodeId) func() {
	return func() {
		s.live.Add(-1)
		s.fire(s.hooks.Finalized, id)
	}
}

func validClass(c ua.Class) bool {
	return c >= ua.ClassObject && c <= ua.ClassView
}

// Handle is a borrowed, refcount-protected reference to a node handed out
// by Get, Insert, or Replace. Every Handle must be passed to Release
// exactly once; the node it wraps stays a valid read-only view until then,
// even if the entry has meanwhile been removed or replaced.
type Handle struct {
	entry *Entry
	node  ua.Node
}

// Node returns the borrowed node.
func (h *Handle) Node() ua.Node { return h.node }

// Insert admits a copy of node into the store. If node's header carries a
// null NodeId, the store synthesizes a numeric id in namespace 1; the
// caller learns it through the returned handle (or an Inserted hook). With
// getManaged set, the returned handle borrows the freshly stored node and
// must be released like any Get result; otherwise the handle is nil.
//
// The caller's node is dead to the store after a Good return: the store
// owns its own copy, and later mutations of the original are not observed.
func (s *Store) Insert(node ua.Node, getManaged bool) (*Handle, Status) {
	if !validClass(node.Class()) {
		return nil, BadInternalError
	}
	if s.cfg.MaxEntries != 0 && uint32(s.index.Len()) >= s.cfg.MaxEntries {
		return nil, BadOutOfMemory
	}

	owned := ua.Clone(node)
	hdr := owned.Header()
	entry := newEntry(owned, getManaged)

	if !hdr.NodeId.IsNull() {
		if !s.index.InsertUnique(hdr.NodeId, entry) {
			return nil, BadNodeIdExists
		}
	} else {
		// Synthesize a numeric id in the reserved namespace. The starting
		// candidate is seeded from the current entry count; every
		// collision steps by base*knuthMultiplier, wrapping mod 2^32.
		base := uint32(s.index.Len()) + 1
		n := base
		attempts := 0
		for {
			hdr.NodeId = ua.NumericId(NamespaceAutoID, n)
			if s.index.InsertUnique(hdr.NodeId, entry) {
				break
			}
			attempts++
			if attempts >= maxAutoIDAttempts {
				return nil, BadInternalError
			}
			n += base * knuthMultiplier
		}
	}

	s.live.Add(1)
	s.fire(s.hooks.Inserted, hdr.NodeId)
	if getManaged {
		return &Handle{entry: entry, node: owned}, Good
	}
	return nil, Good
}

// Replace swaps the node stored under node's id for a copy of node. It
// returns BadNodeIdUnknown if no entry currently has that id, including
// when a concurrent Remove or Replace moved the slot mid-operation. The
// superseded entry is reclaimed only once no in-flight reader can still
// be looking at it; borrows of the old node remain valid until released.
func (s *Store) Replace(node ua.Node, getManaged bool) (*Handle, Status) {
	if !validClass(node.Class()) {
		return nil, BadInternalError
	}

	owned := ua.Clone(node)
	id := owned.Header().NodeId
	next := newEntry(owned, getManaged)

	tok := s.reclaim.EnterRead()
	old, ok := s.index.Lookup(id)
	if !ok || !s.index.Replace(id, old, next) {
		s.reclaim.ExitRead(tok)
		return nil, BadNodeIdUnknown
	}
	s.reclaim.ExitRead(tok)

	s.live.Add(1)
	s.reclaim.Retire(func() { old.finalize(s.onFreed(id)) })
	s.fire(s.hooks.Replaced, id)
	if getManaged {
		return &Handle{entry: next, node: owned}, Good
	}
	return nil, Good
}

// Remove unlinks the entry named by id. It returns BadNodeIdUnknown if no
// entry has that id; when two removers race on the same id, exactly one
// of them wins. The entry's memory is reclaimed after the grace period,
// or later still if borrows of it are outstanding.
func (s *Store) Remove(id ua.NodeId) Status {
	tok := s.reclaim.EnterRead()
	entry, ok := s.index.Lookup(id)
	if !ok {
		s.reclaim.ExitRead(tok)
		return BadNodeIdUnknown
	}
	if !s.index.Delete(id, entry) {
		s.reclaim.ExitRead(tok)
		return BadNodeIdUnknown
	}
	s.reclaim.ExitRead(tok)

	s.reclaim.Retire(func() { entry.finalize(s.onFreed(id)) })
	s.fire(s.hooks.Removed, id)
	return Good
}

// Get returns a borrowed handle to the node named by id, or nil if no
// entry has that id. A miss is an ordinary outcome, not an error. The
// returned handle must be passed to Release exactly once.
func (s *Store) Get(id ua.NodeId) *Handle {
	tok := s.reclaim.EnterRead()
	entry, ok := s.index.Lookup(id)
	if !ok {
		s.reclaim.ExitRead(tok)
		return nil
	}
	entry.refcount.addBorrow()
	s.reclaim.ExitRead(tok)
	return &Handle{entry: entry, node: entry.node}
}

// Release returns a Handle obtained from Get, Insert, or Replace. It is
// the caller's last word on that handle; using it afterward is a
// programmer error.
func (s *Store) Release(h *Handle) {
	id := h.entry.id()
	h.entry.release(s.onFreed(id))
}

// Iterate visits every node linked at the moment Iterate is called, in
// unspecified order, stopping early if visit returns false. The snapshot
// is taken with each entry's refcount elevated inside one brief read
// section; the visitor itself runs outside any read section, so it may
// block, take a long time, or call back into the store without holding up
// writers or reclamation of entries it is not currently looking at.
func (s *Store) Iterate(visit func(ua.Node) bool) {
	tok := s.reclaim.EnterRead()
	snapshot := s.index.Snapshot()
	for _, e := range snapshot {
		e.refcount.addBorrow()
	}
	s.reclaim.ExitRead(tok)

	for i, e := range snapshot {
		keepGoing := visit(e.node)
		e.release(s.onFreed(e.id()))
		if !keepGoing {
			for _, rest := range snapshot[i+1:] {
				rest.release(s.onFreed(rest.id()))
			}
			return
		}
	}
}
