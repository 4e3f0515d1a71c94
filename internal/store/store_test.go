package store

import (
	"sync"
	"testing"

	"nodestore/internal/ua"
)

func newVariable(id ua.NodeId, value int64) ua.Node {
	return &ua.VariableNode{
		NodeHeader: ua.NodeHeader{NodeId: id, BrowseName: "x"},
		Value:      ua.Variant{Type: ua.VariantInt64, Scalar: value},
	}
}

func variableValue(t *testing.T, n ua.Node) int64 {
	t.Helper()
	v, ok := n.(*ua.VariableNode)
	if !ok {
		t.Fatalf("node is %T, want *ua.VariableNode", n)
	}
	return v.Value.Scalar.(int64)
}

func TestStoreInsertGetReleaseRemoveRoundTrip(t *testing.T) {
	s := New(Config{}, Hooks{})
	id := ua.NumericId(0, 42)

	if _, status := s.Insert(newVariable(id, 7), false); status != Good {
		t.Fatalf("Insert status = %v, want Good", status)
	}

	h := s.Get(id)
	if h == nil {
		t.Fatal("Get returned nil for a freshly inserted id")
	}
	if !h.Node().Header().NodeId.Equal(id) {
		t.Fatal("Get returned a node with the wrong id")
	}
	if got := variableValue(t, h.Node()); got != 7 {
		t.Fatalf("value = %d, want 7", got)
	}
	s.Release(h)

	if status := s.Remove(id); status != Good {
		t.Fatalf("Remove status = %v, want Good", status)
	}
	if s.Get(id) != nil {
		t.Fatal("Get after Remove should return nil")
	}

	s.Close()
	if got := s.LiveCount(); got != 0 {
		t.Fatalf("LiveCount = %d, want 0 after teardown", got)
	}
}

func TestStoreInsertManagedReturnsBorrow(t *testing.T) {
	s := New(Config{}, Hooks{})
	id := ua.NumericId(0, 1)

	h, status := s.Insert(newVariable(id, 5), true)
	if status != Good {
		t.Fatalf("Insert status = %v, want Good", status)
	}
	if h == nil {
		t.Fatal("managed Insert must hand back a borrow")
	}
	if got := variableValue(t, h.Node()); got != 5 {
		t.Fatalf("value through managed borrow = %d, want 5", got)
	}
	s.Release(h)

	if h, status := s.Insert(newVariable(ua.NumericId(0, 2), 6), false); status != Good || h != nil {
		t.Fatalf("unmanaged Insert = (%v, %v), want (nil, Good)", h, status)
	}
}

func TestStoreOwnsItsCopyAfterInsert(t *testing.T) {
	s := New(Config{}, Hooks{})
	id := ua.NumericId(0, 3)

	src := newVariable(id, 1).(*ua.VariableNode)
	if _, status := s.Insert(src, false); status != Good {
		t.Fatal("insert failed")
	}

	// Mutating the caller's node after insert must not be observable
	// through the store.
	src.Value.Scalar = int64(99)
	src.BrowseName = "mutated"

	h := s.Get(id)
	defer s.Release(h)
	if got := variableValue(t, h.Node()); got != 1 {
		t.Fatalf("store observed caller-side mutation, value = %d, want 1", got)
	}
	if h.Node().Header().BrowseName != "x" {
		t.Fatal("store observed caller-side header mutation")
	}
}

func TestStoreInsertDuplicateExplicitIdKeepsOriginal(t *testing.T) {
	s := New(Config{}, Hooks{})
	id := ua.NumericId(0, 10)

	if _, status := s.Insert(&ua.ObjectNode{NodeHeader: ua.NodeHeader{NodeId: id}}, false); status != Good {
		t.Fatalf("first insert status = %v, want Good", status)
	}
	if _, status := s.Insert(newVariable(id, 0), false); status != BadNodeIdExists {
		t.Fatalf("second insert status = %v, want BadNodeIdExists", status)
	}

	h := s.Get(id)
	defer s.Release(h)
	if h.Node().Class() != ua.ClassObject {
		t.Fatalf("store holds class %v after rejected insert, want Object", h.Node().Class())
	}
}

func TestStoreInsertNullIdSynthesizesReservedNamespace(t *testing.T) {
	s := New(Config{}, Hooks{})

	h1, status := s.Insert(&ua.ObjectNode{}, true)
	if status != Good {
		t.Fatalf("insert status = %v, want Good", status)
	}
	id1 := h1.Node().Header().NodeId
	s.Release(h1)

	if id1.Namespace != NamespaceAutoID {
		t.Fatalf("synthesized namespace = %d, want %d", id1.Namespace, NamespaceAutoID)
	}
	if id1.Kind != ua.IdKindNumeric {
		t.Fatalf("synthesized kind = %v, want numeric", id1.Kind)
	}

	h2, status := s.Insert(&ua.ObjectNode{}, true)
	if status != Good {
		t.Fatalf("insert status = %v, want Good", status)
	}
	id2 := h2.Node().Header().NodeId
	s.Release(h2)

	if id1.Equal(id2) {
		t.Fatal("expected two auto-synthesized ids to differ")
	}
}

func TestStoreAutoIdSynthesisBreaksDenseClusters(t *testing.T) {
	s := New(Config{}, Hooks{})

	// Fill namespace 1 with dense numeric ids, then remove the low half
	// so the count-seeded starting candidate lands inside the taken
	// range: every synthesis below must collide at least once and escape
	// through the perturbation step.
	const dense = 300
	for i := uint32(1); i <= dense; i++ {
		if _, status := s.Insert(&ua.ObjectNode{NodeHeader: ua.NodeHeader{NodeId: ua.NumericId(NamespaceAutoID, i)}}, false); status != Good {
			t.Fatalf("pre-population insert %d failed: %v", i, status)
		}
	}
	for i := uint32(1); i <= dense/2; i++ {
		if status := s.Remove(ua.NumericId(NamespaceAutoID, i)); status != Good {
			t.Fatalf("pre-population remove %d failed: %v", i, status)
		}
	}

	seen := map[uint32]bool{}
	for i := 0; i < 50; i++ {
		h, status := s.Insert(&ua.ObjectNode{}, true)
		if status != Good {
			t.Fatalf("auto-id insert %d status = %v, want Good", i, status)
		}
		id := h.Node().Header().NodeId
		s.Release(h)
		if id.Namespace != NamespaceAutoID {
			t.Fatalf("auto id namespace = %d, want %d", id.Namespace, NamespaceAutoID)
		}
		if seen[id.Numeric] {
			t.Fatalf("auto id %d handed out twice", id.Numeric)
		}
		seen[id.Numeric] = true
	}
}

func TestStoreGetUnknownIdReturnsNil(t *testing.T) {
	s := New(Config{}, Hooks{})
	if h := s.Get(ua.NumericId(0, 99)); h != nil {
		t.Fatal("Get of an unknown id must return nil")
	}
}

func TestStoreRemoveUnknownIdFails(t *testing.T) {
	s := New(Config{}, Hooks{})
	id := ua.NumericId(0, 10)
	s.Insert(newVariable(id, 0), false)

	if status := s.Remove(id); status != Good {
		t.Fatalf("Remove status = %v, want Good", status)
	}
	if status := s.Remove(id); status != BadNodeIdUnknown {
		t.Fatalf("second Remove status = %v, want BadNodeIdUnknown", status)
	}
}

func TestStoreRemoveFindsEqualButDistinctIdValue(t *testing.T) {
	s := New(Config{}, Hooks{})
	inserted := ua.StringId(2, "boiler/temperature")
	s.Insert(&ua.ObjectNode{NodeHeader: ua.NodeHeader{NodeId: inserted}}, false)

	// Lookup must compare identifier values, not any notion of identity
	// of the NodeId instances involved.
	lookup := ua.StringId(2, "boiler"+"/"+"temperature")
	if status := s.Remove(lookup); status != Good {
		t.Fatalf("Remove with an equal id value = %v, want Good", status)
	}
}

func TestStoreReplacePreservesOutstandingBorrow(t *testing.T) {
	s := New(Config{}, Hooks{})
	id := ua.NumericId(0, 7)

	p, status := s.Insert(newVariable(id, 1), true)
	if status != Good {
		t.Fatalf("Insert status = %v, want Good", status)
	}

	if _, status := s.Replace(newVariable(id, 2), false); status != Good {
		t.Fatalf("Replace status = %v, want Good", status)
	}

	// The borrow taken before Replace still reads the superseded node.
	if got := variableValue(t, p.Node()); got != 1 {
		t.Fatalf("value through pre-replace borrow = %d, want 1", got)
	}
	s.Release(p)

	h := s.Get(id)
	defer s.Release(h)
	if got := variableValue(t, h.Node()); got != 2 {
		t.Fatalf("value after replace = %d, want 2", got)
	}
}

func TestStoreReplaceUnknownIdFails(t *testing.T) {
	s := New(Config{}, Hooks{})
	if _, status := s.Replace(newVariable(ua.NumericId(0, 404), 0), false); status != BadNodeIdUnknown {
		t.Fatalf("status = %v, want BadNodeIdUnknown", status)
	}
}

func TestStoreReplaceManagedReturnsBorrowOfNewNode(t *testing.T) {
	s := New(Config{}, Hooks{})
	id := ua.NumericId(0, 8)
	s.Insert(newVariable(id, 1), false)

	h, status := s.Replace(newVariable(id, 2), true)
	if status != Good {
		t.Fatalf("Replace status = %v, want Good", status)
	}
	if got := variableValue(t, h.Node()); got != 2 {
		t.Fatalf("managed replace borrow reads %d, want 2", got)
	}
	s.Release(h)
}

func TestStoreMaxEntriesEnforced(t *testing.T) {
	s := New(Config{MaxEntries: 2}, Hooks{})
	if _, status := s.Insert(newVariable(ua.NumericId(0, 1), 0), false); status != Good {
		t.Fatal("expected first insert under the cap to succeed")
	}
	if _, status := s.Insert(newVariable(ua.NumericId(0, 2), 0), false); status != Good {
		t.Fatal("expected second insert under the cap to succeed")
	}
	if _, status := s.Insert(newVariable(ua.NumericId(0, 3), 0), false); status != BadOutOfMemory {
		t.Fatalf("expected insert over the cap to fail with BadOutOfMemory, got %v", status)
	}

	// Removing frees capacity again.
	if status := s.Remove(ua.NumericId(0, 1)); status != Good {
		t.Fatal("remove failed")
	}
	if _, status := s.Insert(newVariable(ua.NumericId(0, 3), 0), false); status != Good {
		t.Fatalf("expected insert after remove to succeed, got %v", status)
	}
}

func TestStoreIterateVisitsEveryLiveNode(t *testing.T) {
	s := New(Config{}, Hooks{})
	const n = 20
	// Ids start at 1: ns=0;i=0 is the null id and would be replaced by a
	// synthesized namespace-1 id.
	for i := uint32(1); i <= n; i++ {
		s.Insert(newVariable(ua.NumericId(0, i), 0), false)
	}

	seen := map[uint32]bool{}
	s.Iterate(func(node ua.Node) bool {
		seen[node.Header().NodeId.Numeric] = true
		return true
	})
	if len(seen) != n {
		t.Fatalf("Iterate visited %d nodes, want %d", len(seen), n)
	}
}

func TestStoreIterateStopsEarlyWithoutLeakingBorrows(t *testing.T) {
	s := New(Config{}, Hooks{})
	for i := uint32(0); i < 20; i++ {
		s.Insert(newVariable(ua.NumericId(0, i), 0), false)
	}

	visited := 0
	s.Iterate(func(node ua.Node) bool {
		visited++
		return visited < 5
	})
	if visited != 5 {
		t.Fatalf("visited = %d, want 5", visited)
	}

	// Every borrow the early-stopped iteration took must have been
	// released, or teardown would leave entries pinned.
	s.Close()
	if got := s.LiveCount(); got != 0 {
		t.Fatalf("LiveCount = %d, want 0", got)
	}
}

func TestStoreIterateVisitorMayCallBackIntoStore(t *testing.T) {
	s := New(Config{}, Hooks{})
	for i := uint32(0); i < 10; i++ {
		s.Insert(newVariable(ua.NumericId(0, i), 0), false)
	}

	s.Iterate(func(node ua.Node) bool {
		// A visitor that mutates the store must not deadlock.
		s.Remove(node.Header().NodeId)
		return true
	})

	if s.Len() != 0 {
		t.Fatalf("Len = %d, want 0 after visitor removed every node", s.Len())
	}
}

func TestStoreIterateUnderConcurrentRemove(t *testing.T) {
	s := New(Config{}, Hooks{})
	const n = 1000
	initial := make(map[uint32]bool, n)
	for i := uint32(1); i <= n; i++ {
		s.Insert(newVariable(ua.NumericId(0, i), int64(i)), false)
		initial[i] = true
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint32(2); i <= n; i += 2 {
			s.Remove(ua.NumericId(0, i))
		}
	}()

	seen := map[uint32]bool{}
	s.Iterate(func(node ua.Node) bool {
		// Every visited node must still be a valid, fully readable view.
		num := node.Header().NodeId.Numeric
		if got := variableValue(t, node); got != int64(num) {
			t.Errorf("node %d read value %d", num, got)
		}
		if seen[num] {
			t.Errorf("node %d visited twice", num)
		}
		seen[num] = true
		return true
	})
	wg.Wait()

	for num := range seen {
		if !initial[num] {
			t.Fatalf("visited id %d was never inserted", num)
		}
	}
}

func TestStoreCloseWithOutstandingBorrow(t *testing.T) {
	s := New(Config{}, Hooks{})
	id := ua.NumericId(0, 77)

	p, status := s.Insert(newVariable(id, 9), true)
	if status != Good {
		t.Fatalf("Insert status = %v, want Good", status)
	}

	s.Close()

	// The borrow taken before teardown still reads the node.
	if !p.Node().Header().NodeId.Equal(id) {
		t.Fatal("borrow invalidated by Close")
	}
	if got := variableValue(t, p.Node()); got != 9 {
		t.Fatalf("value through post-Close borrow = %d, want 9", got)
	}
	if got := s.LiveCount(); got != 1 {
		t.Fatalf("LiveCount = %d, want 1 while the borrow is outstanding", got)
	}

	s.Release(p)
	if got := s.LiveCount(); got != 0 {
		t.Fatalf("LiveCount = %d, want 0 after the final release", got)
	}
}

func TestStoreConcurrentInsertSameIdExactlyOneWins(t *testing.T) {
	for round := 0; round < 100; round++ {
		s := New(Config{}, Hooks{})
		id := ua.NumericId(0, 5)

		statuses := make(chan Status, 2)
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, status := s.Insert(newVariable(id, 0), false)
				statuses <- status
			}()
		}
		wg.Wait()
		close(statuses)

		var good, exists int
		for status := range statuses {
			switch status {
			case Good:
				good++
			case BadNodeIdExists:
				exists++
			default:
				t.Fatalf("unexpected status %v", status)
			}
		}
		if good != 1 || exists != 1 {
			t.Fatalf("round %d: good=%d exists=%d, want exactly one of each", round, good, exists)
		}
	}
}

func TestStoreConcurrentRemoveSameIdExactlyOneWins(t *testing.T) {
	for round := 0; round < 100; round++ {
		s := New(Config{}, Hooks{})
		id := ua.NumericId(0, 5)
		s.Insert(newVariable(id, 0), false)

		statuses := make(chan Status, 2)
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				statuses <- s.Remove(id)
			}()
		}
		wg.Wait()
		close(statuses)

		var good, unknown int
		for status := range statuses {
			switch status {
			case Good:
				good++
			case BadNodeIdUnknown:
				unknown++
			default:
				t.Fatalf("unexpected status %v", status)
			}
		}
		if good != 1 || unknown != 1 {
			t.Fatalf("round %d: good=%d unknown=%d, want exactly one of each", round, good, unknown)
		}
	}
}

func TestStoreConcurrentGetDuringRemoveNeverObservesFreedNode(t *testing.T) {
	s := New(Config{}, Hooks{})
	id := ua.NumericId(0, 1)
	s.Insert(newVariable(id, 3), false)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if h := s.Get(id); h != nil {
			// The node must remain valid to read even if Remove
			// completes while this borrow is outstanding.
			if got := variableValue(t, h.Node()); got != 3 {
				t.Errorf("borrowed node read value %d, want 3", got)
			}
			s.Release(h)
		}
	}()
	go func() {
		defer wg.Done()
		s.Remove(id)
	}()
	wg.Wait()

	s.Close()
	if s.LiveCount() != 0 {
		t.Fatalf("LiveCount = %d, want 0", s.LiveCount())
	}
}

func TestStoreHooksFireOnLifecycleTransitions(t *testing.T) {
	var mu sync.Mutex
	counts := map[string]int{}
	bump := func(key string) func(ua.NodeId) {
		return func(ua.NodeId) {
			mu.Lock()
			counts[key]++
			mu.Unlock()
		}
	}
	s := New(Config{}, Hooks{
		Inserted:  bump("inserted"),
		Replaced:  bump("replaced"),
		Removed:   bump("removed"),
		Finalized: bump("finalized"),
	})

	id := ua.NumericId(0, 1)
	s.Insert(newVariable(id, 1), false)
	s.Replace(newVariable(id, 2), false)
	s.Remove(id)
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	if counts["inserted"] != 1 || counts["replaced"] != 1 || counts["removed"] != 1 {
		t.Fatalf("counts = %v, want one inserted/replaced/removed", counts)
	}
	// Both the replaced-out entry and the removed one get finalized.
	if counts["finalized"] != 2 {
		t.Fatalf("finalized = %d, want 2", counts["finalized"])
	}
}

func TestStoreMixedConcurrentWorkload(t *testing.T) {
	s := New(Config{}, Hooks{})
	const keys = 64
	const workers = 8
	const opsPerWorker = 500

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed uint32) {
			defer wg.Done()
			for i := 0; i < opsPerWorker; i++ {
				id := ua.NumericId(0, (seed*31+uint32(i))%keys)
				switch i % 4 {
				case 0:
					s.Insert(newVariable(id, int64(i)), false)
				case 1:
					if h := s.Get(id); h != nil {
						_ = h.Node().Header().NodeId
						s.Release(h)
					}
				case 2:
					s.Replace(newVariable(id, int64(i)), false)
				case 3:
					s.Remove(id)
				}
			}
		}(uint32(w))
	}
	wg.Wait()

	s.Close()
	if got := s.LiveCount(); got != 0 {
		t.Fatalf("LiveCount = %d, want 0 after teardown", got)
	}
}
