package vm

import "testing"

// ---------------------------------------------------------------------------
// Link symmetry Tests
// ---------------------------------------------------------------------------

func TestLinksAreSymmetric(t *testing.T) {
	r := NewLinkRegistry()
	r.Link(1, 2)
	if !r.Linked(1, 2) || !r.Linked(2, 1) {
		t.Fatal("links must be recorded in both directions")
	}
	r.Unlink(2, 1)
	if r.Linked(1, 2) || r.Linked(2, 1) {
		t.Fatal("unlink must remove both directions")
	}
}

func TestSelfLinkIsNoOp(t *testing.T) {
	r := NewLinkRegistry()
	r.Link(1, 1)
	if len(r.Links(1)) != 0 {
		t.Error("linking a process to itself should do nothing")
	}
}

// ---------------------------------------------------------------------------
// Monitor index Tests
// ---------------------------------------------------------------------------

func TestMonitorRecordedInBothIndices(t *testing.T) {
	r := NewLinkRegistry()
	ref := r.Monitor(1, 2)
	if ref.Watcher != 1 || ref.Watched != 2 {
		t.Fatal("reference should carry watcher and watched")
	}

	found := false
	for _, m := range r.Monitors(1) {
		if m.ID == ref.ID {
			found = true
		}
	}
	if !found {
		t.Error("reference missing from the forward index")
	}
	found = false
	for _, m := range r.WatchersOf(2) {
		if m.ID == ref.ID {
			found = true
		}
	}
	if !found {
		t.Error("reference missing from the reverse index")
	}

	if !r.Demonitor(ref) {
		t.Fatal("demonitor of a live reference should succeed")
	}
	if r.Demonitor(ref) {
		t.Error("second demonitor should report false")
	}
	if len(r.Monitors(1)) != 0 || len(r.WatchersOf(2)) != 0 {
		t.Error("demonitor should clear both indices")
	}
}

func TestMonitorRefsAreMonotonic(t *testing.T) {
	r := NewLinkRegistry()
	a := r.Monitor(1, 2)
	b := r.Monitor(1, 3)
	if b.ID <= a.ID {
		t.Error("monitor reference ids must be monotonic")
	}
}

// ---------------------------------------------------------------------------
// Cleanup Tests
// ---------------------------------------------------------------------------

func TestCleanupReturnsFanOutSets(t *testing.T) {
	r := NewLinkRegistry()
	r.Link(1, 2)
	r.Link(1, 3)
	watcher := r.Monitor(5, 1) // 5 watches 1
	r.Monitor(1, 6)            // 1 watches 6
	r.SetTrapExit(1, true)

	linked, watchers := r.Cleanup(1)
	if len(linked) != 2 {
		t.Errorf("linked: got %d, want 2", len(linked))
	}
	if len(watchers) != 1 || watchers[0].ID != watcher.ID {
		t.Errorf("watchers: got %v", watchers)
	}
	if r.Linked(2, 1) || r.Linked(3, 1) {
		t.Error("cleanup should remove the reverse links")
	}
	if len(r.WatchersOf(6)) != 0 {
		t.Error("cleanup should drop monitors held by the dead process")
	}
	if r.TrapsExit(1) {
		t.Error("cleanup should clear the trap-exit flag")
	}
}

// ---------------------------------------------------------------------------
// Trap-exit Tests
// ---------------------------------------------------------------------------

func TestTrapExitFlag(t *testing.T) {
	r := NewLinkRegistry()
	if r.TrapsExit(1) {
		t.Error("processes do not trap exits by default")
	}
	r.SetTrapExit(1, true)
	if !r.TrapsExit(1) {
		t.Error("trap-exit should be set")
	}
	r.SetTrapExit(1, false)
	if r.TrapsExit(1) {
		t.Error("trap-exit should be cleared")
	}
}
