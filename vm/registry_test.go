package vm

import "testing"

// ---------------------------------------------------------------------------
// Name registry Tests
// ---------------------------------------------------------------------------

func TestRegisterUniqueNames(t *testing.T) {
	r := NewProcessRegistry()
	if !r.Register("worker", 1) {
		t.Fatal("first registration should succeed")
	}
	if r.Register("worker", 2) {
		t.Fatal("taken names must be rejected")
	}
	if addr, ok := r.Whereis("worker"); !ok || addr != 1 {
		t.Error("whereis should resolve the registered address")
	}
	if name, ok := r.NameOf(1); !ok || name != "worker" {
		t.Error("reverse lookup should resolve the name")
	}
}

func TestRegisterEmptyNameFails(t *testing.T) {
	r := NewProcessRegistry()
	if r.Register("", 1) {
		t.Error("empty names are not registrable")
	}
}

func TestReRegisterReplacesOwnName(t *testing.T) {
	r := NewProcessRegistry()
	r.Register("old", 1)
	if !r.Register("new", 1) {
		t.Fatal("a process may re-register under a new name")
	}
	if _, ok := r.Whereis("old"); ok {
		t.Error("the old binding should be dropped")
	}
}

func TestUnregister(t *testing.T) {
	r := NewProcessRegistry()
	r.Register("worker", 1)
	if !r.Unregister("worker") {
		t.Fatal("unregister of a bound name should succeed")
	}
	if r.Unregister("worker") {
		t.Error("unregister of an absent name should fail")
	}
}

func TestRegistryCleanup(t *testing.T) {
	r := NewProcessRegistry()
	r.Register("worker", 1)
	r.Cleanup(1)
	if _, ok := r.Whereis("worker"); ok {
		t.Error("cleanup should drop the process's binding")
	}
}
