package vm

import (
	"testing"
)

// ---------------------------------------------------------------------------
// Spawn Tests
// ---------------------------------------------------------------------------

func TestSpawnPushesChildAddress(t *testing.T) {
	eng, p := runProgram(t, []Instruction{
		Instr(OpPushInstructions, InstructionsValue([]Instruction{
			Instr(OpHalt),
		})),
		Instr(OpSpawn),
		Instr(OpHalt),
	})
	addr := top(t, p)
	if !addr.IsInteger() {
		t.Fatalf("SPAWN should push an address, got %s", addr)
	}
	child, ok := eng.Lookup(Address(addr.Uint()))
	if !ok {
		t.Fatal("child not in the process table")
	}
	if child.Parent != p.Address {
		t.Fatalf("child parent: got %d, want %d", child.Parent, p.Address)
	}
}

func TestSpawnLinkedCreatesSymmetricLink(t *testing.T) {
	eng := newTestEngine(t)
	parent, _ := eng.NewProcess([]Instruction{
		Instr(OpPushInstructions, InstructionsValue([]Instruction{
			Instr(OpReceive),
		})),
		Instr(OpSpawnLinked),
		Instr(OpYield),
		Instr(OpHalt),
	}, SpawnOptions{})
	// Break the slice at the yield: the link must exist atomically with
	// the spawn, before the parent's own exit cleans it up.
	eng.RunSlice(parent)

	child := Address(top(t, parent).Uint())
	if !eng.Links().Linked(parent.Address, child) || !eng.Links().Linked(child, parent.Address) {
		t.Fatal("SPAWN_LINKED must record the link in both directions")
	}
}

func TestSpawnMonitoredPushesAddressAndRef(t *testing.T) {
	eng := newTestEngine(t)
	watcher, _ := eng.NewProcess([]Instruction{
		Instr(OpPushInstructions, InstructionsValue([]Instruction{
			Instr(OpReceive),
		})),
		Instr(OpSpawnMonitored),
		Instr(OpYield),
		Instr(OpHalt),
	}, SpawnOptions{})
	eng.RunSlice(watcher)

	if len(watcher.Stack) != 2 {
		t.Fatalf("stack depth: got %d, want 2 (address, ref)", len(watcher.Stack))
	}
	ref, ok := watcher.Stack[1].Custom().(*MonitorRef)
	if !ok {
		t.Fatalf("top of stack should be a monitor ref, got %s", watcher.Stack[1])
	}
	child := Address(watcher.Stack[0].Uint())
	if ref.Watcher != watcher.Address || ref.Watched != child {
		t.Fatalf("ref endpoints: got %d->%d, want %d->%d",
			ref.Watcher, ref.Watched, watcher.Address, child)
	}
	if got := eng.Links().Monitors(watcher.Address); len(got) != 1 {
		t.Fatalf("forward index: got %d refs, want 1", len(got))
	}
}

func TestSpawnFromLambdaSeedsCapturedGlobals(t *testing.T) {
	// The child reads a global captured from the parent at spawn time.
	body := []Instruction{
		Instr(OpLoadGlobal, StringValue("greeting")),
		Instr(OpHalt),
	}
	eng, p := runProgram(t, []Instruction{
		Instr(OpPushString, StringValue("hello")),
		Instr(OpStoreGlobal, StringValue("greeting")),
		Instr(OpLambdaCreate, lambdaSpec(body, nil, []string{"greeting"})),
		Instr(OpSpawn),
		Instr(OpHalt),
	})
	child, ok := eng.Lookup(Address(top(t, p).Uint()))
	if !ok {
		t.Fatal("child not found")
	}
	if v := top(t, child); v.Str() != "hello" {
		t.Fatalf("child should see the captured global, got %s", v)
	}
}

// ---------------------------------------------------------------------------
// Identity and liveness Tests
// ---------------------------------------------------------------------------

func TestSelfPushesOwnAddress(t *testing.T) {
	_, p := runProgram(t, []Instruction{
		Instr(OpSelf),
		Instr(OpHalt),
	})
	if got := Address(top(t, p).Uint()); got != p.Address {
		t.Fatalf("SELF: got %d, want %d", got, p.Address)
	}
}

func TestIsAlive(t *testing.T) {
	_, p := runProgram(t, []Instruction{
		Instr(OpSelf),
		Instr(OpIsAlive),
		Instr(OpPushUint, UintValue(9999)),
		Instr(OpIsAlive),
		Instr(OpHalt),
	})
	if !p.Stack[0].Bool() {
		t.Error("a running process is alive")
	}
	if p.Stack[1].Bool() {
		t.Error("address 9999 was never spawned")
	}
}

func TestGetInfo(t *testing.T) {
	_, p := runProgram(t, []Instruction{
		Instr(OpSelf),
		Instr(OpPushString, StringValue("worker")),
		Instr(OpRegister),
		Instr(OpPop),
		Instr(OpSelf),
		Instr(OpGetInfo),
		Instr(OpHalt),
	})
	info := top(t, p)
	if info.Kind() != KindMap {
		t.Fatalf("GET_INFO should push a map, got %s", info)
	}
	addr, _ := info.Map().Get("address")
	if Address(addr.Uint()) != p.Address {
		t.Errorf("info address: got %s", addr)
	}
	name, _ := info.Map().Get("registered_name")
	if name.Str() != "worker" {
		t.Errorf("info registered_name: got %s", name)
	}
	if pr, _ := info.Map().Get("priority"); pr.Str() != "normal" {
		t.Errorf("info priority: got %s", pr)
	}
}

func TestGetInfoUnknownAddressPushesNull(t *testing.T) {
	_, p := runProgram(t, []Instruction{
		Instr(OpPushUint, UintValue(9999)),
		Instr(OpGetInfo),
		Instr(OpHalt),
	})
	if !top(t, p).IsNull() {
		t.Fatalf("got %s, want null", top(t, p))
	}
}

// ---------------------------------------------------------------------------
// Registration Tests
// ---------------------------------------------------------------------------

func TestRegisterWhereisUnregister(t *testing.T) {
	_, p := runProgram(t, []Instruction{
		Instr(OpSelf),
		Instr(OpPushString, StringValue("svc")),
		Instr(OpRegister), // true
		Instr(OpPushString, StringValue("svc")),
		Instr(OpWhereis), // own address
		Instr(OpPushString, StringValue("svc")),
		Instr(OpUnregister), // true
		Instr(OpPushString, StringValue("svc")),
		Instr(OpWhereis), // null
		Instr(OpHalt),
	})
	if !p.Stack[0].Bool() {
		t.Error("REGISTER of a fresh name should push true")
	}
	if Address(p.Stack[1].Uint()) != p.Address {
		t.Errorf("WHEREIS: got %s, want own address", p.Stack[1])
	}
	if !p.Stack[2].Bool() {
		t.Error("UNREGISTER of a bound name should push true")
	}
	if !p.Stack[3].IsNull() {
		t.Errorf("WHEREIS after UNREGISTER: got %s, want null", p.Stack[3])
	}
}

func TestRegisterTakenNamePushesFalse(t *testing.T) {
	eng := newTestEngine(t)
	other, _ := eng.NewProcess([]Instruction{
		Instr(OpReceive), // parks, keeping the name bound
	}, SpawnOptions{})
	eng.Registry().Register("svc", other.Address)
	p, _ := eng.NewProcess([]Instruction{
		Instr(OpSelf),
		Instr(OpPushString, StringValue("svc")),
		Instr(OpRegister),
		Instr(OpHalt),
	}, SpawnOptions{})
	eng.Run()
	if top(t, p).Bool() {
		t.Error("REGISTER of a taken name should push false")
	}
}

func TestSendToRegisteredName(t *testing.T) {
	eng := newTestEngine(t)
	receiver, _ := eng.NewProcess([]Instruction{
		Instr(OpReceive),
		Instr(OpHalt),
	}, SpawnOptions{})
	eng.Registry().Register("inbox", receiver.Address)
	_, err := eng.NewProcess([]Instruction{
		Instr(OpPushSymbol, SymbolValue("inbox")),
		Instr(OpPushString, StringValue("hi")),
		Instr(OpSend),
		Instr(OpHalt),
	}, SpawnOptions{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	eng.Run()
	if v := top(t, receiver); v.Str() != "hi" {
		t.Fatalf("receiver got %s, want hi", v)
	}
}

// ---------------------------------------------------------------------------
// Flag Tests
// ---------------------------------------------------------------------------

func TestTrapExitOpcodesMirrorRegistry(t *testing.T) {
	eng := newTestEngine(t)
	p, _ := eng.NewProcess([]Instruction{
		Instr(OpTrapExitEnable),
		Instr(OpYield),
		Instr(OpTrapExitDisable),
		Instr(OpHalt),
	}, SpawnOptions{})
	eng.RunSlice(p)
	if !eng.Links().TrapsExit(p.Address) || !p.Flags["trap_exit"].Bool() {
		t.Fatal("TRAP_EXIT_ENABLE must set both the registry and the flag")
	}
	eng.reclassify(p)
	eng.Run()
	if eng.Links().TrapsExit(p.Address) || p.Flags["trap_exit"].Bool() {
		t.Fatal("TRAP_EXIT_DISABLE must clear both the registry and the flag")
	}
}

func TestSetFlagTrapExitStaysInSync(t *testing.T) {
	eng := newTestEngine(t)
	p, _ := eng.NewProcess([]Instruction{
		Instr(OpPushString, StringValue("trap_exit")),
		Instr(OpPushTrue),
		Instr(OpSetFlag),
		Instr(OpPushString, StringValue("trap_exit")),
		Instr(OpGetFlag),
		Instr(OpYield),
		Instr(OpHalt),
	}, SpawnOptions{})
	// Break the slice at the yield: the registry drops a process's
	// trap-exit entry when it exits.
	eng.RunSlice(p)
	if !top(t, p).Bool() {
		t.Error("GET_FLAG should read back true")
	}
	if !eng.Links().TrapsExit(p.Address) {
		t.Error("SET_FLAG trap_exit must mirror into the link registry")
	}
}

func TestSetFlagPriority(t *testing.T) {
	_, p := runProgram(t, []Instruction{
		Instr(OpPushString, StringValue("priority")),
		Instr(OpPushString, StringValue("high")),
		Instr(OpSetFlag),
		Instr(OpHalt),
	})
	if p.Priority != PriorityHigh {
		t.Fatalf("priority: got %s, want high", p.Priority)
	}
}

func TestGetUnsetFlagPushesNull(t *testing.T) {
	_, p := runProgram(t, []Instruction{
		Instr(OpPushString, StringValue("nope")),
		Instr(OpGetFlag),
		Instr(OpHalt),
	})
	if !top(t, p).IsNull() {
		t.Fatalf("got %s, want null", top(t, p))
	}
}

// ---------------------------------------------------------------------------
// Yield Tests
// ---------------------------------------------------------------------------

func TestYieldLetsSiblingRun(t *testing.T) {
	eng := newTestEngine(t)
	// A registers itself, yields, then receives; B sends to A by name.
	a, _ := eng.NewProcess([]Instruction{
		Instr(OpSelf),
		Instr(OpPushString, StringValue("a")),
		Instr(OpRegister),
		Instr(OpPop),
		Instr(OpYield),
		Instr(OpReceive),
		Instr(OpHalt),
	}, SpawnOptions{})
	_, err := eng.NewProcess([]Instruction{
		Instr(OpPushString, StringValue("a")),
		Instr(OpWhereis),
		Instr(OpPushInt, IntValue(42)),
		Instr(OpSend),
		Instr(OpHalt),
	}, SpawnOptions{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	eng.Run()
	if a.State != ProcessDead {
		t.Fatalf("a should finish, state %s", a.State)
	}
	wantInt(t, top(t, a), 42)
}

// ---------------------------------------------------------------------------
// Unlink and demonitor Tests
// ---------------------------------------------------------------------------

func TestUnlinkOpcodeSeversBothDirections(t *testing.T) {
	eng := newTestEngine(t)
	other, _ := eng.NewProcess([]Instruction{
		Instr(OpReceive),
	}, SpawnOptions{})
	p, _ := eng.NewProcess([]Instruction{
		Instr(OpPushUint, UintValue(uint64(other.Address))),
		Instr(OpLink),
		Instr(OpYield),
		Instr(OpPushUint, UintValue(uint64(other.Address))),
		Instr(OpUnlink),
		Instr(OpHalt),
	}, SpawnOptions{})
	eng.RunSlice(p)
	if !eng.Links().Linked(p.Address, other.Address) {
		t.Fatal("LINK should record the link")
	}
	eng.reclassify(p)
	eng.Run()
	if eng.Links().Linked(p.Address, other.Address) || eng.Links().Linked(other.Address, p.Address) {
		t.Fatal("UNLINK must sever both directions")
	}
}

func TestDemonitorOpcode(t *testing.T) {
	eng := newTestEngine(t)
	other, _ := eng.NewProcess([]Instruction{
		Instr(OpReceive),
	}, SpawnOptions{})
	p, _ := eng.NewProcess([]Instruction{
		Instr(OpPushUint, UintValue(uint64(other.Address))),
		Instr(OpMonitor),
		Instr(OpDemonitor),
		Instr(OpHalt),
	}, SpawnOptions{})
	eng.Run()
	if !top(t, p).Bool() {
		t.Fatal("DEMONITOR of a live ref should push true")
	}
	if refs := eng.Links().Monitors(p.Address); len(refs) != 0 {
		t.Fatalf("forward index should be empty, have %d", len(refs))
	}
}
