package vm

import "testing"

// ---------------------------------------------------------------------------
// Try / throw Tests
// ---------------------------------------------------------------------------

func TestThrowUnwindsToHandler(t *testing.T) {
	_, p := runProgram(t, []Instruction{
		Instr(OpPushInt, IntValue(1)), // survives: the handler snapshots stack depth 1
		Instr(OpTryBegin, IntValue(4)), // catch at 2+4 = 6
		Instr(OpPushInt, IntValue(2)),  // discarded by the unwind
		Instr(OpPushString, StringValue("boom")),
		Instr(OpThrow),
		Instr(OpHalt),  // 5: skipped
		Instr(OpCatch), // 6
		Instr(OpHalt),
	})
	if p.State != ProcessDead || !p.ExitReason.Equals(ReasonNormal) {
		t.Fatalf("process should halt cleanly, got %s / %s", p.State, p.ExitReason)
	}
	// Stack: [1, exception]; the 2 pushed inside the try was truncated.
	if len(p.Stack) != 2 {
		t.Fatalf("stack depth: got %d, want 2", len(p.Stack))
	}
	wantInt(t, p.Stack[0], 1)
	exc := p.Stack[1]
	if exc.Kind() != KindMap {
		t.Fatalf("handler should receive the exception map, got %s", exc)
	}
	if msg, _ := exc.Map().Get("message"); msg.Str() != "boom" {
		t.Errorf("exception message: got %s", msg)
	}
	if typ, _ := exc.Map().Get("type"); !typ.Equals(SymbolValue("exception")) {
		t.Error("exception map should carry type :exception")
	}
	if !p.CurrentException.Equals(exc) {
		t.Error("CATCH should record the current exception")
	}
}

func TestTryEndRemovesHandler(t *testing.T) {
	_, p := runProgram(t, []Instruction{
		Instr(OpTryBegin, IntValue(3)), // catch at 4
		Instr(OpTryEnd),
		Instr(OpPushString, StringValue("late")),
		Instr(OpThrow), // no handler anymore
		Instr(OpHalt),
	})
	if p.State != ProcessDead {
		t.Fatal("uncaught throw should kill the process")
	}
	if p.ExitReason.Kind() != KindMap {
		t.Fatal("exit reason should be the exception map")
	}
}

func TestUncaughtThrowRecordsCrashDump(t *testing.T) {
	eng, p := runProgram(t, []Instruction{
		Instr(OpPushString, StringValue("boom")),
		Instr(OpThrow),
	})
	if p.State != ProcessDead {
		t.Fatal("process should be dead")
	}
	dumps := eng.Crashes().List()
	if len(dumps) != 1 {
		t.Fatalf("crash dumps: got %d, want 1", len(dumps))
	}
	if dumps[0].Process != p.Address {
		t.Error("dump should reference the dead process")
	}
}

func TestRuntimeErrorsRouteThroughHandlers(t *testing.T) {
	// Division by zero inside a try lands in the catch block.
	_, p := runProgram(t, []Instruction{
		Instr(OpTryBegin, IntValue(5)), // catch at 6
		Instr(OpPushInt, IntValue(1)),
		Instr(OpPushInt, IntValue(0)),
		Instr(OpDiv),
		Instr(OpHalt), // skipped
		Instr(OpNop),  // 5
		Instr(OpCatch),
		Instr(OpHalt),
	})
	if p.State != ProcessDead || !p.ExitReason.Equals(ReasonNormal) {
		t.Fatal("caught division error should not kill the process")
	}
	exc := top(t, p)
	if name, _ := exc.Map().Get("error"); name.Str() != ErrDivisionByZero.String() {
		t.Errorf("exception error: got %s", name.Str())
	}
}

func TestRethrow(t *testing.T) {
	_, p := runProgram(t, []Instruction{
		Instr(OpTryBegin, IntValue(3)), // catch at 4
		Instr(OpPushString, StringValue("first")),
		Instr(OpThrow),
		Instr(OpHalt),  // skipped
		Instr(OpCatch), // 4
		Instr(OpRethrow),
		Instr(OpHalt),
	})
	if p.State != ProcessDead {
		t.Fatal("rethrow with no outer handler should kill the process")
	}
	if msg, _ := p.ExitReason.Map().Get("message"); msg.Str() != "first" {
		t.Error("rethrow should carry the original exception")
	}
}

func TestNestedHandlers(t *testing.T) {
	_, p := runProgram(t, []Instruction{
		Instr(OpTryBegin, IntValue(8)), // outer catch at 9
		Instr(OpTryBegin, IntValue(3)), // inner catch at 5
		Instr(OpPushString, StringValue("inner")),
		Instr(OpThrow),
		Instr(OpHalt),  // skipped
		Instr(OpCatch), // 5: inner handler
		Instr(OpPop),
		Instr(OpPushString, StringValue("outer")),
		Instr(OpThrow),
		Instr(OpCatch), // 9: outer handler
		Instr(OpHalt),
	})
	if p.State != ProcessDead || !p.ExitReason.Equals(ReasonNormal) {
		t.Fatal("outer handler should catch the second throw")
	}
	if msg, _ := top(t, p).Map().Get("message"); msg.Str() != "outer" {
		t.Errorf("outer handler should see the second exception, got %s", msg)
	}
}

func TestGetStacktrace(t *testing.T) {
	_, p := runProgram(t, []Instruction{
		Instr(OpGetStacktrace),
		Instr(OpHalt),
	})
	st := top(t, p)
	if st.Kind() != KindArray || len(st.Array().Elements) == 0 {
		t.Fatal("GET_STACKTRACE should push a non-empty frame array")
	}
	frame := st.Array().Elements[0]
	if frame.Kind() != KindMap || !frame.Map().Has("address") || !frame.Map().Has("instruction") {
		t.Error("stack frames should carry address and instruction")
	}
}

// ---------------------------------------------------------------------------
// Unwind consistency Tests
// ---------------------------------------------------------------------------

func TestUnwindPastIndirectCallKeepsStacksInLockStep(t *testing.T) {
	// The handler is installed before an indirect call; the throw happens
	// inside the callee. The unwind must pop the saved-instructions frame
	// alongside the call-stack entry.
	block := []Instruction{
		Instr(OpPushString, StringValue("deep")),
		Instr(OpThrow),
	}
	_, p := runProgram(t, []Instruction{
		Instr(OpTryBegin, IntValue(4)), // catch at 5
		Instr(OpPushInstructions, InstructionsValue(block)),
		Instr(OpCallIndirect),
		Instr(OpHalt), // skipped
		Instr(OpNop),  // 4
		Instr(OpCatch),
		Instr(OpHalt),
	})
	if p.State != ProcessDead || !p.ExitReason.Equals(ReasonNormal) {
		t.Fatal("exception from the callee should land in the caller's handler")
	}
	if len(p.CallStack) != p.SavedInstrDepth() {
		t.Errorf("call stack (%d) and saved-instructions stack (%d) diverged",
			len(p.CallStack), p.SavedInstrDepth())
	}
	if len(p.CallStack) != 0 {
		t.Error("unwind should have popped the indirect frame")
	}
	if msg, _ := top(t, p).Map().Get("message"); msg.Str() != "deep" {
		t.Error("handler should receive the callee's exception")
	}
}

func TestHandlerRestoresFramePointer(t *testing.T) {
	code := []Instruction{
		Instr(OpTryBegin, IntValue(3)), // catch at 4
		Instr(OpCall, StringValue("crash")),
		Instr(OpHalt),
		Instr(OpNop),
		Instr(OpCatch), // 4
		Instr(OpHalt),
		// crash: opens a frame, then throws
		Instr(OpPushInt, IntValue(9)), // 6
		Instr(OpStoreLocal, IntValue(0)),
		Instr(OpPushString, StringValue("bad")),
		Instr(OpThrow),
	}
	eng := newTestEngine(t)
	p, _ := eng.NewProcess(code, SpawnOptions{})
	p.Subroutines["crash"] = &Subroutine{Start: 6}
	eng.Run()
	if p.State != ProcessDead || !p.ExitReason.Equals(ReasonNormal) {
		t.Fatal("handler should catch the subroutine's throw")
	}
	if p.FramePointer != 0 {
		t.Errorf("frame pointer should be restored, got %d", p.FramePointer)
	}
	if len(p.Locals) != 0 {
		t.Errorf("locals should be truncated to the handler snapshot, got %d", len(p.Locals))
	}
}
