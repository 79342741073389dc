package vm

import (
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Event loop Tests
// ---------------------------------------------------------------------------

func TestRunReachesQuiescence(t *testing.T) {
	eng, p := runProgram(t, []Instruction{
		Instr(OpPushInt, IntValue(1)),
		Instr(OpPushInt, IntValue(2)),
		Instr(OpAdd),
		Instr(OpHalt),
	})
	if p.State != ProcessDead {
		t.Fatalf("state: got %s, want dead", p.State)
	}
	if !p.ExitReason.Equals(ReasonNormal) {
		t.Fatalf("exit reason: got %s, want normal", p.ExitReason)
	}
	if got := eng.Statistics().Exited.Load(); got != 1 {
		t.Fatalf("exited count: got %d, want 1", got)
	}
}

func TestRunningOffTheEndIsACleanExit(t *testing.T) {
	_, p := runProgram(t, []Instruction{
		Instr(OpPushInt, IntValue(7)),
	})
	if p.State != ProcessDead || !p.ExitReason.Equals(ReasonNormal) {
		t.Fatalf("got state %s reason %s, want dead/normal", p.State, p.ExitReason)
	}
	wantInt(t, top(t, p), 7)
}

func TestIterationLimitStopsTheLoop(t *testing.T) {
	cfg := testConfig()
	cfg.IterationLimit = 20
	cfg.MaxReductionsPerSlice = 4
	eng := NewEngine(cfg)
	// Endless loop: never terminates on its own.
	_, err := eng.NewProcess([]Instruction{
		Instr(OpJump, IntValue(0)),
	}, SpawnOptions{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	eng.Run()
	if got := eng.Statistics().Iterations.Load(); got != 20 {
		t.Fatalf("iterations: got %d, want 20", got)
	}
}

func TestReductionSliceInterleavesProcesses(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReductionsPerSlice = 8
	eng := NewEngine(cfg)

	// Both processes count down from 40; with an 8-reduction budget each
	// needs several slices, so neither can finish within one turn.
	countdown := []Instruction{
		Instr(OpPushInt, IntValue(40)),
		Instr(OpDec), // 1: loop head
		Instr(OpDup),
		Instr(OpPushInt, IntValue(0)),
		Instr(OpNeq),
		Instr(OpJumpIfTrue, IntValue(1)),
		Instr(OpHalt),
	}
	a, _ := eng.NewProcess(countdown, SpawnOptions{})
	b, _ := eng.NewProcess(countdown, SpawnOptions{})
	eng.Run()

	if a.State != ProcessDead || b.State != ProcessDead {
		t.Fatalf("both should finish, got %s and %s", a.State, b.State)
	}
	if a.Reductions <= 8 || b.Reductions <= 8 {
		t.Fatalf("each needs multiple slices, reductions %d and %d", a.Reductions, b.Reductions)
	}
}

func TestProcessLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxProcesses = 2
	eng := NewEngine(cfg)
	if _, err := eng.NewProcess(nil, SpawnOptions{}); err != nil {
		t.Fatalf("first spawn: %v", err)
	}
	if _, err := eng.NewProcess(nil, SpawnOptions{}); err != nil {
		t.Fatalf("second spawn: %v", err)
	}
	if _, err := eng.NewProcess(nil, SpawnOptions{}); err == nil {
		t.Fatal("third spawn should fail at the limit")
	}
}

// ---------------------------------------------------------------------------
// Message accounting Tests
// ---------------------------------------------------------------------------

// After a run to quiescence every sent message is accounted for: delivered,
// dropped or expired, with anything else still visible in a mailbox or the
// timer manager.
func TestMessageAccounting(t *testing.T) {
	eng := newTestEngine(t)
	receiver, _ := eng.NewProcess([]Instruction{
		Instr(OpReceive),
		Instr(OpHalt),
	}, SpawnOptions{})
	sender, _ := eng.NewProcess(nil, SpawnOptions{})
	eng.Send(sender, receiver.Address, IntValue(1))
	eng.Send(sender, receiver.Address, IntValue(2))
	eng.Send(sender, receiver.Address, IntValue(3))
	eng.Run()

	stats := eng.Statistics()
	pending := int64(0)
	for _, p := range eng.Processes() {
		pending += int64(p.Mailbox.Size())
	}
	pending += int64(eng.Timers().Pending())
	got := stats.Delivered.Load() + stats.Dropped.Load() + stats.Expired.Load()
	if stats.Sent.Load() != got {
		t.Fatalf("sent %d != delivered %d + dropped %d + expired %d",
			stats.Sent.Load(), stats.Delivered.Load(), stats.Dropped.Load(), stats.Expired.Load())
	}
	// One message consumed by the receiver, two left queued on its dead
	// mailbox.
	if pending != 2 {
		t.Fatalf("pending messages: got %d, want 2", pending)
	}
}

func TestExpiredMessagesAreCounted(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultMessageTTL = time.Millisecond
	cfg.MessageCleanupInterval = time.Millisecond
	eng := NewEngine(cfg)
	receiver, _ := eng.NewProcess([]Instruction{
		Instr(OpSleep, FloatValue(0.02)),
		Instr(OpMailboxSize),
		Instr(OpHalt),
	}, SpawnOptions{})
	sender, _ := eng.NewProcess(nil, SpawnOptions{})
	eng.Send(sender, receiver.Address, StringValue("stale"))
	eng.Run()

	if got := eng.Statistics().Expired.Load(); got != 1 {
		t.Fatalf("expired count: got %d, want 1", got)
	}
	wantInt(t, top(t, receiver), 0)
}

// ---------------------------------------------------------------------------
// Deadlock detection Tests
// ---------------------------------------------------------------------------

func TestDetectDeadlockFindsCycle(t *testing.T) {
	eng := newTestEngine(t)
	a, _ := eng.NewProcess(nil, SpawnOptions{})
	b, _ := eng.NewProcess(nil, SpawnOptions{})

	a.State = ProcessWaiting
	a.Dependencies[b.Address] = struct{}{}
	b.State = ProcessBlocked
	b.Dependencies[a.Address] = struct{}{}
	eng.Scheduler().Enqueue(a)
	eng.Scheduler().Enqueue(b)

	cycle := eng.DetectDeadlock()
	if len(cycle) == 0 {
		t.Fatal("expected a cycle in the wait-for graph")
	}
}

func TestDetectDeadlockIgnoresAcyclicWaits(t *testing.T) {
	eng := newTestEngine(t)
	a, _ := eng.NewProcess(nil, SpawnOptions{})
	b, _ := eng.NewProcess(nil, SpawnOptions{})

	a.State = ProcessWaiting
	a.Dependencies[b.Address] = struct{}{}
	eng.Scheduler().Enqueue(a)
	_ = b

	if cycle := eng.DetectDeadlock(); cycle != nil {
		t.Fatalf("no cycle expected, got %v", cycle)
	}
}

// ---------------------------------------------------------------------------
// Crash dump Tests
// ---------------------------------------------------------------------------

func TestCrashStoreBoundsRetention(t *testing.T) {
	store := NewCrashStore(3)
	for i := 0; i < 5; i++ {
		store.Append(&CrashDump{Process: Address(i + 1), Reason: "boom"})
	}
	if store.Len() != 3 {
		t.Fatalf("retained: got %d, want 3", store.Len())
	}
	dumps := store.List()
	// Oldest two evicted: the survivors are processes 3, 4, 5.
	if dumps[0].Process != 3 || dumps[len(dumps)-1].Process != 5 {
		t.Fatalf("wrong survivors: first %d, last %d", dumps[0].Process, dumps[len(dumps)-1].Process)
	}
}

type recordingSink struct {
	dumps []*CrashDump
}

func (s *recordingSink) Persist(d *CrashDump) error {
	s.dumps = append(s.dumps, d)
	return nil
}

func TestCrashSinkSeesEveryDump(t *testing.T) {
	sink := &recordingSink{}
	eng := newTestEngine(t)
	eng.Crashes().SetSink(sink)
	p, _ := eng.NewProcess(crashLoop, SpawnOptions{})
	eng.Run()
	if p.State != ProcessDead {
		t.Fatalf("state: got %s, want dead", p.State)
	}
	if len(sink.dumps) != 1 {
		t.Fatalf("sink dumps: got %d, want 1", len(sink.dumps))
	}
	if sink.dumps[0].Process != p.Address {
		t.Fatalf("dump process: got %d, want %d", sink.dumps[0].Process, p.Address)
	}
}

// ---------------------------------------------------------------------------
// Debugger Tests
// ---------------------------------------------------------------------------

func TestDebugAbortKillsProcess(t *testing.T) {
	eng := newTestEngine(t)
	eng.SetDebugHook(&BreakpointHook{
		Break: func(p *Process, in Instruction) bool {
			return in.Op == OpAdd
		},
		OnBreak: func(p *Process, in Instruction) DebugAction {
			return DebugAbort
		},
	})
	p, _ := eng.NewProcess([]Instruction{
		Instr(OpPushInt, IntValue(1)),
		Instr(OpPushInt, IntValue(2)),
		Instr(OpAdd),
		Instr(OpHalt),
	}, SpawnOptions{})
	eng.Run()

	if p.State != ProcessDead || !p.ExitReason.Equals(ReasonKill) {
		t.Fatalf("got state %s reason %s, want dead/kill", p.State, p.ExitReason)
	}
	// The ADD never ran.
	if len(p.Stack) != 2 {
		t.Fatalf("stack depth: got %d, want 2", len(p.Stack))
	}
}

func TestBreakpointStepModeFiresOnEveryInstruction(t *testing.T) {
	eng := newTestEngine(t)
	var seen []Opcode
	eng.SetDebugHook(&BreakpointHook{
		Break: func(p *Process, in Instruction) bool {
			return in.Op == OpPushInt
		},
		OnBreak: func(p *Process, in Instruction) DebugAction {
			seen = append(seen, in.Op)
			return DebugStep
		},
	})
	_, err := eng.NewProcess([]Instruction{
		Instr(OpPushInt, IntValue(1)),
		Instr(OpDup),
		Instr(OpPop),
		Instr(OpHalt),
	}, SpawnOptions{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	eng.Run()

	want := []Opcode{OpPushInt, OpDup, OpPop, OpHalt}
	if len(seen) != len(want) {
		t.Fatalf("hook fired %d times, want %d", len(seen), len(want))
	}
	for i, op := range want {
		if seen[i] != op {
			t.Fatalf("hook[%d]: got %s, want %s", i, seen[i], op)
		}
	}
}
