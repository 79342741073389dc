package vm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Engine: composition root and event loop
// ---------------------------------------------------------------------------

// SpawnOptions configures a new process. The zero Priority (PriorityLow)
// leaves the process at its default normal priority.
type SpawnOptions struct {
	Parent      Address
	Priority    Priority
	Globals     map[string]Value
	Subroutines map[string]*Subroutine
}

// Stats counts message and process traffic. All counters are monotonic.
type Stats struct {
	Sent       atomic.Int64
	Delivered  atomic.Int64
	Dropped    atomic.Int64
	Expired    atomic.Int64
	Spawned    atomic.Int64
	Exited     atomic.Int64
	Iterations atomic.Int64
}

// Engine composes the scheduler, registries, timer manager, fault handler
// and executor, and drives the dispatch loop.
type Engine struct {
	cfg Config

	mu        sync.Mutex
	processes map[Address]*Process

	nextAddr  atomic.Uint64
	nextMsgID atomic.Uint64

	scheduler   *Scheduler
	registry    *ProcessRegistry
	links       *LinkRegistry
	timers      *TimerManager
	faults      *FaultHandler
	supervisors *SupervisorRegistry
	crashes     *CrashStore
	executor    *Executor

	debug DebugHook
	log   commonlog.Logger
	stats Stats

	lastCleanup time.Time
	idleTicks   int
}

// NewEngine builds an engine from cfg as given. It does not validate cfg;
// Config.Validate reports invalid fields without changing them.
func NewEngine(cfg Config) *Engine {
	eng := &Engine{
		cfg:         cfg,
		processes:   make(map[Address]*Process),
		scheduler:   NewScheduler(),
		registry:    NewProcessRegistry(),
		links:       NewLinkRegistry(),
		timers:      NewTimerManager(),
		supervisors: NewSupervisorRegistry(),
		crashes:     NewCrashStore(cfg.CrashStoreCapacity),
		log:         commonlog.GetLogger("vm.engine"),
		lastCleanup: time.Now(),
	}
	eng.faults = NewFaultHandler(eng, cfg.FaultQueueSize)
	eng.executor = NewExecutor(eng)
	return eng
}

// Accessors for embedding code and tests.

func (eng *Engine) Config() Config                    { return eng.cfg }
func (eng *Engine) Scheduler() *Scheduler             { return eng.scheduler }
func (eng *Engine) Registry() *ProcessRegistry        { return eng.registry }
func (eng *Engine) Links() *LinkRegistry              { return eng.links }
func (eng *Engine) Timers() *TimerManager             { return eng.timers }
func (eng *Engine) Faults() *FaultHandler             { return eng.faults }
func (eng *Engine) Supervisors() *SupervisorRegistry  { return eng.supervisors }
func (eng *Engine) Crashes() *CrashStore              { return eng.crashes }
func (eng *Engine) Executor() *Executor               { return eng.executor }
func (eng *Engine) Statistics() *Stats                { return &eng.stats }
func (eng *Engine) SetDebugHook(h DebugHook)          { eng.debug = h }

// ---------------------------------------------------------------------------
// Process management
// ---------------------------------------------------------------------------

// NewProcess creates and enqueues a process, honoring the process limit.
func (eng *Engine) NewProcess(code []Instruction, opts SpawnOptions) (*Process, error) {
	eng.mu.Lock()
	live := 0
	for _, p := range eng.processes {
		if p.State != ProcessDead {
			live++
		}
	}
	if live >= eng.cfg.MaxProcesses {
		eng.mu.Unlock()
		return nil, Errf(ErrRuntime, "process limit %d reached", eng.cfg.MaxProcesses)
	}
	addr := Address(eng.nextAddr.Add(1))
	p := NewProcess(addr, code, eng.cfg.MaxStackSize, eng.cfg.MaxMailboxSize)
	if opts.Priority != PriorityLow {
		p.Priority = opts.Priority
	}
	p.Parent = opts.Parent
	for k, v := range opts.Globals {
		p.Globals[k] = v
	}
	if opts.Subroutines != nil {
		p.Subroutines = opts.Subroutines
	}
	eng.processes[addr] = p
	eng.mu.Unlock()

	eng.scheduler.Enqueue(p)
	eng.stats.Spawned.Add(1)
	return p, nil
}

// SpawnProcess is NewProcess for opcode handlers: failures raise.
func (eng *Engine) SpawnProcess(code []Instruction, opts SpawnOptions) *Process {
	p, err := eng.NewProcess(code, opts)
	if err != nil {
		panic(asMachineError(err))
	}
	return p
}

// Lookup resolves a process address.
func (eng *Engine) Lookup(addr Address) (*Process, bool) {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	p, ok := eng.processes[addr]
	return p, ok
}

// Processes snapshots the process table.
func (eng *Engine) Processes() []*Process {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	out := make([]*Process, 0, len(eng.processes))
	for _, p := range eng.processes {
		out = append(out, p)
	}
	return out
}

// StartSupervisor creates a supervisor: a process with no instructions
// whose behavior lives in the supervisor registry.
func (eng *Engine) StartSupervisor(strategy Strategy, maxRestarts int, window time.Duration) (*Supervisor, error) {
	p, err := eng.NewProcess(nil, SpawnOptions{})
	if err != nil {
		return nil, err
	}
	// Supervisors idle in the waiting set and convert child exit signals
	// to inert mailbox messages; their real work runs off the fault path.
	p.supervisor = true
	p.Flags["trap_exit"] = True
	eng.links.SetTrapExit(p.Address, true)
	sup := &Supervisor{
		Address:       p.Address,
		Strategy:      strategy,
		MaxRestarts:   maxRestarts,
		RestartWindow: window,
		restarts:      make(map[string][]time.Time),
		engine:        eng,
		log:           commonlog.GetLogger("vm.supervisor"),
	}
	eng.supervisors.Add(sup)
	return sup, nil
}

// ProcessInfo renders a process-info map for GET_INFO.
func (eng *Engine) ProcessInfo(p *Process) Value {
	m := NewOrderedMap()
	m.Set("address", UintValue(uint64(p.Address)))
	m.Set("state", SymbolValue(p.State.String()))
	m.Set("priority", SymbolValue(p.Priority.String()))
	m.Set("mailbox_size", IntValue(int64(p.Mailbox.Size())))
	m.Set("reductions", IntValue(int64(p.Reductions)))
	m.Set("parent", UintValue(uint64(p.Parent)))
	m.Set("created_at", IntValue(p.CreatedAt.UnixNano()))
	if p.RegisteredName != "" {
		m.Set("registered_name", StringValue(p.RegisteredName))
	}
	links := eng.links.Links(p.Address)
	linkVals := make([]Value, len(links))
	for i, a := range links {
		linkVals[i] = UintValue(uint64(a))
	}
	m.Set("links", NewArrayValue(linkVals...))
	m.Set("trap_exit", BoolValue(eng.links.TrapsExit(p.Address)))
	return MapValue(m)
}

// ---------------------------------------------------------------------------
// Message delivery
// ---------------------------------------------------------------------------

// NewMessage mints a message with the default TTL. The value is cloned:
// sender and receiver never share structure.
func (eng *Engine) NewMessage(sender Address, value Value) *Message {
	return &Message{
		ID:        eng.nextMsgID.Add(1),
		Sender:    sender,
		Value:     value.Clone(),
		NeedsAck:  eng.cfg.EnableMessageAcks,
		Timestamp: time.Now(),
		TTL:       eng.cfg.DefaultMessageTTL,
	}
}

// Send delivers value from sender to the target address, applying the
// configured mailbox-full behavior.
func (eng *Engine) Send(sender *Process, target Address, value Value) {
	receiver, ok := eng.Lookup(target)
	if !ok || receiver.State == ProcessDead {
		raise(ErrInvalidAddress, "process %d is not alive", target)
	}
	msg := eng.NewMessage(sender.Address, value)
	eng.stats.Sent.Add(1)
	if eng.deliver(receiver, msg) {
		eng.acknowledge(msg, AckDelivered)
		return
	}
	switch eng.cfg.MailboxFullBehavior {
	case MailboxFail:
		eng.stats.Dropped.Add(1)
		eng.acknowledge(msg, AckRejected)
		raise(ErrMailboxOverflow, "mailbox of process %d is full", target)
	case MailboxDrop:
		eng.stats.Dropped.Add(1)
		eng.acknowledge(msg, AckRejected)
	case MailboxBlock:
		sender.BlockedSends = append(sender.BlockedSends, blockedSend{Target: target, Message: msg})
		sender.Dependencies[target] = struct{}{}
		eng.scheduler.BlockOnSend(sender)
	}
}

// deliver pushes a message into a mailbox, waking the receiver when its
// waiting predicate matches.
func (eng *Engine) deliver(receiver *Process, msg *Message) bool {
	if !receiver.Mailbox.Push(msg) {
		return false
	}
	eng.stats.Delivered.Add(1)
	eng.scheduler.NotifyMessageDelivered(receiver, msg.Value)
	return true
}

// DeliverSystemMessage pushes an EXIT, DOWN or shutdown message ignoring
// mailbox capacity; system messages are never dropped.
func (eng *Engine) DeliverSystemMessage(receiver *Process, value Value) {
	msg := &Message{
		ID:        eng.nextMsgID.Add(1),
		Sender:    0,
		Value:     value,
		Timestamp: time.Now(),
	}
	receiver.Mailbox.PushSystem(msg)
	eng.stats.Sent.Add(1)
	eng.stats.Delivered.Add(1)
	eng.scheduler.NotifyMessageDelivered(receiver, value)
}

// tryDeliverBlocked retries one parked send. A dead target resolves the
// entry by abandoning the message.
func (eng *Engine) tryDeliverBlocked(target Address, msg *Message) bool {
	receiver, ok := eng.Lookup(target)
	if !ok || receiver.State == ProcessDead {
		eng.stats.Dropped.Add(1)
		return true
	}
	if eng.deliver(receiver, msg) {
		eng.acknowledge(msg, AckDelivered)
		return true
	}
	return false
}

// acknowledge reports disposition back to the sender's mailbox when the
// message requested it.
func (eng *Engine) acknowledge(msg *Message, status AckStatus) {
	if !msg.NeedsAck {
		return
	}
	sender, ok := eng.Lookup(msg.Sender)
	if !ok {
		return
	}
	sender.Mailbox.PushAck(&Acknowledgment{
		MessageID: msg.ID,
		Receiver:  msg.Sender,
		Status:    status,
		Timestamp: time.Now(),
	})
}

// recordCrash appends a crash dump for an unhandled exception.
func (eng *Engine) recordCrash(p *Process, exc Value) {
	dump := &CrashDump{
		Process:        p.Address,
		RegisteredName: p.RegisteredName,
		Reason:         exc.String(),
		Counter:        p.Counter,
		Timestamp:      time.Now(),
	}
	limit := len(p.Stack)
	if limit > 8 {
		limit = 8
	}
	for i := 0; i < limit; i++ {
		dump.StackSlice = append(dump.StackSlice, p.Stack[len(p.Stack)-1-i].String())
	}
	if exc.Kind() == KindMap {
		if st, ok := exc.Map().Get("stacktrace"); ok && st.Kind() == KindArray {
			for _, frame := range st.Array().Elements {
				dump.Stacktrace = append(dump.Stacktrace, frame.String())
			}
		}
	}
	eng.crashes.Append(dump)
}

// ---------------------------------------------------------------------------
// Event loop
// ---------------------------------------------------------------------------

// Run drives the dispatch loop until no work remains or the iteration limit
// is reached. The fault handler task runs for the duration.
func (eng *Engine) Run() {
	eng.faults.Start()
	defer eng.faults.Stop()

	for i := 0; i < eng.cfg.IterationLimit; i++ {
		eng.stats.Iterations.Add(1)
		now := time.Now()

		eng.deliverDueTimers(now)
		eng.cleanupMailboxes(now)

		if eng.cfg.AutoReactivateProcesses {
			for _, p := range eng.scheduler.DrainReactivations() {
				eng.scheduler.MakeRunnable(p)
			}
		}

		eng.scheduler.CheckTimeouts(now)
		eng.scheduler.CheckBlocked(eng.tryDeliverBlocked)

		p := eng.scheduler.NextRunnable()
		if p == nil {
			if eng.scheduler.HasPendingWork() || eng.timers.Pending() > 0 {
				eng.idleTick()
				continue
			}
			return
		}
		eng.idleTicks = 0

		eng.RunSlice(p)
		eng.reclassify(p)
	}

	eng.log.Warningf("iteration limit %d reached", eng.cfg.IterationLimit)
	eng.DetectDeadlock()
}

// idleTick sleeps the idle quantum and opportunistically runs deadlock
// detection after enough consecutive idle passes.
func (eng *Engine) idleTick() {
	eng.idleTicks++
	if eng.cfg.DeadlockCheckIdleTicks > 0 && eng.idleTicks == eng.cfg.DeadlockCheckIdleTicks {
		eng.DetectDeadlock()
	}
	if eng.cfg.IdleSleep > 0 {
		time.Sleep(eng.cfg.IdleSleep)
	}
}

// deliverDueTimers moves expired timer entries into their target mailboxes.
func (eng *Engine) deliverDueTimers(now time.Time) {
	for _, entry := range eng.timers.Due(now) {
		target, ok := eng.Lookup(entry.Target)
		if !ok || target.State == ProcessDead {
			eng.stats.Dropped.Add(1)
			continue
		}
		eng.stats.Sent.Add(1)
		if !eng.deliver(target, entry.Message) {
			eng.stats.Dropped.Add(1)
		}
	}
}

// cleanupMailboxes expires TTL-stale messages on the configured cadence.
func (eng *Engine) cleanupMailboxes(now time.Time) {
	if eng.cfg.MessageCleanupInterval <= 0 || now.Sub(eng.lastCleanup) < eng.cfg.MessageCleanupInterval {
		return
	}
	eng.lastCleanup = now
	for _, p := range eng.Processes() {
		if p.State != ProcessDead {
			eng.stats.Expired.Add(int64(p.Mailbox.CleanupExpired(now)))
		}
	}
}

// RunSlice executes p until its reduction budget is spent, it leaves the
// Alive state, or it yields.
func (eng *Engine) RunSlice(p *Process) {
	budget := p.Priority.Budget(eng.cfg.MaxReductionsPerSlice)
	start := p.Reductions
	for p.State == ProcessAlive {
		if p.yielded {
			break
		}
		if p.Counter < 0 || p.Counter >= len(p.Instructions) {
			if p.supervisor {
				// Supervisors carry no code; park until fault-path work
				// wakes them.
				eng.scheduler.WaitForMessage(p, Null, nil, 0)
				break
			}
			// Ran off the end: implicit return, or a clean exit at the
			// top level.
			eng.executor.Execute(p, Instr(OpReturn))
			continue
		}
		in := p.Instructions[p.Counter]
		if eng.debug != nil {
			if eng.debug.OnInstruction(p, in) == DebugAbort {
				p.State = ProcessDead
				p.ExitReason = ReasonKill
				eng.faults.HandleExit(p, ReasonKill)
				return
			}
		}
		eng.executor.Execute(p, in)
		if p.Reductions-start >= budget {
			break
		}
	}
}

// reclassify re-queues a process after its slice.
func (eng *Engine) reclassify(p *Process) {
	switch p.State {
	case ProcessAlive:
		p.yielded = false
		eng.scheduler.Enqueue(p)
	case ProcessDead:
		eng.stats.Exited.Add(1)
	// Waiting and Blocked processes were parked by their opcode.
	}
}

// ---------------------------------------------------------------------------
// Deadlock detection
// ---------------------------------------------------------------------------

// DetectDeadlock builds the wait-for graph from parked processes and their
// dependency sets and logs any cycle found. No automatic recovery.
func (eng *Engine) DetectDeadlock() []Address {
	graph := make(map[Address][]Address)
	for _, p := range eng.Processes() {
		if p.State != ProcessWaiting && p.State != ProcessBlocked {
			continue
		}
		for dep := range p.Dependencies {
			graph[p.Address] = append(graph[p.Address], dep)
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[Address]int)
	var cycle []Address
	var visit func(a Address, trail []Address) bool
	visit = func(a Address, trail []Address) bool {
		color[a] = gray
		for _, b := range graph[a] {
			switch color[b] {
			case gray:
				cycle = append(trail, a, b)
				return true
			case white:
				if visit(b, append(trail, a)) {
					return true
				}
			}
		}
		color[a] = black
		return false
	}
	for a := range graph {
		if color[a] == white && visit(a, nil) {
			eng.log.Errorf("deadlock detected among processes %v", cycle)
			return cycle
		}
	}
	return nil
}
