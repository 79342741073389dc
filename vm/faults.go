package vm

import (
	"sync"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Fault handler: exit-signal fan-out
// ---------------------------------------------------------------------------

// exitSignal is a pending (target, signal) pair.
type exitSignal struct {
	Target Address
	From   Address
	Reason Value
}

// FaultHandler owns the asynchronous exit-signal queue. HandleExit is the
// single entry point for process death; signal delivery to linked processes
// happens through the queue, either from the handler's own task or by
// explicit drains from the dispatch loop.
type FaultHandler struct {
	engine *Engine
	queue  chan exitSignal
	log    commonlog.Logger

	mu      sync.Mutex
	stop    chan struct{}
	started bool
	wg      sync.WaitGroup
}

func NewFaultHandler(engine *Engine, queueSize int) *FaultHandler {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &FaultHandler{
		engine: engine,
		queue:  make(chan exitSignal, queueSize),
		log:    commonlog.GetLogger("vm.faults"),
	}
}

// Start launches the delivery task.
func (f *FaultHandler) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return
	}
	f.started = true
	f.stop = make(chan struct{})
	f.wg.Add(1)
	go f.run(f.stop)
}

// Stop drains and terminates the delivery task.
func (f *FaultHandler) Stop() {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return
	}
	f.started = false
	close(f.stop)
	f.mu.Unlock()
	f.wg.Wait()
}

func (f *FaultHandler) run(stop chan struct{}) {
	defer f.wg.Done()
	for {
		select {
		case sig := <-f.queue:
			f.deliver(sig)
		case <-stop:
			f.Drain()
			return
		}
	}
}

// Drain synchronously delivers every queued signal. The dispatch loop may
// call this when the handler task is not running.
func (f *FaultHandler) Drain() {
	for {
		select {
		case sig := <-f.queue:
			f.deliver(sig)
		default:
			return
		}
	}
}

// ExitProcess queues an exit signal from one process to another without the
// sender itself exiting.
func (f *FaultHandler) ExitProcess(from, to Address, reason Value) {
	f.queue <- exitSignal{Target: to, From: from, Reason: reason}
}

// HandleExit fans out the death of p: exit signals to linked processes,
// DOWN messages to monitors, supervisor notification, and name cleanup.
// Idempotent per process.
func (f *FaultHandler) HandleExit(p *Process, reason Value) {
	f.mu.Lock()
	if p.exitHandled {
		f.mu.Unlock()
		return
	}
	p.exitHandled = true
	f.mu.Unlock()

	p.State = ProcessDead
	if p.ExitReason.IsNull() {
		p.ExitReason = reason
	}
	f.engine.scheduler.MarkDead(p)

	linked, watchers := f.engine.links.Cleanup(p.Address)
	for _, target := range linked {
		f.queue <- exitSignal{Target: target, From: p.Address, Reason: reason}
	}
	for _, ref := range watchers {
		if watcher, ok := f.engine.Lookup(ref.Watcher); ok && watcher.State != ProcessDead {
			f.engine.DeliverSystemMessage(watcher, DownMessage(ref, p.Address, reason))
		}
	}

	if sup, ok := f.engine.supervisors.SupervisorOf(p.Address); ok {
		sup.HandleChildExit(p.Address, reason)
	}
	f.engine.registry.Cleanup(p.Address)

	f.log.Debugf("process %d exited: %s", p.Address, reason)
}

// deliver applies one queued signal: trapped exits become mailbox messages,
// everything else propagates death.
func (f *FaultHandler) deliver(sig exitSignal) {
	target, ok := f.engine.Lookup(sig.Target)
	if !ok || target.State == ProcessDead {
		return
	}
	if f.engine.links.TrapsExit(sig.Target) && Trappable(sig.Reason) {
		f.engine.DeliverSystemMessage(target, ExitSignalMessage(sig.From, sig.Reason, "Link"))
		return
	}
	target.State = ProcessDead
	target.ExitReason = sig.Reason
	f.HandleExit(target, sig.Reason)
}

// ---------------------------------------------------------------------------
// System message shapes
// ---------------------------------------------------------------------------

// ExitSignalMessage is the trapped-exit mailbox shape:
// {signal: "EXIT", from, reason, link_type}.
func ExitSignalMessage(from Address, reason Value, linkType string) Value {
	m := NewOrderedMap()
	m.Set("signal", StringValue("EXIT"))
	m.Set("from", UintValue(uint64(from)))
	m.Set("reason", reason)
	m.Set("link_type", StringValue(linkType))
	return MapValue(m)
}

// DownMessage is the monitor notification shape:
// {signal: "DOWN", ref, process, reason}.
func DownMessage(ref *MonitorRef, process Address, reason Value) Value {
	m := NewOrderedMap()
	m.Set("signal", StringValue("DOWN"))
	m.Set("ref", UintValue(ref.ID))
	m.Set("process", UintValue(uint64(process)))
	m.Set("reason", reason)
	return MapValue(m)
}
