package vm

import (
	"sync"
	"time"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Child specifications
// ---------------------------------------------------------------------------

// ChildType distinguishes workers from nested supervisors.
type ChildType int

const (
	ChildWorker ChildType = iota
	ChildSupervisor
)

// RestartType selects when a dead child is restarted.
type RestartType int

const (
	RestartPermanent RestartType = iota
	RestartTransient
	RestartTemporary
)

// ShutdownType selects how a child is stopped.
type ShutdownType int

const (
	ShutdownBrutal ShutdownType = iota
	ShutdownTimeout
	ShutdownInfinity
)

// Strategy is the supervisor restart strategy.
type Strategy int

const (
	OneForOne Strategy = iota
	OneForAll
	RestForOne
	SimpleOneForOne
)

var strategyNames = [...]string{"one_for_one", "one_for_all", "rest_for_one", "simple_one_for_one"}

func (s Strategy) String() string {
	if int(s) < len(strategyNames) {
		return strategyNames[s]
	}
	return "unknown"
}

// ChildSpec describes how to start and restart one supervised child.
// Instructions and globals are cloned per start; subroutines are shared.
type ChildSpec struct {
	ID              string
	Instructions    []Instruction
	Subroutines     map[string]*Subroutine
	Globals         map[string]Value
	Type            ChildType
	Restart         RestartType
	Shutdown        ShutdownType
	ShutdownTimeout time.Duration
	MaxRestarts     int           // zero inherits the supervisor's limit
	RestartWindow   time.Duration // zero inherits the supervisor's window
}

// childEntry pairs a spec with its current incarnation. Address zero means
// the child is not running.
type childEntry struct {
	Spec    ChildSpec
	Address Address
}

// ---------------------------------------------------------------------------
// Supervisor
// ---------------------------------------------------------------------------

// Supervisor oversees a set of children in start order. The supervisor
// itself is a process with an empty instruction list; its work lives here
// and is driven by the fault handler.
type Supervisor struct {
	Address       Address
	Strategy      Strategy
	MaxRestarts   int
	RestartWindow time.Duration

	mu       sync.Mutex
	children []*childEntry
	restarts map[string][]time.Time
	engine   *Engine
	log      commonlog.Logger
}

// AddChild starts a process from spec, links it to the supervisor, and
// records it at the end of the start order.
func (s *Supervisor) AddChild(spec ChildSpec) (Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.children {
		if entry.Spec.ID == spec.ID {
			return 0, Errf(ErrValue, "child %q already specified", spec.ID)
		}
	}
	entry := &childEntry{Spec: spec}
	if err := s.startChildLocked(entry); err != nil {
		return 0, err
	}
	s.children = append(s.children, entry)
	return entry.Address, nil
}

// startChildLocked spawns a fresh incarnation from the entry's spec.
func (s *Supervisor) startChildLocked(entry *childEntry) error {
	spec := entry.Spec
	code := make([]Instruction, len(spec.Instructions))
	copy(code, spec.Instructions)
	seed := make(map[string]Value, len(spec.Globals))
	for k, v := range spec.Globals {
		seed[k] = v.Clone()
	}
	child, err := s.engine.NewProcess(code, SpawnOptions{
		Parent:      s.Address,
		Globals:     seed,
		Subroutines: spec.Subroutines,
	})
	if err != nil {
		return err
	}
	s.engine.links.Link(s.Address, child.Address)
	s.engine.supervisors.BindChild(child.Address, s)
	entry.Address = child.Address
	return nil
}

// recordRestart prunes history outside the restart window, appends now, and
// reports whether the restart budget still holds.
func (s *Supervisor) recordRestart(id string, max int, window time.Duration) bool {
	now := time.Now()
	history := s.restarts[id]
	kept := history[:0]
	for _, t := range history {
		if now.Sub(t) <= window {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.restarts[id] = kept
	return len(kept) <= max
}

// HandleChildExit applies the restart policy for a dead child. Called from
// the fault handler after the child's exit signals have fanned out.
func (s *Supervisor) HandleChildExit(child Address, reason Value) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, entry := range s.children {
		if entry.Address == child {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	entry := s.children[idx]
	entry.Address = 0
	s.engine.supervisors.UnbindChild(child)

	switch entry.Spec.Restart {
	case RestartTemporary:
		return
	case RestartTransient:
		if IsNormalReason(reason) {
			return
		}
	}

	max, window := s.MaxRestarts, s.RestartWindow
	if entry.Spec.MaxRestarts > 0 {
		max = entry.Spec.MaxRestarts
	}
	if entry.Spec.RestartWindow > 0 {
		window = entry.Spec.RestartWindow
	}
	if !s.recordRestart(entry.Spec.ID, max, window) {
		s.log.Warningf("child %q exceeded %d restarts in %s", entry.Spec.ID, max, window)
		switch s.Strategy {
		case OneForAll, RestForOne:
			s.shutdownLocked()
		}
		return
	}

	switch s.Strategy {
	case OneForOne, SimpleOneForOne:
		if err := s.startChildLocked(entry); err != nil {
			s.log.Errorf("restart of %q failed: %s", entry.Spec.ID, err)
		}
	case OneForAll:
		for i := len(s.children) - 1; i >= 0; i-- {
			s.stopEntryLocked(s.children[i])
		}
		for _, e := range s.children {
			if err := s.startChildLocked(e); err != nil {
				s.log.Errorf("restart of %q failed: %s", e.Spec.ID, err)
			}
		}
	case RestForOne:
		for i := len(s.children) - 1; i >= idx; i-- {
			s.stopEntryLocked(s.children[i])
		}
		for _, e := range s.children[idx:] {
			if err := s.startChildLocked(e); err != nil {
				s.log.Errorf("restart of %q failed: %s", e.Spec.ID, err)
			}
		}
	}
}

// shutdownLocked stops every running child in reverse start order and
// terminates the supervisor process itself.
func (s *Supervisor) shutdownLocked() {
	for i := len(s.children) - 1; i >= 0; i-- {
		s.stopEntryLocked(s.children[i])
	}
	if sup, ok := s.engine.Lookup(s.Address); ok && sup.State != ProcessDead {
		sup.State = ProcessDead
		sup.ExitReason = ReasonShutdown
		s.engine.supervisors.Remove(s)
		s.engine.faults.HandleExit(sup, ReasonShutdown)
	}
}

// stopEntryLocked stops a running child per its shutdown type.
func (s *Supervisor) stopEntryLocked(entry *childEntry) {
	if entry.Address == 0 {
		return
	}
	child, ok := s.engine.Lookup(entry.Address)
	addr := entry.Address
	entry.Address = 0
	s.engine.supervisors.UnbindChild(addr)
	s.engine.links.Unlink(s.Address, addr)
	if !ok || child.State == ProcessDead {
		return
	}
	switch entry.Spec.Shutdown {
	case ShutdownBrutal:
		child.State = ProcessDead
		child.ExitReason = ReasonKill
		s.engine.faults.HandleExit(child, ReasonKill)
	case ShutdownTimeout:
		s.engine.DeliverSystemMessage(child, shutdownMessage(s.Address))
		deadline := time.Now().Add(entry.Spec.ShutdownTimeout)
		for child.State != ProcessDead && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		if child.State != ProcessDead {
			child.State = ProcessDead
			child.ExitReason = ReasonKill
			s.engine.faults.HandleExit(child, ReasonKill)
		}
	case ShutdownInfinity:
		s.engine.DeliverSystemMessage(child, shutdownMessage(s.Address))
		for child.State != ProcessDead {
			time.Sleep(time.Millisecond)
		}
	}
}

// shutdownMessage is the polite stop request delivered before a timed or
// infinite shutdown.
func shutdownMessage(from Address) Value {
	m := NewOrderedMap()
	m.Set("signal", StringValue("EXIT"))
	m.Set("from", UintValue(uint64(from)))
	m.Set("reason", ReasonShutdown)
	m.Set("link_type", StringValue("Link"))
	return MapValue(m)
}

// StopChild stops the identified child without removing its spec.
func (s *Supervisor) StopChild(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.children {
		if entry.Spec.ID == id {
			s.stopEntryLocked(entry)
			return true
		}
	}
	return false
}

// RestartChild stops (if running) and restarts the identified child.
func (s *Supervisor) RestartChild(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.children {
		if entry.Spec.ID == id {
			s.stopEntryLocked(entry)
			if err := s.startChildLocked(entry); err != nil {
				s.log.Errorf("restart of %q failed: %s", id, err)
				return false
			}
			return true
		}
	}
	return false
}

// Children returns (id, address, running, type) tuples in start order.
func (s *Supervisor) Children() Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Value, 0, len(s.children))
	for _, entry := range s.children {
		m := NewOrderedMap()
		m.Set("id", StringValue(entry.Spec.ID))
		m.Set("address", UintValue(uint64(entry.Address)))
		m.Set("running", BoolValue(entry.Address != 0))
		if entry.Spec.Type == ChildSupervisor {
			m.Set("type", SymbolValue("supervisor"))
		} else {
			m.Set("type", SymbolValue("worker"))
		}
		out = append(out, MapValue(m))
	}
	return NewArrayValue(out...)
}

// Counts summarizes the children by liveness and type.
func (s *Supervisor) Counts() Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	specs, active, workers, sups := 0, 0, 0, 0
	for _, entry := range s.children {
		specs++
		if entry.Address != 0 {
			active++
		}
		if entry.Spec.Type == ChildSupervisor {
			sups++
		} else {
			workers++
		}
	}
	m := NewOrderedMap()
	m.Set("specs", IntValue(int64(specs)))
	m.Set("active", IntValue(int64(active)))
	m.Set("workers", IntValue(int64(workers)))
	m.Set("supervisors", IntValue(int64(sups)))
	return MapValue(m)
}

// ---------------------------------------------------------------------------
// Supervisor registry
// ---------------------------------------------------------------------------

// SupervisorRegistry maps supervisor process addresses to supervisors and
// children to the supervisor responsible for them.
type SupervisorRegistry struct {
	mu        sync.Mutex
	byAddress map[Address]*Supervisor
	byChild   map[Address]*Supervisor
}

func NewSupervisorRegistry() *SupervisorRegistry {
	return &SupervisorRegistry{
		byAddress: make(map[Address]*Supervisor),
		byChild:   make(map[Address]*Supervisor),
	}
}

func (r *SupervisorRegistry) Add(s *Supervisor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAddress[s.Address] = s
}

func (r *SupervisorRegistry) Remove(s *Supervisor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byAddress, s.Address)
	for child, sup := range r.byChild {
		if sup == s {
			delete(r.byChild, child)
		}
	}
}

func (r *SupervisorRegistry) Get(addr Address) (*Supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byAddress[addr]
	return s, ok
}

func (r *SupervisorRegistry) BindChild(child Address, s *Supervisor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byChild[child] = s
}

func (r *SupervisorRegistry) UnbindChild(child Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byChild, child)
}

// SupervisorOf returns the supervisor responsible for child, if any.
func (r *SupervisorRegistry) SupervisorOf(child Address) (*Supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byChild[child]
	return s, ok
}
