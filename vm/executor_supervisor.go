package vm

import "time"

// ---------------------------------------------------------------------------
// Supervisor opcodes
// ---------------------------------------------------------------------------

// popSupervisor resolves a supervisor by its process address.
func (e *Executor) popSupervisor(p *Process, op Opcode) *Supervisor {
	addr := popAddress(p, op)
	sup, ok := e.engine.supervisors.Get(addr)
	if !ok {
		raise(ErrInvalidAddress, "process %d is not a supervisor", addr)
	}
	return sup
}

func (e *Executor) execSupervisor(p *Process, in Instruction) {
	e.requireEngine()
	switch in.Op {
	case OpStartChild:
		p.ensure(in.Op, 2)
		specVal := p.Pop()
		sup := e.popSupervisor(p, in.Op)
		if specVal.Kind() != KindMap {
			raise(ErrTypeMismatch, "START_CHILD requires a child-spec map, got %s", specVal.TypeName())
		}
		spec := childSpecFromMap(specVal.Map())
		addr, err := sup.AddChild(spec)
		if err != nil {
			panic(asMachineError(err))
		}
		p.Push(UintValue(uint64(addr)))

	case OpStopChild:
		p.ensure(in.Op, 2)
		id := p.Pop()
		sup := e.popSupervisor(p, in.Op)
		p.Push(BoolValue(sup.StopChild(id.Str())))

	case OpRestartChild:
		p.ensure(in.Op, 2)
		id := p.Pop()
		sup := e.popSupervisor(p, in.Op)
		p.Push(BoolValue(sup.RestartChild(id.Str())))

	case OpListChildren:
		sup := e.popSupervisor(p, in.Op)
		p.Push(sup.Children())

	case OpCountChildren:
		sup := e.popSupervisor(p, in.Op)
		p.Push(sup.Counts())
	}
}

// childSpecFromMap parses a child-spec value: {id, instructions, globals?,
// type?, restart?, shutdown?, max_restarts?, restart_window?}. The shutdown
// field is "brutal", "infinity" or a numeric timeout in seconds.
func childSpecFromMap(m *OrderedMap) ChildSpec {
	spec := ChildSpec{}

	id, ok := m.Get("id")
	if !ok || (id.Kind() != KindString && id.Kind() != KindSymbol) {
		raise(ErrValue, "child spec needs a string id")
	}
	spec.ID = id.Str()

	code, ok := m.Get("instructions")
	if !ok || code.Kind() != KindInstructions {
		raise(ErrValue, "child spec %q needs an instruction block", spec.ID)
	}
	spec.Instructions = code.Instructions()

	if g, ok := m.Get("globals"); ok && g.Kind() == KindMap {
		spec.Globals = make(map[string]Value, g.Map().Len())
		for _, k := range g.Map().Keys() {
			v, _ := g.Map().Get(k)
			spec.Globals[k] = v
		}
	}

	if t, ok := m.Get("type"); ok && t.Str() == "supervisor" {
		spec.Type = ChildSupervisor
	}

	if r, ok := m.Get("restart"); ok {
		switch r.Str() {
		case "permanent", "":
			spec.Restart = RestartPermanent
		case "transient":
			spec.Restart = RestartTransient
		case "temporary":
			spec.Restart = RestartTemporary
		default:
			raise(ErrValue, "child spec %q: unknown restart type %q", spec.ID, r.Str())
		}
	}

	if sd, ok := m.Get("shutdown"); ok {
		switch {
		case sd.IsNumeric():
			spec.Shutdown = ShutdownTimeout
			spec.ShutdownTimeout = time.Duration(sd.AsFloat() * float64(time.Second))
		case sd.Str() == "infinity":
			spec.Shutdown = ShutdownInfinity
		case sd.Str() == "brutal" || sd.Str() == "":
			spec.Shutdown = ShutdownBrutal
		default:
			raise(ErrValue, "child spec %q: unknown shutdown type %q", spec.ID, sd.Str())
		}
	}

	if mr, ok := m.Get("max_restarts"); ok && mr.IsInteger() {
		spec.MaxRestarts = int(asSigned(mr))
	}
	if rw, ok := m.Get("restart_window"); ok && rw.IsNumeric() {
		spec.RestartWindow = time.Duration(rw.AsFloat() * float64(time.Second))
	}
	return spec
}
