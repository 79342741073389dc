package vm

import "time"

// ---------------------------------------------------------------------------
// Process opcodes
// ---------------------------------------------------------------------------

// popAddress pops a process address off the stack.
func popAddress(p *Process, op Opcode) Address {
	p.ensure(op, 1)
	v := p.Pop()
	if !v.IsInteger() {
		raise(ErrInvalidAddress, "%s requires a process address, got %s", op, v.TypeName())
	}
	return Address(v.Uint())
}

// spawnSource extracts code and seed globals from a spawn operand: either a
// raw instruction block or a lambda, whose captured environment becomes the
// child's initial globals.
func spawnSource(op Opcode, v Value) (code []Instruction, seed map[string]Value) {
	switch v.Kind() {
	case KindInstructions:
		return v.Instructions(), nil
	case KindLambda:
		lam := v.Lambda()
		seed = make(map[string]Value, lam.Captured.Len())
		for _, name := range lam.Captured.Keys() {
			captured, _ := lam.Captured.Get(name)
			seed[name] = captured.Clone()
		}
		return lam.Instructions, seed
	}
	raise(ErrTypeMismatch, "%s requires a code block or lambda, got %s", op, v.TypeName())
	return nil, nil
}

func (e *Executor) execProcess(p *Process, in Instruction) {
	eng := e.requireEngine()
	switch in.Op {
	case OpSpawn, OpSpawnLinked, OpSpawnMonitored:
		p.ensure(in.Op, 1)
		code, seed := spawnSource(in.Op, p.Pop())
		child := eng.SpawnProcess(code, SpawnOptions{
			Parent:      p.Address,
			Globals:     seed,
			Subroutines: p.Subroutines,
		})
		switch in.Op {
		case OpSpawnLinked:
			eng.links.Link(p.Address, child.Address)
			p.Push(UintValue(uint64(child.Address)))
		case OpSpawnMonitored:
			ref := eng.links.Monitor(p.Address, child.Address)
			p.Push(UintValue(uint64(child.Address)))
			p.Push(CustomValue(ref))
		default:
			p.Push(UintValue(uint64(child.Address)))
		}

	case OpSelf:
		p.Push(UintValue(uint64(p.Address)))

	case OpExit:
		p.ensure(in.Op, 1)
		e.terminate(p, p.Pop())

	case OpExitRemote:
		p.ensure(in.Op, 2)
		reason := p.Pop()
		target := popAddress(p, in.Op)
		eng.faults.ExitProcess(p.Address, target, reason)

	case OpKill:
		target := popAddress(p, in.Op)
		if victim, ok := eng.Lookup(target); ok && victim.State != ProcessDead {
			victim.State = ProcessDead
			victim.ExitReason = ReasonKill
			eng.faults.HandleExit(victim, ReasonKill)
		}

	case OpSleep:
		// The counter is already past SLEEP; the wake resumes after it.
		seconds := sleepOperand(p, in)
		p.sleeping = true
		eng.scheduler.WaitForMessage(p, Null, nil, time.Duration(seconds*float64(time.Second)))

	case OpYield:
		p.yielded = true

	case OpLink:
		target := popAddress(p, in.Op)
		victim, ok := eng.Lookup(target)
		if !ok || victim.State == ProcessDead {
			if eng.links.TrapsExit(p.Address) {
				ref := &MonitorRef{ID: 0, Watcher: p.Address, Watched: target, CreatedAt: time.Now()}
				eng.DeliverSystemMessage(p, DownMessage(ref, target, ReasonInvalidProcess))
			} else {
				e.terminate(p, ReasonInvalidProcess)
			}
			return
		}
		eng.links.Link(p.Address, target)

	case OpUnlink:
		target := popAddress(p, in.Op)
		eng.links.Unlink(p.Address, target)

	case OpMonitor:
		target := popAddress(p, in.Op)
		victim, ok := eng.Lookup(target)
		if !ok || victim.State == ProcessDead {
			ref := &MonitorRef{ID: 0, Watcher: p.Address, Watched: target, CreatedAt: time.Now()}
			eng.DeliverSystemMessage(p, DownMessage(ref, target, ReasonInvalidProcess))
			p.Push(CustomValue(ref))
			return
		}
		p.Push(CustomValue(eng.links.Monitor(p.Address, target)))

	case OpDemonitor:
		p.ensure(in.Op, 1)
		v := p.Pop()
		ref, ok := v.Custom().(*MonitorRef)
		if v.Kind() != KindCustom || !ok {
			raise(ErrTypeMismatch, "DEMONITOR requires a monitor reference, got %s", v.TypeName())
		}
		p.Push(BoolValue(eng.links.Demonitor(ref)))

	case OpTrapExitEnable:
		eng.links.SetTrapExit(p.Address, true)
		p.Flags["trap_exit"] = True

	case OpTrapExitDisable:
		eng.links.SetTrapExit(p.Address, false)
		p.Flags["trap_exit"] = False

	case OpIsAlive:
		target := popAddress(p, in.Op)
		victim, ok := eng.Lookup(target)
		p.Push(BoolValue(ok && victim.State != ProcessDead))

	case OpGetInfo:
		target := popAddress(p, in.Op)
		victim, ok := eng.Lookup(target)
		if !ok {
			p.Push(Null)
			return
		}
		p.Push(eng.ProcessInfo(victim))

	case OpRegister:
		p.ensure(in.Op, 2)
		name := p.Pop()
		target := popAddress(p, in.Op)
		if name.Kind() != KindString && name.Kind() != KindSymbol {
			raise(ErrTypeMismatch, "REGISTER requires a string or symbol name")
		}
		victim, ok := eng.Lookup(target)
		if !ok || victim.State == ProcessDead {
			p.Push(False)
			return
		}
		if eng.registry.Register(name.Str(), target) {
			victim.RegisteredName = name.Str()
			p.Push(True)
		} else {
			p.Push(False)
		}

	case OpUnregister:
		p.ensure(in.Op, 1)
		name := p.Pop()
		if addr, ok := eng.registry.Whereis(name.Str()); ok {
			if victim, alive := eng.Lookup(addr); alive {
				victim.RegisteredName = ""
			}
		}
		p.Push(BoolValue(eng.registry.Unregister(name.Str())))

	case OpWhereis:
		p.ensure(in.Op, 1)
		name := p.Pop()
		if addr, ok := eng.registry.Whereis(name.Str()); ok {
			p.Push(UintValue(uint64(addr)))
		} else {
			p.Push(Null)
		}

	case OpSetFlag:
		p.ensure(in.Op, 2)
		value := p.Pop()
		name := p.Pop()
		if name.Kind() != KindString && name.Kind() != KindSymbol {
			raise(ErrTypeMismatch, "SET_FLAG requires a string or symbol name")
		}
		e.setFlag(p, name.Str(), value)

	case OpGetFlag:
		p.ensure(in.Op, 1)
		name := p.Pop()
		if v, ok := p.Flags[name.Str()]; ok {
			p.Push(v)
		} else {
			p.Push(Null)
		}
	}
}

// setFlag stores a process flag; trap_exit and priority flags mirror into
// the link registry and scheduler state.
func (e *Executor) setFlag(p *Process, name string, value Value) {
	p.Flags[name] = value
	switch name {
	case "trap_exit":
		e.engine.links.SetTrapExit(p.Address, value.Truthy())
	case "priority":
		switch value.Str() {
		case "low":
			p.Priority = PriorityLow
		case "normal":
			p.Priority = PriorityNormal
		case "high":
			p.Priority = PriorityHigh
		case "max":
			p.Priority = PriorityMax
		}
	}
}

// sleepOperand reads the SLEEP duration from the operand or the stack.
func sleepOperand(p *Process, in Instruction) float64 {
	v := in.Operand
	if v.IsNull() {
		p.ensure(in.Op, 1)
		v = p.Pop()
	}
	if !v.IsNumeric() {
		raise(ErrTypeMismatch, "SLEEP requires a numeric duration, got %s", v.TypeName())
	}
	seconds := v.AsFloat()
	if seconds < 0 {
		raise(ErrValue, "SLEEP duration must be non-negative")
	}
	return seconds
}

// requireEngine guards process, message and supervisor opcodes against a
// detached executor.
func (e *Executor) requireEngine() *Engine {
	if e.engine == nil {
		raise(ErrRuntime, "no engine attached to executor")
	}
	return e.engine
}
