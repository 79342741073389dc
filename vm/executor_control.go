package vm

// ---------------------------------------------------------------------------
// Control opcodes
// ---------------------------------------------------------------------------

// validateTarget checks a jump target against the process's own code.
func validateTarget(p *Process, target int) int {
	if target < 0 || target >= len(p.Instructions) {
		raise(ErrInvalidJumpTarget, "jump target %d outside [0, %d)", target, len(p.Instructions))
	}
	return target
}

func (e *Executor) execControl(p *Process, in Instruction) {
	switch in.Op {
	case OpJump:
		p.Counter = validateTarget(p, operandInt(in))

	case OpJumpFwd:
		// Offsets are relative to the jump instruction's own address.
		base := p.Counter - 1
		p.Counter = validateTarget(p, base+operandInt(in))

	case OpJumpBwd:
		base := p.Counter - 1
		p.Counter = validateTarget(p, base-operandInt(in))

	case OpJumpIfTrue, OpJumpIfFalse:
		target := validateTarget(p, operandInt(in))
		p.ensure(in.Op, 1)
		cond := p.Pop().Truthy()
		if (in.Op == OpJumpIfTrue) == cond {
			p.Counter = target
		}

	case OpJumpIfTrueKeep, OpJumpIfFalseKeep:
		target := validateTarget(p, operandInt(in))
		p.ensure(in.Op, 1)
		cond := p.Top().Truthy()
		if (in.Op == OpJumpIfTrueKeep) == cond {
			p.Counter = target
		}

	case OpCall:
		e.callSubroutine(p, operandName(in))

	case OpCallDynamic:
		p.ensure(in.Op, 1)
		name := p.Pop()
		if name.Kind() != KindString && name.Kind() != KindSymbol {
			raise(ErrTypeMismatch, "CALL_DYNAMIC requires a string or symbol name, got %s", name.TypeName())
		}
		e.callSubroutine(p, name.Str())

	case OpCallIndirect:
		p.ensure(in.Op, 1)
		callee := p.Pop()
		switch callee.Kind() {
		case KindInstructions:
			e.callIndirectCode(p, callee.Instructions())
		case KindLambda:
			e.callIndirectLambda(p, callee.Lambda())
		default:
			raise(ErrTypeMismatch, "CALL_INDIRECT requires a code block or lambda, got %s", callee.TypeName())
		}

	case OpCallBuiltIn:
		e.callBuiltIn(p, in)

	case OpReturn:
		e.doReturn(p)

	case OpReturnValue:
		p.ensure(in.Op, 1)
		e.doReturn(p)

	case OpHalt:
		e.terminate(p, ReasonNormal)

	case OpNop:
		// Counter already advanced.
	}
}

// callSubroutine resolves name in the process's subroutine table and opens
// a new frame. Subroutines carrying their own code block are entered like
// indirect calls; in-place subroutines jump within the current code.
func (e *Executor) callSubroutine(p *Process, name string) {
	sub, ok := p.Subroutines[name]
	if !ok {
		raise(ErrUndefinedSubroutine, "subroutine %q is not defined", name)
	}
	frame := savedFrame{
		closure:      p.CurrentClosure,
		framePointer: p.FramePointer,
		localsLen:    len(p.Locals),
	}
	if sub.Code != nil {
		frame.instructions = p.Instructions
		p.pushCall(p.Counter, frame)
		p.Instructions = sub.Code
		p.FramePointer = len(p.Locals)
		p.Counter = sub.Start
		return
	}
	p.pushCall(p.Counter, frame)
	p.FramePointer = len(p.Locals)
	p.Counter = validateTarget(p, sub.Start)
}

// callIndirectCode switches execution to a popped code block.
func (e *Executor) callIndirectCode(p *Process, code []Instruction) {
	frame := savedFrame{
		instructions: p.Instructions,
		closure:      p.CurrentClosure,
		framePointer: p.FramePointer,
		localsLen:    len(p.Locals),
	}
	p.pushCall(p.Counter, frame)
	p.Instructions = code
	p.FramePointer = len(p.Locals)
	p.Counter = 0
}

// callIndirectLambda enters a lambda's code, installing its closure and
// splicing the captured environment into globals. The prior bindings are
// saved for restore on return.
func (e *Executor) callIndirectLambda(p *Process, lam *Lambda) {
	frame := savedFrame{
		instructions: p.Instructions,
		closure:      p.CurrentClosure,
		globals:      spliceCaptures(p, lam),
		framePointer: p.FramePointer,
		localsLen:    len(p.Locals),
	}
	p.pushCall(p.Counter, frame)
	p.Instructions = lam.Instructions
	p.CurrentClosure = lam
	p.FramePointer = len(p.Locals)
	p.Counter = 0
}

// spliceCaptures installs a lambda's captured environment into globals and
// returns the displaced bindings.
func spliceCaptures(p *Process, lam *Lambda) map[string]globalSave {
	if lam.Captured == nil || lam.Captured.Len() == 0 {
		return nil
	}
	saved := make(map[string]globalSave, lam.Captured.Len())
	for _, name := range lam.Captured.Keys() {
		old, present := p.Globals[name]
		saved[name] = globalSave{value: old, present: present}
		captured, _ := lam.Captured.Get(name)
		p.Globals[name] = captured
	}
	return saved
}

// doReturn pops one call frame; an empty call stack means the process has
// run to completion.
func (e *Executor) doReturn(p *Process) {
	ret, frame, ok := p.popCall()
	if !ok {
		e.terminate(p, ReasonNormal)
		return
	}
	e.restoreFrame(p, frame)
	// A return address one past the end is legal: the dispatch loop
	// reclassifies a process that runs off its code as a clean exit.
	if ret < 0 || ret > len(p.Instructions) {
		raise(ErrInvalidJumpTarget, "return address %d outside [0, %d]", ret, len(p.Instructions))
	}
	p.Counter = ret
}

// callBuiltIn pops the declared arity off the stack, right-to-left, and
// dispatches to the built-in registry.
func (e *Executor) callBuiltIn(p *Process, in Instruction) {
	module, function, arity := builtinOperand(in)
	p.ensure(in.Op, arity)
	args := p.popN(arity)
	fn, ok := e.builtins.Lookup(module, function, arity)
	if !ok {
		raise(ErrUndefinedFunction, "no built-in %s.%s/%d", module, function, arity)
	}
	result, err := fn(args)
	if err != nil {
		panic(asMachineError(err))
	}
	p.Push(result)
}

// builtinOperand unpacks a (module, function, arity) operand given as a
// three-element array or a map.
func builtinOperand(in Instruction) (module, function string, arity int) {
	switch in.Operand.Kind() {
	case KindArray:
		el := in.Operand.Array().Elements
		if len(el) == 3 && el[0].Kind() == KindString && el[1].Kind() == KindString && el[2].IsInteger() {
			return el[0].Str(), el[1].Str(), int(asSigned(el[2]))
		}
	case KindMap:
		m := in.Operand.Map()
		mod, ok1 := m.Get("module")
		fn, ok2 := m.Get("function")
		ar, ok3 := m.Get("arity")
		if ok1 && ok2 && ok3 && ar.IsInteger() {
			return mod.Str(), fn.Str(), int(asSigned(ar))
		}
	}
	raise(ErrInvalidInstruction, "CALL_BUILT_IN requires a (module, function, arity) operand")
	return "", "", 0
}

func asMachineError(err error) *MachineError {
	if me, ok := err.(*MachineError); ok {
		return me
	}
	return Errf(ErrValue, "%s", err.Error())
}

// terminate marks p dead with reason and hands it to the fault handler.
func (e *Executor) terminate(p *Process, reason Value) {
	p.State = ProcessDead
	p.ExitReason = reason
	if e.engine != nil {
		e.engine.faults.HandleExit(p, reason)
	}
}
