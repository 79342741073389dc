package vm

import "time"

// ---------------------------------------------------------------------------
// Message opcodes
// ---------------------------------------------------------------------------

// resolveTarget maps an address, registered name or symbol to a process
// address.
func (e *Executor) resolveTarget(v Value) Address {
	switch v.Kind() {
	case KindInt, KindUint:
		return Address(v.Uint())
	case KindString, KindSymbol:
		if addr, ok := e.engine.registry.Whereis(v.Str()); ok {
			return addr
		}
		raise(ErrInvalidAddress, "no process registered as %q", v.Str())
	}
	raise(ErrInvalidAddress, "cannot address a %s", v.TypeName())
	return 0
}

// timeoutOperand reads a receive timeout in seconds from the operand,
// falling back to the stack. A Null popped value selects the configured
// default receive timeout. The popped value is re-pushed by the caller
// when parking so re-execution sees it again.
func (e *Executor) timeoutOperand(p *Process, in Instruction) (seconds float64, fromStack bool) {
	v := in.Operand
	if v.IsNull() {
		p.ensure(in.Op, 1)
		v = p.Pop()
		fromStack = true
	}
	if v.IsNull() {
		return e.engine.cfg.DefaultReceiveTimeout.Seconds(), fromStack
	}
	if !v.IsNumeric() {
		raise(ErrTypeMismatch, "%s requires a numeric timeout, got %s", in.Op, v.TypeName())
	}
	return v.AsFloat(), fromStack
}

// matcherOperand reads a selective-receive predicate from the operand or
// the stack.
func matcherOperand(p *Process, in Instruction) (lam *Lambda, fromStack bool) {
	v := in.Operand
	if v.IsNull() {
		p.ensure(in.Op, 1)
		v = p.Pop()
		fromStack = true
	}
	if v.Kind() != KindLambda {
		raise(ErrTypeMismatch, "%s requires a lambda matcher, got %s", in.Op, v.TypeName())
	}
	return v.Lambda(), fromStack
}

func (e *Executor) execMessage(p *Process, in Instruction) {
	eng := e.requireEngine()
	switch in.Op {
	case OpSend:
		p.ensure(in.Op, 2)
		value := p.Pop()
		target := e.resolveTarget(p.Pop())
		eng.Send(p, target, value)

	case OpSendAfter:
		seconds, _ := e.timeoutOperand(p, in)
		p.ensure(in.Op, 2)
		value := p.Pop()
		target := e.resolveTarget(p.Pop())
		msg := eng.NewMessage(p.Address, value)
		ref := eng.timers.Schedule(time.Duration(seconds*float64(time.Second)), target, msg)
		p.Push(CustomValue(ref))

	case OpReceive:
		if msg := p.Mailbox.Shift(); msg != nil {
			eng.acknowledge(msg, AckProcessed)
			p.Push(msg.Value)
			return
		}
		// Rewind so the opcode re-runs on wake.
		p.Counter--
		eng.scheduler.WaitForMessage(p, Null, nil, 0)

	case OpReceiveTimeout:
		if p.timedOut {
			// The scheduler pushed the false token when the deadline
			// passed; replace it (and any re-pushed stack-sourced
			// timeout) with the (null, false) pair.
			p.timedOut = false
			p.ensure(in.Op, 1)
			p.Pop()
			if in.Operand.IsNull() {
				p.ensure(in.Op, 1)
				p.Pop()
			}
			p.Push(Null)
			p.Push(False)
			return
		}
		seconds, fromStack := e.timeoutOperand(p, in)
		if msg := p.Mailbox.Shift(); msg != nil {
			eng.acknowledge(msg, AckProcessed)
			p.Push(msg.Value)
			p.Push(True)
			return
		}
		if seconds <= 0 {
			p.Push(Null)
			p.Push(False)
			return
		}
		if fromStack {
			p.Push(FloatValue(seconds))
		}
		p.Counter--
		eng.scheduler.WaitForMessage(p, Null, nil, time.Duration(seconds*float64(time.Second)))

	case OpReceiveSelective:
		matcher, fromStack := matcherOperand(p, in)
		msg, aborted := e.scanSelective(p, matcher)
		if aborted {
			// The matcher unwound to a handler or killed the process; the
			// exception machinery owns the counter now.
			return
		}
		if msg != nil {
			eng.acknowledge(msg, AckProcessed)
			p.Push(msg.Value)
			return
		}
		if fromStack {
			p.Push(LambdaValue(matcher))
		}
		p.Counter--
		eng.scheduler.WaitForMessage(p, Null, matcher, 0)

	case OpReceiveSelectiveTimeout:
		if p.timedOut {
			p.timedOut = false
			p.ensure(in.Op, 1)
			p.Pop() // false token
			for i := 0; i < selectiveStackArgs(in); i++ {
				p.ensure(in.Op, 1)
				p.Pop()
			}
			p.Push(Null)
			p.Push(False)
			return
		}
		seconds, matcher, secFromStack, matFromStack := selectiveTimeoutArgs(p, in)
		msg, aborted := e.scanSelective(p, matcher)
		if aborted {
			return
		}
		if msg != nil {
			eng.acknowledge(msg, AckProcessed)
			p.Push(msg.Value)
			p.Push(True)
			return
		}
		if seconds <= 0 {
			p.Push(Null)
			p.Push(False)
			return
		}
		if matFromStack {
			p.Push(LambdaValue(matcher))
		}
		if secFromStack {
			p.Push(FloatValue(seconds))
		}
		p.Counter--
		eng.scheduler.WaitForMessage(p, Null, matcher, time.Duration(seconds*float64(time.Second)))

	case OpPeek:
		if msg := p.Mailbox.Peek(); msg != nil {
			p.Push(msg.Value)
		} else {
			p.Push(Null)
		}

	case OpMailboxSize:
		p.Push(IntValue(int64(p.Mailbox.Size())))

	case OpCancelTimer:
		p.ensure(in.Op, 1)
		v := p.Pop()
		ref, ok := v.Custom().(*TimerRef)
		if v.Kind() != KindCustom || !ok {
			raise(ErrTypeMismatch, "CANCEL_TIMER requires a timer reference, got %s", v.TypeName())
		}
		p.Push(BoolValue(eng.timers.Cancel(ref)))
	}
}

// selectiveTimeoutArgs reads the timeout and matcher for a selective
// receive with deadline. The operand may be a {timeout, matcher} map, a
// bare numeric timeout (matcher popped from the stack), or Null (timeout
// then matcher popped from the stack).
func selectiveTimeoutArgs(p *Process, in Instruction) (seconds float64, matcher *Lambda, secFromStack, matFromStack bool) {
	if in.Operand.Kind() == KindMap {
		m := in.Operand.Map()
		t, ok1 := m.Get("timeout")
		f, ok2 := m.Get("matcher")
		if !ok1 || !t.IsNumeric() || !ok2 || f.Kind() != KindLambda {
			raise(ErrInvalidInstruction, "%s map operand needs numeric timeout and lambda matcher", in.Op)
		}
		return t.AsFloat(), f.Lambda(), false, false
	}
	if in.Operand.IsNumeric() {
		p.ensure(in.Op, 1)
		f := p.Pop()
		if f.Kind() != KindLambda {
			raise(ErrTypeMismatch, "%s requires a lambda matcher, got %s", in.Op, f.TypeName())
		}
		return in.Operand.AsFloat(), f.Lambda(), false, true
	}
	if in.Operand.IsNull() {
		p.ensure(in.Op, 2)
		t := p.Pop()
		f := p.Pop()
		if !t.IsNumeric() {
			raise(ErrTypeMismatch, "%s requires a numeric timeout, got %s", in.Op, t.TypeName())
		}
		if f.Kind() != KindLambda {
			raise(ErrTypeMismatch, "%s requires a lambda matcher, got %s", in.Op, f.TypeName())
		}
		return t.AsFloat(), f.Lambda(), true, true
	}
	raise(ErrInvalidInstruction, "%s operand must be a map, a number or Null", in.Op)
	return 0, nil, false, false
}

// selectiveStackArgs reports how many stack-sourced operands a parked
// selective receive re-pushed, for cleanup on timeout wake.
func selectiveStackArgs(in Instruction) int {
	switch {
	case in.Operand.Kind() == KindMap:
		return 0
	case in.Operand.IsNumeric():
		return 1
	default:
		return 2
	}
}

// scanSelective walks the mailbox front to back, invoking the matcher
// against each message value, removing and returning the first match.
// aborted is true when a matcher run did not finish normally (the process
// died or an exception unwound past it); the caller must not park.
func (e *Executor) scanSelective(p *Process, matcher *Lambda) (msg *Message, aborted bool) {
	for i := 0; ; i++ {
		m := p.Mailbox.At(i)
		if m == nil {
			return nil, false
		}
		verdict, completed := e.runInline(p, matcher, []Value{m.Value.Clone()})
		if !completed {
			return nil, true
		}
		if verdict.Truthy() {
			return p.Mailbox.RemoveAt(i), false
		}
	}
}
