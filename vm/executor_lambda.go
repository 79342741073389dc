package vm

// ---------------------------------------------------------------------------
// Lambda opcodes
// ---------------------------------------------------------------------------

func (e *Executor) execLambda(p *Process, in Instruction) {
	switch in.Op {
	case OpLambdaCreate:
		p.Push(LambdaValue(e.createLambda(p, in)))

	case OpLambdaInvoke:
		argc := operandInt(in)
		if argc < 0 {
			raise(ErrValue, "LAMBDA_INVOKE argument count must be non-negative")
		}
		p.ensure(in.Op, argc+1)
		args := p.popN(argc)
		callee := p.Pop()
		if callee.Kind() != KindLambda {
			raise(ErrTypeMismatch, "LAMBDA_INVOKE requires a lambda, got %s", callee.TypeName())
		}
		if result, completed := e.runInline(p, callee.Lambda(), args); completed {
			p.Push(result)
		}

	case OpLambdaBind:
		argc := operandInt(in)
		if argc < 0 {
			raise(ErrValue, "LAMBDA_BIND argument count must be non-negative")
		}
		p.ensure(in.Op, argc+1)
		args := p.popN(argc)
		callee := p.Pop()
		if callee.Kind() != KindLambda {
			raise(ErrTypeMismatch, "LAMBDA_BIND requires a lambda, got %s", callee.TypeName())
		}
		p.Push(LambdaValue(callee.Lambda().Bind(args)))
	}
}

// createLambda builds a closure from a (body, params, captures) operand
// map, snapshotting each named capture from the process globals. Captures
// absent from globals are skipped: closures may reference names bound only
// at invocation time.
func (e *Executor) createLambda(p *Process, in Instruction) *Lambda {
	if in.Operand.Kind() != KindMap {
		raise(ErrInvalidInstruction, "LAMBDA_CREATE requires a map operand")
	}
	spec := in.Operand.Map()
	body, ok := spec.Get("body")
	if !ok || body.Kind() != KindInstructions {
		raise(ErrInvalidInstruction, "LAMBDA_CREATE operand needs a body code block")
	}
	lam := NewLambda(body.Instructions(), nameList(spec, "params"))
	for _, name := range nameList(spec, "captures") {
		v, present := p.Globals[name]
		if !present {
			continue
		}
		lam.Captured.Set(name, v)
		lam.Upvalues = append(lam.Upvalues, v)
	}
	return lam
}

// nameList extracts an array of strings/symbols from a map field.
func nameList(m *OrderedMap, field string) []string {
	v, ok := m.Get(field)
	if !ok || v.Kind() != KindArray {
		return nil
	}
	el := v.Array().Elements
	out := make([]string, 0, len(el))
	for _, item := range el {
		if item.Kind() == KindString || item.Kind() == KindSymbol {
			out = append(out, item.Str())
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Inline invocation
// ---------------------------------------------------------------------------

// runInline invokes a lambda synchronously within p. It opens a regular
// call frame (so exception unwinds past it stay consistent), installs the
// lambda's code, binds arguments (bound first) as fresh locals with Null
// fill for missing parameters, and splices the captured environment into
// globals. Execution proceeds until the lambda returns, runs off its code,
// or is unwound by an exception caught in the caller.
//
// completed is false when the run did not finish normally: the process
// died, parked, or an exception unwound past the inline frame. In that
// case the caller must not push a result.
func (e *Executor) runInline(p *Process, lam *Lambda, args []Value) (result Value, completed bool) {
	all := make([]Value, 0, len(lam.Bound)+len(args))
	all = append(all, lam.Bound...)
	all = append(all, args...)

	stackDepth := len(p.Stack)
	handlerDepth := len(p.ExceptionHandlers)
	e.callIndirectLambda(p, lam)
	baseCall := len(p.CallStack)

	p.Locals = append(p.Locals, all...)
	for i := len(all); i < len(lam.Params); i++ {
		p.Locals = append(p.Locals, Null)
	}

	for p.State == ProcessAlive && len(p.CallStack) >= baseCall {
		if p.Counter < 0 || p.Counter >= len(p.Instructions) {
			// Ran off the current code: implicit return.
			e.doReturn(p)
			continue
		}
		e.Execute(p, p.Instructions[p.Counter])
	}

	if p.State != ProcessAlive {
		return Null, false
	}
	if len(p.CallStack) != baseCall-1 {
		// An unwind truncated deeper than our frame; the handler owns
		// the stack now.
		return Null, false
	}
	if len(p.ExceptionHandlers) < handlerDepth {
		// An exception unwound to a handler installed by the caller.
		return Null, false
	}
	if len(p.Stack) > stackDepth {
		return p.Pop(), true
	}
	return Null, true
}
