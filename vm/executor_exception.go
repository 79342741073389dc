package vm

// ---------------------------------------------------------------------------
// Exception opcodes
// ---------------------------------------------------------------------------

func (e *Executor) execException(p *Process, in Instruction) {
	switch in.Op {
	case OpTryBegin:
		offset := operandInt(in)
		catch := p.Counter + offset
		if catch < 0 || catch >= len(p.Instructions) {
			raise(ErrInvalidJumpTarget, "catch address %d outside [0, %d)", catch, len(p.Instructions))
		}
		p.ExceptionHandlers = append(p.ExceptionHandlers, ExceptionHandler{
			CatchAddress:    catch,
			StackDepth:      len(p.Stack),
			CallDepth:       len(p.CallStack),
			SavedInstrDepth: len(p.savedInstructions),
			LocalsDepth:     len(p.Locals),
			FramePointer:    p.FramePointer,
		})

	case OpTryEnd:
		if len(p.ExceptionHandlers) == 0 {
			raise(ErrRuntime, "TRY_END with no installed handler")
		}
		p.ExceptionHandlers = p.ExceptionHandlers[:len(p.ExceptionHandlers)-1]

	case OpThrow:
		p.ensure(in.Op, 1)
		e.raiseException(p, e.wrapThrown(p, p.Pop()))

	case OpRethrow:
		if p.CurrentException.IsNull() {
			raise(ErrRuntime, "RETHROW with no current exception")
		}
		e.raiseException(p, p.CurrentException)

	case OpCatch:
		// Marks the catch-block entry: the unwound exception sits on the
		// stack top and becomes the current exception.
		p.ensure(in.Op, 1)
		p.CurrentException = p.Top()

	case OpGetStacktrace:
		p.Push(e.stacktrace(p))
	}
}
