package vm

// ---------------------------------------------------------------------------
// Stack opcodes
// ---------------------------------------------------------------------------

// operandInt extracts an integer operand, raising InvalidInstruction when
// the operand is not an integer.
func operandInt(in Instruction) int {
	switch in.Operand.Kind() {
	case KindInt:
		return int(in.Operand.Int())
	case KindUint:
		return int(in.Operand.Uint())
	}
	raise(ErrInvalidInstruction, "%s requires an integer operand, got %s", in.Op, in.Operand.TypeName())
	return 0
}

func (e *Executor) execStack(p *Process, in Instruction) {
	switch in.Op {
	case OpPop:
		p.ensure(in.Op, 1)
		p.Pop()

	case OpDup:
		p.ensure(in.Op, 1)
		p.Push(p.Top())

	case OpDup2:
		p.ensure(in.Op, 2)
		p.Push(p.Stack[len(p.Stack)-2])

	case OpSwap:
		p.ensure(in.Op, 2)
		n := len(p.Stack)
		p.Stack[n-1], p.Stack[n-2] = p.Stack[n-2], p.Stack[n-1]

	case OpRotUp:
		// a b c -> b c a
		p.ensure(in.Op, 3)
		n := len(p.Stack)
		a := p.Stack[n-3]
		copy(p.Stack[n-3:], p.Stack[n-2:])
		p.Stack[n-1] = a

	case OpRotDown:
		// a b c -> c a b
		p.ensure(in.Op, 3)
		n := len(p.Stack)
		c := p.Stack[n-1]
		copy(p.Stack[n-2:], p.Stack[n-3:n-1])
		p.Stack[n-3] = c

	case OpNip:
		p.ensure(in.Op, 2)
		n := len(p.Stack)
		p.Stack[n-2] = p.Stack[n-1]
		p.Stack = p.Stack[:n-1]

	case OpTuck:
		// a b -> b a b
		p.ensure(in.Op, 2)
		top := p.Top()
		n := len(p.Stack)
		p.Push(top)
		p.Stack[n-1] = p.Stack[n-2]
		p.Stack[n-2] = top

	case OpDepth:
		p.Push(IntValue(int64(len(p.Stack))))

	case OpPick:
		depth := operandInt(in)
		if depth < 0 {
			raise(ErrValue, "PICK depth must be non-negative, got %d", depth)
		}
		p.ensure(in.Op, depth+1)
		p.Push(p.Stack[len(p.Stack)-1-depth])

	case OpRoll:
		depth := operandInt(in)
		if depth < 0 {
			raise(ErrValue, "ROLL depth must be non-negative, got %d", depth)
		}
		p.ensure(in.Op, depth+1)
		idx := len(p.Stack) - 1 - depth
		v := p.Stack[idx]
		copy(p.Stack[idx:], p.Stack[idx+1:])
		p.Stack[len(p.Stack)-1] = v
	}
}

// ---------------------------------------------------------------------------
// Push-literal opcodes
// ---------------------------------------------------------------------------

func (e *Executor) execPush(p *Process, in Instruction) {
	switch in.Op {
	case OpPushNull:
		p.Push(Null)
	case OpPushTrue:
		p.Push(True)
	case OpPushFalse:
		p.Push(False)
	case OpPushInt:
		if in.Operand.Kind() != KindInt {
			raise(ErrInvalidInstruction, "PUSH_INT requires an integer operand")
		}
		p.Push(in.Operand)
	case OpPushUint:
		if in.Operand.Kind() != KindUint {
			raise(ErrInvalidInstruction, "PUSH_UINT requires an unsigned operand")
		}
		p.Push(in.Operand)
	case OpPushFloat:
		if in.Operand.Kind() != KindFloat {
			raise(ErrInvalidInstruction, "PUSH_FLOAT requires a float operand")
		}
		p.Push(in.Operand)
	case OpPushString:
		if in.Operand.Kind() != KindString {
			raise(ErrInvalidInstruction, "PUSH_STRING requires a string operand")
		}
		p.Push(in.Operand.Clone())
	case OpPushSymbol:
		switch in.Operand.Kind() {
		case KindSymbol:
			p.Push(in.Operand)
		case KindString:
			p.Push(SymbolValue(in.Operand.Str()))
		default:
			raise(ErrInvalidInstruction, "PUSH_SYMBOL requires a string or symbol operand")
		}
	case OpPushCustom:
		if in.Operand.Kind() != KindCustom {
			raise(ErrInvalidInstruction, "PUSH_CUSTOM requires a custom operand")
		}
		p.Push(in.Operand)
	case OpPushInstructions:
		if in.Operand.Kind() != KindInstructions {
			raise(ErrInvalidInstruction, "PUSH_INSTRUCTIONS requires a code block operand")
		}
		p.Push(in.Operand)
	}
}
