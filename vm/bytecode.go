package vm

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode identifies a single machine instruction. Opcodes are grouped into
// families by hex range; the executor dispatches per family.
type Opcode byte

// Stack Operations (0x00)
const (
	OpPop     Opcode = 0x00 // discard top of stack
	OpDup     Opcode = 0x01 // duplicate top of stack
	OpDup2    Opcode = 0x02 // copy the item under the top onto the top
	OpSwap    Opcode = 0x03 // exchange the top two items
	OpRotUp   Opcode = 0x04 // rotate the top three items upward
	OpRotDown Opcode = 0x05 // rotate the top three items downward
	OpNip     Opcode = 0x06 // remove the item under the top
	OpTuck    Opcode = 0x07 // copy the top under the second item
	OpDepth   Opcode = 0x08 // push the current stack depth
	OpPick    Opcode = 0x09 // copy the item at depth n onto the top
	OpRoll    Opcode = 0x0A // move the item at depth n onto the top
)

// Push Literals (0x10)
const (
	OpPushNull         Opcode = 0x10
	OpPushTrue         Opcode = 0x11
	OpPushFalse        Opcode = 0x12
	OpPushInt          Opcode = 0x13
	OpPushUint         Opcode = 0x14
	OpPushFloat        Opcode = 0x15
	OpPushString       Opcode = 0x16
	OpPushSymbol       Opcode = 0x17 // operand may be a string or a symbol
	OpPushCustom       Opcode = 0x18
	OpPushInstructions Opcode = 0x19 // nested code block for closures and indirect calls
)

// Arithmetic (0x20)
const (
	OpAdd   Opcode = 0x20
	OpSub   Opcode = 0x21
	OpMul   Opcode = 0x22
	OpDiv   Opcode = 0x23
	OpMod   Opcode = 0x24
	OpNeg   Opcode = 0x25
	OpAbs   Opcode = 0x26
	OpInc   Opcode = 0x27
	OpDec   Opcode = 0x28
	OpPow   Opcode = 0x29
	OpFloor Opcode = 0x2A
	OpCeil  Opcode = 0x2B
	OpRound Opcode = 0x2C
	OpMin   Opcode = 0x2D
	OpMax   Opcode = 0x2E
)

// Bitwise (0x30)
const (
	OpBitAnd Opcode = 0x30
	OpBitOr  Opcode = 0x31
	OpBitXor Opcode = 0x32
	OpBitNot Opcode = 0x33
	OpShl    Opcode = 0x34
	OpShr    Opcode = 0x35 // arithmetic right shift on signed values
	OpShrU   Opcode = 0x36 // logical right shift
)

// Logical (0x38)
const (
	OpAnd Opcode = 0x38
	OpOr  Opcode = 0x39
	OpNot Opcode = 0x3A
	OpXor Opcode = 0x3B
)

// Comparison (0x40)
const (
	OpEq        Opcode = 0x40
	OpNeq       Opcode = 0x41
	OpId        Opcode = 0x42 // identity equality
	OpNid       Opcode = 0x43
	OpLt        Opcode = 0x44
	OpLe        Opcode = 0x45
	OpGt        Opcode = 0x46
	OpGe        Opcode = 0x47
	OpIsNull    Opcode = 0x48
	OpIsNotNull Opcode = 0x49
)

// Variables (0x50)
const (
	OpLoadLocal    Opcode = 0x50 // frame-relative slot index operand
	OpStoreLocal   Opcode = 0x51
	OpLoadGlobal   Opcode = 0x52 // name operand
	OpStoreGlobal  Opcode = 0x53
	OpLoadUpvalue  Opcode = 0x54 // closure upvalue index operand
	OpStoreUpvalue Opcode = 0x55
)

// Control (0x60)
const (
	OpJump            Opcode = 0x60 // absolute target
	OpJumpFwd         Opcode = 0x61 // relative forward offset
	OpJumpBwd         Opcode = 0x62 // relative backward offset
	OpJumpIfTrue      Opcode = 0x63 // absolute target, consumes condition
	OpJumpIfFalse     Opcode = 0x64
	OpJumpIfTrueKeep  Opcode = 0x65 // absolute target, condition stays on stack
	OpJumpIfFalseKeep Opcode = 0x66
	OpCall            Opcode = 0x67 // subroutine name operand
	OpCallDynamic     Opcode = 0x68 // subroutine name popped from stack
	OpCallIndirect    Opcode = 0x69 // instruction block or lambda popped from stack
	OpCallBuiltIn     Opcode = 0x6A // (module, function, arity) operand
	OpReturn          Opcode = 0x6B
	OpReturnValue     Opcode = 0x6C
	OpHalt            Opcode = 0x6D
	OpNop             Opcode = 0x6E
)

// Lambdas (0x70)
const (
	OpLambdaCreate Opcode = 0x70 // (body, capture names) operand
	OpLambdaInvoke Opcode = 0x71 // argument count operand
	OpLambdaBind   Opcode = 0x72 // bound argument count operand
)

// Processes (0x80)
const (
	OpSpawn           Opcode = 0x80
	OpSpawnLinked     Opcode = 0x81
	OpSpawnMonitored  Opcode = 0x82
	OpSelf            Opcode = 0x83
	OpExit            Opcode = 0x84
	OpExitRemote      Opcode = 0x85
	OpKill            Opcode = 0x86 // untrappable
	OpSleep           Opcode = 0x87 // seconds operand or popped value
	OpYield           Opcode = 0x88
	OpLink            Opcode = 0x89
	OpUnlink          Opcode = 0x8A
	OpMonitor         Opcode = 0x8B
	OpDemonitor       Opcode = 0x8C
	OpTrapExitEnable  Opcode = 0x8D
	OpTrapExitDisable Opcode = 0x8E
	OpIsAlive         Opcode = 0x8F
	OpGetInfo         Opcode = 0x90
	OpRegister        Opcode = 0x91
	OpUnregister      Opcode = 0x92
	OpWhereis         Opcode = 0x93
	OpSetFlag         Opcode = 0x94
	OpGetFlag         Opcode = 0x95
)

// Messages (0xA0)
const (
	OpSend                    Opcode = 0xA0
	OpSendAfter               Opcode = 0xA1
	OpReceive                 Opcode = 0xA2
	OpReceiveTimeout          Opcode = 0xA3
	OpReceiveSelective        Opcode = 0xA4
	OpReceiveSelectiveTimeout Opcode = 0xA5
	OpPeek                    Opcode = 0xA6
	OpMailboxSize             Opcode = 0xA7
	OpCancelTimer             Opcode = 0xA8
)

// Supervisors (0xB0)
const (
	OpStartChild    Opcode = 0xB0
	OpStopChild     Opcode = 0xB1
	OpRestartChild  Opcode = 0xB2
	OpListChildren  Opcode = 0xB3
	OpCountChildren Opcode = 0xB4
)

// Exceptions (0xC0)
const (
	OpThrow         Opcode = 0xC0
	OpRethrow       Opcode = 0xC1
	OpTryBegin      Opcode = 0xC2 // catch offset operand
	OpTryEnd        Opcode = 0xC3
	OpCatch         Opcode = 0xC4
	OpGetStacktrace Opcode = 0xC5
)

var opcodeNames = map[Opcode]string{
	OpPop: "POP", OpDup: "DUP", OpDup2: "DUP2", OpSwap: "SWAP",
	OpRotUp: "ROT_UP", OpRotDown: "ROT_DOWN", OpNip: "NIP", OpTuck: "TUCK",
	OpDepth: "DEPTH", OpPick: "PICK", OpRoll: "ROLL",

	OpPushNull: "PUSH_NULL", OpPushTrue: "PUSH_TRUE", OpPushFalse: "PUSH_FALSE",
	OpPushInt: "PUSH_INT", OpPushUint: "PUSH_UINT", OpPushFloat: "PUSH_FLOAT",
	OpPushString: "PUSH_STRING", OpPushSymbol: "PUSH_SYMBOL",
	OpPushCustom: "PUSH_CUSTOM", OpPushInstructions: "PUSH_INSTRUCTIONS",

	OpAdd: "ADD", OpSub: "SUB", OpMul: "MUL", OpDiv: "DIV", OpMod: "MOD",
	OpNeg: "NEG", OpAbs: "ABS", OpInc: "INC", OpDec: "DEC", OpPow: "POW",
	OpFloor: "FLOOR", OpCeil: "CEIL", OpRound: "ROUND", OpMin: "MIN", OpMax: "MAX",

	OpBitAnd: "BIT_AND", OpBitOr: "BIT_OR", OpBitXor: "BIT_XOR",
	OpBitNot: "BIT_NOT", OpShl: "SHL", OpShr: "SHR", OpShrU: "SHR_U",

	OpAnd: "AND", OpOr: "OR", OpNot: "NOT", OpXor: "XOR",

	OpEq: "EQ", OpNeq: "NEQ", OpId: "ID", OpNid: "NID",
	OpLt: "LT", OpLe: "LE", OpGt: "GT", OpGe: "GE",
	OpIsNull: "IS_NULL", OpIsNotNull: "IS_NOT_NULL",

	OpLoadLocal: "LOAD_LOCAL", OpStoreLocal: "STORE_LOCAL",
	OpLoadGlobal: "LOAD_GLOBAL", OpStoreGlobal: "STORE_GLOBAL",
	OpLoadUpvalue: "LOAD_UPVALUE", OpStoreUpvalue: "STORE_UPVALUE",

	OpJump: "JUMP", OpJumpFwd: "JUMP_FWD", OpJumpBwd: "JUMP_BWD",
	OpJumpIfTrue: "JUMP_IF_TRUE", OpJumpIfFalse: "JUMP_IF_FALSE",
	OpJumpIfTrueKeep: "JUMP_IF_TRUE_KEEP", OpJumpIfFalseKeep: "JUMP_IF_FALSE_KEEP",
	OpCall: "CALL", OpCallDynamic: "CALL_DYNAMIC", OpCallIndirect: "CALL_INDIRECT",
	OpCallBuiltIn: "CALL_BUILT_IN", OpReturn: "RETURN", OpReturnValue: "RETURN_VALUE",
	OpHalt: "HALT", OpNop: "NOP",

	OpLambdaCreate: "LAMBDA_CREATE", OpLambdaInvoke: "LAMBDA_INVOKE",
	OpLambdaBind: "LAMBDA_BIND",

	OpSpawn: "SPAWN", OpSpawnLinked: "SPAWN_LINKED", OpSpawnMonitored: "SPAWN_MONITORED",
	OpSelf: "SELF", OpExit: "EXIT", OpExitRemote: "EXIT_REMOTE", OpKill: "KILL",
	OpSleep: "SLEEP", OpYield: "YIELD", OpLink: "LINK", OpUnlink: "UNLINK",
	OpMonitor: "MONITOR", OpDemonitor: "DEMONITOR",
	OpTrapExitEnable: "TRAP_EXIT_ENABLE", OpTrapExitDisable: "TRAP_EXIT_DISABLE",
	OpIsAlive: "IS_ALIVE", OpGetInfo: "GET_INFO", OpRegister: "REGISTER",
	OpUnregister: "UNREGISTER", OpWhereis: "WHEREIS",
	OpSetFlag: "SET_FLAG", OpGetFlag: "GET_FLAG",

	OpSend: "SEND", OpSendAfter: "SEND_AFTER", OpReceive: "RECEIVE",
	OpReceiveTimeout: "RECEIVE_WITH_TIMEOUT", OpReceiveSelective: "RECEIVE_SELECTIVE",
	OpReceiveSelectiveTimeout: "RECEIVE_SELECTIVE_WITH_TIMEOUT",
	OpPeek: "PEEK", OpMailboxSize: "MAILBOX_SIZE", OpCancelTimer: "CANCEL_TIMER",

	OpStartChild: "START_CHILD", OpStopChild: "STOP_CHILD",
	OpRestartChild: "RESTART_CHILD", OpListChildren: "LIST_CHILDREN",
	OpCountChildren: "COUNT_CHILDREN",

	OpThrow: "THROW", OpRethrow: "RETHROW", OpTryBegin: "TRY_BEGIN",
	OpTryEnd: "TRY_END", OpCatch: "CATCH", OpGetStacktrace: "GET_STACKTRACE",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OP_%02X", byte(op))
}

// ---------------------------------------------------------------------------
// Instruction
// ---------------------------------------------------------------------------

// Instruction pairs an opcode with its operand. Opcodes without operands
// carry Null.
type Instruction struct {
	Op      Opcode
	Operand Value
}

// Instr builds an instruction; the operand is optional.
func Instr(op Opcode, operand ...Value) Instruction {
	in := Instruction{Op: op, Operand: Null}
	if len(operand) > 0 {
		in.Operand = operand[0]
	}
	return in
}

func (in Instruction) String() string {
	if in.Operand.IsNull() {
		return in.Op.String()
	}
	return fmt.Sprintf("%s %s", in.Op, in.Operand)
}
