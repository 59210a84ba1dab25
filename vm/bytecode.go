package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode tags one fixed-width instruction word.
type Opcode uint8

// Load / move
const (
	OpNop       Opcode = 0x00 // no operation
	OpLoadConst Opcode = 0x01 // R[A] = K[Bx]
	OpLoadNil   Opcode = 0x02 // R[A..A+B] = null
	OpLoadBool  Opcode = 0x03 // R[A] = (B != 0)
	OpLoadInt   Opcode = 0x04 // R[A] = sBx (small immediate)
	OpMove      Opcode = 0x05 // R[A] = R[B]
)

// Data construction
const (
	OpNewList   Opcode = 0x10 // R[A] = list of R[A+1..A+B]
	OpNewTuple  Opcode = 0x11 // R[A] = tuple of R[A+1..A+B]
	OpNewMap    Opcode = 0x12 // R[A] = map of B pairs at R[A+1..]
	OpNewSet    Opcode = 0x13 // R[A] = set of R[A+1..A+B]
	OpNewRecord Opcode = 0x14 // R[A] = record type K[B], C name/value pairs at R[A+1..]
	OpNewUnion  Opcode = 0x15 // R[A] = union type K[B] variant K[C], payload R[A+1]
)

// Field / index access
const (
	OpGetField Opcode = 0x20 // R[A] = R[B].(K[C])
	OpSetField Opcode = 0x21 // R[A].(K[B]) = R[C], copy-on-write
	OpGetIndex Opcode = 0x22 // R[A] = R[B][R[C]]
	OpSetIndex Opcode = 0x23 // R[A][R[B]] = R[C], copy-on-write
	OpAppend   Opcode = 0x24 // R[A] = R[A] ++ [R[B]], copy-on-write
)

// Arithmetic / comparison
const (
	OpAdd      Opcode = 0x30 // R[A] = R[B] + R[C]
	OpSub      Opcode = 0x31 // R[A] = R[B] - R[C]
	OpMul      Opcode = 0x32 // R[A] = R[B] * R[C]
	OpDiv      Opcode = 0x33 // R[A] = R[B] / R[C]
	OpMod      Opcode = 0x34 // R[A] = R[B] % R[C]
	OpPow      Opcode = 0x35 // R[A] = R[B] ** R[C]
	OpNeg      Opcode = 0x36 // R[A] = -R[B]
	OpNot      Opcode = 0x37 // R[A] = not R[B]
	OpConcat   Opcode = 0x38 // R[A] = R[B] .. R[C]
	OpEq       Opcode = 0x39 // R[A] = R[B] == R[C]
	OpLt       Opcode = 0x3A // R[A] = R[B] < R[C]
	OpLe       Opcode = 0x3B // R[A] = R[B] <= R[C]
)

// Control transfer
const (
	OpJump      Opcode = 0x40 // ip += sBx
	OpJumpIf    Opcode = 0x41 // if R[A] truthy: ip += sBx
	OpJumpIfNot Opcode = 0x42 // if R[A] falsy: ip += sBx
	OpCall      Opcode = 0x43 // R[A] = call R[A] with B args at R[A+1..]
	OpReturn    Opcode = 0x44 // return R[A]
	OpClosure   Opcode = 0x45 // R[A] = closure of cell B with C captures at R[A+1..]
	OpHalt      Opcode = 0x46 // fail process with message R[A]
)

// Intrinsics
const (
	OpIntrinsic Opcode = 0x50 // R[A] = intrinsic[B](C args at R[A+1..])
)

// Effects
const (
	OpHandlePush Opcode = 0x60 // push scope: handler closure R[A] for effect-op K[B]
	OpHandlePop  Opcode = 0x61 // pop innermost scope
	OpPerform    Opcode = 0x62 // R[A] = perform K[B] with C args at R[A+1..]
	OpResume     Opcode = 0x63 // resume continuation R[A] with R[B]
	OpToolCall   Opcode = 0x64 // R[A] = tool K[B] with C args at R[A+1..]
)

// Scheduling
const (
	OpSpawn    Opcode = 0x70 // R[A] = future of callee R[B] with C args at R[B+1..]
	OpAwait    Opcode = 0x71 // R[A] = await future R[B]
	OpYield    Opcode = 0x72 // cooperative yield
	OpChanNew  Opcode = 0x73 // R[A] = channel with capacity Bx
	OpChanSend Opcode = 0x74 // send R[B] on channel R[A]
	OpChanRecv Opcode = 0x75 // R[A] = receive from channel R[B]
	OpMailSend Opcode = 0x76 // send R[B] to process R[A] with priority C
	OpMailRecv Opcode = 0x77 // R[A] = next mailbox message
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds disassembly metadata about an opcode.
type OpcodeInfo struct {
	Name string
	Mode OperandMode
}

// OperandMode describes how an instruction's operand slots are read.
type OperandMode uint8

const (
	ModeABC OperandMode = iota // three 8-bit operands
	ModeABx                    // A plus 16-bit unsigned Bx
	ModeASBx                   // A plus 16-bit signed sBx
)

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:       {"NOP", ModeABC},
	OpLoadConst: {"LOAD_CONST", ModeABx},
	OpLoadNil:   {"LOAD_NIL", ModeABC},
	OpLoadBool:  {"LOAD_BOOL", ModeABC},
	OpLoadInt:   {"LOAD_INT", ModeASBx},
	OpMove:      {"MOVE", ModeABC},

	OpNewList:   {"NEW_LIST", ModeABC},
	OpNewTuple:  {"NEW_TUPLE", ModeABC},
	OpNewMap:    {"NEW_MAP", ModeABC},
	OpNewSet:    {"NEW_SET", ModeABC},
	OpNewRecord: {"NEW_RECORD", ModeABC},
	OpNewUnion:  {"NEW_UNION", ModeABC},

	OpGetField: {"GET_FIELD", ModeABC},
	OpSetField: {"SET_FIELD", ModeABC},
	OpGetIndex: {"GET_INDEX", ModeABC},
	OpSetIndex: {"SET_INDEX", ModeABC},
	OpAppend:   {"APPEND", ModeABC},

	OpAdd:    {"ADD", ModeABC},
	OpSub:    {"SUB", ModeABC},
	OpMul:    {"MUL", ModeABC},
	OpDiv:    {"DIV", ModeABC},
	OpMod:    {"MOD", ModeABC},
	OpPow:    {"POW", ModeABC},
	OpNeg:    {"NEG", ModeABC},
	OpNot:    {"NOT", ModeABC},
	OpConcat: {"CONCAT", ModeABC},
	OpEq:     {"EQ", ModeABC},
	OpLt:     {"LT", ModeABC},
	OpLe:     {"LE", ModeABC},

	OpJump:      {"JUMP", ModeASBx},
	OpJumpIf:    {"JUMP_IF", ModeASBx},
	OpJumpIfNot: {"JUMP_IF_NOT", ModeASBx},
	OpCall:      {"CALL", ModeABC},
	OpReturn:    {"RETURN", ModeABC},
	OpClosure:   {"CLOSURE", ModeABC},
	OpHalt:      {"HALT", ModeABC},

	OpIntrinsic: {"INTRINSIC", ModeABC},

	OpHandlePush: {"HANDLE_PUSH", ModeABx},
	OpHandlePop:  {"HANDLE_POP", ModeABC},
	OpPerform:    {"PERFORM", ModeABC},
	OpResume:     {"RESUME", ModeABC},
	OpToolCall:   {"TOOL_CALL", ModeABC},

	OpSpawn:    {"SPAWN", ModeABC},
	OpAwait:    {"AWAIT", ModeABC},
	OpYield:    {"YIELD", ModeABC},
	OpChanNew:  {"CHAN_NEW", ModeABx},
	OpChanSend: {"CHAN_SEND", ModeABC},
	OpChanRecv: {"CHAN_RECV", ModeABC},
	OpMailSend: {"MAIL_SEND", ModeABC},
	OpMailRecv: {"MAIL_RECV", ModeABC},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", uint8(op)), Mode: ModeABC}
}

// ---------------------------------------------------------------------------
// Instruction encoding
// ---------------------------------------------------------------------------

// Instruction is one fixed-width 32-bit word: opcode in the high byte,
// then the A, B, C operand slots. B and C combine into the 16-bit Bx
// (unsigned) or sBx (signed) composite for constants and jump offsets.
type Instruction uint32

// ABC builds a three-operand instruction.
func ABC(op Opcode, a, b, c uint8) Instruction {
	return Instruction(uint32(op)<<24 | uint32(a)<<16 | uint32(b)<<8 | uint32(c))
}

// ABx builds an instruction with a 16-bit unsigned composite operand.
func ABx(op Opcode, a uint8, bx uint16) Instruction {
	return Instruction(uint32(op)<<24 | uint32(a)<<16 | uint32(bx))
}

// ASBx builds an instruction with a 16-bit signed composite operand,
// used for jump offsets and small integer immediates.
func ASBx(op Opcode, a uint8, sbx int16) Instruction {
	return ABx(op, a, uint16(sbx))
}

// Op extracts the opcode tag.
func (i Instruction) Op() Opcode { return Opcode(i >> 24) }

// A extracts the first operand slot.
func (i Instruction) A() int { return int(i >> 16 & 0xFF) }

// B extracts the second operand slot.
func (i Instruction) B() int { return int(i >> 8 & 0xFF) }

// C extracts the third operand slot.
func (i Instruction) C() int { return int(i & 0xFF) }

// Bx extracts the unsigned 16-bit composite operand.
func (i Instruction) Bx() int { return int(i & 0xFFFF) }

// SBx extracts the signed 16-bit composite operand.
func (i Instruction) SBx() int { return int(int16(i & 0xFFFF)) }

// ---------------------------------------------------------------------------
// Module layout
// ---------------------------------------------------------------------------

// Const is one entry of a cell's deduplicated constant pool. Exactly one
// field is meaningful per Tag.
type Const struct {
	Tag    Kind
	Int    int64
	Float  float64
	Str    string
	Bool   bool
}

// Value converts a pool entry into a runtime value.
func (c Const) Value() Value {
	switch c.Tag {
	case KindNull:
		return Null
	case KindBool:
		return FromBool(c.Bool)
	case KindInt:
		return FromInt(c.Int)
	case KindFloat:
		return FromFloat(c.Float)
	case KindString:
		return FromString(c.Str)
	}
	panic(corrupt(fmt.Sprintf("constant pool tag %s", c.Tag)))
}

// Cell is a named callable unit of bytecode.
type Cell struct {
	Name      string
	NumParams int
	NumRegs   int
	Consts    []Const
	Code      []Instruction
}

// StageKind names a built-in process runtime extension.
type StageKind string

const (
	StageMemory        StageKind = "memory"
	StageMachine       StageKind = "machine"
	StagePipeline      StageKind = "pipeline"
	StageOrchestration StageKind = "orchestration"
	StageGuardrail     StageKind = "guardrail"
)

// ProcessDecl declares an instance of a process runtime extension:
// a named memory store, machine graph, pipeline or orchestration.
type ProcessDecl struct {
	Name   string
	Kind   StageKind
	Stages []string          // pipeline / orchestration stage cells, in order
	Graph  *MachineGraph     // machine state graph
	Config map[string]string // kind-specific settings (e.g. guardrail schema)
}

// Module is an immutable loaded program: ordered cell table, per-cell
// constant pools, a shared string table, and process declarations. It is
// freely shared across processes without locking.
type Module struct {
	Version   string
	Strings   []string
	Cells     []Cell
	Processes []ProcessDecl

	cellIndex map[string]int
}

// Index builds the cell name lookup table. Call once after constructing
// or decoding a module.
func (m *Module) Index() {
	m.cellIndex = make(map[string]int, len(m.Cells))
	for i := range m.Cells {
		m.cellIndex[m.Cells[i].Name] = i
	}
}

// CellByName returns the index of a named cell.
func (m *Module) CellByName(name string) (int, bool) {
	if m.cellIndex == nil {
		m.Index()
	}
	i, ok := m.cellIndex[name]
	return i, ok
}

// ProcessByName returns the declaration of a named process extension.
func (m *Module) ProcessByName(name string) (*ProcessDecl, bool) {
	for i := range m.Processes {
		if m.Processes[i].Name == name {
			return &m.Processes[i], true
		}
	}
	return nil, false
}

// constValue fetches a pool entry, panicking on out-of-range indices
// since compiler-emitted indices are trusted.
func (c *Cell) constValue(idx int) Value {
	if idx < 0 || idx >= len(c.Consts) {
		panic(corrupt(fmt.Sprintf("constant index %d in cell %q (%d constants)", idx, c.Name, len(c.Consts))))
	}
	return c.Consts[idx].Value()
}

// constString fetches a pool entry that must be a string.
func (c *Cell) constString(idx int) string {
	if idx < 0 || idx >= len(c.Consts) || c.Consts[idx].Tag != KindString {
		panic(corrupt(fmt.Sprintf("expected string constant %d in cell %q", idx, c.Name)))
	}
	return c.Consts[idx].Str
}

// ---------------------------------------------------------------------------
// Disassembler
// ---------------------------------------------------------------------------

// Disassemble renders a cell's code for debugging.
func (c *Cell) Disassemble() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "cell %s (params=%d regs=%d)\n", c.Name, c.NumParams, c.NumRegs)
	for ip, ins := range c.Code {
		info := ins.Op().Info()
		switch info.Mode {
		case ModeABx:
			fmt.Fprintf(&sb, "  %4d  %-12s A=%d Bx=%d\n", ip, info.Name, ins.A(), ins.Bx())
		case ModeASBx:
			fmt.Fprintf(&sb, "  %4d  %-12s A=%d sBx=%d\n", ip, info.Name, ins.A(), ins.SBx())
		default:
			fmt.Fprintf(&sb, "  %4d  %-12s A=%d B=%d C=%d\n", ip, info.Name, ins.A(), ins.B(), ins.C())
		}
	}
	return sb.String()
}
