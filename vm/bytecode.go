package vm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack Operations
const (
	OpNop Opcode = 0x00 // no operation
	OpPop Opcode = 0x01 // discard top of stack
	OpDup Opcode = 0x02 // duplicate top of stack
)

// Push Constants
const (
	OpPushNone    Opcode = 0x10 // push none
	OpPushTrue    Opcode = 0x11 // push true
	OpPushFalse   Opcode = 0x12 // push false
	OpPushInt8    Opcode = 0x13 // push 8-bit signed integer
	OpPushInt32   Opcode = 0x14 // push 32-bit signed integer
	OpPushFloat   Opcode = 0x15 // push inline float64 (8 bytes)
	OpPushLiteral Opcode = 0x16 // push literal from the function's literal pool (16-bit index)
)

// Variable Operations
const (
	OpLoadLocal   Opcode = 0x20 // push local/argument (8-bit index)
	OpStoreLocal  Opcode = 0x21 // pop into local (8-bit index)
	OpLoadGlobal  Opcode = 0x22 // push module global (16-bit index)
	OpStoreGlobal Opcode = 0x23 // pop into module global (16-bit index)
)

// Arithmetic
const (
	OpAdd      Opcode = 0x30 // pop b, a; push a + b
	OpSub      Opcode = 0x31 // pop b, a; push a - b
	OpMul      Opcode = 0x32 // pop b, a; push a * b
	OpDiv      Opcode = 0x33 // pop b, a; push a / b
	OpFloorDiv Opcode = 0x34 // pop b, a; push a // b
	OpMod      Opcode = 0x35 // pop b, a; push a % b
	OpNeg      Opcode = 0x36 // pop a; push -a
	OpNot      Opcode = 0x37 // pop a; push not a
)

// Comparisons
const (
	OpEq       Opcode = 0x40 // pop b, a; push a == b
	OpNe       Opcode = 0x41 // pop b, a; push a != b
	OpLt       Opcode = 0x42 // pop b, a; push a < b
	OpLe       Opcode = 0x43 // pop b, a; push a <= b
	OpGt       Opcode = 0x44 // pop b, a; push a > b
	OpGe       Opcode = 0x45 // pop b, a; push a >= b
	OpIs       Opcode = 0x46 // pop b, a; push identity comparison
	OpContains Opcode = 0x47 // pop b, a; push a in b
)

// Object Construction and Access
const (
	OpBuildList  Opcode = 0x50 // build list from stack (8-bit count)
	OpBuildTuple Opcode = 0x51 // build tuple from stack (8-bit count)
	OpBuildDict  Opcode = 0x52 // build dict from stack pairs (8-bit pair count)
	OpIndex      Opcode = 0x53 // pop key, container; push container[key]
	OpSetIndex   Opcode = 0x54 // pop value, key, container; container[key] = value
	OpCallMethod Opcode = 0x55 // call method on receiver (16-bit name literal, 8-bit argc)
)

// Control Flow
const (
	OpJump        Opcode = 0x60 // unconditional jump (16-bit signed offset)
	OpJumpIfFalse Opcode = 0x61 // pop, jump if falsy (16-bit signed offset)
	OpJumpIfTrue  Opcode = 0x62 // pop, jump if truthy (16-bit signed offset)
)

// Calls and Returns
const (
	OpCall        Opcode = 0x70 // call program function (16-bit index, 8-bit argc)
	OpReturn      Opcode = 0x71 // return top of stack to the caller
	OpCallBuiltin Opcode = 0x72 // call built-in (16-bit index, 8-bit argc)
	OpHostCall    Opcode = 0x73 // suspend into host call (16-bit name literal, 8-bit argc, 8-bit kwargc)
)

// Exception Handling
const (
	OpPushHandler Opcode = 0x80 // install handler (16-bit signed offset to handler block)
	OpPopHandler  Opcode = 0x81 // uninstall the innermost handler
	OpRaise       Opcode = 0x82 // pop exception object and raise it
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // number of operand bytes
	StackEffect  int    // net effect on stack (-128 = variable)
}

// VariableStackEffect marks opcodes whose stack effect depends on operands.
const VariableStackEffect = -128

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	// Stack operations
	OpNop: {"NOP", 0, 0},
	OpPop: {"POP", 0, -1},
	OpDup: {"DUP", 0, 1},

	// Push constants
	OpPushNone:    {"PUSH_NONE", 0, 1},
	OpPushTrue:    {"PUSH_TRUE", 0, 1},
	OpPushFalse:   {"PUSH_FALSE", 0, 1},
	OpPushInt8:    {"PUSH_INT8", 1, 1},
	OpPushInt32:   {"PUSH_INT32", 4, 1},
	OpPushFloat:   {"PUSH_FLOAT", 8, 1},
	OpPushLiteral: {"PUSH_LITERAL", 2, 1},

	// Variables
	OpLoadLocal:   {"LOAD_LOCAL", 1, 1},
	OpStoreLocal:  {"STORE_LOCAL", 1, -1},
	OpLoadGlobal:  {"LOAD_GLOBAL", 2, 1},
	OpStoreGlobal: {"STORE_GLOBAL", 2, -1},

	// Arithmetic
	OpAdd:      {"ADD", 0, -1},
	OpSub:      {"SUB", 0, -1},
	OpMul:      {"MUL", 0, -1},
	OpDiv:      {"DIV", 0, -1},
	OpFloorDiv: {"FLOOR_DIV", 0, -1},
	OpMod:      {"MOD", 0, -1},
	OpNeg:      {"NEG", 0, 0},
	OpNot:      {"NOT", 0, 0},

	// Comparisons
	OpEq:       {"EQ", 0, -1},
	OpNe:       {"NE", 0, -1},
	OpLt:       {"LT", 0, -1},
	OpLe:       {"LE", 0, -1},
	OpGt:       {"GT", 0, -1},
	OpGe:       {"GE", 0, -1},
	OpIs:       {"IS", 0, -1},
	OpContains: {"CONTAINS", 0, -1},

	// Object construction and access
	OpBuildList:  {"BUILD_LIST", 1, VariableStackEffect},
	OpBuildTuple: {"BUILD_TUPLE", 1, VariableStackEffect},
	OpBuildDict:  {"BUILD_DICT", 1, VariableStackEffect},
	OpIndex:      {"INDEX", 0, -1},
	OpSetIndex:   {"SET_INDEX", 0, -3},
	OpCallMethod: {"CALL_METHOD", 3, VariableStackEffect},

	// Control flow
	OpJump:        {"JUMP", 2, 0},
	OpJumpIfFalse: {"JUMP_IF_FALSE", 2, -1},
	OpJumpIfTrue:  {"JUMP_IF_TRUE", 2, -1},

	// Calls and returns
	OpCall:        {"CALL", 3, VariableStackEffect},
	OpReturn:      {"RETURN", 0, -1},
	OpCallBuiltin: {"CALL_BUILTIN", 3, VariableStackEffect},
	OpHostCall:    {"HOST_CALL", 4, VariableStackEffect},

	// Exception handling
	OpPushHandler: {"PUSH_HANDLER", 2, 0},
	OpPopHandler:  {"POP_HANDLER", 0, 0},
	OpRaise:       {"RAISE", 0, -1},
}

// Info returns metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op)), OperandBytes: 0}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// OperandBytes returns the number of operand bytes for an opcode.
func (op Opcode) OperandBytes() int {
	return op.Info().OperandBytes
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{
		bytes: make([]byte, 0, 64),
	}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitByte appends an opcode with a single byte operand.
func (b *BytecodeBuilder) EmitByte(op Opcode, operand byte) {
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitInt8 appends an opcode with a signed 8-bit operand.
func (b *BytecodeBuilder) EmitInt8(op Opcode, operand int8) {
	b.bytes = append(b.bytes, byte(op), byte(operand))
}

// EmitUint16 appends an opcode with a 16-bit operand (little-endian).
func (b *BytecodeBuilder) EmitUint16(op Opcode, operand uint16) {
	b.bytes = append(b.bytes, byte(op), byte(operand), byte(operand>>8))
}

// EmitInt32 appends an opcode with a 32-bit operand (little-endian).
func (b *BytecodeBuilder) EmitInt32(op Opcode, operand int32) {
	b.bytes = append(b.bytes, byte(op))
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(operand))
	b.bytes = append(b.bytes, buf[:]...)
}

// EmitFloat64 appends an opcode with a 64-bit float operand.
func (b *BytecodeBuilder) EmitFloat64(op Opcode, operand float64) {
	b.bytes = append(b.bytes, byte(op))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(operand))
	b.bytes = append(b.bytes, buf[:]...)
}

// EmitInt pushes an integer constant using the narrowest encoding.
func (b *BytecodeBuilder) EmitInt(n int64) {
	switch {
	case n >= -128 && n <= 127:
		b.EmitInt8(OpPushInt8, int8(n))
	case n >= math.MinInt32 && n <= math.MaxInt32:
		b.EmitInt32(OpPushInt32, int32(n))
	default:
		b.EmitFloat64(OpPushFloat, float64(n))
	}
}

// EmitCall appends a CALL or CALL_BUILTIN instruction.
func (b *BytecodeBuilder) EmitCall(op Opcode, index uint16, argc uint8) {
	b.bytes = append(b.bytes, byte(op), byte(index), byte(index>>8), argc)
}

// EmitCallMethod appends a CALL_METHOD instruction.
func (b *BytecodeBuilder) EmitCallMethod(nameLiteral uint16, argc uint8) {
	b.bytes = append(b.bytes, byte(OpCallMethod), byte(nameLiteral), byte(nameLiteral>>8), argc)
}

// EmitHostCall appends a HOST_CALL instruction.
func (b *BytecodeBuilder) EmitHostCall(nameLiteral uint16, argc, kwargc uint8) {
	b.bytes = append(b.bytes, byte(OpHostCall), byte(nameLiteral), byte(nameLiteral>>8), argc, kwargc)
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a forward reference in bytecode.
type Label struct {
	resolved bool
	position int   // position to patch (if unresolved) or target (if resolved)
	refs     []int // positions that reference this label
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{resolved: false, refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)

	// Patch all forward references
	for _, ref := range label.refs {
		offset := label.position - (ref + 2) // offset from after the operand
		b.bytes[ref] = byte(offset)
		b.bytes[ref+1] = byte(offset >> 8)
	}
	label.refs = nil
}

// EmitJump emits a jump (or PUSH_HANDLER) instruction targeting a label.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	b.bytes = append(b.bytes, byte(op))
	if label.resolved {
		// Backward jump: calculate offset
		offset := label.position - (len(b.bytes) + 2)
		b.bytes = append(b.bytes, byte(offset), byte(offset>>8))
	} else {
		// Forward jump: record position for later patching
		label.refs = append(label.refs, len(b.bytes))
		b.bytes = append(b.bytes, 0, 0) // placeholder
	}
}

// ---------------------------------------------------------------------------
// Bytecode reader
// ---------------------------------------------------------------------------

// BytecodeReader reads bytecode for interpretation or disassembly.
type BytecodeReader struct {
	bytes []byte
	pos   int
}

// NewBytecodeReader creates a reader for bytecode.
func NewBytecodeReader(bc []byte) *BytecodeReader {
	return &BytecodeReader{bytes: bc, pos: 0}
}

// Position returns the current read position.
func (r *BytecodeReader) Position() int {
	return r.pos
}

// HasMore returns true if there are more bytes to read.
func (r *BytecodeReader) HasMore() bool {
	return r.pos < len(r.bytes)
}

// ReadOpcode reads and returns the next opcode.
func (r *BytecodeReader) ReadOpcode() Opcode {
	if r.pos >= len(r.bytes) {
		panic(internalf("bytecode underflow at %d", r.pos))
	}
	op := Opcode(r.bytes[r.pos])
	r.pos++
	return op
}

// ReadByte reads a single byte operand.
func (r *BytecodeReader) ReadByte() byte {
	if r.pos >= len(r.bytes) {
		panic(internalf("bytecode underflow at %d", r.pos))
	}
	b := r.bytes[r.pos]
	r.pos++
	return b
}

// ReadInt8 reads a signed 8-bit operand.
func (r *BytecodeReader) ReadInt8() int8 {
	return int8(r.ReadByte())
}

// ReadUint16 reads a 16-bit operand (little-endian).
func (r *BytecodeReader) ReadUint16() uint16 {
	if r.pos+2 > len(r.bytes) {
		panic(internalf("bytecode underflow at %d", r.pos))
	}
	v := binary.LittleEndian.Uint16(r.bytes[r.pos:])
	r.pos += 2
	return v
}

// ReadInt16 reads a signed 16-bit operand (little-endian).
func (r *BytecodeReader) ReadInt16() int16 {
	return int16(r.ReadUint16())
}

// ReadInt32 reads a 32-bit operand (little-endian).
func (r *BytecodeReader) ReadInt32() int32 {
	if r.pos+4 > len(r.bytes) {
		panic(internalf("bytecode underflow at %d", r.pos))
	}
	v := binary.LittleEndian.Uint32(r.bytes[r.pos:])
	r.pos += 4
	return int32(v)
}

// ReadFloat64 reads a 64-bit float operand.
func (r *BytecodeReader) ReadFloat64() float64 {
	if r.pos+8 > len(r.bytes) {
		panic(internalf("bytecode underflow at %d", r.pos))
	}
	v := binary.LittleEndian.Uint64(r.bytes[r.pos:])
	r.pos += 8
	return math.Float64frombits(v)
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction disassembles the instruction at the reader's
// position, advancing past it.
func DisassembleInstruction(r *BytecodeReader) string {
	pos := r.Position()
	op := r.ReadOpcode()
	info := op.Info()

	switch op {
	case OpPushInt8:
		return fmt.Sprintf("%04d %-14s %d", pos, info.Name, r.ReadInt8())
	case OpPushInt32:
		return fmt.Sprintf("%04d %-14s %d", pos, info.Name, r.ReadInt32())
	case OpPushFloat:
		return fmt.Sprintf("%04d %-14s %g", pos, info.Name, r.ReadFloat64())
	case OpPushLiteral:
		return fmt.Sprintf("%04d %-14s lit[%d]", pos, info.Name, r.ReadUint16())
	case OpLoadLocal, OpStoreLocal:
		return fmt.Sprintf("%04d %-14s local[%d]", pos, info.Name, r.ReadByte())
	case OpLoadGlobal, OpStoreGlobal:
		return fmt.Sprintf("%04d %-14s global[%d]", pos, info.Name, r.ReadUint16())
	case OpBuildList, OpBuildTuple, OpBuildDict:
		return fmt.Sprintf("%04d %-14s n=%d", pos, info.Name, r.ReadByte())
	case OpJump, OpJumpIfFalse, OpJumpIfTrue, OpPushHandler:
		offset := r.ReadInt16()
		return fmt.Sprintf("%04d %-14s -> %04d", pos, info.Name, r.Position()+int(offset))
	case OpCall, OpCallBuiltin:
		index := r.ReadUint16()
		argc := r.ReadByte()
		return fmt.Sprintf("%04d %-14s fn=%d argc=%d", pos, info.Name, index, argc)
	case OpCallMethod:
		name := r.ReadUint16()
		argc := r.ReadByte()
		return fmt.Sprintf("%04d %-14s name=lit[%d] argc=%d", pos, info.Name, name, argc)
	case OpHostCall:
		name := r.ReadUint16()
		argc := r.ReadByte()
		kwargc := r.ReadByte()
		return fmt.Sprintf("%04d %-14s name=lit[%d] argc=%d kwargc=%d", pos, info.Name, name, argc, kwargc)
	default:
		// No operands (or unknown opcode)
		for i := 0; i < info.OperandBytes; i++ {
			r.ReadByte()
		}
		return fmt.Sprintf("%04d %s", pos, info.Name)
	}
}

// Disassemble returns a full disassembly of bytecode.
func Disassemble(bc []byte) string {
	r := NewBytecodeReader(bc)
	result := ""
	for r.HasMore() {
		result += DisassembleInstruction(r) + "\n"
	}
	return result
}
