package vm

import (
	"crypto/sha256"
	"fmt"
)

// ---------------------------------------------------------------------------
// Literals
// ---------------------------------------------------------------------------

// LiteralKind identifies the kind of a literal-pool entry.
type LiteralKind uint8

const (
	LitStr LiteralKind = iota
	LitBytes
	LitInt
	LitFloat
)

// Literal is one entry of a function's literal pool. String and bytes
// literals allocate a fresh heap object each time they are pushed, so two
// evaluations of the same literal are non-identical (content-equal) values.
type Literal struct {
	Kind  LiteralKind `cbor:"1,keyasint"`
	Str   string      `cbor:"2,keyasint,omitempty"`
	Bytes []byte      `cbor:"3,keyasint,omitempty"`
	Int   int64       `cbor:"4,keyasint,omitempty"`
	Float float64     `cbor:"5,keyasint,omitempty"`
}

// StrLiteral creates a string literal.
func StrLiteral(s string) Literal { return Literal{Kind: LitStr, Str: s} }

// BytesLiteral creates a bytes literal.
func BytesLiteral(b []byte) Literal { return Literal{Kind: LitBytes, Bytes: b} }

// IntLiteral creates an integer literal for values outside the inline
// push-instruction range.
func IntLiteral(n int64) Literal { return Literal{Kind: LitInt, Int: n} }

// FloatLiteral creates a float literal.
func FloatLiteral(f float64) Literal { return Literal{Kind: LitFloat, Float: f} }

// ---------------------------------------------------------------------------
// Compiled functions
// ---------------------------------------------------------------------------

// CompiledFunction is one unit of executable bytecode: the function's code,
// its literal pool, and its frame shape. Parameters occupy the first
// NumParams local slots.
type CompiledFunction struct {
	Name      string    `cbor:"1,keyasint"`
	NumParams int       `cbor:"2,keyasint"`
	NumLocals int       `cbor:"3,keyasint"`
	Code      []byte    `cbor:"4,keyasint"`
	Literals  []Literal `cbor:"5,keyasint,omitempty"`
}

// Literal returns the literal at index, panicking on a bad index: literal
// indexes are emitted by the builder and never guest-controlled.
func (f *CompiledFunction) Literal(index uint16) *Literal {
	if int(index) >= len(f.Literals) {
		panic(internalf("function %q: literal index %d out of range (%d literals)",
			f.Name, index, len(f.Literals)))
	}
	return &f.Literals[index]
}

// ---------------------------------------------------------------------------
// Programs
// ---------------------------------------------------------------------------

// Program is an immutable bundle of compiled functions sharing one module
// global namespace. Function index 0 is the entry point. A Program carries
// no execution state: many executions may run the same Program
// concurrently, each with its own heap and call stack.
type Program struct {
	Functions   []*CompiledFunction `cbor:"1,keyasint"`
	GlobalNames []string            `cbor:"2,keyasint,omitempty"`

	// HostFuncs enumerates the host function names this program may call.
	// OpHostCall on any other name raises a guest NameError before the
	// execution can suspend.
	HostFuncs []string `cbor:"3,keyasint,omitempty"`

	fingerprint [sha256.Size]byte
	fpComputed  bool
}

// Function returns the function at index.
func (p *Program) Function(index uint16) *CompiledFunction {
	if int(index) >= len(p.Functions) {
		panic(internalf("function index %d out of range (%d functions)", index, len(p.Functions)))
	}
	return p.Functions[index]
}

// Entry returns the program's entry function.
func (p *Program) Entry() *CompiledFunction {
	if len(p.Functions) == 0 {
		panic(internalf("program has no functions"))
	}
	return p.Functions[0]
}

// HasHostFunc reports whether name is in the program's declared host
// function set. The set is small and fixed at build time; a linear scan
// beats carrying a map through serialization.
func (p *Program) HasHostFunc(name string) bool {
	for _, fn := range p.HostFuncs {
		if fn == name {
			return true
		}
	}
	return false
}

// Fingerprint returns the SHA-256 digest of the program's canonical
// encoding. Snapshots embed it so a snapshot can never be resumed against
// a different program. Computed lazily and cached; Programs are immutable
// after construction.
func (p *Program) Fingerprint() [sha256.Size]byte {
	if !p.fpComputed {
		data, err := encMode.Marshal(p)
		if err != nil {
			panic(internalf("program fingerprint encoding failed: %v", err))
		}
		p.fingerprint = sha256.Sum256(data)
		p.fpComputed = true
	}
	return p.fingerprint
}

// EncodeProgram serializes a program for storage, with the program magic
// and format version prepended.
func EncodeProgram(p *Program) ([]byte, error) {
	body, err := encMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("vm: encode program: %w", err)
	}
	out := make([]byte, 0, len(programMagic)+4+len(body))
	out = append(out, programMagic...)
	out = appendUint32(out, programVersion)
	return append(out, body...), nil
}

// DecodeProgram deserializes a program written by EncodeProgram.
func DecodeProgram(data []byte) (*Program, error) {
	body, err := checkHeader(data, programMagic, programVersion)
	if err != nil {
		return nil, err
	}
	var p Program
	if err := decMode.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("vm: %w: %v", ErrCorruptSnapshot, err)
	}
	return &p, nil
}

// ---------------------------------------------------------------------------
// Builders
// ---------------------------------------------------------------------------

// FunctionBuilder assembles one CompiledFunction: bytecode via the embedded
// BytecodeBuilder, plus literal pool management with deduplication.
type FunctionBuilder struct {
	*BytecodeBuilder

	name      string
	numParams int
	numLocals int
	literals  []Literal
}

// NewFunctionBuilder creates a builder for a function with the given frame
// shape. numLocals includes the parameter slots.
func NewFunctionBuilder(name string, numParams, numLocals int) *FunctionBuilder {
	if numLocals < numParams {
		panic(internalf("function %q: %d locals < %d params", name, numLocals, numParams))
	}
	return &FunctionBuilder{
		BytecodeBuilder: NewBytecodeBuilder(),
		name:            name,
		numParams:       numParams,
		numLocals:       numLocals,
	}
}

// Literal interns a literal and returns its pool index.
func (fb *FunctionBuilder) Literal(lit Literal) uint16 {
	for i, existing := range fb.literals {
		if literalEqual(existing, lit) {
			return uint16(i)
		}
	}
	if len(fb.literals) > 0xFFFF {
		panic(internalf("function %q: literal pool overflow", fb.name))
	}
	fb.literals = append(fb.literals, lit)
	return uint16(len(fb.literals) - 1)
}

// EmitStr pushes a string constant.
func (fb *FunctionBuilder) EmitStr(s string) {
	fb.EmitUint16(OpPushLiteral, fb.Literal(StrLiteral(s)))
}

// EmitBytes pushes a bytes constant.
func (fb *FunctionBuilder) EmitBytes(b []byte) {
	fb.EmitUint16(OpPushLiteral, fb.Literal(BytesLiteral(b)))
}

// Build finalizes the function.
func (fb *FunctionBuilder) Build() *CompiledFunction {
	return &CompiledFunction{
		Name:      fb.name,
		NumParams: fb.numParams,
		NumLocals: fb.numLocals,
		Code:      fb.Bytes(),
		Literals:  fb.literals,
	}
}

func literalEqual(a, b Literal) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case LitStr:
		return a.Str == b.Str
	case LitBytes:
		return string(a.Bytes) == string(b.Bytes)
	case LitInt:
		return a.Int == b.Int
	case LitFloat:
		return a.Float == b.Float
	}
	return false
}

// ProgramBuilder assembles a Program from functions, global names, and the
// declared host function set.
type ProgramBuilder struct {
	functions []*CompiledFunction
	globals   []string
	hostFuncs []string
}

// NewProgramBuilder creates an empty program builder.
func NewProgramBuilder() *ProgramBuilder {
	return &ProgramBuilder{}
}

// AddFunction appends a function and returns its index. The first function
// added is the entry point.
func (pb *ProgramBuilder) AddFunction(fn *CompiledFunction) uint16 {
	if len(pb.functions) > 0xFFFF {
		panic(internalf("program function table overflow"))
	}
	pb.functions = append(pb.functions, fn)
	return uint16(len(pb.functions) - 1)
}

// Global interns a module global name and returns its slot index.
func (pb *ProgramBuilder) Global(name string) uint16 {
	for i, g := range pb.globals {
		if g == name {
			return uint16(i)
		}
	}
	if len(pb.globals) > 0xFFFF {
		panic(internalf("program global table overflow"))
	}
	pb.globals = append(pb.globals, name)
	return uint16(len(pb.globals) - 1)
}

// HostFunc declares a host function name the program may call. Undeclared
// names raise a guest NameError at the call site instead of suspending.
func (pb *ProgramBuilder) HostFunc(name string) {
	for _, fn := range pb.hostFuncs {
		if fn == name {
			return
		}
	}
	pb.hostFuncs = append(pb.hostFuncs, name)
}

// Build finalizes the program.
func (pb *ProgramBuilder) Build() *Program {
	if len(pb.functions) == 0 {
		panic(internalf("program has no functions"))
	}
	return &Program{Functions: pb.functions, GlobalNames: pb.globals, HostFuncs: pb.hostFuncs}
}
