package vm

import (
	"strings"
	"testing"
)

func TestOpcodeMetadata(t *testing.T) {
	if OpAdd.Name() != "ADD" {
		t.Errorf("OpAdd.Name() = %q", OpAdd.Name())
	}
	if OpPushInt32.OperandBytes() != 4 {
		t.Errorf("PUSH_INT32 operand bytes = %d, want 4", OpPushInt32.OperandBytes())
	}
	if OpHostCall.OperandBytes() != 4 {
		t.Errorf("HOST_CALL operand bytes = %d, want 4", OpHostCall.OperandBytes())
	}
	if !strings.HasPrefix(Opcode(0xEE).Name(), "UNKNOWN_") {
		t.Errorf("unknown opcode name = %q", Opcode(0xEE).Name())
	}
}

func TestBuilderEmitInt(t *testing.T) {
	b := NewBytecodeBuilder()
	b.EmitInt(5)
	b.EmitInt(1000)

	r := NewBytecodeReader(b.Bytes())
	if op := r.ReadOpcode(); op != OpPushInt8 {
		t.Fatalf("narrow int encoded as %v", op)
	}
	if v := r.ReadInt8(); v != 5 {
		t.Errorf("int8 operand = %d", v)
	}
	if op := r.ReadOpcode(); op != OpPushInt32 {
		t.Fatalf("wide int encoded as %v", op)
	}
	if v := r.ReadInt32(); v != 1000 {
		t.Errorf("int32 operand = %d", v)
	}
	if r.HasMore() {
		t.Error("trailing bytes")
	}
}

func TestBuilderForwardLabel(t *testing.T) {
	b := NewBytecodeBuilder()
	end := b.NewLabel()
	b.EmitJump(OpJump, end) // 3 bytes
	b.Emit(OpNop)           // 1 byte
	b.Mark(end)             // target = 4

	r := NewBytecodeReader(b.Bytes())
	if op := r.ReadOpcode(); op != OpJump {
		t.Fatalf("op = %v", op)
	}
	offset := r.ReadInt16()
	if target := r.Position() + int(offset); target != 4 {
		t.Errorf("forward jump lands at %d, want 4", target)
	}
}

func TestBuilderBackwardLabel(t *testing.T) {
	b := NewBytecodeBuilder()
	top := b.NewLabel()
	b.Emit(OpNop)
	b.Mark(top) // position 1
	b.Emit(OpNop)
	b.EmitJump(OpJump, top)

	r := NewBytecodeReader(b.Bytes())
	r.ReadOpcode() // NOP
	r.ReadOpcode() // NOP
	if op := r.ReadOpcode(); op != OpJump {
		t.Fatalf("op = %v", op)
	}
	offset := r.ReadInt16()
	if target := r.Position() + int(offset); target != 1 {
		t.Errorf("backward jump lands at %d, want 1", target)
	}
}

func TestDisassemble(t *testing.T) {
	fb := NewFunctionBuilder("demo", 0, 1)
	fb.EmitInt8(OpPushInt8, 3)
	fb.EmitByte(OpStoreLocal, 0)
	fb.EmitHostCall(fb.Literal(StrLiteral("notify")), 1, 0)
	fb.Emit(OpReturn)

	out := Disassemble(fb.Bytes())
	for _, want := range []string{"PUSH_INT8", "STORE_LOCAL", "HOST_CALL", "RETURN", "argc=1"} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
}

func TestFunctionBuilderLiteralInterning(t *testing.T) {
	fb := NewFunctionBuilder("f", 0, 0)
	a := fb.Literal(StrLiteral("x"))
	b := fb.Literal(StrLiteral("x"))
	c := fb.Literal(StrLiteral("y"))
	if a != b {
		t.Error("identical literals must intern to one index")
	}
	if a == c {
		t.Error("distinct literals must get distinct indexes")
	}
}

func TestProgramFingerprintStability(t *testing.T) {
	build := func() *Program {
		fb := NewFunctionBuilder("main", 0, 0)
		fb.EmitInt8(OpPushInt8, 1)
		fb.Emit(OpReturn)
		return singleFunction(fb)
	}
	if build().Fingerprint() != build().Fingerprint() {
		t.Error("identical programs must share a fingerprint")
	}

	fb := NewFunctionBuilder("main", 0, 0)
	fb.EmitInt8(OpPushInt8, 2)
	fb.Emit(OpReturn)
	if singleFunction(fb).Fingerprint() == build().Fingerprint() {
		t.Error("different programs must not share a fingerprint")
	}
}
