package vm

import (
	"errors"
	"testing"
)

func mustBuiltin(t *testing.T, name string) uint16 {
	t.Helper()
	id, ok := BuiltinByName(name)
	if !ok {
		t.Fatalf("no builtin %q", name)
	}
	return id
}

func singleFunction(fb *FunctionBuilder, hostFuncs ...string) *Program {
	pb := NewProgramBuilder()
	pb.AddFunction(fb.Build())
	for _, name := range hostFuncs {
		pb.HostFunc(name)
	}
	return pb.Build()
}

func runToCompletion(t *testing.T, prog *Program, opts ...Option) (*Execution, Result) {
	t.Helper()
	x := NewExecution(prog, opts...)
	res := x.Run()
	if res.State != Completed {
		t.Fatalf("state = %v (err = %v), want completed", res.State, res.Err)
	}
	return x, res
}

func TestInterpArithmetic(t *testing.T) {
	fb := NewFunctionBuilder("main", 0, 0)
	fb.EmitInt8(OpPushInt8, 2)
	fb.EmitInt8(OpPushInt8, 3)
	fb.Emit(OpAdd)
	fb.EmitInt8(OpPushInt8, 4)
	fb.Emit(OpMul)
	fb.Emit(OpReturn)

	x, res := runToCompletion(t, singleFunction(fb))
	if !res.Value.IsSmallInt() || res.Value.SmallInt() != 20 {
		t.Errorf("result = %s, want 20", reprValue(x.Heap(), res.Value))
	}
	if x.Heap().LiveCount() != 0 {
		t.Errorf("heap leak: %d live objects after completion", x.Heap().LiveCount())
	}
}

func TestInterpIntDivisionYieldsFloat(t *testing.T) {
	fb := NewFunctionBuilder("main", 0, 0)
	fb.EmitInt8(OpPushInt8, 7)
	fb.EmitInt8(OpPushInt8, 2)
	fb.Emit(OpDiv)
	fb.Emit(OpReturn)

	_, res := runToCompletion(t, singleFunction(fb))
	if !res.Value.IsFloat() || res.Value.Float64() != 3.5 {
		t.Errorf("7 / 2 = %v, want 3.5", res.Value)
	}
}

func TestInterpAliasingMutation(t *testing.T) {
	// x = []; y = x; y.append(1)  =>  len(x) == 1 and x is y
	fb := NewFunctionBuilder("main", 0, 2)
	fb.EmitByte(OpBuildList, 0)
	fb.EmitByte(OpStoreLocal, 0)
	fb.EmitByte(OpLoadLocal, 0)
	fb.EmitByte(OpStoreLocal, 1)

	fb.EmitByte(OpLoadLocal, 1)
	fb.EmitInt8(OpPushInt8, 1)
	fb.EmitCallMethod(fb.Literal(StrLiteral("append")), 1)
	fb.Emit(OpPop)

	fb.EmitByte(OpLoadLocal, 0)
	fb.EmitCall(OpCallBuiltin, mustBuiltin(t, "len"), 1)
	fb.EmitByte(OpLoadLocal, 0)
	fb.EmitByte(OpLoadLocal, 1)
	fb.Emit(OpIs)
	fb.EmitByte(OpBuildTuple, 2)
	fb.Emit(OpReturn)

	x, res := runToCompletion(t, singleFunction(fb))
	tup, ok := x.Heap().Get(res.Value.ObjectID()).(*TupleObject)
	if !ok {
		t.Fatalf("result is not a tuple: %s", reprValue(x.Heap(), res.Value))
	}
	if tup.Elems[0].SmallInt() != 1 {
		t.Errorf("len(x) = %d after aliased append, want 1", tup.Elems[0].SmallInt())
	}
	if tup.Elems[1] != True {
		t.Error("x is y should be true for aliased bindings")
	}
}

func TestInterpEqualityVersusIdentity(t *testing.T) {
	// a = [1]; b = [1]  =>  a == b is true, a is b is false
	fb := NewFunctionBuilder("main", 0, 2)
	fb.EmitInt8(OpPushInt8, 1)
	fb.EmitByte(OpBuildList, 1)
	fb.EmitByte(OpStoreLocal, 0)
	fb.EmitInt8(OpPushInt8, 1)
	fb.EmitByte(OpBuildList, 1)
	fb.EmitByte(OpStoreLocal, 1)

	fb.EmitByte(OpLoadLocal, 0)
	fb.EmitByte(OpLoadLocal, 1)
	fb.Emit(OpEq)
	fb.EmitByte(OpLoadLocal, 0)
	fb.EmitByte(OpLoadLocal, 1)
	fb.Emit(OpIs)
	fb.EmitByte(OpBuildTuple, 2)
	fb.Emit(OpReturn)

	x, res := runToCompletion(t, singleFunction(fb))
	tup := x.Heap().Get(res.Value.ObjectID()).(*TupleObject)
	if tup.Elems[0] != True {
		t.Error("equal-valued lists should compare equal")
	}
	if tup.Elems[1] != False {
		t.Error("independently constructed lists must be non-identical")
	}
}

func TestInterpCyclicEqualityRaises(t *testing.T) {
	// x = []; x.append(x); y = []; y.append(y); x == y
	// Comparing self-referential structures must raise instead of
	// recursing without bound.
	fb := NewFunctionBuilder("main", 0, 2)
	for slot := 0; slot < 2; slot++ {
		fb.EmitByte(OpBuildList, 0)
		fb.EmitByte(OpStoreLocal, byte(slot))
		fb.EmitByte(OpLoadLocal, byte(slot))
		fb.EmitByte(OpLoadLocal, byte(slot))
		fb.EmitCallMethod(fb.Literal(StrLiteral("append")), 1)
		fb.Emit(OpPop)
	}
	fb.EmitByte(OpLoadLocal, 0)
	fb.EmitByte(OpLoadLocal, 1)
	fb.Emit(OpEq)
	fb.Emit(OpReturn)

	res := NewExecution(singleFunction(fb)).Run()
	if res.State != Failed {
		t.Fatalf("state = %v, want failed", res.State)
	}
	var ge *GuestError
	if !errors.As(res.Err, &ge) || ge.Kind != ExcRecursionError {
		t.Errorf("err = %v, want RecursionError", res.Err)
	}
}

func TestInterpCyclicContainsRaises(t *testing.T) {
	// x = []; x.append(x); y = []; y.append(y); y in x
	// Membership falls back to structural equality per element, so two
	// distinct cycles trip the same depth guard.
	fb := NewFunctionBuilder("main", 0, 2)
	for slot := 0; slot < 2; slot++ {
		fb.EmitByte(OpBuildList, 0)
		fb.EmitByte(OpStoreLocal, byte(slot))
		fb.EmitByte(OpLoadLocal, byte(slot))
		fb.EmitByte(OpLoadLocal, byte(slot))
		fb.EmitCallMethod(fb.Literal(StrLiteral("append")), 1)
		fb.Emit(OpPop)
	}
	fb.EmitByte(OpLoadLocal, 1)
	fb.EmitByte(OpLoadLocal, 0)
	fb.Emit(OpContains)
	fb.Emit(OpReturn)

	res := NewExecution(singleFunction(fb)).Run()
	if res.State != Failed {
		t.Fatalf("state = %v, want failed", res.State)
	}
	var ge *GuestError
	if !errors.As(res.Err, &ge) || ge.Kind != ExcRecursionError {
		t.Errorf("err = %v, want RecursionError", res.Err)
	}
}

func TestInterpZeroDivisionFails(t *testing.T) {
	fb := NewFunctionBuilder("main", 0, 0)
	fb.EmitInt8(OpPushInt8, 1)
	fb.EmitInt8(OpPushInt8, 0)
	fb.Emit(OpDiv)
	fb.Emit(OpReturn)

	res := NewExecution(singleFunction(fb)).Run()
	if res.State != Failed {
		t.Fatalf("state = %v, want failed", res.State)
	}
	var ge *GuestError
	if !errors.As(res.Err, &ge) || ge.Kind != ExcZeroDivisionError {
		t.Errorf("err = %v, want ZeroDivisionError", res.Err)
	}
}

func TestInterpCaughtException(t *testing.T) {
	fb := NewFunctionBuilder("main", 0, 0)
	handler := fb.NewLabel()
	fb.EmitJump(OpPushHandler, handler)
	fb.EmitStr("boom")
	fb.EmitCall(OpCallBuiltin, mustBuiltin(t, "ValueError"), 1)
	fb.Emit(OpRaise)
	fb.Mark(handler)
	fb.Emit(OpPop) // discard the exception object
	fb.EmitInt8(OpPushInt8, 42)
	fb.Emit(OpReturn)

	x, res := runToCompletion(t, singleFunction(fb))
	if res.Value.SmallInt() != 42 {
		t.Errorf("result = %s, want 42", reprValue(x.Heap(), res.Value))
	}
	if x.Heap().LiveCount() != 0 {
		t.Errorf("heap leak after caught exception: %d live objects", x.Heap().LiveCount())
	}
}

func TestInterpUncaughtExceptionCrossesFrames(t *testing.T) {
	// main calls f; f raises; main has no handler.
	pb := NewProgramBuilder()

	main := NewFunctionBuilder("main", 0, 0)
	f := NewFunctionBuilder("f", 0, 0)
	f.EmitStr("deep failure")
	f.EmitCall(OpCallBuiltin, mustBuiltin(t, "RuntimeError"), 1)
	f.Emit(OpRaise)

	pb.AddFunction(main.Build())
	fnIndex := pb.AddFunction(f.Build())

	// Rebuild main now that f's index is known.
	main = NewFunctionBuilder("main", 0, 0)
	main.EmitCall(OpCall, fnIndex, 0)
	main.Emit(OpReturn)
	prog := pb.Build()
	prog.Functions[0] = main.Build()

	x := NewExecution(prog)
	res := x.Run()
	if res.State != Failed {
		t.Fatalf("state = %v, want failed", res.State)
	}
	var ge *GuestError
	if !errors.As(res.Err, &ge) || ge.Kind != ExcRuntimeError || ge.Msg != "deep failure" {
		t.Errorf("err = %v, want RuntimeError: deep failure", res.Err)
	}
	if x.Heap().LiveCount() != 0 {
		t.Errorf("heap leak after unwind: %d live objects", x.Heap().LiveCount())
	}
}

func TestInterpHandlerInCallerCatchesCalleeRaise(t *testing.T) {
	pb := NewProgramBuilder()
	pb.AddFunction(&CompiledFunction{Name: "main"}) // placeholder, replaced below

	f := NewFunctionBuilder("f", 0, 0)
	f.EmitStr("caught below")
	f.EmitCall(OpCallBuiltin, mustBuiltin(t, "KeyError"), 1)
	f.Emit(OpRaise)
	fnIndex := pb.AddFunction(f.Build())

	main := NewFunctionBuilder("main", 0, 0)
	handler := main.NewLabel()
	main.EmitJump(OpPushHandler, handler)
	main.EmitCall(OpCall, fnIndex, 0)
	main.Emit(OpReturn)
	main.Mark(handler)
	main.Emit(OpPop)
	main.EmitInt8(OpPushInt8, 7)
	main.Emit(OpReturn)

	prog := pb.Build()
	prog.Functions[0] = main.Build()

	x, res := runToCompletion(t, prog)
	if res.Value.SmallInt() != 7 {
		t.Errorf("result = %s, want 7", reprValue(x.Heap(), res.Value))
	}
}

func TestInterpFunctionCall(t *testing.T) {
	pb := NewProgramBuilder()
	pb.AddFunction(&CompiledFunction{Name: "main"})

	add := NewFunctionBuilder("add", 2, 2)
	add.EmitByte(OpLoadLocal, 0)
	add.EmitByte(OpLoadLocal, 1)
	add.Emit(OpAdd)
	add.Emit(OpReturn)
	addIndex := pb.AddFunction(add.Build())

	main := NewFunctionBuilder("main", 0, 0)
	main.EmitInt8(OpPushInt8, 3)
	main.EmitInt8(OpPushInt8, 4)
	main.EmitCall(OpCall, addIndex, 2)
	main.Emit(OpReturn)

	prog := pb.Build()
	prog.Functions[0] = main.Build()

	_, res := runToCompletion(t, prog)
	if res.Value.SmallInt() != 7 {
		t.Errorf("add(3, 4) = %d, want 7", res.Value.SmallInt())
	}
}

func TestInterpArgCountMismatch(t *testing.T) {
	pb := NewProgramBuilder()
	pb.AddFunction(&CompiledFunction{Name: "main"})

	add := NewFunctionBuilder("add", 2, 2)
	add.Emit(OpPushNone)
	add.Emit(OpReturn)
	addIndex := pb.AddFunction(add.Build())

	main := NewFunctionBuilder("main", 0, 0)
	main.EmitCall(OpCall, addIndex, 0)
	main.Emit(OpReturn)
	prog := pb.Build()
	prog.Functions[0] = main.Build()

	res := NewExecution(prog).Run()
	var ge *GuestError
	if res.State != Failed || !errors.As(res.Err, &ge) || ge.Kind != ExcTypeError {
		t.Errorf("state=%v err=%v, want failed with TypeError", res.State, res.Err)
	}
}

func TestInterpStackOverflow(t *testing.T) {
	pb := NewProgramBuilder()
	pb.AddFunction(&CompiledFunction{Name: "main"})

	rec := NewFunctionBuilder("rec", 0, 0)
	recIndex := pb.AddFunction(rec.Build())

	recBody := NewFunctionBuilder("rec", 0, 0)
	recBody.EmitCall(OpCall, recIndex, 0)
	recBody.Emit(OpReturn)

	main := NewFunctionBuilder("main", 0, 0)
	main.EmitCall(OpCall, recIndex, 0)
	main.Emit(OpReturn)

	prog := pb.Build()
	prog.Functions[0] = main.Build()
	prog.Functions[recIndex] = recBody.Build()

	res := NewExecution(prog, WithMaxFrameDepth(16)).Run()
	if res.State != Failed {
		t.Fatalf("state = %v, want failed", res.State)
	}
	var so *StackOverflowError
	if !errors.As(res.Err, &so) {
		t.Fatalf("err = %v, want StackOverflowError", res.Err)
	}
	if so.Max != 16 {
		t.Errorf("overflow max = %d, want 16", so.Max)
	}
}

func TestInterpStepBudget(t *testing.T) {
	fb := NewFunctionBuilder("main", 0, 0)
	top := fb.NewLabel()
	fb.Mark(top)
	fb.EmitJump(OpJump, top)

	tracker := NewBudgetTracker(100, 0)
	res := NewExecution(singleFunction(fb), WithTracker(tracker)).Run()
	if res.State != Failed {
		t.Fatalf("state = %v, want failed", res.State)
	}
	var re *ResourceError
	if !errors.As(res.Err, &re) || re.Kind != ResourceSteps {
		t.Errorf("err = %v, want step ResourceError", res.Err)
	}
}

func TestInterpWhileLoop(t *testing.T) {
	// i = 0; total = 0; while i < 10: i += 1; total += i
	fb := NewFunctionBuilder("main", 0, 2)
	fb.EmitInt8(OpPushInt8, 0)
	fb.EmitByte(OpStoreLocal, 0)
	fb.EmitInt8(OpPushInt8, 0)
	fb.EmitByte(OpStoreLocal, 1)

	top := fb.NewLabel()
	end := fb.NewLabel()
	fb.Mark(top)
	fb.EmitByte(OpLoadLocal, 0)
	fb.EmitInt8(OpPushInt8, 10)
	fb.Emit(OpLt)
	fb.EmitJump(OpJumpIfFalse, end)

	fb.EmitByte(OpLoadLocal, 0)
	fb.EmitInt8(OpPushInt8, 1)
	fb.Emit(OpAdd)
	fb.EmitByte(OpStoreLocal, 0)

	fb.EmitByte(OpLoadLocal, 1)
	fb.EmitByte(OpLoadLocal, 0)
	fb.Emit(OpAdd)
	fb.EmitByte(OpStoreLocal, 1)
	fb.EmitJump(OpJump, top)

	fb.Mark(end)
	fb.EmitByte(OpLoadLocal, 1)
	fb.Emit(OpReturn)

	x, res := runToCompletion(t, singleFunction(fb))
	if res.Value.SmallInt() != 55 {
		t.Errorf("sum = %d, want 55", res.Value.SmallInt())
	}
	if x.Heap().LiveCount() != 0 {
		t.Errorf("heap leak: %d live objects", x.Heap().LiveCount())
	}
}

func TestInterpGlobals(t *testing.T) {
	pb := NewProgramBuilder()
	counter := pb.Global("counter")

	fb := NewFunctionBuilder("main", 0, 0)
	fb.EmitInt8(OpPushInt8, 7)
	fb.EmitUint16(OpStoreGlobal, counter)
	fb.EmitUint16(OpLoadGlobal, counter)
	fb.EmitInt8(OpPushInt8, 1)
	fb.Emit(OpAdd)
	fb.Emit(OpReturn)
	pb.AddFunction(fb.Build())

	_, res := runToCompletion(t, pb.Build())
	if res.Value.SmallInt() != 8 {
		t.Errorf("result = %d, want 8", res.Value.SmallInt())
	}
}

func TestInterpDictOperations(t *testing.T) {
	// d = {"a": 1}; d["b"] = 2; return d["a"] + d["b"] + len(d)
	fb := NewFunctionBuilder("main", 0, 1)
	fb.EmitStr("a")
	fb.EmitInt8(OpPushInt8, 1)
	fb.EmitByte(OpBuildDict, 1)
	fb.EmitByte(OpStoreLocal, 0)

	fb.EmitByte(OpLoadLocal, 0)
	fb.EmitStr("b")
	fb.EmitInt8(OpPushInt8, 2)
	fb.Emit(OpSetIndex)

	fb.EmitByte(OpLoadLocal, 0)
	fb.EmitStr("a")
	fb.Emit(OpIndex)
	fb.EmitByte(OpLoadLocal, 0)
	fb.EmitStr("b")
	fb.Emit(OpIndex)
	fb.Emit(OpAdd)
	fb.EmitByte(OpLoadLocal, 0)
	fb.EmitCall(OpCallBuiltin, mustBuiltin(t, "len"), 1)
	fb.Emit(OpAdd)
	fb.Emit(OpReturn)

	x, res := runToCompletion(t, singleFunction(fb))
	if res.Value.SmallInt() != 5 {
		t.Errorf("result = %d, want 5", res.Value.SmallInt())
	}
	if x.Heap().LiveCount() != 0 {
		t.Errorf("heap leak: %d live objects", x.Heap().LiveCount())
	}
}

func TestInterpUnhashableDictKey(t *testing.T) {
	fb := NewFunctionBuilder("main", 0, 0)
	fb.EmitByte(OpBuildList, 0)
	fb.EmitInt8(OpPushInt8, 1)
	fb.EmitByte(OpBuildDict, 1)
	fb.Emit(OpReturn)

	res := NewExecution(singleFunction(fb)).Run()
	var ge *GuestError
	if res.State != Failed || !errors.As(res.Err, &ge) || ge.Kind != ExcTypeError {
		t.Errorf("state=%v err=%v, want failed with TypeError (unhashable)", res.State, res.Err)
	}
}

func TestInterpContains(t *testing.T) {
	fb := NewFunctionBuilder("main", 0, 0)
	fb.EmitInt8(OpPushInt8, 2) // item
	fb.EmitInt8(OpPushInt8, 1)
	fb.EmitInt8(OpPushInt8, 2)
	fb.EmitInt8(OpPushInt8, 3)
	fb.EmitByte(OpBuildList, 3) // container
	fb.Emit(OpContains)
	fb.Emit(OpReturn)

	_, res := runToCompletion(t, singleFunction(fb))
	if res.Value != True {
		t.Errorf("2 in [1,2,3] = %v, want true", res.Value)
	}
}

func TestInterpImplicitReturnNone(t *testing.T) {
	fb := NewFunctionBuilder("main", 0, 0)
	fb.EmitInt8(OpPushInt8, 1)
	fb.Emit(OpPop)

	_, res := runToCompletion(t, singleFunction(fb))
	if res.Value != None {
		t.Errorf("falling off the end should return None, got %v", res.Value)
	}
}

func TestInterpMixedTypeComparisonFails(t *testing.T) {
	fb := NewFunctionBuilder("main", 0, 0)
	fb.EmitInt8(OpPushInt8, 1)
	fb.EmitStr("x")
	fb.Emit(OpLt)
	fb.Emit(OpReturn)

	res := NewExecution(singleFunction(fb)).Run()
	var ge *GuestError
	if res.State != Failed || !errors.As(res.Err, &ge) || ge.Kind != ExcTypeError {
		t.Errorf("ordering across types should be a TypeError, got %v", res.Err)
	}
}
