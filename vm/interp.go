package vm

import (
	"encoding/binary"
	"errors"
	"math"
)

// ---------------------------------------------------------------------------
// Execution state machine
// ---------------------------------------------------------------------------

// State is the lifecycle state of one execution instance.
//
//	Running   -> Running | Suspended | Completed | Failed  (per step)
//	Suspended -> Running                                   (via resume)
//	Completed, Failed: terminal
type State uint8

const (
	Running State = iota
	Suspended
	Completed
	Failed
)

var stateNames = [...]string{
	Running:   "running",
	Suspended: "suspended",
	Completed: "completed",
	Failed:    "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Result reports the outcome of a Run or Resume: the new state plus the
// field that state makes meaningful.
type Result struct {
	State State

	// Call is the pending host call when State is Suspended.
	Call *HostCall

	// Value is the program result when State is Completed. It remains owned
	// by the execution's heap.
	Value Value

	// Err is the failure cause when State is Failed: a *GuestError for an
	// uncaught guest exception, a *ResourceError, a *StackOverflowError, or
	// an *InternalError.
	Err error
}

// DefaultMaxFrameDepth bounds the call stack when no option overrides it.
const DefaultMaxFrameDepth = 1024

// Option configures a new execution.
type Option func(*Execution)

// WithTracker installs a resource tracker consulted before every step and
// every heap allocation.
func WithTracker(t ResourceTracker) Option {
	return func(x *Execution) { x.tracker = t }
}

// WithMaxFrameDepth overrides the call-stack depth limit.
func WithMaxFrameDepth(n int) Option {
	return func(x *Execution) { x.maxDepth = n }
}

// Execution is one run of a Program: a heap, a call stack, module globals,
// and the state machine around them. An execution exclusively owns its heap
// and call stack; nothing is shared between instances, so no locking is
// needed within one instance. Run independent executions on separate
// goroutines for parallelism, never one execution from two.
type Execution struct {
	prog     *Program
	heap     *Heap
	tracker  ResourceTracker
	maxDepth int

	frames  []Frame
	globals []Value

	state   State
	pending *HostCall
	value   Value // completion result
	failure error
}

// NewExecution prepares a Running execution positioned at the program's
// entry function. Nothing executes until Run.
func NewExecution(prog *Program, opts ...Option) *Execution {
	x := &Execution{
		prog:     prog,
		tracker:  NopTracker{},
		maxDepth: DefaultMaxFrameDepth,
		state:    Running,
		value:    None,
	}
	for _, opt := range opts {
		opt(x)
	}
	x.heap = NewHeap(x.tracker)
	x.globals = make([]Value, len(prog.GlobalNames))
	for i := range x.globals {
		x.globals[i] = None
	}
	x.frames = append(x.frames, newFrame(0, prog.Entry(), -1))
	return x
}

// State returns the current lifecycle state.
func (x *Execution) State() State { return x.state }

// Heap exposes the execution's heap, primarily for converting values at the
// host boundary.
func (x *Execution) Heap() *Heap { return x.heap }

// Program returns the program this execution runs.
func (x *Execution) Program() *Program { return x.prog }

// Pending returns the host-call descriptor when suspended.
func (x *Execution) Pending() *HostCall { return x.pending }

// result materializes the Result for the current state.
func (x *Execution) result() Result {
	switch x.state {
	case Suspended:
		return Result{State: Suspended, Call: x.pending}
	case Completed:
		return Result{State: Completed, Value: x.value}
	case Failed:
		return Result{State: Failed, Err: x.failure}
	}
	return Result{State: x.state}
}

// Run executes instructions until the execution suspends, completes, or
// fails. Calling Run on a terminal or suspended execution just reports the
// current result.
func (x *Execution) Run() Result {
	for x.state == Running {
		if err := x.tracker.OnStep(); err != nil {
			x.fail(err)
			break
		}
		x.step()
	}
	return x.result()
}

// Resume answers the pending host call with a result value and continues
// execution. Valid only from Suspended: anything else returns
// ErrNotSuspended and leaves the execution untouched. The execution takes
// ownership of v.
func (x *Execution) Resume(v Value) (Result, error) {
	if x.state != Suspended {
		return x.result(), ErrNotSuspended
	}
	x.pending.release(x.heap)
	x.pending = nil
	x.topFrame().push(v)
	x.state = Running
	return x.Run(), nil
}

// ResumeWithError answers the pending host call by raising a guest
// exception at the call site, following the same propagation rules as an
// in-language raise.
func (x *Execution) ResumeWithError(kind ExcKind, msg string) (Result, error) {
	if x.state != Suspended {
		return x.result(), ErrNotSuspended
	}
	x.pending.release(x.heap)
	x.pending = nil
	x.state = Running
	x.raise(&GuestError{Kind: kind, Msg: msg})
	return x.Run(), nil
}

// ---------------------------------------------------------------------------
// Step loop
// ---------------------------------------------------------------------------

func (x *Execution) topFrame() *Frame {
	return &x.frames[len(x.frames)-1]
}

func (x *Execution) code() []byte {
	return x.prog.Functions[x.topFrame().Fn].Code
}

func (x *Execution) fn() *CompiledFunction {
	return x.prog.Functions[x.topFrame().Fn]
}

func (x *Execution) readByte(fr *Frame, code []byte) byte {
	b := code[fr.IP]
	fr.IP++
	return b
}

func (x *Execution) readUint16(fr *Frame, code []byte) uint16 {
	v := binary.LittleEndian.Uint16(code[fr.IP:])
	fr.IP += 2
	return v
}

func (x *Execution) readInt32(fr *Frame, code []byte) int32 {
	v := binary.LittleEndian.Uint32(code[fr.IP:])
	fr.IP += 4
	return int32(v)
}

func (x *Execution) readFloat64(fr *Frame, code []byte) float64 {
	v := binary.LittleEndian.Uint64(code[fr.IP:])
	fr.IP += 8
	return math.Float64frombits(v)
}

// opError routes an operation error: guest errors raise, anything else is
// fatal. Returns true when an error was consumed.
func (x *Execution) opError(err error) bool {
	if err == nil {
		return false
	}
	var ge *GuestError
	if errors.As(err, &ge) {
		x.raise(ge)
	} else {
		x.fail(err)
	}
	return true
}

// fail transitions to Failed, releasing nothing: the heap and frames stay
// intact for post-mortem inspection and are reclaimed with the execution.
func (x *Execution) fail(err error) {
	x.state = Failed
	x.failure = err
}

// raise propagates a guest exception: unwind frames until a handler is
// found, restore that frame's eval stack to the handler's depth, push the
// exception object, and continue; with no handler left the execution fails.
func (x *Execution) raise(ge *GuestError) {
	for len(x.frames) > 0 {
		fr := x.topFrame()
		if n := len(fr.Handlers); n > 0 {
			h := fr.Handlers[n-1]
			fr.Handlers = fr.Handlers[:n-1]
			for len(fr.Stack) > h.Depth {
				x.heap.Release(fr.pop())
			}
			exc, err := x.heap.AllocateValue(&ExcObject{Kind: ge.Kind, Msg: ge.Msg})
			if err != nil {
				x.fail(err)
				return
			}
			fr.push(exc)
			fr.IP = h.Target
			return
		}
		fr.releaseAll(x.heap)
		x.frames = x.frames[:len(x.frames)-1]
	}
	x.fail(ge)
}

// step executes exactly one instruction against the top frame.
func (x *Execution) step() {
	fr := x.topFrame()
	code := x.code()

	// Falling off the end of a function is an implicit `return None`.
	if fr.IP >= len(code) {
		x.returnValue(None)
		return
	}

	op := Opcode(x.readByte(fr, code))
	switch op {
	case OpNop:
		// nothing

	case OpPop:
		x.heap.Release(fr.pop())

	case OpDup:
		v := fr.peek()
		x.heap.Retain(v)
		fr.push(v)

	case OpPushNone:
		fr.push(None)
	case OpPushTrue:
		fr.push(True)
	case OpPushFalse:
		fr.push(False)
	case OpPushInt8:
		fr.push(FromSmallInt(int64(int8(x.readByte(fr, code)))))
	case OpPushInt32:
		fr.push(FromSmallInt(int64(x.readInt32(fr, code))))
	case OpPushFloat:
		fr.push(FromFloat64(x.readFloat64(fr, code)))

	case OpPushLiteral:
		lit := x.fn().Literal(x.readUint16(fr, code))
		v, err := x.materializeLiteral(lit)
		if x.opError(err) {
			return
		}
		fr.push(v)

	case OpLoadLocal:
		v := fr.Locals[x.readByte(fr, code)]
		x.heap.Retain(v)
		fr.push(v)

	case OpStoreLocal:
		i := x.readByte(fr, code)
		v := fr.pop()
		old := fr.Locals[i]
		fr.Locals[i] = v
		x.heap.Release(old)

	case OpLoadGlobal:
		v := x.globals[x.readUint16(fr, code)]
		x.heap.Retain(v)
		fr.push(v)

	case OpStoreGlobal:
		i := x.readUint16(fr, code)
		v := fr.pop()
		old := x.globals[i]
		x.globals[i] = v
		x.heap.Release(old)

	case OpAdd, OpSub, OpMul, OpDiv, OpFloorDiv, OpMod:
		b := fr.pop()
		a := fr.pop()
		res, err := binaryArith(x.heap, arithOpFor(op), a, b)
		x.heap.Release(a)
		x.heap.Release(b)
		if x.opError(err) {
			return
		}
		fr.push(res)

	case OpNeg:
		a := fr.pop()
		res, err := negateValue(x.heap, a)
		x.heap.Release(a)
		if x.opError(err) {
			return
		}
		fr.push(res)

	case OpNot:
		a := fr.pop()
		res := FromBool(!truthy(x.heap, a))
		x.heap.Release(a)
		fr.push(res)

	case OpEq, OpNe:
		b := fr.pop()
		a := fr.pop()
		eq, err := valueEq(x.heap, a, b)
		x.heap.Release(a)
		x.heap.Release(b)
		if err != nil {
			x.raise(err)
			return
		}
		fr.push(FromBool(eq == (op == OpEq)))

	case OpLt, OpLe, OpGt, OpGe:
		b := fr.pop()
		a := fr.pop()
		cmp, err := compareValues(x.heap, a, b)
		x.heap.Release(a)
		x.heap.Release(b)
		if err != nil {
			x.raise(err)
			return
		}
		var ok bool
		switch op {
		case OpLt:
			ok = cmp < 0
		case OpLe:
			ok = cmp <= 0
		case OpGt:
			ok = cmp > 0
		case OpGe:
			ok = cmp >= 0
		}
		fr.push(FromBool(ok))

	case OpIs:
		b := fr.pop()
		a := fr.pop()
		res := FromBool(Identical(a, b))
		x.heap.Release(a)
		x.heap.Release(b)
		fr.push(res)

	case OpContains:
		container := fr.pop()
		item := fr.pop()
		found, err := containsValue(x.heap, container, item)
		x.heap.Release(item)
		x.heap.Release(container)
		if err != nil {
			x.raise(err)
			return
		}
		fr.push(FromBool(found))

	case OpBuildList:
		n := int(x.readByte(fr, code))
		elems := x.popN(fr, n)
		v, err := x.heap.AllocateValue(&ListObject{Elems: elems})
		if err != nil {
			x.releaseAll(elems)
			x.fail(err)
			return
		}
		fr.push(v)

	case OpBuildTuple:
		n := int(x.readByte(fr, code))
		elems := x.popN(fr, n)
		v, err := x.heap.AllocateValue(&TupleObject{Elems: elems})
		if err != nil {
			x.releaseAll(elems)
			x.fail(err)
			return
		}
		fr.push(v)

	case OpBuildDict:
		x.buildDict(fr, int(x.readByte(fr, code)))

	case OpIndex:
		key := fr.pop()
		container := fr.pop()
		v, gerr := indexValue(x.heap, container, key)
		if gerr == nil {
			// Retain the borrowed element before the container can drop it.
			x.heap.Retain(v)
		}
		x.heap.Release(key)
		x.heap.Release(container)
		if gerr != nil {
			x.raise(gerr)
			return
		}
		fr.push(v)

	case OpSetIndex:
		x.setIndex(fr)

	case OpCallMethod:
		nameLit := x.fn().Literal(x.readUint16(fr, code))
		argc := int(x.readByte(fr, code))
		args := x.popN(fr, argc)
		recv := fr.pop()
		res, err := callMethod(x.heap, recv, nameLit.Str, args)
		x.releaseAll(args)
		x.heap.Release(recv)
		if x.opError(err) {
			return
		}
		fr.push(res)

	case OpJump:
		offset := int(int16(x.readUint16(fr, code)))
		fr.IP += offset

	case OpJumpIfFalse, OpJumpIfTrue:
		offset := int(int16(x.readUint16(fr, code)))
		v := fr.pop()
		t := truthy(x.heap, v)
		x.heap.Release(v)
		if t == (op == OpJumpIfTrue) {
			fr.IP += offset
		}

	case OpCall:
		fnIndex := int(x.readUint16(fr, code))
		argc := int(x.readByte(fr, code))
		x.call(fr, fnIndex, argc)

	case OpReturn:
		x.returnValue(fr.pop())

	case OpCallBuiltin:
		id := x.readUint16(fr, code)
		argc := int(x.readByte(fr, code))
		args := x.popN(fr, argc)
		res, err := callBuiltin(x.heap, id, args)
		x.releaseAll(args)
		if x.opError(err) {
			return
		}
		fr.push(res)

	case OpHostCall:
		nameLit := x.fn().Literal(x.readUint16(fr, code))
		argc := int(x.readByte(fr, code))
		kwargc := int(x.readByte(fr, code))
		x.hostCall(fr, nameLit.Str, argc, kwargc)

	case OpPushHandler:
		offset := int(int16(x.readUint16(fr, code)))
		fr.Handlers = append(fr.Handlers, Handler{Target: fr.IP + offset, Depth: len(fr.Stack)})

	case OpPopHandler:
		if len(fr.Handlers) == 0 {
			panic(internalf("POP_HANDLER with no installed handler in %d at ip %d", fr.Fn, fr.IP))
		}
		fr.Handlers = fr.Handlers[:len(fr.Handlers)-1]

	case OpRaise:
		v := fr.pop()
		var ge *GuestError
		if v.IsRef() {
			if exc, ok := x.heap.Get(v.ObjectID()).(*ExcObject); ok {
				ge = &GuestError{Kind: exc.Kind, Msg: exc.Msg}
			}
		}
		x.heap.Release(v)
		if ge == nil {
			x.raise(typeErrorf("exceptions must be exception instances"))
			return
		}
		x.raise(ge)

	default:
		panic(internalf("unknown opcode 0x%02X in %d at ip %d", byte(op), fr.Fn, fr.IP-1))
	}
}

func arithOpFor(op Opcode) arithOp {
	switch op {
	case OpAdd:
		return arithAdd
	case OpSub:
		return arithSub
	case OpMul:
		return arithMul
	case OpDiv:
		return arithDiv
	case OpFloorDiv:
		return arithFloorDiv
	case OpMod:
		return arithMod
	}
	panic(internalf("not an arithmetic opcode: %s", op))
}

// popN pops n values, returned in push order. Ownership moves to the
// returned slice.
func (x *Execution) popN(fr *Frame, n int) []Value {
	if n == 0 {
		return nil
	}
	out := make([]Value, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = fr.pop()
	}
	return out
}

func (x *Execution) releaseAll(vs []Value) {
	for _, v := range vs {
		x.heap.Release(v)
	}
}

func (x *Execution) materializeLiteral(lit *Literal) (Value, error) {
	switch lit.Kind {
	case LitStr:
		return x.heap.AllocateValue(&StrObject{S: lit.Str})
	case LitBytes:
		b := make([]byte, len(lit.Bytes))
		copy(b, lit.Bytes)
		return x.heap.AllocateValue(&BytesObject{B: b})
	case LitInt:
		if v, ok := TryFromSmallInt(lit.Int); ok {
			return v, nil
		}
		return FromFloat64(float64(lit.Int)), nil
	case LitFloat:
		return FromFloat64(lit.Float), nil
	}
	panic(internalf("unknown literal kind %d", lit.Kind))
}

func (x *Execution) buildDict(fr *Frame, pairs int) {
	// Stack holds key/value pairs, value on top of its key.
	entries := x.popN(fr, pairs*2)
	d := NewDict()
	for i := 0; i < len(entries); i += 2 {
		key, val := entries[i], entries[i+1]
		oldVal, replaced, gerr := d.Set(x.heap, key, val)
		if gerr != nil {
			// Entries already inserted are owned by d; release them along
			// with the rest of the popped pairs.
			for _, e := range d.Entries {
				x.heap.Release(e.Key)
				x.heap.Release(e.Val)
			}
			x.releaseAll(entries[i:])
			x.raise(gerr)
			return
		}
		if replaced {
			x.heap.Release(oldVal)
			x.heap.Release(key)
		}
	}
	v, err := x.heap.AllocateValue(d)
	if err != nil {
		for _, e := range d.Entries {
			x.heap.Release(e.Key)
			x.heap.Release(e.Val)
		}
		x.fail(err)
		return
	}
	fr.push(v)
}

func (x *Execution) setIndex(fr *Frame) {
	val := fr.pop()
	key := fr.pop()
	container := fr.pop()
	if container.IsRef() {
		switch p := x.heap.Get(container.ObjectID()).(type) {
		case *ListObject:
			i, gerr := normalizeIndex(x.heap, key, len(p.Elems), "list")
			if gerr != nil {
				x.releaseAll([]Value{val, key, container})
				x.raise(gerr)
				return
			}
			old := p.Elems[i]
			p.Elems[i] = val
			x.heap.Release(old)
			x.heap.Release(key)
			x.heap.Release(container)
			return
		case *DictObject:
			oldVal, replaced, gerr := p.Set(x.heap, key, val)
			if gerr != nil {
				x.releaseAll([]Value{val, key, container})
				x.raise(gerr)
				return
			}
			if replaced {
				x.heap.Release(oldVal)
				x.heap.Release(key)
			}
			x.heap.Release(container)
			return
		}
	}
	tn := typeName(x.heap, container)
	x.releaseAll([]Value{val, key, container})
	x.raise(typeErrorf("'%s' object does not support item assignment", tn))
}

func (x *Execution) call(fr *Frame, fnIndex, argc int) {
	if fnIndex >= len(x.prog.Functions) {
		panic(internalf("call to unknown function index %d", fnIndex))
	}
	callee := x.prog.Functions[fnIndex]
	if argc != callee.NumParams {
		args := x.popN(fr, argc)
		x.releaseAll(args)
		x.raise(typeErrorf("%s() takes %d arguments (%d given)", callee.Name, callee.NumParams, argc))
		return
	}
	if len(x.frames)+1 > x.maxDepth {
		x.fail(&StackOverflowError{Depth: len(x.frames) + 1, Max: x.maxDepth})
		return
	}
	args := x.popN(fr, argc)
	frame := newFrame(fnIndex, callee, len(x.frames)-1)
	// Arguments move into the callee's parameter slots.
	copy(frame.Locals, args)
	x.frames = append(x.frames, frame)
}

// returnValue pops the top frame and delivers result to the caller, or
// completes the execution when the entry frame returns.
func (x *Execution) returnValue(result Value) {
	fr := x.topFrame()
	fr.releaseAll(x.heap)
	x.frames = x.frames[:len(x.frames)-1]
	if len(x.frames) == 0 {
		x.value = result
		x.state = Completed
		return
	}
	x.topFrame().push(result)
}

// hostCall builds the pending descriptor and suspends. Keyword arguments
// sit above the positional ones, each as a name string under its value.
// The name must be in the program's declared host function set; anything
// else raises in-VM and never reaches the host.
func (x *Execution) hostCall(fr *Frame, name string, argc, kwargc int) {
	if !x.prog.HasHostFunc(name) {
		x.releaseAll(x.popN(fr, argc+2*kwargc))
		x.raise(nameErrorf("host function '%s' is not defined", name))
		return
	}
	kwargs := make([]KwArg, kwargc)
	for i := kwargc - 1; i >= 0; i-- {
		val := fr.pop()
		nameVal := fr.pop()
		s, ok := asStr(x.heap, nameVal)
		if !ok {
			panic(internalf("host call keyword name is not a string"))
		}
		kwargs[i] = KwArg{Name: s, Value: val}
		x.heap.Release(nameVal)
	}
	args := x.popN(fr, argc)
	x.pending = &HostCall{Name: name, Args: args, Kwargs: kwargs}
	x.state = Suspended
}
