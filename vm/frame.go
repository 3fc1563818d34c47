package vm

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

// Handler is one installed exception handler. Target is the absolute
// instruction offset of the handler block; Depth is the eval-stack depth to
// unwind to before the exception object is pushed.
type Handler struct {
	Target int `cbor:"1,keyasint"`
	Depth  int `cbor:"2,keyasint"`
}

// Frame is one activation of a compiled function. Frames reference their
// caller by call-stack index, never by pointer, so there is no owning cycle
// between frames and the layout survives serialization unchanged.
//
// A frame owns one reference to each ref-tagged Value in Locals and Stack.
type Frame struct {
	Fn       int // function index into the program
	IP       int
	Locals   []Value
	Stack    []Value
	Caller   int // caller frame index; -1 for the entry frame
	Handlers []Handler
}

func newFrame(fnIndex int, fn *CompiledFunction, caller int) Frame {
	locals := make([]Value, fn.NumLocals)
	for i := range locals {
		locals[i] = None
	}
	return Frame{Fn: fnIndex, IP: 0, Locals: locals, Caller: caller}
}

// push appends a value the frame now owns.
func (f *Frame) push(v Value) {
	f.Stack = append(f.Stack, v)
}

// pop removes and returns the top of the eval stack, transferring
// ownership to the caller.
func (f *Frame) pop() Value {
	if len(f.Stack) == 0 {
		panic(internalf("eval stack underflow in %d at ip %d", f.Fn, f.IP))
	}
	v := f.Stack[len(f.Stack)-1]
	f.Stack = f.Stack[:len(f.Stack)-1]
	return v
}

// peek returns the top of the eval stack without popping.
func (f *Frame) peek() Value {
	if len(f.Stack) == 0 {
		panic(internalf("eval stack underflow in %d at ip %d", f.Fn, f.IP))
	}
	return f.Stack[len(f.Stack)-1]
}

// releaseAll drops every reference the frame owns. Called when the frame is
// discarded by a return or an unwind.
func (f *Frame) releaseAll(h *Heap) {
	for _, v := range f.Stack {
		h.Release(v)
	}
	f.Stack = nil
	for _, v := range f.Locals {
		h.Release(v)
	}
	f.Locals = nil
	f.Handlers = nil
}
