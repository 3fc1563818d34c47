package vm

// ---------------------------------------------------------------------------
// Host calls
// ---------------------------------------------------------------------------

// KwArg is one keyword argument of a host call.
type KwArg struct {
	Name  string
	Value Value
}

// HostCall describes the call the guest suspended on. The engine evaluates
// the argument expressions, builds this descriptor, and hands it to the
// embedder without performing any host effect itself; the embedder answers
// via Resume or ResumeWithError.
//
// The descriptor owns one reference to each ref-tagged argument. Those
// references are released when the execution is resumed, so the argument
// values stay valid (and snapshotable) for the whole suspension.
type HostCall struct {
	Name   string
	Args   []Value
	Kwargs []KwArg
}

// Kwarg returns the keyword argument with the given name.
func (c *HostCall) Kwarg(name string) (Value, bool) {
	for _, kw := range c.Kwargs {
		if kw.Name == name {
			return kw.Value, true
		}
	}
	return None, false
}

// release drops the descriptor's argument references.
func (c *HostCall) release(h *Heap) {
	for _, v := range c.Args {
		h.Release(v)
	}
	for _, kw := range c.Kwargs {
		h.Release(kw.Value)
	}
	c.Args = nil
	c.Kwargs = nil
}
