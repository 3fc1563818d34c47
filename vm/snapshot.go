package vm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Snapshot serializer
//
// A snapshot is the full state of a suspended execution: every live heap
// slot with its refcount and payload, the module globals, every frame, and
// the pending host-call descriptor. Values contain no native pointers
// (ObjectIDs are arena indexes), so the snapshot is position independent:
// loading it in another process reconstructs identical ObjectIDs, refcounts,
// and structural sharing.
//
// Wire layout: 4-byte magic, little-endian uint32 format version, then a
// canonical CBOR body. Canonical encoding keeps dump() deterministic for a
// given state.
// ---------------------------------------------------------------------------

const (
	snapshotMagic   = "CAPS"
	snapshotVersion = 1

	programMagic   = "CAPP"
	programVersion = 1
)

var (
	// ErrInvalidMagic means the buffer does not start with the expected
	// format magic: it was never a snapshot (or program) at all.
	ErrInvalidMagic = errors.New("invalid snapshot magic")

	// ErrVersionMismatch means the format version is not supported by this
	// engine build.
	ErrVersionMismatch = errors.New("unsupported snapshot version")

	// ErrProgramMismatch means the snapshot was taken against a different
	// program than the one supplied to Load.
	ErrProgramMismatch = errors.New("snapshot program fingerprint mismatch")

	// ErrCorruptSnapshot means the buffer carries the right header but its
	// body is malformed or structurally inconsistent.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: cbor encode mode: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("vm: cbor decode mode: %v", err))
	}
}

func appendUint32(dst []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}

// checkHeader validates magic and version and returns the body.
func checkHeader(data []byte, magic string, version uint32) ([]byte, error) {
	if len(data) < len(magic)+4 || !bytes.Equal(data[:len(magic)], []byte(magic)) {
		return nil, fmt.Errorf("vm: %w", ErrInvalidMagic)
	}
	got := binary.LittleEndian.Uint32(data[len(magic):])
	if got != version {
		return nil, fmt.Errorf("vm: %w: got %d, support %d", ErrVersionMismatch, got, version)
	}
	return data[len(magic)+4:], nil
}

// ---------------------------------------------------------------------------
// Wire structures
// ---------------------------------------------------------------------------

// wireSlot is one live heap slot. Values travel as raw 64-bit patterns;
// the NaN-box encoding is already position independent.
type wireSlot struct {
	ID       uint64   `cbor:"1,keyasint"`
	Refcount uint32   `cbor:"2,keyasint"`
	Tag      uint8    `cbor:"3,keyasint"`
	Str      string   `cbor:"4,keyasint,omitempty"`
	Bytes    []byte   `cbor:"5,keyasint,omitempty"`
	Elems    []uint64 `cbor:"6,keyasint,omitempty"` // sequence elements; dict entries interleaved key,val
	ExcKind  uint8    `cbor:"7,keyasint,omitempty"`
	Ints     []int64  `cbor:"8,keyasint,omitempty"` // date/time/datetime/timedelta components
}

type wireFrame struct {
	Fn       int       `cbor:"1,keyasint"`
	IP       int       `cbor:"2,keyasint"`
	Locals   []uint64  `cbor:"3,keyasint,omitempty"`
	Stack    []uint64  `cbor:"4,keyasint,omitempty"`
	Caller   int       `cbor:"5,keyasint"`
	Handlers []Handler `cbor:"6,keyasint,omitempty"`
}

type wireHostCall struct {
	Name    string   `cbor:"1,keyasint"`
	Args    []uint64 `cbor:"2,keyasint,omitempty"`
	KwNames []string `cbor:"3,keyasint,omitempty"`
	KwVals  []uint64 `cbor:"4,keyasint,omitempty"`
}

type snapshotBody struct {
	ProgramSHA []byte       `cbor:"1,keyasint"`
	NextID     uint64       `cbor:"2,keyasint"`
	Slots      []wireSlot   `cbor:"3,keyasint,omitempty"`
	Globals    []uint64     `cbor:"4,keyasint,omitempty"`
	Frames     []wireFrame  `cbor:"5,keyasint"`
	Pending    wireHostCall `cbor:"6,keyasint"`
	MaxDepth   int          `cbor:"7,keyasint"`
}

func valuesToWire(vs []Value) []uint64 {
	if len(vs) == 0 {
		return nil
	}
	out := make([]uint64, len(vs))
	for i, v := range vs {
		out[i] = uint64(v)
	}
	return out
}

func wireToValues(ws []uint64) []Value {
	if len(ws) == 0 {
		return nil
	}
	out := make([]Value, len(ws))
	for i, w := range ws {
		out[i] = Value(w)
	}
	return out
}

// ---------------------------------------------------------------------------
// Dump
// ---------------------------------------------------------------------------

// Dump serializes a suspended execution. Valid only from Suspended: the
// host-call boundary is the one point where the machine state is compact
// and self-consistent by construction.
func (x *Execution) Dump() ([]byte, error) {
	if x.state != Suspended {
		return nil, ErrNotSuspended
	}

	sha := x.prog.Fingerprint()
	body := snapshotBody{
		ProgramSHA: sha[:],
		NextID:     uint64(x.heap.NextID()),
		Globals:    valuesToWire(x.globals),
		MaxDepth:   x.maxDepth,
	}

	x.heap.forEachLive(func(id ObjectID, refcount uint32, p Payload) {
		body.Slots = append(body.Slots, payloadToWire(id, refcount, p))
	})

	body.Frames = make([]wireFrame, len(x.frames))
	for i := range x.frames {
		fr := &x.frames[i]
		body.Frames[i] = wireFrame{
			Fn:       fr.Fn,
			IP:       fr.IP,
			Locals:   valuesToWire(fr.Locals),
			Stack:    valuesToWire(fr.Stack),
			Caller:   fr.Caller,
			Handlers: fr.Handlers,
		}
	}

	body.Pending = wireHostCall{
		Name: x.pending.Name,
		Args: valuesToWire(x.pending.Args),
	}
	for _, kw := range x.pending.Kwargs {
		body.Pending.KwNames = append(body.Pending.KwNames, kw.Name)
		body.Pending.KwVals = append(body.Pending.KwVals, uint64(kw.Value))
	}

	encoded, err := encMode.Marshal(&body)
	if err != nil {
		return nil, fmt.Errorf("vm: encode snapshot: %w", err)
	}
	out := make([]byte, 0, len(snapshotMagic)+4+len(encoded))
	out = append(out, snapshotMagic...)
	out = appendUint32(out, snapshotVersion)
	return append(out, encoded...), nil
}

func payloadToWire(id ObjectID, refcount uint32, p Payload) wireSlot {
	w := wireSlot{ID: uint64(id), Refcount: refcount, Tag: uint8(p.Tag())}
	switch obj := p.(type) {
	case *StrObject:
		w.Str = obj.S
	case *BytesObject:
		w.Bytes = obj.B
	case *ListObject:
		w.Elems = valuesToWire(obj.Elems)
	case *TupleObject:
		w.Elems = valuesToWire(obj.Elems)
	case *DictObject:
		// Insertion order is the canonical order; the hash index is
		// rebuilt on load.
		elems := make([]Value, 0, obj.Len()*2)
		for _, e := range obj.Entries {
			elems = append(elems, e.Key, e.Val)
		}
		w.Elems = valuesToWire(elems)
	case *ExcObject:
		w.ExcKind = uint8(obj.Kind)
		w.Str = obj.Msg
	case *DateObject:
		w.Ints = []int64{int64(obj.Year), int64(obj.Month), int64(obj.Day)}
	case *TimeObject:
		w.Ints = []int64{int64(obj.Hour), int64(obj.Minute), int64(obj.Second),
			int64(obj.Micro), int64(obj.OffsetMin), boolInt(obj.Aware)}
	case *DateTimeObject:
		w.Ints = []int64{int64(obj.Year), int64(obj.Month), int64(obj.Day),
			int64(obj.Hour), int64(obj.Minute), int64(obj.Second),
			int64(obj.Micro), int64(obj.OffsetMin), boolInt(obj.Aware)}
	case *TimeDeltaObject:
		w.Ints = []int64{obj.Days, obj.Seconds, obj.Micros}
	default:
		panic(internalf("unserializable payload tag %s", p.Tag().Name()))
	}
	return w
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

// Load reconstructs a suspended execution from snapshot bytes. The program
// must be the one the snapshot was taken against; resuming the loaded
// execution with a value behaves identically to resuming the original.
func Load(prog *Program, data []byte, opts ...Option) (*Execution, error) {
	raw, err := checkHeader(data, snapshotMagic, snapshotVersion)
	if err != nil {
		return nil, err
	}
	var body snapshotBody
	if err := decMode.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("vm: %w: %v", ErrCorruptSnapshot, err)
	}

	sha := prog.Fingerprint()
	if !bytes.Equal(body.ProgramSHA, sha[:]) {
		return nil, fmt.Errorf("vm: %w", ErrProgramMismatch)
	}
	if len(body.Frames) == 0 {
		return nil, fmt.Errorf("vm: %w: no frames", ErrCorruptSnapshot)
	}

	x := &Execution{
		prog:     prog,
		tracker:  NopTracker{},
		maxDepth: body.MaxDepth,
		state:    Suspended,
		value:    None,
	}
	for _, opt := range opts {
		opt(x)
	}
	if x.maxDepth <= 0 {
		x.maxDepth = DefaultMaxFrameDepth
	}
	x.heap = NewHeap(x.tracker)

	if err := restoreHeap(x.heap, &body); err != nil {
		return nil, err
	}

	if len(body.Globals) != len(prog.GlobalNames) {
		return nil, fmt.Errorf("vm: %w: global count %d, program has %d",
			ErrCorruptSnapshot, len(body.Globals), len(prog.GlobalNames))
	}
	x.globals = wireToValues(body.Globals)

	x.frames = make([]Frame, len(body.Frames))
	for i, wf := range body.Frames {
		if wf.Fn < 0 || wf.Fn >= len(prog.Functions) {
			return nil, fmt.Errorf("vm: %w: frame %d references function %d", ErrCorruptSnapshot, i, wf.Fn)
		}
		fn := prog.Functions[wf.Fn]
		if wf.IP < 0 || wf.IP > len(fn.Code) {
			return nil, fmt.Errorf("vm: %w: frame %d ip %d out of range", ErrCorruptSnapshot, i, wf.IP)
		}
		if len(wf.Locals) != fn.NumLocals {
			return nil, fmt.Errorf("vm: %w: frame %d has %d locals, function declares %d",
				ErrCorruptSnapshot, i, len(wf.Locals), fn.NumLocals)
		}
		if wf.Caller != i-1 {
			return nil, fmt.Errorf("vm: %w: frame %d caller index %d", ErrCorruptSnapshot, i, wf.Caller)
		}
		x.frames[i] = Frame{
			Fn:       wf.Fn,
			IP:       wf.IP,
			Locals:   wireToValues(wf.Locals),
			Stack:    wireToValues(wf.Stack),
			Caller:   wf.Caller,
			Handlers: wf.Handlers,
		}
	}

	x.pending = &HostCall{Name: body.Pending.Name, Args: wireToValues(body.Pending.Args)}
	if len(body.Pending.KwNames) != len(body.Pending.KwVals) {
		return nil, fmt.Errorf("vm: %w: keyword name/value count mismatch", ErrCorruptSnapshot)
	}
	for i, name := range body.Pending.KwNames {
		x.pending.Kwargs = append(x.pending.Kwargs, KwArg{Name: name, Value: Value(body.Pending.KwVals[i])})
	}

	if err := x.validateLoaded(); err != nil {
		return nil, err
	}
	return x, nil
}

// restoreHeap rebuilds the arena: slots at their original positions, cached
// hashes recomputed ascending (an immutable payload's children always have
// smaller IDs than the payload itself), dict indexes rebuilt last.
func restoreHeap(h *Heap, body *snapshotBody) error {
	if body.NextID == 0 {
		return fmt.Errorf("vm: %w: zero next-id", ErrCorruptSnapshot)
	}
	h.nextID = ObjectID(body.NextID)
	h.slots = make([]slot, body.NextID-1)

	var dicts []*DictObject
	for _, ws := range body.Slots {
		if ws.ID == 0 || ws.ID >= body.NextID {
			return fmt.Errorf("vm: %w: slot id %d out of range", ErrCorruptSnapshot, ws.ID)
		}
		s := &h.slots[ws.ID-1]
		if s.payload != nil {
			return fmt.Errorf("vm: %w: duplicate slot id %d", ErrCorruptSnapshot, ws.ID)
		}
		if ws.Refcount == 0 {
			return fmt.Errorf("vm: %w: live slot %d with zero refcount", ErrCorruptSnapshot, ws.ID)
		}
		p, err := wireToPayload(&ws)
		if err != nil {
			return err
		}
		if err := h.tracker.OnAlloc(p.approxBytes()); err != nil {
			return err
		}
		s.refcount = ws.Refcount
		s.payload = p
		h.live++
		if d, ok := p.(*DictObject); ok {
			dicts = append(dicts, d)
		}
	}

	// Recompute cached hashes in ascending ID order so tuple children are
	// hashed before the tuples holding them.
	for i := range h.slots {
		s := &h.slots[i]
		if s.payload == nil || !s.payload.Tag().Immutable() {
			continue
		}
		for _, child := range s.payload.children(nil) {
			if child.IsRef() && !h.isLive(child.ObjectID()) {
				return fmt.Errorf("vm: %w: slot %d references dead object %d",
					ErrCorruptSnapshot, i+1, child.ObjectID())
			}
		}
		if hash, ok := h.computeHash(s.payload); ok {
			s.hash = hash
			s.hasHash = true
		}
	}

	for _, d := range dicts {
		if err := d.rebuildIndex(h); err != nil {
			return fmt.Errorf("vm: %w: %v", ErrCorruptSnapshot, err)
		}
	}
	return nil
}

func wireToPayload(w *wireSlot) (Payload, error) {
	bad := func(why string) error {
		return fmt.Errorf("vm: %w: slot %d: %s", ErrCorruptSnapshot, w.ID, why)
	}
	switch TypeTag(w.Tag) {
	case TagStr:
		return &StrObject{S: w.Str}, nil
	case TagBytes:
		return &BytesObject{B: w.Bytes}, nil
	case TagList:
		return &ListObject{Elems: wireToValues(w.Elems)}, nil
	case TagTuple:
		return &TupleObject{Elems: wireToValues(w.Elems)}, nil
	case TagDict:
		if len(w.Elems)%2 != 0 {
			return nil, bad("odd dict entry count")
		}
		d := NewDict()
		for i := 0; i < len(w.Elems); i += 2 {
			d.Entries = append(d.Entries, DictEntry{Key: Value(w.Elems[i]), Val: Value(w.Elems[i+1])})
		}
		return d, nil
	case TagExc:
		return &ExcObject{Kind: ExcKind(w.ExcKind), Msg: w.Str}, nil
	case TagDate:
		if len(w.Ints) != 3 {
			return nil, bad("date component count")
		}
		d, gerr := NewDate(int(w.Ints[0]), int(w.Ints[1]), int(w.Ints[2]))
		if gerr != nil {
			return nil, bad(gerr.Error())
		}
		return d, nil
	case TagTime:
		if len(w.Ints) != 6 {
			return nil, bad("time component count")
		}
		t, gerr := NewTime(int(w.Ints[0]), int(w.Ints[1]), int(w.Ints[2]), int(w.Ints[3]),
			int(w.Ints[4]), w.Ints[5] != 0)
		if gerr != nil {
			return nil, bad(gerr.Error())
		}
		return t, nil
	case TagDateTime:
		if len(w.Ints) != 9 {
			return nil, bad("datetime component count")
		}
		dt, gerr := NewDateTime(int(w.Ints[0]), int(w.Ints[1]), int(w.Ints[2]),
			int(w.Ints[3]), int(w.Ints[4]), int(w.Ints[5]), int(w.Ints[6]),
			int(w.Ints[7]), w.Ints[8] != 0)
		if gerr != nil {
			return nil, bad(gerr.Error())
		}
		return dt, nil
	case TagTimeDelta:
		if len(w.Ints) != 3 {
			return nil, bad("timedelta component count")
		}
		return &TimeDeltaObject{Days: w.Ints[0], Seconds: w.Ints[1], Micros: w.Ints[2]}, nil
	}
	return nil, bad("unknown payload tag")
}

// validateLoaded cross-checks the reconstructed state: every reference must
// point at a live slot, and every live slot's refcount must equal the
// number of owning references to it.
func (x *Execution) validateLoaded() error {
	counts := make(map[ObjectID]uint32)
	tally := func(v Value) error {
		if !v.IsRef() {
			return nil
		}
		id := v.ObjectID()
		if !x.heap.isLive(id) {
			return fmt.Errorf("vm: %w: reference to dead object %d", ErrCorruptSnapshot, id)
		}
		counts[id]++
		return nil
	}

	for _, v := range x.globals {
		if err := tally(v); err != nil {
			return err
		}
	}
	for i := range x.frames {
		fr := &x.frames[i]
		for _, v := range fr.Locals {
			if err := tally(v); err != nil {
				return err
			}
		}
		for _, v := range fr.Stack {
			if err := tally(v); err != nil {
				return err
			}
		}
	}
	for _, v := range x.pending.Args {
		if err := tally(v); err != nil {
			return err
		}
	}
	for _, kw := range x.pending.Kwargs {
		if err := tally(kw.Value); err != nil {
			return err
		}
	}

	var walkErr error
	x.heap.forEachLive(func(id ObjectID, refcount uint32, p Payload) {
		if walkErr != nil {
			return
		}
		for _, child := range p.children(nil) {
			if err := tally(child); err != nil {
				walkErr = err
				return
			}
		}
	})
	if walkErr != nil {
		return walkErr
	}

	x.heap.forEachLive(func(id ObjectID, refcount uint32, p Payload) {
		if walkErr != nil {
			return
		}
		if counts[id] != refcount {
			walkErr = fmt.Errorf("vm: %w: object %d refcount %d, found %d owning references",
				ErrCorruptSnapshot, id, refcount, counts[id])
		}
	})
	return walkErr
}
