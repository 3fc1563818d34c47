package vm

// ---------------------------------------------------------------------------
// Heap: arena allocator with reference counting
// ---------------------------------------------------------------------------

// slot is one arena entry. A freed slot keeps its position (payload nil)
// so ObjectIDs are never reused within a run; the arena only grows, and is
// reclaimed by discarding the whole heap.
type slot struct {
	refcount uint32
	hash     uint64
	hasHash  bool
	payload  Payload
}

// Heap owns every composite guest object of one execution. It is not safe
// for concurrent use: each execution instance exclusively owns its heap.
//
// Refcount invariant: a slot's refcount equals the number of live owning
// references to it — frame local slots, eval-stack entries, payload fields
// of other live objects, and the pending host-call descriptor.
type Heap struct {
	slots   []slot
	nextID  ObjectID // ID the next Allocate will return
	live    int
	tracker ResourceTracker

	// scratch worklist reused by DecRef to avoid per-free allocation
	work []ObjectID
}

// NewHeap creates an empty heap. IDs start at 1 so the zero ObjectID is
// never valid.
func NewHeap(tracker ResourceTracker) *Heap {
	if tracker == nil {
		tracker = NopTracker{}
	}
	return &Heap{nextID: 1, tracker: tracker}
}

// slotFor returns the slot for id, panicking on a dangling or out-of-range
// ID. Those are internal invariant violations — never user-triggerable in
// a correct engine — so they are checked loudly rather than ignored.
func (h *Heap) slotFor(id ObjectID) *slot {
	if id == 0 || id >= h.nextID {
		panic(internalf("dangling ObjectID %d (next is %d)", id, h.nextID))
	}
	s := &h.slots[id-1]
	if s.payload == nil {
		panic(internalf("ObjectID %d refers to a freed slot", id))
	}
	return s
}

// Allocate places payload into a fresh slot with refcount 1 and returns its
// ID. The cached hash is computed here, once, for immutable payload kinds
// whose contents are hashable. Fails only on resource exhaustion.
func (h *Heap) Allocate(p Payload) (ObjectID, error) {
	if err := h.tracker.OnAlloc(p.approxBytes()); err != nil {
		return 0, err
	}
	id := h.nextID
	h.nextID++
	s := slot{refcount: 1, payload: p}
	if p.Tag().Immutable() {
		if hash, ok := h.computeHash(p); ok {
			s.hash = hash
			s.hasHash = true
		}
	}
	h.slots = append(h.slots, s)
	h.live++
	return id, nil
}

// AllocateValue is Allocate returning the ref as a Value.
func (h *Heap) AllocateValue(p Payload) (Value, error) {
	id, err := h.Allocate(p)
	if err != nil {
		return None, err
	}
	return FromObjectID(id), nil
}

// Get returns the payload stored at id.
func (h *Heap) Get(id ObjectID) Payload {
	return h.slotFor(id).payload
}

// RefCount returns the current refcount of id. Exposed for accounting
// checks in tests.
func (h *Heap) RefCount(id ObjectID) uint32 {
	return h.slotFor(id).refcount
}

// IncRef adds one owning reference to id.
func (h *Heap) IncRef(id ObjectID) {
	h.slotFor(id).refcount++
}

// DecRef removes one owning reference from id, releasing the slot when the
// count reaches zero.
//
// Freeing never recurses into children via native call frames: freed
// children are pushed onto an explicit worklist and processed iteratively,
// so a structure nested 10^5 levels deep drops in constant native stack.
func (h *Heap) DecRef(id ObjectID) {
	work := h.work[:0]
	work = append(work, id)

	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]

		s := h.slotFor(id)
		if s.refcount == 0 {
			panic(internalf("refcount underflow on ObjectID %d", id))
		}
		s.refcount--
		if s.refcount > 0 {
			continue
		}

		// Queue one decrement per owning child reference, then tombstone
		// the slot. Each owning reference contributes exactly one queued
		// decrement, so a shared child reaches zero on the last one.
		for _, child := range s.payload.children(nil) {
			if child.IsRef() {
				work = append(work, child.ObjectID())
			}
		}
		h.tracker.OnFree(s.payload.approxBytes())
		s.payload = nil
		s.hasHash = false
		h.live--
	}

	h.work = work
}

// Retain bumps the refcount if v is a reference; immediates need nothing.
func (h *Heap) Retain(v Value) {
	if v.IsRef() {
		h.IncRef(v.ObjectID())
	}
}

// Release drops one owning reference if v is a reference.
func (h *Heap) Release(v Value) {
	if v.IsRef() {
		h.DecRef(v.ObjectID())
	}
}

// HashOf returns the cached hash for immutable payloads, and an unhashable
// TypeError for mutable ones (surfaced by the VM at the point of use).
func (h *Heap) HashOf(id ObjectID) (uint64, *GuestError) {
	s := h.slotFor(id)
	if !s.hasHash {
		return 0, unhashableError(s.payload.Tag())
	}
	return s.hash, nil
}

// LiveCount returns the number of live (non-freed) slots.
func (h *Heap) LiveCount() int { return h.live }

// NextID returns the next ObjectID to be allocated. Snapshots record it so
// a loaded heap continues the same never-reused ID sequence.
func (h *Heap) NextID() ObjectID { return h.nextID }

// isLive reports whether id refers to a live slot, without panicking.
// Used by snapshot validation.
func (h *Heap) isLive(id ObjectID) bool {
	if id == 0 || id >= h.nextID {
		return false
	}
	return h.slots[id-1].payload != nil
}

// forEachLive calls fn for every live slot in ascending ID order.
func (h *Heap) forEachLive(fn func(id ObjectID, refcount uint32, p Payload)) {
	for i := range h.slots {
		s := &h.slots[i]
		if s.payload != nil {
			fn(ObjectID(i+1), s.refcount, s.payload)
		}
	}
}
