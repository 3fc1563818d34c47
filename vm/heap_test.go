package vm

import (
	"errors"
	"testing"
)

func TestHeapAllocateAndGet(t *testing.T) {
	h := NewHeap(nil)
	id, err := h.Allocate(&StrObject{S: "hello"})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if id == 0 {
		t.Fatal("ObjectID 0 must never be allocated")
	}
	s, ok := h.Get(id).(*StrObject)
	if !ok || s.S != "hello" {
		t.Fatalf("Get returned %v", h.Get(id))
	}
	if h.RefCount(id) != 1 {
		t.Errorf("fresh allocation refcount = %d, want 1", h.RefCount(id))
	}
	if h.LiveCount() != 1 {
		t.Errorf("LiveCount = %d, want 1", h.LiveCount())
	}
}

func TestHeapIDsNeverReused(t *testing.T) {
	h := NewHeap(nil)
	a, _ := h.Allocate(&StrObject{S: "a"})
	h.DecRef(a)
	b, _ := h.Allocate(&StrObject{S: "b"})
	if b == a {
		t.Fatal("freed ObjectID was reused")
	}
	if b != a+1 {
		t.Errorf("IDs should be monotonic: got %d after %d", b, a)
	}
}

func TestHeapRefcountAccounting(t *testing.T) {
	h := NewHeap(nil)

	child, _ := h.AllocateValue(&StrObject{S: "shared"})

	// A container holding the same sub-object twice owns two references,
	// one per stored element.
	h.Retain(child)
	h.Retain(child)
	list, _ := h.AllocateValue(&ListObject{Elems: []Value{child, child}})

	// One reference from the original binding, two from the list.
	if rc := h.RefCount(child.ObjectID()); rc != 3 {
		t.Fatalf("shared child refcount = %d, want 3", rc)
	}

	h.Release(child)
	if rc := h.RefCount(child.ObjectID()); rc != 2 {
		t.Fatalf("after releasing the binding, refcount = %d, want 2", rc)
	}

	h.Release(list)
	if h.LiveCount() != 0 {
		t.Errorf("LiveCount = %d after releasing all owners, want 0", h.LiveCount())
	}
}

func TestHeapDeepChainRelease(t *testing.T) {
	// A structure nested 100,000 levels deep must drop without blowing the
	// native stack: frees go through an explicit worklist, not recursion.
	const depth = 100_000
	h := NewHeap(nil)

	inner, err := h.AllocateValue(&ListObject{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < depth; i++ {
		outer, err := h.AllocateValue(&ListObject{Elems: []Value{inner}})
		if err != nil {
			t.Fatal(err)
		}
		inner = outer
	}
	if h.LiveCount() != depth+1 {
		t.Fatalf("LiveCount = %d, want %d", h.LiveCount(), depth+1)
	}

	h.Release(inner)
	if h.LiveCount() != 0 {
		t.Errorf("LiveCount = %d after releasing the chain head, want 0", h.LiveCount())
	}
}

func TestHeapCachedHashes(t *testing.T) {
	h := NewHeap(nil)

	a, _ := h.Allocate(&StrObject{S: "key"})
	b, _ := h.Allocate(&StrObject{S: "key"})

	ha, err := h.HashOf(a)
	if err != nil {
		t.Fatalf("HashOf(str): %v", err)
	}
	hb, _ := h.HashOf(b)
	if ha != hb {
		t.Error("content-equal immutable objects must hash identically")
	}

	mutable, _ := h.Allocate(&ListObject{})
	if _, err := h.HashOf(mutable); err == nil {
		t.Error("mutable payload must be unhashable")
	} else if err.Kind != ExcTypeError {
		t.Errorf("unhashable error kind = %v, want TypeError", err.Kind)
	}
}

func TestHeapTupleHashFollowsContents(t *testing.T) {
	h := NewHeap(nil)

	e1, _ := h.AllocateValue(&StrObject{S: "x"})
	e2, _ := h.AllocateValue(&StrObject{S: "x"})
	t1, _ := h.Allocate(&TupleObject{Elems: []Value{e1, FromSmallInt(1)}})
	t2, _ := h.Allocate(&TupleObject{Elems: []Value{e2, FromSmallInt(1)}})

	h1, err := h.HashOf(t1)
	if err != nil {
		t.Fatalf("HashOf(tuple): %v", err)
	}
	h2, _ := h.HashOf(t2)
	if h1 != h2 {
		t.Error("equal tuples must hash identically")
	}

	// A tuple holding a mutable element is itself unhashable.
	l, _ := h.AllocateValue(&ListObject{})
	t3, _ := h.Allocate(&TupleObject{Elems: []Value{l}})
	if _, err := h.HashOf(t3); err == nil {
		t.Error("tuple holding a list must be unhashable")
	}
}

func TestHeapBudgetExhaustion(t *testing.T) {
	tracker := NewBudgetTracker(0, 64)
	h := NewHeap(tracker)

	if _, err := h.Allocate(&StrObject{S: "small"}); err != nil {
		t.Fatalf("first allocation should fit: %v", err)
	}
	_, err := h.Allocate(&BytesObject{B: make([]byte, 1024)})
	var re *ResourceError
	if !errors.As(err, &re) {
		t.Fatalf("expected ResourceError, got %v", err)
	}
	if re.Kind != ResourceHeapBytes {
		t.Errorf("resource kind = %v, want heap bytes", re.Kind)
	}
}

func TestHeapFreeReturnsBudget(t *testing.T) {
	tracker := NewBudgetTracker(0, 4096)
	h := NewHeap(tracker)

	v, err := h.AllocateValue(&BytesObject{B: make([]byte, 2048)})
	if err != nil {
		t.Fatal(err)
	}
	used := tracker.HeapBytes()
	h.Release(v)
	if tracker.HeapBytes() >= used {
		t.Errorf("heap bytes not returned on free: %d >= %d", tracker.HeapBytes(), used)
	}
}
