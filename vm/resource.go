package vm

import "fmt"

// ---------------------------------------------------------------------------
// Resource tracking
// ---------------------------------------------------------------------------

// ResourceKind names the budget that was exhausted.
type ResourceKind uint8

const (
	ResourceSteps ResourceKind = iota
	ResourceHeapBytes
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceSteps:
		return "steps"
	case ResourceHeapBytes:
		return "heap bytes"
	}
	return fmt.Sprintf("resource#%d", uint8(k))
}

// ResourceError is fatal to the current execution. It is always reported
// as a distinct cause and never surfaces as a guest-catchable exception:
// a guest that could catch its own budget exhaustion could also outrun it.
type ResourceError struct {
	Kind  ResourceKind
	Limit uint64
	Used  uint64
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource exhausted: %s limit %d reached (used %d)", e.Kind, e.Limit, e.Used)
}

// ResourceTracker is consulted by the engine before each instruction step
// and before each heap allocation. It is the embedder's lever for bounding
// a guest program; the engine itself imposes no limits beyond frame depth.
type ResourceTracker interface {
	// OnStep is called before each instruction. A non-nil error aborts the
	// execution with a resource-exhaustion failure.
	OnStep() error

	// OnAlloc is called before a heap allocation of approximately n bytes.
	OnAlloc(n uint64) error

	// OnFree is called when approximately n bytes are released.
	OnFree(n uint64)
}

// NopTracker imposes no limits.
type NopTracker struct{}

func (NopTracker) OnStep() error          { return nil }
func (NopTracker) OnAlloc(n uint64) error { return nil }
func (NopTracker) OnFree(n uint64)        {}

// BudgetTracker enforces fixed step and heap-byte budgets. A zero limit
// means unlimited for that dimension.
type BudgetTracker struct {
	MaxSteps     uint64
	MaxHeapBytes uint64

	steps     uint64
	heapBytes uint64
}

// NewBudgetTracker creates a tracker with the given limits.
func NewBudgetTracker(maxSteps, maxHeapBytes uint64) *BudgetTracker {
	return &BudgetTracker{MaxSteps: maxSteps, MaxHeapBytes: maxHeapBytes}
}

func (t *BudgetTracker) OnStep() error {
	t.steps++
	if t.MaxSteps > 0 && t.steps > t.MaxSteps {
		return &ResourceError{Kind: ResourceSteps, Limit: t.MaxSteps, Used: t.steps}
	}
	return nil
}

func (t *BudgetTracker) OnAlloc(n uint64) error {
	if t.MaxHeapBytes > 0 && t.heapBytes+n > t.MaxHeapBytes {
		return &ResourceError{Kind: ResourceHeapBytes, Limit: t.MaxHeapBytes, Used: t.heapBytes + n}
	}
	t.heapBytes += n
	return nil
}

func (t *BudgetTracker) OnFree(n uint64) {
	if n > t.heapBytes {
		t.heapBytes = 0
		return
	}
	t.heapBytes -= n
}

// Steps returns the number of steps consumed so far.
func (t *BudgetTracker) Steps() uint64 { return t.steps }

// HeapBytes returns the approximate live heap bytes.
func (t *BudgetTracker) HeapBytes() uint64 { return t.heapBytes }
