package monty

import "fmt"

// HeapId identifies an entry inside the heap arena.
type HeapId uint32

// pyObject is the trait shared by every heap variant.  The set of
// variants is closed; the VM dispatches over the concrete type.
//
// Operations that need heap or interner access (equality, repr, hash,
// method dispatch) live in pytrait.go as value-level functions so the
// variant implementations can reborrow the heap freely.
type pyObject interface {
	// pyType returns the guest-visible type name.
	pyType() string

	// childIDs pushes every heap reference owned by this entry onto
	// the worklist, so DecRef can drop whole object graphs without
	// recursion.
	childIDs(stack *[]HeapId)

	// estimateSize is the allocation size reported to the
	// ResourceTracker, in bytes.
	estimateSize() int
}

// heapEntry stores the refcount and payload for one arena slot.
type heapEntry struct {
	refs uint32
	data pyObject
	size int // size reported to the tracker at allocation
}

// Heap is the reference-counted arena backing all heap-only runtime
// values.  Freed slots are recycled through a free list.
//
// Invalid handles panic: they indicate an engine bug, never a guest
// fault.
type Heap struct {
	entries []heapEntry
	free    []HeapId
	tracker ResourceTracker

	// potentialCycle is set by operations that may close a
	// reference cycle; CollectCycles is a no-op while it is clear.
	potentialCycle bool

	// scratch worklist reused by DecRef to avoid per-call
	// allocation.
	work []HeapId
}

func NewHeap(tracker ResourceTracker) *Heap {
	if tracker == nil {
		tracker = UnlimitedTracker{}
	}
	return &Heap{tracker: tracker}
}

// Allocate stores a new entry with refcount 1, asking the tracker
// first.  On refusal the entry is not stored and MemoryError returned.
func (h *Heap) Allocate(data pyObject) (HeapId, *Exception) {
	size := data.estimateSize()
	if exc := h.tracker.OnAllocate(size); exc != nil {
		return 0, exc
	}
	if n := len(h.free); n > 0 {
		id := h.free[n-1]
		h.free = h.free[:n-1]
		h.entries[id] = heapEntry{refs: 1, data: data, size: size}
		return id, nil
	}
	id := HeapId(len(h.entries))
	h.entries = append(h.entries, heapEntry{refs: 1, data: data, size: size})
	return id, nil
}

func (h *Heap) entry(id HeapId, op string) *heapEntry {
	if int(id) >= len(h.entries) {
		panic(fmt.Sprintf("monty: Heap.%s: slot %d missing", op, id))
	}
	e := &h.entries[id]
	if e.data == nil {
		panic(fmt.Sprintf("monty: Heap.%s: entry %d already freed", op, id))
	}
	return e
}

// Get returns the payload stored at id.
func (h *Heap) Get(id HeapId) pyObject {
	return h.entry(id, "Get").data
}

// RefCount returns the current refcount; used by the in-place +=
// optimization and by tests asserting the refcount discipline.
func (h *Heap) RefCount(id HeapId) uint32 {
	return h.entry(id, "RefCount").refs
}

func (h *Heap) IncRef(id HeapId) {
	h.entry(id, "IncRef").refs++
}

// DecRef decrements the refcount, freeing the entry when it reaches
// zero.  Freeing an aggregate pushes its children onto a worklist that
// is drained iteratively, so deep graphs never blow the Go stack.
func (h *Heap) DecRef(id HeapId) {
	work := h.work[:0]
	work = append(work, id)
	for len(work) > 0 {
		cur := work[len(work)-1]
		work = work[:len(work)-1]
		e := h.entry(cur, "DecRef")
		if e.refs > 1 {
			e.refs--
			continue
		}
		data := e.data
		e.refs = 0
		e.data = nil
		h.free = append(h.free, cur)
		h.tracker.OnFree(e.size)
		data.childIDs(&work)
	}
	h.work = work[:0]
}

// WithTwo borrows two distinct entries simultaneously, the designated
// way binary operations read both operands.
func (h *Heap) WithTwo(a, b HeapId, f func(x, y pyObject)) {
	if a == b {
		panic("monty: Heap.WithTwo: identical handles")
	}
	f(h.entry(a, "WithTwo").data, h.entry(b, "WithTwo").data)
}

// WithEntryMut hands the handler mutable access to one entry while the
// heap stays callable for allocation and refcounting.  The entry must
// stay live for the duration: the handler operates on a self-referential
// value (list.append(list)) without tripping the freed-entry check.
func (h *Heap) WithEntryMut(id HeapId, f func(data pyObject) *Exception) *Exception {
	return f(h.entry(id, "WithEntryMut").data)
}

// MarkPotentialCycle is called by operations that can close a cycle:
// in-place container extension with a heap value, dataclass field
// assignment of a heap value.
func (h *Heap) MarkPotentialCycle() {
	h.potentialCycle = true
}

// LiveCount reports the number of live entries; used by leak checks.
func (h *Heap) LiveCount() int {
	n := 0
	for i := range h.entries {
		if h.entries[i].data != nil {
			n++
		}
	}
	return n
}

// CollectCycles reclaims entries unreachable from the given roots.
// Refcounts alone cannot reclaim cycles; this mark-sweep pass runs on
// termination or on explicit trigger, and only when a potential cycle
// was recorded.  Returns the number of entries freed.
func (h *Heap) CollectCycles(roots []HeapId) int {
	if !h.potentialCycle {
		return 0
	}
	reachable := make([]bool, len(h.entries))
	stack := append([]HeapId(nil), roots...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if int(id) >= len(reachable) || reachable[id] {
			continue
		}
		reachable[id] = true
		if e := &h.entries[id]; e.data != nil {
			e.data.childIDs(&stack)
		}
	}
	freed := 0
	for i := range h.entries {
		e := &h.entries[i]
		if e.data != nil && !reachable[i] {
			h.tracker.OnFree(e.size)
			e.data = nil
			e.refs = 0
			h.free = append(h.free, HeapId(i))
			freed++
		}
	}
	h.potentialCycle = false
	return freed
}
