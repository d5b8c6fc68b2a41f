package monty

import "math/big"

// Small heap variants that don't warrant their own file: cells, heap
// ranges, long ints, closures, modules, iterators and structured
// exceptions.  The container types live in types_*.go.

// cellObject is the heap-allocated single-slot box behind the cell
// variable scope.  Namespace slots of captured variables hold a ref to
// the cell; loads and stores dereference through it.
type cellObject struct {
	v Value
}

func (c *cellObject) pyType() string { return "cell" }

func (c *cellObject) childIDs(stack *[]HeapId) {
	if c.v.isRef() {
		*stack = append(*stack, c.v.asHeapId())
	}
}

func (c *cellObject) estimateSize() int { return 24 }

// rangeObject is the heap form of range(start, stop, step); plain
// range(stop) stays immediate.
type rangeObject struct {
	start, stop, step int64
}

func (r *rangeObject) pyType() string          { return "range" }
func (r *rangeObject) childIDs(*[]HeapId)      {}
func (r *rangeObject) estimateSize() int       { return 32 }

// rangeLen computes the number of items a range yields.
func rangeLen(start, stop, step int64) int64 {
	if step > 0 {
		if stop <= start {
			return 0
		}
		return (stop - start + step - 1) / step
	}
	if stop >= start {
		return 0
	}
	return (start - stop - step - 1) / (-step)
}

// longIntObject wraps an arbitrary-precision integer.
type longIntObject struct {
	v *big.Int
}

func (l *longIntObject) pyType() string     { return "int" }
func (l *longIntObject) childIDs(*[]HeapId) {}

func (l *longIntObject) estimateSize() int {
	return 24 + len(l.v.Bits())*8
}

// closureObject pairs a FunctionId with captured cell refs and bound
// default values.  A function with no captures and no defaults stays an
// immediate Function value.
type closureObject struct {
	fn       FunctionId
	cells    []HeapId
	defaults []Value
}

func (c *closureObject) pyType() string { return "function" }

func (c *closureObject) childIDs(stack *[]HeapId) {
	*stack = append(*stack, c.cells...)
	for _, d := range c.defaults {
		if d.isRef() {
			*stack = append(*stack, d.asHeapId())
		}
	}
}

func (c *closureObject) estimateSize() int {
	return 32 + len(c.cells)*4 + len(c.defaults)*16
}

// moduleObject is a name plus an attribute map, read-only after
// initialization.
type moduleObject struct {
	name  StringId
	names []StringId
	attrs map[StringId]Value
}

func newModuleObject(name StringId) *moduleObject {
	return &moduleObject{name: name, attrs: map[StringId]Value{}}
}

func (m *moduleObject) set(name StringId, v Value) {
	if _, ok := m.attrs[name]; !ok {
		m.names = append(m.names, name)
	}
	m.attrs[name] = v
}

func (m *moduleObject) pyType() string { return "module" }

func (m *moduleObject) childIDs(stack *[]HeapId) {
	for _, v := range m.attrs {
		if v.isRef() {
			*stack = append(*stack, v.asHeapId())
		}
	}
}

func (m *moduleObject) estimateSize() int {
	return 48 + len(m.attrs)*24
}

// iterKind selects the cursor flavor held by iterObject.
type iterKind uint8

const (
	iterList iterKind = iota
	iterTuple
	iterStr
	iterBytes
	iterRange
	iterDictKeys
	iterSet
)

// iterObject is the opaque state for built-in `for` iteration.  For
// sequence flavors it owns one ref on the underlying container; range
// cursors are carried inline.
type iterObject struct {
	kind iterKind
	seq  Value
	idx  int

	// range cursor
	cur, stop, step int64
}

func (it *iterObject) pyType() string { return "iterator" }

func (it *iterObject) childIDs(stack *[]HeapId) {
	if it.seq.isRef() {
		*stack = append(*stack, it.seq.asHeapId())
	}
}

func (it *iterObject) estimateSize() int { return 64 }

// sliceObject carries the bounds of a slice expression a[i:j:k].
// Bounds hold None for defaults.
type sliceObject struct {
	lo, hi, step Value
}

func (s *sliceObject) pyType() string { return "slice" }

func (s *sliceObject) childIDs(stack *[]HeapId) {
	for _, v := range [...]Value{s.lo, s.hi, s.step} {
		if v.isRef() {
			*stack = append(*stack, v.asHeapId())
		}
	}
}

func (s *sliceObject) estimateSize() int { return 56 }

// excObject is the heap form of an exception: a structured exception
// with its traceback plus the guest-visible args tuple.
type excObject struct {
	exc  *Exception
	args []Value
}

func (e *excObject) pyType() string { return e.exc.Type.String() }

func (e *excObject) childIDs(stack *[]HeapId) {
	for _, v := range e.args {
		if v.isRef() {
			*stack = append(*stack, v.asHeapId())
		}
	}
}

func (e *excObject) estimateSize() int {
	return 64 + len(e.exc.Message) + len(e.args)*16
}
