package monty

// tupleObject is an immutable vector of values, with the same
// containsRefs optimization bit as listObject.
type tupleObject struct {
	items        []Value
	containsRefs bool
}

func (t *tupleObject) pyType() string { return "tuple" }

func (t *tupleObject) childIDs(stack *[]HeapId) {
	if !t.containsRefs {
		return
	}
	for _, v := range t.items {
		if v.isRef() {
			*stack = append(*stack, v.asHeapId())
		}
	}
}

func (t *tupleObject) estimateSize() int { return 32 + len(t.items)*16 }

// newTuple builds a tuple taking ownership of the refcount shares in
// items.
func newTuple(h *Heap, items []Value) (Value, *Exception) {
	t := &tupleObject{items: items}
	for _, v := range items {
		if v.isRef() {
			t.containsRefs = true
			break
		}
	}
	id, exc := h.Allocate(t)
	if exc != nil {
		dropAll(items, h)
		return undefined, exc
	}
	return refValue(id), nil
}

func tupleCallMethod(t *tupleObject, method StringId, args []Value, m *machine) (Value, *Exception) {
	ss, ok := staticStringFromId(method)
	if ok {
		switch ss {
		case ssIndex:
			if exc := wantArgs("tuple", method, args, 1, m); exc != nil {
				return undefined, exc
			}
			for i, v := range t.items {
				if valueEq(v, args[0], m) {
					return IntValue(int64(i)), nil
				}
			}
			return undefined, valueErrorf("tuple.index(x): x not in tuple")
		case ssCount:
			if exc := wantArgs("tuple", method, args, 1, m); exc != nil {
				return undefined, exc
			}
			n := int64(0)
			for _, v := range t.items {
				if valueEq(v, args[0], m) {
					n++
				}
			}
			return IntValue(n), nil
		}
	}
	return undefined, attributeErrorf("'tuple' object has no attribute %s", reprString(m.interns.GetString(method)))
}
