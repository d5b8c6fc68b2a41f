package monty

import "sort"

// listObject is a dense vector of values.  The containsRefs bit lets
// refcount sweeps return immediately for primitive-only lists.
type listObject struct {
	items        []Value
	containsRefs bool
}

func (l *listObject) pyType() string { return "list" }

func (l *listObject) childIDs(stack *[]HeapId) {
	if !l.containsRefs {
		return
	}
	for _, v := range l.items {
		if v.isRef() {
			*stack = append(*stack, v.asHeapId())
		}
	}
}

func (l *listObject) estimateSize() int { return 40 + len(l.items)*16 }

// push appends a value whose refcount share transfers to the list.
func (l *listObject) push(v Value) {
	if v.isRef() {
		l.containsRefs = true
	}
	l.items = append(l.items, v)
}

// newList builds a list taking ownership of the refcount shares in
// items.
func newList(h *Heap, items []Value) (Value, *Exception) {
	l := &listObject{items: items}
	for _, v := range items {
		if v.isRef() {
			l.containsRefs = true
			break
		}
	}
	id, exc := h.Allocate(l)
	if exc != nil {
		dropAll(items, h)
		return undefined, exc
	}
	return refValue(id), nil
}

// normIndex converts a possibly negative guest index, reporting
// IndexError when out of bounds.
func normIndex(i int64, length int, what string) (int, *Exception) {
	if i < 0 {
		i += int64(length)
	}
	if i < 0 || i >= int64(length) {
		return 0, indexErrorf("%s index out of range", what)
	}
	return int(i), nil
}

// listCallMethod dispatches list method calls.  The receiver id is
// passed so mutating methods can flag potential cycles.
func listCallMethod(l *listObject, selfId HeapId, method StringId, args []Value, m *machine) (Value, *Exception) {
	ss, ok := staticStringFromId(method)
	if !ok {
		return undefined, attributeErrorf("'list' object has no attribute %s", reprString(m.interns.GetString(method)))
	}
	switch ss {
	case ssAppend:
		if exc := wantArgs("list", method, args, 1, m); exc != nil {
			return undefined, exc
		}
		v := args[0].cloneWithHeap(m.heap)
		l.push(v)
		if v.isRef() {
			m.heap.MarkPotentialCycle()
		}
		return valueNone, nil
	case ssExtend:
		if exc := wantArgs("list", method, args, 1, m); exc != nil {
			return undefined, exc
		}
		items, exc := iterateToSlice(args[0], m)
		if exc != nil {
			return undefined, exc
		}
		for _, v := range items {
			l.push(v)
			if v.isRef() {
				m.heap.MarkPotentialCycle()
			}
		}
		return valueNone, nil
	case ssInsert:
		if exc := wantArgs("list", method, args, 2, m); exc != nil {
			return undefined, exc
		}
		if args[0].kind != KindInt {
			return undefined, typeErrorf("'%s' object cannot be interpreted as an integer", args[0].typeName(m.heap))
		}
		pos := args[0].asInt()
		if pos < 0 {
			pos += int64(len(l.items))
			if pos < 0 {
				pos = 0
			}
		}
		if pos > int64(len(l.items)) {
			pos = int64(len(l.items))
		}
		v := args[1].cloneWithHeap(m.heap)
		if v.isRef() {
			l.containsRefs = true
			m.heap.MarkPotentialCycle()
		}
		l.items = append(l.items, undefined)
		copy(l.items[pos+1:], l.items[pos:])
		l.items[pos] = v
		return valueNone, nil
	case ssPop:
		if exc := wantArgsRange("list", method, args, 0, 1, m); exc != nil {
			return undefined, exc
		}
		if len(l.items) == 0 {
			return undefined, indexErrorf("pop from empty list")
		}
		at := int64(len(l.items) - 1)
		if len(args) == 1 {
			if args[0].kind != KindInt {
				return undefined, typeErrorf("'%s' object cannot be interpreted as an integer", args[0].typeName(m.heap))
			}
			at = args[0].asInt()
		}
		idx, exc := normIndex(at, len(l.items), "pop")
		if exc != nil {
			return undefined, exc
		}
		v := l.items[idx]
		l.items = append(l.items[:idx], l.items[idx+1:]...)
		// ownership transfers to the caller, no refcount change
		return v, nil
	case ssRemove:
		if exc := wantArgs("list", method, args, 1, m); exc != nil {
			return undefined, exc
		}
		for i, v := range l.items {
			if valueEq(v, args[0], m) {
				v.dropWithHeap(m.heap)
				l.items = append(l.items[:i], l.items[i+1:]...)
				return valueNone, nil
			}
		}
		return undefined, valueErrorf("list.remove(x): x not in list")
	case ssIndex:
		if exc := wantArgs("list", method, args, 1, m); exc != nil {
			return undefined, exc
		}
		for i, v := range l.items {
			if valueEq(v, args[0], m) {
				return IntValue(int64(i)), nil
			}
		}
		return undefined, valueErrorf("%s is not in list", valueRepr(args[0], m))
	case ssCount:
		if exc := wantArgs("list", method, args, 1, m); exc != nil {
			return undefined, exc
		}
		n := int64(0)
		for _, v := range l.items {
			if valueEq(v, args[0], m) {
				n++
			}
		}
		return IntValue(n), nil
	case ssReverse:
		if exc := wantArgs("list", method, args, 0, m); exc != nil {
			return undefined, exc
		}
		for i, j := 0, len(l.items)-1; i < j; i, j = i+1, j-1 {
			l.items[i], l.items[j] = l.items[j], l.items[i]
		}
		return valueNone, nil
	case ssSort:
		if exc := wantArgs("list", method, args, 0, m); exc != nil {
			return undefined, exc
		}
		var sortExc *Exception
		sort.SliceStable(l.items, func(i, j int) bool {
			if sortExc != nil {
				return false
			}
			less, exc := valueLess(l.items[i], l.items[j], m)
			if exc != nil {
				sortExc = exc
				return false
			}
			return less
		})
		if sortExc != nil {
			return undefined, sortExc
		}
		return valueNone, nil
	case ssClear:
		if exc := wantArgs("list", method, args, 0, m); exc != nil {
			return undefined, exc
		}
		for _, v := range l.items {
			v.dropWithHeap(m.heap)
		}
		l.items = l.items[:0]
		return valueNone, nil
	case ssCopy:
		if exc := wantArgs("list", method, args, 0, m); exc != nil {
			return undefined, exc
		}
		items := make([]Value, len(l.items))
		for i, v := range l.items {
			items[i] = v.cloneWithHeap(m.heap)
		}
		return newList(m.heap, items)
	default:
		return undefined, attributeErrorf("'list' object has no attribute %s", reprString(m.interns.GetString(method)))
	}
}
