package monty

// setObject is an unordered hash set of values.  Unhashable members are
// rejected at insertion.
type setObject struct {
	index        map[uint64][]int32
	entries      []setEntry
	used         int
	containsRefs bool
}

type setEntry struct {
	hash uint64
	v    Value
	live bool
}

func newSetObject(capacity int) *setObject {
	return &setObject{
		index:   make(map[uint64][]int32, capacity),
		entries: make([]setEntry, 0, capacity),
	}
}

func (s *setObject) pyType() string { return "set" }

func (s *setObject) childIDs(stack *[]HeapId) {
	if !s.containsRefs {
		return
	}
	for i := range s.entries {
		e := &s.entries[i]
		if e.live && e.v.isRef() {
			*stack = append(*stack, e.v.asHeapId())
		}
	}
}

func (s *setObject) estimateSize() int { return 64 + len(s.entries)*24 }

func (s *setObject) lookup(v Value, hash uint64, m *machine) int {
	for _, idx := range s.index[hash] {
		e := &s.entries[idx]
		if e.live && valueEq(e.v, v, m) {
			return int(idx)
		}
	}
	return -1
}

// add takes ownership of the value's refcount share; duplicate members
// drop it.
func (s *setObject) add(v Value, m *machine) *Exception {
	hash, exc := valueHash(v, m)
	if exc != nil {
		v.dropWithHeap(m.heap)
		return exc
	}
	if s.lookup(v, hash, m) >= 0 {
		v.dropWithHeap(m.heap)
		return nil
	}
	if v.isRef() {
		s.containsRefs = true
		m.heap.MarkPotentialCycle()
	}
	idx := int32(len(s.entries))
	s.entries = append(s.entries, setEntry{hash: hash, v: v, live: true})
	s.index[hash] = append(s.index[hash], idx)
	s.used++
	return nil
}

func (s *setObject) remove(v Value, m *machine) (bool, *Exception) {
	hash, exc := valueHash(v, m)
	if exc != nil {
		return false, exc
	}
	idx := s.lookup(v, hash, m)
	if idx < 0 {
		return false, nil
	}
	e := &s.entries[idx]
	e.live = false
	e.v.dropWithHeap(m.heap)
	e.v = undefined
	s.used--
	bucket := s.index[hash]
	for i, b := range bucket {
		if int(b) == idx {
			s.index[hash] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *setObject) contains(v Value, m *machine) (bool, *Exception) {
	hash, exc := valueHash(v, m)
	if exc != nil {
		return false, exc
	}
	return s.lookup(v, hash, m) >= 0, nil
}

// liveValues returns the live members in insertion order; values are
// borrowed.
func (s *setObject) liveValues() []Value {
	out := make([]Value, 0, s.used)
	for i := range s.entries {
		if s.entries[i].live {
			out = append(out, s.entries[i].v)
		}
	}
	return out
}

func newSet(h *Heap, capacity int) (Value, *Exception) {
	id, exc := h.Allocate(newSetObject(capacity))
	if exc != nil {
		return undefined, exc
	}
	return refValue(id), nil
}

func setCallMethod(s *setObject, method StringId, args []Value, m *machine) (Value, *Exception) {
	ss, ok := staticStringFromId(method)
	if !ok {
		return undefined, attributeErrorf("'set' object has no attribute %s", reprString(m.interns.GetString(method)))
	}
	switch ss {
	case ssAdd:
		if exc := wantArgs("set", method, args, 1, m); exc != nil {
			return undefined, exc
		}
		if exc := s.add(args[0].cloneWithHeap(m.heap), m); exc != nil {
			return undefined, exc
		}
		return valueNone, nil
	case ssRemove, ssDiscard:
		if exc := wantArgs("set", method, args, 1, m); exc != nil {
			return undefined, exc
		}
		found, exc := s.remove(args[0], m)
		if exc != nil {
			return undefined, exc
		}
		if !found && ss == ssRemove {
			return undefined, newExceptionf(KeyError, "%s", valueRepr(args[0], m))
		}
		return valueNone, nil
	case ssPop:
		if exc := wantArgs("set", method, args, 0, m); exc != nil {
			return undefined, exc
		}
		for i := range s.entries {
			e := &s.entries[i]
			if !e.live {
				continue
			}
			out := e.v
			e.live = false
			e.v = undefined
			s.used--
			bucket := s.index[e.hash]
			for j, b := range bucket {
				if int(b) == i {
					s.index[e.hash] = append(bucket[:j], bucket[j+1:]...)
					break
				}
			}
			return out, nil
		}
		return undefined, newException(KeyError, "'pop from an empty set'")
	case ssClear:
		if exc := wantArgs("set", method, args, 0, m); exc != nil {
			return undefined, exc
		}
		for i := range s.entries {
			if s.entries[i].live {
				s.entries[i].v.dropWithHeap(m.heap)
			}
		}
		s.entries = s.entries[:0]
		s.index = map[uint64][]int32{}
		s.used = 0
		return valueNone, nil
	case ssCopy:
		if exc := wantArgs("set", method, args, 0, m); exc != nil {
			return undefined, exc
		}
		return setFromValues(s.liveValues(), true, m)
	case ssUpdate:
		if exc := wantArgs("set", method, args, 1, m); exc != nil {
			return undefined, exc
		}
		items, exc := iterateToSlice(args[0], m)
		if exc != nil {
			return undefined, exc
		}
		for _, v := range items {
			if exc := s.add(v, m); exc != nil {
				return undefined, exc
			}
		}
		return valueNone, nil
	case ssUnion, ssIntersection, ssDifference, ssSymmetricDifference:
		if exc := wantArgs("set", method, args, 1, m); exc != nil {
			return undefined, exc
		}
		other, ok := asSet(args[0], m.heap)
		if !ok {
			return undefined, typeErrorf("'%s' object is not a set", args[0].typeName(m.heap))
		}
		return setCombine(s, other, ss, m)
	case ssIssubset, ssIssuperset, ssIsdisjoint:
		if exc := wantArgs("set", method, args, 1, m); exc != nil {
			return undefined, exc
		}
		other, ok := asSet(args[0], m.heap)
		if !ok {
			return undefined, typeErrorf("'%s' object is not a set", args[0].typeName(m.heap))
		}
		switch ss {
		case ssIssubset:
			return BoolValue(setAllIn(s, other, m)), nil
		case ssIssuperset:
			return BoolValue(setAllIn(other, s, m)), nil
		default:
			for _, v := range s.liveValues() {
				if in, _ := other.contains(v, m); in {
					return valueFalse, nil
				}
			}
			return valueTrue, nil
		}
	default:
		return undefined, attributeErrorf("'set' object has no attribute %s", reprString(m.interns.GetString(method)))
	}
}

func setAllIn(a, b *setObject, m *machine) bool {
	for _, v := range a.liveValues() {
		if in, _ := b.contains(v, m); !in {
			return false
		}
	}
	return true
}

func setCombine(a, b *setObject, op staticString, m *machine) (Value, *Exception) {
	out, exc := newSet(m.heap, a.used)
	if exc != nil {
		return undefined, exc
	}
	res := m.heap.Get(out.asHeapId()).(*setObject)
	include := func(v Value, keep bool) *Exception {
		if !keep {
			return nil
		}
		return res.add(v.cloneWithHeap(m.heap), m)
	}
	for _, v := range a.liveValues() {
		inB, _ := b.contains(v, m)
		var keep bool
		switch op {
		case ssUnion:
			keep = true
		case ssIntersection:
			keep = inB
		case ssDifference, ssSymmetricDifference:
			keep = !inB
		}
		if exc := include(v, keep); exc != nil {
			out.dropWithHeap(m.heap)
			return undefined, exc
		}
	}
	if op == ssUnion || op == ssSymmetricDifference {
		for _, v := range b.liveValues() {
			inA, _ := a.contains(v, m)
			if exc := include(v, op == ssUnion || !inA); exc != nil {
				out.dropWithHeap(m.heap)
				return undefined, exc
			}
		}
	}
	return out, nil
}

// setFromValues builds a set from borrowed (clone=true) or owned
// (clone=false) values.
func setFromValues(items []Value, clone bool, m *machine) (Value, *Exception) {
	out, exc := newSet(m.heap, len(items))
	if exc != nil {
		if !clone {
			dropAll(items, m.heap)
		}
		return undefined, exc
	}
	s := m.heap.Get(out.asHeapId()).(*setObject)
	for _, v := range items {
		if clone {
			v = v.cloneWithHeap(m.heap)
		}
		if exc := s.add(v, m); exc != nil {
			out.dropWithHeap(m.heap)
			return undefined, exc
		}
	}
	return out, nil
}

func asSet(v Value, h *Heap) (*setObject, bool) {
	if v.kind != KindRef {
		return nil, false
	}
	s, ok := h.Get(v.asHeapId()).(*setObject)
	return s, ok
}
