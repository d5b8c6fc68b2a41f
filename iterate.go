package monty

// getIter builds the opaque iterator state behind guest `for`.  The
// iterator owns one ref on sequence-backed flavors; the argument share
// is NOT consumed.
func getIter(v Value, m *machine) (Value, *Exception) {
	alloc := func(it *iterObject) (Value, *Exception) {
		id, exc := m.heap.Allocate(it)
		if exc != nil {
			it.seq.dropWithHeap(m.heap)
			return undefined, exc
		}
		return refValue(id), nil
	}
	switch v.kind {
	case KindRange:
		return alloc(&iterObject{kind: iterRange, cur: 0, stop: v.asInt(), step: 1})
	case KindInternString:
		return alloc(&iterObject{kind: iterStr, seq: v})
	case KindInternBytes:
		return alloc(&iterObject{kind: iterBytes, seq: v})
	case KindRef:
		switch o := m.heap.Get(v.asHeapId()).(type) {
		case *iterObject:
			return v.cloneWithHeap(m.heap), nil
		case *listObject:
			return alloc(&iterObject{kind: iterList, seq: v.cloneWithHeap(m.heap)})
		case *tupleObject, *namedTupleObject:
			return alloc(&iterObject{kind: iterTuple, seq: v.cloneWithHeap(m.heap)})
		case *strObject:
			return alloc(&iterObject{kind: iterStr, seq: v.cloneWithHeap(m.heap)})
		case *bytesObject:
			return alloc(&iterObject{kind: iterBytes, seq: v.cloneWithHeap(m.heap)})
		case *dictObject:
			return alloc(&iterObject{kind: iterDictKeys, seq: v.cloneWithHeap(m.heap)})
		case *setObject:
			return alloc(&iterObject{kind: iterSet, seq: v.cloneWithHeap(m.heap)})
		case *rangeObject:
			return alloc(&iterObject{kind: iterRange, cur: o.start, stop: o.stop, step: o.step})
		}
	}
	return undefined, typeErrorf("'%s' object is not iterable", v.typeName(m.heap))
}

// iterNext advances the iterator, returning (value, true) or
// (undefined, false) on exhaustion.  The returned value owns its heap
// share.
func iterNext(it *iterObject, m *machine) (Value, bool, *Exception) {
	switch it.kind {
	case iterRange:
		if (it.step > 0 && it.cur >= it.stop) || (it.step < 0 && it.cur <= it.stop) {
			return undefined, false, nil
		}
		v := IntValue(it.cur)
		it.cur += it.step
		return v, true, nil
	case iterList:
		l := m.heap.Get(it.seq.asHeapId()).(*listObject)
		if it.idx >= len(l.items) {
			return undefined, false, nil
		}
		v := l.items[it.idx].cloneWithHeap(m.heap)
		it.idx++
		return v, true, nil
	case iterTuple:
		items, _ := sequenceItems(it.seq, m)
		if it.idx >= len(items) {
			return undefined, false, nil
		}
		v := items[it.idx].cloneWithHeap(m.heap)
		it.idx++
		return v, true, nil
	case iterStr:
		s, _ := asStr(it.seq, m.heap, m.interns)
		if it.idx >= len(s) {
			return undefined, false, nil
		}
		r := []rune(s[it.idx:])
		ch := string(r[0])
		it.idx += len(ch)
		v, exc := newStr(m.heap, ch)
		if exc != nil {
			return undefined, false, exc
		}
		return v, true, nil
	case iterBytes:
		b, _ := asBytes(it.seq, m.heap, m.interns)
		if it.idx >= len(b) {
			return undefined, false, nil
		}
		v := IntValue(int64(b[it.idx]))
		it.idx++
		return v, true, nil
	case iterDictKeys:
		d := m.heap.Get(it.seq.asHeapId()).(*dictObject)
		for it.idx < len(d.entries) {
			e := &d.entries[it.idx]
			it.idx++
			if e.live {
				return e.key.cloneWithHeap(m.heap), true, nil
			}
		}
		return undefined, false, nil
	case iterSet:
		s := m.heap.Get(it.seq.asHeapId()).(*setObject)
		for it.idx < len(s.entries) {
			e := &s.entries[it.idx]
			it.idx++
			if e.live {
				return e.v.cloneWithHeap(m.heap), true, nil
			}
		}
		return undefined, false, nil
	}
	panic("monty: iterNext: unknown iterator kind")
}

// iterateToSlice materializes any iterable into an owned value slice.
func iterateToSlice(v Value, m *machine) ([]Value, *Exception) {
	// fast paths that avoid allocating an iterator
	if items, ok := sequenceItems(v, m); ok {
		out := make([]Value, len(items))
		for i, item := range items {
			out[i] = item.cloneWithHeap(m.heap)
		}
		return out, nil
	}
	iv, exc := getIter(v, m)
	if exc != nil {
		return nil, exc
	}
	defer iv.dropWithHeap(m.heap)
	it := m.heap.Get(iv.asHeapId()).(*iterObject)
	var out []Value
	for {
		item, ok, exc := iterNext(it, m)
		if exc != nil {
			dropAll(out, m.heap)
			return nil, exc
		}
		if !ok {
			return out, nil
		}
		out = append(out, item)
	}
}

// valueContains implements guest `in`.
func valueContains(container, item Value, m *machine) (bool, *Exception) {
	if s, ok := asStr(container, m.heap, m.interns); ok {
		sub, ok := asStr(item, m.heap, m.interns)
		if !ok {
			return false, typeErrorf("'in <string>' requires string as left operand, not %s", item.typeName(m.heap))
		}
		return containsSub(s, sub), nil
	}
	if container.kind == KindRef {
		switch o := m.heap.Get(container.asHeapId()).(type) {
		case *dictObject:
			_, found, exc := o.get(item, m)
			return found, exc
		case *setObject:
			return o.contains(item, m)
		}
	}
	items, exc := iterateToSlice(container, m)
	if exc != nil {
		return false, exc
	}
	defer dropAll(items, m.heap)
	for _, v := range items {
		if valueEq(v, item, m) {
			return true, nil
		}
	}
	return false, nil
}

func containsSub(s, sub string) bool {
	if sub == "" {
		return true
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
