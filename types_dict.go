package monty

// dictObject is an insertion-ordered mapping: a hash table of indices
// plus a dense entry vector holding key/value/hash triples.  Deleted
// entries become tombstones and are compacted once they outnumber the
// live ones.
type dictObject struct {
	index        map[uint64][]int32
	entries      []dictEntry
	used         int
	containsRefs bool
}

type dictEntry struct {
	hash  uint64
	key   Value
	value Value
	live  bool
}

func newDictObject(capacity int) *dictObject {
	return &dictObject{
		index:   make(map[uint64][]int32, capacity),
		entries: make([]dictEntry, 0, capacity),
	}
}

func (d *dictObject) pyType() string { return "dict" }

func (d *dictObject) childIDs(stack *[]HeapId) {
	if !d.containsRefs {
		return
	}
	for i := range d.entries {
		e := &d.entries[i]
		if !e.live {
			continue
		}
		if e.key.isRef() {
			*stack = append(*stack, e.key.asHeapId())
		}
		if e.value.isRef() {
			*stack = append(*stack, e.value.asHeapId())
		}
	}
}

func (d *dictObject) estimateSize() int { return 64 + len(d.entries)*40 }

// lookup finds the entry index for key, or -1.
func (d *dictObject) lookup(key Value, hash uint64, m *machine) int {
	for _, idx := range d.index[hash] {
		e := &d.entries[idx]
		if e.live && valueEq(e.key, key, m) {
			return int(idx)
		}
	}
	return -1
}

// set inserts or replaces, taking ownership of the refcount shares of
// both key and value.  Unhashable keys are rejected with TypeError.
func (d *dictObject) set(key, value Value, m *machine) *Exception {
	hash, exc := valueHash(key, m)
	if exc != nil {
		key.dropWithHeap(m.heap)
		value.dropWithHeap(m.heap)
		return exc
	}
	if key.isRef() || value.isRef() {
		d.containsRefs = true
		m.heap.MarkPotentialCycle()
	}
	if idx := d.lookup(key, hash, m); idx >= 0 {
		e := &d.entries[idx]
		key.dropWithHeap(m.heap)
		e.value.dropWithHeap(m.heap)
		e.value = value
		return nil
	}
	idx := int32(len(d.entries))
	d.entries = append(d.entries, dictEntry{hash: hash, key: key, value: value, live: true})
	d.index[hash] = append(d.index[hash], idx)
	d.used++
	return nil
}

// get returns a borrowed value; the caller clones if it keeps it.
func (d *dictObject) get(key Value, m *machine) (Value, bool, *Exception) {
	hash, exc := valueHash(key, m)
	if exc != nil {
		return undefined, false, exc
	}
	if idx := d.lookup(key, hash, m); idx >= 0 {
		return d.entries[idx].value, true, nil
	}
	return undefined, false, nil
}

// delete removes a key, dropping both shares.  Reports whether the key
// was present.
func (d *dictObject) delete(key Value, m *machine) (bool, *Exception) {
	hash, exc := valueHash(key, m)
	if exc != nil {
		return false, exc
	}
	idx := d.lookup(key, hash, m)
	if idx < 0 {
		return false, nil
	}
	e := &d.entries[idx]
	e.live = false
	e.key.dropWithHeap(m.heap)
	e.value.dropWithHeap(m.heap)
	e.key, e.value = undefined, undefined
	d.used--
	bucket := d.index[hash]
	for i, b := range bucket {
		if int(b) == idx {
			d.index[hash] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if d.used*2 < len(d.entries) {
		d.compact()
	}
	return true, nil
}

// compact rewrites the entry vector without tombstones, preserving
// insertion order.
func (d *dictObject) compact() {
	entries := make([]dictEntry, 0, d.used)
	index := make(map[uint64][]int32, d.used)
	for i := range d.entries {
		e := d.entries[i]
		if !e.live {
			continue
		}
		idx := int32(len(entries))
		entries = append(entries, e)
		index[e.hash] = append(index[e.hash], idx)
	}
	d.entries = entries
	d.index = index
}

// liveEntries returns the live entries in insertion order; entries are
// borrowed.
func (d *dictObject) liveEntries() []dictEntry {
	out := make([]dictEntry, 0, d.used)
	for i := range d.entries {
		if d.entries[i].live {
			out = append(out, d.entries[i])
		}
	}
	return out
}

func newDict(h *Heap, capacity int) (Value, HeapId, *Exception) {
	id, exc := h.Allocate(newDictObject(capacity))
	if exc != nil {
		return undefined, 0, exc
	}
	return refValue(id), id, nil
}

func dictCallMethod(d *dictObject, method StringId, args []Value, m *machine) (Value, *Exception) {
	ss, ok := staticStringFromId(method)
	if !ok {
		return undefined, attributeErrorf("'dict' object has no attribute %s", reprString(m.interns.GetString(method)))
	}
	switch ss {
	case ssGet:
		if exc := wantArgsRange("dict", method, args, 1, 2, m); exc != nil {
			return undefined, exc
		}
		v, found, exc := d.get(args[0], m)
		if exc != nil {
			return undefined, exc
		}
		if found {
			return v.cloneWithHeap(m.heap), nil
		}
		if len(args) == 2 {
			return args[1].cloneWithHeap(m.heap), nil
		}
		return valueNone, nil
	case ssSetdefault:
		if exc := wantArgsRange("dict", method, args, 1, 2, m); exc != nil {
			return undefined, exc
		}
		v, found, exc := d.get(args[0], m)
		if exc != nil {
			return undefined, exc
		}
		if found {
			return v.cloneWithHeap(m.heap), nil
		}
		def := valueNone
		if len(args) == 2 {
			def = args[1]
		}
		if exc := d.set(args[0].cloneWithHeap(m.heap), def.cloneWithHeap(m.heap), m); exc != nil {
			return undefined, exc
		}
		return def.cloneWithHeap(m.heap), nil
	case ssPop:
		if exc := wantArgsRange("dict", method, args, 1, 2, m); exc != nil {
			return undefined, exc
		}
		hash, exc := valueHash(args[0], m)
		if exc != nil {
			return undefined, exc
		}
		if idx := d.lookup(args[0], hash, m); idx >= 0 {
			e := &d.entries[idx]
			out := e.value
			e.live = false
			e.key.dropWithHeap(m.heap)
			e.key, e.value = undefined, undefined
			d.used--
			bucket := d.index[hash]
			for i, b := range bucket {
				if int(b) == idx {
					d.index[hash] = append(bucket[:i], bucket[i+1:]...)
					break
				}
			}
			return out, nil
		}
		if len(args) == 2 {
			return args[1].cloneWithHeap(m.heap), nil
		}
		return undefined, newExceptionf(KeyError, "%s", valueRepr(args[0], m))
	case ssPopitem:
		if exc := wantArgs("dict", method, args, 0, m); exc != nil {
			return undefined, exc
		}
		for i := len(d.entries) - 1; i >= 0; i-- {
			e := &d.entries[i]
			if !e.live {
				continue
			}
			pair, exc := newTuple(m.heap, []Value{e.key, e.value})
			if exc != nil {
				return undefined, exc
			}
			e.live = false
			e.key, e.value = undefined, undefined
			d.used--
			bucket := d.index[e.hash]
			for j, b := range bucket {
				if int(b) == i {
					d.index[e.hash] = append(bucket[:j], bucket[j+1:]...)
					break
				}
			}
			return pair, nil
		}
		return undefined, newException(KeyError, "'popitem(): dictionary is empty'")
	case ssKeys, ssValues, ssItems:
		if exc := wantArgs("dict", method, args, 0, m); exc != nil {
			return undefined, exc
		}
		live := d.liveEntries()
		items := make([]Value, 0, len(live))
		for _, e := range live {
			switch ss {
			case ssKeys:
				items = append(items, e.key.cloneWithHeap(m.heap))
			case ssValues:
				items = append(items, e.value.cloneWithHeap(m.heap))
			default:
				pair, exc := newTuple(m.heap, []Value{e.key.cloneWithHeap(m.heap), e.value.cloneWithHeap(m.heap)})
				if exc != nil {
					dropAll(items, m.heap)
					return undefined, exc
				}
				items = append(items, pair)
			}
		}
		return newList(m.heap, items)
	case ssUpdate:
		if exc := wantArgs("dict", method, args, 1, m); exc != nil {
			return undefined, exc
		}
		other, ok := asDict(args[0], m.heap)
		if !ok {
			return undefined, typeErrorf("dict.update() argument must be dict, not %s", args[0].typeName(m.heap))
		}
		for _, e := range other.liveEntries() {
			if exc := d.set(e.key.cloneWithHeap(m.heap), e.value.cloneWithHeap(m.heap), m); exc != nil {
				return undefined, exc
			}
		}
		return valueNone, nil
	case ssClear:
		if exc := wantArgs("dict", method, args, 0, m); exc != nil {
			return undefined, exc
		}
		for i := range d.entries {
			e := &d.entries[i]
			if e.live {
				e.key.dropWithHeap(m.heap)
				e.value.dropWithHeap(m.heap)
			}
		}
		d.entries = d.entries[:0]
		d.index = map[uint64][]int32{}
		d.used = 0
		return valueNone, nil
	case ssCopy:
		if exc := wantArgs("dict", method, args, 0, m); exc != nil {
			return undefined, exc
		}
		out, _, exc := newDict(m.heap, d.used)
		if exc != nil {
			return undefined, exc
		}
		cp := m.heap.Get(out.asHeapId()).(*dictObject)
		for _, e := range d.liveEntries() {
			if exc := cp.set(e.key.cloneWithHeap(m.heap), e.value.cloneWithHeap(m.heap), m); exc != nil {
				out.dropWithHeap(m.heap)
				return undefined, exc
			}
		}
		return out, nil
	case ssFromkeys:
		// exposed both as a class method and an instance method
		return dictFromkeys(args, m)
	default:
		return undefined, attributeErrorf("'dict' object has no attribute %s", reprString(m.interns.GetString(method)))
	}
}

// dictFromkeys builds a new dict from an iterable of keys plus an
// optional shared default value.
func dictFromkeys(args []Value, m *machine) (Value, *Exception) {
	if len(args) < 1 || len(args) > 2 {
		return undefined, typeErrorf("fromkeys expected at most 2 arguments, got %d", len(args))
	}
	def := valueNone
	if len(args) == 2 {
		def = args[1]
	}
	keys, exc := iterateToSlice(args[0], m)
	if exc != nil {
		return undefined, exc
	}
	out, _, exc := newDict(m.heap, len(keys))
	if exc != nil {
		dropAll(keys, m.heap)
		return undefined, exc
	}
	d := m.heap.Get(out.asHeapId()).(*dictObject)
	for _, k := range keys {
		// key share transfers into the dict
		if exc := d.set(k, def.cloneWithHeap(m.heap), m); exc != nil {
			out.dropWithHeap(m.heap)
			return undefined, exc
		}
	}
	return out, nil
}

func asDict(v Value, h *Heap) (*dictObject, bool) {
	if v.kind != KindRef {
		return nil, false
	}
	d, ok := h.Get(v.asHeapId()).(*dictObject)
	return d, ok
}
