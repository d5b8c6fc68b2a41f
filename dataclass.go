package monty

// dataclassTypeObject is the constructor produced by the dataclass
// decorator: the record shape (field names, defaults, frozen flag)
// without any instance data.  Calling it constructs a
// dataclassObject.
type dataclassTypeObject struct {
	typeName_ string
	fields    []StringId
	defaults  []Value // parallel tail of fields; undefined = required
	frozen    bool
}

func (t *dataclassTypeObject) pyType() string { return "type" }

func (t *dataclassTypeObject) childIDs(stack *[]HeapId) {
	for _, v := range t.defaults {
		if v.isRef() {
			*stack = append(*stack, v.asHeapId())
		}
	}
}

func (t *dataclassTypeObject) estimateSize() int {
	return 48 + len(t.fields)*20
}

// dataclassObject is a dataclass-shaped record: type name, ordered
// fields and the frozen flag.  Frozen instances are hashable and reject
// attribute writes; mutable instances are unhashable.
type dataclassObject struct {
	typeName_ string
	fields    []StringId
	values    []Value
	frozen    bool
}

func (d *dataclassObject) pyType() string { return d.typeName_ }

func (d *dataclassObject) childIDs(stack *[]HeapId) {
	for _, v := range d.values {
		if v.isRef() {
			*stack = append(*stack, v.asHeapId())
		}
	}
}

func (d *dataclassObject) estimateSize() int {
	return 48 + len(d.values)*20
}

func (d *dataclassObject) fieldIndex(name StringId) int {
	for i, f := range d.fields {
		if f == name {
			return i
		}
	}
	return -1
}

// construct binds call arguments against the dataclass signature and
// allocates the instance.
func (t *dataclassTypeObject) construct(args []Value, kwnames []StringId, kwvalues []Value, m *machine) (Value, *Exception) {
	if len(args) > len(t.fields) {
		return undefined, typeErrorf("%s() takes %d positional arguments but %d were given",
			t.typeName_, len(t.fields), len(args))
	}
	values := make([]Value, len(t.fields))
	for i := range values {
		values[i] = undefined
	}
	for i, v := range args {
		values[i] = v.cloneWithHeap(m.heap)
	}
	for i, name := range kwnames {
		idx := -1
		for j, f := range t.fields {
			if f == name {
				idx = j
				break
			}
		}
		if idx < 0 {
			dropAll(values, m.heap)
			return undefined, typeErrorf("%s() got an unexpected keyword argument %s",
				t.typeName_, reprString(m.interns.GetString(name)))
		}
		if !values[idx].isUndefined() {
			dropAll(values, m.heap)
			return undefined, typeErrorf("%s() got multiple values for argument %s",
				t.typeName_, reprString(m.interns.GetString(name)))
		}
		values[idx] = kwvalues[i].cloneWithHeap(m.heap)
	}
	defaultsStart := len(t.fields) - len(t.defaults)
	for i, v := range values {
		if !v.isUndefined() {
			continue
		}
		if i >= defaultsStart && !t.defaults[i-defaultsStart].isUndefined() {
			values[i] = t.defaults[i-defaultsStart].cloneWithHeap(m.heap)
			continue
		}
		dropAll(values, m.heap)
		return undefined, typeErrorf("%s() missing required argument: %s",
			t.typeName_, reprString(m.interns.GetString(t.fields[i])))
	}
	id, exc := m.heap.Allocate(&dataclassObject{
		typeName_: t.typeName_,
		fields:    t.fields,
		values:    values,
		frozen:    t.frozen,
	})
	if exc != nil {
		dropAll(values, m.heap)
		return undefined, exc
	}
	return refValue(id), nil
}

// setAttr writes a field, honoring the frozen flag.  The new value's
// share transfers in; the old share is dropped.
func (d *dataclassObject) setAttr(name StringId, v Value, m *machine) *Exception {
	if d.frozen {
		v.dropWithHeap(m.heap)
		return newExceptionf(FrozenInstanceError, "cannot assign to field %s",
			reprString(m.interns.GetString(name)))
	}
	idx := d.fieldIndex(name)
	if idx < 0 {
		v.dropWithHeap(m.heap)
		return attributeErrorf("'%s' object has no attribute %s",
			d.typeName_, reprString(m.interns.GetString(name)))
	}
	if v.isRef() {
		m.heap.MarkPotentialCycle()
	}
	d.values[idx].dropWithHeap(m.heap)
	d.values[idx] = v
	return nil
}
