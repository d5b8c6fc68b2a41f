package monty

import (
	"math"
	"math/big"
	"strconv"
	"strings"
)

func formatInt(i int64) string {
	return strconv.FormatInt(i, 10)
}

// exactInt extracts an exact integer (machine or long) for integer
// comparison without float rounding.
func exactInt(v Value, m *machine) (*big.Int, bool) {
	switch v.kind {
	case KindBool:
		if v.asBool() {
			return big.NewInt(1), true
		}
		return big.NewInt(0), true
	case KindInt:
		return big.NewInt(v.asInt()), true
	case KindRef:
		if l, ok := m.heap.Get(v.asHeapId()).(*longIntObject); ok {
			return l.v, true
		}
	}
	return nil, false
}

// Value-level operations shared by every variant: truthiness, length,
// equality, ordering, hashing, repr.  These are free functions rather
// than interface methods so variant implementations can reborrow the
// heap while walking nested structures.

// valueTruth applies the guest truthiness rules: emptiness for
// containers, non-zero for numbers, always-true for dataclasses.
func valueTruth(v Value, m *machine) bool {
	switch v.kind {
	case KindNone, KindUndefined:
		return false
	case KindBool:
		return v.asBool()
	case KindInt:
		return v.asInt() != 0
	case KindFloat:
		return v.asFloat() != 0
	case KindRange:
		return v.asInt() > 0
	case KindInternString:
		return m.interns.GetString(v.asStringId()) != ""
	case KindInternBytes:
		return len(m.interns.GetBytes(v.asBytesId())) != 0
	case KindRef:
		switch o := m.heap.Get(v.asHeapId()).(type) {
		case *strObject:
			return o.s != ""
		case *bytesObject:
			return len(o.b) != 0
		case *listObject:
			return len(o.items) != 0
		case *tupleObject:
			return len(o.items) != 0
		case *dictObject:
			return o.used != 0
		case *setObject:
			return o.used != 0
		case *namedTupleObject:
			return len(o.values) != 0
		case *longIntObject:
			return o.v.Sign() != 0
		case *rangeObject:
			return rangeLen(o.start, o.stop, o.step) > 0
		default:
			return true
		}
	default:
		return true
	}
}

// valueLen returns the guest len(), reporting false for unsized values.
func valueLen(v Value, m *machine) (int64, bool) {
	switch v.kind {
	case KindInternString:
		return int64(len([]rune(m.interns.GetString(v.asStringId())))), true
	case KindInternBytes:
		return int64(len(m.interns.GetBytes(v.asBytesId()))), true
	case KindRange:
		n := v.asInt()
		if n < 0 {
			n = 0
		}
		return n, true
	case KindRef:
		switch o := m.heap.Get(v.asHeapId()).(type) {
		case *strObject:
			return int64(len([]rune(o.s))), true
		case *bytesObject:
			return int64(len(o.b)), true
		case *listObject:
			return int64(len(o.items)), true
		case *tupleObject:
			return int64(len(o.items)), true
		case *dictObject:
			return int64(o.used), true
		case *setObject:
			return int64(o.used), true
		case *namedTupleObject:
			return int64(len(o.values)), true
		case *rangeObject:
			return rangeLen(o.start, o.stop, o.step), true
		}
	}
	return 0, false
}

// numericValue extracts a float for cross-type numeric comparison,
// treating bools as 0/1.
func numericValue(v Value, m *machine) (float64, bool) {
	switch v.kind {
	case KindBool:
		if v.asBool() {
			return 1, true
		}
		return 0, true
	case KindInt:
		return float64(v.asInt()), true
	case KindFloat:
		return v.asFloat(), true
	case KindRef:
		if l, ok := m.heap.Get(v.asHeapId()).(*longIntObject); ok {
			f, _ := new(big.Float).SetInt(l.v).Float64()
			return f, true
		}
	}
	return 0, false
}

// valueEq implements guest ==.  Numbers compare across int/float/bool/
// long-int; strings and bytes across interned and heap forms;
// containers recurse; everything else falls back to identity.
func valueEq(a, b Value, m *machine) bool {
	// identical immediates (and identical heap ids) are equal fast
	if a.kind == b.kind && a.bits == b.bits && a.kind != KindFloat {
		return true
	}

	if an, aok := exactInt(a, m); aok {
		if bn, bok := exactInt(b, m); bok {
			return an.Cmp(bn) == 0
		}
	}
	if af, aok := numericValue(a, m); aok {
		if bf, bok := numericValue(b, m); bok {
			return af == bf
		}
		return false
	}

	if as, ok := asStr(a, m.heap, m.interns); ok {
		bs, ok := asStr(b, m.heap, m.interns)
		return ok && as == bs
	}
	if ab, ok := asBytes(a, m.heap, m.interns); ok {
		bb, ok := asBytes(b, m.heap, m.interns)
		if !ok || len(ab) != len(bb) {
			return false
		}
		for i := range ab {
			if ab[i] != bb[i] {
				return false
			}
		}
		return true
	}

	if a.kind == KindExc && b.kind == KindExc {
		return a.bits == b.bits
	}

	if a.kind != KindRef || b.kind != KindRef {
		return false
	}

	ao, bo := m.heap.Get(a.asHeapId()), m.heap.Get(b.asHeapId())
	switch x := ao.(type) {
	case *listObject:
		y, ok := bo.(*listObject)
		return ok && sliceEq(x.items, y.items, m)
	case *tupleObject:
		switch y := bo.(type) {
		case *tupleObject:
			return sliceEq(x.items, y.items, m)
		case *namedTupleObject:
			return sliceEq(x.items, y.values, m)
		}
		return false
	case *namedTupleObject:
		switch y := bo.(type) {
		case *tupleObject:
			return sliceEq(x.values, y.items, m)
		case *namedTupleObject:
			return sliceEq(x.values, y.values, m)
		}
		return false
	case *dictObject:
		y, ok := bo.(*dictObject)
		if !ok || x.used != y.used {
			return false
		}
		for _, e := range x.liveEntries() {
			v, found, exc := y.get(e.key, m)
			if exc != nil || !found || !valueEq(e.value, v, m) {
				return false
			}
		}
		return true
	case *setObject:
		y, ok := bo.(*setObject)
		if !ok || x.used != y.used {
			return false
		}
		return setAllIn(x, y, m)
	case *dataclassObject:
		y, ok := bo.(*dataclassObject)
		if !ok || x.typeName_ != y.typeName_ || len(x.fields) != len(y.fields) {
			return false
		}
		return sliceEq(x.values, y.values, m)
	case *rangeObject:
		y, ok := bo.(*rangeObject)
		return ok && x.start == y.start && x.stop == y.stop && x.step == y.step
	}
	return false
}

func sliceEq(a, b []Value, m *machine) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !valueEq(a[i], b[i], m) {
			return false
		}
	}
	return true
}

// valueLess implements guest <, defined for numbers, strings, bytes,
// lists and tuples.
func valueLess(a, b Value, m *machine) (bool, *Exception) {
	if af, aok := numericValue(a, m); aok {
		if bf, bok := numericValue(b, m); bok {
			return af < bf, nil
		}
	}
	if as, ok := asStr(a, m.heap, m.interns); ok {
		if bs, ok := asStr(b, m.heap, m.interns); ok {
			return as < bs, nil
		}
	}
	if ab, ok := asBytes(a, m.heap, m.interns); ok {
		if bb, ok := asBytes(b, m.heap, m.interns); ok {
			return string(ab) < string(bb), nil
		}
	}
	if a.kind == KindRef && b.kind == KindRef {
		av, aok := sequenceItems(a, m)
		bv, bok := sequenceItems(b, m)
		if aok && bok && m.heap.Get(a.asHeapId()).pyType() == m.heap.Get(b.asHeapId()).pyType() {
			for i := 0; i < len(av) && i < len(bv); i++ {
				if !valueEq(av[i], bv[i], m) {
					return valueLess(av[i], bv[i], m)
				}
			}
			return len(av) < len(bv), nil
		}
	}
	return false, typeErrorf("'<' not supported between instances of '%s' and '%s'",
		a.typeName(m.heap), b.typeName(m.heap))
}

// sequenceItems returns the borrowed item slice behind a list, tuple or
// namedtuple.
func sequenceItems(v Value, m *machine) ([]Value, bool) {
	if v.kind != KindRef {
		return nil, false
	}
	switch o := m.heap.Get(v.asHeapId()).(type) {
	case *listObject:
		return o.items, true
	case *tupleObject:
		return o.items, true
	case *namedTupleObject:
		return o.values, true
	}
	return nil, false
}

const (
	hashNone     = 0x23f4b1a79e13
	hashEllipsis = 0x51c9e3a2b7d1
	fnvOffset    = 14695981039346656037
	fnvPrime     = 1099511628211
)

func hashString(s string) uint64 {
	h := uint64(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= fnvPrime
	}
	return h
}

func hashBytes(b []byte) uint64 {
	h := uint64(fnvOffset) ^ 0x62 // distinguish from the equal string
	for _, c := range b {
		h ^= uint64(c)
		h *= fnvPrime
	}
	return h
}

func hashInt(i int64) uint64 {
	h := uint64(i)
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return h
}

// valueHash returns the guest hash, or TypeError for unhashable values
// (lists, dicts, sets, mutable dataclasses).  Numbers hash equal across
// int/float/bool so they collide as dict keys the way they compare.
func valueHash(v Value, m *machine) (uint64, *Exception) {
	switch v.kind {
	case KindNone:
		return hashNone, nil
	case KindEllipsis:
		return hashEllipsis, nil
	case KindBool:
		if v.asBool() {
			return hashInt(1), nil
		}
		return hashInt(0), nil
	case KindInt:
		return hashInt(v.asInt()), nil
	case KindFloat:
		f := v.asFloat()
		if f == math.Trunc(f) && !math.IsInf(f, 0) && f >= math.MinInt64 && f <= math.MaxInt64 {
			return hashInt(int64(f)), nil
		}
		return hashInt(int64(math.Float64bits(f))), nil
	case KindInternString:
		return hashString(m.interns.GetString(v.asStringId())), nil
	case KindInternBytes:
		return hashBytes(m.interns.GetBytes(v.asBytesId())), nil
	case KindBuiltin, KindFunction, KindExtFunction, KindExc:
		return hashInt(int64(v.identityId())), nil
	case KindRef:
		switch o := m.heap.Get(v.asHeapId()).(type) {
		case *strObject:
			return hashString(o.s), nil
		case *bytesObject:
			return hashBytes(o.b), nil
		case *longIntObject:
			if o.v.IsInt64() {
				return hashInt(o.v.Int64()), nil
			}
			return hashString(o.v.String()) ^ 0x17, nil
		case *tupleObject:
			return hashSlice(o.items, 0x9e3779b97f4a7c15, m)
		case *namedTupleObject:
			return hashSlice(o.values, 0x9e3779b97f4a7c15, m)
		case *dataclassObject:
			if !o.frozen {
				return 0, typeErrorf("unhashable type: '%s'", o.typeName_)
			}
			h, exc := hashSlice(o.values, hashString(o.typeName_), m)
			if exc != nil {
				return 0, exc
			}
			return h, nil
		default:
			return 0, typeErrorf("unhashable type: '%s'", o.pyType())
		}
	}
	return 0, typeErrorf("unhashable type: '%s'", v.typeName(m.heap))
}

func hashSlice(items []Value, seed uint64, m *machine) (uint64, *Exception) {
	h := seed
	for _, v := range items {
		hv, exc := valueHash(v, m)
		if exc != nil {
			return 0, exc
		}
		h = h*31 + hv
	}
	return h, nil
}

// valueRepr renders the guest repr.  Self-referential containers are
// cut off with a type-specific placeholder once the same heap id is
// seen twice in one walk.
func valueRepr(v Value, m *machine) string {
	return reprWithSeen(v, m, nil)
}

func reprWithSeen(v Value, m *machine, seen map[HeapId]bool) string {
	switch v.kind {
	case KindUndefined:
		return "<undefined>"
	case KindNone:
		return "None"
	case KindEllipsis:
		return "Ellipsis"
	case KindBool:
		if v.asBool() {
			return "True"
		}
		return "False"
	case KindInt:
		return formatInt(v.asInt())
	case KindFloat:
		return reprFloat(v.asFloat())
	case KindRange:
		return "range(0, " + formatInt(v.asInt()) + ")"
	case KindInternString:
		return reprString(m.interns.GetString(v.asStringId()))
	case KindInternBytes:
		return reprBytes(m.interns.GetBytes(v.asBytesId()))
	case KindExc:
		t, msgId, hasMsg := v.asExc()
		if hasMsg {
			return t.String() + "(" + reprString(m.interns.GetString(msgId)) + ")"
		}
		return t.String() + "()"
	case KindBuiltin:
		return v.asBuiltin().repr()
	case KindFunction:
		return "<function " + m.functionName(v.asFunctionId()) + ">"
	case KindExtFunction:
		return "<external function " + m.extFunctionName(v.asExtFunctionId()) + ">"
	case KindFuture:
		return "<Future pending>"
	case KindRef:
		return heapRepr(v.asHeapId(), m, seen)
	}
	return "<unknown>"
}

func heapRepr(id HeapId, m *machine, seen map[HeapId]bool) string {
	o := m.heap.Get(id)
	if seen == nil {
		seen = map[HeapId]bool{}
	}
	if seen[id] {
		switch o.(type) {
		case *listObject:
			return "[...]"
		case *tupleObject, *namedTupleObject:
			return "(...)"
		case *dictObject, *setObject:
			return "{...}"
		default:
			return "..."
		}
	}
	seen[id] = true
	defer delete(seen, id)

	var b strings.Builder
	switch x := o.(type) {
	case *strObject:
		return reprString(x.s)
	case *bytesObject:
		return reprBytes(x.b)
	case *longIntObject:
		return x.v.String()
	case *cellObject:
		return "<cell>"
	case *rangeObject:
		if x.step == 1 {
			return "range(" + formatInt(x.start) + ", " + formatInt(x.stop) + ")"
		}
		return "range(" + formatInt(x.start) + ", " + formatInt(x.stop) + ", " + formatInt(x.step) + ")"
	case *listObject:
		b.WriteByte('[')
		for i, item := range x.items {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(reprWithSeen(item, m, seen))
		}
		b.WriteByte(']')
	case *tupleObject:
		b.WriteByte('(')
		for i, item := range x.items {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(reprWithSeen(item, m, seen))
		}
		if len(x.items) == 1 {
			b.WriteByte(',')
		}
		b.WriteByte(')')
	case *namedTupleObject:
		b.WriteString(x.typeName_)
		b.WriteByte('(')
		for i, item := range x.values {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(m.interns.GetString(x.fields[i]))
			b.WriteByte('=')
			b.WriteString(reprWithSeen(item, m, seen))
		}
		b.WriteByte(')')
	case *dictObject:
		b.WriteByte('{')
		first := true
		for _, e := range x.liveEntries() {
			if !first {
				b.WriteString(", ")
			}
			first = false
			b.WriteString(reprWithSeen(e.key, m, seen))
			b.WriteString(": ")
			b.WriteString(reprWithSeen(e.value, m, seen))
		}
		b.WriteByte('}')
	case *setObject:
		if x.used == 0 {
			return "set()"
		}
		b.WriteByte('{')
		first := true
		for _, v := range x.liveValues() {
			if !first {
				b.WriteString(", ")
			}
			first = false
			b.WriteString(reprWithSeen(v, m, seen))
		}
		b.WriteByte('}')
	case *dataclassObject:
		b.WriteString(x.typeName_)
		b.WriteByte('(')
		for i, v := range x.values {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(m.interns.GetString(x.fields[i]))
			b.WriteByte('=')
			b.WriteString(reprWithSeen(v, m, seen))
		}
		b.WriteByte(')')
	case *dataclassTypeObject:
		return "<class '" + x.typeName_ + "'>"
	case *moduleObject:
		return "<module '" + m.interns.GetString(x.name) + "'>"
	case *iterObject:
		return "<iterator>"
	case *excObject:
		if x.exc.Message == "" {
			return x.exc.Type.String() + "()"
		}
		return x.exc.Type.String() + "(" + reprString(x.exc.Message) + ")"
	case *closureObject:
		return "<function " + m.functionName(x.fn) + ">"
	default:
		return "<" + o.pyType() + ">"
	}
	return b.String()
}

// valueStr is guest str(): identical to repr except for strings and
// structured exceptions, which render their bare content.
func valueStr(v Value, m *machine) string {
	if s, ok := asStr(v, m.heap, m.interns); ok {
		return s
	}
	if v.kind == KindExc {
		t, msgId, hasMsg := v.asExc()
		if hasMsg {
			return m.interns.GetString(msgId)
		}
		return t.String()
	}
	if v.kind == KindRef {
		if e, ok := m.heap.Get(v.asHeapId()).(*excObject); ok {
			return e.exc.Message
		}
	}
	return valueRepr(v, m)
}
