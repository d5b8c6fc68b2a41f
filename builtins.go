package monty

import (
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

// Builtin enumerates the callable builtins plus the exception types.
// Exception types occupy a contiguous tail so they can be recovered
// from the value payload directly.
//
// NOTE: changing the order of these variants will break snapshot ABI.
type Builtin uint16

const (
	BuiltinPrint Builtin = iota
	BuiltinLen
	BuiltinRange
	BuiltinStr
	BuiltinRepr
	BuiltinInt
	BuiltinFloat
	BuiltinBool
	BuiltinList
	BuiltinTuple
	BuiltinDict
	BuiltinSet
	BuiltinAbs
	BuiltinMin
	BuiltinMax
	BuiltinSum
	BuiltinSorted
	BuiltinIsinstance
	BuiltinType
	BuiltinId
	BuiltinIter
	BuiltinNext
	BuiltinOrd
	BuiltinChr

	// builtinExcBase + ExcType gives the exception-type builtin.
	builtinExcBase
)

var builtinNames = map[string]Builtin{
	"print":      BuiltinPrint,
	"len":        BuiltinLen,
	"range":      BuiltinRange,
	"str":        BuiltinStr,
	"repr":       BuiltinRepr,
	"int":        BuiltinInt,
	"float":      BuiltinFloat,
	"bool":       BuiltinBool,
	"list":       BuiltinList,
	"tuple":      BuiltinTuple,
	"dict":       BuiltinDict,
	"set":        BuiltinSet,
	"abs":        BuiltinAbs,
	"min":        BuiltinMin,
	"max":        BuiltinMax,
	"sum":        BuiltinSum,
	"sorted":     BuiltinSorted,
	"isinstance": BuiltinIsinstance,
	"type":       BuiltinType,
	"id":         BuiltinId,
	"iter":       BuiltinIter,
	"next":       BuiltinNext,
	"ord":        BuiltinOrd,
	"chr":        BuiltinChr,
}

// builtinByName resolves a builtin or exception-type name; consumed by
// the prepare phase.
func builtinByName(name string) (Builtin, bool) {
	if b, ok := builtinNames[name]; ok {
		return b, true
	}
	if t, ok := excTypeByName[name]; ok {
		return builtinExcBase + Builtin(t), true
	}
	return 0, false
}

// excType reports whether this builtin is an exception type.
func (b Builtin) excType() (ExcType, bool) {
	if b >= builtinExcBase {
		return ExcType(b - builtinExcBase), true
	}
	return 0, false
}

func (b Builtin) name() string {
	if t, ok := b.excType(); ok {
		return t.String()
	}
	for name, bb := range builtinNames {
		if bb == b {
			return name
		}
	}
	return "builtin"
}

func (b Builtin) typeName() string {
	if _, ok := b.excType(); ok {
		return "type"
	}
	return "builtin_function_or_method"
}

func (b Builtin) repr() string {
	if t, ok := b.excType(); ok {
		return "<class '" + t.String() + "'>"
	}
	return "<built-in function " + b.name() + ">"
}

// callBuiltin dispatches a builtin call.  Argument shares are borrowed;
// the returned value owns its shares.
func callBuiltin(b Builtin, args []Value, m *machine) (Value, *Exception) {
	if t, ok := b.excType(); ok {
		return constructException(t, args, m)
	}
	switch b {
	case BuiltinPrint:
		parts := make([]string, len(args))
		for i, v := range args {
			parts[i] = valueStr(v, m)
		}
		m.print.Write(StreamStdout, strings.Join(parts, " ")+"\n")
		return valueNone, nil
	case BuiltinLen:
		if exc := wantBuiltinArgs(b, args, 1); exc != nil {
			return undefined, exc
		}
		n, ok := valueLen(args[0], m)
		if !ok {
			return undefined, typeErrorf("object of type '%s' has no len()", args[0].typeName(m.heap))
		}
		return IntValue(n), nil
	case BuiltinRange:
		return builtinRange(args, m)
	case BuiltinStr:
		if len(args) == 0 {
			return StrValue(ssEmptyString.stringId()), nil
		}
		if exc := wantBuiltinArgs(b, args, 1); exc != nil {
			return undefined, exc
		}
		return newStr(m.heap, valueStr(args[0], m))
	case BuiltinRepr:
		if exc := wantBuiltinArgs(b, args, 1); exc != nil {
			return undefined, exc
		}
		return newStr(m.heap, valueRepr(args[0], m))
	case BuiltinInt:
		return builtinInt(args, m)
	case BuiltinFloat:
		return builtinFloat(args, m)
	case BuiltinBool:
		if len(args) == 0 {
			return valueFalse, nil
		}
		if exc := wantBuiltinArgs(b, args, 1); exc != nil {
			return undefined, exc
		}
		return BoolValue(valueTruth(args[0], m)), nil
	case BuiltinList:
		if len(args) == 0 {
			return newList(m.heap, nil)
		}
		if exc := wantBuiltinArgs(b, args, 1); exc != nil {
			return undefined, exc
		}
		items, exc := iterateToSlice(args[0], m)
		if exc != nil {
			return undefined, exc
		}
		return newList(m.heap, items)
	case BuiltinTuple:
		if len(args) == 0 {
			return newTuple(m.heap, nil)
		}
		if exc := wantBuiltinArgs(b, args, 1); exc != nil {
			return undefined, exc
		}
		items, exc := iterateToSlice(args[0], m)
		if exc != nil {
			return undefined, exc
		}
		return newTuple(m.heap, items)
	case BuiltinDict:
		return builtinDict(args, m)
	case BuiltinSet:
		if len(args) == 0 {
			return newSet(m.heap, 0)
		}
		if exc := wantBuiltinArgs(b, args, 1); exc != nil {
			return undefined, exc
		}
		items, exc := iterateToSlice(args[0], m)
		if exc != nil {
			return undefined, exc
		}
		return setFromValues(items, false, m)
	case BuiltinAbs:
		if exc := wantBuiltinArgs(b, args, 1); exc != nil {
			return undefined, exc
		}
		switch args[0].kind {
		case KindInt:
			i := args[0].asInt()
			if i == math.MinInt64 {
				return newLongInt(m.heap, new(big.Int).Abs(big.NewInt(i)))
			}
			if i < 0 {
				i = -i
			}
			return IntValue(i), nil
		case KindFloat:
			return FloatValue(math.Abs(args[0].asFloat())), nil
		case KindBool:
			if args[0].asBool() {
				return IntValue(1), nil
			}
			return IntValue(0), nil
		case KindRef:
			if l, ok := m.heap.Get(args[0].asHeapId()).(*longIntObject); ok {
				return newLongInt(m.heap, new(big.Int).Abs(l.v))
			}
		}
		return undefined, typeErrorf("bad operand type for abs(): '%s'", args[0].typeName(m.heap))
	case BuiltinMin, BuiltinMax:
		return builtinMinMax(b, args, m)
	case BuiltinSum:
		return builtinSum(args, m)
	case BuiltinSorted:
		if exc := wantBuiltinArgs(b, args, 1); exc != nil {
			return undefined, exc
		}
		items, exc := iterateToSlice(args[0], m)
		if exc != nil {
			return undefined, exc
		}
		var sortExc *Exception
		sort.SliceStable(items, func(i, j int) bool {
			if sortExc != nil {
				return false
			}
			less, exc := valueLess(items[i], items[j], m)
			if exc != nil {
				sortExc = exc
				return false
			}
			return less
		})
		if sortExc != nil {
			dropAll(items, m.heap)
			return undefined, sortExc
		}
		return newList(m.heap, items)
	case BuiltinIsinstance:
		return builtinIsinstance(args, m)
	case BuiltinType:
		if exc := wantBuiltinArgs(b, args, 1); exc != nil {
			return undefined, exc
		}
		return newStr(m.heap, "<class '"+args[0].typeName(m.heap)+"'>")
	case BuiltinId:
		if exc := wantBuiltinArgs(b, args, 1); exc != nil {
			return undefined, exc
		}
		return IntValue(int64(args[0].identityId())), nil
	case BuiltinIter:
		if exc := wantBuiltinArgs(b, args, 1); exc != nil {
			return undefined, exc
		}
		return getIter(args[0], m)
	case BuiltinNext:
		if exc := wantBuiltinArgs(b, args, 1); exc != nil {
			return undefined, exc
		}
		if args[0].kind == KindRef {
			if it, ok := m.heap.Get(args[0].asHeapId()).(*iterObject); ok {
				v, more, exc := iterNext(it, m)
				if exc != nil {
					return undefined, exc
				}
				if !more {
					return undefined, newException(StopIteration, "")
				}
				return v, nil
			}
		}
		return undefined, typeErrorf("'%s' object is not an iterator", args[0].typeName(m.heap))
	case BuiltinOrd:
		if exc := wantBuiltinArgs(b, args, 1); exc != nil {
			return undefined, exc
		}
		s, ok := asStr(args[0], m.heap, m.interns)
		r := []rune(s)
		if !ok || len(r) != 1 {
			return undefined, typeErrorf("ord() expected a character")
		}
		return IntValue(int64(r[0])), nil
	case BuiltinChr:
		if exc := wantBuiltinArgs(b, args, 1); exc != nil {
			return undefined, exc
		}
		if args[0].kind != KindInt {
			return undefined, typeErrorf("an integer is required")
		}
		i := args[0].asInt()
		if i < 0 || i > 0x10ffff {
			return undefined, valueErrorf("chr() arg not in range(0x110000)")
		}
		return newStr(m.heap, string(rune(i)))
	}
	return undefined, typeErrorf("'%s' object is not callable", b.typeName())
}

func wantBuiltinArgs(b Builtin, args []Value, n int) *Exception {
	if len(args) != n {
		return typeErrorf("%s() takes exactly %d argument (%d given)", b.name(), n, len(args))
	}
	return nil
}

// constructException builds an exception instance from an
// exception-type call like ValueError('msg').
func constructException(t ExcType, args []Value, m *machine) (Value, *Exception) {
	if len(args) == 0 {
		return excValue(t, 0, false), nil
	}
	if len(args) > 1 {
		return undefined, typeErrorf("%s() takes at most 1 argument (%d given)", t.String(), len(args))
	}
	msg := valueStr(args[0], m)
	exc := newException(t, msg)
	id, allocExc := m.heap.Allocate(&excObject{exc: exc, args: []Value{args[0].cloneWithHeap(m.heap)}})
	if allocExc != nil {
		return undefined, allocExc
	}
	return refValue(id), nil
}

func builtinRange(args []Value, m *machine) (Value, *Exception) {
	ints := make([]int64, len(args))
	for i, v := range args {
		if v.kind != KindInt && v.kind != KindBool {
			return undefined, typeErrorf("'%s' object cannot be interpreted as an integer", v.typeName(m.heap))
		}
		if v.kind == KindBool {
			if v.asBool() {
				ints[i] = 1
			}
		} else {
			ints[i] = v.asInt()
		}
	}
	switch len(args) {
	case 1:
		if ints[0] >= 0 {
			return rangeValue(ints[0]), nil
		}
		return rangeValue(0), nil
	case 2, 3:
		step := int64(1)
		if len(args) == 3 {
			step = ints[2]
		}
		if step == 0 {
			return undefined, valueErrorf("range() arg 3 must not be zero")
		}
		id, exc := m.heap.Allocate(&rangeObject{start: ints[0], stop: ints[1], step: step})
		if exc != nil {
			return undefined, exc
		}
		return refValue(id), nil
	default:
		return undefined, typeErrorf("range expected at most 3 arguments, got %d", len(args))
	}
}

func builtinInt(args []Value, m *machine) (Value, *Exception) {
	if len(args) == 0 {
		return IntValue(0), nil
	}
	if len(args) > 1 {
		return undefined, typeErrorf("int() takes at most 1 argument (%d given)", len(args))
	}
	v := args[0]
	switch v.kind {
	case KindInt:
		return v, nil
	case KindBool:
		if v.asBool() {
			return IntValue(1), nil
		}
		return IntValue(0), nil
	case KindFloat:
		f := math.Trunc(v.asFloat())
		if f >= math.MinInt64 && f <= math.MaxInt64 {
			return IntValue(int64(f)), nil
		}
		bi, _ := big.NewFloat(f).Int(nil)
		return newLongInt(m.heap, bi)
	case KindRef:
		if l, ok := m.heap.Get(v.asHeapId()).(*longIntObject); ok {
			return newLongInt(m.heap, l.v)
		}
	}
	if s, ok := asStr(v, m.heap, m.interns); ok {
		t := strings.TrimSpace(s)
		if i, err := strconv.ParseInt(t, 10, 64); err == nil {
			return IntValue(i), nil
		}
		if bi, ok := new(big.Int).SetString(t, 10); ok {
			return newLongInt(m.heap, bi)
		}
		return undefined, valueErrorf("invalid literal for int() with base 10: %s", reprString(s))
	}
	return undefined, typeErrorf("int() argument must be a string or a number, not '%s'", v.typeName(m.heap))
}

func builtinFloat(args []Value, m *machine) (Value, *Exception) {
	if len(args) == 0 {
		return FloatValue(0), nil
	}
	if len(args) > 1 {
		return undefined, typeErrorf("float() takes at most 1 argument (%d given)", len(args))
	}
	v := args[0]
	if f, ok := numericValue(v, m); ok {
		return FloatValue(f), nil
	}
	if s, ok := asStr(v, m.heap, m.interns); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return undefined, valueErrorf("could not convert string to float: %s", reprString(s))
		}
		return FloatValue(f), nil
	}
	return undefined, typeErrorf("float() argument must be a string or a number, not '%s'", v.typeName(m.heap))
}

func builtinDict(args []Value, m *machine) (Value, *Exception) {
	if len(args) > 1 {
		return undefined, typeErrorf("dict expected at most 1 argument, got %d", len(args))
	}
	out, _, exc := newDict(m.heap, 0)
	if exc != nil {
		return undefined, exc
	}
	if len(args) == 0 {
		return out, nil
	}
	d := m.heap.Get(out.asHeapId()).(*dictObject)
	if src, ok := asDict(args[0], m.heap); ok {
		for _, e := range src.liveEntries() {
			if exc := d.set(e.key.cloneWithHeap(m.heap), e.value.cloneWithHeap(m.heap), m); exc != nil {
				out.dropWithHeap(m.heap)
				return undefined, exc
			}
		}
		return out, nil
	}
	pairs, exc := iterateToSlice(args[0], m)
	if exc != nil {
		out.dropWithHeap(m.heap)
		return undefined, exc
	}
	defer dropAll(pairs, m.heap)
	for _, pair := range pairs {
		items, ok := sequenceItems(pair, m)
		if !ok || len(items) != 2 {
			out.dropWithHeap(m.heap)
			return undefined, typeErrorf("cannot convert dictionary update sequence element to a key-value pair")
		}
		if exc := d.set(items[0].cloneWithHeap(m.heap), items[1].cloneWithHeap(m.heap), m); exc != nil {
			out.dropWithHeap(m.heap)
			return undefined, exc
		}
	}
	return out, nil
}

func builtinMinMax(b Builtin, args []Value, m *machine) (Value, *Exception) {
	var items []Value
	var owned bool
	switch len(args) {
	case 0:
		return undefined, typeErrorf("%s expected at least 1 argument, got 0", b.name())
	case 1:
		var exc *Exception
		items, exc = iterateToSlice(args[0], m)
		if exc != nil {
			return undefined, exc
		}
		owned = true
	default:
		items = args
	}
	if len(items) == 0 {
		return undefined, valueErrorf("%s() arg is an empty sequence", b.name())
	}
	best := items[0]
	for _, v := range items[1:] {
		less, exc := valueLess(v, best, m)
		if exc != nil {
			if owned {
				dropAll(items, m.heap)
			}
			return undefined, exc
		}
		if (b == BuiltinMin) == less {
			best = v
		}
	}
	out := best.cloneWithHeap(m.heap)
	if owned {
		dropAll(items, m.heap)
	}
	return out, nil
}

func builtinSum(args []Value, m *machine) (Value, *Exception) {
	if len(args) < 1 || len(args) > 2 {
		return undefined, typeErrorf("sum() takes at most 2 arguments (%d given)", len(args))
	}
	items, exc := iterateToSlice(args[0], m)
	if exc != nil {
		return undefined, exc
	}
	defer dropAll(items, m.heap)
	acc := IntValue(0)
	if len(args) == 2 {
		acc = args[1]
	}
	owned := false
	for _, v := range items {
		next, exc := binaryAdd(acc, v, m)
		if exc != nil {
			if owned {
				acc.dropWithHeap(m.heap)
			}
			return undefined, exc
		}
		if owned {
			acc.dropWithHeap(m.heap)
		}
		acc = next
		owned = true
	}
	if !owned {
		acc = acc.cloneWithHeap(m.heap)
	}
	return acc, nil
}

func builtinIsinstance(args []Value, m *machine) (Value, *Exception) {
	if len(args) != 2 {
		return undefined, typeErrorf("isinstance expected 2 arguments, got %d", len(args))
	}
	check := func(t Value) (bool, *Exception) {
		if t.kind != KindBuiltin {
			if t.kind == KindRef {
				if dt, ok := m.heap.Get(t.asHeapId()).(*dataclassTypeObject); ok {
					if dc, ok := asDataclass(args[0], m.heap); ok {
						return dc.typeName_ == dt.typeName_, nil
					}
					return false, nil
				}
			}
			return false, typeErrorf("isinstance() arg 2 must be a type or tuple of types")
		}
		b := t.asBuiltin()
		if et, ok := b.excType(); ok {
			switch args[0].kind {
			case KindExc:
				at, _, _ := args[0].asExc()
				return at.Matches(et), nil
			case KindRef:
				if e, ok := m.heap.Get(args[0].asHeapId()).(*excObject); ok {
					return e.exc.Type.Matches(et), nil
				}
			}
			return false, nil
		}
		name := args[0].typeName(m.heap)
		switch b {
		case BuiltinInt:
			return name == "int" || name == "bool", nil
		case BuiltinFloat:
			return name == "float", nil
		case BuiltinBool:
			return name == "bool", nil
		case BuiltinStr:
			return name == "str", nil
		case BuiltinList:
			return name == "list", nil
		case BuiltinTuple:
			return name == "tuple", nil
		case BuiltinDict:
			return name == "dict", nil
		case BuiltinSet:
			return name == "set", nil
		case BuiltinRange:
			return name == "range", nil
		}
		return false, nil
	}
	if items, ok := sequenceItems(args[1], m); ok {
		for _, t := range items {
			match, exc := check(t)
			if exc != nil {
				return undefined, exc
			}
			if match {
				return valueTrue, nil
			}
		}
		return valueFalse, nil
	}
	match, exc := check(args[1])
	if exc != nil {
		return undefined, exc
	}
	return BoolValue(match), nil
}

func asDataclass(v Value, h *Heap) (*dataclassObject, bool) {
	if v.kind != KindRef {
		return nil, false
	}
	d, ok := h.Get(v.asHeapId()).(*dataclassObject)
	return d, ok
}

// newLongInt allocates a long int, demoting to an immediate when it
// fits the machine width.
func newLongInt(h *Heap, v *big.Int) (Value, *Exception) {
	if v.IsInt64() {
		return IntValue(v.Int64()), nil
	}
	id, exc := h.Allocate(&longIntObject{v: new(big.Int).Set(v)})
	if exc != nil {
		return undefined, exc
	}
	return refValue(id), nil
}
