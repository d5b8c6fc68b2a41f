package monty

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// Object is the host-facing detached form of a guest value: a deep
// copy that owns no heap shares and survives the machine it came from.
type Object struct {
	v any
}

type objBytes []byte
type objList []Object
type objTuple []Object
type objSet []Object
type objDictEntry struct {
	K, V Object
}
type objDict []objDictEntry
type objNamed struct {
	typeName string
	fields   []string
	values   []Object
}
type objEllipsis struct{}

func ObjNone() Object              { return Object{} }
func ObjBool(b bool) Object        { return Object{v: b} }
func ObjInt(i int64) Object        { return Object{v: i} }
func ObjFloat(f float64) Object    { return Object{v: f} }
func ObjStr(s string) Object       { return Object{v: s} }
func ObjBytes(b []byte) Object     { return Object{v: objBytes(b)} }
func ObjList(items ...Object) Object {
	return Object{v: objList(items)}
}
func ObjTuple(items ...Object) Object {
	return Object{v: objTuple(items)}
}

func (o Object) IsNone() bool { return o.v == nil }

// Int returns the int payload, or false for any other shape.
func (o Object) Int() (int64, bool) {
	i, ok := o.v.(int64)
	return i, ok
}

func (o Object) Str() (string, bool) {
	s, ok := o.v.(string)
	return s, ok
}

func (o Object) Float() (float64, bool) {
	f, ok := o.v.(float64)
	return f, ok
}

func (o Object) Bool() (bool, bool) {
	b, ok := o.v.(bool)
	return b, ok
}

// Repr renders the object the way the guest would.
func (o Object) Repr() string {
	switch x := o.v.(type) {
	case nil:
		return "None"
	case objEllipsis:
		return "Ellipsis"
	case bool:
		if x {
			return "True"
		}
		return "False"
	case int64:
		return formatInt(x)
	case *big.Int:
		return x.String()
	case float64:
		return reprFloat(x)
	case string:
		return reprString(x)
	case objBytes:
		return reprBytes(x)
	case objList:
		parts := make([]string, len(x))
		for i, it := range x {
			parts[i] = it.Repr()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case objTuple:
		parts := make([]string, len(x))
		for i, it := range x {
			parts[i] = it.Repr()
		}
		if len(parts) == 1 {
			return "(" + parts[0] + ",)"
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case objSet:
		if len(x) == 0 {
			return "set()"
		}
		parts := make([]string, len(x))
		for i, it := range x {
			parts[i] = it.Repr()
		}
		sort.Strings(parts)
		return "{" + strings.Join(parts, ", ") + "}"
	case objDict:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = e.K.Repr() + ": " + e.V.Repr()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case objNamed:
		parts := make([]string, len(x.values))
		for i, v := range x.values {
			parts[i] = x.fields[i] + "=" + v.Repr()
		}
		return x.typeName + "(" + strings.Join(parts, ", ") + ")"
	default:
		return fmt.Sprintf("<%T>", x)
	}
}

func (o Object) String() string {
	if s, ok := o.v.(string); ok {
		return s
	}
	return o.Repr()
}

// Equal compares structurally, the way guest == would for the value
// shapes Object can carry.
func (o Object) Equal(other Object) bool {
	return o.Repr() == other.Repr()
}

// fromValue detaches a guest value into an Object.  Cyclic structures
// cut off with Ellipsis placeholders.
func fromValue(v Value, m *machine) Object {
	return fromValueSeen(v, m, map[HeapId]bool{})
}

func fromValueSeen(v Value, m *machine, seen map[HeapId]bool) Object {
	switch v.kind {
	case KindNone, KindUndefined:
		return Object{}
	case KindEllipsis:
		return Object{v: objEllipsis{}}
	case KindBool:
		return Object{v: v.asBool()}
	case KindInt:
		return Object{v: v.asInt()}
	case KindFloat:
		return Object{v: v.asFloat()}
	case KindRange:
		return Object{v: objNamed{typeName: "range", fields: []string{"start", "stop", "step"},
			values: []Object{ObjInt(0), ObjInt(v.asInt()), ObjInt(1)}}}
	case KindInternString:
		return Object{v: m.interns.GetString(v.asStringId())}
	case KindInternBytes:
		return Object{v: objBytes(m.interns.GetBytes(v.asBytesId()))}
	case KindExc:
		t, msgId, hasMsg := v.asExc()
		msg := ""
		if hasMsg {
			msg = m.interns.GetString(msgId)
		}
		return Object{v: objNamed{typeName: t.String(), fields: []string{"args"},
			values: []Object{ObjTuple(ObjStr(msg))}}}
	case KindBuiltin:
		return Object{v: v.asBuiltin().repr()}
	case KindFunction:
		return Object{v: "<function " + m.functionName(v.asFunctionId()) + ">"}
	case KindExtFunction:
		return Object{v: "<external function " + m.extFunctionName(v.asExtFunctionId()) + ">"}
	case KindFuture:
		return Object{v: "<Future pending>"}
	case KindRef:
		id := v.asHeapId()
		if seen[id] {
			return Object{v: objEllipsis{}}
		}
		seen[id] = true
		defer delete(seen, id)
		switch o := m.heap.Get(id).(type) {
		case *strObject:
			return Object{v: o.s}
		case *bytesObject:
			return Object{v: objBytes(append([]byte(nil), o.b...))}
		case *longIntObject:
			return Object{v: new(big.Int).Set(o.v)}
		case *listObject:
			out := make(objList, len(o.items))
			for i, it := range o.items {
				out[i] = fromValueSeen(it, m, seen)
			}
			return Object{v: out}
		case *tupleObject:
			out := make(objTuple, len(o.items))
			for i, it := range o.items {
				out[i] = fromValueSeen(it, m, seen)
			}
			return Object{v: out}
		case *setObject:
			var out objSet
			for _, it := range o.liveValues() {
				out = append(out, fromValueSeen(it, m, seen))
			}
			return Object{v: out}
		case *dictObject:
			var out objDict
			for _, e := range o.liveEntries() {
				out = append(out, objDictEntry{
					K: fromValueSeen(e.key, m, seen),
					V: fromValueSeen(e.value, m, seen),
				})
			}
			return Object{v: out}
		case *namedTupleObject:
			named := objNamed{typeName: o.typeName_}
			for i, f := range o.fields {
				named.fields = append(named.fields, m.interns.GetString(f))
				named.values = append(named.values, fromValueSeen(o.values[i], m, seen))
			}
			return Object{v: named}
		case *dataclassObject:
			named := objNamed{typeName: o.typeName_}
			for i, f := range o.fields {
				named.fields = append(named.fields, m.interns.GetString(f))
				named.values = append(named.values, fromValueSeen(o.values[i], m, seen))
			}
			return Object{v: named}
		case *rangeObject:
			return Object{v: objNamed{typeName: "range", fields: []string{"start", "stop", "step"},
				values: []Object{ObjInt(o.start), ObjInt(o.stop), ObjInt(o.step)}}}
		case *excObject:
			return Object{v: objNamed{typeName: o.exc.Type.String(), fields: []string{"args"},
				values: []Object{ObjTuple(ObjStr(o.exc.Message))}}}
		default:
			return Object{v: "<" + o.pyType() + ">"}
		}
	}
	return Object{}
}

// toValue attaches a host Object into the machine's heap, returning an
// owned value.
func toValue(o Object, m *machine) (Value, *Exception) {
	switch x := o.v.(type) {
	case nil:
		return valueNone, nil
	case objEllipsis:
		return valueEllipsis, nil
	case bool:
		return BoolValue(x), nil
	case int64:
		return IntValue(x), nil
	case int:
		return IntValue(int64(x)), nil
	case *big.Int:
		return newLongInt(m.heap, x)
	case float64:
		return FloatValue(x), nil
	case string:
		return newStr(m.heap, x)
	case objBytes:
		return newBytes(m.heap, append([]byte(nil), x...))
	case objList:
		items := make([]Value, 0, len(x))
		for _, it := range x {
			v, exc := toValue(it, m)
			if exc != nil {
				dropAll(items, m.heap)
				return undefined, exc
			}
			items = append(items, v)
		}
		return newList(m.heap, items)
	case objTuple:
		items := make([]Value, 0, len(x))
		for _, it := range x {
			v, exc := toValue(it, m)
			if exc != nil {
				dropAll(items, m.heap)
				return undefined, exc
			}
			items = append(items, v)
		}
		return newTuple(m.heap, items)
	case objSet:
		items := make([]Value, 0, len(x))
		for _, it := range x {
			v, exc := toValue(it, m)
			if exc != nil {
				dropAll(items, m.heap)
				return undefined, exc
			}
			items = append(items, v)
		}
		return setFromValues(items, false, m)
	case objDict:
		dv, _, exc := newDict(m.heap, len(x))
		if exc != nil {
			return undefined, exc
		}
		d := m.heap.Get(dv.asHeapId()).(*dictObject)
		for _, e := range x {
			k, exc := toValue(e.K, m)
			if exc != nil {
				dv.dropWithHeap(m.heap)
				return undefined, exc
			}
			v, exc := toValue(e.V, m)
			if exc != nil {
				k.dropWithHeap(m.heap)
				dv.dropWithHeap(m.heap)
				return undefined, exc
			}
			if exc := d.set(k, v, m); exc != nil {
				dv.dropWithHeap(m.heap)
				return undefined, exc
			}
		}
		return dv, nil
	default:
		return undefined, typeErrorf("cannot convert host object %T into a guest value", x)
	}
}
