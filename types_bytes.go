package monty

import (
	"bytes"
	"encoding/hex"
	"strings"
)

// bytesObject is a runtime-created bytes value; literal bytes stay
// interned (KindInternBytes).
type bytesObject struct {
	b []byte
}

func (b *bytesObject) pyType() string     { return "bytes" }
func (b *bytesObject) childIDs(*[]HeapId) {}
func (b *bytesObject) estimateSize() int  { return 16 + len(b.b) }

func newBytes(h *Heap, data []byte) (Value, *Exception) {
	id, exc := h.Allocate(&bytesObject{b: data})
	if exc != nil {
		return undefined, exc
	}
	return refValue(id), nil
}

// asBytes extracts content from either an interned or heap bytes value.
func asBytes(v Value, h *Heap, in *Interns) ([]byte, bool) {
	switch v.kind {
	case KindInternBytes:
		return in.GetBytes(v.asBytesId()), true
	case KindRef:
		if b, ok := h.Get(v.asHeapId()).(*bytesObject); ok {
			return b.b, true
		}
	}
	return nil, false
}

func bytesCallMethod(data []byte, method StringId, args []Value, m *machine) (Value, *Exception) {
	ss, ok := staticStringFromId(method)
	if !ok {
		return undefined, attributeErrorf("'bytes' object has no attribute %s", reprString(m.interns.GetString(method)))
	}
	switch ss {
	case ssDecode:
		if exc := wantArgsRange("bytes", method, args, 0, 1, m); exc != nil {
			return undefined, exc
		}
		return newStr(m.heap, string(data))
	case ssHex:
		if exc := wantArgs("bytes", method, args, 0, m); exc != nil {
			return undefined, exc
		}
		return newStr(m.heap, hex.EncodeToString(data))
	case ssUpper:
		return newBytes(m.heap, bytes.ToUpper(data))
	case ssLower:
		return newBytes(m.heap, bytes.ToLower(data))
	case ssStartswith, ssEndswith, ssFind, ssCount:
		if exc := wantArgs("bytes", method, args, 1, m); exc != nil {
			return undefined, exc
		}
		arg, ok := asBytes(args[0], m.heap, m.interns)
		if !ok {
			return undefined, typeErrorf("argument should be bytes, not %s", args[0].typeName(m.heap))
		}
		switch ss {
		case ssStartswith:
			return BoolValue(bytes.HasPrefix(data, arg)), nil
		case ssEndswith:
			return BoolValue(bytes.HasSuffix(data, arg)), nil
		case ssFind:
			return IntValue(int64(bytes.Index(data, arg))), nil
		default:
			return IntValue(int64(bytes.Count(data, arg))), nil
		}
	case ssSplit:
		if exc := wantArgsRange("bytes", method, args, 0, 1, m); exc != nil {
			return undefined, exc
		}
		var parts [][]byte
		if len(args) == 0 {
			for _, f := range strings.Fields(string(data)) {
				parts = append(parts, []byte(f))
			}
		} else {
			sep, ok := asBytes(args[0], m.heap, m.interns)
			if !ok || len(sep) == 0 {
				return undefined, valueErrorf("empty separator")
			}
			parts = bytes.Split(data, sep)
		}
		items := make([]Value, 0, len(parts))
		for _, p := range parts {
			v, exc := newBytes(m.heap, append([]byte(nil), p...))
			if exc != nil {
				dropAll(items, m.heap)
				return undefined, exc
			}
			items = append(items, v)
		}
		return newList(m.heap, items)
	case ssStrip:
		if exc := wantArgs("bytes", method, args, 0, m); exc != nil {
			return undefined, exc
		}
		return newBytes(m.heap, bytes.TrimSpace(data))
	default:
		return undefined, attributeErrorf("'bytes' object has no attribute %s", reprString(m.interns.GetString(method)))
	}
}

// bytesFromhex implements the bytes.fromhex class method.
func bytesFromhex(s string, m *machine) (Value, *Exception) {
	clean := strings.ReplaceAll(s, " ", "")
	decoded, err := hex.DecodeString(clean)
	if err != nil {
		return undefined, valueErrorf("non-hexadecimal number found in fromhex() arg")
	}
	return newBytes(m.heap, decoded)
}
