package monty

import (
	"strings"
	"unicode"
)

// strObject is a runtime-created string.  Literal strings stay interned
// (KindInternString); only computed strings land on the heap.
type strObject struct {
	s string
}

func (s *strObject) pyType() string     { return "str" }
func (s *strObject) childIDs(*[]HeapId) {}
func (s *strObject) estimateSize() int  { return 16 + len(s.s) }

// newStr allocates a computed string on the heap.
func newStr(h *Heap, s string) (Value, *Exception) {
	id, exc := h.Allocate(&strObject{s: s})
	if exc != nil {
		return undefined, exc
	}
	return refValue(id), nil
}

// asStr extracts string content from either an interned or heap string.
func asStr(v Value, h *Heap, in *Interns) (string, bool) {
	switch v.kind {
	case KindInternString:
		return in.GetString(v.asStringId()), true
	case KindRef:
		if s, ok := h.Get(v.asHeapId()).(*strObject); ok {
			return s.s, true
		}
	}
	return "", false
}

// strCallMethod dispatches a method call on string content.  The
// returned value owns its heap shares; argument shares are NOT released
// here (the VM drops them).
func strCallMethod(s string, method StringId, args []Value, m *machine) (Value, *Exception) {
	ss, ok := staticStringFromId(method)
	if !ok {
		return undefined, attributeErrorf("'str' object has no attribute %s", reprString(m.interns.GetString(method)))
	}

	str1 := func(fn func(string) string) (Value, *Exception) {
		if exc := wantArgs("str", method, args, 0, m); exc != nil {
			return undefined, exc
		}
		return newStr(m.heap, fn(s))
	}
	pred := func(fn func(string) bool) (Value, *Exception) {
		if exc := wantArgs("str", method, args, 0, m); exc != nil {
			return undefined, exc
		}
		return BoolValue(fn(s)), nil
	}
	argStr := func(i int) (string, *Exception) {
		v, ok := asStr(args[i], m.heap, m.interns)
		if !ok {
			return "", typeErrorf("%s() argument must be str, not %s", m.interns.GetString(method), args[i].typeName(m.heap))
		}
		return v, nil
	}

	switch ss {
	case ssUpper:
		return str1(strings.ToUpper)
	case ssLower:
		return str1(strings.ToLower)
	case ssCasefold:
		return str1(strings.ToLower)
	case ssCapitalize:
		return str1(func(s string) string {
			if s == "" {
				return s
			}
			r := []rune(strings.ToLower(s))
			r[0] = unicode.ToUpper(r[0])
			return string(r)
		})
	case ssTitle:
		return str1(func(s string) string {
			prev := false
			return strings.Map(func(r rune) rune {
				if unicode.IsLetter(r) {
					if prev {
						r = unicode.ToLower(r)
					} else {
						r = unicode.ToTitle(r)
					}
					prev = true
				} else {
					prev = false
				}
				return r
			}, s)
		})
	case ssSwapcase:
		return str1(func(s string) string {
			return strings.Map(func(r rune) rune {
				switch {
				case unicode.IsUpper(r):
					return unicode.ToLower(r)
				case unicode.IsLower(r):
					return unicode.ToUpper(r)
				}
				return r
			}, s)
		})
	case ssStrip, ssLstrip, ssRstrip:
		cutset := " \t\n\r\v\f"
		if len(args) == 1 {
			cs, exc := argStr(0)
			if exc != nil {
				return undefined, exc
			}
			cutset = cs
		} else if exc := wantArgsRange("str", method, args, 0, 1, m); exc != nil {
			return undefined, exc
		}
		switch ss {
		case ssLstrip:
			return newStr(m.heap, strings.TrimLeft(s, cutset))
		case ssRstrip:
			return newStr(m.heap, strings.TrimRight(s, cutset))
		default:
			return newStr(m.heap, strings.Trim(s, cutset))
		}
	case ssRemoveprefix:
		p, exc := argOneStr(method, args, argStr, m)
		if exc != nil {
			return undefined, exc
		}
		return newStr(m.heap, strings.TrimPrefix(s, p))
	case ssRemovesuffix:
		p, exc := argOneStr(method, args, argStr, m)
		if exc != nil {
			return undefined, exc
		}
		return newStr(m.heap, strings.TrimSuffix(s, p))
	case ssStartswith:
		p, exc := argOneStr(method, args, argStr, m)
		if exc != nil {
			return undefined, exc
		}
		return BoolValue(strings.HasPrefix(s, p)), nil
	case ssEndswith:
		p, exc := argOneStr(method, args, argStr, m)
		if exc != nil {
			return undefined, exc
		}
		return BoolValue(strings.HasSuffix(s, p)), nil
	case ssFind, ssRfind, ssIndex, ssRindex:
		p, exc := argOneStr(method, args, argStr, m)
		if exc != nil {
			return undefined, exc
		}
		var bytePos int
		if ss == ssFind || ss == ssIndex {
			bytePos = strings.Index(s, p)
		} else {
			bytePos = strings.LastIndex(s, p)
		}
		if bytePos < 0 {
			if ss == ssIndex || ss == ssRindex {
				return undefined, valueErrorf("substring not found")
			}
			return IntValue(-1), nil
		}
		return IntValue(int64(len([]rune(s[:bytePos])))), nil
	case ssCount:
		p, exc := argOneStr(method, args, argStr, m)
		if exc != nil {
			return undefined, exc
		}
		return IntValue(int64(strings.Count(s, p))), nil
	case ssReplace:
		if exc := wantArgs("str", method, args, 2, m); exc != nil {
			return undefined, exc
		}
		old, exc := argStr(0)
		if exc != nil {
			return undefined, exc
		}
		new_, exc := argStr(1)
		if exc != nil {
			return undefined, exc
		}
		return newStr(m.heap, strings.ReplaceAll(s, old, new_))
	case ssSplit, ssRsplit:
		if len(args) == 0 {
			return strListValue(m, strings.Fields(s))
		}
		sep, exc := argStr(0)
		if exc != nil {
			return undefined, exc
		}
		if sep == "" {
			return undefined, valueErrorf("empty separator")
		}
		return strListValue(m, strings.Split(s, sep))
	case ssSplitlines:
		if exc := wantArgs("str", method, args, 0, m); exc != nil {
			return undefined, exc
		}
		lines := strings.Split(s, "\n")
		if n := len(lines); n > 0 && lines[n-1] == "" && s != "" {
			lines = lines[:n-1]
		}
		for i, l := range lines {
			lines[i] = strings.TrimSuffix(l, "\r")
		}
		if s == "" {
			lines = nil
		}
		return strListValue(m, lines)
	case ssPartition, ssRpartition:
		sep, exc := argOneStr(method, args, argStr, m)
		if exc != nil {
			return undefined, exc
		}
		var before, after string
		var found bool
		if ss == ssPartition {
			before, after, found = strings.Cut(s, sep)
		} else {
			if i := strings.LastIndex(s, sep); i >= 0 {
				before, after, found = s[:i], s[i+len(sep):], true
			} else {
				before = s
			}
		}
		mid := ""
		if found {
			mid = sep
		} else if ss == ssRpartition {
			// rpartition puts the original string last on no match
			before, after = "", s
		}
		return strTupleValue(m, []string{before, mid, after})
	case ssJoin:
		if exc := wantArgs("str", method, args, 1, m); exc != nil {
			return undefined, exc
		}
		items, exc := iterateToSlice(args[0], m)
		if exc != nil {
			return undefined, exc
		}
		defer dropAll(items, m.heap)
		var b strings.Builder
		for i, item := range items {
			part, ok := asStr(item, m.heap, m.interns)
			if !ok {
				return undefined, typeErrorf("sequence item %d: expected str instance, %s found", i, item.typeName(m.heap))
			}
			if i > 0 {
				b.WriteString(s)
			}
			b.WriteString(part)
		}
		return newStr(m.heap, b.String())
	case ssZfill:
		if exc := wantArgs("str", method, args, 1, m); exc != nil {
			return undefined, exc
		}
		if args[0].kind != KindInt {
			return undefined, typeErrorf("zfill() argument must be int")
		}
		width := int(args[0].asInt())
		if len(s) >= width {
			return newStr(m.heap, s)
		}
		pad := strings.Repeat("0", width-len(s))
		if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
			return newStr(m.heap, s[:1]+pad+s[1:])
		}
		return newStr(m.heap, pad+s)
	case ssEncode:
		if exc := wantArgsRange("str", method, args, 0, 1, m); exc != nil {
			return undefined, exc
		}
		return newBytes(m.heap, []byte(s))
	case ssIsalpha:
		return pred(func(s string) bool { return s != "" && strings.IndexFunc(s, func(r rune) bool { return !unicode.IsLetter(r) }) < 0 })
	case ssIsdigit:
		return pred(func(s string) bool { return s != "" && strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) }) < 0 })
	case ssIsnumeric:
		return pred(func(s string) bool { return s != "" && strings.IndexFunc(s, func(r rune) bool { return !unicode.IsNumber(r) }) < 0 })
	case ssIsalnum:
		return pred(func(s string) bool {
			return s != "" && strings.IndexFunc(s, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsNumber(r) }) < 0
		})
	case ssIsspace:
		return pred(func(s string) bool { return s != "" && strings.TrimSpace(s) == "" })
	case ssIslower:
		return pred(func(s string) bool { return s != strings.ToUpper(s) && s == strings.ToLower(s) })
	case ssIsupper:
		return pred(func(s string) bool { return s != strings.ToLower(s) && s == strings.ToUpper(s) })
	case ssIsascii:
		return pred(func(s string) bool {
			for i := 0; i < len(s); i++ {
				if s[i] >= 0x80 {
					return false
				}
			}
			return true
		})
	case ssIsidentifier:
		return pred(isIdentifier)
	default:
		return undefined, attributeErrorf("'str' object has no attribute %s", reprString(m.interns.GetString(method)))
	}
}

func isIdentifier(s string) bool {
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return s != ""
}

// argOneStr is the common "exactly one str argument" prologue.
func argOneStr(method StringId, args []Value, argStr func(int) (string, *Exception), m *machine) (string, *Exception) {
	if len(args) != 1 {
		return "", typeErrorf("%s() takes exactly one argument (%d given)", m.interns.GetString(method), len(args))
	}
	return argStr(0)
}

// strListValue builds a guest list of heap strings.
func strListValue(m *machine, parts []string) (Value, *Exception) {
	items := make([]Value, 0, len(parts))
	for _, p := range parts {
		v, exc := newStr(m.heap, p)
		if exc != nil {
			dropAll(items, m.heap)
			return undefined, exc
		}
		items = append(items, v)
	}
	return newList(m.heap, items)
}

// strTupleValue builds a guest tuple of heap strings.
func strTupleValue(m *machine, parts []string) (Value, *Exception) {
	items := make([]Value, 0, len(parts))
	for _, p := range parts {
		v, exc := newStr(m.heap, p)
		if exc != nil {
			dropAll(items, m.heap)
			return undefined, exc
		}
		items = append(items, v)
	}
	return newTuple(m.heap, items)
}

// wantArgs raises TypeError unless exactly n positional args were
// passed.
func wantArgs(typeName string, method StringId, args []Value, n int, m *machine) *Exception {
	if len(args) != n {
		return typeErrorf("%s.%s() takes exactly %d arguments (%d given)",
			typeName, m.interns.GetString(method), n, len(args))
	}
	return nil
}

func wantArgsRange(typeName string, method StringId, args []Value, lo, hi int, m *machine) *Exception {
	if len(args) < lo || len(args) > hi {
		return typeErrorf("%s.%s() takes at most %d arguments (%d given)",
			typeName, m.interns.GetString(method), hi, len(args))
	}
	return nil
}

// dropAll releases heap shares held by a temporary value slice.
func dropAll(items []Value, h *Heap) {
	for _, v := range items {
		v.dropWithHeap(h)
	}
}
