package monty

import (
	"math"
	"math/big"
	"strings"
)

// Binary arithmetic over the value model.  Operand shares are borrowed;
// results own their shares.  Integer overflow promotes to long ints.

func bothLong(a, b Value, m *machine) (*big.Int, *big.Int, bool) {
	x, ok := exactInt(a, m)
	if !ok {
		return nil, nil, false
	}
	y, ok := exactInt(b, m)
	if !ok {
		return nil, nil, false
	}
	// only take the big path when at least one side is heap-resident
	if a.kind == KindRef || b.kind == KindRef {
		return x, y, true
	}
	return nil, nil, false
}

func binaryAdd(a, b Value, m *machine) (Value, *Exception) {
	if a.kind == KindInt && b.kind == KindInt {
		x, y := a.asInt(), b.asInt()
		sum := x + y
		if (x > 0 && y > 0 && sum < 0) || (x < 0 && y < 0 && sum >= 0) {
			return newLongInt(m.heap, new(big.Int).Add(big.NewInt(x), big.NewInt(y)))
		}
		return IntValue(sum), nil
	}
	if x, y, ok := bothLong(a, b, m); ok {
		return newLongInt(m.heap, new(big.Int).Add(x, y))
	}
	if af, aok := numericValue(a, m); aok {
		if bf, bok := numericValue(b, m); bok {
			if a.kind == KindFloat || b.kind == KindFloat {
				return FloatValue(af + bf), nil
			}
			// bool arithmetic lands here
			return IntValue(int64(af) + int64(bf)), nil
		}
	}
	if as, ok := asStr(a, m.heap, m.interns); ok {
		if bs, ok := asStr(b, m.heap, m.interns); ok {
			return newStr(m.heap, as+bs)
		}
		return undefined, typeErrorf("can only concatenate str (not \"%s\") to str", b.typeName(m.heap))
	}
	if ab, ok := asBytes(a, m.heap, m.interns); ok {
		if bb, ok := asBytes(b, m.heap, m.interns); ok {
			out := make([]byte, 0, len(ab)+len(bb))
			out = append(out, ab...)
			out = append(out, bb...)
			return newBytes(m.heap, out)
		}
	}
	if a.kind == KindRef && b.kind == KindRef {
		switch x := m.heap.Get(a.asHeapId()).(type) {
		case *listObject:
			if y, ok := m.heap.Get(b.asHeapId()).(*listObject); ok {
				items := make([]Value, 0, len(x.items)+len(y.items))
				for _, v := range x.items {
					items = append(items, v.cloneWithHeap(m.heap))
				}
				for _, v := range y.items {
					items = append(items, v.cloneWithHeap(m.heap))
				}
				return newList(m.heap, items)
			}
		case *tupleObject:
			if y, ok := m.heap.Get(b.asHeapId()).(*tupleObject); ok {
				items := make([]Value, 0, len(x.items)+len(y.items))
				for _, v := range x.items {
					items = append(items, v.cloneWithHeap(m.heap))
				}
				for _, v := range y.items {
					items = append(items, v.cloneWithHeap(m.heap))
				}
				return newTuple(m.heap, items)
			}
		}
	}
	return undefined, typeErrorf("unsupported operand type(s) for +: '%s' and '%s'",
		a.typeName(m.heap), b.typeName(m.heap))
}

func binarySub(a, b Value, m *machine) (Value, *Exception) {
	if a.kind == KindInt && b.kind == KindInt {
		x, y := a.asInt(), b.asInt()
		diff := x - y
		if (x >= 0 && y < 0 && diff < 0) || (x < 0 && y > 0 && diff >= 0) {
			return newLongInt(m.heap, new(big.Int).Sub(big.NewInt(x), big.NewInt(y)))
		}
		return IntValue(diff), nil
	}
	if x, y, ok := bothLong(a, b, m); ok {
		return newLongInt(m.heap, new(big.Int).Sub(x, y))
	}
	if af, aok := numericValue(a, m); aok {
		if bf, bok := numericValue(b, m); bok {
			if a.kind == KindFloat || b.kind == KindFloat {
				return FloatValue(af - bf), nil
			}
			return IntValue(int64(af) - int64(bf)), nil
		}
	}
	// set difference
	if sa, ok := asSet(a, m.heap); ok {
		if sb, ok := asSet(b, m.heap); ok {
			return setCombine(sa, sb, ssDifference, m)
		}
	}
	return undefined, typeErrorf("unsupported operand type(s) for -: '%s' and '%s'",
		a.typeName(m.heap), b.typeName(m.heap))
}

func binaryMul(a, b Value, m *machine) (Value, *Exception) {
	if a.kind == KindInt && b.kind == KindInt {
		x, y := a.asInt(), b.asInt()
		if x != 0 && y != 0 {
			prod := x * y
			if prod/y != x {
				return newLongInt(m.heap, new(big.Int).Mul(big.NewInt(x), big.NewInt(y)))
			}
			return IntValue(prod), nil
		}
		return IntValue(0), nil
	}
	if x, y, ok := bothLong(a, b, m); ok {
		return newLongInt(m.heap, new(big.Int).Mul(x, y))
	}
	if af, aok := numericValue(a, m); aok {
		if bf, bok := numericValue(b, m); bok {
			if a.kind == KindFloat || b.kind == KindFloat {
				return FloatValue(af * bf), nil
			}
			return IntValue(int64(af) * int64(bf)), nil
		}
	}
	// sequence repetition: s * n and n * s
	if n, seq, ok := mulRepetition(a, b, m); ok {
		return repeatSequence(seq, n, m)
	}
	return undefined, typeErrorf("unsupported operand type(s) for *: '%s' and '%s'",
		a.typeName(m.heap), b.typeName(m.heap))
}

func mulRepetition(a, b Value, m *machine) (int64, Value, bool) {
	if a.kind == KindInt {
		if isSequenceLike(b, m) {
			return a.asInt(), b, true
		}
	}
	if b.kind == KindInt {
		if isSequenceLike(a, m) {
			return b.asInt(), a, true
		}
	}
	return 0, undefined, false
}

func isSequenceLike(v Value, m *machine) bool {
	if _, ok := asStr(v, m.heap, m.interns); ok {
		return true
	}
	if _, ok := asBytes(v, m.heap, m.interns); ok {
		return true
	}
	if v.kind == KindRef {
		switch m.heap.Get(v.asHeapId()).(type) {
		case *listObject, *tupleObject:
			return true
		}
	}
	return false
}

func repeatSequence(seq Value, n int64, m *machine) (Value, *Exception) {
	if n < 0 {
		n = 0
	}
	if s, ok := asStr(seq, m.heap, m.interns); ok {
		return newStr(m.heap, strings.Repeat(s, int(n)))
	}
	if b, ok := asBytes(seq, m.heap, m.interns); ok {
		out := make([]byte, 0, len(b)*int(n))
		for i := int64(0); i < n; i++ {
			out = append(out, b...)
		}
		return newBytes(m.heap, out)
	}
	items, _ := sequenceItems(seq, m)
	out := make([]Value, 0, len(items)*int(n))
	for i := int64(0); i < n; i++ {
		for _, v := range items {
			out = append(out, v.cloneWithHeap(m.heap))
		}
	}
	if _, isTuple := m.heap.Get(seq.asHeapId()).(*tupleObject); isTuple {
		return newTuple(m.heap, out)
	}
	return newList(m.heap, out)
}

func binaryDiv(a, b Value, m *machine) (Value, *Exception) {
	af, aok := numericValue(a, m)
	bf, bok := numericValue(b, m)
	if !aok || !bok {
		return undefined, typeErrorf("unsupported operand type(s) for /: '%s' and '%s'",
			a.typeName(m.heap), b.typeName(m.heap))
	}
	if bf == 0 {
		return undefined, zeroDivisionError()
	}
	return FloatValue(af / bf), nil
}

// floorDivInt applies floor semantics: the quotient rounds toward
// negative infinity.
func floorDivInt(x, y int64) int64 {
	q := x / y
	if (x%y != 0) && ((x < 0) != (y < 0)) {
		q--
	}
	return q
}

func floorModInt(x, y int64) int64 {
	r := x % y
	if r != 0 && ((r < 0) != (y < 0)) {
		r += y
	}
	return r
}

func binaryFloorDiv(a, b Value, m *machine) (Value, *Exception) {
	if a.kind == KindInt && b.kind == KindInt {
		if b.asInt() == 0 {
			return undefined, newException(ZeroDivisionError, "integer division or modulo by zero")
		}
		return IntValue(floorDivInt(a.asInt(), b.asInt())), nil
	}
	if x, y, ok := bothLong(a, b, m); ok {
		if y.Sign() == 0 {
			return undefined, newException(ZeroDivisionError, "integer division or modulo by zero")
		}
		q := new(big.Int)
		r := new(big.Int)
		q.QuoRem(x, y, r)
		if r.Sign() != 0 && (r.Sign() < 0) != (y.Sign() < 0) {
			q.Sub(q, big.NewInt(1))
		}
		return newLongInt(m.heap, q)
	}
	af, aok := numericValue(a, m)
	bf, bok := numericValue(b, m)
	if aok && bok {
		if bf == 0 {
			return undefined, zeroDivisionError()
		}
		return FloatValue(math.Floor(af / bf)), nil
	}
	return undefined, typeErrorf("unsupported operand type(s) for //: '%s' and '%s'",
		a.typeName(m.heap), b.typeName(m.heap))
}

func binaryMod(a, b Value, m *machine) (Value, *Exception) {
	if a.kind == KindInt && b.kind == KindInt {
		if b.asInt() == 0 {
			return undefined, newException(ZeroDivisionError, "integer division or modulo by zero")
		}
		return IntValue(floorModInt(a.asInt(), b.asInt())), nil
	}
	if x, y, ok := bothLong(a, b, m); ok {
		if y.Sign() == 0 {
			return undefined, newException(ZeroDivisionError, "integer division or modulo by zero")
		}
		r := new(big.Int).Mod(x, y) // Mod is Euclidean; adjust to floor
		if r.Sign() != 0 && y.Sign() < 0 {
			r.Add(r, y)
		}
		return newLongInt(m.heap, r)
	}
	af, aok := numericValue(a, m)
	bf, bok := numericValue(b, m)
	if aok && bok {
		if bf == 0 {
			return undefined, newException(ZeroDivisionError, "float modulo")
		}
		r := math.Mod(af, bf)
		if r != 0 && (r < 0) != (bf < 0) {
			r += bf
		}
		return FloatValue(r), nil
	}
	return undefined, typeErrorf("unsupported operand type(s) for %%: '%s' and '%s'",
		a.typeName(m.heap), b.typeName(m.heap))
}

func binaryPow(a, b Value, m *machine) (Value, *Exception) {
	if a.kind == KindInt && b.kind == KindInt {
		exp := b.asInt()
		if exp < 0 {
			// negative exponent produces a float
			return FloatValue(math.Pow(float64(a.asInt()), float64(exp))), nil
		}
		result := new(big.Int).Exp(big.NewInt(a.asInt()), big.NewInt(exp), nil)
		return newLongInt(m.heap, result)
	}
	if x, y, ok := bothLong(a, b, m); ok {
		if y.Sign() >= 0 {
			return newLongInt(m.heap, new(big.Int).Exp(x, y, nil))
		}
	}
	af, aok := numericValue(a, m)
	bf, bok := numericValue(b, m)
	if aok && bok {
		return FloatValue(math.Pow(af, bf)), nil
	}
	return undefined, typeErrorf("unsupported operand type(s) for ** or pow(): '%s' and '%s'",
		a.typeName(m.heap), b.typeName(m.heap))
}

func applyBinOp(op byte, a, b Value, m *machine) (Value, *Exception) {
	switch op {
	case opBinaryAdd:
		return binaryAdd(a, b, m)
	case opBinarySub:
		return binarySub(a, b, m)
	case opBinaryMul:
		return binaryMul(a, b, m)
	case opBinaryDiv:
		return binaryDiv(a, b, m)
	case opBinaryFloorDiv:
		return binaryFloorDiv(a, b, m)
	case opBinaryMod:
		return binaryMod(a, b, m)
	case opBinaryPow:
		return binaryPow(a, b, m)
	}
	panic("monty: applyBinOp: not a binary opcode")
}

// inplaceAdd is += with the mutation fast path: a list left operand
// whose refcount is 1 (beyond the share on the operand stack) extends
// in place instead of allocating.  Correctness never depends on it.
func inplaceAdd(a, b Value, m *machine) (Value, *Exception) {
	if a.kind == KindRef {
		if l, ok := m.heap.Get(a.asHeapId()).(*listObject); ok && m.heap.RefCount(a.asHeapId()) == 1 {
			items, exc := iterateToSlice(b, m)
			if exc != nil {
				return undefined, exc
			}
			for _, v := range items {
				l.push(v)
				if v.isRef() {
					m.heap.MarkPotentialCycle()
				}
			}
			return a.cloneWithHeap(m.heap), nil
		}
	}
	return binaryAdd(a, b, m)
}

// applyCompare evaluates a comparison opcode.
func applyCompare(op byte, a, b Value, m *machine) (Value, *Exception) {
	switch op {
	case opCompareEq:
		return BoolValue(valueEq(a, b, m)), nil
	case opCompareNe:
		return BoolValue(!valueEq(a, b, m)), nil
	case opCompareLt:
		less, exc := valueLess(a, b, m)
		return BoolValue(less), exc
	case opCompareLe:
		if valueEq(a, b, m) {
			return valueTrue, nil
		}
		less, exc := valueLess(a, b, m)
		return BoolValue(less), exc
	case opCompareGt:
		less, exc := valueLess(b, a, m)
		return BoolValue(less), exc
	case opCompareGe:
		if valueEq(a, b, m) {
			return valueTrue, nil
		}
		less, exc := valueLess(b, a, m)
		return BoolValue(less), exc
	case opCompareIs:
		return BoolValue(a.identityId() == b.identityId()), nil
	case opCompareIsNot:
		return BoolValue(a.identityId() != b.identityId()), nil
	case opCompareIn:
		in, exc := valueContains(b, a, m)
		return BoolValue(in), exc
	case opCompareNotIn:
		in, exc := valueContains(b, a, m)
		return BoolValue(!in), exc
	}
	panic("monty: applyCompare: not a comparison opcode")
}

// unaryNegValue negates, promoting MinInt64 to a long int.
func unaryNegValue(v Value, m *machine) (Value, *Exception) {
	switch v.kind {
	case KindInt:
		i := v.asInt()
		if i == math.MinInt64 {
			return newLongInt(m.heap, new(big.Int).Neg(big.NewInt(i)))
		}
		return IntValue(-i), nil
	case KindFloat:
		return FloatValue(-v.asFloat()), nil
	case KindBool:
		if v.asBool() {
			return IntValue(-1), nil
		}
		return IntValue(0), nil
	case KindRef:
		if l, ok := m.heap.Get(v.asHeapId()).(*longIntObject); ok {
			return newLongInt(m.heap, new(big.Int).Neg(l.v))
		}
	}
	return undefined, typeErrorf("bad operand type for unary -: '%s'", v.typeName(m.heap))
}
