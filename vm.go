package monty

import "fmt"

// StreamKind selects the PrintWriter channel.
type StreamKind uint8

const (
	StreamStdout StreamKind = iota
	StreamStderr
)

// PrintWriter receives guest output.  It is called only from within a
// VM invocation, always on the invoking goroutine.
type PrintWriter interface {
	Write(stream StreamKind, text string)
}

// discardWriter drops all output.
type discardWriter struct{}

func (discardWriter) Write(StreamKind, string) {}

// frameExitKind says why the dispatch loop handed control back.
type frameExitKind uint8

const (
	exitReturn frameExitKind = iota
	exitExternalCall
	exitOsCall
	exitResolveFutures
)

// vmPause carries a suspension out of the dispatch loop: an external
// function call, an OS call, or "all blocked on futures".
type vmPause struct {
	kind    frameExitKind
	callId  CallId
	extId   ExtFunctionId
	extName string
	osFn    OsFunction
	args    []Value
	kwNames []StringId
	kwArgs  []Value
}

// frame is one call activation: program counter, operand stack,
// Code/namespace references, and the current-exception slot for bare
// raise inside handlers.
type frame struct {
	code     *Code
	pc       int
	stack    []Value
	nsIdx    int
	funcName StringId
}

func (f *frame) push(v Value) {
	f.stack = append(f.stack, v)
}

func (f *frame) pop() Value {
	n := len(f.stack) - 1
	v := f.stack[n]
	f.stack = f.stack[:n]
	return v
}

func (f *frame) top() Value {
	return f.stack[len(f.stack)-1]
}

// raised is one in-flight exception: the guest-visible value plus the
// structured exception accumulating traceback frames.
type raised struct {
	val Value
	exc *Exception
}

// machine is one Monty instance's VM: the heap, namespaces, frames,
// future map and module cache.  Exactly one dispatch loop runs at a
// time; a machine is never touched from two goroutines.
type machine struct {
	prog    *program
	heap    *Heap
	interns *Interns
	ns      *namespaces
	tracker ResourceTracker
	print   PrintWriter

	frames   []*frame
	excStack []raised

	nextCallId CallId
	futures    map[CallId]futureEntry
	modules    map[StringId]Value

	// persistent machines (REPL sessions) skip the termination
	// sweep: their globals live across runs.
	persistent bool
}

type futureEntry struct {
	resolved bool
	value    Value
	failed   *Exception
}

func newMachine(prog *program, tracker ResourceTracker, print PrintWriter) *machine {
	if print == nil {
		print = discardWriter{}
	}
	if tracker == nil {
		tracker = UnlimitedTracker{}
	}
	return &machine{
		prog:    prog,
		heap:    NewHeap(tracker),
		interns: prog.interns,
		ns:      newNamespaces(prog.globals.numSlots()),
		tracker: tracker,
		print:   print,
		futures: map[CallId]futureEntry{},
		modules: map[StringId]Value{},
	}
}

func (m *machine) functionName(id FunctionId) string {
	if int(id) < len(m.prog.functions) {
		return m.interns.GetString(m.prog.functions[id].name)
	}
	return "?"
}

func (m *machine) extFunctionName(id ExtFunctionId) string {
	if int(id) < len(m.prog.extNames) {
		return m.prog.extNames[id]
	}
	return "?"
}

// pushModuleFrame starts module execution.
func (m *machine) pushModuleFrame() {
	m.ns.global().grow(m.prog.globals.numSlots())
	m.frames = append(m.frames, &frame{
		code:     m.prog.moduleCode,
		stack:    make([]Value, 0, m.prog.moduleCode.StackSize),
		nsIdx:    0,
		funcName: ssModule.stringId(),
	})
}

// run drives the dispatch loop until a return, an unhandled exception,
// or a suspension.
func (m *machine) run() (Value, *vmPause, *Exception) {
	for {
		f := m.frames[len(m.frames)-1]
		bc := f.code.Bytecode
		if f.pc >= len(bc) {
			panic(fmt.Sprintf("monty: pc %d beyond bytecode end %d", f.pc, len(bc)))
		}
		insnStart := f.pc
		op := bc[f.pc]

		var exc *Exception
		var pause *vmPause
		var done bool
		var result Value

		switch op {
		case opLoadConst:
			idx := decodeU16(bc[f.pc+1:])
			f.pc += 3
			cv := f.code.Consts[idx]
			if cv.kind == KindInternLongInt {
				var v Value
				v, exc = newLongIntFromIntern(cv.asLongIntId(), m)
				if exc == nil {
					f.push(v)
				}
			} else {
				f.push(cv.cloneWithHeap(m.heap))
			}

		case opLoadSmallInt:
			f.push(IntValue(int64(int8(bc[f.pc+1]))))
			f.pc += 2

		case opLoadNone:
			f.push(valueNone)
			f.pc++
		case opLoadTrue:
			f.push(valueTrue)
			f.pc++
		case opLoadFalse:
			f.push(valueFalse)
			f.pc++

		case opPop:
			f.pop().dropWithHeap(m.heap)
			f.pc++

		case opDup:
			f.push(f.top().cloneWithHeap(m.heap))
			f.pc++

		case opDup2:
			n := len(f.stack)
			a, b := f.stack[n-2], f.stack[n-1]
			f.push(a.cloneWithHeap(m.heap))
			f.push(b.cloneWithHeap(m.heap))
			f.pc++

		case opRot2:
			n := len(f.stack)
			f.stack[n-1], f.stack[n-2] = f.stack[n-2], f.stack[n-1]
			f.pc++

		case opRot3:
			n := len(f.stack)
			top := f.stack[n-1]
			f.stack[n-1] = f.stack[n-2]
			f.stack[n-2] = f.stack[n-3]
			f.stack[n-3] = top
			f.pc++

		case opLoadLocal0, opLoadLocal1, opLoadLocal2, opLoadLocal3:
			slot := uint16(op - opLoadLocal0)
			exc = m.loadLocal(f, slot)
			f.pc++

		case opLoadLocal:
			exc = m.loadLocal(f, uint16(bc[f.pc+1]))
			f.pc += 2

		case opLoadLocalW:
			exc = m.loadLocal(f, decodeU16(bc[f.pc+1:]))
			f.pc += 3

		case opStoreLocal:
			m.ns.at(f.nsIdx).set(uint16(bc[f.pc+1]), f.pop(), m.heap)
			f.pc += 2

		case opStoreLocalW:
			m.ns.at(f.nsIdx).set(decodeU16(bc[f.pc+1:]), f.pop(), m.heap)
			f.pc += 3

		case opDeleteLocal:
			m.ns.at(f.nsIdx).set(uint16(bc[f.pc+1]), undefined, m.heap)
			f.pc += 2

		case opLoadGlobal:
			slot := decodeU16(bc[f.pc+1:])
			v := m.ns.global().get(slot)
			if v.isUndefined() {
				exc = nameErrorf("name %s is not defined", reprString(m.globalName(slot)))
			} else {
				f.push(v.cloneWithHeap(m.heap))
			}
			f.pc += 3

		case opStoreGlobal:
			m.ns.global().set(decodeU16(bc[f.pc+1:]), f.pop(), m.heap)
			f.pc += 3

		case opLoadCell:
			slot := decodeU16(bc[f.pc+1:])
			cellRef := m.ns.at(f.nsIdx).get(slot)
			cell := m.heap.Get(cellRef.asHeapId()).(*cellObject)
			if cell.v.isUndefined() {
				name := "?"
				if id, ok := f.code.LocalName(slot); ok {
					name = m.interns.GetString(id)
				}
				exc = nameErrorf("cannot access free variable %s where it is not associated with a value", reprString(name))
			} else {
				f.push(cell.v.cloneWithHeap(m.heap))
			}
			f.pc += 3

		case opStoreCell:
			slot := decodeU16(bc[f.pc+1:])
			v := f.pop()
			cellRef := m.ns.at(f.nsIdx).get(slot)
			cell := m.heap.Get(cellRef.asHeapId()).(*cellObject)
			cell.v.dropWithHeap(m.heap)
			cell.v = v
			if v.isRef() {
				m.heap.MarkPotentialCycle()
			}
			f.pc += 3

		case opLoadAttr, opLoadAttrImport:
			nameId := StringId(decodeU16(bc[f.pc+1:]))
			obj := f.pop()
			var v Value
			v, pause, exc = m.getAttr(obj, nameId, op == opLoadAttrImport)
			obj.dropWithHeap(m.heap)
			if exc == nil && pause == nil {
				f.push(v)
			}
			f.pc += 3

		case opStoreAttr:
			nameId := StringId(decodeU16(bc[f.pc+1:]))
			obj := f.pop()
			val := f.pop()
			exc = m.setAttr(obj, nameId, val)
			obj.dropWithHeap(m.heap)
			f.pc += 3

		case opImportName:
			nameId := StringId(decodeU16(bc[f.pc+1:]))
			var v Value
			v, exc = m.importModule(nameId)
			if exc == nil {
				f.push(v)
			}
			f.pc += 3

		case opBinarySubscr:
			idx := f.pop()
			obj := f.pop()
			var v Value
			v, exc = m.subscrGet(obj, idx)
			obj.dropWithHeap(m.heap)
			idx.dropWithHeap(m.heap)
			if exc == nil {
				f.push(v)
			}
			f.pc++

		case opStoreSubscr:
			idx := f.pop()
			obj := f.pop()
			val := f.pop()
			exc = m.subscrSet(obj, idx, val)
			obj.dropWithHeap(m.heap)
			idx.dropWithHeap(m.heap)
			f.pc++

		case opBuildSlice:
			n := bc[f.pc+1]
			step := valueNone
			if n == 3 {
				step = f.pop()
			}
			hi := f.pop()
			lo := f.pop()
			id, aexc := m.heap.Allocate(&sliceObject{lo: lo, hi: hi, step: step})
			if aexc != nil {
				lo.dropWithHeap(m.heap)
				hi.dropWithHeap(m.heap)
				step.dropWithHeap(m.heap)
				exc = aexc
			} else {
				f.push(refValue(id))
			}
			f.pc += 2

		case opBinaryAdd, opBinarySub, opBinaryMul, opBinaryDiv,
			opBinaryFloorDiv, opBinaryMod, opBinaryPow:
			b := f.pop()
			a := f.pop()
			var v Value
			v, exc = applyBinOp(op, a, b, m)
			a.dropWithHeap(m.heap)
			b.dropWithHeap(m.heap)
			if exc == nil {
				f.push(v)
			}
			f.pc++

		case opInplaceAdd:
			b := f.pop()
			a := f.pop()
			var v Value
			v, exc = inplaceAdd(a, b, m)
			a.dropWithHeap(m.heap)
			b.dropWithHeap(m.heap)
			if exc == nil {
				f.push(v)
			}
			f.pc++

		case opCompareEq, opCompareNe, opCompareLt, opCompareLe,
			opCompareGt, opCompareGe, opCompareIs, opCompareIsNot,
			opCompareIn, opCompareNotIn:
			b := f.pop()
			a := f.pop()
			var v Value
			v, exc = applyCompare(op, a, b, m)
			a.dropWithHeap(m.heap)
			b.dropWithHeap(m.heap)
			if exc == nil {
				f.push(v)
			}
			f.pc++

		case opCompareModEq:
			idx := decodeU16(bc[f.pc+1:])
			packed := f.code.Consts[idx].asInt()
			k, cv := packed>>32, packed&0xffffffff
			x := f.pop()
			switch x.kind {
			case KindInt:
				f.push(BoolValue(floorModInt(x.asInt(), k) == cv))
			case KindBool:
				b := int64(0)
				if x.asBool() {
					b = 1
				}
				f.push(BoolValue(floorModInt(b, k) == cv))
			default:
				var v Value
				v, exc = binaryMod(x, IntValue(k), m)
				if exc == nil {
					f.push(BoolValue(valueEq(v, IntValue(cv), m)))
					v.dropWithHeap(m.heap)
				}
			}
			x.dropWithHeap(m.heap)
			f.pc += 3

		case opUnaryNot:
			v := f.pop()
			truth := valueTruth(v, m)
			v.dropWithHeap(m.heap)
			f.push(BoolValue(!truth))
			f.pc++

		case opUnaryNeg:
			v := f.pop()
			var out Value
			out, exc = unaryNegValue(v, m)
			v.dropWithHeap(m.heap)
			if exc == nil {
				f.push(out)
			}
			f.pc++

		case opBuildList:
			n := int(decodeU16(bc[f.pc+1:]))
			items := make([]Value, n)
			copy(items, f.stack[len(f.stack)-n:])
			f.stack = f.stack[:len(f.stack)-n]
			var v Value
			v, exc = newList(m.heap, items)
			if exc == nil {
				f.push(v)
			}
			f.pc += 3

		case opBuildTuple:
			n := int(decodeU16(bc[f.pc+1:]))
			items := make([]Value, n)
			copy(items, f.stack[len(f.stack)-n:])
			f.stack = f.stack[:len(f.stack)-n]
			var v Value
			v, exc = newTuple(m.heap, items)
			if exc == nil {
				f.push(v)
			}
			f.pc += 3

		case opBuildSet:
			n := int(decodeU16(bc[f.pc+1:]))
			items := make([]Value, n)
			copy(items, f.stack[len(f.stack)-n:])
			f.stack = f.stack[:len(f.stack)-n]
			var v Value
			v, exc = setFromValues(items, false, m)
			if exc == nil {
				f.push(v)
			}
			f.pc += 3

		case opBuildDict:
			n := int(decodeU16(bc[f.pc+1:]))
			var dv Value
			dv, _, exc = newDict(m.heap, n)
			if exc == nil {
				d := m.heap.Get(dv.asHeapId()).(*dictObject)
				base := len(f.stack) - 2*n
				for i := 0; i < n; i++ {
					k := f.stack[base+2*i]
					v := f.stack[base+2*i+1]
					if exc = d.set(k, v, m); exc != nil {
						break
					}
				}
				f.stack = f.stack[:base]
				if exc == nil {
					f.push(dv)
				} else {
					dv.dropWithHeap(m.heap)
				}
			}
			f.pc += 3

		case opListExtend:
			src := f.pop()
			items, iexc := iterateToSlice(src, m)
			src.dropWithHeap(m.heap)
			if iexc != nil {
				exc = iexc
			} else {
				l := m.heap.Get(f.top().asHeapId()).(*listObject)
				for _, v := range items {
					l.push(v)
				}
			}
			f.pc++

		case opListToTuple:
			lv := f.pop()
			l := m.heap.Get(lv.asHeapId()).(*listObject)
			items := make([]Value, len(l.items))
			for i, v := range l.items {
				items[i] = v.cloneWithHeap(m.heap)
			}
			lv.dropWithHeap(m.heap)
			var v Value
			v, exc = newTuple(m.heap, items)
			if exc == nil {
				f.push(v)
			}
			f.pc++

		case opDictMerge:
			funcName := StringId(decodeU16(bc[f.pc+1:]))
			src := f.pop()
			other, ok := asDict(src, m.heap)
			if !ok {
				exc = typeErrorf("%s() argument after ** must be a mapping, not %s",
					m.interns.GetString(funcName), src.typeName(m.heap))
			} else {
				d := m.heap.Get(f.top().asHeapId()).(*dictObject)
				for _, e := range other.liveEntries() {
					if _, found, _ := d.get(e.key, m); found {
						exc = typeErrorf("%s() got multiple values for keyword argument %s",
							m.interns.GetString(funcName), valueRepr(e.key, m))
						break
					}
					if exc = d.set(e.key.cloneWithHeap(m.heap), e.value.cloneWithHeap(m.heap), m); exc != nil {
						break
					}
				}
			}
			src.dropWithHeap(m.heap)
			f.pc += 3

		case opCallFunction:
			argc := int(bc[f.pc+1])
			f.pc += 2
			pause, exc = m.callFromStack(f, argc, nil, 0)

		case opCallFunctionKw:
			posc := int(bc[f.pc+1])
			kwc := int(bc[f.pc+2])
			kwNames := make([]StringId, kwc)
			for i := 0; i < kwc; i++ {
				kwNames[i] = StringId(decodeU16(bc[f.pc+3+2*i:]))
			}
			f.pc += 3 + 2*kwc
			pause, exc = m.callFromStack(f, posc, kwNames, kwc)

		case opCallFunctionEx:
			flags := bc[f.pc+1]
			f.pc += 2
			pause, exc = m.callFunctionEx(f, flags&1 != 0)

		case opCallMethod:
			nameId := StringId(decodeU16(bc[f.pc+1:]))
			argc := int(bc[f.pc+3])
			f.pc += 4
			pause, exc = m.callMethod(f, nameId, argc)

		case opJump:
			off := decodeI16(bc[f.pc+1:])
			f.pc += 3 + int(off)
			if off < 0 {
				if pexc := m.tracker.Poll(); pexc != nil {
					exc = pexc
				}
			}

		case opJumpIfFalse, opJumpIfTrue:
			off := decodeI16(bc[f.pc+1:])
			v := f.pop()
			truth := valueTruth(v, m)
			v.dropWithHeap(m.heap)
			take := truth == (op == opJumpIfTrue)
			f.pc += 3
			if take {
				f.pc += int(off)
			}

		case opJumpIfFalseOrPop, opJumpIfTrueOrPop:
			off := decodeI16(bc[f.pc+1:])
			truth := valueTruth(f.top(), m)
			take := truth == (op == opJumpIfTrueOrPop)
			f.pc += 3
			if take {
				f.pc += int(off)
			} else {
				f.pop().dropWithHeap(m.heap)
			}

		case opGetIter:
			v := f.pop()
			var it Value
			it, exc = getIter(v, m)
			v.dropWithHeap(m.heap)
			if exc == nil {
				f.push(it)
			}
			f.pc++

		case opForIter:
			off := decodeI16(bc[f.pc+1:])
			it := m.heap.Get(f.top().asHeapId()).(*iterObject)
			var v Value
			var more bool
			v, more, exc = iterNext(it, m)
			if exc == nil {
				if more {
					f.push(v)
					f.pc += 3
				} else {
					f.pop().dropWithHeap(m.heap)
					f.pc += 3 + int(off)
				}
			}
			if pexc := m.tracker.Poll(); pexc != nil && exc == nil {
				exc = pexc
			}

		case opReturnValue:
			result = f.pop()
			done = m.popFrame()
			if !done {
				caller := m.frames[len(m.frames)-1]
				caller.push(result)
				result = undefined
			}

		case opRaise:
			v := f.pop()
			exc = m.toException(v)
			v.dropWithHeap(m.heap)

		case opReraise:
			if n := len(m.excStack); n > 0 {
				r := m.excStack[n-1]
				m.excStack = m.excStack[:n-1]
				f.pc = insnStart
				if uncaught := m.raiseValue(r); uncaught != nil {
					return undefined, nil, uncaught
				}
				continue
			}
			exc = newException(RuntimeError, "No active exception to re-raise")

		case opCheckExcMatch:
			typ := f.pop()
			v := f.pop()
			var match bool
			match, exc = m.excMatches(v, typ)
			typ.dropWithHeap(m.heap)
			v.dropWithHeap(m.heap)
			if exc == nil {
				f.push(BoolValue(match))
			}
			f.pc++

		case opClearException:
			if n := len(m.excStack); n > 0 {
				m.excStack[n-1].val.dropWithHeap(m.heap)
				m.excStack = m.excStack[:n-1]
			}
			f.pc++

		case opMakeFunction:
			funcId := FunctionId(decodeU16(bc[f.pc+1:]))
			defc := int(bc[f.pc+3])
			f.pc += 4
			exc = m.makeFunction(f, funcId, defc, 0)

		case opMakeClosure:
			funcId := FunctionId(decodeU16(bc[f.pc+1:]))
			defc := int(bc[f.pc+3])
			cellc := int(bc[f.pc+4])
			f.pc += 5
			exc = m.makeFunction(f, funcId, defc, cellc)

		case opMakeDataclass:
			idx := int(decodeU16(bc[f.pc+1:]))
			defc := int(bc[f.pc+3])
			f.pc += 4
			exc = m.makeDataclass(f, idx, defc)

		case opFormatValue:
			flags := bc[f.pc+1]
			f.pc += 2
			exc = m.formatValue(f, flags)

		case opBuildFString:
			n := int(decodeU16(bc[f.pc+1:]))
			var b []byte
			base := len(f.stack) - n
			for i := 0; i < n; i++ {
				b = append(b, valueStr(f.stack[base+i], m)...)
			}
			for i := 0; i < n; i++ {
				f.stack[base+i].dropWithHeap(m.heap)
			}
			f.stack = f.stack[:base]
			var v Value
			v, exc = newStr(m.heap, string(b))
			if exc == nil {
				f.push(v)
			}
			f.pc += 3

		case opAwait:
			v := f.top()
			if v.kind == KindFuture {
				entry, ok := m.futures[v.asCallId()]
				switch {
				case ok && entry.resolved && entry.failed != nil:
					f.pop().dropWithHeap(m.heap)
					delete(m.futures, v.asCallId())
					exc = entry.failed
				case ok && entry.resolved:
					f.pop().dropWithHeap(m.heap)
					delete(m.futures, v.asCallId())
					f.push(entry.value)
					f.pc++
				default:
					// stay on this instruction; resume re-awaits
					pause = &vmPause{kind: exitResolveFutures}
				}
			} else {
				f.pc++
			}

		default:
			panic(fmt.Sprintf("monty: corrupted bytecode: opcode %d at %d", op, insnStart))
		}

		if done {
			return result, nil, nil
		}
		if pause != nil {
			return undefined, pause, nil
		}
		if exc != nil {
			r := raised{val: m.exceptionValue(exc), exc: exc}
			f.pc = insnStart
			if uncaught := m.raiseValue(r); uncaught != nil {
				return undefined, nil, uncaught
			}
		}
	}
}

// newLongIntFromIntern rehydrates a long-int constant.
func newLongIntFromIntern(id LongIntId, m *machine) (Value, *Exception) {
	return newLongInt(m.heap, m.interns.GetLongInt(id))
}

func (m *machine) globalName(slot uint16) string {
	if int(slot) < len(m.prog.globals.names) {
		return m.interns.GetString(m.prog.globals.names[slot])
	}
	return "?"
}

func (m *machine) loadLocal(f *frame, slot uint16) *Exception {
	v := m.ns.at(f.nsIdx).get(slot)
	if v.isUndefined() {
		name := "?"
		if id, ok := f.code.LocalName(slot); ok {
			name = m.interns.GetString(id)
		}
		if f.nsIdx == 0 {
			return nameErrorf("name %s is not defined", reprString(name))
		}
		return newExceptionf(UnboundLocalError,
			"cannot access local variable %s where it is not associated with a value", reprString(name))
	}
	f.push(v.cloneWithHeap(m.heap))
	return nil
}

// toException converts a raised guest value into the structured form.
func (m *machine) toException(v Value) *Exception {
	switch v.kind {
	case KindExc:
		t, msgId, hasMsg := v.asExc()
		msg := ""
		if hasMsg {
			msg = m.interns.GetString(msgId)
		}
		return newException(t, msg)
	case KindBuiltin:
		if t, ok := v.asBuiltin().excType(); ok {
			return newException(t, "")
		}
	case KindRef:
		if e, ok := m.heap.Get(v.asHeapId()).(*excObject); ok {
			return &Exception{Type: e.exc.Type, Message: e.exc.Message}
		}
	}
	return typeErrorf("exceptions must derive from BaseException")
}

// exceptionValue converts a structured exception back into a guest
// value for handler binding.
func (m *machine) exceptionValue(exc *Exception) Value {
	obj := &excObject{exc: exc}
	if exc.Message != "" {
		if s, sexc := newStr(m.heap, exc.Message); sexc == nil {
			obj.args = []Value{s}
		}
	}
	id, aexc := m.heap.Allocate(obj)
	if aexc != nil {
		// allocation failure while raising: fall back to inline
		dropAll(obj.args, m.heap)
		return excValue(exc.Type, 0, false)
	}
	return refValue(id)
}

// excMatches implements CheckExcMatch: is the raised value an instance
// of the handler type?
func (m *machine) excMatches(v, typ Value) (bool, *Exception) {
	var handlerType ExcType
	switch typ.kind {
	case KindBuiltin:
		t, ok := typ.asBuiltin().excType()
		if !ok {
			return false, typeErrorf("catching classes that do not inherit from BaseException is not allowed")
		}
		handlerType = t
	case KindRef:
		if items, ok := sequenceItems(typ, m); ok {
			for _, t := range items {
				match, exc := m.excMatches(v, t)
				if exc != nil {
					return false, exc
				}
				if match {
					return true, nil
				}
			}
			return false, nil
		}
		return false, typeErrorf("catching classes that do not inherit from BaseException is not allowed")
	default:
		return false, typeErrorf("catching classes that do not inherit from BaseException is not allowed")
	}
	switch v.kind {
	case KindExc:
		t, _, _ := v.asExc()
		return t.Matches(handlerType), nil
	case KindRef:
		if e, ok := m.heap.Get(v.asHeapId()).(*excObject); ok {
			return e.exc.Type.Matches(handlerType), nil
		}
	}
	return false, nil
}

// raiseValue walks the exception tables of the live frames.  If a
// handler covers the current pc, the operand stack unwinds to the
// recorded depth, the exception value is pushed, and control jumps to
// the handler.  Otherwise the frame is popped with a traceback entry
// and the search re-enters the caller.  Returns the exception if no
// frame catches it (or the tracker marked it fatal).
func (m *machine) raiseValue(r raised) *Exception {
	fatal := m.tracker.Fatal()
	raisingFrame := true
	for {
		f := m.frames[len(m.frames)-1]
		if !fatal {
			if entry, ok := f.code.FindHandler(uint32(f.pc)); ok {
				for len(f.stack) > int(entry.Depth) {
					f.pop().dropWithHeap(m.heap)
				}
				// one share stays on the exception stack, one goes
				// to the handler
				m.excStack = append(m.excStack, raised{val: r.val.cloneWithHeap(m.heap), exc: r.exc})
				f.push(r.val)
				f.pc = int(entry.Handler)
				return nil
			}
		}
		m.appendTracebackFrame(r.exc, f, !raisingFrame)
		raisingFrame = false
		if m.popFrame() {
			r.val.dropWithHeap(m.heap)
			return r.exc
		}
	}
}

// appendTracebackFrame records filename/line/column/function/preview
// for the instruction the frame is stopped at.  Caller frames sit one
// past their call instruction, so the lookup backs up a byte.
func (m *machine) appendTracebackFrame(exc *Exception, f *frame, isCallSite bool) {
	sf := StackFrame{
		Filename:     m.prog.filename,
		FunctionName: m.interns.GetString(f.funcName),
	}
	offset := uint32(f.pc)
	if isCallSite && offset > 0 {
		offset--
	}
	if loc, ok := f.code.LocationFor(offset); ok {
		li := NewLineIndex([]byte(m.prog.source))
		start := li.LocationAt(int(loc.Focus.Start))
		end := li.LocationAt(int(loc.Focus.End))
		sf.Line = start.Line
		sf.Column = start.Column
		sf.EndColumn = end.Column
		if end.Line != start.Line {
			sf.EndColumn = sf.Column + 1
		}
		sf.SourceLine = li.LineText(start.Line)
	}
	exc.AddFrame(sf)
}

// popFrame unwinds the top frame, dropping its operand stack and
// namespace.  Reports true when the popped frame was the last one.
func (m *machine) popFrame() bool {
	f := m.frames[len(m.frames)-1]
	for len(f.stack) > 0 {
		f.pop().dropWithHeap(m.heap)
	}
	if len(m.frames) == 1 {
		m.frames = m.frames[:0]
		return true
	}
	m.ns.pop(m.heap)
	m.frames = m.frames[:len(m.frames)-1]
	return false
}

// rootIDs gathers cycle-collection roots: every namespace slot plus
// the operand stacks of live frames.
func (m *machine) rootIDs() []HeapId {
	roots := m.ns.rootIDs(nil)
	for _, f := range m.frames {
		for _, v := range f.stack {
			if v.isRef() {
				roots = append(roots, v.asHeapId())
			}
		}
	}
	for _, r := range m.excStack {
		if r.val.isRef() {
			roots = append(roots, r.val.asHeapId())
		}
	}
	for _, e := range m.futures {
		if e.resolved && e.value.isRef() {
			roots = append(roots, e.value.asHeapId())
		}
	}
	for _, v := range m.modules {
		if v.isRef() {
			roots = append(roots, v.asHeapId())
		}
	}
	return roots
}

func (m *machine) makeFunction(f *frame, funcId FunctionId, defc, cellc int) *Exception {
	cells := make([]HeapId, cellc)
	for i := cellc - 1; i >= 0; i-- {
		cv := f.pop()
		cells[i] = cv.asHeapId() // the share transfers to the closure
	}
	defaults := make([]Value, defc)
	for i := defc - 1; i >= 0; i-- {
		defaults[i] = f.pop()
	}
	if cellc == 0 && defc == 0 {
		f.push(functionValue(funcId))
		return nil
	}
	id, exc := m.heap.Allocate(&closureObject{fn: funcId, cells: cells, defaults: defaults})
	if exc != nil {
		for _, c := range cells {
			m.heap.DecRef(c)
		}
		dropAll(defaults, m.heap)
		return exc
	}
	f.push(refValue(id))
	return nil
}

func (m *machine) makeDataclass(f *frame, idx, defc int) *Exception {
	desc := m.prog.dataclasses[idx]
	defaults := make([]Value, defc)
	for i := defc - 1; i >= 0; i-- {
		defaults[i] = f.pop()
	}
	id, exc := m.heap.Allocate(&dataclassTypeObject{
		typeName_: desc.name,
		fields:    desc.fields,
		defaults:  defaults,
		frozen:    desc.frozen,
	})
	if exc != nil {
		dropAll(defaults, m.heap)
		return exc
	}
	f.push(refValue(id))
	return nil
}

// formatValue applies f-string conversion and format spec.
func (m *machine) formatValue(f *frame, flags byte) *Exception {
	spec := ""
	if flags&0x01 != 0 {
		sv := f.pop()
		spec, _ = asStr(sv, m.heap, m.interns)
		sv.dropWithHeap(m.heap)
	}
	v := f.pop()
	var text string
	switch {
	case flags&0x10 != 0:
		text = valueRepr(v, m)
	default:
		text = valueStr(v, m)
	}
	if spec != "" {
		formatted, exc := applyFormatSpec(text, v, spec, m)
		if exc != nil {
			v.dropWithHeap(m.heap)
			return exc
		}
		text = formatted
	}
	v.dropWithHeap(m.heap)
	out, exc := newStr(m.heap, text)
	if exc != nil {
		return exc
	}
	f.push(out)
	return nil
}
