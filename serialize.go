package monty

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"
)

// Snapshot serialization.  Compilation is a pure function of the
// source (same prepared AST, same Code bytes), so the stream carries
// the snippet sources plus the runtime state only: heap, namespaces,
// frames, exception stack, futures.  Load recompiles and reattaches.
// Compatibility is within a single version.

const snapshotMagic = "MSNAP1\x00"

type swriter struct {
	buf bytes.Buffer
}

func (w *swriter) u8(v uint8)   { w.buf.WriteByte(v) }
func (w *swriter) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *swriter) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *swriter) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *swriter) i32(v int32) { w.u32(uint32(v)) }

func (w *swriter) str(s string) {
	w.u32(uint32(len(s)))
	w.buf.WriteString(s)
}

func (w *swriter) bytesv(b []byte) {
	w.u32(uint32(len(b)))
	w.buf.Write(b)
}

type sreader struct {
	data []byte
	pos  int
	err  error
}

func (r *sreader) fail(msg string) {
	if r.err == nil {
		r.err = fmt.Errorf("monty: corrupt snapshot: %s", msg)
	}
}

func (r *sreader) u8() uint8 {
	if r.err != nil || r.pos >= len(r.data) {
		r.fail("truncated")
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *sreader) bool() bool { return r.u8() != 0 }

func (r *sreader) u32() uint32 {
	if r.err != nil || r.pos+4 > len(r.data) {
		r.fail("truncated")
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

func (r *sreader) u64() uint64 {
	if r.err != nil || r.pos+8 > len(r.data) {
		r.fail("truncated")
		return 0
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v
}

func (r *sreader) i32() int32 { return int32(r.u32()) }

func (r *sreader) str() string {
	n := int(r.u32())
	if r.err != nil || r.pos+n > len(r.data) {
		r.fail("truncated string")
		return ""
	}
	s := string(r.data[r.pos : r.pos+n])
	r.pos += n
	return s
}

func (r *sreader) bytesv() []byte {
	n := int(r.u32())
	if r.err != nil || r.pos+n > len(r.data) {
		r.fail("truncated bytes")
		return nil
	}
	b := append([]byte(nil), r.data[r.pos:r.pos+n]...)
	r.pos += n
	return b
}

func (w *swriter) value(v Value) {
	w.u8(uint8(v.kind))
	w.u64(v.bits)
}

func (r *sreader) value() Value {
	kind := ValueKind(r.u8())
	bits := r.u64()
	return Value{kind: kind, bits: bits}
}

func (w *swriter) exception(e *Exception) {
	w.u8(uint8(e.Type))
	w.str(e.Message)
	w.u32(uint32(len(e.Frames)))
	for _, f := range e.Frames {
		w.str(f.Filename)
		w.i32(f.Line)
		w.i32(f.Column)
		w.i32(f.EndColumn)
		w.str(f.FunctionName)
		w.str(f.SourceLine)
	}
}

func (r *sreader) exception() *Exception {
	e := &Exception{Type: ExcType(r.u8()), Message: r.str()}
	n := int(r.u32())
	for i := 0; i < n; i++ {
		e.Frames = append(e.Frames, StackFrame{
			Filename:     r.str(),
			Line:         r.i32(),
			Column:       r.i32(),
			EndColumn:    r.i32(),
			FunctionName: r.str(),
			SourceLine:   r.str(),
		})
	}
	return e
}

// heap object tags
const (
	tagStr uint8 = iota + 1
	tagBytes
	tagLongInt
	tagList
	tagTuple
	tagDict
	tagSet
	tagNamedTuple
	tagDataclass
	tagDataclassType
	tagModule
	tagCell
	tagIter
	tagExc
	tagClosure
	tagRange
	tagSlice
)

func (w *swriter) heapObject(o pyObject) {
	switch x := o.(type) {
	case *strObject:
		w.u8(tagStr)
		w.str(x.s)
	case *bytesObject:
		w.u8(tagBytes)
		w.bytesv(x.b)
	case *longIntObject:
		w.u8(tagLongInt)
		w.str(x.v.String())
	case *listObject:
		w.u8(tagList)
		w.bool(x.containsRefs)
		w.u32(uint32(len(x.items)))
		for _, v := range x.items {
			w.value(v)
		}
	case *tupleObject:
		w.u8(tagTuple)
		w.bool(x.containsRefs)
		w.u32(uint32(len(x.items)))
		for _, v := range x.items {
			w.value(v)
		}
	case *dictObject:
		w.u8(tagDict)
		w.bool(x.containsRefs)
		live := x.liveEntries()
		w.u32(uint32(len(live)))
		for _, e := range live {
			w.u64(e.hash)
			w.value(e.key)
			w.value(e.value)
		}
	case *setObject:
		w.u8(tagSet)
		w.bool(x.containsRefs)
		live := 0
		for i := range x.entries {
			if x.entries[i].live {
				live++
			}
		}
		w.u32(uint32(live))
		for i := range x.entries {
			if x.entries[i].live {
				w.u64(x.entries[i].hash)
				w.value(x.entries[i].v)
			}
		}
	case *namedTupleObject:
		w.u8(tagNamedTuple)
		w.str(x.typeName_)
		w.u32(uint32(len(x.fields)))
		for i := range x.fields {
			w.u32(uint32(x.fields[i]))
			w.value(x.values[i])
		}
	case *dataclassObject:
		w.u8(tagDataclass)
		w.str(x.typeName_)
		w.bool(x.frozen)
		w.u32(uint32(len(x.fields)))
		for i := range x.fields {
			w.u32(uint32(x.fields[i]))
			w.value(x.values[i])
		}
	case *dataclassTypeObject:
		w.u8(tagDataclassType)
		w.str(x.typeName_)
		w.bool(x.frozen)
		w.u32(uint32(len(x.fields)))
		for _, f := range x.fields {
			w.u32(uint32(f))
		}
		w.u32(uint32(len(x.defaults)))
		for _, d := range x.defaults {
			w.value(d)
		}
	case *moduleObject:
		w.u8(tagModule)
		w.u32(uint32(x.name))
		w.u32(uint32(len(x.names)))
		for _, n := range x.names {
			w.u32(uint32(n))
			w.value(x.attrs[n])
		}
	case *cellObject:
		w.u8(tagCell)
		w.value(x.v)
	case *iterObject:
		w.u8(tagIter)
		w.u8(uint8(x.kind))
		w.value(x.seq)
		w.u32(uint32(x.idx))
		w.u64(uint64(x.cur))
		w.u64(uint64(x.stop))
		w.u64(uint64(x.step))
	case *excObject:
		w.u8(tagExc)
		w.exception(x.exc)
		w.u32(uint32(len(x.args)))
		for _, v := range x.args {
			w.value(v)
		}
	case *closureObject:
		w.u8(tagClosure)
		w.u32(uint32(x.fn))
		w.u32(uint32(len(x.cells)))
		for _, c := range x.cells {
			w.u32(uint32(c))
		}
		w.u32(uint32(len(x.defaults)))
		for _, d := range x.defaults {
			w.value(d)
		}
	case *rangeObject:
		w.u8(tagRange)
		w.u64(uint64(x.start))
		w.u64(uint64(x.stop))
		w.u64(uint64(x.step))
	case *sliceObject:
		w.u8(tagSlice)
		w.value(x.lo)
		w.value(x.hi)
		w.value(x.step)
	default:
		panic(fmt.Sprintf("monty: cannot serialize heap object %T", o))
	}
}

func (r *sreader) heapObject() pyObject {
	switch tag := r.u8(); tag {
	case tagStr:
		return &strObject{s: r.str()}
	case tagBytes:
		return &bytesObject{b: r.bytesv()}
	case tagLongInt:
		v, ok := new(big.Int).SetString(r.str(), 10)
		if !ok {
			r.fail("bad long int")
			v = big.NewInt(0)
		}
		return &longIntObject{v: v}
	case tagList:
		l := &listObject{containsRefs: r.bool()}
		n := int(r.u32())
		for i := 0; i < n; i++ {
			l.items = append(l.items, r.value())
		}
		return l
	case tagTuple:
		t := &tupleObject{containsRefs: r.bool()}
		n := int(r.u32())
		for i := 0; i < n; i++ {
			t.items = append(t.items, r.value())
		}
		return t
	case tagDict:
		d := newDictObject(0)
		d.containsRefs = r.bool()
		n := int(r.u32())
		for i := 0; i < n; i++ {
			hash := r.u64()
			key := r.value()
			val := r.value()
			idx := int32(len(d.entries))
			d.entries = append(d.entries, dictEntry{hash: hash, key: key, value: val, live: true})
			d.index[hash] = append(d.index[hash], idx)
			d.used++
		}
		return d
	case tagSet:
		s := newSetObject(0)
		s.containsRefs = r.bool()
		n := int(r.u32())
		for i := 0; i < n; i++ {
			hash := r.u64()
			v := r.value()
			idx := int32(len(s.entries))
			s.entries = append(s.entries, setEntry{hash: hash, v: v, live: true})
			s.index[hash] = append(s.index[hash], idx)
			s.used++
		}
		return s
	case tagNamedTuple:
		nt := &namedTupleObject{typeName_: r.str()}
		n := int(r.u32())
		for i := 0; i < n; i++ {
			nt.fields = append(nt.fields, StringId(r.u32()))
			nt.values = append(nt.values, r.value())
		}
		return nt
	case tagDataclass:
		d := &dataclassObject{typeName_: r.str(), frozen: r.bool()}
		n := int(r.u32())
		for i := 0; i < n; i++ {
			d.fields = append(d.fields, StringId(r.u32()))
			d.values = append(d.values, r.value())
		}
		return d
	case tagDataclassType:
		d := &dataclassTypeObject{typeName_: r.str(), frozen: r.bool()}
		n := int(r.u32())
		for i := 0; i < n; i++ {
			d.fields = append(d.fields, StringId(r.u32()))
		}
		n = int(r.u32())
		for i := 0; i < n; i++ {
			d.defaults = append(d.defaults, r.value())
		}
		return d
	case tagModule:
		m := newModuleObject(StringId(r.u32()))
		n := int(r.u32())
		for i := 0; i < n; i++ {
			id := StringId(r.u32())
			m.set(id, r.value())
		}
		return m
	case tagCell:
		return &cellObject{v: r.value()}
	case tagIter:
		it := &iterObject{kind: iterKind(r.u8()), seq: r.value()}
		it.idx = int(r.u32())
		it.cur = int64(r.u64())
		it.stop = int64(r.u64())
		it.step = int64(r.u64())
		return it
	case tagExc:
		e := &excObject{exc: r.exception()}
		n := int(r.u32())
		for i := 0; i < n; i++ {
			e.args = append(e.args, r.value())
		}
		return e
	case tagClosure:
		c := &closureObject{fn: FunctionId(r.u32())}
		n := int(r.u32())
		for i := 0; i < n; i++ {
			c.cells = append(c.cells, HeapId(r.u32()))
		}
		n = int(r.u32())
		for i := 0; i < n; i++ {
			c.defaults = append(c.defaults, r.value())
		}
		return c
	case tagRange:
		return &rangeObject{start: int64(r.u64()), stop: int64(r.u64()), step: int64(r.u64())}
	case tagSlice:
		return &sliceObject{lo: r.value(), hi: r.value(), step: r.value()}
	default:
		r.fail(fmt.Sprintf("unknown heap tag %d", tag))
		return &strObject{}
	}
}

// dumpMachine serializes the complete runtime state plus the snippet
// sources needed to recompile the program.
func dumpMachine(m *machine, snippets []string, inputNames []string, callId CallId, inputId int, baseFilename string) []byte {
	w := &swriter{}
	w.buf.WriteString(snapshotMagic)

	w.u32(uint32(len(snippets)))
	for _, s := range snippets {
		w.str(s)
	}
	w.str(baseFilename)
	w.u32(uint32(len(inputNames)))
	for _, s := range inputNames {
		w.str(s)
	}
	w.u32(uint32(len(m.prog.extNames)))
	for _, s := range m.prog.extNames {
		w.str(s)
	}
	w.u32(uint32(callId))
	w.u32(uint32(inputId))

	// dynamic interns (runtime-extended tail included)
	w.u32(uint32(len(m.interns.strings)))
	for _, s := range m.interns.strings {
		w.str(s)
	}
	w.u32(uint32(len(m.interns.bytes)))
	for _, b := range m.interns.bytes {
		w.bytesv(b)
	}
	w.u32(uint32(len(m.interns.longInts)))
	for _, l := range m.interns.longInts {
		w.str(l.String())
	}

	// heap arena
	w.u32(uint32(len(m.heap.entries)))
	for i := range m.heap.entries {
		e := &m.heap.entries[i]
		if e.data == nil {
			w.bool(false)
			continue
		}
		w.bool(true)
		w.u32(e.refs)
		w.heapObject(e.data)
	}
	w.u32(uint32(len(m.heap.free)))
	for _, id := range m.heap.free {
		w.u32(uint32(id))
	}
	w.bool(m.heap.potentialCycle)

	// namespaces
	w.u32(uint32(len(m.ns.stack)))
	for i := range m.ns.stack {
		slots := m.ns.stack[i].slots
		w.u32(uint32(len(slots)))
		for _, v := range slots {
			w.value(v)
		}
	}

	// frames: module code encoded as -(snippet+1), functions by index
	w.u32(uint32(len(m.frames)))
	for _, f := range m.frames {
		codeRef := int32(-int32(len(snippets))) // last snippet module
		if f.code != m.prog.moduleCode {
			found := false
			for i, info := range m.prog.functions {
				if info.code == f.code {
					codeRef = int32(i)
					found = true
					break
				}
			}
			if !found {
				panic("monty: frame code not in function table")
			}
		}
		w.i32(codeRef)
		w.u32(uint32(f.pc))
		w.u32(uint32(len(f.stack)))
		for _, v := range f.stack {
			w.value(v)
		}
		w.u32(uint32(f.nsIdx))
		w.u32(uint32(f.funcName))
	}

	// exception stack
	w.u32(uint32(len(m.excStack)))
	for _, r := range m.excStack {
		w.value(r.val)
		w.exception(r.exc)
	}

	// futures
	w.u32(uint32(m.nextCallId))
	w.u32(uint32(len(m.futures)))
	for id, e := range m.futures {
		w.u32(uint32(id))
		w.bool(e.resolved)
		w.value(e.value)
		w.bool(e.failed != nil)
		if e.failed != nil {
			w.exception(e.failed)
		}
	}

	// module cache
	w.u32(uint32(len(m.modules)))
	for id, v := range m.modules {
		w.u32(uint32(id))
		w.value(v)
	}

	return w.buf.Bytes()
}

type loadedMachine struct {
	m          *machine
	snippets   []string
	inputNames []string
	callId     CallId
	inputId    int
	builder    *InternsBuilder
	globals    *globalTable
}

func loadMachine(data []byte) (*loadedMachine, error) {
	r := &sreader{data: data}
	if len(data) < len(snapshotMagic) || string(data[:len(snapshotMagic)]) != snapshotMagic {
		return nil, fmt.Errorf("monty: not a snapshot stream")
	}
	r.pos = len(snapshotMagic)

	nSnippets := int(r.u32())
	snippets := make([]string, nSnippets)
	for i := range snippets {
		snippets[i] = r.str()
	}
	filename := r.str()
	nInputs := int(r.u32())
	inputNames := make([]string, nInputs)
	for i := range inputNames {
		inputNames[i] = r.str()
	}
	nExt := int(r.u32())
	extNames := make([]string, nExt)
	for i := range extNames {
		extNames[i] = r.str()
	}
	callId := CallId(r.u32())
	inputId := int(r.u32())

	dynStrings := make([]string, int(r.u32()))
	for i := range dynStrings {
		dynStrings[i] = r.str()
	}
	dynBytes := make([][]byte, int(r.u32()))
	for i := range dynBytes {
		dynBytes[i] = r.bytesv()
	}
	dynLongs := make([]*big.Int, int(r.u32()))
	for i := range dynLongs {
		v, ok := new(big.Int).SetString(r.str(), 10)
		if !ok {
			r.fail("bad long int")
			v = big.NewInt(0)
		}
		dynLongs[i] = v
	}
	if r.err != nil {
		return nil, r.err
	}

	// recompile: compilation is deterministic, so the program comes
	// back byte-identical; only runtime state needs the stream
	if nSnippets == 0 {
		return nil, fmt.Errorf("monty: snapshot carries no source")
	}
	var prog *program
	var builder *InternsBuilder
	globals := newGlobalTable()
	for i, src := range snippets {
		name := filename
		if i > 0 {
			name = fmt.Sprintf("<python-input-%d>", i-1)
		}
		var exc *Exception
		var in []string
		var ext []string
		if i == 0 {
			in, ext = inputNames, extNames
		}
		prog, exc = compileSource(src, name, in, ext, builder, globals, prog)
		if exc != nil {
			return nil, fmt.Errorf("monty: snapshot recompilation failed: %s", exc.Error())
		}
		builder = buildersFromInterns(prog.interns, "")
	}

	// restore the runtime-extended interner tail
	if len(dynStrings) >= len(prog.interns.strings) {
		prog.interns.strings = dynStrings
	}
	if len(dynBytes) >= len(prog.interns.bytes) {
		prog.interns.bytes = dynBytes
	}
	if len(dynLongs) >= len(prog.interns.longInts) {
		prog.interns.longInts = dynLongs
	}

	m := newMachine(prog, nil, nil)

	// heap
	nEntries := int(r.u32())
	m.heap.entries = make([]heapEntry, nEntries)
	for i := 0; i < nEntries; i++ {
		if !r.bool() {
			continue
		}
		refs := r.u32()
		m.heap.entries[i] = heapEntry{refs: refs, data: r.heapObject()}
	}
	nFree := int(r.u32())
	for i := 0; i < nFree; i++ {
		m.heap.free = append(m.heap.free, HeapId(r.u32()))
	}
	m.heap.potentialCycle = r.bool()

	// namespaces
	nNs := int(r.u32())
	m.ns.stack = nil
	for i := 0; i < nNs; i++ {
		nSlots := int(r.u32())
		ns := namespace{slots: make([]Value, nSlots)}
		for j := 0; j < nSlots; j++ {
			ns.slots[j] = r.value()
		}
		m.ns.stack = append(m.ns.stack, ns)
	}

	// frames
	nFrames := int(r.u32())
	for i := 0; i < nFrames; i++ {
		codeRef := r.i32()
		var code *Code
		var funcName StringId
		if codeRef >= 0 {
			if int(codeRef) >= len(prog.functions) {
				return nil, fmt.Errorf("monty: snapshot frame references unknown function %d", codeRef)
			}
			code = prog.functions[codeRef].code
		} else {
			code = prog.moduleCode
		}
		f := &frame{code: code, pc: int(r.u32())}
		nStack := int(r.u32())
		for j := 0; j < nStack; j++ {
			f.push(r.value())
		}
		f.nsIdx = int(r.u32())
		funcName = StringId(r.u32())
		f.funcName = funcName
		m.frames = append(m.frames, f)
	}

	// exception stack
	nExc := int(r.u32())
	for i := 0; i < nExc; i++ {
		val := r.value()
		exc := r.exception()
		m.excStack = append(m.excStack, raised{val: val, exc: exc})
	}

	// futures
	m.nextCallId = CallId(r.u32())
	nFut := int(r.u32())
	for i := 0; i < nFut; i++ {
		id := CallId(r.u32())
		e := futureEntry{resolved: r.bool(), value: r.value()}
		if r.bool() {
			e.failed = r.exception()
		}
		m.futures[id] = e
	}

	// modules
	nMod := int(r.u32())
	for i := 0; i < nMod; i++ {
		id := StringId(r.u32())
		m.modules[id] = r.value()
	}

	if r.err != nil {
		return nil, r.err
	}
	return &loadedMachine{
		m:          m,
		snippets:   snippets,
		inputNames: inputNames,
		callId:     callId,
		inputId:    inputId,
		builder:    buildersFromInterns(prog.interns, ""),
		globals:    globals,
	}, nil
}

// Dump serializes a paused snapshot so it can be resumed in another
// process.
func (s *Snapshot) Dump() ([]byte, error) {
	if s.consumed || s.m == nil {
		return nil, fmt.Errorf("monty: snapshot already resumed")
	}
	if s.m.persistent {
		return nil, fmt.Errorf("monty: snapshots of a REPL session are dumped through Repl.Dump")
	}
	return dumpMachine(s.m, []string{s.m.prog.source}, inputNamesOf(s.m.prog), s.callId, 0, s.m.prog.filename), nil
}

func inputNamesOf(p *program) []string {
	names := make([]string, len(p.inputSlots))
	for i, slot := range p.inputSlots {
		names[i] = p.interns.GetString(p.globals.names[slot])
	}
	return names
}

// LoadSnapshot rebuilds a dumped snapshot.
func LoadSnapshot(data []byte) (*Snapshot, error) {
	lm, err := loadMachine(data)
	if err != nil {
		return nil, err
	}
	return &Snapshot{m: lm.m, callId: lm.callId}, nil
}

// Dump serializes a runner.  A runner is just its compiled program,
// and compilation is deterministic, so the stream is the compile
// inputs.
func (r *MontyRun) Dump() ([]byte, error) {
	w := &swriter{}
	w.buf.WriteString(runnerMagic)
	w.str(r.prog.source)
	w.str(r.prog.filename)
	names := inputNamesOf(r.prog)
	w.u32(uint32(len(names)))
	for _, n := range names {
		w.str(n)
	}
	w.u32(uint32(len(r.prog.extNames)))
	for _, n := range r.prog.extNames {
		w.str(n)
	}
	return w.buf.Bytes(), nil
}

const runnerMagic = "MRUN1\x00"

// LoadRun recompiles a dumped runner.
func LoadRun(data []byte) (*MontyRun, error) {
	if len(data) < len(runnerMagic) || string(data[:len(runnerMagic)]) != runnerMagic {
		return nil, fmt.Errorf("monty: not a runner stream")
	}
	r := &sreader{data: data, pos: len(runnerMagic)}
	source := r.str()
	filename := r.str()
	inputNames := make([]string, int(r.u32()))
	for i := range inputNames {
		inputNames[i] = r.str()
	}
	extNames := make([]string, int(r.u32()))
	for i := range extNames {
		extNames[i] = r.str()
	}
	if r.err != nil {
		return nil, r.err
	}
	run, exc := NewRun(source, filename, inputNames, extNames)
	if exc != nil {
		return nil, fmt.Errorf("monty: runner recompilation failed: %s", exc.Error())
	}
	return run, nil
}

// Dump serializes a future snapshot; the pending call ids are
// recomputed from the future map on load.
func (fs *FutureSnapshot) Dump() ([]byte, error) {
	if fs.consumed || fs.snap == nil {
		return nil, fmt.Errorf("monty: snapshot already resumed")
	}
	return fs.snap.Dump()
}

// LoadFutureSnapshot rebuilds a dumped future snapshot.
func LoadFutureSnapshot(data []byte) (*FutureSnapshot, error) {
	snap, err := LoadSnapshot(data)
	if err != nil {
		return nil, err
	}
	fs := &FutureSnapshot{snap: snap}
	for id, e := range snap.m.futures {
		if !e.resolved {
			fs.pending = append(fs.pending, id)
		}
	}
	return fs, nil
}

// Dump serializes the whole REPL session: sources for recompilation
// plus the live heap and globals.
func (r *MontyRepl) Dump() ([]byte, error) {
	return dumpMachine(r.m, r.snippets, r.inputName, 0, r.inputId, r.filename), nil
}

// LoadRepl restores a dumped REPL session.
func LoadRepl(data []byte) (*MontyRepl, error) {
	lm, err := loadMachine(data)
	if err != nil {
		return nil, err
	}
	lm.m.persistent = true
	return &MontyRepl{
		m:         lm.m,
		builder:   lm.builder,
		globals:   lm.m.prog.globals,
		prog:      lm.m.prog,
		inputName: lm.inputNames,
		extNames:  lm.m.prog.extNames,
		snippets:  lm.snippets,
		inputId:   lm.inputId,
		filename:  lm.m.prog.filename,
	}, nil
}
