package monty

// codeBuilder emits bytecode during compilation: opcode and operand
// encoding, forward-jump patching, stack-depth tracking and source
// location recording.
type codeBuilder struct {
	bytecode  []byte
	consts    []Value
	locations []LocationEntry
	excTable  []ExceptionEntry

	currentRange CodeRange
	currentFocus CodeRange
	haveLocation bool

	curDepth uint16
	maxDepth uint16

	localNames []StringId
}

// jumpLabel is a forward jump awaiting a patch: the bytecode offset of
// the jump instruction.
type jumpLabel int

func (b *codeBuilder) setLocation(r, focus CodeRange) {
	b.currentRange = r
	b.currentFocus = focus
	b.haveLocation = true
}

func (b *codeBuilder) recordLocation() {
	if !b.haveLocation {
		return
	}
	b.locations = append(b.locations, LocationEntry{
		Offset: uint32(len(b.bytecode)),
		Range:  b.currentRange,
		Focus:  b.currentFocus,
	})
}

// depth adjusts the simulated stack depth by delta, tracking the
// maximum.  stack_size must be ≥ the true runtime maximum.
func (b *codeBuilder) depth(delta int) {
	d := int(b.curDepth) + delta
	if d < 0 {
		d = 0
	}
	b.curDepth = uint16(d)
	if b.curDepth > b.maxDepth {
		b.maxDepth = b.curDepth
	}
}

func (b *codeBuilder) emit(op byte) {
	b.recordLocation()
	b.bytecode = append(b.bytecode, op)
}

func (b *codeBuilder) emitU8(op byte, operand uint8) {
	b.recordLocation()
	b.bytecode = append(b.bytecode, op, operand)
}

func (b *codeBuilder) emitI8(op byte, operand int8) {
	b.emitU8(op, uint8(operand))
}

func (b *codeBuilder) emitU16(op byte, operand uint16) {
	b.recordLocation()
	b.bytecode = append(b.bytecode, op)
	b.bytecode = encodeU16(b.bytecode, operand)
}

func (b *codeBuilder) emitU16U8(op byte, a uint16, c uint8) {
	b.recordLocation()
	b.bytecode = append(b.bytecode, op)
	b.bytecode = encodeU16(b.bytecode, a)
	b.bytecode = append(b.bytecode, c)
}

func (b *codeBuilder) emitU16U8U8(op byte, a uint16, c, d uint8) {
	b.recordLocation()
	b.bytecode = append(b.bytecode, op)
	b.bytecode = encodeU16(b.bytecode, a)
	b.bytecode = append(b.bytecode, c, d)
}

// emitCallFunctionKw writes the variable-length keyword-call form:
// pos count, kw count, then one u16 name id per keyword.
func (b *codeBuilder) emitCallFunctionKw(posCount uint8, kwNames []StringId) {
	b.recordLocation()
	b.bytecode = append(b.bytecode, opCallFunctionKw, posCount, uint8(len(kwNames)))
	for _, id := range kwNames {
		b.bytecode = encodeU16(b.bytecode, uint16(id))
	}
}

// emitJump emits a forward jump with a placeholder offset, returning
// the label to patch once the target is known.
func (b *codeBuilder) emitJump(op byte) jumpLabel {
	b.recordLocation()
	label := jumpLabel(len(b.bytecode))
	b.bytecode = append(b.bytecode, op, 0, 0)
	return label
}

// patchJump points a forward jump at the current offset.  Offsets are
// relative to the byte after the jump's operand; an offset that
// overflows i16 makes it return false, which the compiler's patch
// reports as a compile error.
func (b *codeBuilder) patchJump(label jumpLabel) bool {
	target := len(b.bytecode)
	raw := target - int(label) - 3
	if raw < -32768 || raw > 32767 {
		return false
	}
	writeU16(b.bytecode[int(label)+1:], uint16(int16(raw)))
	return true
}

// emitJumpTo emits a jump to a known (usually backward) target.
func (b *codeBuilder) emitJumpTo(op byte, target int) bool {
	b.recordLocation()
	current := len(b.bytecode)
	raw := target - (current + 3)
	if raw < -32768 || raw > 32767 {
		return false
	}
	b.bytecode = append(b.bytecode, op)
	b.bytecode = encodeU16(b.bytecode, uint16(int16(raw)))
	return true
}

func (b *codeBuilder) currentOffset() int {
	return len(b.bytecode)
}

// emitLoadLocal uses the zero-operand specializations for slots 0-3,
// the narrow form through 255, and the wide form beyond.
func (b *codeBuilder) emitLoadLocal(slot uint16) {
	switch {
	case slot == 0:
		b.emit(opLoadLocal0)
	case slot == 1:
		b.emit(opLoadLocal1)
	case slot == 2:
		b.emit(opLoadLocal2)
	case slot == 3:
		b.emit(opLoadLocal3)
	case slot <= 255:
		b.emitU8(opLoadLocal, uint8(slot))
	default:
		b.emitU16(opLoadLocalW, slot)
	}
	b.depth(1)
}

func (b *codeBuilder) emitStoreLocal(slot uint16) {
	if slot <= 255 {
		b.emitU8(opStoreLocal, uint8(slot))
	} else {
		b.emitU16(opStoreLocalW, slot)
	}
	b.depth(-1)
}

// addConst appends to the constant pool, deduplicating nothing: the
// pool is small and LoadConst clones immediates anyway.
func (b *codeBuilder) addConst(v Value) (uint16, bool) {
	idx := len(b.consts)
	if idx > 0xffff {
		return 0, false
	}
	b.consts = append(b.consts, v)
	return uint16(idx), true
}

// registerLocalName records the first name seen for a slot, for
// NameError messages.
func (b *codeBuilder) registerLocalName(slot uint16, name StringId) {
	for int(slot) >= len(b.localNames) {
		b.localNames = append(b.localNames, 0)
	}
	if b.localNames[slot] == 0 {
		b.localNames[slot] = name
	}
}

func (b *codeBuilder) addExceptionEntry(e ExceptionEntry) {
	b.excTable = append(b.excTable, e)
}

func (b *codeBuilder) build(name StringId, numLocals uint16) *Code {
	return &Code{
		Name:       name,
		Bytecode:   b.bytecode,
		Consts:     b.consts,
		Locations:  b.locations,
		ExcTable:   b.excTable,
		NumLocals:  numLocals,
		StackSize:  b.maxDepth,
		LocalNames: b.localNames,
	}
}
