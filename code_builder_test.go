package monty

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitBasic(t *testing.T) {
	b := &codeBuilder{}
	b.emit(opLoadNone)
	b.emit(opPop)
	code := b.build(0, 0)
	assert.Equal(t, []byte{opLoadNone, opPop}, code.Bytecode)
}

func TestEmitOperands(t *testing.T) {
	b := &codeBuilder{}
	b.emitU8(opLoadLocal, 42)
	b.emitU16(opLoadConst, 0x1234)
	code := b.build(0, 0)
	assert.Equal(t, []byte{opLoadLocal, 42, opLoadConst, 0x34, 0x12}, code.Bytecode)
}

func TestForwardJump(t *testing.T) {
	b := &codeBuilder{}
	jump := b.emitJump(opJump)
	b.emit(opLoadNone)
	b.emit(opPop)
	require.True(t, b.patchJump(jump))
	b.emit(opReturnValue)
	code := b.build(0, 0)
	// jump at offset 0, target at offset 5; offset = 5 - 0 - 3 = 2
	assert.Equal(t, []byte{opJump, 2, 0, opLoadNone, opPop, opReturnValue}, code.Bytecode)
}

func TestBackwardJump(t *testing.T) {
	b := &codeBuilder{}
	start := b.currentOffset()
	b.emit(opLoadNone)
	b.emit(opPop)
	require.True(t, b.emitJumpTo(opJump, start))
	code := b.build(0, 0)
	// jump at offset 2, target 0; offset = 0 - (2 + 3) = -5
	assert.Equal(t, []byte{opLoadNone, opPop, opJump, 0xfb, 0xff}, code.Bytecode)
}

func TestLoadLocalSpecialization(t *testing.T) {
	b := &codeBuilder{}
	for slot := uint16(0); slot <= 4; slot++ {
		b.emitLoadLocal(slot)
	}
	b.emitLoadLocal(256)
	code := b.build(0, 0)
	assert.Equal(t, []byte{
		opLoadLocal0,
		opLoadLocal1,
		opLoadLocal2,
		opLoadLocal3,
		opLoadLocal, 4,
		opLoadLocalW, 0, 1,
	}, code.Bytecode)
}

func TestStoreLocalNarrowWideTransition(t *testing.T) {
	b := &codeBuilder{}
	b.emitStoreLocal(255)
	b.emitStoreLocal(256)
	code := b.build(0, 0)
	assert.Equal(t, []byte{
		opStoreLocal, 255,
		opStoreLocalW, 0, 1,
	}, code.Bytecode)
}

func TestStackDepthTracking(t *testing.T) {
	b := &codeBuilder{}
	b.emit(opLoadNone)
	b.depth(1)
	b.emit(opLoadNone)
	b.depth(1)
	b.emit(opPop)
	b.depth(-1)
	code := b.build(0, 0)
	assert.Equal(t, uint16(2), code.StackSize)
}

func TestLocationRecording(t *testing.T) {
	b := &codeBuilder{}
	b.setLocation(NewCodeRange(5, 10), NewCodeRange(6, 8))
	b.emit(opLoadNone)
	b.emit(opReturnValue)
	code := b.build(0, 0)
	require.NotEmpty(t, code.Locations)

	loc, ok := code.LocationFor(0)
	require.True(t, ok)
	assert.Equal(t, NewCodeRange(5, 10), loc.Range)
	assert.Equal(t, NewCodeRange(6, 8), loc.Focus)
}

func TestExceptionTableLookup(t *testing.T) {
	code := &Code{
		ExcTable: []ExceptionEntry{
			{Start: 10, End: 20, Handler: 50, Depth: 1}, // inner
			{Start: 0, End: 30, Handler: 60, Depth: 0},  // outer
		},
	}
	inner, ok := code.FindHandler(15)
	require.True(t, ok)
	assert.Equal(t, uint32(50), inner.Handler)

	outer, ok := code.FindHandler(25)
	require.True(t, ok)
	assert.Equal(t, uint32(60), outer.Handler)

	_, ok = code.FindHandler(30)
	assert.False(t, ok)
}

func TestCallFunctionKwEncoding(t *testing.T) {
	b := &codeBuilder{}
	b.emitCallFunctionKw(2, []StringId{0x1234, 0x5678})
	code := b.build(0, 0)
	assert.Equal(t, []byte{
		opCallFunctionKw, 2, 2,
		0x34, 0x12,
		0x78, 0x56,
	}, code.Bytecode)
	assert.Equal(t, 7, instructionSize(code.Bytecode, 0))
}
