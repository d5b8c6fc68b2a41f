package monty

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValueImmediates(t *testing.T) {
	t.Run("int round trip", func(t *testing.T) {
		v := IntValue(-42)
		assert.Equal(t, KindInt, v.Kind())
		assert.Equal(t, int64(-42), v.asInt())
	})

	t.Run("float round trip", func(t *testing.T) {
		v := FloatValue(2.5)
		assert.Equal(t, 2.5, v.asFloat())
		nan := FloatValue(math.NaN())
		assert.True(t, math.IsNaN(nan.asFloat()))
	})

	t.Run("bool singletons", func(t *testing.T) {
		assert.Equal(t, BoolValue(true), valueTrue)
		assert.Equal(t, BoolValue(false), valueFalse)
	})

	t.Run("inline exception packing", func(t *testing.T) {
		v := excValue(ValueError, ssAppend.stringId(), true)
		typ, msg, hasMsg := v.asExc()
		assert.Equal(t, ValueError, typ)
		assert.True(t, hasMsg)
		assert.Equal(t, ssAppend.stringId(), msg)

		bare := excValue(KeyError, 0, false)
		typ, _, hasMsg = bare.asExc()
		assert.Equal(t, KeyError, typ)
		assert.False(t, hasMsg)
	})

	t.Run("undefined is never a ref", func(t *testing.T) {
		assert.False(t, undefined.isRef())
		assert.True(t, undefined.isUndefined())
	})
}

func TestValueIdentity(t *testing.T) {
	// equal small ints are `is`-identical: a documented divergence
	assert.Equal(t, IntValue(7).identityId(), IntValue(7).identityId())
	assert.NotEqual(t, IntValue(7).identityId(), IntValue(8).identityId())
	assert.NotEqual(t, IntValue(7).identityId(), FloatValue(7).identityId())
	assert.NotEqual(t, valueNone.identityId(), valueFalse.identityId())
}

func TestReprHelpers(t *testing.T) {
	t.Run("string quoting rules", func(t *testing.T) {
		assert.Equal(t, "'plain'", reprString("plain"))
		assert.Equal(t, `"it's"`, reprString("it's"))
		assert.Equal(t, `'say "hi"'`, reprString(`say "hi"`))
		// both quote kinds fall back to single quotes with escapes
		assert.Equal(t, `'a\'b"c'`, reprString(`a'b"c`))
		assert.Equal(t, `'tab\there'`, reprString("tab\there"))
		assert.Equal(t, `'nl\n'`, reprString("nl\n"))
	})

	t.Run("bytes repr", func(t *testing.T) {
		assert.Equal(t, `b'abc'`, reprBytes([]byte("abc")))
		assert.Equal(t, `b'\x00\xff'`, reprBytes([]byte{0, 255}))
		assert.Equal(t, `b'a\nb'`, reprBytes([]byte("a\nb")))
	})

	t.Run("float repr", func(t *testing.T) {
		assert.Equal(t, "1.0", reprFloat(1))
		assert.Equal(t, "0.5", reprFloat(0.5))
		assert.Equal(t, "inf", reprFloat(math.Inf(1)))
		assert.Equal(t, "-inf", reprFloat(math.Inf(-1)))
		assert.Equal(t, "nan", reprFloat(math.NaN()))
	})
}

func TestCloneDropDiscipline(t *testing.T) {
	h := NewHeap(nil)
	id, _ := h.Allocate(&strObject{s: "shared"})
	v := refValue(id)

	clone := v.cloneWithHeap(h)
	assert.Equal(t, uint32(2), h.RefCount(id))

	clone.dropWithHeap(h)
	assert.Equal(t, uint32(1), h.RefCount(id))

	// immediates ignore the heap entirely
	IntValue(1).cloneWithHeap(h)
	IntValue(1).dropWithHeap(h)
	assert.Equal(t, uint32(1), h.RefCount(id))

	v.dropWithHeap(h)
	assert.Equal(t, 0, h.LiveCount())
}
