package monty

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringInterning(t *testing.T) {
	t.Run("single ascii characters resolve by value", func(t *testing.T) {
		b := NewInternsBuilder("")
		id := b.Intern("a")
		assert.Equal(t, StringId('a'), id)
		assert.Equal(t, StringIdFromAscii('a'), id)
	})

	t.Run("static strings resolve through the closed enum", func(t *testing.T) {
		b := NewInternsBuilder("")
		id := b.Intern("append")
		assert.Equal(t, ssAppend.stringId(), id)
		assert.True(t, uint32(id) >= staticStringIdOffset)
		assert.True(t, uint32(id) < internStringIdOffset)
	})

	t.Run("dynamic strings start at the dynamic offset", func(t *testing.T) {
		b := NewInternsBuilder("")
		id := b.Intern("user_defined_name")
		assert.Equal(t, StringId(internStringIdOffset), id)
	})

	t.Run("equal literals intern to the same id", func(t *testing.T) {
		b := NewInternsBuilder("")
		first := b.Intern("hello world")
		second := b.Intern("hello world")
		assert.Equal(t, first, second)
	})

	t.Run("lookup round-trips across all three ranges", func(t *testing.T) {
		b := NewInternsBuilder("")
		ids := []StringId{b.Intern("x"), b.Intern("setdefault"), b.Intern("my_variable")}
		in := b.Build()
		assert.Equal(t, "x", in.GetString(ids[0]))
		assert.Equal(t, "setdefault", in.GetString(ids[1]))
		assert.Equal(t, "my_variable", in.GetString(ids[2]))
	})
}

func TestBytesAndLongInterning(t *testing.T) {
	t.Run("bytes are not deduplicated", func(t *testing.T) {
		b := NewInternsBuilder("")
		first := b.InternBytes([]byte("data"))
		second := b.InternBytes([]byte("data"))
		assert.NotEqual(t, first, second)
	})

	t.Run("long ints round-trip", func(t *testing.T) {
		b := NewInternsBuilder("")
		v, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
		id := b.InternLongInt(v)
		in := b.Build()
		assert.Equal(t, 0, in.GetLongInt(id).Cmp(v))
	})
}

func TestInternerReseed(t *testing.T) {
	// REPL incremental compilation: previously assigned ids stay
	// stable when a new builder is seeded from a frozen table
	b := NewInternsBuilder("")
	original := b.Intern("first_name")
	frozen := b.Build()

	b2 := buildersFromInterns(frozen, "")
	assert.Equal(t, original, b2.Intern("first_name"))
	fresh := b2.Intern("second_name")
	assert.Equal(t, StringId(internStringIdOffset+1), fresh)

	frozen2 := b2.Build()
	require.Equal(t, "first_name", frozen2.GetString(original))
	require.Equal(t, "second_name", frozen2.GetString(fresh))
}
