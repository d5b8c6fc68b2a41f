package monty

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepl(t *testing.T) *MontyRepl {
	t.Helper()
	repl, initial, exc := NewRepl("", "<stdin>", nil, nil, nil, nil, nil)
	require.Nil(t, exc)
	require.True(t, initial.IsNone())
	return repl
}

func TestReplIncremental(t *testing.T) {
	t.Run("state persists across feeds without replay", func(t *testing.T) {
		repl := newTestRepl(t)
		_, exc := repl.Feed("x = 1", nil)
		require.Nil(t, exc)
		_, exc = repl.Feed("x += 41", nil)
		require.Nil(t, exc)
		out, exc := repl.Feed("x", nil)
		require.Nil(t, exc)
		assert.Equal(t, ObjInt(42), out)
	})

	t.Run("functions defined earlier stay callable", func(t *testing.T) {
		repl := newTestRepl(t)
		_, exc := repl.Feed("def double(n):\n    return n * 2", nil)
		require.Nil(t, exc)
		out, exc := repl.Feed("double(21)", nil)
		require.Nil(t, exc)
		assert.Equal(t, ObjInt(42), out)
	})

	t.Run("runtime failure keeps earlier mutations", func(t *testing.T) {
		repl := newTestRepl(t)
		_, exc := repl.Feed("l = []", nil)
		require.Nil(t, exc)
		_, exc = repl.Feed("l.append(1)\nl.append(2)\n1 / 0", nil)
		require.NotNil(t, exc)
		assert.Equal(t, ZeroDivisionError, exc.Type)
		out, exc := repl.Feed("l", nil)
		require.Nil(t, exc)
		assert.Equal(t, "[1, 2]", out.Repr())
	})

	t.Run("snippet tracebacks carry synthetic filenames", func(t *testing.T) {
		repl := newTestRepl(t)
		_, exc := repl.Feed("pass", nil)
		require.Nil(t, exc)
		_, exc = repl.Feed("1 / 0", nil)
		require.NotNil(t, exc)
		require.NotEmpty(t, exc.Frames)
		assert.Equal(t, "<python-input-1>", exc.Frames[0].Filename)
	})

	t.Run("new globals get fresh slots, old slots stay stable", func(t *testing.T) {
		repl := newTestRepl(t)
		_, exc := repl.Feed("a = 10", nil)
		require.Nil(t, exc)
		_, exc = repl.Feed("b = 32", nil)
		require.Nil(t, exc)
		out, exc := repl.Feed("a + b", nil)
		require.Nil(t, exc)
		assert.Equal(t, ObjInt(42), out)
	})

	t.Run("undefined name in a later snippet", func(t *testing.T) {
		repl := newTestRepl(t)
		_, exc := repl.Feed("missing_name", nil)
		require.NotNil(t, exc)
		assert.Equal(t, NameError, exc.Type)
	})

	t.Run("suspend protocol via Start", func(t *testing.T) {
		repl, initial, exc := NewRepl("", "<stdin>", nil, []string{"ext"}, nil, nil, nil)
		require.Nil(t, exc)
		_ = initial
		progress, exc := repl.Start("ext(5)", nil)
		require.Nil(t, exc)
		require.Equal(t, ProgressExternalCall, progress.Kind)
		final, exc := progress.State.Run(ExternalReturn(ObjInt(50)), nil)
		require.Nil(t, exc)
		require.Equal(t, ProgressComplete, final.Kind)
		assert.Equal(t, ObjInt(50), final.Value)
	})
}

func TestReplDumpLoad(t *testing.T) {
	repl := newTestRepl(t)
	_, exc := repl.Feed("x = [1, 2, 3]", nil)
	require.Nil(t, exc)
	_, exc = repl.Feed("def total():\n    return sum(x)", nil)
	require.Nil(t, exc)

	data, err := repl.Dump()
	require.NoError(t, err)

	restored, err := LoadRepl(data)
	require.NoError(t, err)
	out, exc := restored.Feed("total() + len(x)", nil)
	require.Nil(t, exc)
	assert.Equal(t, ObjInt(9), out)
}

func TestDetectContinuation(t *testing.T) {
	cases := []struct {
		src  string
		want ReplContinuationMode
	}{
		{"x = 1", ReplComplete},
		{"x = [1,", ReplIncompleteImplicit},
		{"s = 'open", ReplIncompleteImplicit},
		{"if x:", ReplIncompleteBlock},
		{"def f():", ReplIncompleteBlock},
		{"x = (1 +\n2)", ReplComplete},
		{"1 + 2", ReplComplete},
	}
	for _, tc := range cases {
		t.Run(tc.src, func(t *testing.T) {
			assert.Equal(t, tc.want, DetectContinuation(tc.src))
		})
	}
}
