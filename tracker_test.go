package monty

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecursionLimit(t *testing.T) {
	src := "def f(n):\n    if n == 0:\n        return 0\n    return f(n - 1)\nf(40)\n"

	t.Run("under the limit succeeds", func(t *testing.T) {
		tr := NewLimitedTracker(Limits{MaxRecursionDepth: 60})
		runner, exc := NewRun(src, "test.py", nil, nil)
		require.Nil(t, exc)
		out, exc := runner.Run(nil, tr, nil)
		require.Nil(t, exc)
		assert.Equal(t, ObjInt(0), out)
	})

	t.Run("over the limit raises RecursionError", func(t *testing.T) {
		tr := NewLimitedTracker(Limits{MaxRecursionDepth: 20})
		runner, exc := NewRun(src, "test.py", nil, nil)
		require.Nil(t, exc)
		_, exc = runner.Run(nil, tr, nil)
		require.NotNil(t, exc)
		assert.Equal(t, RecursionError, exc.Type)
	})

	t.Run("the guest can catch a limit error", func(t *testing.T) {
		caught := "def f(n):\n    return f(n + 1)\ntry:\n    f(0)\nexcept RecursionError:\n    r = 'caught'\nr"
		tr := NewLimitedTracker(Limits{MaxRecursionDepth: 30})
		runner, exc := NewRun(caught, "test.py", nil, nil)
		require.Nil(t, exc)
		out, exc := runner.Run(nil, tr, nil)
		require.Nil(t, exc)
		assert.Equal(t, ObjStr("caught"), out)
	})

	t.Run("fatal limits bypass handlers", func(t *testing.T) {
		caught := "def f(n):\n    return f(n + 1)\ntry:\n    f(0)\nexcept RecursionError:\n    r = 'caught'\nr"
		tr := NewLimitedTracker(Limits{MaxRecursionDepth: 30, FatalLimits: true})
		runner, exc := NewRun(caught, "test.py", nil, nil)
		require.Nil(t, exc)
		_, exc = runner.Run(nil, tr, nil)
		require.NotNil(t, exc)
		assert.Equal(t, RecursionError, exc.Type)
	})
}

func TestMemoryLimit(t *testing.T) {
	src := "l = []\nwhile True:\n    l.append('x' * 4096)\n"
	tr := NewLimitedTracker(Limits{MaxMemory: 64 * 1024})
	runner, exc := NewRun(src, "test.py", nil, nil)
	require.Nil(t, exc)
	_, exc = runner.Run(nil, tr, nil)
	require.NotNil(t, exc)
	assert.Equal(t, MemoryError, exc.Type)
}

func TestTimeout(t *testing.T) {
	src := "n = 0\nwhile True:\n    n += 1\n"
	tr := NewLimitedTracker(Limits{Timeout: 20 * time.Millisecond})
	runner, exc := NewRun(src, "test.py", nil, nil)
	require.Nil(t, exc)
	_, exc = runner.Run(nil, tr, nil)
	require.NotNil(t, exc)
	assert.Equal(t, TimeoutError, exc.Type)
}

// pollCounter asserts the dispatch loop polls at least once per loop
// iteration.
type pollCounter struct {
	UnlimitedTracker
	polls int
}

func (p *pollCounter) Poll() *Exception {
	p.polls++
	return nil
}

func TestPollCadence(t *testing.T) {
	tr := &pollCounter{}
	runner, exc := NewRun("n = 0\nfor i in range(10):\n    n += i\nn", "test.py", nil, nil)
	require.Nil(t, exc)
	out, exc := runner.Run(nil, tr, nil)
	require.Nil(t, exc)
	assert.Equal(t, ObjInt(45), out)
	assert.GreaterOrEqual(t, tr.polls, 10)
}
