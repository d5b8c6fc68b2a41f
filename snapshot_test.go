package monty

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExternalCallSuspend(t *testing.T) {
	t.Run("suspends once and resumes with the result", func(t *testing.T) {
		runner, exc := NewRun("add_ints(20, 22)", "test.py", nil, []string{"add_ints"})
		require.Nil(t, exc)
		progress, exc := runner.Start(nil, nil, nil)
		require.Nil(t, exc)
		require.Equal(t, ProgressExternalCall, progress.Kind)
		require.Equal(t, "add_ints", progress.Call.Name)
		require.Equal(t, []Object{ObjInt(20), ObjInt(22)}, progress.Call.Args)

		final, exc := progress.State.Run(ExternalReturn(ObjInt(42)), nil)
		require.Nil(t, exc)
		require.Equal(t, ProgressComplete, final.Kind)
		assert.Equal(t, ObjInt(42), final.Value)
	})

	t.Run("external exception propagates into try/except", func(t *testing.T) {
		src := "try:\n    fail()\nexcept ValueError as e:\n    r = str(e)\nr"
		runner, exc := NewRun(src, "test.py", nil, []string{"fail"})
		require.Nil(t, exc)
		progress, exc := runner.Start(nil, nil, nil)
		require.Nil(t, exc)
		require.Equal(t, ProgressExternalCall, progress.Kind)
		final, exc := progress.State.Run(ExternalError(newException(ValueError, "host says no")), nil)
		require.Nil(t, exc)
		require.Equal(t, ProgressComplete, final.Kind)
		assert.Equal(t, ObjStr("host says no"), final.Value)
	})

	t.Run("suspension inside a for loop resumes at the right iteration", func(t *testing.T) {
		src := "total = 0\nfor i in range(3):\n    total += fetch(i)\ntotal"
		runner, exc := NewRun(src, "test.py", nil, []string{"fetch"})
		require.Nil(t, exc)
		progress, exc := runner.Start(nil, nil, nil)
		require.Nil(t, exc)
		for i := 0; i < 3; i++ {
			require.Equal(t, ProgressExternalCall, progress.Kind, "iteration %d", i)
			require.Equal(t, []Object{ObjInt(int64(i))}, progress.Call.Args)
			progress, exc = progress.State.Run(ExternalReturn(ObjInt(int64(i*10))), nil)
			require.Nil(t, exc)
		}
		require.Equal(t, ProgressComplete, progress.Kind)
		assert.Equal(t, ObjInt(30), progress.Value)
	})

	t.Run("keyword arguments are carried", func(t *testing.T) {
		runner, exc := NewRun("go(1, mode='fast')", "test.py", nil, []string{"go"})
		require.Nil(t, exc)
		progress, exc := runner.Start(nil, nil, nil)
		require.Nil(t, exc)
		require.Equal(t, ProgressExternalCall, progress.Kind)
		require.Len(t, progress.Call.Kwargs, 1)
		assert.Equal(t, "mode", progress.Call.Kwargs[0].Name)
		assert.Equal(t, ObjStr("fast"), progress.Call.Kwargs[0].Value)
		final, exc := progress.State.Run(ExternalReturn(ObjNone()), nil)
		require.Nil(t, exc)
		require.Equal(t, ProgressComplete, final.Kind)
	})

	t.Run("resuming twice is a defined error", func(t *testing.T) {
		runner, exc := NewRun("f()", "test.py", nil, []string{"f"})
		require.Nil(t, exc)
		progress, exc := runner.Start(nil, nil, nil)
		require.Nil(t, exc)
		_, exc = progress.State.Run(ExternalReturn(ObjInt(1)), nil)
		require.Nil(t, exc)
		_, exc = progress.State.Run(ExternalReturn(ObjInt(1)), nil)
		require.NotNil(t, exc)
		assert.Equal(t, RuntimeError, exc.Type)
	})

	t.Run("fast path refuses to suspend", func(t *testing.T) {
		runner, exc := NewRun("f()", "test.py", nil, []string{"f"})
		require.Nil(t, exc)
		_, exc = runner.Run(nil, nil, nil)
		require.NotNil(t, exc)
		assert.Equal(t, RuntimeError, exc.Type)
	})
}

func TestOsCallSuspend(t *testing.T) {
	runner, exc := NewRun("import os\nos.getenv('HOME')", "test.py", nil, nil)
	require.Nil(t, exc)
	progress, exc := runner.Start(nil, nil, nil)
	require.Nil(t, exc)
	require.Equal(t, ProgressOsCall, progress.Kind)
	assert.Equal(t, OsGetEnvVar, progress.Call.OsFn)
	require.Equal(t, []Object{ObjStr("HOME")}, progress.Call.Args)

	final, exc := progress.State.Run(ExternalReturn(ObjStr("/home/guest")), nil)
	require.Nil(t, exc)
	require.Equal(t, ProgressComplete, final.Kind)
	assert.Equal(t, ObjStr("/home/guest"), final.Value)
}

func TestFutures(t *testing.T) {
	src := "x = fetch()\nawait x"
	runner, exc := NewRun(src, "test.py", nil, []string{"fetch"})
	require.Nil(t, exc)
	progress, exc := runner.Start(nil, nil, nil)
	require.Nil(t, exc)
	require.Equal(t, ProgressExternalCall, progress.Kind)
	callId := progress.Call.CallId

	// the host defers: the call becomes a pending future
	progress, exc = progress.State.Run(ExternalFuture(), nil)
	require.Nil(t, exc)
	require.Equal(t, ProgressResolveFutures, progress.Kind)
	require.Equal(t, []CallId{callId}, progress.Futures.PendingCallIds())

	final, exc := progress.Futures.Resume([]FutureResult{{CallId: callId, Result: ExternalReturn(ObjInt(7))}}, nil)
	require.Nil(t, exc)
	require.Equal(t, ProgressComplete, final.Kind)
	assert.Equal(t, ObjInt(7), final.Value)
}

func TestSnapshotSerialization(t *testing.T) {
	t.Run("dump then load then run equals direct run", func(t *testing.T) {
		src := "acc = [1, 2]\nacc.append(ext())\nsum(acc)"
		runner, exc := NewRun(src, "test.py", nil, []string{"ext"})
		require.Nil(t, exc)

		progress, exc := runner.Start(nil, nil, nil)
		require.Nil(t, exc)
		require.Equal(t, ProgressExternalCall, progress.Kind)

		data, err := progress.State.Dump()
		require.NoError(t, err)

		restored, err := LoadSnapshot(data)
		require.NoError(t, err)
		final, exc := restored.Run(ExternalReturn(ObjInt(39)), nil)
		require.Nil(t, exc)
		require.Equal(t, ProgressComplete, final.Kind)
		assert.Equal(t, ObjInt(42), final.Value)
	})

	t.Run("dumped snapshot preserves heap structure", func(t *testing.T) {
		src := "d = {'k': [1, (2, 3)], 'n': 10 ** 30}\next()\nrepr(d)"
		runner, exc := NewRun(src, "test.py", nil, []string{"ext"})
		require.Nil(t, exc)
		progress, exc := runner.Start(nil, nil, nil)
		require.Nil(t, exc)
		data, err := progress.State.Dump()
		require.NoError(t, err)
		restored, err := LoadSnapshot(data)
		require.NoError(t, err)
		final, exc := restored.Run(ExternalReturn(ObjNone()), nil)
		require.Nil(t, exc)
		assert.Equal(t, ObjStr("{'k': [1, (2, 3)], 'n': 1000000000000000000000000000000}"), final.Value)
	})

	t.Run("dump after resume fails", func(t *testing.T) {
		runner, exc := NewRun("f()", "test.py", nil, []string{"f"})
		require.Nil(t, exc)
		progress, exc := runner.Start(nil, nil, nil)
		require.Nil(t, exc)
		_, exc = progress.State.Run(ExternalReturn(ObjInt(0)), nil)
		require.Nil(t, exc)
		_, err := progress.State.Dump()
		require.Error(t, err)
	})

	t.Run("garbage bytes are rejected", func(t *testing.T) {
		_, err := LoadSnapshot([]byte("definitely not a snapshot"))
		require.Error(t, err)
	})
}

func TestRunnerSerialization(t *testing.T) {
	runner, exc := NewRun("a + b", "test.py", []string{"a", "b"}, nil)
	require.Nil(t, exc)
	data, err := runner.Dump()
	require.NoError(t, err)

	restored, err := LoadRun(data)
	require.NoError(t, err)
	out, exc := restored.Run([]Object{ObjInt(40), ObjInt(2)}, nil, nil)
	require.Nil(t, exc)
	assert.Equal(t, ObjInt(42), out)
}
