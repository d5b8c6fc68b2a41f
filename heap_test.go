package monty

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeapRefCounting(t *testing.T) {
	t.Run("allocate starts at refcount one", func(t *testing.T) {
		h := NewHeap(nil)
		id, exc := h.Allocate(&strObject{s: "x"})
		require.Nil(t, exc)
		assert.Equal(t, uint32(1), h.RefCount(id))
	})

	t.Run("inc then dec keeps the entry alive", func(t *testing.T) {
		h := NewHeap(nil)
		id, _ := h.Allocate(&strObject{s: "x"})
		h.IncRef(id)
		h.DecRef(id)
		assert.Equal(t, uint32(1), h.RefCount(id))
		h.DecRef(id)
		assert.Equal(t, 0, h.LiveCount())
	})

	t.Run("freed slots are recycled", func(t *testing.T) {
		h := NewHeap(nil)
		a, _ := h.Allocate(&strObject{s: "a"})
		h.DecRef(a)
		b, _ := h.Allocate(&strObject{s: "b"})
		assert.Equal(t, a, b)
	})

	t.Run("dropping an aggregate drops its children iteratively", func(t *testing.T) {
		h := NewHeap(nil)
		// a deep chain of nested lists would blow the stack with a
		// recursive free
		inner, _ := h.Allocate(&listObject{})
		cur := inner
		for i := 0; i < 10000; i++ {
			next, exc := h.Allocate(&listObject{items: []Value{refValue(cur)}, containsRefs: true})
			require.Nil(t, exc)
			cur = next
		}
		h.DecRef(cur)
		assert.Equal(t, 0, h.LiveCount())
	})

	t.Run("containsRefs bit keeps primitive lists cheap", func(t *testing.T) {
		l := &listObject{items: []Value{IntValue(1), IntValue(2)}}
		var stack []HeapId
		l.childIDs(&stack)
		assert.Empty(t, stack)
	})
}

func TestHeapBorrowHelpers(t *testing.T) {
	t.Run("WithTwo hands out both entries", func(t *testing.T) {
		h := NewHeap(nil)
		a, _ := h.Allocate(&strObject{s: "left"})
		b, _ := h.Allocate(&strObject{s: "right"})
		var got []string
		h.WithTwo(a, b, func(x, y pyObject) {
			got = append(got, x.(*strObject).s, y.(*strObject).s)
		})
		assert.Equal(t, []string{"left", "right"}, got)
	})

	t.Run("WithTwo panics on identical handles", func(t *testing.T) {
		h := NewHeap(nil)
		a, _ := h.Allocate(&strObject{s: "x"})
		assert.Panics(t, func() { h.WithTwo(a, a, func(x, y pyObject) {}) })
	})

	t.Run("WithEntryMut allows reborrowing the heap", func(t *testing.T) {
		h := NewHeap(nil)
		id, _ := h.Allocate(&listObject{})
		exc := h.WithEntryMut(id, func(data pyObject) *Exception {
			// the heap stays callable while the entry is borrowed,
			// including refcounting the borrowed entry itself
			_, exc := h.Allocate(&strObject{s: "side"})
			require.Nil(t, exc)
			h.IncRef(id)
			data.(*listObject).push(refValue(id))
			return nil
		})
		require.Nil(t, exc)
		assert.Len(t, h.Get(id).(*listObject).items, 1)
	})

	t.Run("stale handle panics", func(t *testing.T) {
		h := NewHeap(nil)
		id, _ := h.Allocate(&strObject{s: "x"})
		h.DecRef(id)
		assert.Panics(t, func() { h.Get(id) })
	})
}

func TestHeapCycleCollection(t *testing.T) {
	t.Run("self cycle is unreachable without the pass", func(t *testing.T) {
		h := NewHeap(nil)
		id, _ := h.Allocate(&listObject{})
		l := h.Get(id).(*listObject)
		h.IncRef(id)
		l.push(refValue(id))
		h.MarkPotentialCycle()

		h.DecRef(id) // external ref gone; the self-ref keeps it alive
		assert.Equal(t, 1, h.LiveCount())

		freed := h.CollectCycles(nil)
		assert.Equal(t, 1, freed)
		assert.Equal(t, 0, h.LiveCount())
	})

	t.Run("rooted entries survive the pass", func(t *testing.T) {
		h := NewHeap(nil)
		id, _ := h.Allocate(&listObject{})
		h.MarkPotentialCycle()
		freed := h.CollectCycles([]HeapId{id})
		assert.Equal(t, 0, freed)
		assert.Equal(t, 1, h.LiveCount())
	})

	t.Run("pass is a no-op without the cycle flag", func(t *testing.T) {
		h := NewHeap(nil)
		id, _ := h.Allocate(&listObject{})
		assert.Equal(t, 0, h.CollectCycles(nil))
		assert.Equal(t, 1, h.LiveCount())
		h.DecRef(id)
	})
}

// countingTracker records every allocation and free for the accounting
// assertions.
type countingTracker struct {
	UnlimitedTracker
	allocs, frees int
	bytes         int
}

func (c *countingTracker) OnAllocate(size int) *Exception {
	c.allocs++
	c.bytes += size
	return nil
}

func (c *countingTracker) OnFree(size int) {
	c.frees++
	c.bytes -= size
}

func TestTrackerAccounting(t *testing.T) {
	t.Run("every allocation reaches the tracker", func(t *testing.T) {
		tr := &countingTracker{}
		h := NewHeap(tr)
		id, _ := h.Allocate(&strObject{s: "hello"})
		assert.Equal(t, 1, tr.allocs)
		h.DecRef(id)
		assert.Equal(t, 1, tr.frees)
		assert.Equal(t, 0, tr.bytes)
	})

	t.Run("program run balances allocations and frees", func(t *testing.T) {
		tr := &countingTracker{}
		runner, exc := NewRun("l = []\nfor i in range(50):\n    l.append('s' + str(i))\nlen(l)", "test.py", nil, nil)
		require.Nil(t, exc)
		out, exc := runner.Run(nil, tr, nil)
		require.Nil(t, exc)
		assert.Equal(t, ObjInt(50), out)
		// after termination the module globals are swept; everything
		// allocated was freed
		assert.Equal(t, tr.allocs, tr.frees)
		assert.Equal(t, 0, tr.bytes)
	})
}
