package lockfreelist

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lessInt(a, b int) bool { return a < b }

func TestSequentialSimpleInsertion(t *testing.T) {
	l := New[int, int](1, lessInt)

	_, ok := l.Lookup(0, 1)
	assert.False(t, ok, "lookup on empty list")

	_, inserted := l.InsertAt(0, l.Head(), 1, 100, false)
	assert.True(t, inserted)

	v, ok := l.Lookup(0, 1)
	assert.True(t, ok)
	assert.Equal(t, 100, v)

	_, ok = l.Lookup(0, 2)
	assert.False(t, ok)
}

func TestSequentialDuplicateInsertion(t *testing.T) {
	l := New[int, int](1, lessInt)

	assert.True(t, l.Insert(0, 1, 1))
	assert.False(t, l.Insert(0, 1, 2))

	v, ok := l.Lookup(0, 1)
	require.True(t, ok)
	assert.Equal(t, 1, v, "the losing insert must not overwrite the winner's value")
}

func TestSequentialSimpleDeletion(t *testing.T) {
	l := New[int, int](1, lessInt)

	assert.False(t, l.Remove(0, 1), "remove on empty list")

	assert.True(t, l.Insert(0, 1, 0))
	assert.True(t, l.Insert(0, 2, 0))
	assert.True(t, l.Remove(0, 1))

	_, ok := l.Lookup(0, 1)
	assert.False(t, ok)
	_, ok = l.Lookup(0, 2)
	assert.True(t, ok)

	assert.True(t, l.Remove(0, 2))
	_, ok = l.Lookup(0, 2)
	assert.False(t, ok)
}

func TestSequentialFailedDeletion(t *testing.T) {
	l := New[int, int](1, lessInt)

	assert.True(t, l.Insert(0, 1, 0))
	assert.False(t, l.Remove(0, 2))
}

func TestSequentialReclaiming(t *testing.T) {
	l := New[int, int](1, lessInt)

	threshold := 10 // hazard.MaxRetired, duplicated here to avoid importing pkg/hazard
	assert.True(t, l.Insert(0, 0, 0))
	for i := 1; i < 2*threshold; i++ {
		_, ok := l.Lookup(0, i-1)
		require.True(t, ok)
		assert.True(t, l.Insert(0, i, 0))
		assert.True(t, l.Remove(0, i-1))
	}
	assert.True(t, l.Remove(0, 2*threshold-1))
	assert.True(t, l.CheckIntegrity())
}

// nonOverlappingOps builds an ascending run of inserts followed by a
// descending run of deletes over a range exclusive to this worker, the
// same striping the original concurrency test used to guarantee workers
// never contend over the same key.
func nonOverlappingOps(numWorkers, me, numOps int) []int {
	ops := make([]int, 0, numOps)
	half := numOps / 2
	for i := 0; i < half; i++ {
		ops = append(ops, me+i*numWorkers+1)
	}
	for i := half - 1; i >= 0; i-- {
		ops = append(ops, -(me + i*numWorkers + 1))
	}
	return ops
}

func TestConcurrencyInsertionThenDeletion(t *testing.T) {
	const numWorkers = 16
	const numOps = 1000

	l := New[int, int](numWorkers, lessInt)

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, op := range nonOverlappingOps(numWorkers, w, numOps) {
				if op > 0 {
					assert.True(t, l.Insert(w, op, op))
				} else {
					assert.True(t, l.Remove(w, -op))
				}
			}
		}()
	}
	wg.Wait()

	assert.True(t, l.CheckIntegrity())
}

func TestConcurrencyRoundsOfStripedOps(t *testing.T) {
	const numWorkers = 16
	const numOps = 500
	const numRounds = 5

	l := New[int, int](numWorkers, lessInt)

	for r := 0; r < numRounds; r++ {
		var wg sync.WaitGroup
		for w := 0; w < numWorkers; w++ {
			w := w
			wg.Add(1)
			go func() {
				defer wg.Done()
				for _, op := range nonOverlappingOps(numWorkers, w, numOps) {
					if op > 0 {
						l.Insert(w, op, op)
					} else {
						l.Remove(w, -op)
					}
				}
			}()
		}
		wg.Wait()

		assert.True(t, l.CheckIntegrity(), "round %d left the list unordered", r)
	}
}
