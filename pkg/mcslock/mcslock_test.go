package mcslock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMutualExclusionUnderContention(t *testing.T) {
	const numWorkers = 8
	const incsPerWorker = 50000

	var lock Lock
	counter := 0
	requests := make([]int, numWorkers)

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			var node Node
			for i := 0; i < incsPerWorker; i++ {
				lock.Lock(&node)
				counter++
				requests[w]++
				lock.Unlock(&node)
			}
		}()
	}
	wg.Wait()

	for w := 0; w < numWorkers; w++ {
		assert.Equal(t, incsPerWorker, requests[w])
	}
	assert.Equal(t, numWorkers*incsPerWorker, counter)
}

func TestSingleThreadedLockUnlock(t *testing.T) {
	var lock Lock
	var node Node

	lock.Lock(&node)
	lock.Unlock(&node)
	lock.Lock(&node)
	lock.Unlock(&node)
}
