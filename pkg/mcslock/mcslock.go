// Package mcslock implements the Mellor-Crummey & Scott queue lock: a
// mutual-exclusion lock where each waiter spins on its own cache line
// instead of on a single shared word, avoiding the cache-coherence
// storm a naive test-and-set spinlock causes under contention.
//
// Go has no portable thread-local storage, so unlike the original's
// per-thread Node kept in thread-local storage, every caller here owns
// and passes in its own Node explicitly — typically a stack-allocated
// value that lives exactly as long as the critical section.
package mcslock

import (
	"runtime"
	"sync/atomic"
)

// Node is a waiter's place in the queue. The zero Node is ready to use;
// a single Node must not be used for two overlapping Lock calls.
type Node struct {
	next   atomic.Pointer[Node]
	locked atomic.Bool
}

// Lock is a queue lock. The zero Lock is unlocked and ready to use.
type Lock struct {
	tail atomic.Pointer[Node]
}

// Lock acquires the lock, queuing node behind whoever currently holds
// or is waiting for it. The caller must pass the same node to the
// matching Unlock.
func (l *Lock) Lock(node *Node) {
	node.next.Store(nil)
	node.locked.Store(false)

	pred := l.tail.Swap(node)
	if pred == nil {
		return
	}

	node.locked.Store(true)
	pred.next.Store(node)
	for node.locked.Load() {
		runtime.Gosched()
	}
}

// Unlock releases the lock acquired by the matching Lock(node) call.
func (l *Lock) Unlock(node *Node) {
	if node.next.Load() == nil {
		if l.tail.CompareAndSwap(node, nil) {
			return
		}
		for node.next.Load() == nil {
			runtime.Gosched()
		}
	}
	node.next.Load().locked.Store(false)
}
