// Package lockfreelist implements an ordered, lock-free set keyed by any
// ordered type, following Harris/Michael: logical deletion (mark a
// node's successor pointer) followed by an opportunistic physical
// unlink, with hazard pointers (pkg/hazard) guarding against reclaiming
// a node a concurrent reader is still validating.
//
// It is also the primitive the split-ordered hash table (pkg/lockfreehash)
// builds on: every exported operation takes an explicit starting Slot so
// a caller can run the search starting partway through the chain, at a
// bucket's dummy node, instead of always from the list's own head.
package lockfreelist

import (
	"sync/atomic"

	"github.com/grafana/frigg/pkg/hazard"
	"github.com/grafana/frigg/pkg/markptr"
)

// Node is one entry in the ordered chain. next is never read or written
// directly outside this package; it is always manipulated through the
// atomic link value it holds.
type Node[K comparable, V any] struct {
	Key   K
	Value V
	next  atomic.Pointer[link[K, V]]
}

// link is the Go idiom standing in for the original's pointer-tagged
// "mark bit in the low bit of next": instead of stealing a bit out of a
// real pointer (unsound under a moving/precise GC), the mark travels
// alongside the pointer in a small immutable value (pkg/markptr) that's
// swapped in with a single CAS on the atomic.Pointer slot.
type link[K comparable, V any] = markptr.Pair[Node[K, V]]

// newLink returns an unmarked link over n.
func newLink[K comparable, V any](n *Node[K, V]) *link[K, V] {
	p := markptr.New(n)
	return &p
}

// Slot is the address of a place a link can be CAS'd into: either the
// list's own head, or another node's next field. This is the Go
// equivalent of the original's Node** "prev" — a pointer to a pointer
// slot — made concrete because Go's atomic.Pointer already is such a
// slot.
type Slot[K comparable, V any] = *atomic.Pointer[link[K, V]]

// List is an ordered set of (key, value) pairs with lock-free,
// linearizable insert/remove/lookup. less is the strict total order's
// comparison predicate; keeping it explicit (instead of requiring
// cmp.Ordered) lets lockfreehash order on bit-reversed uint32
// split-order keys instead of Go's native integer ordering.
type List[K comparable, V any] struct {
	head atomic.Pointer[link[K, V]]
	less func(a, b K) bool
	hp   *hazard.Pointers[Node[K, V]]
}

// New returns an empty list usable by numThreads concurrent callers,
// each identifying itself with a stable id in [0, numThreads).
func New[K comparable, V any](numThreads int, less func(a, b K) bool) *List[K, V] {
	return &List[K, V]{
		less: less,
		hp:   hazard.New[Node[K, V]](numThreads),
	}
}

// Head returns the list's own head slot, for top-level (non-bucketed)
// operations.
func (l *List[K, V]) Head() Slot[K, V] {
	return &l.head
}

// Next returns the slot for node's own successor pointer, used by
// lockfreehash to start a bucket-scoped search right after a dummy node.
func Next[K comparable, V any](node *Node[K, V]) Slot[K, V] {
	return &node.next
}

// Insert adds key/value at the list's own head if key is not already
// present.
func (l *List[K, V]) Insert(threadID int, key K, value V) bool {
	_, inserted := l.InsertAt(threadID, l.Head(), key, value, false)
	return inserted
}

// Remove deletes key from the list's own head if present.
func (l *List[K, V]) Remove(threadID int, key K) bool {
	return l.RemoveAt(threadID, l.Head(), key)
}

// Lookup reports whether key is present, starting from the list's own
// head.
func (l *List[K, V]) Lookup(threadID int, key K) (V, bool) {
	return l.LookupAt(threadID, l.Head(), key)
}

// InsertAt inserts key/value into the chain reachable from start. If key
// is already present, it returns the existing node and (existingOK,
// false): when existingOK is true the caller asked to be told about the
// winner of a race (used by lockfreehash to make dummy-bucket creation
// idempotent); otherwise it returns (nil, false).
func (l *List[K, V]) InsertAt(threadID int, start Slot[K, V], key K, value V, existingOK bool) (*Node[K, V], bool) {
	newNode := &Node[K, V]{Key: key, Value: value}

	for {
		found, ctx := l.search(threadID, start, key)
		if found {
			if existingOK {
				return ctx.cur, false
			}
			return nil, false
		}

		newNode.next.Store(newLink(ctx.cur))
		if ctx.prev.CompareAndSwap(ctx.prevLink, newLink(newNode)) {
			return newNode, true
		}
	}
}

// RemoveAt deletes key from the chain reachable from start.
func (l *List[K, V]) RemoveAt(threadID int, start Slot[K, V], key K) bool {
	for {
		found, ctx := l.search(threadID, start, key)
		if !found {
			return false
		}

		marked := markptr.Mark(*ctx.next)
		if !ctx.cur.next.CompareAndSwap(ctx.next, &marked) {
			continue
		}

		if ctx.prev.CompareAndSwap(ctx.prevLink, newLink(ctx.next.Ptr)) {
			l.hp.Retire(threadID, ctx.cur)
		} else {
			l.search(threadID, start, key)
		}
		return true
	}
}

// LookupAt reports whether key is present in the chain reachable from
// start.
func (l *List[K, V]) LookupAt(threadID int, start Slot[K, V], key K) (V, bool) {
	found, ctx := l.search(threadID, start, key)
	if !found {
		var zero V
		return zero, false
	}
	return ctx.cur.Value, true
}

// searchContext bundles the three pointers a Harris-style search leaves
// behind (prev, cur, next) with the exact link value read from prev, so
// callers can CAS against it without re-reading (and risking a torn
// comparison).
type searchContext[K comparable, V any] struct {
	prev     Slot[K, V]
	prevLink *link[K, V]
	cur      *Node[K, V]
	next     *link[K, V]
}

// search walks the chain from start, unlinking any logically-deleted
// node it encounters, until it finds a node whose key is >= the target.
// It returns found=true iff that node's key equals the target exactly.
func (l *List[K, V]) search(threadID int, start Slot[K, V], key K) (bool, searchContext[K, V]) {
	hp := l.hp.Slot(threadID)

again:
	prev := start
	prevLink := prev.Load()
	var cur *Node[K, V]
	if prevLink != nil {
		cur = prevLink.Ptr
	}

	for cur != nil {
		hp[0].Store(cur)

		if reread := prev.Load(); reread != prevLink {
			goto again
		}

		next := cur.next.Load()

		if next != nil && markptr.IsMarked(*next) {
			unmarked := newLink(next.Ptr)
			if !prev.CompareAndSwap(prevLink, unmarked) {
				goto again
			}
			l.hp.Retire(threadID, cur)
			cur = next.Ptr
			prevLink = unmarked
			continue
		}

		if reread := prev.Load(); reread != prevLink {
			goto again
		}

		if cur.Key == key {
			return true, searchContext[K, V]{prev: prev, prevLink: prevLink, cur: cur, next: next}
		}
		if l.less(key, cur.Key) {
			return false, searchContext[K, V]{prev: prev, prevLink: prevLink, cur: cur, next: next}
		}

		prev = &cur.next
		// Rotate hazards: cur becomes the "previous" hazard for the next
		// iteration, via Load/Store rather than a raw struct copy so a
		// concurrent reclaimer's Load of either slot never observes a
		// torn intermediate value.
		old0 := hp[0].Load()
		old1 := hp[1].Load()
		hp[0].Store(old1)
		hp[1].Store(old0)

		prevLink = next
		cur = next.Ptr
	}

	return false, searchContext[K, V]{prev: prev, prevLink: prevLink, cur: nil, next: nil}
}

// CheckIntegrity walks the list's own head-anchored chain and asserts a
// strictly ascending, duplicate-free key order. Meant to be called at
// quiescence between rounds of concurrent mutation, as the tests in
// spec §8 scenario D do.
func (l *List[K, V]) CheckIntegrity() bool {
	cur := l.head.Load()
	if cur == nil || cur.Ptr == nil {
		return true
	}

	prevKey := cur.Ptr.Key
	next := cur.Ptr.next.Load()
	for next != nil && next.Ptr != nil {
		if !l.less(prevKey, next.Ptr.Key) {
			return false
		}
		prevKey = next.Ptr.Key
		next = next.Ptr.next.Load()
	}
	return true
}
