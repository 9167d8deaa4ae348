// Package lockfreehash implements a split-ordered hash table (Shalev &
// Shavit) on top of pkg/lockfreelist: a single ordered list carries both
// "dummy" bucket-header nodes and real key/value nodes, interleaved by
// a key transform (so_regularkey/so_dummykey below) that makes the
// list's natural ascending order double as a recursive binary split of
// bucket indices. Growing the bucket count never requires rehashing
// any existing node — it just means some buckets that used to share a
// chain now get their own dummy header, lazily created the first time
// something hashes into them.
package lockfreehash

import (
	"math/bits"
	"sync/atomic"

	uberatomic "go.uber.org/atomic"

	"github.com/grafana/frigg/pkg/lockfreelist"
)

// DefaultSegmentSize and DefaultTableSize size the two-level segment
// table that maps a bucket index to its dummy node: the top-level array
// has DefaultTableSize slots, each lazily pointing at a segment of
// DefaultSegmentSize bucket pointers, giving an overall bucket address
// space of DefaultTableSize*DefaultSegmentSize without ever needing to
// reallocate the top-level array.
const (
	DefaultSegmentSize = 1024
	DefaultTableSize   = 1024
	DefaultMaxLoad     = 10
)

type segment[V any] struct {
	buckets []atomic.Pointer[lockfreelist.Node[uint32, V]]
}

// Table is a lock-free hash table from uint32 keys to values of type V.
// Every operation needs a threadID identifying the caller, the same way
// pkg/lockfreelist and pkg/hazard do, since hazard-pointer bookkeeping
// is indexed per-thread rather than per-goroutine.
type Table[V any] struct {
	list *lockfreelist.List[uint32, V]

	segmentTable []atomic.Pointer[segment[V]]
	segmentSize  uint32

	counter     uberatomic.Uint64
	bucketsSize uberatomic.Uint64
	maxLoad     uint64
}

// New returns an empty table usable by numThreads concurrent callers.
func New[V any](numThreads int) *Table[V] {
	t := &Table[V]{
		list:         lockfreelist.New[uint32, V](numThreads, func(a, b uint32) bool { return a < b }),
		segmentTable: make([]atomic.Pointer[segment[V]], DefaultTableSize),
		segmentSize:  DefaultSegmentSize,
		maxLoad:      DefaultMaxLoad,
	}
	t.bucketsSize.Store(DefaultSegmentSize)
	return t
}

// Insert adds key/value if key is not already present. Once the
// average chain length exceeds maxLoad, it doubles the bucket count for
// future lookups to fan out over; existing chains are not rehashed.
func (t *Table[V]) Insert(threadID int, key uint32, value V) bool {
	bucketsSize := t.bucketsSize.Load()
	index := key % uint32(bucketsSize)

	start := t.bucketStart(threadID, index)
	if _, inserted := t.list.InsertAt(threadID, start, soRegularKey(key), value, false); !inserted {
		return false
	}

	if t.counter.Inc()/bucketsSize > t.maxLoad {
		t.bucketsSize.CompareAndSwap(bucketsSize, 2*bucketsSize)
	}
	return true
}

// Remove deletes key if present.
func (t *Table[V]) Remove(threadID int, key uint32) bool {
	bucketsSize := t.bucketsSize.Load()
	index := key % uint32(bucketsSize)

	start := t.bucketStart(threadID, index)
	if !t.list.RemoveAt(threadID, start, soRegularKey(key)) {
		return false
	}
	t.counter.Dec()
	return true
}

// Lookup reports whether key is present and, if so, its value.
func (t *Table[V]) Lookup(threadID int, key uint32) (V, bool) {
	bucketsSize := t.bucketsSize.Load()
	index := key % uint32(bucketsSize)

	start := t.bucketStart(threadID, index)
	return t.list.LookupAt(threadID, start, soRegularKey(key))
}

// bucketStart returns the slot real keys hashing to index should search
// from, initializing the bucket's dummy node first if this is the
// first operation to touch it.
func (t *Table[V]) bucketStart(threadID int, index uint32) lockfreelist.Slot[uint32, V] {
	if t.getBucket(index) == nil {
		t.initializeBucket(threadID, index)
	}
	return t.startSlot(index)
}

// startSlot returns where the chain "owned" by bucket index begins:
// the list's own head for bucket 0, or right after index's dummy node
// for every other bucket.
func (t *Table[V]) startSlot(index uint32) lockfreelist.Slot[uint32, V] {
	if index == 0 {
		return t.list.Head()
	}
	return lockfreelist.Next(t.getBucket(index))
}

// initializeBucket creates index's dummy node if it does not exist yet,
// recursively initializing its parent bucket first. Concurrent callers
// racing to initialize the same index all attempt the same insert (same
// dummy key, existingOK); the list resolves the race to a single winner
// and every racer records that same winning node.
func (t *Table[V]) initializeBucket(threadID int, index uint32) {
	if index == 0 {
		node, _ := t.list.InsertAt(threadID, t.list.Head(), soDummyKey(0), zero[V](), true)
		t.setBucket(0, node)
		return
	}

	parent := getParent(index)
	if t.getBucket(parent) == nil {
		t.initializeBucket(threadID, parent)
	}

	node, _ := t.list.InsertAt(threadID, t.startSlot(parent), soDummyKey(index), zero[V](), true)
	t.setBucket(index, node)
}

func (t *Table[V]) getBucket(index uint32) *lockfreelist.Node[uint32, V] {
	seg := index / t.segmentSize
	s := t.segmentTable[seg].Load()
	if s == nil {
		return nil
	}
	return s.buckets[index%t.segmentSize].Load()
}

func (t *Table[V]) setBucket(index uint32, node *lockfreelist.Node[uint32, V]) {
	seg := index / t.segmentSize
	if t.segmentTable[seg].Load() == nil {
		newSeg := &segment[V]{buckets: make([]atomic.Pointer[lockfreelist.Node[uint32, V]], t.segmentSize)}
		t.segmentTable[seg].CompareAndSwap(nil, newSeg)
	}
	t.segmentTable[seg].Load().buckets[index%t.segmentSize].Store(node)
}

// so_regularkey/so_dummykey/reverse implement the split-ordering key
// transform: reversing a key's bits turns ascending numeric order on
// the transformed key into a recursive binary split on the original
// key's bucket index, so dummy nodes created later always land between
// the right neighbors without moving anything already in the list.
// Setting the top bit before reversing a regular key guarantees its
// transformed form is always odd, and every dummy key's transformed
// form is even, so a dummy node for a bucket always sorts before any
// real key that bucket owns.
func soRegularKey(key uint32) uint32 {
	return bits.Reverse32(key | 0x80000000)
}

func soDummyKey(index uint32) uint32 {
	return bits.Reverse32(index)
}

// getParent returns index with its highest set bit cleared — the
// bucket that must already have a dummy node before index can get one,
// mirroring the binary-split parent relationship the reversed keys
// establish.
func getParent(index uint32) uint32 {
	if index == 0 {
		return 0
	}
	pos := bits.Len32(index) - 1
	mask := uint32(1)<<uint(pos) - 1
	return index & mask
}

func zero[V any]() V {
	var v V
	return v
}
