// Package filecache implements a bounded, pinning cache from file names
// to their contents: the sum of every buffer held in the cache never
// exceeds a configured byte budget. A pin on a name already resident is
// cheap — a read lock plus an atomic increment — since it doesn't touch
// the map. A miss is slower: it loads the file, then evicts unpinned
// entries (in whatever order the map hands them back, since there is no
// special eviction policy beyond "not currently pinned") until there is
// room, or fails if it can't make room.
package filecache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/grafana/frigg/pkg/bytebuffer"
	"github.com/grafana/frigg/pkg/util/log"
)

var (
	metricBytesUsed = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "frigg",
		Subsystem: "filecache",
		Name:      "bytes_used",
		Help:      "Bytes currently held by the file cache.",
	})
	metricPins = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "frigg",
		Subsystem: "filecache",
		Name:      "pins_total",
		Help:      "Total pin requests served by the file cache.",
	})
	metricHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "frigg",
		Subsystem: "filecache",
		Name:      "hits_total",
		Help:      "Total pin requests that found the file already cached.",
	})
	metricFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "frigg",
		Subsystem: "filecache",
		Name:      "failed_total",
		Help:      "Total pin requests that failed because no room could be made.",
	})
)

// Source loads a file's full contents by name. The cache calls Load on
// a miss without holding its lock, so concurrent Pins of the same
// uncached name may each call Load; only one of the loaded buffers is
// kept.
type Source interface {
	Load(name string) ([]byte, error)
}

// Handle identifies a pinned entry. The zero Handle ("") never refers
// to a real entry: Pin returns it alongside a nil error to report "no
// room was available", mirroring the original's null-handle,
// zero-errno convention for a cache-full condition that is not itself
// an error.
type Handle string

type node struct {
	fileName string
	buf      *bytebuffer.Buffer
	size     int64
	pins     atomic.Int32
}

// Cache is safe for concurrent Pin/Unpin from any number of goroutines.
// It is not safe to use after being discarded mid-flight; callers are
// expected to stop pinning before letting a Cache go.
type Cache struct {
	mu      sync.RWMutex
	nodes   map[string]*node
	maxSize int64

	bytesUsed atomic.Int64
	numPins   atomic.Int64
	numHits   atomic.Int64
	numFailed atomic.Int64

	source Source
}

// New returns an empty cache bounded at maxSize bytes, loading misses
// through source.
func New(maxSize int64, source Source) *Cache {
	return &Cache{
		nodes:   make(map[string]*node),
		maxSize: maxSize,
		source:  source,
	}
}

// Pin returns the named file's contents, pinning it in the cache so it
// cannot be evicted until a matching Unpin. A nil error with an empty
// Handle means the cache had no room to hold the file; any other error
// came from Source.Load.
func (c *Cache) Pin(fileName string) (*bytebuffer.Buffer, Handle, error) {
	c.numPins.Inc()
	metricPins.Inc()

	if buf, h, ok := c.tryPinExisting(fileName); ok {
		return buf, h, nil
	}

	data, err := c.source.Load(fileName)
	if err != nil {
		return nil, "", err
	}
	size := int64(len(data))
	buf := bytebuffer.New()
	buf.Write(data)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Someone else may have raced us in and already cached this file;
	// prefer their entry over the buffer we just built.
	if n, ok := c.nodes[fileName]; ok {
		n.pins.Inc()
		c.numHits.Inc()
		metricHits.Inc()
		return n.buf, Handle(fileName), nil
	}

	for c.bytesUsed.Load()+size > c.maxSize {
		victim, ok := c.findUnpinnedLocked()
		if !ok {
			break
		}
		c.evictLocked(victim)
	}

	if c.bytesUsed.Load()+size > c.maxSize {
		c.numFailed.Inc()
		metricFailed.Inc()
		return nil, "", nil
	}

	n := &node{fileName: fileName, buf: buf, size: size}
	n.pins.Store(1)
	c.nodes[fileName] = n
	c.bytesUsed.Add(size)
	metricBytesUsed.Set(float64(c.bytesUsed.Load()))
	return buf, Handle(fileName), nil
}

// tryPinExisting attempts the fast path: a read lock plus an atomic
// increment, with no map mutation.
func (c *Cache) tryPinExisting(fileName string) (*bytebuffer.Buffer, Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n, ok := c.nodes[fileName]
	if !ok {
		return nil, "", false
	}
	n.pins.Inc()
	c.numHits.Inc()
	metricHits.Inc()
	return n.buf, Handle(fileName), true
}

// Unpin releases a handle returned by Pin. It is a fatal invariant
// violation to unpin a handle more times than it was pinned.
func (c *Cache) Unpin(h Handle) {
	if h == "" {
		return
	}

	c.mu.RLock()
	n, ok := c.nodes[string(h)]
	c.mu.RUnlock()
	if !ok {
		return
	}

	for {
		cur := n.pins.Load()
		if cur <= 0 {
			log.Logger.Log("msg", "fatal: unpin called on an unpinned file", "file", string(h))
			panic("filecache: unpin of " + string(h) + " with no outstanding pin")
		}
		if n.pins.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// findUnpinnedLocked returns the name of some node with no outstanding
// pins, or ok=false if every resident node is pinned. Callers must hold
// the write lock.
func (c *Cache) findUnpinnedLocked() (string, bool) {
	for name, n := range c.nodes {
		if n.pins.Load() == 0 {
			return name, true
		}
	}
	return "", false
}

// evictLocked removes name from the cache. Callers must hold the write
// lock and must have already confirmed name is unpinned.
func (c *Cache) evictLocked(name string) {
	n, ok := c.nodes[name]
	if !ok {
		return
	}
	delete(c.nodes, name)
	c.bytesUsed.Sub(n.size)
	metricBytesUsed.Set(float64(c.bytesUsed.Load()))
}

// MaxSize returns the configured byte budget.
func (c *Cache) MaxSize() int64 { return c.maxSize }

// BytesUsed returns the number of bytes currently resident.
func (c *Cache) BytesUsed() int64 { return c.bytesUsed.Load() }

// Pins returns the total number of Pin calls served.
func (c *Cache) Pins() int64 { return c.numPins.Load() }

// Hits returns the total number of Pin calls that found their file
// already resident.
func (c *Cache) Hits() int64 { return c.numHits.Load() }

// Failed returns the total number of Pin calls that could not make
// room for the requested file.
func (c *Cache) Failed() int64 { return c.numFailed.Load() }
