// Package reqstats tracks an instantaneous requests-per-second rate
// across a fixed number of worker threads. Each worker keeps a ring of
// NumSlots counters, one per 1/NumSlots-of-a-second window; a request
// finishing "now" bumps the slot "now" falls into if that slot was
// last touched within its own window, or resets it to 1 if the window
// has rolled over. A reader sums every slot updated within the last
// full second, giving an answer that only ever looks at state that's
// actually recent without needing any periodic sweep to age data out.
package reqstats

import (
	"time"

	"go.uber.org/atomic"
)

// NumSlots is the number of windows a worker's ring is divided into
// across one second.
const NumSlots = 20

type counter struct {
	numReq     atomic.Int64
	lastUpdate atomic.Int64 // UnixNano
}

// Stats accumulates completed-request counts for numThreads workers,
// identified by the same stable thread id used elsewhere in this
// repository (pkg/hazard, pkg/lockfreelist, pkg/lockfreehash).
type Stats struct {
	numThreads   int
	slotDuration time.Duration
	counters     [][NumSlots]counter
}

// New prepares stats bookkeeping for numThreads workers.
func New(numThreads int) *Stats {
	s := &Stats{
		numThreads:   numThreads,
		slotDuration: time.Second / NumSlots,
		counters:     make([][NumSlots]counter, numThreads),
	}
	now := time.Now().UnixNano()
	for i := range s.counters {
		for j := range s.counters[i] {
			s.counters[i][j].lastUpdate.Store(now)
		}
	}
	return s
}

// FinishedRequest records that threadID completed one request at now.
// Only threadID itself should call this for its own id; concurrent
// calls with distinct thread ids are independent and need no
// coordination.
func (s *Stats) FinishedRequest(threadID int, now time.Time) {
	idx := s.slotIndex(now)
	c := &s.counters[threadID][idx]

	last := c.lastUpdate.Load()
	if now.UnixNano()-last < int64(s.slotDuration) {
		c.numReq.Inc()
		return
	}
	c.numReq.Store(1)
	c.lastUpdate.Store(now.UnixNano())
}

// GetStats returns the number of requests completed in the one second
// ending at now, across every worker. It may be called concurrently
// with FinishedRequest from any thread, including ones not otherwise
// participating in request handling; the result is a best-effort
// snapshot, not a linearizable count.
func (s *Stats) GetStats(now time.Time) uint32 {
	var total int64
	for i := 0; i < s.numThreads; i++ {
		for j := 0; j < NumSlots; j++ {
			c := &s.counters[i][j]
			if now.UnixNano()-c.lastUpdate.Load() < int64(time.Second) {
				total += c.numReq.Load()
			}
		}
	}
	return uint32(total)
}

// SlotDuration returns the width of one ring slot, exposed for tests
// that need to reason about window boundaries.
func (s *Stats) SlotDuration() time.Duration { return s.slotDuration }

func (s *Stats) slotIndex(now time.Time) int {
	return int((now.UnixNano() / int64(s.slotDuration)) % NumSlots)
}
