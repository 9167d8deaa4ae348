package reqstats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSingleThreadNoRequests(t *testing.T) {
	s := New(1)
	assert.EqualValues(t, 0, s.GetStats(time.Now()))
}

func TestSingleThreadManyRequests(t *testing.T) {
	s := New(1)
	now := time.Now()
	for i := 0; i < 200; i++ {
		s.FinishedRequest(0, now)
	}
	assert.EqualValues(t, 200, s.GetStats(now))
}

func TestSingleThreadRequestsAgeOutAfterASecond(t *testing.T) {
	s := New(1)
	now := time.Now()
	for i := 0; i < 200; i++ {
		s.FinishedRequest(0, now)
	}
	assert.EqualValues(t, 0, s.GetStats(now.Add(2*time.Second)))
}

func TestRequestsSpreadAcrossSlotsAllCount(t *testing.T) {
	s := New(1)
	base := time.Now().Truncate(s.SlotDuration())
	for i := 0; i < NumSlots; i++ {
		s.FinishedRequest(0, base.Add(time.Duration(i)*s.SlotDuration()))
	}
	assert.EqualValues(t, NumSlots, s.GetStats(base.Add(time.Duration(NumSlots-1)*s.SlotDuration())))
}

func TestMultiThreadManyRequests(t *testing.T) {
	const numThreads = 10
	const perThread = 2000

	s := New(numThreads)
	now := time.Now()

	var wg sync.WaitGroup
	for tid := 0; tid < numThreads; tid++ {
		tid := tid
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perThread; i++ {
				s.FinishedRequest(tid, now)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, numThreads*perThread, s.GetStats(now))
}
