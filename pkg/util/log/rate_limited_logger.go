package log

import (
	"time"

	"github.com/go-kit/log"
	"go.uber.org/atomic"
)

// RateLimitedLogger forwards at most maxPerSecond log lines to the
// wrapped logger within each wall-clock second (windows start on whole
// Unix seconds), dropping the rest.
// It exists for hot paths — per-request parse failures, hazard-pointer
// reclamation warnings — that would otherwise flood stderr under load.
type RateLimitedLogger struct {
	next         log.Logger
	maxPerSecond int64

	windowStart atomic.Int64
	count       atomic.Int64
}

// NewRateLimitedLogger wraps next so that it emits at most maxPerSecond
// lines per second.
func NewRateLimitedLogger(maxPerSecond int64, next log.Logger) *RateLimitedLogger {
	r := &RateLimitedLogger{
		next:         next,
		maxPerSecond: maxPerSecond,
	}
	r.windowStart.Store(time.Now().Unix())
	return r
}

// Log implements log.Logger. It silently drops the line once the current
// second's budget is exhausted.
func (r *RateLimitedLogger) Log(keyvals ...interface{}) error {
	now := time.Now().Unix()

	if prev := r.windowStart.Load(); now != prev {
		if r.windowStart.CAS(prev, now) {
			r.count.Store(0)
		}
	}

	if r.count.Inc() > r.maxPerSecond {
		return nil
	}

	return r.next.Log(keyvals...)
}
