// Package callback provides the two invocation shapes used for every
// asynchronous continuation in this repository: a one-shot callback that
// owns itself and disposes of itself after firing, and a multi-shot
// callback that is owned by whoever registered it and can fire any
// number of times until explicitly released.
package callback

import (
	"sync"

	"github.com/grafana/frigg/pkg/util/log"
)

// Func is the underlying invocable unit. It takes no arguments because
// every caller in this repository closes over whatever state the
// callback needs (the connection, the request, the timer payload); a
// generic argument list would just be unwrapped immediately anyway.
type Func func()

// Callback is a named, re-entrant invocation of a Func.
type Callback interface {
	// Invoke runs the callback's Func. For a once-callback, calling
	// Invoke a second time is a programming error.
	Invoke()
}

// once is self-owning: once fired, it forgets its Func so a second
// Invoke is detectable and treated as an invariant violation.
type once struct {
	name string

	mu   sync.Mutex
	fn   Func
	fired bool
}

// NewOnce returns a self-owning callback. The caller does not need to
// (and should not) retain it past the point where it hands it to a
// scheduler: it disposes of its closure the moment it fires.
func NewOnce(name string, fn Func) Callback {
	return &once{name: name, fn: fn}
}

func (c *once) Invoke() {
	c.mu.Lock()
	if c.fired {
		c.mu.Unlock()
		log.Logger.Log("msg", "fatal: once-callback invoked twice", "callback", c.name)
		panic("callback: once-callback " + c.name + " invoked twice")
	}
	c.fired = true
	fn := c.fn
	c.fn = nil // drop the closure; this is the "self-destroy"
	c.mu.Unlock()

	fn()
}

// many is caller-owned: it may be invoked any number of times and is
// only ever torn down by an explicit Release from its registrar.
type many struct {
	name string

	mu       sync.Mutex
	fn       Func
	released bool
}

// NewMany returns a caller-owned, reusable callback.
func NewMany(name string, fn Func) *Release {
	m := &many{name: name, fn: fn}
	return &Release{m: m}
}

// Release wraps a many-callback together with the ability to release it.
type Release struct {
	m *many
}

// Invoke implements Callback.
func (r *Release) Invoke() {
	r.m.mu.Lock()
	if r.m.released {
		r.m.mu.Unlock()
		return
	}
	fn := r.m.fn
	r.m.mu.Unlock()

	fn()
}

// Release marks the callback as released; subsequent Invoke calls are
// no-ops. Safe to call more than once.
func (r *Release) Release() {
	r.m.mu.Lock()
	r.m.released = true
	r.m.fn = nil
	r.m.mu.Unlock()
}
