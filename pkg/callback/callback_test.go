package callback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnceFires(t *testing.T) {
	calls := 0
	cb := NewOnce("test", func() { calls++ })
	cb.Invoke()
	assert.Equal(t, 1, calls)
}

func TestOnceInvokedTwicePanics(t *testing.T) {
	cb := NewOnce("test", func() {})
	cb.Invoke()
	assert.Panics(t, func() { cb.Invoke() })
}

func TestManyIsReusable(t *testing.T) {
	calls := 0
	r := NewMany("test", func() { calls++ })
	r.Invoke()
	r.Invoke()
	r.Invoke()
	assert.Equal(t, 3, calls)
}

func TestManyReleaseStopsFutureInvokes(t *testing.T) {
	calls := 0
	r := NewMany("test", func() { calls++ })
	r.Invoke()
	r.Release()
	r.Invoke()
	assert.Equal(t, 1, calls)
}

func TestManyReleaseIsIdempotent(t *testing.T) {
	r := NewMany("test", func() {})
	r.Release()
	require.NotPanics(t, func() { r.Release() })
}
