package reactor

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/frigg/pkg/callback"
)

func startManager(t *testing.T, m *Manager) func() {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.StartAsync(ctx))
	require.NoError(t, m.AwaitRunning(ctx))
	return func() {
		m.StopAsync()
		require.NoError(t, m.AwaitTerminated(context.Background()))
	}
}

func TestAcceptAndHandleConnections(t *testing.T) {
	m := NewManager(4)

	var mu sync.Mutex
	seen := 0
	m.RegisterAcceptor(0, func(conn net.Conn) {
		defer conn.Close()
		mu.Lock()
		seen++
		mu.Unlock()
		conn.Write([]byte("ok"))
	})

	stop := startManager(t, m)
	defer stop()

	addr, ok := m.ListenerAddr(0)
	require.True(t, ok)

	for i := 0; i < 5; i++ {
		conn, err := net.Dial("tcp", addr.String())
		require.NoError(t, err)
		buf := make([]byte, 2)
		_, err = conn.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "ok", string(buf))
		conn.Close()
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == 5
	}, time.Second, 10*time.Millisecond)
}

func TestAddTaskAfterStopFails(t *testing.T) {
	m := NewManager(2)
	stop := startManager(t, m)
	stop()

	err := m.AddTask(func() {})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestAddTaskFailsWhenQueueFull(t *testing.T) {
	m := NewManagerWithQueueDepth(0, 1)
	stop := startManager(t, m)
	defer stop()

	block := make(chan struct{})
	require.NoError(t, m.AddTask(func() { <-block }))

	err := m.AddTask(callback.Func(func() {}))
	assert.ErrorIs(t, err, ErrQueueFull)

	close(block)
}
