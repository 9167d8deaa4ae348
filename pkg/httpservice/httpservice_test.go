package httpservice

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/frigg/pkg/reactor"
)

type mapSource map[string][]byte

func (m mapSource) Load(name string) ([]byte, error) {
	if b, ok := m[name]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("no such file: %s", name)
}

func startManager(t *testing.T, m *reactor.Manager) func() {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.StartAsync(ctx))
	require.NoError(t, m.AwaitRunning(ctx))
	return func() {
		m.StopAsync()
		require.NoError(t, m.AwaitTerminated(context.Background()))
	}
}

// doRequest dials a new connection, sends one request, and returns both
// the connection (so the caller can close it once done) and a reader
// over its response. Closing the connection matters more here than it
// would against net/http: the service holds one reactor worker id for
// as long as a connection stays open (see reactor.Manager.AcquireWorkerID),
// so a test that wants to open more than NumWorkers connections across
// its lifetime must close each one before the next is dialed.
func doRequest(t *testing.T, addr net.Addr, path string) (net.Conn, *textproto.Reader) {
	t.Helper()
	c, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	fmt.Fprintf(c, "GET /%s HTTP/1.1\r\n\r\n", path)
	return c, textproto.NewReader(bufio.NewReader(c))
}

func TestServesKnownFile(t *testing.T) {
	m := reactor.NewManager(2)
	svc := New(m, 0, mapSource{"hello.html": []byte("hello world")})
	stop := startManager(t, m)
	defer stop()

	addr, ok := m.ListenerAddr(0)
	require.True(t, ok)

	c, r := doRequest(t, addr, "hello.html")
	defer c.Close()
	status, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK", status)

	headers, err := r.ReadMIMEHeader()
	require.NoError(t, err)
	assert.Equal(t, "11", headers.Get("Content-Length"))

	_ = svc
}

func TestUnknownFileReturnsServiceUnavailable(t *testing.T) {
	m := reactor.NewManager(2)
	New(m, 0, mapSource{})
	stop := startManager(t, m)
	defer stop()

	addr, ok := m.ListenerAddr(0)
	require.True(t, ok)

	c, r := doRequest(t, addr, "nope.html")
	defer c.Close()
	status, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 503 Service Unavailable", status)
}

func TestStatsReportsRequestCount(t *testing.T) {
	m := reactor.NewManager(2)
	svc := New(m, 0, mapSource{"a.html": []byte("a")})
	stop := startManager(t, m)
	defer stop()

	addr, ok := m.ListenerAddr(0)
	require.True(t, ok)

	for i := 0; i < 3; i++ {
		c, _ := doRequest(t, addr, "a.html")
		c.Close()
	}

	assert.Eventually(t, func() bool {
		return svc.Stats().GetStats(time.Now()) >= 3
	}, time.Second, 10*time.Millisecond)

	c, r := doRequest(t, addr, "stats")
	defer c.Close()
	status, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK", status)
}

func TestQuitStopsManager(t *testing.T) {
	m := reactor.NewManager(2)
	New(m, 0, mapSource{})
	ctx := context.Background()
	require.NoError(t, m.StartAsync(ctx))
	require.NoError(t, m.AwaitRunning(ctx))

	addr, ok := m.ListenerAddr(0)
	require.True(t, ok)

	c, _ := doRequest(t, addr, "quit")
	defer c.Close()

	require.NoError(t, m.AwaitTerminated(context.Background()))
}
