package kvservice

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/frigg/pkg/reactor"
)

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

func doRequest(t *testing.T, addr net.Addr, path string) *textproto.Reader {
	t.Helper()
	c, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	fmt.Fprintf(c, "GET /%s HTTP/1.1\r\n\r\n", path)
	return textproto.NewReader(bufio.NewReader(c))
}

func TestLookupHitReturnsValue(t *testing.T) {
	m := reactor.NewManager(2)
	svc := New(m, 0)
	svc.Table().Insert(0, 42, 1234)
	stop := startManager(t, m)
	defer stop()

	addr, ok := m.ListenerAddr(0)
	require.True(t, ok)

	r := doRequest(t, addr, "42")
	status, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK", status)

	headers, err := r.ReadMIMEHeader()
	require.NoError(t, err)
	assert.Equal(t, "4", headers.Get("Content-Length"))

	body := make([]byte, 4)
	_, err = r.R.Read(body)
	require.NoError(t, err)
	assert.Equal(t, "1234", string(body))
}

func TestLookupMissReturnsEmptyBodyWithExplanation(t *testing.T) {
	m := reactor.NewManager(2)
	New(m, 0)
	stop := startManager(t, m)
	defer stop()

	addr, ok := m.ListenerAddr(0)
	require.True(t, ok)

	r := doRequest(t, addr, "7")
	status, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK", status)

	headers, err := r.ReadMIMEHeader()
	require.NoError(t, err)
	assert.Equal(t, "0", headers.Get("Content-Length"))
}

func TestNonNumericAddressReturnsEmptyOK(t *testing.T) {
	m := reactor.NewManager(2)
	New(m, 0)
	stop := startManager(t, m)
	defer stop()

	addr, ok := m.ListenerAddr(0)
	require.True(t, ok)

	r := doRequest(t, addr, "notanumber")
	status, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK", status)
}
