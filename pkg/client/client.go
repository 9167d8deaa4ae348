// Package client implements the connection facility used to talk to
// either service from the outside: a synchronous Send that blocks for
// the matching response, and an asynchronous SendAsync that enqueues a
// callback and returns immediately. Both sit on the same FIFO
// response-callback queue, registered before the request bytes go out
// so a response racing ahead of the registration can never be dropped.
package client

import (
	"errors"
	"net"
	"sync"

	"github.com/grafana/frigg/pkg/bytebuffer"
	"github.com/grafana/frigg/pkg/conn"
	"github.com/grafana/frigg/pkg/httpparser"
	"github.com/grafana/frigg/pkg/util/log"
)

// ErrConnectionClosed is returned to any response callback still queued
// when the underlying connection's read loop exits.
var ErrConnectionClosed = errors.New("client: connection closed")

// ResponseCallback is invoked once per response, in the same order the
// matching requests were sent.
type ResponseCallback func(resp *httpparser.Response, err error)

// Client is one outbound connection to a service, dispatching responses
// to callbacks in request order.
type Client struct {
	conn *conn.Connection

	mu  sync.Mutex
	cbs []ResponseCallback
}

// Connect dials addr (host:port) and starts reading responses from it.
func Connect(addr string) (*Client, error) {
	netConn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	cl := &Client{}
	cl.conn = conn.New(netConn, cl.readDone)
	cl.conn.SetOnClose(cl.drain)
	cl.conn.Start()
	return cl, nil
}

// drain fires every callback still queued once the connection's read
// loop has exited, so a Send blocked in wg.Wait never hangs forever.
func (cl *Client) drain() {
	cl.mu.Lock()
	pending := cl.cbs
	cl.cbs = nil
	cl.mu.Unlock()

	for _, cb := range pending {
		cb(nil, ErrConnectionClosed)
	}
}

func (cl *Client) readDone(c *conn.Connection) bool {
	for {
		var resp httpparser.Response
		it := c.In().Begin()
		rc := httpparser.ParseResponse(it, &resp)
		switch {
		case rc == httpparser.Malformed:
			log.Logger.Log("msg", "error parsing response")
			return false
		case rc == httpparser.NeedMore:
			return true
		default:
			c.In().Consume(it.BytesRead())
			cl.dispatch(&resp, nil)
			if c.In().Len() == 0 {
				return true
			}
		}
	}
}

func (cl *Client) dispatch(resp *httpparser.Response, err error) {
	cl.mu.Lock()
	var cb ResponseCallback
	if len(cl.cbs) > 0 {
		cb = cl.cbs[0]
		cl.cbs = cl.cbs[1:]
	}
	cl.mu.Unlock()

	if cb != nil {
		cb(resp, err)
	}
}

// SendAsync enqueues cb to receive the response to req, then writes req
// onto the wire. cb fires on the connection's read-loop goroutine, in
// the same order requests were sent.
func (cl *Client) SendAsync(req *httpparser.Request, cb ResponseCallback) {
	cl.mu.Lock()
	cl.cbs = append(cl.cbs, cb)
	cl.mu.Unlock()

	buf := bytebuffer.New()
	req.ToBuffer(buf)

	w := cl.conn.LockWriter()
	w.Write(buf.Bytes())
	w.Unlock()

	if err := cl.conn.Flush(); err != nil {
		log.Logger.Log("msg", "error flushing request", "err", err)
	}
}

// Send is SendAsync's blocking dual: it sends req and waits for the
// matching response.
func (cl *Client) Send(req *httpparser.Request) (*httpparser.Response, error) {
	var wg sync.WaitGroup
	wg.Add(1)

	var result *httpparser.Response
	var resultErr error
	cl.SendAsync(req, func(resp *httpparser.Response, err error) {
		result = resp
		resultErr = err
		wg.Done()
	})

	wg.Wait()
	return result, resultErr
}

// Close releases the client's reference to its connection. Any response
// callbacks still queued at the moment the read loop exits are invoked
// with ErrConnectionClosed instead of being silently dropped.
func (cl *Client) Close() {
	cl.conn.Close()
}
