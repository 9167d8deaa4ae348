// Package conn implements the connection object shared by the HTTP and
// KV services and their client facilities. It owns the socket, the
// inbound byte buffer a parser walks, and the reference count that
// decides when the socket actually gets closed: a handler invoked on a
// worker goroutine may still be writing a response after the reader has
// seen EOF, and the connection must outlive that write.
//
// The original drove reads and writes through an io_manager event loop
// with explicit startRead/startWrite/readDone/writeDone callbacks,
// because its sockets were nonblocking. Go's net.Conn blocks, so one
// goroutine reading in a loop and calling back into the owner each time
// new bytes arrive does the same job without a reactor-driven state
// machine for the read half. The write half keeps the original's shape
// more directly: a per-connection mutex serializes concurrent writers
// (a handler replying, a client resending) the same way m_write_ did.
package conn

import (
	"net"
	"sync"

	"github.com/google/uuid"
	uberatomic "go.uber.org/atomic"

	"github.com/grafana/frigg/pkg/bytebuffer"
	"github.com/grafana/frigg/pkg/util/log"
)

// OnReadDone is invoked every time new bytes have arrived on the
// connection. It should parse as many complete messages as in.Bytes()
// permits, consuming them, and report whether the connection should
// keep reading. Returning false (or the reader seeing EOF/an error)
// tears the connection down.
type OnReadDone func(c *Connection) bool

// Connection pairs a net.Conn with the inbound buffer its owner's
// parser consumes and a reference count that gates the underlying
// socket's lifetime.
type Connection struct {
	// id correlates this connection's log lines across its lifetime;
	// connections carry no other stable name once accepted.
	id string

	netConn net.Conn

	in *bytebuffer.Buffer

	writeMu sync.Mutex
	out     *bytebuffer.Buffer

	onReadDone OnReadDone
	onClose    func()

	refCount uberatomic.Int32
	closeOnce sync.Once
}

// New wraps netConn. The caller must call Start to begin the read loop
// once onReadDone is ready to be invoked. The connection starts with a
// reference count of one, held by the caller; Close releases it.
func New(netConn net.Conn, onReadDone OnReadDone) *Connection {
	return &Connection{
		id:         uuid.NewString(),
		netConn:    netConn,
		in:         bytebuffer.New(),
		out:        bytebuffer.New(),
		onReadDone: onReadDone,
		refCount:   *uberatomic.NewInt32(1),
	}
}

// ID returns the connection's unique identifier, for correlating log
// lines across its lifetime.
func (c *Connection) ID() string { return c.id }

// SetOnClose registers fn to run once, after the read loop has exited
// for any reason (peer close, read error, or onReadDone returning
// false). It is how a client facility notices a dead connection and
// drains callbacks still waiting on a response that will never arrive.
func (c *Connection) SetOnClose(fn func()) {
	c.onClose = fn
}

// Start begins reading netConn on a new goroutine. It must be called at
// most once.
func (c *Connection) Start() {
	go c.readLoop()
}

func (c *Connection) readLoop() {
	defer c.Close()
	defer func() {
		if c.onClose != nil {
			c.onClose()
		}
	}()

	for {
		_, err := c.in.ReadFrom(c.netConn)
		if err != nil {
			return
		}
		if !c.onReadDone(c) {
			return
		}
	}
}

// In returns the buffer the read loop appends to and the owner's parser
// consumes from. It is only safe to read from the same goroutine that
// onReadDone is invoked on.
func (c *Connection) In() *bytebuffer.Buffer {
	return c.in
}

// Write appends p to the connection's pending output under the write
// mutex, matching the original's m_write_-guarded out_.write calls. It
// implements io.Writer.
func (c *Connection) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.out.Write(p)
}

// Writer holds the write mutex across several appends, so a handler can
// assemble a full response (status line, headers, body) as one atomic
// unit with respect to other writers sharing the connection, exactly as
// the original's m_write_.lock()/unlock() pair bracketed a handler's
// sequence of out_.write calls.
type Writer struct {
	c *Connection
}

// LockWriter acquires the write mutex and returns a Writer. The caller
// must call Unlock when done.
func (c *Connection) LockWriter() *Writer {
	c.writeMu.Lock()
	return &Writer{c: c}
}

// Write appends p to the connection's pending output. It implements
// io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	return w.c.out.Write(p)
}

// Unlock releases the write mutex acquired by LockWriter.
func (w *Writer) Unlock() {
	w.c.writeMu.Unlock()
}

// Flush sends whatever has accumulated in the output buffer and clears
// it. It corresponds to the original's startWrite(): there, queuing a
// nonblocking write kicked off an async state machine; here, net.Conn's
// Write simply blocks until the kernel has accepted every byte.
func (c *Connection) Flush() error {
	c.writeMu.Lock()
	data := c.out.Bytes()
	pending := append([]byte(nil), data...)
	c.out.Consume(len(data))
	c.writeMu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	_, err := c.netConn.Write(pending)
	return err
}

// Acquire increments the reference count, pinning the underlying socket
// open. Callers that hand a *Connection to another goroutine (a pending
// response callback, a retry timer) must Acquire before doing so and
// Release when done.
func (c *Connection) Acquire() {
	c.refCount.Inc()
}

// Release decrements the reference count, closing the socket once it
// reaches zero.
func (c *Connection) Release() {
	if c.refCount.Dec() == 0 {
		c.closeOnce.Do(func() {
			if err := c.netConn.Close(); err != nil {
				log.Logger.Log("msg", "error closing connection", "conn", c.id, "err", err)
			}
		})
	}
}

// Close is Release under the name callers reaching for io.Closer
// semantics expect; the read loop's caller holds the initial reference
// and calls Close once the read loop exits.
func (c *Connection) Close() {
	c.Release()
}

// RemoteAddr returns the address of the peer, or nil if unavailable.
func (c *Connection) RemoteAddr() net.Addr {
	return c.netConn.RemoteAddr()
}
