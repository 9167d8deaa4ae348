// Package httpservice implements the file-serving HTTP service: a
// "quit" address stops the owning reactor, a "stats" address reports
// the request rate, and any other address is served out of a bounded
// file cache. Every service in this repository shares the same
// connection-handling shape; this package supplies the routing and
// response formatting half of it.
package httpservice

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/grafana/frigg/pkg/conn"
	"github.com/grafana/frigg/pkg/filecache"
	"github.com/grafana/frigg/pkg/httpparser"
	"github.com/grafana/frigg/pkg/reactor"
	"github.com/grafana/frigg/pkg/reqstats"
	"github.com/grafana/frigg/pkg/util/log"
)

// DefaultCacheSize is the file cache's byte budget, matching the
// original's 50MB default.
const DefaultCacheSize = 50 << 20

// Service routes HTTP-shaped requests arriving on connections accepted
// by a reactor.Manager to the quit/stats/file-cache handlers.
type Service struct {
	manager *reactor.Manager
	cache   *filecache.Cache
	stats   *reqstats.Stats
}

// New returns a Service bound to manager and listening on port, serving
// files through source and tracking request rate across manager's
// worker pool. It must be called before manager is started.
func New(manager *reactor.Manager, port int, source filecache.Source) *Service {
	return NewWithCacheSize(manager, port, source, DefaultCacheSize)
}

// NewWithCacheSize is New with an explicit file cache byte budget.
func NewWithCacheSize(manager *reactor.Manager, port int, source filecache.Source, cacheSize int64) *Service {
	s := &Service{
		manager: manager,
		cache:   filecache.New(cacheSize, source),
		stats:   reqstats.New(manager.NumWorkers()),
	}
	manager.RegisterAcceptor(port, s.acceptConnection)
	return s
}

// Stats returns the request-rate tracker, for tests and metrics wiring.
func (s *Service) Stats() *reqstats.Stats { return s.stats }

// acceptConnection hands the new connection an exclusively-owned
// worker id for its lifetime: pkg/hazard and pkg/reqstats both require
// that only the thread holding id ever calls in with it, which a
// round-robin counter can't guarantee once more connections are live
// than there are worker ids (two read loops would then share a slot
// and race each other's hazard-pointer bookkeeping). Acquiring blocks
// until a slot frees, so the number of concurrently-live HTTP
// connections is bounded by manager.NumWorkers(), same as the
// original's fixed-size worker pool.
func (s *Service) acceptConnection(netConn net.Conn) {
	workerID := s.manager.AcquireWorkerID()
	c := conn.New(netConn, func(c *conn.Connection) bool {
		return s.readDone(c, workerID)
	})
	c.SetOnClose(func() { s.manager.ReleaseWorkerID(workerID) })
	c.Start()
}

func (s *Service) readDone(c *conn.Connection, workerID int) bool {
	for {
		var req httpparser.Request
		it := c.In().Begin()
		rc := httpparser.ParseRequest(it, &req)
		switch {
		case rc == httpparser.Malformed:
			log.Logger.Log("msg", "error parsing request")
			return false
		case rc == httpparser.NeedMore:
			return true
		default:
			c.In().Consume(it.BytesRead())
			if !s.handleRequest(c, &req, workerID) {
				return false
			}
			if c.In().Len() == 0 {
				return true
			}
		}
	}
}

func (s *Service) handleRequest(c *conn.Connection, req *httpparser.Request, workerID int) bool {
	if req.Address == "quit" {
		log.Logger.Log("msg", "server stop requested")
		s.manager.StopAsync()
		return false
	}

	if req.Address == "stats" {
		n := s.stats.GetStats(time.Now())
		body := strconv.FormatUint(uint64(n), 10)
		writeOK(c, body)
		if err := c.Flush(); err != nil {
			log.Logger.Log("msg", "error flushing response", "err", err)
		}
		return true
	}

	address := req.Address
	if address == "" {
		address = "index.html"
	}

	buf, handle, err := s.cache.Pin(address)
	if err == nil && handle != "" {
		w := c.LockWriter()
		w.Write([]byte("HTTP/1.1 200 OK\r\n"))
		w.Write([]byte("Date: " + rfc1123() + "\r\n"))
		w.Write([]byte("Server: frigg\r\n"))
		w.Write([]byte("Accept-Ranges: bytes\r\n"))
		w.Write([]byte(fmt.Sprintf("Content-Length: %d\r\n", buf.Len())))
		w.Write([]byte("Content-Type: text/html\r\n"))
		w.Write([]byte("\r\n"))
		w.Write(buf.Bytes())
		w.Unlock()
		s.cache.Unpin(handle)
	} else {
		writeServiceUnavailable(c)
	}

	s.stats.FinishedRequest(workerID, time.Now())

	if flushErr := c.Flush(); flushErr != nil {
		log.Logger.Log("msg", "error flushing response", "err", flushErr)
	}
	return true
}

func writeOK(c *conn.Connection, body string) {
	w := c.LockWriter()
	w.Write([]byte("HTTP/1.1 200 OK\r\n"))
	w.Write([]byte("Date: " + rfc1123() + "\r\n"))
	w.Write([]byte("Server: frigg\r\n"))
	w.Write([]byte("Accept-Ranges: bytes\r\n"))
	w.Write([]byte(fmt.Sprintf("Content-Length: %d\r\n", len(body))))
	w.Write([]byte("Content-Type: text/html\r\n"))
	w.Write([]byte("\r\n"))
	w.Write([]byte(body))
	w.Unlock()
}

func writeServiceUnavailable(c *conn.Connection) {
	const html = "<HTML>\r\n<HEAD><TITLE>503 Service Unavailable</TITLE></HEAD>\r\n<BODY>Service Unavailable</BODY>\r\n</HTML>\r\n"
	w := c.LockWriter()
	w.Write([]byte("HTTP/1.1 503 Service Unavailable\r\n"))
	w.Write([]byte("Date: " + rfc1123() + "\r\n"))
	w.Write([]byte("Server: frigg\r\n"))
	w.Write([]byte("Connection: close\r\n"))
	w.Write([]byte(fmt.Sprintf("Content-Length: %d\r\n", len(html))))
	w.Write([]byte("Content-Type: text/html; charset=iso-8859-1\r\n"))
	w.Write([]byte("\r\n"))
	w.Write([]byte(html))
	w.Unlock()
}

func rfc1123() string {
	return time.Now().UTC().Format(time.RFC1123)
}
