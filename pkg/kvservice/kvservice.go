// Package kvservice implements the key/value service: GET requests
// whose address is a decimal uint32 key are answered from a lock-free
// hash table, alongside the same "quit" and "stats" special addresses
// the HTTP service recognizes. The wire protocol has no insert
// operation; the table is populated by whatever process owns the
// server (tests, a loader, a benchmark client) calling Table().Insert
// directly.
package kvservice

import (
	"net"
	"strconv"
	"time"

	"github.com/grafana/frigg/pkg/conn"
	"github.com/grafana/frigg/pkg/httpparser"
	"github.com/grafana/frigg/pkg/lockfreehash"
	"github.com/grafana/frigg/pkg/reactor"
	"github.com/grafana/frigg/pkg/reqstats"
	"github.com/grafana/frigg/pkg/util/log"
)

const notFoundBody = "value corresponding to the key not found\r\n"

// Service routes requests arriving on connections accepted by a
// reactor.Manager to the quit/stats/key-lookup handlers.
type Service struct {
	manager *reactor.Manager
	table   *lockfreehash.Table[uint32]
	stats   *reqstats.Stats
}

// New returns a Service bound to manager and listening on port. The
// table is sized for manager's worker pool, the same thread count used
// for hazard-pointer reclamation.
func New(manager *reactor.Manager, port int) *Service {
	s := &Service{
		manager: manager,
		table:   lockfreehash.New[uint32](manager.NumWorkers()),
		stats:   reqstats.New(manager.NumWorkers()),
	}
	manager.RegisterAcceptor(port, s.acceptConnection)
	return s
}

// Table returns the backing hash table, so callers can seed or inspect
// it outside the request path.
func (s *Service) Table() *lockfreehash.Table[uint32] { return s.table }

// Stats returns the request-rate tracker.
func (s *Service) Stats() *reqstats.Stats { return s.stats }

// acceptConnection hands the new connection an exclusively-owned
// worker id for its lifetime: pkg/hazard and pkg/reqstats both require
// that only the thread holding id ever calls in with it, which a
// round-robin counter can't guarantee once more connections are live
// than there are worker ids (two read loops would then share a slot
// and race each other's hazard-pointer bookkeeping). Acquiring blocks
// until a slot frees, so the number of concurrently-live KV
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
		writeOK(c, strconv.FormatUint(uint64(n), 10))
		if err := c.Flush(); err != nil {
			log.Logger.Log("msg", "error flushing response", "err", err)
		}
		return true
	}

	key, err := strconv.ParseUint(req.Address, 10, 32)
	if err != nil {
		writeOK(c, "")
	} else if value, ok := s.table.Lookup(workerID, uint32(key)); ok {
		writeOK(c, strconv.FormatUint(uint64(value), 10))
	} else {
		writeOKRaw(c, notFoundBody)
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
	w.Write([]byte("Date: " + time.Now().UTC().Format(time.RFC1123) + "\r\n"))
	w.Write([]byte("Server: frigg\r\n"))
	w.Write([]byte("Accept-Ranges: bytes\r\n"))
	w.Write([]byte("Content-Length: " + strconv.Itoa(len(body)) + "\r\n"))
	w.Write([]byte("Content-Type: text/html\r\n"))
	w.Write([]byte("\r\n"))
	w.Write([]byte(body))
	w.Unlock()
}

// writeOKRaw is writeOK for the not-found explanatory line, which the
// original sends with Content-Length: 0 even though a body follows —
// the miss response is "0 bytes of value, plus an explanatory line that
// isn't counted as the value".
func writeOKRaw(c *conn.Connection, body string) {
	w := c.LockWriter()
	w.Write([]byte("HTTP/1.1 200 OK\r\n"))
	w.Write([]byte("Date: " + time.Now().UTC().Format(time.RFC1123) + "\r\n"))
	w.Write([]byte("Server: frigg\r\n"))
	w.Write([]byte("Accept-Ranges: bytes\r\n"))
	w.Write([]byte("Content-Length: 0\r\n"))
	w.Write([]byte("Content-Type: text/html\r\n"))
	w.Write([]byte("\r\n"))
	w.Write([]byte(body))
	w.Unlock()
}
