// Package httpparser is the fragment-tolerant HTTP-shaped message
// parser used by both services. Per this repository's scope, the wire
// grammar itself is treated as a solved problem: Parser is an oracle
// that reports "need more bytes", "one message consumed", or
// "malformed" and nothing fancier (no chunked transfer, no trailers, no
// HTTP/1.1 keep-alive beyond serial pipelining on one connection).
package httpparser

import (
	"bufio"
	"bytes"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/grafana/frigg/pkg/bytebuffer"
)

// Request is a parsed request line plus headers and body.
type Request struct {
	Method  string
	Address string // path, without the leading slash
	Version string
	Headers textproto.MIMEHeader
	Body    []byte
}

// Response is a parsed status line plus headers and body.
type Response struct {
	Version    string
	StatusCode int
	Status     string
	Headers    textproto.MIMEHeader
	Body       []byte
}

// ToBuffer serializes the request line plus its body onto w, the wire
// form a client connection writes out. Requests built by a client have
// no headers beyond Content-Length, which is added here from len(Body).
func (r *Request) ToBuffer(w *bytebuffer.Buffer) {
	method := r.Method
	if method == "" {
		method = "GET"
	}
	version := r.Version
	if version == "" {
		version = "HTTP/1.1"
	}
	w.Write([]byte(method + " /" + r.Address + " " + version + "\r\n"))
	if len(r.Body) > 0 {
		w.Write([]byte("Content-Length: " + strconv.Itoa(len(r.Body)) + "\r\n"))
	}
	w.Write([]byte("\r\n"))
	w.Write(r.Body)
}

// Outcome values returned by ParseRequest/ParseResponse.
const (
	Malformed   = -1
	Complete    = 0
	NeedMore    = 1
)

// ParseRequest attempts to parse one request starting at it's current
// position. On Complete it advances it past the parsed message. On
// NeedMore it leaves it untouched so a later call, once more bytes have
// arrived, can retry from scratch.
func ParseRequest(it *bytebuffer.Iterator, req *Request) int {
	raw := it.Peek()

	headerEnd := bytes.Index(raw, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		if len(raw) > maxHeaderSize {
			return Malformed
		}
		return NeedMore
	}

	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw[:headerEnd+4])))
	line, err := reader.ReadLine()
	if err != nil {
		return Malformed
	}

	fields := strings.Fields(line)
	if len(fields) != 3 {
		return Malformed
	}
	req.Method, req.Address, req.Version = fields[0], strings.TrimPrefix(fields[1], "/"), fields[2]

	headers, err := reader.ReadMIMEHeader()
	if err != nil && len(headers) == 0 {
		return Malformed
	}
	req.Headers = headers

	bodyStart := headerEnd + 4
	bodyLen := contentLength(headers)
	if len(raw) < bodyStart+bodyLen {
		return NeedMore
	}

	req.Body = append([]byte(nil), raw[bodyStart:bodyStart+bodyLen]...)
	it.Advance(bodyStart + bodyLen)
	return Complete
}

// ParseResponse is ParseRequest's mirror image for the client facility.
func ParseResponse(it *bytebuffer.Iterator, resp *Response) int {
	raw := it.Peek()

	headerEnd := bytes.Index(raw, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		if len(raw) > maxHeaderSize {
			return Malformed
		}
		return NeedMore
	}

	reader := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw[:headerEnd+4])))
	line, err := reader.ReadLine()
	if err != nil {
		return Malformed
	}

	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 {
		return Malformed
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return Malformed
	}
	resp.Version = fields[0]
	resp.StatusCode = code
	if len(fields) == 3 {
		resp.Status = fields[2]
	}

	headers, err := reader.ReadMIMEHeader()
	if err != nil && len(headers) == 0 {
		return Malformed
	}
	resp.Headers = headers

	bodyStart := headerEnd + 4
	bodyLen := contentLength(headers)
	if len(raw) < bodyStart+bodyLen {
		return NeedMore
	}

	resp.Body = append([]byte(nil), raw[bodyStart:bodyStart+bodyLen]...)
	it.Advance(bodyStart + bodyLen)
	return Complete
}

// maxHeaderSize bounds how much unterminated header data we'll buffer
// before giving up on a connection sending us garbage.
const maxHeaderSize = 64 * 1024

func contentLength(h textproto.MIMEHeader) int {
	v := h.Get("Content-Length")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
