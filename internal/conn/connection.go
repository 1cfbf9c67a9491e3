// Package conn implements the per-connection state machine: it owns a
// socket's ring buffer, write buffer, per-request arena, and inline
// ParamArray, and drives one request through parsing, routing, script
// invocation, and response serialization.
//
// A Connection never blocks: every method either returns because more
// input is needed, because a send is still in flight, or because the
// connection closed. The owning worker's event loop is responsible for
// the actual recv/send syscalls and for calling back into OnRecv /
// OnSendProgress as those complete.
package conn

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/keystone-gateway/keystone/internal/arena"
	"github.com/keystone-gateway/keystone/internal/exchange"
	"github.com/keystone-gateway/keystone/internal/httpshim"
	"github.com/keystone-gateway/keystone/internal/metrics"
	"github.com/keystone-gateway/keystone/internal/ring"
	"github.com/keystone-gateway/keystone/internal/router"
	"github.com/keystone-gateway/keystone/internal/script"
)

// State names one position in the per-request lifecycle described in
// spec's connection state table.
type State int

const (
	StateReading State = iota
	StateParsing
	StateMatching
	StateInvoking
	StateSerializing
	StateWriting
	StateResetting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReading:
		return "reading"
	case StateParsing:
		return "parsing"
	case StateMatching:
		return "matching"
	case StateInvoking:
		return "invoking"
	case StateSerializing:
		return "serializing"
	case StateWriting:
		return "writing"
	case StateResetting:
		return "resetting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection owns everything scoped to one accepted socket. It is created
// on accept and destroyed on EOF or I/O failure; it is not safe for
// concurrent use, matching the shared-nothing, one-goroutine-per-worker
// model the rest of the gateway follows.
type Connection struct {
	ID int
	Fd int

	state State

	read  *ring.Buffer
	write []byte
	sent  int

	arena         *arena.Arena
	params        router.ParamArray
	headerScratch []httpshim.Header

	router *router.Router
	bridge *script.Bridge

	metrics  *metrics.Metrics
	logger   *slog.Logger
	workerID int

	// Per-request state carried between drive() steps.
	pendingReq      httpshim.Request
	pendingConsume  int
	pendingRef      router.HandlerRef
	closeAfterWrite bool
}

// New constructs a Connection for an already-accepted socket fd. readBufSize
// and writeBufSize come from Config; router and bridge are the worker's
// shared, long-lived route table and scripting interpreter.
func New(id, fd, readBufSize, writeBufSize int, r *router.Router, bridge *script.Bridge, m *metrics.Metrics, logger *slog.Logger, workerID int) *Connection {
	return &Connection{
		ID:            id,
		Fd:            fd,
		state:         StateReading,
		read:          ring.New(readBufSize),
		write:         make([]byte, 0, writeBufSize),
		arena:         arena.New(writeBufSize),
		headerScratch: make([]httpshim.Header, 0, httpshim.MaxHeaders),
		router:        r,
		bridge:        bridge,
		metrics:       m,
		logger:        logger,
		workerID:      workerID,
	}
}

// State reports the connection's current position in the lifecycle.
func (c *Connection) State() State { return c.state }

// ReadBuffer exposes the ring buffer a recv completion writes into: the
// event loop calls ReadBuffer().Writable() to get the target slice, issues
// the recv syscall, then reports the result via OnRecv.
func (c *Connection) ReadBuffer() *ring.Buffer { return c.read }

// OnRecv reports a completed recv: n bytes were written into
// ReadBuffer().Writable() (already committed by the caller is not
// required — OnRecv commits them). n == 0 means EOF. It returns true once
// the connection has transitioned to Closed.
func (c *Connection) OnRecv(n int) bool {
	if n <= 0 {
		c.transitionClosed()
		return true
	}
	c.metrics.BytesRead.Add(int64(n))
	c.read.CommitWrite(n)
	c.state = StateParsing
	return c.drive()
}

// drive advances the state machine without blocking, stopping as soon as
// it needs more input (back to Reading), has a response ready to send
// (Writing), or has closed.
func (c *Connection) drive() bool {
	for {
		switch c.state {
		case StateParsing:
			req, n, outcome := httpshim.Parse(c.read.Readable(), c.headerScratch)
			switch outcome {
			case httpshim.Incomplete:
				c.state = StateReading
				return false
			case httpshim.Invalid:
				// The ring buffer's contents past this point cannot be
				// reliably re-synchronized to a request boundary, so the
				// connection closes after the response is flushed.
				c.writeResponse(400, nil, []byte(statusText(400)))
				c.closeAfterWrite = true
				c.state = StateWriting
				return false
			case httpshim.Complete:
				c.pendingReq = req
				c.pendingConsume = n
				c.state = StateMatching
			}

		case StateMatching:
			ref, ok := c.router.Match(string(c.pendingReq.Method), c.pendingReq.Path, &c.params)
			if !ok {
				// Per spec's Open Question (a): a 404 does not send
				// Connection: close and the connection stays keep-alive.
				c.writeResponse(404, nil, []byte(statusText(404)))
				c.read.Consume(c.pendingConsume)
				c.closeAfterWrite = false
				c.state = StateWriting
				continue
			}
			c.pendingRef = ref
			c.state = StateInvoking

		case StateInvoking:
			ex, err := c.bridge.Invoke(
				c.pendingRef,
				c.pendingReq.Method,
				c.pendingReq.Path,
				c.pendingReq.Body,
				c.pendingReq.Headers,
				&c.params,
				c.arena.Copy,
			)
			if err != nil {
				c.metrics.ScriptErrors.Add(1)
				c.logger.Error("script handler failed",
					"worker_id", c.workerID,
					"conn_fd", c.Fd,
					"method", string(c.pendingReq.Method),
					"path", string(c.pendingReq.Path),
					"error", err,
				)
				c.writeResponse(500, nil, []byte(statusText(500)))
				c.read.Consume(c.pendingConsume)
				// A ref that was never registered indicates a bridge/router
				// mismatch the connection cannot recover from; every other
				// failure (script runtime error, bad status) keeps the
				// connection alive per spec's failure-semantics table.
				c.closeAfterWrite = errors.Is(err, script.ErrHandlerNotCallable)
				c.state = StateWriting
				continue
			}
			c.writeResponse(ex.Status, ex.RespHeaders, ex.RespBody)
			c.read.Consume(c.pendingConsume)
			c.closeAfterWrite = false
			c.state = StateWriting
			return false

		default:
			return c.state == StateClosed
		}
	}
}

// Overflow reports that the ring buffer filled without the parser ever
// finding a complete request line and header block — the request exceeded
// the configured read buffer. Per the oversized-request disposition, it
// writes a 400 response and closes the connection once that response has
// flushed.
func (c *Connection) Overflow() {
	c.writeResponse(400, nil, []byte(statusText(400)))
	c.closeAfterWrite = true
	c.state = StateWriting
}

// PendingWrite returns the unsent tail of the current response. The event
// loop submits this slice to a send syscall and reports progress via
// OnSendProgress.
func (c *Connection) PendingWrite() []byte {
	return c.write[c.sent:]
}

// OnSendProgress reports that n bytes of PendingWrite were sent. Once the
// whole response has been flushed, it resets the connection for the next
// request and, if a pipelined request is already fully buffered, drives
// it immediately without waiting on another recv. It returns true once
// the connection has transitioned to Closed.
func (c *Connection) OnSendProgress(n int) bool {
	c.metrics.BytesWritten.Add(int64(n))
	c.sent += n
	if c.sent < len(c.write) {
		return false
	}

	if c.closeAfterWrite {
		c.transitionClosed()
		return true
	}

	c.state = StateResetting
	c.resetForNextRequest()

	if len(c.read.Readable()) > 0 {
		c.state = StateParsing
		return c.drive()
	}
	c.state = StateReading
	return false
}

// resetForNextRequest implements spec's resetting discipline: arena reset
// retaining capacity, ParamArray length zeroed, write cursor zeroed. The
// ring buffer is left alone here — any unconsumed bytes are a pipelined
// request already in flight, not discarded.
func (c *Connection) resetForNextRequest() {
	c.arena.Reset()
	c.params.Reset()
	c.write = c.write[:0]
	c.sent = 0
}

func (c *Connection) transitionClosed() {
	c.state = StateClosed
	c.metrics.ConnectionsClosed.Add(1)
}

// writeResponse serializes status, headers, and body into the write
// buffer: status line, headers, a mandatory Content-Length, a blank line,
// then body. It always starts from an empty write buffer — at most one
// response occupies it at a time.
func (c *Connection) writeResponse(status int, headers []exchange.Header, body []byte) {
	c.metrics.ObserveStatus(status)

	buf := c.write[:0]
	buf = append(buf, "HTTP/1.1 "...)
	buf = strconv.AppendInt(buf, int64(status), 10)
	buf = append(buf, ' ')
	buf = append(buf, statusText(status)...)
	buf = append(buf, "\r\n"...)

	for _, h := range headers {
		buf = append(buf, h.Name...)
		buf = append(buf, ": "...)
		buf = append(buf, h.Value...)
		buf = append(buf, "\r\n"...)
	}

	buf = append(buf, "Content-Length: "...)
	buf = strconv.AppendInt(buf, int64(len(body)), 10)
	buf = append(buf, "\r\n\r\n"...)
	buf = append(buf, body...)

	c.write = buf
	c.sent = 0
}

// statusText maps a status code to its reason phrase, per spec's status
// text map. Any status outside the map's entries reads "Unknown".
func statusText(status int) string {
	switch status {
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 500:
		return "Internal Server Error"
	default:
		return "Unknown"
	}
}
