// Package exchange implements HttpExchange, the single object presented to
// user script for one request/response cycle. A worker owns exactly one
// Exchange value, rebound to a different connection's spans for every
// invocation; it is never allocated per request.
package exchange

import "github.com/keystone-gateway/keystone/internal/httpshim"

// Header is a response header the script has written via ctx.headers[name]
// = value. Unlike request headers (borrowed spans into the ring buffer),
// response header values are Go strings already owned independently of the
// script's interpreter state by the time they reach here.
type Header struct {
	Name  string
	Value string
}

// CopyFunc copies src into connection-owned storage (the per-request
// arena) and returns the stable result. Exchange never retains src itself.
type CopyFunc func(src []byte) []byte

// Exchange is the sole view/commit surface the scripting bridge exposes to
// a handler. Read-only fields are borrows into the ring buffer, valid only
// for the duration of one handler invocation; response fields are owned by
// Exchange and cleared (capacity retained) between requests.
type Exchange struct {
	// Read-only request view, bound fresh before every invocation.
	Method      []byte
	Path        []byte
	Body        []byte
	ReqHeaders  []httpshim.Header
	Params      ParamGetter

	// Mutable response fields.
	Status       int
	RespHeaders  []Header
	RespBody     []byte

	copy CopyFunc
}

// ParamGetter is the minimal surface Exchange needs from a route's
// captured parameters; internal/router.ParamArray satisfies it.
type ParamGetter interface {
	Get(name string) ([]byte, bool)
}

// New returns an Exchange with no request bound. copyFn is used to copy a
// script-written response body into connection-owned storage at the
// moment of assignment (see DESIGN.md's Open Question (b) resolution:
// copy-on-write, not copy-on-read or at stack unwind).
func New(copyFn CopyFunc) *Exchange {
	return &Exchange{copy: copyFn}
}

// Bind points the exchange at one request's spans and the connection's
// currently active arena copy function. Called once per invocation, before
// Reset.
func (e *Exchange) Bind(method, path, body []byte, headers []httpshim.Header, params ParamGetter, copyFn CopyFunc) {
	e.Method = method
	e.Path = path
	e.Body = body
	e.ReqHeaders = headers
	e.Params = params
	e.copy = copyFn
}

// Reset restores default response state: status 200, empty body, response
// headers cleared with capacity retained. Called once per invocation,
// after Bind and before the handler runs.
func (e *Exchange) Reset() {
	e.Status = 200
	e.RespBody = e.RespBody[:0]
	e.RespHeaders = e.RespHeaders[:0]
}

// SetResponseBody copies body into connection-owned storage immediately,
// per Open Question (b): the response body is never left pointing at
// interpreter-managed memory past the point of assignment.
func (e *Exchange) SetResponseBody(body []byte) {
	e.RespBody = e.copy(body)
}

// AppendResponseHeader adds a response header. Response header names and
// values are plain Go strings (already independent of interpreter memory
// by the time the bridge hands them here), so no arena copy is needed.
func (e *Exchange) AppendResponseHeader(name, value string) {
	e.RespHeaders = append(e.RespHeaders, Header{Name: name, Value: value})
}

// ResponseHeaderValue returns the last response header value set under
// name, case-insensitively.
func (e *Exchange) ResponseHeaderValue(name string) (string, bool) {
	for i := len(e.RespHeaders) - 1; i >= 0; i-- {
		if equalFold(e.RespHeaders[i].Name, name) {
			return e.RespHeaders[i].Value, true
		}
	}
	return "", false
}

// HeaderValue implements the headers proxy's read semantics: request
// headers are scanned first, then response headers, both
// case-insensitively, matching spec's "scans request headers first, then
// response headers, case-insensitively."
func (e *Exchange) HeaderValue(name string) (string, bool) {
	for _, h := range e.ReqHeaders {
		if equalFoldBytes(h.Name, name) {
			return string(h.Value), true
		}
	}
	return e.ResponseHeaderValue(name)
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func equalFoldBytes(a []byte, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
