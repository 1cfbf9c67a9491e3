// Package httpshim adapts a push-mode HTTP/1.1 request-line-and-headers
// scanner to the ring buffer's streaming read model. It never copies: every
// span returned is a direct subslice of the caller-supplied buffer and
// stays valid exactly as long as the spec's ring buffer invariant promises
// ("spans... remain valid until the next consume or reset").
package httpshim

import "bytes"

// MaxHeaders bounds the number of header pairs one request may carry. A
// 101st header makes the request Invalid rather than being silently
// dropped, the same fail-closed posture the ring buffer takes on overflow.
const MaxHeaders = 100

// Header is a single (name, value) span pair borrowed from the scanned
// buffer.
type Header struct {
	Name  []byte
	Value []byte
}

// Request holds every span the shim extracts from one HTTP/1.1 request.
type Request struct {
	Method       []byte
	Path         []byte
	MinorVersion int
	Headers      []Header
	Body         []byte
}

// Outcome classifies the result of one Parse call.
type Outcome int

const (
	// Incomplete means the buffer does not yet hold a full request; the
	// caller should resubmit a recv into the ring buffer's tail and retry
	// without consuming any bytes.
	Incomplete Outcome = iota
	// Complete means Request is fully populated and bytesConsumed bytes
	// (request line + headers + the Content-Length body; any bytes after
	// that belong to the next request) should be passed to the ring
	// buffer's Consume.
	Complete
	// Invalid means the bytes scanned so far cannot be a well-formed
	// HTTP/1.1 request; the caller should respond 400 and close.
	Invalid
)

// Parse scans data — the ring buffer's current readable slice — for one
// complete HTTP/1.1 request: request line, headers (up to MaxHeaders), and
// as much of the body as Content-Length calls for and is already present.
//
// If the body is not yet fully buffered, Parse returns Incomplete even
// though the request line and headers were well-formed; the caller must
// resubmit recv and call Parse again against the larger readable slice.
//
// headerScratch is connection-owned storage reused across requests (pass
// it with length 0, capacity >= MaxHeaders) so a successful parse never
// allocates a headers slice on the hot path.
func Parse(data []byte, headerScratch []Header) (Request, int, Outcome) {
	var req Request

	lineEnd := bytes.Index(data, []byte("\r\n"))
	if lineEnd < 0 {
		return req, 0, Incomplete
	}

	line := data[:lineEnd]
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 < 0 {
		return req, 0, Invalid
	}
	rest := line[sp1+1:]
	sp2 := bytes.IndexByte(rest, ' ')
	if sp2 < 0 {
		return req, 0, Invalid
	}
	method := line[:sp1]
	path := rest[:sp2]
	version := rest[sp2+1:]

	minor, ok := parseHTTPVersion(version)
	if !ok {
		return req, 0, Invalid
	}
	if len(method) == 0 || len(path) == 0 {
		return req, 0, Invalid
	}

	req.Method = method
	req.Path = path
	req.MinorVersion = minor

	offset := lineEnd + 2
	headers := headerScratch[:0]

	for {
		nl := bytes.Index(data[offset:], []byte("\r\n"))
		if nl < 0 {
			return req, 0, Incomplete
		}
		if nl == 0 {
			// Blank line: end of headers.
			offset += 2
			break
		}

		hdrLine := data[offset : offset+nl]
		colon := bytes.IndexByte(hdrLine, ':')
		if colon < 0 {
			return req, 0, Invalid
		}
		name := trimOWS(hdrLine[:colon])
		value := trimOWS(hdrLine[colon+1:])
		if len(name) == 0 {
			return req, 0, Invalid
		}

		if len(headers) >= MaxHeaders {
			return req, 0, Invalid
		}
		headers = append(headers, Header{Name: name, Value: value})

		offset += nl + 2
	}

	req.Headers = headers

	contentLength := headerContentLength(headers)
	bodyAvailable := data[offset:]
	if len(bodyAvailable) < contentLength {
		return req, 0, Incomplete
	}

	req.Body = bodyAvailable[:contentLength]
	return req, offset + contentLength, Complete
}

// parseHTTPVersion parses "HTTP/1.x" and returns x. Anything else is
// invalid; this gateway speaks HTTP/1.1 only (and tolerates HTTP/1.0
// requests, responding as if keep-alive were requested per spec's scope).
func parseHTTPVersion(v []byte) (int, bool) {
	const prefix = "HTTP/1."
	if len(v) != len(prefix)+1 || string(v[:len(prefix)]) != prefix {
		return 0, false
	}
	d := v[len(prefix)]
	if d < '0' || d > '9' {
		return 0, false
	}
	return int(d - '0'), true
}

func trimOWS(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	for len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}
	return b
}

// headerContentLength scans for a Content-Length header, case-insensitive,
// and returns its integer value. Missing or unparsable means 0 — no body
// expected, matching the spec's non-goal of chunked transfer.
func headerContentLength(headers []Header) int {
	for _, h := range headers {
		if !equalFoldASCII(h.Name, "Content-Length") {
			continue
		}
		n := 0
		for _, c := range h.Value {
			if c < '0' || c > '9' {
				return 0
			}
			n = n*10 + int(c-'0')
		}
		return n
	}
	return 0
}

func equalFoldASCII(a []byte, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
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
