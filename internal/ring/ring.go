// Package ring implements the fixed-size byte buffer each connection reads
// request bytes into. It is a linear cursor over a preallocated array, not a
// circular buffer: there is no wraparound, because the connection state
// machine sizes it to hold exactly one HTTP/1.1 request.
package ring

import "fmt"

// Buffer owns a fixed-size byte array and two monotonically increasing
// cursors, readPos <= writePos <= capacity. It is not safe for concurrent
// use; each connection owns exactly one.
type Buffer struct {
	data     []byte
	readPos  int
	writePos int
}

// New allocates a Buffer with the given fixed capacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		panic("ring: capacity must be > 0")
	}
	return &Buffer{data: make([]byte, capacity)}
}

// Cap returns the buffer's fixed capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Writable returns the tail slice available for a recv() call to write
// into. Its length shrinks as Commit advances writePos; it never wraps.
func (b *Buffer) Writable() []byte {
	return b.data[b.writePos:]
}

// CommitWrite advances writePos by n, the number of bytes just written into
// the slice returned by Writable. n exceeding len(Writable()) is a
// programming error and panics, matching the contract in the data model:
// "commit_write(n) where n exceeds the writable slice length is a
// programming error."
func (b *Buffer) CommitWrite(n int) {
	if n < 0 || b.writePos+n > len(b.data) {
		panic(fmt.Sprintf("ring: CommitWrite(%d) exceeds writable span (writePos=%d cap=%d)", n, b.writePos, len(b.data)))
	}
	b.writePos += n
}

// Readable returns the head slice of bytes available to the parser.
func (b *Buffer) Readable() []byte {
	return b.data[b.readPos:b.writePos]
}

// Consume advances readPos by n bytes, the number of bytes the caller has
// finished processing. When the buffer becomes fully drained (readPos ==
// writePos) both cursors reset to zero, giving amortized O(1) compaction
// for the common one-request-per-fill case.
func (b *Buffer) Consume(n int) {
	if n < 0 || b.readPos+n > b.writePos {
		panic(fmt.Sprintf("ring: Consume(%d) exceeds readable span (readPos=%d writePos=%d)", n, b.readPos, b.writePos))
	}
	b.readPos += n
	if b.readPos == b.writePos {
		b.readPos = 0
		b.writePos = 0
	}
}

// Full reports whether the writable tail has been exhausted without the
// buffer draining — the connection state machine treats this as an
// oversized-request protocol error.
func (b *Buffer) Full() bool {
	return b.writePos == len(b.data)
}

// Reset drops all buffered content and returns both cursors to zero. A
// connection's *Resetting* transition does not call it: bytes still
// buffered then belong to a pipelined request and are kept.
func (b *Buffer) Reset() {
	b.readPos = 0
	b.writePos = 0
}
