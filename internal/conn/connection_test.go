package conn_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/keystone-gateway/keystone/internal/conn"
	"github.com/keystone-gateway/keystone/internal/metrics"
	"github.com/keystone-gateway/keystone/internal/router"
	"github.com/keystone-gateway/keystone/internal/script"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestConnection(t *testing.T, luaSrc string) (*conn.Connection, *metrics.Metrics) {
	t.Helper()
	r := router.New()
	b := script.New(r, func(src []byte) []byte {
		dst := make([]byte, len(src))
		copy(dst, src)
		return dst
	})
	t.Cleanup(b.Close)

	if err := b.L.DoString(luaSrc); err != nil {
		t.Fatalf("DoString: %v", err)
	}

	m := metrics.New()
	c := conn.New(1, 42, 4096, 4096, r, b, m, discardLogger(), 0)
	return c, m
}

func feed(c *conn.Connection, data []byte) bool {
	buf := c.ReadBuffer()
	n := copy(buf.Writable(), data)
	return c.OnRecv(n)
}

func flushWrite(c *conn.Connection) []byte {
	out := append([]byte(nil), c.PendingWrite()...)
	c.OnSendProgress(len(out))
	return out
}

func TestConnection_PingRoute(t *testing.T) {
	c, _ := newTestConnection(t, `
keystone.add_route("GET", "/ping", function(ctx)
	ctx.status = 200
	ctx.body = "pong"
end)
`)

	feed(c, []byte("GET /ping HTTP/1.1\r\nHost: x\r\n\r\n"))
	if c.State() != conn.StateWriting {
		t.Fatalf("state = %v, want Writing", c.State())
	}

	resp := flushWrite(c)
	want := "HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\npong"
	if string(resp) != want {
		t.Fatalf("response = %q, want %q", resp, want)
	}
	if c.State() != conn.StateReading {
		t.Fatalf("state after flush = %v, want Reading", c.State())
	}
}

func TestConnection_ParamRoute(t *testing.T) {
	c, _ := newTestConnection(t, `
keystone.add_route("GET", "/users/{id}", function(ctx)
	ctx.status = 200
	ctx.body = ctx.params.id
end)
`)

	feed(c, []byte("GET /users/42 HTTP/1.1\r\n\r\n"))
	resp := flushWrite(c)
	want := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\n42"
	if string(resp) != want {
		t.Fatalf("response = %q, want %q", resp, want)
	}
}

func TestConnection_NoRouteIs404AndStaysKeepAlive(t *testing.T) {
	c, m := newTestConnection(t, `-- no routes registered`)

	feed(c, []byte("GET /missing HTTP/1.1\r\n\r\n"))
	resp := flushWrite(c)
	want := "HTTP/1.1 404 Not Found\r\nContent-Length: 9\r\n\r\nNot Found"
	if string(resp) != want {
		t.Fatalf("response = %q, want %q", resp, want)
	}
	if c.State() != conn.StateReading {
		t.Fatalf("state after 404 flush = %v, want Reading (keep-alive)", c.State())
	}
	if got := m.Requests4xx.Load(); got != 1 {
		t.Fatalf("Requests4xx = %d, want 1", got)
	}
}

func TestConnection_ScriptErrorIs500AndStaysKeepAlive(t *testing.T) {
	c, m := newTestConnection(t, `
keystone.add_route("GET", "/boom", function(ctx)
	error("deliberate failure")
end)
`)

	feed(c, []byte("GET /boom HTTP/1.1\r\n\r\n"))
	resp := flushWrite(c)
	if string(resp[:15]) != "HTTP/1.1 500 In" {
		t.Fatalf("response = %q, want a 500", resp)
	}
	if c.State() != conn.StateReading {
		t.Fatalf("state after 500 flush = %v, want Reading (keep-alive)", c.State())
	}
	if got := m.ScriptErrors.Load(); got != 1 {
		t.Fatalf("ScriptErrors = %d, want 1", got)
	}
}

func TestConnection_MalformedRequestLineIs400AndCloses(t *testing.T) {
	c, _ := newTestConnection(t, `-- no routes registered`)

	feed(c, []byte("GET/ping HTTP/1.1\r\n\r\n"))
	resp := flushWrite(c)
	if string(resp[:15]) != "HTTP/1.1 400 Ba" {
		t.Fatalf("response = %q, want a 400", resp)
	}
	if c.State() != conn.StateClosed {
		t.Fatalf("state after 400 flush = %v, want Closed", c.State())
	}
}

func TestConnection_IncompleteRequestStaysReading(t *testing.T) {
	c, _ := newTestConnection(t, `-- no routes registered`)

	feed(c, []byte("GET /ping HTTP/1.1\r\n"))
	if c.State() != conn.StateReading {
		t.Fatalf("state = %v, want Reading for an incomplete request", c.State())
	}
}

func TestConnection_PipelinedRequestsNoStateBleed(t *testing.T) {
	c, _ := newTestConnection(t, `
keystone.add_route("GET", "/ping", function(ctx)
	if ctx.status == 500 then
		error("should never see stale status")
	end
	ctx.status = 200
	ctx.body = "pong"
end)
`)

	two := "GET /ping HTTP/1.1\r\n\r\nGET /ping HTTP/1.1\r\n\r\n"
	feed(c, []byte(two))

	first := flushWrite(c)
	want := "HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\npong"
	if string(first) != want {
		t.Fatalf("first response = %q, want %q", first, want)
	}

	// The second pipelined request should already have been parsed and
	// ready to flush, without another OnRecv call.
	if c.State() != conn.StateWriting {
		t.Fatalf("state after first flush = %v, want Writing (pipelined request ready)", c.State())
	}

	second := flushWrite(c)
	if string(second) != want {
		t.Fatalf("second response = %q, want %q (byte-identical, no state bleed)", second, want)
	}
	if c.State() != conn.StateReading {
		t.Fatalf("state after second flush = %v, want Reading", c.State())
	}
}
