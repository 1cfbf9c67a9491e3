// Package metrics tracks operational counters for the gateway's worker
// pool and exposes them in the Prometheus text exposition format. Every
// field updates atomically, so a handler running on the admin server can
// read them concurrently with the workers that increment them, without any
// additional lock.
//
// # Metric catalogue
//
//	keystone_connections_accepted_total   – counter: connections accepted across all workers
//	keystone_connections_closed_total     – counter: connections torn down (EOF or I/O error)
//	keystone_requests_2xx_total           – counter: responses with a 2xx status
//	keystone_requests_4xx_total           – counter: responses with a 4xx status
//	keystone_requests_5xx_total           – counter: responses with a 5xx status
//	keystone_bytes_read_total             – counter: bytes read from client sockets
//	keystone_bytes_written_total          – counter: bytes written to client sockets
//	keystone_bpf_attach_failures_total    – counter: SO_ATTACH_REUSEPORT_CBPF failures
//	keystone_script_errors_total          – counter: protected-call failures from handlers
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// Metrics holds every counter the gateway exposes. The zero value is ready
// to use; all counters start at zero.
type Metrics struct {
	ConnectionsAccepted atomic.Int64
	ConnectionsClosed   atomic.Int64
	Requests2xx         atomic.Int64
	Requests4xx         atomic.Int64
	Requests5xx         atomic.Int64
	BytesRead           atomic.Int64
	BytesWritten        atomic.Int64
	BPFAttachFailures   atomic.Int64
	ScriptErrors        atomic.Int64
}

// New allocates a Metrics value with every counter at zero.
func New() *Metrics {
	return &Metrics{}
}

// ObserveStatus increments the counter matching status's class (2xx, 4xx,
// 5xx). Statuses outside those three classes are not tracked individually.
func (m *Metrics) ObserveStatus(status int) {
	switch {
	case status >= 200 && status < 300:
		m.Requests2xx.Add(1)
	case status >= 400 && status < 500:
		m.Requests4xx.Add(1)
	case status >= 500 && status < 600:
		m.Requests5xx.Add(1)
	}
}

type metricLine struct {
	help  string
	kind  string
	name  string
	value int64
}

func (m *Metrics) snapshot() []metricLine {
	return []metricLine{
		{"Total number of connections accepted by any worker.", "counter", "keystone_connections_accepted_total", m.ConnectionsAccepted.Load()},
		{"Total number of connections closed (EOF or I/O error).", "counter", "keystone_connections_closed_total", m.ConnectionsClosed.Load()},
		{"Total number of responses with a 2xx status.", "counter", "keystone_requests_2xx_total", m.Requests2xx.Load()},
		{"Total number of responses with a 4xx status.", "counter", "keystone_requests_4xx_total", m.Requests4xx.Load()},
		{"Total number of responses with a 5xx status.", "counter", "keystone_requests_5xx_total", m.Requests5xx.Load()},
		{"Total bytes read from client sockets.", "counter", "keystone_bytes_read_total", m.BytesRead.Load()},
		{"Total bytes written to client sockets.", "counter", "keystone_bytes_written_total", m.BytesWritten.Load()},
		{"Total number of SO_ATTACH_REUSEPORT_CBPF attach failures.", "counter", "keystone_bpf_attach_failures_total", m.BPFAttachFailures.Load()},
		{"Total number of protected-call failures from script handlers.", "counter", "keystone_script_errors_total", m.ScriptErrors.Load()},
	}
}

// Handler returns an http.Handler that writes every counter in Prometheus
// text exposition format on each GET request.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		writeMetrics(w, m.snapshot())
	})
}

func writeMetrics(w io.Writer, lines []metricLine) {
	for _, l := range lines {
		fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.kind)
		fmt.Fprintf(w, "%s %d\n", l.name, l.value)
	}
}
