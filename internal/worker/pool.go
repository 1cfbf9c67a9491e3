// Package worker implements the shard-per-core pool: one worker per
// detected CPU, each owning its own router, scripting interpreter,
// SO_REUSEPORT listener, epoll loop, and connection set. Workers share
// nothing except the read-only config, the metrics counters (lock-free
// atomics), the pool's readiness flag (an atomic.Bool), and the
// BPF-attach barrier.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	ibpf "github.com/keystone-gateway/keystone/internal/bpf"
	"github.com/keystone-gateway/keystone/internal/config"
	"github.com/keystone-gateway/keystone/internal/conn"
	"github.com/keystone-gateway/keystone/internal/eventloop"
	"github.com/keystone-gateway/keystone/internal/listener"
	"github.com/keystone-gateway/keystone/internal/metrics"
	"github.com/keystone-gateway/keystone/internal/router"
	"github.com/keystone-gateway/keystone/internal/script"
)

// Pool owns the fixed set of workers the gateway runs with: one per
// runtime.NumCPU() core, matching spec's shard-per-core model.
type Pool struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	count   int
	ready   atomic.Bool
}

// NewPool sizes a Pool to the number of logical CPUs visible to this
// process.
func NewPool(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Pool {
	return &Pool{cfg: cfg, logger: logger, metrics: m, count: runtime.NumCPU()}
}

// Ready reports whether at least one worker has completed the BPF-attach
// barrier and is listening. It implements admin.Readiness so the
// observability server's /healthz probe reflects actual pool state
// instead of an unconditional liveness stub.
func (p *Pool) Ready() bool { return p.ready.Load() }

// Run starts every worker and blocks until ctx is cancelled or a worker
// fails to bind or load its script, in which case Run returns that error
// after every other worker has wound down.
func (p *Pool) Run(ctx context.Context) error {
	barrier := &ibpf.Barrier{}
	errCh := make(chan error, p.count)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(p.count)
	for id := 0; id < p.count; id++ {
		go func(id int) {
			defer wg.Done()
			w := newWorker(id, p.cfg, p.metrics, p.logger, &p.ready)
			if err := w.run(ctx, p.count, barrier); err != nil {
				errCh <- fmt.Errorf("worker %d: %w", id, err)
				// Wind down the other workers, releasing any still spinning
				// in barrier.Wait behind a worker 0 that never signaled.
				cancel()
				barrier.Signal()
			}
		}(id)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// worker is one shard: its own router, interpreter, listener, and epoll
// loop, touched only from its own goroutine.
type worker struct {
	id      int
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	router *router.Router
	bridge *script.Bridge
	conns  map[int]*conn.Connection

	nextConnID int

	// poolReady is the pool-wide flag this worker sets once its own
	// listener is up; shared across every worker's goroutine so the first
	// one to reach that point marks the whole pool ready.
	poolReady *atomic.Bool
}

func newWorker(id int, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger, poolReady *atomic.Bool) *worker {
	r := router.New()
	b := script.New(r, func(src []byte) []byte {
		dst := make([]byte, len(src))
		copy(dst, src)
		return dst
	})
	return &worker{
		id:        id,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		router:    r,
		bridge:    b,
		conns:     make(map[int]*conn.Connection),
		poolReady: poolReady,
	}
}

func (w *worker) run(ctx context.Context, workerCount int, barrier *ibpf.Barrier) error {
	defer w.bridge.Close()

	if err := w.bridge.LoadScript(w.cfg.ScriptPath); err != nil {
		return err
	}

	l, err := listener.BindWorker(w.cfg.Host, w.cfg.Port, w.id, workerCount, w.cfg.EnableBPFAffinity, barrier, w.cfg.AcceptBacklog, w.logger, w.metrics)
	if err != nil {
		return err
	}
	defer l.Close()

	loop, err := eventloop.New(256)
	if err != nil {
		return err
	}
	defer loop.Close()

	if err := loop.Add(l.Fd()); err != nil {
		return err
	}

	w.poolReady.Store(true)

	for {
		select {
		case <-ctx.Done():
			w.shutdown(loop)
			return nil
		default:
		}

		events, err := loop.Wait(200)
		if err != nil {
			w.shutdown(loop)
			return err
		}

		for _, ev := range events {
			fd := int(ev.Fd)
			if fd == l.Fd() {
				w.acceptAll(loop, l)
				continue
			}
			w.handleEvent(loop, ev)
		}
	}
}

func (w *worker) acceptAll(loop *eventloop.Loop, l *listener.Listener) {
	for {
		fd, err := l.Accept()
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			w.logger.Error("accept failed", "worker_id", w.id, "error", err)
			return
		}

		w.nextConnID++
		c := conn.New(w.nextConnID, fd, w.cfg.ReadBufferSize, w.cfg.WriteBufferSize, w.router, w.bridge, w.metrics, w.logger, w.id)
		if err := loop.Add(fd); err != nil {
			unix.Close(fd)
			continue
		}
		w.conns[fd] = c
		w.metrics.ConnectionsAccepted.Add(1)
	}
}

func (w *worker) handleEvent(loop *eventloop.Loop, ev unix.EpollEvent) {
	fd := int(ev.Fd)
	c, ok := w.conns[fd]
	if !ok {
		return
	}

	if eventloop.HangupOrErr(ev) {
		w.closeConn(loop, c)
		return
	}

	if eventloop.Readable(ev) {
		w.handleReadable(loop, c)
		if _, stillOpen := w.conns[fd]; !stillOpen {
			return
		}
	}

	if eventloop.Writable(ev) {
		w.trySend(loop, c)
	}
}

func (w *worker) handleReadable(loop *eventloop.Loop, c *conn.Connection) {
	space := c.ReadBuffer().Writable()
	if len(space) == 0 {
		// The request line and headers exceeded the configured read
		// buffer with no terminator found: send 400, then close, per the
		// oversized-request disposition.
		c.Overflow()
		loop.SetWritable(c.Fd, true)
		w.trySend(loop, c)
		return
	}

	n, err := unix.Read(c.Fd, space)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		w.closeConn(loop, c)
		return
	}

	closed := c.OnRecv(n)
	if closed {
		w.closeConn(loop, c)
		return
	}

	if c.State() == conn.StateWriting {
		loop.SetWritable(c.Fd, true)
		w.trySend(loop, c)
	}
}

func (w *worker) trySend(loop *eventloop.Loop, c *conn.Connection) {
	for {
		data := c.PendingWrite()
		if len(data) == 0 {
			break
		}
		n, err := unix.Write(c.Fd, data)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			w.closeConn(loop, c)
			return
		}
		if closed := c.OnSendProgress(n); closed {
			w.closeConn(loop, c)
			return
		}
	}
	loop.SetWritable(c.Fd, false)
}

func (w *worker) closeConn(loop *eventloop.Loop, c *conn.Connection) {
	if c.State() != conn.StateClosed {
		// Closed here for an I/O error or hangup; EOF and close-after-write
		// were already counted by the connection itself.
		w.metrics.ConnectionsClosed.Add(1)
	}
	loop.Remove(c.Fd)
	unix.Close(c.Fd)
	delete(w.conns, c.Fd)
}

func (w *worker) shutdown(loop *eventloop.Loop) {
	for fd, c := range w.conns {
		loop.Remove(fd)
		unix.Close(c.Fd)
		delete(w.conns, fd)
	}
}
