// Package listener implements one worker's accept-side socket: bind with
// SO_REUSEADDR and SO_REUSEPORT, optionally attach the classic-BPF
// connection-affinity filter, then listen and accept.
package listener

import (
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sys/unix"

	ibpf "github.com/keystone-gateway/keystone/internal/bpf"
	"github.com/keystone-gateway/keystone/internal/metrics"
)

// Listener owns one non-blocking TCP listening socket.
type Listener struct {
	fd int
}

// Bind creates a non-blocking TCP socket, sets SO_REUSEADDR and
// SO_REUSEPORT, and binds it to host:port. Every worker in the pool calls
// Bind independently with the same host:port; SO_REUSEPORT is what lets
// the kernel hand each accepted connection to exactly one of them.
func Bind(host string, port int) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("listener: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listener: SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listener: SO_REUSEPORT: %w", err)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listener: invalid host %q", host)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listener: only IPv4 hosts are supported, got %q", host)
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip4)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listener: bind %s:%d: %w", host, port, err)
	}

	return &Listener{fd: fd}, nil
}

// AttachAffinity installs the classic-BPF connection-affinity filter this
// socket's reuseport group uses to steer each new connection to exactly
// one worker's accept queue based on the kernel's RX hash.
func (l *Listener) AttachAffinity(workerCount int) error {
	prog, err := ibpf.BuildAffinityProgram(workerCount)
	if err != nil {
		return fmt.Errorf("listener: build affinity program: %w", err)
	}
	if err := ibpf.AttachToSocket(l.fd, prog); err != nil {
		return fmt.Errorf("listener: attach affinity program: %w", err)
	}
	return nil
}

// BindWorker performs the full per-worker bring-up sequence: bind, then
// (if enabled) coordinate the BPF attach across the pool before listening.
// Worker 0 binds, attaches, and signals the barrier; every other worker
// waits on the barrier after its own bind but before its own listen, so
// no connection can reach an accept queue until every reuseport-group
// member has had a chance to present the identical affinity filter.
//
// A failed attach is tolerated, not fatal: per the affinity-unavailable
// disposition (no CAP_NET_ADMIN, an older kernel missing
// SO_ATTACH_REUSEPORT_CBPF), the worker logs a warning, counts the
// failure, and falls through to Listen with plain kernel-hashed
// SO_REUSEPORT load balancing instead of sticky affinity. Worker 0 still
// signals the barrier on this path — an attach failure must never leave
// the rest of the pool blocked in Barrier.Wait forever.
func BindWorker(host string, port int, workerID, workerCount int, enableBPF bool, barrier *ibpf.Barrier, backlog int, logger *slog.Logger, m *metrics.Metrics) (*Listener, error) {
	l, err := Bind(host, port)
	if err != nil {
		return nil, err
	}

	affinityActive := false
	if enableBPF {
		if workerID == 0 {
			if err := l.AttachAffinity(workerCount); err != nil {
				m.BPFAttachFailures.Add(1)
				logger.Warn("BPF affinity attach failed; continuing without connection affinity", "worker_id", workerID, "error", err)
			} else {
				affinityActive = true
			}
			barrier.Signal()
		} else {
			barrier.Wait()
			if err := l.AttachAffinity(workerCount); err != nil {
				m.BPFAttachFailures.Add(1)
				logger.Warn("BPF affinity attach failed; continuing without connection affinity", "worker_id", workerID, "error", err)
			} else {
				affinityActive = true
			}
		}
	}

	if err := l.Listen(backlog); err != nil {
		l.Close()
		return nil, err
	}

	logger.Info("listener bound", "worker_id", workerID, "host", host, "port", port, "bpf_affinity", affinityActive)
	return l, nil
}

// Listen marks the socket ready to accept, with the given backlog.
func (l *Listener) Listen(backlog int) error {
	if err := unix.Listen(l.fd, backlog); err != nil {
		return fmt.Errorf("listener: listen backlog=%d: %w", backlog, err)
	}
	return nil
}

// Fd returns the underlying socket descriptor, for registration with an
// eventloop.Loop.
func (l *Listener) Fd() int { return l.fd }

// Accept accepts one pending connection, returning its non-blocking fd
// with TCP_NODELAY already set. unix.EAGAIN means no connection is
// currently pending; the caller should stop accepting until the next
// readiness notification.
func (l *Listener) Accept() (int, error) {
	nfd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		unix.Close(nfd)
		return -1, fmt.Errorf("listener: TCP_NODELAY: %w", err)
	}
	return nfd, nil
}

// Port returns the socket's bound local port, useful when Bind was called
// with port 0 and the kernel chose an ephemeral one.
func (l *Listener) Port() (int, error) {
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return 0, fmt.Errorf("listener: getsockname: %w", err)
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, fmt.Errorf("listener: unexpected sockaddr type %T", sa)
	}
	return sa4.Port, nil
}

// Close closes the listening socket.
func (l *Listener) Close() error {
	return unix.Close(l.fd)
}
