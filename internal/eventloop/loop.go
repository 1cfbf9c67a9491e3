// Package eventloop wraps Linux epoll behind a small proactor-shaped
// surface: Add (and SetWritable) registers interest in a descriptor, Wait
// returns a batch of ready descriptors, and the caller dispatches each
// one. epoll itself is a readiness (reactor) API, not a completion
// (proactor) one — there is no pure-Go io_uring binding in this stack —
// so the caller (internal/worker) does the real recv/send synchronously
// when Wait reports a descriptor ready, instead of queuing a separate
// completion event. This package performs no I/O on the descriptors
// itself. This is the same pragmatic
// shortcut a true io_uring transport takes when its submission queue
// isn't fully wired: fall back to the syscall directly rather than leave
// the operation unimplemented.
package eventloop

import "golang.org/x/sys/unix"

// Loop owns one epoll instance and the scratch slice epoll_wait fills in.
// It is not safe for concurrent use; each worker owns exactly one, matching
// the shared-nothing model the rest of the gateway follows.
type Loop struct {
	epfd   int
	events []unix.EpollEvent
}

// New creates an epoll instance that can report up to maxEvents ready
// descriptors per Wait call.
func New(maxEvents int) (*Loop, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Loop{epfd: epfd, events: make([]unix.EpollEvent, maxEvents)}, nil
}

// Add registers fd for readable events only.
func (l *Loop) Add(fd int) error {
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	})
}

// SetWritable toggles whether fd is also watched for writability. A
// connection only needs EPOLLOUT while it has unsent bytes in its write
// buffer; watching it unconditionally would spin the loop whenever the
// socket is writable but idle.
func (l *Loop) SetWritable(fd int, writable bool) error {
	events := uint32(unix.EPOLLIN)
	if writable {
		events |= unix.EPOLLOUT
	}
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	})
}

// Remove deregisters fd. The caller is still responsible for closing it.
func (l *Loop) Remove(fd int) error {
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks up to timeoutMillis milliseconds (-1 to block indefinitely)
// and returns the batch of ready descriptors. A signal interrupting the
// underlying syscall yields an empty, non-error batch so callers can loop
// without special-casing EINTR.
func (l *Loop) Wait(timeoutMillis int) ([]unix.EpollEvent, error) {
	n, err := unix.EpollWait(l.epfd, l.events, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	return l.events[:n], nil
}

// Close releases the epoll instance.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}

// Readable reports whether ev signals the descriptor has data to recv.
func Readable(ev unix.EpollEvent) bool { return ev.Events&unix.EPOLLIN != 0 }

// Writable reports whether ev signals the descriptor is ready for send.
func Writable(ev unix.EpollEvent) bool { return ev.Events&unix.EPOLLOUT != 0 }

// HangupOrErr reports whether ev signals the descriptor closed or faulted;
// the caller should treat this the same as a recv EOF.
func HangupOrErr(ev unix.EpollEvent) bool {
	return ev.Events&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0
}
