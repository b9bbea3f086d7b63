//go:build linux

package reactor

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// forwardChunkSize bounds a single forward_chunk call, grounded on
// include/config.h's FORWARD_CHUNK_LEN (spec.md §5, Component D).
const forwardChunkSize = 16384

// listenBacklog is the backlog passed to listen(2).
const listenBacklog = 128

// listenSocket creates, binds and listens a non-blocking TCP socket on
// addr, grounded on util.c:listen_socket.
func listenSocket(addr unix.Sockaddr, family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("%w: socket: %v", ErrTransportError, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("%w: setsockopt(SO_REUSEADDR): %v", ErrTransportError, err)
	}
	if err := setNonblocking(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("%w: bind: %v", ErrTransportError, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("%w: listen: %v", ErrTransportError, err)
	}
	return fd, nil
}

// connectAsync opens a non-blocking socket and starts an asynchronous
// connect to addr, grounded on util.c:connect_async. The caller must watch
// the fd for writability and then call socketHasError to learn the
// outcome.
func connectAsync(addr unix.Sockaddr, family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("%w: socket: %v", ErrTransportError, err)
	}
	if err := setNonblocking(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	err = unix.Connect(fd, addr)
	if err == nil {
		// The caller only ever arms a connecting stream for POLLOUT and
		// learns the outcome through socketHasError; a synchronous connect
		// never reaches that path, so it is rejected here rather than
		// returned as a silently different success shape.
		unix.Close(fd)
		return -1, fmt.Errorf("%w: connect: completed synchronously", ErrTransportError)
	}
	if err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, fmt.Errorf("%w: connect: %v", ErrTransportError, err)
	}
	return fd, nil
}

// setNonblocking sets O_NONBLOCK on fd, grounded on
// util.c:socket_set_nonblocking.
func setNonblocking(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("%w: set nonblocking: %v", ErrTransportError, err)
	}
	return nil
}

// socketHasError reports whether fd has a pending SO_ERROR, grounded on
// util.c:socket_has_error. Called once a connecting socket becomes
// writable to learn whether the connect succeeded.
func socketHasError(fd int) (bool, error) {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return false, fmt.Errorf("%w: getsockopt(SO_ERROR): %v", ErrTransportError, err)
	}
	return errno != 0, nil
}

// shutdownThenClose shuts down both directions and closes fd, grounded on
// util.c:shutdown_then_close. Errors are logged, not returned: by the time
// a stream is torn down there is nothing further to do about a failed
// shutdown/close.
func shutdownThenClose(log *slog.Logger, fd int) {
	if fd < 0 {
		return
	}
	if err := unix.Shutdown(fd, unix.SHUT_RDWR); err != nil && log != nil {
		log.Debug("shutdown failed", "fd", fd, "err", err)
	}
	if err := unix.Close(fd); err != nil && log != nil {
		log.Debug("close failed", "fd", fd, "err", err)
	}
}

// drainQueueToFD writes as much of q's pending bytes to fd as the socket
// currently accepts, grounded on util.c:queue_shift. Unlike forwardChunk it
// never peeks: handshake bytes are staged nowhere else, so whatever send
// accepts is immediately retired from the queue. Returns (0, nil) without
// error when fd is not currently writable (EAGAIN/EWOULDBLOCK) so the
// caller can simply wait for the next writable event.
func drainQueueToFD(q *Queue, fd int) (int, error) {
	pending := q.Pending()
	if len(pending) == 0 {
		return 0, nil
	}

	sent, err := unix.SendmsgN(fd, pending, nil, nil, unix.MSG_NOSIGNAL)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: send to fd %d: %v", ErrTransportError, fd, err)
	}

	q.DrainTo(sent)
	return sent, nil
}

// forwardChunk moves at most one bounded chunk of bytes from src to dst,
// gated by the receiver's available bytes, the destination's outstanding
// kernel send-queue, and its socket send buffer capacity — grounded on
// util.c:socket_forward_data. It peeks the source so the bytes are only
// consumed once send has accepted them, preserving data on a partial send.
//
// Returns the number of bytes forwarded, or an error. A clean return of
// (0, ErrBackpressureEmpty) means the destination currently has no room
// and the caller should wait for the next writable event rather than
// treat this as abnormal.
func forwardChunk(srcfd, dstfd int) (int, error) {
	avail, err := unix.IoctlGetInt(srcfd, unix.FIONREAD)
	if err != nil {
		return 0, fmt.Errorf("%w: ioctl(FIONREAD) on fd %d: %v", ErrTransportError, srcfd, err)
	}
	if avail == 0 {
		return 0, ErrPeerClosed
	}

	want := avail
	if want > forwardChunkSize {
		want = forwardChunkSize
	}

	pending, err := unix.IoctlGetInt(dstfd, unix.TIOCOUTQ)
	if err != nil {
		return 0, fmt.Errorf("%w: ioctl(TIOCOUTQ) on fd %d: %v", ErrTransportError, dstfd, err)
	}

	sendBufSize, err := unix.GetsockoptInt(dstfd, unix.SOL_SOCKET, unix.SO_SNDBUF)
	if err != nil {
		return 0, fmt.Errorf("%w: getsockopt(SO_SNDBUF) on fd %d: %v", ErrTransportError, dstfd, err)
	}
	if pending > sendBufSize {
		return 0, fmt.Errorf("%w: fd %d send queue exceeds buffer capacity", ErrTransportError, dstfd)
	}

	room := sendBufSize - pending
	if room == 0 {
		return 0, ErrBackpressureEmpty
	}
	if want > room {
		want = room
	}
	if want == 0 {
		return 0, ErrBackpressureEmpty
	}

	buf := make([]byte, want)
	n, _, err := unix.Recvfrom(srcfd, buf, unix.MSG_PEEK)
	if err != nil {
		return 0, fmt.Errorf("%w: peek recv on fd %d: %v", ErrTransportError, srcfd, err)
	}
	if n < want {
		return 0, fmt.Errorf("%w: short peek on fd %d", ErrTransportError, srcfd)
	}

	sent, err := unix.SendmsgN(dstfd, buf[:want], nil, nil, unix.MSG_NOSIGNAL)
	if err != nil {
		return 0, fmt.Errorf("%w: send to fd %d: %v", ErrTransportError, dstfd, err)
	}

	consumed, _, err := unix.Recvfrom(srcfd, buf[:sent], 0)
	if err != nil {
		return 0, fmt.Errorf("%w: drain recv on fd %d: %v", ErrTransportError, srcfd, err)
	}
	if consumed < sent {
		return 0, fmt.Errorf("%w: short drain on fd %d", ErrTransportError, srcfd)
	}

	return sent, nil
}
