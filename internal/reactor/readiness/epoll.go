//go:build linux

package readiness

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollBackend keeps persistent kernel-side registration: a stream is
// ADDed once and MODified only when its requested events change, instead of
// rebuilding the whole set every cycle like pollBackend.
type epollBackend struct {
	epfd     int
	capacity int
	events   []unix.EpollEvent
	ready    int
	// byFD resolves a ready epoll_event back to its stream via the fd
	// embedded in the event payload (Fd field of unix.EpollEvent's union).
	byFD map[int32]Pollable
}

func newEpollBackend(capacity int) (Backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &epollBackend{
		epfd:     epfd,
		capacity: capacity,
		events:   make([]unix.EpollEvent, capacity),
		byFD:     make(map[int32]Pollable, capacity),
	}, nil
}

func (b *epollBackend) Build(streams []Pollable) error {
	for _, s := range streams {
		requested := s.RequestedEvents()
		handle := s.Handle()

		if requested == 0 {
			if handle.Kind == EpollRegistered {
				fd := int32(s.FD())
				_ = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
				delete(b.byFD, fd)
				s.SetHandle(Handle{Kind: Unregistered})
				s.SetLastRegisteredEvents(0)
			}
			continue
		}

		needsRegistration := handle.Kind != EpollRegistered
		needsUpdate := requested != s.LastRegisteredEvents()
		if !needsRegistration && !needsUpdate {
			continue
		}

		ev := unix.EpollEvent{
			Events: toEpoll(requested.Set(Error).Set(Hangup)),
		}
		fd := int32(s.FD())
		ev.Fd = fd

		op := unix.EPOLL_CTL_MOD
		if needsRegistration {
			op = unix.EPOLL_CTL_ADD
		}
		if err := unix.EpollCtl(b.epfd, op, int(fd), &ev); err != nil {
			return fmt.Errorf("%w: epoll_ctl(%d, fd=%d): %v", ErrBuildFailed, op, fd, err)
		}
		b.byFD[fd] = s
		s.SetHandle(Handle{Kind: EpollRegistered})
		s.SetLastRegisteredEvents(requested)
	}
	return nil
}

func (b *epollBackend) Wait(timeout time.Duration) (int, error) {
	n, err := unix.EpollWait(b.epfd, b.events, int(timeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			b.ready = 0
			return 0, nil
		}
		return 0, fmt.Errorf("readiness: epoll_wait: %w", err)
	}
	b.ready = n
	return n, nil
}

// Results zeroes every stream's returned events, then applies the events
// from the last Wait call (only the first b.ready slots of b.events are
// meaningful; epoll_wait never touches the remainder).
func (b *epollBackend) Results(streams []Pollable) {
	for _, s := range streams {
		s.SetReturnedEvents(0)
	}
	for i := 0; i < b.ready; i++ {
		fd := b.events[i].Fd
		if s, ok := b.byFD[fd]; ok {
			s.SetReturnedEvents(fromEpoll(b.events[i].Events))
		}
	}
}

func (b *epollBackend) Close() error {
	return unix.Close(b.epfd)
}
