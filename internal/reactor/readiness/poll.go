//go:build linux

package readiness

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// pollBackend is level-triggered and stateless across calls: every Build
// rebuilds the array from scratch from the currently requested events.
type pollBackend struct {
	capacity int
	fds      []unix.PollFd
	// owners[i] is the stream that produced fds[i], so Results can copy
	// revents back without re-scanning the stream list.
	owners []Pollable
}

func newPollBackend(capacity int) Backend {
	return &pollBackend{
		capacity: capacity,
		fds:      make([]unix.PollFd, 0, capacity),
		owners:   make([]Pollable, 0, capacity),
	}
}

func (b *pollBackend) Build(streams []Pollable) error {
	b.fds = b.fds[:0]
	b.owners = b.owners[:0]

	for _, s := range streams {
		ev := s.RequestedEvents()
		if ev == 0 {
			continue
		}
		if len(b.fds) >= b.capacity {
			return fmt.Errorf("%w: poll array capacity %d exceeded", ErrBuildFailed, b.capacity)
		}
		s.SetHandle(Handle{Kind: PollSlot, Slot: len(b.fds)})
		b.fds = append(b.fds, unix.PollFd{
			Fd:     int32(s.FD()),
			Events: toPoll(ev.Set(Error).Set(Hangup)),
		})
		b.owners = append(b.owners, s)
	}
	return nil
}

func (b *pollBackend) Wait(timeout time.Duration) (int, error) {
	n, err := unix.Poll(b.fds, int(timeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("readiness: poll: %w", err)
	}
	return n, nil
}

func (b *pollBackend) Results(streams []Pollable) {
	for i, owner := range b.owners {
		owner.SetReturnedEvents(fromPoll(b.fds[i].Revents))
	}
	// Streams that held no requested events this cycle were never added to
	// fds; make sure they read as not-ready rather than stale.
	seen := make(map[Pollable]bool, len(b.owners))
	for _, o := range b.owners {
		seen[o] = true
	}
	for _, s := range streams {
		if !seen[s] {
			s.SetReturnedEvents(0)
			s.SetHandle(Handle{Kind: Unregistered})
		}
	}
}

func (b *pollBackend) Close() error { return nil }
