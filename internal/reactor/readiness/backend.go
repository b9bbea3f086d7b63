package readiness

import (
	"errors"
	"time"
)

// ErrBuildFailed signals that a back-end could not build or register its
// readiness set this cycle (capacity overflow or a registration syscall
// failure) — fatal to the reactor, per the proxy's error model.
var ErrBuildFailed = errors.New("readiness: build failed")

// HandleKind tags a Handle's meaning, replacing the raw back-pointer the
// original C implementation kept inline in struct stream_t.
type HandleKind int

const (
	Unregistered HandleKind = iota
	PollSlot               // back-end is the poll array; Slot is the index
	EpollRegistered
)

// Handle is a stream's back-reference into the readiness back-end.
type Handle struct {
	Kind HandleKind
	Slot int
}

// Pollable is the minimal per-stream surface a Backend needs: its fd, the
// events the reactor currently wants observed, the events last communicated
// to the back-end (epoll only, used to detect when re-registration is
// needed), its readiness handle, and the events returned this cycle.
type Pollable interface {
	FD() int
	RequestedEvents() EventSet
	LastRegisteredEvents() EventSet
	SetLastRegisteredEvents(EventSet)
	Handle() Handle
	SetHandle(Handle)
	SetReturnedEvents(EventSet)
}

// Backend is the uniform readiness interface. Build registers/prepares the
// readiness set for the currently allocated streams, Wait blocks until
// events arrive or the timeout expires, and Results copies returned events
// back onto each stream.
type Backend interface {
	// Build registers the currently allocated streams with the back-end.
	Build(streams []Pollable) error
	// Wait blocks until at least one stream is ready, the timeout elapses,
	// or an error occurs. Returns the number of ready streams.
	Wait(timeout time.Duration) (int, error)
	// Results copies this cycle's returned events onto each stream,
	// zeroing streams that were not reported ready.
	Results(streams []Pollable)
	// Close releases any back-end resources (e.g. the epoll fd).
	Close() error
}

// New constructs the preferred back-end for this platform: epoll when the
// kernel supports it, falling back to poll otherwise. capacity bounds the
// number of streams the back-end must be prepared to track (the pool size).
func New(capacity int) (Backend, error) {
	if eb, err := newEpollBackend(capacity); err == nil {
		return eb, nil
	}
	return newPollBackend(capacity), nil
}
