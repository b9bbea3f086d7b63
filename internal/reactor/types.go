// Package reactor implements the event-driven proxy engine: a
// non-blocking, single-threaded, poll/epoll-based reactor that pairs
// accepted client sockets with upstream SOCKS5 relay sockets, drives each
// pair through a SOCKS5 client handshake, and forwards bytes between them
// under kernel-queue-aware backpressure.
package reactor

import (
	"io"
	"log/slog"

	"github.com/nishisan-dev/vsocks/internal/netaddr"
	"github.com/nishisan-dev/vsocks/internal/reactor/readiness"
)

// Role identifies what a Stream represents in the reactor.
type Role int

const (
	RoleInvalid Role = iota
	RoleListen
	RoleClientSide   // the accepted side, "A" in spec.md
	RoleUpstreamSide // the side connected to the SOCKS5 relay, "B" in spec.md
)

func (r Role) String() string {
	switch r {
	case RoleListen:
		return "listen"
	case RoleClientSide:
		return "client"
	case RoleUpstreamSide:
		return "upstream"
	default:
		return "invalid"
	}
}

// Level is a stream's position in the SOCKS5 client state machine.
type Level int

const (
	LevelNone Level = iota
	LevelAwaiting
	LevelConnecting
	LevelVerSent
	LevelReqSent
	LevelForwarding
)

func (l Level) String() string {
	switch l {
	case LevelAwaiting:
		return "awaiting"
	case LevelConnecting:
		return "connecting"
	case LevelVerSent:
		return "ver_sent"
	case LevelReqSent:
		return "req_sent"
	case LevelForwarding:
		return "forwarding"
	default:
		return "none"
	}
}

// StreamRef is a weak, generation-guarded reference to a pool slot: an
// arena index plus a generation counter, replacing the cyclic pointer
// back-references of the original C implementation (spec.md §9).
type StreamRef struct {
	Index      int
	Generation uint64
}

// Stream represents one endpoint socket plus its role in the reactor. It
// implements readiness.Pollable so the readiness back-ends can build/query
// it directly.
type Stream struct {
	index      int    // slot index in the pool's arena
	generation uint64 // bumped every time the slot is reused

	role  Role
	fd    int // -1 once closed
	level Level

	allocated bool
	abandoned bool

	requestedEvents     readiness.EventSet
	lastRegisteredEvents readiness.EventSet
	returnedEvents      readiness.EventSet
	handle              readiness.Handle

	peer *Stream // nil for LISTEN and half-torn relations

	prev, next *Stream // insertion-order list links

	queue Queue

	// origDest caches the client side's original destination once resolved,
	// read by the upstream-side handler when it builds the CONNECT request.
	origDest netaddr.Address

	// bytesIn accumulates bytes forwarded into this stream for observability;
	// a relation's outbound count is its peer's bytesIn. Updated only by the
	// reactor goroutine, read via the published metrics snapshot.
	bytesIn int64

	// traceLog and traceCloser hold an optional per-relation debug trace,
	// set on the client-side Stream only when the reactor is configured with
	// a trace directory. Nil when tracing is disabled.
	traceLog    *slog.Logger
	traceCloser io.Closer
}

// Ref returns the weak reference identifying this stream's current
// occupant of its pool slot.
func (s *Stream) Ref() StreamRef { return StreamRef{Index: s.index, Generation: s.generation} }

func (s *Stream) Role() Role   { return s.role }
func (s *Stream) Level() Level { return s.level }
func (s *Stream) Peer() *Stream { return s.peer }
func (s *Stream) Abandoned() bool { return s.abandoned }

// readiness.Pollable implementation.

func (s *Stream) FD() int                                   { return s.fd }
func (s *Stream) RequestedEvents() readiness.EventSet        { return s.requestedEvents }
func (s *Stream) LastRegisteredEvents() readiness.EventSet   { return s.lastRegisteredEvents }
func (s *Stream) SetLastRegisteredEvents(e readiness.EventSet) { s.lastRegisteredEvents = e }
func (s *Stream) Handle() readiness.Handle                  { return s.handle }
func (s *Stream) SetHandle(h readiness.Handle)              { s.handle = h }
func (s *Stream) SetReturnedEvents(e readiness.EventSet)    { s.returnedEvents = e }
func (s *Stream) ReturnedEvents() readiness.EventSet        { return s.returnedEvents }
