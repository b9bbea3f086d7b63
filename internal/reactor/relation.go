package reactor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/nishisan-dev/vsocks/internal/netaddr"
	"github.com/nishisan-dev/vsocks/internal/reactor/readiness"
)

// acceptAndPair accepts one pending connection on listener, recovers its
// original destination, and pairs it with a newly allocated upstream-side
// stream connected to the SOCKS5 relay — grounded on
// proxy.c:handle_new_stream / setup_endpoint_stream.
//
// accept is the raw accept(2) call (injected so tests can fake it);
// resolveOrigDest recovers SO_ORIGINAL_DST for the accepted fd;
// dialRelay opens the async connect to the configured SOCKS5 relay.
// newTrace, when non-nil, builds a per-relation debug trace logger keyed by
// the accepted client fd; relation.go closes it again once the relation is
// swept. Reactors configured without a trace directory pass nil.
// onEvent, when non-nil, publishes one operational event to the
// observability event log; reactors configured without an event store
// pass nil.
func acceptAndPair(
	log *slog.Logger,
	pool *Pool,
	accept func() (fd int, err error),
	resolveOrigDest func(fd int) (netaddr.Address, error),
	dialRelay func() (fd int, err error),
	newTrace func(clientFD int) (*slog.Logger, io.Closer),
	onEvent func(level, eventType, dest, message string),
) error {
	clientFD, err := accept()
	if err != nil {
		return err
	}

	dest, err := resolveOrigDest(clientFD)
	if err != nil {
		shutdownThenClose(log, clientFD)
		return err
	}

	client, err := pool.Acquire()
	if err != nil {
		shutdownThenClose(log, clientFD)
		return err
	}
	client.role = RoleClientSide
	client.level = LevelAwaiting
	client.fd = clientFD
	client.requestedEvents = 0
	client.origDest = dest

	relayFD, err := dialRelay()
	if err != nil {
		pool.Release(client)
		shutdownThenClose(log, clientFD)
		return err
	}

	upstream, err := pool.AcquireExcluding(client)
	if err != nil {
		pool.Release(client)
		shutdownThenClose(log, clientFD)
		shutdownThenClose(log, relayFD)
		return err
	}
	upstream.role = RoleUpstreamSide
	upstream.level = LevelConnecting
	upstream.fd = relayFD
	upstream.requestedEvents = readiness.Readable | readiness.Writable

	client.peer = upstream
	upstream.peer = client

	if newTrace != nil {
		if traceLog, closer := newTrace(clientFD); traceLog != nil {
			client.traceLog = traceLog
			client.traceCloser = closer
			traceLog.Debug("relation opened", "client_fd", clientFD, "relay_fd", relayFD, "dest", dest.String())
		}
	}

	log.Debug("new relation", "client_fd", clientFD, "relay_fd", relayFD, "dest", dest.String())
	if onEvent != nil {
		onEvent("info", "relation_opened", dest.String(), fmt.Sprintf("client_fd=%d relay_fd=%d", clientFD, relayFD))
	}
	return nil
}

// advanceForwarding updates one side of a FORWARDING relation in response
// to its returned events, grounded on util.c:handle_forward_data: a
// writable peer pulls one chunk from its neighbour, a readable peer simply
// asks to be allowed to write once its neighbour is ready.
func advanceForwarding(s *Stream) error {
	if s.peer == nil || s.level != LevelForwarding {
		return ErrProtocolViolation
	}

	switch {
	case s.returnedEvents.Has(readiness.Writable):
		n, err := forwardChunk(s.peer.fd, s.fd)
		if errors.Is(err, ErrBackpressureEmpty) {
			return nil
		}
		if err != nil {
			return err
		}
		s.bytesIn += int64(n)
		s.requestedEvents = s.requestedEvents.Clear(readiness.Writable)
		s.peer.requestedEvents = s.peer.requestedEvents.Set(readiness.Readable)

	case s.returnedEvents.Has(readiness.Readable):
		s.requestedEvents = s.requestedEvents.Clear(readiness.Readable)
		s.peer.requestedEvents = s.peer.requestedEvents.Set(readiness.Writable)
	}

	return nil
}

// abandon marks both sides of a relation abandoned, grounded on
// util.c:remove_relation; the sweep at the start of the next reactor cycle
// closes and releases both abandoned streams.
func abandon(pool *Pool, s *Stream) {
	pool.MarkAbandoned(s)
	if s.peer != nil {
		pool.MarkAbandoned(s.peer)
	}
}

// sweep releases every abandoned stream, grounded on
// util.c:cleanup_streams. onEvent, when non-nil, publishes one
// relation_closed event per reclaimed client-side stream.
func sweep(log *slog.Logger, pool *Pool, onEvent func(level, eventType, dest, message string)) {
	var toRelease []*Stream
	pool.Each(func(s *Stream) {
		if s.abandoned {
			toRelease = append(toRelease, s)
		}
	})
	for _, s := range toRelease {
		log.Debug("reclaiming abandoned stream", "fd", s.fd, "role", s.role.String())
		if s.traceLog != nil {
			s.traceLog.Debug("relation closed", "fd", s.fd, "bytes_in", s.bytesIn)
		}
		if s.traceCloser != nil {
			s.traceCloser.Close()
		}
		if onEvent != nil && s.role == RoleClientSide {
			onEvent("info", "relation_closed", s.origDest.String(), fmt.Sprintf("client_fd=%d bytes_in=%d", s.fd, s.bytesIn))
		}
		shutdownThenClose(log, s.fd)
		pool.Release(s)
	}
}

// prunePending abandons every relation stream not yet FORWARDING,
// grounded on util.c:remove_pending_streams — called when a readiness wait
// expires with no ready stream; established relations are left untouched.
func prunePending(pool *Pool) {
	pool.Each(func(s *Stream) {
		if (s.role == RoleClientSide || s.role == RoleUpstreamSide) && s.level != LevelForwarding {
			s.abandoned = true
			if s.peer != nil {
				s.peer.abandoned = true
			}
		}
	})
}
