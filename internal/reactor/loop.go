package reactor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/vsocks/internal/logging"
	"github.com/nishisan-dev/vsocks/internal/netaddr"
	"github.com/nishisan-dev/vsocks/internal/originaldest"
	"github.com/nishisan-dev/vsocks/internal/reactor/readiness"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// defaultPollTimeout bounds how long a single Wait call blocks, grounded on
// proxy.c's watch_streams poll timeout. A wait that expires with no ready
// stream prunes every relation not yet FORWARDING. ctx cancellation is
// checked between cycles, so a stop can take up to one timeout.
const defaultPollTimeout = 16 * time.Second

// StatsSnapshot summarizes relation counts, grounded on
// util.c:show_stats, surfaced through the observability package rather
// than logged unconditionally.
type StatsSnapshot struct {
	ClientForwarding int
	ClientTotal      int
	UpstreamForwarding int
	UpstreamTotal      int
	Total            int
	Capacity         int
}

// Reactor owns one listening socket, a fixed-capacity stream pool, and a
// readiness back-end, and drives the accept/handshake/forward cycle
// described by spec.md §5 (Component H).
type Reactor struct {
	log *slog.Logger

	listenAddr netaddr.Address
	relayAddr  netaddr.Address

	pool    *Pool
	backend readiness.Backend

	listenFD int
	listen   *Stream

	pollTimeout time.Duration
	traceDir    string

	// acceptLimiter throttles the rate of accepted connections when
	// configured; nil means unlimited.
	acceptLimiter *rate.Limiter

	onStats func(StatsSnapshot)

	// onEvent, if set, publishes one operational event per relation
	// opened/closed to the observability event log.
	onEvent func(level, eventType, dest, message string)

	// metrics holds the latest *metricsSnapshot, published once per cycle
	// and read concurrently by the observability HTTP server.
	metrics atomic.Value
}

// Config configures a Reactor.
type Config struct {
	ListenAddr  netaddr.Address
	RelayAddr   netaddr.Address
	PoolSize    int
	PollTimeout time.Duration
	Logger      *slog.Logger
	// TraceDir, if set, enables a per-relation debug trace file written to
	// {TraceDir}/{client_fd}.log for the lifetime of each relation.
	TraceDir string
	// AcceptRateLimit caps sustained accepted connections/sec; 0 disables
	// the limiter entirely.
	AcceptRateLimit float64
	// AcceptBurst sets the token bucket burst size backing AcceptRateLimit.
	AcceptBurst int
	// OnStats, if set, is invoked once per idle cycle (no events ready)
	// with the current relation counts, mirroring show_stats but routed
	// through structured observability instead of unconditional stdout.
	OnStats func(StatsSnapshot)
	// OnEvent, if set, is invoked once per relation opened/closed with a
	// (level, type, dest, message) tuple suitable for EventStore.PushEvent.
	OnEvent func(level, eventType, dest, message string)
}

// New constructs a Reactor from cfg. It does not open any sockets; call
// Run to start serving.
func New(cfg Config) (*Reactor, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolCapacity
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	backend, err := readiness.New(cfg.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}

	var limiter *rate.Limiter
	if cfg.AcceptRateLimit > 0 {
		burst := cfg.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRateLimit), burst)
	}

	return &Reactor{
		log:           cfg.Logger,
		listenAddr:    cfg.ListenAddr,
		relayAddr:     cfg.RelayAddr,
		pool:          NewPool(cfg.PoolSize),
		backend:       backend,
		listenFD:      -1,
		pollTimeout:   cfg.PollTimeout,
		traceDir:      cfg.TraceDir,
		acceptLimiter: limiter,
		onStats:       cfg.OnStats,
		onEvent:       cfg.OnEvent,
	}, nil
}

// Run opens the listen socket and drives the reactor loop until ctx is
// canceled or a fatal error occurs, grounded on proxy.c:proxy_task /
// handle_streams_cycle. It always releases every stream and closes the
// readiness back-end before returning.
func (r *Reactor) Run(ctx context.Context) error {
	fd, err := listenSocket(r.listenAddr.Sockaddr(), r.listenAddr.SockFamily())
	if err != nil {
		return err
	}
	r.listenFD = fd
	defer func() {
		if r.listenFD >= 0 {
			unix.Close(r.listenFD)
		}
	}()

	listen, err := r.pool.Acquire()
	if err != nil {
		return fmt.Errorf("%w: allocating listen stream: %v", ErrPoolExhausted, err)
	}
	listen.role = RoleListen
	listen.fd = fd
	listen.requestedEvents = readiness.Readable
	r.listen = listen

	r.log.Info("reactor started", "listen", r.listenAddr.String(), "relay", r.relayAddr.String(), "pool_capacity", r.pool.Cap())

	defer func() {
		r.pool.Each(func(s *Stream) {
			if s.fd >= 0 {
				shutdownThenClose(r.log, s.fd)
			}
		})
		if err := r.backend.Close(); err != nil {
			r.log.Warn("readiness backend close failed", "err", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reactor stopping", "reason", ctx.Err())
			return nil
		default:
		}

		if err := r.cycle(); err != nil {
			return err
		}
	}
}

// cycle runs one iteration of handle_streams_cycle: sweep abandoned
// streams, wait for readiness, then dispatch each ready stream.
func (r *Reactor) cycle() error {
	sweep(r.log, r.pool, r.onEvent)

	pollables := r.pool.Pollables()
	if err := r.backend.Build(pollables); err != nil {
		return fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}

	n, err := r.backend.Wait(r.pollTimeout)
	if err != nil {
		return err
	}
	r.backend.Results(pollables)

	if n == 0 {
		prunePending(r.pool)
		sweep(r.log, r.pool, r.onEvent)
		r.publishMetrics()
		if r.onStats != nil {
			r.onStats(r.stats())
		}
		return nil
	}

	var streams []*Stream
	r.pool.Each(func(s *Stream) { streams = append(streams, s) })

	for _, s := range streams {
		if s.abandoned || s.returnedEvents == 0 {
			continue
		}
		if s.returnedEvents.Has(readiness.Error) || s.returnedEvents.Has(readiness.Hangup) {
			r.log.Debug("stream error/hangup", "fd", s.fd, "role", s.role.String())
			abandon(r.pool, s)
			continue
		}
		if err := r.dispatch(s); err != nil {
			r.log.Debug("stream dispatch failed", "fd", s.fd, "role", s.role.String(), "err", err)
			// A failed accept only means that one connection attempt was
			// rejected (bad redirect info, pool exhaustion, relay dial
			// failure); acceptAndPair has already cleaned up any fds it
			// opened. The listen stream itself stays in service.
			if s.role != RoleListen {
				abandon(r.pool, s)
			}
		}
	}

	r.publishMetrics()
	return nil
}

// dispatch routes one ready stream to the listen-accept path, the
// forwarding path, or the handshake path, grounded on
// proxy.c:handle_stream_events.
func (r *Reactor) dispatch(s *Stream) error {
	if s.role == RoleListen {
		return acceptAndPair(
			r.log,
			r.pool,
			func() (int, error) { return r.acceptOne() },
			func(fd int) (netaddr.Address, error) { return originaldest.Query(fd) },
			func() (int, error) { return connectAsync(r.relayAddr.Sockaddr(), r.relayAddr.SockFamily()) },
			r.newRelationTrace,
			r.onEvent,
		)
	}

	if s.level == LevelForwarding {
		return advanceForwarding(s)
	}

	if s.role == RoleUpstreamSide && s.queue.Len() > 0 && s.returnedEvents.Has(readiness.Writable) {
		if _, err := drainQueueToFD(&s.queue, s.fd); err != nil {
			return err
		}
		if s.queue.Len() == 0 {
			s.requestedEvents = readiness.Readable
		}
		return nil
	}

	if s.level == LevelConnecting && s.returnedEvents.Has(readiness.Writable) {
		failed, err := socketHasError(s.fd)
		if err != nil {
			return err
		}
		if failed {
			return fmt.Errorf("%w: connect to relay failed", ErrTransportError)
		}
	}

	recv := func(buf []byte) (int, error) {
		return unix.Read(s.fd, buf)
	}
	return advanceHandshake(s, recv, s.peer.origDest)
}

// newRelationTrace builds a per-relation trace logger when r.traceDir is
// configured, keyed by the accepted client fd.
func (r *Reactor) newRelationTrace(clientFD int) (*slog.Logger, io.Closer) {
	if r.traceDir == "" {
		return nil, nil
	}
	traceLog, closer, _, err := logging.NewRelationLogger(r.log, r.traceDir, strconv.Itoa(clientFD))
	if err != nil {
		r.log.Warn("failed to open relation trace file", "client_fd", clientFD, "err", err)
		return nil, nil
	}
	return traceLog, closer
}

func (r *Reactor) acceptOne() (int, error) {
	fd, _, err := unix.Accept(r.listenFD)
	if err != nil {
		return -1, fmt.Errorf("%w: accept: %v", ErrTransportError, err)
	}
	if err := setNonblocking(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if r.acceptLimiter != nil && !r.acceptLimiter.Allow() {
		unix.Close(fd)
		return -1, ErrRateLimited
	}
	return fd, nil
}

// stats computes a StatsSnapshot, grounded on util.c:show_stats.
func (r *Reactor) stats() StatsSnapshot {
	var snap StatsSnapshot
	snap.Capacity = r.pool.Cap()
	r.pool.Each(func(s *Stream) {
		snap.Total++
		switch s.role {
		case RoleClientSide:
			snap.ClientTotal++
			if s.level == LevelForwarding {
				snap.ClientForwarding++
			}
		case RoleUpstreamSide:
			snap.UpstreamTotal++
			if s.level == LevelForwarding {
				snap.UpstreamForwarding++
			}
		}
	})
	return snap
}
