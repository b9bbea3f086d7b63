// Package daemon wires the reactor, observability endpoint, host metrics
// sampler and archive scheduler into one running proxy process, grounded
// on the orchestration style of internal/server and internal/agent/daemon.go.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/nishisan-dev/vsocks/internal/archive"
	"github.com/nishisan-dev/vsocks/internal/config"
	"github.com/nishisan-dev/vsocks/internal/hoststats"
	"github.com/nishisan-dev/vsocks/internal/netaddr"
	"github.com/nishisan-dev/vsocks/internal/observability"
	"github.com/nishisan-dev/vsocks/internal/pki"
	"github.com/nishisan-dev/vsocks/internal/reactor"
)

// Run builds and drives one proxy instance until ctx is canceled,
// grounded on internal/server.Run's blocking, ctx-driven shape.
func Run(ctx context.Context, cfg *config.ProxyConfig, logger *slog.Logger) error {
	listenAddr, err := netaddr.Decode(cfg.Listen.Address)
	if err != nil {
		return fmt.Errorf("decoding listen.address: %w", err)
	}
	relayAddr, err := netaddr.Decode(cfg.Socks5.Address)
	if err != nil {
		return fmt.Errorf("decoding socks5.address: %w", err)
	}

	var stats *hoststats.Monitor
	if cfg.Observability.Enabled {
		stats = hoststats.New(logger)
		stats.Start()
		defer stats.Stop()
	}

	// The event store is opened ahead of the reactor, regardless of
	// whether the HTTP endpoint is enabled, so relation lifecycle events
	// are always persisted to the file the archive scheduler rotates.
	store, err := openEventStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("opening event store: %w", err)
	}
	defer store.Close()

	r, err := reactor.New(reactor.Config{
		ListenAddr:      listenAddr,
		RelayAddr:       relayAddr,
		PoolSize:        cfg.Pool.Size,
		PollTimeout:     cfg.Pool.PollTimeout,
		Logger:          logger,
		TraceDir:        cfg.Logging.TraceDir,
		AcceptRateLimit: cfg.Pool.AcceptRateLimit,
		AcceptBurst:     cfg.Pool.AcceptBurst,
		OnStats: func(snap reactor.StatsSnapshot) {
			logger.Debug("idle cycle stats",
				"total", snap.Total,
				"capacity", snap.Capacity,
				"client_forwarding", snap.ClientForwarding,
				"upstream_forwarding", snap.UpstreamForwarding,
			)
		},
		OnEvent: store.PushEvent,
	})
	if err != nil {
		return fmt.Errorf("building reactor: %w", err)
	}

	reporter, err := newStatsReporter(r, logger)
	if err != nil {
		return fmt.Errorf("building stats reporter: %w", err)
	}
	reporter.Start()
	defer reporter.Stop()

	var archiveMgr *archive.Manager
	if cfg.Archive.Enabled {
		var uploader archive.Uploader
		if cfg.Archive.S3.Enabled {
			uploader, err = archive.NewS3Uploader(ctx, cfg.Archive.S3.Region)
			if err != nil {
				return fmt.Errorf("building s3 uploader: %w", err)
			}
		}
		archiveMgr, err = archive.New(cfg.Archive, cfg.Observability.EventsFile, logger, uploader)
		if err != nil {
			return fmt.Errorf("building archive manager: %w", err)
		}
		archiveMgr.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			archiveMgr.Stop(stopCtx)
		}()
	}

	if cfg.Observability.Enabled {
		if err := startObservability(ctx, cfg, r, store, stats, logger); err != nil {
			return fmt.Errorf("starting observability endpoint: %w", err)
		}
	}

	logger.Info("vsocks starting",
		"listen", listenAddr.String(),
		"socks5", relayAddr.String(),
		"pool_size", cfg.Pool.Size,
	)

	return r.Run(ctx)
}

// openEventStore opens the JSONL event log backing both the observability
// API and the archive scheduler, falling back to a tmp path on failure so
// a misconfigured directory never blocks the proxy from starting.
func openEventStore(cfg *config.ProxyConfig, logger *slog.Logger) (*observability.EventStore, error) {
	historySize := cfg.Observability.HistorySize
	if historySize <= 0 {
		historySize = 500
	}

	store, err := observability.NewEventStore(cfg.Observability.EventsFile, historySize, 0)
	if err == nil {
		return store, nil
	}

	fallback := filepath.Join(os.TempDir(), "vsocks-events.jsonl")
	logger.Error("creating event store, falling back to tmp", "error", err, "path", cfg.Observability.EventsFile, "fallback", fallback)
	return observability.NewEventStore(fallback, historySize, 0)
}

// startObservability serves the read-only HTTP/metrics API in a background
// goroutine, shutting it down gracefully when ctx is canceled, grounded on
// internal/server.startWebUI.
func startObservability(ctx context.Context, cfg *config.ProxyConfig, r *reactor.Reactor, store *observability.EventStore, stats *hoststats.Monitor, logger *slog.Logger) error {
	acl := observability.NewACL(cfg.Observability.ParsedCIDRs)

	var hostStatsFn func() []observability.HostStatsEntry
	if stats != nil {
		hostStatsFn = func() []observability.HostStatsEntry { return stats.Recent(0) }
	}

	router := observability.NewRouter(r, acl, store, hostStatsFn)

	httpSrv := &http.Server{
		Addr:              cfg.Observability.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if cfg.Observability.TLS.CertFile != "" {
		tlsCfg, err := pki.NewServerTLSConfig(cfg.Observability.TLS.CertFile, cfg.Observability.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("configuring observability TLS: %w", err)
		}
		httpSrv.TLSConfig = tlsCfg
	}

	ln, err := net.Listen("tcp", cfg.Observability.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Observability.Address, err)
	}

	go func() {
		logger.Info("observability endpoint listening", "address", cfg.Observability.Address, "tls", httpSrv.TLSConfig != nil)

		var serveErr error
		if httpSrv.TLSConfig != nil {
			serveErr = httpSrv.ServeTLS(ln, "", "")
		} else {
			serveErr = httpSrv.Serve(ln)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error("observability endpoint error", "error", serveErr)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability endpoint shutdown error", "error", err)
		}
	}()

	return nil
}
