// Package hoststats periodically samples host CPU, memory and load
// averages, adapted from the system monitor used to size admission control
// on the host this proxy's ops tooling was modeled on.
package hoststats

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/nishisan-dev/vsocks/internal/observability"
)

// defaultInterval is the sampling cadence used when no Option overrides it.
const defaultInterval = 15 * time.Second

// defaultHistory bounds the in-memory sample window surfaced over
// /api/v1/hoststats.
const defaultHistory = 240

// Monitor samples host metrics on a ticker and keeps a bounded history.
type Monitor struct {
	logger   *slog.Logger
	interval time.Duration

	closeCh chan struct{}
	wg      sync.WaitGroup

	mu      sync.RWMutex
	history []observability.HostStatsEntry
	maxLen  int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval overrides the sampling period.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithHistory overrides the retained sample count.
func WithHistory(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.maxLen = n
		}
	}
}

// New builds a Monitor; call Start to begin sampling.
func New(logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		logger:   logger.With("component", "hoststats"),
		interval: defaultInterval,
		maxLen:   defaultHistory,
		closeCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins periodic collection in a background goroutine.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop halts collection and waits for the sampling goroutine to exit.
func (m *Monitor) Stop() {
	close(m.closeCh)
	m.wg.Wait()
}

// Recent returns up to limit of the most recent samples, oldest first.
// limit <= 0 returns the full retained history.
func (m *Monitor) Recent(limit int) []observability.HostStatsEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.history)
	if limit > 0 && limit < n {
		n = limit
	}
	start := len(m.history) - n
	out := make([]observability.HostStatsEntry, n)
	copy(out, m.history[start:])
	return out
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.collect()

	for {
		select {
		case <-m.closeCh:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *Monitor) collect() {
	entry := observability.HostStatsEntry{Timestamp: time.Now().Format(time.RFC3339)}

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		entry.CPUPercent = percentages[0]
	} else {
		m.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		entry.MemUsedPct = v.UsedPercent
	} else {
		m.logger.Debug("failed to collect memory stats", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		entry.Load1 = l.Load1
		entry.Load5 = l.Load5
		entry.Load15 = l.Load15
	} else {
		m.logger.Debug("failed to collect load stats", "error", err)
	}

	m.mu.Lock()
	m.history = append(m.history, entry)
	if len(m.history) > m.maxLen {
		m.history = m.history[len(m.history)-m.maxLen:]
	}
	m.mu.Unlock()
}
