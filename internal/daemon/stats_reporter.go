package daemon

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/vsocks/internal/observability"
)

// statsReportSchedule sets a 5 minute stats cadence, run through
// robfig/cron so its schedule is independent of, and expressed the same
// way as, the archive rotation schedule.
const statsReportSchedule = "@every 5m"

// statsReporter emits a periodic pool snapshot to the log, independent of
// the reactor's own per-cycle OnStats callback, grounded on
// internal/agent/stats_reporter.go.
type statsReporter struct {
	metrics   metricsSource
	logger    *slog.Logger
	startTime time.Time
	cron      *cron.Cron
}

// metricsSource is the narrow read needed to report pool occupancy,
// satisfied by *reactor.Reactor.
type metricsSource interface {
	PoolSnapshot() observability.PoolSnapshot
}

// newStatsReporter builds a statsReporter; call Start to begin emitting.
func newStatsReporter(metrics metricsSource, logger *slog.Logger) (*statsReporter, error) {
	sr := &statsReporter{
		metrics:   metrics,
		logger:    logger.With("component", "stats_reporter"),
		startTime: time.Now(),
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(sr.logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(statsReportSchedule, sr.report); err != nil {
		return nil, err
	}
	sr.cron = c
	return sr, nil
}

// Start begins the cron scheduler.
func (sr *statsReporter) Start() {
	sr.cron.Start()
	sr.logger.Info("stats reporter started", "schedule", statsReportSchedule)
}

// Stop halts the scheduler, waiting for any in-flight report to finish.
func (sr *statsReporter) Stop() {
	<-sr.cron.Stop().Done()
	sr.logger.Info("stats reporter stopped")
}

func (sr *statsReporter) report() {
	snap := sr.metrics.PoolSnapshot()
	uptime := time.Since(sr.startTime).Seconds()

	snapJSON, _ := json.Marshal(snap)

	sr.logger.Info("proxy stats",
		"uptime_seconds", int64(uptime),
		"pool", json.RawMessage(snapJSON),
	)
}
