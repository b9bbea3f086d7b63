// Package archive rotates the proxy's JSONL event log into compressed,
// timestamped archive files on a cron schedule, optionally uploading each
// archive to S3, adapted from the backup scheduling and atomic-write
// machinery this proxy's ops tooling was modeled on.
package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/vsocks/internal/config"
)

// Uploader abstracts the S3 upload call so tests can fake it without
// reaching the network; s3Client in s3.go is the production implementation.
type Uploader interface {
	Upload(ctx context.Context, bucket, key string, path string) error
}

// Manager rotates one source JSONL file into a compressed archive
// directory on a cron schedule, grounded on the per-entry scheduler in the
// agent backup daemon this proxy's archival job was modeled on.
type Manager struct {
	cfg        config.ArchiveInfo
	sourcePath string
	logger     *slog.Logger
	uploader   Uploader

	cron *cron.Cron
}

// New builds a Manager. uploader may be nil when cfg.S3.Enabled is false.
func New(cfg config.ArchiveInfo, sourcePath string, logger *slog.Logger, uploader Uploader) (*Manager, error) {
	if cfg.Schedule == "" {
		return nil, fmt.Errorf("archive: schedule is required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("archive: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: creating archive dir: %w", err)
	}

	m := &Manager{
		cfg:        cfg,
		sourcePath: sourcePath,
		logger:     logger.With("component", "archive"),
		uploader:   uploader,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(m.logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(cfg.Schedule, m.runOnce); err != nil {
		return nil, fmt.Errorf("archive: adding cron schedule: %w", err)
	}
	m.cron = c

	return m, nil
}

// Start begins the cron scheduler.
func (m *Manager) Start() {
	m.logger.Info("archive scheduler started", "schedule", m.cfg.Schedule, "dir", m.cfg.Dir)
	m.cron.Start()
}

// Stop halts the scheduler, waiting for any in-flight run to finish.
func (m *Manager) Stop(ctx context.Context) {
	stopCtx := m.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		m.logger.Warn("archive scheduler stop timed out")
	}
}

// RunNow triggers one rotation outside the cron schedule, for callers that
// want an archive taken immediately (e.g. on graceful shutdown).
func (m *Manager) RunNow() error {
	return m.rotate()
}

func (m *Manager) runOnce() {
	if err := m.rotate(); err != nil {
		m.logger.Error("archive rotation failed", "error", err)
	}
}

// rotate compresses the current source file into a timestamped archive,
// uploads it when S3 is enabled, and prunes old local archives beyond
// cfg.KeepFiles.
func (m *Manager) rotate() error {
	if _, err := os.Stat(m.sourcePath); err != nil {
		if os.IsNotExist(err) {
			m.logger.Debug("archive source missing, skipping rotation", "path", m.sourcePath)
			return nil
		}
		return fmt.Errorf("statting archive source: %w", err)
	}

	ext := ".gz"
	if m.cfg.Compression == "zstd" {
		ext = ".zst"
	}
	name := fmt.Sprintf("events-%s%s", time.Now().UTC().Format("20060102T150405"), ext)
	destPath := filepath.Join(m.cfg.Dir, name)

	if err := m.compress(destPath); err != nil {
		return fmt.Errorf("compressing archive: %w", err)
	}
	m.logger.Info("archive rotated", "file", destPath)

	if m.cfg.S3.Enabled && m.uploader != nil {
		key := strings.TrimPrefix(m.cfg.S3.Prefix+"/"+name, "/")
		if err := m.uploader.Upload(context.Background(), m.cfg.S3.Bucket, key, destPath); err != nil {
			m.logger.Error("archive upload failed", "file", destPath, "bucket", m.cfg.S3.Bucket, "error", err)
		} else {
			m.logger.Info("archive uploaded", "file", destPath, "bucket", m.cfg.S3.Bucket, "key", key)
		}
	}

	return m.prune()
}

// compress streams sourcePath through the configured codec into destPath.
func (m *Manager) compress(destPath string) error {
	src, err := os.Open(m.sourcePath)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("creating archive file: %w", err)
	}
	defer dst.Close()

	switch m.cfg.Compression {
	case "zstd":
		enc, err := zstd.NewWriter(dst)
		if err != nil {
			return fmt.Errorf("creating zstd writer: %w", err)
		}
		if _, err := io.Copy(enc, src); err != nil {
			enc.Close()
			return fmt.Errorf("writing zstd stream: %w", err)
		}
		return enc.Close()
	default:
		w, err := pgzip.NewWriterLevel(dst, pgzip.BestSpeed)
		if err != nil {
			return fmt.Errorf("creating gzip writer: %w", err)
		}
		if _, err := io.Copy(w, src); err != nil {
			w.Close()
			return fmt.Errorf("writing gzip stream: %w", err)
		}
		return w.Close()
	}
}

// prune removes archive files beyond cfg.KeepFiles, oldest first, mirroring
// the storage-rotation discipline used to cap local backup retention.
func (m *Manager) prune() error {
	if m.cfg.KeepFiles <= 0 {
		return nil
	}

	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return fmt.Errorf("reading archive dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), "events-") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	if len(files) <= m.cfg.KeepFiles {
		return nil
	}

	for _, name := range files[:len(files)-m.cfg.KeepFiles] {
		if err := os.Remove(filepath.Join(m.cfg.Dir, name)); err != nil {
			return fmt.Errorf("removing old archive %s: %w", name, err)
		}
	}
	return nil
}
