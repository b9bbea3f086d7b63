package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestLoad_Minimal(t *testing.T) {
	path := writeConfig(t, `
listen:
  address: "0.0.0.0:8443"
socks5:
  address: "127.0.0.1:1080"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.Address != "0.0.0.0:8443" {
		t.Errorf("expected listen.address '0.0.0.0:8443', got %q", cfg.Listen.Address)
	}
	if cfg.Socks5.Address != "127.0.0.1:1080" {
		t.Errorf("expected socks5.address '127.0.0.1:1080', got %q", cfg.Socks5.Address)
	}
	if cfg.Pool.Size != 256 {
		t.Errorf("expected default pool.size 256, got %d", cfg.Pool.Size)
	}
	if cfg.Pool.PollTimeout != 16*time.Second {
		t.Errorf("expected default poll_timeout 16s, got %v", cfg.Pool.PollTimeout)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default logging.level 'info', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected default logging.format 'json', got %q", cfg.Logging.Format)
	}
	if cfg.Observability.EventsFile != "vsocks-events.jsonl" {
		t.Errorf("expected default events file, got %q", cfg.Observability.EventsFile)
	}
}

func TestLoad_Full(t *testing.T) {
	path := writeConfig(t, `
listen:
  address: "0.0.0.0:8443"
socks5:
  address: "relay.internal:1080"
pool:
  size: 512
  poll_timeout: 250ms
  accept_rate_limit: 200
  accept_burst: 50
logging:
  level: debug
  format: text
  verbose: true
observability:
  enabled: true
  address: "127.0.0.1:9090"
  history_size: 1000
  tls:
    cert_file: /etc/vsocks/tls.crt
    key_file: /etc/vsocks/tls.key
archive:
  enabled: true
  schedule: "0 3 * * *"
  dir: /var/lib/vsocks/archive
  s3:
    enabled: true
    bucket: vsocks-events
    prefix: prod/
    region: us-east-1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.Size != 512 {
		t.Errorf("expected pool.size 512, got %d", cfg.Pool.Size)
	}
	if cfg.Pool.PollTimeout != 250*time.Millisecond {
		t.Errorf("expected poll_timeout 250ms, got %v", cfg.Pool.PollTimeout)
	}
	if !cfg.Observability.Enabled {
		t.Error("expected observability.enabled true")
	}
	if cfg.Observability.HistorySize != 1000 {
		t.Errorf("expected history_size 1000, got %d", cfg.Observability.HistorySize)
	}
	if !cfg.Archive.Enabled {
		t.Error("expected archive.enabled true")
	}
	if cfg.Archive.S3.Bucket != "vsocks-events" {
		t.Errorf("expected s3.bucket 'vsocks-events', got %q", cfg.Archive.S3.Bucket)
	}
	if cfg.Archive.Compression != "gzip" {
		t.Errorf("expected default archive.compression 'gzip', got %q", cfg.Archive.Compression)
	}
	if cfg.Archive.KeepFiles != 10 {
		t.Errorf("expected default archive.keep_files 10, got %d", cfg.Archive.KeepFiles)
	}
}

func TestLoad_ObservabilityDefaultCIDRs(t *testing.T) {
	path := writeConfig(t, `
listen:
  address: "0.0.0.0:8443"
socks5:
  address: "127.0.0.1:1080"
observability:
  enabled: true
  address: "127.0.0.1:9090"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Observability.ParsedCIDRs) != 2 {
		t.Fatalf("expected 2 default parsed CIDRs, got %d", len(cfg.Observability.ParsedCIDRs))
	}
}

func TestLoad_ObservabilityCIDRsAndBareIPs(t *testing.T) {
	path := writeConfig(t, `
listen:
  address: "0.0.0.0:8443"
socks5:
  address: "127.0.0.1:1080"
observability:
  enabled: true
  address: "127.0.0.1:9090"
  allowed_cidrs:
    - "10.0.0.0/8"
    - "192.168.1.10"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Observability.ParsedCIDRs) != 2 {
		t.Fatalf("expected 2 parsed CIDRs, got %d", len(cfg.Observability.ParsedCIDRs))
	}
	if cfg.Observability.ParsedCIDRs[1].String() != "192.168.1.10/32" {
		t.Errorf("expected bare IP widened to /32, got %s", cfg.Observability.ParsedCIDRs[1].String())
	}
}

func TestLoad_ObservabilityInvalidCIDR(t *testing.T) {
	path := writeConfig(t, `
listen:
  address: "0.0.0.0:8443"
socks5:
  address: "127.0.0.1:1080"
observability:
  enabled: true
  address: "127.0.0.1:9090"
  allowed_cidrs:
    - "not-an-ip"
`)
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for invalid CIDR, got nil")
	}
}

func TestLoad_InvalidCompression(t *testing.T) {
	path := writeConfig(t, `
listen:
  address: "0.0.0.0:8443"
socks5:
  address: "127.0.0.1:1080"
archive:
  enabled: true
  schedule: "0 3 * * *"
  dir: /var/lib/vsocks/archive
  compression: lzma
`)
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for unsupported compression, got nil")
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no listen", "socks5:\n  address: \"127.0.0.1:1080\"\n"},
		{"no socks5", "listen:\n  address: \"0.0.0.0:8443\"\n"},
		{
			"observability without address",
			"listen:\n  address: \"0.0.0.0:8443\"\nsocks5:\n  address: \"127.0.0.1:1080\"\nobservability:\n  enabled: true\n",
		},
		{
			"archive without schedule",
			"listen:\n  address: \"0.0.0.0:8443\"\nsocks5:\n  address: \"127.0.0.1:1080\"\narchive:\n  enabled: true\n  dir: /tmp\n",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.body)
			if _, err := Load(path); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error loading missing file, got nil")
	}
}
