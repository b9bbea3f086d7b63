// Package config loads and validates the YAML configuration file accepted
// by the vsocks proxy daemon.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProxyConfig representa a configuração completa do vsocks.
type ProxyConfig struct {
	Listen        ListenInfo        `yaml:"listen"`
	Socks5        Socks5Info        `yaml:"socks5"`
	Pool          PoolInfo          `yaml:"pool"`
	Logging       LoggingInfo       `yaml:"logging"`
	Observability ObservabilityInfo `yaml:"observability"`
	Archive       ArchiveInfo       `yaml:"archive"`
}

// ListenInfo contém o endereço em que o proxy aceita conexões.
type ListenInfo struct {
	Address string `yaml:"address"`
}

// Socks5Info contém o endereço do relay SOCKS5 upstream.
type Socks5Info struct {
	Address string `yaml:"address"`
}

// PoolInfo configura o dimensionamento da arena de streams e o timeout do
// ciclo de espera por eventos.
type PoolInfo struct {
	Size            int           `yaml:"size"`
	PollTimeout     time.Duration `yaml:"poll_timeout"`
	AcceptRateLimit float64       `yaml:"accept_rate_limit"` // connections/sec; 0 = sem limite
	AcceptBurst     int           `yaml:"accept_burst"`
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Verbose bool   `yaml:"verbose"`
	File    string `yaml:"file"`
	// TraceDir, when set, enables a per-relation debug trace file under
	// {TraceDir}/{client_fd}.log for the lifetime of each relation.
	TraceDir string `yaml:"trace_dir"`
}

// ObservabilityInfo configura o endpoint HTTP de observabilidade
// (saúde, estatísticas de pool, relações ativas e histórico).
type ObservabilityInfo struct {
	Enabled      bool      `yaml:"enabled"`
	Address      string    `yaml:"address"`
	TLS          TLSServer `yaml:"tls"`
	HistorySize  int       `yaml:"history_size"`
	EventsFile   string    `yaml:"events_file"`
	AllowedCIDRs []string  `yaml:"allowed_cidrs"`

	// ParsedCIDRs is populated by validate from AllowedCIDRs, accepting
	// both bare IPs (widened to /32 or /128) and CIDR blocks.
	ParsedCIDRs []*net.IPNet `yaml:"-"`
}

// TLSServer contém os caminhos de certificado/chave do endpoint de
// observabilidade quando servido sobre TLS.
type TLSServer struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ArchiveInfo configura a rotação/compressão/upload periódico do log de
// eventos de relação para armazenamento de longo prazo.
type ArchiveInfo struct {
	Enabled     bool   `yaml:"enabled"`
	Schedule    string `yaml:"schedule"`    // expressão cron
	Dir         string `yaml:"dir"`
	Compression string `yaml:"compression"` // gzip|zstd (default: gzip)
	KeepFiles   int    `yaml:"keep_files"`  // arquivos locais a manter após rotação (default: 10)
	S3          S3Info `yaml:"s3"`
}

// S3Info configura o upload opcional dos arquivos comprimidos para S3.
type S3Info struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Region  string `yaml:"region"`
}

// Load lê e valida o arquivo YAML de configuração do proxy.
func Load(path string) (*ProxyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading proxy config: %w", err)
	}

	var cfg ProxyConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing proxy config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating proxy config: %w", err)
	}

	return &cfg, nil
}

func (c *ProxyConfig) validate() error {
	if c.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}
	if c.Socks5.Address == "" {
		return fmt.Errorf("socks5.address is required")
	}

	if c.Pool.Size <= 0 {
		c.Pool.Size = 256
	}
	if c.Pool.PollTimeout <= 0 {
		c.Pool.PollTimeout = 16 * time.Second
	}
	if c.Pool.AcceptBurst <= 0 {
		c.Pool.AcceptBurst = 1
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Observability.EventsFile == "" {
		c.Observability.EventsFile = "vsocks-events.jsonl"
	}

	if c.Observability.Enabled {
		if c.Observability.Address == "" {
			return fmt.Errorf("observability.address is required when observability.enabled is true")
		}
		if c.Observability.HistorySize <= 0 {
			c.Observability.HistorySize = 500
		}
		if (c.Observability.TLS.CertFile == "") != (c.Observability.TLS.KeyFile == "") {
			return fmt.Errorf("observability.tls requires both cert_file and key_file")
		}
		if len(c.Observability.AllowedCIDRs) == 0 {
			c.Observability.AllowedCIDRs = []string{"127.0.0.1/32", "::1/128"}
		}
		for _, entry := range c.Observability.AllowedCIDRs {
			_, cidr, err := net.ParseCIDR(entry)
			if err != nil {
				ip := net.ParseIP(strings.TrimSpace(entry))
				if ip == nil {
					return fmt.Errorf("observability.allowed_cidrs: %q is not a valid IP or CIDR", entry)
				}
				if ip.To4() != nil {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/32")
				} else {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/128")
				}
			}
			c.Observability.ParsedCIDRs = append(c.Observability.ParsedCIDRs, cidr)
		}
	}

	if c.Archive.Enabled {
		if c.Archive.Schedule == "" {
			return fmt.Errorf("archive.schedule is required when archive.enabled is true")
		}
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir is required when archive.enabled is true")
		}
		if c.Archive.S3.Enabled && c.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when archive.s3.enabled is true")
		}
		switch c.Archive.Compression {
		case "":
			c.Archive.Compression = "gzip"
		case "gzip", "zstd":
		default:
			return fmt.Errorf("archive.compression must be gzip or zstd, got %q", c.Archive.Compression)
		}
		if c.Archive.KeepFiles <= 0 {
			c.Archive.KeepFiles = 10
		}
	}

	return nil
}
