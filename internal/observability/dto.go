// Package observability serves an HTTP API exposing proxy health, pool
// occupancy, active relations and a rolling event log, adapted from the
// session-observability layer of the system this proxy's ops tooling was
// modeled on.
package observability

// HealthResponse is the /api/v1/health payload.
type HealthResponse struct {
	Status  string       `json:"status"`
	Uptime  string       `json:"uptime"`
	Version string       `json:"version"`
	Go      string       `json:"go"`
	Stats   *ServerStats `json:"stats,omitempty"`
}

// ServerStats carries Go runtime metrics surfaced alongside health.
type ServerStats struct {
	GoRoutines  int     `json:"go_routines"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	HeapSysMB   float64 `json:"heap_sys_mb"`
	GCPauseMs   float64 `json:"gc_pause_ms"`
	GCCycles    uint32  `json:"gc_cycles"`
	CPUCores    int     `json:"cpu_cores"`
}

// PoolSnapshot mirrors reactor.StatsSnapshot for JSON/Prometheus exposure
// without importing the reactor package (which would create an import
// cycle back into this package's HTTP handlers).
type PoolSnapshot struct {
	ClientForwarding   int `json:"client_forwarding"`
	ClientTotal        int `json:"client_total"`
	UpstreamForwarding int `json:"upstream_forwarding"`
	UpstreamTotal      int `json:"upstream_total"`
	Total              int `json:"total"`
	Capacity           int `json:"capacity"`
}

// RelationEntry describes one currently active client/upstream pairing.
type RelationEntry struct {
	Timestamp  string `json:"timestamp"`
	ClientFD   int    `json:"client_fd"`
	UpstreamFD int    `json:"upstream_fd"`
	Dest       string `json:"dest"`
	Level      string `json:"level"`
	BytesIn    int64  `json:"bytes_in"`
	BytesOut   int64  `json:"bytes_out"`
}

// EventEntry is one line of the rolling operational event log. The reactor
// emits two types: relation_opened and relation_closed.
type EventEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Type      string `json:"type"`
	Dest      string `json:"dest,omitempty"`
	Message   string `json:"message"`
}

// HostStatsEntry is a single hoststats sample surfaced over the API.
type HostStatsEntry struct {
	Timestamp   string  `json:"timestamp"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemUsedPct  float64 `json:"mem_used_percent"`
	Load1       float64 `json:"load1"`
	Load5       float64 `json:"load5"`
	Load15      float64 `json:"load15"`
}
