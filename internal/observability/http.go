package observability

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"
)

// startTime records process start for uptime reporting.
var startTime = time.Now()

// Version is set via -ldflags at build time.
var Version = "dev"

// Metrics is the read-only surface the HTTP router needs from the
// reactor, decoupling this package from the reactor package itself.
type Metrics interface {
	PoolSnapshot() PoolSnapshot
	Relations() []RelationEntry
}

// NewRouter builds the HTTP API for proxy observability, gated by acl.
// store may be nil to disable the /api/v1/events endpoint; hoststats may
// be nil to disable /api/v1/hoststats.
func NewRouter(metrics Metrics, acl *ACL, store *EventStore, hoststats func() []HostStatsEntry) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", handleHealth)
	mux.HandleFunc("GET /api/v1/pool", makePoolHandler(metrics))
	mux.HandleFunc("GET /metrics", makePrometheusHandler(metrics))
	mux.HandleFunc("GET /api/v1/relations", makeRelationsHandler(metrics))

	if store != nil {
		mux.HandleFunc("GET /api/v1/events", makeEventsHandler(store))
	}
	if hoststats != nil {
		mux.HandleFunc("GET /api/v1/hoststats", makeHostStatsHandler(hoststats))
	}

	return acl.Middleware(mux)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(startTime)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var lastPauseMs float64
	if mem.NumGC > 0 {
		lastPauseMs = float64(mem.PauseNs[(mem.NumGC+255)%256]) / 1e6
	}

	resp := HealthResponse{
		Status:  "ok",
		Uptime:  uptime.String(),
		Version: Version,
		Go:      runtime.Version(),
		Stats: &ServerStats{
			GoRoutines:  runtime.NumGoroutine(),
			HeapAllocMB: float64(mem.HeapAlloc) / (1024 * 1024),
			HeapSysMB:   float64(mem.HeapSys) / (1024 * 1024),
			GCPauseMs:   lastPauseMs,
			GCCycles:    mem.NumGC,
			CPUCores:    runtime.NumCPU(),
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

func makePoolHandler(metrics Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.PoolSnapshot())
	}
}

func makeRelationsHandler(metrics Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rels := metrics.Relations()
		if rels == nil {
			rels = []RelationEntry{}
		}
		writeJSON(w, http.StatusOK, rels)
	}
}

func makeEventsHandler(store *EventStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseInt(r.URL.Query().Get("limit"), 50)
		writeJSON(w, http.StatusOK, store.Recent(limit))
	}
}

func makeHostStatsHandler(hoststats func() []HostStatsEntry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		samples := hoststats()
		if samples == nil {
			samples = []HostStatsEntry{}
		}
		writeJSON(w, http.StatusOK, samples)
	}
}

// makePrometheusHandler exposes pool/relation metrics in Prometheus text
// format without depending on client_golang.
func makePrometheusHandler(metrics Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pool := metrics.PoolSnapshot()

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		fmt.Fprintf(w, "# HELP vsocks_pool_capacity Configured stream pool capacity.\n")
		fmt.Fprintf(w, "# TYPE vsocks_pool_capacity gauge\n")
		fmt.Fprintf(w, "vsocks_pool_capacity %d\n", pool.Capacity)

		fmt.Fprintf(w, "# HELP vsocks_pool_total Streams currently allocated from the pool.\n")
		fmt.Fprintf(w, "# TYPE vsocks_pool_total gauge\n")
		fmt.Fprintf(w, "vsocks_pool_total %d\n", pool.Total)

		fmt.Fprintf(w, "# HELP vsocks_relations_forwarding Relations currently in the FORWARDING state, by side.\n")
		fmt.Fprintf(w, "# TYPE vsocks_relations_forwarding gauge\n")
		fmt.Fprintf(w, "vsocks_relations_forwarding{side=\"client\"} %d\n", pool.ClientForwarding)
		fmt.Fprintf(w, "vsocks_relations_forwarding{side=\"upstream\"} %d\n", pool.UpstreamForwarding)

		fmt.Fprintf(w, "# HELP vsocks_runtime_goroutines Number of live goroutines.\n")
		fmt.Fprintf(w, "# TYPE vsocks_runtime_goroutines gauge\n")
		fmt.Fprintf(w, "vsocks_runtime_goroutines %d\n", runtime.NumGoroutine())

		fmt.Fprintf(w, "# HELP vsocks_runtime_heap_alloc_bytes Bytes of allocated heap objects.\n")
		fmt.Fprintf(w, "# TYPE vsocks_runtime_heap_alloc_bytes gauge\n")
		fmt.Fprintf(w, "vsocks_runtime_heap_alloc_bytes %d\n", mem.HeapAlloc)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func parseInt(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return defaultVal
	}
	return v
}
