package observability

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// mockMetrics implements Metrics for tests.
type mockMetrics struct {
	pool      PoolSnapshot
	relations []RelationEntry
}

func (m *mockMetrics) PoolSnapshot() PoolSnapshot { return m.pool }
func (m *mockMetrics) Relations() []RelationEntry { return m.relations }

func localhostACL(t *testing.T) *ACL {
	t.Helper()
	return NewACL(parseCIDRs(t, "127.0.0.1/32"))
}

func TestHealth_ReturnsOK(t *testing.T) {
	router := NewRouter(&mockMetrics{}, localhostACL(t), nil, nil)

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status 'ok', got %v", resp.Status)
	}
	if resp.Uptime == "" {
		t.Error("expected uptime field")
	}
	if resp.Go == "" {
		t.Error("expected go field")
	}
	if resp.Stats == nil {
		t.Fatal("expected stats field in health response")
	}
	if resp.Stats.GoRoutines <= 0 {
		t.Errorf("expected goroutines > 0, got %d", resp.Stats.GoRoutines)
	}
	if resp.Stats.CPUCores <= 0 {
		t.Errorf("expected cpu_cores > 0, got %d", resp.Stats.CPUCores)
	}
}

func TestPool_ReturnsData(t *testing.T) {
	mock := &mockMetrics{pool: PoolSnapshot{
		ClientForwarding:   2,
		ClientTotal:        3,
		UpstreamForwarding: 2,
		UpstreamTotal:      3,
		Total:              6,
		Capacity:           256,
	}}
	router := NewRouter(mock, localhostACL(t), nil, nil)

	req := httptest.NewRequest("GET", "/api/v1/pool", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp PoolSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Total != 6 {
		t.Errorf("expected total 6, got %d", resp.Total)
	}
	if resp.Capacity != 256 {
		t.Errorf("expected capacity 256, got %d", resp.Capacity)
	}
}

func TestPrometheusMetrics_ReturnsTextFormat(t *testing.T) {
	mock := &mockMetrics{pool: PoolSnapshot{
		ClientForwarding:   1,
		UpstreamForwarding: 1,
		Total:              2,
		Capacity:           256,
	}}
	router := NewRouter(mock, localhostACL(t), nil, nil)

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "text/plain") {
		t.Fatalf("expected text/plain content type, got %q", got)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"# HELP vsocks_pool_capacity",
		"vsocks_pool_capacity 256",
		"vsocks_pool_total 2",
		"vsocks_relations_forwarding{side=\"client\"} 1",
		"vsocks_relations_forwarding{side=\"upstream\"} 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics body to contain %q\nbody:\n%s", want, body)
		}
	}
}

func TestRelations_EmptyList(t *testing.T) {
	router := NewRouter(&mockMetrics{}, localhostACL(t), nil, nil)

	req := httptest.NewRequest("GET", "/api/v1/relations", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp []RelationEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(resp) != 0 {
		t.Errorf("expected empty relations, got %d", len(resp))
	}
}

func TestRelations_WithData(t *testing.T) {
	mock := &mockMetrics{relations: []RelationEntry{
		{ClientFD: 5, UpstreamFD: 6, Dest: "10.0.0.1:443", Level: "FORWARDING", BytesIn: 1024},
	}}
	router := NewRouter(mock, localhostACL(t), nil, nil)

	req := httptest.NewRequest("GET", "/api/v1/relations", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp []RelationEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(resp) != 1 {
		t.Fatalf("expected 1 relation, got %d", len(resp))
	}
	if resp[0].Dest != "10.0.0.1:443" {
		t.Errorf("expected dest 10.0.0.1:443, got %s", resp[0].Dest)
	}
}

func TestEvents_ReturnsRecent(t *testing.T) {
	dir := t.TempDir()
	store, err := NewEventStore(dir+"/events.jsonl", 100, 10000)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	store.PushEvent("info", "relation_opened", "10.0.0.1:443", "client_fd=5 relay_fd=6")

	router := NewRouter(&mockMetrics{}, localhostACL(t), store, nil)

	req := httptest.NewRequest("GET", "/api/v1/events", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp []EventEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(resp) != 1 {
		t.Fatalf("expected 1 event, got %d", len(resp))
	}
	if resp[0].Type != "relation_opened" {
		t.Errorf("expected type relation_opened, got %q", resp[0].Type)
	}
}

func TestEvents_DisabledWhenStoreNil(t *testing.T) {
	router := NewRouter(&mockMetrics{}, localhostACL(t), nil, nil)

	req := httptest.NewRequest("GET", "/api/v1/events", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 when events endpoint is disabled, got %d", rec.Code)
	}
}

func TestHostStats_ReturnsData(t *testing.T) {
	hostStatsFn := func() []HostStatsEntry {
		return []HostStatsEntry{{Timestamp: "2026-01-01T00:00:00Z", CPUPercent: 12.5}}
	}
	router := NewRouter(&mockMetrics{}, localhostACL(t), nil, hostStatsFn)

	req := httptest.NewRequest("GET", "/api/v1/hoststats", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp []HostStatsEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(resp) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(resp))
	}
	if resp[0].CPUPercent != 12.5 {
		t.Errorf("expected cpu_percent 12.5, got %f", resp[0].CPUPercent)
	}
}

func TestACL_BlocksHealthEndpoint(t *testing.T) {
	acl := NewACL([]*net.IPNet{mustParseCIDR(t, "10.0.0.0/8")})
	router := NewRouter(&mockMetrics{}, acl, nil, nil)

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestNotFound_Returns404(t *testing.T) {
	router := NewRouter(&mockMetrics{}, localhostACL(t), nil, nil)

	req := httptest.NewRequest("GET", "/nonexistent", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
