package telemetry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCollectorRunningValues(t *testing.T) {
	c := NewCollector(true)
	defer c.Shutdown()

	c.Counter("hits", 1, nil)
	c.Counter("hits", 2, nil)
	c.Gauge("level", 5, nil)
	c.Gauge("level", 3, nil)

	if got := c.Value("hits"); got != 3 {
		t.Fatalf("expected counter 3, got %v", got)
	}
	if got := c.Value("level"); got != 3 {
		t.Fatalf("expected gauge 3, got %v", got)
	}
	if len(c.GetMetrics()) != 4 {
		t.Fatalf("expected 4 buffered samples")
	}
	if err := c.FlushMetrics(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(c.GetMetrics()) != 0 {
		t.Fatalf("expected empty buffer after flush")
	}
	if got := c.Value("hits"); got != 3 {
		t.Fatalf("running value lost on flush: %v", got)
	}
}

func TestCollectorDisabled(t *testing.T) {
	c := NewCollector(false)
	c.Counter("hits", 1, nil)
	if len(c.Values()) != 0 {
		t.Fatalf("disabled collector recorded values")
	}
}

func TestPerformanceMonitorSessions(t *testing.T) {
	c := NewCollector(true)
	defer c.Shutdown()
	pm := NewPerformanceMonitor(c, false)

	pm.SessionStarted()
	pm.SessionStarted()
	pm.IterationDone(0, 3, time.Millisecond)
	pm.IterationDone(1, 0, time.Millisecond)
	pm.SessionEnded("completed", 2, time.Second)

	if pm.Active() != 1 {
		t.Fatalf("expected 1 active session, got %d", pm.Active())
	}
	if c.Value(MetricSessionsStarted) != 2 || c.Value(MetricIterations) != 2 || c.Value(MetricNonZeroExit) != 1 {
		t.Fatalf("unexpected values: %+v", c.Values())
	}
}

func TestMonitoringEndpoints(t *testing.T) {
	c := NewCollector(true)
	defer c.Shutdown()
	pm := NewPerformanceMonitor(c, false)
	pm.SessionStarted()
	ms := NewMonitoringServer("127.0.0.1:0", c, pm)

	rr := httptest.NewRecorder()
	ms.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != 200 {
		t.Fatalf("status %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, MetricSessionsStarted) || strings.Count(body, "\n"+MetricSessionsActive+" ") != 1 {
		t.Fatalf("unexpected metrics body:\n%s", body)
	}

	rr = httptest.NewRecorder()
	ms.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != 200 {
		t.Fatalf("health status %d", rr.Code)
	}
	var resp struct {
		Status HealthStatus  `json:"status"`
		Checks []HealthCheck `json:"checks"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != HealthStatusHealthy || len(resp.Checks) != 1 || resp.Checks[0].Details["active"] != "1" {
		t.Fatalf("unexpected health: %+v", resp)
	}
}

func TestMetricsKeepLabelSets(t *testing.T) {
	c := NewCollector(true)
	defer c.Shutdown()
	pm := NewPerformanceMonitor(c, false)

	pm.SessionStarted()
	pm.SessionStarted()
	pm.SessionStarted()
	pm.SessionEnded("completed", 1, time.Second)
	pm.SessionEnded("completed", 1, time.Second)
	pm.SessionEnded("rcend", 0, time.Second)
	pm.RequestRejected("bad_request")
	pm.RequestRejected("idle_timeout")

	if got := c.SeriesValue(MetricSessionsEnded, map[string]string{"reason": "completed"}); got != 2 {
		t.Fatalf("expected 2 completed sessions, got %v", got)
	}
	if got := c.Value(MetricSessionsEnded); got != 3 {
		t.Fatalf("expected 3 ended sessions in total, got %v", got)
	}

	rr := httptest.NewRecorder()
	NewMonitoringServer("127.0.0.1:0", c, pm).Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	for _, want := range []string{
		MetricSessionsEnded + `{reason="completed"} 2.000000`,
		MetricSessionsEnded + `{reason="rcend"} 1.000000`,
		MetricRequestsRejected + `{why="bad_request"} 1.000000`,
		MetricRequestsRejected + `{why="idle_timeout"} 1.000000`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
	if strings.Count(body, "# TYPE "+MetricSessionsEnded+" ") != 1 {
		t.Fatalf("expected one TYPE line per metric:\n%s", body)
	}
}

func TestSessionsHealthDegradesOnLaunchFailure(t *testing.T) {
	c := NewCollector(true)
	defer c.Shutdown()
	pm := NewPerformanceMonitor(c, false)
	check := SessionsHealthCheck(pm)

	if got := check().Status; got != HealthStatusHealthy {
		t.Fatalf("expected healthy, got %s", got)
	}
	pm.ExecFailed()
	if got := check().Status; got != HealthStatusDegraded {
		t.Fatalf("expected degraded after launch failure, got %s", got)
	}
	time.Sleep(time.Millisecond)
	pm.IterationDone(0, 1, time.Millisecond)
	if got := check(); got.Status != HealthStatusHealthy || got.Details["iterations"] != "1" {
		t.Fatalf("expected recovery after a completed run, got %+v", got)
	}
}

func TestWritableDirCheck(t *testing.T) {
	dir := t.TempDir()
	if got := WritableDirCheck("capture_dir", dir)(); got.Status != HealthStatusHealthy {
		t.Fatalf("expected healthy, got %+v", got)
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 0 {
		t.Fatalf("health check file left behind: %v %v", entries, err)
	}
	if got := WritableDirCheck("capture_dir", filepath.Join(dir, "missing"))(); got.Status != HealthStatusUnhealthy {
		t.Fatalf("expected unhealthy, got %+v", got)
	}

	c := NewCollector(true)
	defer c.Shutdown()
	ms := NewMonitoringServer("127.0.0.1:0", c, nil)
	ms.RegisterHealthCheck("capture_dir", WritableDirCheck("capture_dir", filepath.Join(dir, "missing")))
	rr := httptest.NewRecorder()
	ms.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
