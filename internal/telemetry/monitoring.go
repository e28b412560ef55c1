package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check result
type HealthCheck struct {
	Name        string            `json:"name"`
	Status      HealthStatus      `json:"status"`
	Message     string            `json:"message"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration"`
	Details     map[string]string `json:"details,omitempty"`
}

// MonitoringServer serves /health and the session metrics of an rcmd server.
type MonitoringServer struct {
	collector    *Collector
	sessions     *PerformanceMonitor
	healthChecks map[string]func() HealthCheck
	mux          *http.ServeMux
	server       *http.Server
}

// NewMonitoringServer creates a monitoring server. When sessions is non-nil
// its state is reported by the "sessions" health check.
func NewMonitoringServer(addr string, collector *Collector, sessions *PerformanceMonitor) *MonitoringServer {
	ms := &MonitoringServer{
		collector:    collector,
		sessions:     sessions,
		healthChecks: make(map[string]func() HealthCheck),
		mux:          http.NewServeMux(),
	}
	ms.mux.HandleFunc("/health", ms.healthHandler)
	ms.mux.HandleFunc("/metrics", ms.metricsHandler)
	ms.mux.HandleFunc("/api/metrics", ms.apiMetricsHandler)
	if sessions != nil {
		ms.RegisterHealthCheck("sessions", SessionsHealthCheck(sessions))
	}
	ms.server = &http.Server{Addr: addr, Handler: ms.mux}
	return ms
}

// healthHandler runs every check. Only an unhealthy check fails the request.
func (ms *MonitoringServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks := ms.runHealthChecks()

	overall := HealthStatusHealthy
	for _, check := range checks {
		switch check.Status {
		case HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if overall == HealthStatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    overall,
		"timestamp": time.Now(),
		"checks":    checks,
	})
}

// metricsHandler prints one line per series in Prometheus text form
func (ms *MonitoringServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")

	typed := make(map[string]bool)
	for _, metric := range ms.collector.Values() {
		if metric.Name == MetricSessionsActive && ms.sessions != nil {
			continue
		}
		if !typed[metric.Name] {
			fmt.Fprintf(w, "# TYPE %s %s\n", metric.Name, metric.Type)
			typed[metric.Name] = true
		}
		fmt.Fprintf(w, "%s %f %d\n", metric.Series, metric.Value, metric.Timestamp.Unix())
	}
	if ms.sessions != nil {
		fmt.Fprintf(w, "# TYPE %s %s\n", MetricSessionsActive, Gauge)
		fmt.Fprintf(w, "%s %d\n", MetricSessionsActive, ms.sessions.Active())
	}
}

func (ms *MonitoringServer) apiMetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ms.collector.Values())
}

// RegisterHealthCheck registers a health check function
func (ms *MonitoringServer) RegisterHealthCheck(name string, checkFn func() HealthCheck) {
	ms.healthChecks[name] = checkFn
}

// runHealthChecks executes all registered health checks, ordered by name
func (ms *MonitoringServer) runHealthChecks() []HealthCheck {
	names := make([]string, 0, len(ms.healthChecks))
	for name := range ms.healthChecks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make([]HealthCheck, 0, len(names))
	for _, name := range names {
		start := time.Now()
		check := ms.healthChecks[name]()
		check.Duration = time.Since(start)
		check.LastChecked = time.Now()
		checks = append(checks, check)
	}
	return checks
}

// Start starts the monitoring server
func (ms *MonitoringServer) Start() error {
	log.Info().Str("addr", ms.server.Addr).Msg("Starting monitoring server")
	return ms.server.ListenAndServe()
}

// Handler exposes the monitoring routes
func (ms *MonitoringServer) Handler() http.Handler {
	return ms.mux
}

// Shutdown gracefully shuts down the monitoring server
func (ms *MonitoringServer) Shutdown(ctx context.Context) error {
	if ms.server != nil {
		return ms.server.Shutdown(ctx)
	}
	return nil
}

// SessionsHealthCheck reports the sessions being served. It is degraded while
// the command interpreter has failed to launch more recently than any
// command completed.
func SessionsHealthCheck(pm *PerformanceMonitor) func() HealthCheck {
	return func() HealthCheck {
		st := pm.Stats()
		check := HealthCheck{
			Name:    "sessions",
			Status:  HealthStatusHealthy,
			Message: fmt.Sprintf("%d active sessions", st.Active),
			Details: map[string]string{
				"active":     strconv.FormatInt(st.Active, 10),
				"iterations": strconv.FormatUint(st.Iterations, 10),
				"uptime":     st.Uptime.Round(time.Second).String(),
			},
		}
		if !st.LastIteration.IsZero() {
			check.Details["last_iteration"] = humanize.Time(st.LastIteration)
		}
		if st.LastLaunchFailure.After(st.LastIteration) {
			check.Status = HealthStatusDegraded
			check.Message = "commands failing to launch since " + humanize.Time(st.LastLaunchFailure)
		}
		return check
	}
}

// WritableDirCheck reports whether files can be created in dir.
func WritableDirCheck(name, dir string) func() HealthCheck {
	return func() HealthCheck {
		check := HealthCheck{Name: name, Details: map[string]string{"dir": dir}}
		f, err := os.CreateTemp(dir, ".rcmd-health-*")
		if err != nil {
			check.Status = HealthStatusUnhealthy
			check.Message = err.Error()
			return check
		}
		_ = f.Close()
		_ = os.Remove(f.Name())
		check.Status = HealthStatusHealthy
		check.Message = dir + " is writable"
		return check
	}
}
