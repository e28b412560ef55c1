package telemetry

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// Metric names recorded for served sessions.
const (
	MetricSessionsStarted   = "rcmd_sessions_started"
	MetricSessionsActive    = "rcmd_sessions_active"
	MetricSessionsEnded     = "rcmd_sessions_ended"
	MetricSessionDuration   = "rcmd_session_duration"
	MetricRequestsRejected  = "rcmd_requests_rejected"
	MetricIterations        = "rcmd_iterations"
	MetricExecDuration      = "rcmd_exec_duration"
	MetricExecFailed        = "rcmd_exec_failed"
	MetricNonZeroExit       = "rcmd_exec_nonzero_exit"
	MetricOutputBytes       = "rcmd_output_bytes"
	MetricProtocolViolation = "rcmd_protocol_violations"
)

// PerformanceMonitor tracks process metrics and the server's session metrics
type PerformanceMonitor struct {
	mu          sync.RWMutex
	enabled     bool
	collector   *Collector
	startTime   time.Time
	lastMetrics runtime.MemStats
	active      int64
	iterations  uint64
	ctx         context.Context
	cancel      context.CancelFunc

	lastIteration     time.Time
	lastLaunchFailure time.Time
}

// NewPerformanceMonitor creates a new performance monitor
func NewPerformanceMonitor(collector *Collector, enabled bool) *PerformanceMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	pm := &PerformanceMonitor{
		enabled:   enabled,
		collector: collector,
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	if enabled {
		go pm.collectSystemMetrics()
	}

	return pm
}

// collectSystemMetrics periodically collects system performance metrics
func (pm *PerformanceMonitor) collectSystemMetrics() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-pm.ctx.Done():
			return
		case <-ticker.C:
			pm.recordSystemMetrics()
		}
	}
}

// recordSystemMetrics records current system metrics
func (pm *PerformanceMonitor) recordSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.collector.Gauge("rcmd_memory_heap_bytes", float64(m.HeapAlloc), nil)
	pm.collector.Counter("rcmd_gc_total", float64(m.NumGC-pm.lastMetrics.NumGC), nil)
	pm.collector.Gauge("rcmd_goroutines", float64(runtime.NumGoroutine()), nil)
	pm.collector.Gauge("rcmd_uptime_seconds", time.Since(pm.startTime).Seconds(), nil)

	pm.lastMetrics = m
}

// SessionStarted records an accepted session
func (pm *PerformanceMonitor) SessionStarted() {
	pm.mu.Lock()
	pm.active++
	active := pm.active
	pm.mu.Unlock()

	pm.collector.Counter(MetricSessionsStarted, 1, nil)
	pm.collector.Gauge(MetricSessionsActive, float64(active), nil)
}

// SessionEnded records the end of a session and why it ended
func (pm *PerformanceMonitor) SessionEnded(reason string, iterations uint, duration time.Duration) {
	pm.mu.Lock()
	pm.active--
	active := pm.active
	pm.mu.Unlock()

	pm.collector.Counter(MetricSessionsEnded, 1, map[string]string{"reason": reason})
	pm.collector.Gauge(MetricSessionsActive, float64(active), nil)
	pm.collector.Histogram(MetricIterations+"_per_session", float64(iterations), nil)
	pm.collector.Timer(MetricSessionDuration, duration, nil)
}

// IterationDone records one executed iteration
func (pm *PerformanceMonitor) IterationDone(exitCode int, outputBytes int, duration time.Duration) {
	pm.mu.Lock()
	pm.iterations++
	pm.lastIteration = time.Now()
	pm.mu.Unlock()

	pm.collector.Counter(MetricIterations, 1, nil)
	pm.collector.Timer(MetricExecDuration, duration, nil)
	pm.collector.Histogram(MetricOutputBytes, float64(outputBytes), nil)
	if exitCode != 0 {
		pm.collector.Counter(MetricNonZeroExit, 1, nil)
	}
}

// RequestRejected records a connection closed before its session started
func (pm *PerformanceMonitor) RequestRejected(why string) {
	pm.collector.Counter(MetricRequestsRejected, 1, map[string]string{"why": why})
}

// ExecFailed records a command interpreter that could not be launched
func (pm *PerformanceMonitor) ExecFailed() {
	pm.mu.Lock()
	pm.lastLaunchFailure = time.Now()
	pm.mu.Unlock()

	pm.collector.Counter(MetricExecFailed, 1, nil)
}

// ProtocolViolation records unexpected bytes from a client
func (pm *PerformanceMonitor) ProtocolViolation() {
	pm.collector.Counter(MetricProtocolViolation, 1, nil)
}

// Active returns the number of sessions currently being served
func (pm *PerformanceMonitor) Active() int64 {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.active
}

// SessionStats is a point-in-time view of the sessions being served.
type SessionStats struct {
	Active            int64
	Iterations        uint64
	LastIteration     time.Time
	LastLaunchFailure time.Time
	Uptime            time.Duration
}

// Stats returns the current session counters
func (pm *PerformanceMonitor) Stats() SessionStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return SessionStats{
		Active:            pm.active,
		Iterations:        pm.iterations,
		LastIteration:     pm.lastIteration,
		LastLaunchFailure: pm.lastLaunchFailure,
		Uptime:            time.Since(pm.startTime),
	}
}

// Shutdown stops the performance monitor
func (pm *PerformanceMonitor) Shutdown() {
	if pm.cancel != nil {
		pm.cancel()
	}
}
