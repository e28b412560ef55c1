package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/rcmd/internal/core"
	"github.com/3cpo-dev/rcmd/internal/protocol"
	"github.com/3cpo-dev/rcmd/internal/telemetry"
)

type countingExecutor struct {
	inner Executor
	calls atomic.Int32
}

func (e *countingExecutor) Execute(ctx context.Context, command, capturePath string) (ExecResult, error) {
	e.calls.Add(1)
	return e.inner.Execute(ctx, command, capturePath)
}

type recordingAuditor struct {
	mu         sync.Mutex
	sessions   []core.SessionRecord
	iterations []core.IterationRecord
	ended      map[string]string
}

func (a *recordingAuditor) BeginSession(_ context.Context, rec core.SessionRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions = append(a.sessions, rec)
	return nil
}

func (a *recordingAuditor) RecordIteration(_ context.Context, it core.IterationRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.iterations = append(a.iterations, it)
	return nil
}

func (a *recordingAuditor) EndSession(_ context.Context, id string, _ uint, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ended == nil {
		a.ended = make(map[string]string)
	}
	a.ended[id] = reason
	return nil
}

// lastReason returns the end reason of the only session, once it ended.
func (a *recordingAuditor) lastReason() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sessions) == 0 {
		return ""
	}
	return a.ended[a.sessions[len(a.sessions)-1].ID]
}

type fixture struct {
	srv     *Server
	exec    *countingExecutor
	audit   *recordingAuditor
	metrics *telemetry.Collector
}

func newFixture(t *testing.T, configure func(h *Handler)) *fixture {
	t.Helper()
	collector := telemetry.NewCollector(true)
	monitor := telemetry.NewPerformanceMonitor(collector, false)
	f := &fixture{
		exec:    &countingExecutor{inner: &ShellExecutor{Shell: "/bin/sh"}},
		audit:   &recordingAuditor{},
		metrics: collector,
	}
	h := &Handler{
		CaptureDir: t.TempDir(),
		Executor:   f.exec,
		Audit:      f.audit,
		Monitor:    monitor,
	}
	if configure != nil {
		configure(h)
	}
	f.srv = NewServer(h)
	require.NoError(t, f.srv.Listen("127.0.0.1:0"))
	go func() { _ = f.srv.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.srv.Shutdown(ctx)
		monitor.Shutdown()
		_ = collector.Shutdown()
	})
	return f
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (f *fixture) dial(t *testing.T) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", f.srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) request(count, delay uint, command string) {
	c.t.Helper()
	buf, err := protocol.Request{Count: count, Delay: delay, Command: command}.Encode()
	require.NoError(c.t, err)
	c.send(buf)
}

func (c *testClient) send(b []byte) {
	c.t.Helper()
	_, err := c.conn.Write(b)
	require.NoError(c.t, err)
}

func (c *testClient) timestamp() string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	ts, err := protocol.ReadTimestamp(c.r)
	require.NoError(c.t, err)
	_, err = time.Parse(time.ANSIC, ts[:len(ts)-1])
	require.NoError(c.t, err, "timestamp %q", ts)
	return ts
}

func (c *testClient) result() []byte {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	f, err := protocol.ReadFrame(c.r)
	require.NoError(c.t, err)
	return f.Payload
}

func (c *testClient) iteration() []byte {
	c.t.Helper()
	c.timestamp()
	c.send(protocol.EncodeControl(protocol.TokenAck))
	return c.result()
}

// drain reads until the server closes the connection and returns what
// arrived in the meantime.
func (c *testClient) drain() []byte {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	b, err := io.ReadAll(c.r)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		c.t.Fatalf("server kept the connection open")
	}
	return b
}

func (f *fixture) waitReason(t *testing.T, want string) {
	t.Helper()
	require.Eventually(t, func() bool { return f.audit.lastReason() == want },
		5*time.Second, 10*time.Millisecond, "end reason %q never recorded", want)
}

func TestRepeatsCommandWithDelay(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial(t)

	c.request(3, 1, "echo hi")
	var stamps []time.Time
	for i := 0; i < 3; i++ {
		c.timestamp()
		stamps = append(stamps, time.Now())
		c.send(protocol.EncodeControl(protocol.TokenAck))
		assert.Equal(t, "hi\n", string(c.result()))
	}
	c.send(protocol.EncodeControl(protocol.TokenEnd))
	assert.Empty(t, c.drain())

	f.waitReason(t, ReasonCompleted)
	assert.Equal(t, int32(3), f.exec.calls.Load())
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[0]), 1800*time.Millisecond)
	assert.Len(t, f.audit.iterations, 3)
	assert.Equal(t, float64(3), f.metrics.Value(telemetry.MetricIterations))
}

func TestEndWhileAwaitingTimestamp(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial(t)

	c.request(3, 5, "echo hi")
	assert.Equal(t, "hi\n", string(c.iteration()))
	c.send(protocol.EncodeControl(protocol.TokenEnd))

	assert.Empty(t, c.drain())
	f.waitReason(t, ReasonEnd)
	assert.Equal(t, int32(1), f.exec.calls.Load())
}

func TestDoubleEndIsHarmless(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial(t)

	c.request(3, 5, "echo hi")
	c.iteration()
	c.send([]byte("rcendrcend"))

	assert.Empty(t, c.drain())
	f.waitReason(t, ReasonEnd)
	assert.Equal(t, int32(1), f.exec.calls.Load())
}

func TestBadAckClosesWithoutExecuting(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial(t)

	c.request(2, 0, "echo hi")
	c.timestamp()
	c.send([]byte("nope"))

	assert.Empty(t, c.drain())
	f.waitReason(t, ReasonProtocolViolation)
	assert.Zero(t, f.exec.calls.Load())
	assert.Equal(t, float64(1), f.metrics.Value(telemetry.MetricProtocolViolation))
}

func TestZeroCountCompletes(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial(t)

	c.request(0, 0, "echo hi")
	c.send(protocol.EncodeControl(protocol.TokenEnd))

	assert.Empty(t, c.drain())
	f.waitReason(t, ReasonCompleted)
	assert.Zero(t, f.exec.calls.Load())
}

func TestNonZeroExitStillSendsOutput(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial(t)

	c.request(1, 0, "echo partial; exit 3")
	assert.Equal(t, "partial\n", string(c.iteration()))
	c.send(protocol.EncodeControl(protocol.TokenEnd))
	c.drain()

	f.waitReason(t, ReasonCompleted)
	require.Len(t, f.audit.iterations, 1)
	assert.Equal(t, 3, f.audit.iterations[0].ExitCode)
}

func TestEmptyOutputIsSent(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial(t)

	c.request(1, 0, "true")
	assert.Empty(t, c.iteration())
}

func TestIdleTimeout(t *testing.T) {
	f := newFixture(t, func(h *Handler) { h.IdleTimeout = 100 * time.Millisecond })
	c := f.dial(t)

	c.request(2, 0, "echo hi")
	c.timestamp()

	assert.Empty(t, c.drain())
	f.waitReason(t, ReasonIdleTimeout)
	assert.Zero(t, f.exec.calls.Load())
}

func TestRejectsRequests(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"too many iterations", "5,0,echo hi"},
		{"missing command", "1,0"},
		{"bad count", "x,0,echo hi"},
		{"empty command", "1,0, "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(h *Handler) { h.MaxIterations = 3 })
			c := f.dial(t)

			buf, err := protocol.EncodeFrame([]byte(tt.payload))
			require.NoError(t, err)
			c.send(buf)

			assert.Empty(t, c.drain())
			require.Eventually(t, func() bool {
				return f.metrics.Value(telemetry.MetricRequestsRejected) == 1
			}, 5*time.Second, 10*time.Millisecond)
			assert.Zero(t, f.exec.calls.Load())
			assert.Empty(t, f.audit.sessions)
		})
	}
}

func TestEndBeforeRequest(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial(t)

	c.send(protocol.EncodeControl(protocol.TokenEnd))
	assert.Empty(t, c.drain())
	assert.Zero(t, f.exec.calls.Load())
}

func TestExecLaunchFailureClosesConnection(t *testing.T) {
	f := newFixture(t, func(h *Handler) {
		h.Executor = &ShellExecutor{Shell: "/nonexistent/shell"}
	})
	c := f.dial(t)

	c.request(2, 0, "echo hi")
	c.timestamp()
	c.send(protocol.EncodeControl(protocol.TokenAck))

	assert.Empty(t, c.drain())
	f.waitReason(t, ReasonExecFailed)
	assert.Equal(t, float64(1), f.metrics.Value(telemetry.MetricExecFailed))
}

func TestOversizedOutputEndsSession(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial(t)

	c.request(1, 0, "head -c 1048577 /dev/zero")
	c.timestamp()
	c.send(protocol.EncodeControl(protocol.TokenAck))

	assert.Equal(t, protocol.RCEND, string(c.drain()))
	f.waitReason(t, ReasonPayloadTooLarge)
}

func TestShutdownSendsEnd(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial(t)

	c.request(3, 30, "echo hi")
	c.iteration()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.srv.Shutdown(ctx))

	assert.Equal(t, protocol.RCEND, string(c.drain()))
	f.waitReason(t, ReasonShutdown)

	_, err := net.DialTimeout("tcp", f.srv.Addr().String(), time.Second)
	assert.Error(t, err)
}

func TestShutdownDuringCommandSendsNoResult(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial(t)

	c.request(2, 0, "echo partial; sleep 5; echo late")
	c.timestamp()
	c.send(protocol.EncodeControl(protocol.TokenAck))
	require.Eventually(t, func() bool { return f.exec.calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.srv.Shutdown(ctx))

	assert.Equal(t, protocol.RCEND, string(c.drain()))
	f.waitReason(t, ReasonShutdown)
	f.audit.mu.Lock()
	assert.Empty(t, f.audit.iterations)
	f.audit.mu.Unlock()
	assert.Zero(t, f.metrics.Value(telemetry.MetricIterations))
}

func TestConcurrentClientsUseSeparateCaptureFiles(t *testing.T) {
	f := newFixture(t, nil)
	a := f.dial(t)
	b := f.dial(t)

	a.request(2, 0, "sleep 0.2; echo alpha")
	b.request(2, 0, "sleep 0.2; echo bravo")

	var wg sync.WaitGroup
	outputs := make([][]string, 2)
	for i, c := range []*testClient{a, b} {
		wg.Add(1)
		go func(i int, c *testClient) {
			defer wg.Done()
			for n := 0; n < 2; n++ {
				_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
				if _, err := protocol.ReadTimestamp(c.r); err != nil {
					return
				}
				if _, err := c.conn.Write(protocol.EncodeControl(protocol.TokenAck)); err != nil {
					return
				}
				fr, err := protocol.ReadFrame(c.r)
				if err != nil {
					return
				}
				outputs[i] = append(outputs[i], string(fr.Payload))
			}
		}(i, c)
	}
	wg.Wait()

	assert.Equal(t, []string{"alpha\n", "alpha\n"}, outputs[0])
	assert.Equal(t, []string{"bravo\n", "bravo\n"}, outputs[1])
}

func TestCapturePath(t *testing.T) {
	dir := t.TempDir()
	p1 := CapturePath(dir, "[::1]:50000")
	p2 := CapturePath(dir, "[::1]:50001")
	assert.NotEqual(t, p1, p2)
	assert.Equal(t, filepath.Join(dir, "rcmd-___1__50000.out"), p1)
	assert.Equal(t, filepath.Join(dir, "rcmd-127.0.0.1_9000.out"), CapturePath(dir, "127.0.0.1:9000"))
}

func TestShellExecutor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out")

	e := &ShellExecutor{Shell: "/bin/sh"}
	res, err := e.Execute(context.Background(), "echo out; echo err >&2; exit 7", path)
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)
	out, err := collectCapture(path)
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(out))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "capture file not removed")

	e.CaptureStderr = true
	_, err = e.Execute(context.Background(), "echo err >&2", path)
	require.NoError(t, err)
	out, err = collectCapture(path)
	require.NoError(t, err)
	assert.Equal(t, "err\n", string(out))

	_, err = (&ShellExecutor{Shell: "/nonexistent/shell"}).Execute(context.Background(), "true", path)
	var launch *ExecLaunchError
	assert.ErrorAs(t, err, &launch)

	_, err = e.Execute(context.Background(), "true", filepath.Join(dir, "missing", "out"))
	assert.ErrorAs(t, err, &launch)
}
