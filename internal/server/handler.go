package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/rcmd/internal/core"
	"github.com/3cpo-dev/rcmd/internal/protocol"
	"github.com/3cpo-dev/rcmd/internal/telemetry"
)

// Reasons a connection ends, as logged and audited.
const (
	ReasonCompleted         = "completed"
	ReasonEnd               = "rcend"
	ReasonProtocolViolation = "protocol_violation"
	ReasonPeerClosed        = "peer_closed"
	ReasonReadFailed        = "read_failed"
	ReasonWriteFailed       = "write_failed"
	ReasonIdleTimeout       = "idle_timeout"
	ReasonShutdown          = "shutdown"
	ReasonExecFailed        = "exec_failed"
	ReasonPayloadTooLarge   = "payload_too_large"
	ReasonBadRequest        = "bad_request"
	ReasonTooManyIterations = "too_many_iterations"
)

// Auditor records sessions. *core.Store implements it.
type Auditor interface {
	BeginSession(ctx context.Context, rec core.SessionRecord) error
	RecordIteration(ctx context.Context, it core.IterationRecord) error
	EndSession(ctx context.Context, id string, iterations uint, reason string) error
}

// Handler serves one rcmd session per connection. A Handler holds no
// per-connection state and may serve many connections at once.
type Handler struct {
	CaptureDir string
	Executor   Executor
	// IdleTimeout bounds how long the client may stay silent while a
	// request or ack is expected. Zero disables it.
	IdleTimeout time.Duration
	// MaxIterations rejects requests with a larger count. Zero disables it.
	MaxIterations uint
	Audit         Auditor
	Monitor       *telemetry.PerformanceMonitor
	Now           func() time.Time
}

// inbound is one message decoded from the client: the request, a control
// token, or the error that ended reading.
type inbound struct {
	req *protocol.Request
	tok protocol.Token
	err error
}

type waitResult int

const (
	received waitResult = iota
	timedOut
	shuttingDown
)

type serverConn struct {
	h      *Handler
	conn   net.Conn
	client string
	id     string
	log    zerolog.Logger
	sess   *protocol.Session
	in     <-chan inbound
}

// Handle runs the session on conn until it ends, then closes conn.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	done := make(chan struct{})
	in := make(chan inbound)
	c := &serverConn{
		h:      h,
		conn:   conn,
		client: conn.RemoteAddr().String(),
		id:     uuid.NewString(),
		sess:   protocol.NewSession(),
		in:     in,
	}
	c.log = log.With().Str("client", c.client).Str("session", c.id).Logger()

	go readInbound(bufio.NewReader(conn), in, done)
	defer func() {
		close(done)
		_ = conn.Close()
	}()

	c.log.Debug().Msg("Connection accepted")
	req, reason := c.awaitRequest(ctx)
	if reason != "" {
		c.sess.Terminate(reason)
		if reason != ReasonEnd {
			h.monitor(func(m *telemetry.PerformanceMonitor) { m.RequestRejected(reason) })
		}
		c.log.Info().Str("reason", reason).Msg("Connection closed before session start")
		return
	}
	if err := c.sess.Start(req); err != nil {
		c.log.Error().Err(err).Msg("Failed to start session")
		return
	}

	started := h.now()
	h.monitor(func(m *telemetry.PerformanceMonitor) { m.SessionStarted() })
	c.audit(func(ctx context.Context, a Auditor) error {
		return a.BeginSession(ctx, core.SessionRecord{
			ID:        c.id,
			Client:    c.client,
			Command:   req.Command,
			Count:     req.Count,
			Delay:     req.Delay,
			StartedAt: started,
		})
	})
	c.log.Info().
		Uint("count", req.Count).
		Uint("delay", req.Delay).
		Str("command", req.Command).
		Msg("Session started")

	reason = c.run(ctx)
	c.sess.Terminate(reason)

	h.monitor(func(m *telemetry.PerformanceMonitor) {
		m.SessionEnded(reason, c.sess.Completed(), time.Since(started))
	})
	c.audit(func(ctx context.Context, a Auditor) error {
		return a.EndSession(ctx, c.id, c.sess.Completed(), reason)
	})
	c.log.Info().
		Str("reason", reason).
		Uint("iterations", c.sess.Completed()).
		Dur("elapsed", time.Since(started)).
		Msg("Session ended")
}

// readInbound decodes the request and then control tokens until an error,
// or until done is closed.
func readInbound(r *bufio.Reader, in chan<- inbound, done <-chan struct{}) {
	defer close(in)
	send := func(m inbound) bool {
		select {
		case in <- m:
			return true
		case <-done:
			return false
		}
	}

	if protocol.PeekEnd(r) {
		_, _ = r.Discard(len(protocol.RCEND))
		send(inbound{tok: protocol.TokenEnd})
		return
	}
	req, err := protocol.ReadRequest(r)
	if err != nil {
		send(inbound{err: err})
		return
	}
	if !send(inbound{req: &req}) {
		return
	}
	for {
		tok, err := protocol.ReadControl(r)
		if !send(inbound{tok: tok, err: err}) || err != nil {
			return
		}
	}
}

func (c *serverConn) awaitRequest(ctx context.Context) (protocol.Request, string) {
	msg, res := c.await(ctx)
	switch res {
	case timedOut:
		return protocol.Request{}, ReasonIdleTimeout
	case shuttingDown:
		c.sendEnd()
		return protocol.Request{}, ReasonShutdown
	}
	if msg.req == nil {
		if msg.err != nil && !isClosed(msg.err) {
			c.log.Warn().Err(msg.err).Msg("Rejected request")
			return protocol.Request{}, ReasonBadRequest
		}
		return protocol.Request{}, c.unexpected(msg)
	}
	if limit := c.h.MaxIterations; limit > 0 && msg.req.Count > limit {
		c.log.Warn().Uint("count", msg.req.Count).Uint("max", limit).Msg("Rejected request")
		return protocol.Request{}, ReasonTooManyIterations
	}
	return *msg.req, ""
}

// run executes the iteration loop and returns why it ended.
func (c *serverConn) run(ctx context.Context) string {
	req := c.sess.Request()
	for c.sess.More() {
		if c.sess.Completed() > 0 {
			msg, res := c.pause(ctx, req.DelayDuration())
			switch res {
			case shuttingDown:
				c.sendEnd()
				return ReasonShutdown
			case received:
				return c.unexpected(msg)
			}
		}

		serverTime := c.h.now()
		if _, err := io.WriteString(c.conn, protocol.FormatTimestamp(serverTime)); err != nil {
			c.log.Warn().Err(err).Msg("Failed to send timestamp")
			return ReasonWriteFailed
		}

		msg, res := c.await(ctx)
		switch res {
		case timedOut:
			return ReasonIdleTimeout
		case shuttingDown:
			c.sendEnd()
			return ReasonShutdown
		}
		if msg.err != nil || msg.tok != protocol.TokenAck {
			return c.unexpected(msg)
		}

		if reason := c.iterate(ctx, serverTime); reason != "" {
			return reason
		}
	}

	// The client closes the session with a final rcend.
	msg, res := c.await(ctx)
	if res == received && msg.err != nil && !isClosed(msg.err) {
		c.log.Debug().Err(msg.err).Msg("Unexpected data after last iteration")
	}
	return ReasonCompleted
}

// iterate runs the command once and sends its output.
func (c *serverConn) iterate(ctx context.Context, serverTime time.Time) string {
	path := CapturePath(c.h.CaptureDir, c.client)
	res, err := c.h.Executor.Execute(ctx, c.sess.Request().Command, path)
	if ctx.Err() != nil {
		// A run cut short by shutdown has no result to send.
		_ = os.Remove(path)
		c.log.Info().Dur("took", res.Duration).Msg("Command interrupted by shutdown")
		c.sendEnd()
		return ReasonShutdown
	}
	if err != nil {
		c.h.monitor(func(m *telemetry.PerformanceMonitor) { m.ExecFailed() })
		c.log.Error().Err(err).Msg("Command execution failed")
		return ReasonExecFailed
	}

	out, err := collectCapture(path)
	if errors.Is(err, protocol.ErrPayloadTooLarge) {
		c.log.Error().Int("max", protocol.MaxPayloadSize).Msg("Command output too large")
		c.sendEnd()
		return ReasonPayloadTooLarge
	}
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to collect command output")
		return ReasonExecFailed
	}

	frame, err := protocol.EncodeFrame(out)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to encode result")
		return ReasonPayloadTooLarge
	}
	if _, err := c.conn.Write(frame); err != nil {
		c.log.Warn().Err(err).Msg("Failed to send result")
		return ReasonWriteFailed
	}
	if err := c.sess.Advance(); err != nil {
		c.log.Error().Err(err).Msg("Session out of step")
		return ReasonProtocolViolation
	}

	index := c.sess.Completed()
	c.h.monitor(func(m *telemetry.PerformanceMonitor) { m.IterationDone(res.ExitCode, len(out), res.Duration) })
	c.audit(func(ctx context.Context, a Auditor) error {
		return a.RecordIteration(ctx, core.IterationRecord{
			SessionID:   c.id,
			Index:       index,
			ServerTime:  serverTime,
			ExitCode:    res.ExitCode,
			OutputBytes: len(out),
			Duration:    res.Duration,
		})
	})
	c.log.Debug().
		Uint("iteration", index).
		Int("exit_code", res.ExitCode).
		Int("bytes", len(out)).
		Dur("took", res.Duration).
		Msg("Iteration done")
	return ""
}

// await waits for the next client message, bounded by the idle timeout.
func (c *serverConn) await(ctx context.Context) (inbound, waitResult) {
	var expired <-chan time.Time
	if c.h.IdleTimeout > 0 {
		t := time.NewTimer(c.h.IdleTimeout)
		defer t.Stop()
		expired = t.C
	}
	return c.wait(ctx, expired)
}

// pause sleeps between iterations. Any client message cuts it short.
func (c *serverConn) pause(ctx context.Context, d time.Duration) (inbound, waitResult) {
	t := time.NewTimer(d)
	defer t.Stop()
	return c.wait(ctx, t.C)
}

func (c *serverConn) wait(ctx context.Context, expired <-chan time.Time) (inbound, waitResult) {
	select {
	case msg, ok := <-c.in:
		if !ok {
			return inbound{err: io.EOF}, received
		}
		return msg, received
	case <-expired:
		return inbound{}, timedOut
	case <-ctx.Done():
		return inbound{}, shuttingDown
	}
}

// unexpected maps a message that arrived out of turn to an end reason.
func (c *serverConn) unexpected(msg inbound) string {
	switch {
	case msg.err == nil && msg.tok == protocol.TokenEnd:
		return ReasonEnd
	case msg.err == nil, errors.Is(msg.err, protocol.ErrProtocolViolation):
		c.h.monitor(func(m *telemetry.PerformanceMonitor) { m.ProtocolViolation() })
		ev := c.log.Warn().Str("state", c.sess.State().String()).Uint("iteration", c.sess.Completed())
		if msg.err != nil {
			ev = ev.Err(msg.err)
		} else {
			ev = ev.Str("token", msg.tok.String())
		}
		ev.Msg("Protocol violation")
		return ReasonProtocolViolation
	case isClosed(msg.err):
		return ReasonPeerClosed
	default:
		c.log.Warn().Err(msg.err).Msg("Read failed")
		return ReasonReadFailed
	}
}

// sendEnd tells the client the server is ending the session.
func (c *serverConn) sendEnd() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := c.conn.Write(protocol.EncodeControl(protocol.TokenEnd)); err != nil {
		c.log.Debug().Err(err).Msg("Failed to send rcend")
	}
}

// audit writes to the audit store. Failures are logged and never end the
// session.
func (c *serverConn) audit(fn func(ctx context.Context, a Auditor) error) {
	if c.h.Audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx, c.h.Audit); err != nil {
		c.log.Warn().Err(err).Msg("Audit write failed")
	}
}

func (h *Handler) monitor(fn func(m *telemetry.PerformanceMonitor)) {
	if h.Monitor != nil {
		fn(h.Monitor)
	}
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}
