// Package client drives an rcmd session from the requesting side.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/rcmd/internal/protocol"
)

// Status is how a session ended.
type Status int

const (
	StatusCompleted Status = iota
	StatusCancelled
	StatusTerminatedByServer
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusTerminatedByServer:
		return "terminated by server"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Driver runs one session over an established connection.
type Driver struct {
	// Out receives server timestamps and command output.
	Out io.Writer
	// Cancel is read line by line; a line reading "rcend" ends the session.
	// It may be nil.
	Cancel io.Reader
	// FrameTimeout bounds a stalled result frame. Zero means
	// DefaultFrameTimeout.
	FrameTimeout time.Duration
}

type eventKind int

const (
	evTimestamp eventKind = iota
	evResult
	evEnd
	evError
)

type event struct {
	kind    eventKind
	text    string
	payload []byte
	err     error
}

// Run sends req and drives the session until it completes, is cancelled or
// the server ends it. conn is closed on return.
func (d *Driver) Run(ctx context.Context, conn net.Conn, req protocol.Request) (Status, error) {
	defer conn.Close()

	buf, err := req.Encode()
	if err != nil {
		return StatusFailed, &SendError{What: "request", Err: err}
	}
	if err := send(conn, buf); err != nil {
		return StatusFailed, &SendError{What: "request", Err: err}
	}
	log.Debug().Str("request", req.String()).Msg("Request sent")

	done := make(chan struct{})
	defer close(done)
	events := make(chan event)
	go readSession(newResultReader(conn, d.FrameTimeout), req.Count, events, done)
	cancels := watchCancel(d.Cancel, done)

	var received uint
	for received < req.Count {
		select {
		case <-ctx.Done():
			d.end(conn)
			return StatusCancelled, nil
		case _, ok := <-cancels:
			if !ok {
				cancels = nil
				continue
			}
			d.end(conn)
			return StatusCancelled, nil
		case ev := <-events:
			switch ev.kind {
			case evTimestamp:
				fmt.Fprintf(d.out(), "Time at server: %s", ev.text)
				if err := send(conn, protocol.EncodeControl(protocol.TokenAck)); err != nil {
					return StatusFailed, &SendError{What: "ack", Err: err}
				}
			case evResult:
				received++
				if ev.err != nil {
					log.Warn().Err(ev.err).Uint("iteration", received).Msg("Discarding malformed result")
					continue
				}
				d.render(ev.payload)
			case evEnd:
				log.Info().Uint("iterations", received).Msg("Server ended the session")
				return StatusTerminatedByServer, nil
			case evError:
				return StatusFailed, &ReadError{What: ev.text, Err: ev.err}
			}
		}
	}

	d.end(conn)
	return StatusCompleted, nil
}

// end sends the closing rcend. A failure is reported but never changes the
// outcome of the session.
func (d *Driver) end(conn net.Conn) {
	if err := send(conn, protocol.EncodeControl(protocol.TokenEnd)); err != nil {
		log.Warn().Err(err).Msg("Failed to send rcend")
	}
}

func (d *Driver) render(payload []byte) {
	out := d.out()
	fmt.Fprintf(out, "Output (%s):\n", humanize.Bytes(uint64(len(payload))))
	_, _ = out.Write(payload)
	if len(payload) > 0 && payload[len(payload)-1] != '\n' {
		fmt.Fprintln(out)
	}
}

func (d *Driver) out() io.Writer {
	if d.Out == nil {
		return io.Discard
	}
	return d.Out
}

// readSession reads count timestamp and result pairs, or stops at the first
// rcend or transport error.
func readSession(rr *resultReader, count uint, events chan<- event, done <-chan struct{}) {
	emit := func(ev event) bool {
		select {
		case events <- ev:
			return true
		case <-done:
			return false
		}
	}

	for i := uint(0); i < count; i++ {
		if protocol.PeekEnd(rr.r) {
			emit(event{kind: evEnd})
			return
		}
		ts, err := protocol.ReadTimestamp(rr.r)
		if err != nil {
			emit(event{kind: evError, text: "timestamp", err: err})
			return
		}
		if !emit(event{kind: evTimestamp, text: ts}) {
			return
		}

		if protocol.PeekEnd(rr.r) {
			emit(event{kind: evEnd})
			return
		}
		payload, err := rr.readResult()
		if err != nil && !errors.Is(err, protocol.ErrLengthMismatch) {
			emit(event{kind: evError, text: "result", err: err})
			return
		}
		if !emit(event{kind: evResult, payload: payload, err: err}) {
			return
		}
	}
}

// watchCancel signals once per "rcend" line read from src. The returned
// channel is closed when src is exhausted.
func watchCancel(src io.Reader, done <-chan struct{}) <-chan struct{} {
	if src == nil {
		return nil
	}
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(src)
		for sc.Scan() {
			if strings.TrimSpace(sc.Text()) != protocol.RCEND {
				continue
			}
			select {
			case ch <- struct{}{}:
			case <-done:
				return
			}
		}
	}()
	return ch
}

// send writes b in full; a short write is an error.
func send(w io.Writer, b []byte) error {
	n, err := w.Write(b)
	if err == nil && n < len(b) {
		err = io.ErrShortWrite
	}
	return err
}
