package client

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/3cpo-dev/rcmd/internal/protocol"
)

// DefaultFrameTimeout bounds how long the rest of a result frame may take to
// arrive once its length prefix has been read.
const DefaultFrameTimeout = 2 * time.Second

// resultReader reads the server's half of a session and checks every result
// frame's declared length against the bytes that actually arrived.
type resultReader struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

func newResultReader(conn net.Conn, timeout time.Duration) *resultReader {
	if timeout <= 0 {
		timeout = DefaultFrameTimeout
	}
	return &resultReader{conn: conn, r: bufio.NewReader(conn), timeout: timeout}
}

// readResult reads one result frame. A frame that declares fewer bytes than
// were sent leaves stray bytes ahead of the next message; those are dropped.
// A frame that declares more stalls once the server stops sending; a message
// swallowed into it is handed back to the reader.
func (rr *resultReader) readResult() ([]byte, error) {
	declared, err := protocol.ReadFrameHeader(rr.r)
	if err != nil {
		return nil, err
	}
	want := int(declared) - protocol.PrefixSize
	payload := make([]byte, 0, want)
	for len(payload) < want {
		if rr.r.Buffered() == 0 {
			_ = rr.conn.SetReadDeadline(time.Now().Add(rr.timeout))
			if _, err = rr.r.Peek(1); err != nil {
				break
			}
		}
		n := min(want-len(payload), rr.r.Buffered())
		b, _ := rr.r.Peek(n)
		payload = append(payload, b...)
		_, _ = rr.r.Discard(n)
	}
	_ = rr.conn.SetReadDeadline(time.Time{})

	if len(payload) < want {
		stalled := errors.Is(err, os.ErrDeadlineExceeded)
		if !stalled && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if stalled {
			rr.unread(swallowed(payload))
		}
		return nil, &protocol.FrameError{
			Kind:     protocol.ErrLengthMismatch,
			Declared: declared,
			Read:     uint64(protocol.PrefixSize + len(payload)),
		}
	}

	if extra := rr.r.Buffered(); extra > 0 {
		b, _ := rr.r.Peek(extra)
		at := protocol.MessageStart(b)
		if at != 0 {
			if at < 0 {
				at = extra
			}
			_, _ = rr.r.Discard(at)
			return nil, &protocol.FrameError{
				Kind:     protocol.ErrLengthMismatch,
				Declared: declared,
				Read:     declared + uint64(at),
			}
		}
	}
	return payload, nil
}

// swallowed returns the trailing timestamp line or rcend that an overlong
// frame consumed, if any.
func swallowed(payload []byte) []byte {
	if bytes.HasSuffix(payload, []byte(protocol.RCEND)) {
		return payload[len(payload)-len(protocol.RCEND):]
	}
	if n := len(payload); n >= protocol.TimestampSize && protocol.IsTimestamp(payload[n-protocol.TimestampSize:]) {
		return payload[n-protocol.TimestampSize:]
	}
	return nil
}

// unread puts b back in front of whatever is still to be read.
func (rr *resultReader) unread(b []byte) {
	if len(b) == 0 {
		return
	}
	rest := append([]byte(nil), b...)
	rr.r = bufio.NewReader(io.MultiReader(bytes.NewReader(rest), rr.r))
}
