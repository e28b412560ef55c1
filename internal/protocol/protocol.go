// Package protocol implements the rcmd session wire format shared by the
// client and the server.
//
// A session starts with one framed request. Each iteration then carries a
// newline-terminated timestamp from the server, an "ack" from the client and
// a framed result holding the command output. Either side may send "rcend"
// wherever the peer is waiting for a message to end the session.
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Control tokens travel unframed and are recognized by exact byte match.
const (
	ACK   = "ack"
	RCEND = "rcend"
)

// Token identifies a control token.
type Token int

const (
	TokenAck Token = iota + 1
	TokenEnd
)

var tokenText = map[Token]string{
	TokenAck: ACK,
	TokenEnd: RCEND,
}

func (t Token) String() string {
	if s, ok := tokenText[t]; ok {
		return s
	}
	return fmt.Sprintf("token(%d)", int(t))
}

// EncodeControl returns the raw bytes of a control token.
func EncodeControl(t Token) []byte {
	return []byte(tokenText[t])
}

// ReadControl reads exactly one control token. Bytes are only consumed once
// a whole token has matched, so a read error leaves a partially received
// token buffered in r.
func ReadControl(r *bufio.Reader) (Token, error) {
	for n := 1; ; n++ {
		b, err := r.Peek(n)
		if len(b) < n {
			if len(b) > 0 && err != nil && isEOF(err) {
				return 0, &ProtocolError{Expected: "control token", Got: append([]byte(nil), b...)}
			}
			return 0, err
		}
		prefix := false
		for tok, text := range tokenText {
			if text == string(b) {
				_, _ = r.Discard(n)
				return tok, nil
			}
			if strings.HasPrefix(text, string(b)) {
				prefix = true
			}
		}
		if !prefix {
			return 0, &ProtocolError{Expected: "control token", Got: append([]byte(nil), b...)}
		}
	}
}

// PeekEnd reports whether the next bytes in r are an RCEND token. A frame
// never starts with these bytes: read as a length they exceed MaxFrameSize.
func PeekEnd(r *bufio.Reader) bool {
	b, err := r.Peek(len(RCEND))
	return err == nil && string(b) == RCEND
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// FormatTimestamp renders t the way the server announces it before a run.
func FormatTimestamp(t time.Time) string {
	return t.Format(time.ANSIC) + "\n"
}

// TimestampSize is the length of a timestamp line, newline included.
const TimestampSize = len(time.ANSIC) + 1

// timestampShape has one class per byte of a timestamp line: 'A' an upper
// case letter, 'a' lower case, '9' a digit, '_' a digit or a space.
const timestampShape = "Aaa Aaa _9 99:99:99 9999\n"

// IsTimestamp reports whether b is exactly one timestamp line.
func IsTimestamp(b []byte) bool {
	if len(b) != TimestampSize {
		return false
	}
	_, err := time.Parse(time.ANSIC+"\n", string(b))
	return err == nil
}

// couldStartMessage reports whether b is, or begins like, a message the
// server sends between results: a timestamp line or an rcend.
func couldStartMessage(b []byte) bool {
	if len(b) >= TimestampSize {
		return IsTimestamp(b[:TimestampSize]) || strings.HasPrefix(string(b), RCEND)
	}
	if strings.HasPrefix(RCEND, string(b)) || strings.HasPrefix(string(b), RCEND) {
		return true
	}
	for i, c := range b {
		ok := false
		switch timestampShape[i] {
		case 'A':
			ok = c >= 'A' && c <= 'Z'
		case 'a':
			ok = c >= 'a' && c <= 'z'
		case '9':
			ok = c >= '0' && c <= '9'
		case '_':
			ok = c == ' ' || (c >= '0' && c <= '9')
		default:
			ok = c == timestampShape[i]
		}
		if !ok {
			return false
		}
	}
	return true
}

// MessageStart returns the offset of the first byte in b where a timestamp
// line or an rcend could begin, or -1 if there is none. A message cut short
// at the end of b still counts.
func MessageStart(b []byte) int {
	for i := range b {
		if couldStartMessage(b[i:]) {
			return i
		}
	}
	return -1
}

// ReadTimestamp reads one newline-terminated timestamp line.
func ReadTimestamp(r *bufio.Reader) (string, error) {
	line, err := r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		return "", &ProtocolError{Expected: "timestamp", Got: append([]byte(nil), line[:min(len(line), 32)]...)}
	}
	if err != nil {
		return "", err
	}
	return string(line), nil
}

// Request asks the server to run Command Count times, Delay seconds apart.
type Request struct {
	Count   uint
	Delay   uint
	Command string
}

// DelayDuration returns the pause between two iterations.
func (r Request) DelayDuration() time.Duration {
	return time.Duration(r.Delay) * time.Second
}

func (r Request) String() string {
	return fmt.Sprintf("%d,%d,%s", r.Count, r.Delay, r.Command)
}

// Encode frames the request for the wire.
func (r Request) Encode() ([]byte, error) {
	return EncodeFrame([]byte(r.String()))
}

// ParseRequest parses "<count>,<delay>,<command>". The command is everything
// after the second comma and may itself contain commas.
func ParseRequest(payload []byte) (Request, error) {
	fields := strings.SplitN(string(payload), ",", 3)
	if len(fields) < 3 {
		return Request{}, fmt.Errorf("%w: want 3 fields, got %d", ErrMalformedRequest, len(fields))
	}
	count, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return Request{}, fmt.Errorf("%w: count %q", ErrMalformedRequest, fields[0])
	}
	delay, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return Request{}, fmt.Errorf("%w: delay %q", ErrMalformedRequest, fields[1])
	}
	if strings.TrimSpace(fields[2]) == "" {
		return Request{}, fmt.Errorf("%w: empty command", ErrMalformedRequest)
	}
	return Request{Count: uint(count), Delay: uint(delay), Command: fields[2]}, nil
}

// ReadRequest reads and parses the framed request that opens a session.
func ReadRequest(r *bufio.Reader) (Request, error) {
	f, err := ReadFrame(r)
	if err != nil {
		return Request{}, fmt.Errorf("read request: %w", err)
	}
	return ParseRequest(f.Payload)
}
