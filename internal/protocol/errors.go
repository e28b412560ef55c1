package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncated is the kind of a frame shorter than its length prefix.
	ErrTruncated = errors.New("frame truncated")
	// ErrLengthMismatch is the kind of a frame whose declared length does not
	// match the number of bytes actually read.
	ErrLengthMismatch = errors.New("frame length mismatch")
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrMalformedRequest is returned when a command request cannot be parsed.
	ErrMalformedRequest = errors.New("malformed request")
	// ErrProtocolViolation is matched by every *ProtocolError.
	ErrProtocolViolation = errors.New("protocol violation")
)

// FrameError describes a frame that cannot be trusted.
type FrameError struct {
	Kind     error
	Declared uint64
	Read     uint64
}

func (e *FrameError) Error() string {
	if e.Kind == ErrTruncated {
		return fmt.Sprintf("%s: read %d of %d prefix bytes", e.Kind, e.Read, PrefixSize)
	}
	return fmt.Sprintf("%s: declared %d bytes, read %d", e.Kind, e.Declared, e.Read)
}

func (e *FrameError) Unwrap() error { return e.Kind }

// ProtocolError reports bytes received where a different message was expected.
type ProtocolError struct {
	Expected string
	Got      []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation: expected %s, got %q", e.Expected, e.Got)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocolViolation }
