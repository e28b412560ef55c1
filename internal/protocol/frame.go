package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
)

const (
	// PrefixSize is the width of the length field that starts every frame.
	PrefixSize = 8
	// MaxPayloadSize bounds the payload of a single frame. Larger command
	// output is rejected with ErrPayloadTooLarge rather than truncated.
	MaxPayloadSize = 1 << 20
	// MaxFrameSize is the largest declared length a receiver accepts.
	MaxFrameSize = PrefixSize + MaxPayloadSize
)

// The length prefix is a fixed-width 64-bit little-endian integer on every
// platform, so peers never depend on each other's native byte order.
var byteOrder = binary.LittleEndian

// Frame is a length-prefixed message. DeclaredLength counts the prefix and
// the payload together.
type Frame struct {
	DeclaredLength uint64
	Payload        []byte
}

// EncodeFrame prefixes payload with its total frame length.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, PrefixSize+len(payload))
	byteOrder.PutUint64(buf, uint64(len(buf)))
	copy(buf[PrefixSize:], payload)
	return buf, nil
}

// DecodeFrame validates buf, the bytes actually read for one frame, against
// its declared length and returns the payload.
func DecodeFrame(buf []byte) (Frame, error) {
	if len(buf) < PrefixSize {
		return Frame{}, &FrameError{Kind: ErrTruncated, Read: uint64(len(buf))}
	}
	declared := byteOrder.Uint64(buf)
	if declared != uint64(len(buf)) {
		return Frame{DeclaredLength: declared}, &FrameError{Kind: ErrLengthMismatch, Declared: declared, Read: uint64(len(buf))}
	}
	return Frame{DeclaredLength: declared, Payload: buf[PrefixSize:]}, nil
}

// ReadFrameHeader reads a length prefix and returns the declared frame
// length. A prefix declaring an impossible length cannot be used to find the
// end of the frame, so whatever is already buffered is drained and reported
// as read; the stream stays usable for the next message.
func ReadFrameHeader(r *bufio.Reader) (uint64, error) {
	head, err := r.Peek(PrefixSize)
	if err != nil {
		if len(head) > 0 && isEOF(err) {
			_, _ = r.Discard(len(head))
			return 0, &FrameError{Kind: ErrTruncated, Read: uint64(len(head))}
		}
		return 0, err
	}
	declared := byteOrder.Uint64(head)
	_, _ = r.Discard(PrefixSize)
	if declared < PrefixSize || declared > MaxFrameSize {
		drained, _ := r.Discard(r.Buffered())
		return declared, &FrameError{
			Kind:     ErrLengthMismatch,
			Declared: declared,
			Read:     uint64(PrefixSize + drained),
		}
	}
	return declared, nil
}

// ReadFrame reads one frame from r, waiting through partial reads.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	declared, err := ReadFrameHeader(r)
	if err != nil {
		return Frame{DeclaredLength: declared}, err
	}
	buf := make([]byte, declared)
	byteOrder.PutUint64(buf, declared)
	n, err := io.ReadFull(r, buf[PrefixSize:])
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return Frame{}, err
	}
	return DecodeFrame(buf[:PrefixSize+n])
}
