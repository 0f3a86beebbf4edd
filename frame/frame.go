package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// DefaultMaxPayload bounds a single framed message. The wire format itself
// carries no limit, so the reader enforces one.
const DefaultMaxPayload = 8 * 1024 * 1024

var (
	ErrTruncated    = errors.New("truncated frame")
	ErrOversize     = errors.New("frame exceeds maximum payload size")
	ErrEmptyPayload = errors.New("zero-length frame payload")
)

// Frame is one encoded image as received from a producer. Data is never
// modified after construction; a new frame always replaces the old one.
type Frame struct {
	Data       []byte
	ReceivedAt time.Time
	Owner      uint64
}

func New(data []byte, owner uint64) *Frame {
	return &Frame{Data: data, ReceivedAt: time.Now(), Owner: owner}
}

// ReadFrame reads one framed message: a 4-byte big-endian length followed by
// exactly that many payload bytes. A connection that closes before the first
// length byte arrives is a clean end of stream and returns io.EOF. A
// connection that closes mid-length or mid-payload returns ErrTruncated.
func ReadFrame(r io.Reader, maxPayload uint32) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: connection closed inside length prefix", ErrTruncated)
		}
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return nil, ErrEmptyPayload
	}
	if length > maxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrOversize, length, maxPayload)
	}
	payload := make([]byte, length)
	if n, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: connection closed after %d of %d payload bytes", ErrTruncated, n, length)
		}
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes one framed message, length prefix then payload.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
