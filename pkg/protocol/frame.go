// Package protocol defines the peer wire format: length-prefixed sealed
// frames carrying an artifact, and JSON control signals with their replies.
//
// An artifact envelope is
//
//	len(info) info  len(chunk) chunk ... 0x00000000
//
// where every length is a 4-byte big-endian unsigned integer and info and
// each chunk are sealed independently. A control signal is a single JSON
// object written without a length prefix.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"meshdeploy/pkg/seal"
)

const (
	// PrefixSize is the size of a frame length prefix.
	PrefixSize = 4

	// MaxInfoBlock bounds the sealed info block. A connection whose first
	// four bytes decode to a length outside (seal.Overhead, MaxInfoBlock] is
	// treated as a control signal.
	MaxInfoBlock = 64 << 10

	// MaxFrame bounds any single sealed chunk frame.
	MaxFrame = 16 << 20
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds limit")
	ErrEmptyFrame    = errors.New("unexpected end-of-stream sentinel")
)

// WriteFrame writes payload with its length prefix.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrame {
		return fmt.Errorf("write frame: %w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	var prefix [PrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// WriteSentinel terminates an envelope.
func WriteSentinel(w io.Writer) error {
	return WriteFrame(w, nil)
}

// ReadFrame reads one frame of at most limit bytes. A zero-length frame is
// returned as an empty, non-nil slice.
func ReadFrame(r io.Reader, limit int) ([]byte, error) {
	var prefix [PrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	return readBody(r, binary.BigEndian.Uint32(prefix[:]), limit)
}

func readBody(r io.Reader, n uint32, limit int) ([]byte, error) {
	if int64(n) > int64(limit) {
		return nil, fmt.Errorf("read frame: %w: %d > %d", ErrFrameTooLarge, n, limit)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return buf, nil
}

// PlausibleInfoLength reports whether the first bytes of a connection look
// like the length prefix of a sealed info block.
func PlausibleInfoLength(prefix []byte) bool {
	if len(prefix) < PrefixSize {
		return false
	}
	n := binary.BigEndian.Uint32(prefix[:PrefixSize])
	return n > seal.Overhead && n <= MaxInfoBlock
}
