// Package protocol implements the chat wire format: length-prefixed frames
// carrying pipe-delimited text commands.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the length of the big-endian frame length prefix.
const HeaderSize = 4

var ErrFrameTooLarge = errors.New("protocol: frame exceeds size limit")

// Encode prefixes payload with its 4-byte big-endian length.
func Encode(payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	return out
}

// AppendFrame appends the framed payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(Encode(payload))
	return err
}

// ReadFrame reads one frame from r, rejecting frames above maxSize.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if maxSize > 0 && uint64(n) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxSize)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Decoder reassembles frames from an arbitrarily split byte stream.
// It is not safe for concurrent use; each connection owns one.
type Decoder struct {
	buf     []byte
	maxSize int
}

func NewDecoder(maxSize int) *Decoder {
	return &Decoder{maxSize: maxSize}
}

// Feed appends data and returns every frame completed by it, in order.
// Once ErrFrameTooLarge is returned the stream cannot be resynchronised.
func (d *Decoder) Feed(data []byte) ([][]byte, error) {
	d.buf = append(d.buf, data...)

	var frames [][]byte
	off := 0
	for len(d.buf)-off >= HeaderSize {
		n := binary.BigEndian.Uint32(d.buf[off:])
		if d.maxSize > 0 && uint64(n) > uint64(d.maxSize) {
			return frames, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, d.maxSize)
		}
		end := off + HeaderSize + int(n)
		if end > len(d.buf) {
			break
		}
		frame := make([]byte, n)
		copy(frame, d.buf[off+HeaderSize:end])
		frames = append(frames, frame)
		off = end
	}

	// keep only the incomplete tail
	if off > 0 {
		rest := copy(d.buf, d.buf[off:])
		d.buf = d.buf[:rest]
	}
	return frames, nil
}

// Buffered reports how many bytes are waiting for the rest of a frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
