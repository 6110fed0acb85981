package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameHeaderSize is [len:4][kind:1].
const FrameHeaderSize = 5

// DefaultMaxFrame bounds a single payload; world snapshots are the largest messages.
const DefaultMaxFrame = 256 << 20

// AppendFrame appends the wire form of one message to dst.
func AppendFrame(dst []byte, kind Kind, payload []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	dst = append(dst, byte(kind))
	return append(dst, payload...)
}

func WriteFrame(w io.Writer, kind Kind, payload []byte) error {
	var hdr [FrameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	hdr[4] = byte(kind)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one message. max <= 0 means DefaultMaxFrame.
func ReadFrame(r io.Reader, max int) (Kind, []byte, error) {
	if max <= 0 {
		max = DefaultMaxFrame
	}
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[0:4])
	if uint64(n) > uint64(max) {
		return 0, nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, max)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return Kind(hdr[4]), payload, nil
}

// DecodeFrame parses a frame held entirely in b (one websocket message).
func DecodeFrame(b []byte, max int) (Kind, []byte, error) {
	if max <= 0 {
		max = DefaultMaxFrame
	}
	if len(b) < FrameHeaderSize {
		return 0, nil, fmt.Errorf("frame: %w", ErrShortPayload)
	}
	n := binary.LittleEndian.Uint32(b[0:4])
	if uint64(n) > uint64(max) {
		return 0, nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, max)
	}
	if uint64(len(b)-FrameHeaderSize) != uint64(n) {
		return 0, nil, fmt.Errorf("frame: %w: len=%d have=%d", ErrShortPayload, n, len(b)-FrameHeaderSize)
	}
	return Kind(b[4]), b[FrameHeaderSize:], nil
}
