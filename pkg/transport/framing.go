package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Cutipus/HermesNet/pkg/constants"
	"github.com/Cutipus/HermesNet/pkg/wire"
)

// WriteFrame writes a length-prefixed wire frame to w. The prefix is a
// big-endian uint32 of the canonical CBOR payload length.
func WriteFrame(w io.Writer, frame *wire.Frame) error {
	payload, err := frame.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	if len(payload) > constants.MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes, max %d", len(payload), constants.MaxFrameSize)
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write frame prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed wire frame from r, rejecting frames
// above the protocol maximum.
func ReadFrame(r io.Reader) (*wire.Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size == 0 {
		return nil, fmt.Errorf("zero-length frame")
	}
	if size > constants.MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes, max %d", size, constants.MaxFrameSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame payload: %w", err)
	}

	var frame wire.Frame
	if err := frame.Unmarshal(payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal frame: %w", err)
	}
	return &frame, nil
}
