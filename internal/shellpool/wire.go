// Package shellpool implements the shell-pool dispatcher: a listening
// endpoint multiplexing N pre-forked shells (each driven through a PCO)
// across M connected clients through a per-shell FSM.
package shellpool

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType identifies a wire frame.
type FrameType uint32

const (
	// FrameCmd is client->server: payload is the command line.
	FrameCmd FrameType = iota + 1
	// FrameDisplay is server->client: payload is shell output.
	FrameDisplay
	// FrameEOC is server->client: end of command, status in the header.
	FrameEOC
	// FrameBusy is server->client: no shell was free.
	FrameBusy
	// FrameOOM is server->client: the dispatcher could not allocate a buffer.
	FrameOOM
)

// maxFramePayload caps a single frame's payload, guarding against a
// malformed or hostile peer claiming an enormous length.
const maxFramePayload = 1 << 20 // 1 MiB

// Frame is one wire message: fixed header (type, payload length, a 4-byte
// union carrying the exit status for EOC) followed by payload bytes.
//
// Framing is big-endian (network byte order). The protocol is local-only,
// but a fixed order keeps the format host-independent.
type Frame struct {
	Type    FrameType
	Status  int32
	Payload []byte
}

// WriteFrame writes f to w in the fixed header + payload layout.
func WriteFrame(w io.Writer, f Frame) error {
	hdr := make([]byte, 16)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(f.Type))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(f.Payload)))
	binary.BigEndian.PutUint32(hdr[12:16], uint32(f.Status))
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("shellpool: write frame header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("shellpool: write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	hdr := make([]byte, 16)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Frame{}, err
	}
	f := Frame{
		Type:   FrameType(binary.BigEndian.Uint32(hdr[0:4])),
		Status: int32(binary.BigEndian.Uint32(hdr[12:16])),
	}
	n := binary.BigEndian.Uint64(hdr[4:12])
	if n > maxFramePayload {
		return Frame{}, fmt.Errorf("shellpool: frame payload too large: %d bytes", n)
	}
	if n == 0 {
		return f, nil
	}
	f.Payload = make([]byte, n)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return Frame{}, err
	}
	return f, nil
}
