package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// frameType tags one frame on a peer stream.
type frameType uint8 // A

const (
	// frameHello is the first frame on every stream and
	// carries the dialer's session ID.
	frameHello frameType = iota + 1
	frameData
)

const (
	frameHeaderSize = 5
	maxPayloadMB    = 16
	maxPayload      = maxPayloadMB * 1024 * 1024
)

const maxUint32 = ^uint32(0)

func intLenToUint32(value int) (uint32, error) { // A
	if value < 0 || uint64(value) > uint64(maxUint32) {
		return 0, fmt.Errorf(
			"length out of uint32 range: %d",
			value,
		)
	}
	// #nosec G115 -- bounds are validated just above.
	return uint32(value), nil
}

// writeFrame writes one length-prefixed frame:
// [1B type][4B payload length big-endian][N bytes payload]
func writeFrame( // A
	w io.Writer,
	typ frameType,
	payload []byte,
) error {
	if len(payload) > maxPayload {
		return fmt.Errorf(
			"payload exceeds %dMB limit",
			maxPayloadMB,
		)
	}
	payloadLen, err := intLenToUint32(len(payload))
	if err != nil {
		return err
	}

	buf := make([]byte, frameHeaderSize+len(payload))
	buf[0] = byte(typ)
	binary.BigEndian.PutUint32(buf[1:frameHeaderSize], payloadLen)
	copy(buf[frameHeaderSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// readFrame reads one frame written by writeFrame.
func readFrame(r io.Reader) (frameType, []byte, error) { // A
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}
	typ := frameType(hdr[0])
	payloadLen := binary.BigEndian.Uint32(hdr[1:])
	if payloadLen > maxPayload {
		return 0, nil, fmt.Errorf(
			"payload length %d exceeds %dMB limit",
			payloadLen,
			maxPayloadMB,
		)
	}

	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("read payload: %w", err)
		}
	}
	return typ, payload, nil
}
