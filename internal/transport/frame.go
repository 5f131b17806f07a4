package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Stream framing: "LG" marker, big-endian u16 payload length, payload.
var frameMarker = [2]byte{'L', 'G'}

const maxFramePayload = 512

type readFullFunc func(buf []byte) error

// EncodeFrame wraps a payload in the stream framing.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty frame payload")
	}
	if len(payload) > maxFramePayload {
		return nil, fmt.Errorf("payload too large: %d > %d", len(payload), maxFramePayload)
	}

	frame := make([]byte, 4+len(payload))
	frame[0] = frameMarker[0]
	frame[1] = frameMarker[1]
	// #nosec G115 -- length is bounded by maxFramePayload above.
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[4:], payload)
	return frame, nil
}

// readFrame scans to the next marker and returns one payload. Garbage
// between frames is skipped so a desynced stream recovers on its own.
func readFrame(readFull readFullFunc) ([]byte, error) {
	if err := scanToMarker(readFull); err != nil {
		return nil, err
	}

	var lenBuf [2]byte
	if err := readFull(lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	ln := int(binary.BigEndian.Uint16(lenBuf[:]))
	if ln == 0 || ln > maxFramePayload {
		return nil, fmt.Errorf("invalid frame length: %d", ln)
	}

	payload := make([]byte, ln)
	if err := readFull(payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

func scanToMarker(readFull readFullFunc) error {
	var b [1]byte
	sawFirst := false
	for {
		if err := readFull(b[:]); err != nil {
			return fmt.Errorf("read frame marker: %w", err)
		}
		if sawFirst && b[0] == frameMarker[1] {
			return nil
		}
		// A failed second byte may itself start the marker.
		sawFirst = b[0] == frameMarker[0]
	}
}

func ioReadFullFunc(r io.Reader) readFullFunc {
	return func(buf []byte) error {
		_, err := io.ReadFull(r, buf)
		return err
	}
}
