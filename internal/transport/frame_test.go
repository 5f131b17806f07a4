package transport

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestReadFrameSkipsLeadingGarbage(t *testing.T) {
	want := []byte{0x10, 0x01, 0x02}
	raw := bytes.NewBuffer([]byte{
		0x00, 'L', 0x22, // noise, including a lone marker byte
		frameMarker[0], frameMarker[1],
		0x00, 0x03,
		0x10, 0x01, 0x02,
	})

	got, err := readFrame(ioReadFullFunc(raw))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("payload mismatch: got %x want %x", got, want)
	}
}

func TestReadFrameResyncsWhenGarbageEndsInMarkerByte(t *testing.T) {
	want := []byte{'V'}
	raw := bytes.NewBuffer([]byte{
		0x13, frameMarker[0], // garbage whose last byte doubles as a marker start
		frameMarker[0], frameMarker[1],
		0x00, 0x01,
		'V',
	})

	got, err := readFrame(ioReadFullFunc(raw))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("payload mismatch: got %x want %x", got, want)
	}
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	raw := bytes.NewBuffer([]byte{
		frameMarker[0], frameMarker[1],
		0x00, 0x00,
	})

	if _, err := readFrame(ioReadFullFunc(raw)); err == nil {
		t.Fatalf("expected error for zero-length frame, got nil")
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	raw := bytes.NewBuffer([]byte{
		frameMarker[0], frameMarker[1],
		0xFF, 0xFF,
	})

	if _, err := readFrame(ioReadFullFunc(raw)); err == nil {
		t.Fatalf("expected error for oversized frame, got nil")
	}
}

func TestEncodeFrameBounds(t *testing.T) {
	if _, err := EncodeFrame(nil); err == nil {
		t.Fatalf("expected error for empty payload, got nil")
	}
	if _, err := EncodeFrame(make([]byte, maxFramePayload+1)); err == nil {
		t.Fatalf("expected error for oversized payload, got nil")
	}
}

func TestEncodeAndReadFrameRoundTrip(t *testing.T) {
	payload := []byte{'V'}
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}

	got, err := readFrame(ioReadFullFunc(bytes.NewReader(frame)))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %x want %x", got, payload)
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	raw := bytes.NewBuffer([]byte{
		frameMarker[0], frameMarker[1],
		0x00, 0x04,
		0x01, 0x02,
	})

	_, err := readFrame(ioReadFullFunc(raw))
	if err == nil {
		t.Fatalf("expected payload read error, got nil")
	}
	if errors.Is(err, io.EOF) {
		t.Fatalf("expected wrapped error, got raw io.EOF")
	}
}

func TestReadFrameBackToBack(t *testing.T) {
	var stream bytes.Buffer
	for _, p := range [][]byte{{'V'}, {0x00}, {0x10, 'a', 'b'}} {
		frame, err := EncodeFrame(p)
		if err != nil {
			t.Fatalf("encode frame: %v", err)
		}
		stream.Write(frame)
	}

	readFull := ioReadFullFunc(&stream)
	for _, want := range [][]byte{{'V'}, {0x00}, {0x10, 'a', 'b'}} {
		got, err := readFrame(readFull)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("payload mismatch: got %x want %x", got, want)
		}
	}
}
