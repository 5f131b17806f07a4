package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

const serialPollTimeout = 300 * time.Millisecond

// SerialTransport exposes a UART as the framed channel, the wiring used
// on the bench and for the firmware's debug header.
type SerialTransport struct {
	portName string
	baudRate int

	mu      sync.Mutex
	port    serial.Port
	writeMu sync.Mutex
}

func NewSerialTransport(portName string, baudRate int) *SerialTransport {
	return &SerialTransport{portName: portName, baudRate: baudRate}
}

func (t *SerialTransport) Name() string {
	return "serial"
}

func (t *SerialTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.portName == "" {
		return errors.New("serial port is empty")
	}
	if t.baudRate <= 0 {
		return fmt.Errorf("invalid serial baud rate: %d", t.baudRate)
	}

	port, err := serial.Open(t.portName, &serial.Mode{BaudRate: t.baudRate})
	if err != nil {
		return fmt.Errorf("open serial port %q: %w", t.portName, err)
	}
	if err := port.SetReadTimeout(serialPollTimeout); err != nil {
		_ = port.Close()
		return fmt.Errorf("set serial read timeout: %w", err)
	}
	t.port = port
	transportLogger("serial", "port", t.portName, "baud", t.baudRate).Info("serial port open")
	return nil
}

func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

func (t *SerialTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	port, err := t.currentPort()
	if err != nil {
		return nil, err
	}
	return readFrame(func(buf []byte) error {
		return t.readFull(ctx, port, buf)
	})
}

func (t *SerialTransport) WriteFrame(ctx context.Context, payload []byte) error {
	port, err := t.currentPort()
	if err != nil {
		return err
	}
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	for len(frame) > 0 {
		n, err := port.Write(frame)
		if err != nil {
			return fmt.Errorf("write serial frame: %w", err)
		}
		frame = frame[n:]
	}
	return nil
}

func (t *SerialTransport) currentPort() (serial.Port, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil, errors.New("serial port is not open")
	}
	return t.port, nil
}

// readFull fills buf, treating the serial read timeout as a poll tick so
// cancellation is honored between ticks.
func (t *SerialTransport) readFull(ctx context.Context, port serial.Port, buf []byte) error {
	filled := 0
	for filled < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := port.Read(buf[filled:])
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("serial port closed: %w", err)
			}
			return fmt.Errorf("read serial: %w", err)
		}
		filled += n
	}
	return nil
}
