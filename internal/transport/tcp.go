package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// TCPTransport plays the peripheral role on a socket: it listens and
// serves one companion-app connection at a time. Used when the BLE link
// is replaced by a network bridge, and by the debug client.
type TCPTransport struct {
	listenAddr string

	mu      sync.Mutex
	ln      net.Listener
	conn    net.Conn
	writeMu sync.Mutex
}

func NewTCPTransport(listenAddr string) *TCPTransport {
	return &TCPTransport{listenAddr: listenAddr}
}

func (t *TCPTransport) Name() string {
	return "tcp"
}

// Addr returns the bound listen address, useful when listening on :0.
func (t *TCPTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return t.listenAddr
	}
	return t.ln.Addr().String()
}

// Open binds the listener on first use, then blocks until a peer
// connects. An existing connection is kept.
func (t *TCPTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	if t.ln == nil {
		if t.listenAddr == "" {
			t.mu.Unlock()
			return errors.New("tcp listen address is empty")
		}
		lc := net.ListenConfig{}
		ln, err := lc.Listen(ctx, "tcp", t.listenAddr)
		if err != nil {
			t.mu.Unlock()
			return fmt.Errorf("listen tcp %q: %w", t.listenAddr, err)
		}
		t.ln = ln
		transportLogger("tcp", "addr", ln.Addr().String()).Info("listening")
	}
	ln := t.ln
	t.mu.Unlock()

	conn, err := acceptWithContext(ctx, ln)
	if err != nil {
		// The listener may have been closed to unblock Accept; rebind
		// on the next Open.
		t.mu.Lock()
		if t.ln == ln {
			_ = ln.Close()
			t.ln = nil
		}
		t.mu.Unlock()
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	transportLogger("tcp", "remote", conn.RemoteAddr().String()).Info("peer connected")
	return nil
}

// Close drops the active connection; the listener stays bound so the
// next Open accepts a new peer.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// Shutdown releases the listener as well.
func (t *TCPTransport) Shutdown() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	if t.conn != nil {
		firstErr = t.conn.Close()
		t.conn = nil
	}
	if t.ln != nil {
		if err := t.ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		t.ln = nil
	}
	return firstErr
}

func (t *TCPTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	conn, err := t.currentConn()
	if err != nil {
		return nil, err
	}
	stop := cancelReadOnDone(ctx, conn)
	defer stop()

	return readFrame(ioReadFullFunc(conn))
}

func (t *TCPTransport) WriteFrame(ctx context.Context, payload []byte) error {
	conn, err := t.currentConn()
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
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write tcp frame: %w", err)
	}
	return nil
}

func (t *TCPTransport) currentConn() (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, errors.New("no tcp peer connected")
	}
	return t.conn, nil
}

func acceptWithContext(ctx context.Context, ln net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		// Unblock the pending Accept; the listener is rebound on the
		// next Open.
		_ = ln.Close()
		res := <-ch
		if res.conn != nil {
			_ = res.conn.Close()
		}
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("accept tcp: %w", res.err)
		}
		return res.conn, nil
	}
}

// cancelReadOnDone forces a pending read to fail when ctx ends.
func cancelReadOnDone(ctx context.Context, conn net.Conn) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Unix(1, 0))
		case <-done:
		}
	}()
	return func() {
		close(done)
		_ = conn.SetReadDeadline(time.Time{})
	}
}
