// Package transport carries opcode frames between the controller core and
// the companion app. The lower layers (pairing, encryption) are assumed
// handled before bytes reach these framed channels.
package transport

import "context"

// Transport is a framed byte channel. Open blocks until a peer is
// available; ReadFrame returns exactly one command payload.
type Transport interface {
	Name() string
	Open(ctx context.Context) error
	Close() error
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, payload []byte) error
}
