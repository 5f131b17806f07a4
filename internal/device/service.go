package device

import (
	"context"
	"log/slog"
	"time"

	"ledguitar/internal/bus"
	"ledguitar/internal/transport"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 15 * time.Second
	tickInterval   = time.Second
)

// Service runs the serve loop: wait for a peer, then read one frame,
// handle it to completion, write the response, repeat. A transport error
// drops the connection, resets session state and waits for the next
// peer.
type Service struct {
	transport transport.Transport
	handler   *Handler
	bus       bus.MessageBus
	logger    *slog.Logger
}

func NewService(tr transport.Transport, handler *Handler, b bus.MessageBus, logger *slog.Logger) *Service {
	return &Service{transport: tr, handler: handler, bus: b, logger: logger}
}

// Run blocks until ctx is canceled.
func (s *Service) Run(ctx context.Context) {
	tickCtx, stopTick := context.WithCancel(ctx)
	defer stopTick()
	go s.runTicker(tickCtx)

	backoff := initialBackoff
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		if err := s.transport.Open(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("transport open failed", "transport", s.transport.Name(), "error", err)
			if !sleepWithContext(ctx, backoff) {
				return
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}

		backoff = initialBackoff
		s.publishConn(true, nil)
		err := s.serveConn(ctx)
		_ = s.transport.Close()
		s.handler.OnDisconnect()
		s.publishConn(false, err)
		if ctx.Err() != nil {
			return
		}
		s.logger.Info("peer disconnected", "error", err)
	}
}

func (s *Service) serveConn(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		payload, err := s.transport.ReadFrame(ctx)
		if err != nil {
			return err
		}

		resp := s.handler.HandleFrame(ctx, payload)
		if err := s.transport.WriteFrame(ctx, resp); err != nil {
			return err
		}
	}
}

func (s *Service) runTicker(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.handler.Tick()
		}
	}
}

func (s *Service) publishConn(connected bool, err error) {
	status := bus.ConnStatus{
		Transport: s.transport.Name(),
		Connected: connected,
		Timestamp: time.Now(),
	}
	if err != nil {
		status.Err = err.Error()
	}
	s.bus.Publish(bus.TopicConnStatus, status)
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
