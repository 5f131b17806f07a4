package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ledguitar/internal/bus"
)

// Recorder turns bus events into buffered telemetry rows.
type Recorder struct {
	buffer *Buffer
	bus    bus.MessageBus
	logger *slog.Logger
}

func NewRecorder(buffer *Buffer, b bus.MessageBus, logger *slog.Logger) *Recorder {
	return &Recorder{buffer: buffer, bus: b, logger: logger}
}

// Start consumes bus topics until ctx is canceled.
func (r *Recorder) Start(ctx context.Context) {
	commands := r.bus.Subscribe(bus.TopicCommandHandled)
	ownership := r.bus.Subscribe(bus.TopicOwnershipChanged)
	applied := r.bus.Subscribe(bus.TopicSettingsApplied)
	conn := r.bus.Subscribe(bus.TopicConnStatus)

	go func() {
		defer r.bus.Unsubscribe(commands)
		defer r.bus.Unsubscribe(ownership)
		defer r.bus.Unsubscribe(applied)
		defer r.bus.Unsubscribe(conn)

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-commands:
				ev, ok := msg.(bus.CommandHandled)
				if !ok {
					continue
				}
				r.record(ctx, KindCommand, ev.Timestamp, fmt.Sprintf("op=0x%02X err=0x%02X", ev.Opcode, ev.ErrorCode))
			case msg := <-ownership:
				ev, ok := msg.(bus.OwnershipChanged)
				if !ok {
					continue
				}
				detail := "unclaimed"
				if ev.Claimed {
					detail = "claimed"
				}
				r.record(ctx, KindOwnership, ev.Timestamp, detail)
			case msg := <-applied:
				ev, ok := msg.(bus.SettingsApplied)
				if !ok || !ev.Persisted {
					continue
				}
				r.record(ctx, KindCommit, ev.Timestamp,
					fmt.Sprintf("brightness=%d pattern=%d speed=%d", ev.Brightness, ev.Pattern, ev.Speed))
			case msg := <-conn:
				ev, ok := msg.(bus.ConnStatus)
				if !ok {
					continue
				}
				detail := ev.Transport + " disconnected"
				if ev.Connected {
					detail = ev.Transport + " connected"
				}
				r.record(ctx, KindConnection, ev.Timestamp, detail)
			}
		}
	}()
}

func (r *Recorder) record(ctx context.Context, kind byte, at time.Time, detail string) {
	if at.IsZero() {
		at = time.Now()
	}
	if err := r.buffer.Record(ctx, at, kind, detail); err != nil {
		r.logger.Error("record analytics event failed", "kind", kind, "error", err)
	}
}
