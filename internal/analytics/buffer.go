package analytics

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Event kinds carried in batch payloads.
const (
	KindCommand    byte = 1
	KindOwnership  byte = 2
	KindCommit     byte = 3
	KindConnection byte = 4
	KindPower      byte = 5
)

// ErrUnknownBatch is returned when a confirmation names no pending batch.
var ErrUnknownBatch = errors.New("unknown analytics batch")

const (
	DefaultBatchSize = 16
	DefaultMaxEvents = 1024

	maxDetailLen = 255

	// maxBatchPayload keeps the encoded batch plus its one-byte response
	// code inside the 512-byte transport frame limit.
	maxBatchPayload = 511
)

// Event is one buffered telemetry record.
type Event struct {
	ID         int64
	RecordedAt time.Time
	Kind       byte
	Detail     string
}

// Batch is a bounded slice of events plus its encoded wire payload. The
// payload is cached so an unconfirmed batch is resent byte-identical.
type Batch struct {
	ID      byte
	Events  []Event
	Payload []byte
}

// Buffer is the sqlite-backed telemetry queue with a single pending-batch
// cursor.
type Buffer struct {
	db     *sql.DB
	logger *slog.Logger

	mu        sync.Mutex
	batchSize int
	maxEvents int
	pending   *Batch
	lastID    byte
}

func NewBuffer(db *sql.DB, batchSize, maxEvents int, logger *slog.Logger) *Buffer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Buffer{db: db, logger: logger, batchSize: batchSize, maxEvents: maxEvents}
}

// Record appends one event, evicting the oldest rows beyond the buffer
// cap so the queue stays bounded.
func (b *Buffer) Record(ctx context.Context, at time.Time, kind byte, detail string) error {
	if len(detail) > maxDetailLen {
		detail = detail[:maxDetailLen]
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO analytics_events(recorded_at, kind, detail) VALUES (?, ?, ?)
	`, at.UnixMilli(), kind, detail)
	if err != nil {
		return fmt.Errorf("insert analytics event: %w", err)
	}

	_, err = b.db.ExecContext(ctx, `
		DELETE FROM analytics_events WHERE id IN (
			SELECT id FROM analytics_events ORDER BY id DESC LIMIT -1 OFFSET ?
		)
	`, b.maxEvents)
	if err != nil {
		return fmt.Errorf("trim analytics events: %w", err)
	}
	return nil
}

// NextBatch returns the pending unconfirmed batch verbatim if one exists,
// otherwise cuts a new batch from the oldest buffered events. An empty
// buffer yields batch id 0 with no events.
func (b *Buffer) NextBatch(ctx context.Context) (Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pending != nil {
		b.logger.Debug("resending pending analytics batch", "batch_id", b.pending.ID)
		return *b.pending, nil
	}

	events, err := b.oldest(ctx)
	if err != nil {
		return Batch{}, err
	}
	events = fitToPayload(events)
	if len(events) == 0 {
		return Batch{Payload: []byte{0, 0}}, nil
	}

	b.lastID++
	if b.lastID == 0 {
		b.lastID = 1
	}
	batch := Batch{ID: b.lastID, Events: events, Payload: encodeBatch(b.lastID, events)}
	b.pending = &batch
	b.logger.Debug("cut analytics batch", "batch_id", batch.ID, "events", len(events))
	return batch, nil
}

// Confirm acknowledges the pending batch, deleting its events. A stale or
// unknown id leaves the pending batch intact.
func (b *Buffer) Confirm(ctx context.Context, id byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pending == nil || b.pending.ID != id {
		return ErrUnknownBatch
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin confirm tx: %w", err)
	}
	for _, ev := range b.pending.Events {
		if _, err := tx.ExecContext(ctx, `DELETE FROM analytics_events WHERE id = ?`, ev.ID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("delete confirmed event %d: %w", ev.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit confirm tx: %w", err)
	}

	b.logger.Debug("analytics batch confirmed", "batch_id", id, "events", len(b.pending.Events))
	b.pending = nil
	return nil
}

// PendingID returns the unconfirmed batch id, 0 when none is pending.
func (b *Buffer) PendingID() byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return 0
	}
	return b.pending.ID
}

func (b *Buffer) oldest(ctx context.Context) ([]Event, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, recorded_at, kind, detail
		FROM analytics_events
		ORDER BY id ASC
		LIMIT ?
	`, b.batchSize)
	if err != nil {
		return nil, fmt.Errorf("select analytics events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev Event
			ms int64
		)
		if err := rows.Scan(&ev.ID, &ms, &ev.Kind, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan analytics event: %w", err)
		}
		ev.RecordedAt = time.UnixMilli(ms)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analytics events: %w", err)
	}
	return out, nil
}

// fitToPayload trims the event list so the encoded batch stays within
// maxBatchPayload. With maxDetailLen at 255 a single event always fits,
// so a non-empty input never trims to zero.
func fitToPayload(events []Event) []Event {
	size := 2
	for i, ev := range events {
		size += 10 + len(ev.Detail)
		if size > maxBatchPayload {
			return events[:i]
		}
	}
	return events
}

// encodeBatch lays out [batchID count (kind ts8 detailLen detail)...],
// timestamps big-endian unix milliseconds.
func encodeBatch(id byte, events []Event) []byte {
	out := []byte{id, byte(len(events))}
	for _, ev := range events {
		out = append(out, ev.Kind)
		var ts [8]byte
		binary.BigEndian.PutUint64(ts[:], uint64(ev.RecordedAt.UnixMilli())) // #nosec G115
		out = append(out, ts[:]...)
		out = append(out, byte(len(ev.Detail)))
		out = append(out, ev.Detail...)
	}
	return out
}
