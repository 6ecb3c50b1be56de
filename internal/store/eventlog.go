package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/handoff/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-work sequence.
// A write-intent statement forces immediate lock acquisition so concurrent
// writers cannot interleave sequence reads and writes.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode, BeginTx alone may start a deferred transaction.
	// We use an immediate-mode write to force lock acquisition.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE work_id = ?`, event.WorkID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (work_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?)`,
		event.WorkID, event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// AppendEvent on the store delegates to the event log so every Store
// implementation shares the same locking append.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	return (&EventLog{store: s}).AppendEvent(ctx, event)
}

// GetEvents returns events for a work record with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, workID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, workID, since)
}

// ReplayStatus replays all events for a work record and returns the status
// reconstructed from its history. Returns an error if sequence gaps are
// detected.
func (el *EventLog) ReplayStatus(ctx context.Context, workID string) (schema.WorkStatus, error) {
	events, err := el.store.GetEvents(ctx, workID, 0)
	if err != nil {
		return "", fmt.Errorf("get events for replay: %w", err)
	}

	if len(events) == 0 {
		return schema.WorkStatusPending, nil
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return "", schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in work %s: expected %d, got %d", workID, expected, e.Sequence)
		}
	}

	status := schema.WorkStatusPending
	for _, e := range events {
		switch e.Type {
		case schema.EventWorkCreated:
			status = schema.WorkStatusPending
		case schema.EventWorkStarted, schema.EventWorkRetrying:
			status = schema.WorkStatusRunning
		case schema.EventWorkSucceeded:
			status = schema.WorkStatusSucceeded
		case schema.EventWorkFailed:
			status = schema.WorkStatusFailed
		case schema.EventWorkCancelled:
			status = schema.WorkStatusCancelled
		}
	}
	return status, nil
}
