package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/handoff/pkg/schema"
)

// WorkRecord is the persisted representation of a delegated unit of work.
//
// CallbackToken is the optional completion token copied verbatim from the
// submission. It is write-once (set at creation, never altered), opaque, and
// nullable: absence means the caller requested no async handshake.
type WorkRecord struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Params        map[string]any    `json:"params,omitempty"`
	CallbackToken []byte            `json:"-"` // never serialized in full
	Status        schema.WorkStatus `json:"status"`
	Output        json.RawMessage   `json:"output,omitempty"`
	Error         json.RawMessage   `json:"error,omitempty"`
	WorkflowID    string            `json:"workflow_id,omitempty"`
	ActivityID    string            `json:"activity_id,omitempty"`
	Attempts      int               `json:"attempts"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Event is an immutable entry in the work event log.
type Event struct {
	ID        int64           `json:"id"`
	WorkID    string          `json:"work_id"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// Delivery kinds: which Completion Client method the outbox row maps to.
const (
	DeliveryKindComplete = "complete"
	DeliveryKindFail     = "fail"
)

// CompletionDelivery is the outbox row for one completion call. At most one
// exists per work record; it is created when a tokened record reaches a
// terminal state and re-attempted until delivered or rejected.
type CompletionDelivery struct {
	WorkID        string                `json:"work_id"`
	Kind          string                `json:"kind"` // complete, fail
	Payload       json.RawMessage       `json:"payload,omitempty"`
	Status        schema.DeliveryStatus `json:"status"`
	Attempts      int                   `json:"attempts"`
	LastError     string                `json:"last_error,omitempty"`
	NextAttemptAt *time.Time            `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// --- Filter and update types ---

// WorkFilter specifies criteria for listing work records.
type WorkFilter struct {
	Status *schema.WorkStatus `json:"status,omitempty"`
	Type   string             `json:"type,omitempty"`
	Since  *time.Time         `json:"since,omitempty"`
	Limit  int                `json:"limit,omitempty"`
	Offset int                `json:"offset,omitempty"`
}

// WorkUpdate specifies mutable fields of a work record. The callback token
// is intentionally absent: it is write-once at creation.
type WorkUpdate struct {
	Status      *schema.WorkStatus `json:"status,omitempty"`
	Output      json.RawMessage    `json:"output,omitempty"`
	Error       json.RawMessage    `json:"error,omitempty"`
	Attempts    *int               `json:"attempts,omitempty"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// DeliveryUpdate specifies mutable fields of a completion delivery.
type DeliveryUpdate struct {
	Status        *schema.DeliveryStatus `json:"status,omitempty"`
	Attempts      *int                   `json:"attempts,omitempty"`
	LastError     *string                `json:"last_error,omitempty"`
	NextAttemptAt *time.Time             `json:"next_attempt_at,omitempty"`
}
