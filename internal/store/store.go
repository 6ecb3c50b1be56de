package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Work Records
	CreateWork(ctx context.Context, w *WorkRecord) error
	GetWork(ctx context.Context, id string) (*WorkRecord, error)
	UpdateWork(ctx context.Context, id string, update WorkUpdate) error
	ListWork(ctx context.Context, filter WorkFilter) ([]*WorkRecord, error)

	// Event Sourcing (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, workID string, since int64) ([]*Event, error)

	// Completion Deliveries (outbox)
	CreateDelivery(ctx context.Context, d *CompletionDelivery) error
	GetDelivery(ctx context.Context, workID string) (*CompletionDelivery, error)
	UpdateDelivery(ctx context.Context, workID string, update DeliveryUpdate) error
	ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*CompletionDelivery, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
