package schema

// Event type constants for the work event log.
const (
	EventWorkCreated   = "work_created"
	EventWorkStarted   = "work_started"
	EventWorkSucceeded = "work_succeeded"
	EventWorkFailed    = "work_failed"
	EventWorkCancelled = "work_cancelled"
	EventWorkRetrying  = "work_retrying"

	EventCompletionEnqueued  = "completion_enqueued"
	EventCompletionDelivered = "completion_delivered"
	EventCompletionRejected  = "completion_rejected"
)

// WorkStatus represents the lifecycle state of a delegated work record.
type WorkStatus string

const (
	WorkStatusPending   WorkStatus = "pending"
	WorkStatusRunning   WorkStatus = "running"
	WorkStatusSucceeded WorkStatus = "succeeded"
	WorkStatusFailed    WorkStatus = "failed"
	WorkStatusCancelled WorkStatus = "cancelled"
)

// IsTerminal reports whether the status is a terminal work state.
func (s WorkStatus) IsTerminal() bool {
	return s == WorkStatusSucceeded || s == WorkStatusFailed || s == WorkStatusCancelled
}

// ActivityStatus represents the lifecycle state of an activity invocation
// inside the originating engine.
type ActivityStatus string

const (
	ActivityStatusScheduled ActivityStatus = "scheduled"
	ActivityStatusRunning   ActivityStatus = "running"
	ActivityStatusParked    ActivityStatus = "parked"
	ActivityStatusCompleted ActivityStatus = "completed"
	ActivityStatusFailed    ActivityStatus = "failed"
	ActivityStatusTimedOut  ActivityStatus = "timed_out"
)

// IsTerminal reports whether the status is a terminal activity state.
func (s ActivityStatus) IsTerminal() bool {
	return s == ActivityStatusCompleted || s == ActivityStatusFailed || s == ActivityStatusTimedOut
}

// DeliveryStatus represents the state of a completion delivery record.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusRejected  DeliveryStatus = "rejected"
)
