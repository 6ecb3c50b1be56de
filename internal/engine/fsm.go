package engine

import (
	"sync"

	"github.com/rendis/handoff/pkg/schema"
)

// TransitionHook is called before or after an activity state transition.
type TransitionHook func(from, to schema.ActivityStatus) error

type hookKey struct {
	from, to schema.ActivityStatus
}

// ActivityFSM validates activity lifecycle transitions and runs registered
// hooks around them. Invocation state lives in the executor; the FSM only
// guards the transition table.
type ActivityFSM struct {
	mu     sync.Mutex
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook
}

// NewActivityFSM creates a new ActivityFSM.
func NewActivityFSM() *ActivityFSM {
	return &ActivityFSM{
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition.
func (f *ActivityFSM) OnBefore(from, to schema.ActivityStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *ActivityFSM) OnAfter(from, to schema.ActivityStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes an activity state transition.
func (f *ActivityFSM) Transition(activityID string, from, to schema.ActivityStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidActivityTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid activity transition: %s -> %s", from, to).
			WithDetails(map[string]any{"activity_id": activityID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}
	for _, hook := range f.after[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}
	return nil
}

func isValidActivityTransition(from, to schema.ActivityStatus) bool {
	allowed, ok := ValidActivityTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// ValidActivityTransitions defines the allowed state transitions for
// activity invocations. Parked invocations only leave through a delivered
// completion or their deadline.
var ValidActivityTransitions = map[schema.ActivityStatus][]schema.ActivityStatus{
	schema.ActivityStatusScheduled: {schema.ActivityStatusRunning},
	schema.ActivityStatusRunning:   {schema.ActivityStatusParked, schema.ActivityStatusCompleted, schema.ActivityStatusFailed, schema.ActivityStatusTimedOut},
	schema.ActivityStatusParked:    {schema.ActivityStatusCompleted, schema.ActivityStatusFailed, schema.ActivityStatusTimedOut},
	schema.ActivityStatusCompleted: {},
	schema.ActivityStatusFailed:    {},
	schema.ActivityStatusTimedOut:  {},
}
