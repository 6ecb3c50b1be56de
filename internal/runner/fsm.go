package runner

import (
	"context"
	"sync"

	"github.com/rendis/handoff/internal/store"
	"github.com/rendis/handoff/pkg/schema"
)

// EventAppender is satisfied by the Store and EventLog; used by the FSM to
// emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// TransitionHook is called before or after a work state transition.
type TransitionHook func(from, to schema.WorkStatus) error

type workHookKey struct {
	from, to schema.WorkStatus
}

// WorkFSM manages work record lifecycle transitions and emits the
// corresponding event for each one. The caller persists the new state.
type WorkFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[workHookKey][]TransitionHook
	after    map[workHookKey][]TransitionHook
}

// NewWorkFSM creates a WorkFSM that emits events via the given appender.
func NewWorkFSM(appender EventAppender) *WorkFSM {
	return &WorkFSM{
		appender: appender,
		before:   make(map[workHookKey][]TransitionHook),
		after:    make(map[workHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a work transition.
func (f *WorkFSM) OnBefore(from, to schema.WorkStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a work transition.
func (f *WorkFSM) OnAfter(from, to schema.WorkStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a work state transition, emitting the
// corresponding lifecycle event.
func (f *WorkFSM) Transition(ctx context.Context, workID string, from, to schema.WorkStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidWorkTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid work transition: %s -> %s", from, to).
			WithWork(workID).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}

	key := workHookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	if eventType := workEventType(to); eventType != "" {
		event := &store.Event{WorkID: workID, Type: eventType}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit work event: %s", err.Error()).
				WithWork(workID).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}
	return nil
}

func isValidWorkTransition(from, to schema.WorkStatus) bool {
	allowed, ok := ValidWorkTransitions[from]
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

func workEventType(to schema.WorkStatus) string {
	switch to {
	case schema.WorkStatusRunning:
		return schema.EventWorkStarted
	case schema.WorkStatusSucceeded:
		return schema.EventWorkSucceeded
	case schema.WorkStatusFailed:
		return schema.EventWorkFailed
	case schema.WorkStatusCancelled:
		return schema.EventWorkCancelled
	default:
		return ""
	}
}

// ValidWorkTransitions defines the allowed state transitions for work
// records. Terminal states admit nothing; retries stay in running.
var ValidWorkTransitions = map[schema.WorkStatus][]schema.WorkStatus{
	schema.WorkStatusPending:   {schema.WorkStatusRunning, schema.WorkStatusCancelled},
	schema.WorkStatusRunning:   {schema.WorkStatusSucceeded, schema.WorkStatusFailed, schema.WorkStatusCancelled},
	schema.WorkStatusSucceeded: {},
	schema.WorkStatusFailed:    {},
	schema.WorkStatusCancelled: {},
}
