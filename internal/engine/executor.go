package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/handoff/internal/logging"
	"github.com/rendis/handoff/internal/metrics"
	"github.com/rendis/handoff/pkg/schema"
)

// DefaultStartToCloseTimeout caps how long an invocation may stay parked
// before the executor gives up on its completion.
const DefaultStartToCloseTimeout = 10 * time.Minute

// ExecuteOptions configures a single activity invocation.
type ExecuteOptions struct {
	WorkflowID          string
	ActivityID          string
	Attempt             int
	StartToCloseTimeout time.Duration
}

type activityResult struct {
	output json.RawMessage
	err    error
}

// Executor dispatches registered activities onto the worker pool and owns
// the park/resume protocol. A handler that returns ErrResultPending frees
// its worker slot while the executor keeps waiting for the completion bound
// to the invocation's token.
type Executor struct {
	pool     *WorkerPool
	registry *Registry
	fsm      *ActivityFSM
	logger   *slog.Logger

	mu         sync.RWMutex
	activities map[string]ActivityFunc
}

// NewExecutor creates an executor backed by the given pool and registry.
func NewExecutor(pool *WorkerPool, registry *Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		pool:       pool,
		registry:   registry,
		fsm:        NewActivityFSM(),
		logger:     logger,
		activities: make(map[string]ActivityFunc),
	}
}

// RegisterActivity binds a handler to an activity name. Registering the same
// name twice replaces the previous handler.
func (e *Executor) RegisterActivity(name string, fn ActivityFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activities[name] = fn
}

// Registry exposes the invocation registry so the completion service can
// resume parked invocations.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs a named activity to a terminal outcome. The call blocks until
// the handler returns, or, when the handler parks, until its completion
// arrives or the start-to-close deadline passes.
func (e *Executor) Execute(ctx context.Context, name string, input map[string]any, opts ExecuteOptions) (json.RawMessage, error) {
	e.mu.RLock()
	fn, ok := e.activities[name]
	e.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "activity not registered: %s", name)
	}

	timeout := opts.StartToCloseTimeout
	if timeout <= 0 {
		timeout = DefaultStartToCloseTimeout
	}

	token, err := mintToken()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "mint token").WithCause(err)
	}

	info := &ActivityInfo{
		ActivityID: opts.ActivityID,
		WorkflowID: opts.WorkflowID,
		Attempt:    opts.Attempt,
		TaskToken:  token,
		Deadline:   time.Now().Add(timeout),
	}

	ctx = logging.WithIDs(ctx, "", opts.ActivityID, opts.WorkflowID)
	logger := logging.LogWith(ctx, e.logger)

	// Register before dispatch: a completion that lands while the handler is
	// still running must not be lost.
	outcomeCh := e.registry.Register(token)

	if err := e.fsm.Transition(opts.ActivityID, schema.ActivityStatusScheduled, schema.ActivityStatusRunning); err != nil {
		e.registry.Discard(token)
		return nil, err
	}

	logger.DebugContext(ctx, "activity dispatched",
		slog.String("activity", name),
		slog.String("token_preview", schema.TokenPreview(token)),
		slog.Int("token_bytes", len(token)))

	resultCh := make(chan activityResult, 1)
	submitErr := e.pool.Submit(ctx, func(ctx context.Context) error {
		output, err := fn(withInfo(ctx, info), input)
		resultCh <- activityResult{output: output, err: err}
		return err
	})
	if submitErr != nil {
		e.registry.Discard(token)
		return nil, schema.NewError(schema.ErrCodeExecution, "dispatch activity").WithCause(submitErr)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	// Phase 1: handler is running on a pool worker.
	var res activityResult
	select {
	case res = <-resultCh:
	case <-deadline.C:
		return nil, e.timeOut(ctx, name, token)
	case <-ctx.Done():
		e.registry.Expire(token)
		return nil, schema.NewError(schema.ErrCodeCancelled, "activity cancelled").WithCause(ctx.Err())
	}

	if res.err == nil {
		e.registry.Discard(token)
		_ = e.fsm.Transition(opts.ActivityID, schema.ActivityStatusRunning, schema.ActivityStatusCompleted)
		return res.output, nil
	}
	if !errors.Is(res.err, ErrResultPending) {
		e.registry.Discard(token)
		_ = e.fsm.Transition(opts.ActivityID, schema.ActivityStatusRunning, schema.ActivityStatusFailed)
		return nil, res.err
	}

	// Phase 2: parked. The worker slot is already released; only the token
	// or the deadline can end the wait.
	if err := e.fsm.Transition(opts.ActivityID, schema.ActivityStatusRunning, schema.ActivityStatusParked); err != nil {
		e.registry.Discard(token)
		return nil, err
	}
	metrics.ParkedInc()
	defer metrics.ParkedDec()

	logger.InfoContext(ctx, "activity parked awaiting completion",
		slog.String("activity", name),
		slog.String("token_preview", schema.TokenPreview(token)),
		slog.Duration("remaining", time.Until(info.Deadline)))

	select {
	case oc := <-outcomeCh:
		if oc.Err != nil {
			_ = e.fsm.Transition(opts.ActivityID, schema.ActivityStatusParked, schema.ActivityStatusFailed)
			logger.InfoContext(ctx, "parked activity failed by completion",
				slog.String("activity", name),
				slog.String("code", oc.Err.Code))
			return nil, oc.Err.AsError()
		}
		_ = e.fsm.Transition(opts.ActivityID, schema.ActivityStatusParked, schema.ActivityStatusCompleted)
		logger.InfoContext(ctx, "parked activity completed",
			slog.String("activity", name))
		return oc.Result, nil
	case <-deadline.C:
		_ = e.fsm.Transition(opts.ActivityID, schema.ActivityStatusParked, schema.ActivityStatusTimedOut)
		return nil, e.timeOut(ctx, name, token)
	case <-ctx.Done():
		e.registry.Expire(token)
		_ = e.fsm.Transition(opts.ActivityID, schema.ActivityStatusParked, schema.ActivityStatusFailed)
		return nil, schema.NewError(schema.ErrCodeCancelled, "activity cancelled while parked").WithCause(ctx.Err())
	}
}

// timeOut invalidates the token so later completions are rejected as late,
// then builds the timeout error the caller propagates.
func (e *Executor) timeOut(ctx context.Context, name string, token []byte) error {
	e.registry.Expire(token)
	logging.LogWith(ctx, e.logger).WarnContext(ctx, "activity start-to-close deadline exceeded",
		slog.String("activity", name),
		slog.String("token_preview", schema.TokenPreview(token)))
	return schema.NewErrorf(schema.ErrCodeTimeout, "activity %s exceeded start-to-close timeout", name)
}

// Shutdown stops the underlying pool and waits for running handlers.
func (e *Executor) Shutdown() {
	e.pool.Shutdown()
}
