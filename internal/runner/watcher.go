package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/handoff/internal/expressions"
	"github.com/rendis/handoff/internal/logging"
	"github.com/rendis/handoff/internal/store"
	"github.com/rendis/handoff/pkg/schema"
)

// HandlerFunc executes one unit of work against the external subsystem's
// actual backend.
type HandlerFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// Definition describes a registered work type.
type Definition struct {
	Type string

	// InputSchema is an optional JSON Schema applied to submission params.
	InputSchema []byte

	// ResultSelector is an optional jq expression that reshapes the handler
	// output before it is persisted and delivered.
	ResultSelector string

	// Retry bounds attempt-level retries. Nil means a single attempt.
	Retry *schema.RetryPolicy

	// RetryIf is an optional predicate evaluated against {code, message,
	// attempt}; when set it overrides the default retryability
	// classification.
	RetryIf string

	Handler HandlerFunc
}

// Watcher drives one submitted work record to a terminal state: it runs the
// handler with retries, persists the outcome, and hands terminal states to
// the completer when a callback token is present. Delivery failures never
// change the work outcome.
type Watcher struct {
	store     store.Store
	fsm       *WorkFSM
	breakers  *CircuitBreakerRegistry
	exprs     *expressions.ExprEngine
	selector  *expressions.GoJQEngine
	completer *Completer
	logger    *slog.Logger
}

// NewWatcher creates a Watcher.
func NewWatcher(st store.Store, completer *Completer, breakers *CircuitBreakerRegistry, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		store:     st,
		fsm:       NewWorkFSM(st),
		breakers:  breakers,
		exprs:     expressions.NewExprEngine(),
		selector:  expressions.NewGoJQEngine(),
		completer: completer,
		logger:    logger,
	}
}

// Run executes the work record to a terminal state. It is called on its own
// goroutine; all failures are folded into the record, not returned.
func (w *Watcher) Run(ctx context.Context, rec *store.WorkRecord, def *Definition) {
	ctx = logging.WithIDs(ctx, rec.ID, rec.ActivityID, rec.WorkflowID)
	logger := logging.LogWith(ctx, w.logger)

	if err := w.start(ctx, rec); err != nil {
		logger.ErrorContext(ctx, "start work failed", slog.String("error", err.Error()))
		return
	}

	maxRetries := 0
	if def.Retry != nil {
		maxRetries = def.Retry.Max
	}

	var output map[string]any
	var execErr error
	for attempt := 0; ; attempt++ {
		output, execErr = w.attempt(ctx, rec, def)
		if execErr == nil {
			w.breakers.RecordSuccess(def.Type)
			break
		}
		w.breakers.RecordFailure(def.Type)

		if ctx.Err() != nil {
			w.finish(ctx, rec, schema.WorkStatusCancelled, nil,
				&schema.ErrorInfo{Code: schema.ErrCodeCancelled, Message: "work cancelled"})
			return
		}
		if attempt >= maxRetries || !w.shouldRetry(ctx, def, execErr, attempt) {
			break
		}

		logger.WarnContext(ctx, "work attempt failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.String("error", execErr.Error()))
		w.recordRetry(ctx, rec, attempt+1, execErr)

		if err := WaitForBackoff(ctx, ComputeBackoff(def.Retry, attempt)); err != nil {
			w.finish(ctx, rec, schema.WorkStatusCancelled, nil,
				&schema.ErrorInfo{Code: schema.ErrCodeCancelled, Message: "work cancelled during backoff"})
			return
		}
	}

	if execErr != nil {
		w.finish(ctx, rec, schema.WorkStatusFailed, nil, schema.AsErrorInfo(execErr))
		return
	}

	result, err := w.selectResult(ctx, def, output)
	if err != nil {
		w.finish(ctx, rec, schema.WorkStatusFailed, nil, schema.AsErrorInfo(err))
		return
	}
	w.finish(ctx, rec, schema.WorkStatusSucceeded, result, nil)
}

func (w *Watcher) start(ctx context.Context, rec *store.WorkRecord) error {
	if err := w.fsm.Transition(ctx, rec.ID, schema.WorkStatusPending, schema.WorkStatusRunning); err != nil {
		return err
	}
	now := time.Now().UTC()
	running := schema.WorkStatusRunning
	return w.store.UpdateWork(ctx, rec.ID, store.WorkUpdate{Status: &running, StartedAt: &now})
}

// attempt runs one handler invocation behind the circuit breaker, with
// panic recovery.
func (w *Watcher) attempt(ctx context.Context, rec *store.WorkRecord, def *Definition) (output map[string]any, err error) {
	if brkErr := w.breakers.AllowRequest(def.Type); brkErr != nil {
		return nil, brkErr
	}
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "work handler panicked: %v", r).WithWork(rec.ID)
		}
	}()
	return def.Handler(ctx, rec.Params)
}

// shouldRetry applies the definition's retry predicate when present, else
// the default error classification.
func (w *Watcher) shouldRetry(ctx context.Context, def *Definition, execErr error, attempt int) bool {
	if def.RetryIf == "" {
		return IsRetryableError(execErr)
	}
	info := schema.AsErrorInfo(execErr)
	retry, err := w.exprs.EvaluateBool(ctx, def.RetryIf, map[string]any{
		"code":    info.Code,
		"message": info.Message,
		"attempt": attempt,
	})
	if err != nil {
		logging.LogWith(ctx, w.logger).WarnContext(ctx, "retry predicate evaluation failed",
			slog.String("error", err.Error()))
		return IsRetryableError(execErr)
	}
	return retry
}

func (w *Watcher) recordRetry(ctx context.Context, rec *store.WorkRecord, attempts int, execErr error) {
	payload, _ := json.Marshal(map[string]any{"attempt": attempts, "error": execErr.Error()})
	if err := w.store.AppendEvent(ctx, &store.Event{
		WorkID:  rec.ID,
		Type:    schema.EventWorkRetrying,
		Payload: payload,
	}); err != nil {
		logging.LogWith(ctx, w.logger).WarnContext(ctx, "append retry event failed",
			slog.String("error", err.Error()))
	}
	if err := w.store.UpdateWork(ctx, rec.ID, store.WorkUpdate{Attempts: &attempts}); err != nil {
		logging.LogWith(ctx, w.logger).WarnContext(ctx, "update attempts failed",
			slog.String("error", err.Error()))
	}
}

// selectResult marshals the handler output, applying the result selector
// when configured.
func (w *Watcher) selectResult(ctx context.Context, def *Definition, output map[string]any) (json.RawMessage, error) {
	if def.ResultSelector == "" {
		if output == nil {
			return json.RawMessage(`{}`), nil
		}
		return json.Marshal(output)
	}
	selected, err := w.selector.Evaluate(ctx, def.ResultSelector, output)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"result selector %q failed: %s", def.ResultSelector, err.Error()).WithCause(err)
	}
	return json.Marshal(selected)
}

// finish records the terminal outcome and, when the record carries a
// callback token, enqueues and attempts the completion delivery.
func (w *Watcher) finish(ctx context.Context, rec *store.WorkRecord, status schema.WorkStatus, result json.RawMessage, errInfo *schema.ErrorInfo) {
	logger := logging.LogWith(ctx, w.logger)

	// finish may run after a cancelled context; persistence must still happen.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
	}

	if err := w.fsm.Transition(ctx, rec.ID, schema.WorkStatusRunning, status); err != nil {
		logger.ErrorContext(ctx, "terminal transition failed", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	upd := store.WorkUpdate{Status: &status, CompletedAt: &now}
	if result != nil {
		upd.Output = result
	}
	if errInfo != nil {
		upd.Error, _ = json.Marshal(errInfo)
	}
	if err := w.store.UpdateWork(ctx, rec.ID, upd); err != nil {
		logger.ErrorContext(ctx, "persist terminal state failed", slog.String("error", err.Error()))
		return
	}

	logger.InfoContext(ctx, "work reached terminal state",
		slog.String("status", string(status)),
		slog.String("type", rec.Type))

	if len(rec.CallbackToken) == 0 {
		logger.DebugContext(ctx, "no callback token, skipping completion")
		return
	}

	kind := store.DeliveryKindComplete
	payload := result
	if status != schema.WorkStatusSucceeded {
		kind = store.DeliveryKindFail
		if errInfo == nil {
			errInfo = &schema.ErrorInfo{Code: schema.ErrCodeExecution, Message: fmt.Sprintf("work %s", status)}
		}
		payload, _ = json.Marshal(errInfo)
	}
	if err := w.enqueueDelivery(ctx, rec, kind, payload); err != nil {
		logger.ErrorContext(ctx, "enqueue completion delivery failed", slog.String("error", err.Error()))
		return
	}

	// Best-effort inline attempt; the redeliverer sweeps up failures.
	if err := w.completer.Deliver(ctx, rec.ID); err != nil {
		logger.WarnContext(ctx, "inline completion delivery failed", slog.String("error", err.Error()))
	}
}

func (w *Watcher) enqueueDelivery(ctx context.Context, rec *store.WorkRecord, kind string, payload json.RawMessage) error {
	err := w.store.CreateDelivery(ctx, &store.CompletionDelivery{
		WorkID:  rec.ID,
		Kind:    kind,
		Payload: payload,
		Status:  schema.DeliveryStatusPending,
	})
	if err != nil {
		return err
	}
	if err := w.store.AppendEvent(ctx, &store.Event{WorkID: rec.ID, Type: schema.EventCompletionEnqueued}); err != nil {
		logging.LogWith(ctx, w.logger).WarnContext(ctx, "append enqueue event failed",
			slog.String("error", err.Error()))
	}
	return nil
}
