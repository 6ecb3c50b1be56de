package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/handoff/internal/logging"
	"github.com/rendis/handoff/internal/store"
	"github.com/rendis/handoff/internal/validation"
	"github.com/rendis/handoff/pkg/schema"
)

// Runner is the external subsystem's submission surface. It accepts work,
// persists the record with the callback token copied verbatim, and drives
// each record to a terminal state on its own goroutine.
type Runner struct {
	store     store.Store
	validator *validation.SubmissionValidator
	watcher   *Watcher
	logger    *slog.Logger

	mu   sync.RWMutex
	defs map[string]*Definition

	runMu   sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
}

// NewRunner creates a Runner over the given store and completion client.
func NewRunner(st store.Store, client CompletionClient, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	validator, err := validation.NewSubmissionValidator()
	if err != nil {
		return nil, err
	}

	breakers := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	completer := NewCompleter(st, client, logger)

	baseCtx, stop := context.WithCancel(context.Background())
	return &Runner{
		store:     st,
		validator: validator,
		watcher:   NewWatcher(st, completer, breakers, logger),
		logger:    logger,
		defs:      make(map[string]*Definition),
		running:   make(map[string]context.CancelFunc),
		baseCtx:   baseCtx,
		stop:      stop,
	}, nil
}

// Completer exposes the completer for the redelivery sweep.
func (r *Runner) Completer() *Completer {
	return r.watcher.completer
}

// RegisterWork registers a work type definition. Registering an already
// known type is a conflict.
func (r *Runner) RegisterWork(def *Definition) error {
	if def == nil || def.Type == "" || def.Handler == nil {
		return schema.NewError(schema.ErrCodeValidation, "work definition requires a type and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Type]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "work type already registered: %s", def.Type)
	}
	r.defs[def.Type] = def
	return nil
}

// Submit validates and persists a work submission, then dispatches it
// asynchronously. Validation and persistence failures surface to the caller
// synchronously; nothing about them reaches the completion path.
func (r *Runner) Submit(ctx context.Context, sub *schema.WorkSubmission) (string, error) {
	if err := r.validator.ValidateSubmission(sub); err != nil {
		return "", err
	}

	r.mu.RLock()
	def, ok := r.defs[sub.Type]
	r.mu.RUnlock()
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeSubmission, "unknown work type: %s", sub.Type)
	}

	if len(def.InputSchema) > 0 {
		if err := r.validator.ValidateParams(sub.Params, def.InputSchema); err != nil {
			return "", err
		}
	}

	token := make([]byte, len(sub.CallbackToken))
	copy(token, sub.CallbackToken)

	rec := &store.WorkRecord{
		ID:            uuid.New().String(),
		Type:          sub.Type,
		Params:        sub.Params,
		CallbackToken: token,
		Status:        schema.WorkStatusPending,
		WorkflowID:    sub.WorkflowID,
		ActivityID:    sub.ActivityID,
	}
	if err := r.store.CreateWork(ctx, rec); err != nil {
		return "", err
	}
	if err := r.store.AppendEvent(ctx, &store.Event{WorkID: rec.ID, Type: schema.EventWorkCreated}); err != nil {
		logging.LogWith(ctx, r.logger).WarnContext(ctx, "append created event failed",
			slog.String("error", err.Error()))
	}

	logCtx := logging.WithIDs(ctx, rec.ID, rec.ActivityID, rec.WorkflowID)
	logging.LogWith(logCtx, r.logger).InfoContext(logCtx, "work accepted",
		slog.String("type", rec.Type),
		slog.Bool("has_token", len(token) > 0),
		slog.String("token_preview", schema.TokenPreview(token)),
		slog.Int("token_bytes", len(token)))

	r.dispatch(rec, def)
	return rec.ID, nil
}

// dispatch runs the watcher for the record on its own goroutine, detached
// from the submitter's context.
func (r *Runner) dispatch(rec *store.WorkRecord, def *Definition) {
	runCtx, cancel := context.WithCancel(r.baseCtx)

	r.runMu.Lock()
	r.running[rec.ID] = cancel
	r.wg.Add(1)
	r.runMu.Unlock()

	go func() {
		defer func() {
			r.runMu.Lock()
			delete(r.running, rec.ID)
			r.runMu.Unlock()
			cancel()
			r.wg.Done()
		}()
		r.watcher.Run(runCtx, rec, def)
	}()
}

// Cancel requests cancellation of an in-flight work record. The watcher
// folds the cancellation into a terminal cancelled state and, when a token
// is present, fails the parked activity.
func (r *Runner) Cancel(ctx context.Context, workID string) error {
	r.runMu.Lock()
	cancel, ok := r.running[workID]
	r.runMu.Unlock()
	if ok {
		cancel()
		return nil
	}

	rec, err := r.store.GetWork(ctx, workID)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "work already terminal: %s", rec.Status).WithWork(workID)
	}
	// Pending but not dispatched here (e.g. another process). Mark it
	// cancelled directly.
	if err := NewWorkFSM(r.store).Transition(ctx, workID, rec.Status, schema.WorkStatusCancelled); err != nil {
		return err
	}
	errInfo := &schema.ErrorInfo{Code: schema.ErrCodeCancelled, Message: "work cancelled"}
	cancelled := schema.WorkStatusCancelled
	now := time.Now().UTC()
	upd := store.WorkUpdate{Status: &cancelled, CompletedAt: &now}
	upd.Error, _ = json.Marshal(errInfo)
	if err := r.store.UpdateWork(ctx, workID, upd); err != nil {
		return err
	}

	// A cancelled record with a token still binds a parked caller; fail it
	// so the caller is unblocked before its own deadline.
	if len(rec.CallbackToken) == 0 {
		return nil
	}
	payload, _ := json.Marshal(errInfo)
	if err := r.watcher.enqueueDelivery(ctx, rec, store.DeliveryKindFail, payload); err != nil {
		return err
	}
	if err := r.watcher.completer.Deliver(ctx, workID); err != nil {
		logging.LogWith(ctx, r.logger).WarnContext(ctx, "inline completion delivery failed",
			slog.String("error", err.Error()))
	}
	return nil
}

// GetWork returns the current state of a work record.
func (r *Runner) GetWork(ctx context.Context, workID string) (*store.WorkRecord, error) {
	return r.store.GetWork(ctx, workID)
}

// Shutdown cancels all in-flight work and waits for watchers to finish
// persisting their terminal states.
func (r *Runner) Shutdown() {
	r.stop()
	r.wg.Wait()
}
