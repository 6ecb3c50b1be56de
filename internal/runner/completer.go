package runner

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/handoff/internal/logging"
	"github.com/rendis/handoff/internal/metrics"
	"github.com/rendis/handoff/internal/store"
	"github.com/rendis/handoff/pkg/schema"
)

// CompletionClient is the engine-side surface the completer calls to resume
// a parked activity. Only the token crosses the boundary.
type CompletionClient interface {
	CompleteActivity(ctx context.Context, token []byte, result json.RawMessage) error
	FailActivity(ctx context.Context, token []byte, errInfo *schema.ErrorInfo) error
}

// DefaultDeliveryAttempts caps how many times a pending delivery is retried
// before it is abandoned as rejected.
const DefaultDeliveryAttempts = 10

// Completer drains the completion outbox: for each terminal work record
// with a callback token, it invokes the completion client exactly once from
// the engine's point of view. A rejected token (consumed or expired) is
// terminal; transient failures are rescheduled with backoff.
type Completer struct {
	store       store.Store
	client      CompletionClient
	breaker     *CircuitBreakerRegistry
	logger      *slog.Logger
	maxAttempts int
	backoff     *schema.RetryPolicy
}

// breakerKey is the single circuit shared by all deliveries: there is one
// engine endpoint behind the client.
const breakerKey = "completion_client"

// NewCompleter creates a Completer over the given store and client.
func NewCompleter(st store.Store, client CompletionClient, logger *slog.Logger) *Completer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Completer{
		store:       st,
		client:      client,
		breaker:     NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig()),
		logger:      logger,
		maxAttempts: DefaultDeliveryAttempts,
		backoff:     &schema.RetryPolicy{Backoff: "exponential", Delay: "2s", MaxDelay: "5m"},
	}
}

// Deliver attempts the completion delivery for one work record. It returns
// an error only for transient failures that warrant a redelivery; duplicate
// and late rejections are terminal and return nil.
func (c *Completer) Deliver(ctx context.Context, workID string) error {
	ctx = logging.WithWorkID(ctx, workID)
	logger := logging.LogWith(ctx, c.logger)

	rec, err := c.store.GetWork(ctx, workID)
	if err != nil {
		return err
	}
	d, err := c.store.GetDelivery(ctx, workID)
	if err != nil {
		return err
	}
	if d.Status != schema.DeliveryStatusPending {
		return nil
	}

	logger = logger.With(
		slog.String("kind", d.Kind),
		slog.String("token_preview", schema.TokenPreview(rec.CallbackToken)),
		slog.Int("token_bytes", len(rec.CallbackToken)),
		slog.Int("attempt", d.Attempts+1))

	callErr := c.call(ctx, rec, d)
	if callErr == nil {
		if err := c.mark(ctx, workID, schema.DeliveryStatusDelivered, d.Attempts+1, "", nil); err != nil {
			return err
		}
		c.appendEvent(ctx, workID, schema.EventCompletionDelivered, nil)
		metrics.RecordDelivery("delivered")
		logger.InfoContext(ctx, "completion delivered")
		return nil
	}

	var he *schema.HandoffError
	if errors.As(callErr, &he) && he.Code == schema.ErrCodeNotFound {
		reason, _ := he.Details["reason"].(string)
		if reason == "" {
			reason = "unknown_token"
		}
		if err := c.mark(ctx, workID, schema.DeliveryStatusRejected, d.Attempts+1, he.Message, nil); err != nil {
			return err
		}
		c.appendEvent(ctx, workID, schema.EventCompletionRejected, map[string]any{"reason": reason})
		metrics.RecordDelivery("rejected")
		metrics.RecordRejection(reason)
		logger.WarnContext(ctx, "completion rejected by engine", slog.String("reason", reason))
		return nil
	}

	// Transient failure.
	attempts := d.Attempts + 1
	if attempts >= c.maxAttempts {
		if err := c.mark(ctx, workID, schema.DeliveryStatusRejected, attempts, callErr.Error(), nil); err != nil {
			return err
		}
		c.appendEvent(ctx, workID, schema.EventCompletionRejected, map[string]any{"reason": "exhausted"})
		metrics.RecordDelivery("rejected")
		metrics.RecordRejection("exhausted")
		logger.ErrorContext(ctx, "completion delivery abandoned",
			slog.Int("attempts", attempts),
			slog.String("error", callErr.Error()))
		return nil
	}

	next := time.Now().UTC().Add(ComputeBackoff(c.backoff, attempts-1))
	if err := c.mark(ctx, workID, schema.DeliveryStatusPending, attempts, callErr.Error(), &next); err != nil {
		return err
	}
	metrics.RecordDelivery("failed")
	metrics.RecordDeliveryRetry()
	logger.WarnContext(ctx, "completion delivery failed, will retry",
		slog.Time("next_attempt_at", next),
		slog.String("error", callErr.Error()))
	return schema.NewError(schema.ErrCodeDelivery, "completion delivery failed").
		WithWork(workID).WithCause(callErr)
}

func (c *Completer) call(ctx context.Context, rec *store.WorkRecord, d *store.CompletionDelivery) error {
	if err := c.breaker.AllowRequest(breakerKey); err != nil {
		return err
	}

	var callErr error
	switch d.Kind {
	case store.DeliveryKindFail:
		var info schema.ErrorInfo
		if len(d.Payload) > 0 {
			if err := json.Unmarshal(d.Payload, &info); err != nil {
				info = schema.ErrorInfo{Code: schema.ErrCodeExecution, Message: string(d.Payload)}
			}
		}
		callErr = c.client.FailActivity(ctx, rec.CallbackToken, &info)
	default:
		callErr = c.client.CompleteActivity(ctx, rec.CallbackToken, d.Payload)
	}

	// A NOT_FOUND rejection is still a response from the engine: the circuit
	// only tracks transport-level failures.
	var he *schema.HandoffError
	if callErr == nil || (errors.As(callErr, &he) && he.Code == schema.ErrCodeNotFound) {
		c.breaker.RecordSuccess(breakerKey)
	} else {
		c.breaker.RecordFailure(breakerKey)
	}
	return callErr
}

func (c *Completer) mark(ctx context.Context, workID string, status schema.DeliveryStatus, attempts int, lastErr string, next *time.Time) error {
	upd := store.DeliveryUpdate{Status: &status, Attempts: &attempts, NextAttemptAt: next}
	if lastErr != "" {
		upd.LastError = &lastErr
	}
	return c.store.UpdateDelivery(ctx, workID, upd)
}

func (c *Completer) appendEvent(ctx context.Context, workID, eventType string, payload map[string]any) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	if err := c.store.AppendEvent(ctx, &store.Event{WorkID: workID, Type: eventType, Payload: raw}); err != nil {
		logging.LogWith(ctx, c.logger).WarnContext(ctx, "append delivery event failed",
			slog.String("event", eventType),
			slog.String("error", err.Error()))
	}
}
