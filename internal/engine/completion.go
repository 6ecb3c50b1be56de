package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/rendis/handoff/internal/metrics"
	"github.com/rendis/handoff/pkg/schema"
)

// CompletionClient is the surface the external subsystem uses to resume a
// parked activity. The token is the only coupling between the two sides.
type CompletionClient interface {
	CompleteActivity(ctx context.Context, token []byte, result json.RawMessage) error
	FailActivity(ctx context.Context, token []byte, errInfo *schema.ErrorInfo) error
}

// CompletionService resumes parked invocations through the registry. An
// empty token is a no-op so callers that ran without a workflow context can
// share the same code path.
type CompletionService struct {
	registry *Registry
	logger   *slog.Logger
}

// NewCompletionService creates a CompletionService over the given registry.
func NewCompletionService(registry *Registry, logger *slog.Logger) *CompletionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionService{registry: registry, logger: logger}
}

// CompleteActivity resumes the invocation bound to token with a successful
// result.
func (s *CompletionService) CompleteActivity(ctx context.Context, token []byte, result json.RawMessage) error {
	return s.resume(ctx, token, Outcome{Result: result})
}

// FailActivity resumes the invocation bound to token with a failure.
func (s *CompletionService) FailActivity(ctx context.Context, token []byte, errInfo *schema.ErrorInfo) error {
	if errInfo == nil {
		errInfo = &schema.ErrorInfo{Code: schema.ErrCodeExecution, Message: "external work failed"}
	}
	return s.resume(ctx, token, Outcome{Err: errInfo})
}

func (s *CompletionService) resume(ctx context.Context, token []byte, oc Outcome) error {
	if len(token) == 0 {
		s.logger.DebugContext(ctx, "completion without token, skipping")
		return nil
	}

	logger := s.logger.With(
		slog.String("token_preview", schema.TokenPreview(token)),
		slog.Int("token_bytes", len(token)))

	err := s.registry.Resume(token, oc)
	if err == nil {
		logger.InfoContext(ctx, "parked activity resumed", slog.Bool("failed", oc.Err != nil))
		return nil
	}

	var he *schema.HandoffError
	if errors.As(err, &he) && he.Code == schema.ErrCodeNotFound {
		switch he.Details["reason"] {
		case "duplicate":
			metrics.RecordDuplicateCompletion()
			logger.WarnContext(ctx, "duplicate completion ignored")
		case "late":
			metrics.RecordLateCompletion()
			logger.WarnContext(ctx, "late completion rejected, token expired")
		default:
			logger.WarnContext(ctx, "completion for unknown token rejected")
		}
	}
	return err
}
