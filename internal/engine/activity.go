package engine

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrResultPending is the sentinel an activity returns to signal that its
// result will arrive asynchronously through the completion service. The
// executor parks the invocation instead of treating the return as terminal.
var ErrResultPending = errors.New("activity result pending external completion")

// ActivityFunc is the signature of a registered activity handler.
type ActivityFunc func(ctx context.Context, input map[string]any) (json.RawMessage, error)

// ActivityInfo carries the identity and completion token of a running
// activity invocation. Handlers read it from the context via GetInfo.
type ActivityInfo struct {
	ActivityID string
	WorkflowID string
	Attempt    int
	TaskToken  []byte
	Deadline   time.Time
}

type activityInfoKey struct{}

func withInfo(ctx context.Context, info *ActivityInfo) context.Context {
	return context.WithValue(ctx, activityInfoKey{}, info)
}

// GetInfo returns the ActivityInfo for the current invocation, if any.
func GetInfo(ctx context.Context) (*ActivityInfo, bool) {
	info, ok := ctx.Value(activityInfoKey{}).(*ActivityInfo)
	return info, ok
}

// CaptureToken returns a copy of the current invocation's completion token.
// Handlers pass the copy to the external subsystem and return
// ErrResultPending; the token is the only handle the subsystem ever needs
// to resume the invocation.
func CaptureToken(ctx context.Context) []byte {
	info, ok := GetInfo(ctx)
	if !ok || len(info.TaskToken) == 0 {
		return nil
	}
	token := make([]byte, len(info.TaskToken))
	copy(token, info.TaskToken)
	return token
}

const tokenBytes = 32

// mintToken generates a fresh single-use completion token.
func mintToken() ([]byte, error) {
	token := make([]byte, tokenBytes)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("mint completion token: %w", err)
	}
	return token, nil
}
