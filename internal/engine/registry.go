package engine

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/rendis/handoff/pkg/schema"
)

// Outcome is the terminal result delivered to a parked invocation.
// Exactly one of Result or Err is set.
type Outcome struct {
	Result json.RawMessage
	Err    *schema.ErrorInfo
}

type invocation struct {
	outcome chan Outcome
}

// tombstoneTTL bounds how long resumed and expired token keys are retained
// for duplicate and late completion classification.
const tombstoneTTL = time.Hour

// Registry tracks in-flight invocations by completion token. Each token
// admits exactly one resume; later attempts are classified as duplicate
// (already resumed) or late (deadline passed before the completion arrived).
type Registry struct {
	mu      sync.Mutex
	pending map[string]*invocation
	resumed map[string]time.Time
	expired map[string]time.Time
}

// NewRegistry creates an empty invocation registry.
func NewRegistry() *Registry {
	return &Registry{
		pending: make(map[string]*invocation),
		resumed: make(map[string]time.Time),
		expired: make(map[string]time.Time),
	}
}

func tokenKey(token []byte) string {
	return base64.StdEncoding.EncodeToString(token)
}

// Register binds a token to a fresh outcome channel. The channel is buffered
// so a completion that arrives before the handler has even returned is held
// rather than dropped.
func (r *Registry) Register(token []byte) <-chan Outcome {
	inv := &invocation{outcome: make(chan Outcome, 1)}
	r.mu.Lock()
	r.pending[tokenKey(token)] = inv
	r.mu.Unlock()
	return inv.outcome
}

// Resume delivers a terminal outcome to the invocation bound to token.
// It succeeds at most once per token.
func (r *Registry) Resume(token []byte, oc Outcome) error {
	key := tokenKey(token)

	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.pending[key]
	if !ok {
		if _, was := r.resumed[key]; was {
			return schema.NewError(schema.ErrCodeNotFound, "completion token already consumed").
				WithDetails(map[string]any{"reason": "duplicate"})
		}
		if _, was := r.expired[key]; was {
			return schema.NewError(schema.ErrCodeNotFound, "completion token expired").
				WithDetails(map[string]any{"reason": "late"})
		}
		return schema.NewError(schema.ErrCodeNotFound, "unknown completion token")
	}

	delete(r.pending, key)
	r.resumed[key] = time.Now()
	r.prune()

	inv.outcome <- oc
	return nil
}

// Expire invalidates a token whose invocation hit its deadline. Completions
// arriving afterwards are rejected as late.
func (r *Registry) Expire(token []byte) {
	key := tokenKey(token)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[key]; !ok {
		return
	}
	delete(r.pending, key)
	r.expired[key] = time.Now()
	r.prune()
}

// Discard unbinds a token whose invocation finished synchronously. No
// tombstone is kept; the token was never handed out.
func (r *Registry) Discard(token []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, tokenKey(token))
}

// Pending returns the number of invocations currently awaiting completion.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// prune drops tombstones older than tombstoneTTL. Caller holds r.mu.
func (r *Registry) prune() {
	cutoff := time.Now().Add(-tombstoneTTL)
	for k, t := range r.resumed {
		if t.Before(cutoff) {
			delete(r.resumed, k)
		}
	}
	for k, t := range r.expired {
		if t.Before(cutoff) {
			delete(r.expired, k)
		}
	}
}
