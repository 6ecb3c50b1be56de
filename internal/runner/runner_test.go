package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/handoff/internal/store"
	"github.com/rendis/handoff/pkg/schema"
)

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

// fakeClient records completion calls and can be programmed to fail.
type fakeClient struct {
	mu        sync.Mutex
	completed []json.RawMessage
	failed    []*schema.ErrorInfo
	tokens    [][]byte
	err       error
	failOnce  bool
	notify    chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{notify: make(chan struct{}, 16)}
}

func (f *fakeClient) CompleteActivity(ctx context.Context, token []byte, result json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(); err != nil {
		return err
	}
	f.tokens = append(f.tokens, token)
	f.completed = append(f.completed, result)
	f.notify <- struct{}{}
	return nil
}

func (f *fakeClient) FailActivity(ctx context.Context, token []byte, errInfo *schema.ErrorInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr(); err != nil {
		return err
	}
	f.tokens = append(f.tokens, token)
	f.failed = append(f.failed, errInfo)
	f.notify <- struct{}{}
	return nil
}

// takeErr returns the programmed error. Caller holds f.mu.
func (f *fakeClient) takeErr() error {
	err := f.err
	if err != nil && f.failOnce {
		f.err = nil
	}
	return err
}

func (f *fakeClient) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion call")
	}
}

func newTestRunner(t *testing.T, client CompletionClient) (*Runner, *store.LibSQLStore) {
	t.Helper()
	st := newTestStore(t)
	r, err := NewRunner(st, client, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(r.Shutdown)
	return r, st
}

func waitForStatus(t *testing.T, st store.Store, workID string, want schema.WorkStatus) *store.WorkRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := st.GetWork(context.Background(), workID)
		require.NoError(t, err)
		if rec.Status == want {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("work %s never reached status %s", workID, want)
	return nil
}

func TestSubmit_SuccessWithToken(t *testing.T) {
	client := newFakeClient()
	r, st := newTestRunner(t, client)

	require.NoError(t, r.RegisterWork(&Definition{
		Type: "report.generate",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"url": "s3://reports/1.pdf"}, nil
		},
	}))

	token := []byte("engine-token")
	workID, err := r.Submit(context.Background(), &schema.WorkSubmission{
		Type:          "report.generate",
		Params:        map[string]any{"format": "pdf"},
		CallbackToken: token,
	})
	require.NoError(t, err)

	client.wait(t)
	rec := waitForStatus(t, st, workID, schema.WorkStatusSucceeded)
	assert.JSONEq(t, `{"url":"s3://reports/1.pdf"}`, string(rec.Output))

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.completed, 1)
	assert.Equal(t, token, client.tokens[0])
	assert.JSONEq(t, `{"url":"s3://reports/1.pdf"}`, string(client.completed[0]))

	d, err := st.GetDelivery(context.Background(), workID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeliveryStatusDelivered, d.Status)
}

func TestSubmit_FailureWithToken(t *testing.T) {
	client := newFakeClient()
	r, st := newTestRunner(t, client)

	require.NoError(t, r.RegisterWork(&Definition{
		Type: "flaky",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return nil, schema.NewError(schema.ErrCodeValidation, "bad input downstream")
		},
	}))

	workID, err := r.Submit(context.Background(), &schema.WorkSubmission{
		Type:          "flaky",
		CallbackToken: []byte("tok"),
	})
	require.NoError(t, err)

	client.wait(t)
	waitForStatus(t, st, workID, schema.WorkStatusFailed)

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.failed, 1)
	assert.Equal(t, schema.ErrCodeValidation, client.failed[0].Code)
	assert.Equal(t, "bad input downstream", client.failed[0].Message)
}

func TestSubmit_NoTokenSkipsCompletion(t *testing.T) {
	client := newFakeClient()
	r, st := newTestRunner(t, client)

	require.NoError(t, r.RegisterWork(&Definition{
		Type: "legacy",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		},
	}))

	workID, err := r.Submit(context.Background(), &schema.WorkSubmission{Type: "legacy"})
	require.NoError(t, err)

	waitForStatus(t, st, workID, schema.WorkStatusSucceeded)

	// No delivery row is ever created for tokenless work.
	_, err = st.GetDelivery(context.Background(), workID)
	var he *schema.HandoffError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, schema.ErrCodeNotFound, he.Code)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Empty(t, client.completed)
	assert.Empty(t, client.failed)
}

func TestSubmit_UnknownType(t *testing.T) {
	r, _ := newTestRunner(t, newFakeClient())

	_, err := r.Submit(context.Background(), &schema.WorkSubmission{Type: "nope"})
	var he *schema.HandoffError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, schema.ErrCodeSubmission, he.Code)
}

func TestSubmit_InvalidParams(t *testing.T) {
	r, _ := newTestRunner(t, newFakeClient())

	inputSchema := []byte(`{
		"type": "object",
		"properties": {"count": {"type": "integer"}},
		"required": ["count"]
	}`)
	require.NoError(t, r.RegisterWork(&Definition{
		Type:        "typed",
		InputSchema: inputSchema,
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return nil, nil
		},
	}))

	_, err := r.Submit(context.Background(), &schema.WorkSubmission{
		Type:   "typed",
		Params: map[string]any{"count": "three"},
	})
	var he *schema.HandoffError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, schema.ErrCodeValidation, he.Code)
}

func TestSubmit_ResultSelector(t *testing.T) {
	client := newFakeClient()
	r, st := newTestRunner(t, client)

	require.NoError(t, r.RegisterWork(&Definition{
		Type:           "shaped",
		ResultSelector: "{id: .inner.id}",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"inner": map[string]any{"id": "x-1", "noise": true}}, nil
		},
	}))

	workID, err := r.Submit(context.Background(), &schema.WorkSubmission{
		Type:          "shaped",
		CallbackToken: []byte("tok"),
	})
	require.NoError(t, err)

	client.wait(t)
	rec := waitForStatus(t, st, workID, schema.WorkStatusSucceeded)
	assert.JSONEq(t, `{"id":"x-1"}`, string(rec.Output))
}

func TestSubmit_RetriesThenSucceeds(t *testing.T) {
	client := newFakeClient()
	r, st := newTestRunner(t, client)

	var calls int
	var mu sync.Mutex
	require.NoError(t, r.RegisterWork(&Definition{
		Type:  "eventually",
		Retry: &schema.RetryPolicy{Max: 3, Backoff: "constant", Delay: "10ms"},
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls < 3 {
				return nil, schema.NewError(schema.ErrCodeTimeout, "transient")
			}
			return map[string]any{"calls": calls}, nil
		},
	}))

	workID, err := r.Submit(context.Background(), &schema.WorkSubmission{
		Type:          "eventually",
		CallbackToken: []byte("tok"),
	})
	require.NoError(t, err)

	client.wait(t)
	rec := waitForStatus(t, st, workID, schema.WorkStatusSucceeded)
	assert.JSONEq(t, `{"calls":3}`, string(rec.Output))
	assert.Equal(t, 2, rec.Attempts)

	events, err := st.GetEvents(context.Background(), workID, 0)
	require.NoError(t, err)
	var retries int
	for _, e := range events {
		if e.Type == schema.EventWorkRetrying {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestSubmit_RetryIfPredicateStopsRetry(t *testing.T) {
	client := newFakeClient()
	r, st := newTestRunner(t, client)

	var calls int
	var mu sync.Mutex
	require.NoError(t, r.RegisterWork(&Definition{
		Type:    "picky",
		Retry:   &schema.RetryPolicy{Max: 5, Backoff: "constant", Delay: "10ms"},
		RetryIf: `code == "TIMEOUT_ERROR"`,
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return nil, schema.NewError(schema.ErrCodeExecution, "permanent")
		},
	}))

	workID, err := r.Submit(context.Background(), &schema.WorkSubmission{
		Type:          "picky",
		CallbackToken: []byte("tok"),
	})
	require.NoError(t, err)

	client.wait(t)
	waitForStatus(t, st, workID, schema.WorkStatusFailed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestSubmit_HandlerPanicBecomesFailure(t *testing.T) {
	client := newFakeClient()
	r, st := newTestRunner(t, client)

	require.NoError(t, r.RegisterWork(&Definition{
		Type:    "bomb",
		RetryIf: "false",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			panic("kaboom")
		},
	}))

	workID, err := r.Submit(context.Background(), &schema.WorkSubmission{
		Type:          "bomb",
		CallbackToken: []byte("tok"),
	})
	require.NoError(t, err)

	client.wait(t)
	rec := waitForStatus(t, st, workID, schema.WorkStatusFailed)

	var info schema.ErrorInfo
	require.NoError(t, json.Unmarshal(rec.Error, &info))
	assert.Equal(t, schema.ErrCodeExecution, info.Code)
	assert.Contains(t, info.Message, "kaboom")
}

func TestCancel_InFlightWork(t *testing.T) {
	client := newFakeClient()
	r, st := newTestRunner(t, client)

	started := make(chan struct{})
	require.NoError(t, r.RegisterWork(&Definition{
		Type: "slow",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	workID, err := r.Submit(context.Background(), &schema.WorkSubmission{
		Type:          "slow",
		CallbackToken: []byte("tok"),
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, r.Cancel(context.Background(), workID))

	client.wait(t)
	waitForStatus(t, st, workID, schema.WorkStatusCancelled)

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.failed, 1)
	assert.Equal(t, schema.ErrCodeCancelled, client.failed[0].Code)
}

func TestCancel_PendingRecordWithTokenDeliversFailure(t *testing.T) {
	client := newFakeClient()
	r, st := newTestRunner(t, client)

	// A pending record persisted by another process: not in this runner's
	// in-flight table, but its token still binds a parked caller.
	token := []byte("orphaned-work-token")
	require.NoError(t, st.CreateWork(context.Background(), &store.WorkRecord{
		ID:            "w-orphan",
		Type:          "slow",
		CallbackToken: token,
		Status:        schema.WorkStatusPending,
	}))

	require.NoError(t, r.Cancel(context.Background(), "w-orphan"))

	rec, err := st.GetWork(context.Background(), "w-orphan")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkStatusCancelled, rec.Status)

	client.mu.Lock()
	require.Len(t, client.failed, 1)
	assert.Equal(t, schema.ErrCodeCancelled, client.failed[0].Code)
	assert.Equal(t, token, client.tokens[0])
	client.mu.Unlock()

	d, err := st.GetDelivery(context.Background(), "w-orphan")
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryKindFail, d.Kind)
	assert.Equal(t, schema.DeliveryStatusDelivered, d.Status)
}

func TestCancel_PendingRecordWithoutTokenSkipsDelivery(t *testing.T) {
	client := newFakeClient()
	r, st := newTestRunner(t, client)

	require.NoError(t, st.CreateWork(context.Background(), &store.WorkRecord{
		ID:     "w-quiet",
		Type:   "slow",
		Status: schema.WorkStatusPending,
	}))

	require.NoError(t, r.Cancel(context.Background(), "w-quiet"))

	rec, err := st.GetWork(context.Background(), "w-quiet")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkStatusCancelled, rec.Status)

	_, err = st.GetDelivery(context.Background(), "w-quiet")
	var he *schema.HandoffError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, schema.ErrCodeNotFound, he.Code)
}

func TestCancel_UnknownWork(t *testing.T) {
	r, _ := newTestRunner(t, newFakeClient())

	err := r.Cancel(context.Background(), "missing")
	var he *schema.HandoffError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, schema.ErrCodeNotFound, he.Code)
}

func TestRegisterWork_Duplicate(t *testing.T) {
	r, _ := newTestRunner(t, newFakeClient())

	def := &Definition{Type: "dup", Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, nil
	}}
	require.NoError(t, r.RegisterWork(def))
	err := r.RegisterWork(def)
	var he *schema.HandoffError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, schema.ErrCodeConflict, he.Code)
}
