package runner

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/handoff/internal/store"
	"github.com/rendis/handoff/pkg/schema"
)

func seedTerminalWork(t *testing.T, st store.Store, kind string, payload json.RawMessage) string {
	t.Helper()
	ctx := context.Background()
	rec := &store.WorkRecord{
		ID:            uuid.New().String(),
		Type:          "anything",
		CallbackToken: []byte("tok-" + uuid.New().String()),
		Status:        schema.WorkStatusSucceeded,
	}
	require.NoError(t, st.CreateWork(ctx, rec))
	require.NoError(t, st.CreateDelivery(ctx, &store.CompletionDelivery{
		WorkID:  rec.ID,
		Kind:    kind,
		Payload: payload,
		Status:  schema.DeliveryStatusPending,
	}))
	return rec.ID
}

func TestCompleter_DeliverSuccess(t *testing.T) {
	st := newTestStore(t)
	client := newFakeClient()
	c := NewCompleter(st, client, slog.New(slog.DiscardHandler))

	workID := seedTerminalWork(t, st, store.DeliveryKindComplete, json.RawMessage(`{"ok":true}`))
	require.NoError(t, c.Deliver(context.Background(), workID))

	d, err := st.GetDelivery(context.Background(), workID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeliveryStatusDelivered, d.Status)
	assert.Equal(t, 1, d.Attempts)

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.completed, 1)
	assert.JSONEq(t, `{"ok":true}`, string(client.completed[0]))
}

func TestCompleter_DeliverFailureKind(t *testing.T) {
	st := newTestStore(t)
	client := newFakeClient()
	c := NewCompleter(st, client, slog.New(slog.DiscardHandler))

	payload, _ := json.Marshal(schema.ErrorInfo{Code: schema.ErrCodeTimeout, Message: "took too long"})
	workID := seedTerminalWork(t, st, store.DeliveryKindFail, payload)
	require.NoError(t, c.Deliver(context.Background(), workID))

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.failed, 1)
	assert.Equal(t, schema.ErrCodeTimeout, client.failed[0].Code)
	assert.Equal(t, "took too long", client.failed[0].Message)
}

func TestCompleter_RejectedTokenIsTerminal(t *testing.T) {
	st := newTestStore(t)
	client := newFakeClient()
	client.err = schema.NewError(schema.ErrCodeNotFound, "completion token expired").
		WithDetails(map[string]any{"reason": "late"})
	c := NewCompleter(st, client, slog.New(slog.DiscardHandler))

	workID := seedTerminalWork(t, st, store.DeliveryKindComplete, json.RawMessage(`{}`))

	// A rejection is a terminal outcome, not an error to retry.
	require.NoError(t, c.Deliver(context.Background(), workID))

	d, err := st.GetDelivery(context.Background(), workID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeliveryStatusRejected, d.Status)

	events, err := st.GetEvents(context.Background(), workID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventCompletionRejected, events[0].Type)
}

func TestCompleter_TransientFailureReschedules(t *testing.T) {
	st := newTestStore(t)
	client := newFakeClient()
	client.err = errors.New("connection refused")
	c := NewCompleter(st, client, slog.New(slog.DiscardHandler))

	workID := seedTerminalWork(t, st, store.DeliveryKindComplete, json.RawMessage(`{}`))

	err := c.Deliver(context.Background(), workID)
	var he *schema.HandoffError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, schema.ErrCodeDelivery, he.Code)

	d, getErr := st.GetDelivery(context.Background(), workID)
	require.NoError(t, getErr)
	assert.Equal(t, schema.DeliveryStatusPending, d.Status)
	assert.Equal(t, 1, d.Attempts)
	require.NotNil(t, d.NextAttemptAt)
}

func TestCompleter_ExhaustedAttemptsAbandon(t *testing.T) {
	st := newTestStore(t)
	client := newFakeClient()
	client.err = errors.New("connection refused")
	c := NewCompleter(st, client, slog.New(slog.DiscardHandler))
	c.maxAttempts = 2

	workID := seedTerminalWork(t, st, store.DeliveryKindComplete, json.RawMessage(`{}`))

	require.Error(t, c.Deliver(context.Background(), workID))
	require.NoError(t, c.Deliver(context.Background(), workID))

	d, err := st.GetDelivery(context.Background(), workID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeliveryStatusRejected, d.Status)
}

func TestCompleter_AlreadyDeliveredIsNoop(t *testing.T) {
	st := newTestStore(t)
	client := newFakeClient()
	c := NewCompleter(st, client, slog.New(slog.DiscardHandler))

	workID := seedTerminalWork(t, st, store.DeliveryKindComplete, json.RawMessage(`{}`))
	delivered := schema.DeliveryStatusDelivered
	require.NoError(t, st.UpdateDelivery(context.Background(), workID, store.DeliveryUpdate{Status: &delivered}))

	require.NoError(t, c.Deliver(context.Background(), workID))

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Empty(t, client.completed)
}

func TestRedeliverer_SweepDeliversDue(t *testing.T) {
	st := newTestStore(t)
	client := newFakeClient()
	c := NewCompleter(st, client, slog.New(slog.DiscardHandler))
	rd, err := NewRedeliverer(st, c, "", slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	workID := seedTerminalWork(t, st, store.DeliveryKindComplete, json.RawMessage(`{"v":1}`))

	rd.Sweep(context.Background())

	d, err := st.GetDelivery(context.Background(), workID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeliveryStatusDelivered, d.Status)
}

func TestRedeliverer_InvalidSchedule(t *testing.T) {
	st := newTestStore(t)
	c := NewCompleter(st, newFakeClient(), slog.New(slog.DiscardHandler))

	_, err := NewRedeliverer(st, c, "not a cron", slog.New(slog.DiscardHandler))
	assert.Error(t, err)
}

func TestRedeliverer_StartStop(t *testing.T) {
	st := newTestStore(t)
	c := NewCompleter(st, newFakeClient(), slog.New(slog.DiscardHandler))
	rd, err := NewRedeliverer(st, c, DefaultSweepSchedule, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	require.NoError(t, rd.Start(context.Background()))
	assert.Error(t, rd.Start(context.Background()))
	require.NoError(t, rd.Stop())
	require.NoError(t, rd.Stop())
}
