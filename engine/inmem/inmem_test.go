package inmem

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/orbit/engine"
)

// echoWorkflow answers updates by invoking the echo activity until it
// receives the payload "stop".
func echoWorkflow(wc engine.WorkflowContext, _ []byte) error {
	updates := wc.Updates("chat")
	for {
		upd, err := updates.Receive(wc.Context())
		if err != nil {
			return nil
		}
		if string(upd.Payload) == "stop" {
			upd.Respond([]byte("bye"), nil)
			return nil
		}
		out, err := wc.ExecuteActivity("echo", upd.Payload, engine.ActivityOptions{})
		upd.Respond(out, err)
	}
}

func newEchoEngine(t *testing.T) *Engine {
	t.Helper()
	ctx := context.Background()
	e := New()
	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{Name: "echo-session", Handler: echoWorkflow}))
	require.NoError(t, e.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: "echo",
		Handler: func(_ context.Context, input []byte) ([]byte, error) {
			return append([]byte("echo: "), input...), nil
		},
	}))
	return e
}

func TestUpdateRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newEchoEngine(t)
	defer e.Close()

	h, err := e.GetOrStartWorkflow(ctx, engine.StartRequest{ID: "w1", Workflow: "echo-session"})
	require.NoError(t, err)
	require.Equal(t, "w1", h.WorkflowID())

	out, err := e.UpdateWorkflow(ctx, engine.UpdateRequest{WorkflowID: "w1", Name: "chat", Payload: []byte("hi")})
	require.NoError(t, err)
	require.Equal(t, "echo: hi", string(out))
}

func TestGetOrStartAttachesToRunning(t *testing.T) {
	ctx := context.Background()
	e := newEchoEngine(t)
	defer e.Close()

	_, err := e.GetOrStartWorkflow(ctx, engine.StartRequest{ID: "w1", Workflow: "echo-session"})
	require.NoError(t, err)
	_, err = e.GetOrStartWorkflow(ctx, engine.StartRequest{ID: "w1", Workflow: "echo-session"})
	require.NoError(t, err)

	// Two sequential updates hit the same execution.
	out, err := e.UpdateWorkflow(ctx, engine.UpdateRequest{WorkflowID: "w1", Name: "chat", Payload: []byte("a")})
	require.NoError(t, err)
	require.Equal(t, "echo: a", string(out))

	out, err = e.UpdateWorkflow(ctx, engine.UpdateRequest{WorkflowID: "w1", Name: "chat", Payload: []byte("stop")})
	require.NoError(t, err)
	require.Equal(t, "bye", string(out))

	require.NoError(t, e.Wait(ctx, "w1"))

	// The finished execution no longer accepts updates.
	_, err = e.UpdateWorkflow(ctx, engine.UpdateRequest{WorkflowID: "w1", Name: "chat", Payload: []byte("b")})
	require.ErrorIs(t, err, engine.ErrWorkflowNotFound)
}

func TestUpdateUnknownWorkflow(t *testing.T) {
	e := newEchoEngine(t)
	defer e.Close()

	_, err := e.UpdateWorkflow(context.Background(), engine.UpdateRequest{WorkflowID: "nope", Name: "chat"})
	require.ErrorIs(t, err, engine.ErrWorkflowNotFound)
}

func TestTimerAndAwait(t *testing.T) {
	ctx := context.Background()
	e := New()

	fired := make(chan time.Time, 1)
	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "timer",
		Handler: func(wc engine.WorkflowContext, _ []byte) error {
			timer := wc.NewTimer(20 * time.Millisecond)
			if err := wc.Await(timer.IsReady); err != nil {
				return err
			}
			at, err := timer.Get(wc.Context())
			if err != nil {
				return err
			}
			fired <- at
			return nil
		},
	}))

	start := time.Now()
	_, err := e.GetOrStartWorkflow(ctx, engine.StartRequest{ID: "t1", Workflow: "timer"})
	require.NoError(t, err)
	require.NoError(t, e.Wait(ctx, "t1"))

	select {
	case at := <-fired:
		require.GreaterOrEqual(t, at.Sub(start), 20*time.Millisecond)
	default:
		t.Fatal("timer workflow did not record firing time")
	}
}

func TestCancelStopsWorkflow(t *testing.T) {
	ctx := context.Background()
	e := New()

	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "block",
		Handler: func(wc engine.WorkflowContext, _ []byte) error {
			_, err := wc.Updates("chat").Receive(wc.Context())
			return err
		},
	}))

	_, err := e.GetOrStartWorkflow(ctx, engine.StartRequest{ID: "c1", Workflow: "block"})
	require.NoError(t, err)
	require.NoError(t, e.CancelWorkflow(ctx, "c1"))

	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	err = e.Wait(wctx, "c1")
	require.ErrorIs(t, err, context.Canceled)
}

func TestSignalDelivery(t *testing.T) {
	ctx := context.Background()
	e := New()

	got := make(chan []byte, 1)
	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "sig",
		Handler: func(wc engine.WorkflowContext, _ []byte) error {
			payload, err := wc.Signals("ping").Receive(wc.Context())
			if err != nil {
				return err
			}
			got <- payload
			return nil
		},
	}))

	_, err := e.GetOrStartWorkflow(ctx, engine.StartRequest{ID: "s1", Workflow: "sig"})
	require.NoError(t, err)

	payload, _ := json.Marshal(map[string]string{"k": "v"})
	require.NoError(t, e.SignalWorkflow(ctx, "s1", "ping", payload))
	require.NoError(t, e.Wait(ctx, "s1"))
	require.JSONEq(t, `{"k":"v"}`, string(<-got))
}
