package hitl_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/orbit/broker/inmem"
	"goa.design/orbit/hitl"
	hitlinmem "goa.design/orbit/hitl/inmem"
)

func newRegistry(t *testing.T) (*hitl.Registry, *hitlinmem.Store) {
	t.Helper()
	store := hitlinmem.New()
	reg, err := hitl.NewRegistry(hitl.RegistryOptions{
		Store:     store,
		Broker:    inmem.New(),
		PollBlock: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(reg.Close)
	return reg, store
}

func TestResolveViaResponseStream(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	w, err := reg.Create(ctx, &hitl.Request{
		ConversationID: "conv",
		Kind:           hitl.KindClarification,
		Prompt:         "A or B?",
		Options:        []hitl.Option{{ID: "a"}, {ID: "b"}},
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = reg.Respond(ctx, "conv", hitl.Response{RequestID: w.Request().ID, Answer: "a"})
	}()

	resp, err := w.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", resp.Answer)
	require.Equal(t, hitl.SourceUser, resp.Source)

	pending, err := reg.Pending(ctx, "conv")
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestTimeoutResolvesWithDefaultChoice(t *testing.T) {
	reg, store := newRegistry(t)
	ctx := context.Background()

	w, err := reg.Create(ctx, &hitl.Request{
		ConversationID: "conv",
		Kind:           hitl.KindDecision,
		Prompt:         "proceed?",
		Options:        []hitl.Option{{ID: "yes"}, {ID: "no"}},
		DefaultChoice:  "yes",
		Deadline:       time.Now().Add(100 * time.Millisecond),
	})
	require.NoError(t, err)

	resp, err := w.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "yes", resp.Answer)
	require.Equal(t, hitl.SourceTimeout, resp.Source)

	_, err = store.Get(ctx, w.Request().ID)
	require.ErrorIs(t, err, hitl.ErrNotFound)
}

func TestTimeoutWithoutDefaultFails(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	w, err := reg.Create(ctx, &hitl.Request{
		ConversationID: "conv",
		Kind:           hitl.KindClarification,
		Prompt:         "anyone there?",
		Deadline:       time.Now().Add(100 * time.Millisecond),
	})
	require.NoError(t, err)

	_, err = w.Wait(ctx)
	require.ErrorIs(t, err, hitl.ErrTimeout)
}

func TestCancelUnblocksWaiter(t *testing.T) {
	reg, store := newRegistry(t)
	ctx := context.Background()

	w, err := reg.Create(ctx, &hitl.Request{
		ConversationID: "conv",
		Kind:           hitl.KindEnvVar,
		Prompt:         "need API_KEY",
		EnvVars:        []hitl.EnvVarSpec{{Name: "API_KEY", Required: true}},
	})
	require.NoError(t, err)

	require.NoError(t, reg.Cancel(ctx, w.Request().ID))

	_, err = w.Wait(ctx)
	require.ErrorIs(t, err, hitl.ErrCanceled)

	_, err = store.Get(ctx, w.Request().ID)
	require.ErrorIs(t, err, hitl.ErrNotFound)
}

func TestResolveIsExactlyOnce(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	w, err := reg.Create(ctx, &hitl.Request{
		ConversationID: "conv",
		Kind:           hitl.KindClarification,
		Prompt:         "pick one",
	})
	require.NoError(t, err)

	owned := reg.Resolve(ctx, hitl.Response{RequestID: w.Request().ID, Answer: "x"})
	require.True(t, owned)
	owned = reg.Resolve(ctx, hitl.Response{RequestID: w.Request().ID, Answer: "y"})
	require.False(t, owned)

	resp, err := w.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "x", resp.Answer)
}

func TestForeignResponseIgnored(t *testing.T) {
	reg, _ := newRegistry(t)
	owned := reg.Resolve(context.Background(), hitl.Response{RequestID: "unknown", Answer: "x"})
	require.False(t, owned)
}

func TestPendingEnumeratesOpenRequests(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	w1, err := reg.Create(ctx, &hitl.Request{
		ConversationID: "conv",
		Kind:           hitl.KindClarification,
		Prompt:         "first",
		Deadline:       time.Now().Add(time.Minute),
	})
	require.NoError(t, err)
	_, err = reg.Create(ctx, &hitl.Request{
		ConversationID: "conv",
		Kind:           hitl.KindDecision,
		Prompt:         "second",
		Deadline:       time.Now().Add(2 * time.Minute),
	})
	require.NoError(t, err)

	pending, err := reg.Pending(ctx, "conv")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, w1.Request().ID, pending[0].ID)
	require.Equal(t, "first", pending[0].Prompt)
}

func TestKindEventMapping(t *testing.T) {
	require.Equal(t, "clarification_asked", string(hitl.KindClarification.AskedEvent()))
	require.Equal(t, "decision_answered", string(hitl.KindDecision.AnsweredEvent()))
	require.Equal(t, "env_var_requested", string(hitl.KindEnvVar.AskedEvent()))
	require.Equal(t, "env_var_provided", string(hitl.KindEnvVar.AnsweredEvent()))
}
