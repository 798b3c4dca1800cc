package inmem

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/orbit/checkpoint"
)

func snap(conv, msg string, kind checkpoint.Kind, step int) *checkpoint.Checkpoint {
	state, _ := json.Marshal(map[string]any{"step": step})
	return &checkpoint.Checkpoint{
		ID:             conv + "-" + msg,
		ConversationID: conv,
		MessageID:      msg,
		Kind:           kind,
		State:          state,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestLatestReturnsMostRecent(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Save(ctx, snap("c1", "m1", checkpoint.KindProgress, 1)))
	require.NoError(t, s.Save(ctx, snap("c1", "m1", checkpoint.KindProgress, 2)))
	require.NoError(t, s.Save(ctx, snap("c1", "m2", checkpoint.KindComplete, 3)))

	cp, err := s.Latest(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "m2", cp.MessageID)
	require.Equal(t, checkpoint.KindComplete, cp.Kind)

	cp, err = s.LatestForMessage(ctx, "c1", "m1")
	require.NoError(t, err)
	var state map[string]any
	require.NoError(t, json.Unmarshal(cp.State, &state))
	require.EqualValues(t, 2, state["step"])
}

func TestLatestEmptyConversation(t *testing.T) {
	s := New()
	_, err := s.Latest(context.Background(), "missing")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestDeleteByConversation(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Save(ctx, snap("c1", "m1", checkpoint.KindProgress, 1)))
	require.NoError(t, s.Save(ctx, snap("c2", "m1", checkpoint.KindProgress, 1)))
	require.NoError(t, s.DeleteByConversation(ctx, "c1"))

	_, err := s.Latest(ctx, "c1")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)

	_, err = s.Latest(ctx, "c2")
	require.NoError(t, err)
}
