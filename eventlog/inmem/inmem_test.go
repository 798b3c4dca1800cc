package inmem

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/orbit/eventlog"
)

func TestAppendAssignsDenseSequences(t *testing.T) {
	log := New()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		evt, err := log.Append(ctx, "c1", "m1", eventlog.TypeThought, json.RawMessage(`{"content":"x"}`))
		require.NoError(t, err)
		require.Equal(t, int64(i+1), evt.Sequence)
	}
	last, err := log.LastSequence(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, int64(5), last)
}

func TestAppendRejectsUnknownType(t *testing.T) {
	log := New()
	_, err := log.Append(context.Background(), "c1", "m1", eventlog.Type("bogus"), nil)
	require.ErrorIs(t, err, eventlog.ErrInvalidType)
}

func TestConversationsAreIndependent(t *testing.T) {
	log := New()
	ctx := context.Background()
	a, err := log.Append(ctx, "c1", "m1", eventlog.TypeUserMessage, nil)
	require.NoError(t, err)
	b, err := log.Append(ctx, "c2", "m2", eventlog.TypeUserMessage, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), a.Sequence)
	require.Equal(t, int64(1), b.Sequence)
}

func TestListByMessageFiltersTurn(t *testing.T) {
	log := New()
	ctx := context.Background()
	_, err := log.Append(ctx, "c1", "m1", eventlog.TypeUserMessage, nil)
	require.NoError(t, err)
	_, err = log.Append(ctx, "c1", "m2", eventlog.TypeUserMessage, nil)
	require.NoError(t, err)
	_, err = log.Append(ctx, "c1", "m2", eventlog.TypeComplete, nil)
	require.NoError(t, err)

	events, err := log.ListByMessage(ctx, "c1", "m2")
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, evt := range events {
		require.Equal(t, "m2", evt.MessageID)
	}
}

func TestListByConversationSinceSeq(t *testing.T) {
	log := New()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := log.Append(ctx, "c1", "m1", eventlog.TypeThought, nil)
		require.NoError(t, err)
	}
	events, err := log.ListByConversation(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, int64(3), events[0].Sequence)
	require.Equal(t, int64(4), events[1].Sequence)
}

func TestDeleteByConversation(t *testing.T) {
	log := New()
	ctx := context.Background()
	_, err := log.Append(ctx, "c1", "m1", eventlog.TypeUserMessage, nil)
	require.NoError(t, err)
	require.NoError(t, log.DeleteByConversation(ctx, "c1"))
	last, err := log.LastSequence(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, last)
}

func TestConcurrentAppendsStayDense(t *testing.T) {
	log := New()
	ctx := context.Background()
	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := log.Append(ctx, "c1", "m1", eventlog.TypeThought, nil)
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	events, err := log.ListByConversation(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter)
	seen := make(map[int64]bool, len(events))
	for _, evt := range events {
		require.False(t, seen[evt.Sequence], "duplicate sequence %d", evt.Sequence)
		seen[evt.Sequence] = true
	}
	for i := int64(1); i <= int64(writers*perWriter); i++ {
		require.True(t, seen[i], "missing sequence %d", i)
	}
}

// Property: for any interleaving of appends across conversations, each
// conversation's sequences are exactly {1..N} and CreatedAt never decreases
// with sequence.
func TestSequenceDensityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("sequences are dense and ordered per conversation", prop.ForAll(
		func(convPicks []int) bool {
			log := New()
			ctx := context.Background()
			convs := []string{"a", "b", "c"}
			for _, pick := range convPicks {
				conv := convs[pick%len(convs)]
				if _, err := log.Append(ctx, conv, "m", eventlog.TypeThought, nil); err != nil {
					return false
				}
			}
			for _, conv := range convs {
				events, err := log.ListByConversation(ctx, conv, 0)
				if err != nil {
					return false
				}
				for i, evt := range events {
					if evt.Sequence != int64(i+1) {
						return false
					}
					if i > 0 && evt.CreatedAt.Before(events[i-1].CreatedAt) {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}
