package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/orbit/broker"
)

func TestPublishAssignsIncreasingIDs(t *testing.T) {
	b := New()
	ctx := context.Background()
	id1, err := b.Publish(ctx, "s", []byte("a"))
	require.NoError(t, err)
	id2, err := b.Publish(ctx, "s", []byte("b"))
	require.NoError(t, err)
	require.Less(t, id1, id2)
}

func TestReadFromStartReplaysAll(t *testing.T) {
	b := New()
	ctx := context.Background()
	for _, p := range []string{"a", "b", "c"} {
		_, err := b.Publish(ctx, "s", []byte(p))
		require.NoError(t, err)
	}
	entries, err := b.Read(ctx, "s", broker.FromStart, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "a", string(entries[0].Payload))
	require.Equal(t, "c", string(entries[2].Payload))
}

func TestReadResumesAfterID(t *testing.T) {
	b := New()
	ctx := context.Background()
	id1, err := b.Publish(ctx, "s", []byte("a"))
	require.NoError(t, err)
	_, err = b.Publish(ctx, "s", []byte("b"))
	require.NoError(t, err)

	entries, err := b.Read(ctx, "s", id1, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "b", string(entries[0].Payload))
}

func TestReadFromEndSkipsExisting(t *testing.T) {
	b := New()
	ctx := context.Background()
	_, err := b.Publish(ctx, "s", []byte("old"))
	require.NoError(t, err)

	done := make(chan []broker.Entry, 1)
	go func() {
		entries, err := b.Read(ctx, "s", broker.FromEnd, 0, 2*time.Second)
		require.NoError(t, err)
		done <- entries
	}()
	time.Sleep(50 * time.Millisecond)
	_, err = b.Publish(ctx, "s", []byte("new"))
	require.NoError(t, err)

	select {
	case entries := <-done:
		require.Len(t, entries, 1)
		require.Equal(t, "new", string(entries[0].Payload))
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for tailing read")
	}
}

func TestBlockingReadTimesOut(t *testing.T) {
	b := New()
	start := time.Now()
	entries, err := b.Read(context.Background(), "empty", broker.FromStart, 0, 100*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestCountLimitsBatch(t *testing.T) {
	b := New()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := b.Publish(ctx, "s", []byte{byte('a' + i)})
		require.NoError(t, err)
	}
	entries, err := b.Read(ctx, "s", broker.FromStart, 2, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestDeleteDropsRetainedEntries(t *testing.T) {
	b := New()
	ctx := context.Background()
	_, err := b.Publish(ctx, "s", []byte("a"))
	require.NoError(t, err)
	require.NoError(t, b.Delete(ctx, "s"))
	entries, err := b.Read(ctx, "s", broker.FromStart, 0, 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}
