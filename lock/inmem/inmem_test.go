package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/orbit/lock"
)

func TestAcquireIsExclusive(t *testing.T) {
	l := New()
	ctx := context.Background()

	held, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "k", time.Minute)
	require.ErrorIs(t, err, lock.ErrNotAcquired)

	require.NoError(t, held.Release(ctx))
	_, err = l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
}

func TestExpiredLeaseCanBeTaken(t *testing.T) {
	l := New()
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "k", 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	_, err = l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	// The stale holder can no longer extend its lease.
	require.ErrorIs(t, stale.Refresh(ctx, time.Minute), lock.ErrNotAcquired)
}

func TestRefreshExtendsLease(t *testing.T) {
	l := New()
	ctx := context.Background()

	held, err := l.Acquire(ctx, "k", 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, held.Refresh(ctx, time.Minute))

	time.Sleep(60 * time.Millisecond)
	_, err = l.Acquire(ctx, "k", time.Minute)
	require.ErrorIs(t, err, lock.ErrNotAcquired)
}

func TestAcquireWaitRetriesUntilFree(t *testing.T) {
	l := New()
	ctx := context.Background()

	held, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = held.Release(context.Background())
	}()

	got, err := lock.AcquireWait(ctx, l, "k", time.Minute, time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, got.Release(ctx))
}

func TestAcquireWaitTimesOut(t *testing.T) {
	l := New()
	ctx := context.Background()

	_, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	_, err = lock.AcquireWait(ctx, l, "k", time.Minute, 100*time.Millisecond, 10*time.Millisecond)
	require.ErrorIs(t, err, lock.ErrNotAcquired)
}
