package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"goa.design/orbit/broker"
)

var (
	testRedisClient    *goredis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	// Start Redis container once for all tests.
	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else {
		host, err := testRedisContainer.Host(ctx)
		if err != nil {
			fmt.Printf("Failed to get container host: %v\n", err)
			skipIntegration = true
		} else {
			port, err := testRedisContainer.MappedPort(ctx, "6379")
			if err != nil {
				fmt.Printf("Failed to get container port: %v\n", err)
				skipIntegration = true
			} else {
				testRedisClient = goredis.NewClient(&goredis.Options{
					Addr: host + ":" + port.Port(),
				})
				if err := testRedisClient.Ping(ctx).Err(); err != nil {
					fmt.Printf("Failed to ping redis: %v\n", err)
					skipIntegration = true
				}
			}
		}
	}

	code := m.Run()

	// Cleanup.
	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}

	os.Exit(code)
}

// getBroker returns a broker bound to the shared Redis client and flushes the
// database for test isolation. Skips the test if Docker/Redis is not available.
func getBroker(t *testing.T) *Broker {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	require.NoError(t, testRedisClient.FlushDB(context.Background()).Err())
	b, err := New(Options{Client: testRedisClient})
	require.NoError(t, err)
	return b
}

func TestPublishAndReplay(t *testing.T) {
	b := getBroker(t)
	ctx := context.Background()

	id1, err := b.Publish(ctx, "s", []byte("a"))
	require.NoError(t, err)
	id2, err := b.Publish(ctx, "s", []byte("b"))
	require.NoError(t, err)
	require.Less(t, id1, id2)

	entries, err := b.Read(ctx, "s", broker.FromStart, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, id1, entries[0].ID)
	require.Equal(t, "a", string(entries[0].Payload))
	require.Equal(t, "b", string(entries[1].Payload))
}

func TestResumeAfterID(t *testing.T) {
	b := getBroker(t)
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

func TestTailSeesOnlyNewEntries(t *testing.T) {
	b := getBroker(t)
	ctx := context.Background()

	_, err := b.Publish(ctx, "s", []byte("old"))
	require.NoError(t, err)

	done := make(chan []broker.Entry, 1)
	go func() {
		entries, err := b.Read(ctx, "s", broker.FromEnd, 0, 5*time.Second)
		require.NoError(t, err)
		done <- entries
	}()
	time.Sleep(200 * time.Millisecond)
	_, err = b.Publish(ctx, "s", []byte("new"))
	require.NoError(t, err)

	select {
	case entries := <-done:
		require.Len(t, entries, 1)
		require.Equal(t, "new", string(entries[0].Payload))
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for tailing read")
	}
}

func TestNonBlockingReadOnEmptyStream(t *testing.T) {
	b := getBroker(t)
	entries, err := b.Read(context.Background(), "empty", broker.FromStart, 0, 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestDeleteRemovesStream(t *testing.T) {
	b := getBroker(t)
	ctx := context.Background()

	_, err := b.Publish(ctx, "s", []byte("a"))
	require.NoError(t, err)
	require.NoError(t, b.Delete(ctx, "s"))

	entries, err := b.Read(ctx, "s", broker.FromStart, 0, 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}
