package sandbox_test

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	lockinmem "goa.design/orbit/lock/inmem"
	"goa.design/orbit/sandbox"
	"goa.design/orbit/sandbox/inmem"
)

type fakeContainer struct {
	instance sandbox.Instance
}

// fakeAdapter is an in-memory sandbox.Adapter for service tests.
type fakeAdapter struct {
	mu          sync.Mutex
	next        int
	containers  map[string]*fakeContainer
	createErr   error
	healthErr   error
	callResult  sandbox.ToolResult
	createCalls int
	probeCalls  int
	callCalls   int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{containers: make(map[string]*fakeContainer)}
}

func (f *fakeAdapter) Create(ctx context.Context, params sandbox.CreateParams) (sandbox.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		err := f.createErr
		f.createErr = nil
		return sandbox.Instance{}, err
	}
	id := params.SandboxID
	if id == "" {
		f.next++
		id = fmt.Sprintf("sbx-%d", f.next)
	}
	inst := sandbox.Instance{
		SandboxID:   id,
		ContainerID: "ctr-" + id,
		ProjectID:   params.ProjectID,
		TenantID:    params.TenantID,
		StartedAt:   time.Now().UTC(),
		Running:     true,
	}
	f.containers[id] = &fakeContainer{instance: inst}
	return inst, nil
}

func (f *fakeAdapter) Terminate(ctx context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, sandboxID)
	return nil
}

func (f *fakeAdapter) Instance(ctx context.Context, sandboxID string) (sandbox.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[sandboxID]
	if !ok {
		return sandbox.Instance{}, sandbox.ErrNotFound
	}
	return c.instance, nil
}

func (f *fakeAdapter) ContainerExists(ctx context.Context, sandboxID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[sandboxID]
	return ok, nil
}

func (f *fakeAdapter) HealthCheck(ctx context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeCalls++
	if f.healthErr != nil {
		return f.healthErr
	}
	if _, ok := f.containers[sandboxID]; !ok {
		return errors.New("no container")
	}
	return nil
}

func (f *fakeAdapter) CallTool(ctx context.Context, sandboxID, tool string, args map[string]any, timeout time.Duration) (sandbox.ToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCalls++
	if _, ok := f.containers[sandboxID]; !ok {
		return sandbox.ToolResult{}, sandbox.ErrNotFound
	}
	return f.callResult, nil
}

func (f *fakeAdapter) ListTools(ctx context.Context, sandboxID string) ([]string, error) {
	return []string{"bash", "read", "write"}, nil
}

func (f *fakeAdapter) CleanupProjectContainers(ctx context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, c := range f.containers {
		if c.instance.ProjectID == projectID {
			delete(f.containers, id)
		}
	}
	return nil
}

func (f *fakeAdapter) ListManaged(ctx context.Context) ([]sandbox.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sandbox.Instance
	for _, c := range f.containers {
		out = append(out, c.instance)
	}
	return out, nil
}

func newService(t *testing.T, adapter sandbox.Adapter, store sandbox.Store) *sandbox.Service {
	t.Helper()
	svc, err := sandbox.NewService(sandbox.ServiceOptions{
		Store:              store,
		Adapter:            adapter,
		Locker:             lockinmem.New(),
		LockAcquireTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	return svc
}

func TestGetOrCreateProvisionsSandbox(t *testing.T) {
	adapter := newFakeAdapter()
	svc := newService(t, adapter, inmem.New())
	ctx := context.Background()

	info, err := svc.GetOrCreate(ctx, "p1", "t1", sandbox.Profile{})
	require.NoError(t, err)
	require.Equal(t, sandbox.StatusRunning, info.Status)
	require.NotEmpty(t, info.SandboxID)
	require.Contains(t, info.Tools, "bash")
	require.Equal(t, 1, adapter.createCalls)
}

func TestGetOrCreateReusesUsableSandbox(t *testing.T) {
	adapter := newFakeAdapter()
	svc := newService(t, adapter, inmem.New())
	ctx := context.Background()

	first, err := svc.GetOrCreate(ctx, "p1", "t1", sandbox.Profile{})
	require.NoError(t, err)
	second, err := svc.GetOrCreate(ctx, "p1", "t1", sandbox.Profile{})
	require.NoError(t, err)

	require.Equal(t, first.SandboxID, second.SandboxID)
	require.Equal(t, 1, adapter.createCalls)
}

func TestGetOrCreateReplacesDeadContainer(t *testing.T) {
	adapter := newFakeAdapter()
	svc := newService(t, adapter, inmem.New())
	ctx := context.Background()

	first, err := svc.GetOrCreate(ctx, "p1", "t1", sandbox.Profile{})
	require.NoError(t, err)

	// The container vanished out from under the association.
	require.NoError(t, adapter.Terminate(ctx, first.SandboxID))

	second, err := svc.GetOrCreate(ctx, "p1", "t1", sandbox.Profile{})
	require.NoError(t, err)
	require.NotEqual(t, first.SandboxID, second.SandboxID)
	require.Equal(t, sandbox.StatusRunning, second.Status)
}

func TestGetOrCreateMarksErrorOnCreateFailure(t *testing.T) {
	adapter := newFakeAdapter()
	store := inmem.New()
	svc := newService(t, adapter, store)
	ctx := context.Background()

	adapter.createErr = errors.New("image pull failed")
	_, err := svc.GetOrCreate(ctx, "p1", "t1", sandbox.Profile{})
	require.Error(t, err)

	rec, err := store.GetByProject(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, sandbox.StatusError, rec.Status)
	require.Contains(t, rec.ErrorMessage, "image pull failed")

	// The failed association is cleaned up and a fresh create succeeds.
	info, err := svc.GetOrCreate(ctx, "p1", "t1", sandbox.Profile{})
	require.NoError(t, err)
	require.Equal(t, sandbox.StatusRunning, info.Status)
}

func TestGetOrCreateConcurrentSingleWriter(t *testing.T) {
	adapter := newFakeAdapter()
	svc := newService(t, adapter, inmem.New())
	ctx := context.Background()

	var wg sync.WaitGroup
	infos := make([]*sandbox.Info, 5)
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			infos[i], errs[i] = svc.GetOrCreate(ctx, "p1", "t1", sandbox.Profile{})
		}(i)
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, infos[0].SandboxID, infos[i].SandboxID)
	}
	require.Equal(t, 1, adapter.createCalls)
}

func TestExecuteToolRequiresExistingSandbox(t *testing.T) {
	adapter := newFakeAdapter()
	svc := newService(t, adapter, inmem.New())

	_, err := svc.ExecuteTool(context.Background(), "absent", "bash", nil, 0)
	require.ErrorIs(t, err, sandbox.ErrNotFound)
}

func TestExecuteToolTouchesLastAccessed(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.callResult = sandbox.ToolResult{Content: "ok"}
	store := inmem.New()
	svc := newService(t, adapter, store)
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "p1", "t1", sandbox.Profile{})
	require.NoError(t, err)
	before, err := store.GetByProject(ctx, "p1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	res, err := svc.ExecuteTool(ctx, "p1", "bash", map[string]any{"command": "ls"}, 0)
	require.NoError(t, err)
	require.Equal(t, "ok", res.Content)

	after, err := store.GetByProject(ctx, "p1")
	require.NoError(t, err)
	require.True(t, after.LastAccessedAt.After(before.LastAccessedAt))
}

func TestRestartPreservesSandboxID(t *testing.T) {
	adapter := newFakeAdapter()
	svc := newService(t, adapter, inmem.New())
	ctx := context.Background()

	first, err := svc.GetOrCreate(ctx, "p1", "t1", sandbox.Profile{})
	require.NoError(t, err)

	restarted, err := svc.Restart(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, first.SandboxID, restarted.SandboxID)
	require.Equal(t, sandbox.StatusRunning, restarted.Status)
	require.Equal(t, 2, adapter.createCalls)
}

func TestTerminateKeepsTombstone(t *testing.T) {
	adapter := newFakeAdapter()
	store := inmem.New()
	svc := newService(t, adapter, store)
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "p1", "t1", sandbox.Profile{})
	require.NoError(t, err)

	require.NoError(t, svc.Terminate(ctx, "p1", false))
	rec, err := store.GetByProject(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, sandbox.StatusTerminated, rec.Status)
}

func TestTerminateDeletesAssociation(t *testing.T) {
	adapter := newFakeAdapter()
	store := inmem.New()
	svc := newService(t, adapter, store)
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "p1", "t1", sandbox.Profile{})
	require.NoError(t, err)

	require.NoError(t, svc.Terminate(ctx, "p1", true))
	_, err = store.GetByProject(ctx, "p1")
	require.ErrorIs(t, err, sandbox.ErrNotFound)
}

func TestHealthCheckUsesCacheWithinInterval(t *testing.T) {
	adapter := newFakeAdapter()
	svc := newService(t, adapter, inmem.New())
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "p1", "t1", sandbox.Profile{})
	require.NoError(t, err)

	adapter.healthErr = errors.New("probe would fail")
	usable, err := svc.HealthCheck(ctx, "p1")
	require.NoError(t, err)
	require.True(t, usable)
	require.Equal(t, 0, adapter.probeCalls)
}

func TestHealthCheckProbesAfterInterval(t *testing.T) {
	adapter := newFakeAdapter()
	store := inmem.New()
	svc := newService(t, adapter, store)
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "p1", "t1", sandbox.Profile{})
	require.NoError(t, err)

	// Age the cached probe result.
	rec, err := store.GetByProject(ctx, "p1")
	require.NoError(t, err)
	rec.HealthCheckedAt = time.Now().Add(-2 * time.Minute)
	require.NoError(t, store.Update(ctx, rec))

	adapter.healthErr = errors.New("container gone")
	usable, err := svc.HealthCheck(ctx, "p1")
	require.NoError(t, err)
	require.False(t, usable)
	require.Equal(t, 1, adapter.probeCalls)

	rec, err = store.GetByProject(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, sandbox.StatusError, rec.Status)
}

func TestSyncFileWritesThroughWriteTool(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.callResult = sandbox.ToolResult{Content: "written"}
	svc := newService(t, adapter, inmem.New())
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "p1", "t1", sandbox.Profile{})
	require.NoError(t, err)

	content := base64.StdEncoding.EncodeToString([]byte("hello"))
	require.True(t, svc.SyncFile(ctx, "p1", "notes.txt", content, "/workspace/docs"))
	require.Equal(t, 1, adapter.callCalls)
}

func TestSyncFileReportsFailureWithoutError(t *testing.T) {
	adapter := newFakeAdapter()
	svc := newService(t, adapter, inmem.New())

	// Invalid base64 and no sandbox: both are reported as false, never panics
	// or errors.
	require.False(t, svc.SyncFile(context.Background(), "p1", "notes.txt", "%%%", "/tmp"))
	require.False(t, svc.SyncFile(context.Background(), "p1", "notes.txt", "aGk=", "/tmp"))
}

func TestReconcileAdoptsYoungOrphan(t *testing.T) {
	adapter := newFakeAdapter()
	store := inmem.New()
	svc := newService(t, adapter, store)
	ctx := context.Background()

	// A managed container with no tracked association.
	_, err := adapter.Create(ctx, sandbox.CreateParams{ProjectID: "p1", TenantID: "t1"})
	require.NoError(t, err)

	require.NoError(t, svc.Reconcile(ctx, sandbox.ReconcilePolicy{Adopt: true, MaxOrphanAge: time.Hour}))

	rec, err := store.GetByProject(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, sandbox.StatusRunning, rec.Status)
	require.NotEmpty(t, rec.SandboxID)
}

func TestReconcileTerminatesAgedOrphan(t *testing.T) {
	adapter := newFakeAdapter()
	store := inmem.New()
	svc := newService(t, adapter, store)
	ctx := context.Background()

	inst, err := adapter.Create(ctx, sandbox.CreateParams{ProjectID: "p1", TenantID: "t1"})
	require.NoError(t, err)
	adapter.mu.Lock()
	adapter.containers[inst.SandboxID].instance.StartedAt = time.Now().Add(-48 * time.Hour)
	adapter.mu.Unlock()

	require.NoError(t, svc.Reconcile(ctx, sandbox.ReconcilePolicy{Adopt: true, MaxOrphanAge: 24 * time.Hour}))

	exists, err := adapter.ContainerExists(ctx, inst.SandboxID)
	require.NoError(t, err)
	require.False(t, exists)
	_, err = store.GetByProject(ctx, "p1")
	require.ErrorIs(t, err, sandbox.ErrNotFound)
}

func TestReconcileTerminatesOrphanWithoutAdoptPolicy(t *testing.T) {
	adapter := newFakeAdapter()
	svc := newService(t, adapter, inmem.New())
	ctx := context.Background()

	inst, err := adapter.Create(ctx, sandbox.CreateParams{ProjectID: "p1", TenantID: "t1"})
	require.NoError(t, err)

	require.NoError(t, svc.Reconcile(ctx, sandbox.ReconcilePolicy{Adopt: false, MaxOrphanAge: time.Hour}))

	exists, err := adapter.ContainerExists(ctx, inst.SandboxID)
	require.NoError(t, err)
	require.False(t, exists)
}
