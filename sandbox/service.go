package sandbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/orbit/lock"
	"goa.design/orbit/telemetry"
)

const (
	defaultLockTTL             = 120 * time.Second
	defaultLockAcquireTimeout  = 30 * time.Second
	defaultHealthCheckInterval = 60 * time.Second
	defaultToolTimeout         = 30 * time.Second

	createAttempts = 3
	retryBackoff   = 200 * time.Millisecond
)

type (
	// ServiceOptions configures a Service.
	ServiceOptions struct {
		// Store persists project associations. Required.
		Store Store
		// Adapter drives the container runtime. Required.
		Adapter Adapter
		// Locker serialises creation across processes. Required.
		Locker lock.Locker
		// Logger receives diagnostics. Defaults to a noop logger.
		Logger telemetry.Logger
		// LockTTL is the creation lock lease. Defaults to 120s.
		LockTTL time.Duration
		// LockAcquireTimeout bounds the blocking lock acquire. Defaults to
		// 30s.
		LockAcquireTimeout time.Duration
		// HealthCheckInterval is how long a probe result is trusted.
		// Defaults to 60s.
		HealthCheckInterval time.Duration
	}

	// Service coordinates sandbox lifecycle for projects. It is the single
	// writer to a project's association, enforced at three layers: the
	// store's unique project constraint, a distributed creation lock, and a
	// per-project in-process mutex.
	Service struct {
		store               Store
		adapter             Adapter
		locker              lock.Locker
		logger              telemetry.Logger
		lockTTL             time.Duration
		lockAcquireTimeout  time.Duration
		healthCheckInterval time.Duration

		mu       sync.Mutex
		projects map[string]*sync.Mutex
	}
)

// NewService builds a Service. Store, Adapter and Locker are required.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Adapter == nil {
		return nil, errors.New("adapter is required")
	}
	if opts.Locker == nil {
		return nil, errors.New("locker is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	lockAcquire := opts.LockAcquireTimeout
	if lockAcquire <= 0 {
		lockAcquire = defaultLockAcquireTimeout
	}
	interval := opts.HealthCheckInterval
	if interval <= 0 {
		interval = defaultHealthCheckInterval
	}
	return &Service{
		store:               opts.Store,
		adapter:             opts.Adapter,
		locker:              opts.Locker,
		logger:              logger,
		lockTTL:             lockTTL,
		lockAcquireTimeout:  lockAcquire,
		healthCheckInterval: interval,
		projects:            make(map[string]*sync.Mutex),
	}, nil
}

// GetOrCreate returns the usable sandbox for the project, creating one when
// none exists or the existing one is stale. Concurrent creation collisions
// surface as ErrConflict from the store and are retried up to three times
// with linear backoff; on final failure the existing row is returned when
// usable.
func (s *Service) GetOrCreate(ctx context.Context, projectID, tenantID string, profile Profile) (*Info, error) {
	var lastErr error
	for attempt := 1; attempt <= createAttempts; attempt++ {
		info, err := s.getOrCreate(ctx, projectID, tenantID, profile)
		if err == nil {
			return info, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * retryBackoff):
		}
	}
	// Another writer won the race; its sandbox serves the project.
	if rec, err := s.store.GetByProject(ctx, projectID); err == nil && rec.Status.Usable() {
		return s.info(ctx, rec), nil
	}
	return nil, lastErr
}

func (s *Service) getOrCreate(ctx context.Context, projectID, tenantID string, profile Profile) (*Info, error) {
	mu := s.projectMutex(projectID)
	mu.Lock()
	defer mu.Unlock()

	dlock, err := lock.AcquireWait(ctx, s.locker, creationLockKey(projectID), s.lockTTL, s.lockAcquireTimeout, 0)
	if err != nil {
		if !errors.Is(err, lock.ErrNotAcquired) {
			return nil, err
		}
		// Another process holds the creation lock. Give it a moment, then
		// use its result if usable; otherwise report a collision for retry.
		time.Sleep(retryBackoff)
		rec, gerr := s.store.GetByProject(ctx, projectID)
		if gerr == nil && rec.Status.Usable() {
			return s.info(ctx, rec), nil
		}
		return nil, ErrConflict
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := dlock.Release(rctx); rerr != nil {
			s.logger.Warn(ctx, "failed to release creation lock", "project_id", projectID, "error", rerr)
		}
	}()

	rec, err := s.store.GetByProject(ctx, projectID)
	switch {
	case err == nil:
		if rec.Status.Usable() {
			exists, eerr := s.adapter.ContainerExists(ctx, rec.SandboxID)
			if eerr != nil {
				s.logger.Warn(ctx, "container existence check failed", "project_id", projectID, "error", eerr)
			}
			if exists {
				rec.LastAccessedAt = time.Now().UTC()
				if uerr := s.store.Update(ctx, rec); uerr != nil {
					return nil, uerr
				}
				return s.info(ctx, rec), nil
			}
		}
		s.cleanupFailed(ctx, rec)
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	now := time.Now().UTC()
	rec = &Record{
		ID:             uuid.NewString(),
		ProjectID:      projectID,
		TenantID:       tenantID,
		Status:         StatusStarting,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	inst, err := s.adapter.Create(ctx, CreateParams{
		ProjectID: projectID,
		TenantID:  tenantID,
		Profile:   profile,
	})
	if err != nil {
		s.markError(ctx, rec, fmt.Sprintf("container creation failed: %v", err))
		return nil, fmt.Errorf("create sandbox for project %s: %w", projectID, err)
	}

	rec.SandboxID = inst.SandboxID
	if terr := rec.Transition(StatusRunning, ""); terr != nil {
		return nil, terr
	}
	rec.StartedAt = now
	rec.HealthCheckedAt = time.Now().UTC()
	if err := s.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	return s.info(ctx, rec), nil
}

// ExecuteTool runs a tool inside the project's sandbox. It never creates a
// sandbox: creation is an explicit operation.
func (s *Service) ExecuteTool(ctx context.Context, projectID, tool string, args map[string]any, timeout time.Duration) (ToolResult, error) {
	rec, err := s.store.GetByProject(ctx, projectID)
	if err != nil {
		return ToolResult{}, err
	}
	if !rec.Status.Usable() {
		return ToolResult{}, fmt.Errorf("%w: project %s is %s", ErrNotUsable, projectID, rec.Status)
	}
	rec.LastAccessedAt = time.Now().UTC()
	if err := s.store.Update(ctx, rec); err != nil {
		s.logger.Warn(ctx, "failed to touch sandbox record", "project_id", projectID, "error", err)
	}
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	return s.adapter.CallTool(ctx, rec.SandboxID, tool, args, timeout)
}

// Restart replaces the project's container while preserving its logical
// sandbox identifier, so cached tool descriptors stay valid.
func (s *Service) Restart(ctx context.Context, projectID string) (*Info, error) {
	mu := s.projectMutex(projectID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.store.GetByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return nil, &InvalidTransitionError{From: rec.Status, To: StatusStarting}
	}

	if rec.SandboxID != "" {
		if terr := s.adapter.Terminate(ctx, rec.SandboxID); terr != nil {
			s.logger.Warn(ctx, "failed to terminate old container", "project_id", projectID, "error", terr)
		}
	}
	if cerr := s.adapter.CleanupProjectContainers(ctx, projectID); cerr != nil {
		s.logger.Warn(ctx, "container cleanup failed", "project_id", projectID, "error", cerr)
	}

	if rec.Status == StatusRunning {
		if terr := rec.Transition(StatusError, "restart requested"); terr != nil {
			return nil, terr
		}
	}
	if terr := rec.Transition(StatusStarting, ""); terr != nil {
		return nil, terr
	}
	if err := s.store.Update(ctx, rec); err != nil {
		return nil, err
	}

	inst, err := s.adapter.Create(ctx, CreateParams{
		ProjectID: projectID,
		TenantID:  rec.TenantID,
		SandboxID: rec.SandboxID,
	})
	if err != nil {
		s.markError(ctx, rec, fmt.Sprintf("restart failed: %v", err))
		return nil, fmt.Errorf("restart sandbox for project %s: %w", projectID, err)
	}

	rec.SandboxID = inst.SandboxID
	if terr := rec.Transition(StatusRunning, ""); terr != nil {
		return nil, terr
	}
	rec.StartedAt = time.Now().UTC()
	rec.HealthCheckedAt = rec.StartedAt
	if err := s.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	return s.info(ctx, rec), nil
}

// Terminate shuts down the project's sandbox. With deleteAssociation the row
// is removed so a later GetOrCreate starts fresh; otherwise the row stays as
// a terminated tombstone.
func (s *Service) Terminate(ctx context.Context, projectID string, deleteAssociation bool) error {
	mu := s.projectMutex(projectID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.store.GetByProject(ctx, projectID)
	if err != nil {
		return err
	}
	if rec.SandboxID != "" {
		if terr := s.adapter.Terminate(ctx, rec.SandboxID); terr != nil {
			s.logger.Warn(ctx, "container termination failed", "project_id", projectID, "error", terr)
		}
	}
	if rec.Status == StatusStarting {
		if terr := rec.Transition(StatusError, "terminated while starting"); terr != nil {
			return terr
		}
	}
	if terr := rec.Transition(StatusTerminated, ""); terr != nil {
		return terr
	}
	if deleteAssociation {
		if err := s.store.DeleteByProject(ctx, projectID); err != nil {
			return err
		}
		s.dropProjectMutex(projectID)
		return nil
	}
	return s.store.Update(ctx, rec)
}

// HealthCheck reports whether the project's sandbox is usable. Probe results
// are cached for the configured interval to keep hot paths off the container
// runtime.
func (s *Service) HealthCheck(ctx context.Context, projectID string) (bool, error) {
	rec, err := s.store.GetByProject(ctx, projectID)
	if err != nil {
		return false, err
	}
	if time.Since(rec.HealthCheckedAt) < s.healthCheckInterval {
		return rec.Status.Usable(), nil
	}

	herr := s.adapter.HealthCheck(ctx, rec.SandboxID)
	rec.HealthCheckedAt = time.Now().UTC()
	if herr != nil {
		if rec.Status == StatusRunning {
			if terr := rec.Transition(StatusError, herr.Error()); terr != nil {
				return false, terr
			}
		}
	} else if rec.Status.Recoverable() {
		// The container answered: recover the association.
		if terr := rec.Transition(StatusStarting, ""); terr != nil {
			return false, terr
		}
		if terr := rec.Transition(StatusRunning, ""); terr != nil {
			return false, terr
		}
	}
	if err := s.store.Update(ctx, rec); err != nil {
		return false, err
	}
	return rec.Status.Usable(), nil
}

// SyncFile decodes contentBase64 and writes it into the sandbox at
// destination/filename through the write tool. Failures are logged, never
// returned: the sync is advisory.
func (s *Service) SyncFile(ctx context.Context, projectID, filename, contentBase64, destination string) bool {
	content, err := base64.StdEncoding.DecodeString(contentBase64)
	if err != nil {
		s.logger.Warn(ctx, "invalid file content encoding", "project_id", projectID, "filename", filename, "error", err)
		return false
	}
	res, err := s.ExecuteTool(ctx, projectID, "write", map[string]any{
		"file_path": path.Join(destination, filename),
		"content":   string(content),
	}, defaultToolTimeout)
	if err != nil {
		s.logger.Warn(ctx, "file sync failed", "project_id", projectID, "filename", filename, "error", err)
		return false
	}
	if res.IsError {
		s.logger.Warn(ctx, "file sync rejected by sandbox", "project_id", projectID, "filename", filename, "detail", res.Content)
		return false
	}
	return true
}

// Reconcile sweeps managed containers at worker start. Containers with no
// tracked association are adopted or terminated per policy; containers older
// than the policy's MaxOrphanAge are always terminated.
func (s *Service) Reconcile(ctx context.Context, policy ReconcilePolicy) error {
	instances, err := s.adapter.ListManaged(ctx)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		rec, err := s.store.GetByProject(ctx, inst.ProjectID)
		if err == nil && rec.SandboxID == inst.SandboxID {
			continue
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		age := time.Since(inst.StartedAt)
		if policy.MaxOrphanAge > 0 && age > policy.MaxOrphanAge {
			s.logger.Info(ctx, "terminating aged orphan container", "project_id", inst.ProjectID, "sandbox_id", inst.SandboxID, "age", age.String())
			if terr := s.adapter.Terminate(ctx, inst.SandboxID); terr != nil {
				s.logger.Warn(ctx, "orphan termination failed", "sandbox_id", inst.SandboxID, "error", terr)
			}
			continue
		}
		if !policy.Adopt || !inst.Running {
			s.logger.Info(ctx, "terminating orphan container", "project_id", inst.ProjectID, "sandbox_id", inst.SandboxID)
			if terr := s.adapter.Terminate(ctx, inst.SandboxID); terr != nil {
				s.logger.Warn(ctx, "orphan termination failed", "sandbox_id", inst.SandboxID, "error", terr)
			}
			continue
		}

		s.logger.Info(ctx, "adopting orphan container", "project_id", inst.ProjectID, "sandbox_id", inst.SandboxID)
		if rec != nil {
			rec.SandboxID = inst.SandboxID
			rec.Status = StatusRunning
			rec.StartedAt = inst.StartedAt
			rec.HealthCheckedAt = time.Now().UTC()
			if uerr := s.store.Update(ctx, rec); uerr != nil {
				return uerr
			}
			continue
		}
		now := time.Now().UTC()
		adopted := &Record{
			ID:              uuid.NewString(),
			ProjectID:       inst.ProjectID,
			TenantID:        inst.TenantID,
			SandboxID:       inst.SandboxID,
			Status:          StatusRunning,
			CreatedAt:       now,
			StartedAt:       inst.StartedAt,
			LastAccessedAt:  now,
			HealthCheckedAt: now,
		}
		if cerr := s.store.Create(ctx, adopted); cerr != nil && !errors.Is(cerr, ErrConflict) {
			return cerr
		}
	}
	return nil
}

// cleanupFailed removes a stale association and its container so a fresh
// creation can proceed.
func (s *Service) cleanupFailed(ctx context.Context, rec *Record) {
	if rec.SandboxID != "" {
		if err := s.adapter.Terminate(ctx, rec.SandboxID); err != nil {
			s.logger.Warn(ctx, "stale container termination failed", "project_id", rec.ProjectID, "error", err)
		}
	}
	if err := s.adapter.CleanupProjectContainers(ctx, rec.ProjectID); err != nil {
		s.logger.Warn(ctx, "stale container cleanup failed", "project_id", rec.ProjectID, "error", err)
	}
	if err := s.store.DeleteByProject(ctx, rec.ProjectID); err != nil {
		s.logger.Warn(ctx, "stale record deletion failed", "project_id", rec.ProjectID, "error", err)
	}
}

func (s *Service) markError(ctx context.Context, rec *Record, reason string) {
	if terr := rec.Transition(StatusError, reason); terr != nil {
		s.logger.Error(ctx, "cannot mark sandbox errored", "project_id", rec.ProjectID, "error", terr)
		return
	}
	if err := s.store.Update(ctx, rec); err != nil {
		s.logger.Error(ctx, "failed to persist sandbox error", "project_id", rec.ProjectID, "error", err)
	}
}

func (s *Service) info(ctx context.Context, rec *Record) *Info {
	info := &Info{
		ProjectID: rec.ProjectID,
		SandboxID: rec.SandboxID,
		Status:    rec.Status,
	}
	if rec.Status.Usable() {
		tools, err := s.adapter.ListTools(ctx, rec.SandboxID)
		if err != nil {
			s.logger.Warn(ctx, "tool listing failed", "project_id", rec.ProjectID, "error", err)
		} else {
			info.Tools = tools
		}
	}
	return info
}

func (s *Service) projectMutex(projectID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.projects[projectID]
	if !ok {
		mu = &sync.Mutex{}
		s.projects[projectID] = mu
	}
	return mu
}

func (s *Service) dropProjectMutex(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.projects, projectID)
}

func creationLockKey(projectID string) string {
	return "sandbox:create:" + projectID
}
