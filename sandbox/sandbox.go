// Package sandbox manages per-project execution sandboxes. A sandbox is a
// container hosting the tool process for exactly one project; the package
// defines the status state machine, the container adapter port, the durable
// association store, and the Service that coordinates the three under a
// single-writer discipline.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the authoritative sandbox state. Legacy status values stored by
// earlier versions are mapped onto this set in the store layer.
type Status string

const (
	// StatusStarting marks a sandbox whose container is being created.
	StatusStarting Status = "starting"
	// StatusRunning marks a usable sandbox.
	StatusRunning Status = "running"
	// StatusError marks a failed sandbox that may be retried.
	StatusError Status = "error"
	// StatusTerminated marks a sandbox that was shut down. Terminal.
	StatusTerminated Status = "terminated"
)

// Valid reports whether s is a member of the status set.
func (s Status) Valid() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusError, StatusTerminated:
		return true
	}
	return false
}

// Usable reports whether the sandbox can execute tools.
func (s Status) Usable() bool { return s == StatusRunning }

// Active reports whether the sandbox is starting or running.
func (s Status) Active() bool { return s == StatusStarting || s == StatusRunning }

// Terminal reports whether the sandbox reached its final state.
func (s Status) Terminal() bool { return s == StatusTerminated }

// Recoverable reports whether the sandbox failed but may be retried.
func (s Status) Recoverable() bool { return s == StatusError }

// CanTransition reports whether the transition from s to target is permitted.
// Same-state transitions are permitted no-ops.
func (s Status) CanTransition(target Status) bool {
	if s == target {
		return true
	}
	switch s {
	case StatusStarting:
		return target == StatusRunning || target == StatusError
	case StatusRunning:
		return target == StatusError || target == StatusTerminated
	case StatusError:
		return target == StatusStarting || target == StatusTerminated
	default:
		return false
	}
}

// InvalidTransitionError reports a transition outside the permitted set.
type InvalidTransitionError struct {
	From Status
	To   Status
}

// Error implements error.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("sandbox: invalid transition %s -> %s", e.From, e.To)
}

type (
	// Record is the durable project-to-sandbox association. One row per
	// project, enforced by a unique constraint in the store.
	Record struct {
		// ID is the row identifier.
		ID string
		// ProjectID is the owning project. Unique.
		ProjectID string
		// TenantID is the owning tenant.
		TenantID string
		// SandboxID is the logical sandbox identifier. It survives restarts
		// so tool-descriptor caches keyed by it stay valid.
		SandboxID string
		// Status is the state machine position.
		Status Status
		// CreatedAt is when the row was created.
		CreatedAt time.Time
		// StartedAt is when the current container became running.
		StartedAt time.Time
		// LastAccessedAt is touched on every tool execution.
		LastAccessedAt time.Time
		// HealthCheckedAt is when the adapter last probed the container.
		HealthCheckedAt time.Time
		// ErrorMessage holds the failure reason while Status is error.
		ErrorMessage string
		// Metadata carries free-form labels.
		Metadata map[string]string
	}

	// Store persists Records.
	Store interface {
		// Create persists a new record. It returns ErrConflict when a record
		// for the project already exists.
		Create(ctx context.Context, rec *Record) error

		// GetByProject returns the record for a project, or ErrNotFound.
		GetByProject(ctx context.Context, projectID string) (*Record, error)

		// Update replaces the stored record.
		Update(ctx context.Context, rec *Record) error

		// DeleteByProject removes the record. Absent records are not an
		// error.
		DeleteByProject(ctx context.Context, projectID string) error

		// List returns all records.
		List(ctx context.Context) ([]*Record, error)
	}

	// Profile configures the container of a sandbox.
	Profile struct {
		// Image is the container image.
		Image string
		// Env holds extra environment variables.
		Env map[string]string
		// WorkDir overrides the working directory inside the container.
		WorkDir string
		// ProjectPath is the host path mounted as the project workspace.
		ProjectPath string
	}

	// CreateParams are the adapter inputs for container creation.
	CreateParams struct {
		// ProjectID is the owning project.
		ProjectID string
		// TenantID is the owning tenant.
		TenantID string
		// SandboxID, when set, reuses an existing logical identifier for the
		// new container. Empty means the adapter allocates a fresh one.
		SandboxID string
		// Profile configures the container.
		Profile Profile
	}

	// Instance describes a live container managed by the adapter.
	Instance struct {
		// SandboxID is the logical identifier.
		SandboxID string
		// ContainerID is the runtime container identifier.
		ContainerID string
		// ProjectID is the owning project, from the container labels.
		ProjectID string
		// TenantID is the owning tenant, from the container labels.
		TenantID string
		// StartedAt is the container start time.
		StartedAt time.Time
		// Running reports the true runtime state.
		Running bool
	}

	// ToolResult is the structured outcome of a tool invocation inside the
	// sandbox. Tool-level failures are results with IsError set, never Go
	// errors.
	ToolResult struct {
		// Content is the tool output.
		Content string
		// IsError marks a tool-level failure.
		IsError bool
	}

	// Adapter is the container runtime port. It is purely imperative:
	// transient failures are retried by the Service, not internally, and
	// CallTool is the only path by which session-layer code reaches a tool
	// process inside a container.
	Adapter interface {
		// Create starts a container for the project and returns its instance.
		Create(ctx context.Context, params CreateParams) (Instance, error)

		// Terminate stops and removes the container of a sandbox.
		Terminate(ctx context.Context, sandboxID string) error

		// Instance returns the live container of a sandbox, or ErrNotFound.
		Instance(ctx context.Context, sandboxID string) (Instance, error)

		// ContainerExists reports the true runtime state of the sandbox
		// container, not the stored status.
		ContainerExists(ctx context.Context, sandboxID string) (bool, error)

		// HealthCheck probes the container. A nil return means healthy.
		HealthCheck(ctx context.Context, sandboxID string) error

		// CallTool executes a tool inside the container.
		CallTool(ctx context.Context, sandboxID, tool string, args map[string]any, timeout time.Duration) (ToolResult, error)

		// ListTools returns the names of the tools the container exposes.
		ListTools(ctx context.Context, sandboxID string) ([]string, error)

		// CleanupProjectContainers force-removes every container of the
		// project, running or not.
		CleanupProjectContainers(ctx context.Context, projectID string) error

		// ListManaged returns all running containers the adapter manages.
		ListManaged(ctx context.Context) ([]Instance, error)
	}

	// Info is the service-level view of a project sandbox.
	Info struct {
		// ProjectID is the owning project.
		ProjectID string
		// SandboxID is the logical identifier.
		SandboxID string
		// Status is the current state machine position.
		Status Status
		// Tools lists the tool names the sandbox exposes. Best-effort; may
		// be empty when listing failed.
		Tools []string
	}

	// ReconcilePolicy governs the startup sweep over managed containers that
	// have no tracked association.
	ReconcilePolicy struct {
		// Adopt creates an association for untracked running containers
		// instead of terminating them.
		Adopt bool
		// MaxOrphanAge terminates untracked containers older than this
		// regardless of Adopt.
		MaxOrphanAge time.Duration
	}
)

// Transition moves the record to target, or returns *InvalidTransitionError.
// A transition into error records reason; any other transition clears it.
func (r *Record) Transition(target Status, reason string) error {
	if !r.Status.CanTransition(target) {
		return &InvalidTransitionError{From: r.Status, To: target}
	}
	r.Status = target
	if target == StatusError {
		r.ErrorMessage = reason
	} else {
		r.ErrorMessage = ""
	}
	return nil
}

var (
	// ErrNotFound indicates no sandbox association exists for the project.
	ErrNotFound = errors.New("sandbox: not found")
	// ErrConflict indicates a concurrent creation collision on the unique
	// project constraint. Callers retry.
	ErrConflict = errors.New("sandbox: conflict")
	// ErrNotUsable indicates the sandbox exists but is not running.
	ErrNotUsable = errors.New("sandbox: not usable")
)
