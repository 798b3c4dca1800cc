// Package engine defines the workflow engine port for durable agent sessions.
// It abstracts workflow registration, start-or-attach by ID, updates with
// results, and signals so the session workflow can target Temporal in
// production and an in-memory engine in tests without modification.
//
// Workflow handlers run in a deterministic environment: use Now() instead of
// time.Now, NewTimer instead of time.After, and route all I/O through
// activities. Payloads cross the engine boundary as serialized bytes so both
// backends move them without reflection.
package engine

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrWorkflowNotFound indicates no workflow execution exists for the
	// given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrWorkflowCompleted indicates the target workflow finished before the
	// operation could be delivered.
	ErrWorkflowCompleted = errors.New("workflow completed")
)

type (
	// Engine registers workflow and activity definitions and routes work to
	// executions addressed by workflow ID. Implementations must be safe for
	// concurrent use.
	Engine interface {
		// RegisterWorkflow registers a workflow definition. Registration must
		// complete before the workflow is started.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterActivity registers an activity handler.
		RegisterActivity(ctx context.Context, def ActivityDefinition) error

		// GetOrStartWorkflow starts the workflow when no execution with the
		// given ID is running, otherwise attaches to the running execution.
		GetOrStartWorkflow(ctx context.Context, req StartRequest) (Handle, error)

		// UpdateWorkflow delivers a named update to the running workflow and
		// blocks until the workflow responds. Returns ErrWorkflowNotFound
		// when no execution with the ID is running.
		UpdateWorkflow(ctx context.Context, req UpdateRequest) ([]byte, error)

		// SignalWorkflow delivers a fire-and-forget named signal.
		SignalWorkflow(ctx context.Context, workflowID, name string, payload []byte) error

		// CancelWorkflow requests cancellation of the execution.
		CancelWorkflow(ctx context.Context, workflowID string) error

		// Close releases engine resources.
		Close() error
	}

	// WorkflowFunc is the workflow entry point. Implementations must be
	// deterministic with respect to activity results.
	WorkflowFunc func(wc WorkflowContext, input []byte) error

	// ActivityFunc is an activity handler. Activities perform arbitrary I/O;
	// the engine records their results for replay.
	ActivityFunc func(ctx context.Context, input []byte) ([]byte, error)

	// WorkflowDefinition binds a workflow handler to a logical name and
	// default queue.
	WorkflowDefinition struct {
		// Name is the logical identifier registered with the engine.
		Name string
		// TaskQueue is the default queue for new executions. Optional; the
		// engine default applies when empty.
		TaskQueue string
		// Handler is invoked by the engine when the workflow executes.
		Handler WorkflowFunc
	}

	// ActivityDefinition binds an activity handler to a name and defaults.
	ActivityDefinition struct {
		// Name is the identifier workflows use to invoke the activity.
		Name string
		// Options are the default invocation options.
		Options ActivityOptions
		// Handler executes the activity.
		Handler ActivityFunc
	}

	// ActivityOptions configures retry and timeouts for an activity.
	ActivityOptions struct {
		// Queue overrides the workflow's task queue for this activity.
		Queue string
		// Timeout bounds a single activity execution. Zero means the engine
		// default.
		Timeout time.Duration
		// RetryPolicy controls retry behavior. Zero-valued means engine
		// defaults.
		RetryPolicy RetryPolicy
	}

	// RetryPolicy defines retry semantics shared by workflows and activities.
	RetryPolicy struct {
		// MaxAttempts caps the total number of attempts. Zero means the
		// engine default.
		MaxAttempts int
		// InitialInterval is the delay before the first retry.
		InitialInterval time.Duration
		// BackoffCoefficient multiplies the delay after each retry.
		BackoffCoefficient float64
	}

	// StartRequest describes a workflow execution to start or attach to.
	StartRequest struct {
		// ID is the workflow identifier, unique within the engine scope.
		ID string
		// Workflow names the registered definition to execute.
		Workflow string
		// TaskQueue selects the queue. Optional.
		TaskQueue string
		// Input is the serialized payload passed to the handler.
		Input []byte
	}

	// UpdateRequest describes a named update delivered to a running workflow.
	UpdateRequest struct {
		// WorkflowID addresses the execution.
		WorkflowID string
		// Name identifies the update handler inside the workflow.
		Name string
		// Payload is the serialized update argument.
		Payload []byte
	}

	// Handle identifies a workflow execution.
	Handle interface {
		// WorkflowID returns the caller-assigned workflow identifier.
		WorkflowID() string
		// RunID returns the engine-assigned run identifier.
		RunID() string
	}

	// WorkflowContext exposes deterministic engine operations to workflow
	// handlers. It is bound to a single execution and must not be shared
	// across goroutines.
	WorkflowContext interface {
		// Context returns the Go context of the workflow.
		Context() context.Context

		// WorkflowID returns the identifier of this execution.
		WorkflowID() string

		// RunID returns the engine-assigned run identifier.
		RunID() string

		// Now returns the current workflow time in a replay-safe manner.
		Now() time.Time

		// NewTimer returns a Future that becomes ready after d elapses in
		// workflow time. A non-positive duration produces a ready Future.
		NewTimer(d time.Duration) Future[time.Time]

		// Await blocks until condition returns true or the workflow is
		// cancelled. Condition must be deterministic and side-effect free.
		Await(condition func() bool) error

		// ExecuteActivity schedules the named activity and blocks until it
		// completes, returning its serialized output.
		ExecuteActivity(name string, input []byte, opts ActivityOptions) ([]byte, error)

		// Updates returns the receiver for named updates. The workflow must
		// call Respond on every received update exactly once; the result is
		// returned to the Engine.UpdateWorkflow caller.
		Updates(name string) Receiver[*Update]

		// Signals returns the receiver for named signals.
		Signals(name string) Receiver[[]byte]
	}

	// Update is one update delivered to a workflow, carrying the response
	// path back to the caller.
	Update struct {
		// Payload is the serialized update argument.
		Payload []byte

		respond   func(result []byte, err error)
		responded bool
	}

	// Future represents a pending result. Get blocks until ready; calling it
	// multiple times returns the same value.
	Future[T any] interface {
		Get(ctx context.Context) (T, error)
		IsReady() bool
	}

	// Receiver delivers typed values to workflow code deterministically.
	Receiver[T any] interface {
		// Receive blocks until a value is delivered.
		Receive(ctx context.Context) (T, error)
		// ReceiveAsync attempts to receive without blocking.
		ReceiveAsync() (T, bool)
	}
)

// NewUpdate builds an update envelope. Engine implementations call this when
// delivering an update into workflow code; respond routes the workflow's
// answer back to the update caller.
func NewUpdate(payload []byte, respond func(result []byte, err error)) *Update {
	return &Update{Payload: payload, respond: respond}
}

// Respond returns the result to the update caller. Only the first call has
// effect.
func (u *Update) Respond(result []byte, err error) {
	if u.responded || u.respond == nil {
		return
	}
	u.responded = true
	u.respond(result, err)
}
