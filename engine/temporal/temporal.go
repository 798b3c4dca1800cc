// Package temporal implements the workflow engine port on Temporal. It wires
// OTEL instrumentation into the client and workers, manages one worker per
// task queue, and maps the port's update-with-result semantics onto Temporal
// workflow updates.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"goa.design/orbit/engine"
	"goa.design/orbit/telemetry"
)

type (
	// Options configures the Temporal engine adapter. Either a pre-configured
	// Client or ClientOptions must be provided.
	Options struct {
		// Client is an optional pre-configured Temporal client. When nil the
		// adapter creates a lazy client from ClientOptions so the OTEL
		// interceptors can be installed automatically.
		Client client.Client

		// ClientOptions describe how to construct the client when Client is
		// nil.
		ClientOptions *client.Options

		// TaskQueue is the default queue used when definitions omit one.
		// Required.
		TaskQueue string

		// WorkerOptions are forwarded to worker.New for every queue.
		WorkerOptions worker.Options

		// DisableTracing skips the OTEL tracing interceptor.
		DisableTracing bool

		// DisableMetrics skips the OTEL metrics handler.
		DisableMetrics bool

		// Logger emits worker lifecycle logs. Noop when nil.
		Logger telemetry.Logger
	}

	// Engine implements engine.Engine on Temporal. One worker is created per
	// unique task queue; workers start on the first workflow start.
	Engine struct {
		client      client.Client
		closeClient bool

		defaultQueue string
		workerOpts   worker.Options
		logger       telemetry.Logger

		mu             sync.Mutex
		workers        map[string]*workerBundle
		workersStarted bool
		workflows      map[string]engine.WorkflowDefinition
	}

	workerBundle struct {
		queue  string
		worker worker.Worker
		logger telemetry.Logger

		startOnce sync.Once
	}
)

// New constructs a Temporal engine adapter.
func New(opts Options) (*Engine, error) {
	if opts.TaskQueue == "" {
		return nil, errors.New("temporal engine: default task queue is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	inst, err := configureInstrumentation(opts)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, errors.New("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions
	applyWorkerInstrumentation(&workerOpts, inst)

	return &Engine{
		client:       cli,
		closeClient:  closeClient,
		defaultQueue: opts.TaskQueue,
		workerOpts:   workerOpts,
		logger:       logger,
		workers:      make(map[string]*workerBundle),
		workflows:    make(map[string]engine.WorkflowDefinition),
	}, nil
}

// RegisterWorkflow implements engine.Engine.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("temporal engine: invalid workflow definition")
	}
	bundle, err := e.workerForQueue(def.TaskQueue)
	if err != nil {
		return err
	}

	handler := def.Handler
	bundle.worker.RegisterWorkflowWithOptions(func(tctx workflow.Context, input []byte) error {
		return handler(newWorkflowContext(e, tctx), input)
	}, workflow.RegisterOptions{Name: def.Name})

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterActivity implements engine.Engine.
func (e *Engine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("temporal engine: invalid activity definition")
	}
	bundle, err := e.workerForQueue(def.Options.Queue)
	if err != nil {
		return err
	}
	handler := def.Handler
	bundle.worker.RegisterActivityWithOptions(func(actx context.Context, input []byte) ([]byte, error) {
		return handler(actx, input)
	}, activity.RegisterOptions{Name: def.Name})
	return nil
}

// GetOrStartWorkflow implements engine.Engine. The conflict policy attaches
// to a running execution with the same ID instead of failing.
func (e *Engine) GetOrStartWorkflow(ctx context.Context, req engine.StartRequest) (engine.Handle, error) {
	if req.ID == "" {
		return nil, errors.New("temporal engine: workflow id is required")
	}
	e.mu.Lock()
	def, ok := e.workflows[req.Workflow]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("temporal engine: workflow %q is not registered", req.Workflow)
	}

	e.ensureWorkersStarted()

	queue := req.TaskQueue
	if queue == "" {
		queue = def.TaskQueue
	}
	if queue == "" {
		queue = e.defaultQueue
	}

	run, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       req.ID,
		TaskQueue:                queue,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
	}, def.Name, req.Input)
	if err != nil {
		return nil, fmt.Errorf("temporal engine: start workflow: %w", err)
	}
	return &handle{id: run.GetID(), runID: run.GetRunID()}, nil
}

// UpdateWorkflow implements engine.Engine.
func (e *Engine) UpdateWorkflow(ctx context.Context, req engine.UpdateRequest) ([]byte, error) {
	h, err := e.client.UpdateWorkflow(ctx, client.UpdateWorkflowOptions{
		WorkflowID:   req.WorkflowID,
		UpdateName:   req.Name,
		Args:         []any{req.Payload},
		WaitForStage: client.WorkflowUpdateStageCompleted,
	})
	if err != nil {
		return nil, mapNotFound(err)
	}
	var out []byte
	if err := h.Get(ctx, &out); err != nil {
		return nil, mapNotFound(err)
	}
	return out, nil
}

// SignalWorkflow implements engine.Engine.
func (e *Engine) SignalWorkflow(ctx context.Context, workflowID, name string, payload []byte) error {
	return mapNotFound(e.client.SignalWorkflow(ctx, workflowID, "", name, payload))
}

// CancelWorkflow implements engine.Engine.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID string) error {
	return mapNotFound(e.client.CancelWorkflow(ctx, workflowID, ""))
}

// Close implements engine.Engine. It stops workers and closes the client when
// the engine created it.
func (e *Engine) Close() error {
	e.mu.Lock()
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.worker.Stop()
	}
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
	return nil
}

// Start launches the workers for every registered task queue. Worker
// processes that only host workflows started elsewhere call Start after
// registration; processes that also start workflows can rely on the lazy
// start instead.
func (e *Engine) Start() {
	e.ensureWorkersStarted()
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	if queue == "" {
		queue = e.defaultQueue
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if bundle, ok := e.workers[queue]; ok {
		return bundle, nil
	}
	w := worker.New(e.client, queue, e.workerOpts)
	bundle := &workerBundle{queue: queue, worker: w, logger: e.logger}
	e.workers[queue] = bundle
	if e.workersStarted {
		bundle.start()
	}
	return bundle, nil
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go func() {
			if err := b.worker.Run(worker.InterruptCh()); err != nil {
				b.logger.Error(context.Background(), "temporal worker exited", "queue", b.queue, "err", err)
			}
		}()
	})
}

type handle struct {
	id    string
	runID string
}

func (h *handle) WorkflowID() string { return h.id }
func (h *handle) RunID() string      { return h.runID }

func mapNotFound(err error) error {
	var nf *serviceerror.NotFound
	if errors.As(err, &nf) {
		return fmt.Errorf("%w: %w", engine.ErrWorkflowNotFound, err)
	}
	return err
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func configureInstrumentation(opts Options) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(temporalotel.MetricsHandlerOptions{})
	}
	if inst.tracer == nil && inst.metrics == nil {
		return nil, nil
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}

func convertRetryPolicy(r engine.RetryPolicy) *temporal.RetryPolicy {
	if r.MaxAttempts == 0 && r.InitialInterval == 0 && r.BackoffCoefficient == 0 {
		return nil
	}
	policy := &temporal.RetryPolicy{}
	if r.MaxAttempts > 0 {
		policy.MaximumAttempts = int32(r.MaxAttempts)
	}
	if r.InitialInterval > 0 {
		policy.InitialInterval = r.InitialInterval
	}
	if r.BackoffCoefficient > 0 {
		policy.BackoffCoefficient = r.BackoffCoefficient
	}
	return policy
}

func activityOptions(defaultQueue string, opts engine.ActivityOptions) workflow.ActivityOptions {
	queue := opts.Queue
	if queue == "" {
		queue = defaultQueue
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = time.Minute
	}
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		TaskQueue:           queue,
		RetryPolicy:         convertRetryPolicy(opts.RetryPolicy),
	}
}
