// Package inmem provides an in-memory workflow engine for tests and
// development. Workflows run on goroutines with real timers; there is no
// durability or replay.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/orbit/engine"
)

type (
	// Engine is an in-memory engine.Engine.
	Engine struct {
		mu         sync.RWMutex
		workflows  map[string]engine.WorkflowDefinition
		activities map[string]engine.ActivityDefinition
		runs       map[string]*run
	}

	run struct {
		id     string
		eng    *Engine
		ctx    context.Context
		cancel context.CancelFunc
		done   chan struct{}
		err    error

		mu      sync.Mutex
		updates map[string]chan *engine.Update
		signals map[string]chan []byte
	}

	handle struct {
		id string
	}

	updateResult struct {
		result []byte
		err    error
	}

	timerFuture struct {
		ready chan struct{}
		at    time.Time
	}

	receiver[T any] struct {
		ch   chan T
		done <-chan struct{}
	}
)

// New returns an empty in-memory engine.
func New() *Engine {
	return &Engine{
		workflows:  make(map[string]engine.WorkflowDefinition),
		activities: make(map[string]engine.ActivityDefinition),
		runs:       make(map[string]*run),
	}
}

// RegisterWorkflow implements engine.Engine.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("invalid workflow definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterActivity implements engine.Engine.
func (e *Engine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("invalid activity definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.activities[def.Name]; dup {
		return fmt.Errorf("activity %q already registered", def.Name)
	}
	e.activities[def.Name] = def
	return nil
}

// GetOrStartWorkflow implements engine.Engine. When an execution with the ID
// is still running, it attaches instead of starting a new one.
func (e *Engine) GetOrStartWorkflow(_ context.Context, req engine.StartRequest) (engine.Handle, error) {
	if req.ID == "" {
		return nil, errors.New("workflow id is required")
	}
	e.mu.Lock()
	if r, ok := e.runs[req.ID]; ok && !r.finished() {
		e.mu.Unlock()
		return &handle{id: req.ID}, nil
	}
	def, ok := e.workflows[req.Workflow]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("workflow %q not registered", req.Workflow)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:      req.ID,
		eng:     e,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		updates: make(map[string]chan *engine.Update),
		signals: make(map[string]chan []byte),
	}
	e.runs[req.ID] = r
	e.mu.Unlock()

	go func() {
		defer close(r.done)
		defer cancel()
		r.err = def.Handler(r, req.Input)
	}()

	return &handle{id: req.ID}, nil
}

// UpdateWorkflow implements engine.Engine.
func (e *Engine) UpdateWorkflow(ctx context.Context, req engine.UpdateRequest) ([]byte, error) {
	e.mu.RLock()
	r, ok := e.runs[req.WorkflowID]
	e.mu.RUnlock()
	if !ok || r.finished() {
		return nil, engine.ErrWorkflowNotFound
	}

	resCh := make(chan updateResult, 1)
	upd := engine.NewUpdate(req.Payload, func(result []byte, err error) {
		resCh <- updateResult{result: result, err: err}
	})

	select {
	case r.updateChan(req.Name) <- upd:
	case <-r.done:
		return nil, engine.ErrWorkflowCompleted
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-resCh:
		return res.result, res.err
	case <-r.done:
		return nil, engine.ErrWorkflowCompleted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SignalWorkflow implements engine.Engine.
func (e *Engine) SignalWorkflow(ctx context.Context, workflowID, name string, payload []byte) error {
	e.mu.RLock()
	r, ok := e.runs[workflowID]
	e.mu.RUnlock()
	if !ok || r.finished() {
		return engine.ErrWorkflowNotFound
	}
	select {
	case r.signalChan(name) <- payload:
		return nil
	case <-r.done:
		return engine.ErrWorkflowCompleted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelWorkflow implements engine.Engine.
func (e *Engine) CancelWorkflow(_ context.Context, workflowID string) error {
	e.mu.RLock()
	r, ok := e.runs[workflowID]
	e.mu.RUnlock()
	if !ok {
		return engine.ErrWorkflowNotFound
	}
	r.cancel()
	return nil
}

// Close implements engine.Engine. It cancels every running workflow.
func (e *Engine) Close() error {
	e.mu.RLock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.RUnlock()
	for _, r := range runs {
		r.cancel()
	}
	return nil
}

// Wait blocks until the execution with the given ID finishes. Test helper.
func (e *Engine) Wait(ctx context.Context, workflowID string) error {
	e.mu.RLock()
	r, ok := e.runs[workflowID]
	e.mu.RUnlock()
	if !ok {
		return engine.ErrWorkflowNotFound
	}
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *run) updateChan(name string) chan *engine.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.updates[name]
	if !ok {
		ch = make(chan *engine.Update, 16)
		r.updates[name] = ch
	}
	return ch
}

func (r *run) signalChan(name string) chan []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.signals[name]
	if !ok {
		ch = make(chan []byte, 16)
		r.signals[name] = ch
	}
	return ch
}

// Context implements engine.WorkflowContext.
func (r *run) Context() context.Context { return r.ctx }

// WorkflowID implements engine.WorkflowContext.
func (r *run) WorkflowID() string { return r.id }

// RunID implements engine.WorkflowContext. The in-memory engine reuses the
// workflow ID as the run ID.
func (r *run) RunID() string { return r.id }

// Now implements engine.WorkflowContext.
func (r *run) Now() time.Time { return time.Now() }

// NewTimer implements engine.WorkflowContext.
func (r *run) NewTimer(d time.Duration) engine.Future[time.Time] {
	fut := &timerFuture{ready: make(chan struct{})}
	if d <= 0 {
		fut.at = time.Now()
		close(fut.ready)
		return fut
	}
	time.AfterFunc(d, func() {
		fut.at = time.Now()
		close(fut.ready)
	})
	return fut
}

// Await implements engine.WorkflowContext by polling the condition.
func (r *run) Await(condition func() bool) error {
	if condition == nil {
		return errors.New("await condition is required")
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if condition() {
			return nil
		}
		select {
		case <-r.ctx.Done():
			return r.ctx.Err()
		case <-ticker.C:
		}
	}
}

// ExecuteActivity implements engine.WorkflowContext.
func (r *run) ExecuteActivity(name string, input []byte, opts engine.ActivityOptions) ([]byte, error) {
	r.eng.mu.RLock()
	def, ok := r.eng.activities[name]
	r.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("activity %q not registered", name)
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = def.Options.Timeout
	}
	ctx := r.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return def.Handler(ctx, input)
}

// Updates implements engine.WorkflowContext.
func (r *run) Updates(name string) engine.Receiver[*engine.Update] {
	return receiver[*engine.Update]{ch: r.updateChan(name), done: r.ctx.Done()}
}

// Signals implements engine.WorkflowContext.
func (r *run) Signals(name string) engine.Receiver[[]byte] {
	return receiver[[]byte]{ch: r.signalChan(name), done: r.ctx.Done()}
}

func (h *handle) WorkflowID() string { return h.id }
func (h *handle) RunID() string      { return h.id }

func (f *timerFuture) Get(ctx context.Context) (time.Time, error) {
	select {
	case <-f.ready:
		return f.at, nil
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
}

func (f *timerFuture) IsReady() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

func (r receiver[T]) Receive(ctx context.Context) (T, error) {
	select {
	case val := <-r.ch:
		return val, nil
	case <-r.done:
		var zero T
		return zero, context.Canceled
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (r receiver[T]) ReceiveAsync() (T, bool) {
	select {
	case val := <-r.ch:
		return val, true
	default:
		var zero T
		return zero, false
	}
}
