package temporal

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/workflow"

	"goa.design/orbit/engine"
)

type (
	workflowContext struct {
		engine     *Engine
		ctx        workflow.Context
		workflowID string
		runID      string

		updateChans map[string]workflow.Channel
	}

	updateResult struct {
		Result []byte
		Err    error
	}

	timerFuture struct {
		future workflow.Future
		ctx    workflow.Context
	}

	updateReceiver struct {
		ctx workflow.Context
		ch  workflow.Channel
	}

	signalReceiver struct {
		ctx workflow.Context
		ch  workflow.ReceiveChannel
	}
)

func newWorkflowContext(e *Engine, ctx workflow.Context) *workflowContext {
	info := workflow.GetInfo(ctx)
	return &workflowContext{
		engine:      e,
		ctx:         ctx,
		workflowID:  info.WorkflowExecution.ID,
		runID:       info.WorkflowExecution.RunID,
		updateChans: make(map[string]workflow.Channel),
	}
}

// Context implements engine.WorkflowContext.
func (w *workflowContext) Context() context.Context {
	return context.Background()
}

// WorkflowID implements engine.WorkflowContext.
func (w *workflowContext) WorkflowID() string { return w.workflowID }

// RunID implements engine.WorkflowContext.
func (w *workflowContext) RunID() string { return w.runID }

// Now implements engine.WorkflowContext.
func (w *workflowContext) Now() time.Time { return workflow.Now(w.ctx) }

// NewTimer implements engine.WorkflowContext.
func (w *workflowContext) NewTimer(d time.Duration) engine.Future[time.Time] {
	return &timerFuture{future: workflow.NewTimer(w.ctx, d), ctx: w.ctx}
}

// Await implements engine.WorkflowContext.
func (w *workflowContext) Await(condition func() bool) error {
	if condition == nil {
		return errors.New("await condition is required")
	}
	return workflow.Await(w.ctx, condition)
}

// ExecuteActivity implements engine.WorkflowContext.
func (w *workflowContext) ExecuteActivity(name string, input []byte, opts engine.ActivityOptions) ([]byte, error) {
	actx := workflow.WithActivityOptions(w.ctx, activityOptions(w.engine.defaultQueue, opts))
	fut := workflow.ExecuteActivity(actx, name, input)
	var out []byte
	if err := fut.Get(actx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Updates implements engine.WorkflowContext. The first call for a name
// registers the Temporal update handler, so workflows must request their
// receivers before awaiting updates. The handler parks each update on a
// workflow channel and blocks until the workflow responds, which makes the
// response the update result.
func (w *workflowContext) Updates(name string) engine.Receiver[*engine.Update] {
	ch, ok := w.updateChans[name]
	if !ok {
		ch = workflow.NewBufferedChannel(w.ctx, 16)
		w.updateChans[name] = ch

		wctx := w.ctx
		_ = workflow.SetUpdateHandler(wctx, name, func(hctx workflow.Context, payload []byte) ([]byte, error) {
			resCh := workflow.NewChannel(hctx)
			upd := engine.NewUpdate(payload, func(result []byte, err error) {
				resCh.Send(wctx, updateResult{Result: result, Err: err})
			})
			ch.Send(hctx, upd)
			var res updateResult
			resCh.Receive(hctx, &res)
			return res.Result, res.Err
		})
	}
	return &updateReceiver{ctx: w.ctx, ch: ch}
}

// Signals implements engine.WorkflowContext.
func (w *workflowContext) Signals(name string) engine.Receiver[[]byte] {
	return &signalReceiver{ctx: w.ctx, ch: workflow.GetSignalChannel(w.ctx, name)}
}

func (f *timerFuture) Get(_ context.Context) (time.Time, error) {
	if err := f.future.Get(f.ctx, nil); err != nil {
		return time.Time{}, err
	}
	return workflow.Now(f.ctx), nil
}

func (f *timerFuture) IsReady() bool { return f.future.IsReady() }

func (r *updateReceiver) Receive(_ context.Context) (*engine.Update, error) {
	var upd *engine.Update
	r.ch.Receive(r.ctx, &upd)
	return upd, nil
}

func (r *updateReceiver) ReceiveAsync() (*engine.Update, bool) {
	var upd *engine.Update
	if ok := r.ch.ReceiveAsync(&upd); ok {
		return upd, true
	}
	return nil, false
}

func (r *signalReceiver) Receive(_ context.Context) ([]byte, error) {
	var payload []byte
	r.ch.Receive(r.ctx, &payload)
	return payload, nil
}

func (r *signalReceiver) ReceiveAsync() ([]byte, bool) {
	var payload []byte
	if ok := r.ch.ReceiveAsync(&payload); ok {
		return payload, true
	}
	return nil, false
}
