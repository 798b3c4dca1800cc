package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/orbit/telemetry"
)

// DefaultCallTimeout bounds a tool execution when no timeout is configured.
const DefaultCallTimeout = 30 * time.Second

type (
	// Executor runs tool calls: permission check, argument validation,
	// bounded execution with panic containment, and audit recording. Every
	// failure mode becomes an error Result so the caller can emit a matched
	// observe event and keep the turn alive.
	Executor struct {
		registry *Registry
		policy   Policy
		recorder Recorder
		logger   telemetry.Logger
		timeout  time.Duration
	}

	// Option configures an Executor.
	Option func(*Executor)
)

// WithPolicy sets the permission policy.
func WithPolicy(policy Policy) Option {
	return func(e *Executor) { e.policy = policy }
}

// WithRecorder sets the execution audit recorder. When nil, records are
// discarded.
func WithRecorder(recorder Recorder) Option {
	return func(e *Executor) {
		if recorder != nil {
			e.recorder = recorder
		}
	}
}

// WithLogger sets the executor logger. When nil, the executor uses a noop
// logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithCallTimeout sets the per-call execution bound.
func WithCallTimeout(timeout time.Duration) Option {
	return func(e *Executor) {
		if timeout > 0 {
			e.timeout = timeout
		}
	}
}

// NewExecutor builds an executor over the registry. The default policy allows
// everything not gated by a permission; gated permissions default to denied.
func NewExecutor(registry *Registry, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		recorder: NoopRecorder{},
		logger:   telemetry.NewNoopLogger(),
		timeout:  DefaultCallTimeout,
	}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	return e
}

// Execute runs the call and always returns a Result. Tool-level failures,
// schema violations, permission denials, timeouts and panics all come back as
// error Results carrying a *ToolError in Structured.
func (e *Executor) Execute(ctx context.Context, call Call) Result {
	started := time.Now()

	spec, handler, ok := e.registry.Lookup(call.Name)
	if !ok {
		return e.finish(ctx, call, started, errorResult(call.Name, "unknown_tool", fmt.Sprintf("no tool named %q", call.Name)))
	}
	if !e.policy.Allowed(spec) {
		return e.finish(ctx, call, started, errorResult(call.Name, "permission_denied", fmt.Sprintf("tool %q is not permitted by policy", call.Name)))
	}
	if schema := e.registry.schemaFor(call.Name); schema != nil {
		args := call.Args
		if args == nil {
			args = map[string]any{}
		}
		if err := schema.Validate(normalize(args)); err != nil {
			return e.finish(ctx, call, started, errorResult(call.Name, "invalid_arguments", err.Error()))
		}
	}

	res := e.run(ctx, call, spec, handler)
	return e.finish(ctx, call, started, res)
}

// run executes the handler on its own goroutine so a handler that ignores
// context cancellation cannot wedge the executor past the call timeout. A
// positive spec timeout overrides the executor default so tools that
// legitimately block longer, such as prompts waiting on a human, are not cut
// short of their own deadlines.
func (e *Executor) run(ctx context.Context, call Call, spec Spec, handler Handler) Result {
	timeout := e.timeout
	if spec.Timeout > 0 {
		timeout = spec.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &ToolError{Tool: call.Name, Code: "panic", Message: fmt.Sprint(r)}}
			}
		}()
		res, err := handler(ctx, call)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			var terr *ToolError
			if errors.As(out.err, &terr) {
				return Result{Content: terr.Message, Structured: terr, IsError: true}
			}
			if errors.Is(out.err, context.DeadlineExceeded) {
				return errorResult(call.Name, "timeout", "tool execution timed out")
			}
			if errors.Is(out.err, context.Canceled) {
				return errorResult(call.Name, "cancelled", "tool execution cancelled")
			}
			return errorResult(call.Name, "execution_failed", out.err.Error())
		}
		return out.res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return errorResult(call.Name, "cancelled", "tool execution cancelled")
		}
		return errorResult(call.Name, "timeout", fmt.Sprintf("tool %q exceeded its %s timeout", call.Name, timeout))
	}
}

func (e *Executor) finish(ctx context.Context, call Call, started time.Time, res Result) Result {
	rec := ExecutionRecord{
		CallID:         call.ID,
		ConversationID: call.ConversationID,
		MessageID:      call.MessageID,
		ProjectID:      call.ProjectID,
		TenantID:       call.TenantID,
		Tool:           call.Name,
		Args:           call.Args,
		Content:        res.Content,
		IsError:        res.IsError,
		StartedAt:      started.UTC(),
		Duration:       time.Since(started),
	}
	// Recording must not block on a dead context.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.recorder.Record(rctx, rec); err != nil {
		e.logger.Warn(ctx, "failed to record tool execution", "tool", call.Name, "call_id", call.ID, "error", err)
	}
	return res
}

func errorResult(tool, code, message string) Result {
	terr := &ToolError{Tool: tool, Code: code, Message: message}
	return Result{Content: message, Structured: terr, IsError: true}
}

// normalize rewrites args into the shapes the schema validator expects:
// json.Unmarshal representations only (map[string]any, []any, float64, bool,
// string, nil).
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = normalize(t[i])
		}
		return out
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
