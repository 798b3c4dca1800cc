package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/orbit/broker"
	"goa.design/orbit/engine"
	"goa.design/orbit/model"
	"goa.design/orbit/sandbox"
	"goa.design/orbit/session"
	"goa.design/orbit/telemetry"
	"goa.design/orbit/tools"
)

type (
	// SandboxProvider is the slice of the sandbox service the activities use.
	SandboxProvider interface {
		GetOrCreate(ctx context.Context, projectID, tenantID string, profile sandbox.Profile) (*sandbox.Info, error)
		Terminate(ctx context.Context, projectID string, deleteAssociation bool) error
	}

	// ActivitiesOptions configures the session activities.
	ActivitiesOptions struct {
		// Processor runs turns. Required.
		Processor *session.Processor
		// Registry provides the tool specs exposed to the model. Required.
		Registry *tools.Registry
		// Sandboxes resolves the project sandbox for tool listing and idle
		// cleanup. Optional; without it sessions run with registry tools only
		// and skip sandbox cleanup.
		Sandboxes SandboxProvider
		// SandboxProfile is used when the session has to create the sandbox.
		SandboxProfile sandbox.Profile
		// Broker is used to drop per-conversation streams on cleanup.
		Broker broker.Broker
		// Logger defaults to noop.
		Logger telemetry.Logger
	}

	// Activities implements the session activity handlers.
	Activities struct {
		processor *session.Processor
		registry  *tools.Registry
		sandboxes SandboxProvider
		profile   sandbox.Profile
		broker    broker.Broker
		logger    telemetry.Logger
	}
)

// NewActivities validates opts and builds the activity set.
func NewActivities(opts ActivitiesOptions) (*Activities, error) {
	if opts.Processor == nil {
		return nil, errors.New("processor is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("tool registry is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Activities{
		processor: opts.Processor,
		registry:  opts.Registry,
		sandboxes: opts.Sandboxes,
		profile:   opts.SandboxProfile,
		broker:    opts.Broker,
		logger:    logger,
	}, nil
}

// Register installs the session workflow and its activities on the engine.
func Register(ctx context.Context, eng engine.Engine, taskQueue string, acts *Activities) error {
	if err := eng.RegisterWorkflow(ctx, Definition(taskQueue)); err != nil {
		return err
	}
	defs := []engine.ActivityDefinition{
		{
			Name:    ActivityRunTurn,
			Options: engine.ActivityOptions{Queue: taskQueue, Timeout: DefaultTurnTimeout},
			Handler: acts.RunTurn,
		},
		{
			Name:    ActivityListTools,
			Options: engine.ActivityOptions{Queue: taskQueue, Timeout: 30 * time.Second},
			Handler: acts.ListTools,
		},
		{
			Name:    ActivityCleanup,
			Options: engine.ActivityOptions{Queue: taskQueue, Timeout: time.Minute},
			Handler: acts.Cleanup,
		},
	}
	for _, def := range defs {
		if err := eng.RegisterActivity(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

// RunTurn executes one processor turn.
func (a *Activities) RunTurn(ctx context.Context, raw []byte) ([]byte, error) {
	var input session.TurnInput
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("decode turn input: %w", err)
	}
	out, err := a.processor.RunTurn(ctx, input)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// ListTools resolves the tool definitions for the session, ensuring the
// project sandbox exists so its identifier can key the workflow-side cache.
func (a *Activities) ListTools(ctx context.Context, raw []byte) ([]byte, error) {
	var req listToolsRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode list tools request: %w", err)
	}

	res := listToolsResult{Tools: toolDefinitions(a.registry)}
	if a.sandboxes != nil {
		info, err := a.sandboxes.GetOrCreate(ctx, req.ProjectID, req.TenantID, a.profile)
		if err != nil {
			a.logger.Warn(ctx, "sandbox resolution failed, session runs without a sandbox",
				"project_id", req.ProjectID, "error", err)
		} else {
			res.SandboxID = info.SandboxID
		}
	}
	return json.Marshal(res)
}

// Cleanup releases session resources after idle expiry: the project sandbox
// and the HITL response stream. The durable event log is kept.
func (a *Activities) Cleanup(ctx context.Context, raw []byte) ([]byte, error) {
	var req cleanupRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode cleanup request: %w", err)
	}
	if a.sandboxes != nil {
		if err := a.sandboxes.Terminate(ctx, req.ProjectID, false); err != nil {
			a.logger.Warn(ctx, "sandbox termination on idle failed",
				"project_id", req.ProjectID, "error", err)
		}
	}
	if a.broker != nil {
		if err := a.broker.Delete(ctx, broker.HITLResponsesKey(req.ConversationID)); err != nil {
			a.logger.Warn(ctx, "hitl stream cleanup failed",
				"conversation_id", req.ConversationID, "error", err)
		}
	}
	a.logger.Info(ctx, "session cleaned up after idle expiry",
		"conversation_id", req.ConversationID, "project_id", req.ProjectID)
	return nil, nil
}

// toolDefinitions converts registry specs to the model-facing shape.
func toolDefinitions(registry *tools.Registry) []model.ToolDefinition {
	specs := registry.Specs()
	defs := make([]model.ToolDefinition, 0, len(specs))
	for _, spec := range specs {
		schema := map[string]any{"type": "object"}
		if len(spec.InputSchema) > 0 {
			var parsed map[string]any
			if err := json.Unmarshal(spec.InputSchema, &parsed); err == nil {
				schema = parsed
			}
		}
		defs = append(defs, model.ToolDefinition{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: schema,
		})
	}
	return defs
}
