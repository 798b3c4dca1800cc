package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"goa.design/orbit/broker"
	"goa.design/orbit/eventlog"
	"goa.design/orbit/hitl"
	"goa.design/orbit/session"
	"goa.design/orbit/telemetry"
	"goa.design/orbit/tools"
)

const (
	// DefaultHITLTimeout bounds how long a prompt waits for a human answer.
	DefaultHITLTimeout = 5 * time.Minute
	// hitlTimeoutGrace pads the executor deadline past the prompt deadline so
	// the waiter resolves the timeout itself and can apply a default choice.
	hitlTimeoutGrace = 30 * time.Second
)

// HITLOptions configures the human-in-the-loop tools.
type HITLOptions struct {
	// Requests is the request registry tool calls block on. Required.
	Requests *hitl.Registry
	// Log records the asked and answered events. Required.
	Log eventlog.Log
	// Broker publishes the asked and answered events live. Required.
	Broker broker.Broker
	// Timeout is the per-prompt deadline. Defaults to DefaultHITLTimeout.
	Timeout time.Duration
	// Logger defaults to noop.
	Logger telemetry.Logger
}

type hitlTools struct {
	requests *hitl.Registry
	log      eventlog.Log
	broker   broker.Broker
	timeout  time.Duration
	logger   telemetry.Logger
}

// RegisterHITL registers ask_clarification, request_decision and
// request_env_var.
func RegisterHITL(registry *tools.Registry, opts HITLOptions) error {
	if opts.Requests == nil {
		return errors.New("hitl registry is required")
	}
	if opts.Log == nil {
		return errors.New("event log is required")
	}
	if opts.Broker == nil {
		return errors.New("broker is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultHITLTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	h := &hitlTools{
		requests: opts.Requests,
		log:      opts.Log,
		broker:   opts.Broker,
		timeout:  timeout,
		logger:   logger,
	}

	if err := registry.Register(tools.Spec{
		Name:        "ask_clarification",
		Description: "Ask the user a clarifying question and wait for the answer. Use when the request is ambiguous and guessing would waste work.",
		Timeout:     timeout + hitlTimeoutGrace,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"question": {"type": "string", "description": "The question to ask the user"},
				"options": {"type": "array", "items": {"type": "string"}, "description": "Suggested answers the user can pick from"},
				"allow_custom": {"type": "boolean", "description": "Whether a free-form answer is accepted"},
				"default_choice": {"type": "string", "description": "Answer assumed if the user does not respond in time"}
			},
			"required": ["question"]
		}`),
	}, h.askClarification); err != nil {
		return err
	}

	if err := registry.Register(tools.Spec{
		Name:        "request_decision",
		Description: "Present weighed alternatives and wait for the user to choose. Use for choices with material cost, time or risk differences.",
		Timeout:     timeout + hitlTimeoutGrace,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"question": {"type": "string", "description": "The decision to make"},
				"options": {
					"type": "array",
					"items": {
						"type": "object",
						"properties": {
							"id": {"type": "string"},
							"label": {"type": "string"},
							"description": {"type": "string"},
							"recommended": {"type": "boolean"},
							"estimated_time": {"type": "string"},
							"estimated_cost": {"type": "string"},
							"risks": {"type": "array", "items": {"type": "string"}}
						},
						"required": ["id"]
					}
				},
				"default_choice": {"type": "string"}
			},
			"required": ["question", "options"]
		}`),
	}, h.requestDecision); err != nil {
		return err
	}

	return registry.Register(tools.Spec{
		Name:        "request_env_var",
		Description: "Request environment variable values from the user, for credentials or configuration the agent must not invent.",
		Timeout:     timeout + hitlTimeoutGrace,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"variables": {
					"type": "array",
					"items": {
						"type": "object",
						"properties": {
							"name": {"type": "string"},
							"description": {"type": "string"},
							"input_type": {"type": "string", "enum": ["text", "password", "url"]},
							"required": {"type": "boolean"},
							"validation_pattern": {"type": "string"}
						},
						"required": ["name"]
					},
					"minItems": 1
				},
				"reason": {"type": "string", "description": "Why the variables are needed"}
			},
			"required": ["variables"]
		}`),
	}, h.requestEnvVar)
}

func (h *hitlTools) askClarification(ctx context.Context, call tools.Call) (tools.Result, error) {
	question, err := requireString(call.Args, "question")
	if err != nil {
		return tools.Result{}, &tools.ToolError{Tool: call.Name, Code: "invalid_arguments", Message: err.Error()}
	}
	var options []hitl.Option
	for _, opt := range stringSliceArg(call.Args, "options") {
		options = append(options, hitl.Option{ID: opt, Label: opt})
	}
	req := &hitl.Request{
		ConversationID: call.ConversationID,
		MessageID:      call.MessageID,
		Kind:           hitl.KindClarification,
		Prompt:         question,
		Options:        options,
		AllowCustom:    boolArg(call.Args, "allow_custom"),
		DefaultChoice:  stringArg(call.Args, "default_choice"),
		Deadline:       time.Now().UTC().Add(h.timeout),
	}
	resp, err := h.await(ctx, call, req)
	if err != nil {
		return tools.Result{}, err
	}
	return tools.Result{Content: fmt.Sprintf("The user answered: %s", resp.Answer)}, nil
}

func (h *hitlTools) requestDecision(ctx context.Context, call tools.Call) (tools.Result, error) {
	question, err := requireString(call.Args, "question")
	if err != nil {
		return tools.Result{}, &tools.ToolError{Tool: call.Name, Code: "invalid_arguments", Message: err.Error()}
	}
	var options []hitl.Option
	for _, raw := range mapSliceArg(call.Args, "options") {
		options = append(options, hitl.Option{
			ID:            stringArg(raw, "id"),
			Label:         stringArg(raw, "label"),
			Description:   stringArg(raw, "description"),
			Recommended:   boolArg(raw, "recommended"),
			EstimatedTime: stringArg(raw, "estimated_time"),
			EstimatedCost: stringArg(raw, "estimated_cost"),
			Risks:         stringSliceArg(raw, "risks"),
		})
	}
	if len(options) == 0 {
		return tools.Result{}, &tools.ToolError{Tool: call.Name, Code: "invalid_arguments", Message: "at least one option is required"}
	}
	req := &hitl.Request{
		ConversationID: call.ConversationID,
		MessageID:      call.MessageID,
		Kind:           hitl.KindDecision,
		Prompt:         question,
		Options:        options,
		DefaultChoice:  stringArg(call.Args, "default_choice"),
		Deadline:       time.Now().UTC().Add(h.timeout),
	}
	resp, err := h.await(ctx, call, req)
	if err != nil {
		return tools.Result{}, err
	}
	return tools.Result{Content: fmt.Sprintf("The user chose: %s", resp.Answer)}, nil
}

func (h *hitlTools) requestEnvVar(ctx context.Context, call tools.Call) (tools.Result, error) {
	specs := mapSliceArg(call.Args, "variables")
	if len(specs) == 0 {
		return tools.Result{}, &tools.ToolError{Tool: call.Name, Code: "invalid_arguments", Message: "variables is required"}
	}
	vars := make([]hitl.EnvVarSpec, 0, len(specs))
	names := make([]string, 0, len(specs))
	for _, raw := range specs {
		name := stringArg(raw, "name")
		if name == "" {
			return tools.Result{}, &tools.ToolError{Tool: call.Name, Code: "invalid_arguments", Message: "variable name is required"}
		}
		names = append(names, name)
		vars = append(vars, hitl.EnvVarSpec{
			Name:              name,
			Description:       stringArg(raw, "description"),
			InputType:         stringArg(raw, "input_type"),
			Required:          boolArg(raw, "required"),
			ValidationPattern: stringArg(raw, "validation_pattern"),
		})
	}
	prompt := stringArg(call.Args, "reason")
	if prompt == "" {
		prompt = fmt.Sprintf("Provide values for: %s", strings.Join(names, ", "))
	}
	req := &hitl.Request{
		ConversationID: call.ConversationID,
		MessageID:      call.MessageID,
		Kind:           hitl.KindEnvVar,
		Prompt:         prompt,
		EnvVars:        vars,
		Deadline:       time.Now().UTC().Add(h.timeout),
	}
	resp, err := h.await(ctx, call, req)
	if err != nil {
		return tools.Result{}, err
	}
	provided := make([]string, 0, len(resp.Values))
	for name := range resp.Values {
		provided = append(provided, name)
	}
	sort.Strings(provided)
	// Values are injected into the sandbox environment, never echoed to the
	// model.
	return tools.Result{Content: fmt.Sprintf("The user provided values for: %s", strings.Join(provided, ", "))}, nil
}

// await runs the ask/wait/answer protocol shared by all prompt kinds: persist
// the request, emit the asked event, block on the waiter, then emit the
// answered event.
func (h *hitlTools) await(ctx context.Context, call tools.Call, req *hitl.Request) (hitl.Response, error) {
	waiter, err := h.requests.Create(ctx, req)
	if err != nil {
		return hitl.Response{}, fmt.Errorf("create request: %w", err)
	}

	emitter, err := session.NewEmitter(ctx, call.ConversationID, session.EmitterOptions{
		Log:    h.log,
		Broker: h.broker,
		Logger: h.logger,
	})
	if err != nil {
		return hitl.Response{}, err
	}
	asked := map[string]any{
		"request_id":       req.ID,
		"prompt":           req.Prompt,
		"timeout_deadline": req.Deadline.Format(time.RFC3339),
	}
	if len(req.Options) > 0 {
		asked["options"] = req.Options
	}
	if len(req.EnvVars) > 0 {
		asked["env_vars"] = req.EnvVars
	}
	if req.AllowCustom {
		asked["allow_custom"] = true
	}
	if req.DefaultChoice != "" {
		asked["default_choice"] = req.DefaultChoice
	}
	if _, err := emitter.Emit(ctx, call.MessageID, req.Kind.AskedEvent(), asked); err != nil {
		h.logger.Warn(ctx, "asked event emit failed", "request_id", req.ID, "error", err)
	}

	resp, err := waiter.Wait(ctx)
	if err != nil {
		switch {
		case errors.Is(err, hitl.ErrTimeout):
			return hitl.Response{}, &tools.ToolError{Tool: call.Name, Code: "timeout", Message: "the user did not respond in time"}
		case errors.Is(err, hitl.ErrCanceled):
			return hitl.Response{}, &tools.ToolError{Tool: call.Name, Code: "cancelled", Message: "the request was cancelled"}
		default:
			return hitl.Response{}, err
		}
	}

	answered := map[string]any{
		"request_id": req.ID,
		"source":     string(resp.Source),
	}
	if resp.Answer != "" {
		answered["answer"] = resp.Answer
	}
	if len(resp.Values) > 0 {
		names := make([]string, 0, len(resp.Values))
		for name := range resp.Values {
			names = append(names, name)
		}
		sort.Strings(names)
		answered["provided"] = names
	}
	if _, err := emitter.Emit(ctx, call.MessageID, req.Kind.AnsweredEvent(), answered); err != nil {
		h.logger.Warn(ctx, "answered event emit failed", "request_id", req.ID, "error", err)
	}
	return resp, nil
}
