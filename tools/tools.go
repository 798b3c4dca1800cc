// Package tools defines the tool protocol: specs with JSON schemas, handlers,
// a registry, and an executor that validates arguments, enforces the
// permission policy, and records every execution. Tool failures are results,
// not errors: a failing tool never fails the turn.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Permission classifies tools whose execution is gated by the policy.
type Permission string

const (
	// PermissionNone marks tools that are always allowed.
	PermissionNone Permission = ""
	// PermissionCommandExecution gates tools that run arbitrary commands.
	PermissionCommandExecution Permission = "command_execution"
	// PermissionScreenshot gates computer-use capture tools.
	PermissionScreenshot Permission = "screenshot"
	// PermissionComputerUse gates computer-control tools.
	PermissionComputerUse Permission = "computer_use"
)

type (
	// Spec describes a tool to the model and the executor.
	Spec struct {
		// Name is the unique tool name.
		Name string
		// Description tells the model what the tool does.
		Description string
		// InputSchema is the JSON schema of the arguments object.
		InputSchema json.RawMessage
		// OutputSchema optionally describes the structured result.
		OutputSchema json.RawMessage
		// Permission gates execution through the policy.
		Permission Permission
		// Timeout overrides the executor's call timeout when positive. Tools
		// that legitimately block longer than an ordinary call, such as
		// prompts waiting on a human, set it to cover their own deadline.
		Timeout time.Duration
	}

	// Call is one tool invocation.
	Call struct {
		// ID is the call identifier shared by the act and observe events.
		ID string
		// ConversationID identifies the owning conversation.
		ConversationID string
		// MessageID identifies the turn.
		MessageID string
		// ProjectID identifies the project whose sandbox serves the call.
		ProjectID string
		// TenantID identifies the tenant.
		TenantID string
		// Name is the tool name.
		Name string
		// Args are the decoded arguments.
		Args map[string]any
	}

	// Result is the outcome of a tool invocation.
	Result struct {
		// Content is the textual result fed back to the model.
		Content string
		// Structured optionally carries a typed result.
		Structured any
		// IsError marks a tool-level failure.
		IsError bool
	}

	// Handler executes a tool call.
	Handler func(ctx context.Context, call Call) (Result, error)

	// Registry resolves tool names to handlers. Registration compiles the
	// input schema once; lookups are lock-free reads under a mutex.
	Registry struct {
		mu      sync.RWMutex
		entries map[string]*entry
	}

	entry struct {
		spec    Spec
		handler Handler
		schema  *jsonschema.Schema
	}

	// Policy gates tool execution. The zero value denies every gated
	// permission.
	Policy struct {
		// AllowCommandExecution permits command-running tools.
		AllowCommandExecution bool
		// AllowScreenshot permits capture tools.
		AllowScreenshot bool
		// AllowComputerUse permits computer-control tools.
		AllowComputerUse bool
		// Denied lists tool names that are always refused.
		Denied []string
	}

	// ExecutionRecord is the audit row written for every tool execution.
	ExecutionRecord struct {
		// CallID is the invocation identifier.
		CallID string
		// ConversationID identifies the conversation.
		ConversationID string
		// MessageID identifies the turn.
		MessageID string
		// ProjectID identifies the project.
		ProjectID string
		// TenantID identifies the tenant.
		TenantID string
		// Tool is the tool name.
		Tool string
		// Args are the invocation arguments.
		Args map[string]any
		// Content is the result content.
		Content string
		// IsError marks a failed execution.
		IsError bool
		// StartedAt is when execution began.
		StartedAt time.Time
		// Duration is how long execution took.
		Duration time.Duration
	}

	// Recorder persists execution records. Recording is best-effort: failures
	// are logged by the executor, never surfaced to the turn.
	Recorder interface {
		Record(ctx context.Context, rec ExecutionRecord) error
	}

	// NoopRecorder discards execution records.
	NoopRecorder struct{}
)

// Record implements Recorder.
func (NoopRecorder) Record(ctx context.Context, rec ExecutionRecord) error { return nil }

// ToolError is a structured tool failure carried inside an error Result.
type ToolError struct {
	// Tool is the tool name.
	Tool string
	// Code classifies the failure: unknown_tool, permission_denied,
	// invalid_arguments, timeout, cancelled, panic or execution_failed.
	Code string
	// Message is the human-readable detail.
	Message string
}

// Error implements error.
func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s: %s", e.Tool, e.Code, e.Message)
}

// Allowed reports whether the policy permits the tool described by spec.
func (p Policy) Allowed(spec Spec) bool {
	for _, name := range p.Denied {
		if name == spec.Name {
			return false
		}
	}
	switch spec.Permission {
	case PermissionCommandExecution:
		return p.AllowCommandExecution
	case PermissionScreenshot:
		return p.AllowScreenshot
	case PermissionComputerUse:
		return p.AllowComputerUse
	default:
		return true
	}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a tool. It fails on duplicate names and invalid input
// schemas.
func (r *Registry) Register(spec Spec, handler Handler) error {
	if spec.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool %s: handler is required", spec.Name)
	}
	var schema *jsonschema.Schema
	if len(spec.InputSchema) > 0 {
		var err error
		schema, err = compileSchema(spec.Name, spec.InputSchema)
		if err != nil {
			return fmt.Errorf("tool %s: %w", spec.Name, err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[spec.Name]; ok {
		return fmt.Errorf("tool %s: already registered", spec.Name)
	}
	r.entries[spec.Name] = &entry{spec: spec, handler: handler, schema: schema}
	return nil
}

// Lookup resolves a tool by name.
func (r *Registry) Lookup(name string) (Spec, Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Spec{}, nil, false
	}
	return e.spec, e.handler, true
}

// Specs returns the registered specs sorted by name.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(r.entries))
	for _, e := range r.entries {
		specs = append(specs, e.spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

func (r *Registry) schemaFor(name string) *jsonschema.Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[name]; ok {
		return e.schema
	}
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse input schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add input schema: %w", err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile input schema: %w", err)
	}
	return schema, nil
}
