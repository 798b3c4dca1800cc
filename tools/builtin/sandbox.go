package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"goa.design/orbit/sandbox"
	"goa.design/orbit/tools"
)

const (
	// DefaultSandboxTimeout bounds one sandbox tool execution.
	DefaultSandboxTimeout = 2 * time.Minute
	// maxBashTimeout matches the timeout_seconds schema maximum.
	maxBashTimeout = 10 * time.Minute
	// sandboxTimeoutGrace pads the executor deadline so the sandbox reports
	// its own timeout instead of the executor cutting the call short.
	sandboxTimeoutGrace = 15 * time.Second
)

type (
	// SandboxExecutor is the slice of the sandbox service the tools use.
	// Satisfied by *sandbox.Service.
	SandboxExecutor interface {
		ExecuteTool(ctx context.Context, projectID, tool string, args map[string]any, timeout time.Duration) (sandbox.ToolResult, error)
	}

	// SandboxOptions configures the sandbox-backed tools.
	SandboxOptions struct {
		// Sandboxes executes tools inside the project container. Required.
		Sandboxes SandboxExecutor
		// Timeout bounds one execution. Defaults to DefaultSandboxTimeout.
		Timeout time.Duration
	}
)

type sandboxTools struct {
	sandboxes SandboxExecutor
	timeout   time.Duration
}

// RegisterSandbox registers the file and command tools that run inside the
// project sandbox: bash, read, write, file_edit, file_glob and file_grep.
// Only bash is permission gated; the file tools are confined to the sandbox
// filesystem.
func RegisterSandbox(registry *tools.Registry, opts SandboxOptions) error {
	if opts.Sandboxes == nil {
		return errors.New("sandbox executor is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultSandboxTimeout
	}
	s := &sandboxTools{sandboxes: opts.Sandboxes, timeout: timeout}

	specs := []tools.Spec{
		{
			Name:        "bash",
			Description: "Run a shell command inside the project sandbox and return its output.",
			Permission:  tools.PermissionCommandExecution,
			Timeout:     maxBashTimeout + sandboxTimeoutGrace,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"command": {"type": "string", "description": "The command to run"},
					"timeout_seconds": {"type": "integer", "minimum": 1, "maximum": 600}
				},
				"required": ["command"]
			}`),
		},
		{
			Name:        "read",
			Description: "Read a file from the sandbox filesystem.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string"},
					"offset": {"type": "integer", "minimum": 0},
					"limit": {"type": "integer", "minimum": 1}
				},
				"required": ["path"]
			}`),
		},
		{
			Name:        "write",
			Description: "Write a file in the sandbox filesystem, creating parent directories as needed.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string"},
					"content": {"type": "string"}
				},
				"required": ["path", "content"]
			}`),
		},
		{
			Name:        "file_edit",
			Description: "Replace an exact string in a file. The old string must match exactly once unless replace_all is set.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string"},
					"old_string": {"type": "string"},
					"new_string": {"type": "string"},
					"replace_all": {"type": "boolean"}
				},
				"required": ["path", "old_string", "new_string"]
			}`),
		},
		{
			Name:        "file_glob",
			Description: "List files in the sandbox matching a glob pattern.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"pattern": {"type": "string"},
					"path": {"type": "string", "description": "Directory to search, defaults to the project root"}
				},
				"required": ["pattern"]
			}`),
		},
		{
			Name:        "file_grep",
			Description: "Search file contents in the sandbox with a regular expression.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"pattern": {"type": "string"},
					"path": {"type": "string"},
					"glob": {"type": "string", "description": "Filter files by glob pattern"}
				},
				"required": ["pattern"]
			}`),
		},
	}
	for _, spec := range specs {
		if spec.Timeout == 0 {
			spec.Timeout = timeout + sandboxTimeoutGrace
		}
		if err := registry.Register(spec, s.execute); err != nil {
			return err
		}
	}
	return nil
}

// execute forwards the call to the tool process inside the project container.
// The sandbox result maps one to one onto the tool result; an infrastructure
// failure (no sandbox, container dead) is a tool-local error, not a turn
// failure.
func (s *sandboxTools) execute(ctx context.Context, call tools.Call) (tools.Result, error) {
	timeout := s.timeout
	if secs := intArg(call.Args, "timeout_seconds", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	res, err := s.sandboxes.ExecuteTool(ctx, call.ProjectID, call.Name, call.Args, timeout)
	if err != nil {
		return tools.Result{}, &tools.ToolError{Tool: call.Name, Code: "execution_failed", Message: err.Error()}
	}
	return tools.Result{Content: res.Content, IsError: res.IsError}, nil
}
