// Package docker implements the sandbox adapter on the Docker Engine API.
// Managed containers are identified by labels; tool invocations exec a shim
// process inside the container, which is the only bridge between the session
// layer and project code.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"goa.design/orbit/sandbox"
)

const (
	// labelManaged marks containers owned by this adapter.
	labelManaged   = "orbit.managed"
	labelProjectID = "orbit.project_id"
	labelTenantID  = "orbit.tenant_id"
	labelSandboxID = "orbit.sandbox_id"

	defaultWorkDir = "/workspace"
	// toolShim is the entrypoint execed inside the container for tool calls.
	toolShim = "orbit-toolhost"

	stopTimeoutSeconds = 10
)

type (
	// Options configures the Docker adapter.
	Options struct {
		// Client is the Docker API client. Defaults to one built from the
		// environment with API version negotiation.
		Client *client.Client
		// DefaultImage is used when a profile does not name an image.
		// Required.
		DefaultImage string
	}

	// Adapter is a Docker-backed sandbox.Adapter.
	Adapter struct {
		cli          *client.Client
		defaultImage string
	}

	// shimResult is the wire shape the tool shim prints on stdout.
	shimResult struct {
		Content string `json:"content"`
		IsError bool   `json:"is_error"`
	}
)

// New builds a Docker adapter.
func New(opts Options) (*Adapter, error) {
	if opts.DefaultImage == "" {
		return nil, errors.New("default image is required")
	}
	cli := opts.Client
	if cli == nil {
		var err error
		cli, err = client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("docker client: %w", err)
		}
	}
	return &Adapter{cli: cli, defaultImage: opts.DefaultImage}, nil
}

// Create implements sandbox.Adapter. When params.SandboxID is set the new
// container reuses that logical identifier.
func (a *Adapter) Create(ctx context.Context, params sandbox.CreateParams) (sandbox.Instance, error) {
	if params.ProjectID == "" {
		return sandbox.Instance{}, errors.New("project id is required")
	}
	sandboxID := params.SandboxID
	if sandboxID == "" {
		sandboxID = uuid.NewString()
	}
	image := params.Profile.Image
	if image == "" {
		image = a.defaultImage
	}
	workDir := params.Profile.WorkDir
	if workDir == "" {
		workDir = defaultWorkDir
	}

	env := make([]string, 0, len(params.Profile.Env))
	for k, v := range params.Profile.Env {
		env = append(env, k+"="+v)
	}

	cfg := &container.Config{
		Image:      image,
		WorkingDir: workDir,
		Env:        env,
		Labels: map[string]string{
			labelManaged:   "true",
			labelProjectID: params.ProjectID,
			labelTenantID:  params.TenantID,
			labelSandboxID: sandboxID,
		},
	}
	hostCfg := &container.HostConfig{}
	if params.Profile.ProjectPath != "" {
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: params.Profile.ProjectPath,
			Target: workDir,
		}}
	}

	created, err := a.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "orbit-sbx-"+sandboxID)
	if err != nil {
		return sandbox.Instance{}, fmt.Errorf("create container: %w", err)
	}
	if err := a.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = a.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return sandbox.Instance{}, fmt.Errorf("start container: %w", err)
	}
	return sandbox.Instance{
		SandboxID:   sandboxID,
		ContainerID: created.ID,
		ProjectID:   params.ProjectID,
		TenantID:    params.TenantID,
		StartedAt:   time.Now().UTC(),
		Running:     true,
	}, nil
}

// Terminate implements sandbox.Adapter.
func (a *Adapter) Terminate(ctx context.Context, sandboxID string) error {
	summaries, err := a.list(ctx, true, filters.Arg("label", labelSandboxID+"="+sandboxID))
	if err != nil {
		return err
	}
	for _, s := range summaries {
		timeout := stopTimeoutSeconds
		// Stop failures fall through to forced removal.
		_ = a.cli.ContainerStop(ctx, s.ID, container.StopOptions{Timeout: &timeout})
		if err := a.cli.ContainerRemove(ctx, s.ID, container.RemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("remove container %s: %w", s.ID, err)
		}
	}
	return nil
}

// Instance implements sandbox.Adapter.
func (a *Adapter) Instance(ctx context.Context, sandboxID string) (sandbox.Instance, error) {
	summaries, err := a.list(ctx, true, filters.Arg("label", labelSandboxID+"="+sandboxID))
	if err != nil {
		return sandbox.Instance{}, err
	}
	if len(summaries) == 0 {
		return sandbox.Instance{}, sandbox.ErrNotFound
	}
	return instanceOf(summaries[0]), nil
}

// ContainerExists implements sandbox.Adapter. It reports the true runtime
// state: only a running container counts.
func (a *Adapter) ContainerExists(ctx context.Context, sandboxID string) (bool, error) {
	summaries, err := a.list(ctx, false, filters.Arg("label", labelSandboxID+"="+sandboxID))
	if err != nil {
		return false, err
	}
	return len(summaries) > 0, nil
}

// HealthCheck implements sandbox.Adapter.
func (a *Adapter) HealthCheck(ctx context.Context, sandboxID string) error {
	inst, err := a.Instance(ctx, sandboxID)
	if err != nil {
		return err
	}
	inspect, err := a.cli.ContainerInspect(ctx, inst.ContainerID)
	if err != nil {
		return fmt.Errorf("inspect container: %w", err)
	}
	if inspect.State == nil || !inspect.State.Running {
		return errors.New("container is not running")
	}
	return nil
}

// CallTool implements sandbox.Adapter. The tool shim receives the tool name
// and JSON-encoded arguments and prints a JSON result on stdout.
func (a *Adapter) CallTool(ctx context.Context, sandboxID, tool string, args map[string]any, timeout time.Duration) (sandbox.ToolResult, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return sandbox.ToolResult{}, fmt.Errorf("encode tool arguments: %w", err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	stdout, stderr, exitCode, err := a.exec(ctx, sandboxID, []string{toolShim, "call", tool, string(argsJSON)})
	if err != nil {
		return sandbox.ToolResult{}, err
	}

	var res shimResult
	if jerr := json.Unmarshal(stdout, &res); jerr == nil && (res.Content != "" || res.IsError) {
		return sandbox.ToolResult{Content: res.Content, IsError: res.IsError}, nil
	}
	if exitCode != 0 {
		detail := string(bytes.TrimSpace(stderr))
		if detail == "" {
			detail = string(bytes.TrimSpace(stdout))
		}
		return sandbox.ToolResult{Content: fmt.Sprintf("tool %s failed (exit %d): %s", tool, exitCode, detail), IsError: true}, nil
	}
	return sandbox.ToolResult{Content: string(bytes.TrimSpace(stdout))}, nil
}

// ListTools implements sandbox.Adapter.
func (a *Adapter) ListTools(ctx context.Context, sandboxID string) ([]string, error) {
	stdout, stderr, exitCode, err := a.exec(ctx, sandboxID, []string{toolShim, "list"})
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("tool listing failed (exit %d): %s", exitCode, bytes.TrimSpace(stderr))
	}
	var tools []string
	if err := json.Unmarshal(stdout, &tools); err != nil {
		return nil, fmt.Errorf("decode tool listing: %w", err)
	}
	return tools, nil
}

// CleanupProjectContainers implements sandbox.Adapter. It force-removes every
// container of the project, running or not.
func (a *Adapter) CleanupProjectContainers(ctx context.Context, projectID string) error {
	summaries, err := a.list(ctx, true, filters.Arg("label", labelProjectID+"="+projectID))
	if err != nil {
		return err
	}
	for _, s := range summaries {
		if err := a.cli.ContainerRemove(ctx, s.ID, container.RemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("remove container %s: %w", s.ID, err)
		}
	}
	return nil
}

// ListManaged implements sandbox.Adapter.
func (a *Adapter) ListManaged(ctx context.Context) ([]sandbox.Instance, error) {
	summaries, err := a.list(ctx, false, filters.Arg("label", labelManaged+"=true"))
	if err != nil {
		return nil, err
	}
	instances := make([]sandbox.Instance, 0, len(summaries))
	for _, s := range summaries {
		instances = append(instances, instanceOf(s))
	}
	return instances, nil
}

func (a *Adapter) list(ctx context.Context, all bool, args ...filters.KeyValuePair) ([]container.Summary, error) {
	summaries, err := a.cli.ContainerList(ctx, container.ListOptions{
		All:     all,
		Filters: filters.NewArgs(args...),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	return summaries, nil
}

// exec runs cmd inside the sandbox container and returns stdout, stderr and
// the exit code.
func (a *Adapter) exec(ctx context.Context, sandboxID string, cmd []string) ([]byte, []byte, int, error) {
	inst, err := a.Instance(ctx, sandboxID)
	if err != nil {
		return nil, nil, 0, err
	}
	created, err := a.cli.ContainerExecCreate(ctx, inst.ContainerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, nil, 0, fmt.Errorf("create exec: %w", err)
	}
	attach, err := a.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, nil, 0, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, nil, 0, fmt.Errorf("read exec output: %w", err)
	}
	inspect, err := a.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("inspect exec: %w", err)
	}
	return stdout.Bytes(), stderr.Bytes(), inspect.ExitCode, nil
}

func instanceOf(s container.Summary) sandbox.Instance {
	return sandbox.Instance{
		SandboxID:   s.Labels[labelSandboxID],
		ContainerID: s.ID,
		ProjectID:   s.Labels[labelProjectID],
		TenantID:    s.Labels[labelTenantID],
		StartedAt:   time.Unix(s.Created, 0).UTC(),
		Running:     s.State == "running",
	}
}
