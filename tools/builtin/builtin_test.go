package builtin

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	brokerinmem "goa.design/orbit/broker/inmem"
	eventloginmem "goa.design/orbit/eventlog/inmem"
	"goa.design/orbit/graph"
	"goa.design/orbit/hitl"
	hitlinmem "goa.design/orbit/hitl/inmem"
	kvcacheinmem "goa.design/orbit/kvcache/inmem"
	"goa.design/orbit/sandbox"
	"goa.design/orbit/tools"
)

func testCall(name string, args map[string]any) tools.Call {
	return tools.Call{
		ID:             "call-1",
		ConversationID: "conv-1",
		MessageID:      "msg-1",
		ProjectID:      "proj-1",
		TenantID:       "tenant-1",
		Name:           name,
		Args:           args,
	}
}

func TestAskClarificationRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := brokerinmem.New()
	requests, err := hitl.NewRegistry(hitl.RegistryOptions{
		Store:     hitlinmem.New(),
		Broker:    b,
		PollBlock: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer requests.Close()

	registry := tools.NewRegistry()
	require.NoError(t, RegisterHITL(registry, HITLOptions{
		Requests: requests,
		Log:      eventloginmem.New(),
		Broker:   b,
		Timeout:  5 * time.Second,
	}))

	_, handler, ok := registry.Lookup("ask_clarification")
	require.True(t, ok)

	// Answer the prompt as soon as it shows up in the pending table.
	go func() {
		for {
			pending, err := requests.Pending(ctx, "conv-1")
			if err == nil && len(pending) > 0 {
				_ = requests.Respond(ctx, "conv-1", hitl.Response{
					RequestID: pending[0].ID,
					Answer:    "use postgres",
				})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	res, err := handler(ctx, testCall("ask_clarification", map[string]any{
		"question": "Which database should I use?",
		"options":  []any{"postgres", "sqlite"},
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Contains(t, res.Content, "use postgres")
}

func TestAskClarificationTimeoutWithDefault(t *testing.T) {
	ctx := context.Background()
	b := brokerinmem.New()
	requests, err := hitl.NewRegistry(hitl.RegistryOptions{
		Store:     hitlinmem.New(),
		Broker:    b,
		PollBlock: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer requests.Close()

	registry := tools.NewRegistry()
	require.NoError(t, RegisterHITL(registry, HITLOptions{
		Requests: requests,
		Log:      eventloginmem.New(),
		Broker:   b,
		Timeout:  50 * time.Millisecond,
	}))

	_, handler, ok := registry.Lookup("ask_clarification")
	require.True(t, ok)

	res, err := handler(ctx, testCall("ask_clarification", map[string]any{
		"question":       "Proceed?",
		"default_choice": "yes",
	}))
	require.NoError(t, err)
	require.Contains(t, res.Content, "yes")
}

func TestAskClarificationDefaultOutlivesExecutorTimeout(t *testing.T) {
	ctx := context.Background()
	b := brokerinmem.New()
	requests, err := hitl.NewRegistry(hitl.RegistryOptions{
		Store:     hitlinmem.New(),
		Broker:    b,
		PollBlock: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer requests.Close()

	registry := tools.NewRegistry()
	require.NoError(t, RegisterHITL(registry, HITLOptions{
		Requests: requests,
		Log:      eventloginmem.New(),
		Broker:   b,
		Timeout:  100 * time.Millisecond,
	}))

	// The executor default would expire long before the prompt deadline; the
	// spec timeout keeps the waiter alive so the default choice still applies.
	exec := tools.NewExecutor(registry, tools.WithCallTimeout(20*time.Millisecond))
	res := exec.Execute(ctx, testCall("ask_clarification", map[string]any{
		"question":       "Proceed?",
		"default_choice": "yes",
	}))
	require.False(t, res.IsError, "content: %s", res.Content)
	require.Contains(t, res.Content, "yes")
}

func TestTodoWriteThenRead(t *testing.T) {
	ctx := context.Background()
	registry := tools.NewRegistry()
	require.NoError(t, RegisterTodo(registry))

	_, write, ok := registry.Lookup("todo_write")
	require.True(t, ok)
	_, read, ok := registry.Lookup("todo_read")
	require.True(t, ok)

	// Empty until written.
	res, err := read(ctx, testCall("todo_read", map[string]any{}))
	require.NoError(t, err)
	require.Contains(t, res.Content, "empty")

	_, err = write(ctx, testCall("todo_write", map[string]any{
		"todos": []any{
			map[string]any{"id": "1", "content": "set up repo", "status": "completed"},
			map[string]any{"id": "2", "content": "write parser", "status": "in_progress", "priority": "high"},
		},
	}))
	require.NoError(t, err)

	res, err = read(ctx, testCall("todo_read", map[string]any{}))
	require.NoError(t, err)
	require.Contains(t, res.Content, "write parser")
	require.Contains(t, res.Content, "[x] 1")

	// Lists are scoped per conversation.
	other := testCall("todo_read", map[string]any{})
	other.ConversationID = "conv-2"
	res, err = read(ctx, other)
	require.NoError(t, err)
	require.Contains(t, res.Content, "empty")
}

func TestTodoWriteRejectsInvalidStatus(t *testing.T) {
	registry := tools.NewRegistry()
	require.NoError(t, RegisterTodo(registry))
	_, write, _ := registry.Lookup("todo_write")

	_, err := write(context.Background(), testCall("todo_write", map[string]any{
		"todos": []any{map[string]any{"id": "1", "content": "x", "status": "someday"}},
	}))
	var terr *tools.ToolError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, "invalid_arguments", terr.Code)
}

type fakeGraph struct {
	results []graph.Result
}

func (f *fakeGraph) Search(_ context.Context, _, _, _ string, limit int) ([]graph.Result, error) {
	if limit < len(f.results) {
		return f.results[:limit], nil
	}
	return f.results, nil
}

func TestMemorySearchFormatsResults(t *testing.T) {
	registry := tools.NewRegistry()
	require.NoError(t, RegisterKnowledge(registry, KnowledgeOptions{
		Graph: &fakeGraph{results: []graph.Result{
			{ID: "n1", Content: "the service uses postgres", Score: 0.91},
			{ID: "n2", Content: "deploys run on fridays", Score: 0.42},
		}},
	}))

	_, handler, ok := registry.Lookup("memory_search")
	require.True(t, ok)

	res, err := handler(context.Background(), testCall("memory_search", map[string]any{"query": "database"}))
	require.NoError(t, err)
	require.Contains(t, res.Content, "postgres")
	require.Contains(t, res.Content, "0.91")

	// summarize is absent without a model client.
	_, _, ok = registry.Lookup("summarize")
	require.False(t, ok)
}

type countingSearcher struct {
	mu    sync.Mutex
	calls int
}

func (c *countingSearcher) Search(_ context.Context, query string, _ int) ([]SearchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return []SearchResult{{Title: "result for " + query, URL: "https://example.com"}}, nil
}

func TestWebSearchUsesCache(t *testing.T) {
	ctx := context.Background()
	searcher := &countingSearcher{}
	registry := tools.NewRegistry()
	require.NoError(t, RegisterWeb(registry, WebOptions{
		Searcher: searcher,
		Cache:    kvcacheinmem.New(),
	}))

	_, handler, ok := registry.Lookup("web_search")
	require.True(t, ok)

	args := map[string]any{"query": "golang streams"}
	first, err := handler(ctx, testCall("web_search", args))
	require.NoError(t, err)
	second, err := handler(ctx, testCall("web_search", args))
	require.NoError(t, err)

	require.Equal(t, first.Content, second.Content)
	require.Equal(t, 1, searcher.calls)

	// A different query misses the cache.
	_, err = handler(ctx, testCall("web_search", map[string]any{"query": "rust streams"}))
	require.NoError(t, err)
	require.Equal(t, 2, searcher.calls)
}

type fakeSandboxExecutor struct {
	lastTool string
	lastArgs map[string]any
	result   sandbox.ToolResult
	err      error
}

func (f *fakeSandboxExecutor) ExecuteTool(_ context.Context, _ string, tool string, args map[string]any, _ time.Duration) (sandbox.ToolResult, error) {
	f.lastTool = tool
	f.lastArgs = args
	return f.result, f.err
}

func TestSandboxToolsForwardToService(t *testing.T) {
	exec := &fakeSandboxExecutor{result: sandbox.ToolResult{Content: "total 4\ndrwxr-xr-x"}}
	registry := tools.NewRegistry()
	require.NoError(t, RegisterSandbox(registry, SandboxOptions{Sandboxes: exec}))

	spec, handler, ok := registry.Lookup("bash")
	require.True(t, ok)
	require.Equal(t, tools.PermissionCommandExecution, spec.Permission)

	res, err := handler(context.Background(), testCall("bash", map[string]any{"command": "ls -la"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Equal(t, "bash", exec.lastTool)
	require.Equal(t, "ls -la", exec.lastArgs["command"])
	require.Contains(t, res.Content, "total 4")

	// File tools are not permission gated.
	spec, _, ok = registry.Lookup("file_grep")
	require.True(t, ok)
	require.Equal(t, tools.PermissionNone, spec.Permission)
}

func TestSandboxToolReportsFailureAsResult(t *testing.T) {
	exec := &fakeSandboxExecutor{result: sandbox.ToolResult{Content: "no such file", IsError: true}}
	registry := tools.NewRegistry()
	require.NoError(t, RegisterSandbox(registry, SandboxOptions{Sandboxes: exec}))

	_, handler, _ := registry.Lookup("read")
	res, err := handler(context.Background(), testCall("read", map[string]any{"path": "/missing"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Equal(t, "no such file", res.Content)
}
