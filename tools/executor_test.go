package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var echoSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"text": {"type": "string"},
		"count": {"type": "integer", "minimum": 1}
	},
	"required": ["text"],
	"additionalProperties": false
}`)

// mockRecorder captures execution records.
type mockRecorder struct {
	mu   sync.Mutex
	recs []ExecutionRecord
	err  error
}

func (m *mockRecorder) Record(ctx context.Context, rec ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return m.err
}

func echoHandler(ctx context.Context, call Call) (Result, error) {
	text, _ := call.Args["text"].(string)
	return Result{Content: text}, nil
}

func newEchoRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(Spec{Name: "echo", Description: "echoes", InputSchema: echoSchema}, echoHandler))
	return reg
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := newEchoRegistry(t)
	err := reg.Register(Spec{Name: "echo", InputSchema: echoSchema}, echoHandler)
	require.ErrorContains(t, err, "already registered")
}

func TestRegisterRejectsInvalidSchema(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(Spec{Name: "bad", InputSchema: json.RawMessage(`{"type": 42}`)}, echoHandler)
	require.Error(t, err)
}

func TestSpecsSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, reg.Register(Spec{Name: name}, echoHandler))
	}
	specs := reg.Specs()
	require.Len(t, specs, 3)
	require.Equal(t, "alpha", specs[0].Name)
	require.Equal(t, "zeta", specs[2].Name)
}

func TestExecuteSuccess(t *testing.T) {
	rec := &mockRecorder{}
	ex := NewExecutor(newEchoRegistry(t), WithRecorder(rec))

	res := ex.Execute(context.Background(), Call{ID: "c1", Name: "echo", Args: map[string]any{"text": "hi"}})
	require.False(t, res.IsError)
	require.Equal(t, "hi", res.Content)

	require.Len(t, rec.recs, 1)
	require.Equal(t, "c1", rec.recs[0].CallID)
	require.False(t, rec.recs[0].IsError)
}

func TestExecuteUnknownTool(t *testing.T) {
	ex := NewExecutor(newEchoRegistry(t))
	res := ex.Execute(context.Background(), Call{Name: "nope"})
	require.True(t, res.IsError)
	terr, ok := res.Structured.(*ToolError)
	require.True(t, ok)
	require.Equal(t, "unknown_tool", terr.Code)
}

func TestExecuteValidatesArguments(t *testing.T) {
	ex := NewExecutor(newEchoRegistry(t))

	res := ex.Execute(context.Background(), Call{Name: "echo", Args: map[string]any{"count": 1}})
	require.True(t, res.IsError)
	terr := res.Structured.(*ToolError)
	require.Equal(t, "invalid_arguments", terr.Code)

	// Integer arguments are accepted regardless of Go numeric type.
	res = ex.Execute(context.Background(), Call{Name: "echo", Args: map[string]any{"text": "x", "count": 3}})
	require.False(t, res.IsError)
}

func TestExecuteEnforcesPolicy(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Spec{Name: "bash", Permission: PermissionCommandExecution}, echoHandler))
	require.NoError(t, reg.Register(Spec{Name: "banned"}, echoHandler))

	ex := NewExecutor(reg, WithPolicy(Policy{Denied: []string{"banned"}}))

	res := ex.Execute(context.Background(), Call{Name: "bash"})
	require.True(t, res.IsError)
	require.Equal(t, "permission_denied", res.Structured.(*ToolError).Code)

	res = ex.Execute(context.Background(), Call{Name: "banned"})
	require.Equal(t, "permission_denied", res.Structured.(*ToolError).Code)

	allowed := NewExecutor(reg, WithPolicy(Policy{AllowCommandExecution: true}))
	res = allowed.Execute(context.Background(), Call{Name: "bash"})
	require.False(t, res.IsError)
}

func TestExecuteContainsPanic(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Spec{Name: "boom"}, func(ctx context.Context, call Call) (Result, error) {
		panic("kaboom")
	}))
	ex := NewExecutor(reg)

	res := ex.Execute(context.Background(), Call{Name: "boom"})
	require.True(t, res.IsError)
	require.Equal(t, "panic", res.Structured.(*ToolError).Code)
	require.Contains(t, res.Content, "kaboom")
}

func TestExecuteTimesOut(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Spec{Name: "slow"}, func(ctx context.Context, call Call) (Result, error) {
		// Ignores ctx on purpose.
		time.Sleep(5 * time.Second)
		return Result{Content: "late"}, nil
	}))
	ex := NewExecutor(reg, WithCallTimeout(50*time.Millisecond))

	start := time.Now()
	res := ex.Execute(context.Background(), Call{Name: "slow"})
	require.Less(t, time.Since(start), time.Second)
	require.True(t, res.IsError)
	require.Equal(t, "timeout", res.Structured.(*ToolError).Code)
}

func TestExecuteSpecTimeoutOverridesDefault(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Spec{Name: "patient", Timeout: time.Second}, func(ctx context.Context, call Call) (Result, error) {
		select {
		case <-time.After(100 * time.Millisecond):
			return Result{Content: "done waiting"}, nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}))
	ex := NewExecutor(reg, WithCallTimeout(10*time.Millisecond))

	res := ex.Execute(context.Background(), Call{Name: "patient"})
	require.False(t, res.IsError)
	require.Equal(t, "done waiting", res.Content)
}

func TestExecuteWrapsHandlerErrors(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Spec{Name: "fail"}, func(ctx context.Context, call Call) (Result, error) {
		return Result{}, errors.New("disk full")
	}))
	ex := NewExecutor(reg)

	res := ex.Execute(context.Background(), Call{Name: "fail"})
	require.True(t, res.IsError)
	require.Equal(t, "execution_failed", res.Structured.(*ToolError).Code)
	require.Contains(t, res.Content, "disk full")
}

func TestExecuteRecordsFailures(t *testing.T) {
	rec := &mockRecorder{}
	ex := NewExecutor(newEchoRegistry(t), WithRecorder(rec))

	ex.Execute(context.Background(), Call{ID: "c2", Name: "echo", Args: map[string]any{}})
	require.Len(t, rec.recs, 1)
	require.True(t, rec.recs[0].IsError)
}
