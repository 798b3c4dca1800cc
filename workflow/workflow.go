// Package workflow hosts the durable agent session: a long-lived workflow per
// conversation that receives chat updates, drives the turn processor through
// activities, and terminates itself after an idle period. The workflow body
// only orchestrates; all I/O lives in the activities.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"goa.design/orbit/engine"
	"goa.design/orbit/model"
	"goa.design/orbit/session"
)

const (
	// Name is the registered workflow type.
	Name = "agent-session"
	// ChatUpdateName is the update that delivers one user turn and returns
	// the turn outcome.
	ChatUpdateName = "chat"

	// ActivityRunTurn executes one processor turn.
	ActivityRunTurn = "session.run_turn"
	// ActivityListTools resolves the tool definitions exposed to the model.
	ActivityListTools = "session.list_tools"
	// ActivityCleanup releases session resources on idle expiry.
	ActivityCleanup = "session.cleanup"

	// DefaultIdleTimeout terminates a session that received no update.
	DefaultIdleTimeout = 30 * time.Minute
	// DefaultTurnTimeout bounds one turn activity.
	DefaultTurnTimeout = 30 * time.Minute
	// ToolCacheTTL bounds how long cached tool definitions are reused. The
	// cache is keyed by sandbox ID, so a restarted sandbox is re-listed
	// immediately.
	ToolCacheTTL = 5 * time.Minute
)

type (
	// Input starts a session workflow.
	Input struct {
		ConversationID string        `json:"conversation_id"`
		TenantID       string        `json:"tenant_id"`
		ProjectID      string        `json:"project_id"`
		Mode           string        `json:"mode"`
		IdleTimeout    time.Duration `json:"idle_timeout,omitempty"`
	}

	// ChatRequest is the chat update payload.
	ChatRequest struct {
		MessageID   string          `json:"message_id"`
		UserMessage string          `json:"user_message"`
		History     []model.Message `json:"history,omitempty"`
		MaxSteps    int             `json:"max_steps,omitempty"`
	}

	listToolsRequest struct {
		ProjectID string `json:"project_id"`
		TenantID  string `json:"tenant_id"`
	}

	listToolsResult struct {
		SandboxID string                 `json:"sandbox_id"`
		Tools     []model.ToolDefinition `json:"tools"`
	}

	cleanupRequest struct {
		ConversationID string `json:"conversation_id"`
		ProjectID      string `json:"project_id"`
	}

	toolCacheEntry struct {
		defs      []model.ToolDefinition
		fetchedAt time.Time
	}
)

// ID derives the deterministic workflow identifier for a session.
func ID(tenantID, projectID, mode string) string {
	return fmt.Sprintf("agent_%s_%s_%s", tenantID, projectID, mode)
}

// Definition returns the workflow registration for the given task queue.
func Definition(taskQueue string) engine.WorkflowDefinition {
	return engine.WorkflowDefinition{Name: Name, TaskQueue: taskQueue, Handler: Run}
}

// Run is the session workflow body. It loops on chat updates, refreshing the
// idle timer per iteration, and exits after cleaning up when the timer fires
// with no update pending.
func Run(wc engine.WorkflowContext, raw []byte) error {
	var in Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return fmt.Errorf("decode workflow input: %w", err)
	}
	idle := in.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}

	updates := wc.Updates(ChatUpdateName)
	toolCache := make(map[string]toolCacheEntry)
	currentSandbox := ""

	for {
		timer := wc.NewTimer(idle)
		var pending *engine.Update
		err := wc.Await(func() bool {
			if pending != nil {
				return true
			}
			if upd, ok := updates.ReceiveAsync(); ok {
				pending = upd
				return true
			}
			return timer.IsReady()
		})
		if err != nil {
			// Cancelled. The in-flight turn, if any, already recorded its
			// error event through the activity.
			return err
		}
		if pending == nil {
			runCleanup(wc, in)
			return nil
		}

		upd := pending
		var req ChatRequest
		if err := json.Unmarshal(upd.Payload, &req); err != nil {
			upd.Respond(errorOutput(fmt.Sprintf("invalid chat payload: %s", err)), nil)
			continue
		}

		defs, sandboxID := resolveTools(wc, in, toolCache, currentSandbox)
		if sandboxID != "" {
			currentSandbox = sandboxID
		}

		payload, err := json.Marshal(session.TurnInput{
			ConversationID: in.ConversationID,
			MessageID:      req.MessageID,
			ProjectID:      in.ProjectID,
			TenantID:       in.TenantID,
			UserMessage:    req.UserMessage,
			History:        req.History,
			Tools:          defs,
			MaxSteps:       req.MaxSteps,
		})
		if err != nil {
			upd.Respond(errorOutput(fmt.Sprintf("encode turn input: %s", err)), nil)
			continue
		}

		out, err := wc.ExecuteActivity(ActivityRunTurn, payload, engine.ActivityOptions{
			Timeout: DefaultTurnTimeout,
			// The processor retries transient model failures itself.
			RetryPolicy: engine.RetryPolicy{MaxAttempts: 1},
		})
		if err != nil {
			upd.Respond(errorOutput(err.Error()), nil)
			continue
		}
		upd.Respond(out, nil)
	}
}

// resolveTools returns the tool definitions for the next turn, reusing the
// cached listing while it is fresh and belongs to the current sandbox.
func resolveTools(wc engine.WorkflowContext, in Input, cache map[string]toolCacheEntry, currentSandbox string) ([]model.ToolDefinition, string) {
	if currentSandbox != "" {
		if entry, ok := cache[currentSandbox]; ok && wc.Now().Sub(entry.fetchedAt) < ToolCacheTTL {
			return entry.defs, currentSandbox
		}
	}
	payload, err := json.Marshal(listToolsRequest{ProjectID: in.ProjectID, TenantID: in.TenantID})
	if err != nil {
		return nil, ""
	}
	out, err := wc.ExecuteActivity(ActivityListTools, payload, engine.ActivityOptions{
		Timeout:     30 * time.Second,
		RetryPolicy: engine.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Second, BackoffCoefficient: 2},
	})
	if err != nil {
		// The turn proceeds without tools rather than failing outright.
		return nil, ""
	}
	var res listToolsResult
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, ""
	}
	if res.SandboxID != "" {
		cache[res.SandboxID] = toolCacheEntry{defs: res.Tools, fetchedAt: wc.Now()}
	}
	return res.Tools, res.SandboxID
}

func runCleanup(wc engine.WorkflowContext, in Input) {
	payload, err := json.Marshal(cleanupRequest{ConversationID: in.ConversationID, ProjectID: in.ProjectID})
	if err != nil {
		return
	}
	_, _ = wc.ExecuteActivity(ActivityCleanup, payload, engine.ActivityOptions{
		Timeout: time.Minute,
	})
}

func errorOutput(message string) []byte {
	out, _ := json.Marshal(session.TurnOutput{Content: message, IsError: true})
	return out
}
