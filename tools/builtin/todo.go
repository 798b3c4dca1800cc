package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"goa.design/orbit/tools"
)

type (
	// TodoItem is one entry of a session task list.
	TodoItem struct {
		ID       string `json:"id"`
		Content  string `json:"content"`
		Status   string `json:"status"`
		Priority string `json:"priority,omitempty"`
	}

	// todoStore holds per-conversation task lists. Lists live only as long as
	// the process; they are working memory, not records.
	todoStore struct {
		mu    sync.RWMutex
		lists map[string][]TodoItem
	}
)

var todoStatuses = map[string]bool{
	"pending":     true,
	"in_progress": true,
	"completed":   true,
}

// RegisterTodo registers todo_read and todo_write, a conversation-scoped task
// list the agent uses to track multi-step work.
func RegisterTodo(registry *tools.Registry) error {
	store := &todoStore{lists: make(map[string][]TodoItem)}

	if err := registry.Register(tools.Spec{
		Name:        "todo_read",
		Description: "Read the current task list for this conversation.",
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
	}, store.read); err != nil {
		return err
	}

	return registry.Register(tools.Spec{
		Name:        "todo_write",
		Description: "Replace the task list for this conversation. Send the full list every time.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"todos": {
					"type": "array",
					"items": {
						"type": "object",
						"properties": {
							"id": {"type": "string"},
							"content": {"type": "string"},
							"status": {"type": "string", "enum": ["pending", "in_progress", "completed"]},
							"priority": {"type": "string", "enum": ["low", "medium", "high"]}
						},
						"required": ["id", "content", "status"]
					}
				}
			},
			"required": ["todos"]
		}`),
	}, store.write)
}

func (s *todoStore) read(_ context.Context, call tools.Call) (tools.Result, error) {
	s.mu.RLock()
	items := s.lists[call.ConversationID]
	s.mu.RUnlock()
	if len(items) == 0 {
		return tools.Result{Content: "The task list is empty."}, nil
	}
	return tools.Result{Content: renderTodos(items), Structured: items}, nil
}

func (s *todoStore) write(_ context.Context, call tools.Call) (tools.Result, error) {
	raw := mapSliceArg(call.Args, "todos")
	items := make([]TodoItem, 0, len(raw))
	for _, entry := range raw {
		item := TodoItem{
			ID:       stringArg(entry, "id"),
			Content:  stringArg(entry, "content"),
			Status:   stringArg(entry, "status"),
			Priority: stringArg(entry, "priority"),
		}
		if item.ID == "" || item.Content == "" || !todoStatuses[item.Status] {
			return tools.Result{}, &tools.ToolError{
				Tool:    call.Name,
				Code:    "invalid_arguments",
				Message: "each todo needs an id, content and a valid status",
			}
		}
		items = append(items, item)
	}
	s.mu.Lock()
	s.lists[call.ConversationID] = items
	s.mu.Unlock()
	return tools.Result{
		Content:    fmt.Sprintf("Task list updated, %d items.", len(items)),
		Structured: items,
	}, nil
}

func renderTodos(items []TodoItem) string {
	var b strings.Builder
	for _, item := range items {
		marker := " "
		switch item.Status {
		case "in_progress":
			marker = "~"
		case "completed":
			marker = "x"
		}
		fmt.Fprintf(&b, "[%s] %s: %s", marker, item.ID, item.Content)
		if item.Priority != "" {
			fmt.Fprintf(&b, " (%s)", item.Priority)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
