package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"goa.design/orbit/graph"
	"goa.design/orbit/model"
	"goa.design/orbit/tools"
)

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 20
)

// KnowledgeOptions configures the knowledge tools.
type KnowledgeOptions struct {
	// Graph serves memory_search. Required.
	Graph graph.Service
	// Model serves summarize. Optional; without it only memory_search is
	// registered.
	Model model.Client
	// ModelName selects the summarization model.
	ModelName string
	// MaxTokens caps summary length.
	MaxTokens int
}

type knowledgeTools struct {
	graph     graph.Service
	model     model.Client
	modelName string
	maxTokens int
}

// RegisterKnowledge registers memory_search and, when a model client is
// configured, summarize.
func RegisterKnowledge(registry *tools.Registry, opts KnowledgeOptions) error {
	if opts.Graph == nil {
		return errors.New("graph service is required")
	}
	k := &knowledgeTools{
		graph:     opts.Graph,
		model:     opts.Model,
		modelName: opts.ModelName,
		maxTokens: opts.MaxTokens,
	}

	if err := registry.Register(tools.Spec{
		Name:        "memory_search",
		Description: "Search the project knowledge graph for relevant prior context: decisions, facts, code references.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "What to look for"},
				"limit": {"type": "integer", "minimum": 1, "maximum": 20}
			},
			"required": ["query"]
		}`),
	}, k.memorySearch); err != nil {
		return err
	}

	if k.model == nil {
		return nil
	}
	return registry.Register(tools.Spec{
		Name:        "summarize",
		Description: "Condense a long text into a short summary that preserves decisions, names and numbers.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"text": {"type": "string", "description": "The text to condense"},
				"focus": {"type": "string", "description": "Optional aspect to emphasise"}
			},
			"required": ["text"]
		}`),
	}, k.summarize)
}

func (k *knowledgeTools) memorySearch(ctx context.Context, call tools.Call) (tools.Result, error) {
	query, err := requireString(call.Args, "query")
	if err != nil {
		return tools.Result{}, &tools.ToolError{Tool: call.Name, Code: "invalid_arguments", Message: err.Error()}
	}
	limit := intArg(call.Args, "limit", defaultSearchLimit)
	if limit <= 0 || limit > maxSearchLimit {
		limit = defaultSearchLimit
	}
	results, err := k.graph.Search(ctx, call.TenantID, call.ProjectID, query, limit)
	if err != nil {
		return tools.Result{Content: fmt.Sprintf("memory search failed: %s", err), IsError: true}, nil
	}
	if len(results) == 0 {
		return tools.Result{Content: "No matching memories found."}, nil
	}
	var b strings.Builder
	for i, res := range results {
		fmt.Fprintf(&b, "%d. [%.2f] %s\n", i+1, res.Score, res.Content)
	}
	return tools.Result{Content: strings.TrimRight(b.String(), "\n"), Structured: results}, nil
}

func (k *knowledgeTools) summarize(ctx context.Context, call tools.Call) (tools.Result, error) {
	text, err := requireString(call.Args, "text")
	if err != nil {
		return tools.Result{}, &tools.ToolError{Tool: call.Name, Code: "invalid_arguments", Message: err.Error()}
	}
	system := "Summarize the given text. Preserve decisions, names, numbers and file paths. Be concise."
	if focus := stringArg(call.Args, "focus"); focus != "" {
		system += " Emphasise: " + focus
	}
	resp, err := k.model.Complete(ctx, model.Request{
		Model:     k.modelName,
		System:    system,
		Messages:  []model.Message{{Role: model.RoleUser, Content: text}},
		MaxTokens: k.maxTokens,
	})
	if err != nil {
		return tools.Result{Content: fmt.Sprintf("summarization failed: %s", err), IsError: true}, nil
	}
	return tools.Result{Content: resp.Content}, nil
}
