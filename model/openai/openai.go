// Package openai implements model.Client on the OpenAI Chat Completions API
// using github.com/sashabaranov/go-openai. Tool calls stream as incremental
// JSON fragments indexed by position; the streamer accumulates them and emits
// one tool_call chunk per completed call.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/orbit/model"
)

type (
	// ChatClient is the subset of the go-openai client the adapter uses.
	ChatClient interface {
		CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
		CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// Client is the chat completions client. Required.
		Client ChatClient
		// DefaultModel is used when a request does not name a model.
		// Required.
		DefaultModel string
	}

	// Client is an OpenAI-backed model.Client.
	Client struct {
		chat         ChatClient
		defaultModel string
	}
)

// New builds the adapter from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{chat: opts.Client, defaultModel: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs the adapter with the default go-openai HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), DefaultModel: defaultModel})
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	request, err := c.encodeRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return model.Response{}, classifyError(err)
	}
	return decodeResponse(response), nil
}

// Stream implements model.Client.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	request, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	request.Stream = true
	request.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	stream, err := c.chat.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, classifyError(err)
	}
	return newStreamer(ctx, stream), nil
}

func (c *Client) encodeRequest(req model.Request) (openai.ChatCompletionRequest, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionRequest{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		msg, err := encodeMessage(m)
		if err != nil {
			return openai.ChatCompletionRequest{}, err
		}
		messages = append(messages, msg)
	}

	tools, err := encodeTools(req.Tools)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	return openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
		Tools:       tools,
	}, nil
}

func encodeMessage(m model.Message) (openai.ChatCompletionMessage, error) {
	switch m.Role {
	case model.RoleUser:
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content}, nil
	case model.RoleAssistant:
		msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Args)
			if err != nil {
				return openai.ChatCompletionMessage{}, fmt.Errorf("openai: marshal tool call %s arguments: %w", tc.Name, err)
			}
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		return msg, nil
	case model.RoleTool:
		if m.ToolCallID == "" {
			return openai.ChatCompletionMessage{}, errors.New("openai: tool message missing tool call id")
		}
		return openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}, nil
	default:
		return openai.ChatCompletionMessage{}, fmt.Errorf("openai: unsupported message role %q", m.Role)
	}
}

func encodeTools(defs []model.ToolDefinition) ([]openai.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		params, err := json.Marshal(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("openai: marshal tool %s schema: %w", def.Name, err)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return tools, nil
}

func decodeResponse(resp openai.ChatCompletionResponse) model.Response {
	var out model.Response
	for _, choice := range resp.Choices {
		out.Content += choice.Message.Content
		for _, call := range choice.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:   call.ID,
				Name: call.Function.Name,
				Args: decodeArgs(call.Function.Arguments),
			})
		}
	}
	out.Usage = model.Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if len(resp.Choices) > 0 {
		out.StopReason = string(resp.Choices[0].FinishReason)
	}
	return out
}

func decodeArgs(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && (apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500) {
		return fmt.Errorf("%w: %w", model.ErrRateLimited, err)
	}
	return fmt.Errorf("openai: %w", err)
}

type (
	// streamer adapts the go-openai SSE stream to model.Streamer.
	streamer struct {
		stream *openai.ChatCompletionStream
		chunks chan model.Chunk
		errCh  chan error
		ctx    context.Context
		cancel context.CancelFunc
		once   sync.Once
	}

	// pendingCall accumulates one streamed tool call by choice index.
	pendingCall struct {
		id   string
		name string
		args strings.Builder
	}
)

func newStreamer(ctx context.Context, stream *openai.ChatCompletionStream) *streamer {
	ctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		stream: stream,
		chunks: make(chan model.Chunk, 32),
		errCh:  make(chan error, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	go s.run()
	return s
}

// Recv implements model.Streamer.
func (s *streamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if !ok {
			select {
			case err := <-s.errCh:
				return model.Chunk{}, err
			default:
				return model.Chunk{}, io.EOF
			}
		}
		return chunk, nil
	case <-s.ctx.Done():
		return model.Chunk{}, s.ctx.Err()
	}
}

// Close implements model.Streamer.
func (s *streamer) Close() error {
	s.once.Do(s.cancel)
	return s.stream.Close()
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer s.stream.Close()

	calls := make(map[int]*pendingCall)
	for {
		response, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.flushCalls(calls)
				return
			}
			s.errCh <- classifyError(err)
			return
		}

		if response.Usage != nil {
			s.send(model.Chunk{Type: model.ChunkTypeUsage, Usage: &model.Usage{
				InputTokens:  response.Usage.PromptTokens,
				OutputTokens: response.Usage.CompletionTokens,
			}})
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			s.send(model.Chunk{Type: model.ChunkTypeText, Text: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := calls[index]
			if call == nil {
				call = &pendingCall{}
				calls[index] = call
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			call.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			s.flushCalls(calls)
			calls = make(map[int]*pendingCall)
			s.send(model.Chunk{Type: model.ChunkTypeStop, StopReason: string(choice.FinishReason)})
		}
	}
}

// flushCalls emits the accumulated tool calls in index order.
func (s *streamer) flushCalls(calls map[int]*pendingCall) {
	for i := 0; i < len(calls); i++ {
		call, ok := calls[i]
		if !ok || call.name == "" {
			continue
		}
		tc := model.ToolCall{ID: call.id, Name: call.name, Args: decodeArgs(call.args.String())}
		s.send(model.Chunk{Type: model.ChunkTypeToolCall, ToolCall: &tc})
	}
}

func (s *streamer) send(chunk model.Chunk) {
	select {
	case s.chunks <- chunk:
	case <-s.ctx.Done():
	}
}
