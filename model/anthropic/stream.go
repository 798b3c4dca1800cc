package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/orbit/model"
)

type (
	// streamer adapts the SDK SSE stream to model.Streamer. A background
	// goroutine drains the SDK stream and translates events into chunks so
	// Recv never blocks on SDK internals.
	streamer struct {
		stream *ssestream.Stream[sdk.MessageStreamEventUnion]
		chunks chan model.Chunk
		errCh  chan error
		ctx    context.Context
		cancel context.CancelFunc
		once   sync.Once
	}

	// toolBuffer accumulates the JSON argument fragments of an in-flight
	// tool_use content block until the block stops.
	toolBuffer struct {
		id        string
		name      string
		fragments []string
	}
)

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) *streamer {
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

// Recv implements model.Streamer. It returns io.EOF once the provider closes
// the stream cleanly.
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

	var tool *toolBuffer
	for s.stream.Next() {
		event := s.stream.Current()
		for _, chunk := range translateEvent(event, &tool) {
			select {
			case s.chunks <- chunk:
			case <-s.ctx.Done():
				return
			}
		}
	}
	if err := s.stream.Err(); err != nil {
		s.errCh <- classifyError(err)
	}
}

// translateEvent maps one SSE event onto zero or more chunks. The tool buffer
// pointer tracks the current tool_use block across events.
func translateEvent(event sdk.MessageStreamEventUnion, tool **toolBuffer) []model.Chunk {
	switch ev := event.AsAny().(type) {
	case sdk.ContentBlockStartEvent:
		if block, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			*tool = &toolBuffer{id: block.ID, name: block.Name}
		}
	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			return []model.Chunk{{Type: model.ChunkTypeText, Text: delta.Text}}
		case sdk.ThinkingDelta:
			return []model.Chunk{{Type: model.ChunkTypeThinking, Thinking: delta.Thinking}}
		case sdk.InputJSONDelta:
			if *tool != nil {
				(*tool).fragments = append((*tool).fragments, delta.PartialJSON)
			}
		}
	case sdk.ContentBlockStopEvent:
		if *tool != nil {
			call := (*tool).finalize()
			*tool = nil
			return []model.Chunk{{Type: model.ChunkTypeToolCall, ToolCall: &call}}
		}
	case sdk.MessageDeltaEvent:
		chunks := []model.Chunk{{
			Type:  model.ChunkTypeUsage,
			Usage: &model.Usage{OutputTokens: int(ev.Usage.OutputTokens)},
		}}
		if ev.Delta.StopReason != "" {
			chunks = append(chunks, model.Chunk{Type: model.ChunkTypeStop, StopReason: string(ev.Delta.StopReason)})
		}
		return chunks
	case sdk.MessageStartEvent:
		if ev.Message.Usage.InputTokens > 0 {
			return []model.Chunk{{
				Type:  model.ChunkTypeUsage,
				Usage: &model.Usage{InputTokens: int(ev.Message.Usage.InputTokens)},
			}}
		}
	}
	return nil
}

// finalize joins the accumulated fragments into the tool arguments. Providers
// send an empty fragment list for tools without arguments.
func (b *toolBuffer) finalize() model.ToolCall {
	raw := strings.Join(b.fragments, "")
	if raw == "" {
		raw = "{}"
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		args = map[string]any{}
	}
	return model.ToolCall{ID: b.id, Name: b.name, Args: args}
}
