package chat_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	brokerinmem "goa.design/orbit/broker/inmem"
	"goa.design/orbit/chat"
	chatinmem "goa.design/orbit/chat/inmem"
	"goa.design/orbit/checkpoint"
	checkpointinmem "goa.design/orbit/checkpoint/inmem"
	engineinmem "goa.design/orbit/engine/inmem"
	"goa.design/orbit/eventlog"
	eventloginmem "goa.design/orbit/eventlog/inmem"
	"goa.design/orbit/model"
	"goa.design/orbit/session"
	"goa.design/orbit/tools"
	"goa.design/orbit/workflow"
)

// scriptedModel answers each completion with the next scripted response.
type scriptedModel struct {
	mu     sync.Mutex
	script []model.Response
	calls  int
}

func (m *scriptedModel) Complete(_ context.Context, _ model.Request) (model.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls >= len(m.script) {
		panic("scripted model exhausted")
	}
	resp := m.script[m.calls]
	m.calls++
	return resp, nil
}

func (m *scriptedModel) Stream(_ context.Context, _ model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

type fixture struct {
	orchestrator  *chat.Orchestrator
	conversations *chatinmem.Store
	log           *eventloginmem.Log
	broker        *brokerinmem.Broker
	checkpoints   *checkpointinmem.Store
	modelClient   *scriptedModel
}

func newFixture(t *testing.T, script []model.Response) *fixture {
	t.Helper()
	ctx := context.Background()

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.Spec{
		Name:        "echo",
		Description: "echoes its input",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}, func(_ context.Context, call tools.Call) (tools.Result, error) {
		text, _ := call.Args["text"].(string)
		return tools.Result{Content: "echo: " + text}, nil
	}))

	f := &fixture{
		conversations: chatinmem.New(),
		log:           eventloginmem.New(),
		checkpoints:   checkpointinmem.New(),
		modelClient:   &scriptedModel{script: script},
	}
	b := brokerinmem.New()
	f.broker = b

	processor, err := session.NewProcessor(session.Options{
		Model:       f.modelClient,
		Executor:    tools.NewExecutor(registry),
		Log:         f.log,
		Broker:      b,
		Checkpoints: f.checkpoints,
		ModelName:   "gpt-4o",
	})
	require.NoError(t, err)

	acts, err := workflow.NewActivities(workflow.ActivitiesOptions{
		Processor: processor,
		Registry:  registry,
		Broker:    b,
	})
	require.NoError(t, err)

	eng := engineinmem.New()
	require.NoError(t, workflow.Register(ctx, eng, "sessions", acts))
	t.Cleanup(func() { eng.Close() })

	orch, err := chat.NewOrchestrator(chat.OrchestratorOptions{
		Conversations: f.conversations,
		Log:           f.log,
		Broker:        b,
		Engine:        eng,
		Checkpoints:   f.checkpoints,
		TaskQueue:     "sessions",
		TailBlock:     50 * time.Millisecond,
	})
	require.NoError(t, err)
	f.orchestrator = orch
	return f
}

func createConversation(t *testing.T, f *fixture) *chat.Conversation {
	t.Helper()
	conv := &chat.Conversation{
		TenantID:  "tenant-1",
		ProjectID: "proj-1",
		UserID:    "user-1",
		Title:     "test chat",
	}
	require.NoError(t, f.conversations.Create(context.Background(), conv))
	return conv
}

func drain(t *testing.T, stream <-chan session.Envelope) []session.Envelope {
	t.Helper()
	var envs []session.Envelope
	timeout := time.After(5 * time.Second)
	for {
		select {
		case env, ok := <-stream:
			if !ok {
				return envs
			}
			envs = append(envs, env)
		case <-timeout:
			t.Fatalf("stream did not terminate, got %d events", len(envs))
		}
	}
}

func streamRequest(conv *chat.Conversation, message string) chat.StreamRequest {
	return chat.StreamRequest{
		ConversationID: conv.ID,
		ProjectID:      conv.ProjectID,
		UserID:         conv.UserID,
		Message:        message,
	}
}

func TestStreamChatDeliversFullTurn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []model.Response{
		{Content: "the answer is 4", Usage: model.Usage{InputTokens: 12, OutputTokens: 6}},
	})
	conv := createConversation(t, f)

	stream, err := f.orchestrator.StreamChat(ctx, streamRequest(conv, "what is 2+2?"))
	require.NoError(t, err)
	envs := drain(t, stream)

	require.NotEmpty(t, envs)
	require.Equal(t, eventlog.TypeUserMessage, envs[0].Type)
	require.Equal(t, eventlog.TypeComplete, envs[len(envs)-1].Type)

	seen := map[eventlog.Type]bool{}
	for _, env := range envs {
		seen[env.Type] = true
	}
	require.True(t, seen[eventlog.TypeAssistantMessage])
	require.True(t, seen[eventlog.TypeCostUpdate])

	var complete struct {
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(envs[len(envs)-1].Data, &complete))
	require.Equal(t, "the answer is 4", complete.Content)

	// The turn bumped the conversation.
	got, err := f.conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.MessageCount)
}

func TestStreamChatCarriesHistoryAcrossTurns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []model.Response{
		{Content: "first answer"},
		{Content: "second answer"},
	})
	conv := createConversation(t, f)

	drain(t, mustStream(t, f, ctx, streamRequest(conv, "first question")))
	drain(t, mustStream(t, f, ctx, streamRequest(conv, "second question")))

	// Two turns append two user and two assistant messages.
	events, err := f.log.ListByConversation(ctx, conv.ID, 0)
	require.NoError(t, err)
	var users, assistants int
	for _, ev := range events {
		switch ev.Type {
		case eventlog.TypeUserMessage:
			users++
		case eventlog.TypeAssistantMessage:
			assistants++
		}
	}
	require.Equal(t, 2, users)
	require.Equal(t, 2, assistants)
}

func TestStreamChatUnauthorizedHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	conv := createConversation(t, f)

	req := streamRequest(conv, "hi")
	req.UserID = "someone-else"
	_, err := f.orchestrator.StreamChat(ctx, req)
	require.ErrorIs(t, err, chat.ErrUnauthorized)

	events, err := f.log.ListByConversation(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Empty(t, events)

	got, err := f.conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Zero(t, got.MessageCount)
}

func TestStreamChatRejectsArchivedConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	conv := createConversation(t, f)
	require.NoError(t, f.conversations.SetStatus(ctx, conv.ID, chat.StatusArchived))

	_, err := f.orchestrator.StreamChat(ctx, streamRequest(conv, "hi"))
	require.ErrorIs(t, err, chat.ErrArchived)
}

func TestConnectChatStreamReplaysFinishedTurn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []model.Response{{Content: "replayed answer"}})
	conv := createConversation(t, f)

	first := drain(t, mustStream(t, f, ctx, streamRequest(conv, "hi")))
	messageID := first[0].MessageID()
	require.NotEmpty(t, messageID)

	stream, err := f.orchestrator.ConnectChatStream(ctx, conv.ID, messageID)
	require.NoError(t, err)
	replay := drain(t, stream)

	require.Equal(t, eventlog.TypeUserMessage, replay[0].Type)
	require.Equal(t, eventlog.TypeComplete, replay[len(replay)-1].Type)

	// The retained delta is folded back in between the durable events.
	var sawDelta bool
	for _, env := range replay {
		if env.Type == eventlog.TypeTextDelta {
			sawDelta = true
		}
	}
	require.True(t, sawDelta)

	// Replay is idempotent.
	stream, err = f.orchestrator.ConnectChatStream(ctx, conv.ID, messageID)
	require.NoError(t, err)
	require.Len(t, drain(t, stream), len(replay))
}

func TestConnectChatStreamResumesRunningTurn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	conv := createConversation(t, f)

	// Half a turn is already on the log and the stream: the user message, a
	// streamed delta and the first assistant message.
	emitter, err := session.NewEmitter(ctx, conv.ID, session.EmitterOptions{Log: f.log, Broker: f.broker})
	require.NoError(t, err)
	messageID := "msg-resume"
	_, err = emitter.Emit(ctx, messageID, eventlog.TypeUserMessage, map[string]any{"role": "user", "content": "hi"})
	require.NoError(t, err)
	_, err = emitter.Emit(ctx, messageID, eventlog.TypeTextDelta, map[string]any{"delta": "par"})
	require.NoError(t, err)
	_, err = emitter.Emit(ctx, messageID, eventlog.TypeAssistantMessage, map[string]any{"role": "assistant", "content": "partial"})
	require.NoError(t, err)

	stream, err := f.orchestrator.ConnectChatStream(ctx, conv.ID, messageID)
	require.NoError(t, err)

	// The turn keeps going after the client reconnected.
	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = emitter.Emit(ctx, messageID, eventlog.TypeTextDelta, map[string]any{"delta": "done"})
		_, _ = emitter.Emit(ctx, messageID, eventlog.TypeComplete, map[string]any{"content": "partial done"})
	}()

	envs := drain(t, stream)
	types := make([]eventlog.Type, len(envs))
	for i, env := range envs {
		types[i] = env.Type
	}
	// The replayed events come back without the already-subsumed delta, the
	// live delta emitted after the reconnect is not dropped, and the terminal
	// event closes the stream.
	require.Equal(t, []eventlog.Type{
		eventlog.TypeUserMessage,
		eventlog.TypeAssistantMessage,
		eventlog.TypeTextDelta,
		eventlog.TypeComplete,
	}, types)
}

func TestDeleteConversationCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []model.Response{{Content: "soon gone"}})
	conv := createConversation(t, f)
	drain(t, mustStream(t, f, ctx, streamRequest(conv, "hi")))

	require.NoError(t, f.orchestrator.DeleteConversation(ctx, conv.ID))

	events, err := f.log.ListByConversation(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Empty(t, events)

	_, err = f.checkpoints.Latest(ctx, conv.ID)
	require.ErrorIs(t, err, checkpoint.ErrNotFound)

	_, err = f.conversations.Get(ctx, conv.ID)
	require.ErrorIs(t, err, chat.ErrNotFound)
}

func mustStream(t *testing.T, f *fixture, ctx context.Context, req chat.StreamRequest) <-chan session.Envelope {
	t.Helper()
	stream, err := f.orchestrator.StreamChat(ctx, req)
	require.NoError(t, err)
	return stream
}
