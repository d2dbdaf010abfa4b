package agent_test

import (
	"context"
	"sync"
	"testing"

	"github.com/MrWong99/glyphoxa/internal/agent"
	"github.com/MrWong99/glyphoxa/internal/domain"
	"github.com/MrWong99/glyphoxa/internal/mcp"
	mcpmock "github.com/MrWong99/glyphoxa/internal/mcp/mock"
	"github.com/MrWong99/glyphoxa/internal/tools"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
	llmmock "github.com/MrWong99/glyphoxa/pkg/provider/llm/mock"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

// fakeConversations is an in-memory ConversationStore test double.
type fakeConversations struct {
	mu       sync.Mutex
	history  []domain.Message
	appended []domain.Message
	streamed []domain.Message
	metaSet  []string // thinking values passed to SetMessageMeta, in order
	nextID   int
}

func (f *fakeConversations) GetAgentHistory(ctx context.Context, frameID string) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Message, len(f.history))
	copy(out, f.history)
	return out, nil
}

func (f *fakeConversations) AppendMessage(ctx context.Context, m *domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	m.ID = "msg-" + string(rune('0'+f.nextID))
	f.appended = append(f.appended, *m)
	return nil
}

func (f *fakeConversations) UpsertStreamingMessage(ctx context.Context, frameID string, role domain.MessageRole, agentID, speakerName, contentDelta string) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	msg := domain.Message{ID: "stream-" + string(rune('0'+f.nextID)), FrameID: frameID, Role: role, AgentID: agentID, SpeakerName: speakerName, Content: contentDelta}
	f.streamed = append(f.streamed, msg)
	return &msg, nil
}

func (f *fakeConversations) SetMessageMeta(ctx context.Context, messageID, thinking, rawInput, rawOutput string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metaSet = append(f.metaSet, thinking)
	return nil
}

func testAgent() *domain.Agent {
	return &domain.Agent{ID: "agent-1", UserID: "user-1", Name: "Helper", SystemPrompt: "You are helpful."}
}

func testTurnContext() agent.TurnContext {
	return agent.TurnContext{
		Agent:          testAgent(),
		ConversationID: "conv-1",
		FrameID:        "frame-1",
		UserID:         "user-1",
	}
}

// TestHandleTurn_NoToolCalls verifies a single-round completion flushes
// content and emits exactly one done event.
func TestHandleTurn_NoToolCalls(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Hello there."},
			{FinishReason: "stop"},
		},
	}
	convs := &fakeConversations{}
	host := &mcpmock.Host{}
	registry := tools.NewRegistry(host, func(tools.ApprovalRequest) {}, nil)
	rt := agent.NewRuntime(provider, convs, registry, nil)

	var events []agent.Event
	err := rt.HandleTurn(context.Background(), testTurnContext(), func(e agent.Event) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("HandleTurn returned error: %v", err)
	}

	if len(convs.streamed) != 1 || convs.streamed[0].Content != "Hello there." {
		t.Fatalf("expected one streamed sentence, got %+v", convs.streamed)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events (chunk, done), got %d", len(events))
	}
	if events[0].Kind != agent.EventStreamChunk || events[0].Content != "Hello there." {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].Kind != agent.EventDone {
		t.Errorf("expected final event to be done, got %+v", events[1])
	}
}

// TestHandleTurn_ThinkingIsPersisted verifies thinking deltas are
// accumulated, streamed as their own chunk events, and attached to the
// assistant message via SetMessageMeta.
func TestHandleTurn_ThinkingIsPersisted(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Thinking: "considering the question... "},
			{Thinking: "decided."},
			{Text: "Here is my answer."},
			{FinishReason: "stop"},
		},
	}
	convs := &fakeConversations{}
	host := &mcpmock.Host{}
	registry := tools.NewRegistry(host, func(tools.ApprovalRequest) {}, nil)
	rt := agent.NewRuntime(provider, convs, registry, nil)

	var thinkingEvents []string
	err := rt.HandleTurn(context.Background(), testTurnContext(), func(e agent.Event) {
		if e.Thinking != "" {
			thinkingEvents = append(thinkingEvents, e.Thinking)
		}
	})
	if err != nil {
		t.Fatalf("HandleTurn returned error: %v", err)
	}

	if len(thinkingEvents) != 2 {
		t.Fatalf("expected 2 thinking chunk events, got %d: %v", len(thinkingEvents), thinkingEvents)
	}

	if len(convs.metaSet) != 1 {
		t.Fatalf("expected one SetMessageMeta call, got %d", len(convs.metaSet))
	}
	want := "considering the question... decided."
	if convs.metaSet[0] != want {
		t.Errorf("SetMessageMeta thinking = %q, want %q", convs.metaSet[0], want)
	}
}

// TestHandleTurn_ExecutesToolCallAndLoopsAgain verifies a tool call in round
// one is executed, its result persisted as a tool message, and the loop
// goes on to further rounds until the MaxToolRounds cap stops it.
func TestHandleTurn_ExecutesToolCallAndLoopsAgain(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{ToolCalls: []types.ToolCall{{ID: "call-1", Name: "search_messages", Arguments: `{"pattern":"hi"}`}}},
			{FinishReason: "tool_calls"},
		},
	}
	convs := &fakeConversations{}
	host := &mcpmock.Host{
		RiskOfResult:      mcp.RiskLow,
		ExecuteToolResult: &mcp.ToolResult{Content: `{"results":[]}`},
	}
	registry := tools.NewRegistry(host, func(tools.ApprovalRequest) {}, nil)
	rt := agent.NewRuntime(provider, convs, registry, nil)

	// Swap the provider's chunks to a no-tool-call completion for round two
	// by wrapping it is not directly supported by the mock, so instead
	// the mock replays the same StreamChunks. With a single tool call the
	// mock will again report a tool call, hitting MaxToolRounds — this
	// verifies the cap is honored without infinite looping.
	err := rt.HandleTurn(context.Background(), testTurnContext(), func(agent.Event) {})
	if err != nil {
		t.Fatalf("HandleTurn returned error: %v", err)
	}

	if host.CallCount("ExecuteTool") != agent.MaxToolRounds {
		t.Errorf("expected %d ExecuteTool calls (one per round until cap), got %d", agent.MaxToolRounds, host.CallCount("ExecuteTool"))
	}

	foundToolMessage := false
	for _, m := range convs.appended {
		if m.Role == domain.RoleTool && m.Content == `{"results":[]}` {
			foundToolMessage = true
		}
	}
	if !foundToolMessage {
		t.Error("expected a persisted tool-role message with the tool result")
	}

	// The final streamed message should be the max-rounds notice.
	if len(convs.streamed) == 0 {
		t.Fatal("expected a max-rounds notice to be streamed")
	}
	last := convs.streamed[len(convs.streamed)-1]
	if last.Content == "" {
		t.Error("expected non-empty max-rounds notice content")
	}
}

// TestHandleTurn_HighRiskToolDenied verifies a denied high-risk tool call is
// recorded as a tool-role error message rather than aborting the turn.
func TestHandleTurn_HighRiskToolDenied(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{ToolCalls: []types.ToolCall{{ID: "call-1", Name: "dangerous_tool", Arguments: `{}`}}},
			{FinishReason: "tool_calls"},
		},
	}
	convs := &fakeConversations{}
	host := &mcpmock.Host{RiskOfResult: mcp.RiskHigh}
	var registry *tools.Registry
	registry = tools.NewRegistry(host, func(req tools.ApprovalRequest) {
		go registry.Resolve(req.ApprovalID, tools.ApprovalResult{Approved: false})
	}, nil)
	rt := agent.NewRuntime(provider, convs, registry, nil)

	err := rt.HandleTurn(context.Background(), testTurnContext(), func(agent.Event) {})
	if err != nil {
		t.Fatalf("HandleTurn returned error: %v", err)
	}

	if host.CallCount("ExecuteTool") != 0 {
		t.Errorf("expected ExecuteTool never called for a denied high-risk tool, got %d calls", host.CallCount("ExecuteTool"))
	}

	foundDenied := false
	for _, m := range convs.appended {
		if m.Role == domain.RoleTool && m.Content == `{"error":"denied"}` {
			foundDenied = true
		}
	}
	if !foundDenied {
		t.Error("expected a persisted tool-role denial message")
	}
}

// TestHandleTurn_ContextCancelled verifies HandleTurn surfaces context
// cancellation before doing any work.
func TestHandleTurn_ContextCancelled(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{}
	convs := &fakeConversations{}
	host := &mcpmock.Host{}
	registry := tools.NewRegistry(host, func(tools.ApprovalRequest) {}, nil)
	rt := agent.NewRuntime(provider, convs, registry, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := rt.HandleTurn(ctx, testTurnContext(), func(agent.Event) {})
	if err == nil {
		t.Fatal("expected error from cancelled context, got nil")
	}
}

// TestHandleTurn_SerialisesConcurrentCalls verifies the internal mutex
// prevents interleaved turns.
func TestHandleTurn_SerialisesConcurrentCalls(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "ok."},
			{FinishReason: "stop"},
		},
	}
	convs := &fakeConversations{}
	host := &mcpmock.Host{}
	registry := tools.NewRegistry(host, func(tools.ApprovalRequest) {}, nil)
	rt := agent.NewRuntime(provider, convs, registry, nil)

	const numCalls = 5
	var wg sync.WaitGroup
	errs := make([]error, numCalls)
	for i := range numCalls {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = rt.HandleTurn(context.Background(), testTurnContext(), func(agent.Event) {})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("call %d returned error: %v", i, err)
		}
	}
	if len(provider.StreamCalls) != numCalls {
		t.Errorf("expected %d StreamCompletion calls, got %d", numCalls, len(provider.StreamCalls))
	}
}
