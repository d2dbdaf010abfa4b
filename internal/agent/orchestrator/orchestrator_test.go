package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/glyphoxa/internal/agent"
	"github.com/MrWong99/glyphoxa/internal/domain"
	mcpmock "github.com/MrWong99/glyphoxa/internal/mcp/mock"
	"github.com/MrWong99/glyphoxa/internal/tools"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
	llmmock "github.com/MrWong99/glyphoxa/pkg/provider/llm/mock"
)

// fakeConversations is a minimal in-memory agent.ConversationStore double,
// mirroring the one in internal/agent/runtime_test.go.
type fakeConversations struct {
	mu       sync.Mutex
	appended []domain.Message
	streamed []domain.Message
	nextID   int
}

func (f *fakeConversations) GetAgentHistory(ctx context.Context, frameID string) ([]domain.Message, error) {
	return nil, nil
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
	return nil
}

// newTestRuntimeAgent builds a RuntimeAgent backed by a stub provider that
// always replies with a single no-tool-call sentence, using convs as its
// ConversationStore.
func newTestRuntimeAgent(name, reply string, convs agent.ConversationStore) *RuntimeAgent {
	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: reply},
			{FinishReason: "stop"},
		},
	}
	host := &mcpmock.Host{}
	registry := tools.NewRegistry(host, func(tools.ApprovalRequest) {}, nil)
	rt := agent.NewRuntime(provider, convs, registry, nil)

	return &RuntimeAgent{
		Template: &agent.TurnContext{
			Agent: &domain.Agent{ID: name + "-id", Name: name},
		},
		Runtime: rt,
	}
}

func TestNew_RegistersAgentsCaseInsensitively(t *testing.T) {
	t.Parallel()

	convs := &fakeConversations{}
	admin := newTestRuntimeAgent("Administrator", "routing now", convs)
	scheduler := newTestRuntimeAgent("Scheduler", "scheduled", convs)

	o := New(admin, []*RuntimeAgent{scheduler}, convs)

	got, ok := o.lookup("SCHEDULER")
	if !ok {
		t.Fatal("expected case-insensitive lookup to find Scheduler")
	}
	if got.Template.Agent.Name != "Scheduler" {
		t.Errorf("lookup returned wrong agent: %+v", got)
	}
}

func TestAddAgent_RemoveAgent_ActiveAgents(t *testing.T) {
	t.Parallel()

	convs := &fakeConversations{}
	admin := newTestRuntimeAgent("Administrator", "", convs)
	o := New(admin, nil, convs)

	scheduler := newTestRuntimeAgent("Scheduler", "", convs)
	o.AddAgent(scheduler)

	if len(o.ActiveAgents()) != 1 {
		t.Fatalf("expected 1 active agent after AddAgent, got %d", len(o.ActiveAgents()))
	}

	o.RemoveAgent("scheduler")
	if len(o.ActiveAgents()) != 0 {
		t.Fatalf("expected 0 active agents after RemoveAgent, got %d", len(o.ActiveAgents()))
	}
}

func TestRouteToAgent_UnknownAgent_ReturnsError(t *testing.T) {
	t.Parallel()

	convs := &fakeConversations{}
	admin := newTestRuntimeAgent("Administrator", "", convs)
	o := New(admin, nil, convs)

	_, err := o.routeToAgent(context.Background(), "conv-1", "frame-1", "user-1", "Ghost", "because", func(agent.Event) {})
	if err == nil {
		t.Fatal("expected error for unknown agent, got nil")
	}
}

func TestRouteToAgent_RunsTargetTurnAndRecordsHop(t *testing.T) {
	t.Parallel()

	convs := &fakeConversations{}
	admin := newTestRuntimeAgent("Administrator", "", convs)
	scheduler := newTestRuntimeAgent("Scheduler", "Your meeting is at noon.", convs)
	o := New(admin, []*RuntimeAgent{scheduler}, convs)

	var events []agent.Event
	result, err := o.routeToAgent(context.Background(), "conv-1", "frame-1", "user-1", "Scheduler", "user asked about their calendar", func(e agent.Event) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("routeToAgent returned error: %v", err)
	}
	if result == "" {
		t.Error("expected a non-empty result payload")
	}

	if len(events) == 0 || events[0].Kind != agent.EventAgentSwitch {
		t.Fatalf("expected first event to be agent_switch, got %+v", events)
	}
	if events[0].FromName != "Administrator" || events[0].Name != "Scheduler" {
		t.Errorf("agent_switch event has wrong identities: %+v", events[0])
	}
	if events[0].Reason != "user asked about their calendar" {
		t.Errorf("agent_switch event missing reason: %+v", events[0])
	}

	foundReply := false
	for _, e := range events {
		if e.Kind == agent.EventStreamChunk && e.Content == "Your meeting is at noon." {
			foundReply = true
		}
	}
	if !foundReply {
		t.Error("expected the target agent's streamed reply to be forwarded")
	}

	log := o.HopLog(10)
	if len(log) != 1 {
		t.Fatalf("expected 1 hop-log entry, got %d", len(log))
	}
	if log[0].NPCID != "Scheduler-id" || log[0].Text != "user asked about their calendar" {
		t.Errorf("unexpected hop-log entry: %+v", log[0])
	}
}

func TestDeliverToUser_PersistsAndEmitsFinalMessage(t *testing.T) {
	t.Parallel()

	convs := &fakeConversations{}
	admin := newTestRuntimeAgent("Administrator", "", convs)
	o := New(admin, nil, convs)

	var events []agent.Event
	result, err := o.deliverToUser(context.Background(), "conv-1", "frame-1", "Here's your answer.", func(e agent.Event) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("deliverToUser returned error: %v", err)
	}
	if result == "" {
		t.Error("expected a non-empty result payload")
	}

	if len(convs.streamed) != 1 || convs.streamed[0].Content != "Here's your answer." {
		t.Fatalf("expected the final message to be persisted, got %+v", convs.streamed)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events (chunk, done), got %d", len(events))
	}
	if events[0].Kind != agent.EventStreamChunk || events[0].Content != "Here's your answer." {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].Kind != agent.EventDone {
		t.Errorf("expected second event to be done, got %+v", events[1])
	}
}

func TestHopLog_BoundedBySize(t *testing.T) {
	t.Parallel()

	convs := &fakeConversations{}
	admin := newTestRuntimeAgent("Administrator", "", convs)
	scheduler := newTestRuntimeAgent("Scheduler", "ok.", convs)
	o := New(admin, []*RuntimeAgent{scheduler}, convs, WithHopLogSize(2))

	for i := 0; i < 5; i++ {
		if _, err := o.routeToAgent(context.Background(), "conv-1", "frame-1", "user-1", "Scheduler", "reason", func(agent.Event) {}); err != nil {
			t.Fatalf("routeToAgent #%d returned error: %v", i, err)
		}
	}

	if got := len(o.HopLog(100)); got != 2 {
		t.Fatalf("expected hop log bounded to 2 entries, got %d", got)
	}
}

// TestHandleMessage_NoRoutingRunsAdministratorTurnOnly verifies that when the
// Administrator's turn produces no tool calls, HandleMessage still completes
// and streams the Administrator's own content — a fallback path the turn
// loop shares with every other agent, rather than a special case here.
func TestHandleMessage_NoRoutingRunsAdministratorTurnOnly(t *testing.T) {
	t.Parallel()

	convs := &fakeConversations{}
	admin := newTestRuntimeAgent("Administrator", "thinking out loud", convs)
	o := New(admin, nil, convs)

	var events []agent.Event
	err := o.HandleMessage(context.Background(), "conv-1", "frame-1", "user-1", func(e agent.Event) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("HandleMessage returned error: %v", err)
	}

	if len(events) != 2 || events[1].Kind != agent.EventDone {
		t.Fatalf("expected a chunk+done pair from the Administrator's own turn, got %+v", events)
	}
}

// TestUtteranceBuffer_EvictsByAge is a narrow regression check that the
// repurposed hop log still honors its max-age eviction even though its
// fields now carry hop semantics rather than raw utterances.
func TestUtteranceBuffer_EvictsByAge(t *testing.T) {
	t.Parallel()

	b := NewUtteranceBuffer(10, 10*time.Millisecond)
	b.Add(BufferEntry{SpeakerID: "admin", NPCID: "scheduler", Timestamp: time.Now().Add(-time.Hour)})
	time.Sleep(20 * time.Millisecond)
	b.Add(BufferEntry{SpeakerID: "admin", NPCID: "scheduler", Timestamp: time.Now()})

	if got := len(b.Recent("", 10)); got != 1 {
		t.Fatalf("expected 1 surviving entry after age eviction, got %d", got)
	}
}
