package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/glyphoxa/internal/domain"
	"github.com/MrWong99/glyphoxa/internal/observe"
	"github.com/MrWong99/glyphoxa/internal/tools"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

// MaxToolRounds bounds how many LLM↔tool round-trips a single user turn may
// take before the runtime gives up and synthesizes a route_to_user effect.
const MaxToolRounds = 10

// sentenceTerminators are the characters that close a sentence for the
// purpose of flushing a stream_chunk event and an associated TTS job.
const sentenceTerminators = ".?!;:\n"

// EventKind identifies the shape of an Event emitted by a Runtime turn.
type EventKind string

const (
	EventStreamChunk EventKind = "stream_chunk"
	EventDone        EventKind = "done"
	EventAgentSwitch EventKind = "agent_switch"
)

// Event is emitted to the caller-supplied sink as a turn progresses. It
// mirrors the stream_chunk/done/agent_switch wire events of the session
// protocol; the gateway is responsible for marshaling it onto the websocket.
type Event struct {
	Kind           EventKind
	ConversationID string
	FrameID        string
	Content        string
	Thinking       string
	Role           domain.MessageRole
	AgentID        string
	Name           string
	VoiceReference string

	// FromAgentID, FromName and Reason are set only on EventAgentSwitch,
	// identifying the orchestrator hop's origin and stated reason. AgentID
	// and Name above carry the hop's destination in that case.
	FromAgentID string
	FromName    string
	Reason      string
}

// ConversationStore is the subset of storage.ConversationStore the runtime
// needs to read history and persist turns.
type ConversationStore interface {
	GetAgentHistory(ctx context.Context, frameID string) ([]domain.Message, error)
	AppendMessage(ctx context.Context, m *domain.Message) error
	UpsertStreamingMessage(ctx context.Context, frameID string, role domain.MessageRole, agentID, speakerName, contentDelta string) (*domain.Message, error)
	SetMessageMeta(ctx context.Context, messageID, thinking, rawInput, rawOutput string) error
}

// Runtime drives the tool-calling loop for a single agent turn: assembling
// context, streaming the LLM response sentence by sentence, executing any
// requested tools through the tool registry, and looping until the model
// stops calling tools or the round cap is hit.
//
// A Runtime is shared across all turns of one agent; HandleTurn serializes
// concurrent calls for the same agent via an internal mutex so that
// conversational state updates never interleave.
type Runtime struct {
	provider llm.Provider
	convs    ConversationStore
	tools    *tools.Registry
	metrics  *observe.Metrics

	mu sync.Mutex
}

// NewRuntime constructs a Runtime from its dependencies. Frame lifecycle
// (opening/rolling over frames) is the caller's responsibility — the
// gateway resolves the target FrameID via frame.Manager.EnsureFrame and
// persists the triggering user message before invoking HandleTurn. A nil
// metrics disables instrumentation, which test doubles rely on.
func NewRuntime(provider llm.Provider, convs ConversationStore, toolRegistry *tools.Registry, metrics *observe.Metrics) *Runtime {
	return &Runtime{provider: provider, convs: convs, tools: toolRegistry, metrics: metrics}
}

// TurnContext carries everything a single HandleTurn call needs besides the
// triggering user message.
type TurnContext struct {
	Agent          *domain.Agent
	ConversationID string
	FrameID        string
	UserID         string
	GlobalPrompt   string // the user's account-level system prompt
	PreferredName  string
	SkillNames     []string
	OtherAgents    []AgentSummary // names + one-line descriptions, for group mode
	Images         []string       // base64-encoded, attached to the triggering user message
}

// AgentSummary is the one-line description of a sibling agent, injected
// into the system prompt so the model can reason about routing.
type AgentSummary struct {
	Name        string
	Description string
}

// HandleTurn assembles context, runs the tool-calling loop, and emits
// stream_chunk/done events via emit as the turn progresses. userText is the
// new message that triggered this turn; it must already be persisted by the
// caller (the gateway appends the user message before invoking the runtime,
// so it is visible in frame history).
func (r *Runtime) HandleTurn(ctx context.Context, tc TurnContext, emit func(Event)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("agent runtime: %w", err)
	}

	history, err := r.loadHistory(ctx, tc.FrameID)
	if err != nil {
		return fmt.Errorf("agent runtime: load history: %w", err)
	}

	systemPrompt := assembleSystemPrompt(tc)
	toolDefs := r.toolDefinitions(tc.Agent.ExcludedTools)

	for round := 0; round < MaxToolRounds; round++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("agent runtime: %w", err)
		}

		req := llm.CompletionRequest{
			SystemPrompt: systemPrompt,
			Messages:     history,
			Tools:        toolDefs,
			Temperature:  0.7,
		}
		rawReq, _ := json.Marshal(req)

		roundStart := time.Now()
		assistantMsg, roundThinking, toolCalls, err := r.streamRound(ctx, tc, req, emit)
		if r.metrics != nil {
			r.metrics.LLMDuration.Record(ctx, time.Since(roundStart).Seconds(),
				metric.WithAttributes(observe.Attr("agent_id", tc.Agent.ID)))
		}
		if err != nil {
			return fmt.Errorf("agent runtime: stream round %d: %w", round, err)
		}

		rawResp, _ := json.Marshal(toolCalls)
		if assistantMsg != nil {
			_ = r.convs.SetMessageMeta(ctx, assistantMsg.ID, roundThinking, string(rawReq), string(rawResp))
		}

		if len(toolCalls) == 0 {
			emit(Event{
				Kind:           EventDone,
				ConversationID: tc.ConversationID,
				FrameID:        tc.FrameID,
				AgentID:        tc.Agent.ID,
				Name:           tc.Agent.Name,
			})
			if r.metrics != nil {
				r.metrics.RecordTurnCompleted(ctx, tc.Agent.ID)
			}
			return nil
		}

		history = append(history, types.Message{Role: "assistant", ToolCalls: toolCalls})

		for _, call := range toolCalls {
			result, execErr := r.tools.Execute(ctx, call.Name, call.Arguments, tools.Injected{
				ConversationID: tc.ConversationID,
				FrameID:        tc.FrameID,
				UserID:         tc.UserID,
			})
			content := ""
			switch {
			case execErr != nil:
				content = fmt.Sprintf(`{"error":%q}`, execErr.Error())
			case result != nil:
				content = result.Content
			}

			if err := r.convs.AppendMessage(ctx, &domain.Message{
				FrameID:    tc.FrameID,
				Role:       domain.RoleTool,
				Content:    content,
				AgentID:    tc.Agent.ID,
				ToolCallID: call.ID,
			}); err != nil {
				return fmt.Errorf("agent runtime: persist tool result: %w", err)
			}

			history = append(history, types.Message{Role: "tool", Content: content, ToolCallID: call.ID})
		}
	}

	return r.handleMaxRoundsReached(ctx, tc, emit)
}

// handleMaxRoundsReached persists a synthetic assistant notice when the
// round cap is hit, mirroring what a route_to_user("max tool rounds
// reached") tool call would have produced.
func (r *Runtime) handleMaxRoundsReached(ctx context.Context, tc TurnContext, emit func(Event)) error {
	const notice = "I've reached the maximum number of tool calls for this turn and need to stop here."
	msg, err := r.convs.UpsertStreamingMessage(ctx, tc.FrameID, domain.RoleAssistant, tc.Agent.ID, tc.Agent.Name, notice)
	if err != nil {
		return fmt.Errorf("agent runtime: persist max-rounds notice: %w", err)
	}
	emit(Event{
		Kind:           EventStreamChunk,
		ConversationID: tc.ConversationID,
		FrameID:        tc.FrameID,
		Content:        notice,
		Role:           domain.RoleAssistant,
		AgentID:        tc.Agent.ID,
		Name:           tc.Agent.Name,
	})
	emit(Event{Kind: EventDone, ConversationID: tc.ConversationID, FrameID: tc.FrameID, AgentID: tc.Agent.ID, Name: tc.Agent.Name})
	if r.metrics != nil {
		r.metrics.RecordTurnCompleted(ctx, tc.Agent.ID)
	}
	_ = msg
	return nil
}

// streamRound runs one LLM call to completion, flushing sentence-chunked
// stream_chunk events as content and thinking arrive, and persisting the
// accumulated assistant message via UpsertStreamingMessage as each sentence
// completes (so a disconnect mid-turn never loses already-produced output).
func (r *Runtime) streamRound(ctx context.Context, tc TurnContext, req llm.CompletionRequest, emit func(Event)) (assistantMsg *domain.Message, thinking string, toolCalls []types.ToolCall, err error) {
	ch, err := r.provider.StreamCompletion(ctx, req)
	if err != nil {
		return nil, "", nil, err
	}

	var (
		contentBuf strings.Builder
		thinkBuf   strings.Builder
		lastMsg    *domain.Message
	)

	flush := func(text string) error {
		if text == "" {
			return nil
		}
		msg, err := r.convs.UpsertStreamingMessage(ctx, tc.FrameID, domain.RoleAssistant, tc.Agent.ID, tc.Agent.Name, text)
		if err != nil {
			return err
		}
		lastMsg = msg
		emit(Event{
			Kind:           EventStreamChunk,
			ConversationID: tc.ConversationID,
			FrameID:        tc.FrameID,
			Content:        text,
			Role:           domain.RoleAssistant,
			AgentID:        tc.Agent.ID,
			Name:           tc.Agent.Name,
			VoiceReference: tc.Agent.VoiceReference,
		})
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return lastMsg, thinkBuf.String(), toolCalls, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				if contentBuf.Len() > 0 {
					if err := flush(contentBuf.String()); err != nil {
						return lastMsg, thinkBuf.String(), toolCalls, err
					}
				}
				return lastMsg, thinkBuf.String(), toolCalls, nil
			}
			if chunk.FinishReason == "error" {
				return lastMsg, thinkBuf.String(), toolCalls, fmt.Errorf("llm stream error")
			}
			if chunk.Thinking != "" {
				thinkBuf.WriteString(chunk.Thinking)
				emit(Event{
					Kind:           EventStreamChunk,
					ConversationID: tc.ConversationID,
					FrameID:        tc.FrameID,
					Thinking:       chunk.Thinking,
					Role:           domain.RoleAssistant,
					AgentID:        tc.Agent.ID,
					Name:           tc.Agent.Name,
				})
			}
			if chunk.Text != "" {
				contentBuf.WriteString(chunk.Text)
				if sentence, rest, ok := cutAtTerminator(contentBuf.String()); ok {
					if err := flush(sentence); err != nil {
						return lastMsg, thinkBuf.String(), toolCalls, err
					}
					contentBuf.Reset()
					contentBuf.WriteString(rest)
				}
			}
			if len(chunk.ToolCalls) > 0 {
				toolCalls = append(toolCalls, chunk.ToolCalls...)
			}
			if chunk.FinishReason != "" && contentBuf.Len() > 0 {
				if err := flush(contentBuf.String()); err != nil {
					return lastMsg, thinkBuf.String(), toolCalls, err
				}
				contentBuf.Reset()
			}
		}
	}
}

// cutAtTerminator finds the first sentence-terminating character in s and
// returns the sentence (including the terminator) and the remainder. ok is
// false if s contains no terminator yet.
func cutAtTerminator(s string) (sentence, rest string, ok bool) {
	idx := strings.IndexAny(s, sentenceTerminators)
	if idx < 0 {
		return "", s, false
	}
	return s[:idx+1], s[idx+1:], true
}

// loadHistory reads the current frame's messages, filtering out
// Administrator-authored turns (internal routing reasoning, not a reply),
// and converts what remains into the llm.Provider-facing message shape, in
// chronological order.
func (r *Runtime) loadHistory(ctx context.Context, frameID string) ([]types.Message, error) {
	msgs, err := r.convs.GetAgentHistory(ctx, frameID)
	if err != nil {
		return nil, err
	}
	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, types.Message{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.SpeakerName,
			ToolCallID: m.ToolCallID,
		})
	}
	return out, nil
}

// toolDefinitions fetches the agent's available tool catalogue from the
// registry and converts it from the registry's llm.ToolDefinition shape to
// the pkg/types.ToolDefinition shape expected by llm.CompletionRequest.
func (r *Runtime) toolDefinitions(excluded map[string]bool) []types.ToolDefinition {
	defs := r.tools.AvailableTools(excluded)
	out := make([]types.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = types.ToolDefinition{
			Name:                d.Name,
			Description:         d.Description,
			Parameters:          d.Parameters,
			EstimatedDurationMs: d.EstimatedDurationMs,
			MaxDurationMs:       d.MaxDurationMs,
			Idempotent:          d.Idempotent,
			CacheableSeconds:    d.CacheableSeconds,
		}
	}
	return out
}

// assembleSystemPrompt concatenates, in order, the agent's identity block,
// the user's global system prompt, a preferred-name/timestamp hint, the
// agent's memory, enabled skill names, and sibling agent summaries.
func assembleSystemPrompt(tc TurnContext) string {
	var sb strings.Builder

	if tc.Agent.SystemPrompt != "" {
		sb.WriteString(tc.Agent.SystemPrompt)
		sb.WriteString("\n\n")
	}
	if tc.GlobalPrompt != "" {
		sb.WriteString(tc.GlobalPrompt)
		sb.WriteString("\n\n")
	}
	if tc.PreferredName != "" {
		fmt.Fprintf(&sb, "The user prefers to be called %q. ", tc.PreferredName)
	}
	fmt.Fprintf(&sb, "Current time: %s.\n", time.Now().Format(time.RFC3339))

	if tc.Agent.Memory != "" {
		sb.WriteString("\nWhat you remember about this user:\n")
		sb.WriteString(tc.Agent.Memory)
		sb.WriteString("\n")
	}

	if len(tc.SkillNames) > 0 {
		sb.WriteString("\nEnabled skills (fetch instructions with get_skill_instructions before relying on one): ")
		sb.WriteString(strings.Join(tc.SkillNames, ", "))
		sb.WriteString("\n")
	}

	if len(tc.OtherAgents) > 0 {
		sb.WriteString("\nOther agents available to route to:\n")
		for _, a := range tc.OtherAgents {
			fmt.Fprintf(&sb, "- %s: %s\n", a.Name, a.Description)
		}
	}

	return sb.String()
}
