// Package orchestrator implements the Administrator-driven routing layer
// (C6): a per-user Administrator agent receives any chat message that
// arrives without an explicit agent_id, and must reply with exactly one of
// two tool calls — route_to_agent or route_to_user — until one of them
// delivers a final answer or the hop cap is reached.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/glyphoxa/internal/agent"
	"github.com/MrWong99/glyphoxa/internal/domain"
)

const (
	defaultHopLogSize     = 20
	defaultHopLogDuration = 30 * time.Minute
)

// RuntimeAgent pairs a configured agent identity with the Runtime that
// drives its turns.
type RuntimeAgent struct {
	Template *agent.TurnContext // the agent's static TurnContext fields (Agent, prompts, skills, siblings)
	Runtime  *agent.Runtime
}

// Orchestrator manages the Administrator agent and the pool of SimpleAgents
// it may route to within one user's account.
//
// All exported methods are safe for concurrent use.
type Orchestrator struct {
	mu            sync.RWMutex
	administrator *RuntimeAgent
	agents        map[string]*RuntimeAgent // lowercased agent name → entry
	convs         agent.ConversationStore  // used by route_to_user to persist the final reply

	hopLog *UtteranceBuffer // repurposed as the OrchestrationSession hop log
}

// Option configures an Orchestrator during construction.
type Option func(*Orchestrator)

// WithHopLogSize bounds the number of hop-log entries retained per
// orchestrator. Defaults to 20.
func WithHopLogSize(n int) Option {
	return func(o *Orchestrator) {
		o.hopLog = NewUtteranceBuffer(n, o.hopLog.maxAge)
	}
}

// New creates an Orchestrator for a single user's Administrator agent and
// its sibling SimpleAgents. convs is used by route_to_user to persist the
// Administrator's final reply to the conversation.
func New(administrator *RuntimeAgent, agents []*RuntimeAgent, convs agent.ConversationStore, opts ...Option) *Orchestrator {
	entries := make(map[string]*RuntimeAgent, len(agents))
	for _, a := range agents {
		entries[strings.ToLower(a.Template.Agent.Name)] = a
	}

	o := &Orchestrator{
		administrator: administrator,
		agents:        entries,
		convs:         convs,
		hopLog:        NewUtteranceBuffer(defaultHopLogSize, defaultHopLogDuration),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// AddAgent registers a SimpleAgent the Administrator may route to.
func (o *Orchestrator) AddAgent(a *RuntimeAgent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.agents[strings.ToLower(a.Template.Agent.Name)] = a
}

// RemoveAgent unregisters a SimpleAgent by name.
func (o *Orchestrator) RemoveAgent(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.agents, strings.ToLower(name))
}

// ActiveAgents returns a snapshot of all agents currently registered besides
// the Administrator.
func (o *Orchestrator) ActiveAgents() []*RuntimeAgent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*RuntimeAgent, 0, len(o.agents))
	for _, a := range o.agents {
		out = append(out, a)
	}
	return out
}

// lookup returns the SimpleAgent registered under the given name
// (case-insensitive). The second return is false if no such agent exists.
func (o *Orchestrator) lookup(name string) (*RuntimeAgent, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.agents[strings.ToLower(name)]
	return a, ok
}

// HandleMessage runs the Administrator's C5 turn against userText. The
// Administrator's tool catalogue is whatever its ExcludedTools set leaves
// visible; bootstrap seeds that set empty, so route_to_agent and
// route_to_user appear alongside every other registered tool. Each routing
// call is one round of the existing tool-calling loop in
// agent.Runtime.HandleTurn, so the loop's agent.MaxToolRounds cap also
// bounds the number of hops.
//
// emit receives every stream_chunk/agent_switch/done event produced by the
// Administrator and by any SimpleAgent it routes to.
func (o *Orchestrator) HandleMessage(ctx context.Context, conversationID, frameID, userID string, emit func(agent.Event)) error {
	ctx = withEmit(ctx, emit)
	ctx = withOrchestrator(ctx, o)

	tc := *o.administrator.Template
	tc.ConversationID = conversationID
	tc.FrameID = frameID
	tc.UserID = userID

	return o.administrator.Runtime.HandleTurn(ctx, tc, emit)
}

// routeToAgent runs one C5 turn of the named SimpleAgent and records the hop.
// Called from the route_to_agent tool handler with the Administrator's
// reasoning and the injected conversation context.
func (o *Orchestrator) routeToAgent(ctx context.Context, conversationID, frameID, userID, targetName, reason string, emit func(agent.Event)) (string, error) {
	target, ok := o.lookup(targetName)
	if !ok {
		return "", fmt.Errorf("orchestrator: agent %q not found", targetName)
	}

	o.hopLog.Add(BufferEntry{
		SpeakerID:   o.administrator.Template.Agent.ID,
		SpeakerName: o.administrator.Template.Agent.Name,
		Text:        reason,
		NPCID:       target.Template.Agent.ID,
		Timestamp:   time.Now(),
	})

	emit(agent.Event{
		Kind:           agent.EventAgentSwitch,
		ConversationID: conversationID,
		FrameID:        frameID,
		FromAgentID:    o.administrator.Template.Agent.ID,
		FromName:       o.administrator.Template.Agent.Name,
		AgentID:        target.Template.Agent.ID,
		Name:           target.Template.Agent.Name,
		Reason:         reason,
	})

	tc := *target.Template
	tc.ConversationID = conversationID
	tc.FrameID = frameID
	tc.UserID = userID

	if err := target.Runtime.HandleTurn(ctx, tc, emit); err != nil {
		return "", fmt.Errorf("orchestrator: route to %q: %w", targetName, err)
	}
	return fmt.Sprintf(`{"status":"ok","agent":%q}`, target.Template.Agent.Name), nil
}

// deliverToUser persists finalMessage as the Administrator's assistant
// reply and emits the matching stream_chunk/done pair. Called from the
// route_to_user tool handler; this is the only path by which the
// Administrator's own words reach the user — its free-text streamed
// content during routing rounds is internal reasoning, not a reply.
func (o *Orchestrator) deliverToUser(ctx context.Context, conversationID, frameID, finalMessage string, emit func(agent.Event)) (string, error) {
	admin := o.administrator.Template.Agent

	if _, err := o.convs.UpsertStreamingMessage(ctx, frameID, domain.RoleAssistant, admin.ID, admin.Name, finalMessage); err != nil {
		return "", fmt.Errorf("orchestrator: persist final message: %w", err)
	}

	emit(agent.Event{
		Kind:           agent.EventStreamChunk,
		ConversationID: conversationID,
		FrameID:        frameID,
		Content:        finalMessage,
		Role:           domain.RoleAssistant,
		AgentID:        admin.ID,
		Name:           admin.Name,
		VoiceReference: admin.VoiceReference,
	})
	emit(agent.Event{
		Kind:           agent.EventDone,
		ConversationID: conversationID,
		FrameID:        frameID,
		AgentID:        admin.ID,
		Name:           admin.Name,
	})

	return `{"status":"delivered"}`, nil
}

// HopLog returns the most recent hop-log entries for inspection, oldest
// first.
func (o *Orchestrator) HopLog(max int) []BufferEntry {
	return o.hopLog.Recent("", max)
}
