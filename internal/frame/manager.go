// Package frame implements frame rollover for conversations: deciding when
// a conversation's latest frame has gone idle, opening its successor, and
// kicking off the fire-and-forget summarize/consolidate jobs for the frame
// that just closed.
package frame

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/glyphoxa/internal/domain"
	"github.com/MrWong99/glyphoxa/internal/observe"
)

// DefaultIdleThreshold is used when Manager is constructed with a
// non-positive IdleThreshold.
const DefaultIdleThreshold = 30 * time.Minute

// Summariser produces a concise summary of a conversation segment.
// Identical in shape to the teacher's session.Summariser so the same
// provider-backed implementation can satisfy both.
type Summariser interface {
	Summarise(ctx context.Context, messages []domain.Message) (string, error)
}

// MemoryConsolidator produces an updated long-term memory string (capped at
// MaxMemoryChars) for an agent given its current memory, system prompt, and
// the messages of the frame that just closed.
type MemoryConsolidator interface {
	Consolidate(ctx context.Context, currentMemory, systemPrompt string, messages []domain.Message) (string, error)
}

// MaxMemoryChars bounds the length of a consolidated agent memory.
const MaxMemoryChars = 4000

// ConversationStore is the subset of storage.ConversationStore that frame
// rollover depends on.
type ConversationStore interface {
	CurrentFrame(ctx context.Context, conversationID string) (*domain.Frame, error)
	OpenFrame(ctx context.Context, conversationID string) (*domain.Frame, error)
	SetFrameSummary(ctx context.Context, frameID, summary string) error
	GetMessages(ctx context.Context, frameID string) ([]domain.Message, error)
}

// UserStore is the subset of storage.UserStore that frame rollover depends on.
type UserStore interface {
	Get(ctx context.Context, id string) (*domain.User, error)
}

// AgentStore is the subset of storage.AgentStore that frame rollover depends on.
type AgentStore interface {
	Get(ctx context.Context, id string) (*domain.Agent, error)
	Update(ctx context.Context, a *domain.Agent) error
}

// Manager owns frame rollover for one conversation store. It is shared
// across all conversations; callers identify the conversation per call.
type Manager struct {
	convs       ConversationStore
	users       UserStore
	agents      AgentStore
	summariser  Summariser
	consolidate MemoryConsolidator
	metrics     *observe.Metrics

	idleThreshold time.Duration
}

// Config configures a new Manager.
type Config struct {
	Conversations ConversationStore
	Users         UserStore
	Agents        AgentStore
	Summariser    Summariser
	Consolidator  MemoryConsolidator

	// Metrics records frame-close counts (C11). A nil Metrics disables
	// instrumentation, which test doubles rely on.
	Metrics *observe.Metrics

	// IdleThreshold is how long a frame may go without a new message before
	// the next incoming message triggers rollover. Defaults to
	// DefaultIdleThreshold when zero or negative.
	IdleThreshold time.Duration
}

// New constructs a Manager from cfg.
func New(cfg Config) *Manager {
	threshold := cfg.IdleThreshold
	if threshold <= 0 {
		threshold = DefaultIdleThreshold
	}
	return &Manager{
		convs:         cfg.Conversations,
		users:         cfg.Users,
		agents:        cfg.Agents,
		summariser:    cfg.Summariser,
		consolidate:   cfg.Consolidator,
		metrics:       cfg.Metrics,
		idleThreshold: threshold,
	}
}

// EnsureFrame returns the frame that a new incoming message for
// conversationID (owned by userID) should be appended to. If the
// conversation has no frame yet, one is opened. If the latest frame's
// newest message is older than the idle threshold, the latest frame is
// closed and a new one is opened in its place; the closing frame's id is
// handed to background summarize and consolidate jobs, keyed by agentIDs
// (the agent(s) that participated in the closing frame).
//
// EnsureFrame never blocks on the background jobs: they are launched via go
// func and their errors are logged, not returned.
func (m *Manager) EnsureFrame(ctx context.Context, conversationID, userID string, agentIDs []string) (*domain.Frame, error) {
	current, err := m.convs.CurrentFrame(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("frame: ensure frame: %w", err)
	}
	if current == nil {
		f, err := m.convs.OpenFrame(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("frame: open initial frame: %w", err)
		}
		return f, nil
	}

	idleSince := time.Since(current.Updated)
	if idleSince <= m.idleThreshold {
		return current, nil
	}

	next, err := m.convs.OpenFrame(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("frame: open rollover frame: %w", err)
	}

	if m.metrics != nil {
		m.metrics.RecordFrameClosed(ctx)
	}
	m.scheduleClose(userID, current.ID, agentIDs)
	return next, nil
}

// scheduleClose launches the summarize and consolidate jobs for a frame
// that just closed. Both are fire-and-forget, at-most-once, and safe to
// retry: writing the same summary or memory twice is a no-op in effect.
func (m *Manager) scheduleClose(userID, closingFrameID string, agentIDs []string) {
	go m.summarizeFrame(userID, closingFrameID)
	for _, agentID := range agentIDs {
		go m.consolidateMemory(closingFrameID, agentID)
	}
}

func (m *Manager) summarizeFrame(userID, frameID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	user, err := m.users.Get(ctx, userID)
	skipReason := ""
	switch {
	case err != nil:
		skipReason = err.Error()
	case user.SummaryModel == "":
		skipReason = "no summary model configured"
	}
	if skipReason != "" {
		slog.Debug("frame summarize skipped", "frame_id", frameID, "reason", skipReason)
		return
	}

	messages, err := m.convs.GetMessages(ctx, frameID)
	if err != nil {
		slog.Warn("frame summarize: failed to load messages", "frame_id", frameID, "error", err)
		return
	}
	if len(messages) == 0 {
		return
	}

	summary, err := m.summariser.Summarise(ctx, messages)
	if err != nil {
		slog.Warn("frame summarize failed", "frame_id", frameID, "error", err)
		return
	}

	if err := m.convs.SetFrameSummary(ctx, frameID, summary); err != nil {
		slog.Warn("frame summarize: failed to store summary", "frame_id", frameID, "error", err)
	}
}

func (m *Manager) consolidateMemory(frameID, agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ag, err := m.agents.Get(ctx, agentID)
	if err != nil {
		slog.Warn("memory consolidate: failed to load agent", "agent_id", agentID, "error", err)
		return
	}

	user, err := m.users.Get(ctx, ag.UserID)
	if err != nil || user.SummaryModel == "" {
		slog.Debug("memory consolidate skipped", "agent_id", agentID, "frame_id", frameID)
		return
	}

	messages, err := m.convs.GetMessages(ctx, frameID)
	if err != nil {
		slog.Warn("memory consolidate: failed to load messages", "frame_id", frameID, "error", err)
		return
	}
	if len(messages) == 0 {
		return
	}

	updated, err := m.consolidate.Consolidate(ctx, ag.Memory, ag.SystemPrompt, messages)
	if err != nil {
		slog.Warn("memory consolidate failed", "agent_id", agentID, "error", err)
		return
	}
	if len(updated) > MaxMemoryChars {
		updated = updated[:MaxMemoryChars]
	}

	ag.Memory = updated
	if err := m.agents.Update(ctx, ag); err != nil {
		slog.Warn("memory consolidate: failed to store memory", "agent_id", agentID, "error", err)
	}
}
