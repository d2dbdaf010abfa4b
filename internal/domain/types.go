// Package domain defines the core persisted entities shared across the
// storage, agent, frame, orchestrator, and gateway packages. These are the
// lingua franca types that would otherwise force circular imports between
// those packages.
package domain

import (
	"errors"
	"time"
)

// Sentinel errors returned by storage implementations. Callers should check
// these with errors.Is rather than compare error strings.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("domain: not found")

	// ErrConflict indicates a unique-constraint violation (e.g. duplicate name).
	ErrConflict = errors.New("domain: conflict")

	// ErrStorageUnavailable indicates the backing store could not be reached
	// after the standard retry.
	ErrStorageUnavailable = errors.New("domain: storage unavailable")

	// ErrLLMUnavailable indicates every configured LLM backend (primary and
	// fallbacks) failed or had an open circuit breaker.
	ErrLLMUnavailable = errors.New("domain: llm unavailable")

	// ErrTTSUnavailable indicates every configured TTS backend failed or had
	// an open circuit breaker.
	ErrTTSUnavailable = errors.New("domain: tts unavailable")

	// ErrASRUnavailable indicates every configured ASR backend failed or had
	// an open circuit breaker.
	ErrASRUnavailable = errors.New("domain: asr unavailable")

	// ErrMCPUnavailable indicates every configured MCP host failed or had an
	// open circuit breaker.
	ErrMCPUnavailable = errors.New("domain: mcp unavailable")

	// ErrToolError indicates a tool call completed but reported an
	// application-level error (mcp.ToolResult.IsError); the call itself did
	// not fail at the transport or protocol level.
	ErrToolError = errors.New("domain: tool reported an error")

	// ErrCancelled indicates the caller's context was cancelled before an
	// operation completed.
	ErrCancelled = errors.New("domain: cancelled")

	// ErrTimeout indicates an operation exceeded its declared or configured
	// deadline (e.g. a tool's DeclaredMax, or the approval wait).
	ErrTimeout = errors.New("domain: timeout")
)

// User is the top-level owner of conversations, agents, skills, MCP server
// configs and face identities. Names are unique across the whole store.
type User struct {
	ID               string
	Name             string
	PasswordHash     string
	SystemPrompt     string
	PreferredName    string
	DefaultModelURL  string
	SummaryModel     string
	IsAdministrator  bool
	Created          time.Time
}

// Agent is a user-configured persona: a system prompt, a model, a voice
// reference, and a set of tools it is not permitted to call. Every user has
// exactly one reserved Administrator agent used by the orchestrator.
type Agent struct {
	ID             string
	UserID         string
	Name           string
	SystemPrompt   string
	ModelName      string
	VoiceReference string
	Avatar         string
	ExcludedTools  map[string]bool
	ThinkMode      bool
	Memory         string
	TriggerWord    string
	IsAdmin        bool
	Created        time.Time
	Updated        time.Time
}

// IsAdministrator reports whether this agent is the per-user reserved router.
func (a Agent) IsAdministrator() bool { return a.IsAdmin }

// Conversation groups a sequence of frames belonging to one user.
type Conversation struct {
	ID      string
	UserID  string
	Title   string
	Created time.Time
	Updated time.Time
}

// Frame is a session window of a conversation: a contiguous run of messages
// bounded by idle gaps. Every message belongs to exactly one frame.
type Frame struct {
	ID             string
	ConversationID string
	Summary        string
	Created        time.Time
	Updated        time.Time
}

// MessageRole enumerates the three roles a persisted message can carry.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// Message is one role-boundary-complete turn within a frame.
type Message struct {
	ID          string
	FrameID     string
	Role        MessageRole
	Content     string
	Thinking    string
	RawInput    string
	RawOutput   string
	SpeakerName string
	AgentID     string
	ToolCallID  string
	Created     time.Time
	Updated     time.Time
}

// Skill is a named instruction block a user can enable on any of their
// agents. Only the name is injected into the system prompt by default; the
// full Instructions body is fetched on demand via the get_skill_instructions
// built-in tool.
type Skill struct {
	ID           string
	UserID       string
	Name         string
	Instructions string
}

// MCPTransport selects how an MCPServer is reached.
type MCPTransport string

const (
	MCPTransportStdio            MCPTransport = "stdio"
	MCPTransportStreamableHTTP   MCPTransport = "sse"
)

// MCPServer describes one per-user MCP tool server connection.
type MCPServer struct {
	ID        string
	UserID    string
	Name      string
	Transport MCPTransport
	URL       string
	Command   string
	Args      []string
	Env       map[string]string
	Enabled   bool
}

// FaceIdentity is a named person a user has taught the vision pipeline to
// recognise, backed by one or more FacePhoto embeddings.
type FaceIdentity struct {
	ID     string
	UserID string
	Name   string
}

// FacePhoto holds one face embedding vector for a FaceIdentity plus a
// reference to the original image blob.
type FacePhoto struct {
	ID         string
	IdentityID string
	Embedding  []float32
	PhotoBlob  string
}
