package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/glyphoxa/internal/domain"
)

// ConversationStore is the repository for conversations, frames, and
// messages. Frame rollover and the streaming-message upsert both need
// transactional read-then-write semantics, so this store additionally holds
// a *pgxpool.Pool (rather than only the narrow DB interface) to start its own
// transactions.
type ConversationStore struct {
	db   DB
	pool *pgxpool.Pool
}

// bind gives the store direct pool access once the gateway wires it up.
func (s *ConversationStore) bind(pool *pgxpool.Pool) { s.pool = pool }

// CreateConversation inserts a new conversation owned by userID.
func (s *ConversationStore) CreateConversation(ctx context.Context, userID, title string) (*domain.Conversation, error) {
	c := &domain.Conversation{ID: uuid.NewString(), UserID: userID, Title: title}
	const q = `INSERT INTO conversations (id, user_id, title) VALUES ($1,$2,$3) RETURNING created_at, updated_at`
	if err := s.db.QueryRow(ctx, q, c.ID, c.UserID, c.Title).Scan(&c.Created, &c.Updated); err != nil {
		return nil, fmt.Errorf("storage: create conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns a user's conversations, most recently updated first.
func (s *ConversationStore) ListConversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `SELECT id, user_id, title, created_at, updated_at FROM conversations
	           WHERE user_id = $1 ORDER BY updated_at DESC LIMIT $2`
	rows, err := s.db.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list conversations: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Conversation, error) {
		var c domain.Conversation
		err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.Created, &c.Updated)
		return c, err
	})
}

// DeleteConversation removes a conversation and cascades to its frames and messages.
func (s *ConversationStore) DeleteConversation(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete conversation: %w", err)
	}
	return nil
}

// CurrentFrame returns the most recently created frame of a conversation, or
// nil if the conversation has no frames yet.
func (s *ConversationStore) CurrentFrame(ctx context.Context, conversationID string) (*domain.Frame, error) {
	const q = `SELECT id, conversation_id, summary, created_at, updated_at FROM frames
	           WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT 1`
	var f domain.Frame
	err := s.db.QueryRow(ctx, q, conversationID).Scan(&f.ID, &f.ConversationID, &f.Summary, &f.Created, &f.Updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: current frame: %w", err)
	}
	return &f, nil
}

// OpenFrame inserts a new empty frame for a conversation and returns it.
func (s *ConversationStore) OpenFrame(ctx context.Context, conversationID string) (*domain.Frame, error) {
	f := &domain.Frame{ID: uuid.NewString(), ConversationID: conversationID}
	const q = `INSERT INTO frames (id, conversation_id) VALUES ($1,$2) RETURNING created_at, updated_at`
	if err := s.db.QueryRow(ctx, q, f.ID, f.ConversationID).Scan(&f.Created, &f.Updated); err != nil {
		return nil, fmt.Errorf("storage: open frame: %w", err)
	}
	return f, nil
}

// SetFrameSummary stores the asynchronously produced summary for a closed frame.
func (s *ConversationStore) SetFrameSummary(ctx context.Context, frameID, summary string) error {
	const q = `UPDATE frames SET summary = $2, updated_at = now() WHERE id = $1`
	_, err := s.db.Exec(ctx, q, frameID, summary)
	if err != nil {
		return fmt.Errorf("storage: set frame summary: %w", err)
	}
	return nil
}

// ListFrames returns every frame of a conversation, oldest first.
func (s *ConversationStore) ListFrames(ctx context.Context, conversationID string) ([]domain.Frame, error) {
	const q = `SELECT id, conversation_id, summary, created_at, updated_at FROM frames
	           WHERE conversation_id = $1 ORDER BY created_at ASC`
	rows, err := s.db.Query(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("storage: list frames: %w", err)
	}
	defer rows.Close()
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Frame, error) {
		var f domain.Frame
		err := row.Scan(&f.ID, &f.ConversationID, &f.Summary, &f.Created, &f.Updated)
		return f, err
	})
}

// AppendMessage inserts a single new message row, always starting a fresh
// role boundary. Used for tool-result messages and the first message of a
// turn where no append-to-previous candidate exists.
func (s *ConversationStore) AppendMessage(ctx context.Context, m *domain.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO messages (id, frame_id, role, content, thinking, raw_input, raw_output, speaker_name, agent_id, tool_call_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`
	err := s.db.QueryRow(ctx, q, m.ID, m.FrameID, m.Role, m.Content, m.Thinking, m.RawInput, m.RawOutput,
		m.SpeakerName, m.AgentID, m.ToolCallID).Scan(&m.Created, &m.Updated)
	if err != nil {
		return fmt.Errorf("storage: append message: %w", err)
	}
	return nil
}

// UpsertStreamingMessage implements the incremental-durability contract: if
// the newest message of frameID has the same role and agent as the incoming
// chunk, the chunk is appended to its content in place; otherwise a new
// message row is started. The whole read-modify-write runs inside one
// SELECT ... FOR UPDATE transaction so concurrent callers never race on the
// same frame's tail message.
func (s *ConversationStore) UpsertStreamingMessage(ctx context.Context, frameID string, role domain.MessageRole, agentID, speakerName, contentDelta string) (*domain.Message, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("storage: upsert streaming message: no pool bound")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const selectQ = `
		SELECT id, role, content, agent_id, created_at, updated_at FROM messages
		WHERE frame_id = $1 ORDER BY created_at DESC LIMIT 1 FOR UPDATE`
	var (
		id, existingRole, content, existingAgent string
		created, updated                         time.Time
	)
	err = tx.QueryRow(ctx, selectQ, frameID).Scan(&id, &existingRole, &content, &existingAgent, &created, &updated)
	switch {
	case err == nil && existingRole == string(role) && existingAgent == agentID:
		newContent := content + contentDelta
		const updateQ = `UPDATE messages SET content = $2, updated_at = now() WHERE id = $1 RETURNING updated_at`
		if err := tx.QueryRow(ctx, updateQ, id, newContent).Scan(&updated); err != nil {
			return nil, fmt.Errorf("storage: upsert streaming message (update): %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("storage: commit: %w", err)
		}
		return &domain.Message{ID: id, FrameID: frameID, Role: role, Content: newContent,
			AgentID: agentID, SpeakerName: speakerName, Created: created, Updated: updated}, nil

	case err == nil || errors.Is(err, pgx.ErrNoRows):
		m := &domain.Message{ID: uuid.NewString(), FrameID: frameID, Role: role,
			Content: contentDelta, AgentID: agentID, SpeakerName: speakerName}
		const insertQ = `
			INSERT INTO messages (id, frame_id, role, content, agent_id, speaker_name)
			VALUES ($1,$2,$3,$4,$5,$6) RETURNING created_at, updated_at`
		if err := tx.QueryRow(ctx, insertQ, m.ID, m.FrameID, m.Role, m.Content, m.AgentID, m.SpeakerName).
			Scan(&m.Created, &m.Updated); err != nil {
			return nil, fmt.Errorf("storage: upsert streaming message (insert): %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("storage: commit: %w", err)
		}
		return m, nil

	default:
		return nil, fmt.Errorf("storage: upsert streaming message (select): %w", err)
	}
}

// SetMessageMeta updates the thinking trace and raw LLM I/O of an
// already-persisted message, without touching its content. Used once a
// streamed assistant turn finishes, to attach the accumulated thinking
// trace and the raw request/response JSON (including any tool_calls) to
// the row that UpsertStreamingMessage already created.
func (s *ConversationStore) SetMessageMeta(ctx context.Context, messageID, thinking, rawInput, rawOutput string) error {
	const q = `UPDATE messages SET thinking = $2, raw_input = $3, raw_output = $4, updated_at = now() WHERE id = $1`
	_, err := s.db.Exec(ctx, q, messageID, thinking, rawInput, rawOutput)
	if err != nil {
		return fmt.Errorf("storage: set message meta: %w", err)
	}
	return nil
}

// ConversationInfo reports the message count and first/last message
// timestamps across every frame of a conversation, for the
// get_conversation_info built-in tool.
func (s *ConversationStore) ConversationInfo(ctx context.Context, conversationID string) (count int, first, last time.Time, err error) {
	const q = `
		SELECT count(*), min(m.created_at), max(m.created_at)
		FROM messages m
		JOIN frames f ON f.id = m.frame_id
		WHERE f.conversation_id = $1`
	var firstN, lastN *time.Time
	if err := s.db.QueryRow(ctx, q, conversationID).Scan(&count, &firstN, &lastN); err != nil {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("storage: conversation info: %w", err)
	}
	if firstN != nil {
		first = *firstN
	}
	if lastN != nil {
		last = *lastN
	}
	return count, first, last, nil
}

// GetMessages returns the messages of a frame in chronological order,
// including every author (administrator reasoning turns included). This is
// the storage-layer primitive behind the transparent history surfaced to
// users; agent runtimes should call GetAgentHistory instead.
func (s *ConversationStore) GetMessages(ctx context.Context, frameID string) ([]domain.Message, error) {
	const q = `
		SELECT id, frame_id, role, content, thinking, raw_input, raw_output, speaker_name, agent_id, tool_call_id, created_at, updated_at
		FROM messages WHERE frame_id = $1 ORDER BY created_at ASC`
	rows, err := s.db.Query(ctx, q, frameID)
	if err != nil {
		return nil, fmt.Errorf("storage: get messages: %w", err)
	}
	defer rows.Close()
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Message, error) {
		var m domain.Message
		err := row.Scan(&m.ID, &m.FrameID, &m.Role, &m.Content, &m.Thinking, &m.RawInput, &m.RawOutput,
			&m.SpeakerName, &m.AgentID, &m.ToolCallID, &m.Created, &m.Updated)
		return m, err
	})
}

// GetAgentHistory returns the messages of a frame in chronological order,
// filtering out turns authored by the reserved Administrator agent: its
// routing rounds are internal reasoning used to pick a recipient, not a
// reply, and must never be replayed into a sibling agent's own context.
func (s *ConversationStore) GetAgentHistory(ctx context.Context, frameID string) ([]domain.Message, error) {
	const q = `
		SELECT m.id, m.frame_id, m.role, m.content, m.thinking, m.raw_input, m.raw_output,
		       m.speaker_name, m.agent_id, m.tool_call_id, m.created_at, m.updated_at
		FROM messages m
		LEFT JOIN agents a ON a.id = m.agent_id
		WHERE m.frame_id = $1 AND (a.is_admin IS NULL OR a.is_admin = false)
		ORDER BY m.created_at ASC`
	rows, err := s.db.Query(ctx, q, frameID)
	if err != nil {
		return nil, fmt.Errorf("storage: get agent history: %w", err)
	}
	defer rows.Close()
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Message, error) {
		var m domain.Message
		err := row.Scan(&m.ID, &m.FrameID, &m.Role, &m.Content, &m.Thinking, &m.RawInput, &m.RawOutput,
			&m.SpeakerName, &m.AgentID, &m.ToolCallID, &m.Created, &m.Updated)
		return m, err
	})
}

// GetFrameMessages returns the messages of a frame, scoped to conversationID
// so a caller can't read frames belonging to another conversation.
func (s *ConversationStore) GetFrameMessages(ctx context.Context, conversationID, frameID string) ([]domain.Message, error) {
	const q = `
		SELECT m.id, m.frame_id, m.role, m.content, m.thinking, m.raw_input, m.raw_output,
		       m.speaker_name, m.agent_id, m.tool_call_id, m.created_at, m.updated_at
		FROM messages m
		JOIN frames f ON f.id = m.frame_id
		WHERE f.conversation_id = $1 AND f.id = $2
		ORDER BY m.created_at ASC`
	rows, err := s.db.Query(ctx, q, conversationID, frameID)
	if err != nil {
		return nil, fmt.Errorf("storage: get frame messages: %w", err)
	}
	defer rows.Close()
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Message, error) {
		var m domain.Message
		err := row.Scan(&m.ID, &m.FrameID, &m.Role, &m.Content, &m.Thinking, &m.RawInput, &m.RawOutput,
			&m.SpeakerName, &m.AgentID, &m.ToolCallID, &m.Created, &m.Updated)
		return m, err
	})
}

// DeleteMessagesFrom deletes the named message and every later message in
// the same frame, implementing conversation branching on message delete.
func (s *ConversationStore) DeleteMessagesFrom(ctx context.Context, messageID string) error {
	const q = `
		DELETE FROM messages WHERE frame_id = (SELECT frame_id FROM messages WHERE id = $1)
		  AND created_at >= (SELECT created_at FROM messages WHERE id = $1)`
	_, err := s.db.Exec(ctx, q, messageID)
	if err != nil {
		return fmt.Errorf("storage: delete messages from: %w", err)
	}
	return nil
}

// SearchMessagesParams parameterizes SearchMessages. Pattern is a POSIX
// regular expression (Go's regexp/syntax subset, as accepted by PostgreSQL's
// `~`/`~*` operators). DateFrom/DateTo are inclusive bounds and may be zero
// to leave that bound open.
type SearchMessagesParams struct {
	Pattern       string
	CaseSensitive bool
	DateFrom      time.Time
	DateTo        time.Time
	Limit         int
}

// SearchMessages runs a regular-expression search over a conversation's
// messages, grounded on the teacher's transcript search (full-text lookup
// over message content) but adapted to POSIX regex matching via PostgreSQL's
// `~`/`~*` operators to satisfy the search_messages tool contract.
func (s *ConversationStore) SearchMessages(ctx context.Context, conversationID string, p SearchMessagesParams) ([]domain.Message, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	op := "~"
	if !p.CaseSensitive {
		op = "~*"
	}
	q := fmt.Sprintf(`
		SELECT m.id, m.frame_id, m.role, m.content, m.thinking, m.raw_input, m.raw_output,
		       m.speaker_name, m.agent_id, m.tool_call_id, m.created_at, m.updated_at
		FROM messages m
		JOIN frames f ON f.id = m.frame_id
		WHERE f.conversation_id = $1
		  AND m.content %s $2
		  AND ($3::timestamptz IS NULL OR m.created_at >= $3)
		  AND ($4::timestamptz IS NULL OR m.created_at <= $4)
		ORDER BY m.created_at DESC
		LIMIT $5`, op)

	var dateFrom, dateTo *time.Time
	if !p.DateFrom.IsZero() {
		dateFrom = &p.DateFrom
	}
	if !p.DateTo.IsZero() {
		dateTo = &p.DateTo
	}

	rows, err := s.db.Query(ctx, q, conversationID, p.Pattern, dateFrom, dateTo, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: search messages: %w", err)
	}
	defer rows.Close()
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Message, error) {
		var m domain.Message
		err := row.Scan(&m.ID, &m.FrameID, &m.Role, &m.Content, &m.Thinking, &m.RawInput, &m.RawOutput,
			&m.SpeakerName, &m.AgentID, &m.ToolCallID, &m.Created, &m.Updated)
		return m, err
	})
}
