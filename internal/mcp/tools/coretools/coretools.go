// Package coretools provides the built-in tools registered for every agent:
// searching and browsing the active conversation, and fetching a named
// skill's full instructions. Like any other tool, a core tool is not offered
// to an agent whose excluded-tools set names it. All handlers are safe for
// concurrent use and rely solely on the persistence gateway — no external I/O.
//
// Every handler expects conversation_id and, where relevant, user_id to be
// present in its decoded arguments. The tool registry injects these fields
// before calling the handler; the LLM never supplies them itself.
package coretools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/glyphoxa/internal/mcp/tools"
	"github.com/MrWong99/glyphoxa/internal/storage"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
)

// New returns the built-in tool catalogue, bound to the given repositories.
func New(convs *storage.ConversationStore, skills *storage.SkillStore) []tools.Tool {
	return []tools.Tool{
		searchMessagesTool(convs),
		getConversationInfoTool(convs),
		getFrameSummariesTool(convs),
		getFrameMessagesTool(convs),
		getSkillInstructionsTool(skills),
	}
}

// ──────────────────────────────────────────────────────────────────────────
// search_messages
// ──────────────────────────────────────────────────────────────────────────

type searchMessagesArgs struct {
	ConversationID string `json:"conversation_id"`
	Pattern        string `json:"pattern"`
	CaseSensitive  bool   `json:"case_sensitive,omitempty"`
	DateFrom       string `json:"date_from,omitempty"`
	DateTo         string `json:"date_to,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

type searchMessagesMatch struct {
	MessageID string    `json:"message_id"`
	FrameID   string    `json:"frame_id"`
	Snippet   string    `json:"snippet"`
	CreatedAt time.Time `json:"created_at"`
}

const snippetRadius = 80

func searchMessagesTool(convs *storage.ConversationStore) tools.Tool {
	handler := func(ctx context.Context, args string) (string, error) {
		var a searchMessagesArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("search_messages: parse arguments: %w", err)
		}
		if a.Pattern == "" {
			return "", fmt.Errorf("search_messages: pattern must not be empty")
		}

		p := storage.SearchMessagesParams{
			Pattern:       a.Pattern,
			CaseSensitive: a.CaseSensitive,
			Limit:         a.Limit,
		}
		if a.DateFrom != "" {
			t, err := time.Parse(time.RFC3339, a.DateFrom)
			if err != nil {
				return "", fmt.Errorf("search_messages: invalid date_from: %w", err)
			}
			p.DateFrom = t
		}
		if a.DateTo != "" {
			t, err := time.Parse(time.RFC3339, a.DateTo)
			if err != nil {
				return "", fmt.Errorf("search_messages: invalid date_to: %w", err)
			}
			p.DateTo = t
		}

		msgs, err := convs.SearchMessages(ctx, a.ConversationID, p)
		if err != nil {
			return "", fmt.Errorf("search_messages: %w", err)
		}

		matches := make([]searchMessagesMatch, len(msgs))
		for i, m := range msgs {
			matches[i] = searchMessagesMatch{
				MessageID: m.ID,
				FrameID:   m.FrameID,
				Snippet:   snippet(m.Content, a.Pattern),
				CreatedAt: m.Created,
			}
		}
		return marshal(matches)
	}

	return tools.Tool{
		Definition: llm.ToolDefinition{
			Name:        "search_messages",
			Description: "Regular-expression search over the active conversation's messages. Returns matches with their message ID, frame ID, a short snippet, and timestamp.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pattern":        map[string]any{"type": "string", "description": "POSIX regular expression to match against message content."},
					"case_sensitive": map[string]any{"type": "boolean", "description": "Match case-sensitively. Defaults to false."},
					"date_from":      map[string]any{"type": "string", "description": "RFC3339 timestamp; only messages on or after this time are returned."},
					"date_to":        map[string]any{"type": "string", "description": "RFC3339 timestamp; only messages on or before this time are returned."},
					"limit":          map[string]any{"type": "integer", "description": "Maximum number of matches to return. Defaults to 20."},
				},
				"required": []string{"pattern"},
			},
			EstimatedDurationMs: 80,
			MaxDurationMs:       1500,
			Idempotent:          true,
		},
		Handler:     handler,
		DeclaredP50: 80,
		DeclaredMax: 1500,
	}
}

// snippet returns a short excerpt of content centered on the first match of
// pattern, falling back to the start of content if no match is found (the
// SQL query already filtered on the pattern, so this is best-effort framing
// rather than re-validation).
func snippet(content, pattern string) string {
	idx := strings.Index(strings.ToLower(content), strings.ToLower(pattern))
	if idx < 0 {
		idx = 0
	}
	start := max(0, idx-snippetRadius)
	end := min(len(content), idx+len(pattern)+snippetRadius)
	return content[start:end]
}

// ──────────────────────────────────────────────────────────────────────────
// get_conversation_info
// ──────────────────────────────────────────────────────────────────────────

type conversationInfoArgs struct {
	ConversationID string `json:"conversation_id"`
}

type conversationInfoResult struct {
	MessageCount int       `json:"message_count"`
	FirstAt      time.Time `json:"first_at,omitzero"`
	LastAt       time.Time `json:"last_at,omitzero"`
}

func getConversationInfoTool(convs *storage.ConversationStore) tools.Tool {
	handler := func(ctx context.Context, args string) (string, error) {
		var a conversationInfoArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("get_conversation_info: parse arguments: %w", err)
		}
		count, first, last, err := convs.ConversationInfo(ctx, a.ConversationID)
		if err != nil {
			return "", fmt.Errorf("get_conversation_info: %w", err)
		}
		return marshal(conversationInfoResult{MessageCount: count, FirstAt: first, LastAt: last})
	}

	return tools.Tool{
		Definition: llm.ToolDefinition{
			Name:                "get_conversation_info",
			Description:         "Returns the message count and first/last message timestamps for the active conversation.",
			Parameters:          map[string]any{"type": "object", "properties": map[string]any{}},
			EstimatedDurationMs: 30,
			MaxDurationMs:       500,
			Idempotent:          true,
			CacheableSeconds:    5,
		},
		Handler:     handler,
		DeclaredP50: 30,
		DeclaredMax: 500,
	}
}

// ──────────────────────────────────────────────────────────────────────────
// get_frame_summaries
// ──────────────────────────────────────────────────────────────────────────

type frameSummariesArgs struct {
	ConversationID string `json:"conversation_id"`
}

type frameSummary struct {
	FrameID string    `json:"frame_id"`
	Summary string    `json:"summary"`
	Created time.Time `json:"created_at"`
}

func getFrameSummariesTool(convs *storage.ConversationStore) tools.Tool {
	handler := func(ctx context.Context, args string) (string, error) {
		var a frameSummariesArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("get_frame_summaries: parse arguments: %w", err)
		}
		frames, err := convs.ListFrames(ctx, a.ConversationID)
		if err != nil {
			return "", fmt.Errorf("get_frame_summaries: %w", err)
		}
		out := make([]frameSummary, 0, len(frames))
		for _, f := range frames {
			if f.Summary == "" {
				continue
			}
			out = append(out, frameSummary{FrameID: f.ID, Summary: f.Summary, Created: f.Created})
		}
		return marshal(out)
	}

	return tools.Tool{
		Definition: llm.ToolDefinition{
			Name:                "get_frame_summaries",
			Description:         "Lists past frames (session windows) of the active conversation that have a stored summary.",
			Parameters:          map[string]any{"type": "object", "properties": map[string]any{}},
			EstimatedDurationMs: 30,
			MaxDurationMs:       500,
			Idempotent:          true,
			CacheableSeconds:    30,
		},
		Handler:     handler,
		DeclaredP50: 30,
		DeclaredMax: 500,
	}
}

// ──────────────────────────────────────────────────────────────────────────
// get_frame_messages
// ──────────────────────────────────────────────────────────────────────────

type frameMessagesArgs struct {
	ConversationID string `json:"conversation_id"`
	FrameID        string `json:"frame_id"`
}

func getFrameMessagesTool(convs *storage.ConversationStore) tools.Tool {
	handler := func(ctx context.Context, args string) (string, error) {
		var a frameMessagesArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("get_frame_messages: parse arguments: %w", err)
		}
		if a.FrameID == "" {
			return "", fmt.Errorf("get_frame_messages: frame_id must not be empty")
		}
		msgs, err := convs.GetFrameMessages(ctx, a.ConversationID, a.FrameID)
		if err != nil {
			return "", fmt.Errorf("get_frame_messages: %w", err)
		}
		return marshal(msgs)
	}

	return tools.Tool{
		Definition: llm.ToolDefinition{
			Name:        "get_frame_messages",
			Description: "Returns every message of a specific past frame of the active conversation.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"frame_id": map[string]any{"type": "string", "description": "ID of the frame to retrieve, as returned by get_frame_summaries."},
				},
				"required": []string{"frame_id"},
			},
			EstimatedDurationMs: 50,
			MaxDurationMs:       1000,
			Idempotent:          true,
		},
		Handler:     handler,
		DeclaredP50: 50,
		DeclaredMax: 1000,
	}
}

// ──────────────────────────────────────────────────────────────────────────
// get_skill_instructions
// ──────────────────────────────────────────────────────────────────────────

type skillInstructionsArgs struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

func getSkillInstructionsTool(skills *storage.SkillStore) tools.Tool {
	handler := func(ctx context.Context, args string) (string, error) {
		var a skillInstructionsArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("get_skill_instructions: parse arguments: %w", err)
		}
		if a.Name == "" {
			return "", fmt.Errorf("get_skill_instructions: name must not be empty")
		}
		sk, err := skills.GetByName(ctx, a.UserID, a.Name)
		if err != nil {
			return "", fmt.Errorf("get_skill_instructions: %w", err)
		}
		return sk.Instructions, nil
	}

	return tools.Tool{
		Definition: llm.ToolDefinition{
			Name:        "get_skill_instructions",
			Description: "Fetches the full instruction text of a named skill enabled on this user's account.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{"type": "string", "description": "Exact name of the skill, as listed in the system prompt."},
				},
				"required": []string{"name"},
			},
			EstimatedDurationMs: 20,
			MaxDurationMs:       500,
			Idempotent:          true,
			CacheableSeconds:    60,
		},
		Handler:     handler,
		DeclaredP50: 20,
		DeclaredMax: 500,
	}
}

// marshal encodes v as JSON. Nil slices are not normalised and encode as
// "null".
func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}
