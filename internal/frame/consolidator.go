package frame

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/glyphoxa/internal/domain"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

// consolidationPrompt instructs the model to merge new conversation content
// into an agent's existing long-term memory without exceeding the cap the
// frame manager enforces.
const consolidationPrompt = `You maintain an assistant agent's long-term memory. You are given the
agent's system prompt, its current memory (may be empty), and a new segment
of conversation. Produce an updated memory that folds in anything from the
new segment worth remembering long-term: stable facts about the user,
ongoing commitments, preferences. Drop anything transient. Keep the result
under %d characters.`

// LLMConsolidator uses an LLM provider to merge new conversation content into
// an agent's persisted memory string.
type LLMConsolidator struct {
	llm llm.Provider
}

// NewLLMConsolidator creates an [LLMConsolidator] backed by the given provider.
func NewLLMConsolidator(provider llm.Provider) *LLMConsolidator {
	return &LLMConsolidator{llm: provider}
}

// Consolidate returns an updated memory string, capped at [MaxMemoryChars].
func (c *LLMConsolidator) Consolidate(ctx context.Context, currentMemory, systemPrompt string, messages []domain.Message) (string, error) {
	if len(messages) == 0 {
		return currentMemory, nil
	}

	var sb strings.Builder
	for _, m := range messages {
		speaker := string(m.Role)
		if m.SpeakerName != "" {
			speaker = m.SpeakerName
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", speaker, m.Content)
	}

	userPrompt := fmt.Sprintf("Agent system prompt:\n%s\n\nCurrent memory:\n%s\n\nNew conversation segment:\n%s",
		systemPrompt, currentMemory, sb.String())

	resp, err := c.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(consolidationPrompt, MaxMemoryChars),
		Messages: []types.Message{
			{Role: "user", Content: userPrompt},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("consolidate memory: %w", err)
	}

	updated := resp.Content
	if len(updated) > MaxMemoryChars {
		updated = updated[:MaxMemoryChars]
	}
	return updated, nil
}
