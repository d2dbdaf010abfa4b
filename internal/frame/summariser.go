package frame

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/glyphoxa/internal/domain"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
	"github.com/MrWong99/glyphoxa/pkg/types"
)

// summarisationPrompt is the system prompt sent to the LLM when summarising
// a frame that is about to roll over.
const summarisationPrompt = `Summarise the following conversation between a user and one or more assistant agents.
Preserve: decisions made, facts stated, open questions, and any commitments the
assistant made. Be concise but keep everything a future turn would need to
avoid repeating itself.`

// LLMSummariser uses an LLM provider to produce frame summaries.
type LLMSummariser struct {
	llm llm.Provider
}

// NewLLMSummariser creates an [LLMSummariser] backed by the given provider.
func NewLLMSummariser(provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{llm: provider}
}

// Summarise formats messages into a transcript and asks the model to condense
// them into a single paragraph.
func (s *LLMSummariser) Summarise(ctx context.Context, messages []domain.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, m := range messages {
		speaker := string(m.Role)
		if m.SpeakerName != "" {
			speaker = m.SpeakerName
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", speaker, m.Content)
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarisationPrompt,
		Messages: []types.Message{
			{Role: "user", Content: sb.String()},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("summarise frame: %w", err)
	}

	return resp.Content, nil
}
