package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MrWong99/glyphoxa/internal/mcp"
	"github.com/MrWong99/glyphoxa/internal/mcp/tools"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
)

// RoutingTools returns the route_to_agent and route_to_user built-in tools.
// These are registered into each user's MCP Host alongside coretools. Like
// every other registered tool, they appear in an agent's tool catalogue
// unless that agent's ExcludedTools set names them; nothing excludes them
// from SimpleAgents by default.
func RoutingTools() []tools.Tool {
	return []tools.Tool{routeToAgentTool(), routeToUserTool()}
}

// ──────────────────────────────────────────────────────────────────────────
// route_to_agent
// ──────────────────────────────────────────────────────────────────────────

type routeToAgentArgs struct {
	ConversationID string `json:"conversation_id"`
	FrameID        string `json:"frame_id"`
	UserID         string `json:"user_id"`
	AgentName      string `json:"agent_name"`
	Reason         string `json:"reason"`
}

func routeToAgentTool() tools.Tool {
	handler := func(ctx context.Context, args string) (string, error) {
		var a routeToAgentArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("route_to_agent: parse arguments: %w", err)
		}
		if a.AgentName == "" {
			return "", fmt.Errorf("route_to_agent: agent_name must not be empty")
		}

		o, ok := orchestratorFromContext(ctx)
		if !ok {
			return "", fmt.Errorf("route_to_agent: no orchestrator in context")
		}
		emit := emitFromContext(ctx)

		return o.routeToAgent(ctx, a.ConversationID, a.FrameID, a.UserID, a.AgentName, a.Reason, emit)
	}

	return tools.Tool{
		Handler: handler,
		Definition: llm.ToolDefinition{
			Name:        "route_to_agent",
			Description: "Hand this message to a named SimpleAgent for one turn, then regain control to decide the next step.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"agent_name": map[string]any{"type": "string", "description": "The exact name of the agent to route to."},
					"reason":     map[string]any{"type": "string", "description": "One sentence explaining why this agent was chosen."},
				},
				"required": []string{"agent_name", "reason"},
			},
			EstimatedDurationMs: 4000,
			MaxDurationMs:       30000,
		},
		DeclaredP50: 4000,
		DeclaredMax: 30000,
		Risk:        mcp.RiskLow,
	}
}

// ──────────────────────────────────────────────────────────────────────────
// route_to_user
// ──────────────────────────────────────────────────────────────────────────

type routeToUserArgs struct {
	ConversationID string `json:"conversation_id"`
	FrameID        string `json:"frame_id"`
	FinalMessage   string `json:"final_message"`
}

func routeToUserTool() tools.Tool {
	handler := func(ctx context.Context, args string) (string, error) {
		var a routeToUserArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("route_to_user: parse arguments: %w", err)
		}
		if a.FinalMessage == "" {
			return "", fmt.Errorf("route_to_user: final_message must not be empty")
		}

		o, ok := orchestratorFromContext(ctx)
		if !ok {
			return "", fmt.Errorf("route_to_user: no orchestrator in context")
		}
		emit := emitFromContext(ctx)

		return o.deliverToUser(ctx, a.ConversationID, a.FrameID, a.FinalMessage, emit)
	}

	return tools.Tool{
		Handler: handler,
		Definition: llm.ToolDefinition{
			Name:        "route_to_user",
			Description: "Deliver final_message directly to the user as the assistant's reply, ending this orchestration round.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"final_message": map[string]any{"type": "string", "description": "The exact text to show the user."},
				},
				"required": []string{"final_message"},
			},
			EstimatedDurationMs: 100,
			MaxDurationMs:       2000,
			Idempotent:          true,
		},
		DeclaredP50: 100,
		DeclaredMax: 2000,
		Risk:        mcp.RiskLow,
	}
}
