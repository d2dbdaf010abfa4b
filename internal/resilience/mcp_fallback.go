package resilience

import (
	"context"

	"github.com/MrWong99/glyphoxa/internal/mcp"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
)

// MCPFallback implements [mcp.Host] with automatic failover across multiple
// tool hosts (e.g. a primary self-hosted MCP deployment and a secondary
// region). Each host has its own circuit breaker; RegisterServer and
// Calibrate run against every host so all of them keep a current catalogue,
// while AvailableTools, RiskOf and ExecuteTool are served by the first
// healthy one.
type MCPFallback struct {
	group *FallbackGroup[mcp.Host]
}

// Compile-time interface assertion.
var _ mcp.Host = (*MCPFallback)(nil)

// NewMCPFallback creates an [MCPFallback] with primary as the preferred host.
func NewMCPFallback(primary mcp.Host, primaryName string, cfg FallbackConfig) *MCPFallback {
	return &MCPFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional MCP host as a fallback.
func (f *MCPFallback) AddFallback(name string, host mcp.Host) {
	f.group.AddFallback(name, host)
}

// RegisterServer registers cfg against every host in the group, so each
// keeps an up-to-date catalogue regardless of which one ultimately serves a
// request. Returns the first error encountered, after attempting all hosts.
func (f *MCPFallback) RegisterServer(ctx context.Context, cfg mcp.ServerConfig) error {
	var firstErr error
	for _, h := range f.group.All() {
		if err := h.RegisterServer(ctx, cfg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AvailableTools delegates to the first healthy host.
func (f *MCPFallback) AvailableTools(excluded map[string]bool) []llm.ToolDefinition {
	defs, _ := ExecuteWithResult(f.group, func(h mcp.Host) ([]llm.ToolDefinition, error) {
		return h.AvailableTools(excluded), nil
	})
	return defs
}

// RiskOf delegates to the first healthy host.
func (f *MCPFallback) RiskOf(name string) (mcp.RiskLevel, bool) {
	type riskResult struct {
		level mcp.RiskLevel
		ok    bool
	}
	res, _ := ExecuteWithResult(f.group, func(h mcp.Host) (riskResult, error) {
		level, ok := h.RiskOf(name)
		return riskResult{level, ok}, nil
	})
	return res.level, res.ok
}

// ExecuteTool runs the tool against the first healthy host.
func (f *MCPFallback) ExecuteTool(ctx context.Context, name string, args string) (*mcp.ToolResult, error) {
	return ExecuteWithResult(f.group, func(h mcp.Host) (*mcp.ToolResult, error) {
		return h.ExecuteTool(ctx, name, args)
	})
}

// Calibrate runs against every host in the group so fallback hosts also
// have current latency data if promoted to primary.
func (f *MCPFallback) Calibrate(ctx context.Context) error {
	var firstErr error
	for _, h := range f.group.All() {
		if err := h.Calibrate(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close releases every host in the group.
func (f *MCPFallback) Close() error {
	var firstErr error
	for _, h := range f.group.All() {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
