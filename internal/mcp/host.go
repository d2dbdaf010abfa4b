// Package mcp defines the interface for a Model Context Protocol (MCP) host.
//
// The MCP host manages connections to one or more MCP servers, maintains a
// catalogue of available tools, executes tool calls on behalf of agents, and
// calibrates tool latency purely as operational telemetry. Exposure of a
// tool to a given agent is governed by that agent's excluded-tools set, not
// by latency; a tool's [RiskLevel] governs whether a call requires user
// approval before it runs.
//
// Lifecycle:
//
//  1. Call [Host.RegisterServer] for each MCP server to connect to.
//  2. Optionally call [Host.Calibrate] to measure real tool latencies.
//  3. Use [Host.AvailableTools] to enumerate tools not excluded by an agent.
//  4. Use [Host.RiskOf] before [Host.ExecuteTool] to decide whether a call
//     needs an approval round-trip.
//  5. Use [Host.ExecuteTool] to run tools on behalf of agents.
//  6. Call [Host.Close] to release all connections and background goroutines.
//
// All methods must be safe for concurrent use.
package mcp

import (
	"context"

	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
)

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// Name is the human-readable identifier for this server.
	// Must be unique within a single [Host]. Used in log messages and errors.
	Name string

	// Transport specifies the connection mechanism.
	Transport Transport

	// Command is the executable path (and optional arguments) used when
	// Transport is [TransportStdio].
	// Example: "/usr/local/bin/mcp-server --config /etc/mcp.json"
	Command string

	// URL is the endpoint address used when Transport is
	// [TransportStreamableHTTP].
	URL string

	// Env holds additional environment variables injected into the server
	// process when Transport is [TransportStdio]. May be nil.
	Env map[string]string
}

// ToolResult holds the outcome of a single tool execution.
type ToolResult struct {
	// Content is the tool's textual output, typically a JSON string or
	// human-readable text ready for insertion into an LLM context window.
	Content string

	// IsError indicates that the tool returned an application-level error
	// (as opposed to a transport or protocol failure returned via the Go error
	// return value). When IsError is true, Content contains the error message.
	IsError bool

	// DurationMs is the wall-clock time in milliseconds from when the request
	// was dispatched until the full response was received.
	DurationMs int64
}

// ToolHealth captures the measured runtime performance of a single MCP tool,
// populated by [Host.Calibrate]. This is pure telemetry — it no longer
// affects which tools a caller may see.
type ToolHealth struct {
	// Name is the tool's unique identifier, matching [llm.ToolDefinition.Name].
	Name string

	// MeasuredP50Ms is the observed median (50th-percentile) execution latency
	// in milliseconds, as recorded during the most recent [Host.Calibrate] run.
	MeasuredP50Ms int64

	// MeasuredP99Ms is the observed 99th-percentile execution latency in
	// milliseconds, as recorded during the most recent [Host.Calibrate] run.
	MeasuredP99Ms int64

	// CallCount is the total number of times this tool has been invoked since
	// the [Host] was created (or since the last reset, implementation-defined).
	CallCount int

	// ErrorRate is the fraction of calls that resulted in an error (0.0–1.0).
	ErrorRate float64

	// Tier is the [BudgetTier] assigned to this tool based on its measured
	// latency, kept only as an observability signal.
	Tier BudgetTier
}

// Host manages connections to MCP servers, routes tool calls, and tracks
// per-tool performance metrics and risk classifications.
//
// Implementations must be safe for concurrent use.
type Host interface {
	// RegisterServer connects to the MCP server described by cfg and imports
	// its tool catalogue into the host. If a server with the same Name is
	// already registered it is reconnected / refreshed rather than duplicated.
	//
	// Returns an error if the transport cannot be established or the initial
	// tool listing request fails.
	RegisterServer(ctx context.Context, cfg ServerConfig) error

	// AvailableTools returns every registered tool whose name is not present
	// in excluded, sorted by estimated latency ascending (fastest first).
	// excluded may be nil.
	AvailableTools(excluded map[string]bool) []llm.ToolDefinition

	// RiskOf reports the [RiskLevel] of a registered tool. The second return
	// value is false if no tool by that name is registered. Callers must
	// check this before [Host.ExecuteTool] and route RiskHigh calls through
	// an approval round-trip first.
	RiskOf(name string) (RiskLevel, bool)

	// ExecuteTool calls the named tool with JSON-encoded args and returns the
	// result. name must exactly match a [llm.ToolDefinition.Name] returned
	// by [Host.AvailableTools].
	//
	// args must be a valid JSON object string conforming to the tool's
	// Parameters schema. An empty object ("{}") is valid for parameter-less tools.
	//
	// A non-nil *ToolResult is returned on success even when [ToolResult.IsError]
	// is true (application-level error). A Go error is returned only on
	// transport or protocol failure.
	ExecuteTool(ctx context.Context, name string, args string) (*ToolResult, error)

	// Calibrate sends lightweight probe requests to every registered tool and
	// measures their round-trip latency as observability data. Probes must
	// run concurrently and respect ctx for cancellation and deadline
	// propagation.
	Calibrate(ctx context.Context) error

	// Close shuts down all server connections and releases associated resources.
	// After Close returns the Host must not be used again.
	Close() error
}
