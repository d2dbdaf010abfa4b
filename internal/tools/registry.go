// Package tools wraps the MCP Tool Registry (see internal/mcp) with the two
// concerns that sit above a bare tool host: injecting conversation context
// into every call's arguments, and gating high-risk calls behind a
// user-approval round-trip before they reach the host.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/glyphoxa/internal/mcp"
	"github.com/MrWong99/glyphoxa/internal/observe"
	"github.com/MrWong99/glyphoxa/pkg/provider/llm"
)

// ApprovalTimeout bounds how long Execute waits for a tool_approval_response
// before treating a high-risk call as denied.
const ApprovalTimeout = 60 * time.Second

// ApprovalRequest describes a high-risk tool call awaiting user sign-off.
// It is emitted to the session gateway, which forwards it to the owning
// user as a tool_approval_request event.
type ApprovalRequest struct {
	ApprovalID  string
	ToolName    string
	ToolArgs    string
	Description string
	RiskLevel   mcp.RiskLevel
}

// ApprovalResult is the resolution of a pending ApprovalRequest, delivered
// by Resolve when the matching tool_approval_response arrives.
type ApprovalResult struct {
	Approved bool

	// ModifiedArgs, if non-empty, replaces ToolArgs before execution. This
	// lets a user edit the call's arguments rather than only approve or deny.
	ModifiedArgs string
}

// Registry wraps an [mcp.Host], injecting per-call context and enforcing
// approval for high-risk tools. Safe for concurrent use.
type Registry struct {
	host    mcp.Host
	emit    func(ApprovalRequest)
	metrics *observe.Metrics

	mu      sync.Mutex
	pending map[string]chan ApprovalResult
}

// NewRegistry constructs a Registry backed by host. emit is called once per
// high-risk tool invocation, synchronously, before Execute begins waiting
// for a response; it must not block. A nil metrics disables instrumentation,
// which test doubles rely on.
func NewRegistry(host mcp.Host, emit func(ApprovalRequest), metrics *observe.Metrics) *Registry {
	return &Registry{
		host:    host,
		emit:    emit,
		metrics: metrics,
		pending: make(map[string]chan ApprovalResult),
	}
}

// AvailableTools delegates to the underlying host, filtering by excluded.
func (r *Registry) AvailableTools(excluded map[string]bool) []llm.ToolDefinition {
	return r.host.AvailableTools(excluded)
}

// Injected carries the fields the registry merges into every tool call's
// arguments before dispatch. The LLM never sets these itself; zero-value
// fields are omitted from the merge.
type Injected struct {
	ConversationID string
	FrameID        string
	UserID         string
}

// Execute runs toolName with args (a JSON object string), merging in the
// fields of inj and, if the tool is classified [mcp.RiskHigh], blocking
// until the call is approved, denied, or ApprovalTimeout elapses.
//
// A denial or timeout is not treated as a Go error: it is reported as a
// successful [mcp.ToolResult] with IsError true and a {"error":"denied"}
// payload, so the calling agent loop can record it as a tool-role message
// and let the model react, consistent with every other tool-level error.
func (r *Registry) Execute(ctx context.Context, toolName, args string, inj Injected) (*mcp.ToolResult, error) {
	start := time.Now()
	result, err := r.execute(ctx, toolName, args, inj)
	if r.metrics != nil {
		status := "ok"
		switch {
		case err != nil:
			status = "error"
		case result != nil && result.IsError:
			status = "denied"
		}
		r.metrics.RecordToolCall(ctx, toolName, status)
		r.metrics.RecordToolDuration(ctx, toolName, time.Since(start).Seconds())
	}
	return result, err
}

func (r *Registry) execute(ctx context.Context, toolName, args string, inj Injected) (*mcp.ToolResult, error) {
	merged, err := mergeInjected(args, inj)
	if err != nil {
		return nil, fmt.Errorf("tools: merge injected args for %q: %w", toolName, err)
	}

	risk, ok := r.host.RiskOf(toolName)
	if !ok {
		return nil, fmt.Errorf("tools: unknown tool %q", toolName)
	}

	if risk == mcp.RiskHigh {
		approved, effectiveArgs, err := r.awaitApproval(ctx, toolName, merged)
		if err != nil {
			return nil, err
		}
		if !approved {
			return deniedResult(), nil
		}
		merged = effectiveArgs
	}

	return r.host.ExecuteTool(ctx, toolName, merged)
}

// awaitApproval registers a pending channel, emits the approval request,
// and blocks until a response arrives, the context is cancelled, or
// ApprovalTimeout elapses.
func (r *Registry) awaitApproval(ctx context.Context, toolName, args string) (approved bool, effectiveArgs string, err error) {
	approvalID := uuid.NewString()
	ch := make(chan ApprovalResult, 1)

	r.mu.Lock()
	r.pending[approvalID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, approvalID)
		r.mu.Unlock()
	}()

	r.emit(ApprovalRequest{
		ApprovalID:  approvalID,
		ToolName:    toolName,
		ToolArgs:    args,
		Description: fmt.Sprintf("call to %s", toolName),
		RiskLevel:   mcp.RiskHigh,
	})

	timer := time.NewTimer(ApprovalTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if !res.Approved {
			return false, "", nil
		}
		if res.ModifiedArgs != "" {
			return true, res.ModifiedArgs, nil
		}
		return true, args, nil
	case <-timer.C:
		return false, "", nil
	case <-ctx.Done():
		return false, "", ctx.Err()
	}
}

// Resolve delivers a tool_approval_response to the pending wait registered
// under approvalID. It reports whether a matching pending approval was
// found; a stale or unknown ID (already timed out, or never issued by this
// Registry) returns false and is otherwise ignored.
func (r *Registry) Resolve(approvalID string, result ApprovalResult) bool {
	r.mu.Lock()
	ch, ok := r.pending[approvalID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- result:
	default:
	}
	return true
}

// deniedResult is the canonical tool-role payload for a denied or
// timed-out high-risk call.
func deniedResult() *mcp.ToolResult {
	return &mcp.ToolResult{
		Content: `{"error":"denied"}`,
		IsError: true,
	}
}

// mergeInjected decodes args as a JSON object, overwrites it with inj's
// non-empty fields, and re-encodes it. If args is empty or not an object,
// it is treated as "{}".
func mergeInjected(args string, inj Injected) (string, error) {
	fields := map[string]any{}
	if args != "" {
		if err := json.Unmarshal([]byte(args), &fields); err != nil {
			return "", fmt.Errorf("decode tool arguments: %w", err)
		}
	}

	if inj.ConversationID != "" {
		fields["conversation_id"] = inj.ConversationID
	}
	if inj.FrameID != "" {
		fields["frame_id"] = inj.FrameID
	}
	if inj.UserID != "" {
		fields["user_id"] = inj.UserID
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode tool arguments: %w", err)
	}
	return string(out), nil
}
