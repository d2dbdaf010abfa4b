package tools_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/MrWong99/glyphoxa/internal/mcp"
	mcpmock "github.com/MrWong99/glyphoxa/internal/mcp/mock"
	"github.com/MrWong99/glyphoxa/internal/tools"
)

// TestExecute_InjectsContext verifies that conversation/frame/user IDs are
// merged into the arguments passed to the underlying host.
func TestExecute_InjectsContext(t *testing.T) {
	t.Parallel()
	host := &mcpmock.Host{ExecuteToolResult: &mcp.ToolResult{Content: "{}"}}
	reg := tools.NewRegistry(host, func(tools.ApprovalRequest) {
		t.Fatal("emit should not be called for a low-risk tool")
	}, nil)

	_, err := reg.Execute(context.Background(), "search_messages", `{"pattern":"hello"}`, tools.Injected{
		ConversationID: "conv-1",
		FrameID:        "frame-1",
		UserID:         "user-1",
	})
	if err != nil {
		t.Fatalf("Execute returned unexpected error: %v", err)
	}

	calls := host.Calls()
	var sent string
	for _, c := range calls {
		if c.Method == "ExecuteTool" {
			sent = c.Args[1].(string)
		}
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(sent), &got); err != nil {
		t.Fatalf("args not valid JSON: %v", err)
	}
	if got["conversation_id"] != "conv-1" || got["frame_id"] != "frame-1" || got["user_id"] != "user-1" {
		t.Errorf("injected fields missing or wrong: %v", got)
	}
	if got["pattern"] != "hello" {
		t.Errorf("original argument lost: %v", got)
	}
}

// TestExecute_HighRiskWaitsForApproval verifies that a RiskHigh tool blocks
// until Resolve is called, and that the call is forwarded once approved.
func TestExecute_HighRiskWaitsForApproval(t *testing.T) {
	t.Parallel()
	host := &mcpmock.Host{
		RiskOfResult:      mcp.RiskHigh,
		ExecuteToolResult: &mcp.ToolResult{Content: "ok"},
	}

	emitted := make(chan tools.ApprovalRequest, 1)
	reg := tools.NewRegistry(host, func(req tools.ApprovalRequest) {
		emitted <- req
	}, nil)

	resultCh := make(chan *mcp.ToolResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := reg.Execute(context.Background(), "play_music", `{"query":"jazz"}`, tools.Injected{})
		resultCh <- res
		errCh <- err
	}()

	var req tools.ApprovalRequest
	select {
	case req = <-emitted:
	case <-time.After(time.Second):
		t.Fatal("approval request was never emitted")
	}
	if req.ToolName != "play_music" {
		t.Errorf("expected tool name play_music, got %q", req.ToolName)
	}

	if !reg.Resolve(req.ApprovalID, tools.ApprovalResult{Approved: true}) {
		t.Fatal("Resolve reported no pending approval")
	}

	select {
	case res := <-resultCh:
		if err := <-errCh; err != nil {
			t.Fatalf("Execute returned unexpected error: %v", err)
		}
		if res.Content != "ok" {
			t.Errorf("expected forwarded result, got %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("Execute did not return after approval")
	}

	if n := host.CallCount("ExecuteTool"); n != 1 {
		t.Errorf("expected 1 ExecuteTool call, got %d", n)
	}
}

// TestExecute_HighRiskDenied verifies that a denied approval short-circuits
// before reaching the host and reports a denied tool-error result.
func TestExecute_HighRiskDenied(t *testing.T) {
	t.Parallel()
	host := &mcpmock.Host{RiskOfResult: mcp.RiskHigh}
	emitted := make(chan tools.ApprovalRequest, 1)
	reg := tools.NewRegistry(host, func(req tools.ApprovalRequest) { emitted <- req }, nil)

	resultCh := make(chan *mcp.ToolResult, 1)
	go func() {
		res, _ := reg.Execute(context.Background(), "route_to_agent", `{}`, tools.Injected{})
		resultCh <- res
	}()

	req := <-emitted
	reg.Resolve(req.ApprovalID, tools.ApprovalResult{Approved: false})

	res := <-resultCh
	if !res.IsError {
		t.Fatalf("expected IsError true for denied call, got %+v", res)
	}
	if n := host.CallCount("ExecuteTool"); n != 0 {
		t.Errorf("expected ExecuteTool never called, got %d calls", n)
	}
}

// TestExecute_UnknownTool verifies that an unrecognized tool name surfaces
// an error rather than silently executing.
func TestExecute_UnknownTool(t *testing.T) {
	t.Parallel()
	host := &mcpmock.Host{RiskOfNotFound: true}
	reg := tools.NewRegistry(host, func(tools.ApprovalRequest) {}, nil)

	_, err := reg.Execute(context.Background(), "ghost_tool", `{}`, tools.Injected{})
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

// TestResolve_UnknownApprovalID reports false rather than panicking.
func TestResolve_UnknownApprovalID(t *testing.T) {
	t.Parallel()
	reg := tools.NewRegistry(&mcpmock.Host{}, func(tools.ApprovalRequest) {}, nil)
	if reg.Resolve("does-not-exist", tools.ApprovalResult{Approved: true}) {
		t.Error("expected Resolve to report false for an unknown approval ID")
	}
}
