package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/glyphoxa/internal/mcp"
	mcpmock "github.com/MrWong99/glyphoxa/internal/mcp/mock"
)

func TestMCPFallback_ExecuteTool_PrimarySuccess(t *testing.T) {
	primary := &mcpmock.Host{ExecuteToolResult: &mcp.ToolResult{Content: "from primary"}}
	secondary := &mcpmock.Host{ExecuteToolResult: &mcp.ToolResult{Content: "from secondary"}}

	fb := NewMCPFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	res, err := fb.ExecuteTool(context.Background(), "search_messages", "{}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "from primary" {
		t.Fatalf("content = %q, want 'from primary'", res.Content)
	}
	if primary.CallCount("ExecuteTool") != 1 {
		t.Fatalf("primary called %d times, want 1", primary.CallCount("ExecuteTool"))
	}
	if secondary.CallCount("ExecuteTool") != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount("ExecuteTool"))
	}
}

func TestMCPFallback_ExecuteTool_Failover(t *testing.T) {
	primary := &mcpmock.Host{ExecuteToolErr: errors.New("primary down")}
	secondary := &mcpmock.Host{ExecuteToolResult: &mcp.ToolResult{Content: "from secondary"}}

	fb := NewMCPFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	res, err := fb.ExecuteTool(context.Background(), "search_messages", "{}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "from secondary" {
		t.Fatalf("content = %q, want 'from secondary'", res.Content)
	}
}

func TestMCPFallback_ExecuteTool_AllFail(t *testing.T) {
	primary := &mcpmock.Host{ExecuteToolErr: errors.New("primary down")}
	secondary := &mcpmock.Host{ExecuteToolErr: errors.New("secondary down")}

	fb := NewMCPFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.ExecuteTool(context.Background(), "search_messages", "{}")
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestMCPFallback_RegisterServer_FansOutToEveryHost(t *testing.T) {
	primary := &mcpmock.Host{}
	secondary := &mcpmock.Host{}

	fb := NewMCPFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	if err := fb.RegisterServer(context.Background(), mcp.ServerConfig{Name: "srv"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.CallCount("RegisterServer") != 1 {
		t.Errorf("primary.RegisterServer called %d times, want 1", primary.CallCount("RegisterServer"))
	}
	if secondary.CallCount("RegisterServer") != 1 {
		t.Errorf("secondary.RegisterServer called %d times, want 1", secondary.CallCount("RegisterServer"))
	}
}

func TestMCPFallback_RiskOf_PrimarySuccess(t *testing.T) {
	primary := &mcpmock.Host{RiskOfResult: mcp.RiskHigh}

	fb := NewMCPFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})

	level, ok := fb.RiskOf("dangerous_tool")
	if !ok {
		t.Fatal("expected ok=true")
	}
	if level != mcp.RiskHigh {
		t.Errorf("level = %v, want RiskHigh", level)
	}
}
