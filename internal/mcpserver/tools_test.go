package mcpserver

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/knarr-net/thrallguard/internal/db"
	"github.com/knarr-net/thrallguard/internal/guard/admin"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	database, err := db.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	registry := admin.New(database, func() float64 { return 1000 }, func() {})
	return NewServer(registry)
}

func makeRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestHandleLoadPromptRejectsMissingTierPlaceholder(t *testing.T) {
	s := testServer(t)
	result, err := s.handleLoadPrompt(context.Background(), makeRequest("load_prompt", map[string]any{
		"content": "no placeholder",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected tool error result, got %+v", result)
	}
}

func TestHandleLoadThenGetPromptRoundTrip(t *testing.T) {
	s := testServer(t)

	loadResult, err := s.handleLoadPrompt(context.Background(), makeRequest("load_prompt", map[string]any{
		"name":    "triage",
		"content": "hello {tier}",
	}))
	if err != nil || loadResult.IsError {
		t.Fatalf("load_prompt failed: %v %+v", err, loadResult)
	}

	getResult, err := s.handleGetPrompt(context.Background(), makeRequest("get_prompt", map[string]any{
		"name": "triage",
	}))
	if err != nil || getResult.IsError {
		t.Fatalf("get_prompt failed: %v %+v", err, getResult)
	}
}

func TestHandleListPromptsAfterLoad(t *testing.T) {
	s := testServer(t)
	_, _ = s.handleLoadPrompt(context.Background(), makeRequest("load_prompt", map[string]any{
		"name":    "triage",
		"content": "hi {tier}",
	}))

	listResult, err := s.handleListPrompts(context.Background(), makeRequest("list_prompts", nil))
	if err != nil {
		t.Fatalf("list_prompts: %v", err)
	}
	if listResult.IsError {
		t.Fatalf("unexpected error result: %+v", listResult)
	}
}

func TestHandleGetPromptNotFound(t *testing.T) {
	s := testServer(t)
	result, err := s.handleGetPrompt(context.Background(), makeRequest("get_prompt", map[string]any{
		"name": "missing",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected error result for missing prompt")
	}
}
