package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/knarr-net/thrallguard/internal/guard/admin"
)

// --- Tool Definitions ---

func listPromptsTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"list_prompts",
		"List every prompt stored in the registry, including its hash and when it was last pushed.",
		json.RawMessage(`{"type": "object", "properties": {}}`),
	)
}

func getPromptTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"get_prompt",
		"Fetch the full content of one named prompt. Defaults to the active triage prompt.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"name": {
					"type": "string",
					"description": "Prompt name (default: triage)"
				}
			}
		}`),
	)
}

func loadPromptTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"load_prompt",
		"Push a new prompt and, for the active triage prompt, reload it into the live guard immediately. The content must contain a {tier} placeholder.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"name": {
					"type": "string",
					"description": "Prompt name (default: triage)"
				},
				"content": {
					"type": "string",
					"description": "Prompt text, must contain {tier}"
				},
				"from_node": {
					"type": "string",
					"description": "Identifier of the caller pushing this prompt, recorded as pushed_by"
				}
			},
			"required": ["content"]
		}`),
	)
}

// --- Tool Handlers ---

func (s *Server) handleListPrompts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp := s.registry.Handle(admin.Request{Action: "list"})
	return resultJSON(resp)
}

type getArgs struct {
	Name string `json:"name"`
}

func (s *Server) handleGetPrompt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args getArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	resp := s.registry.Handle(admin.Request{Action: "get", Name: args.Name})
	if resp.Status != "ok" {
		return mcp.NewToolResultError(resp.Error), nil
	}
	return resultJSON(resp)
}

type loadArgs struct {
	Name     string `json:"name"`
	Content  string `json:"content"`
	FromNode string `json:"from_node"`
}

func (s *Server) handleLoadPrompt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args loadArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	resp := s.registry.Handle(admin.Request{
		Action:   "load",
		Name:     args.Name,
		Content:  args.Content,
		FromNode: args.FromNode,
	})
	if resp.Status != "ok" {
		return mcp.NewToolResultError(resp.Error), nil
	}
	return resultJSON(resp)
}

// resultJSON marshals v to JSON and returns it as a tool result.
func resultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
