// Package admin implements the prompt registry's trusted-caller surface:
// list, get, and load operations against the prompt table, with load
// triggering a synchronous reload of the live guard's active prompt. The
// registry is handed the guard's reload callback as a plain function value
// at construction instead of holding a pointer back to the guard, avoiding
// the cyclic reference a guard<->registry object pair would otherwise
// require.
package admin

import (
	"fmt"
	"strings"

	"github.com/knarr-net/thrallguard/internal/db"
)

// Registry exposes the prompt table to a trusted external caller.
type Registry struct {
	db     *db.DB
	reload func()
	now    func() float64
}

// New builds a Registry. reload is invoked synchronously, in the caller's
// goroutine, after every successful load — it is expected to be cheap
// (re-read one row, recompute a hash).
func New(database *db.DB, now func() float64, reload func()) *Registry {
	return &Registry{db: database, reload: reload, now: now}
}

// Request is the admin surface's JSON input shape.
type Request struct {
	Action   string `json:"action"`
	Name     string `json:"name"`
	Content  string `json:"content"`
	FromNode string `json:"from_node"`
}

// PromptSummary is one row as returned by List.
type PromptSummary struct {
	Name     string  `json:"name"`
	Hash     string  `json:"hash"`
	PushedBy string  `json:"pushed_by"`
	PushedAt float64 `json:"pushed_at"`
	Active   bool    `json:"active"`
}

// Response is the admin surface's JSON output shape. Only the fields
// relevant to the action performed are populated.
type Response struct {
	Status   string          `json:"status"`
	Error    string          `json:"error,omitempty"`
	Prompt   string          `json:"prompt,omitempty"`
	Hash     string          `json:"hash,omitempty"`
	Name     string          `json:"name,omitempty"`
	Content  string          `json:"content,omitempty"`
	PushedBy string          `json:"pushed_by,omitempty"`
	PushedAt float64         `json:"pushed_at,omitempty"`
	Prompts  []PromptSummary `json:"prompts,omitempty"`
}

// Handle dispatches an admin request. Action defaults to "load" and name
// defaults to "triage" when omitted, matching how the prompt registry has
// always been invoked by its one caller (the default — and for a long
// time, only — prompt is "triage").
func (r *Registry) Handle(req Request) Response {
	action := req.Action
	if action == "" {
		action = "load"
	}

	switch action {
	case "load":
		return r.load(req)
	case "list":
		return r.list()
	case "get":
		return r.get(req)
	default:
		return Response{Status: "error", Error: fmt.Sprintf("unknown action: %s", action)}
	}
}

func (r *Registry) load(req Request) Response {
	name := req.Name
	if name == "" {
		name = "triage"
	}
	content := req.Content
	if strings.TrimSpace(content) == "" {
		return Response{Status: "error", Error: "content required"}
	}
	if !strings.Contains(content, "{tier}") {
		return Response{Status: "error", Error: "prompt must contain {tier} placeholder"}
	}

	hash := promptHashHex(content)
	pushedBy := req.FromNode
	if pushedBy == "" {
		pushedBy = "unknown"
	}
	if len(pushedBy) > 16 {
		pushedBy = pushedBy[:16]
	}

	if err := r.db.UpsertPrompt(name, content, hash, pushedBy, r.now()); err != nil {
		return Response{Status: "error", Error: err.Error()}
	}

	if r.reload != nil {
		r.reload()
	}

	return Response{Status: "ok", Prompt: name, Hash: hash}
}

func (r *Registry) list() Response {
	prompts, err := r.db.ListPrompts()
	if err != nil {
		return Response{Status: "error", Error: err.Error()}
	}
	summaries := make([]PromptSummary, 0, len(prompts))
	for _, p := range prompts {
		summaries = append(summaries, PromptSummary{
			Name:     p.Name,
			Hash:     p.Hash,
			PushedBy: p.PushedBy,
			PushedAt: p.PushedAt,
			Active:   p.Active,
		})
	}
	return Response{Status: "ok", Prompts: summaries}
}

func (r *Registry) get(req Request) Response {
	name := req.Name
	if name == "" {
		name = "triage"
	}
	p, err := r.db.GetPrompt(name)
	if err != nil {
		return Response{Status: "error", Error: err.Error()}
	}
	if p == nil {
		return Response{Status: "error", Error: fmt.Sprintf("prompt '%s' not found", name)}
	}
	return Response{Status: "ok", Name: name, Content: p.Content, Hash: p.Hash, PushedBy: p.PushedBy, PushedAt: p.PushedAt}
}
