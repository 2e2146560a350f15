package guard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DefaultSystemPrompt is installed as the active "triage" prompt the first
// time the guard starts against a fresh database.
const DefaultSystemPrompt = `You classify inbound P2P messages. Reply with exactly one JSON object.
Valid actions: drop, wake, reply.
- drop: spam, noise, single-word messages, gibberish,
        AND acknowledgments ("got it", "thanks", "received", "logged",
        "noted", "will do", "cheers") — these are terminal, no reply needed
- wake: legitimate questions, collaboration requests, technical discussions,
        explicit requests for action
- reply: simple greetings, status checks ("hello", "is your node online?")
Sender trust: {tier}. For unknown senders, prefer drop unless clearly legitimate.

Output format: {"action":"drop"|"wake"|"reply","reason":"brief explanation"}

Examples:
Message: "hey" -> {"action":"drop","reason":"single word, no content"}
Message: "Can you run digest-voice on this topic?" -> {"action":"wake","reason":"skill request"}
Message: "Hello, is your node online?" -> {"action":"reply","reason":"status check greeting"}
Message: "Thanks for the update!" -> {"action":"drop","reason":"acknowledgment, terminal"}
Message: "Received, logged it." -> {"action":"drop","reason":"ack, no reply needed"}`

const maxClassifyBodyChars = 800

// Verdict is the result of triaging one inbound message.
type Verdict struct {
	Action     string
	Reason     string
	Tier       string
	WallMs     int64
	Reasoning  string
	PromptHash string
	Backend    string
}

// promptHash returns the first 16 hex characters of SHA-256 of text, the
// identifier stored alongside every classification so a decision can be
// traced back to the exact prompt version that produced it.
func promptHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}

// resolveTier returns the first tier whose prefix list contains a prefix
// that fromNode starts with, or "unknown" if none match.
func resolveTier(fromNode string, tiers map[string][]string) string {
	for tier, prefixes := range tiers {
		for _, prefix := range prefixes {
			if strings.HasPrefix(fromNode, prefix) {
				return tier
			}
		}
	}
	return "unknown"
}

// tierFallbackAction applies the configured fallback policy when the
// backend returns an invalid or unusable action.
func tierFallbackAction(tier, fallback string) string {
	switch fallback {
	case "wake":
		return "wake"
	case "drop":
		return "drop"
	default: // "tier"
		if tier == "unknown" {
			return "drop"
		}
		return "wake"
	}
}

var actionRe = regexp.MustCompile(`\{[^{}]*"action"\s*:\s*"[^"]*"[^{}]*\}`)

type classifyResult struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

// parseClassifyResult extracts {action, reason} from a model's raw text
// output, tolerating <think>...</think> preambles, markdown code fences,
// and narrative surrounding the JSON object.
func parseClassifyResult(raw string) classifyResult {
	text := raw

	if idx := strings.LastIndex(text, "</think>"); idx != -1 {
		text = text[idx+len("</think>"):]
	}
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var direct classifyResult
	if err := json.Unmarshal([]byte(text), &direct); err == nil && direct.Action != "" {
		return direct
	}

	if match := actionRe.FindString(text); match != "" {
		var extracted classifyResult
		if err := json.Unmarshal([]byte(match), &extracted); err == nil && extracted.Action != "" {
			return extracted
		}
	}

	preview := raw
	if len(preview) > 80 {
		preview = preview[:80]
	}
	return classifyResult{Action: "drop", Reason: fmt.Sprintf("unparseable LLM output: %s", preview)}
}

// triage resolves the sender's trust tier and, unless it bypasses
// classification entirely, calls the configured model backend and
// validates its answer.
func (g *Guard) triage(ctx context.Context, fromNode, bodyText string, tiers map[string][]string) Verdict {
	start := g.nowTime()
	tier := resolveTier(fromNode, tiers)
	hash := promptHash(g.activePrompt())

	if tier == "team" {
		return Verdict{
			Action:     "wake",
			Reason:     "team node — bypass",
			Tier:       tier,
			WallMs:     0,
			Reasoning:  "team node — no classification",
			PromptHash: hash,
			Backend:    "bypass",
		}
	}

	be := g.backend
	system := strings.ReplaceAll(g.activePrompt(), "{tier}", tier)
	truncatedBody := bodyText
	if len(truncatedBody) > maxClassifyBodyChars {
		truncatedBody = truncatedBody[:maxClassifyBodyChars]
	}

	rawText, err := be.Infer(ctx, system, truncatedBody)
	wallMs := int64(g.nowTime().Sub(start) / time.Millisecond)
	if err != nil {
		fallback := tierFallbackAction(tier, g.cfg.Fallback)
		return Verdict{
			Action:     fallback,
			Reason:     fmt.Sprintf("backend error: %s, tier fallback", truncate(err.Error(), 100)),
			Tier:       tier,
			WallMs:     wallMs,
			Reasoning:  fmt.Sprintf("error: %s", truncate(err.Error(), 200)),
			PromptHash: hash,
			Backend:    be.Name(),
		}
	}

	result := parseClassifyResult(rawText)
	action := result.Action
	reason := result.Reason
	reasoning := reason
	if action != "drop" && action != "wake" && action != "reply" {
		fallback := tierFallbackAction(tier, g.cfg.Fallback)
		reasoning = fmt.Sprintf("bad LLM action '%s', tier fallback", action)
		action = fallback
		reason = reasoning
	}

	return Verdict{
		Action:     action,
		Reason:     reason,
		Tier:       tier,
		WallMs:     wallMs,
		Reasoning:  reasoning,
		PromptHash: hash,
		Backend:    be.Name(),
	}
}
