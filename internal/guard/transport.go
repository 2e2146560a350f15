package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// MailTransport is the guard's only outbound dependency: waking the agent
// means sending a system message to the node's own address. The DHT/mail
// transport that actually delivers it lives outside this module.
type MailTransport interface {
	SendMail(ctx context.Context, toNode, msgType string, body map[string]any, sessionID string, system bool) error
}

// StdoutTransport writes outbound wake-agent messages as NDJSON to a
// writer, for standalone operation and tests where no real mail transport
// is wired in.
type StdoutTransport struct {
	w io.Writer
}

// NewStdoutTransport builds a transport that serializes every send as one
// JSON line to w.
func NewStdoutTransport(w io.Writer) *StdoutTransport {
	return &StdoutTransport{w: w}
}

func (s *StdoutTransport) SendMail(_ context.Context, toNode, msgType string, body map[string]any, sessionID string, system bool) error {
	line := map[string]any{
		"to_node":    toNode,
		"msg_type":   msgType,
		"body":       body,
		"session_id": sessionID,
		"system":     system,
	}
	out, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("marshal outbound mail: %w", err)
	}
	if _, err := fmt.Fprintln(s.w, string(out)); err != nil {
		return fmt.Errorf("write outbound mail: %w", err)
	}
	return nil
}

// wakeAgent sends a system wake-up message to the guard's own node,
// reporting the breaker type and target that triggered it. Failures are
// logged, never propagated — waking the agent is best-effort.
func (g *Guard) wakeAgent(ctx context.Context, breakerType, target, reason string) {
	body := map[string]any{
		"type":         "thrall_breaker",
		"wake_agent":   true,
		"breaker_type": breakerType,
		"target":       target,
		"reason":       truncate(reason, 500),
		"timestamp":    g.nowTime().UTC().Format(time.RFC3339),
	}
	if err := g.transport.SendMail(ctx, g.cfg.NodeID, "system", body, "thrall:breaker", true); err != nil {
		g.logEvent("WAKE_FAIL", target, err.Error())
	}
}
