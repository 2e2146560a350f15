package guard

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knarr-net/thrallguard/internal/db"
)

const knockWindowSeconds = 3600

// OnMailReceived is the guard's main entry point, called by the host for
// every inbound message. It always returns normally and never propagates an
// internal error, per the contract the host relies on: a backend failure
// becomes a fallback action, and a failed classification insert,
// knock-pattern query or breaker write is dropped without being logged.
func (g *Guard) OnMailReceived(ctx context.Context, msgType, fromNode, toNode string, body any, sessionID string) Result {
	if !g.cfg.Enabled {
		return Result{Skipped: "skip_disabled"}
	}

	prefix := sanitizeNodePrefix(fromNode)
	if prefix == "invalid" {
		g.logEvent("SKIP_INVALID", prefix, fromNode)
		return Result{Skipped: "skip_invalid_sender"}
	}
	if fromNode == g.cfg.NodeID {
		g.logEvent("SKIP_SELF", prefix, "")
		return Result{Skipped: "skip_own_node"}
	}

	kind := msgType
	if kind == "" {
		kind = "text"
	}
	for _, ignored := range g.cfg.IgnoreMsgTypes {
		if kind == ignored {
			return Result{Skipped: "skip_ignored_kind"}
		}
	}

	g.mu.Lock()
	breaker := g.checkBreakers(prefix)
	g.mu.Unlock()
	if breaker != nil {
		g.logEvent("BREAKER_BLOCKED", prefix, breaker.Reason)
		g.recordClassification(nil, fromNode, Verdict{
			Action:     "breaker_blocked",
			Tier:       "unknown",
			Reasoning:  fmt.Sprintf("breaker: %s", breaker.Reason),
			PromptHash: g.activePromptHashSnapshot(),
		}, sessionID)
		return Result{Verdict: &Verdict{Action: "breaker_blocked"}}
	}

	coerced := coerceBody(body)
	text := bodyText(coerced)
	if len(coerced) == 0 || strings.TrimSpace(text) == "" {
		return Result{Skipped: "skip_empty_body"}
	}

	if sessionID == "" {
		sessionID = "resp:" + prefix
	}

	if !g.cfg.TriageEnabled {
		g.logEvent("PASS_THROUGH", prefix, "triage disabled")
		return Result{HandedOff: true}
	}

	g.mu.Lock()
	if g.shuttingDown {
		g.mu.Unlock()
		return Result{Skipped: "skip_shutting_down"}
	}
	g.inflight++
	g.mu.Unlock()

	verdict := g.triage(ctx, fromNode, text, g.cfg.TrustTiers)

	g.mu.Lock()
	g.inflight--
	shuttingDown := g.shuttingDown
	g.mu.Unlock()
	if shuttingDown {
		return Result{Skipped: "skip_shutting_down"}
	}

	g.logEvent("TRIAGE", prefix, fmt.Sprintf("%s: %s", verdict.Action, verdict.Reasoning))
	g.recordClassification(nil, fromNode, verdict, sessionID)

	if verdict.Action == "drop" {
		g.checkKnockPattern(ctx, prefix)
		return Result{Verdict: &verdict}
	}

	g.mu.Lock()
	loopReason := g.checkLoop(fromNode, sessionID)
	g.mu.Unlock()
	if loopReason != "" {
		g.logEvent("LOOP_DETECTED", prefix, loopReason)
		g.mu.Lock()
		_ = g.tripBreaker("node", prefix, loopReason, 3600)
		g.mu.Unlock()
		g.wakeAgent(ctx, "node", prefix, loopReason)
		g.recordClassification(nil, fromNode, Verdict{
			Action:     "loop_blocked",
			Tier:       verdict.Tier,
			Reasoning:  loopReason,
			PromptHash: verdict.PromptHash,
		}, sessionID)
		return Result{Verdict: &Verdict{Action: "loop_blocked"}}
	}

	g.mu.Lock()
	allowed := g.checkRate(prefix)
	if allowed {
		g.recordRate(prefix)
	}
	g.mu.Unlock()
	if !allowed {
		g.logEvent("SKIP_RATE", prefix, "")
		return Result{Skipped: "skip_rate_limited"}
	}

	return Result{Verdict: &verdict, HandedOff: true}
}

func (g *Guard) activePromptHashSnapshot() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activePromptHash
}

// checkKnockPattern counts drops recorded for prefix in the last hour and
// wakes the agent once the count reaches the configured threshold.
func (g *Guard) checkKnockPattern(ctx context.Context, prefix string) {
	since := g.now() - knockWindowSeconds
	count, err := g.db.CountRecentDrops(prefix, since)
	if err != nil {
		return
	}
	if int(count) >= g.cfg.KnockThreshold {
		g.logEvent("KNOCK_ALERT", prefix, fmt.Sprintf("%d drops in the last hour", count))
		g.wakeAgent(ctx, "knock", prefix, fmt.Sprintf("sustained drops from %s", prefix))
	}
}

// recordClassification inserts one classification row unless the guard is
// shutting down, tracking how many inserts are pending the next flush.
func (g *Guard) recordClassification(messageID *string, fromNode string, v Verdict, sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shuttingDown {
		return
	}

	now := g.now()
	ttl := now + float64(g.cfg.ClassificationTTLDays)*86400

	reasoning := v.Reasoning
	if len(reasoning) > 2000 {
		reasoning = reasoning[:2000]
	}

	_, err := g.db.InsertClassification(db.Classification{
		MessageID:  messageID,
		FromNode:   fromNode,
		Tier:       v.Tier,
		Action:     v.Action,
		Reasoning:  reasoning,
		PromptHash: v.PromptHash,
		WallMs:     v.WallMs,
		SessionID:  sessionID,
		CreatedAt:  now,
		TTLExpires: ttl,
	})
	if err != nil {
		return
	}
	g.pendingCommits++
	if g.pendingCommits >= g.commitThreshold {
		g.pendingCommits = 0
	}
}

// Tick is called periodically by the host. modernc.org/sqlite commits each
// statement as it runs, so flushing is just resetting the pending counter;
// at most once per hour it also runs the full prune cycle.
func (g *Guard) Tick(ctx context.Context) {
	g.mu.Lock()
	g.pendingCommits = 0
	now := g.now()
	runPrune := now-g.lastPrune >= pruneIntervalSeconds
	if runPrune {
		g.lastPrune = now
	}
	g.mu.Unlock()

	if runPrune {
		g.prune(now)
	}
}

func (g *Guard) prune(now float64) {
	if deleted, err := g.db.PruneExpiredClassifications(now); err == nil && deleted > 0 {
		g.logEvent("PRUNE", "", fmt.Sprintf("%d expired classifications removed", deleted))
	}

	if entries, err := os.ReadDir(g.breakerDir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			target := strings.TrimSuffix(entry.Name(), ".json")
			g.loadBreaker(target) // deletes the file and logs BREAKER_EXPIRED if expired
		}
	}

	g.mu.Lock()
	g.breakerCache = make(map[string]breakerCacheEntry)
	g.pruneLoopCounters()
	g.pruneSolicitedSends()
	g.pruneRateLimits()
	g.mu.Unlock()
}

// Shutdown sets the shutdown latch, drains in-flight triage calls for up to
// 15 seconds, and closes the database.
func (g *Guard) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.shuttingDown = true
	g.mu.Unlock()

	for i := 0; i < shutdownDrainMaxPolls; i++ {
		g.mu.Lock()
		inflight := g.inflight
		g.mu.Unlock()
		if inflight <= 0 {
			break
		}
		select {
		case <-ctx.Done():
			i = shutdownDrainMaxPolls
		case <-time.After(shutdownDrainInterval):
		}
	}

	g.mu.Lock()
	g.pendingCommits = 0
	g.mu.Unlock()

	err := g.db.Close()
	g.logEvent("SHUTDOWN", "", "complete")
	return err
}
