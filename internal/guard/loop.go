package guard

import (
	"fmt"
	"strings"
)

const (
	replyWindowSeconds = 1800 // 30 minutes
	maxCounterEntries   = 10000
)

type loopKey struct {
	Bucket string
	Prefix string
}

// sessionBucket returns the bucketing key for loop counting: the session id
// itself, unless it is empty or auto-generated (begins with "resp:"), in
// which case every such session shares the bucket "default".
func sessionBucket(sessionID string) string {
	if sessionID == "" || strings.HasPrefix(sessionID, "resp:") {
		return "default"
	}
	return sessionID
}

// checkLoop records this arrival and returns a human-readable reason if the
// sender has exceeded its reply-window threshold, or "" if not. The
// threshold doubles when the node has recently sent this sender a message
// in the same session (recorded via recordSend).
func (g *Guard) checkLoop(fromNode, sessionID string) string {
	prefix := sanitizeNodePrefix(fromNode)
	bucket := sessionBucket(sessionID)

	explicitSession := sessionID != "" && !strings.HasPrefix(sessionID, "resp:")
	threshold := g.cfg.LoopThresholdSessionless
	key := loopKey{Bucket: "default", Prefix: prefix}
	if explicitSession {
		threshold = g.cfg.LoopThreshold
		key = loopKey{Bucket: bucket, Prefix: prefix}
	}

	now := g.now()
	window, _ := g.replyCounter.get(key)
	window = pruneWindow(window, now, replyWindowSeconds)
	window = append(window, now)
	g.replyCounter.set(key, window)

	effectiveThreshold := threshold
	if g.isSolicited(fromNode, sessionID) {
		effectiveThreshold = threshold * 2
	}

	if len(window) > effectiveThreshold {
		return fmt.Sprintf("sender %s exceeded loop threshold (%d replies > %d allowed in %ds window)",
			prefix, len(window), effectiveThreshold, replyWindowSeconds)
	}
	return ""
}

func pruneWindow(window []float64, now float64, windowSeconds int) []float64 {
	out := window[:0]
	for _, t := range window {
		if now-t < float64(windowSeconds) {
			out = append(out, t)
		}
	}
	return out
}

// recordSend notes that the node originated a message to toNode within
// session sessionID, for the loop detector's doubled-threshold effect.
func (g *Guard) recordSend(toNode, sessionID string) {
	prefix := sanitizeNodePrefix(toNode)
	key := solicitedKey{Prefix: prefix, SessionID: sessionID}
	g.solicitedSends.set(key, g.now())
}

type solicitedKey struct {
	Prefix    string
	SessionID string
}

func (g *Guard) isSolicited(fromNode, sessionID string) bool {
	prefix := sanitizeNodePrefix(fromNode)
	key := solicitedKey{Prefix: prefix, SessionID: sessionID}
	ts, ok := g.solicitedSends.get(key)
	if !ok {
		return false
	}
	return g.now()-ts <= 3600
}

// pruneLoopCounters drops (bucket, prefix) entries whose window is empty
// after pruning, preventing unbounded growth from one-shot senders.
func (g *Guard) pruneLoopCounters() {
	now := g.now()
	for _, k := range g.replyCounter.keys() {
		window, _ := g.replyCounter.get(k)
		window = pruneWindow(window, now, replyWindowSeconds)
		if len(window) == 0 {
			g.replyCounter.delete(k)
		} else {
			g.replyCounter.set(k, window)
		}
	}
}

// pruneSolicitedSends drops solicited-send entries older than an hour.
func (g *Guard) pruneSolicitedSends() {
	now := g.now()
	for _, k := range g.solicitedSends.keys() {
		ts, _ := g.solicitedSends.get(k)
		if now-ts > 3600 {
			g.solicitedSends.delete(k)
		}
	}
}
