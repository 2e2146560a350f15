// Package guard implements the inbound-mail triage guard: intake
// filtering, breaker gating, tiered model classification, loop and rate
// protection, and the batched SQLite persistence layer backing it all.
package guard

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/knarr-net/thrallguard/internal/config"
	"github.com/knarr-net/thrallguard/internal/db"
	"github.com/knarr-net/thrallguard/internal/guard/backend"
)

const (
	defaultCommitThreshold = 10
	pruneIntervalSeconds   = 3600
	shutdownDrainMaxPolls  = 150
	shutdownDrainInterval  = 100 * time.Millisecond
)

var controlCharRe = regexp.MustCompile(`[\x00-\x1f\x7f]`)

// Guard is the triage guard for one node. All exported methods are safe to
// call from multiple goroutines; a single mutex serializes access to the
// guard's hot maps and counters, standing in for the single cooperative
// execution context the design assumes — the only genuinely concurrent
// work (model inference, HTTP calls) happens with the lock released.
type Guard struct {
	cfg       *config.Config
	db        *db.DB
	backend   backend.Backend
	transport MailTransport

	breakerDir string
	logPath    string
	debugLog   func(format string, args ...any)

	nowTimeFn func() time.Time

	mu              sync.Mutex
	rateLimit       map[string][]float64
	replyCounter    *lruMap[loopKey, []float64]
	solicitedSends  *lruMap[solicitedKey, float64]
	breakerCache    map[string]breakerCacheEntry
	shuttingDown    bool
	inflight        int
	pendingCommits  int
	commitThreshold int
	lastPrune       float64

	activePromptText string
	activePromptHash string
}

// New builds a Guard. stateDir holds the breaker directory and the text
// log; database and be are already constructed and owned by the caller.
func New(cfg *config.Config, database *db.DB, be backend.Backend, transport MailTransport, stateDir string) (*Guard, error) {
	g := &Guard{
		cfg:             cfg,
		db:              database,
		backend:         be,
		transport:       transport,
		breakerDir:      filepath.Join(stateDir, "breakers"),
		logPath:         filepath.Join(stateDir, "thrall.log"),
		nowTimeFn:       time.Now,
		rateLimit:       make(map[string][]float64),
		replyCounter:    newLRUMap[loopKey, []float64](maxCounterEntries),
		solicitedSends:  newLRUMap[solicitedKey, float64](maxCounterEntries),
		breakerCache:    make(map[string]breakerCacheEntry),
		commitThreshold: defaultCommitThreshold,
	}
	if cfg.Debug {
		g.debugLog = func(format string, args ...any) { fmt.Printf(format+"\n", args...) }
	}

	hash := promptHash(DefaultSystemPrompt)
	if err := database.EnsureDefaultPrompt("triage", DefaultSystemPrompt, hash, "hardcoded", g.now()); err != nil {
		return nil, fmt.Errorf("seed default prompt: %w", err)
	}
	g.loadActivePrompt()

	return g, nil
}

func (g *Guard) now() float64 {
	return float64(g.nowTimeFn().UnixNano()) / 1e9
}

func (g *Guard) nowTime() time.Time {
	return g.nowTimeFn()
}

func (g *Guard) activePrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activePromptText
}

// loadActivePrompt re-reads the active "triage" prompt from the database,
// falling back to the hard-coded default if the database row is somehow
// missing.
func (g *Guard) loadActivePrompt() {
	content := DefaultSystemPrompt
	if p, err := g.db.GetActivePrompt("triage"); err == nil && p != nil {
		content = p.Content
	}
	g.mu.Lock()
	g.activePromptText = content
	g.activePromptHash = promptHash(content)
	g.mu.Unlock()
}

// ReloadPrompt is handed to the admin registry as its reload callback; it
// re-reads the active prompt and swaps it atomically into the live guard.
func (g *Guard) ReloadPrompt() {
	g.loadActivePrompt()
	g.logEvent("PROMPT_RELOADED", "", "")
}

// RecordSend lets an external responder tell the guard it originated a
// message to toNode in sessionID, doubling the loop detector's threshold
// for that (sender, session) pair for the next hour.
func (g *Guard) RecordSend(toNode, sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recordSend(toNode, sessionID)
}

// logEvent appends one line to the text log: "<UTC timestamp> [action]
// prefix detail". Control characters (newlines and carriage returns
// included) in caller-supplied substrings are removed from the prefix and
// replaced with spaces in the detail, so a malicious sender can't forge log
// lines.
func (g *Guard) logEvent(action, prefix, detail string) {
	safePrefix := controlCharRe.ReplaceAllString(prefix, "")
	if len(safePrefix) > 16 {
		safePrefix = safePrefix[:16]
	}
	safeDetail := controlCharRe.ReplaceAllString(detail, " ")
	if len(safeDetail) > 500 {
		safeDetail = safeDetail[:500]
	}

	line := fmt.Sprintf("%s [%s] %s %s\n", g.nowTime().UTC().Format("2006-01-02 15:04:05"), action, safePrefix, safeDetail)

	f, err := os.OpenFile(g.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err == nil {
		_, _ = f.WriteString(line)
		_ = f.Close()
	}
	if g.debugLog != nil {
		g.debugLog("%s", strings.TrimSuffix(line, "\n"))
	}
}

// Result describes what happened to one message passed to OnMailReceived,
// for callers (and tests) that want to observe the outcome instead of
// reading it back out of the classification table.
type Result struct {
	Skipped   string // non-empty skip reason, or "" if the message was triaged
	Verdict   *Verdict
	HandedOff bool
}
