package guard

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/knarr-net/thrallguard/internal/config"
	"github.com/knarr-net/thrallguard/internal/db"
	"github.com/knarr-net/thrallguard/internal/guard/backend"
)

// scriptedBackend returns the next queued response on every call; used to
// drive the classifier through deterministic action sequences.
type scriptedBackend struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (s *scriptedBackend) Name() string { return "scripted" }
func (s *scriptedBackend) IsAvailable() bool { return true }
func (s *scriptedBackend) Infer(ctx context.Context, system, user string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls >= len(s.responses) {
		s.calls++
		return `{"action":"wake","reason":"default"}`, nil
	}
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

type recordingTransport struct {
	mu   sync.Mutex
	sent []map[string]any
}

func (r *recordingTransport) SendMail(_ context.Context, toNode, msgType string, body map[string]any, sessionID string, system bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, body)
	return nil
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func testGuard(t *testing.T, be backend.Backend, cfgMutate func(*config.Config)) (*Guard, *recordingTransport, *db.DB) {
	t.Helper()
	dir := t.TempDir()
	database, err := db.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	cfg := &config.Config{
		NodeID:                   "5e1f000000000000",
		Enabled:                  true,
		TriageEnabled:            true,
		MaxRepliesPerHourPerNode: 5,
		LoopThreshold:            3,
		LoopThresholdSessionless: 3,
		KnockThreshold:           5,
		ClassificationTTLDays:    7,
		Fallback:                 "tier",
		TrustTiers:               map[string][]string{},
	}
	if cfgMutate != nil {
		cfgMutate(cfg)
	}

	transport := &recordingTransport{}
	g, err := New(cfg, database, be, transport, dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g, transport, database
}

func TestTeamTierBypassesClassifier(t *testing.T) {
	be := &scriptedBackend{}
	g, _, _ := testGuard(t, be, func(c *config.Config) {
		c.TrustTiers = map[string][]string{"team": {"aabbccdd"}}
	})

	res := g.OnMailReceived(context.Background(), "text", "aabbccdd11223344", "self00000000000000", "hello", "")
	if res.Verdict == nil || res.Verdict.Action != "wake" {
		t.Fatalf("expected team bypass to wake, got %+v", res)
	}
	if be.calls != 0 {
		t.Fatalf("expected classifier to be bypassed, backend was called %d times", be.calls)
	}
}

func TestLoopTripsBreakerOnThirdMessage(t *testing.T) {
	be := &scriptedBackend{responses: []string{
		`{"action":"wake","reason":"1"}`,
		`{"action":"wake","reason":"2"}`,
		`{"action":"wake","reason":"3"}`,
	}}
	g, transport, _ := testGuard(t, be, func(c *config.Config) {
		c.LoopThreshold = 2
	})

	from := "deadbeef00000000"
	var last Result
	for i := 0; i < 3; i++ {
		last = g.OnMailReceived(context.Background(), "text", from, g.cfg.NodeID, "hi there", "session-a")
	}
	if last.Verdict == nil || last.Verdict.Action != "loop_blocked" {
		t.Fatalf("expected loop_blocked on 3rd message, got %+v", last)
	}
	if transport.count() == 0 {
		t.Fatalf("expected wakeAgent to send a mail on loop trip")
	}

	g.mu.Lock()
	b := g.loadBreaker(sanitizeNodePrefix(from))
	g.mu.Unlock()
	if b == nil {
		t.Fatalf("expected a breaker file to be tripped for %s", from)
	}
}

func TestBreakerBlocksBeforeClassifier(t *testing.T) {
	be := &scriptedBackend{}
	g, _, _ := testGuard(t, be, nil)

	from := "cafebabe00000000"
	if err := g.tripBreaker("node", sanitizeNodePrefix(from), "manual trip", 3600); err != nil {
		t.Fatalf("tripBreaker: %v", err)
	}

	res := g.OnMailReceived(context.Background(), "text", from, g.cfg.NodeID, "hello", "")
	if res.Verdict == nil || res.Verdict.Action != "breaker_blocked" {
		t.Fatalf("expected breaker_blocked, got %+v", res)
	}
	if be.calls != 0 {
		t.Fatalf("expected classifier never called once breaker is tripped, got %d calls", be.calls)
	}
}

func TestRateLimiterSilentlyRejectsButStillRecordsClassification(t *testing.T) {
	be := &scriptedBackend{}
	g, _, database := testGuard(t, be, func(c *config.Config) {
		c.MaxRepliesPerHourPerNode = 1
	})

	from := "0123456789abcdef"
	first := g.OnMailReceived(context.Background(), "text", from, g.cfg.NodeID, "one", "sess-1")
	if first.Skipped != "" {
		t.Fatalf("expected first message through, got %+v", first)
	}

	second := g.OnMailReceived(context.Background(), "text", from, g.cfg.NodeID, "two", "sess-2")
	if second.Skipped != "skip_rate_limited" {
		t.Fatalf("expected second message rate-limited, got %+v", second)
	}

	// Rate limiting rejects forwarding, not recording: the classification is
	// already persisted right after triage, before the rate check runs.
	var count int
	if err := database.Conn().QueryRow(
		`SELECT count(*) FROM classifications WHERE substr(from_node, 1, 16) = ?`, from,
	).Scan(&count); err != nil {
		t.Fatalf("count classifications: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected both messages' classifications recorded, got %d", count)
	}
}

func TestKnockPatternWakesAgentAfterRepeatedDrops(t *testing.T) {
	be := &scriptedBackend{}
	for i := 0; i < 5; i++ {
		be.responses = append(be.responses, `{"action":"drop","reason":"spam"}`)
	}
	g, transport, _ := testGuard(t, be, func(c *config.Config) {
		c.KnockThreshold = 5
	})

	from := "f00dfeed00000000"
	for i := 0; i < 5; i++ {
		g.OnMailReceived(context.Background(), "text", from, g.cfg.NodeID, "junk", "")
	}

	if transport.count() == 0 {
		t.Fatalf("expected a knock-alert wake after 5 drops")
	}
}

func TestShutdownStopsFurtherWrites(t *testing.T) {
	be := &scriptedBackend{}
	g, _, database := testGuard(t, be, nil)

	if err := g.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	res := g.OnMailReceived(context.Background(), "text", "1111111122223333", g.cfg.NodeID, "hi", "")
	if res.Skipped != "skip_shutting_down" {
		t.Fatalf("expected skip_shutting_down after Shutdown, got %+v", res)
	}

	_ = database // database is closed by Shutdown; kept only for the earlier handle
}

func TestDisabledGuardSkipsEverythingBeforeIntake(t *testing.T) {
	be := &scriptedBackend{}
	prefix := "aabbccdd11223344"
	g, transport, database := testGuard(t, be, func(c *config.Config) {
		c.Enabled = false
	})

	res := g.OnMailReceived(context.Background(), "text", prefix, g.cfg.NodeID, "hi there", "")
	if res.Skipped != "skip_disabled" {
		t.Fatalf("expected skip_disabled, got %+v", res)
	}
	if transport.count() != 0 {
		t.Fatalf("expected no mail sent while disabled")
	}
	var count int
	if err := database.Conn().QueryRow(`SELECT count(*) FROM classifications`).Scan(&count); err != nil || count != 0 {
		t.Fatalf("expected no classifications recorded while disabled, count=%d err=%v", count, err)
	}
}

func TestInvalidSenderIsSkipped(t *testing.T) {
	be := &scriptedBackend{}
	g, _, _ := testGuard(t, be, nil)

	res := g.OnMailReceived(context.Background(), "text", "not-hex!!", g.cfg.NodeID, "hi", "")
	if res.Skipped != "skip_invalid_sender" {
		t.Fatalf("expected skip_invalid_sender, got %+v", res)
	}
}

func TestSelfMessageIsSkipped(t *testing.T) {
	be := &scriptedBackend{}
	g, _, _ := testGuard(t, be, nil)

	res := g.OnMailReceived(context.Background(), "text", g.cfg.NodeID, g.cfg.NodeID, "hi", "")
	if res.Skipped != "skip_own_node" {
		t.Fatalf("expected skip_own_node, got %+v", res)
	}
}

func TestEmptyBodyIsSkipped(t *testing.T) {
	be := &scriptedBackend{}
	g, _, _ := testGuard(t, be, nil)

	res := g.OnMailReceived(context.Background(), "text", "abababab00000000", g.cfg.NodeID, map[string]any{}, "")
	if res.Skipped != "skip_empty_body" {
		t.Fatalf("expected skip_empty_body, got %+v", res)
	}
}

func TestBadLLMActionFallsBackToTier(t *testing.T) {
	be := &scriptedBackend{responses: []string{`{"action":"explode","reason":"nonsense"}`}}
	g, _, _ := testGuard(t, be, nil)

	res := g.OnMailReceived(context.Background(), "text", "abababab00000000", g.cfg.NodeID, "hi", "")
	if res.Verdict == nil {
		t.Fatalf("expected a verdict, got %+v", res)
	}
	if res.Verdict.Action != "wake" && res.Verdict.Action != "drop" {
		t.Fatalf("expected tier-fallback action, got %q", res.Verdict.Action)
	}
}

func TestTickRunsPruneAtMostOncePerInterval(t *testing.T) {
	be := &scriptedBackend{}
	g, _, _ := testGuard(t, be, nil)

	g.Tick(context.Background())
	g.mu.Lock()
	first := g.lastPrune
	g.mu.Unlock()
	if first == 0 {
		t.Fatalf("expected lastPrune to be set after first Tick")
	}

	g.Tick(context.Background())
	g.mu.Lock()
	second := g.lastPrune
	g.mu.Unlock()
	if second != first {
		t.Fatalf("expected second immediate Tick not to re-run prune")
	}
}

func TestRecordSendDoublesLoopThreshold(t *testing.T) {
	be := &scriptedBackend{responses: []string{
		`{"action":"wake","reason":"1"}`,
		`{"action":"wake","reason":"2"}`,
		`{"action":"wake","reason":"3"}`,
		`{"action":"wake","reason":"4"}`,
	}}
	g, _, _ := testGuard(t, be, nil)

	from := "1234abcd5678ef00"
	g.RecordSend(from, "session-b")

	var last Result
	for i := 0; i < 4; i++ {
		last = g.OnMailReceived(context.Background(), "text", from, g.cfg.NodeID, "hi", "session-b")
	}
	if last.Verdict != nil && last.Verdict.Action == "loop_blocked" {
		t.Fatalf("expected solicited doubling to allow a 4th message through, got %+v", last)
	}
}
