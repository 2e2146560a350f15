package guard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const breakerCacheTTL = 30 * time.Second

// Breaker is a file-backed protective record. It is stored one-per-file
// under the guard's breaker directory, named by its target, and cached in
// memory for a short TTL to avoid a file stat/read on every message.
type Breaker struct {
	Kind              string  `json:"type"`
	Target            string  `json:"target"`
	Reason            string  `json:"reason"`
	TrippedAt         string  `json:"tripped_at"`
	TripCount         int     `json:"trip_count"`
	LastEvent         string  `json:"last_event"`
	AutoExpireSeconds int     `json:"auto_expire_seconds"`
	ExpiresAt         *string `json:"expires_at,omitempty"`
}

type breakerCacheEntry struct {
	cachedAt time.Time
	breaker  *Breaker // nil means "confirmed absent"
}

func validBreakerTarget(target string) bool {
	return target == "global" || hexRe.MatchString(target)
}

func (g *Guard) breakerPath(target string) string {
	return filepath.Join(g.breakerDir, target+".json")
}

// loadBreaker reads a breaker file from disk, deleting and returning nil if
// it has expired.
func (g *Guard) loadBreaker(target string) *Breaker {
	raw, err := os.ReadFile(g.breakerPath(target))
	if err != nil {
		return nil
	}
	var b Breaker
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil
	}
	if b.ExpiresAt != nil {
		expiresAt, err := time.Parse(time.RFC3339, *b.ExpiresAt)
		if err == nil && !g.nowTime().Before(expiresAt) {
			_ = os.Remove(g.breakerPath(target))
			g.logEvent("BREAKER_EXPIRED", target, "")
			return nil
		}
	}
	return &b
}

// getBreakerCached returns a cached breaker, refreshing from disk once the
// cache entry is older than breakerCacheTTL.
func (g *Guard) getBreakerCached(target string) *Breaker {
	if entry, ok := g.breakerCache[target]; ok && g.nowTime().Sub(entry.cachedAt) < breakerCacheTTL {
		return entry.breaker
	}
	b := g.loadBreaker(target)
	g.breakerCache[target] = breakerCacheEntry{cachedAt: g.nowTime(), breaker: b}
	return b
}

// checkBreakers looks up the global breaker, then the sender's prefix
// breaker, returning the first one found.
func (g *Guard) checkBreakers(prefix string) *Breaker {
	if _, err := os.Stat(g.breakerDir); err != nil {
		return nil
	}
	for _, target := range []string{"global", prefix} {
		if b := g.getBreakerCached(target); b != nil {
			return b
		}
	}
	return nil
}

// tripBreaker writes a breaker file for target, incrementing trip_count if
// one already existed, and invalidates the cache entry.
func (g *Guard) tripBreaker(kind, target, reason string, autoExpireSeconds int) error {
	if !validBreakerTarget(target) {
		g.logEvent("BREAKER_REJECTED", target, "invalid target")
		return fmt.Errorf("refusing to trip breaker for invalid target %q", target)
	}
	if err := os.MkdirAll(g.breakerDir, 0o755); err != nil {
		return fmt.Errorf("create breaker dir: %w", err)
	}

	tripCount := 1
	if existing := g.loadBreaker(target); existing != nil {
		tripCount = existing.TripCount + 1
	}

	now := g.nowTime().UTC()
	b := Breaker{
		Kind:              kind,
		Target:            target,
		Reason:            truncate(reason, 500),
		TrippedAt:         now.Format(time.RFC3339),
		TripCount:         tripCount,
		LastEvent:         now.Format(time.RFC3339),
		AutoExpireSeconds: autoExpireSeconds,
	}
	if autoExpireSeconds > 0 {
		expires := now.Add(time.Duration(autoExpireSeconds) * time.Second).Format(time.RFC3339)
		b.ExpiresAt = &expires
	}

	raw, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal breaker: %w", err)
	}
	if err := os.WriteFile(g.breakerPath(target), raw, 0o644); err != nil {
		return fmt.Errorf("write breaker file: %w", err)
	}

	delete(g.breakerCache, target)
	g.logEvent("BREAKER_TRIP", target, reason)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
