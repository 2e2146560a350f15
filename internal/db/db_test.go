package db

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestOpenAndMigrate(t *testing.T) {
	d := openTestDB(t)

	id, err := d.InsertClassification(Classification{
		FromNode:   "abc123",
		Tier:       "unknown",
		Action:     "drop",
		Reasoning:  "single word",
		PromptHash: "deadbeef",
		WallMs:     12,
		SessionID:  "resp:abc123",
		CreatedAt:  1000,
		TTLExpires: 1000 + 30*86400,
	})
	if err != nil {
		t.Fatalf("InsertClassification: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected non-zero rowid")
	}
}

func TestPruneExpiredClassifications(t *testing.T) {
	d := openTestDB(t)

	if _, err := d.InsertClassification(Classification{FromNode: "a", Tier: "unknown", Action: "drop", CreatedAt: 100, TTLExpires: 200}); err != nil {
		t.Fatalf("insert expired: %v", err)
	}
	if _, err := d.InsertClassification(Classification{FromNode: "b", Tier: "unknown", Action: "drop", CreatedAt: 100, TTLExpires: 9999999999}); err != nil {
		t.Fatalf("insert live: %v", err)
	}

	deleted, err := d.PruneExpiredClassifications(500)
	if err != nil {
		t.Fatalf("PruneExpiredClassifications: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 row pruned, got %d", deleted)
	}
}

func TestCountRecentDrops(t *testing.T) {
	d := openTestDB(t)

	for i := 0; i < 3; i++ {
		if _, err := d.InsertClassification(Classification{
			FromNode: "deadbeef01234567",
			Tier:     "unknown",
			Action:   "drop",
			CreatedAt: 1000 + float64(i),
			TTLExpires: 99999999,
		}); err != nil {
			t.Fatalf("insert drop %d: %v", i, err)
		}
	}
	if _, err := d.InsertClassification(Classification{FromNode: "deadbeef01234567", Tier: "unknown", Action: "wake", CreatedAt: 1001, TTLExpires: 99999999}); err != nil {
		t.Fatalf("insert wake: %v", err)
	}

	count, err := d.CountRecentDrops("deadbeef01234567", 500)
	if err != nil {
		t.Fatalf("CountRecentDrops: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 drops, got %d", count)
	}
}

func TestPromptRegistryRoundTrip(t *testing.T) {
	d := openTestDB(t)

	if err := d.EnsureDefaultPrompt("triage", "default content {tier}", "hash1", "hardcoded", 1000); err != nil {
		t.Fatalf("EnsureDefaultPrompt: %v", err)
	}
	// A second call must not overwrite the existing row.
	if err := d.EnsureDefaultPrompt("triage", "different content {tier}", "hash2", "hardcoded", 2000); err != nil {
		t.Fatalf("EnsureDefaultPrompt (second call): %v", err)
	}

	p, err := d.GetActivePrompt("triage")
	if err != nil {
		t.Fatalf("GetActivePrompt: %v", err)
	}
	if p == nil || p.Hash != "hash1" {
		t.Fatalf("expected original prompt to survive, got %+v", p)
	}

	if err := d.UpsertPrompt("triage", "pushed content {tier}", "hash3", "node-abc", 3000); err != nil {
		t.Fatalf("UpsertPrompt: %v", err)
	}
	p, err = d.GetActivePrompt("triage")
	if err != nil {
		t.Fatalf("GetActivePrompt after push: %v", err)
	}
	if p == nil || p.Hash != "hash3" || p.PushedBy != "node-abc" {
		t.Fatalf("expected pushed prompt, got %+v", p)
	}

	prompts, err := d.ListPrompts()
	if err != nil {
		t.Fatalf("ListPrompts: %v", err)
	}
	if len(prompts) != 1 {
		t.Fatalf("expected 1 prompt, got %d", len(prompts))
	}
}

func TestGetPromptNotFound(t *testing.T) {
	d := openTestDB(t)

	p, err := d.GetPrompt("missing")
	if err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil for missing prompt, got %+v", p)
	}
}
