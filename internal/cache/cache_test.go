package cache

import (
	"context"
	"testing"

	"github.com/swarmguard/taskgraph/internal/repository"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	repo, err := repository.NewMemory(BuildRepositoryConfig("cache_entries"))
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	c, err := New(repo, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestCacheStoreAndLookup(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if _, hit, err := c.Lookup(ctx, "fp1"); err != nil || hit {
		t.Fatalf("expected miss before store, hit=%v err=%v", hit, err)
	}

	if err := c.Store(ctx, "fp1", map[string]any{"y": 1}, map[string]any{"runId": "r1"}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	out, hit, err := c.Lookup(ctx, "fp1")
	if err != nil || !hit {
		t.Fatalf("expected hit after store, hit=%v err=%v", hit, err)
	}
	if out["y"] != 1 {
		t.Fatalf("expected y=1, got %v", out)
	}
}

func TestCacheLookupServesFromHotLRU(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	if err := c.Store(ctx, "fp1", map[string]any{"y": 1}, map[string]any{}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	// Remove the backing repository row directly; a hot-LRU hit should still
	// succeed without touching the repository.
	if err := c.repo.Delete(ctx, repository.Entity{ColumnFingerprint: "fp1"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, hit, err := c.Lookup(ctx, "fp1"); err != nil || !hit {
		t.Fatalf("expected LRU hit even though repository row was removed, hit=%v err=%v", hit, err)
	}
}

func TestCacheInvalidate(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	_ = c.Store(ctx, "fp1", map[string]any{"y": 1}, map[string]any{})
	if err := c.Invalidate(ctx, "fp1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, hit, _ := c.Lookup(ctx, "fp1"); hit {
		t.Fatalf("expected miss after Invalidate")
	}
}

func TestCacheEvict(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	_ = c.Store(ctx, "fp1", map[string]any{"y": 1}, map[string]any{"tag": "keep"})
	_ = c.Store(ctx, "fp2", map[string]any{"y": 2}, map[string]any{"tag": "drop"})

	removed, err := c.Evict(ctx, func(fingerprint string, output, provenance map[string]any) bool {
		return provenance["tag"] == "drop"
	})
	if err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 entry removed, got %d", removed)
	}
	if _, hit, _ := c.Lookup(ctx, "fp1"); !hit {
		t.Fatalf("expected fp1 to survive eviction")
	}
	if _, hit, _ := c.Lookup(ctx, "fp2"); hit {
		t.Fatalf("expected fp2 evicted")
	}
}
