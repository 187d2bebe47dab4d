// Package cache implements the Output Cache component (F): content-
// addressed storage of task outputs keyed by (task type, canonicalized
// inputs, provenance), deduplicating repeated work.
package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/swarmguard/taskgraph/internal/repository"
	"github.com/swarmguard/taskgraph/internal/taskerr"
)

// ColumnFingerprint, ColumnOutput and ColumnProvenance name the backing
// schema's columns; callers construct the repository.Config for this table
// using BuildRepositoryConfig (schema.go), so the names stay in one place.
const (
	ColumnFingerprint = "fingerprint"
	ColumnOutput      = "output"
	ColumnProvenance  = "provenance"
)

// Cache is a specialization of the Tabular Repository that stores
// (fingerprint, output, provenance) with primary key fingerprint, fronted
// by a process-local LRU hot path — the well-known library replacement for
// the teacher's hand-rolled TTL+LRU ResultCache.
type Cache struct {
	repo repository.Repository
	hot  *lru.Cache[string, map[string]any]
}

// New wraps repo (expected to be keyed by ColumnFingerprint) with an LRU
// layer holding up to hotSize recent outputs in-process.
func New(repo repository.Repository, hotSize int) (*Cache, error) {
	if hotSize <= 0 {
		hotSize = 1024
	}
	hot, err := lru.New[string, map[string]any](hotSize)
	if err != nil {
		return nil, taskerr.NewRepositoryError("cache:new_lru", err)
	}
	return &Cache{repo: repo, hot: hot}, nil
}

// Lookup returns the output stored for fingerprint, if any.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) (map[string]any, bool, error) {
	if out, ok := c.hot.Get(fingerprint); ok {
		return out, true, nil
	}
	entity, ok, err := c.repo.Get(ctx, repository.Entity{ColumnFingerprint: fingerprint})
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	output, _ := entity[ColumnOutput].(map[string]any)
	c.hot.Add(fingerprint, output)
	return output, true, nil
}

// Store persists (fingerprint, output, provenance). When two concurrent
// runs compute the same fingerprint and both call Store, the repository's
// put-by-primary-key semantics make the last writer win, which is
// acceptable because the spec requires the stored outputs to be
// deterministically equal for a given fingerprint.
func (c *Cache) Store(ctx context.Context, fingerprint string, output, provenance map[string]any) error {
	entity := repository.Entity{
		ColumnFingerprint: fingerprint,
		ColumnOutput:      output,
		ColumnProvenance:  provenance,
	}
	if _, err := c.repo.Put(ctx, entity); err != nil {
		return err
	}
	c.hot.Add(fingerprint, output)
	return nil
}

// Invalidate removes a single cache entry.
func (c *Cache) Invalidate(ctx context.Context, fingerprint string) error {
	c.hot.Remove(fingerprint)
	return c.repo.Delete(ctx, repository.Entity{ColumnFingerprint: fingerprint})
}

// Evict removes every entry for which predicate returns true, scanning the
// full table (acceptable for the cache's expected size; callers needing
// scale should shard by provenance and evict per-shard).
func (c *Cache) Evict(ctx context.Context, predicate func(fingerprint string, output, provenance map[string]any) bool) (int, error) {
	all, err := c.repo.GetAll(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range all {
		fp, _ := e[ColumnFingerprint].(string)
		out, _ := e[ColumnOutput].(map[string]any)
		prov, _ := e[ColumnProvenance].(map[string]any)
		if predicate(fp, out, prov) {
			if err := c.Invalidate(ctx, fp); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}
