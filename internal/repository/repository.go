// Package repository implements the Tabular Repository component: a
// uniform put/get/delete/search/getAll/size/deleteSearch/putBulk/deleteAll
// contract over a schema-typed entity with compound primary keys and
// declared indexes, behind five concrete backends.
package repository

import (
	"context"
	"fmt"
	"sort"

	"github.com/spaolacci/murmur3"
	"github.com/swarmguard/taskgraph/internal/events"
	"github.com/swarmguard/taskgraph/internal/schema"
	"github.com/swarmguard/taskgraph/internal/taskerr"
)

// Op enumerates the comparison operators deleteSearch accepts.
type Op string

const (
	OpEQ Op = "="
	OpLT Op = "<"
	OpLE Op = "<="
	OpGT Op = ">"
	OpGE Op = ">="
)

// Entity is a schema-conforming record. Repository implementations treat
// it as an opaque property bag; the schema tells them which keys are
// primary-key columns.
type Entity = map[string]any

// Index is a non-empty ordered sequence of property names, significant in
// declaration order (leftmost-prefix search semantics).
type Index []string

// Repository is the contract every backend implements identically.
type Repository interface {
	Put(ctx context.Context, entity Entity) (Entity, error)
	PutBulk(ctx context.Context, entities []Entity) ([]Entity, error)
	Get(ctx context.Context, pk Entity) (Entity, bool, error)
	Delete(ctx context.Context, pkOrEntity Entity) error
	DeleteSearch(ctx context.Context, column string, value any, op Op) error
	GetAll(ctx context.Context) ([]Entity, error)
	DeleteAll(ctx context.Context) error
	Size(ctx context.Context) (int, error)
	Search(ctx context.Context, partial Entity) ([]Entity, error)
	Events() *events.Emitter
	Close() error
}

// Config carries everything shared across backend constructors: the table
// name, full schema, declared primary-key names and raw (pre-normalization)
// indexes.
type Config struct {
	Table           string
	Schema          *schema.Schema
	PrimaryKeyNames []string
	Indexes         []Index
}

// Validate checks identifier rules for the table name and every schema
// property name, per "Integrity" in the component design: violations fail
// at construction, not at first use.
func (c Config) Validate() error {
	if !schema.ValidIdentifier(c.Table) {
		return taskerr.NewWorkflowError("invalid table name: %q", c.Table)
	}
	for _, n := range c.Schema.Names {
		if !schema.ValidIdentifier(n) {
			return taskerr.NewWorkflowError("invalid column name: %q", n)
		}
	}
	for _, pk := range c.PrimaryKeyNames {
		if _, ok := c.Schema.Properties[pk]; !ok {
			return taskerr.NewWorkflowError("primary key column %q not declared in schema", pk)
		}
	}
	return nil
}

// NormalizeIndexes drops any declared index that is a strict prefix of
// another declared index or of the primary key, except single-column
// indexes which are always retained (per §4.1/§3.1 normalization rule).
func NormalizeIndexes(primaryKey []string, declared []Index) []Index {
	isPrefixOf := func(short, long []string) bool {
		if len(short) >= len(long) {
			return false
		}
		for i := range short {
			if short[i] != long[i] {
				return false
			}
		}
		return true
	}

	keep := make([]bool, len(declared))
	for i := range keep {
		keep[i] = true
	}

	for i, idx := range declared {
		if len(idx) == 1 {
			continue // single-column indexes are always retained
		}
		if isPrefixOf(idx, primaryKey) {
			keep[i] = false
			continue
		}
		for j, other := range declared {
			if i == j {
				continue
			}
			if isPrefixOf(idx, other) {
				keep[i] = false
				break
			}
		}
	}

	var out []Index
	for i, idx := range declared {
		if keep[i] {
			out = append(out, idx)
		}
	}
	return out
}

// FindBestMatchingIndex returns the index (from the primary key and every
// normalized declared index, in that search order) whose leftmost
// contiguous prefix has the greatest overlap with the requested key set S.
// Ties prefer the index discovered first in declared order. Returns ok=false
// if no index has its first column in S.
func FindBestMatchingIndex(primaryKey []string, declaredIndexes []Index, requested []string) (best Index, ok bool) {
	set := make(map[string]bool, len(requested))
	for _, r := range requested {
		set[r] = true
	}

	candidates := append([]Index{Index(primaryKey)}, declaredIndexes...)

	bestScore := -1
	for _, cand := range candidates {
		score := 0
		for _, col := range cand {
			if !set[col] {
				break
			}
			score++
		}
		if score > 0 && score > bestScore {
			bestScore = score
			best = cand
			ok = true
		}
	}
	return best, ok
}

// ProjectPrimaryKey extracts the primary-key columns from entity.
func ProjectPrimaryKey(pkNames []string, entity Entity) Entity {
	pk := make(Entity, len(pkNames))
	for _, n := range pkNames {
		pk[n] = entity[n]
	}
	return pk
}

// FingerprintPrimaryKey produces a stable, compact key for pk suitable as
// an in-memory map key or filesystem-backend file name. It uses murmur3 (a
// fast, non-cryptographic hash) — never SHA-256, which is reserved for the
// output cache's content-addressed fingerprint.
func FingerprintPrimaryKey(pkNames []string, pk Entity) string {
	sorted := append([]string(nil), pkNames...)
	sort.Strings(sorted)
	h := murmur3.New128()
	for _, n := range sorted {
		fmt.Fprintf(h, "%s=%v;", n, pk[n])
	}
	sum1, sum2 := h.Sum128()
	return fmt.Sprintf("%016x%016x", sum1, sum2)
}

// MatchesPartial reports whether entity equals partial on every field
// partial declares.
func MatchesPartial(entity, partial Entity) bool {
	for k, v := range partial {
		if entity[k] != v {
			return false
		}
	}
	return true
}

// CompareOp evaluates a < b according to op, for deleteSearch predicates.
// Values are compared as float64 when both are numeric, otherwise as
// strings — sufficient for the backends in this package, none of which
// need a richer ordering.
func CompareOp(value, target any, op Op) bool {
	vf, vIsNum := toFloat(value)
	tf, tIsNum := toFloat(target)
	if vIsNum && tIsNum {
		switch op {
		case OpEQ:
			return vf == tf
		case OpLT:
			return vf < tf
		case OpLE:
			return vf <= tf
		case OpGT:
			return vf > tf
		case OpGE:
			return vf >= tf
		}
	}
	vs := fmt.Sprintf("%v", value)
	ts := fmt.Sprintf("%v", target)
	switch op {
	case OpEQ:
		return vs == ts
	case OpLT:
		return vs < ts
	case OpLE:
		return vs <= ts
	case OpGT:
		return vs > ts
	case OpGE:
		return vs >= ts
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
