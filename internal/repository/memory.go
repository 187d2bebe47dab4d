package repository

import (
	"context"
	"sync"

	"github.com/swarmguard/taskgraph/internal/events"
	"github.com/swarmguard/taskgraph/internal/schema"
	"github.com/swarmguard/taskgraph/internal/taskerr"
)

// MemoryRepository is the in-memory backend: a mapping from a fingerprint
// of the primary key to the entity, filtered in-process for Search.
type MemoryRepository struct {
	cfg     Config
	indexes []Index

	mu    sync.RWMutex
	byKey map[string]Entity
	emit  events.Emitter
}

// NewMemory constructs an in-memory repository. Declared indexes are
// normalized immediately; identifier validation happens at construction,
// per the Integrity requirement.
func NewMemory(cfg Config) (*MemoryRepository, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MemoryRepository{
		cfg:     cfg,
		indexes: NormalizeIndexes(cfg.PrimaryKeyNames, cfg.Indexes),
		byKey:   make(map[string]Entity),
	}, nil
}

func (r *MemoryRepository) Events() *events.Emitter { return &r.emit }

func (r *MemoryRepository) Put(_ context.Context, entity Entity) (Entity, error) {
	if err := schema.Validate(r.cfg.Schema, entity); err != nil {
		return nil, err
	}
	pk := ProjectPrimaryKey(r.cfg.PrimaryKeyNames, entity)
	key := FingerprintPrimaryKey(r.cfg.PrimaryKeyNames, pk)

	stored := cloneEntity(entity)
	r.mu.Lock()
	r.byKey[key] = stored
	r.mu.Unlock()

	r.emit.Emit("put", stored)
	return cloneEntity(stored), nil
}

func (r *MemoryRepository) PutBulk(ctx context.Context, entities []Entity) ([]Entity, error) {
	// All-or-nothing: validate every entity before mutating shared state.
	for _, e := range entities {
		if err := schema.Validate(r.cfg.Schema, e); err != nil {
			return nil, err
		}
	}
	out := make([]Entity, 0, len(entities))
	r.mu.Lock()
	for _, e := range entities {
		pk := ProjectPrimaryKey(r.cfg.PrimaryKeyNames, e)
		key := FingerprintPrimaryKey(r.cfg.PrimaryKeyNames, pk)
		stored := cloneEntity(e)
		r.byKey[key] = stored
		out = append(out, cloneEntity(stored))
	}
	r.mu.Unlock()
	for _, e := range out {
		r.emit.Emit("put", e)
	}
	return out, nil
}

func (r *MemoryRepository) Get(_ context.Context, pk Entity) (Entity, bool, error) {
	key := FingerprintPrimaryKey(r.cfg.PrimaryKeyNames, pk)
	r.mu.RLock()
	e, ok := r.byKey[key]
	r.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	result := cloneEntity(e)
	r.emit.Emit("get", result)
	return result, true, nil
}

func (r *MemoryRepository) Delete(_ context.Context, pkOrEntity Entity) error {
	pk := ProjectPrimaryKey(r.cfg.PrimaryKeyNames, pkOrEntity)
	key := FingerprintPrimaryKey(r.cfg.PrimaryKeyNames, pk)
	r.mu.Lock()
	delete(r.byKey, key)
	r.mu.Unlock()
	r.emit.Emit("delete", pk)
	return nil
}

func (r *MemoryRepository) DeleteSearch(_ context.Context, column string, value any, op Op) error {
	if _, ok := r.cfg.Schema.Properties[column]; !ok {
		return taskerr.NewWorkflowError("deleteSearch: column %q not in schema", column)
	}
	r.mu.Lock()
	for key, e := range r.byKey {
		if CompareOp(e[column], value, op) {
			delete(r.byKey, key)
		}
	}
	r.mu.Unlock()
	r.emit.Emit("delete", map[string]any{"column": column, "value": value, "op": string(op)})
	return nil
}

func (r *MemoryRepository) GetAll(_ context.Context) ([]Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.byKey) == 0 {
		return nil, nil
	}
	out := make([]Entity, 0, len(r.byKey))
	for _, e := range r.byKey {
		out = append(out, cloneEntity(e))
	}
	return out, nil
}

func (r *MemoryRepository) DeleteAll(_ context.Context) error {
	r.mu.Lock()
	r.byKey = make(map[string]Entity)
	r.mu.Unlock()
	r.emit.Emit("clearall", nil)
	return nil
}

func (r *MemoryRepository) Size(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey), nil
}

func (r *MemoryRepository) Search(_ context.Context, partial Entity) ([]Entity, error) {
	cols := make([]string, 0, len(partial))
	for c := range partial {
		cols = append(cols, c)
	}
	if _, ok := FindBestMatchingIndex(r.cfg.PrimaryKeyNames, r.indexes, cols); !ok {
		return nil, taskerr.NewWorkflowError("search: no declared index covers any leftmost subset of %v", cols)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entity
	for _, e := range r.byKey {
		if MatchesPartial(e, partial) {
			out = append(out, cloneEntity(e))
		}
	}
	r.emit.Emit("search", partial)
	return out, nil
}

func (r *MemoryRepository) Close() error { return nil }

func cloneEntity(e Entity) Entity {
	out := make(Entity, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}
