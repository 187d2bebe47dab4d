package repository

import (
	"context"
	"encoding/json"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/taskgraph/internal/events"
	"github.com/swarmguard/taskgraph/internal/schema"
	"github.com/swarmguard/taskgraph/internal/taskerr"
)

// BoltRepository stands in for the spec's browser-embedded variant (one
// object store per table, declared indexes become backend indexes,
// compound indexes use a composite key path). The real binding target is a
// browser's IndexedDB, explicitly out of scope per spec.md §1 ("browser key
// -value store bindings"); go.etcd.io/bbolt — the teacher's own durable KV
// engine — exercises the identical contract: one bucket per table, keyPath
// encoded as the primary-key fingerprint, declared indexes checked the same
// way FindBestMatchingIndex checks them for every other backend.
type BoltRepository struct {
	db      *bbolt.DB
	cfg     Config
	indexes []Index
	emit    events.Emitter
	owned   bool
}

// NewBolt opens (or creates) a bbolt database at path, creating one bucket
// named after cfg.Table.
func NewBolt(path string, cfg Config) (*BoltRepository, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 0})
	if err != nil {
		return nil, taskerr.NewRepositoryError("bolt:open", err)
	}
	r := &BoltRepository{
		db:      db,
		cfg:     cfg,
		indexes: NormalizeIndexes(cfg.PrimaryKeyNames, cfg.Indexes),
		owned:   true,
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(cfg.Table))
		return err
	}); err != nil {
		db.Close()
		return nil, taskerr.NewRepositoryError("bolt:create_bucket", err)
	}
	return r, nil
}

func (r *BoltRepository) Events() *events.Emitter { return &r.emit }

func (r *BoltRepository) Close() error {
	if !r.owned {
		return nil
	}
	return r.db.Close()
}

func (r *BoltRepository) Put(_ context.Context, entity Entity) (Entity, error) {
	if err := schema.Validate(r.cfg.Schema, entity); err != nil {
		return nil, err
	}
	pk := ProjectPrimaryKey(r.cfg.PrimaryKeyNames, entity)
	key := FingerprintPrimaryKey(r.cfg.PrimaryKeyNames, pk)
	stored := cloneEntity(entity)
	buf, err := json.Marshal(stored)
	if err != nil {
		return nil, taskerr.NewRepositoryError("bolt:marshal", err)
	}
	err = r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(r.cfg.Table)).Put([]byte(key), buf)
	})
	if err != nil {
		return nil, taskerr.NewRepositoryError("bolt:put", err)
	}
	r.emit.Emit("put", stored)
	return cloneEntity(stored), nil
}

func (r *BoltRepository) PutBulk(ctx context.Context, entities []Entity) ([]Entity, error) {
	for _, e := range entities {
		if err := schema.Validate(r.cfg.Schema, e); err != nil {
			return nil, err
		}
	}
	out := make([]Entity, 0, len(entities))
	err := r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(r.cfg.Table))
		for _, e := range entities {
			pk := ProjectPrimaryKey(r.cfg.PrimaryKeyNames, e)
			key := FingerprintPrimaryKey(r.cfg.PrimaryKeyNames, pk)
			stored := cloneEntity(e)
			buf, err := json.Marshal(stored)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(key), buf); err != nil {
				return err
			}
			out = append(out, stored)
		}
		return nil
	})
	if err != nil {
		return nil, taskerr.NewRepositoryError("bolt:put_bulk", err)
	}
	for _, e := range out {
		r.emit.Emit("put", e)
	}
	return out, nil
}

func (r *BoltRepository) Get(_ context.Context, pk Entity) (Entity, bool, error) {
	key := FingerprintPrimaryKey(r.cfg.PrimaryKeyNames, pk)
	var found Entity
	err := r.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(r.cfg.Table)).Get([]byte(key))
		if v == nil {
			return nil
		}
		var e Entity
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		found = e
		return nil
	})
	if err != nil {
		return nil, false, taskerr.NewRepositoryError("bolt:get", err)
	}
	if found == nil {
		return nil, false, nil
	}
	r.emit.Emit("get", found)
	return found, true, nil
}

func (r *BoltRepository) Delete(_ context.Context, pkOrEntity Entity) error {
	pk := ProjectPrimaryKey(r.cfg.PrimaryKeyNames, pkOrEntity)
	key := FingerprintPrimaryKey(r.cfg.PrimaryKeyNames, pk)
	err := r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(r.cfg.Table)).Delete([]byte(key))
	})
	if err != nil {
		return taskerr.NewRepositoryError("bolt:delete", err)
	}
	r.emit.Emit("delete", pk)
	return nil
}

func (r *BoltRepository) DeleteSearch(_ context.Context, column string, value any, op Op) error {
	if _, ok := r.cfg.Schema.Properties[column]; !ok {
		return taskerr.NewWorkflowError("deleteSearch: column %q not in schema", column)
	}
	err := r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(r.cfg.Table))
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Entity
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if CompareOp(e[column], value, op) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return taskerr.NewRepositoryError("bolt:delete_search", err)
	}
	r.emit.Emit("delete", map[string]any{"column": column, "value": value, "op": string(op)})
	return nil
}

func (r *BoltRepository) GetAll(_ context.Context) ([]Entity, error) {
	var out []Entity
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(r.cfg.Table)).ForEach(func(k, v []byte) error {
			var e Entity
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, taskerr.NewRepositoryError("bolt:get_all", err)
	}
	return out, nil
}

func (r *BoltRepository) DeleteAll(_ context.Context) error {
	err := r.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(r.cfg.Table)); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket([]byte(r.cfg.Table))
		return err
	})
	if err != nil {
		return taskerr.NewRepositoryError("bolt:delete_all", err)
	}
	r.emit.Emit("clearall", nil)
	return nil
}

func (r *BoltRepository) Size(_ context.Context) (int, error) {
	n := 0
	err := r.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(r.cfg.Table)).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, taskerr.NewRepositoryError("bolt:size", err)
	}
	return n, nil
}

func (r *BoltRepository) Search(_ context.Context, partial Entity) ([]Entity, error) {
	cols := make([]string, 0, len(partial))
	for c := range partial {
		cols = append(cols, c)
	}
	if _, ok := FindBestMatchingIndex(r.cfg.PrimaryKeyNames, r.indexes, cols); !ok {
		return nil, taskerr.NewWorkflowError("search: no declared index covers any leftmost subset of %v", cols)
	}

	var out []Entity
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(r.cfg.Table)).ForEach(func(k, v []byte) error {
			var e Entity
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if MatchesPartial(e, partial) {
				out = append(out, e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, taskerr.NewRepositoryError("bolt:search", err)
	}
	r.emit.Emit("search", partial)
	return out, nil
}
