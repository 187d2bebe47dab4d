package repository

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/swarmguard/taskgraph/internal/events"
	"github.com/swarmguard/taskgraph/internal/schema"
	"github.com/swarmguard/taskgraph/internal/taskerr"
)

// FilesystemRepository stores one JSON file per entity at
// <folder>/<fingerprint(primaryKey)>.json. Search and deleteSearch are
// unsupported, per the component design.
type FilesystemRepository struct {
	folder string
	cfg    Config
	emit   events.Emitter
}

// NewFilesystem creates (if needed) folder and returns a Repository backed
// by one-file-per-entity storage.
func NewFilesystem(folder string, cfg Config) (*FilesystemRepository, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, taskerr.NewRepositoryError("filesystem:mkdir", err)
	}
	return &FilesystemRepository{folder: folder, cfg: cfg}, nil
}

func (r *FilesystemRepository) Events() *events.Emitter { return &r.emit }

func (r *FilesystemRepository) Close() error { return nil }

func (r *FilesystemRepository) pathFor(pk Entity) string {
	key := FingerprintPrimaryKey(r.cfg.PrimaryKeyNames, pk)
	return filepath.Join(r.folder, key+".json")
}

// writeFileWithRetry logs a failed write and retries it once; the caller
// wraps a second failure in a RepositoryError.
func writeFileWithRetry(path string, data []byte) error {
	err := os.WriteFile(path, data, 0o644)
	if err == nil {
		return nil
	}
	slog.Warn("filesystem repository write failed, retrying once", "path", path, "error", err)
	err = os.WriteFile(path, data, 0o644)
	return err
}

func (r *FilesystemRepository) Put(_ context.Context, entity Entity) (Entity, error) {
	if err := schema.Validate(r.cfg.Schema, entity); err != nil {
		return nil, err
	}
	pk := ProjectPrimaryKey(r.cfg.PrimaryKeyNames, entity)
	stored := cloneEntity(entity)
	buf, err := json.Marshal(stored)
	if err != nil {
		return nil, taskerr.NewRepositoryError("filesystem:marshal", err)
	}
	if err := writeFileWithRetry(r.pathFor(pk), buf); err != nil {
		return nil, taskerr.NewRepositoryError("filesystem:write", err)
	}
	r.emit.Emit("put", stored)
	return cloneEntity(stored), nil
}

func (r *FilesystemRepository) PutBulk(ctx context.Context, entities []Entity) ([]Entity, error) {
	for _, e := range entities {
		if err := schema.Validate(r.cfg.Schema, e); err != nil {
			return nil, err
		}
	}
	out := make([]Entity, 0, len(entities))
	for _, e := range entities {
		stored, err := r.Put(ctx, e)
		if err != nil {
			return nil, err
		}
		out = append(out, stored)
	}
	return out, nil
}

func (r *FilesystemRepository) Get(_ context.Context, pk Entity) (Entity, bool, error) {
	buf, err := os.ReadFile(r.pathFor(pk))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, taskerr.NewRepositoryError("filesystem:read", err)
	}
	var e Entity
	if err := json.Unmarshal(buf, &e); err != nil {
		return nil, false, taskerr.NewRepositoryError("filesystem:unmarshal", err)
	}
	r.emit.Emit("get", e)
	return e, true, nil
}

func (r *FilesystemRepository) Delete(_ context.Context, pkOrEntity Entity) error {
	pk := ProjectPrimaryKey(r.cfg.PrimaryKeyNames, pkOrEntity)
	err := os.Remove(r.pathFor(pk))
	if err != nil && !os.IsNotExist(err) {
		return taskerr.NewRepositoryError("filesystem:remove", err)
	}
	r.emit.Emit("delete", pk)
	return nil
}

func (r *FilesystemRepository) DeleteSearch(context.Context, string, any, Op) error {
	return taskerr.NewUnsupported("filesystem", "deleteSearch")
}

func (r *FilesystemRepository) GetAll(_ context.Context) ([]Entity, error) {
	entries, err := os.ReadDir(r.folder)
	if err != nil {
		return nil, taskerr.NewRepositoryError("filesystem:readdir", err)
	}
	var out []Entity
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".json" {
			continue
		}
		buf, err := os.ReadFile(filepath.Join(r.folder, ent.Name()))
		if err != nil {
			return nil, taskerr.NewRepositoryError("filesystem:readdir_read", err)
		}
		var e Entity
		if err := json.Unmarshal(buf, &e); err != nil {
			return nil, taskerr.NewRepositoryError("filesystem:readdir_unmarshal", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *FilesystemRepository) DeleteAll(_ context.Context) error {
	entries, err := os.ReadDir(r.folder)
	if err != nil {
		return taskerr.NewRepositoryError("filesystem:readdir", err)
	}
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".json" {
			continue
		}
		if err := os.Remove(filepath.Join(r.folder, ent.Name())); err != nil {
			return taskerr.NewRepositoryError("filesystem:remove_all", err)
		}
	}
	r.emit.Emit("clearall", nil)
	return nil
}

func (r *FilesystemRepository) Size(_ context.Context) (int, error) {
	entries, err := os.ReadDir(r.folder)
	if err != nil {
		return 0, taskerr.NewRepositoryError("filesystem:readdir", err)
	}
	n := 0
	for _, ent := range entries {
		if !ent.IsDir() && filepath.Ext(ent.Name()) == ".json" {
			n++
		}
	}
	return n, nil
}

func (r *FilesystemRepository) Search(context.Context, Entity) ([]Entity, error) {
	return nil, taskerr.NewUnsupported("filesystem", "search")
}
