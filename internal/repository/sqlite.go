package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/swarmguard/taskgraph/internal/schema"
	"github.com/swarmguard/taskgraph/internal/taskerr"
)

// sqliteDialect targets modernc.org/sqlite, the pure-Go, cgo-free driver —
// the same tradeoff the teacher made choosing BoltDB over a cgo-requiring
// engine for single-binary deployability.
type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) Placeholder(int) string { return "?" }

func (sqliteDialect) SupportsReturning() bool { return true }

func (sqliteDialect) ColumnType(sp schema.SimplifiedProperty) string {
	switch sp.NonNullType.Type {
	case schema.TypeInteger:
		return "INTEGER"
	case schema.TypeNumber:
		return "REAL"
	case schema.TypeBoolean:
		return "INTEGER"
	case schema.TypeObject, schema.TypeArray:
		return "TEXT"
	default:
		if sp.NonNullType.ContentEncoding == "blob" {
			return "BLOB"
		}
		return "TEXT"
	}
}

func (sqliteDialect) UpsertSuffix(table string, pkCols, allCols []string) string {
	var sets []string
	for _, c := range allCols {
		isPK := false
		for _, p := range pkCols {
			if p == c {
				isPK = true
				break
			}
		}
		if !isPK {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	if len(sets) == 0 {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(pkCols, ", "))
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(pkCols, ", "), strings.Join(sets, ", "))
}

// NewSQLite opens (or creates) a SQLite database file at path and returns a
// Repository backed by it, with table/index DDL applied on construction.
func NewSQLite(ctx context.Context, path string, cfg Config) (Repository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, taskerr.NewRepositoryError("sqlite:open", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY storms
	r, err := newSQLRepository(ctx, db, sqliteDialect{}, cfg, "sqlite")
	if err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}
