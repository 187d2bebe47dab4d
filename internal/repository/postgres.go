package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/swarmguard/taskgraph/internal/schema"
	"github.com/swarmguard/taskgraph/internal/taskerr"
)

// postgresDialect targets PostgreSQL through jackc/pgx/v5's database/sql
// shim, the remote SQL variant: same SQL shape as the embedded backend,
// through a network client, using Postgres's native upsert primitive
// (INSERT ... ON CONFLICT).
type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) Placeholder(argIndex int) string { return fmt.Sprintf("$%d", argIndex) }

func (postgresDialect) SupportsReturning() bool { return true }

func (postgresDialect) ColumnType(sp schema.SimplifiedProperty) string {
	switch sp.NonNullType.Type {
	case schema.TypeInteger:
		return "BIGINT"
	case schema.TypeNumber:
		return "DOUBLE PRECISION"
	case schema.TypeBoolean:
		return "BOOLEAN"
	case schema.TypeObject, schema.TypeArray:
		return "JSONB"
	default:
		if sp.NonNullType.ContentEncoding == "blob" {
			return "BYTEA"
		}
		if sp.NonNullType.Format == schema.FormatUUID {
			return "UUID"
		}
		return "TEXT"
	}
}

func (postgresDialect) UpsertSuffix(table string, pkCols, allCols []string) string {
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
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}
	}
	if len(sets) == 0 {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(pkCols, ", "))
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(pkCols, ", "), strings.Join(sets, ", "))
}

// NewPostgres opens a connection pool against dsn and returns a Repository
// backed by it.
func NewPostgres(ctx context.Context, dsn string, cfg Config) (Repository, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, taskerr.NewRepositoryError("postgres:open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, taskerr.NewRepositoryError("postgres:ping", err)
	}
	r, err := newSQLRepository(ctx, db, postgresDialect{}, cfg, "postgres")
	if err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}
