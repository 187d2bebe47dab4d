package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/swarmguard/taskgraph/internal/events"
	"github.com/swarmguard/taskgraph/internal/schema"
	"github.com/swarmguard/taskgraph/internal/taskerr"
)

// Dialect isolates the handful of ways SQL backends disagree: placeholder
// syntax, upsert clause, and native column types. Both the embedded
// (modernc.org/sqlite) and remote (jackc/pgx) backends implement it.
type Dialect interface {
	Name() string
	Placeholder(argIndex int) string
	ColumnType(simplified schema.SimplifiedProperty) string
	UpsertSuffix(table string, pkCols []string, allCols []string) string
	SupportsReturning() bool
}

// sqlRepository is the shared SQL-backed implementation used by both the
// embedded and remote backends; only db acquisition and the Dialect differ
// between them.
type sqlRepository struct {
	db       *sql.DB
	dialect  Dialect
	cfg      Config
	indexes  []Index
	simple   map[string]schema.SimplifiedProperty
	emit     events.Emitter
	backend  string
}

func newSQLRepository(ctx context.Context, db *sql.DB, dialect Dialect, cfg Config, backendName string) (*sqlRepository, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &sqlRepository{
		db:      db,
		dialect: dialect,
		cfg:     cfg,
		indexes: NormalizeIndexes(cfg.PrimaryKeyNames, cfg.Indexes),
		simple:  schema.Simplify(cfg.Schema),
		backend: backendName,
	}
	if err := r.migrate(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *sqlRepository) Events() *events.Emitter { return &r.emit }

func (r *sqlRepository) Close() error { return r.db.Close() }

// migrate issues CREATE TABLE / CREATE INDEX per §6.3: primary-key columns
// NOT NULL, value columns NULL unless required, a composite PRIMARY KEY
// clause, and one CREATE INDEX per normalized declared index named
// "<table>_<col1>_<col2>...".
func (r *sqlRepository) migrate(ctx context.Context) error {
	pkSet := make(map[string]bool, len(r.cfg.PrimaryKeyNames))
	for _, n := range r.cfg.PrimaryKeyNames {
		pkSet[n] = true
	}

	var cols []string
	for _, n := range r.cfg.Schema.Names {
		sp := r.simple[n]
		colType := r.dialect.ColumnType(sp)
		nullability := "NULL"
		if pkSet[n] || r.cfg.Schema.IsRequired(n) {
			nullability = "NOT NULL"
		}
		cols = append(cols, fmt.Sprintf("%s %s %s", n, colType, nullability))
	}
	cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(r.cfg.PrimaryKeyNames, ", ")))

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", r.cfg.Table, strings.Join(cols, ", "))
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return taskerr.NewRepositoryError("migrate:create_table", err)
	}

	for _, idx := range r.indexes {
		idxName := r.cfg.Table + "_" + strings.Join(idx, "_")
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", idxName, r.cfg.Table, strings.Join(idx, ", "))
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return taskerr.NewRepositoryError("migrate:create_index", err)
		}
	}
	return nil
}

func (r *sqlRepository) jsToSQL(column string, value any) any {
	sp := r.simple[column]
	switch sp.NonNullType.Type {
	case schema.TypeBoolean:
		if b, ok := value.(bool); ok {
			if b {
				return 1
			}
			return 0
		}
	case schema.TypeString:
		if sp.NonNullType.Format == schema.FormatDateTime || sp.NonNullType.Format == schema.FormatDate {
			if t, ok := value.(time.Time); ok {
				return t.UTC().Format(time.RFC3339)
			}
		}
	}
	return value
}

func (r *sqlRepository) sqlToJS(column string, value any) any {
	sp := r.simple[column]
	switch sp.NonNullType.Type {
	case schema.TypeBoolean:
		switch v := value.(type) {
		case int64:
			return v != 0
		case bool:
			return v
		}
	case schema.TypeInteger:
		if v, ok := value.(int64); ok {
			return v
		}
	case schema.TypeNumber:
		switch v := value.(type) {
		case []byte:
			f, _ := strconv.ParseFloat(string(v), 64)
			return f
		}
	}
	if b, ok := value.([]byte); ok && sp.NonNullType.Type == schema.TypeString {
		return string(b)
	}
	return value
}

func (r *sqlRepository) Put(ctx context.Context, entity Entity) (Entity, error) {
	if err := schema.Validate(r.cfg.Schema, entity); err != nil {
		return nil, err
	}
	stored, err := r.upsert(ctx, entity)
	if err != nil {
		return nil, err
	}
	r.emit.Emit("put", stored)
	return stored, nil
}

func (r *sqlRepository) PutBulk(ctx context.Context, entities []Entity) ([]Entity, error) {
	for _, e := range entities {
		if err := schema.Validate(r.cfg.Schema, e); err != nil {
			return nil, err
		}
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, taskerr.NewRepositoryError("putBulk:begin", err)
	}
	defer tx.Rollback()

	out := make([]Entity, 0, len(entities))
	for _, e := range entities {
		stored, err := r.upsertTx(ctx, tx, e)
		if err != nil {
			return nil, err
		}
		out = append(out, stored)
	}
	if err := tx.Commit(); err != nil {
		return nil, taskerr.NewRepositoryError("putBulk:commit", err)
	}
	for _, e := range out {
		r.emit.Emit("put", e)
	}
	return out, nil
}

func (r *sqlRepository) upsert(ctx context.Context, entity Entity) (Entity, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, taskerr.NewRepositoryError("put:begin", err)
	}
	defer tx.Rollback()
	stored, err := r.upsertTx(ctx, tx, entity)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, taskerr.NewRepositoryError("put:commit", err)
	}
	return stored, nil
}

func (r *sqlRepository) upsertTx(ctx context.Context, tx *sql.Tx, entity Entity) (Entity, error) {
	cols := r.cfg.Schema.Names
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = r.dialect.Placeholder(i + 1)
		args[i] = r.jsToSQL(c, entity[c])
	}

	suffix := r.dialect.UpsertSuffix(r.cfg.Table, r.cfg.PrimaryKeyNames, cols)
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) %s",
		r.cfg.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), suffix)

	if r.dialect.SupportsReturning() {
		query += " RETURNING " + strings.Join(cols, ", ")
		row := tx.QueryRowContext(ctx, query, args...)
		return r.scanRow(row, cols)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, taskerr.NewRepositoryError("put:exec", err)
	}
	return cloneEntity(entity), nil
}

func (r *sqlRepository) scanRow(row *sql.Row, cols []string) (Entity, error) {
	dest := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := row.Scan(ptrs...); err != nil {
		return nil, taskerr.NewRepositoryError("put:scan", err)
	}
	out := make(Entity, len(cols))
	for i, c := range cols {
		out[c] = r.sqlToJS(c, dest[i])
	}
	return out, nil
}

func (r *sqlRepository) Get(ctx context.Context, pk Entity) (Entity, bool, error) {
	cols := r.cfg.Schema.Names
	where, args := r.whereClauseEQ(pk, r.cfg.PrimaryKeyNames, 1)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(cols, ", "), r.cfg.Table, where)
	row := r.db.QueryRowContext(ctx, query, args...)
	entity, err := r.scanRow(row, cols)
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	r.emit.Emit("get", entity)
	return entity, true, nil
}

func isNoRows(err error) bool {
	for e := err; e != nil; {
		if e == sql.ErrNoRows {
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

func (r *sqlRepository) whereClauseEQ(values Entity, cols []string, startArg int) (string, []any) {
	parts := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%s = %s", c, r.dialect.Placeholder(startArg+i))
		args[i] = r.jsToSQL(c, values[c])
	}
	return strings.Join(parts, " AND "), args
}

func (r *sqlRepository) Delete(ctx context.Context, pkOrEntity Entity) error {
	pk := ProjectPrimaryKey(r.cfg.PrimaryKeyNames, pkOrEntity)
	where, args := r.whereClauseEQ(pk, r.cfg.PrimaryKeyNames, 1)
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", r.cfg.Table, where)
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return taskerr.NewRepositoryError("delete", err)
	}
	r.emit.Emit("delete", pk)
	return nil
}

func (r *sqlRepository) DeleteSearch(ctx context.Context, column string, value any, op Op) error {
	if _, ok := r.cfg.Schema.Properties[column]; !ok {
		return taskerr.NewWorkflowError("deleteSearch: column %q not in schema", column)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s %s %s", r.cfg.Table, column, string(op), r.dialect.Placeholder(1))
	if _, err := r.db.ExecContext(ctx, query, r.jsToSQL(column, value)); err != nil {
		return taskerr.NewRepositoryError("deleteSearch", err)
	}
	r.emit.Emit("delete", map[string]any{"column": column, "value": value, "op": string(op)})
	return nil
}

func (r *sqlRepository) GetAll(ctx context.Context) ([]Entity, error) {
	cols := r.cfg.Schema.Names
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), r.cfg.Table)
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, taskerr.NewRepositoryError("getAll", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		dest := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, taskerr.NewRepositoryError("getAll:scan", err)
		}
		e := make(Entity, len(cols))
		for i, c := range cols {
			e[c] = r.sqlToJS(c, dest[i])
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *sqlRepository) DeleteAll(ctx context.Context) error {
	query := fmt.Sprintf("DELETE FROM %s", r.cfg.Table)
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return taskerr.NewRepositoryError("deleteAll", err)
	}
	r.emit.Emit("clearall", nil)
	return nil
}

func (r *sqlRepository) Size(ctx context.Context) (int, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", r.cfg.Table)
	var n int
	if err := r.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, taskerr.NewRepositoryError("size", err)
	}
	return n, nil
}

func (r *sqlRepository) Search(ctx context.Context, partial Entity) ([]Entity, error) {
	reqCols := make([]string, 0, len(partial))
	for c := range partial {
		reqCols = append(reqCols, c)
	}
	if _, ok := FindBestMatchingIndex(r.cfg.PrimaryKeyNames, r.indexes, reqCols); !ok {
		return nil, taskerr.NewWorkflowError("search: no declared index covers any leftmost subset of %v", reqCols)
	}

	cols := r.cfg.Schema.Names
	where, args := r.whereClauseEQ(partial, reqCols, 1)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(cols, ", "), r.cfg.Table, where)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, taskerr.NewRepositoryError("search", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		dest := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, taskerr.NewRepositoryError("search:scan", err)
		}
		e := make(Entity, len(cols))
		for i, c := range cols {
			e[c] = r.sqlToJS(c, dest[i])
		}
		out = append(out, e)
	}
	r.emit.Emit("search", partial)
	return out, rows.Err()
}
