package destinations

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tabflow/internal/config"
	"tabflow/internal/etl"
	"tabflow/internal/logging"
)

// ── Postgres Repository ────────────────────────────────────
// Bulk loads batches into one table with COPY. The table and its columns
// are created or altered from the mapped repository types at startup.

func init() {
	etl.RegisterRepository("postgres", newPostgresRepository)
}

// pgExecutor is the subset of *pgxpool.Pool the repository uses.
type pgExecutor interface {
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

type postgresRepository struct {
	db        pgExecutor
	table     pgx.Identifier
	chunkSize int
	build     bool
	strict    bool
	extra     map[string]string
}

func newPostgresRepository(ctx context.Context, env etl.Env) (etl.Repository, error) {
	cfg := env.Config.Postgres
	table, extra, err := postgresSettings(cfg)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: PG_REPO_URL: %w", etl.ErrConfiguration, err)
	}
	poolCfg.MaxConns = 4
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connect postgres: %w", etl.ErrConfiguration, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping postgres: %w", etl.ErrConfiguration, err)
	}
	return newPostgresWith(pool, table, cfg, extra), nil
}

func postgresSettings(cfg config.PostgresRepositoryConfig) (pgx.Identifier, map[string]string, error) {
	if cfg.URL == "" || cfg.Table == "" {
		return nil, nil, fmt.Errorf("%w: PG_REPO_URL and PG_REPO_TABLE must be set", etl.ErrConfiguration)
	}
	extra, err := cfg.ExtraFieldTable()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", etl.ErrConfiguration, err)
	}
	return pgx.Identifier(strings.Split(cfg.Table, ".")), extra, nil
}

func newPostgresWith(db pgExecutor, table pgx.Identifier, cfg config.PostgresRepositoryConfig, extra map[string]string) *postgresRepository {
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = 1000
	}
	return &postgresRepository{
		db:        db,
		table:     table,
		chunkSize: chunk,
		build:     cfg.BuildSchema,
		strict:    cfg.StrictSchema,
		extra:     extra,
	}
}

func (r *postgresRepository) ShouldBuildSchema() bool { return r.build }

func (r *postgresRepository) ExtraFields() map[string]string { return maps.Clone(r.extra) }

func (r *postgresRepository) Commit(ctx context.Context, b *etl.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	log := logging.FromContext(ctx)
	var total int64
	for _, chunk := range etl.Chunks(b.Rows, r.chunkSize) {
		rows := make([][]any, len(chunk))
		for i, rec := range chunk {
			row := make([]any, len(b.Columns))
			for j, c := range b.Columns {
				row[j] = rec.Data[c]
			}
			rows[i] = row
		}
		n, err := r.db.CopyFrom(ctx, r.table, b.Columns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("%w: copy into %s: %w", etl.ErrRepository, r.table.Sanitize(), err)
		}
		total += n
		log.Debug("copied rows to postgres", "done", total, "total", b.Len())
	}
	log.Info("committed rows to postgres", "rows", total, "table", r.table.Sanitize())
	return nil
}

// ReconcileSchema creates the table when it has no columns yet, adds
// missing columns and changes the type of mismatched ones.
func (r *postgresRepository) ReconcileSchema(ctx context.Context, fields map[string]string) error {
	current, err := r.columns(ctx)
	if err != nil {
		return fmt.Errorf("%w: read columns of %s: %w", etl.ErrRepository, r.table.Sanitize(), err)
	}
	stmts, err := planSchema(r.table, current, fields, r.strict)
	if err != nil {
		return err
	}
	log := logging.FromContext(ctx)
	for _, stmt := range stmts {
		log.Info("updating postgres schema", "statement", stmt)
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: %s: %w", etl.ErrRepository, stmt, err)
		}
	}
	return nil
}

func (r *postgresRepository) columns(ctx context.Context) (map[string]string, error) {
	var schema any
	name := r.table[len(r.table)-1]
	if len(r.table) > 1 {
		schema = r.table[len(r.table)-2]
	}
	rows, err := r.db.Query(ctx, `select column_name, data_type from information_schema.columns
		where table_schema = coalesce($1::text, current_schema()) and table_name = $2`, schema, name)
	if err != nil {
		return nil, err
	}
	type column struct {
		Name string
		Type string
	}
	cols, err := pgx.CollectRows(rows, pgx.RowToStructByPos[column])
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(cols))
	for _, c := range cols {
		out[c.Name] = c.Type
	}
	return out, nil
}

// planSchema returns the DDL that brings current (column → data_type) in
// line with fields (column → repository type).
func planSchema(table pgx.Identifier, current, fields map[string]string, strict bool) ([]string, error) {
	names := slices.Sorted(maps.Keys(fields))
	if len(current) == 0 {
		defs := make([]string, len(names))
		for i, n := range names {
			defs[i] = pgx.Identifier{n}.Sanitize() + " " + PGType(fields[n])
		}
		return []string{fmt.Sprintf("create table if not exists %s (%s)", table.Sanitize(), strings.Join(defs, ", "))}, nil
	}

	var stmts []string
	for _, n := range names {
		want := PGType(fields[n])
		col := pgx.Identifier{n}.Sanitize()
		have, ok := current[n]
		switch {
		case !ok:
			stmts = append(stmts, fmt.Sprintf("alter table %s add column %s %s", table.Sanitize(), col, want))
		case !sameType(have, want):
			if strict {
				return nil, fmt.Errorf("%w: column %q is %s, mapping wants %s", etl.ErrStrictSchema, n, have, want)
			}
			stmts = append(stmts, fmt.Sprintf("alter table %s alter column %s type %s using %s::%s",
				table.Sanitize(), col, want, col, want))
		}
	}
	return stmts, nil
}

// PGType maps a repository field type onto a Postgres column type. Unknown
// names are taken as Postgres types.
func PGType(repoType string) string {
	switch t := strings.ToLower(strings.TrimSpace(repoType)); t {
	case "int", "integer", "pint", "long", "plong", "bigint":
		return "bigint"
	case "float", "pfloat", "double", "pdouble", "real", "double precision":
		return "double precision"
	case "bool", "boolean":
		return "boolean"
	case "date", "pdate", "datetime", "timestamp", "timestamptz":
		return "timestamp with time zone"
	case "", "string", "strings", "text", "text_general":
		return "text"
	default:
		return t
	}
}

func sameType(have, want string) bool {
	if strings.EqualFold(have, want) {
		return true
	}
	base, _, _ := strings.Cut(want, "(")
	return strings.EqualFold(have, strings.TrimSpace(base))
}

func (r *postgresRepository) Close() error {
	r.db.Close()
	return nil
}

var _ etl.SchemaReconciler = (*postgresRepository)(nil)
