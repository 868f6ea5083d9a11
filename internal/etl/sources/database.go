package sources

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"tabflow/internal/config"
	"tabflow/internal/dbclient"
	"tabflow/internal/etl"
	"tabflow/internal/logging"
	"tabflow/internal/watermark"
)

// ── Database Source ────────────────────────────────────────
// One unit per table whose name matches the table pattern. Reads are
// incremental when a watermark column is configured: only rows beyond the
// stored cursor are selected, in ascending cursor order.

func init() {
	for _, driver := range []string{dbclient.DriverMySQL, dbclient.DriverPostgres, dbclient.DriverSQLite} {
		etl.RegisterSource("database."+driver, func(ctx context.Context, env etl.Env) (etl.Source, error) {
			conn, err := dbclient.NewConnector(dbParams(driver, env.Config.Database))
			if err != nil {
				return nil, fmt.Errorf("%w: %w", etl.ErrConfiguration, err)
			}
			if err := conn.TestConnection(ctx); err != nil {
				conn.Close()
				return nil, fmt.Errorf("%w: connect %s: %w", etl.ErrConfiguration, driver, err)
			}
			src, err := newDatabaseSource(ctx, driver, conn, env.Config.Database)
			if err != nil {
				conn.Close()
				return nil, err
			}
			return src, nil
		})
	}
}

func dbParams(driver string, cfg config.DatabaseSourceConfig) dbclient.Params {
	return dbclient.Params{
		Driver:   driver,
		Host:     cfg.Host,
		Port:     cfg.Port,
		Database: cfg.Name,
		Username: cfg.Username,
		Password: cfg.Password,
		SSLMode:  cfg.SSLMode,
		Path:     cfg.Path,
	}
}

type databaseSource struct {
	label     string
	conn      dbclient.Connector
	pattern   *regexp.Regexp
	columns   []string
	wmColumn  string
	cursors   *watermark.Manager
	fetchSize int
	uppercase bool
}

func newDatabaseSource(ctx context.Context, driver string, conn dbclient.Connector, cfg config.DatabaseSourceConfig) (*databaseSource, error) {
	pattern := cfg.TablePattern
	if pattern == "" {
		pattern = ".*"
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("%w: table pattern %q: %w", etl.ErrConfiguration, pattern, err)
	}

	columns := slices.Clone(cfg.Columns)
	if cfg.WatermarkColumn != "" && len(columns) > 0 && !slices.ContainsFunc(columns, func(c string) bool {
		return strings.EqualFold(c, cfg.WatermarkColumn)
	}) {
		columns = append(columns, cfg.WatermarkColumn)
	}

	var store watermark.Store
	if cfg.WatermarkColumn != "" {
		store = watermark.NewFileStore(cfg.WatermarkStore)
	}
	cursors, err := watermark.New(ctx, store, cfg.ResetWatermark)
	if err != nil {
		return nil, err
	}
	return &databaseSource{
		label:     "Database " + driver,
		conn:      conn,
		pattern:   re,
		columns:   columns,
		wmColumn:  cfg.WatermarkColumn,
		cursors:   cursors,
		fetchSize: cfg.FetchSize,
		uppercase: cfg.UppercaseColumn,
	}, nil
}

func (s *databaseSource) Label() string { return s.label }

func (s *databaseSource) DataUnits(ctx context.Context) ([]string, error) {
	tables, err := s.conn.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", etl.ErrSourceData, err)
	}
	var units []string
	for _, t := range tables {
		if s.pattern.MatchString(t) {
			units = append(units, t)
		}
	}
	return units, nil
}

// Query returns the select statement for table.
func (s *databaseSource) Query(table string) string {
	cols := "*"
	if len(s.columns) > 0 {
		cols = strings.Join(s.columns, ",")
	}
	return s.cursors.Query(fmt.Sprintf("select %s from %s", cols, table), table, s.wmColumn)
}

func (s *databaseSource) Read(ctx context.Context, table string) ([]*etl.Batch, error) {
	query := s.Query(table)
	logging.FromContext(ctx).Debug("reading table", "table", table, "query", query)

	page, err := dbclient.FetchAll(ctx, s.conn, query, s.fetchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read table %q: %w", etl.ErrSourceData, table, err)
	}

	headers := slices.Clone(page.Columns)
	if s.uppercase {
		for i, h := range headers {
			headers[i] = strings.ToUpper(h)
		}
	}
	b := etl.NewBatch("", headers)
	wmIndex := -1
	if s.wmColumn != "" {
		wmIndex = slices.IndexFunc(page.Columns, func(c string) bool { return strings.EqualFold(c, s.wmColumn) })
		if wmIndex < 0 {
			return nil, fmt.Errorf("%w: watermark column %q not in result of %q", etl.ErrSourceData, s.wmColumn, table)
		}
	}

	var marks []any
	for _, row := range page.Rows {
		data := make(map[string]any, len(headers))
		for i, h := range headers {
			data[h] = cellString(row[i])
		}
		b.Rows = append(b.Rows, etl.Record{Data: data})
		if wmIndex >= 0 {
			marks = append(marks, row[wmIndex])
		}
	}
	if err := s.cursors.Advance(table, marks); err != nil {
		return nil, err
	}
	return []*etl.Batch{b}, nil
}

// Archive persists the cursors. The outcome does not matter: the cursor
// already moved when the read succeeded.
func (s *databaseSource) Archive(_ context.Context, table string, _ bool) error {
	if err := s.cursors.Flush(); err != nil {
		return fmt.Errorf("%w: %s: %w", etl.ErrSourceData, table, err)
	}
	return nil
}

func (s *databaseSource) Close() error { return s.conn.Close() }
