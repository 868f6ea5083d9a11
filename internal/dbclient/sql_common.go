package dbclient

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// tableListing lists the tables of the current database per driver.
var tableListing = map[string]string{
	DriverSQLite:   `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`,
	DriverMySQL:    `SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = DATABASE()`,
	DriverPostgres: `SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema()`,
}

// readPrefixes are the statements a source may run.
var readPrefixes = []string{"SELECT", "WITH", "SHOW", "DESCRIBE", "EXPLAIN", "PRAGMA"}

// sqlConnector serves MySQL, Postgres and SQLite through database/sql.
// At most one cursor is open at a time.
type sqlConnector struct {
	driver string
	db     *sql.DB

	mu  sync.Mutex
	cur *sqlCursor
}

// sqlCursor pages through an open result set.
type sqlCursor struct {
	rows    *sql.Rows
	columns []string
	fetched int
}

func newSQLConnector(driver, dsn string) (*sqlConnector, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)
	return &sqlConnector{driver: driver, db: db}, nil
}

func (c *sqlConnector) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.db.PingContext(ctx)
}

func isReadQuery(query string) bool {
	q := strings.ToUpper(strings.TrimSpace(query))
	return slices.ContainsFunc(readPrefixes, func(p string) bool { return strings.HasPrefix(q, p) })
}

// Execute replaces the open cursor with one for query and returns its
// first page. Only read statements are accepted.
func (c *sqlConnector) Execute(ctx context.Context, query string, fetchSize int) (*QueryPage, error) {
	if !isReadQuery(query) {
		return nil, fmt.Errorf("refusing non-read query")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.release()

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("columns: %w", err)
	}
	c.cur = &sqlCursor{rows: rows, columns: cols}
	return c.page(pageSize(fetchSize))
}

func (c *sqlConnector) FetchMore(_ context.Context, fetchSize int) (*QueryPage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return nil, fmt.Errorf("no active cursor: execute a query first")
	}
	return c.page(pageSize(fetchSize))
}

// page reads up to n rows. A short page closes the cursor. Caller holds mu.
func (c *sqlConnector) page(n int) (*QueryPage, error) {
	cur := c.cur
	out := make([][]any, 0, n)
	for len(out) < n && cur.rows.Next() {
		row, err := scanRow(cur.rows, len(cur.columns))
		if err != nil {
			c.release()
			return nil, err
		}
		out = append(out, row)
	}
	if err := cur.rows.Err(); err != nil {
		c.release()
		return nil, fmt.Errorf("iterate: %w", err)
	}
	cur.fetched += len(out)

	page := &QueryPage{
		Columns:      cur.columns,
		Rows:         out,
		TotalFetched: cur.fetched,
		HasMore:      len(out) == n,
	}
	if !page.HasMore {
		c.release()
	}
	return page, nil
}

func scanRow(rows *sql.Rows, width int) ([]any, error) {
	values := make([]any, width)
	ptrs := make([]any, width)
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}
	for i, v := range values {
		// drivers hand text and decimals back as bytes
		if b, ok := v.([]byte); ok {
			values[i] = string(b)
		}
	}
	return values, nil
}

func pageSize(n int) int {
	if n <= 0 {
		return 50
	}
	return n
}

func (c *sqlConnector) ListTables(ctx context.Context) ([]string, error) {
	query, ok := tableListing[c.driver]
	if !ok {
		return nil, fmt.Errorf("list tables: unsupported driver %s", c.driver)
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	slices.Sort(names)
	return names, nil
}

func (c *sqlConnector) Close() error {
	c.mu.Lock()
	c.release()
	c.mu.Unlock()
	return c.db.Close()
}

// release closes the open cursor, if any. Caller holds mu.
func (c *sqlConnector) release() {
	if c.cur != nil {
		c.cur.rows.Close()
		c.cur = nil
	}
}
