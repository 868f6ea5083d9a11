package dbclient

import (
	"context"
	"fmt"
)

// Supported drivers.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongoDB  = "mongodb"
)

// Params locates a database. Path is used by SQLite only; for MongoDB the
// Host may be a full connection string.
type Params struct {
	Driver   string
	Host     string
	Port     int
	Database string
	Username string
	Password string
	SSLMode  string
	Path     string
}

// QueryPage is a batch of rows fetched from a query cursor.
type QueryPage struct {
	Columns      []string `json:"columns"`
	Rows         [][]any  `json:"rows"`
	TotalFetched int      `json:"totalFetched"` // total rows fetched so far
	HasMore      bool     `json:"hasMore"`      // cursor has more rows
}

// Connector reads from an external database.
type Connector interface {
	// TestConnection verifies connectivity.
	TestConnection(ctx context.Context) error

	// Execute runs a read query and returns the first page of rows.
	Execute(ctx context.Context, query string, fetchSize int) (*QueryPage, error)

	// FetchMore continues reading from the open cursor.
	FetchMore(ctx context.Context, fetchSize int) (*QueryPage, error)

	// ListTables returns table (or collection) names in ascending order.
	ListTables(ctx context.Context) ([]string, error)

	// Close closes the connection and any open cursors.
	Close() error
}

// NewConnector creates a Connector for the given database.
func NewConnector(p Params) (Connector, error) {
	switch p.Driver {
	case DriverSQLite:
		return newSQLiteConnector(p)
	case DriverMySQL:
		return newSQLConnector(DriverMySQL, buildMySQLDSN(p))
	case DriverPostgres:
		return newSQLConnector(DriverPostgres, buildPostgresDSN(p))
	case DriverMongoDB:
		return newMongoConnector(p)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", p.Driver)
	}
}

// FetchAll runs query and drains the cursor page by page.
func FetchAll(ctx context.Context, c Connector, query string, fetchSize int) (*QueryPage, error) {
	page, err := c.Execute(ctx, query, fetchSize)
	if err != nil {
		return nil, err
	}
	all := &QueryPage{Columns: page.Columns, Rows: page.Rows}
	for page.HasMore {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err = c.FetchMore(ctx, fetchSize)
		if err != nil {
			return nil, err
		}
		all.Rows = append(all.Rows, page.Rows...)
		if len(all.Columns) == 0 {
			all.Columns = page.Columns
		}
	}
	all.TotalFetched = len(all.Rows)
	return all, nil
}
