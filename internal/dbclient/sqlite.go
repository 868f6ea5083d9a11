package dbclient

import (
	"fmt"

	_ "modernc.org/sqlite"
)

// newSQLiteConnector opens a SQLite file in WAL mode with a busy timeout so
// a writer on the same file does not fail our reads.
func newSQLiteConnector(p Params) (*sqlConnector, error) {
	path := p.Path
	if path == "" {
		path = p.Host
	}
	if path == "" {
		return nil, fmt.Errorf("sqlite: no database path")
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	return newSQLConnector(DriverSQLite, dsn)
}
