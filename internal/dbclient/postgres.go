package dbclient

import (
	"fmt"

	_ "github.com/lib/pq"
)

// buildPostgresDSN constructs a Postgres connection string.
func buildPostgresDSN(p Params) string {
	port := p.Port
	if port == 0 {
		port = 5432
	}
	sslMode := p.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, port, p.Username, p.Password, p.Database, sslMode,
	)
}
