package dbclient

import (
	"net"
	"strconv"

	"github.com/go-sql-driver/mysql"
)

func buildMySQLDSN(p Params) string {
	port := p.Port
	if port == 0 {
		port = 3306
	}
	cfg := mysql.NewConfig()
	cfg.User = p.Username
	cfg.Passwd = p.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(p.Host, strconv.Itoa(port))
	cfg.DBName = p.Database
	cfg.ParseTime = true
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	if p.SSLMode == "require" {
		cfg.TLSConfig = "true"
	}
	return cfg.FormatDSN()
}
