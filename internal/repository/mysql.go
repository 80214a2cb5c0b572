package repository

import (
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/opensource-finance/callrate/internal/domain"
)

// mysqlDSN returns a go-sql-driver DSN. Times are scanned into time.Time in
// UTC.
func mysqlDSN(cfg domain.RepositoryConfig) string {
	mc := mysql.NewConfig()
	mc.Net = "tcp"
	mc.Addr = cfg.MySQLAddr
	if mc.Addr == "" {
		mc.Addr = "localhost:3306"
	}
	mc.DBName = cfg.MySQLDB
	if mc.DBName == "" {
		mc.DBName = "callrate"
	}
	mc.User = cfg.MySQLUser
	mc.Passwd = cfg.MySQLPassword
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.Timeout = 10 * time.Second
	return mc.FormatDSN()
}
