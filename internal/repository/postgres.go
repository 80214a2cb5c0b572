package repository

import (
	"net"
	"net/url"
	"strconv"

	_ "github.com/lib/pq"
	"github.com/opensource-finance/callrate/internal/domain"
)

// postgresDSN returns a lib/pq connection URL. Credentials are escaped.
func postgresDSN(cfg domain.RepositoryConfig) string {
	host, port, db := cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresDB
	if host == "" {
		host = "localhost"
	}
	if port == 0 {
		port = 5432
	}
	if db == "" {
		db = "callrate"
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     "/" + db,
		RawQuery: url.Values{"sslmode": {sslmode}, "connect_timeout": {"10"}}.Encode(),
	}
	if cfg.PostgresUser != "" {
		u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
	}
	return u.String()
}
