package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// dialect is the driver name and carries the few SQL differences between
// the supported databases.
type dialect string

const (
	dialectSQLite   dialect = "sqlite"
	dialectPostgres dialect = "postgres"
	dialectMySQL    dialect = "mysql"
)

// mysqlDuplicateKeyName is returned by MySQL when an index already exists.
const mysqlDuplicateKeyName = 1061

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

// upsert completes an INSERT statement so that a conflict on the primary key
// updates the given columns.
func (d dialect) upsert(insert string, key []string, update []string) string {
	sets := make([]string, len(update))
	if d == dialectMySQL {
		for i, col := range update {
			sets[i] = fmt.Sprintf("%s = VALUES(%s)", col, col)
		}
		return insert + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}

	for i, col := range update {
		sets[i] = fmt.Sprintf("%s = excluded.%s", col, col)
	}
	return fmt.Sprintf("%s ON CONFLICT(%s) DO UPDATE SET %s", insert, strings.Join(key, ", "), strings.Join(sets, ", "))
}

// createIndex creates an index unless it exists. MySQL has no
// CREATE INDEX IF NOT EXISTS, so its duplicate-name error is ignored instead.
func (d dialect) createIndex(ctx context.Context, db *sql.DB, table string, idx index) error {
	cols := strings.Join(idx.columns, ", ")
	if d != dialectMySQL {
		_, err := db.ExecContext(ctx, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)", idx.name, table, cols))
		return err
	}

	_, err := db.ExecContext(ctx, fmt.Sprintf("CREATE INDEX %s ON %s(%s)", idx.name, table, cols))
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateKeyName {
		return nil
	}
	return err
}
