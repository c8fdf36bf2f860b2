package store

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Dialect renders the backend-specific parts of the generated SQL
type Dialect interface {
	Name() string
	Placeholder(n int) string
	ColumnType(t ColumnType) string
	IsConstraintViolation(err error) bool
}

// SQLite is the dialect for modernc.org/sqlite
var SQLite Dialect = sqliteDialect{}

// Postgres is the dialect for pgx through database/sql
var Postgres Dialect = postgresDialect{}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) Placeholder(int) string { return "?" }

func (sqliteDialect) ColumnType(t ColumnType) string {
	if t == Text {
		return "TEXT"
	}
	return "INTEGER"
}

func (sqliteDialect) IsConstraintViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		// extended result codes keep the primary code in the low byte
		return sqliteErr.Code()&0xff == sqlite3lib.SQLITE_CONSTRAINT
	}
	return strings.Contains(strings.ToLower(err.Error()), "constraint failed")
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (postgresDialect) ColumnType(t ColumnType) string {
	if t == Text {
		return "TEXT"
	}
	return "BIGINT"
}

func (postgresDialect) IsConstraintViolation(err error) bool {
	var pgErr *pgconn.PgError
	// class 23: integrity constraint violation
	return errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23")
}
