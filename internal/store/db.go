package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

func ParseDialect(value string) (Dialect, error) {
	switch Dialect(strings.ToLower(strings.TrimSpace(value))) {
	case Postgres, "pgx", "":
		return Postgres, nil
	case SQLite, "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", value)
	}
}

func (d Dialect) driverName() string {
	if d == SQLite {
		return "sqlite"
	}
	return "pgx"
}

// preferencesColumn reads the preference column as text so both dialects
// scan into the same type.
func (d Dialect) preferencesColumn() string {
	if d == SQLite {
		return "preferences"
	}
	return "preferences::text"
}

func (d Dialect) jsonParam(placeholder string) string {
	if d == SQLite {
		return placeholder
	}
	return placeholder + "::jsonb"
}

// lockClause is appended to the read half of a read-merge-write. SQLite runs
// on a single connection, so the transaction itself serializes writers.
func (d Dialect) lockClause() string {
	if d == SQLite {
		return ""
	}
	return " FOR UPDATE"
}

// timeParam formats timestamps as text for SQLite so they read back through
// the same layouts regardless of driver defaults.
func (d Dialect) timeParam(t time.Time) any {
	if d == SQLite {
		return t.UTC().Format(sqliteTimestampLayout)
	}
	return t
}

var placeholderPattern = regexp.MustCompile(`\$\d+`)

// rebind rewrites $n placeholders for SQLite. Queries must use their
// placeholders in argument order, once each.
func (d Dialect) rebind(query string) string {
	if d != SQLite {
		return query
	}
	return placeholderPattern.ReplaceAllString(query, "?")
}

func Open(ctx context.Context, dialect Dialect, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open(dialect.driverName(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if dialect == SQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetConnMaxIdleTime(5 * time.Minute)
		db.SetConnMaxLifetime(30 * time.Minute)
		db.SetMaxIdleConns(10)
		db.SetMaxOpenConns(20)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}
