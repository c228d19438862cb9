package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// IsPostgres reports whether conn talks to PostgreSQL.
func IsPostgres(conn *sqlx.DB) bool {
	return conn.DriverName() == DriverPostgres
}

// Open returns an sqlx handle for a configured snapshot driver ("sqlite" or
// "postgres").
func Open(driver, dsn string) (*sqlx.DB, error) {
	switch driver {
	case "sqlite":
		conn, err := OpenSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return sqlx.NewDb(conn, DriverSQLite), nil
	case "postgres":
		conn, err := OpenPostgres(dsn, 0)
		if err != nil {
			return nil, err
		}
		return sqlx.NewDb(conn, DriverPostgres), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}
