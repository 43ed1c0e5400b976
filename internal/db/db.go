package db

import (
	"embed"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// ErrUnsupportedDriver indicates a driver other than sqlite or postgres.
var ErrUnsupportedDriver = errors.New("unsupported database driver")

type DB struct {
	*sqlx.DB
	driver string
}

// Open connects to driver ("sqlite" or "postgres") at dsn. SQLite databases
// get foreign keys, WAL and a single connection so that :memory: databases
// and write transactions behave.
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	sqlDB, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)

		if _, err := sqlDB.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("enabling foreign keys: %w", err)
		}

		if _, err := sqlDB.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("setting WAL mode: %w", err)
		}
	} else if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{DB: sqlDB, driver: driver}, nil
}

// Driver returns the driver name the database was opened with.
func (db *DB) Driver() string { return db.driver }

func (db *DB) Migrate() error {
	goose.SetBaseFS(embedMigrations)

	dialect := "sqlite3"
	if db.driver == "postgres" {
		dialect = "postgres"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("setting dialect: %w", err)
	}

	if err := goose.Up(db.DB.DB, "migrations"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}
