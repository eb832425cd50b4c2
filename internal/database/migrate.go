package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrations embed.FS

const (
	DriverPostgres = "postgres"
	DriverSqlite   = "sqlite3"
)

// Migrate applies every pending up migration for the given driver.
func Migrate(repo RoomRepository, driver string) error {
	sqlRepo, ok := repo.(*SqlRoomRepository)
	if !ok {
		return fmt.Errorf("migrate: unsupported repository %T", repo)
	}

	var (
		instance migratedb.Driver
		err      error
	)
	switch driver {
	case DriverPostgres:
		instance, err = postgres.WithInstance(sqlRepo.conn, &postgres.Config{})
	case DriverSqlite:
		instance, err = sqlite3.WithInstance(sqlRepo.conn, &sqlite3.Config{})
	default:
		return fmt.Errorf("migrate: unknown driver %q", driver)
	}
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	src, err := iofs.New(migrations, "migrations/"+driver)
	if err != nil {
		return fmt.Errorf("migrate: load source: %w", err)
	}

	// m is not closed: closing it would close the shared *sql.DB.
	m, err := migrate.NewWithInstance("iofs", src, driver, instance)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: up: %w", err)
	}

	return nil
}
