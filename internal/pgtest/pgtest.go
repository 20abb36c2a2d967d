//go:build integration

// Package pgtest opens a migrated Postgres pool for integration tests.
package pgtest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	migrateOnce sync.Once
	migrateErr  error
)

// DSN returns DATABASE_URL or a local default.
func DSN() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	return "postgres://localhost:5432/tally_test?sslmode=disable"
}

func migrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

func up(dsn string) error {
	m, err := migrate.New("file://"+migrationsDir(), dsn)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// NewPool migrates the test database once per process and returns a pool
// closed at the end of the test. Tables are shared, so tests isolate their
// rows with unique tenant and scope ids.
func NewPool(t testing.TB) *pgxpool.Pool {
	t.Helper()
	dsn := DSN()

	migrateOnce.Do(func() { migrateErr = up(dsn) })
	if migrateErr != nil {
		t.Fatalf("migrating: %v", migrateErr)
	}

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}
