package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// Connect opens the database named by databaseURL and prepares its schema.
// "sqlite://<path>" selects an embedded SQLite file; anything else is a
// Postgres URL migrated from migrationsDir.
func Connect(ctx context.Context, databaseURL, migrationsDir string, allowMultiplePending bool) (*SQLStore, error) {
	if path, ok := sqlitePath(databaseURL); ok {
		db, err := OpenSQLite(ctx, path)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(db, allowMultiplePending), nil
	}

	db, err := Open(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgresStore(db, allowMultiplePending), nil
}

func sqlitePath(databaseURL string) (string, bool) {
	for _, prefix := range []string{"sqlite://", "sqlite:"} {
		if strings.HasPrefix(databaseURL, prefix) {
			return strings.TrimPrefix(databaseURL, prefix), true
		}
	}
	return "", false
}
