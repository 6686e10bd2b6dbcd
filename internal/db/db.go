package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedded embed.FS

// NewDB opens and pings a Postgres pool and brings the schema up to date.
func NewDB(ctx context.Context, dsn, migrationsDir string) (*sql.DB, error) {
	db, err := Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db, migrationsDir, "up"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db error: %w", err)
	}
	return db, nil
}

// Migrate runs a goose command ("up", "down", "status") against db. An empty
// migrationsDir uses the migrations compiled into the binary.
func Migrate(ctx context.Context, db *sql.DB, migrationsDir, command string) error {
	var fsys fs.FS = embedded
	dir := "migrations"
	if migrationsDir != "" {
		fsys = os.DirFS(migrationsDir)
		dir = "."
	}
	goose.SetBaseFS(fsys)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect error: %w", err)
	}

	var err error
	switch command {
	case "up":
		err = goose.UpContext(ctx, db, dir)
	case "down":
		err = goose.DownContext(ctx, db, dir)
	case "status":
		err = goose.StatusContext(ctx, db, dir)
	default:
		return fmt.Errorf("unknown migrate command %q", command)
	}
	if err != nil {
		return fmt.Errorf("goose %s error: %w", command, err)
	}
	return nil
}
