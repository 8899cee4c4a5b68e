// Package sqlitebackend implements auth.Backend on top of a pure-Go
// SQLite database: database/sql + modernc.org/sqlite, opened with
// foreign_keys on and a single writer connection, against a per-domain
// user table.
package sqlitebackend

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/bcrypt"

	_ "modernc.org/sqlite"

	"mqttd/internal/auth"
)

// Backend authenticates against a `users` table of (username,
// password_hash) pairs, hashed with bcrypt.
type Backend struct{}

// handle wraps the opened database connection; it is the auth.Handle
// this backend hands back from Load.
type handle struct {
	db *sql.DB
}

func New() *Backend { return &Backend{} }

func (*Backend) Name() string { return "sqlite" }

func (*Backend) Load(ctx context.Context, path string) (auth.Handle, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlitebackend: create directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitebackend: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
	);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitebackend: init schema: %w", err)
	}

	return &handle{db: db}, nil
}

func (*Backend) UserExists(ctx context.Context, h auth.Handle, username string) (bool, error) {
	hd := h.(*handle)
	var exists bool
	err := hd.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`, username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("sqlitebackend: user exists: %w", err)
	}
	return exists, nil
}

func (*Backend) Authenticate(ctx context.Context, h auth.Handle, username, password, _ string) (bool, error) {
	hd := h.(*handle)
	var hash string
	err := hd.db.QueryRowContext(ctx, `SELECT password_hash FROM users WHERE username = ?`, username).Scan(&hash)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlitebackend: lookup user: %w", err)
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil, nil
}

func (*Backend) Unload(_ context.Context, h auth.Handle) error {
	hd := h.(*handle)
	return hd.db.Close()
}

// AddUser upserts a user with a freshly bcrypt-hashed password. Exposed
// for admin tooling and tests; not part of the auth.Backend contract.
func AddUser(ctx context.Context, h auth.Handle, username, password string) error {
	hd := h.(*handle)
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("sqlitebackend: hash password: %w", err)
	}
	_, err = hd.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash) VALUES (?, ?)
		 ON CONFLICT(username) DO UPDATE SET password_hash = excluded.password_hash`,
		username, string(hash))
	return err
}
