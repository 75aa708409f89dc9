// Package historycache keeps a local copy of session transcripts so a
// reopened session renders instantly, before the first server fetch
// lands. It is write-behind: the controller stores after seeding and
// after each suffix append, never during a streaming turn.
package historycache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"wheelhouse/internal/domain"
)

// Cache is a SQLite-backed transcript store keyed by (session, cwd).
type Cache struct {
	db *sql.DB
}

// Open creates or opens the database at dbPath and runs the schema
// migration. Parent directories are created as needed.
func Open(dbPath string) (*Cache, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}
	return &Cache{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS transcripts (
			session_id TEXT    NOT NULL,
			cwd        TEXT    NOT NULL,
			seq        INTEGER NOT NULL,
			message    TEXT    NOT NULL,
			PRIMARY KEY (session_id, cwd, seq)
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Load returns the cached transcript for (sessionID, cwd) in order.
// An unknown session yields an empty slice, not an error.
func (c *Cache) Load(ctx context.Context, sessionID, cwd string) ([]domain.ChatMessage, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT message FROM transcripts WHERE session_id = ? AND cwd = ? ORDER BY seq",
		sessionID, cwd,
	)
	if err != nil {
		return nil, domain.NewDomainError("cache.load", domain.ErrCacheUnavail, err.Error())
	}
	defer rows.Close()

	var msgs []domain.ChatMessage
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, domain.NewDomainError("cache.load", domain.ErrCacheUnavail, err.Error())
		}
		var msg domain.ChatMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, domain.NewDomainError("cache.load", domain.ErrCacheUnavail, err.Error())
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewDomainError("cache.load", domain.ErrCacheUnavail, err.Error())
	}
	return msgs, nil
}

// Store replaces the cached transcript for (sessionID, cwd) with msgs.
// Wholesale replacement keeps the cache an exact copy of what the
// controller last showed; there is no merging to get wrong.
func (c *Cache) Store(ctx context.Context, sessionID, cwd string, msgs []domain.ChatMessage) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewDomainError("cache.store", domain.ErrCacheUnavail, err.Error())
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM transcripts WHERE session_id = ? AND cwd = ?", sessionID, cwd,
	); err != nil {
		return domain.NewDomainError("cache.store", domain.ErrCacheUnavail, err.Error())
	}

	for i, msg := range msgs {
		raw, err := json.Marshal(msg)
		if err != nil {
			return domain.NewDomainError("cache.store", domain.ErrCacheUnavail, err.Error())
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO transcripts (session_id, cwd, seq, message) VALUES (?, ?, ?, ?)",
			sessionID, cwd, i, string(raw),
		); err != nil {
			return domain.NewDomainError("cache.store", domain.ErrCacheUnavail, err.Error())
		}
	}
	return tx.Commit()
}
