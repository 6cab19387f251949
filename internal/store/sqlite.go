package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/review-bridge/internal/domain"
	"github.com/ashureev/review-bridge/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements SessionStore using SQLite. Each session is one row
// holding the JSON-encoded session next to the columns used for expiry.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
	// writeMu serializes writers within the process to keep SQLITE_BUSY rare.
	writeMu sync.Mutex
}

// NewSQLite opens (creating if needed) the database at dbPath.
func NewSQLite(dbPath string, opts Options) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, opts: opts.withDefaults()}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS review_sessions (
		session_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_review_sessions_expires ON review_sessions(expires_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Put inserts or replaces a session.
func (s *SQLiteStore) Put(ctx context.Context, sess *domain.Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("put session: missing id")
	}
	c := sess.Clone()
	c.ExpiresAt = s.opts.Now().Add(s.opts.TTL)
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", c.ID, err)
	}

	query := `
	INSERT INTO review_sessions (session_id, state, payload, created_at, updated_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		state = excluded.state,
		payload = excluded.payload,
		updated_at = excluded.updated_at,
		expires_at = excluded.expires_at`

	return s.write(ctx, "put session", func() error {
		_, err := s.db.ExecContext(ctx, query,
			c.ID, string(c.State), string(payload),
			c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli(), c.ExpiresAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		return nil
	})
}

// Get returns the live session with the given id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	query := `SELECT payload FROM review_sessions WHERE session_id = ? AND expires_at > ?`
	row := s.db.QueryRowContext(ctx, query, id, s.opts.Now().UnixMilli())
	return scanSession(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var payload string
	err := row.Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	var sess domain.Session
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return nil, fmt.Errorf("decode session payload: %w", err)
	}
	return &sess, nil
}

// Update reads, mutates and writes the session inside one transaction.
func (s *SQLiteStore) Update(ctx context.Context, id string, fn func(*domain.Session) error) (*domain.Session, error) {
	var out *domain.Session
	err := s.write(ctx, "update session", func() error {
		sess, err := s.updateOnce(ctx, id, fn)
		if err != nil {
			return err
		}
		out = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) updateOnce(ctx context.Context, id string, fn func(*domain.Session) error) (*domain.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.opts.Now()
	row := tx.QueryRowContext(ctx,
		`SELECT payload FROM review_sessions WHERE session_id = ? AND expires_at > ?`,
		id, now.UnixMilli())
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	sess.ID = id
	sess.ExpiresAt = now.Add(s.opts.TTL)
	payload, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", id, err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE review_sessions SET state = ?, payload = ?, updated_at = ?, expires_at = ? WHERE session_id = ?`,
		string(sess.State), string(payload), sess.UpdatedAt.UnixMilli(), sess.ExpiresAt.UnixMilli(), id)
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return sess, nil
}

// Delete removes a session row.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	return s.write(ctx, "delete session", func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM review_sessions WHERE session_id = ?`, id); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}

// DeleteExpired removes rows past their deadline.
func (s *SQLiteStore) DeleteExpired(ctx context.Context) (int64, error) {
	var n int64
	err := s.write(ctx, "delete expired sessions", func() error {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM review_sessions WHERE expires_at <= ?`, s.opts.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("cleanup expired sessions: %w", err)
		}
		n, err = result.RowsAffected()
		return err
	})
	return n, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) write(ctx context.Context, op string, fn func() error) error {
	return shared.RetryOnConflict(ctx, op, s.opts.MaxRetries, s.opts.RetryBaseDelay, func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return fn()
	})
}
