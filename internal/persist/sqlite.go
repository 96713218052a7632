package persist

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	_ "modernc.org/sqlite"
)

// SQLite keeps recordings and audio in a single WAL-mode database so a
// server can share one file across processes.
type SQLite struct {
	db *sql.DB

	mu      sync.Mutex
	entropy *rand.Rand
}

// NewSQLite opens (or creates) the database at path and initializes the
// schema.
func NewSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLite{
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS recordings (
		challenge_id TEXT PRIMARY KEY,
		body         TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audio (
		id           TEXT PRIMARY KEY,
		challenge_id TEXT NOT NULL,
		session_id   TEXT NOT NULL,
		data         BLOB NOT NULL,
		created_at   TEXT NOT NULL,
		UNIQUE (challenge_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_audio_challenge ON audio(challenge_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) GetRecordings(ctx context.Context, challengeID string) ([]byte, error) {
	if err := ValidID(challengeID); err != nil {
		return nil, err
	}
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM recordings WHERE challenge_id = ?`, challengeID,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recordings: %w", err)
	}
	return []byte(body), nil
}

func (s *SQLite) PutRecordings(ctx context.Context, challengeID string, body []byte) error {
	if err := ValidID(challengeID); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO recordings (challenge_id, body, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(challenge_id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
			challengeID, string(body), now,
		)
		return err
	})
}

func (s *SQLite) DeleteRecordings(ctx context.Context, challengeID string) error {
	if err := ValidID(challengeID); err != nil {
		return err
	}
	return retryOnContention(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `DELETE FROM recordings WHERE challenge_id = ?`, challengeID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM audio WHERE challenge_id = ?`, challengeID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// PutAudio stores the blob and returns a ULID-based reference. A second
// upload for the same session replaces the first.
func (s *SQLite) PutAudio(ctx context.Context, challengeID, sessionID string, r io.Reader) (string, error) {
	if err := validIDs(challengeID, sessionID); err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}
	id := s.newID()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	err = retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO audio (id, challenge_id, session_id, data, created_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(challenge_id, session_id) DO UPDATE SET id = excluded.id, data = excluded.data, created_at = excluded.created_at`,
			id, challengeID, sessionID, data, now,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("put audio: %w", err)
	}
	return id + ".webm", nil
}

func (s *SQLite) GetAudio(ctx context.Context, challengeID, sessionID string) (io.ReadCloser, error) {
	if err := validIDs(challengeID, sessionID); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM audio WHERE challenge_id = ? AND session_id = ?`, challengeID, sessionID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audio: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *SQLite) ListChallenges(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT challenge_id FROM recordings ORDER BY challenge_id`)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
