package tutorbot

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/shaharia-lab/tutorbot/observability"
)

// SQLiteSnapshotStorage stores the snapshot in two tables, one row per contact and one row per
// exchange. Save rewrites both tables inside a single transaction.
type SQLiteSnapshotStorage struct {
	db     *sql.DB
	mu     sync.Mutex
	logger observability.Logger
}

// NewSQLiteSnapshotStorage wraps an open database and makes sure the schema exists.
func NewSQLiteSnapshotStorage(ctx context.Context, db *sql.DB, logger observability.Logger) (*SQLiteSnapshotStorage, error) {
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	s := &SQLiteSnapshotStorage{db: db, logger: logger}

	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize snapshot schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteSnapshotStorage) initSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for schema init: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS sessions (
		contact TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		last_activity TEXT NOT NULL
	);`); err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS exchanges (
		contact TEXT NOT NULL,
		position INTEGER NOT NULL,
		user_text TEXT NOT NULL,
		assistant_text TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		level TEXT NOT NULL,
		PRIMARY KEY (contact, position)
	);`); err != nil {
		return fmt.Errorf("failed to create exchanges table: %w", err)
	}

	return tx.Commit()
}

// Load reads every session row with its exchanges. Rows with unparseable timestamps are skipped.
func (s *SQLiteSnapshotStorage) Load(ctx context.Context) (map[string]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT contact, created_at, last_activity FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make(map[string]*Session)
	for rows.Next() {
		var key, createdRaw, lastRaw string
		if err := rows.Scan(&key, &createdRaw, &lastRaw); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}

		last, err := time.Parse(time.RFC3339Nano, lastRaw)
		if err != nil {
			s.logDropped(ctx, key, err)
			continue
		}
		created, err := time.Parse(time.RFC3339Nano, createdRaw)
		if err != nil || created.After(last) {
			created = last
		}

		sessions[key] = &Session{
			Key:          key,
			History:      []Exchange{},
			LastActivity: last,
			CreatedAt:    created,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}

	exRows, err := s.db.QueryContext(ctx, `
	SELECT contact, user_text, assistant_text, timestamp, level
	FROM exchanges ORDER BY contact, position ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query exchanges: %w", err)
	}
	defer exRows.Close()

	for exRows.Next() {
		var key, user, assistant, tsRaw, level string
		if err := exRows.Scan(&key, &user, &assistant, &tsRaw, &level); err != nil {
			return nil, fmt.Errorf("failed to scan exchange row: %w", err)
		}
		sess, ok := sessions[key]
		if !ok {
			continue
		}

		ts, err := time.Parse(time.RFC3339Nano, tsRaw)
		if err != nil {
			s.logDropped(ctx, key, err)
			delete(sessions, key)
			continue
		}
		sess.History = append(sess.History, Exchange{
			UserText:      user,
			AssistantText: assistant,
			Timestamp:     ts,
			Level:         ParseLevel(level),
		})
	}
	if err := exRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating exchange rows: %w", err)
	}

	// An empty database is indistinguishable from a missing snapshot.
	if len(sessions) == 0 {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err == nil && n == 0 {
			return nil, ErrSnapshotNotFound
		}
	}

	return sessions, nil
}

func (s *SQLiteSnapshotStorage) logDropped(ctx context.Context, key string, err error) {
	s.logger.WithContext(ctx).WithErr(err).WithFields(map[string]interface{}{
		observability.ContactLogField: key,
	}).Warn("Dropping malformed snapshot row")
}

// Save replaces the stored snapshot with sessions.
func (s *SQLiteSnapshotStorage) Save(ctx context.Context, sessions map[string]*Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for snapshot save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM exchanges`); err != nil {
		return fmt.Errorf("failed to clear exchanges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}

	for key, sess := range sessions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (contact, created_at, last_activity) VALUES (?, ?, ?)`,
			key, sess.CreatedAt.Format(time.RFC3339Nano), sess.LastActivity.Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("failed to insert session %s: %w", key, err)
		}

		for i, ex := range sess.History {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO exchanges (contact, position, user_text, assistant_text, timestamp, level) VALUES (?, ?, ?, ?, ?, ?)`,
				key, i, ex.UserText, ex.AssistantText, ex.Timestamp.Format(time.RFC3339Nano), string(ex.Level),
			); err != nil {
				return fmt.Errorf("failed to insert exchange %d for %s: %w", i, key, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}
