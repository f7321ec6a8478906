package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db    *sql.DB
	locks sync.Map // sessionID -> *sync.Mutex
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			message_count BIGINT NOT NULL DEFAULT 0,
			last_message_preview TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_agent_id ON sessions(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq BIGINT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			attachments JSONB NOT NULL DEFAULT '[]',
			hidden BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) lock(sessionID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// --- Sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, agentID, id, name string) (*Session, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_id, name, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT(id) DO NOTHING`,
		id, agentID, name, now, now,
	)
	if err != nil {
		return nil, err
	}
	return s.GetSession(ctx, id)
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, name, message_count, last_message_preview, metadata, created_at, updated_at
		 FROM sessions WHERE id = $1`, id))
}

func (s *PostgresStore) ListSessions(ctx context.Context, agentID string) ([]Session, error) {
	query := `SELECT id, agent_id, name, message_count, last_message_preview, metadata, created_at, updated_at
	          FROM sessions`
	args := []any{}
	if agentID != "" {
		query += " WHERE agent_id = $1"
		args = append(args, agentID)
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) GetLastSession(ctx context.Context, agentID string) (*Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, name, message_count, last_message_preview, metadata, created_at, updated_at
		 FROM sessions WHERE agent_id = $1 ORDER BY updated_at DESC LIMIT 1`, agentID))
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = $1", id)
	return err
}

func (s *PostgresStore) SetSessionMetadata(ctx context.Context, id string, metadata map[string]string) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE sessions SET metadata = $1, updated_at = $2 WHERE id = $3",
		string(data), time.Now().UTC(), id,
	)
	return err
}

// --- Messages ---

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *Message) error {
	mu := s.lock(msg.SessionID)
	mu.Lock()
	defer mu.Unlock()

	attachments := "[]"
	if len(msg.Attachments) > 0 {
		data, err := json.Marshal(msg.Attachments)
		if err != nil {
			return err
		}
		attachments = string(data)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	// Insert and counter update commit together.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO messages (id, session_id, seq, role, content, attachments, hidden, created_at)
		 VALUES ($1, $2, (SELECT COALESCE(MAX(seq),0)+1 FROM messages WHERE session_id = $2), $3, $4, $5, $6, $7)
		 RETURNING seq`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, attachments, msg.Hidden, msg.CreatedAt,
	).Scan(&msg.Seq)
	if err != nil {
		return err
	}

	if msg.Hidden {
		_, err = tx.ExecContext(ctx,
			"UPDATE sessions SET updated_at = $1 WHERE id = $2",
			time.Now().UTC(), msg.SessionID,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET message_count = message_count + 1, last_message_preview = $1, updated_at = $2
			 WHERE id = $3`,
			preview(msg.Content), time.Now().UTC(), msg.SessionID,
		)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) GetMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, role, content, attachments, hidden, created_at
		 FROM messages WHERE session_id = $1 ORDER BY seq`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var attachments string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Content, &attachments, &m.Hidden, &m.CreatedAt); err != nil {
			return nil, err
		}
		if attachments != "" && attachments != "[]" {
			if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
				return nil, fmt.Errorf("decode attachments for message %s: %w", m.ID, err)
			}
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) ClearMessages(ctx context.Context, sessionID string) error {
	mu := s.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = $1", sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET message_count = 0, last_message_preview = '', updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), sessionID,
	); err != nil {
		return err
	}
	return tx.Commit()
}
