// Package store persists conversation history in SQLite. Messages are
// an append-only log per session; structured content round-trips
// through a serialized parts column while tool metadata is kept in
// dedicated columns for queryability.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/mira/internal/observability"
	"github.com/harun/mira/pkg/provider"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrPersistence tags database failures so callers can map them onto
// wire error codes without matching message text.
var ErrPersistence = errors.New("persistence error")

// SessionMeta is the durable per-session record.
type SessionMeta struct {
	ID          string    `json:"id"`
	CWD         string    `json:"cwd"`
	Model       string    `json:"model"`
	State       string    `json:"state"`
	ResumeToken string    `json:"resume_token,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is a SQLite-backed message store.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Config holds store configuration.
type Config struct {
	DBPath string
	Logger zerolog.Logger
}

// New opens the database and initializes the schema.
func New(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db, logger: cfg.Logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info().Str("path", cfg.DBPath).Msg("Message store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id           TEXT PRIMARY KEY,
		cwd          TEXT NOT NULL DEFAULT '',
		model        TEXT NOT NULL DEFAULT '',
		state        TEXT NOT NULL DEFAULT 'idle',
		resume_token TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL,
		session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role        TEXT NOT NULL,
		content     TEXT NOT NULL DEFAULT '',
		parts       TEXT,
		tool_name   TEXT NOT NULL DEFAULT '',
		tool_input  TEXT,
		tool_use_id TEXT NOT NULL DEFAULT '',
		timestamp   TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
	CREATE INDEX IF NOT EXISTS idx_messages_tool_use ON messages(tool_use_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// SaveSessionMeta inserts or updates the session record.
func (s *Store) SaveSessionMeta(ctx context.Context, meta SessionMeta) error {
	if meta.ID == "" {
		return errors.New("session id is required")
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, cwd, model, state, resume_token, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			cwd = excluded.cwd,
			model = excluded.model,
			state = excluded.state,
			resume_token = excluded.resume_token`,
		meta.ID, meta.CWD, meta.Model, meta.State, meta.ResumeToken, meta.CreatedAt)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", meta.ID).Msg("Failed to save session meta")
		return fmt.Errorf("failed to save session %s: %w: %w", meta.ID, ErrPersistence, err)
	}
	return nil
}

// GetSessionMeta returns the session record, or nil when absent.
func (s *Store) GetSessionMeta(ctx context.Context, sessionID string) (*SessionMeta, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, cwd, model, state, resume_token, created_at
		FROM sessions WHERE id = ?`, sessionID)

	var meta SessionMeta
	err := row.Scan(&meta.ID, &meta.CWD, &meta.Model, &meta.State, &meta.ResumeToken, &meta.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to read session meta")
		return nil, fmt.Errorf("failed to read session %s: %w: %w", sessionID, ErrPersistence, err)
	}
	return &meta, nil
}

// UpdateSessionState records the session's durable state.
func (s *Store) UpdateSessionState(ctx context.Context, sessionID, state string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ? WHERE id = ?`, state, sessionID)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to update session state")
		return fmt.Errorf("failed to update state for session %s: %w: %w", sessionID, ErrPersistence, err)
	}
	return nil
}

// UpdateResumeToken records the provider continuation token.
func (s *Store) UpdateResumeToken(ctx context.Context, sessionID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET resume_token = ? WHERE id = ?`, token, sessionID)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to update resume token")
		return fmt.Errorf("failed to update resume token for session %s: %w: %w", sessionID, ErrPersistence, err)
	}
	return nil
}

// ListSessions returns every persisted session ordered by creation time.
func (s *Store) ListSessions(ctx context.Context) ([]SessionMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cwd, model, state, resume_token, created_at
		FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w: %w", ErrPersistence, err)
	}
	defer rows.Close()

	var sessions []SessionMeta
	for rows.Next() {
		var meta SessionMeta
		if err := rows.Scan(&meta.ID, &meta.CWD, &meta.Model, &meta.State,
			&meta.ResumeToken, &meta.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w: %w", ErrPersistence, err)
		}
		sessions = append(sessions, meta)
	}
	return sessions, rows.Err()
}

// SaveMessage appends one message to a session's log.
func (s *Store) SaveMessage(ctx context.Context, sessionID string, msg provider.Message) error {
	start := time.Now()
	defer func() {
		observability.RecordMessageSave(time.Since(start))
	}()

	if err := s.insertMessage(ctx, s.db, sessionID, msg); err != nil {
		s.logger.Error().Err(err).
			Str("session_id", sessionID).
			Str("message_id", msg.ID).
			Msg("Failed to save message")
		return err
	}
	return nil
}

// SaveMessages appends several messages atomically.
func (s *Store) SaveMessages(ctx context.Context, sessionID string, msgs []provider.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		observability.RecordMessageSave(time.Since(start))
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w: %w", ErrPersistence, err)
	}
	for _, msg := range msgs {
		if err := s.insertMessage(ctx, tx, sessionID, msg); err != nil {
			tx.Rollback()
			s.logger.Error().Err(err).
				Str("session_id", sessionID).
				Str("message_id", msg.ID).
				Msg("Failed to save message batch")
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit messages for session %s: %w: %w", sessionID, ErrPersistence, err)
	}
	return nil
}

// execer covers both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) insertMessage(ctx context.Context, ex execer, sessionID string, msg provider.Message) error {
	if msg.Role == "" {
		return errors.New("message role cannot be empty")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	var parts interface{}
	if len(msg.Parts) > 0 {
		data, err := json.Marshal(msg.Parts)
		if err != nil {
			return fmt.Errorf("failed to serialize message parts: %w", err)
		}
		parts = string(data)
	}

	var toolInput interface{}
	if len(msg.ToolInput) > 0 {
		toolInput = string(msg.ToolInput)
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, parts, tool_name, tool_input, tool_use_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, string(msg.Role), msg.Content, parts,
		msg.ToolName, toolInput, msg.ToolUseID, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w: %w", msg.ID, ErrPersistence, err)
	}
	return nil
}

// GetMessages reads a page of a session's log in append order. A limit
// of 0 means no limit.
func (s *Store) GetMessages(ctx context.Context, sessionID string, limit, offset int) ([]provider.Message, error) {
	start := time.Now()
	defer func() {
		observability.RecordMessageLoad(time.Since(start))
	}()

	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, parts, tool_name, tool_input, tool_use_id, timestamp
		FROM messages WHERE session_id = ?
		ORDER BY seq LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to read messages")
		return nil, fmt.Errorf("failed to read messages for session %s: %w: %w", sessionID, ErrPersistence, err)
	}
	defer rows.Close()

	var msgs []provider.Message
	for rows.Next() {
		var (
			msg       provider.Message
			role      string
			parts     sql.NullString
			toolInput sql.NullString
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &parts,
			&msg.ToolName, &toolInput, &msg.ToolUseID, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w: %w", ErrPersistence, err)
		}
		msg.Role = provider.Role(role)
		if parts.Valid && parts.String != "" {
			if err := json.Unmarshal([]byte(parts.String), &msg.Parts); err != nil {
				s.logger.Error().Err(err).
					Str("session_id", sessionID).
					Str("message_id", msg.ID).
					Msg("Failed to deserialize message parts")
				return nil, fmt.Errorf("failed to deserialize parts of message %s: %w: %w", msg.ID, ErrPersistence, err)
			}
		}
		if toolInput.Valid && toolInput.String != "" {
			msg.ToolInput = json.RawMessage(toolInput.String)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// GetMessageCount returns the total number of persisted messages for a
// session.
func (s *Store) GetMessageCount(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to count messages")
		return 0, fmt.Errorf("failed to count messages for session %s: %w: %w", sessionID, ErrPersistence, err)
	}
	return count, nil
}

// DeleteMessages irreversibly removes a session's log and its session
// record.
func (s *Store) DeleteMessages(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w: %w", ErrPersistence, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		tx.Rollback()
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to delete messages")
		return fmt.Errorf("failed to delete messages for session %s: %w: %w", sessionID, ErrPersistence, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		tx.Rollback()
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to delete session record")
		return fmt.Errorf("failed to delete session %s: %w: %w", sessionID, ErrPersistence, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete for session %s: %w: %w", sessionID, ErrPersistence, err)
	}

	s.logger.Info().Str("session_id", sessionID).Msg("Session messages deleted")
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
