package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL backends.
// Queries are written with ? placeholders and rebound per dialect.
type sqlStore struct {
	db       *sql.DB
	name     string
	numbered bool
}

// bind rewrites ? placeholders to $n when the dialect uses numbered parameters.
func (s *sqlStore) bind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.bind(query), args...)
}

func (s *sqlStore) GetValue(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT value FROM kv WHERE key = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		slog.Error(s.name+".GetValue: query failed", "error", err, "key", key)
		return "", false, fmt.Errorf("failed to get value %s: %w", key, err)
	}
	return value, true, nil
}

func (s *sqlStore) SetValue(ctx context.Context, key, value string) error {
	_, err := s.exec(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		slog.Error(s.name+".SetValue: upsert failed", "error", err, "key", key)
		return fmt.Errorf("failed to set value %s: %w", key, err)
	}
	slog.Debug(s.name+".SetValue: stored", "key", key)
	return nil
}

func (s *sqlStore) DeleteValue(ctx context.Context, key string) error {
	if _, err := s.exec(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		slog.Error(s.name+".DeleteValue: delete failed", "error", err, "key", key)
		return fmt.Errorf("failed to delete value %s: %w", key, err)
	}
	return nil
}

func (s *sqlStore) SaveSession(ctx context.Context, session models.Session) error {
	if session.ID == "" {
		return models.ErrEmptySessionID
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = now
	}
	_, err := s.exec(ctx,
		`INSERT INTO sessions (id, state, update_text, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET state = excluded.state, update_text = excluded.update_text, updated_at = excluded.updated_at`,
		session.ID, string(session.State), nilIfEmpty(session.UpdateText), session.CreatedAt, session.UpdatedAt)
	if err != nil {
		slog.Error(s.name+".SaveSession: upsert failed", "error", err, "session_id", session.ID)
		return fmt.Errorf("failed to save session %s: %w", session.ID, err)
	}
	slog.Debug(s.name+".SaveSession: saved", "session_id", session.ID, "state", session.State)
	return nil
}

func (s *sqlStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		s.bind(`SELECT id, state, update_text, created_at, updated_at FROM sessions WHERE id = ?`), id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+".GetSession: query failed", "error", err, "session_id", id)
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return &session, nil
}

func (s *sqlStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, state, update_text, created_at, updated_at FROM sessions ORDER BY id`)
	if err != nil {
		slog.Error(s.name+".ListSessions: query failed", "error", err)
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return sessions, nil
}

func (s *sqlStore) AppendTurn(ctx context.Context, turn models.Turn) error {
	if err := turn.Validate(); err != nil {
		return err
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, s.bind(`SELECT MAX(seq) FROM turns WHERE session_id = ?`), turn.SessionID).Scan(&last); err != nil {
		return fmt.Errorf("failed to read last turn seq: %w", err)
	}
	if last.Valid && int(last.Int64) >= turn.Seq {
		return fmt.Errorf("%w: seq %d after %d", ErrTurnOutOfOrder, turn.Seq, last.Int64)
	}
	if _, err := tx.ExecContext(ctx,
		s.bind(`INSERT INTO turns (id, session_id, seq, speaker, text, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		turn.ID, turn.SessionID, turn.Seq, string(turn.Speaker), turn.Text, turn.CreatedAt); err != nil {
		slog.Error(s.name+".AppendTurn: insert failed", "error", err, "session_id", turn.SessionID, "seq", turn.Seq)
		return fmt.Errorf("failed to append turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turn: %w", err)
	}
	slog.Debug(s.name+".AppendTurn: appended", "session_id", turn.SessionID, "seq", turn.Seq, "speaker", turn.Speaker)
	return nil
}

func (s *sqlStore) ListTurns(ctx context.Context, sessionID string) ([]models.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		s.bind(`SELECT id, session_id, seq, speaker, text, created_at FROM turns WHERE session_id = ? ORDER BY seq`), sessionID)
	if err != nil {
		slog.Error(s.name+".ListTurns: query failed", "error", err, "session_id", sessionID)
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	defer rows.Close()

	turns := []models.Turn{}
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turn rows: %w", err)
	}
	return turns, nil
}

func (s *sqlStore) ClearTurns(ctx context.Context, sessionID string) error {
	if _, err := s.exec(ctx, `DELETE FROM turns WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to clear turns: %w", err)
	}
	return nil
}

func (s *sqlStore) SaveFinalResult(ctx context.Context, sessionID string, result models.FinalResult) error {
	payload, err := encodeFinalResult(result)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO final_results (session_id, payload, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET payload = excluded.payload, created_at = excluded.created_at`,
		sessionID, payload, time.Now().UTC())
	if err != nil {
		slog.Error(s.name+".SaveFinalResult: upsert failed", "error", err, "session_id", sessionID)
		return fmt.Errorf("failed to save final result: %w", err)
	}
	return nil
}

func (s *sqlStore) GetFinalResult(ctx context.Context, sessionID string) (*models.FinalResult, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT payload FROM final_results WHERE session_id = ?`), sessionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get final result: %w", err)
	}
	return decodeFinalResult(payload)
}

func (s *sqlStore) DeleteFinalResult(ctx context.Context, sessionID string) error {
	if _, err := s.exec(ctx, `DELETE FROM final_results WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete final result: %w", err)
	}
	return nil
}

func (s *sqlStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`), messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *sqlStore) RecordInbound(ctx context.Context, messageID, sessionID string) (bool, error) {
	res, err := s.exec(ctx,
		`INSERT INTO inbound_dedup (message_id, session_id, received_at) VALUES (?, ?, ?)
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID, sessionID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return n == 1, nil
}

func (s *sqlStore) MarkProcessed(ctx context.Context, messageID string) error {
	if _, err := s.exec(ctx, `UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`, time.Now().UTC(), messageID); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *sqlStore) Close() error {
	slog.Debug(s.name + ".Close: closing database connection")
	return s.db.Close()
}
