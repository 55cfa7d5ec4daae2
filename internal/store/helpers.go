package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanTurn scans a Turn from a row with columns id, session_id, seq, speaker, text, created_at.
func scanTurn(row rowScanner) (models.Turn, error) {
	var t models.Turn
	var speaker string
	if err := row.Scan(&t.ID, &t.SessionID, &t.Seq, &speaker, &t.Text, &t.CreatedAt); err != nil {
		return t, fmt.Errorf("scan turn failed: %w", err)
	}
	t.Speaker = models.Speaker(speaker)
	return t, nil
}

// scanSession scans a Session from a row with columns id, state, update_text, created_at, updated_at.
func scanSession(row rowScanner) (models.Session, error) {
	var s models.Session
	var state string
	var updateText sql.NullString
	if err := row.Scan(&s.ID, &state, &updateText, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return s, err
	}
	s.State = models.State(state)
	s.UpdateText = updateText.String
	return s, nil
}

func encodeFinalResult(result models.FinalResult) (string, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to encode final result: %w", err)
	}
	return string(data), nil
}

func decodeFinalResult(payload string) (*models.FinalResult, error) {
	var result models.FinalResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("failed to decode final result: %w", err)
	}
	return &result, nil
}
