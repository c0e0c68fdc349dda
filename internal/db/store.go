// Package db is the session journal: every portal session, each
// connection attempt made for it, and the lifecycle effects it went
// through.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/g960059/biome/internal/model"
	"github.com/g960059/biome/internal/security"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

const defaultListLimit = 50

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMigrated opens path and applies all migrations.
func OpenMigrated(ctx context.Context, path string) (*Store, error) {
	store, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(ctx, store.db); err != nil {
		store.Close() //nolint:errcheck
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) BeginSession(ctx context.Context, modelID string, at time.Time) (model.Session, error) {
	session := model.Session{
		SessionID: uuid.NewString(),
		Model:     modelID,
		StartedAt: at.UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(session_id, model, started_at) VALUES (?, ?, ?)
`, session.SessionID, session.Model, ts(session.StartedAt))
	if err != nil {
		return model.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

// EndSession closes an open session. Ending it twice is ErrNotFound.
func (s *Store) EndSession(ctx context.Context, sessionID, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET ended_at = ?, end_reason = ?
WHERE session_id = ? AND ended_at IS NULL
`, ts(at), reason, sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (model.Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, model, started_at, ended_at, end_reason FROM sessions WHERE session_id = ?
`, sessionID)
	var (
		out       model.Session
		startedAt string
		endedAt   sql.NullString
	)
	if err := row.Scan(&out.SessionID, &out.Model, &startedAt, &endedAt, &out.EndReason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, fmt.Errorf("scan session: %w", err)
	}
	var err error
	if out.StartedAt, err = parseTS(startedAt); err != nil {
		return model.Session{}, err
	}
	if out.EndedAt, err = parseNullableTS(endedAt); err != nil {
		return model.Session{}, err
	}
	return out, nil
}

// RecordAttempt inserts a pending attempt. A missing AttemptID is
// generated.
func (s *Store) RecordAttempt(ctx context.Context, attempt model.Attempt) (model.Attempt, error) {
	if attempt.AttemptID == "" {
		attempt.AttemptID = uuid.NewString()
	}
	if attempt.StartedAt.IsZero() {
		attempt.StartedAt = time.Now().UTC()
	}
	attempt.Result = model.AttemptPending
	_, err := s.db.ExecContext(ctx, `
INSERT INTO attempts(attempt_id, session_id, seq, model, endpoint, started_at, result)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, attempt.AttemptID, attempt.SessionID, int64(attempt.Seq), attempt.Model, security.RedactPayload(attempt.Endpoint), ts(attempt.StartedAt), string(attempt.Result))
	if err != nil {
		if isUniqueErr(err) {
			return model.Attempt{}, ErrDuplicate
		}
		return model.Attempt{}, fmt.Errorf("insert attempt: %w", err)
	}
	return attempt, nil
}

// FinishAttempt records the outcome of a pending attempt. errText is
// redacted before storage.
func (s *Store) FinishAttempt(ctx context.Context, attemptID string, result model.AttemptResult, errText string, at time.Time) error {
	var stored any
	if redacted := security.RedactPayload(strings.TrimSpace(errText)); redacted != "" {
		stored = redacted
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE attempts SET result = ?, error_text = ?, finished_at = ?
WHERE attempt_id = ? AND result = 'pending'
`, string(result), stored, ts(at), attemptID)
	if err != nil {
		return fmt.Errorf("finish attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAttempts returns the most recent attempts first.
func (s *Store) ListAttempts(ctx context.Context, limit int) ([]model.Attempt, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT attempt_id, session_id, seq, model, endpoint, started_at, finished_at, result, error_text
FROM attempts ORDER BY started_at DESC, seq DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := make([]model.Attempt, 0)
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, attempt)
	}
	return out, rows.Err()
}

func (s *Store) RecordEvent(ctx context.Context, event model.LifecycleEvent) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	effects := event.Effects
	if effects == nil {
		effects = []string{}
	}
	effectsJSON, err := json.Marshal(effects)
	if err != nil {
		return fmt.Errorf("encode effects: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO lifecycle_events(event_id, session_id, phase, effects_json, at) VALUES (?, ?, ?, ?, ?)
`, event.EventID, event.SessionID, string(event.Phase), string(effectsJSON), ts(event.At))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert lifecycle event: %w", err)
	}
	return nil
}

// ListEvents returns a session's events in the order they happened.
func (s *Store) ListEvents(ctx context.Context, sessionID string) ([]model.LifecycleEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, session_id, phase, effects_json, at
FROM lifecycle_events WHERE session_id = ? ORDER BY at ASC, rowid ASC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list lifecycle events: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := make([]model.LifecycleEvent, 0)
	for rows.Next() {
		var (
			event       model.LifecycleEvent
			phase       string
			effectsJSON string
			at          string
		)
		if err := rows.Scan(&event.EventID, &event.SessionID, &phase, &effectsJSON, &at); err != nil {
			return nil, fmt.Errorf("scan lifecycle event: %w", err)
		}
		event.Phase = model.Phase(phase)
		if err := json.Unmarshal([]byte(effectsJSON), &event.Effects); err != nil {
			return nil, fmt.Errorf("decode effects: %w", err)
		}
		if event.At, err = parseTS(at); err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

func scanAttempt(scanner interface{ Scan(dest ...any) error }) (model.Attempt, error) {
	var (
		out        model.Attempt
		seq        int64
		startedAt  string
		finishedAt sql.NullString
		result     string
		errorText  sql.NullString
	)
	if err := scanner.Scan(&out.AttemptID, &out.SessionID, &seq, &out.Model, &out.Endpoint, &startedAt, &finishedAt, &result, &errorText); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Attempt{}, ErrNotFound
		}
		return model.Attempt{}, fmt.Errorf("scan attempt: %w", err)
	}
	out.Seq = uint64(seq)
	out.Result = model.AttemptResult(result)
	var err error
	if out.StartedAt, err = parseTS(startedAt); err != nil {
		return model.Attempt{}, err
	}
	if out.FinishedAt, err = parseNullableTS(finishedAt); err != nil {
		return model.Attempt{}, err
	}
	if errorText.Valid {
		v := errorText.String
		out.ErrorText = &v
	}
	return out, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullableTS(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTS(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
