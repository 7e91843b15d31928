package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SaveSession upserts a session row. Called on every phase transition.
func (s *SQLiteStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, plan_name, phase, progress, error, started_at, finished_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			plan_name = excluded.plan_name,
			phase = excluded.phase,
			progress = excluded.progress,
			error = excluded.error,
			finished_at = excluded.finished_at,
			updated_at = CURRENT_TIMESTAMP
	`, rec.ID, rec.Title, rec.PlanName, rec.Phase, rec.Progress, rec.Error, rec.StartedAt, nullTime(rec.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", rec.ID, err)
	}
	return nil
}

// GetSession returns one session. A missing id wraps ErrNotFound.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, plan_name, phase, progress, error, started_at, finished_at
		FROM sessions
		WHERE id = ?
	`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("failed to query session: %w", err)
	}
	return rec, nil
}

// ListSessions returns the most recent sessions first. limit <= 0 means all.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, plan_name, phase, progress, error, started_at, finished_at
		FROM sessions
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []SessionRecord{}
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (SessionRecord, error) {
	var (
		rec      SessionRecord
		planName sql.NullString
		errStr   sql.NullString
		finished sql.NullTime
	)
	if err := sc.Scan(&rec.ID, &rec.Title, &planName, &rec.Phase, &rec.Progress, &errStr, &rec.StartedAt, &finished); err != nil {
		return SessionRecord{}, err
	}
	rec.PlanName = planName.String
	rec.Error = errStr.String
	if finished.Valid {
		rec.FinishedAt = finished.Time
	}
	return rec, nil
}
