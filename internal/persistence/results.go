package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveTaskResult appends one attempt. Results are append-only.
func (s *SQLiteStore) SaveTaskResult(ctx context.Context, rec TaskResultRecord) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_results (session_id, task_id, attempt_id, task_type, success, output, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.SessionID, rec.TaskID, rec.AttemptID, rec.Type, rec.Success, rec.Output, rec.Error, rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to save result for %s: %w", rec.AttemptID, err)
	}
	return nil
}

// ListTaskResults returns a session's attempts in dispatch order.
// Returns an empty slice (not nil) if there are none.
func (s *SQLiteStore) ListTaskResults(ctx context.Context, sessionID string) ([]TaskResultRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, attempt_id, task_type, success, output, error, duration_ms, recorded_at
		FROM task_results
		WHERE session_id = ?
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	results := []TaskResultRecord{}
	for rows.Next() {
		var (
			rec                      TaskResultRecord
			taskType, output, errStr sql.NullString
			durationMS               int64
		)
		if err := rows.Scan(&rec.TaskID, &rec.AttemptID, &taskType, &rec.Success, &output, &errStr, &durationMS, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		rec.SessionID = sessionID
		rec.Type = taskType.String
		rec.Output = output.String
		rec.Error = errStr.String
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}
	return results, nil
}

// SaveResolution appends one resolver verdict.
func (s *SQLiteStore) SaveResolution(ctx context.Context, rec ResolutionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resolutions (session_id, task_id, attempt, tier, fixed, skip, exhausted, analysis, retry_command)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.SessionID, rec.TaskID, rec.Attempt, rec.Tier, rec.Fixed, rec.Skip, rec.Exhausted, rec.Analysis, rec.RetryCommand)
	if err != nil {
		return fmt.Errorf("failed to save resolution for %s: %w", rec.TaskID, err)
	}
	return nil
}

// ListResolutions returns a session's verdicts in order.
func (s *SQLiteStore) ListResolutions(ctx context.Context, sessionID string) ([]ResolutionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, attempt, tier, fixed, skip, exhausted, analysis, retry_command, recorded_at
		FROM resolutions
		WHERE session_id = ?
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query resolutions: %w", err)
	}
	defer rows.Close()

	resolutions := []ResolutionRecord{}
	for rows.Next() {
		var (
			rec                     ResolutionRecord
			tier, analysis, command sql.NullString
		)
		if err := rows.Scan(&rec.TaskID, &rec.Attempt, &tier, &rec.Fixed, &rec.Skip, &rec.Exhausted, &analysis, &command, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan resolution: %w", err)
		}
		rec.SessionID = sessionID
		rec.Tier = tier.String
		rec.Analysis = analysis.String
		rec.RetryCommand = command.String
		resolutions = append(resolutions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resolutions: %w", err)
	}
	return resolutions, nil
}
