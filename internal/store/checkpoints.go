package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/keel/internal/types"
)

const checkpointColumns = `source_id, cursor_token, last_success_at, last_attempt_at,
	consecutive_failures, last_error, created_at, updated_at`

func scanCheckpoint(scanner interface{ Scan(...any) error }) (*types.SyncCheckpoint, error) {
	var cp types.SyncCheckpoint
	var cursor string
	var lastSuccess, lastAttempt sql.NullString
	var createdAt, updatedAt string

	if err := scanner.Scan(&cp.SourceID, &cursor, &lastSuccess, &lastAttempt,
		&cp.ConsecutiveFailures, &cp.LastError, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	cp.Cursor = types.Cursor(cursor)

	var err error
	if cp.LastSuccessAt, err = parseNullTime(lastSuccess); err != nil {
		return nil, err
	}
	if cp.LastAttemptAt, err = parseNullTime(lastAttempt); err != nil {
		return nil, err
	}
	if cp.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if cp.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &cp, nil
}

// GetCheckpoint returns the checkpoint for a source, or ErrNotFound before
// its first sync.
func (s *Store) GetCheckpoint(ctx context.Context, sourceID string) (*types.SyncCheckpoint, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+checkpointColumns+`
		FROM sync_checkpoints
		WHERE source_id = ?
	`), sourceID)

	cp, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns every checkpoint ordered by source id.
func (s *Store) ListCheckpoints(ctx context.Context) ([]types.SyncCheckpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+checkpointColumns+`
		FROM sync_checkpoints
		ORDER BY source_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	checkpoints := make([]types.SyncCheckpoint, 0)
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, *cp)
	}
	return checkpoints, rows.Err()
}

// RecordAttempt stamps last_attempt_at, creating the checkpoint on the
// first run of a source. Returns the checkpoint as it stands.
func (s *Store) RecordAttempt(ctx context.Context, sourceID string, now time.Time) (*types.SyncCheckpoint, error) {
	ts := formatTime(now)
	row := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO sync_checkpoints (source_id, cursor_token, last_attempt_at, consecutive_failures, last_error, created_at, updated_at)
		VALUES (?, '', ?, 0, '', ?, ?)
		ON CONFLICT (source_id) DO UPDATE SET
			last_attempt_at = excluded.last_attempt_at,
			updated_at = excluded.updated_at
		RETURNING `+checkpointColumns,
	), sourceID, ts, ts, ts)

	cp, err := scanCheckpoint(row)
	if err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}
	return cp, nil
}

// AdvanceCursor moves the cursor forward. Callers invoke it only after the
// batch pulled with the previous cursor has committed.
func (s *Store) AdvanceCursor(ctx context.Context, sourceID string, cursor types.Cursor, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE sync_checkpoints
		SET cursor_token = ?, updated_at = ?
		WHERE source_id = ?
	`), string(cursor), formatTime(now), sourceID)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return requireAffected(res)
}

// RecordSuccess marks a completed run and clears the failure streak.
func (s *Store) RecordSuccess(ctx context.Context, sourceID string, now time.Time) error {
	ts := formatTime(now)
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE sync_checkpoints
		SET last_success_at = ?, consecutive_failures = 0, last_error = '', updated_at = ?
		WHERE source_id = ?
	`), ts, ts, sourceID)
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return requireAffected(res)
}

// RecordFailure increments the failure streak without touching the cursor
// and returns the new streak length.
func (s *Store) RecordFailure(ctx context.Context, sourceID, errMsg string, now time.Time) (int, error) {
	var failures int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		UPDATE sync_checkpoints
		SET consecutive_failures = consecutive_failures + 1, last_error = ?, updated_at = ?
		WHERE source_id = ?
		RETURNING consecutive_failures
	`), errMsg, formatTime(now), sourceID).Scan(&failures)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("record failure: %w", err)
	}
	return failures, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
