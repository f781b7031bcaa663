package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/keel/internal/types"
	"github.com/oklog/ulid/v2"
)

const memorySyncColumns = `id, memory_id, source_agent, target_agent, status, retry_count,
	max_retries, error_message, next_attempt_at, lease_owner, lease_expires_at,
	redriven_from, created_at, updated_at`

// MemoryTransition moves a claimed record out of in_progress, or a failed
// record to dead_letter. Owner must match the claim when From is
// in_progress.
type MemoryTransition struct {
	ID            string
	From          types.MemoryStatus
	To            types.MemoryStatus
	Owner         string
	RetryCount    int
	ErrorMessage  string
	NextAttemptAt *time.Time
	At            time.Time
}

func scanMemorySync(scanner interface{ Scan(...any) error }) (*types.MemorySyncRecord, error) {
	var r types.MemorySyncRecord
	var status string
	var errMsg, nextAttempt, owner, leaseExpires, redriven sql.NullString
	var createdAt, updatedAt string

	if err := scanner.Scan(&r.ID, &r.MemoryID, &r.SourceAgent, &r.TargetAgent, &status,
		&r.RetryCount, &r.MaxRetries, &errMsg, &nextAttempt, &owner, &leaseExpires,
		&redriven, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.Status = types.MemoryStatus(status)
	r.ErrorMessage = errMsg.String
	r.LeaseOwner = owner.String
	r.RedrivenFrom = redriven.String

	var err error
	if r.NextAttemptAt, err = parseNullTime(nextAttempt); err != nil {
		return nil, err
	}
	if r.LeaseExpiresAt, err = parseNullTime(leaseExpires); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) queryMemorySync(ctx context.Context, query string, args ...any) ([]types.MemorySyncRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query memory sync records: %w", err)
	}
	defer rows.Close()

	records := make([]types.MemorySyncRecord, 0)
	for rows.Next() {
		r, err := scanMemorySync(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory sync record: %w", err)
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// EnqueueMemorySync inserts a new pending record. ID, status and timestamps
// are assigned here; a zero MaxRetries takes the default.
func (s *Store) EnqueueMemorySync(ctx context.Context, r *types.MemorySyncRecord, now time.Time) error {
	r.ID = ulid.Make().String()
	r.Status = types.StatusPending
	r.RetryCount = 0
	r.ErrorMessage = ""
	r.NextAttemptAt = nil
	r.LeaseOwner = ""
	r.LeaseExpiresAt = nil
	if r.MaxRetries <= 0 {
		r.MaxRetries = types.DefaultMaxRetries
	}
	r.CreatedAt = now.UTC()
	r.UpdatedAt = now.UTC()

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO memory_sync_records (`+memorySyncColumns+`)
		VALUES (?, ?, ?, ?, ?, 0, ?, NULL, NULL, NULL, NULL, ?, ?, ?)
	`), r.ID, r.MemoryID, r.SourceAgent, r.TargetAgent, string(r.Status), r.MaxRetries,
		nullableString(r.RedrivenFrom), formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("enqueue memory sync: %w", err)
	}
	return nil
}

// GetMemorySync returns a record by id.
func (s *Store) GetMemorySync(ctx context.Context, id string) (*types.MemorySyncRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+memorySyncColumns+` FROM memory_sync_records WHERE id = ?
	`), id)
	r, err := scanMemorySync(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get memory sync record: %w", err)
	}
	return r, nil
}

// ListMemorySync returns records oldest first, optionally filtered by status.
func (s *Store) ListMemorySync(ctx context.Context, status types.MemoryStatus, limit int) ([]types.MemorySyncRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	if status == "" {
		return s.queryMemorySync(ctx, `
			SELECT `+memorySyncColumns+` FROM memory_sync_records
			ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	}
	return s.queryMemorySync(ctx, `
		SELECT `+memorySyncColumns+` FROM memory_sync_records
		WHERE status = ?
		ORDER BY created_at ASC, id ASC LIMIT ?`, string(status), limit)
}

// ClaimNextMemorySync moves the oldest pending or eligible failed record to
// in_progress under a claim lease for owner. A record is skipped while
// another record for the same memory is in flight. Returns ErrNotFound when
// nothing is eligible and ErrConflict when a concurrent claimer won.
func (s *Store) ClaimNextMemorySync(ctx context.Context, now time.Time, owner string, leaseTTL time.Duration) (*types.MemorySyncRecord, error) {
	ts := formatTime(now)
	row := s.db.QueryRowContext(ctx, s.rebind(`
		UPDATE memory_sync_records
		SET status = 'in_progress', lease_owner = ?, lease_expires_at = ?, next_attempt_at = NULL, updated_at = ?
		WHERE id = (
			SELECT r.id FROM memory_sync_records r
			WHERE (r.status = 'pending'
			       OR (r.status = 'failed' AND r.next_attempt_at IS NOT NULL AND r.next_attempt_at <= ?))
			  AND NOT EXISTS (
			      SELECT 1 FROM memory_sync_records o
			      WHERE o.memory_id = r.memory_id AND o.status = 'in_progress')
			ORDER BY r.created_at ASC, r.id ASC
			LIMIT 1`+s.skipLocked()+`
		) AND status IN ('pending', 'failed')
		RETURNING `+memorySyncColumns,
	), owner, formatTime(now.Add(leaseTTL)), ts, ts)

	r, err := scanMemorySync(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("claim memory sync record: %w", err)
	}
	return r, nil
}

// TransitionMemorySync applies a state machine edge other than the claim.
// A stale transition (record no longer in From, or claimed by another
// owner) returns ErrInvalidTransition.
func (s *Store) TransitionMemorySync(ctx context.Context, tr MemoryTransition) (*types.MemorySyncRecord, error) {
	if tr.To == types.StatusInProgress || !types.CanTransition(tr.From, tr.To) {
		return nil, fmt.Errorf("%s -> %s: %w", tr.From, tr.To, ErrInvalidTransition)
	}

	query := `
		UPDATE memory_sync_records
		SET status = ?, retry_count = ?, error_message = ?, next_attempt_at = ?,
		    lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`
	args := []any{string(tr.To), tr.RetryCount, nullableString(tr.ErrorMessage),
		nullableTime(tr.NextAttemptAt), formatTime(tr.At), tr.ID, string(tr.From)}
	if tr.From == types.StatusInProgress {
		query += ` AND lease_owner = ?`
		args = append(args, tr.Owner)
	}
	query += ` RETURNING ` + memorySyncColumns

	r, err := scanMemorySync(s.db.QueryRowContext(ctx, s.rebind(query), args...))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transition memory sync record: %w", err)
	}
	if _, getErr := s.GetMemorySync(ctx, tr.ID); getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%s -> %s: %w", tr.From, tr.To, ErrInvalidTransition)
}

// ExpiredClaims returns in_progress records whose claim lease ran out.
func (s *Store) ExpiredClaims(ctx context.Context, now time.Time, limit int) ([]types.MemorySyncRecord, error) {
	return s.queryMemorySync(ctx, `
		SELECT `+memorySyncColumns+` FROM memory_sync_records
		WHERE status = 'in_progress' AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?
		ORDER BY lease_expires_at ASC
		LIMIT ?`, formatTime(now), limit)
}

// MakeEligible sets next_attempt_at on a failed record so the next
// dispatch can pick it up. Records in any other state return
// ErrInvalidTransition.
func (s *Store) MakeEligible(ctx context.Context, id string, now time.Time) (*types.MemorySyncRecord, error) {
	ts := formatTime(now)
	r, err := scanMemorySync(s.db.QueryRowContext(ctx, s.rebind(`
		UPDATE memory_sync_records
		SET next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = 'failed'
		RETURNING `+memorySyncColumns,
	), ts, ts, id))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("make eligible: %w", err)
	}
	existing, getErr := s.GetMemorySync(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("record is %s: %w", existing.Status, ErrInvalidTransition)
}

// CountMemorySyncByStatus returns counts for every status, zeros included.
func (s *Store) CountMemorySyncByStatus(ctx context.Context) (map[types.MemoryStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM memory_sync_records GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("count memory sync records: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.MemoryStatus]int64, len(types.AllStatuses))
	for _, st := range types.AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[types.MemoryStatus(status)] = n
	}
	return counts, rows.Err()
}

// TerminalMemorySyncBefore returns up to limit completed or dead-lettered
// records last updated before cutoff, oldest first.
func (s *Store) TerminalMemorySyncBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.MemorySyncRecord, error) {
	return s.queryMemorySync(ctx, `
		SELECT `+memorySyncColumns+` FROM memory_sync_records
		WHERE status IN ('completed', 'dead_letter') AND updated_at < ?
		ORDER BY updated_at ASC, id ASC
		LIMIT ?`, formatTime(cutoff), limit)
}

// DeleteMemorySync removes the given records, but only those still terminal
// and older than cutoff. Returns the number deleted.
func (s *Store) DeleteMemorySync(ctx context.Context, ids []string, cutoff time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, formatTime(cutoff))
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM memory_sync_records
		WHERE status IN ('completed', 'dead_letter') AND updated_at < ?
		  AND id IN (`+placeholders(len(ids))+`)
	`), args...)
	if err != nil {
		return 0, fmt.Errorf("delete memory sync records: %w", err)
	}
	return res.RowsAffected()
}
