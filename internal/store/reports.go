package store

import (
	"context"
	"fmt"
	"time"

	"github.com/hyperengineering/keel/internal/types"
	"github.com/oklog/ulid/v2"
)

const reportColumns = `id, table_name, source_checksum, replica_checksum,
	source_count, replica_count, drift_detected, computed_at`

// InsertReport writes a consistency report. Reports are never updated.
func (s *Store) InsertReport(ctx context.Context, r *types.ConsistencyReport) error {
	if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	drift := 0
	if r.DriftDetected {
		drift = 1
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO consistency_reports (`+reportColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), r.ID, r.TableName, r.SourceChecksum, r.ReplicaChecksum,
		r.SourceCount, r.ReplicaCount, drift, formatTime(r.ComputedAt))
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (s *Store) queryReports(ctx context.Context, query string, args ...any) ([]types.ConsistencyReport, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	reports := make([]types.ConsistencyReport, 0)
	for rows.Next() {
		var r types.ConsistencyReport
		var drift int
		var computedAt string
		if err := rows.Scan(&r.ID, &r.TableName, &r.SourceChecksum, &r.ReplicaChecksum,
			&r.SourceCount, &r.ReplicaCount, &drift, &computedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		r.DriftDetected = drift != 0
		if r.ComputedAt, err = parseTime(computedAt); err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// ListReports returns the newest reports first. An empty table lists all.
func (s *Store) ListReports(ctx context.Context, table string, limit int) ([]types.ConsistencyReport, error) {
	if limit <= 0 {
		limit = 50
	}
	if table == "" {
		return s.queryReports(ctx, `
			SELECT `+reportColumns+` FROM consistency_reports
			ORDER BY computed_at DESC, id DESC
			LIMIT ?`, limit)
	}
	return s.queryReports(ctx, `
		SELECT `+reportColumns+` FROM consistency_reports
		WHERE table_name = ?
		ORDER BY computed_at DESC, id DESC
		LIMIT ?`, table, limit)
}

// ReportsBefore returns up to limit reports computed before cutoff, oldest first.
func (s *Store) ReportsBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.ConsistencyReport, error) {
	return s.queryReports(ctx, `
		SELECT `+reportColumns+` FROM consistency_reports
		WHERE computed_at < ?
		ORDER BY computed_at ASC, id ASC
		LIMIT ?`, formatTime(cutoff), limit)
}

// DeleteReports removes the given reports if they are still older than
// cutoff. Returns the number deleted.
func (s *Store) DeleteReports(ctx context.Context, ids []string, cutoff time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, formatTime(cutoff))
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM consistency_reports
		WHERE computed_at < ? AND id IN (`+placeholders(len(ids))+`)
	`), args...)
	if err != nil {
		return 0, fmt.Errorf("delete reports: %w", err)
	}
	return res.RowsAffected()
}
