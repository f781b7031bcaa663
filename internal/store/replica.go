package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/keel/internal/checksum"
	"github.com/hyperengineering/keel/internal/types"
)

// UpsertBatch converges records into the replica table in one transaction,
// applying them in order. Conflicts resolve last-writer-wins on
// source_updated_at: an older incoming record is a no-op, a tie goes to the
// incoming record. Any error rolls the whole batch back.
func (s *Store) UpsertBatch(ctx context.Context, table string, records []types.ExternalRecord, now time.Time) (types.ApplyResult, error) {
	var result types.ApplyResult
	if len(records) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	selectQ := s.rebind(`
		SELECT payload, source_updated_at FROM replica_records
		WHERE table_name = ? AND natural_key = ?
	`)
	insertQ := s.rebind(`
		INSERT INTO replica_records (table_name, natural_key, payload, source_updated_at, row_hash, synced_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	updateQ := s.rebind(`
		UPDATE replica_records
		SET payload = ?, source_updated_at = ?, row_hash = ?, synced_at = ?
		WHERE table_name = ? AND natural_key = ?
	`)
	syncedAt := formatTime(now)

	for i, rec := range records {
		if rec.NaturalKey == "" {
			return types.ApplyResult{}, fmt.Errorf("record %d: empty natural key", i)
		}
		incomingAt := rec.SourceUpdatedAt.UTC()
		hash := checksum.RowHash(rec.NaturalKey, incomingAt)

		var storedPayload, storedAt string
		err := tx.QueryRowContext(ctx, selectQ, table, rec.NaturalKey).Scan(&storedPayload, &storedAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx, insertQ, table, rec.NaturalKey, string(rec.Payload),
				formatTime(incomingAt), hash, syncedAt); err != nil {
				return types.ApplyResult{}, fmt.Errorf("insert record %q: %w", rec.NaturalKey, err)
			}
			result.Inserted++
			continue
		case err != nil:
			return types.ApplyResult{}, fmt.Errorf("read record %q: %w", rec.NaturalKey, err)
		}

		existingAt, err := parseTime(storedAt)
		if err != nil {
			return types.ApplyResult{}, err
		}
		if incomingAt.Before(existingAt) {
			result.Unchanged++
			continue
		}
		if incomingAt.Equal(existingAt) && bytes.Equal([]byte(storedPayload), rec.Payload) {
			result.Unchanged++
			continue
		}

		if _, err := tx.ExecContext(ctx, updateQ, string(rec.Payload), formatTime(incomingAt), hash,
			syncedAt, table, rec.NaturalKey); err != nil {
			return types.ApplyResult{}, fmt.Errorf("update record %q: %w", rec.NaturalKey, err)
		}
		result.Updated++
	}

	if err := tx.Commit(); err != nil {
		return types.ApplyResult{}, fmt.Errorf("commit transaction: %w", err)
	}
	return result, nil
}

// CountAndChecksum returns the row count and summed row hash of a table.
func (s *Store) CountAndChecksum(ctx context.Context, table string) (checksum.Sum, error) {
	var sum checksum.Sum
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*), CAST(COALESCE(SUM(row_hash), 0) AS BIGINT)
		FROM replica_records
		WHERE table_name = ?
	`), table).Scan(&sum.Count, &sum.Hash)
	if err != nil {
		return checksum.Sum{}, fmt.Errorf("count and checksum: %w", err)
	}
	return sum, nil
}

// GetReplicaRecord returns a single replica row.
func (s *Store) GetReplicaRecord(ctx context.Context, table, naturalKey string) (*types.ReplicaRecord, error) {
	var rec types.ReplicaRecord
	var payload, updatedAt, syncedAt string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT table_name, natural_key, payload, source_updated_at, synced_at
		FROM replica_records
		WHERE table_name = ? AND natural_key = ?
	`), table, naturalKey).Scan(&rec.TableName, &rec.NaturalKey, &payload, &updatedAt, &syncedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get replica record: %w", err)
	}
	rec.Payload = json.RawMessage(payload)
	if rec.SourceUpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if rec.SyncedAt, err = parseTime(syncedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}
