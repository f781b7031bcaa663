package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/keel/internal/types"
	"github.com/oklog/ulid/v2"
)

// PutMemory stores a memory payload, assigning an id when empty.
func (s *Store) PutMemory(ctx context.Context, m *types.Memory) error {
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO memories (id, agent, payload, created_at)
		VALUES (?, ?, ?, ?)
	`), m.ID, m.Agent, string(m.Payload), formatTime(m.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("memory %s: %w", m.ID, ErrConflict)
		}
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// GetMemory returns a stored memory.
func (s *Store) GetMemory(ctx context.Context, id string) (*types.Memory, error) {
	var m types.Memory
	var payload, createdAt string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, agent, payload, created_at FROM memories WHERE id = ?
	`), id).Scan(&m.ID, &m.Agent, &payload, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get memory: %w", err)
	}
	m.Payload = json.RawMessage(payload)
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteOrphanMemories removes memories created before cutoff that no
// sync record references any more.
func (s *Store) DeleteOrphanMemories(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM memories
		WHERE created_at < ?
		  AND NOT EXISTS (SELECT 1 FROM memory_sync_records r WHERE r.memory_id = memories.id)
	`), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete orphan memories: %w", err)
	}
	return res.RowsAffected()
}
