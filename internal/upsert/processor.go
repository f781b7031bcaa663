// Package upsert converges pulled source records into the replica.
package upsert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/hyperengineering/keel/internal/backoff"
	"github.com/hyperengineering/keel/internal/metrics"
	"github.com/hyperengineering/keel/internal/types"
)

// ErrInvalidRecord marks a record that fails payload checks. It is always
// wrapped as a permanent error.
var ErrInvalidRecord = errors.New("invalid record")

// ReplicaStore applies a batch atomically with last-writer-wins semantics.
// Implemented by store.Store.
type ReplicaStore interface {
	UpsertBatch(ctx context.Context, table string, records []types.ExternalRecord, now time.Time) (types.ApplyResult, error)
}

// Processor validates batches and applies them to the replica.
// Schemas are registered during setup, before Apply is called concurrently.
type Processor struct {
	store   ReplicaStore
	schemas map[string]*jsonschema.Schema
	now     func() time.Time
}

// NewProcessor creates a processor without schemas.
func NewProcessor(store ReplicaStore) *Processor {
	return &Processor{
		store:   store,
		schemas: make(map[string]*jsonschema.Schema),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RegisterSchema compiles a JSON schema that every payload for table must
// satisfy.
func (p *Processor) RegisterSchema(table string, schemaJSON []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("parse schema for %s: %w", table, err)
	}
	url := "keel://schemas/" + table + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return fmt.Errorf("add schema for %s: %w", table, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", table, err)
	}
	p.schemas[table] = schema
	return nil
}

// RegisterSchemaFile loads a schema from disk.
func (p *Processor) RegisterSchemaFile(table, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema file: %w", err)
	}
	return p.RegisterSchema(table, data)
}

// Apply validates every record and then commits the whole batch in one
// transaction. A single invalid record fails the batch with a permanent
// error and nothing is written.
func (p *Processor) Apply(ctx context.Context, table string, batch []types.ExternalRecord) (types.ApplyResult, error) {
	if len(batch) == 0 {
		return types.ApplyResult{}, nil
	}

	normalized := make([]types.ExternalRecord, len(batch))
	for i, rec := range batch {
		payload, err := p.validate(table, rec)
		if err != nil {
			return types.ApplyResult{}, backoff.Permanent(fmt.Errorf("record %d (%q): %w", i, rec.NaturalKey, err))
		}
		rec.Payload = payload
		normalized[i] = rec
	}

	result, err := p.store.UpsertBatch(ctx, table, normalized, p.now())
	if err != nil {
		return types.ApplyResult{}, fmt.Errorf("apply batch to %s: %w", table, err)
	}

	metrics.RecordsAppliedTotal.WithLabelValues(table, "inserted").Add(float64(result.Inserted))
	metrics.RecordsAppliedTotal.WithLabelValues(table, "updated").Add(float64(result.Updated))
	metrics.RecordsAppliedTotal.WithLabelValues(table, "unchanged").Add(float64(result.Unchanged))

	slog.Debug("batch applied",
		"component", "upsert",
		"table", table,
		"inserted", result.Inserted,
		"updated", result.Updated,
		"unchanged", result.Unchanged,
	)
	return result, nil
}

// validate checks one record and returns its compacted payload.
func (p *Processor) validate(table string, rec types.ExternalRecord) (json.RawMessage, error) {
	if rec.NaturalKey == "" {
		return nil, fmt.Errorf("%w: missing natural key", ErrInvalidRecord)
	}
	if rec.SourceUpdatedAt.IsZero() {
		return nil, fmt.Errorf("%w: missing source_updated_at", ErrInvalidRecord)
	}
	if len(bytes.TrimSpace(rec.Payload)) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidRecord)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, rec.Payload); err != nil {
		return nil, fmt.Errorf("%w: malformed payload: %v", ErrInvalidRecord, err)
	}

	if schema, ok := p.schemas[table]; ok {
		inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(compact.Bytes()))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		if err := schema.Validate(inst); err != nil {
			return nil, fmt.Errorf("%w: schema mismatch: %v", ErrInvalidRecord, err)
		}
	}
	return json.RawMessage(compact.Bytes()), nil
}
