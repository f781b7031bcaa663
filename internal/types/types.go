package types

import (
	"encoding/json"
	"time"
)

// Cursor is an opaque position in an external paginated stream.
// The empty cursor means "start from the beginning". Keel never inspects
// or orders cursors; it only stores the value the source handed back.
type Cursor string

// SyncCheckpoint is the last committed position for one external source.
type SyncCheckpoint struct {
	SourceID            string     `json:"source_id"`
	Cursor              Cursor     `json:"cursor"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastAttemptAt       *time.Time `json:"last_attempt_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Alerting reports whether the source has failed often enough in a row to
// need operator attention.
func (c SyncCheckpoint) Alerting(threshold int) bool {
	return threshold > 0 && c.ConsecutiveFailures >= threshold
}

// ExternalRecord is one unit pulled from a source. It is transient: the
// replica stores its payload, not the record itself.
type ExternalRecord struct {
	NaturalKey      string          `json:"natural_key"`
	Payload         json.RawMessage `json:"payload"`
	SourceUpdatedAt time.Time       `json:"source_updated_at"`
}

// Page is the result of a single pull.
type Page struct {
	Records    []ExternalRecord `json:"records"`
	NextCursor Cursor           `json:"next_cursor"`
	HasMore    bool             `json:"has_more"`
}

// ApplyResult counts the outcome of converging a batch into the replica.
type ApplyResult struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// Add accumulates another result into r.
func (r *ApplyResult) Add(other ApplyResult) {
	r.Inserted += other.Inserted
	r.Updated += other.Updated
	r.Unchanged += other.Unchanged
}

// Total returns the number of records the result accounts for.
func (r ApplyResult) Total() int {
	return r.Inserted + r.Updated + r.Unchanged
}

// ReplicaRecord is a row of the local replica.
type ReplicaRecord struct {
	TableName       string          `json:"table_name"`
	NaturalKey      string          `json:"natural_key"`
	Payload         json.RawMessage `json:"payload"`
	SourceUpdatedAt time.Time       `json:"source_updated_at"`
	SyncedAt        time.Time       `json:"synced_at"`
}

// ConsistencyReport is an immutable drift check between source and replica.
type ConsistencyReport struct {
	ID              string    `json:"id"`
	TableName       string    `json:"table_name"`
	SourceChecksum  string    `json:"source_checksum"`
	ReplicaChecksum string    `json:"replica_checksum"`
	SourceCount     int64     `json:"source_count"`
	ReplicaCount    int64     `json:"replica_count"`
	ComputedAt      time.Time `json:"computed_at"`
	DriftDetected   bool      `json:"drift_detected"`
}

// RunStatus is the outcome of one scheduler trigger.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunSkipped   RunStatus = "skipped"
	RunFailed    RunStatus = "failed"
)

// RunResult describes one sync run for a source.
type RunResult struct {
	SourceID  string             `json:"source_id"`
	Status    RunStatus          `json:"status"`
	Pages     int                `json:"pages"`
	Applied   ApplyResult        `json:"applied"`
	Cursor    Cursor             `json:"cursor"`
	Report    *ConsistencyReport `json:"report,omitempty"`
	Error     string             `json:"error,omitempty"`
	Alerting  bool               `json:"alerting"`
	StartedAt time.Time          `json:"started_at"`
	Duration  time.Duration      `json:"duration"`
}

// Memory is a payload owned by a source agent that can be propagated.
type Memory struct {
	ID        string          `json:"id"`
	Agent     string          `json:"agent"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// MemorySyncRecord tracks delivery of one memory to one target agent.
type MemorySyncRecord struct {
	ID             string       `json:"id"`
	MemoryID       string       `json:"memory_id"`
	SourceAgent    string       `json:"source_agent"`
	TargetAgent    string       `json:"target_agent"`
	Status         MemoryStatus `json:"status"`
	RetryCount     int          `json:"retry_count"`
	MaxRetries     int          `json:"max_retries"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	NextAttemptAt  *time.Time   `json:"next_attempt_at,omitempty"`
	LeaseOwner     string       `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time   `json:"lease_expires_at,omitempty"`
	RedrivenFrom   string       `json:"redriven_from,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// DefaultMaxRetries is the delivery attempt budget when none is configured.
const DefaultMaxRetries = 3

// QueueStats counts memory sync records by status.
type QueueStats struct {
	Counts map[MemoryStatus]int64 `json:"counts"`
	Total  int64                  `json:"total"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Sources  int    `json:"sources"`
	Alerting int    `json:"alerting"`
}

// StoreMemoryRequest is the body of POST /api/v1/memories.
type StoreMemoryRequest struct {
	Agent   string          `json:"agent"`
	Payload json.RawMessage `json:"payload"`
	Targets []string        `json:"targets"`
}

// StoreMemoryResponse returns the stored memory and one record per target.
type StoreMemoryResponse struct {
	Memory  Memory             `json:"memory"`
	Records []MemorySyncRecord `json:"records"`
}
