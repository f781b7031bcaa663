// Package propagation moves memories between agents through the
// memory_sync_records state machine. Every attempt is tracked: a record is
// delivered at most once per claim and retried with backoff until it
// completes or dead-letters.
package propagation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hyperengineering/keel/internal/backoff"
	"github.com/hyperengineering/keel/internal/metrics"
	"github.com/hyperengineering/keel/internal/store"
	"github.com/hyperengineering/keel/internal/types"
)

var (
	// ErrInvalidRequest is returned when an enqueue names no memory or agent.
	ErrInvalidRequest = errors.New("invalid propagation request")

	// ErrUnknownMemory is returned when enqueuing a memory that is not stored.
	ErrUnknownMemory = errors.New("unknown memory")

	// ErrNotDeadLettered is returned by Redrive for a record that can still
	// be delivered by the normal retry path.
	ErrNotDeadLettered = errors.New("record is not dead-lettered")
)

const (
	DefaultLeaseTTL        = time.Minute
	DefaultDeliveryTimeout = 30 * time.Second

	// expiredMessage is recorded on attempts whose claim lapsed.
	expiredMessage = "delivery lease expired"
	recoverBatch   = 100
)

// Store is the queue persistence. Implemented by store.Store.
type Store interface {
	GetMemory(ctx context.Context, id string) (*types.Memory, error)
	EnqueueMemorySync(ctx context.Context, r *types.MemorySyncRecord, now time.Time) error
	GetMemorySync(ctx context.Context, id string) (*types.MemorySyncRecord, error)
	ListMemorySync(ctx context.Context, status types.MemoryStatus, limit int) ([]types.MemorySyncRecord, error)
	ClaimNextMemorySync(ctx context.Context, now time.Time, owner string, leaseTTL time.Duration) (*types.MemorySyncRecord, error)
	TransitionMemorySync(ctx context.Context, tr store.MemoryTransition) (*types.MemorySyncRecord, error)
	ExpiredClaims(ctx context.Context, now time.Time, limit int) ([]types.MemorySyncRecord, error)
	MakeEligible(ctx context.Context, id string, now time.Time) (*types.MemorySyncRecord, error)
	CountMemorySyncByStatus(ctx context.Context) (map[types.MemoryStatus]int64, error)
}

// Deliverer hands a memory to a target agent. A nil error is an ack.
// Errors marked backoff.Permanent park the record for operator review;
// anything else is retried after backoff.
type Deliverer interface {
	Deliver(ctx context.Context, targetAgent string, m *types.Memory) error
}

// QueueOptions tunes a Queue. Zero values take defaults.
type QueueOptions struct {
	MaxRetries      int
	LeaseTTL        time.Duration
	DeliveryTimeout time.Duration
	Policy          backoff.Policy
	Owner           string
}

// Queue owns every status transition of memory sync records.
type Queue struct {
	store     Store
	deliverer Deliverer
	opts      QueueOptions
	now       func() time.Time
}

// NewQueue creates a queue.
func NewQueue(st Store, deliverer Deliverer, opts QueueOptions) *Queue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = types.DefaultMaxRetries
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if opts.Owner == "" {
		opts.Owner = uuid.NewString()
	}
	opts.Policy = backoff.NewPolicy(opts.Policy.BaseDelay, opts.Policy.MaxDelay, opts.Policy.JitterPercent)
	return &Queue{
		store:     st,
		deliverer: deliverer,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue creates a pending record delivering memoryID from sourceAgent to
// targetAgent.
func (q *Queue) Enqueue(ctx context.Context, memoryID, sourceAgent, targetAgent string) (*types.MemorySyncRecord, error) {
	if memoryID == "" || sourceAgent == "" || targetAgent == "" {
		return nil, fmt.Errorf("%w: memory_id, source_agent and target_agent are required", ErrInvalidRequest)
	}
	if _, err := q.store.GetMemory(ctx, memoryID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMemory, memoryID)
		}
		return nil, fmt.Errorf("look up memory: %w", err)
	}

	rec := &types.MemorySyncRecord{
		MemoryID:    memoryID,
		SourceAgent: sourceAgent,
		TargetAgent: targetAgent,
		MaxRetries:  q.opts.MaxRetries,
	}
	if err := q.store.EnqueueMemorySync(ctx, rec, q.now()); err != nil {
		return nil, err
	}

	slog.Debug("memory enqueued",
		"component", "propagation",
		"record_id", rec.ID,
		"memory_id", memoryID,
		"target_agent", targetAgent,
	)
	return rec, nil
}

// Dispatch claims the oldest eligible record and attempts one delivery.
// It reports whether a record was claimed; false means the queue has
// nothing eligible right now.
func (q *Queue) Dispatch(ctx context.Context) (bool, error) {
	rec, err := q.store.ClaimNextMemorySync(ctx, q.now(), q.opts.Owner, q.opts.LeaseTTL)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	case errors.Is(err, store.ErrConflict):
		// Another worker claimed a sibling first; try again.
		return true, nil
	case err != nil:
		return false, fmt.Errorf("claim record: %w", err)
	}

	deliverErr := q.deliver(ctx, rec)

	// The attempt happened; its outcome is recorded even during shutdown.
	recordCtx := context.WithoutCancel(ctx)
	if deliverErr == nil {
		_, err := q.store.TransitionMemorySync(recordCtx, store.MemoryTransition{
			ID:         rec.ID,
			From:       types.StatusInProgress,
			To:         types.StatusCompleted,
			Owner:      q.opts.Owner,
			RetryCount: rec.RetryCount,
			At:         q.now(),
		})
		if err != nil {
			return true, q.staleClaim(rec, err)
		}
		metrics.DispatchesTotal.WithLabelValues(string(types.StatusCompleted)).Inc()
		slog.Info("memory delivered",
			"component", "propagation",
			"record_id", rec.ID,
			"memory_id", rec.MemoryID,
			"target_agent", rec.TargetAgent,
			"attempt", rec.RetryCount+1,
		)
		return true, nil
	}

	updated, err := q.recordFailure(recordCtx, rec, q.opts.Owner, deliverErr.Error(), !backoff.IsPermanent(deliverErr))
	if err != nil {
		return true, q.staleClaim(rec, err)
	}
	q.logFailure(updated, deliverErr)
	return true, nil
}

// deliver loads the payload and calls the deliverer under a timeout.
func (q *Queue) deliver(ctx context.Context, rec *types.MemorySyncRecord) error {
	m, err := q.store.GetMemory(ctx, rec.MemoryID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(fmt.Errorf("memory %s has no stored payload", rec.MemoryID))
		}
		return backoff.Transient(fmt.Errorf("load memory: %w", err))
	}

	dctx, cancel := context.WithTimeout(ctx, q.opts.DeliveryTimeout)
	defer cancel()
	if err := q.deliverer.Deliver(dctx, rec.TargetAgent, m); err != nil {
		return fmt.Errorf("deliver to %s: %w", rec.TargetAgent, err)
	}
	return nil
}

// recordFailure counts a failed attempt. Reaching the budget dead-letters;
// otherwise the record waits for backoff, or for an operator when the
// failure is not retryable.
func (q *Queue) recordFailure(ctx context.Context, rec *types.MemorySyncRecord, owner, msg string, retryable bool) (*types.MemorySyncRecord, error) {
	now := q.now()
	status, retryCount := types.OutcomeAfterFailure(rec.RetryCount, rec.MaxRetries)

	tr := store.MemoryTransition{
		ID:           rec.ID,
		From:         types.StatusInProgress,
		To:           status,
		Owner:        owner,
		RetryCount:   retryCount,
		ErrorMessage: msg,
		At:           now,
	}
	if status == types.StatusFailed && retryable {
		next := now.Add(q.opts.Policy.Delay(rec.RetryCount))
		tr.NextAttemptAt = &next
	}
	return q.store.TransitionMemorySync(ctx, tr)
}

func (q *Queue) logFailure(rec *types.MemorySyncRecord, cause error) {
	outcome := string(rec.Status)
	if rec.Status == types.StatusFailed && rec.NextAttemptAt == nil {
		outcome = "parked"
	}
	metrics.DispatchesTotal.WithLabelValues(outcome).Inc()

	attrs := []any{
		"component", "propagation",
		"record_id", rec.ID,
		"memory_id", rec.MemoryID,
		"target_agent", rec.TargetAgent,
		"retry_count", rec.RetryCount,
		"max_retries", rec.MaxRetries,
		"outcome", outcome,
		"error", cause,
	}
	if rec.Status == types.StatusDeadLetter {
		slog.Error("memory dead-lettered", attrs...)
		return
	}
	if rec.NextAttemptAt != nil {
		attrs = append(attrs, "next_attempt_at", rec.NextAttemptAt.Format(time.RFC3339))
	}
	slog.Warn("memory delivery failed", attrs...)
}

// staleClaim reports a transition lost to lease recovery. The record has
// already been moved on by whoever recovered it.
func (q *Queue) staleClaim(rec *types.MemorySyncRecord, err error) error {
	if errors.Is(err, store.ErrInvalidTransition) {
		slog.Warn("delivery outcome discarded, claim no longer held",
			"component", "propagation",
			"record_id", rec.ID,
			"error", err,
		)
		return nil
	}
	return fmt.Errorf("record outcome for %s: %w", rec.ID, err)
}

// RecoverExpired turns claims whose lease lapsed into failed attempts, so a
// crashed dispatcher never strands a record in_progress.
func (q *Queue) RecoverExpired(ctx context.Context) (int, error) {
	expired, err := q.store.ExpiredClaims(ctx, q.now(), recoverBatch)
	if err != nil {
		return 0, fmt.Errorf("list expired claims: %w", err)
	}

	recovered := 0
	for i := range expired {
		rec := &expired[i]
		updated, err := q.recordFailure(ctx, rec, rec.LeaseOwner, expiredMessage, true)
		if err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				continue // finished or recovered concurrently
			}
			return recovered, fmt.Errorf("recover %s: %w", rec.ID, err)
		}
		recovered++
		metrics.DispatchesTotal.WithLabelValues("expired").Inc()
		q.logFailure(updated, errors.New(expiredMessage))
	}
	return recovered, nil
}

// Retry makes a failed record eligible for the next dispatch, including
// one parked by a permanent delivery error.
func (q *Queue) Retry(ctx context.Context, id string) (*types.MemorySyncRecord, error) {
	rec, err := q.store.MakeEligible(ctx, id, q.now())
	if err != nil {
		return nil, err
	}
	slog.Info("memory retry requested",
		"component", "propagation",
		"record_id", id,
		"retry_count", rec.RetryCount,
	)
	return rec, nil
}

// Redrive enqueues a fresh pending copy of a dead-lettered record. The
// dead-letter row itself is left untouched.
func (q *Queue) Redrive(ctx context.Context, id string) (*types.MemorySyncRecord, error) {
	dead, err := q.store.GetMemorySync(ctx, id)
	if err != nil {
		return nil, err
	}
	if dead.Status != types.StatusDeadLetter {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotDeadLettered, id, dead.Status)
	}

	rec := &types.MemorySyncRecord{
		MemoryID:     dead.MemoryID,
		SourceAgent:  dead.SourceAgent,
		TargetAgent:  dead.TargetAgent,
		MaxRetries:   dead.MaxRetries,
		RedrivenFrom: dead.ID,
	}
	if err := q.store.EnqueueMemorySync(ctx, rec, q.now()); err != nil {
		return nil, err
	}

	slog.Info("memory redriven",
		"component", "propagation",
		"record_id", rec.ID,
		"redriven_from", dead.ID,
		"target_agent", rec.TargetAgent,
	)
	return rec, nil
}

// Get returns one record.
func (q *Queue) Get(ctx context.Context, id string) (*types.MemorySyncRecord, error) {
	return q.store.GetMemorySync(ctx, id)
}

// List returns records oldest first, optionally filtered by status.
func (q *Queue) List(ctx context.Context, status types.MemoryStatus, limit int) ([]types.MemorySyncRecord, error) {
	return q.store.ListMemorySync(ctx, status, limit)
}

// Stats counts records by status and refreshes the queue depth gauge.
func (q *Queue) Stats(ctx context.Context) (types.QueueStats, error) {
	counts, err := q.store.CountMemorySyncByStatus(ctx)
	if err != nil {
		return types.QueueStats{}, err
	}
	stats := types.QueueStats{Counts: counts}
	for status, n := range counts {
		stats.Total += n
		metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
	return stats, nil
}
