// Package scheduler runs sync cycles per source on a fixed interval. Runs
// for one source never overlap, across processes, because each run holds a
// database lease keyed by source id.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/keel/internal/metrics"
	"github.com/hyperengineering/keel/internal/store"
	"github.com/hyperengineering/keel/internal/types"
)

var (
	// ErrUnknownSource is returned by Trigger for an unconfigured source id.
	ErrUnknownSource = errors.New("unknown source")

	// ErrCursorStalled is a run failure: the source claimed more data but
	// returned the cursor it was given.
	ErrCursorStalled = errors.New("source did not advance the cursor")

	// ErrLeaseLost is a run failure: the heartbeat found the lease taken.
	ErrLeaseLost = errors.New("sync lease lost")
)

const (
	DefaultLeaseTTL       = 2 * time.Minute
	DefaultAlertThreshold = 3
	DefaultWorkers        = 4
)

// Store holds checkpoints, leases and reports. Implemented by store.Store.
type Store interface {
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration, now time.Time) (bool, error)
	RenewLease(ctx context.Context, key, owner string, ttl time.Duration, now time.Time) error
	ReleaseLease(ctx context.Context, key, owner string) error
	GetCheckpoint(ctx context.Context, sourceID string) (*types.SyncCheckpoint, error)
	RecordAttempt(ctx context.Context, sourceID string, now time.Time) (*types.SyncCheckpoint, error)
	AdvanceCursor(ctx context.Context, sourceID string, cursor types.Cursor, now time.Time) error
	RecordSuccess(ctx context.Context, sourceID string, now time.Time) error
	RecordFailure(ctx context.Context, sourceID, errMsg string, now time.Time) (int, error)
	InsertReport(ctx context.Context, r *types.ConsistencyReport) error
}

// Puller fetches the page after a cursor. Implemented by connector.Connector.
type Puller interface {
	Pull(ctx context.Context, cursor types.Cursor) (types.Page, error)
}

// Applier commits a batch atomically. Implemented by upsert.Processor.
type Applier interface {
	Apply(ctx context.Context, table string, batch []types.ExternalRecord) (types.ApplyResult, error)
}

// Verifier builds a consistency report. Implemented by verify.Verifier.
type Verifier interface {
	Verify(ctx context.Context, table string) (*types.ConsistencyReport, error)
}

// Source wires one configured source to its collaborators.
type Source struct {
	ID       string
	Table    string
	Puller   Puller
	Verifier Verifier
}

// Options tunes the scheduler. Zero values take defaults.
type Options struct {
	Interval       time.Duration
	LeaseTTL       time.Duration
	RunTimeout     time.Duration // 0 = no limit beyond the lease heartbeat
	AlertThreshold int
	Workers        int
	InstanceID     string
}

// SourceStatus is the operator view of one source.
type SourceStatus struct {
	SourceID   string               `json:"source_id"`
	Table      string               `json:"table"`
	Checkpoint *types.SyncCheckpoint `json:"checkpoint,omitempty"`
	Alerting   bool                 `json:"alerting"`
}

// Scheduler owns checkpoint mutation for every configured source.
type Scheduler struct {
	store   Store
	applier Applier
	sources map[string]Source
	order   []string
	opts    Options
	now     func() time.Time

	mu   sync.Mutex
	last map[string]*types.RunResult
}

// New creates a scheduler.
func New(st Store, applier Applier, sources []Source, opts Options) *Scheduler {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if opts.AlertThreshold <= 0 {
		opts.AlertThreshold = DefaultAlertThreshold
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}

	s := &Scheduler{
		store:   st,
		applier: applier,
		sources: make(map[string]Source, len(sources)),
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
		last:    make(map[string]*types.RunResult),
	}
	for _, src := range sources {
		s.sources[src.ID] = src
		s.order = append(s.order, src.ID)
	}
	sort.Strings(s.order)
	return s
}

// Trigger runs one sync for sourceID: pull pages, apply each, advance the
// cursor after each committed page, then verify. If another run holds the
// lease it returns a skipped result immediately. Run failures are reported
// in the result; the error is reserved for unknown sources and lease store
// failures.
func (s *Scheduler) Trigger(ctx context.Context, sourceID string) (*types.RunResult, error) {
	src, ok := s.sources[sourceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
	}

	started := s.now()
	result := &types.RunResult{SourceID: sourceID, StartedAt: started}
	key := "sync:" + sourceID
	owner := s.opts.InstanceID + "/" + uuid.NewString()

	acquired, err := s.store.AcquireLease(ctx, key, owner, s.opts.LeaseTTL, started)
	if err != nil {
		return nil, fmt.Errorf("acquire lease for %s: %w", sourceID, err)
	}
	if !acquired {
		result.Status = types.RunSkipped
		metrics.SyncRunsTotal.WithLabelValues(sourceID, string(types.RunSkipped)).Inc()
		slog.Info("sync skipped, lease held",
			"component", "scheduler",
			"source", sourceID,
		)
		return result, nil
	}

	// Release on every path, even when ctx is already cancelled.
	defer func() {
		if err := s.store.ReleaseLease(context.WithoutCancel(ctx), key, owner); err != nil {
			slog.Warn("failed to release sync lease",
				"component", "scheduler",
				"source", sourceID,
				"error", err,
			)
		}
	}()

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	if s.opts.RunTimeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, s.opts.RunTimeout)
		defer cancelTimeout()
	}

	stopHeartbeat := s.heartbeat(runCtx, cancelRun, key, owner)
	runErr := s.run(runCtx, src, result)
	stopHeartbeat()
	if runErr != nil && errors.Is(context.Cause(runCtx), ErrLeaseLost) {
		runErr = fmt.Errorf("%w: %v", ErrLeaseLost, runErr)
	}

	result.Duration = s.now().Sub(started)
	metrics.SyncRunDuration.WithLabelValues(sourceID).Observe(result.Duration.Seconds())

	if runErr != nil {
		s.fail(ctx, result, runErr)
	} else {
		s.succeed(ctx, result)
	}

	s.mu.Lock()
	s.last[sourceID] = result
	s.mu.Unlock()
	return result, nil
}

// run performs the pull/apply/verify sequence.
func (s *Scheduler) run(ctx context.Context, src Source, result *types.RunResult) error {
	cp, err := s.store.RecordAttempt(ctx, src.ID, s.now())
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	cursor := cp.Cursor
	result.Cursor = cursor

	for {
		page, err := src.Puller.Pull(ctx, cursor)
		if err != nil {
			return err
		}
		if page.HasMore && page.NextCursor == cursor {
			return fmt.Errorf("%w at %q", ErrCursorStalled, cursor)
		}

		applied, err := s.applier.Apply(ctx, src.Table, page.Records)
		if err != nil {
			return err
		}
		result.Pages++
		result.Applied.Add(applied)

		// The batch is committed; only now may the cursor move past it.
		if page.NextCursor != "" && page.NextCursor != cursor {
			if err := s.store.AdvanceCursor(ctx, src.ID, page.NextCursor, s.now()); err != nil {
				return fmt.Errorf("advance cursor: %w", err)
			}
			cursor = page.NextCursor
			result.Cursor = cursor
		}

		slog.Debug("sync page applied",
			"component", "scheduler",
			"source", src.ID,
			"page", result.Pages,
			"records", len(page.Records),
			"cursor", string(cursor),
		)

		if !page.HasMore {
			break
		}
	}

	if src.Verifier == nil {
		return nil
	}
	report, err := src.Verifier.Verify(ctx, src.Table)
	if err != nil {
		// A verification failure does not undo a committed sync.
		slog.Warn("consistency check failed",
			"component", "scheduler",
			"source", src.ID,
			"error", err,
		)
		return nil
	}
	if err := s.store.InsertReport(ctx, report); err != nil {
		slog.Warn("failed to store consistency report",
			"component", "scheduler",
			"source", src.ID,
			"error", err,
		)
		return nil
	}
	result.Report = report
	return nil
}

func (s *Scheduler) succeed(ctx context.Context, result *types.RunResult) {
	result.Status = types.RunCompleted
	if err := s.store.RecordSuccess(context.WithoutCancel(ctx), result.SourceID, s.now()); err != nil {
		slog.Error("failed to record sync success",
			"component", "scheduler",
			"source", result.SourceID,
			"error", err,
		)
	}
	metrics.SyncRunsTotal.WithLabelValues(result.SourceID, string(types.RunCompleted)).Inc()
	metrics.SyncConsecutiveFailures.WithLabelValues(result.SourceID).Set(0)

	drift := result.Report != nil && result.Report.DriftDetected
	slog.Info("sync completed",
		"component", "scheduler",
		"source", result.SourceID,
		"pages", result.Pages,
		"inserted", result.Applied.Inserted,
		"updated", result.Applied.Updated,
		"unchanged", result.Applied.Unchanged,
		"drift_detected", drift,
		"duration_ms", result.Duration.Milliseconds(),
	)
}

// fail records the failure streak. The cursor stays where the last
// committed page left it. Shutdown is not counted against the source.
func (s *Scheduler) fail(ctx context.Context, result *types.RunResult, runErr error) {
	result.Status = types.RunFailed
	result.Error = runErr.Error()
	metrics.SyncRunsTotal.WithLabelValues(result.SourceID, string(types.RunFailed)).Inc()

	if ctx.Err() != nil {
		slog.Info("sync interrupted",
			"component", "scheduler",
			"source", result.SourceID,
			"reason", "context_cancelled",
		)
		return
	}

	failures, err := s.store.RecordFailure(ctx, result.SourceID, runErr.Error(), s.now())
	if err != nil {
		slog.Error("failed to record sync failure",
			"component", "scheduler",
			"source", result.SourceID,
			"error", err,
		)
		return
	}
	metrics.SyncConsecutiveFailures.WithLabelValues(result.SourceID).Set(float64(failures))
	result.Alerting = failures >= s.opts.AlertThreshold

	slog.Error("sync failed",
		"component", "scheduler",
		"source", result.SourceID,
		"pages_committed", result.Pages,
		"consecutive_failures", failures,
		"alerting", result.Alerting,
		"error", runErr,
	)
}

// heartbeat renews the lease every ttl/3 until stopped. Losing the lease
// cancels the run.
func (s *Scheduler) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, key, owner string) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(max(s.opts.LeaseTTL/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := s.store.RenewLease(ctx, key, owner, s.opts.LeaseTTL, s.now())
				if errors.Is(err, store.ErrLeaseHeld) {
					cancel(ErrLeaseLost)
					return
				}
				if err != nil && ctx.Err() == nil {
					slog.Warn("lease renewal failed",
						"component", "scheduler",
						"lease", key,
						"error", err,
					)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// Run triggers every source at start and then on each interval tick,
// using a bounded pool. It blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("sync scheduler started",
		"component", "worker",
		"worker", "sync-scheduler",
		"interval", s.opts.Interval.String(),
		"sources", len(s.order),
		"workers", s.opts.Workers,
	)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("sync scheduler stopped",
				"component", "worker",
				"worker", "sync-scheduler",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle triggers every source once and waits for all runs.
func (s *Scheduler) RunCycle(ctx context.Context) []*types.RunResult {
	var g errgroup.Group
	g.SetLimit(s.opts.Workers)

	results := make([]*types.RunResult, len(s.order))
	for i, id := range s.order {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := s.Trigger(ctx, id)
			if err != nil {
				slog.Error("sync trigger failed",
					"component", "worker",
					"worker", "sync-scheduler",
					"source", id,
					"error", err,
				)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Status returns checkpoint state and alerting for every configured source.
func (s *Scheduler) Status(ctx context.Context) ([]SourceStatus, error) {
	out := make([]SourceStatus, 0, len(s.order))
	for _, id := range s.order {
		st := SourceStatus{SourceID: id, Table: s.sources[id].Table}
		cp, err := s.store.GetCheckpoint(ctx, id)
		switch {
		case err == nil:
			st.Checkpoint = cp
			st.Alerting = cp.Alerting(s.opts.AlertThreshold)
		case errors.Is(err, store.ErrNotFound):
		default:
			return nil, fmt.Errorf("checkpoint for %s: %w", id, err)
		}
		out = append(out, st)
	}
	return out, nil
}

// LastRun returns the most recent result this process produced for a source.
func (s *Scheduler) LastRun(sourceID string) (*types.RunResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.last[sourceID]
	return r, ok
}

// AlertThreshold is the failure streak at which a source is alerting.
func (s *Scheduler) AlertThreshold() int {
	return s.opts.AlertThreshold
}

// HasSource reports whether sourceID is configured.
func (s *Scheduler) HasSource(sourceID string) bool {
	_, ok := s.sources[sourceID]
	return ok
}
