// Package retention purges terminal memory sync records and old consistency
// reports. It is the only component that deletes rows.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/keel/internal/archive"
	"github.com/hyperengineering/keel/internal/metrics"
	"github.com/hyperengineering/keel/internal/types"
)

const DefaultBatchSize = 500

// Store is the subset of store.Store the sweeper reads and deletes.
type Store interface {
	TerminalMemorySyncBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.MemorySyncRecord, error)
	DeleteMemorySync(ctx context.Context, ids []string, cutoff time.Time) (int64, error)
	ReportsBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.ConsistencyReport, error)
	DeleteReports(ctx context.Context, ids []string, cutoff time.Time) (int64, error)
	DeleteOrphanMemories(ctx context.Context, cutoff time.Time) (int64, error)
}

// Options configures the sweeper.
type Options struct {
	Interval     time.Duration
	MemoryWindow time.Duration
	ReportWindow time.Duration
	BatchSize    int
}

// SweepResult counts what one sweep removed.
type SweepResult struct {
	MemoryRecords int64    `json:"memory_records"`
	Reports       int64    `json:"reports"`
	Memories      int64    `json:"memories"`
	Archives      []string `json:"archives,omitempty"`
}

// Sweeper deletes expired rows after archiving them.
type Sweeper struct {
	store    Store
	archiver archive.Archiver
	opts     Options
	now      func() time.Time
}

// NewSweeper creates a sweeper. A nil archiver deletes without a copy.
func NewSweeper(st Store, archiver archive.Archiver, opts Options) *Sweeper {
	if archiver == nil {
		archiver = archive.NoopArchiver{}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Sweeper{
		store:    st,
		archiver: archiver,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Sweep runs one pass. Completed and dead-lettered records older than the
// memory window and reports older than the report window are archived
// and then deleted. A failure on one kind does not stop the others; rows
// whose archive failed stay for the next cycle.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := s.now()
	memoryCutoff := now.Add(-s.opts.MemoryWindow)
	reportCutoff := now.Add(-s.opts.ReportWindow)

	var errs []error

	n, keys, err := sweepKind(ctx, s, "memory_sync",
		func(ctx context.Context) ([]string, []any, error) {
			rows, err := s.store.TerminalMemorySyncBefore(ctx, memoryCutoff, s.opts.BatchSize)
			if err != nil {
				return nil, nil, err
			}
			ids, out := make([]string, len(rows)), make([]any, len(rows))
			for i := range rows {
				ids[i], out[i] = rows[i].ID, rows[i]
			}
			return ids, out, nil
		},
		func(ctx context.Context, ids []string) (int64, error) {
			return s.store.DeleteMemorySync(ctx, ids, memoryCutoff)
		})
	result.MemoryRecords = n
	result.Archives = append(result.Archives, keys...)
	if err != nil {
		errs = append(errs, err)
	}

	n, keys, err = sweepKind(ctx, s, "reports",
		func(ctx context.Context) ([]string, []any, error) {
			rows, err := s.store.ReportsBefore(ctx, reportCutoff, s.opts.BatchSize)
			if err != nil {
				return nil, nil, err
			}
			ids, out := make([]string, len(rows)), make([]any, len(rows))
			for i := range rows {
				ids[i], out[i] = rows[i].ID, rows[i]
			}
			return ids, out, nil
		},
		func(ctx context.Context, ids []string) (int64, error) {
			return s.store.DeleteReports(ctx, ids, reportCutoff)
		})
	result.Reports = n
	result.Archives = append(result.Archives, keys...)
	if err != nil {
		errs = append(errs, err)
	}

	if ctx.Err() == nil {
		n, err := s.store.DeleteOrphanMemories(ctx, memoryCutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete orphan memories: %w", err))
		}
		result.Memories = n
		metrics.SweptTotal.WithLabelValues("memories").Add(float64(n))
	}

	return result, errors.Join(errs...)
}

// sweepKind repeatedly lists a batch, archives it and deletes it until a
// batch comes back empty.
func sweepKind(
	ctx context.Context,
	s *Sweeper,
	kind string,
	list func(ctx context.Context) ([]string, []any, error),
	remove func(ctx context.Context, ids []string) (int64, error),
) (int64, []string, error) {
	var total int64
	var keys []string
	for ctx.Err() == nil {
		ids, rows, err := list(ctx)
		if err != nil {
			return total, keys, fmt.Errorf("list %s: %w", kind, err)
		}
		if len(ids) == 0 {
			break
		}

		key, err := s.archiver.Archive(ctx, kind, rows)
		if err != nil {
			return total, keys, fmt.Errorf("archive %s: %w", kind, err)
		}
		if key != "" {
			keys = append(keys, key)
		}

		n, err := remove(ctx, ids)
		if err != nil {
			return total, keys, fmt.Errorf("delete %s: %w", kind, err)
		}
		total += n
		metrics.SweptTotal.WithLabelValues(kind).Add(float64(n))
		if n == 0 || len(ids) < s.opts.BatchSize {
			break
		}
	}
	return total, keys, nil
}

// Run sweeps on each tick until ctx is cancelled. The first sweep waits a
// full interval so startup is not slowed by a large purge.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("retention sweeper started",
		"component", "worker",
		"worker", "retention-sweeper",
		"interval", s.opts.Interval.String(),
		"memory_window", s.opts.MemoryWindow.String(),
		"report_window", s.opts.ReportWindow.String(),
	)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention sweeper stopped",
				"component", "worker",
				"worker", "retention-sweeper",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	result, err := s.Sweep(ctx)
	if err != nil {
		slog.Error("retention sweep failed",
			"component", "worker",
			"worker", "retention-sweeper",
			"memory_records_deleted", result.MemoryRecords,
			"reports_deleted", result.Reports,
			"error", err,
		)
		return
	}
	if result.MemoryRecords > 0 || result.Reports > 0 || result.Memories > 0 {
		slog.Info("retention sweep completed",
			"component", "worker",
			"worker", "retention-sweeper",
			"memory_records_deleted", result.MemoryRecords,
			"reports_deleted", result.Reports,
			"memories_deleted", result.Memories,
			"archives", len(result.Archives),
		)
	}
}
