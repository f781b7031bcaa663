package propagation

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultWorkers      = 4
)

// Dispatcher drains the queue on a fixed interval with a bounded pool.
type Dispatcher struct {
	queue    *Queue
	interval time.Duration
	workers  int
}

// NewDispatcher creates a dispatcher. Zero values take defaults.
func NewDispatcher(queue *Queue, interval time.Duration, workers int) *Dispatcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Dispatcher{queue: queue, interval: interval, workers: workers}
}

// Run processes immediately on start, then on each tick. It blocks until
// ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("memory dispatcher started",
		"component", "worker",
		"worker", "memory-dispatcher",
		"interval", d.interval.String(),
		"workers", d.workers,
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("memory dispatcher stopped",
				"component", "worker",
				"worker", "memory-dispatcher",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			d.RunCycle(ctx)
		}
	}
}

// RunCycle recovers expired claims and then dispatches until nothing is
// eligible. It returns the number of records claimed.
func (d *Dispatcher) RunCycle(ctx context.Context) int {
	recovered, err := d.queue.RecoverExpired(ctx)
	if err != nil {
		slog.Error("expired claim recovery failed",
			"component", "worker",
			"worker", "memory-dispatcher",
			"error", err,
		)
	}

	claimed := make([]int, d.workers)
	var g errgroup.Group
	g.SetLimit(d.workers)
	for w := 0; w < d.workers; w++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				ok, err := d.queue.Dispatch(ctx)
				if err != nil {
					slog.Error("dispatch failed",
						"component", "worker",
						"worker", "memory-dispatcher",
						"error", err,
					)
					return nil
				}
				if !ok {
					return nil
				}
				claimed[w]++
			}
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, n := range claimed {
		total += n
	}

	if _, err := d.queue.Stats(ctx); err != nil && ctx.Err() == nil {
		slog.Warn("failed to refresh queue depth",
			"component", "worker",
			"worker", "memory-dispatcher",
			"error", err,
		)
	}

	if total > 0 || recovered > 0 {
		slog.Info("dispatch cycle completed",
			"component", "worker",
			"worker", "memory-dispatcher",
			"claimed", total,
			"recovered", recovered,
		)
	}
	return total
}
