// Package connector pulls pages from an external paginated source with rate
// limiting, per-request timeouts and bounded retries of transient failures.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/hyperengineering/keel/internal/backoff"
	"github.com/hyperengineering/keel/internal/checksum"
	"github.com/hyperengineering/keel/internal/metrics"
	"github.com/hyperengineering/keel/internal/types"
)

// ErrEmptyPage is returned when the source keeps answering an empty page
// that claims more data follows.
var ErrEmptyPage = errors.New("source returned an empty page with has_more set")

const (
	DefaultBatchSize   = 100
	DefaultMaxAttempts = 5
)

// Options configures a Connector.
type Options struct {
	BatchSize      int
	MaxAttempts    int           // per request, including the first
	RequestTimeout time.Duration // per attempt, 0 = none
	RateLimit      float64       // requests per second, 0 = unlimited
	RateBurst      int
	Policy         backoff.Policy
}

// Connector wraps a Source for one configured source id.
type Connector struct {
	sourceID string
	source   Source
	limiter  *rate.Limiter
	policy   backoff.Policy
	opts     Options
}

// New creates a connector. Zero options take defaults.
func New(sourceID string, source Source, opts Options) *Connector {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	return &Connector{
		sourceID: sourceID,
		source:   source,
		limiter:  rate.NewLimiter(limit, opts.RateBurst),
		policy:   backoff.NewPolicy(opts.Policy.BaseDelay, opts.Policy.MaxDelay, opts.Policy.JitterPercent),
		opts:     opts,
	}
}

// SourceID returns the configured source id.
func (c *Connector) SourceID() string {
	return c.sourceID
}

// Pull fetches the page after cursor. Repeating a pull with the same cursor
// is safe. An empty page with has_more is retried once, then fails with
// ErrEmptyPage.
func (c *Connector) Pull(ctx context.Context, cursor types.Cursor) (types.Page, error) {
	retriedEmpty := false
	for {
		var page types.Page
		err := c.do(ctx, func(ctx context.Context) error {
			p, err := c.source.Fetch(ctx, cursor, c.opts.BatchSize)
			if err != nil {
				return err
			}
			page = p
			return nil
		})
		if err != nil {
			return types.Page{}, fmt.Errorf("pull %s at cursor %q: %w", c.sourceID, cursor, err)
		}

		if len(page.Records) > 0 || !page.HasMore {
			return page, nil
		}

		metrics.PullRequestsTotal.WithLabelValues(c.sourceID, "empty").Inc()
		if retriedEmpty {
			return types.Page{}, fmt.Errorf("pull %s at cursor %q: %w", c.sourceID, cursor, ErrEmptyPage)
		}
		retriedEmpty = true
		slog.Warn("empty page with has_more, retrying once",
			"component", "connector",
			"source", c.sourceID,
			"cursor", string(cursor),
		)
		if err := sleepContext(ctx, c.policy.Delay(0)); err != nil {
			return types.Page{}, err
		}
	}
}

// Checksum fetches the source-side aggregate for a table.
func (c *Connector) Checksum(ctx context.Context, table string) (checksum.Sum, error) {
	var sum checksum.Sum
	err := c.do(ctx, func(ctx context.Context) error {
		s, err := c.source.Checksum(ctx, table)
		if err != nil {
			return err
		}
		sum = s
		return nil
	})
	if err != nil {
		return checksum.Sum{}, fmt.Errorf("source checksum %s: %w", table, err)
	}
	return sum, nil
}

// do runs one rate-limited request with retries. An attempt that exceeds
// its own timeout counts as transient.
func (c *Connector) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.policy.Do(ctx, c.opts.MaxAttempts, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		attemptCtx := ctx
		if c.opts.RequestTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
			defer cancel()
		}

		err := fn(attemptCtx)
		switch {
		case err == nil:
			metrics.PullRequestsTotal.WithLabelValues(c.sourceID, "ok").Inc()
			return nil
		case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) && !backoff.IsTransient(err):
			err = backoff.Transient(err)
		}

		result := "permanent"
		if backoff.IsTransient(err) {
			result = "transient"
			slog.Debug("source request failed, will retry",
				"component", "connector",
				"source", c.sourceID,
				"error", err,
			)
		}
		metrics.PullRequestsTotal.WithLabelValues(c.sourceID, result).Inc()
		return err
	})
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
