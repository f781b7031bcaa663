package backoff

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_DelayDoublesWithoutJitter(t *testing.T) {
	p := NewPolicy(100*time.Millisecond, time.Hour, 0)

	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, 800*time.Millisecond, p.Delay(3))
}

func TestPolicy_DelayIsCapped(t *testing.T) {
	p := NewPolicy(time.Second, 5*time.Second, DefaultJitterPercent)

	for retry := 0; retry < 50; retry++ {
		assert.LessOrEqual(t, p.Delay(retry), 5*time.Second, "retry %d", retry)
	}
	assert.Equal(t, 5*time.Second, NewPolicy(time.Second, 5*time.Second, 0).Delay(10))
}

func TestPolicy_JitterStaysWithinTwentyPercent(t *testing.T) {
	p := NewPolicy(time.Second, time.Hour, DefaultJitterPercent)

	for i := 0; i < 200; i++ {
		d := p.Delay(2) // nominal 4s
		require.GreaterOrEqual(t, d, 3200*time.Millisecond)
		require.LessOrEqual(t, d, 4800*time.Millisecond)
	}
}

func TestPolicy_HugeRetryCountDoesNotOverflow(t *testing.T) {
	p := NewPolicy(time.Second, time.Minute, 0)
	assert.Equal(t, time.Minute, p.Delay(10_000))
}

func TestNewPolicy_Defaults(t *testing.T) {
	p := NewPolicy(0, 0, 500)
	assert.Equal(t, DefaultBaseDelay, p.BaseDelay)
	assert.Equal(t, DefaultMaxDelay, p.MaxDelay)
	assert.Equal(t, uint64(100), p.JitterPercent)
}

func TestPolicy_DoRetriesTransientUntilBudget(t *testing.T) {
	p := NewPolicy(time.Millisecond, 2*time.Millisecond, 0)
	calls := 0
	cause := errors.New("connection reset")

	err := p.Do(context.Background(), 5, func(ctx context.Context) error {
		calls++
		return Transient(cause)
	})

	require.Error(t, err)
	assert.Equal(t, 5, calls)
	assert.ErrorIs(t, err, cause)
}

func TestPolicy_DoStopsOnSuccess(t *testing.T) {
	p := NewPolicy(time.Millisecond, time.Millisecond, 0)
	calls := 0

	err := p.Do(context.Background(), 5, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("429"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPolicy_DoDoesNotRetryPermanent(t *testing.T) {
	p := NewPolicy(time.Millisecond, time.Millisecond, 0)
	calls := 0

	err := p.Do(context.Background(), 5, func(ctx context.Context) error {
		calls++
		return Permanent(errors.New("malformed payload"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsPermanent(err))
}

func TestPolicy_DoHonoursCancellation(t *testing.T) {
	p := NewPolicy(time.Hour, time.Hour, 0)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, 5, func(ctx context.Context) error {
			calls++
			return Transient(errors.New("timeout"))
		})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestClassification(t *testing.T) {
	base := errors.New("boom")

	assert.True(t, IsTransient(fmt.Errorf("pull: %w", Transient(base))))
	assert.False(t, IsTransient(base))
	assert.False(t, IsTransient(Permanent(Transient(base))))
	assert.True(t, IsPermanent(fmt.Errorf("apply: %w", Permanent(base))))
	assert.ErrorIs(t, Transient(base), base)
	assert.NoError(t, Transient(nil))
	assert.NoError(t, Permanent(nil))
}

func TestPolicy_DoHonoursRetryAfterHint(t *testing.T) {
	p := NewPolicy(time.Millisecond, 50*time.Millisecond, 0)
	calls := 0
	start := time.Now()

	err := p.Do(context.Background(), 2, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return TransientAfter(errors.New("429"), 30*time.Millisecond)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestPolicy_DoCapsRetryAfterHint(t *testing.T) {
	p := NewPolicy(time.Millisecond, 5*time.Millisecond, 0)
	start := time.Now()
	calls := 0

	_ = p.Do(context.Background(), 2, func(ctx context.Context) error {
		calls++
		return TransientAfter(errors.New("429"), time.Hour)
	})

	assert.Equal(t, 2, calls)
	assert.Less(t, time.Since(start), time.Second)
}
