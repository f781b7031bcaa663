package retention

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/keel/internal/store"
	"github.com/hyperengineering/keel/internal/types"
)

var now = time.Date(2026, 3, 30, 12, 0, 0, 0, time.UTC)

type recordingArchiver struct {
	kinds []string
	rows  int
	err   error
}

func (a *recordingArchiver) Archive(ctx context.Context, kind string, rows []any) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.kinds = append(a.kinds, kind)
	a.rows += len(rows)
	return "archive/" + kind, nil
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "keel.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// finished creates a memory sync record that reached status at the given time.
func finished(t *testing.T, s *store.Store, memoryID string, status types.MemoryStatus, at time.Time) string {
	t.Helper()
	ctx := context.Background()
	rec := &types.MemorySyncRecord{MemoryID: memoryID, SourceAgent: "alpha", TargetAgent: "beta", MaxRetries: 3}
	require.NoError(t, s.EnqueueMemorySync(ctx, rec, at))
	if status == types.StatusPending {
		return rec.ID
	}
	_, err := s.ClaimNextMemorySync(ctx, at, "w", time.Minute)
	require.NoError(t, err)
	retries := 0
	if status == types.StatusDeadLetter {
		retries = 3
	}
	_, err = s.TransitionMemorySync(ctx, store.MemoryTransition{
		ID: rec.ID, From: types.StatusInProgress, To: status, Owner: "w", RetryCount: retries, At: at,
	})
	require.NoError(t, err)
	return rec.ID
}

func report(t *testing.T, s *store.Store, at time.Time) string {
	t.Helper()
	r := &types.ConsistencyReport{TableName: "orders", ComputedAt: at}
	require.NoError(t, s.InsertReport(context.Background(), r))
	return r.ID
}

func newSweeper(s Store, a *recordingArchiver, batch int) *Sweeper {
	sw := NewSweeper(s, a, Options{
		Interval:     time.Hour,
		MemoryWindow: 7 * 24 * time.Hour,
		ReportWindow: 30 * 24 * time.Hour,
		BatchSize:    batch,
	})
	sw.now = func() time.Time { return now }
	return sw
}

func TestSweep_DeletesOnlyExpiredTerminalRecords(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	old := now.Add(-8 * 24 * time.Hour)
	recent := now.Add(-time.Hour)

	oldDone := finished(t, s, "m1", types.StatusCompleted, old)
	oldDead := finished(t, s, "m2", types.StatusDeadLetter, old)
	recentDone := finished(t, s, "m4", types.StatusCompleted, recent)
	oldPending := finished(t, s, "m3", types.StatusPending, old)

	a := &recordingArchiver{}
	res, err := newSweeper(s, a, 100).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.MemoryRecords)
	assert.Equal(t, 2, a.rows)

	for _, id := range []string{oldDone, oldDead} {
		_, err := s.GetMemorySync(ctx, id)
		assert.ErrorIs(t, err, store.ErrNotFound, id)
	}
	for _, id := range []string{oldPending, recentDone} {
		_, err := s.GetMemorySync(ctx, id)
		assert.NoError(t, err, id)
	}
}

func TestSweep_ReportsUseTheirOwnWindow(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	expired := report(t, s, now.Add(-31*24*time.Hour))
	kept := report(t, s, now.Add(-10*24*time.Hour)) // past the memory window only

	res, err := newSweeper(s, &recordingArchiver{}, 100).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Reports)

	reports, err := s.ListReports(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, kept, reports[0].ID)
	assert.NotEqual(t, expired, reports[0].ID)
}

func TestSweep_WorksInBatches(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	old := now.Add(-8 * 24 * time.Hour)
	for i := 0; i < 5; i++ {
		finished(t, s, "m"+string(rune('a'+i)), types.StatusCompleted, old)
	}

	a := &recordingArchiver{}
	res, err := newSweeper(s, a, 2).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.MemoryRecords)
	assert.Equal(t, []string{"memory_sync", "memory_sync", "memory_sync"}, a.kinds)
	assert.Len(t, res.Archives, 3)
}

func TestSweep_ArchiveFailureSkipsDeletion(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id := finished(t, s, "m1", types.StatusCompleted, now.Add(-8*24*time.Hour))
	report(t, s, now.Add(-31*24*time.Hour))

	res, err := newSweeper(s, &recordingArchiver{err: errors.New("bucket gone")}, 100).Sweep(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket gone")
	assert.Zero(t, res.MemoryRecords)
	assert.Zero(t, res.Reports)

	_, err = s.GetMemorySync(ctx, id)
	assert.NoError(t, err, "row stays for the next cycle")
}

func TestSweep_DeletesOrphanMemories(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	old := now.Add(-8 * 24 * time.Hour)

	orphan := &types.Memory{Agent: "alpha", Payload: []byte(`{}`), CreatedAt: old}
	referenced := &types.Memory{Agent: "alpha", Payload: []byte(`{}`), CreatedAt: old}
	require.NoError(t, s.PutMemory(ctx, orphan))
	require.NoError(t, s.PutMemory(ctx, referenced))
	finished(t, s, referenced.ID, types.StatusPending, old)

	res, err := newSweeper(s, &recordingArchiver{}, 100).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Memories)

	_, err = s.GetMemory(ctx, orphan.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetMemory(ctx, referenced.ID)
	assert.NoError(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	sw := newSweeper(newStore(t), &recordingArchiver{}, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
