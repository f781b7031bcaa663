package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hyperengineering/keel/internal/types"
)

func enqueue(t *testing.T, s *Store, memoryID, target string, at time.Time) *types.MemorySyncRecord {
	t.Helper()
	r := &types.MemorySyncRecord{MemoryID: memoryID, SourceAgent: "planner", TargetAgent: target}
	if err := s.EnqueueMemorySync(context.Background(), r, at); err != nil {
		t.Fatalf("EnqueueMemorySync() error = %v", err)
	}
	return r
}

func TestEnqueueMemorySync_Defaults(t *testing.T) {
	s := newTestStore(t)
	r := enqueue(t, s, "m-1", "scribe", baseTime)

	got, err := s.GetMemorySync(context.Background(), r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.StatusPending || got.RetryCount != 0 || got.MaxRetries != types.DefaultMaxRetries {
		t.Errorf("record = %+v", got)
	}
	if _, err := s.GetMemorySync(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing record error = %v", err)
	}
}

func TestClaimNextMemorySync_OldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	second := enqueue(t, s, "m-2", "scribe", baseTime.Add(time.Second))
	first := enqueue(t, s, "m-1", "scribe", baseTime)

	claimed, err := s.ClaimNextMemorySync(ctx, baseTime.Add(time.Minute), "w1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextMemorySync() error = %v", err)
	}
	if claimed.ID != first.ID || claimed.Status != types.StatusInProgress || claimed.LeaseOwner != "w1" {
		t.Errorf("claimed = %+v", claimed)
	}

	next, err := s.ClaimNextMemorySync(ctx, baseTime.Add(time.Minute), "w2", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if next.ID != second.ID {
		t.Errorf("second claim = %s, want %s", next.ID, second.ID)
	}

	if _, err := s.ClaimNextMemorySync(ctx, baseTime.Add(time.Minute), "w3", time.Minute); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty queue error = %v, want ErrNotFound", err)
	}
}

func TestClaimNextMemorySync_OneInFlightPerMemory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Given: The same memory queued for two targets
	enqueue(t, s, "m-1", "scribe", baseTime)
	enqueue(t, s, "m-1", "critic", baseTime.Add(time.Second))

	// When: One record is claimed
	if _, err := s.ClaimNextMemorySync(ctx, baseTime, "w1", time.Minute); err != nil {
		t.Fatal(err)
	}

	// Then: The sibling is not claimable while the first is in flight
	if _, err := s.ClaimNextMemorySync(ctx, baseTime, "w2", time.Minute); !errors.Is(err, ErrNotFound) {
		t.Errorf("sibling claim error = %v, want ErrNotFound", err)
	}
}

func TestClaimNextMemorySync_FailedWaitsForBackoff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := enqueue(t, s, "m-1", "scribe", baseTime)

	claimed, _ := s.ClaimNextMemorySync(ctx, baseTime, "w1", time.Minute)
	next := baseTime.Add(10 * time.Second)
	if _, err := s.TransitionMemorySync(ctx, MemoryTransition{
		ID: r.ID, From: types.StatusInProgress, To: types.StatusFailed, Owner: "w1",
		RetryCount: claimed.RetryCount + 1, ErrorMessage: "503", NextAttemptAt: &next, At: baseTime,
	}); err != nil {
		t.Fatalf("TransitionMemorySync() error = %v", err)
	}

	if _, err := s.ClaimNextMemorySync(ctx, baseTime.Add(5*time.Second), "w1", time.Minute); !errors.Is(err, ErrNotFound) {
		t.Errorf("claim before backoff elapsed = %v, want ErrNotFound", err)
	}
	again, err := s.ClaimNextMemorySync(ctx, next, "w1", time.Minute)
	if err != nil {
		t.Fatalf("claim after backoff error = %v", err)
	}
	if again.RetryCount != 1 || again.ErrorMessage != "503" {
		t.Errorf("reclaimed = %+v", again)
	}
}

func TestTransitionMemorySync_RejectsInvalidEdges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := enqueue(t, s, "m-1", "scribe", baseTime)

	tests := []struct {
		name string
		tr   MemoryTransition
	}{
		{"pending to completed", MemoryTransition{ID: r.ID, From: types.StatusPending, To: types.StatusCompleted, At: baseTime}},
		{"claim via transition", MemoryTransition{ID: r.ID, From: types.StatusPending, To: types.StatusInProgress, At: baseTime}},
		{"stale from", MemoryTransition{ID: r.ID, From: types.StatusInProgress, To: types.StatusCompleted, Owner: "w1", At: baseTime}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.TransitionMemorySync(ctx, tt.tr); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("error = %v, want ErrInvalidTransition", err)
			}
		})
	}

	if _, err := s.TransitionMemorySync(ctx, MemoryTransition{ID: "missing", From: types.StatusInProgress, To: types.StatusCompleted}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing record error = %v", err)
	}
}

func TestTransitionMemorySync_OwnerMustMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := enqueue(t, s, "m-1", "scribe", baseTime)
	if _, err := s.ClaimNextMemorySync(ctx, baseTime, "w1", time.Minute); err != nil {
		t.Fatal(err)
	}

	_, err := s.TransitionMemorySync(ctx, MemoryTransition{
		ID: r.ID, From: types.StatusInProgress, To: types.StatusCompleted, Owner: "w2", At: baseTime,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("foreign owner error = %v, want ErrInvalidTransition", err)
	}
}

func TestTransitionMemorySync_TerminalIsFinal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := enqueue(t, s, "m-1", "scribe", baseTime)
	if _, err := s.ClaimNextMemorySync(ctx, baseTime, "w1", time.Minute); err != nil {
		t.Fatal(err)
	}
	done, err := s.TransitionMemorySync(ctx, MemoryTransition{
		ID: r.ID, From: types.StatusInProgress, To: types.StatusCompleted, Owner: "w1", At: baseTime,
	})
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != types.StatusCompleted || done.LeaseOwner != "" || done.LeaseExpiresAt != nil {
		t.Errorf("completed = %+v", done)
	}

	for _, to := range []types.MemoryStatus{types.StatusFailed, types.StatusDeadLetter, types.StatusPending} {
		if _, err := s.TransitionMemorySync(ctx, MemoryTransition{ID: r.ID, From: types.StatusCompleted, To: to, At: baseTime}); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("completed -> %s error = %v", to, err)
		}
	}
	if _, err := s.ClaimNextMemorySync(ctx, baseTime.Add(time.Hour), "w1", time.Minute); !errors.Is(err, ErrNotFound) {
		t.Errorf("completed record must not be claimable: %v", err)
	}
}

func TestMemorySync_FailedAtBudgetRejectedBySchema(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := enqueue(t, s, "m-1", "scribe", baseTime)
	if _, err := s.ClaimNextMemorySync(ctx, baseTime, "w1", time.Minute); err != nil {
		t.Fatal(err)
	}

	// A failed record may never hold retry_count == max_retries
	_, err := s.TransitionMemorySync(ctx, MemoryTransition{
		ID: r.ID, From: types.StatusInProgress, To: types.StatusFailed, Owner: "w1",
		RetryCount: types.DefaultMaxRetries, At: baseTime,
	})
	if err == nil {
		t.Fatal("expected check constraint to reject failed at budget")
	}
}

func TestExpiredClaimsAndMakeEligible(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := enqueue(t, s, "m-1", "scribe", baseTime)
	if _, err := s.ClaimNextMemorySync(ctx, baseTime, "crashed", time.Minute); err != nil {
		t.Fatal(err)
	}

	if got, _ := s.ExpiredClaims(ctx, baseTime.Add(30*time.Second), 10); len(got) != 0 {
		t.Errorf("claim not yet expired, got %d", len(got))
	}
	expired, err := s.ExpiredClaims(ctx, baseTime.Add(2*time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != r.ID {
		t.Fatalf("ExpiredClaims() = %+v", expired)
	}

	// Park the record as a permanent failure, then make it eligible
	if _, err := s.TransitionMemorySync(ctx, MemoryTransition{
		ID: r.ID, From: types.StatusInProgress, To: types.StatusFailed, Owner: "crashed",
		RetryCount: 1, ErrorMessage: "unknown agent", At: baseTime.Add(2 * time.Minute),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNextMemorySync(ctx, baseTime.Add(time.Hour), "w1", time.Minute); !errors.Is(err, ErrNotFound) {
		t.Errorf("parked record must not be claimable: %v", err)
	}
	eligible, err := s.MakeEligible(ctx, r.ID, baseTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("MakeEligible() error = %v", err)
	}
	if eligible.NextAttemptAt == nil {
		t.Error("NextAttemptAt should be set")
	}
	if _, err := s.ClaimNextMemorySync(ctx, baseTime.Add(time.Hour), "w1", time.Minute); err != nil {
		t.Errorf("claim after MakeEligible error = %v", err)
	}

	pending := enqueue(t, s, "m-2", "scribe", baseTime)
	if _, err := s.MakeEligible(ctx, pending.ID, baseTime); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MakeEligible(pending) error = %v", err)
	}
}

func TestCountMemorySyncByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	enqueue(t, s, "m-1", "scribe", baseTime)
	enqueue(t, s, "m-2", "scribe", baseTime)
	if _, err := s.ClaimNextMemorySync(ctx, baseTime, "w1", time.Minute); err != nil {
		t.Fatal(err)
	}

	counts, err := s.CountMemorySyncByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[types.StatusPending] != 1 || counts[types.StatusInProgress] != 1 || counts[types.StatusDeadLetter] != 0 {
		t.Errorf("counts = %v", counts)
	}
	if len(counts) != len(types.AllStatuses) {
		t.Errorf("counts should include every status, got %v", counts)
	}
}

func TestTerminalMemorySyncBeforeAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	done := enqueue(t, s, "m-1", "scribe", baseTime)
	live := enqueue(t, s, "m-2", "scribe", baseTime)
	s.ClaimNextMemorySync(ctx, baseTime, "w1", time.Minute)
	if _, err := s.TransitionMemorySync(ctx, MemoryTransition{
		ID: done.ID, From: types.StatusInProgress, To: types.StatusCompleted, Owner: "w1", At: baseTime,
	}); err != nil {
		t.Fatal(err)
	}
	cutoff := baseTime.Add(time.Hour)

	terminal, err := s.TerminalMemorySyncBefore(ctx, cutoff, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(terminal) != 1 || terminal[0].ID != done.ID {
		t.Fatalf("TerminalMemorySyncBefore() = %+v", terminal)
	}

	// Non-terminal ids are never deleted even when passed in
	n, err := s.DeleteMemorySync(ctx, []string{done.ID, live.ID}, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	if _, err := s.GetMemorySync(ctx, live.ID); err != nil {
		t.Errorf("pending record should survive: %v", err)
	}
}

func TestMemories_PutGetAndOrphans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &types.Memory{Agent: "planner", Payload: json.RawMessage(`{"fact":"x"}`), CreatedAt: baseTime}
	if err := s.PutMemory(ctx, m); err != nil {
		t.Fatalf("PutMemory() error = %v", err)
	}
	got, err := s.GetMemory(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Payload) != `{"fact":"x"}` || got.Agent != "planner" {
		t.Errorf("memory = %+v", got)
	}
	if err := s.PutMemory(ctx, &types.Memory{ID: m.ID, Agent: "planner", Payload: json.RawMessage(`{}`)}); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate PutMemory error = %v, want ErrConflict", err)
	}

	// Referenced memories survive; orphans older than cutoff go
	referenced := &types.Memory{Agent: "planner", Payload: json.RawMessage(`{}`), CreatedAt: baseTime}
	s.PutMemory(ctx, referenced)
	enqueue(t, s, referenced.ID, "scribe", baseTime)

	n, err := s.DeleteOrphanMemories(ctx, baseTime.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("orphans deleted = %d, want 1", n)
	}
	if _, err := s.GetMemory(ctx, referenced.ID); err != nil {
		t.Errorf("referenced memory deleted: %v", err)
	}
}
