package store

import (
	"context"
	"testing"
	"time"

	"github.com/hyperengineering/keel/internal/types"
)

func TestReports_InsertAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, table := range []string{"customers", "jobs", "customers"} {
		r := &types.ConsistencyReport{
			TableName:       table,
			SourceChecksum:  "00000000000000aa",
			ReplicaChecksum: "00000000000000ab",
			SourceCount:     10,
			ReplicaCount:    10,
			ComputedAt:      baseTime.Add(time.Duration(i) * time.Minute),
			DriftDetected:   i == 2,
		}
		if err := s.InsertReport(ctx, r); err != nil {
			t.Fatalf("InsertReport() error = %v", err)
		}
		if r.ID == "" {
			t.Error("InsertReport should assign an id")
		}
	}

	customers, err := s.ListReports(ctx, "customers", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(customers) != 2 {
		t.Fatalf("len = %d, want 2", len(customers))
	}
	// Newest first
	if !customers[0].DriftDetected || !customers[0].ComputedAt.Equal(baseTime.Add(2*time.Minute)) {
		t.Errorf("first report = %+v", customers[0])
	}

	all, _ := s.ListReports(ctx, "", 0)
	if len(all) != 3 {
		t.Errorf("all reports = %d, want 3", len(all))
	}
}

func TestReports_BeforeAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := &types.ConsistencyReport{TableName: "customers", ComputedAt: baseTime.Add(-48 * time.Hour)}
	recent := &types.ConsistencyReport{TableName: "customers", ComputedAt: baseTime}
	for _, r := range []*types.ConsistencyReport{old, recent} {
		if err := s.InsertReport(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	cutoff := baseTime.Add(-24 * time.Hour)

	expired, err := s.ReportsBefore(ctx, cutoff, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != old.ID {
		t.Fatalf("ReportsBefore() = %+v", expired)
	}

	// Deleting by id never removes a report newer than the cutoff
	n, err := s.DeleteReports(ctx, []string{old.ID, recent.ID}, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	left, _ := s.ListReports(ctx, "", 10)
	if len(left) != 1 || left[0].ID != recent.ID {
		t.Errorf("remaining = %+v", left)
	}
}
