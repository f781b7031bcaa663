package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/keel/internal/checksum"
	"github.com/hyperengineering/keel/internal/scheduler"
	"github.com/hyperengineering/keel/internal/store"
	"github.com/hyperengineering/keel/internal/types"
)

var sourceUpdatedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type sourceRecord struct {
	NaturalKey      string          `json:"natural_key"`
	Payload         json.RawMessage `json:"payload"`
	SourceUpdatedAt time.Time       `json:"source_updated_at"`
}

// newSourceServer serves two pages (c1, c2) and a matching checksum.
func newSourceServer(t *testing.T) *httptest.Server {
	t.Helper()
	pages := map[string]struct {
		records []sourceRecord
		next    string
		more    bool
	}{
		"": {records: []sourceRecord{
			{NaturalKey: "cust-1", Payload: json.RawMessage(`{"name":"Ada"}`), SourceUpdatedAt: sourceUpdatedAt},
			{NaturalKey: "cust-2", Payload: json.RawMessage(`{"name":"Grace"}`), SourceUpdatedAt: sourceUpdatedAt},
		}, next: "c1", more: true},
		"c1": {records: []sourceRecord{
			{NaturalKey: "cust-3", Payload: json.RawMessage(`{"name":"Edsger"}`), SourceUpdatedAt: sourceUpdatedAt},
		}, next: "c2"},
		"c2": {next: "c2"},
	}

	var sum checksum.Sum
	for _, p := range pages {
		for _, r := range p.records {
			sum.Add(r.NaturalKey, r.SourceUpdatedAt)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/records", func(w http.ResponseWriter, r *http.Request) {
		p, ok := pages[r.URL.Query().Get("cursor")]
		if !ok {
			http.Error(w, "unknown cursor", http.StatusBadRequest)
			return
		}
		records := p.records
		if records == nil {
			records = []sourceRecord{}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"records":     records,
			"next_cursor": p.next,
			"has_more":    p.more,
		})
	})
	mux.HandleFunc("/checksum", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sum)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type cliEnv struct {
	configPath string
	dbPath     string
	delivered  *atomic.Int32
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	t.Setenv("KEEL_DEV_MODE", "true")
	t.Setenv("KEEL_CONFIG_PATH", "")
	t.Setenv("KEEL_DB_PATH", "")

	source := newSourceServer(t)

	delivered := &atomic.Int32{}
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/memories" {
			http.NotFound(w, r)
			return
		}
		delivered.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(agent.Close)

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "keel.db")
	cfg := fmt.Sprintf(`
database:
  path: %s
log:
  level: error
backoff:
  base_delay: 1ms
  max_delay: 5ms
  jitter_percent: 0
sync:
  batch_size: 2
  max_retries_pull: 2
  sources:
    - id: crm
      base_url: %s
      table: customers
propagation:
  max_retries_delivery: 2
  agents:
    executor: %s
`, dbPath, source.URL, agent.URL)

	configPath := filepath.Join(dir, "keel.yaml")
	if err := os.WriteFile(configPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return &cliEnv{configPath: configPath, dbPath: dbPath, delivered: delivered}
}

// execute runs a keel subcommand with captured output against the env config.
func (e *cliEnv) execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	// Cobra parses into package-level variables; stale values would leak
	// between tests otherwise.
	configPath = ""
	jsonOutput = false
	queueStatus = ""
	queueLimit = 100

	oldDefault := slog.Default()
	defer slog.SetDefault(oldDefault)

	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)
	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(errBuf)
	rootCmd.SetArgs(append(args, "--config", e.configPath))

	err = rootCmd.Execute()

	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetArgs(nil)

	return outBuf.String(), errBuf.String(), err
}

// putMemory stores a memory directly so the queue commands have something
// to work on.
func (e *cliEnv) putMemory(t *testing.T) string {
	t.Helper()
	st, err := store.Open(store.Options{Path: e.dbPath})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer st.Close()
	m := &types.Memory{Agent: "planner", Payload: json.RawMessage(`{"fact":"tides"}`)}
	if err := st.PutMemory(context.Background(), m); err != nil {
		t.Fatalf("PutMemory() error = %v", err)
	}
	return m.ID
}

func TestSyncTrigger_ReplicatesAllPages(t *testing.T) {
	// Given: A source with two pages
	e := newCLIEnv(t)

	// When: A sync is triggered from the CLI
	out, _, err := e.execute(t, "sync", "trigger", "crm")

	// Then: Both pages are applied and the checksums agree
	if err != nil {
		t.Fatalf("sync trigger error = %v\n%s", err, out)
	}
	for _, want := range []string{
		"Status:    completed",
		"Pages:     2",
		"Applied:   3 inserted, 0 updated, 0 unchanged",
		"Cursor:    c2",
		"Drift:     none",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSyncTrigger_SecondRunIsIdempotent(t *testing.T) {
	e := newCLIEnv(t)
	if _, _, err := e.execute(t, "sync", "trigger", "crm"); err != nil {
		t.Fatal(err)
	}

	out, _, err := e.execute(t, "sync", "trigger", "crm", "--json")
	if err != nil {
		t.Fatalf("second trigger error = %v", err)
	}
	var res types.RunResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	// The checkpoint resumes at c2, so nothing new is read.
	if res.Status != types.RunCompleted || res.Applied.Inserted != 0 || res.Cursor != "c2" {
		t.Errorf("result = %+v", res)
	}
	if res.Report == nil || res.Report.DriftDetected {
		t.Errorf("report = %+v, want no drift", res.Report)
	}
}

func TestSyncTrigger_UnknownSource(t *testing.T) {
	e := newCLIEnv(t)
	_, _, err := e.execute(t, "sync", "trigger", "nope")
	if !errors.Is(err, scheduler.ErrUnknownSource) {
		t.Errorf("error = %v, want ErrUnknownSource", err)
	}
}

func TestSyncAll(t *testing.T) {
	e := newCLIEnv(t)
	out, _, err := e.execute(t, "sync", "all")
	if err != nil {
		t.Fatalf("sync all error = %v", err)
	}
	if !strings.Contains(out, "crm") || !strings.Contains(out, "completed") {
		t.Errorf("output = %q", out)
	}
}

func TestStatus_ShowsCheckpointAfterSync(t *testing.T) {
	e := newCLIEnv(t)

	out, _, err := e.execute(t, "status")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "crm") || !strings.Contains(out, "Queue: 0 total") {
		t.Errorf("before sync: %q", out)
	}

	if _, _, err := e.execute(t, "sync", "trigger", "crm"); err != nil {
		t.Fatal(err)
	}
	out, _, err = e.execute(t, "status")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "c2") || !strings.Contains(out, "ok") {
		t.Errorf("after sync: %q", out)
	}
}

func TestQueue_EnqueueAndDispatch(t *testing.T) {
	// Given: A stored memory queued for the executor agent
	e := newCLIEnv(t)
	memoryID := e.putMemory(t)

	out, _, err := e.execute(t, "queue", "enqueue", memoryID, "planner", "executor")
	if err != nil {
		t.Fatalf("enqueue error = %v", err)
	}
	if !strings.Contains(out, "Enqueued") || !strings.Contains(out, "pending") {
		t.Errorf("enqueue output = %q", out)
	}

	// When: One dispatch cycle runs
	out, _, err = e.execute(t, "queue", "dispatch")
	if err != nil {
		t.Fatalf("dispatch error = %v", err)
	}

	// Then: The agent received it and the record completed
	if !strings.Contains(out, "Dispatched 1 record(s).") {
		t.Errorf("dispatch output = %q", out)
	}
	if got := e.delivered.Load(); got != 1 {
		t.Errorf("delivered = %d, want 1", got)
	}

	out, _, err = e.execute(t, "queue", "stats", "--json")
	if err != nil {
		t.Fatal(err)
	}
	var stats types.QueueStats
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if stats.Counts[types.StatusCompleted] != 1 || stats.Total != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestQueue_UnknownAgentParksRecord(t *testing.T) {
	e := newCLIEnv(t)
	memoryID := e.putMemory(t)

	if _, _, err := e.execute(t, "queue", "enqueue", memoryID, "planner", "nobody"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.execute(t, "queue", "dispatch"); err != nil {
		t.Fatal(err)
	}

	out, _, err := e.execute(t, "queue", "list", "--status", "failed")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "nobody") || !strings.Contains(out, "unknown target agent") {
		t.Errorf("list output = %q", out)
	}
}

func TestQueue_EnqueueUnknownMemory(t *testing.T) {
	e := newCLIEnv(t)
	if _, _, err := e.execute(t, "queue", "enqueue", "01ARZ3NDEKTSV4RRFFQ69G5FAV", "planner", "executor"); err == nil {
		t.Error("expected error for unknown memory")
	}
}

func TestQueueList_RejectsUnknownStatus(t *testing.T) {
	e := newCLIEnv(t)
	if _, _, err := e.execute(t, "queue", "list", "--status", "bogus"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestQueueList_Empty(t *testing.T) {
	e := newCLIEnv(t)
	out, _, err := e.execute(t, "queue", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No records found.") {
		t.Errorf("output = %q", out)
	}
}

func TestQueueRedrive_RejectsPending(t *testing.T) {
	e := newCLIEnv(t)
	memoryID := e.putMemory(t)

	out, _, err := e.execute(t, "queue", "enqueue", memoryID, "planner", "executor", "--json")
	if err != nil {
		t.Fatal(err)
	}
	var rec types.MemorySyncRecord
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}

	if _, _, err := e.execute(t, "queue", "redrive", rec.ID); err == nil {
		t.Error("expected redrive of a pending record to fail")
	}
}

func TestSweep_EmptyStore(t *testing.T) {
	e := newCLIEnv(t)
	out, _, err := e.execute(t, "sweep")
	if err != nil {
		t.Fatalf("sweep error = %v", err)
	}
	if !strings.Contains(out, "Memory records removed:  0") {
		t.Errorf("output = %q", out)
	}
}

func TestConfigFlag_MissingFile(t *testing.T) {
	e := newCLIEnv(t)
	e.configPath = filepath.Join(t.TempDir(), "missing.yaml")
	if _, _, err := e.execute(t, "status"); err == nil {
		t.Error("expected error for missing config file")
	}
}
