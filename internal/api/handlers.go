package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/keel/internal/scheduler"
	"github.com/hyperengineering/keel/internal/types"
	"github.com/hyperengineering/keel/internal/validation"
)

const maxListLimit = 500

// Store is the read side the API needs. Implemented by store.Store.
type Store interface {
	Ping(ctx context.Context) error
	ListReports(ctx context.Context, table string, limit int) ([]types.ConsistencyReport, error)
	PutMemory(ctx context.Context, m *types.Memory) error
}

// Queue is the memory propagation surface. Implemented by propagation.Queue.
type Queue interface {
	Enqueue(ctx context.Context, memoryID, sourceAgent, targetAgent string) (*types.MemorySyncRecord, error)
	Get(ctx context.Context, id string) (*types.MemorySyncRecord, error)
	List(ctx context.Context, status types.MemoryStatus, limit int) ([]types.MemorySyncRecord, error)
	Stats(ctx context.Context) (types.QueueStats, error)
	Retry(ctx context.Context, id string) (*types.MemorySyncRecord, error)
	Redrive(ctx context.Context, id string) (*types.MemorySyncRecord, error)
}

// Scheduler runs and reports on syncs. Implemented by scheduler.Scheduler.
type Scheduler interface {
	Trigger(ctx context.Context, sourceID string) (*types.RunResult, error)
	Status(ctx context.Context) ([]scheduler.SourceStatus, error)
	HasSource(sourceID string) bool
}

// Handler implements the API handlers
type Handler struct {
	store     Store
	queue     Queue
	scheduler Scheduler
	apiKey    string
	version   string
}

// NewHandler creates a Handler. An empty apiKey disables auth (dev mode).
func NewHandler(s Store, q Queue, sched Scheduler, apiKey, version string) *Handler {
	return &Handler{
		store:     s,
		queue:     q,
		scheduler: sched,
		apiKey:    apiKey,
		version:   version,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}

// parseLimit reads ?limit=, defaulting to def and capped at maxListLimit.
func parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

// Health handles GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		slog.Error("health check failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Database unavailable")
		return
	}
	statuses, err := h.scheduler.Status(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}

	resp := types.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Sources: len(statuses),
	}
	for _, st := range statuses {
		if st.Alerting {
			resp.Alerting++
		}
	}
	if resp.Alerting > 0 {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListCheckpoints handles GET /api/v1/checkpoints
func (h *Handler) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.scheduler.Status(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": statuses})
}

// GetCheckpoint handles GET /api/v1/checkpoints/{source}
func (h *Handler) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := SourceIDFromContext(r.Context())
	statuses, err := h.scheduler.Status(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	for _, st := range statuses {
		if st.SourceID == id {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	WriteProblem(w, r, http.StatusNotFound, "Unknown source")
}

// TriggerSync handles POST /api/v1/sync/{source}/trigger. The run happens
// inline; the response carries its result, including skipped and failed
// runs.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	id := SourceIDFromContext(r.Context())
	result, err := h.scheduler.Trigger(r.Context(), id)
	if err != nil {
		MapError(w, r, err)
		return
	}
	slog.Info("sync triggered via api",
		"component", "api",
		"source", id,
		"status", result.Status,
	)
	writeJSON(w, http.StatusOK, result)
}

// ListReports handles GET /api/v1/reports?table=&limit=
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 50)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	reports, err := h.store.ListReports(r.Context(), r.URL.Query().Get("table"), limit)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

// QueueStats handles GET /api/v1/queue/stats
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListQueue handles GET /api/v1/queue?status=&limit=
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if verr := validation.ValidateStatus("status", status); verr != nil {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", []validation.ValidationError{*verr})
		return
	}
	limit, err := parseLimit(r, 100)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}
	records, err := h.queue.List(r.Context(), types.MemoryStatus(status), limit)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// GetQueueRecord handles GET /api/v1/queue/{id}
func (h *Handler) GetQueueRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// RetryQueueRecord handles POST /api/v1/queue/{id}/retry
func (h *Handler) RetryQueueRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.queue.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// RedriveQueueRecord handles POST /api/v1/queue/{id}/redrive
func (h *Handler) RedriveQueueRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.queue.Redrive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// StoreMemory handles POST /api/v1/memories: it stores the payload and
// enqueues one delivery per target agent.
func (h *Handler) StoreMemory(w http.ResponseWriter, r *http.Request) {
	var req types.StoreMemoryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2*validation.MaxPayloadBytes)).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if errs := validation.ValidateStoreMemoryRequest(req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	m := &types.Memory{Agent: req.Agent, Payload: req.Payload}
	if err := h.store.PutMemory(r.Context(), m); err != nil {
		MapError(w, r, err)
		return
	}

	resp := types.StoreMemoryResponse{Memory: *m, Records: make([]types.MemorySyncRecord, 0, len(req.Targets))}
	for _, target := range req.Targets {
		rec, err := h.queue.Enqueue(r.Context(), m.ID, req.Agent, target)
		if err != nil {
			slog.Error("enqueue failed",
				"component", "api",
				"memory_id", m.ID,
				"target_agent", target,
				"error", err,
			)
			MapError(w, r, err)
			return
		}
		resp.Records = append(resp.Records, *rec)
	}
	writeJSON(w, http.StatusCreated, resp)
}
