package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/keel/internal/propagation"
	"github.com/hyperengineering/keel/internal/scheduler"
	"github.com/hyperengineering/keel/internal/store"
	"github.com/hyperengineering/keel/internal/validation"
)

const problemBase = "https://keel.dev/errors/"

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// problemTypes maps HTTP status codes to RFC 7807 type slugs and titles.
var problemTypes = map[int]struct {
	slug  string
	title string
}{
	http.StatusBadRequest:          {"bad-request", "Bad Request"},
	http.StatusUnauthorized:        {"unauthorized", "Unauthorized"},
	http.StatusNotFound:            {"not-found", "Not Found"},
	http.StatusConflict:            {"conflict", "Conflict"},
	http.StatusUnprocessableEntity: {"validation-error", "Validation Error"},
	http.StatusInternalServerError: {"internal-error", "Internal Server Error"},
	http.StatusServiceUnavailable:  {"service-unavailable", "Service Unavailable"},
}

func newProblem(r *http.Request, status int, detail string) Problem {
	pt, ok := problemTypes[status]
	if !ok {
		pt.slug, pt.title = "unknown", http.StatusText(status)
	}
	return Problem{
		Type:     problemBase + pt.slug,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}
}

func writeProblemBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response", "component", "api", "error", err)
	}
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblemBody(w, status, newProblem(r, status, detail))
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	writeProblemBody(w, http.StatusUnprocessableEntity, ProblemWithErrors{
		Problem: newProblem(r, http.StatusUnprocessableEntity, detail),
		Errors:  errs,
	})
}

// MapError converts domain errors to Problem Details responses. Internal
// details are logged, never returned.
func MapError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
	case errors.Is(err, scheduler.ErrUnknownSource):
		WriteProblem(w, r, http.StatusNotFound, "Unknown source")
	case errors.Is(err, propagation.ErrUnknownMemory):
		WriteProblem(w, r, http.StatusNotFound, "Unknown memory")
	case errors.Is(err, store.ErrInvalidTransition):
		WriteProblem(w, r, http.StatusConflict, "Record is not in a state that allows this action")
	case errors.Is(err, propagation.ErrNotDeadLettered):
		WriteProblem(w, r, http.StatusConflict, "Only dead-lettered records can be redriven")
	case errors.Is(err, store.ErrConflict):
		WriteProblem(w, r, http.StatusConflict, "Conflicting write")
	case errors.Is(err, propagation.ErrInvalidRequest):
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
	default:
		slog.Error("request failed",
			"component", "api",
			"path", r.URL.Path,
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
