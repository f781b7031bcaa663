package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// sourceIDContextKey is the context key for the resolved source id.
type sourceIDContextKey struct{}

// WithSourceID returns a new context with the source id attached.
func WithSourceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sourceIDContextKey{}, id)
}

// SourceIDFromContext extracts the source id. Returns "" if absent.
func SourceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sourceIDContextKey{}).(string)
	return id
}

// SourceMiddleware resolves {source} from the route and rejects sources
// the scheduler does not know with 404.
func SourceMiddleware(known func(id string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "source")
			if id == "" || !known(id) {
				WriteProblem(w, r, http.StatusNotFound, "Unknown source")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSourceID(r.Context(), id)))
		})
	}
}
