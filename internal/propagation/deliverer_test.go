package propagation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/keel/internal/backoff"
	"github.com/hyperengineering/keel/internal/types"
)

func TestHTTPDeliverer_PostsMemory(t *testing.T) {
	var got deliveryRequest
	var idemKey, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/memories", r.URL.Path)
		idemKey = r.Header.Get("Idempotency-Key")
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewHTTPDeliverer(map[string]string{"beta": srv.URL + "/"}, "secret", nil)
	err := d.Deliver(context.Background(), "beta", &types.Memory{
		ID: "01HMEM", Agent: "alpha", Payload: []byte(`{"k":"v"}`),
	})

	require.NoError(t, err)
	assert.Equal(t, "01HMEM", got.MemoryID)
	assert.Equal(t, "alpha", got.SourceAgent)
	assert.JSONEq(t, `{"k":"v"}`, string(got.Payload))
	assert.Equal(t, "01HMEM", idemKey)
	assert.Equal(t, "Bearer secret", auth)
}

func TestHTTPDeliverer_ClassifiesStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"unavailable", http.StatusServiceUnavailable, true},
		{"rejected", http.StatusUnprocessableEntity, false},
		{"bad request", http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			d := NewHTTPDeliverer(map[string]string{"beta": srv.URL}, "", nil)
			err := d.Deliver(context.Background(), "beta", &types.Memory{ID: "m", Payload: []byte(`{}`)})

			require.Error(t, err)
			assert.Equal(t, tt.transient, backoff.IsTransient(err))
			assert.Equal(t, !tt.transient, backoff.IsPermanent(err))
		})
	}
}

func TestHTTPDeliverer_UnknownAgentIsPermanent(t *testing.T) {
	d := NewHTTPDeliverer(nil, "", nil)
	err := d.Deliver(context.Background(), "ghost", &types.Memory{ID: "m"})

	assert.ErrorIs(t, err, ErrUnknownAgent)
	assert.True(t, backoff.IsPermanent(err))
}

func TestHTTPDeliverer_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	d := NewHTTPDeliverer(map[string]string{"beta": url}, "", nil)
	err := d.Deliver(context.Background(), "beta", &types.Memory{ID: "m", Payload: []byte(`{}`)})

	assert.True(t, backoff.IsTransient(err))
}
