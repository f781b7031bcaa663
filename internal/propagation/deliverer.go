package propagation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hyperengineering/keel/internal/backoff"
	"github.com/hyperengineering/keel/internal/types"
)

// ErrUnknownAgent is returned for a target agent with no configured URL.
// It is permanent: retrying cannot make the agent appear.
var ErrUnknownAgent = errors.New("unknown target agent")

// deliveryRequest is the body POSTed to {agent}/memories. Consumers dedupe
// on memory_id; the same id may arrive more than once.
type deliveryRequest struct {
	MemoryID    string          `json:"memory_id"`
	SourceAgent string          `json:"source_agent"`
	Payload     json.RawMessage `json:"payload"`
}

// HTTPDeliverer POSTs memories to agents over HTTP.
type HTTPDeliverer struct {
	agents     map[string]string
	httpClient *http.Client
	token      string
}

// NewHTTPDeliverer creates a deliverer for the given agent -> base URL map.
func NewHTTPDeliverer(agents map[string]string, token string, httpClient *http.Client) *HTTPDeliverer {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	urls := make(map[string]string, len(agents))
	for name, base := range agents {
		urls[name] = strings.TrimRight(strings.TrimSpace(base), "/")
	}
	return &HTTPDeliverer{agents: urls, httpClient: httpClient, token: token}
}

// Deliver sends m to targetAgent. A 2xx is an ack. 429, 5xx and transport
// failures are transient; any other status is a permanent nack.
func (d *HTTPDeliverer) Deliver(ctx context.Context, targetAgent string, m *types.Memory) error {
	base, ok := d.agents[targetAgent]
	if !ok {
		return backoff.Permanent(fmt.Errorf("%w: %s", ErrUnknownAgent, targetAgent))
	}

	body, err := json.Marshal(deliveryRequest{
		MemoryID:    m.ID,
		SourceAgent: m.Agent,
		Payload:     m.Payload,
	})
	if err != nil {
		return backoff.Permanent(fmt.Errorf("encode delivery: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/memories", bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", m.ID)
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return backoff.Transient(fmt.Errorf("post memory: %w", err))
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return backoff.Transient(fmt.Errorf("agent returned status=%d", resp.StatusCode))
	default:
		return backoff.Permanent(fmt.Errorf("agent rejected memory: status=%d message=%s",
			resp.StatusCode, strings.TrimSpace(string(msg))))
	}
}
