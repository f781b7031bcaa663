package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/keel/internal/backoff"
	"github.com/hyperengineering/keel/internal/checksum"
	"github.com/hyperengineering/keel/internal/types"
)

// Source is the external paginated system of record. Fetch must be safe to
// repeat with the same cursor.
type Source interface {
	Fetch(ctx context.Context, cursor types.Cursor, limit int) (types.Page, error)
	Checksum(ctx context.Context, table string) (checksum.Sum, error)
}

// HTTPSourceOptions configures an HTTPSource.
type HTTPSourceOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	UserAgent  string
}

// HTTPSource reads pages from GET {base}/records?cursor=&limit= and
// aggregates from GET {base}/checksum?table=.
type HTTPSource struct {
	baseURL    string
	token      string
	httpClient *http.Client
	userAgent  string
}

// NewHTTPSource creates an HTTP-backed source.
func NewHTTPSource(opts HTTPSourceOptions) *HTTPSource {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "keel-connector"
	}
	return &HTTPSource{
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		userAgent:  userAgent,
	}
}

type pageResponse struct {
	Records []struct {
		NaturalKey      string          `json:"natural_key"`
		Payload         json.RawMessage `json:"payload"`
		SourceUpdatedAt time.Time       `json:"source_updated_at"`
	} `json:"records"`
	NextCursor string `json:"next_cursor"`
	HasMore    bool   `json:"has_more"`
}

// Fetch requests one page.
func (s *HTTPSource) Fetch(ctx context.Context, cursor types.Cursor, limit int) (types.Page, error) {
	q := url.Values{}
	q.Set("cursor", string(cursor))
	q.Set("limit", strconv.Itoa(limit))

	var body pageResponse
	if err := s.getJSON(ctx, "/records?"+q.Encode(), &body); err != nil {
		return types.Page{}, err
	}

	page := types.Page{
		Records:    make([]types.ExternalRecord, 0, len(body.Records)),
		NextCursor: types.Cursor(body.NextCursor),
		HasMore:    body.HasMore,
	}
	for i, r := range body.Records {
		if r.NaturalKey == "" {
			return types.Page{}, backoff.Permanent(fmt.Errorf("record %d: missing natural_key", i))
		}
		if r.SourceUpdatedAt.IsZero() {
			return types.Page{}, backoff.Permanent(fmt.Errorf("record %q: missing source_updated_at", r.NaturalKey))
		}
		page.Records = append(page.Records, types.ExternalRecord{
			NaturalKey:      r.NaturalKey,
			Payload:         r.Payload,
			SourceUpdatedAt: r.SourceUpdatedAt,
		})
	}
	return page, nil
}

// Checksum requests the source-side count and aggregate hash.
func (s *HTTPSource) Checksum(ctx context.Context, table string) (checksum.Sum, error) {
	var sum checksum.Sum
	if err := s.getJSON(ctx, "/checksum?table="+url.QueryEscape(table), &sum); err != nil {
		return checksum.Sum{}, err
	}
	return sum, nil
}

// getJSON performs one GET and classifies failures: network errors,
// timeouts, 429 and 5xx are transient, other statuses and undecodable
// bodies are permanent.
func (s *HTTPSource) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if isNetworkError(err) {
			return backoff.Transient(fmt.Errorf("request %s: %w", path, err))
		}
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return backoff.Transient(fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return backoff.TransientAfter(
			fmt.Errorf("source returned status=%d", resp.StatusCode),
			parseRetryAfterSeconds(resp.Header.Get("Retry-After")),
		)
	default:
		return backoff.Permanent(fmt.Errorf("source returned status=%d message=%s",
			resp.StatusCode, strings.TrimSpace(string(respBody))))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// isNetworkError reports transport failures worth retrying. Cancellation
// of the caller's context is not one of them.
func isNetworkError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
