// Package source talks to the external voice-agent platform API and
// normalizes its payloads into Hibiki's canonical model.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hibiki-ai/hibiki/internal/model"
)

const (
	defaultPageSize    = 100
	defaultMaxAttempts = 4
	defaultBaseBackoff = 500 * time.Millisecond
	maxBackoff         = 30 * time.Second
)

// APIError is a non-2xx response from the source platform. Transient errors
// (429 and 5xx) are retried by the client; permanent ones surface immediately.
type APIError struct {
	StatusCode int
	Body       string
	// RetryAfter is the server-requested delay from a 429, zero if absent.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("source: api status %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the request may succeed on retry.
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// ErrConversationNotFound is returned by GetConversation for a 404.
var ErrConversationNotFound = errors.New("source: conversation not found")

// RawTurn is one transcript turn as delivered by the source API.
type RawTurn struct {
	Role          string     `json:"role"`
	Content       string     `json:"content"`
	Timestamp     *time.Time `json:"timestamp"`
	SequenceIndex int        `json:"sequence_index"`
}

// RawConversation is the source API's conversation payload. Timestamps and
// summary may be absent for calls still in progress.
type RawConversation struct {
	ExternalID      string     `json:"id"`
	AgentID         string     `json:"agent_id"`
	Status          string     `json:"status"`
	StartedAt       *time.Time `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at"`
	DurationSeconds int        `json:"duration_seconds"`
	Summary         *string    `json:"summary"`
	CostUnits       int        `json:"cost_units"`
	Turns           []RawTurn  `json:"turns"`
}

// Page is one page of the source API's conversation listing. Conversations
// arrive ordered by started_at ascending so cursor resumption is stable.
type Page struct {
	Conversations []RawConversation `json:"conversations"`
	HasMore       bool              `json:"has_more"`
}

// Client fetches conversations from the source platform. It handles
// authentication, pagination, rate limits, and retry of transient failures.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	logger      *slog.Logger
	pageSize    int
	maxAttempts int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client (used by tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPageSize sets the listing page size.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithMaxAttempts caps retries per request, including the first attempt.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// NewClient creates a source API client.
func NewClient(baseURL, apiKey string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:     baseURL,
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
		pageSize:    defaultPageSize,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListConversations fetches one page of conversations for an agent, resuming
// after the given cursor position. A zero cursor starts from the beginning.
func (c *Client) ListConversations(ctx context.Context, agentID string, cursor model.SyncCursor) (*Page, error) {
	q := url.Values{}
	q.Set("agent_id", agentID)
	q.Set("limit", strconv.Itoa(c.pageSize))
	q.Set("order", "started_at_asc")
	if cursor.LastStartedAt != nil {
		q.Set("started_after", cursor.LastStartedAt.UTC().Format(time.RFC3339Nano))
	}
	if cursor.LastExternalID != nil {
		q.Set("after_id", *cursor.LastExternalID)
	}

	var page Page
	if err := c.getJSON(ctx, "/v1/conversations?"+q.Encode(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetConversation fetches a single conversation with its full transcript.
func (c *Client) GetConversation(ctx context.Context, externalID string) (*RawConversation, error) {
	var raw RawConversation
	err := c.getJSON(ctx, "/v1/conversations/"+url.PathEscape(externalID), &raw)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return &raw, nil
}

// getJSON performs a GET with retry on transient failures. Rate-limit
// responses honor the Retry-After header when present; other transient
// failures back off exponentially with jitter.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	backoff := defaultBaseBackoff
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := backoff
			var apiErr *APIError
			if errors.As(lastErr, &apiErr) && apiErr.RetryAfter > 0 {
				delay = apiErr.RetryAfter
			}
			delay += time.Duration(rand.Int64N(int64(delay) / 2)) //nolint:gosec
			c.logger.Warn("source: retrying request",
				"path", path, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			backoff = min(backoff*2, maxBackoff)
		}

		err := c.doOnce(ctx, path, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Transient() {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("source: giving up after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *Client) doOnce(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("source: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network-level failures are treated as transient.
		return &APIError{StatusCode: http.StatusServiceUnavailable, Body: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(body)}
		if resp.StatusCode == http.StatusTooManyRequests {
			apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("source: decode response: %w", err)
	}
	return nil
}

// parseRetryAfter reads a Retry-After header in either of its two forms,
// delta seconds or an HTTP date. Unparseable or elapsed values yield zero and
// the caller falls back to its own backoff.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs > 0 {
			return time.Duration(secs) * time.Second
		}
		return 0
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
