// Package backend is the client for the task-management REST backend.
//
// It speaks the two conversation endpoints, POST /api/process_update and
// POST /api/chat, attaching the bearer token supplied by an auth.TokenSource.
// A 401 invalidates the token and surfaces as ErrAuthExpired; every other
// failure is a *TransportError.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/TaskPipe/internal/auth"
)

// Endpoint paths.
const (
	ProcessUpdatePath = "/api/process_update"
	ChatPath          = "/api/chat"
)

// Operation names used in errors, logs and metrics.
const (
	OpProcessUpdate = "process_update"
	OpChat          = "chat"
	OpFinalResults  = "final_results"
)

// DefaultTimeout bounds a single backend request.
const DefaultTimeout = 60 * time.Second

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 4 << 20

// API is the backend contract used by the conversation controller.
type API interface {
	ProcessUpdate(ctx context.Context, text, userID string) (*ProcessUpdateResponse, error)
	Chat(ctx context.Context, message, userID string) (*ChatResponse, error)
	FinalResults(ctx context.Context, userID string) (*ChatResponse, error)
}

// Observer receives one call per completed request.
type Observer func(op string, statusCode int, elapsed time.Duration, err error)

// Client is an HTTP implementation of API.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	tokens    auth.TokenSource
	userAgent string
	observer  Observer
}

// Compile-time check that Client implements API.
var _ API = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithObserver registers a request observer, used for metrics.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observer = o
	}
}

// NewClient creates a Client for the backend at baseURL.
func NewClient(baseURL string, tokens auth.TokenSource, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend URL %q: scheme must be http or https", baseURL)
	}
	if tokens == nil {
		return nil, errors.New("token source is required")
	}
	c := &Client{
		baseURL:   u,
		http:      &http.Client{Timeout: DefaultTimeout},
		tokens:    tokens,
		userAgent: "TaskPipe",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ProcessUpdate submits a raw status update.
func (c *Client) ProcessUpdate(ctx context.Context, text, userID string) (*ProcessUpdateResponse, error) {
	var resp ProcessUpdateResponse
	if err := c.post(ctx, OpProcessUpdate, ProcessUpdatePath, ProcessUpdateRequest{Text: text, UserID: userID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Chat sends one clarification reply.
func (c *Client) Chat(ctx context.Context, message, userID string) (*ChatResponse, error) {
	var resp ChatResponse
	if err := c.post(ctx, OpChat, ChatPath, ChatRequest{Message: message, UserID: userID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FinalResults asks for the terminal payload of a completed conversation.
func (c *Client) FinalResults(ctx context.Context, userID string) (*ChatResponse, error) {
	var resp ChatResponse
	if err := c.post(ctx, OpFinalResults, ChatPath, ChatRequest{Message: FinalResultsMessage, UserID: userID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, op, path string, body, out interface{}) (err error) {
	start := time.Now()
	status := 0
	defer func() {
		if c.observer != nil {
			c.observer(op, status, time.Since(start), err)
		}
	}()

	token, err := c.tokens.Token(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrAuthExpired) {
			return err
		}
		return &TransportError{Op: op, Err: err}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("failed to encode request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.String()+path, bytes.NewReader(payload))
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", requestID)

	slog.Debug("Client.post: sending request", "op", op, "path", path, "request_id", requestID, "body_len", len(payload))
	resp, err := c.http.Do(req)
	if err != nil {
		slog.Warn("Client.post: request failed", "op", op, "request_id", requestID, "error", err)
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &TransportError{Op: op, StatusCode: status, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if status == http.StatusUnauthorized {
		slog.Warn("Client.post: backend rejected token", "op", op, "request_id", requestID)
		if ierr := c.tokens.Invalidate(ctx); ierr != nil {
			slog.Error("Client.post: failed to invalidate token", "error", ierr)
		}
		return fmt.Errorf("%s: %w", op, ErrAuthExpired)
	}
	if status < 200 || status > 299 {
		return &TransportError{Op: op, StatusCode: status, Err: fmt.Errorf("%s", snippet(data))}
	}
	if err := decodeJSON(data, out); err != nil {
		return &TransportError{Op: op, StatusCode: status, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	slog.Debug("Client.post: response received", "op", op, "request_id", requestID, "status", status, "body_len", len(data))
	return nil
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if s == "" {
		return "empty body"
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
