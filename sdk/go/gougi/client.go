package gougi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Gougi server (e.g. "http://localhost:8080").
	BaseURL string

	// CallerID identifies this caller for authentication and quota.
	CallerID string

	// APIKey is the secret used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used. Wait uses a separate client without
	// a timeout because the event stream is long-lived.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Gougi consensus API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL   string
	callerID  string
	client    *http.Client
	sseClient *http.Client
	tokenMgr  *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, CallerID, or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gougi: BaseURL is required")
	}
	if cfg.CallerID == "" {
		return nil, fmt.Errorf("gougi: CallerID is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gougi: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:   baseURL,
		callerID:  cfg.CallerID,
		client:    httpClient,
		sseClient: &http.Client{Transport: httpClient.Transport},
		tokenMgr:  newTokenManager(baseURL, cfg.CallerID, cfg.APIKey, httpClient),
	}, nil
}

// Submit fans the question out to the provider panel. The query is
// processed asynchronously: poll with Get or block with Wait.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitAck, error) {
	var resp SubmitAck
	if err := c.post(ctx, "/v1/queries", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Get retrieves a query with its per-provider results and, once
// completed, the consensus verdict.
func (c *Client) Get(ctx context.Context, queryID uuid.UUID) (*Query, error) {
	var resp Query
	if err := c.get(ctx, "/v1/queries/"+queryID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ask is Submit followed by Wait: it blocks until the verdict is ready
// or ctx expires.
func (c *Client) Ask(ctx context.Context, req SubmitRequest) (*Query, error) {
	ack, err := c.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.Wait(ctx, ack.QueryID)
}

// Wait blocks on the query's server-sent event stream until the terminal
// event arrives, then returns the full query. Waiting on an
// already-terminal query returns immediately. Cancellation is governed
// by ctx, not the client timeout.
func (c *Client) Wait(ctx context.Context, queryID uuid.UUID) (*Query, error) {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/queries/"+queryID.String()+"/events", nil)
	if err != nil {
		return nil, fmt.Errorf("gougi: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.sseClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gougi: event stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if _, err := readTerminalEvent(resp.Body); err != nil {
		return nil, err
	}
	return c.Get(ctx, queryID)
}

// readTerminalEvent scans SSE frames until a completed or failed event.
// Keepalive comments and unknown frames are skipped.
func readTerminalEvent(r io.Reader) (*LifecycleEvent, error) {
	scanner := bufio.NewScanner(r)
	var kind, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			kind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if kind == "completed" || kind == "failed" {
				var ev LifecycleEvent
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					return nil, fmt.Errorf("gougi: decode event: %w", err)
				}
				return &ev, nil
			}
			kind, data = "", ""
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("gougi: event stream: %w", err)
	}
	return nil, fmt.Errorf("gougi: event stream closed before terminal event")
}

// Usage reports today's quota consumption for this caller.
func (c *Client) Usage(ctx context.Context) (*Usage, error) {
	var resp Usage
	if err := c.get(ctx, "/v1/usage", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health status. This endpoint does not require
// authentication and will work even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp Health
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Limit   int    `json:"limit"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("gougi: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("gougi: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("gougi: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("gougi: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("gougi: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("gougi: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("gougi: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("gougi: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Limit = envelope.Error.Limit
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
