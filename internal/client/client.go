// Package client talks to the MDM server's device endpoints.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"pulsemdm/internal/mdm"
)

// Per-request timeouts.
const (
	EnrollTimeout    = 30 * time.Second
	HeartbeatTimeout = 10 * time.Second
	PollTimeout      = 10 * time.Second
	ReportTimeout    = 10 * time.Second
	HealthTimeout    = 10 * time.Second
)

// maxErrorBody bounds how much of an error response is kept for diagnostics.
const maxErrorBody = 512

// StatusError is returned when the server answers with an unexpected status code.
type StatusError struct {
	Method string
	Path   string
	Body   string
	Code   int
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: server returned status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: server returned status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Client is an HTTP/JSON client for one MDM server.
type Client struct {
	httpClient *http.Client
	baseURL    string
	// enrollCodes are the statuses treated as a successful enrollment.
	enrollCodes []int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCreatedEnrollment also accepts 201 Created from the enroll endpoint.
func WithCreatedEnrollment() Option {
	return func(c *Client) { c.enrollCodes = []int{http.StatusOK, http.StatusCreated} }
}

// New returns a client for the API rooted at baseURL (e.g. http://localhost:5005/api).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient:  &http.Client{},
		baseURL:     strings.TrimRight(baseURL, "/"),
		enrollCodes: []int{http.StatusOK},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root the client was created with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Enroll registers the device.
func (c *Client) Enroll(ctx context.Context, req mdm.EnrollRequest) error {
	ctx, cancel := context.WithTimeout(ctx, EnrollTimeout)
	defer cancel()
	return c.do(ctx, http.MethodPost, "/mdm/enroll", req, nil, c.enrollCodes...)
}

// SendHeartbeat reports liveness for deviceID.
func (c *Client) SendHeartbeat(ctx context.Context, deviceID string, hb mdm.Heartbeat) error {
	ctx, cancel := context.WithTimeout(ctx, HeartbeatTimeout)
	defer cancel()
	return c.do(ctx, http.MethodPost, "/mdm/devices/"+url.PathEscape(deviceID)+"/heartbeat", hb, nil, http.StatusOK)
}

// PendingCommands fetches the commands queued for deviceID, in server order.
func (c *Client) PendingCommands(ctx context.Context, deviceID string) ([]mdm.Command, error) {
	ctx, cancel := context.WithTimeout(ctx, PollTimeout)
	defer cancel()
	var cmds []mdm.Command
	if err := c.do(ctx, http.MethodGet, "/mdm/devices/"+url.PathEscape(deviceID)+"/commands/pending", nil, &cmds, http.StatusOK); err != nil {
		return nil, err
	}
	return cmds, nil
}

// ReportResult records the outcome of commandID.
func (c *Client) ReportResult(ctx context.Context, commandID string, result mdm.CommandResult) error {
	ctx, cancel := context.WithTimeout(ctx, ReportTimeout)
	defer cancel()
	return c.do(ctx, http.MethodPut, "/mdm/commands/"+url.PathEscape(commandID)+"/status", result, nil, http.StatusOK)
}

// Health checks the server's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, HealthTimeout)
	defer cancel()
	return c.do(ctx, http.MethodGet, "/health", nil, nil, http.StatusOK)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, okCodes ...int) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if !slices.Contains(okCodes, resp.StatusCode) {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody)) //nolint:errcheck // best-effort diagnostics
		return &StatusError{
			Method: method,
			Path:   path,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(snippet)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
