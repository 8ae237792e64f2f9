// Package client talks to the admin update API of a running server.
package client

import (
	"bytes"
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

	"projectshelf/internal/database"
	"projectshelf/internal/progress"
	"projectshelf/internal/systemcheck"
	"projectshelf/internal/update"
	"projectshelf/internal/version"
)

// SessionCookieName is the cookie set by the admin login endpoint.
const SessionCookieName = "projectshelf-session"

// ErrUnauthorized is returned on 401 from the admin guard.
var ErrUnauthorized = errors.New("admin access required")

// StatusError is a non-2xx response the client did not map to a sentinel.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

// IsTransient reports whether err is the kind of failure expected while the
// server restarts: a network error or a 502, 503 or 504 from a proxy.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// TriggerRequest is the body of an update trigger.
type TriggerRequest struct {
	Method string `json:"method,omitempty"`
	Wait   bool   `json:"wait,omitempty"`
}

// TriggerResponse is the reply to an update trigger.
type TriggerResponse struct {
	Success       bool   `json:"success" yaml:"success"`
	RunID         string `json:"runId,omitempty" yaml:"runId,omitempty"`
	Stage         string `json:"stage,omitempty" yaml:"stage,omitempty"`
	Method        string `json:"method,omitempty" yaml:"method,omitempty"`
	TargetVersion string `json:"targetVersion,omitempty" yaml:"targetVersion,omitempty"`
	Outcome       string `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	Message       string `json:"message,omitempty" yaml:"message,omitempty"`
	Error         string `json:"error,omitempty" yaml:"error,omitempty"`
}

// ProgressResponse is the reply of the progress endpoint.
type ProgressResponse struct {
	UpdateInProgress bool                     `json:"updateInProgress" yaml:"updateInProgress"`
	Progress         *progress.UpdateProgress `json:"progress" yaml:"progress"`
}

// DeploymentInfo describes how the server would run an update.
type DeploymentInfo struct {
	Version          version.Info              `json:"version" yaml:"version"`
	Signals          update.Signals            `json:"signals" yaml:"signals"`
	ConfiguredMethod string                    `json:"configuredMethod,omitempty" yaml:"configuredMethod,omitempty"`
	SelectedMethod   string                    `json:"selectedMethod" yaml:"selectedMethod"`
	Supervisor       string                    `json:"supervisor,omitempty" yaml:"supervisor,omitempty"`
	DockerAvailable  bool                      `json:"dockerAvailable" yaml:"dockerAvailable"`
	WaitCeiling      string                    `json:"waitCeiling" yaml:"waitCeiling"`
	Checks           []systemcheck.CheckResult `json:"checks,omitempty" yaml:"checks,omitempty"`
}

// Option configures a Client.
type Option func(*Client)

// WithToken authenticates with an admin bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithSessionCookie authenticates with an existing admin session cookie value.
func WithSessionCookie(value string) Option {
	return func(c *Client) { c.session = value }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client calls the admin update endpoints.
type Client struct {
	baseURL string
	token   string
	session string
	http    *http.Client
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckForUpdates returns the version check result. refresh bypasses the
// server side cache.
func (c *Client) CheckForUpdates(ctx context.Context, refresh bool) (update.VersionCheckResult, error) {
	var res update.VersionCheckResult
	path := "/api/admin/version"
	if refresh {
		path += "?refresh=true"
	}
	err := c.do(ctx, http.MethodGet, path, nil, &res)
	return res, err
}

// TriggerUpdate starts an update. A run already in flight is ErrConflict,
// with the response still describing that run.
func (c *Client) TriggerUpdate(ctx context.Context, req TriggerRequest) (TriggerResponse, error) {
	var resp TriggerResponse
	err := c.do(ctx, http.MethodPost, "/api/admin/version", req, &resp)
	var se *StatusError
	switch {
	case errors.As(err, &se) && se.Code == http.StatusConflict:
		return resp, update.ErrConflict
	case errors.As(err, &se) && se.Code == http.StatusInternalServerError && resp.Outcome != "":
		// wait=true and the run failed; the body carries the outcome.
		return resp, fmt.Errorf("update failed: %s", resp.Error)
	}
	return resp, err
}

// Progress reads the current update record.
func (c *Client) Progress(ctx context.Context) (ProgressResponse, error) {
	var resp ProgressResponse
	err := c.do(ctx, http.MethodGet, "/api/admin/version/progress", nil, &resp)
	return resp, err
}

// Cancel aborts the in-flight update while it is still cancellable.
func (c *Client) Cancel(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/api/admin/version/cancel", nil, nil)
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusNotFound:
			return update.ErrNoRun
		case http.StatusConflict:
			return update.ErrNotCancellable
		}
	}
	return err
}

// DeploymentInfo reads the detected deployment and prerequisite checks.
func (c *Client) DeploymentInfo(ctx context.Context) (DeploymentInfo, error) {
	var info DeploymentInfo
	err := c.do(ctx, http.MethodGet, "/api/admin/version/deployment-info", nil, &info)
	return info, err
}

// History lists the most recent update runs, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]database.UpdateHistory, error) {
	var resp struct {
		History []database.UpdateHistory `json:"history"`
	}
	path := "/api/admin/version/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.History, nil
}

// do sends one request. Non-2xx responses still decode into out when the
// body is JSON so callers can read error details.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.session != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: c.session})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Code: resp.StatusCode, Message: errorMessage(raw)}
		if out != nil && json.Valid(raw) {
			_ = json.Unmarshal(raw, out)
		}
		return se
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func errorMessage(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
