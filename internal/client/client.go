// Package client talks to a running kartoza-pgql server over HTTP. The chat
// client uses the /v1 application API; the CLI admin commands use /api.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kartoza/kartoza-pgql/internal/apps"
	"github.com/kartoza/kartoza-pgql/internal/logging"
	"github.com/kartoza/kartoza-pgql/internal/pipeline"
)

const (
	headerAppKey       = "X-App-Api-Key"
	headerDashboardKey = "X-Dashboard-Key"
)

// ErrNoCredential is returned when a call needs a key the client was not given
var ErrNoCredential = errors.New("no API key configured")

// APIError is a non-2xx answer from the server
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.StatusCode, e.Kind)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.StatusCode)
}

// StatusOf returns the HTTP status carried by err, or 0
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Options configures a Client
type Options struct {
	BaseURL      string
	AppKey       string
	DashboardKey string
	Timeout      time.Duration
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// Client is an HTTP client for the query and admin APIs
type Client struct {
	baseURL      string
	appKey       string
	dashboardKey string
	httpClient   *http.Client
	logger       *zap.Logger
}

// New creates a client
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		baseURL:      strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		appKey:       opts.AppKey,
		dashboardKey: opts.DashboardKey,
		httpClient:   httpClient,
		logger:       logging.OrNop(opts.Logger),
	}
}

// BaseURL returns the server address the client talks to
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Identity is what the server knows about the calling application
type Identity struct {
	AppID         string    `json:"app_id"`
	Role          apps.Role `json:"role"`
	AllowedTables []string  `json:"allowed_tables"`
	Description   string    `json:"description"`
	Active        bool      `json:"active"`
}

// TableList is the set of tables visible to the calling application
type TableList struct {
	Tables     []string `json:"tables"`
	Total      int      `json:"total"`
	Restricted bool     `json:"restricted"`
}

// Health is the server liveness report
type Health struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Version       string  `json:"version"`
}

// NewApp describes an application to register
type NewApp struct {
	AppID         string   `json:"app_id"`
	Description   string   `json:"description,omitempty"`
	AllowedTables []string `json:"allowed_tables,omitempty"`
	Role          string   `json:"role,omitempty"`
}

// Query asks a question as the configured application
func (c *Client) Query(ctx context.Context, prompt string, maxLimit int) (*pipeline.Response, error) {
	body := map[string]any{"prompt": prompt}
	if maxLimit > 0 {
		body["max_limit"] = maxLimit
	}
	var resp pipeline.Response
	if err := c.do(ctx, http.MethodPost, "/v1/query", c.appAuth, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Me returns the calling application's identity
func (c *Client) Me(ctx context.Context) (*Identity, error) {
	var id Identity
	if err := c.do(ctx, http.MethodGet, "/v1/me", c.appAuth, nil, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

// Schema returns the tables the calling application may query
func (c *Client) Schema(ctx context.Context) (*TableList, error) {
	var tl TableList
	if err := c.do(ctx, http.MethodGet, "/v1/schema", c.appAuth, nil, &tl); err != nil {
		return nil, err
	}
	return &tl, nil
}

// Health checks that the server is up
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ListApps returns every registered application with masked keys
func (c *Client) ListApps(ctx context.Context) ([]apps.Application, error) {
	var out struct {
		Apps []apps.Application `json:"apps"`
	}
	q := url.Values{"page": {"1"}, "size": {"1000"}}
	if err := c.do(ctx, http.MethodGet, "/api/apps?"+q.Encode(), c.adminAuth, nil, &out); err != nil {
		return nil, err
	}
	return out.Apps, nil
}

// CreateApp registers an application; the returned record carries the
// unmasked key, shown only this once
func (c *Client) CreateApp(ctx context.Context, app NewApp) (apps.Application, error) {
	var out struct {
		App apps.Application `json:"app"`
	}
	err := c.do(ctx, http.MethodPost, "/api/apps", c.adminAuth, app, &out)
	return out.App, err
}

// DeleteApp removes an application
func (c *Client) DeleteApp(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/apps/"+url.PathEscape(id), c.adminAuth, nil, nil)
}

// RegenerateKey rotates an application's key and returns the new one
func (c *Client) RegenerateKey(ctx context.Context, id string) (string, error) {
	var out struct {
		APIKey string `json:"api_key"`
	}
	err := c.do(ctx, http.MethodPost, "/api/apps/"+url.PathEscape(id)+"/regenerate-key", c.adminAuth, nil, &out)
	return out.APIKey, err
}

// ReloadSchema asks the server to reload its table snapshot from the gateway
func (c *Client) ReloadSchema(ctx context.Context) ([]string, error) {
	var out struct {
		Tables []string `json:"tables"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/apps/schema/reload", c.adminAuth, nil, &out); err != nil {
		return nil, err
	}
	return out.Tables, nil
}

func (c *Client) appAuth(req *http.Request) error {
	if c.appKey == "" {
		return fmt.Errorf("%w: set an application key", ErrNoCredential)
	}
	req.Header.Set(headerAppKey, c.appKey)
	return nil
}

func (c *Client) adminAuth(req *http.Request) error {
	if c.dashboardKey == "" {
		return fmt.Errorf("%w: set a dashboard key", ErrNoCredential)
	}
	req.Header.Set(headerDashboardKey, c.dashboardKey)
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, auth func(*http.Request) error, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != nil {
		if err := auth(req); err != nil {
			return err
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("api call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(status int, data []byte) error {
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &APIError{StatusCode: status, Message: msg}
	}
	return &APIError{StatusCode: status, Kind: body.Kind, Message: body.Error}
}
