// Package hasura is a minimal client for a Hasura-compatible GraphQL gateway:
// query execution and metadata export.
package hasura

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kartoza/kartoza-pgql/internal/cache"
	"github.com/kartoza/kartoza-pgql/internal/logging"
)

var (
	// ErrNotConfigured is returned when no GraphQL endpoint is set
	ErrNotConfigured = errors.New("gateway endpoint not configured")
	// ErrUnreachable is returned when the gateway cannot be contacted at all
	ErrUnreachable = errors.New("gateway unreachable")
	// ErrTimeout is returned when a gateway call exceeds its deadline
	ErrTimeout = errors.New("gateway request timed out")
)

// GatewayError is a failure reported by the gateway itself
type GatewayError struct {
	StatusCode int
	Messages   []string
}

func (e *GatewayError) Error() string {
	msg := strings.Join(e.Messages, "; ")
	if e.StatusCode != 0 && e.StatusCode != http.StatusOK {
		return fmt.Sprintf("gateway error (%d): %s", e.StatusCode, msg)
	}
	return "gateway error: " + msg
}

// GraphQLError is one entry of a GraphQL `errors` array
type GraphQLError struct {
	Message    string         `json:"message"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Response is a GraphQL response envelope
type Response struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []GraphQLError  `json:"errors,omitempty"`
}

// Err returns a *GatewayError when the response carries GraphQL errors
func (r *Response) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Message
	}
	return &GatewayError{StatusCode: http.StatusOK, Messages: msgs}
}

// Decode unmarshals the data member into v
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return errors.New("response has no data")
	}
	return json.Unmarshal(r.Data, v)
}

// Map returns the envelope as a generic map, numbers kept as json.Number
func (r *Response) Map() map[string]any {
	out := map[string]any{}
	if len(r.Data) > 0 {
		dec := json.NewDecoder(bytes.NewReader(r.Data))
		dec.UseNumber()
		var data any
		if err := dec.Decode(&data); err == nil {
			out["data"] = data
		}
	}
	if len(r.Errors) > 0 {
		out["errors"] = r.Errors
	}
	return out
}

// Options configures a Client
type Options struct {
	Endpoint    string
	AdminSecret string
	Timeout     time.Duration
	Cache       cache.Cache
	MetadataTTL time.Duration
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Client talks to the gateway's GraphQL and metadata endpoints
type Client struct {
	endpoint         string
	metadataEndpoint string
	adminSecret      string
	httpClient       *http.Client
	cache            cache.Cache
	metadataTTL      time.Duration
	logger           *zap.Logger
}

// New creates a gateway client
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MetadataTTL <= 0 {
		opts.MetadataTTL = 5 * time.Minute
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	endpoint := strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/")
	return &Client{
		endpoint:         endpoint,
		metadataEndpoint: MetadataEndpoint(endpoint),
		adminSecret:      opts.AdminSecret,
		httpClient:       httpClient,
		cache:            opts.Cache,
		metadataTTL:      opts.MetadataTTL,
		logger:           logging.OrNop(opts.Logger),
	}
}

// MetadataEndpoint derives the metadata API URL from a GraphQL endpoint
func MetadataEndpoint(graphqlEndpoint string) string {
	if graphqlEndpoint == "" {
		return ""
	}
	base := graphqlEndpoint
	if i := strings.LastIndex(base, "/v1/graphql"); i >= 0 {
		base = base[:i]
	}
	return base + "/v1/metadata"
}

// Endpoint returns the GraphQL endpoint
func (c *Client) Endpoint() string { return c.endpoint }

// Configured reports whether an endpoint is set
func (c *Client) Configured() bool { return c.endpoint != "" }

func (c *Client) headers(req *http.Request, role string) {
	req.Header.Set("Content-Type", "application/json")
	if c.adminSecret != "" {
		req.Header.Set("x-hasura-admin-secret", c.adminSecret)
	}
	if role != "" {
		req.Header.Set("x-hasura-role", role)
	}
}

// Execute runs a GraphQL query. GraphQL-level errors are returned in the
// Response; transport and HTTP failures are returned as errors.
func (c *Client) Execute(ctx context.Context, query string, variables map[string]any, role string) (*Response, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	if variables == nil {
		variables = map[string]any{}
	}

	body, err := c.post(ctx, c.endpoint, map[string]any{"query": query, "variables": variables}, role)
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &GatewayError{StatusCode: http.StatusOK, Messages: []string{"malformed response: " + err.Error()}}
	}
	return &resp, nil
}

// ExportMetadata returns the gateway metadata, cached for the metadata TTL
func (c *Client) ExportMetadata(ctx context.Context) (*Metadata, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	key := "hasura_metadata:" + c.metadataEndpoint
	if c.cache != nil {
		if data, ok, err := c.cache.Get(ctx, key); err != nil {
			c.logger.Warn("metadata cache read failed", zap.Error(err))
		} else if ok {
			if md, err := ParseMetadata(data); err == nil {
				return md, nil
			}
		}
	}

	body, err := c.post(ctx, c.metadataEndpoint, map[string]any{"type": "export_metadata", "args": map[string]any{}}, "")
	if err != nil {
		return nil, err
	}
	md, err := ParseMetadata(body)
	if err != nil {
		return nil, &GatewayError{StatusCode: http.StatusOK, Messages: []string{"malformed metadata: " + err.Error()}}
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, body, c.metadataTTL); err != nil {
			c.logger.Warn("metadata cache write failed", zap.Error(err))
		}
	}
	return md, nil
}

// TrackedTables returns tracked table names, filtered by allowed when non-empty
func (c *Client) TrackedTables(ctx context.Context, allowed []string) ([]string, error) {
	md, err := c.ExportMetadata(ctx)
	if err != nil {
		return nil, err
	}

	allow := make(map[string]bool, len(allowed))
	for _, t := range allowed {
		allow[t] = true
	}

	var tables []string
	for _, t := range md.Tables() {
		name := t.Table.FieldName()
		if len(allow) > 0 && !allow[name] && !allow[t.Table.QualifiedName()] {
			continue
		}
		tables = append(tables, name)
	}
	return tables, nil
}

func (c *Client) post(ctx context.Context, url string, payload any, role string) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	c.headers(req, role)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 300 {
			snippet = snippet[:300]
		}
		return nil, &GatewayError{StatusCode: resp.StatusCode, Messages: []string{strings.TrimSpace(snippet)}}
	}
	return body, nil
}

func classifyTransport(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
