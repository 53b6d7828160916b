// Package remote is the HTTP client for the Remote Inventory Service. It
// provides a [Client] with the four operations the sync engine needs, a
// backoff [Retry] helper for idempotent reads, and conversion between the
// service's JSON representation and [model.RemoteRecord].
package remote

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/njoerd114/shelfsync/internal/model"
)

// DefaultRequestTimeout bounds a single HTTP call.
const DefaultRequestTimeout = 15 * time.Second

// maxErrorBody caps how much of an error response is kept in a StatusError.
const maxErrorBody = 512

// Client talks to the Remote Inventory Service. Create one with [New].
type Client struct {
	baseURL  string
	tokens   TokenSource
	hc       *http.Client
	attempts int
	logger   *slog.Logger
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithRequestTimeout sets the per-call timeout of the default HTTP client.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.hc.Timeout = d
		}
	}
}

// WithRetryAttempts sets how often List is tried before giving up.
func WithRetryAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// New creates a Client for the service rooted at baseURL.
func New(baseURL string, tokens TokenSource, logger *slog.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q must use http or https", baseURL)
	}
	if tokens == nil {
		return nil, errors.New("token source is required")
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		hc: &http.Client{
			Timeout:   DefaultRequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		attempts: DefaultRetryAttempts,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Ping checks that the server is reachable and accepts the credentials. It
// makes a single attempt.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/inventory", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return checkStatus(resp)
}

// List returns every record on the server. Transient failures are retried.
func (c *Client) List(ctx context.Context) ([]model.RemoteRecord, error) {
	var out []model.RemoteRecord
	err := Retry(ctx, c.attempts, func() error {
		var wires []WireRecord
		if err := c.call(ctx, http.MethodGet, "/inventory", nil, &wires); err != nil {
			return err
		}
		records := make([]model.RemoteRecord, 0, len(wires))
		for _, w := range wires {
			rr, err := FromWire(w)
			if err != nil {
				c.logger.Warn("skipping malformed remote record", "error", err)
				continue
			}
			records = append(records, rr)
		}
		out = records
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing remote inventory: %w", err)
	}
	return out, nil
}

// Create posts a new record and returns the server's copy, which carries the
// canonical id and the server's lastUpdated. The local id is not sent.
func (c *Client) Create(ctx context.Context, rr model.RemoteRecord) (model.RemoteRecord, error) {
	w := ToWire(rr)
	w.ID = ""

	var created WireRecord
	if err := c.call(ctx, http.MethodPost, "/inventory", w, &created); err != nil {
		return model.RemoteRecord{}, fmt.Errorf("creating %q: %w", rr.ItemName, err)
	}
	out, err := FromWire(created)
	if err != nil {
		return model.RemoteRecord{}, fmt.Errorf("creating %q: %w", rr.ItemName, err)
	}
	return out, nil
}

// Update replaces the record with the given id. It returns [ErrNotFound] when
// the server no longer has the record and a [*ConflictError] carrying the
// server's copy when the server's version is newer.
func (c *Client) Update(ctx context.Context, rr model.RemoteRecord) (model.RemoteRecord, error) {
	var updated WireRecord
	err := c.call(ctx, http.MethodPut, "/inventory/"+url.PathEscape(rr.ID), ToWire(rr), &updated)
	if err != nil {
		return model.RemoteRecord{}, fmt.Errorf("updating %s: %w", rr.ID, err)
	}
	if updated.ID == "" && updated.LegacyID == "" {
		// Some servers answer 200 with an empty body.
		return rr, nil
	}
	out, err := FromWire(updated)
	if err != nil {
		return model.RemoteRecord{}, fmt.Errorf("updating %s: %w", rr.ID, err)
	}
	return out, nil
}

// Delete removes the record with the given id. A missing record is reported
// as [ErrNotFound]; callers that only care about the end state treat that as
// success.
func (c *Client) Delete(ctx context.Context, id string) error {
	if err := c.call(ctx, http.MethodDelete, "/inventory/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("deleting %s: %w", id, err)
	}
	return nil
}

// call sends body as JSON and decodes a 2xx response into out when out is
// non-nil.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		payload = bytes.NewReader(b)
	}

	resp, err := c.do(ctx, method, path, payload)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("remote request", "method", method, "path", path)
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// checkStatus maps non-2xx responses onto the package's error types. It
// consumes the body of error responses.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		var cb conflictBody
		if err := json.Unmarshal(raw, &cb); err == nil {
			if server, err := FromWire(cb.Server); err == nil {
				return &ConflictError{Server: server}
			}
		}
		return &StatusError{Code: resp.StatusCode, Body: truncate(string(raw))}
	}
	return &StatusError{Code: resp.StatusCode, Body: truncate(string(raw))}
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "…"
	}
	return s
}
