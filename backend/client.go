// Package backend is the HTTP client for the Modbus bridge service: tag
// fetches, panel commands, consumption and efficiency readers, and the motor
// overview stream.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ccmlink/logging"
	"ccmlink/tags"
)

// DefaultBaseURL is used when no base URL is configured.
const DefaultBaseURL = "http://localhost:9090"

// Client talks to the backend. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	// streamClient has no overall timeout; the motor stream is long-lived.
	streamClient *http.Client
	suffixSep    string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the request client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPanelSuffix sets the separator used by the all-panels endpoint when it
// returns a flat map of "<tag><sep><panel>" keys.
func WithPanelSuffix(sep string) Option {
	return func(c *Client) { c.suffixSep = sep }
}

// NewClient creates a client for baseURL. A trailing slash is trimmed.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
		suffixSep:    "@",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the normalized base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// FetchPanelTags reads the tag set of one panel.
func (c *Client) FetchPanelTags(ctx context.Context, panel string) (tags.RawSet, error) {
	path := "/api/modbus/" + url.PathEscape(panel) + "/tags"
	body, err := c.get(ctx, "fetch "+panel, path)
	if err != nil {
		return tags.RawSet{}, err
	}
	set, err := tags.DecodeSet(body)
	if err != nil {
		return tags.RawSet{}, &MalformedResponse{Path: path, Err: err}
	}
	logging.DebugLog("backend", "%s: %d tags", panel, len(set.Tags))
	return set, nil
}

// FetchAllPanelsTags reads every panel's tags in one request. The result
// holds one entry per panel found in the body; a panel whose entry cannot
// be decoded carries a MalformedResponse while the others keep their data.
// The returned error is set when the request fails or the body is not a
// panel map at all.
func (c *Client) FetchAllPanelsTags(ctx context.Context) (PanelResults, error) {
	const path = "/api/modbus/tags/all"
	body, err := c.get(ctx, "fetch all", path)
	if err != nil {
		return nil, err
	}
	sets, failed, err := tags.DecodeAll(body, c.suffixSep)
	if err != nil {
		return nil, &MalformedResponse{Path: path, Err: err}
	}
	results := make(PanelResults, len(sets)+len(failed))
	for panel, set := range sets {
		results[panel] = PanelResult{Set: set}
	}
	for panel, perr := range failed {
		results[panel] = PanelResult{Err: &MalformedResponse{Path: path, Err: fmt.Errorf("panel %s: %w", panel, perr)}}
	}
	logging.DebugLog("backend", "all panels: %d decoded, %d malformed", len(sets), len(failed))
	return results, nil
}

// get performs a GET and returns the body of a 2xx response.
func (c *Client) get(ctx context.Context, op, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-store")
	return c.do(op, req)
}

// post sends a POST with an optional JSON body and returns the response body.
func (c *Client) post(ctx context.Context, op, path string, payload interface{}) ([]byte, error) {
	var rd io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(op, req)
}

func (c *Client) do(op string, req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logging.DebugError("backend", op, err)
		return nil, &BackendUnavailable{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &BackendUnavailable{Op: op, Status: 0, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logging.DebugLog("backend", "%s: HTTP %d", op, resp.StatusCode)
		return nil, &BackendUnavailable{Op: op, Status: resp.StatusCode}
	}
	return body, nil
}
