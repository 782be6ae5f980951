// Package client talks to a running scriptq server.
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

	"github.com/dontdude/scriptq/internal/domain"
	"github.com/dontdude/scriptq/internal/session"
)

// APIError is a decoded error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

type Client struct {
	base string
	http *http.Client
}

// New returns a client for the server at baseURL, e.g. http://localhost:8080.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

// Submit enqueues script and returns the job name. An empty name lets the server choose.
func (c *Client) Submit(ctx context.Context, name, script string) (string, error) {
	var out struct {
		Name string `json:"name"`
	}
	body := map[string]string{"name": name, "script": script}
	if err := c.do(ctx, http.MethodPost, "/api/jobs", body, &out); err != nil {
		return "", err
	}
	return out.Name, nil
}

func (c *Client) Status(ctx context.Context, name string) (domain.Status, error) {
	var st domain.Status
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(name), nil, &st)
	return st, err
}

// Await blocks until the job has a value. A zero timeout uses the server's limit.
func (c *Client) Await(ctx context.Context, name string, timeout time.Duration) (any, error) {
	path := "/api/jobs/" + url.PathEscape(name) + "/result"
	if timeout > 0 {
		path += "?timeout=" + url.QueryEscape(timeout.String())
	}
	var out struct {
		Value any `json:"value"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}

// CheckError returns the pending failure as an *APIError, or nil.
func (c *Client) CheckError(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/session/check", nil, nil)
}

// Reset clears the server interpreter's environment.
func (c *Client) Reset(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/session/reset", nil, nil)
}

func (c *Client) Session(ctx context.Context) (session.Snapshot, error) {
	var snap session.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/session", nil, &snap)
	return snap, err
}

// Health returns the server version.
func (c *Client) Health(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out.Version, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code == "" {
		return &APIError{
			Status:  resp.StatusCode,
			Code:    http.StatusText(resp.StatusCode),
			Message: strings.TrimSpace(string(data)),
		}
	}
	return &APIError{
		Status:  resp.StatusCode,
		Code:    envelope.Error.Code,
		Message: envelope.Error.Message,
		Details: envelope.Error.Details,
	}
}
