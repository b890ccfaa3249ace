// Package remote is the shared HTTP plumbing of the REST-backed storage
// adapters: a retrying client and a StreamDescriptor builder over plain
// GET endpoints.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/filehub/filehub/internal/dcontext"
	"github.com/filehub/filehub/storage/driver"
)

const (
	maxRetries   = 2
	retryStep    = 200 * time.Millisecond
	probeTimeout = 8 * time.Second
)

// Client wraps http.Client with the adapter retry policy: up to two retries
// on 429, 5xx and connection errors, linear 200/400 ms backoff, and never a
// retry once the caller's context is done.
type Client struct {
	http *http.Client
	name string
}

// NewClient builds a client tagged with the owning driver's name, used in
// error values.
func NewClient(driverName string) *Client {
	return &Client{
		http: &http.Client{Timeout: 0},
		name: driverName,
	}
}

// RequestFunc builds a fresh request for one attempt. Requests carrying a
// body must be rebuilt per attempt so retries do not reuse a drained reader.
type RequestFunc func(ctx context.Context) (*http.Request, error)

// Do runs the request with the retry policy. The caller owns the response
// body.
func (c *Client) Do(ctx context.Context, build RequestFunc) (*http.Response, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		req, err := build(ctx)
		if err != nil {
			return nil, driver.Error{DriverName: c.name, Enclosed: err}
		}

		resp, err := c.http.Do(req)
		if err == nil && !retryableStatus(resp.StatusCode) {
			return resp, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("upstream returned %s", resp.Status)
			resp.Body.Close()
		}

		if ctx.Err() != nil {
			// Client abort; the failure is theirs, not the upstream's.
			return nil, driver.Error{DriverName: c.name, Enclosed: ctx.Err()}
		}
		if attempt >= maxRetries {
			return nil, driver.Error{DriverName: c.name, Enclosed: lastErr}
		}

		dcontext.GetLogger(ctx).WithError(lastErr).
			Debugf("%s: retrying request (attempt %d)", c.name, attempt+1)
		select {
		case <-time.After(time.Duration(attempt+1) * retryStep):
		case <-ctx.Done():
			return nil, driver.Error{DriverName: c.name, Enclosed: ctx.Err()}
		}
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// Get issues a GET with the given headers.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (*http.Response, error) {
	return c.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		applyHeaders(req, headers)
		return req, nil
	})
}

// DoJSON issues a request with an optional JSON body and decodes a JSON
// response into out (when non-nil). Non-2xx responses become driver errors
// carrying the upstream status.
func (c *Client) DoJSON(ctx context.Context, method, url string, headers map[string]string, body interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return driver.Error{DriverName: c.name, Enclosed: err}
		}
	}

	resp, err := c.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, rd)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		applyHeaders(req, headers)
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.CheckStatus(resp, ""); err != nil {
		return err
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// CheckStatus maps a non-2xx response to the adapter error taxonomy and
// drains the body so the connection can be reused.
func (c *Client) CheckStatus(resp *http.Response, path string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return driver.PathNotFoundError{Path: path, DriverName: c.name}
	case http.StatusForbidden, http.StatusUnauthorized:
		return driver.AccessDeniedError{Path: path, DriverName: c.name, Message: string(msg)}
	default:
		return driver.Error{
			DriverName: c.name,
			Status:     resp.StatusCode,
			Enclosed:   fmt.Errorf("upstream %s: %s", resp.Status, msg),
		}
	}
}

func applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}
