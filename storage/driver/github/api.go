// Package github holds the two GitHub-backed adapters: GITHUB_RELEASES
// (read-only over release assets) and GITHUB_API (read/write over the
// repository contents API).
package github

import (
	"context"
	"net/http"

	"github.com/filehub/filehub/storage/driver"
	"github.com/filehub/filehub/storage/driver/remote"
)

const apiBase = "https://api.github.com"

type apiClient struct {
	http  *remote.Client
	token string
}

func (c *apiClient) headers(extra map[string]string) map[string]string {
	h := map[string]string{
		"Accept":               "application/vnd.github+json",
		"X-GitHub-Api-Version": "2022-11-28",
	}
	if c.token != "" {
		h["Authorization"] = "Bearer " + c.token
	}
	for k, v := range extra {
		h[k] = v
	}
	return h
}

func (c *apiClient) getJSON(ctx context.Context, url string, out interface{}) error {
	return c.http.DoJSON(ctx, http.MethodGet, url, c.headers(nil), nil, out)
}

// downloadHeaders are the headers for fetching raw asset bytes through the
// API endpoint.
func (c *apiClient) downloadHeaders() map[string]string {
	h := map[string]string{"Accept": "application/octet-stream"}
	if c.token != "" {
		h["Authorization"] = "Bearer " + c.token
	}
	return h
}

func invalidPath(name, p string) error {
	return driver.InvalidPathError{Path: p, DriverName: name}
}
