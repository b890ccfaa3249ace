package remote

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/filehub/filehub/storage/driver"
)

// DescriptorHint carries what the adapter already knows about the object so
// the descriptor can skip probes.
type DescriptorHint struct {
	Size         *int64
	ContentType  string
	ETag         string
	LastModified *time.Time
	// NoRange removes OpenRange from the descriptor for endpoints known to
	// reject Range requests.
	NoRange bool
	// Fallback overrides the software-slice default.
	Fallback driver.RangeFallbackPolicy
}

// Descriptor builds a lazy StreamDescriptor over a plain GET endpoint.
// OpenRange forwards the Range header and reports the upstream verdict
// truthfully so the streaming layer can detect upstreams that ignore it.
func (c *Client) Descriptor(url string, headers map[string]string, hint DescriptorHint) *driver.StreamDescriptor {
	desc := &driver.StreamDescriptor{
		Size:          hint.Size,
		ContentType:   hint.ContentType,
		ETag:          hint.ETag,
		LastModified:  hint.LastModified,
		RangeFallback: hint.Fallback,
		Open: func(ctx context.Context) (*driver.StreamHandle, error) {
			resp, err := c.Get(ctx, url, headers)
			if err != nil {
				return nil, err
			}
			if err := c.checkStream(resp, url); err != nil {
				return nil, err
			}
			return &driver.StreamHandle{
				Reader:         resp.Body,
				UpstreamStatus: resp.StatusCode,
			}, nil
		},
	}

	if hint.Size == nil {
		desc.ProbeSize = func(ctx context.Context) (int64, error) {
			return c.probeSize(ctx, url, headers)
		}
	}

	if !hint.NoRange {
		desc.OpenRange = func(ctx context.Context, rng driver.Range) (*driver.StreamHandle, error) {
			h := map[string]string{}
			for k, v := range headers {
				h[k] = v
			}
			if rng.End >= 0 {
				h["Range"] = fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End)
			} else {
				h["Range"] = fmt.Sprintf("bytes=%d-", rng.Start)
			}

			resp, err := c.Get(ctx, url, h)
			if err != nil {
				return nil, err
			}
			if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
				resp.Body.Close()
				return nil, driver.InvalidOffsetError{Path: url, Offset: rng.Start, DriverName: c.name}
			}
			if err := c.checkStream(resp, url); err != nil {
				return nil, err
			}

			supports := resp.StatusCode == http.StatusPartialContent
			return &driver.StreamHandle{
				Reader:               resp.Body,
				SupportsRange:        &supports,
				UpstreamStatus:       resp.StatusCode,
				UpstreamContentRange: resp.Header.Get("Content-Range"),
			}, nil
		}
	}

	return desc
}

func (c *Client) checkStream(resp *http.Response, path string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	return c.CheckStatus(resp, path)
}

// probeSize asks for the size with a HEAD, falling back to a one-byte range
// GET for endpoints that refuse HEAD.
func (c *Client) probeSize(ctx context.Context, url string, headers map[string]string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	resp, err := c.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return nil, err
		}
		applyHeaders(req, headers)
		return req, nil
	})
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode < 300 && resp.ContentLength >= 0 {
			return resp.ContentLength, nil
		}
	}

	h := map[string]string{}
	for k, v := range headers {
		h[k] = v
	}
	h["Range"] = "bytes=0-0"
	resp, err = c.Get(ctx, url, h)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPartialContent {
		if size, ok := totalFromContentRange(resp.Header.Get("Content-Range")); ok {
			return size, nil
		}
	}
	if resp.StatusCode == http.StatusOK && resp.ContentLength >= 0 {
		return resp.ContentLength, nil
	}
	return 0, driver.Error{DriverName: c.name, Enclosed: fmt.Errorf("size probe inconclusive (%s)", resp.Status)}
}

func totalFromContentRange(cr string) (int64, bool) {
	var start, end int64
	var total string
	if _, err := fmt.Sscanf(cr, "bytes %d-%d/%s", &start, &end, &total); err != nil {
		return 0, false
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
