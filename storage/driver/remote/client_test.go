package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filehub/filehub/storage/driver"
)

func TestRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, "recovered")
	}))
	defer srv.Close()

	c := NewClient("test")
	resp, err := c.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "recovered", string(body))
	assert.EqualValues(t, 3, hits.Load())
}

func TestRetriesRateLimiting(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient("test")
	resp, err := c.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.EqualValues(t, 2, hits.Load())
}

func TestGivesUpAfterTwoRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient("test")
	_, err := c.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.EqualValues(t, 3, hits.Load(), "initial attempt plus two retries")
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient("test")
	resp, err := c.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err, "Do surfaces the response; classification is CheckStatus's job")
	err = c.CheckStatus(resp, "/gone")
	assert.True(t, driver.IsNotFound(err))
	assert.EqualValues(t, 1, hits.Load())
}

func TestAbortedClientIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		cancel()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient("test")
	_, err := c.Get(ctx, srv.URL, nil)
	require.Error(t, err)
	assert.EqualValues(t, 1, hits.Load())
}

func TestDescriptorForwardsRange(t *testing.T) {
	body := "0123456789"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			fmt.Fprint(w, body)
			return
		}
		var start, end int
		fmt.Sscanf(rng, "bytes=%d-%d", &start, &end)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		fmt.Fprint(w, body[start:end+1])
	}))
	defer srv.Close()

	c := NewClient("test")
	size := int64(len(body))
	desc := c.Descriptor(srv.URL, nil, DescriptorHint{Size: &size})

	h, err := desc.OpenRange(context.Background(), driver.Range{Start: 2, End: 5})
	require.NoError(t, err)
	defer h.Close()

	got, _ := io.ReadAll(h.Reader)
	assert.Equal(t, "2345", string(got))
	assert.Equal(t, http.StatusPartialContent, h.UpstreamStatus)
	assert.Equal(t, "bytes 2-5/10", h.UpstreamContentRange)
	assert.True(t, h.RangeSupported())
}

func TestDescriptorReportsIgnoredRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "full body regardless")
	}))
	defer srv.Close()

	c := NewClient("test")
	desc := c.Descriptor(srv.URL, nil, DescriptorHint{})

	h, err := desc.OpenRange(context.Background(), driver.Range{Start: 5, End: 9})
	require.NoError(t, err)
	defer h.Close()
	assert.False(t, h.RangeSupported())
}

func TestProbeSizeViaHead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4242")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient("test")
	desc := c.Descriptor(srv.URL, nil, DescriptorHint{})
	require.NotNil(t, desc.ProbeSize)

	size, err := desc.ProbeSize(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 4242, size)
}

func TestProbeSizeFallsBackToRangeGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Range", "bytes 0-0/9001")
		w.WriteHeader(http.StatusPartialContent)
		fmt.Fprint(w, "x")
	}))
	defer srv.Close()

	c := NewClient("test")
	desc := c.Descriptor(srv.URL, nil, DescriptorHint{})

	size, err := desc.ProbeSize(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 9001, size)
}
