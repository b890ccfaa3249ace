package stream

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filehub/filehub/storage/driver"
	"github.com/filehub/filehub/storage/driver/inmemory"
)

var fixedTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func body(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

// serve runs one request against the descriptor for /files/data.bin.
func serve(t *testing.T, d *inmemory.Driver, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()

	desc, err := d.DownloadFile(context.Background(), "/files/data.bin", driver.CallOptions{
		Path: "/files/data.bin", SubPath: "/files/data.bin",
	})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/files/data.bin", nil)
	if mutate != nil {
		mutate(r)
	}
	w := httptest.NewRecorder()
	NewServer().ServeDescriptor(w, r, desc, Options{Channel: ChannelFsWeb, Path: "/files/data.bin"})
	return w
}

func seeded(t *testing.T, n int) *inmemory.Driver {
	t.Helper()
	d := inmemory.New()
	d.Put("/files/data.bin", body(n), fixedTime)
	return d
}

func TestServeFullBody(t *testing.T) {
	d := seeded(t, 100)
	w := serve(t, d, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "100", w.Header().Get("Content-Length"))
	assert.Equal(t, "bytes", w.Header().Get("Accept-Ranges"))
	assert.NotEmpty(t, w.Header().Get("ETag"))
	assert.NotEmpty(t, w.Header().Get("Last-Modified"))
	assert.Equal(t, body(100), w.Body.Bytes())
}

func TestServeNativeRange(t *testing.T) {
	d := seeded(t, 100)
	w := serve(t, d, func(r *http.Request) {
		r.Header.Set("Range", "bytes=10-19")
	})

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 10-19/100", w.Header().Get("Content-Range"))
	assert.Equal(t, "10", w.Header().Get("Content-Length"))
	assert.Equal(t, body(100)[10:20], w.Body.Bytes())
}

func TestServeSuffixRange(t *testing.T) {
	d := seeded(t, 100)
	w := serve(t, d, func(r *http.Request) {
		r.Header.Set("Range", "bytes=-10")
	})

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 90-99/100", w.Header().Get("Content-Range"))
	assert.Equal(t, body(100)[90:], w.Body.Bytes())
}

func TestServeOpenEndedRange(t *testing.T) {
	d := seeded(t, 100)
	w := serve(t, d, func(r *http.Request) {
		r.Header.Set("Range", "bytes=95-")
	})

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 95-99/100", w.Header().Get("Content-Range"))
	assert.Equal(t, body(100)[95:], w.Body.Bytes())
}

func TestRangeBeyondSizeIs416(t *testing.T) {
	d := seeded(t, 100)
	w := serve(t, d, func(r *http.Request) {
		r.Header.Set("Range", "bytes=500-600")
	})

	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
	assert.Equal(t, "bytes */100", w.Header().Get("Content-Range"))
	assert.Empty(t, w.Body.Bytes())
}

func TestMalformedRangeIgnored(t *testing.T) {
	d := seeded(t, 100)
	w := serve(t, d, func(r *http.Request) {
		r.Header.Set("Range", "bytes=oops")
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, w.Body.Bytes(), 100)
}

func TestSoftwareSliceOmitsContentLength(t *testing.T) {
	d := seeded(t, 100)
	d.NoNativeRange = true
	w := serve(t, d, func(r *http.Request) {
		r.Header.Set("Range", "bytes=30-49")
	})

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 30-49/100", w.Header().Get("Content-Range"))
	assert.Empty(t, w.Header().Get("Content-Length"))
	assert.Equal(t, body(100)[30:50], w.Body.Bytes())
}

func TestFallbackFullServesWholeBody(t *testing.T) {
	d := seeded(t, 100)
	d.NoNativeRange = true
	d.Fallback = driver.FallbackFull
	w := serve(t, d, func(r *http.Request) {
		r.Header.Set("Range", "bytes=30-49")
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, w.Body.Bytes(), 100)
}

func TestUpstreamIgnoringRangeGetsSliced(t *testing.T) {
	// OpenRange exists but hands back the full body with a 200 verdict; the
	// already-open stream is sliced rather than refetched.
	d := seeded(t, 100)
	d.IgnoreRanges = true
	w := serve(t, d, func(r *http.Request) {
		r.Header.Set("Range", "bytes=60-69")
	})

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 60-69/100", w.Header().Get("Content-Range"))
	assert.Empty(t, w.Header().Get("Content-Length"))
	assert.Equal(t, body(100)[60:70], w.Body.Bytes())
}

func TestMultiRangeByteranges(t *testing.T) {
	d := seeded(t, 100)
	w := serve(t, d, func(r *http.Request) {
		r.Header.Set("Range", "bytes=0-4,10-14")
	})

	require.Equal(t, http.StatusPartialContent, w.Code)
	mediaType, params, err := mime.ParseMediaType(w.Header().Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/byteranges", mediaType)
	assert.Empty(t, w.Header().Get("Content-Length"))

	mr := multipart.NewReader(w.Body, params["boundary"])

	part, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "bytes 0-4/100", part.Header.Get("Content-Range"))
	got, err := io.ReadAll(part)
	require.NoError(t, err)
	assert.Equal(t, body(100)[:5], got)

	part, err = mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "bytes 10-14/100", part.Header.Get("Content-Range"))
	got, err = io.ReadAll(part)
	require.NoError(t, err)
	assert.Equal(t, body(100)[10:15], got)

	_, err = mr.NextPart()
	assert.Equal(t, io.EOF, err)
}

func TestMultiRangeSingleSegmentCollapses(t *testing.T) {
	d := seeded(t, 100)
	w := serve(t, d, func(r *http.Request) {
		r.Header.Set("Range", "bytes=5-9,")
	})

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 5-9/100", w.Header().Get("Content-Range"))
	assert.Equal(t, body(100)[5:10], w.Body.Bytes())
}

func TestMultiRangeOverlongServesFull(t *testing.T) {
	d := seeded(t, 100)
	w := serve(t, d, func(r *http.Request) {
		r.Header.Set("Range", "bytes=0-59,40-99")
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, w.Body.Bytes(), 100)
}

func TestMultiRangeAgainstIgnoringUpstream(t *testing.T) {
	// The 1-byte probe exposes the lying upstream before any part is
	// written; the whole request degrades to 200.
	d := seeded(t, 100)
	d.IgnoreRanges = true
	w := serve(t, d, func(r *http.Request) {
		r.Header.Set("Range", "bytes=0-4,10-14")
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, w.Body.Bytes(), 100)
}

func TestConditionalNotModified(t *testing.T) {
	d := seeded(t, 100)

	etag := serve(t, d, nil).Header().Get("ETag")
	require.NotEmpty(t, etag)

	w := serve(t, d, func(r *http.Request) {
		r.Header.Set("If-None-Match", etag)
	})
	assert.Equal(t, http.StatusNotModified, w.Code)
	assert.Empty(t, w.Body.Bytes())
	assert.Equal(t, etag, w.Header().Get("ETag"))
}

func TestConditionalIfModifiedSince(t *testing.T) {
	d := seeded(t, 100)
	w := serve(t, d, func(r *http.Request) {
		r.Header.Set("If-Modified-Since", fixedTime.Add(time.Hour).Format(http.TimeFormat))
	})
	assert.Equal(t, http.StatusNotModified, w.Code)
	assert.Empty(t, w.Body.Bytes())
}

func TestConditionalIfNoneMatchWinsOverIfModifiedSince(t *testing.T) {
	d := seeded(t, 100)
	w := serve(t, d, func(r *http.Request) {
		r.Header.Set("If-None-Match", `"stale"`)
		r.Header.Set("If-Modified-Since", fixedTime.Add(time.Hour).Format(http.TimeFormat))
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestConditionalPreconditionFailed(t *testing.T) {
	d := seeded(t, 100)
	w := serve(t, d, func(r *http.Request) {
		r.Header.Set("If-Match", `"someone-else"`)
	})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Empty(t, w.Body.Bytes())
}

func TestIfRangeMismatchDropsRange(t *testing.T) {
	d := seeded(t, 100)
	w := serve(t, d, func(r *http.Request) {
		r.Header.Set("Range", "bytes=10-19")
		r.Header.Set("If-Range", `"stale"`)
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, w.Body.Bytes(), 100)
}

func TestIfRangeMatchKeepsRange(t *testing.T) {
	d := seeded(t, 100)
	etag := serve(t, d, nil).Header().Get("ETag")

	w := serve(t, d, func(r *http.Request) {
		r.Header.Set("Range", "bytes=10-19")
		r.Header.Set("If-Range", etag)
	})
	assert.Equal(t, http.StatusPartialContent, w.Code)
}

func TestHeadWithRange(t *testing.T) {
	d := seeded(t, 100)
	w := serve(t, d, func(r *http.Request) {
		r.Method = http.MethodHead
		r.Header.Set("Range", "bytes=10-19")
	})

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 10-19/100", w.Header().Get("Content-Range"))
	assert.Equal(t, "10", w.Header().Get("Content-Length"))
	assert.Empty(t, w.Body.Bytes())
}

func TestCacheControlByChannel(t *testing.T) {
	cases := map[Channel]string{
		ChannelFsWeb:    "private, no-cache",
		ChannelWebDAV:   "private, no-cache",
		ChannelProxy:    "public, max-age=3600",
		ChannelShare:    "public, max-age=3600",
		ChannelInternal: "",
	}

	d := seeded(t, 10)
	for ch, want := range cases {
		desc, err := d.DownloadFile(context.Background(), "/files/data.bin", driver.CallOptions{
			Path: "/files/data.bin", SubPath: "/files/data.bin",
		})
		require.NoError(t, err)

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/files/data.bin", nil)
		NewServer().ServeDescriptor(w, r, desc, Options{Channel: ch, Path: "/files/data.bin"})
		assert.Equal(t, want, w.Header().Get("Cache-Control"), "channel %s", ch)
	}
}

// syntheticDescriptor builds a descriptor with a fake size far beyond what a
// test wants to hold in memory. honest controls whether OpenRange tells the
// truth about ranges.
func syntheticDescriptor(size int64, honest bool) *driver.StreamDescriptor {
	full := []byte("full-body-stand-in")
	return &driver.StreamDescriptor{
		Size:        &size,
		ContentType: "video/mp4",
		ETag:        `"synthetic"`,
		Open: func(ctx context.Context) (*driver.StreamHandle, error) {
			return &driver.StreamHandle{
				Reader:         io.NopCloser(strings.NewReader(string(full))),
				UpstreamStatus: 200,
			}, nil
		},
		OpenRange: func(ctx context.Context, rng driver.Range) (*driver.StreamHandle, error) {
			if !honest {
				no := false
				return &driver.StreamHandle{
					Reader:         io.NopCloser(strings.NewReader(string(full))),
					SupportsRange:  &no,
					UpstreamStatus: 200,
				}, nil
			}
			yes := true
			return &driver.StreamHandle{
				Reader:               io.NopCloser(strings.NewReader("x")),
				SupportsRange:        &yes,
				UpstreamStatus:       206,
				UpstreamContentRange: fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, size),
			}, nil
		},
	}
}

func TestVideoSeekGuardDowngrades(t *testing.T) {
	desc := syntheticDescriptor(200<<20, false)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/files/movie.mp4", nil)
	r.Header.Set("Range", "bytes=150000000-")
	NewServer().ServeDescriptor(w, r, desc, Options{Channel: ChannelProxy, Path: "/files/movie.mp4"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Content-Range"))
}

func TestVideoSeekGuardPassesHonestUpstream(t *testing.T) {
	desc := syntheticDescriptor(200<<20, true)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/files/movie.mp4", nil)
	r.Header.Set("Range", "bytes=150000000-")
	NewServer().ServeDescriptor(w, r, desc, Options{Channel: ChannelProxy, Path: "/files/movie.mp4"})

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Contains(t, w.Header().Get("Content-Range"), "bytes 150000000-")
}

func TestNonVideoDeepSeekSkipsGuard(t *testing.T) {
	// Same lying upstream, but nothing marks the request as video; the
	// post-detection still catches the full body and slices it.
	desc := syntheticDescriptor(200<<20, false)
	desc.ContentType = "application/zip"

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/files/archive.zip", nil)
	r.Header.Set("Range", "bytes=150000000-150000009")
	NewServer().ServeDescriptor(w, r, desc, Options{Channel: ChannelProxy, Path: "/files/archive.zip"})

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Empty(t, w.Header().Get("Content-Length"))
}

func TestUnknownSizeProbedForRange(t *testing.T) {
	data := body(100)
	probed := false
	desc := &driver.StreamDescriptor{
		ETag: `"probe"`,
		Open: func(ctx context.Context) (*driver.StreamHandle, error) {
			return &driver.StreamHandle{Reader: io.NopCloser(strings.NewReader(string(data)))}, nil
		},
		OpenRange: func(ctx context.Context, rng driver.Range) (*driver.StreamHandle, error) {
			yes := true
			return &driver.StreamHandle{
				Reader:               io.NopCloser(strings.NewReader(string(data[rng.Start : rng.End+1]))),
				SupportsRange:        &yes,
				UpstreamStatus:       206,
				UpstreamContentRange: fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, len(data)),
			}, nil
		},
		ProbeSize: func(ctx context.Context) (int64, error) {
			probed = true
			return int64(len(data)), nil
		},
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/files/data.bin", nil)
	r.Header.Set("Range", "bytes=10-19")
	NewServer().ServeDescriptor(w, r, desc, Options{Path: "/files/data.bin"})

	assert.True(t, probed)
	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 10-19/100", w.Header().Get("Content-Range"))
	assert.Equal(t, data[10:20], w.Body.Bytes())
}

func TestUnknownSizeWithoutProbeServesFull(t *testing.T) {
	data := body(50)
	desc := &driver.StreamDescriptor{
		Open: func(ctx context.Context) (*driver.StreamHandle, error) {
			return &driver.StreamHandle{Reader: io.NopCloser(strings.NewReader(string(data)))}, nil
		},
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/files/data.bin", nil)
	r.Header.Set("Range", "bytes=10-19")
	NewServer().ServeDescriptor(w, r, desc, Options{Path: "/files/data.bin"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, data, w.Body.Bytes())
}

func TestOpenFailureMapsNotFound(t *testing.T) {
	desc := &driver.StreamDescriptor{
		Open: func(ctx context.Context) (*driver.StreamHandle, error) {
			return nil, driver.PathNotFoundError{Path: "/gone", DriverName: "MEMORY"}
		},
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/files/gone", nil)
	NewServer().ServeDescriptor(w, r, desc, Options{Path: "/files/gone"})

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}

func TestSliceReaderWindows(t *testing.T) {
	src := strings.NewReader("0123456789")

	got, err := io.ReadAll(newSliceReader(src, 2, 5))
	require.NoError(t, err)
	assert.Equal(t, "2345", string(got))

	got, err = io.ReadAll(newSliceReader(strings.NewReader("0123456789"), 7, -1))
	require.NoError(t, err)
	assert.Equal(t, "789", string(got))
}
