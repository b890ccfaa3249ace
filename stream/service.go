// Package stream translates driver stream descriptors into RFC 7232/7233
// conformant HTTP responses: conditional requests, single and multi ranges,
// software byte-slicing for backends without native range support, and the
// video-seek guard for backends that quietly ignore Range headers.
package stream

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/filehub/filehub/internal/dcontext"
	"github.com/filehub/filehub/internal/errcode"
	"github.com/filehub/filehub/storage/driver"
)

// Channel is the logical purpose of a response; it selects cache policy.
type Channel string

const (
	ChannelFsWeb    Channel = "fs-web"
	ChannelWebDAV   Channel = "webdav"
	ChannelProxy    Channel = "proxy"
	ChannelShare    Channel = "share"
	ChannelInternal Channel = "internal"
)

func cacheControl(ch Channel) string {
	switch ch {
	case ChannelFsWeb, ChannelWebDAV:
		return "private, no-cache"
	case ChannelProxy, ChannelShare:
		return "public, max-age=3600"
	default:
		return ""
	}
}

// Options parameterize one served response.
type Options struct {
	// Channel selects the cache policy; empty means internal.
	Channel Channel
	// Path is the logical path, consulted by the video heuristics.
	Path string
}

const (
	// videoSeekThreshold is the range offset past which the seek guard
	// probes before trusting soft slicing.
	videoSeekThreshold = 100 << 20

	sizeProbeTimeout = 8 * time.Second
)

// videoExtensions trigger the seek guard together with the header
// heuristics.
var videoExtensions = map[string]bool{
	".mp4": true, ".m4v": true, ".mov": true,
	".webm": true, ".mkv": true, ".avi": true,
}

// Server serves descriptors over HTTP. It is stateless and safe for
// concurrent use.
type Server struct{}

// NewServer returns a streaming server.
func NewServer() *Server {
	return &Server{}
}

// ServeDescriptor writes the response for desc, honoring the request's
// conditional and range headers. The descriptor's handles are closed on
// every path; client cancellation propagates through the request context.
func (s *Server) ServeDescriptor(w http.ResponseWriter, r *http.Request, desc *driver.StreamDescriptor, opts Options) {
	ctx := r.Context()
	h := w.Header()

	if desc.ETag != "" {
		h.Set("ETag", desc.ETag)
	}
	if desc.LastModified != nil {
		h.Set("Last-Modified", desc.LastModified.UTC().Format(http.TimeFormat))
	}
	if cc := cacheControl(opts.Channel); cc != "" {
		h.Set("Cache-Control", cc)
	}
	h.Set("Accept-Ranges", "bytes")

	// Step 3: conditional evaluation. 304/412 carry validators but no
	// entity headers and no body.
	switch evaluateConditionals(r.Header, desc.ETag, desc.LastModified) {
	case condNotModified:
		s.finishStatus(w, opts, http.StatusNotModified)
		return
	case condPreconditionFailed:
		s.finishStatus(w, opts, http.StatusPreconditionFailed)
		return
	}

	h.Set("Content-Type", contentTypeFor(desc, opts.Path))

	rangeHeader := r.Header.Get("Range")

	// Step 4: a failed If-Range drops the Range and serves the full body.
	if rangeHeader != "" && !honorIfRange(r.Header.Get("If-Range"), desc.ETag, desc.LastModified) {
		rangeHeader = ""
	}

	// Step 5: bounded size probe when a range needs a size we lack.
	size := int64(-1)
	if desc.Size != nil {
		size = *desc.Size
	}
	if size < 0 && rangeHeader != "" && desc.ProbeSize != nil {
		probeCtx, cancel := context.WithTimeout(ctx, sizeProbeTimeout)
		if probed, err := desc.ProbeSize(probeCtx); err == nil && probed >= 0 {
			size = probed
		} else if err != nil {
			dcontext.GetLogger(ctx).Debugf("size probe failed, continuing without: %v", err)
		}
		cancel()
	}

	if rangeHeader == "" {
		s.serveFull(w, r, desc, opts, size)
		return
	}

	if strings.Contains(rangeHeader, ",") {
		s.serveMultiRange(w, r, desc, opts, size, rangeHeader)
		return
	}
	s.serveSingleRange(w, r, desc, opts, size, rangeHeader)
}

// serveFull writes a plain 200 with the whole body.
func (s *Server) serveFull(w http.ResponseWriter, r *http.Request, desc *driver.StreamDescriptor, opts Options, size int64) {
	if size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	if r.Method == http.MethodHead {
		s.finishStatus(w, opts, http.StatusOK)
		return
	}

	handle, err := desc.Open(r.Context())
	if err != nil {
		s.writeError(w, r, err, opts)
		return
	}
	defer handle.Close()

	w.WriteHeader(http.StatusOK)
	s.copyBody(r.Context(), w, handle.Reader, opts)
	responsesTotal.WithLabelValues(string(opts.Channel), "200").Inc()
}

// serveSingleRange implements step 7 of the algorithm.
func (s *Server) serveSingleRange(w http.ResponseWriter, r *http.Request, desc *driver.StreamDescriptor, opts Options, size int64, rangeHeader string) {
	ctx := r.Context()

	// Unknown size: Range cannot be served in RFC-compliant form.
	if size < 0 {
		s.serveFull(w, r, desc, opts, size)
		return
	}

	start, end, ok := parseSingleRange(rangeHeader, size)
	if !ok {
		s.serveFull(w, r, desc, opts, size)
		return
	}
	if start >= size {
		w.Header().Set("Content-Range", unsatisfiedContentRange(size))
		w.Header().Del("Content-Length")
		s.finishStatus(w, opts, http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if end >= size || end < 0 {
		end = size - 1
	}
	rng := driver.Range{Start: start, End: end}

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Range", contentRange(rng, size))
		w.Header().Set("Content-Length", strconv.FormatInt(rng.Length(), 10))
		s.finishStatus(w, opts, http.StatusPartialContent)
		return
	}

	// Video-seek guard: before soft-slicing deep into a large video, make
	// sure the upstream honors ranges at all. A backend that serves 200
	// regardless would force us to read and discard start bytes per seek.
	if start > videoSeekThreshold && isVideoRequest(r, desc, opts.Path) {
		if !s.upstreamHonorsRange(ctx, desc, start) {
			videoSeekGuards.Inc()
			dcontext.GetLoggerWithField(ctx, "path", opts.Path).
				Infof("video seek guard: upstream ignores Range at offset %d, serving full body", start)
			s.serveFull(w, r, desc, opts, size)
			return
		}
	}

	if desc.OpenRange != nil {
		handle, err := desc.OpenRange(ctx, rng)
		if err != nil {
			s.writeError(w, r, err, opts)
			return
		}
		if rangeConfirmed(handle, start) {
			defer handle.Close()
			w.Header().Set("Content-Range", contentRange(rng, size))
			w.Header().Set("Content-Length", strconv.FormatInt(rng.Length(), 10))
			w.WriteHeader(http.StatusPartialContent)
			s.copyBody(ctx, w, handle.Reader, opts)
			responsesTotal.WithLabelValues(string(opts.Channel), "206").Inc()
			return
		}
		// The upstream returned a full body; fall through to the policy
		// using this already-open stream.
		s.serveFallbackRange(w, r, desc, handle, opts, size, rng)
		return
	}

	s.serveFallbackRange(w, r, desc, nil, opts, size, rng)
}

// serveFallbackRange serves a range against a full-body stream per the
// descriptor's fallback policy. handle, when non-nil, is an already-open
// full-body stream to reuse.
func (s *Server) serveFallbackRange(w http.ResponseWriter, r *http.Request, desc *driver.StreamDescriptor, handle *driver.StreamHandle, opts Options, size int64, rng driver.Range) {
	ctx := r.Context()

	if desc.FallbackPolicy() == driver.FallbackFull {
		if handle != nil {
			defer handle.Close()
			dcontext.GetLogger(ctx).Debugf("range fallback policy=full, serving whole body")
			if size >= 0 {
				w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
			}
			w.WriteHeader(http.StatusOK)
			s.copyBody(ctx, w, handle.Reader, opts)
			responsesTotal.WithLabelValues(string(opts.Channel), "200").Inc()
			return
		}
		s.serveFull(w, r, desc, opts, size)
		return
	}

	if handle == nil {
		var err error
		handle, err = desc.Open(ctx)
		if err != nil {
			s.writeError(w, r, err, opts)
			return
		}
	}
	defer handle.Close()

	softwareSlices.Inc()

	// Software slice: 206 without Content-Length; the client terminates on
	// stream close.
	w.Header().Set("Content-Range", contentRange(rng, size))
	w.Header().Del("Content-Length")
	w.WriteHeader(http.StatusPartialContent)
	s.copyBody(ctx, w, newSliceReader(handle.Reader, rng.Start, rng.End), opts)
	responsesTotal.WithLabelValues(string(opts.Channel), "206").Inc()
}

// serveMultiRange implements step 6 of the algorithm.
func (s *Server) serveMultiRange(w http.ResponseWriter, r *http.Request, desc *driver.StreamDescriptor, opts Options, size int64, rangeHeader string) {
	ctx := r.Context()

	// Multi-range requires a known size and native range support.
	if size < 0 || desc.OpenRange == nil {
		s.serveFull(w, r, desc, opts, size)
		return
	}

	ranges, err := parseRange(rangeHeader, size)
	switch err {
	case nil:
	case errUnsatisfiableRange:
		w.Header().Set("Content-Range", unsatisfiedContentRange(size))
		s.finishStatus(w, opts, http.StatusRequestedRangeNotSatisfiable)
		return
	default:
		s.serveFull(w, r, desc, opts, size)
		return
	}

	if totalRequested(ranges) > size {
		s.serveFull(w, r, desc, opts, size)
		return
	}
	if len(ranges) == 1 {
		s.serveSingleRange(w, r, desc, opts, size,
			fmt.Sprintf("bytes=%d-%d", ranges[0].Start, ranges[0].End))
		return
	}

	// Probe the first segment with a 1-byte range; backends that ignore
	// Range get the whole request downgraded to 200 rather than N slices.
	if !s.upstreamHonorsRange(ctx, desc, ranges[0].Start) {
		s.serveFull(w, r, desc, opts, size)
		return
	}

	mw := multipart.NewWriter(w)
	contentType := w.Header().Get("Content-Type")
	w.Header().Set("Content-Type", "multipart/byteranges; boundary="+mw.Boundary())
	w.Header().Del("Content-Length")

	if r.Method == http.MethodHead {
		s.finishStatus(w, opts, http.StatusPartialContent)
		return
	}

	w.WriteHeader(http.StatusPartialContent)
	for _, rng := range ranges {
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":  {contentType},
			"Content-Range": {contentRange(rng, size)},
		})
		if err != nil {
			dcontext.GetLogger(ctx).WithError(err).Error("writing byterange part header")
			return
		}
		handle, err := desc.OpenRange(ctx, rng)
		if err != nil {
			dcontext.GetLogger(ctx).WithError(err).Error("opening byterange segment")
			return
		}
		s.copyBody(ctx, part, handle.Reader, opts)
		handle.Close()
	}
	if err := mw.Close(); err != nil {
		dcontext.GetLogger(ctx).WithError(err).Error("closing byteranges body")
	}
	responsesTotal.WithLabelValues(string(opts.Channel), "206").Inc()
}

// upstreamHonorsRange issues a 1-byte probe at offset and reports whether
// the upstream truthfully honored it.
func (s *Server) upstreamHonorsRange(ctx context.Context, desc *driver.StreamDescriptor, offset int64) bool {
	if desc.OpenRange == nil {
		return false
	}
	handle, err := desc.OpenRange(ctx, driver.Range{Start: offset, End: offset})
	if err != nil {
		return false
	}
	defer handle.Close()
	return rangeConfirmed(handle, offset)
}

// rangeConfirmed post-detects whether a handle really carries the requested
// range: an explicit driver verdict wins; otherwise a 206 with a
// Content-Range, or a 200 whose Content-Range agrees with the offset.
func rangeConfirmed(h *driver.StreamHandle, start int64) bool {
	if h.SupportsRange != nil {
		return *h.SupportsRange
	}
	switch h.UpstreamStatus {
	case 0:
		// No HTTP upstream (local file); OpenRange is authoritative.
		return true
	case http.StatusPartialContent:
		return h.UpstreamContentRange != ""
	case http.StatusOK:
		var s, e, total int64
		if _, err := fmt.Sscanf(h.UpstreamContentRange, "bytes %d-%d/%d", &s, &e, &total); err == nil {
			return s == start
		}
		return false
	}
	return false
}

// copyBody bridges the upstream reader to the client, stopping on client
// cancel. Write errors terminate the body without retry.
func (s *Server) copyBody(ctx context.Context, w io.Writer, src io.Reader, opts Options) {
	n, err := io.Copy(w, readerWithContext{ctx: ctx, r: src})
	bytesServed.WithLabelValues(string(opts.Channel)).Add(float64(n))
	if err != nil && ctx.Err() == nil {
		dcontext.GetLogger(ctx).WithError(err).Warn("stream terminated mid-body")
	}
}

// readerWithContext aborts reads once the request context is done, bounding
// how long a disconnected client can pin an upstream handle to one pull.
type readerWithContext struct {
	ctx context.Context
	r   io.Reader
}

func (rc readerWithContext) Read(p []byte) (int, error) {
	if err := rc.ctx.Err(); err != nil {
		return 0, err
	}
	return rc.r.Read(p)
}

// finishStatus writes a body-less terminal status.
func (s *Server) finishStatus(w http.ResponseWriter, opts Options, status int) {
	w.WriteHeader(status)
	responsesTotal.WithLabelValues(string(opts.Channel), strconv.Itoa(status)).Inc()
}

// writeError maps driver failures onto the wire taxonomy.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, opts Options) {
	ctx := r.Context()
	logger := dcontext.GetLoggerWithField(ctx, "path", opts.Path)

	var coded error
	switch {
	case driver.IsNotFound(err):
		coded = errcode.ErrorCodeNotFound.WithMessage(err.Error())
	case driver.IsAccessDenied(err):
		coded = errcode.ErrorCodeForbidden
	default:
		logger.WithError(err).Error("stream open failed")
		coded = errcode.ErrorCodeDriver
	}

	// Entity headers set optimistically above must not leak onto errors.
	w.Header().Del("Content-Length")
	w.Header().Del("Content-Range")
	if serveErr := errcode.ServeJSON(w, coded); serveErr != nil {
		logger.WithError(serveErr).Error("writing error response")
	}
}

// isVideoRequest applies the seek-guard heuristics: descriptor media type,
// fetch metadata headers, Accept, or a known video extension.
func isVideoRequest(r *http.Request, desc *driver.StreamDescriptor, logicalPath string) bool {
	if strings.HasPrefix(desc.ContentType, "video/") {
		return true
	}
	if r.Header.Get("Sec-Fetch-Dest") == "video" {
		return true
	}
	if strings.Contains(r.Header.Get("Accept"), "video/") {
		return true
	}
	return videoExtensions[strings.ToLower(path.Ext(logicalPath))]
}

// contentTypeFor resolves the served media type: the descriptor's, then the
// path extension, then octet-stream.
func contentTypeFor(desc *driver.StreamDescriptor, logicalPath string) string {
	if desc.ContentType != "" {
		return desc.ContentType
	}
	if mt := mime.TypeByExtension(path.Ext(logicalPath)); mt != "" {
		return mt
	}
	return "application/octet-stream"
}
