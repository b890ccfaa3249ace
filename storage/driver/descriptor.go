package driver

import (
	"context"
	"io"
	"time"
)

// RangeFallbackPolicy tells the streaming layer what to do when a range is
// requested but the backend cannot serve one natively.
type RangeFallbackPolicy string

const (
	// FallbackSoftware slices the full-body stream in process, discarding
	// the prefix and truncating the suffix.
	FallbackSoftware RangeFallbackPolicy = "software"
	// FallbackFull drops the Range header and serves the whole body as 200.
	FallbackFull RangeFallbackPolicy = "full"
)

// Range is an inclusive byte range.
type Range struct {
	Start int64
	End   int64
}

// Length returns the number of bytes the range spans.
func (r Range) Length() int64 {
	return r.End - r.Start + 1
}

// StreamHandle is an open byte source returned by a descriptor. Close must
// be called on every exit path; closing aborts the upstream fetch.
type StreamHandle struct {
	// Reader delivers the body bytes.
	Reader io.ReadCloser

	// SupportsRange, when non-nil, is the driver's post-fetch verdict on
	// whether the upstream honored the requested range.
	SupportsRange *bool

	// UpstreamStatus is the raw upstream HTTP status, when one exists.
	UpstreamStatus int

	// UpstreamContentRange is the raw upstream Content-Range header, when
	// one exists. The streaming layer uses it to post-detect truthful 206s.
	UpstreamContentRange string
}

// Close releases the handle. Safe on a nil receiver and idempotent per the
// underlying reader's contract.
func (h *StreamHandle) Close() error {
	if h == nil || h.Reader == nil {
		return nil
	}
	return h.Reader.Close()
}

// RangeSupported reports the handle's range verdict, defaulting to true when
// the driver expressed none.
func (h *StreamHandle) RangeSupported() bool {
	if h == nil || h.SupportsRange == nil {
		return true
	}
	return *h.SupportsRange
}

// StreamDescriptor is the uniform lazy handle drivers return from
// DownloadFile. Metadata is available immediately; bytes only flow once Open
// or OpenRange is called.
//
// Invariants: when OpenRange is nil the descriptor must tolerate software
// slicing of its full-body stream; when Size is nil, Range requests cannot
// be served in RFC-compliant form and the streaming layer degrades to 200.
type StreamDescriptor struct {
	Size          *int64
	ContentType   string
	ETag          string
	LastModified  *time.Time
	RangeFallback RangeFallbackPolicy

	// Open fetches the whole body.
	Open func(ctx context.Context) (*StreamHandle, error)

	// OpenRange fetches one byte range. Nil when the backend has no native
	// range support.
	OpenRange func(ctx context.Context, rng Range) (*StreamHandle, error)

	// ProbeSize resolves the object size when Size is nil. Nil when the
	// backend offers no cheap probe.
	ProbeSize func(ctx context.Context) (int64, error)
}

// HasNativeRange reports whether the descriptor can serve ranges without
// software slicing.
func (d *StreamDescriptor) HasNativeRange() bool {
	return d.OpenRange != nil
}

// FallbackPolicy returns the descriptor policy, defaulting to software.
func (d *StreamDescriptor) FallbackPolicy() RangeFallbackPolicy {
	if d.RangeFallback == "" {
		return FallbackSoftware
	}
	return d.RangeFallback
}
