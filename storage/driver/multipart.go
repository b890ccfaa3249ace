package driver

import (
	"context"
	"io"
	"time"
)

// MultipartStrategy selects how the frontend drives a multipart upload.
type MultipartStrategy string

const (
	// StrategyPerPartURL hands the client one presigned URL per part.
	StrategyPerPartURL MultipartStrategy = "per_part_url"
	// StrategySingleSession hands the client one resumable session URL.
	StrategySingleSession MultipartStrategy = "single_session"
)

// MultipartInit describes the upload the frontend wants to start.
type MultipartInit struct {
	Size        int64
	ContentType string
	PartSize    int64
}

// MultipartInitResult is the result of InitializeFrontendMultipartUpload.
// Strategy-specific fields: per_part_url requires PartSize > 0;
// single_session requires SessionURL.
type MultipartInitResult struct {
	Success    bool              `json:"success"`
	UploadID   string            `json:"uploadId"`
	Strategy   MultipartStrategy `json:"strategy"`
	PartSize   int64             `json:"partSize,omitempty"`
	SessionURL string            `json:"sessionUrl,omitempty"`
	ExpiresIn  int64             `json:"expiresIn,omitempty"`
}

// SignedPart is one presigned part URL.
type SignedPart struct {
	PartNumber int               `json:"partNumber"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// MultipartSignResult is the result of SignMultipartParts. Strategy must
// echo the init strategy; per_part_url requires a non-empty Parts slice.
type MultipartSignResult struct {
	Success  bool              `json:"success"`
	UploadID string            `json:"uploadId"`
	Strategy MultipartStrategy `json:"strategy"`
	Parts    []SignedPart      `json:"parts,omitempty"`
}

// MultipartUpload describes one in-flight upload for listing.
type MultipartUpload struct {
	UploadID  string    `json:"uploadId"`
	Path      string    `json:"path"`
	Initiated time.Time `json:"initiated"`
}

// MultipartPart describes one already-received part.
type MultipartPart struct {
	PartNumber int    `json:"partNumber"`
	Size       int64  `json:"size"`
	ETag       string `json:"etag,omitempty"`
}

// CompletedPart names a part the client finished uploading.
type CompletedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag,omitempty"`
}

// MultipartCompleteResult is the result of CompleteFrontendMultipartUpload.
type MultipartCompleteResult struct {
	Success     bool   `json:"success"`
	StoragePath string `json:"storagePath"`
	ETag        string `json:"etag,omitempty"`
}

// Multiparter is the MULTIPART capability method set: the resumable,
// frontend-driven upload flow.
type Multiparter interface {
	InitializeFrontendMultipartUpload(ctx context.Context, subPath string, init MultipartInit, opts CallOptions) (*MultipartInitResult, error)

	SignMultipartParts(ctx context.Context, subPath string, uploadID string, partNumbers []int, opts CallOptions) (*MultipartSignResult, error)

	ListMultipartUploads(ctx context.Context, subPath string, opts CallOptions) ([]MultipartUpload, error)

	ListMultipartParts(ctx context.Context, subPath string, uploadID string, opts CallOptions) ([]MultipartPart, error)

	CompleteFrontendMultipartUpload(ctx context.Context, subPath string, uploadID string, parts []CompletedPart, opts CallOptions) (*MultipartCompleteResult, error)

	AbortFrontendMultipartUpload(ctx context.Context, subPath string, uploadID string, opts CallOptions) error

	// ProxyFrontendMultipartChunk relays one part body for backends whose
	// part endpoint the browser cannot reach directly.
	ProxyFrontendMultipartChunk(ctx context.Context, subPath string, uploadID string, partNumber int, body io.Reader, opts CallOptions) (*MultipartPart, error)
}
