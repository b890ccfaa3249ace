// Package driver defines the contract between the file service core and the
// storage backend adapters. A backend implements Driver plus the optional
// capability interfaces matching the capabilities it advertises; the runtime
// enforcer in storage/driver/contract verifies the two stay in agreement.
package driver

import (
	"context"
	"io"
	"time"
)

// Capability names a feature set a driver advertises. Each capability
// implies a required method set, verified at creation time.
type Capability string

const (
	// CapReader implies ListDirectory, GetFileInfo and DownloadFile.
	CapReader Capability = "READER"
	// CapWriter implies UploadFile, UpdateFile, CreateDirectory, RenameItem,
	// CopyItem and BatchRemoveItems.
	CapWriter Capability = "WRITER"
	// CapDirectLink implies GenerateDownloadURL.
	CapDirectLink Capability = "DIRECT_LINK"
	// CapMultipart implies the frontend multipart upload method set.
	CapMultipart Capability = "MULTIPART"
	// CapAtomic marks backends whose rename/copy are atomic; it implies no
	// extra methods.
	CapAtomic Capability = "ATOMIC"
	// CapProxy implies GenerateProxyURL.
	CapProxy Capability = "PROXY"
	// CapPagedList marks backends whose ListDirectory honors page tokens; it
	// implies no extra methods.
	CapPagedList Capability = "PAGED_LIST"
)

// Capabilities is a set of Capability values with set-style helpers.
type Capabilities []Capability

// Has reports whether c contains cap.
func (c Capabilities) Has(cap Capability) bool {
	for _, have := range c {
		if have == cap {
			return true
		}
	}
	return false
}

// Intersect returns the capabilities present in both c and other.
func (c Capabilities) Intersect(other Capabilities) Capabilities {
	var out Capabilities
	for _, have := range c {
		if other.Has(have) {
			out = append(out, have)
		}
	}
	return out
}

// Driver is the base contract every storage backend satisfies. Capability
// method sets are expressed as the optional interfaces below.
type Driver interface {
	// Type returns the registered storage type identifier, e.g. "S3". It
	// must equal the type the driver was created under.
	Type() string

	// Capabilities returns the capabilities this instance advertises. The
	// effective set is the intersection with the registration's set.
	Capabilities() Capabilities
}

// Initializer is implemented by drivers that need a startup round-trip
// (token check, bucket head) before first use. CreateDriver awaits it.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// CallOptions carries the request-side bookkeeping every driver method
// receives alongside its positional path. Path duplicates the positional
// argument; the enforcer rejects calls where the two disagree, which catches
// plumbing bugs where a handler resolves one path and passes another.
type CallOptions struct {
	// Path is the logical VFS path of the operation.
	Path string
	// SubPath is the backend-relative path after mount resolution.
	SubPath string
	// Channel identifies the serving channel (fs-web, webdav, proxy, share,
	// internal) for adapters that vary behavior by purpose.
	Channel string
	// PageToken requests a listing continuation for PAGED_LIST backends.
	PageToken string
}

// ListItem is one entry of a directory listing.
type ListItem struct {
	Path        string     `json:"path"`
	Name        string     `json:"name"`
	IsDirectory bool       `json:"isDirectory"`
	Size        *int64     `json:"size"`
	Modified    *time.Time `json:"modified"`
}

// Listing is the result of ListDirectory. Path must echo the logical path of
// the call.
type Listing struct {
	Path          string     `json:"path"`
	Type          string     `json:"type"` // always "directory"
	Items         []ListItem `json:"items"`
	NextPageToken string     `json:"nextPageToken,omitempty"`
}

// FileInfo is the result of GetFileInfo. Size and Modified are present but
// nullable: a nil Size means the backend cannot cheaply report one.
type FileInfo struct {
	Path        string     `json:"path"`
	Name        string     `json:"name"`
	IsDirectory bool       `json:"isDirectory"`
	Size        *int64     `json:"size"`
	Modified    *time.Time `json:"modified"`
	ContentType string     `json:"contentType,omitempty"`
	ETag        string     `json:"etag,omitempty"`
}

// Reader is the READER capability method set.
type Reader interface {
	// ListDirectory lists the direct children of the directory at subPath.
	ListDirectory(ctx context.Context, subPath string, opts CallOptions) (*Listing, error)

	// GetFileInfo stats the object or directory at subPath.
	GetFileInfo(ctx context.Context, subPath string, opts CallOptions) (*FileInfo, error)

	// DownloadFile returns a lazy stream descriptor for the object at
	// subPath. No bytes are fetched until the descriptor is opened.
	DownloadFile(ctx context.Context, subPath string, opts CallOptions) (*StreamDescriptor, error)
}

// CreateDirResult is the result of CreateDirectory.
type CreateDirResult struct {
	Success       bool   `json:"success"`
	Path          string `json:"path"`
	AlreadyExists bool   `json:"alreadyExists,omitempty"`
}

// UploadResult is the result of UploadFile.
type UploadResult struct {
	Success     bool   `json:"success"`
	StoragePath string `json:"storagePath"`
	Message     string `json:"message,omitempty"`
}

// UpdateResult is the result of UpdateFile.
type UpdateResult struct {
	Success bool   `json:"success"`
	Path    string `json:"path"`
	Message string `json:"message,omitempty"`
}

// RenameResult is the result of RenameItem.
type RenameResult struct {
	Success bool   `json:"success"`
	Source  string `json:"source"`
	Target  string `json:"target"`
	Message string `json:"message,omitempty"`
}

// CopyStatus is the tri-state outcome of CopyItem.
type CopyStatus string

const (
	CopySuccess CopyStatus = "success"
	CopySkipped CopyStatus = "skipped"
	CopyFailed  CopyStatus = "failed"
)

// CopyResult is the result of CopyItem. When Status is CopySkipped, Skipped
// must be true and Reason non-empty. The legacy Error field must stay empty;
// failures are expressed through Status and Message.
type CopyResult struct {
	Status  CopyStatus `json:"status"`
	Source  string     `json:"source"`
	Target  string     `json:"target"`
	Message string     `json:"message,omitempty"`
	Skipped bool       `json:"skipped,omitempty"`
	Reason  string     `json:"reason,omitempty"`

	// Error is forbidden output; retained only so the enforcer can reject
	// adapters ported from shapes that used it.
	Error string `json:"error,omitempty"`
}

// BatchRemoveFailure records one path a batch removal could not delete.
type BatchRemoveFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// BatchRemoveResult is the result of BatchRemoveItems.
type BatchRemoveResult struct {
	Succeeded int                  `json:"success"`
	Failed    []BatchRemoveFailure `json:"failed"`
}

// Writer is the WRITER capability method set.
type Writer interface {
	// UploadFile stores content at subPath, creating parent directories as
	// the backend requires. oldSize, when non-nil, is the size of the object
	// being replaced and is consulted by the admission guard upstream.
	UploadFile(ctx context.Context, subPath string, content io.Reader, size int64, opts CallOptions) (*UploadResult, error)

	// UpdateFile replaces the content of an existing object at subPath.
	UpdateFile(ctx context.Context, subPath string, content io.Reader, size int64, opts CallOptions) (*UpdateResult, error)

	// CreateDirectory creates the directory at subPath. Creating an existing
	// directory is not an error; AlreadyExists reports it.
	CreateDirectory(ctx context.Context, subPath string, opts CallOptions) (*CreateDirResult, error)

	// RenameItem moves the object or directory at oldSubPath to newSubPath.
	RenameItem(ctx context.Context, oldSubPath, newSubPath string, opts RenamePair) (*RenameResult, error)

	// CopyItem copies the object at srcSubPath to dstSubPath within this
	// backend.
	CopyItem(ctx context.Context, srcSubPath, dstSubPath string, opts RenamePair) (*CopyResult, error)

	// BatchRemoveItems deletes every named object, reporting per-path
	// failures rather than aborting on the first.
	BatchRemoveItems(ctx context.Context, subPaths []string, opts CallOptions) (*BatchRemoveResult, error)
}

// RenamePair carries the logical and backend-relative paths of a rename or
// copy. The enforcer checks each (logical, sub) pair against its positional
// argument independently.
type RenamePair struct {
	// Source and Target are the logical VFS paths.
	Source string
	Target string
	// SourceSub and TargetSub are the backend-relative paths and must match
	// the positional arguments.
	SourceSub string
	TargetSub string
	// Channel as in CallOptions.
	Channel string
}

// DownloadURL is the result of GenerateDownloadURL.
type DownloadURL struct {
	URL       string     `json:"url"`
	Type      string     `json:"type"` // "custom_host" or "native_direct"
	ExpiresIn int64      `json:"expiresIn,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// DirectLinker is the DIRECT_LINK capability method set.
type DirectLinker interface {
	// GenerateDownloadURL returns a signed or otherwise directly fetchable
	// URL for the object at subPath.
	GenerateDownloadURL(ctx context.Context, subPath string, opts CallOptions) (*DownloadURL, error)
}

// ProxyURL is the result of GenerateProxyURL.
type ProxyURL struct {
	URL       string `json:"url"`
	Type      string `json:"type"` // always "proxy"
	Channel   string `json:"channel,omitempty"`
	ExpiresIn int64  `json:"expiresIn,omitempty"`
}

// Proxier is the PROXY capability method set.
type Proxier interface {
	// GenerateProxyUrl returns a service-relative URL through which the
	// object is streamed by this process.
	GenerateProxyURL(ctx context.Context, subPath string, opts CallOptions) (*ProxyURL, error)
}

// UploadURL is the result of GenerateUploadURL. UploadURL may be empty only
// when SkipUpload is set (the object already exists backend-side).
type UploadURL struct {
	UploadURL   string            `json:"uploadUrl"`
	StoragePath string            `json:"storagePath"`
	Headers     map[string]string `json:"headers,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
	ExpiresIn   int64             `json:"expiresIn,omitempty"`
	SkipUpload  bool              `json:"skipUpload,omitempty"`
}

// UploadURLer is implemented by backends that can presign single-shot upload
// URLs. Like StatsProvider it is not tied to a capability; the enforcer
// still validates its result shape.
type UploadURLer interface {
	GenerateUploadURL(ctx context.Context, subPath string, size int64, contentType string, opts CallOptions) (*UploadURL, error)
}

// StatsProvider is implemented by backends that can report provider-side
// quota. It backs the provider-quota tier of the usage engine and is not
// tied to a capability.
type StatsProvider interface {
	Stats(ctx context.Context) (*QuotaStats, error)
}

// QuotaStats is the normalized provider-quota report.
type QuotaStats struct {
	Supported      bool      `json:"supported"`
	Message        string    `json:"message,omitempty"`
	TotalBytes     *int64    `json:"totalBytes,omitempty"`
	UsedBytes      *int64    `json:"usedBytes,omitempty"`
	RemainingBytes *int64    `json:"remainingBytes,omitempty"`
	DeletedBytes   *int64    `json:"deletedBytes,omitempty"`
	TrashBytes     *int64    `json:"trashBytes,omitempty"`
	DriveBytes     *int64    `json:"driveBytes,omitempty"`
	PercentUsed    *float64  `json:"percentUsed,omitempty"`
	State          string    `json:"state,omitempty"`
	SnapshotAt     time.Time `json:"snapshotAt"`
}
