package contract

import (
	"context"
	"io"

	"github.com/filehub/filehub/storage/driver"
)

// Enforcer is the transparent wrapper returned by CreateDriver. It proxies
// every enforced method to the inner driver, validating the inputs before
// the call and the result shape after it. Callers treat it as the driver.
type Enforcer struct {
	inner driver.Driver
	caps  driver.Capabilities
}

var (
	_ driver.Driver       = (*Enforcer)(nil)
	_ driver.Reader       = (*Enforcer)(nil)
	_ driver.Writer       = (*Enforcer)(nil)
	_ driver.DirectLinker = (*Enforcer)(nil)
	_ driver.Proxier      = (*Enforcer)(nil)
	_ driver.Multiparter  = (*Enforcer)(nil)
)

// Type returns the inner driver's type.
func (e *Enforcer) Type() string { return e.inner.Type() }

// Capabilities returns the effective capability set: the intersection of
// what the driver advertised and what its registration declares.
func (e *Enforcer) Capabilities() driver.Capabilities { return e.caps }

// Unwrap exposes the inner driver for same-backend fast paths (native copy).
func (e *Enforcer) Unwrap() driver.Driver { return e.inner }

// Stats proxies the optional provider-quota probe, unvalidated beyond
// non-nilness: its result is advisory.
func (e *Enforcer) Stats(ctx context.Context) (*driver.QuotaStats, error) {
	sp, ok := e.inner.(driver.StatsProvider)
	if !ok {
		return &driver.QuotaStats{Supported: false, Message: "backend reports no quota"}, nil
	}
	st, err := sp.Stats(ctx)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, violation(e.Type(), "Stats", "nil result with nil error")
	}
	return st, nil
}

// precheck validates the path coherence rules shared by every single-path
// method: a non-empty logical path, and agreement between the positional
// backend path and the options copy of it.
func (e *Enforcer) precheck(method, subPath string, opts driver.CallOptions) error {
	if opts.Path == "" {
		return violation(e.Type(), method, "options.Path (logical path) is empty")
	}
	if subPath == "" {
		return violation(e.Type(), method, "positional subPath is empty")
	}
	if opts.SubPath != "" && opts.SubPath != subPath {
		return violation(e.Type(), method,
			"positional subPath %q disagrees with options.SubPath %q", subPath, opts.SubPath)
	}
	return nil
}

func (e *Enforcer) precheckPair(method, srcSub, dstSub string, pair driver.RenamePair) error {
	if pair.Source == "" || pair.Target == "" {
		return violation(e.Type(), method, "rename pair requires both logical paths")
	}
	if srcSub == "" || dstSub == "" {
		return violation(e.Type(), method, "rename pair requires both positional subPaths")
	}
	if pair.SourceSub != "" && pair.SourceSub != srcSub {
		return violation(e.Type(), method,
			"positional source %q disagrees with pair.SourceSub %q", srcSub, pair.SourceSub)
	}
	if pair.TargetSub != "" && pair.TargetSub != dstSub {
		return violation(e.Type(), method,
			"positional target %q disagrees with pair.TargetSub %q", dstSub, pair.TargetSub)
	}
	return nil
}

func (e *Enforcer) reader(method string) (driver.Reader, error) {
	r, ok := e.inner.(driver.Reader)
	if !ok {
		return nil, violation(e.Type(), method, "driver does not implement READER")
	}
	return r, nil
}

func (e *Enforcer) writer(method string) (driver.Writer, error) {
	w, ok := e.inner.(driver.Writer)
	if !ok {
		return nil, violation(e.Type(), method, "driver does not implement WRITER")
	}
	return w, nil
}

// ListDirectory proxies READER.ListDirectory with shape validation.
func (e *Enforcer) ListDirectory(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.Listing, error) {
	r, err := e.reader("ListDirectory")
	if err != nil {
		return nil, err
	}
	if err := e.precheck("ListDirectory", subPath, opts); err != nil {
		return nil, err
	}
	listing, err := r.ListDirectory(ctx, subPath, opts)
	if err != nil {
		return nil, err
	}
	if err := e.checkListing(listing, opts); err != nil {
		return nil, err
	}
	return listing, nil
}

// GetFileInfo proxies READER.GetFileInfo with shape validation.
func (e *Enforcer) GetFileInfo(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.FileInfo, error) {
	r, err := e.reader("GetFileInfo")
	if err != nil {
		return nil, err
	}
	if err := e.precheck("GetFileInfo", subPath, opts); err != nil {
		return nil, err
	}
	info, err := r.GetFileInfo(ctx, subPath, opts)
	if err != nil {
		return nil, err
	}
	if err := e.checkFileInfo(info, opts); err != nil {
		return nil, err
	}
	return info, nil
}

// DownloadFile proxies READER.DownloadFile, requiring a usable descriptor.
func (e *Enforcer) DownloadFile(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.StreamDescriptor, error) {
	r, err := e.reader("DownloadFile")
	if err != nil {
		return nil, err
	}
	if err := e.precheck("DownloadFile", subPath, opts); err != nil {
		return nil, err
	}
	desc, err := r.DownloadFile(ctx, subPath, opts)
	if err != nil {
		return nil, err
	}
	if desc == nil || desc.Open == nil {
		return nil, violation(e.Type(), "DownloadFile", "descriptor missing Open")
	}
	return desc, nil
}

// UploadFile proxies WRITER.UploadFile with shape validation.
func (e *Enforcer) UploadFile(ctx context.Context, subPath string, content io.Reader, size int64, opts driver.CallOptions) (*driver.UploadResult, error) {
	w, err := e.writer("UploadFile")
	if err != nil {
		return nil, err
	}
	if err := e.precheck("UploadFile", subPath, opts); err != nil {
		return nil, err
	}
	res, err := w.UploadFile(ctx, subPath, content, size, opts)
	if err != nil {
		return nil, err
	}
	if err := e.checkUpload(res); err != nil {
		return nil, err
	}
	return res, nil
}

// UpdateFile proxies WRITER.UpdateFile with shape validation.
func (e *Enforcer) UpdateFile(ctx context.Context, subPath string, content io.Reader, size int64, opts driver.CallOptions) (*driver.UpdateResult, error) {
	w, err := e.writer("UpdateFile")
	if err != nil {
		return nil, err
	}
	if err := e.precheck("UpdateFile", subPath, opts); err != nil {
		return nil, err
	}
	res, err := w.UpdateFile(ctx, subPath, content, size, opts)
	if err != nil {
		return nil, err
	}
	if err := e.checkUpdate(res, opts); err != nil {
		return nil, err
	}
	return res, nil
}

// CreateDirectory proxies WRITER.CreateDirectory with shape validation.
func (e *Enforcer) CreateDirectory(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.CreateDirResult, error) {
	w, err := e.writer("CreateDirectory")
	if err != nil {
		return nil, err
	}
	if err := e.precheck("CreateDirectory", subPath, opts); err != nil {
		return nil, err
	}
	res, err := w.CreateDirectory(ctx, subPath, opts)
	if err != nil {
		return nil, err
	}
	if err := e.checkCreateDir(res, opts); err != nil {
		return nil, err
	}
	return res, nil
}

// RenameItem proxies WRITER.RenameItem with pair validation on both sides.
func (e *Enforcer) RenameItem(ctx context.Context, oldSub, newSub string, pair driver.RenamePair) (*driver.RenameResult, error) {
	w, err := e.writer("RenameItem")
	if err != nil {
		return nil, err
	}
	if err := e.precheckPair("RenameItem", oldSub, newSub, pair); err != nil {
		return nil, err
	}
	res, err := w.RenameItem(ctx, oldSub, newSub, pair)
	if err != nil {
		return nil, err
	}
	if err := e.checkRename(res, pair); err != nil {
		return nil, err
	}
	return res, nil
}

// CopyItem proxies WRITER.CopyItem with the tri-state result validation,
// including the skipped⇒reason rule and the forbidden legacy fields.
func (e *Enforcer) CopyItem(ctx context.Context, srcSub, dstSub string, pair driver.RenamePair) (*driver.CopyResult, error) {
	w, err := e.writer("CopyItem")
	if err != nil {
		return nil, err
	}
	if err := e.precheckPair("CopyItem", srcSub, dstSub, pair); err != nil {
		return nil, err
	}
	res, err := w.CopyItem(ctx, srcSub, dstSub, pair)
	if err != nil {
		return nil, err
	}
	if err := e.checkCopy(res, pair); err != nil {
		return nil, err
	}
	return res, nil
}

// BatchRemoveItems proxies WRITER.BatchRemoveItems with shape validation.
func (e *Enforcer) BatchRemoveItems(ctx context.Context, subPaths []string, opts driver.CallOptions) (*driver.BatchRemoveResult, error) {
	w, err := e.writer("BatchRemoveItems")
	if err != nil {
		return nil, err
	}
	if opts.Path == "" {
		return nil, violation(e.Type(), "BatchRemoveItems", "options.Path (logical path) is empty")
	}
	for _, p := range subPaths {
		if p == "" {
			return nil, violation(e.Type(), "BatchRemoveItems", "empty subPath in batch")
		}
	}
	res, err := w.BatchRemoveItems(ctx, subPaths, opts)
	if err != nil {
		return nil, err
	}
	if err := e.checkBatchRemove(res); err != nil {
		return nil, err
	}
	return res, nil
}

// GenerateDownloadURL proxies DIRECT_LINK.GenerateDownloadURL.
func (e *Enforcer) GenerateDownloadURL(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.DownloadURL, error) {
	dl, ok := e.inner.(driver.DirectLinker)
	if !ok {
		return nil, violation(e.Type(), "GenerateDownloadURL", "driver does not implement DIRECT_LINK")
	}
	if err := e.precheck("GenerateDownloadURL", subPath, opts); err != nil {
		return nil, err
	}
	res, err := dl.GenerateDownloadURL(ctx, subPath, opts)
	if err != nil {
		return nil, err
	}
	if err := e.checkDownloadURL(res); err != nil {
		return nil, err
	}
	return res, nil
}

// GenerateProxyURL proxies PROXY.GenerateProxyURL.
func (e *Enforcer) GenerateProxyURL(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.ProxyURL, error) {
	p, ok := e.inner.(driver.Proxier)
	if !ok {
		return nil, violation(e.Type(), "GenerateProxyURL", "driver does not implement PROXY")
	}
	if err := e.precheck("GenerateProxyURL", subPath, opts); err != nil {
		return nil, err
	}
	res, err := p.GenerateProxyURL(ctx, subPath, opts)
	if err != nil {
		return nil, err
	}
	if err := e.checkProxyURL(res); err != nil {
		return nil, err
	}
	return res, nil
}

// GenerateUploadURL proxies the optional presigned-upload path.
func (e *Enforcer) GenerateUploadURL(ctx context.Context, subPath string, size int64, contentType string, opts driver.CallOptions) (*driver.UploadURL, error) {
	u, ok := e.inner.(driver.UploadURLer)
	if !ok {
		return nil, violation(e.Type(), "GenerateUploadURL", "driver does not presign uploads")
	}
	if err := e.precheck("GenerateUploadURL", subPath, opts); err != nil {
		return nil, err
	}
	res, err := u.GenerateUploadURL(ctx, subPath, size, contentType, opts)
	if err != nil {
		return nil, err
	}
	if err := e.checkUploadURL(res); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Enforcer) multiparter(method string) (driver.Multiparter, error) {
	m, ok := e.inner.(driver.Multiparter)
	if !ok {
		return nil, violation(e.Type(), method, "driver does not implement MULTIPART")
	}
	return m, nil
}

// InitializeFrontendMultipartUpload proxies the multipart init with
// strategy-specific field validation.
func (e *Enforcer) InitializeFrontendMultipartUpload(ctx context.Context, subPath string, init driver.MultipartInit, opts driver.CallOptions) (*driver.MultipartInitResult, error) {
	m, err := e.multiparter("InitializeFrontendMultipartUpload")
	if err != nil {
		return nil, err
	}
	if err := e.precheck("InitializeFrontendMultipartUpload", subPath, opts); err != nil {
		return nil, err
	}
	res, err := m.InitializeFrontendMultipartUpload(ctx, subPath, init, opts)
	if err != nil {
		return nil, err
	}
	if err := e.checkMultipartInit(res); err != nil {
		return nil, err
	}
	return res, nil
}

// SignMultipartParts proxies the part signing with shape validation.
func (e *Enforcer) SignMultipartParts(ctx context.Context, subPath, uploadID string, partNumbers []int, opts driver.CallOptions) (*driver.MultipartSignResult, error) {
	m, err := e.multiparter("SignMultipartParts")
	if err != nil {
		return nil, err
	}
	if err := e.precheck("SignMultipartParts", subPath, opts); err != nil {
		return nil, err
	}
	res, err := m.SignMultipartParts(ctx, subPath, uploadID, partNumbers, opts)
	if err != nil {
		return nil, err
	}
	if err := e.checkMultipartSign(res); err != nil {
		return nil, err
	}
	return res, nil
}

// ListMultipartUploads proxies the upload listing.
func (e *Enforcer) ListMultipartUploads(ctx context.Context, subPath string, opts driver.CallOptions) ([]driver.MultipartUpload, error) {
	m, err := e.multiparter("ListMultipartUploads")
	if err != nil {
		return nil, err
	}
	if err := e.precheck("ListMultipartUploads", subPath, opts); err != nil {
		return nil, err
	}
	return m.ListMultipartUploads(ctx, subPath, opts)
}

// ListMultipartParts proxies the part listing.
func (e *Enforcer) ListMultipartParts(ctx context.Context, subPath, uploadID string, opts driver.CallOptions) ([]driver.MultipartPart, error) {
	m, err := e.multiparter("ListMultipartParts")
	if err != nil {
		return nil, err
	}
	if err := e.precheck("ListMultipartParts", subPath, opts); err != nil {
		return nil, err
	}
	return m.ListMultipartParts(ctx, subPath, uploadID, opts)
}

// CompleteFrontendMultipartUpload proxies the completion call.
func (e *Enforcer) CompleteFrontendMultipartUpload(ctx context.Context, subPath, uploadID string, parts []driver.CompletedPart, opts driver.CallOptions) (*driver.MultipartCompleteResult, error) {
	m, err := e.multiparter("CompleteFrontendMultipartUpload")
	if err != nil {
		return nil, err
	}
	if err := e.precheck("CompleteFrontendMultipartUpload", subPath, opts); err != nil {
		return nil, err
	}
	res, err := m.CompleteFrontendMultipartUpload(ctx, subPath, uploadID, parts, opts)
	if err != nil {
		return nil, err
	}
	if res == nil || !res.Success || res.StoragePath == "" {
		return nil, violation(e.Type(), "CompleteFrontendMultipartUpload", "result requires success and storagePath")
	}
	return res, nil
}

// AbortFrontendMultipartUpload proxies the abort call.
func (e *Enforcer) AbortFrontendMultipartUpload(ctx context.Context, subPath, uploadID string, opts driver.CallOptions) error {
	m, err := e.multiparter("AbortFrontendMultipartUpload")
	if err != nil {
		return err
	}
	if err := e.precheck("AbortFrontendMultipartUpload", subPath, opts); err != nil {
		return err
	}
	return m.AbortFrontendMultipartUpload(ctx, subPath, uploadID, opts)
}

// ProxyFrontendMultipartChunk proxies one relayed part body.
func (e *Enforcer) ProxyFrontendMultipartChunk(ctx context.Context, subPath, uploadID string, partNumber int, body io.Reader, opts driver.CallOptions) (*driver.MultipartPart, error) {
	m, err := e.multiparter("ProxyFrontendMultipartChunk")
	if err != nil {
		return nil, err
	}
	if err := e.precheck("ProxyFrontendMultipartChunk", subPath, opts); err != nil {
		return nil, err
	}
	res, err := m.ProxyFrontendMultipartChunk(ctx, subPath, uploadID, partNumber, body, opts)
	if err != nil {
		return nil, err
	}
	if res == nil || res.PartNumber != partNumber {
		return nil, violation(e.Type(), "ProxyFrontendMultipartChunk", "result must echo the part number")
	}
	return res, nil
}
