// Package graph holds the two OAuth-fronted drive adapters: OneDrive over
// Microsoft Graph and Google Drive over the Drive v3 API. Both report
// provider quota, feeding the provider tier of the usage engine.
package graph

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/filehub/filehub/storage/driver"
	"github.com/filehub/filehub/storage/driver/registry"
	"github.com/filehub/filehub/storage/driver/remote"
)

const onedriveName = "ONEDRIVE"

const (
	graphBase = "https://graph.microsoft.com/v1.0"

	// smallUploadMax is Graph's ceiling for single-shot PUT :/content.
	smallUploadMax = 4 * 1024 * 1024

	// sessionChunk is the upload-session chunk size, a multiple of the
	// required 320 KiB granule.
	sessionChunk = 10 * 320 * 1024 * 32
)

func init() {
	registry.Register(registry.Registration{
		Type:        onedriveName,
		DisplayName: "OneDrive",
		Capabilities: driver.Capabilities{
			driver.CapReader, driver.CapWriter, driver.CapMultipart,
		},
		Options: []registry.Option{
			{Name: "drive_id", Type: registry.OptionString,
				Description: "Graph drive id; empty uses the token owner's default drive"},
			{Name: "default_folder", Type: registry.OptionString},
			{Name: "access_token", Type: registry.OptionSecret, RequiredOnCreate: true},
		},
		New: func(ctx context.Context, cfg registry.Config, secret registry.Config) (driver.Driver, error) {
			token, _ := secret["access_token"].(string)
			if token == "" {
				return nil, driver.AccessDeniedError{Path: "/", DriverName: onedriveName, Message: "access_token is required"}
			}
			driveID, _ := cfg["drive_id"].(string)
			return &OneDriveDriver{
				client:   remote.NewClient(onedriveName),
				driveID:  driveID,
				token:    token,
				sessions: map[string]string{},
			}, nil
		},
	})
}

// OneDriveDriver serves one Graph drive.
type OneDriveDriver struct {
	client  *remote.Client
	driveID string
	token   string

	mu       sync.Mutex
	sessions map[string]string // uploadID -> session URL
}

var (
	_ driver.Driver        = (*OneDriveDriver)(nil)
	_ driver.Reader        = (*OneDriveDriver)(nil)
	_ driver.Writer        = (*OneDriveDriver)(nil)
	_ driver.Multiparter   = (*OneDriveDriver)(nil)
	_ driver.StatsProvider = (*OneDriveDriver)(nil)
)

// Type implements driver.Driver.
func (d *OneDriveDriver) Type() string { return onedriveName }

// Capabilities implements driver.Driver.
func (d *OneDriveDriver) Capabilities() driver.Capabilities {
	return driver.Capabilities{driver.CapReader, driver.CapWriter, driver.CapMultipart}
}

func (d *OneDriveDriver) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + d.token}
}

func (d *OneDriveDriver) driveURL() string {
	if d.driveID != "" {
		return graphBase + "/drives/" + url.PathEscape(d.driveID)
	}
	return graphBase + "/me/drive"
}

// itemURL addresses an item by path; suffix appends a relation like
// "children" or "content" with the Graph path-addressing colon rules.
func (d *OneDriveDriver) itemURL(subPath, suffix string) string {
	clean := strings.Trim(path.Clean("/"+subPath), "/")
	if clean == "" {
		if suffix == "" {
			return d.driveURL() + "/root"
		}
		return d.driveURL() + "/root/" + suffix
	}

	segments := strings.Split(clean, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	u := d.driveURL() + "/root:/" + strings.Join(segments, "/")
	if suffix == "" {
		return u
	}
	return u + ":/" + suffix
}

// driveItem is the subset of the Graph item resource the adapter reads.
type driveItem struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Size        int64      `json:"size"`
	ETag        string     `json:"eTag"`
	Modified    *time.Time `json:"lastModifiedDateTime"`
	Folder      *struct{}  `json:"folder"`
	File        *struct{ MimeType string } `json:"file"`
	DownloadURL string     `json:"@microsoft.graph.downloadUrl"`
}

func (it *driveItem) isDir() bool { return it.Folder != nil }

type childrenPage struct {
	Value    []driveItem `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

// ListDirectory implements driver.Reader.
func (d *OneDriveDriver) ListDirectory(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.Listing, error) {
	u := d.itemURL(subPath, "children")
	if opts.PageToken != "" {
		u = opts.PageToken
	}

	var page childrenPage
	if err := d.client.DoJSON(ctx, http.MethodGet, u, d.headers(), nil, &page); err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(opts.Path, "/")
	items := make([]driver.ListItem, 0, len(page.Value))
	for _, it := range page.Value {
		item := driver.ListItem{
			Path:        base + "/" + it.Name,
			Name:        it.Name,
			IsDirectory: it.isDir(),
		}
		if !it.isDir() {
			size := it.Size
			item.Size = &size
			item.Modified = it.Modified
		}
		items = append(items, item)
	}

	return &driver.Listing{
		Path: opts.Path, Type: "directory", Items: items,
		NextPageToken: page.NextLink,
	}, nil
}

func (d *OneDriveDriver) item(ctx context.Context, subPath string) (*driveItem, error) {
	var it driveItem
	if err := d.client.DoJSON(ctx, http.MethodGet, d.itemURL(subPath, ""), d.headers(), nil, &it); err != nil {
		return nil, err
	}
	return &it, nil
}

// GetFileInfo implements driver.Reader.
func (d *OneDriveDriver) GetFileInfo(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.FileInfo, error) {
	it, err := d.item(ctx, subPath)
	if err != nil {
		return nil, err
	}

	info := &driver.FileInfo{
		Path:        opts.Path,
		Name:        it.Name,
		IsDirectory: it.isDir(),
	}
	if !it.isDir() {
		size := it.Size
		info.Size = &size
		info.Modified = it.Modified
		info.ETag = it.ETag
		if it.File != nil {
			info.ContentType = it.File.MimeType
		}
	}
	return info, nil
}

// DownloadFile implements driver.Reader over the pre-authenticated download
// URL, which the CDN serves with Range support.
func (d *OneDriveDriver) DownloadFile(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.StreamDescriptor, error) {
	it, err := d.item(ctx, subPath)
	if err != nil {
		return nil, err
	}
	if it.isDir() || it.DownloadURL == "" {
		return nil, driver.PathNotFoundError{Path: subPath, DriverName: onedriveName}
	}

	size := it.Size
	return d.client.Descriptor(it.DownloadURL, nil, remote.DescriptorHint{
		Size:         &size,
		ETag:         it.ETag,
		LastModified: it.Modified,
	}), nil
}

// UploadFile implements driver.Writer: single-shot PUT for small bodies, an
// upload session with sequential chunks otherwise.
func (d *OneDriveDriver) UploadFile(ctx context.Context, subPath string, content io.Reader, size int64, opts driver.CallOptions) (*driver.UploadResult, error) {
	if size >= 0 && size <= smallUploadMax {
		if err := d.putSmall(ctx, subPath, content, size); err != nil {
			return nil, err
		}
		return &driver.UploadResult{Success: true, StoragePath: path.Clean("/" + subPath)}, nil
	}

	sessionURL, err := d.createSession(ctx, subPath)
	if err != nil {
		return nil, err
	}
	if err := d.streamSession(ctx, sessionURL, content, size); err != nil {
		return nil, err
	}
	return &driver.UploadResult{Success: true, StoragePath: path.Clean("/" + subPath)}, nil
}

func (d *OneDriveDriver) putSmall(ctx context.Context, subPath string, content io.Reader, size int64) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return driver.Error{DriverName: onedriveName, Enclosed: err}
	}

	resp, err := d.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, d.itemURL(subPath, "content"), bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+d.token)
		req.Header.Set("Content-Type", "application/octet-stream")
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return d.client.CheckStatus(resp, subPath)
}

func (d *OneDriveDriver) createSession(ctx context.Context, subPath string) (string, error) {
	var out struct {
		UploadURL string `json:"uploadUrl"`
	}
	body := map[string]interface{}{
		"item": map[string]string{"@microsoft.graph.conflictBehavior": "replace"},
	}
	if err := d.client.DoJSON(ctx, http.MethodPost, d.itemURL(subPath, "createUploadSession"), d.headers(), body, &out); err != nil {
		return "", err
	}
	if out.UploadURL == "" {
		return "", driver.Error{DriverName: onedriveName, Enclosed: fmt.Errorf("upload session without uploadUrl")}
	}
	return out.UploadURL, nil
}

// streamSession pushes chunks sequentially. Graph requires Content-Range on
// each, so an unknown total size is only resolvable on the final short read.
func (d *OneDriveDriver) streamSession(ctx context.Context, sessionURL string, content io.Reader, size int64) error {
	buf := make([]byte, sessionChunk)
	var offset int64
	for {
		n, readErr := io.ReadFull(content, buf)
		if readErr == io.EOF {
			break
		}
		if readErr != nil && readErr != io.ErrUnexpectedEOF {
			return driver.Error{DriverName: onedriveName, Enclosed: readErr}
		}
		last := readErr == io.ErrUnexpectedEOF || (size >= 0 && offset+int64(n) >= size)

		total := size
		if total < 0 {
			if last {
				total = offset + int64(n)
			} else {
				return driver.Error{DriverName: onedriveName, Enclosed: fmt.Errorf("unknown-size uploads larger than one chunk are unsupported")}
			}
		}

		chunk := buf[:n]
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURL, bytes.NewReader(chunk))
		if err != nil {
			return driver.Error{DriverName: onedriveName, Enclosed: err}
		}
		req.ContentLength = int64(n)
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(n)-1, total))

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return driver.Error{DriverName: onedriveName, Enclosed: err}
		}
		err = d.client.CheckStatus(resp, sessionURL)
		resp.Body.Close()
		if err != nil {
			return err
		}

		offset += int64(n)
		if last {
			break
		}
	}
	return nil
}

// UpdateFile implements driver.Writer.
func (d *OneDriveDriver) UpdateFile(ctx context.Context, subPath string, content io.Reader, size int64, opts driver.CallOptions) (*driver.UpdateResult, error) {
	if _, err := d.item(ctx, subPath); err != nil {
		return nil, err
	}
	if _, err := d.UploadFile(ctx, subPath, content, size, opts); err != nil {
		return nil, err
	}
	return &driver.UpdateResult{Success: true, Path: opts.Path}, nil
}

// CreateDirectory implements driver.Writer.
func (d *OneDriveDriver) CreateDirectory(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.CreateDirResult, error) {
	if it, err := d.item(ctx, subPath); err == nil && it.isDir() {
		return &driver.CreateDirResult{Success: true, Path: opts.Path, AlreadyExists: true}, nil
	}

	parent := path.Dir(path.Clean("/" + subPath))
	body := map[string]interface{}{
		"name":                              path.Base(subPath),
		"folder":                            map[string]interface{}{},
		"@microsoft.graph.conflictBehavior": "fail",
	}
	if err := d.client.DoJSON(ctx, http.MethodPost, d.itemURL(parent, "children"), d.headers(), body, nil); err != nil {
		return nil, err
	}
	return &driver.CreateDirResult{Success: true, Path: opts.Path}, nil
}

// RenameItem implements driver.Writer with a PATCH moving name and parent.
func (d *OneDriveDriver) RenameItem(ctx context.Context, oldSub, newSub string, pair driver.RenamePair) (*driver.RenameResult, error) {
	newParent := path.Dir(path.Clean("/" + newSub))
	body := map[string]interface{}{
		"name": path.Base(newSub),
		"parentReference": map[string]string{
			"path": d.parentRefPath(newParent),
		},
	}
	if err := d.client.DoJSON(ctx, http.MethodPatch, d.itemURL(oldSub, ""), d.headers(), body, nil); err != nil {
		return nil, err
	}
	return &driver.RenameResult{Success: true, Source: pair.Source, Target: pair.Target}, nil
}

func (d *OneDriveDriver) parentRefPath(subPath string) string {
	clean := strings.Trim(path.Clean("/"+subPath), "/")
	ref := "/drive/root:"
	if clean != "" {
		ref += "/" + clean
	}
	return ref
}

// CopyItem implements driver.Writer. Graph copies are asynchronous; the
// adapter fires the copy and reports success once accepted.
func (d *OneDriveDriver) CopyItem(ctx context.Context, srcSub, dstSub string, pair driver.RenamePair) (*driver.CopyResult, error) {
	if _, err := d.item(ctx, dstSub); err == nil {
		return &driver.CopyResult{
			Status:  driver.CopySkipped,
			Source:  pair.Source,
			Target:  pair.Target,
			Skipped: true,
			Reason:  "target already exists",
		}, nil
	}

	body := map[string]interface{}{
		"name": path.Base(dstSub),
		"parentReference": map[string]string{
			"path": d.parentRefPath(path.Dir(path.Clean("/" + dstSub))),
		},
	}
	if err := d.client.DoJSON(ctx, http.MethodPost, d.itemURL(srcSub, "copy"), d.headers(), body, nil); err != nil {
		return nil, err
	}
	return &driver.CopyResult{Status: driver.CopySuccess, Source: pair.Source, Target: pair.Target}, nil
}

// BatchRemoveItems implements driver.Writer.
func (d *OneDriveDriver) BatchRemoveItems(ctx context.Context, subPaths []string, opts driver.CallOptions) (*driver.BatchRemoveResult, error) {
	res := &driver.BatchRemoveResult{Failed: []driver.BatchRemoveFailure{}}
	for _, sub := range subPaths {
		if err := d.client.DoJSON(ctx, http.MethodDelete, d.itemURL(sub, ""), d.headers(), nil, nil); err != nil {
			res.Failed = append(res.Failed, driver.BatchRemoveFailure{Path: sub, Error: err.Error()})
			continue
		}
		res.Succeeded++
	}
	return res, nil
}

// Stats implements driver.StatsProvider from the drive quota facet.
func (d *OneDriveDriver) Stats(ctx context.Context) (*driver.QuotaStats, error) {
	var out struct {
		Quota struct {
			Total     int64  `json:"total"`
			Used      int64  `json:"used"`
			Remaining int64  `json:"remaining"`
			Deleted   int64  `json:"deleted"`
			State     string `json:"state"`
		} `json:"quota"`
	}
	if err := d.client.DoJSON(ctx, http.MethodGet, d.driveURL(), d.headers(), nil, &out); err != nil {
		return nil, err
	}

	q := out.Quota
	stats := &driver.QuotaStats{
		Supported:      true,
		TotalBytes:     &q.Total,
		UsedBytes:      &q.Used,
		RemainingBytes: &q.Remaining,
		DeletedBytes:   &q.Deleted,
		State:          q.State,
		SnapshotAt:     time.Now(),
	}
	if q.Total > 0 {
		pct := float64(q.Used) / float64(q.Total) * 100
		stats.PercentUsed = &pct
	}
	return stats, nil
}

// InitializeFrontendMultipartUpload implements driver.Multiparter with one
// resumable session URL the client drives directly.
func (d *OneDriveDriver) InitializeFrontendMultipartUpload(ctx context.Context, subPath string, init driver.MultipartInit, opts driver.CallOptions) (*driver.MultipartInitResult, error) {
	sessionURL, err := d.createSession(ctx, subPath)
	if err != nil {
		return nil, err
	}

	uploadID := uuid.NewString()
	d.mu.Lock()
	d.sessions[uploadID] = sessionURL
	d.mu.Unlock()

	return &driver.MultipartInitResult{
		Success:    true,
		UploadID:   uploadID,
		Strategy:   driver.StrategySingleSession,
		SessionURL: sessionURL,
	}, nil
}

// SignMultipartParts implements driver.Multiparter; single-session uploads
// have no per-part URLs.
func (d *OneDriveDriver) SignMultipartParts(ctx context.Context, subPath string, uploadID string, partNumbers []int, opts driver.CallOptions) (*driver.MultipartSignResult, error) {
	return &driver.MultipartSignResult{
		Success:  true,
		UploadID: uploadID,
		Strategy: driver.StrategySingleSession,
	}, nil
}

// ListMultipartUploads implements driver.Multiparter over this instance's
// open sessions; Graph offers no cross-client enumeration.
func (d *OneDriveDriver) ListMultipartUploads(ctx context.Context, subPath string, opts driver.CallOptions) ([]driver.MultipartUpload, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	uploads := make([]driver.MultipartUpload, 0, len(d.sessions))
	for id := range d.sessions {
		uploads = append(uploads, driver.MultipartUpload{UploadID: id, Path: opts.Path})
	}
	return uploads, nil
}

// ListMultipartParts implements driver.Multiparter from the session status.
func (d *OneDriveDriver) ListMultipartParts(ctx context.Context, subPath string, uploadID string, opts driver.CallOptions) ([]driver.MultipartPart, error) {
	sessionURL, ok := d.session(uploadID)
	if !ok {
		return nil, driver.PathNotFoundError{Path: uploadID, DriverName: onedriveName}
	}

	var out struct {
		NextExpectedRanges []string `json:"nextExpectedRanges"`
	}
	if err := d.client.DoJSON(ctx, http.MethodGet, sessionURL, nil, nil, &out); err != nil {
		return nil, err
	}

	// Received bytes are everything before the first expected range.
	var received int64
	if len(out.NextExpectedRanges) > 0 {
		fmt.Sscanf(out.NextExpectedRanges[0], "%d-", &received)
	}
	if received == 0 {
		return []driver.MultipartPart{}, nil
	}
	return []driver.MultipartPart{{PartNumber: 1, Size: received}}, nil
}

// CompleteFrontendMultipartUpload implements driver.Multiparter; the session
// finalizes itself when the last chunk lands, so completion is bookkeeping.
func (d *OneDriveDriver) CompleteFrontendMultipartUpload(ctx context.Context, subPath string, uploadID string, parts []driver.CompletedPart, opts driver.CallOptions) (*driver.MultipartCompleteResult, error) {
	d.dropSession(uploadID)
	return &driver.MultipartCompleteResult{
		Success:     true,
		StoragePath: path.Clean("/" + subPath),
	}, nil
}

// AbortFrontendMultipartUpload implements driver.Multiparter.
func (d *OneDriveDriver) AbortFrontendMultipartUpload(ctx context.Context, subPath string, uploadID string, opts driver.CallOptions) error {
	sessionURL, ok := d.session(uploadID)
	if !ok {
		return nil
	}
	d.dropSession(uploadID)
	return d.client.DoJSON(ctx, http.MethodDelete, sessionURL, nil, nil, nil)
}

// ProxyFrontendMultipartChunk implements driver.Multiparter by relaying the
// chunk into the session.
func (d *OneDriveDriver) ProxyFrontendMultipartChunk(ctx context.Context, subPath string, uploadID string, partNumber int, body io.Reader, opts driver.CallOptions) (*driver.MultipartPart, error) {
	sessionURL, ok := d.session(uploadID)
	if !ok {
		return nil, driver.PathNotFoundError{Path: uploadID, DriverName: onedriveName}
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, driver.Error{DriverName: onedriveName, Enclosed: err}
	}
	offset := int64(partNumber-1) * sessionChunk
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURL, bytes.NewReader(data))
	if err != nil {
		return nil, driver.Error{DriverName: onedriveName, Enclosed: err}
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(len(data))-1, offset+int64(len(data))))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, driver.Error{DriverName: onedriveName, Enclosed: err}
	}
	defer resp.Body.Close()
	if err := d.client.CheckStatus(resp, subPath); err != nil {
		return nil, err
	}
	return &driver.MultipartPart{PartNumber: partNumber, Size: int64(len(data))}, nil
}

func (d *OneDriveDriver) session(uploadID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.sessions[uploadID]
	return u, ok
}

func (d *OneDriveDriver) dropSession(uploadID string) {
	d.mu.Lock()
	delete(d.sessions, uploadID)
	d.mu.Unlock()
}
