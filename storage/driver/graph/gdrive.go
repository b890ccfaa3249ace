package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/filehub/filehub/storage/driver"
	"github.com/filehub/filehub/storage/driver/registry"
	"github.com/filehub/filehub/storage/driver/remote"
)

const gdriveName = "GOOGLE_DRIVE"

const (
	gdriveBase   = "https://www.googleapis.com/drive/v3"
	gdriveUpload = "https://www.googleapis.com/upload/drive/v3"

	folderMime = "application/vnd.google-apps.folder"

	gdriveFields = "id,name,mimeType,size,modifiedTime,md5Checksum"
)

func init() {
	registry.Register(registry.Registration{
		Type:        gdriveName,
		DisplayName: "Google Drive",
		Capabilities: driver.Capabilities{
			driver.CapReader, driver.CapWriter,
		},
		Options: []registry.Option{
			{Name: "root_folder_id", Type: registry.OptionString, Default: "root",
				Description: "Folder id the mount is rooted at"},
			{Name: "default_folder", Type: registry.OptionString},
			{Name: "access_token", Type: registry.OptionSecret, RequiredOnCreate: true},
		},
		New: func(ctx context.Context, cfg registry.Config, secret registry.Config) (driver.Driver, error) {
			token, _ := secret["access_token"].(string)
			if token == "" {
				return nil, driver.AccessDeniedError{Path: "/", DriverName: gdriveName, Message: "access_token is required"}
			}
			rootID, _ := cfg["root_folder_id"].(string)
			if rootID == "" {
				rootID = "root"
			}
			return &GDriveDriver{
				client: remote.NewClient(gdriveName),
				rootID: rootID,
				token:  token,
			}, nil
		},
	})
}

// GDriveDriver serves the subtree under one Drive folder. Drive addresses
// items by id, so every path operation starts with a segment-by-segment name
// resolution from the root folder.
type GDriveDriver struct {
	client *remote.Client
	rootID string
	token  string
}

var (
	_ driver.Driver        = (*GDriveDriver)(nil)
	_ driver.Reader        = (*GDriveDriver)(nil)
	_ driver.Writer        = (*GDriveDriver)(nil)
	_ driver.StatsProvider = (*GDriveDriver)(nil)
)

// Type implements driver.Driver.
func (d *GDriveDriver) Type() string { return gdriveName }

// Capabilities implements driver.Driver.
func (d *GDriveDriver) Capabilities() driver.Capabilities {
	return driver.Capabilities{driver.CapReader, driver.CapWriter}
}

func (d *GDriveDriver) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + d.token}
}

type gdriveFile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     string `json:"size"` // Drive serializes int64 as a string
	Modified string `json:"modifiedTime"`
	MD5      string `json:"md5Checksum"`
}

func (f *gdriveFile) isDir() bool { return f.MimeType == folderMime }

func (f *gdriveFile) size() int64 {
	n, _ := strconv.ParseInt(f.Size, 10, 64)
	return n
}

func (f *gdriveFile) modified() *time.Time {
	t, err := time.Parse(time.RFC3339, f.Modified)
	if err != nil {
		return nil
	}
	return &t
}

type gdriveList struct {
	Files         []gdriveFile `json:"files"`
	NextPageToken string       `json:"nextPageToken"`
}

func jsonBody(v interface{}) (io.Reader, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// escapeQuery escapes a value for embedding in a Drive q expression.
func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

func (d *GDriveDriver) list(ctx context.Context, q, pageToken string) (*gdriveList, error) {
	v := url.Values{}
	v.Set("q", q)
	v.Set("fields", "nextPageToken,files("+gdriveFields+")")
	v.Set("pageSize", "1000")
	if pageToken != "" {
		v.Set("pageToken", pageToken)
	}

	var out gdriveList
	if err := d.client.DoJSON(ctx, http.MethodGet, gdriveBase+"/files?"+v.Encode(), d.headers(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// child finds one entry by name under a parent folder.
func (d *GDriveDriver) child(ctx context.Context, parentID, name string) (*gdriveFile, error) {
	q := fmt.Sprintf("'%s' in parents and name = '%s' and trashed = false",
		escapeQuery(parentID), escapeQuery(name))
	out, err := d.list(ctx, q, "")
	if err != nil {
		return nil, err
	}
	if len(out.Files) == 0 {
		return nil, driver.PathNotFoundError{Path: name, DriverName: gdriveName}
	}
	return &out.Files[0], nil
}

// resolve walks the path from the root folder to the named item.
func (d *GDriveDriver) resolve(ctx context.Context, subPath string) (*gdriveFile, error) {
	clean := strings.Trim(path.Clean("/"+subPath), "/")
	if clean == "" {
		return &gdriveFile{ID: d.rootID, MimeType: folderMime}, nil
	}

	current := &gdriveFile{ID: d.rootID, MimeType: folderMime}
	for _, seg := range strings.Split(clean, "/") {
		next, err := d.child(ctx, current.ID, seg)
		if err != nil {
			if driver.IsNotFound(err) {
				return nil, driver.PathNotFoundError{Path: subPath, DriverName: gdriveName}
			}
			return nil, err
		}
		current = next
	}
	return current, nil
}

// ListDirectory implements driver.Reader.
func (d *GDriveDriver) ListDirectory(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.Listing, error) {
	folder, err := d.resolve(ctx, subPath)
	if err != nil {
		return nil, err
	}
	if !folder.isDir() {
		return nil, driver.InvalidPathError{Path: subPath, DriverName: gdriveName}
	}

	q := fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(folder.ID))
	page, err := d.list(ctx, q, opts.PageToken)
	if err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(opts.Path, "/")
	items := make([]driver.ListItem, 0, len(page.Files))
	for i := range page.Files {
		f := &page.Files[i]
		item := driver.ListItem{
			Path:        base + "/" + f.Name,
			Name:        f.Name,
			IsDirectory: f.isDir(),
		}
		if !f.isDir() {
			size := f.size()
			item.Size = &size
			item.Modified = f.modified()
		}
		items = append(items, item)
	}

	return &driver.Listing{
		Path: opts.Path, Type: "directory", Items: items,
		NextPageToken: page.NextPageToken,
	}, nil
}

// GetFileInfo implements driver.Reader.
func (d *GDriveDriver) GetFileInfo(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.FileInfo, error) {
	f, err := d.resolve(ctx, subPath)
	if err != nil {
		return nil, err
	}

	info := &driver.FileInfo{
		Path:        opts.Path,
		Name:        path.Base(opts.Path),
		IsDirectory: f.isDir(),
	}
	if !f.isDir() {
		size := f.size()
		info.Size = &size
		info.Modified = f.modified()
		info.ContentType = f.MimeType
		if f.MD5 != "" {
			info.ETag = fmt.Sprintf("%q", f.MD5)
		}
	}
	return info, nil
}

// DownloadFile implements driver.Reader through alt=media, which Drive
// serves with Range support.
func (d *GDriveDriver) DownloadFile(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.StreamDescriptor, error) {
	f, err := d.resolve(ctx, subPath)
	if err != nil {
		return nil, err
	}
	if f.isDir() {
		return nil, driver.PathNotFoundError{Path: subPath, DriverName: gdriveName}
	}

	size := f.size()
	hint := remote.DescriptorHint{
		Size:         &size,
		ContentType:  f.MimeType,
		LastModified: f.modified(),
	}
	if f.MD5 != "" {
		hint.ETag = fmt.Sprintf("%q", f.MD5)
	}
	u := gdriveBase + "/files/" + url.PathEscape(f.ID) + "?alt=media"
	return d.client.Descriptor(u, d.headers(), hint), nil
}

// upload pushes content through a resumable session: one metadata POST to
// open it, one PUT with the bytes. fileID empty creates, set replaces.
func (d *GDriveDriver) upload(ctx context.Context, fileID, parentID, name string, content io.Reader, size int64) error {
	meta := map[string]interface{}{}
	method := http.MethodPost
	u := gdriveUpload + "/files?uploadType=resumable"
	if fileID != "" {
		method = http.MethodPatch
		u = gdriveUpload + "/files/" + url.PathEscape(fileID) + "?uploadType=resumable"
	} else {
		meta["name"] = name
		meta["parents"] = []string{parentID}
	}

	resp, err := d.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		body, err := jsonBody(meta)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, method, u, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+d.token)
		req.Header.Set("Content-Type", "application/json; charset=UTF-8")
		return req, nil
	})
	if err != nil {
		return err
	}
	sessionURL := resp.Header.Get("Location")
	if err := d.client.CheckStatus(resp, name); err != nil {
		resp.Body.Close()
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if sessionURL == "" {
		return driver.Error{DriverName: gdriveName, Enclosed: fmt.Errorf("resumable session without Location")}
	}

	// The body is not replayable, so the session PUT is a single attempt.
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURL, content)
	if err != nil {
		return driver.Error{DriverName: gdriveName, Enclosed: err}
	}
	if size >= 0 {
		req.ContentLength = size
	}
	put, err := http.DefaultClient.Do(req)
	if err != nil {
		return driver.Error{DriverName: gdriveName, Enclosed: err}
	}
	defer put.Body.Close()
	return d.client.CheckStatus(put, name)
}

// UploadFile implements driver.Writer.
func (d *GDriveDriver) UploadFile(ctx context.Context, subPath string, content io.Reader, size int64, opts driver.CallOptions) (*driver.UploadResult, error) {
	clean := path.Clean("/" + subPath)
	parent, err := d.resolve(ctx, path.Dir(clean))
	if err != nil {
		return nil, err
	}

	var fileID string
	if existing, err := d.child(ctx, parent.ID, path.Base(clean)); err == nil {
		fileID = existing.ID
	} else if !driver.IsNotFound(err) {
		return nil, err
	}

	if err := d.upload(ctx, fileID, parent.ID, path.Base(clean), content, size); err != nil {
		return nil, err
	}
	return &driver.UploadResult{Success: true, StoragePath: clean}, nil
}

// UpdateFile implements driver.Writer.
func (d *GDriveDriver) UpdateFile(ctx context.Context, subPath string, content io.Reader, size int64, opts driver.CallOptions) (*driver.UpdateResult, error) {
	f, err := d.resolve(ctx, subPath)
	if err != nil {
		return nil, err
	}
	if err := d.upload(ctx, f.ID, "", "", content, size); err != nil {
		return nil, err
	}
	return &driver.UpdateResult{Success: true, Path: opts.Path}, nil
}

// CreateDirectory implements driver.Writer.
func (d *GDriveDriver) CreateDirectory(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.CreateDirResult, error) {
	clean := path.Clean("/" + subPath)
	parent, err := d.resolve(ctx, path.Dir(clean))
	if err != nil {
		return nil, err
	}
	if existing, err := d.child(ctx, parent.ID, path.Base(clean)); err == nil && existing.isDir() {
		return &driver.CreateDirResult{Success: true, Path: opts.Path, AlreadyExists: true}, nil
	}

	body := map[string]interface{}{
		"name":     path.Base(clean),
		"mimeType": folderMime,
		"parents":  []string{parent.ID},
	}
	if err := d.client.DoJSON(ctx, http.MethodPost, gdriveBase+"/files", d.headers(), body, nil); err != nil {
		return nil, err
	}
	return &driver.CreateDirResult{Success: true, Path: opts.Path}, nil
}

// RenameItem implements driver.Writer, patching name and reparenting in one
// call.
func (d *GDriveDriver) RenameItem(ctx context.Context, oldSub, newSub string, pair driver.RenamePair) (*driver.RenameResult, error) {
	f, err := d.resolve(ctx, oldSub)
	if err != nil {
		return nil, err
	}

	oldParent, err := d.resolve(ctx, path.Dir(path.Clean("/"+oldSub)))
	if err != nil {
		return nil, err
	}
	newParent, err := d.resolve(ctx, path.Dir(path.Clean("/"+newSub)))
	if err != nil {
		return nil, err
	}

	v := url.Values{}
	if newParent.ID != oldParent.ID {
		v.Set("addParents", newParent.ID)
		v.Set("removeParents", oldParent.ID)
	}
	u := gdriveBase + "/files/" + url.PathEscape(f.ID)
	if len(v) > 0 {
		u += "?" + v.Encode()
	}
	body := map[string]string{"name": path.Base(path.Clean("/" + newSub))}
	if err := d.client.DoJSON(ctx, http.MethodPatch, u, d.headers(), body, nil); err != nil {
		return nil, err
	}
	return &driver.RenameResult{Success: true, Source: pair.Source, Target: pair.Target}, nil
}

// CopyItem implements driver.Writer. Drive cannot copy folders server-side,
// so directory sources report a failure the copy engine downgrades to
// streaming.
func (d *GDriveDriver) CopyItem(ctx context.Context, srcSub, dstSub string, pair driver.RenamePair) (*driver.CopyResult, error) {
	src, err := d.resolve(ctx, srcSub)
	if err != nil {
		return nil, err
	}
	if src.isDir() {
		return nil, driver.Error{DriverName: gdriveName, Enclosed: fmt.Errorf("folders cannot be copied server-side")}
	}

	dstClean := path.Clean("/" + dstSub)
	dstParent, err := d.resolve(ctx, path.Dir(dstClean))
	if err != nil {
		return nil, err
	}
	if _, err := d.child(ctx, dstParent.ID, path.Base(dstClean)); err == nil {
		return &driver.CopyResult{
			Status:  driver.CopySkipped,
			Source:  pair.Source,
			Target:  pair.Target,
			Skipped: true,
			Reason:  "target already exists",
		}, nil
	} else if !driver.IsNotFound(err) {
		return nil, err
	}

	body := map[string]interface{}{
		"name":    path.Base(dstClean),
		"parents": []string{dstParent.ID},
	}
	u := gdriveBase + "/files/" + url.PathEscape(src.ID) + "/copy"
	if err := d.client.DoJSON(ctx, http.MethodPost, u, d.headers(), body, nil); err != nil {
		return nil, err
	}
	return &driver.CopyResult{Status: driver.CopySuccess, Source: pair.Source, Target: pair.Target}, nil
}

// BatchRemoveItems implements driver.Writer.
func (d *GDriveDriver) BatchRemoveItems(ctx context.Context, subPaths []string, opts driver.CallOptions) (*driver.BatchRemoveResult, error) {
	res := &driver.BatchRemoveResult{Failed: []driver.BatchRemoveFailure{}}
	for _, sub := range subPaths {
		f, err := d.resolve(ctx, sub)
		if err == nil {
			err = d.client.DoJSON(ctx, http.MethodDelete, gdriveBase+"/files/"+url.PathEscape(f.ID), d.headers(), nil, nil)
		}
		if err != nil {
			res.Failed = append(res.Failed, driver.BatchRemoveFailure{Path: sub, Error: err.Error()})
			continue
		}
		res.Succeeded++
	}
	return res, nil
}

// Stats implements driver.StatsProvider from the about storageQuota facet.
func (d *GDriveDriver) Stats(ctx context.Context) (*driver.QuotaStats, error) {
	var out struct {
		StorageQuota struct {
			Limit             string `json:"limit"`
			Usage             string `json:"usage"`
			UsageInDrive      string `json:"usageInDrive"`
			UsageInDriveTrash string `json:"usageInDriveTrash"`
		} `json:"storageQuota"`
	}
	u := gdriveBase + "/about?fields=storageQuota"
	if err := d.client.DoJSON(ctx, http.MethodGet, u, d.headers(), nil, &out); err != nil {
		return nil, err
	}

	q := out.StorageQuota
	stats := &driver.QuotaStats{Supported: true, SnapshotAt: time.Now()}
	used, _ := strconv.ParseInt(q.Usage, 10, 64)
	stats.UsedBytes = &used
	if drive, err := strconv.ParseInt(q.UsageInDrive, 10, 64); err == nil {
		stats.DriveBytes = &drive
	}
	if trash, err := strconv.ParseInt(q.UsageInDriveTrash, 10, 64); err == nil {
		stats.TrashBytes = &trash
	}

	// Accounts without an enforced limit omit it.
	if q.Limit != "" {
		total, err := strconv.ParseInt(q.Limit, 10, 64)
		if err == nil && total > 0 {
			stats.TotalBytes = &total
			remaining := total - used
			stats.RemainingBytes = &remaining
			pct := float64(used) / float64(total) * 100
			stats.PercentUsed = &pct
		}
	} else {
		stats.State = "unlimited"
	}
	return stats, nil
}
