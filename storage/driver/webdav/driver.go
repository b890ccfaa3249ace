// Package webdav is the WebDAV adapter: PROPFIND for listing and stat,
// GET/PUT for bytes, MKCOL/COPY/MOVE/DELETE for the rest. Only the RFC 4918
// subset every mainstream server speaks is used.
package webdav

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/filehub/filehub/storage/driver"
	"github.com/filehub/filehub/storage/driver/registry"
	"github.com/filehub/filehub/storage/driver/remote"
)

const driverName = "WEBDAV"

func init() {
	registry.Register(registry.Registration{
		Type:        driverName,
		DisplayName: "WebDAV",
		Capabilities: driver.Capabilities{
			driver.CapReader, driver.CapWriter,
		},
		Options: []registry.Option{
			{Name: "endpoint", Type: registry.OptionString, Required: true, Rule: registry.RuleURL},
			{Name: "username", Type: registry.OptionString},
			{Name: "password", Type: registry.OptionSecret},
			{Name: "default_folder", Type: registry.OptionString},
		},
		New: func(ctx context.Context, cfg registry.Config, secret registry.Config) (driver.Driver, error) {
			return newDriver(cfg, secret)
		},
	})
}

// Driver serves one WebDAV collection root.
type Driver struct {
	client   *remote.Client
	endpoint string
	auth     string
}

var (
	_ driver.Driver = (*Driver)(nil)
	_ driver.Reader = (*Driver)(nil)
	_ driver.Writer = (*Driver)(nil)
)

func newDriver(cfg registry.Config, secret registry.Config) (*Driver, error) {
	endpoint, _ := cfg["endpoint"].(string)
	if endpoint == "" {
		return nil, driver.InvalidPathError{Path: "endpoint", DriverName: driverName}
	}

	d := &Driver{
		client:   remote.NewClient(driverName),
		endpoint: strings.TrimSuffix(endpoint, "/"),
	}
	if user, _ := cfg["username"].(string); user != "" {
		pass, _ := secret["password"].(string)
		d.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
	}
	return d, nil
}

// Type implements driver.Driver.
func (d *Driver) Type() string { return driverName }

// Capabilities implements driver.Driver.
func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{driver.CapReader, driver.CapWriter}
}

func (d *Driver) urlFor(subPath string) string {
	clean := path.Clean("/" + subPath)
	if clean == "/" {
		return d.endpoint + "/"
	}
	segments := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return d.endpoint + "/" + strings.Join(segments, "/")
}

func (d *Driver) headers(extra map[string]string) map[string]string {
	h := map[string]string{}
	if d.auth != "" {
		h["Authorization"] = d.auth
	}
	for k, v := range extra {
		h[k] = v
	}
	return h
}

// multistatus is the PROPFIND response envelope.
type multistatus struct {
	Responses []davResponse `xml:"response"`
}

type davResponse struct {
	Href  string    `xml:"href"`
	Props []davProp `xml:"propstat>prop"`
}

type davProp struct {
	DisplayName   string        `xml:"displayname"`
	ContentLength int64         `xml:"getcontentlength"`
	LastModified  string        `xml:"getlastmodified"`
	ETag          string        `xml:"getetag"`
	ContentType   string        `xml:"getcontenttype"`
	ResourceType  davCollection `xml:"resourcetype"`
}

type davCollection struct {
	Collection *struct{} `xml:"collection"`
}

func (d *Driver) propfind(ctx context.Context, subPath, depth string) (*multistatus, error) {
	resp, err := d.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "PROPFIND", d.urlFor(subPath), nil)
		if err != nil {
			return nil, err
		}
		for k, v := range d.headers(map[string]string{"Depth": depth}) {
			req.Header.Set(k, v)
		}
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := d.client.CheckStatus(resp, subPath); err != nil {
		return nil, err
	}

	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, driver.Error{DriverName: driverName, Enclosed: fmt.Errorf("parsing multistatus: %w", err)}
	}
	return &ms, nil
}

func (r davResponse) entry() (name string, isDir bool, prop davProp) {
	href := r.Href
	if u, err := url.PathUnescape(href); err == nil {
		href = u
	}
	name = path.Base(strings.TrimSuffix(href, "/"))
	for _, p := range r.Props {
		prop = p
		if p.ResourceType.Collection != nil {
			isDir = true
		}
	}
	return name, isDir, prop
}

func parseDavTime(s string) *time.Time {
	if t, err := http.ParseTime(s); err == nil {
		return &t
	}
	return nil
}

// ListDirectory implements driver.Reader with a Depth:1 PROPFIND.
func (d *Driver) ListDirectory(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.Listing, error) {
	ms, err := d.propfind(ctx, subPath, "1")
	if err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(opts.Path, "/")
	var items []driver.ListItem
	for i, r := range ms.Responses {
		if i == 0 {
			continue // the collection itself
		}
		name, isDir, prop := r.entry()
		item := driver.ListItem{Path: base + "/" + name, Name: name, IsDirectory: isDir}
		if !isDir {
			size := prop.ContentLength
			item.Size = &size
			item.Modified = parseDavTime(prop.LastModified)
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	return &driver.Listing{Path: opts.Path, Type: "directory", Items: items}, nil
}

// GetFileInfo implements driver.Reader with a Depth:0 PROPFIND.
func (d *Driver) GetFileInfo(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.FileInfo, error) {
	ms, err := d.propfind(ctx, subPath, "0")
	if err != nil {
		return nil, err
	}
	if len(ms.Responses) == 0 {
		return nil, driver.PathNotFoundError{Path: subPath, DriverName: driverName}
	}

	_, isDir, prop := ms.Responses[0].entry()
	info := &driver.FileInfo{
		Path:        opts.Path,
		Name:        path.Base(opts.Path),
		IsDirectory: isDir,
	}
	if !isDir {
		size := prop.ContentLength
		info.Size = &size
		info.Modified = parseDavTime(prop.LastModified)
		info.ContentType = prop.ContentType
		info.ETag = prop.ETag
	}
	return info, nil
}

// DownloadFile implements driver.Reader.
func (d *Driver) DownloadFile(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.StreamDescriptor, error) {
	info, err := d.GetFileInfo(ctx, subPath, opts)
	if err != nil {
		return nil, err
	}
	if info.IsDirectory {
		return nil, driver.PathNotFoundError{Path: subPath, DriverName: driverName}
	}

	return d.client.Descriptor(d.urlFor(subPath), d.headers(nil), remote.DescriptorHint{
		Size:         info.Size,
		ContentType:  info.ContentType,
		ETag:         info.ETag,
		LastModified: info.Modified,
	}), nil
}

func (d *Driver) simpleRequest(ctx context.Context, method, subPath string, headers map[string]string) error {
	resp, err := d.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, d.urlFor(subPath), nil)
		if err != nil {
			return nil, err
		}
		for k, v := range d.headers(headers) {
			req.Header.Set(k, v)
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return d.client.CheckStatus(resp, subPath)
}

// UploadFile implements driver.Writer. Intermediate collections are created
// with best-effort MKCOLs; servers that auto-create them answer 405.
func (d *Driver) UploadFile(ctx context.Context, subPath string, content io.Reader, size int64, opts driver.CallOptions) (*driver.UploadResult, error) {
	d.ensureParents(ctx, subPath)

	// PUT bodies are not replayable, so the retry policy does not apply;
	// one attempt through the raw client.
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, d.urlFor(subPath), content)
	if err != nil {
		return nil, driver.Error{DriverName: driverName, Enclosed: err}
	}
	if size >= 0 {
		req.ContentLength = size
	}
	for k, v := range d.headers(nil) {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, driver.Error{DriverName: driverName, Enclosed: err}
	}
	defer resp.Body.Close()
	if err := d.client.CheckStatus(resp, subPath); err != nil {
		return nil, err
	}
	return &driver.UploadResult{Success: true, StoragePath: path.Clean("/" + subPath)}, nil
}

// UpdateFile implements driver.Writer.
func (d *Driver) UpdateFile(ctx context.Context, subPath string, content io.Reader, size int64, opts driver.CallOptions) (*driver.UpdateResult, error) {
	if _, err := d.GetFileInfo(ctx, subPath, opts); err != nil {
		return nil, err
	}
	if _, err := d.UploadFile(ctx, subPath, content, size, opts); err != nil {
		return nil, err
	}
	return &driver.UpdateResult{Success: true, Path: opts.Path}, nil
}

func (d *Driver) ensureParents(ctx context.Context, subPath string) {
	parent := path.Dir(path.Clean("/" + subPath))
	if parent == "/" || parent == "." {
		return
	}
	var prefix string
	for _, seg := range strings.Split(strings.TrimPrefix(parent, "/"), "/") {
		prefix += "/" + seg
		d.simpleRequest(ctx, "MKCOL", prefix, nil)
	}
}

// CreateDirectory implements driver.Writer.
func (d *Driver) CreateDirectory(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.CreateDirResult, error) {
	if info, err := d.GetFileInfo(ctx, subPath, opts); err == nil && info.IsDirectory {
		return &driver.CreateDirResult{Success: true, Path: opts.Path, AlreadyExists: true}, nil
	}
	d.ensureParents(ctx, subPath+"/placeholder")
	if err := d.simpleRequest(ctx, "MKCOL", subPath, nil); err != nil {
		return nil, err
	}
	return &driver.CreateDirResult{Success: true, Path: opts.Path}, nil
}

// RenameItem implements driver.Writer with MOVE.
func (d *Driver) RenameItem(ctx context.Context, oldSub, newSub string, pair driver.RenamePair) (*driver.RenameResult, error) {
	err := d.simpleRequest(ctx, "MOVE", oldSub, map[string]string{
		"Destination": d.urlFor(newSub),
		"Overwrite":   "F",
	})
	if err != nil {
		return nil, err
	}
	return &driver.RenameResult{Success: true, Source: pair.Source, Target: pair.Target}, nil
}

// CopyItem implements driver.Writer with COPY; an existing target reports
// skipped via the 412 the Overwrite:F precondition produces.
func (d *Driver) CopyItem(ctx context.Context, srcSub, dstSub string, pair driver.RenamePair) (*driver.CopyResult, error) {
	err := d.simpleRequest(ctx, "COPY", srcSub, map[string]string{
		"Destination": d.urlFor(dstSub),
		"Overwrite":   "F",
	})
	if err != nil {
		var de driver.Error
		if asDriverError(err, &de) && de.Status == http.StatusPreconditionFailed {
			return &driver.CopyResult{
				Status:  driver.CopySkipped,
				Source:  pair.Source,
				Target:  pair.Target,
				Skipped: true,
				Reason:  "target already exists",
			}, nil
		}
		return nil, err
	}
	return &driver.CopyResult{Status: driver.CopySuccess, Source: pair.Source, Target: pair.Target}, nil
}

// BatchRemoveItems implements driver.Writer.
func (d *Driver) BatchRemoveItems(ctx context.Context, subPaths []string, opts driver.CallOptions) (*driver.BatchRemoveResult, error) {
	res := &driver.BatchRemoveResult{Failed: []driver.BatchRemoveFailure{}}
	for _, sub := range subPaths {
		if err := d.simpleRequest(ctx, http.MethodDelete, sub, nil); err != nil {
			res.Failed = append(res.Failed, driver.BatchRemoveFailure{Path: sub, Error: err.Error()})
			continue
		}
		res.Succeeded++
	}
	return res, nil
}

func asDriverError(err error, target *driver.Error) bool {
	de, ok := err.(driver.Error)
	if ok {
		*target = de
	}
	return ok
}
