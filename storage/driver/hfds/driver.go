// Package hfds is the read-only HuggingFace Datasets adapter: the hub tree
// API for listings and the resolve endpoint for bytes, which the CDN serves
// with full Range support.
package hfds

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/filehub/filehub/storage/driver"
	"github.com/filehub/filehub/storage/driver/registry"
	"github.com/filehub/filehub/storage/driver/remote"
)

const driverName = "HUGGINGFACE_DATASETS"

const hubBase = "https://huggingface.co"

func init() {
	registry.Register(registry.Registration{
		Type:        driverName,
		DisplayName: "HuggingFace Datasets",
		Capabilities: driver.Capabilities{
			driver.CapReader, driver.CapDirectLink,
		},
		Options: []registry.Option{
			{Name: "repo_id", Type: registry.OptionString, Required: true,
				Description: "Dataset identifier, e.g. squad or user/name"},
			{Name: "revision", Type: registry.OptionString, Default: "main"},
			{Name: "token", Type: registry.OptionSecret,
				Description: "Needed for gated or private datasets"},
		},
		New: func(ctx context.Context, cfg registry.Config, secret registry.Config) (driver.Driver, error) {
			repoID, _ := cfg["repo_id"].(string)
			if repoID == "" {
				return nil, driver.InvalidPathError{Path: "repo_id", DriverName: driverName}
			}
			revision, _ := cfg["revision"].(string)
			if revision == "" {
				revision = "main"
			}
			token, _ := secret["token"].(string)
			return &Driver{
				client:   remote.NewClient(driverName),
				repoID:   repoID,
				revision: revision,
				token:    token,
			}, nil
		},
	})
}

// Driver serves one dataset repository at one revision.
type Driver struct {
	client   *remote.Client
	repoID   string
	revision string
	token    string
}

var (
	_ driver.Driver       = (*Driver)(nil)
	_ driver.Reader       = (*Driver)(nil)
	_ driver.DirectLinker = (*Driver)(nil)
)

// Type implements driver.Driver.
func (d *Driver) Type() string { return driverName }

// Capabilities implements driver.Driver.
func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{driver.CapReader, driver.CapDirectLink}
}

func (d *Driver) headers() map[string]string {
	if d.token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + d.token}
}

func escapePath(subPath string) string {
	clean := strings.Trim(path.Clean("/"+subPath), "/")
	if clean == "" {
		return ""
	}
	segments := strings.Split(clean, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

func (d *Driver) treeURL(subPath string) string {
	u := fmt.Sprintf("%s/api/datasets/%s/tree/%s", hubBase, d.repoID, url.PathEscape(d.revision))
	if p := escapePath(subPath); p != "" {
		u += "/" + p
	}
	return u
}

func (d *Driver) resolveURL(subPath string) string {
	return fmt.Sprintf("%s/datasets/%s/resolve/%s/%s",
		hubBase, d.repoID, url.PathEscape(d.revision), escapePath(subPath))
}

// treeEntry is one row of the hub tree API.
type treeEntry struct {
	Type string `json:"type"` // "file" or "directory"
	Path string `json:"path"`
	Size int64  `json:"size"`
	OID  string `json:"oid"`
}

// ListDirectory implements driver.Reader.
func (d *Driver) ListDirectory(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.Listing, error) {
	var entries []treeEntry
	if err := d.client.DoJSON(ctx, "GET", d.treeURL(subPath), d.headers(), nil, &entries); err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(opts.Path, "/")
	items := make([]driver.ListItem, 0, len(entries))
	for _, e := range entries {
		name := path.Base(e.Path)
		item := driver.ListItem{
			Path:        base + "/" + name,
			Name:        name,
			IsDirectory: e.Type == "directory",
		}
		if !item.IsDirectory {
			size := e.Size
			item.Size = &size
		}
		items = append(items, item)
	}
	return &driver.Listing{Path: opts.Path, Type: "directory", Items: items}, nil
}

// stat resolves one path through its parent's tree listing.
func (d *Driver) stat(ctx context.Context, subPath string) (*treeEntry, error) {
	clean := strings.Trim(path.Clean("/"+subPath), "/")
	if clean == "" {
		return &treeEntry{Type: "directory", Path: ""}, nil
	}

	var entries []treeEntry
	if err := d.client.DoJSON(ctx, "GET", d.treeURL(path.Dir("/"+clean)), d.headers(), nil, &entries); err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Path == clean {
			return &entries[i], nil
		}
	}
	return nil, driver.PathNotFoundError{Path: subPath, DriverName: driverName}
}

// GetFileInfo implements driver.Reader.
func (d *Driver) GetFileInfo(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.FileInfo, error) {
	entry, err := d.stat(ctx, subPath)
	if err != nil {
		return nil, err
	}

	info := &driver.FileInfo{
		Path:        opts.Path,
		Name:        path.Base(opts.Path),
		IsDirectory: entry.Type == "directory",
	}
	if !info.IsDirectory {
		size := entry.Size
		info.Size = &size
		info.ETag = fmt.Sprintf("%q", entry.OID)
	}
	return info, nil
}

// DownloadFile implements driver.Reader through the resolve endpoint.
func (d *Driver) DownloadFile(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.StreamDescriptor, error) {
	entry, err := d.stat(ctx, subPath)
	if err != nil {
		return nil, err
	}
	if entry.Type == "directory" {
		return nil, driver.PathNotFoundError{Path: subPath, DriverName: driverName}
	}

	size := entry.Size
	return d.client.Descriptor(d.resolveURL(subPath), d.headers(), remote.DescriptorHint{
		Size: &size,
		ETag: fmt.Sprintf("%q", entry.OID),
	}), nil
}

// GenerateDownloadURL implements driver.DirectLinker. Public datasets
// resolve without credentials, so the URL is directly fetchable.
func (d *Driver) GenerateDownloadURL(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.DownloadURL, error) {
	if d.token != "" {
		return nil, driver.AccessDeniedError{
			Path: subPath, DriverName: driverName,
			Message: "direct links are not available for gated datasets",
		}
	}
	return &driver.DownloadURL{URL: d.resolveURL(subPath), Type: "native_direct"}, nil
}
