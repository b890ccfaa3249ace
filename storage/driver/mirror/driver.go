// Package mirror adapts a plain HTTP mirror site: read-only byte access by
// URL convention, served to clients through the in-process proxy channel.
// Mirrors expose no uniform listing protocol, so directories read as empty
// unless the site offers an nginx-style JSON autoindex.
package mirror

import (
	"context"
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

const driverName = "MIRROR"

func init() {
	registry.Register(registry.Registration{
		Type:        driverName,
		DisplayName: "HTTP Mirror",
		Capabilities: driver.Capabilities{
			driver.CapReader, driver.CapProxy,
		},
		Options: []registry.Option{
			{Name: "base_url", Type: registry.OptionString, Required: true, Rule: registry.RuleURL},
			{Name: "autoindex", Type: registry.OptionBoolean, Default: false,
				Description: "Set when the mirror serves nginx JSON autoindex listings"},
			{Name: "default_folder", Type: registry.OptionString},
		},
		New: func(ctx context.Context, cfg registry.Config, secret registry.Config) (driver.Driver, error) {
			return newDriver(cfg)
		},
	})
}

// Driver mirrors one base URL.
type Driver struct {
	client    *remote.Client
	baseURL   string
	autoindex bool
}

var (
	_ driver.Driver  = (*Driver)(nil)
	_ driver.Reader  = (*Driver)(nil)
	_ driver.Proxier = (*Driver)(nil)
)

func newDriver(cfg registry.Config) (*Driver, error) {
	base, _ := cfg["base_url"].(string)
	if base == "" {
		return nil, driver.InvalidPathError{Path: "base_url", DriverName: driverName}
	}
	auto := false
	switch v := cfg["autoindex"].(type) {
	case bool:
		auto = v
	case float64:
		auto = v != 0
	}
	return &Driver{
		client:    remote.NewClient(driverName),
		baseURL:   strings.TrimSuffix(base, "/"),
		autoindex: auto,
	}, nil
}

// Type implements driver.Driver.
func (d *Driver) Type() string { return driverName }

// Capabilities implements driver.Driver.
func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{driver.CapReader, driver.CapProxy}
}

func (d *Driver) urlFor(subPath string) string {
	clean := path.Clean("/" + subPath)
	if clean == "/" {
		return d.baseURL + "/"
	}
	segments := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return d.baseURL + "/" + strings.Join(segments, "/")
}

// autoindexEntry is one row of an nginx `autoindex_format json` listing.
type autoindexEntry struct {
	Name  string `json:"name"`
	Type  string `json:"type"` // "file" or "directory"
	Size  int64  `json:"size"`
	MTime string `json:"mtime"`
}

// ListDirectory implements driver.Reader.
func (d *Driver) ListDirectory(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.Listing, error) {
	listing := &driver.Listing{Path: opts.Path, Type: "directory", Items: []driver.ListItem{}}
	if !d.autoindex {
		return listing, nil
	}

	var entries []autoindexEntry
	if err := d.client.DoJSON(ctx, http.MethodGet, d.urlFor(subPath)+"/", nil, nil, &entries); err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(opts.Path, "/")
	for _, e := range entries {
		item := driver.ListItem{
			Path:        base + "/" + e.Name,
			Name:        e.Name,
			IsDirectory: e.Type == "directory",
		}
		if !item.IsDirectory {
			size := e.Size
			item.Size = &size
			if t, err := time.Parse(time.RFC1123, e.MTime); err == nil {
				item.Modified = &t
			}
		}
		listing.Items = append(listing.Items, item)
	}
	sort.Slice(listing.Items, func(i, j int) bool { return listing.Items[i].Name < listing.Items[j].Name })
	return listing, nil
}

// GetFileInfo implements driver.Reader with a HEAD probe.
func (d *Driver) GetFileInfo(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.FileInfo, error) {
	resp, err := d.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodHead, d.urlFor(subPath), nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := d.client.CheckStatus(resp, subPath); err != nil {
		return nil, err
	}

	info := &driver.FileInfo{
		Path:        opts.Path,
		Name:        path.Base(opts.Path),
		ContentType: resp.Header.Get("Content-Type"),
		ETag:        resp.Header.Get("ETag"),
	}
	if resp.ContentLength >= 0 {
		size := resp.ContentLength
		info.Size = &size
	}
	if t, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		info.Modified = &t
	}
	return info, nil
}

// DownloadFile implements driver.Reader.
func (d *Driver) DownloadFile(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.StreamDescriptor, error) {
	info, err := d.GetFileInfo(ctx, subPath, opts)
	if err != nil {
		return nil, err
	}
	return d.client.Descriptor(d.urlFor(subPath), nil, remote.DescriptorHint{
		Size:         info.Size,
		ContentType:  info.ContentType,
		ETag:         info.ETag,
		LastModified: info.Modified,
	}), nil
}

// GenerateProxyURL implements driver.Proxier: mirrors are consumed through
// the service's own proxy channel, never linked directly.
func (d *Driver) GenerateProxyURL(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.ProxyURL, error) {
	return &driver.ProxyURL{
		URL:     "/p" + opts.Path,
		Type:    "proxy",
		Channel: "proxy",
	}, nil
}
