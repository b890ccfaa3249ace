package github

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/filehub/filehub/storage/driver"
	"github.com/filehub/filehub/storage/driver/registry"
	"github.com/filehub/filehub/storage/driver/remote"
)

const releasesName = "GITHUB_RELEASES"

func init() {
	registry.Register(registry.Registration{
		Type:        releasesName,
		DisplayName: "GitHub Releases",
		Capabilities: driver.Capabilities{
			driver.CapReader, driver.CapDirectLink,
		},
		Options: []registry.Option{
			{Name: "owner", Type: registry.OptionString, Required: true},
			{Name: "repo", Type: registry.OptionString, Required: true},
			{Name: "token", Type: registry.OptionSecret,
				Description: "Needed for private repositories and higher rate limits"},
		},
		New: func(ctx context.Context, cfg registry.Config, secret registry.Config) (driver.Driver, error) {
			owner, _ := cfg["owner"].(string)
			repo, _ := cfg["repo"].(string)
			if owner == "" || repo == "" {
				return nil, invalidPath(releasesName, "owner/repo")
			}
			token, _ := secret["token"].(string)
			return &ReleasesDriver{
				api:   &apiClient{http: remote.NewClient(releasesName), token: token},
				owner: owner,
				repo:  repo,
			}, nil
		},
	})
}

// ReleasesDriver maps releases to directories named by tag and assets to the
// files inside them.
type ReleasesDriver struct {
	api   *apiClient
	owner string
	repo  string
}

var (
	_ driver.Driver       = (*ReleasesDriver)(nil)
	_ driver.Reader       = (*ReleasesDriver)(nil)
	_ driver.DirectLinker = (*ReleasesDriver)(nil)
)

// Type implements driver.Driver.
func (d *ReleasesDriver) Type() string { return releasesName }

// Capabilities implements driver.Driver.
func (d *ReleasesDriver) Capabilities() driver.Capabilities {
	return driver.Capabilities{driver.CapReader, driver.CapDirectLink}
}

type ghRelease struct {
	TagName     string    `json:"tag_name"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []ghAsset `json:"assets"`
}

type ghAsset struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	UpdatedAt   time.Time `json:"updated_at"`
	BrowserURL  string    `json:"browser_download_url"`
	URL         string    `json:"url"`
}

// split returns (tag, asset); either may be empty.
func split(subPath string) (string, string) {
	clean := strings.Trim(path.Clean("/"+subPath), "/")
	if clean == "" {
		return "", ""
	}
	tag, asset, _ := strings.Cut(clean, "/")
	return tag, asset
}

func (d *ReleasesDriver) release(ctx context.Context, tag string) (*ghRelease, error) {
	var rel ghRelease
	url := fmt.Sprintf("%s/repos/%s/%s/releases/tags/%s", apiBase, d.owner, d.repo, tag)
	if err := d.api.getJSON(ctx, url, &rel); err != nil {
		return nil, err
	}
	return &rel, nil
}

func (d *ReleasesDriver) asset(ctx context.Context, tag, name string) (*ghAsset, error) {
	rel, err := d.release(ctx, tag)
	if err != nil {
		return nil, err
	}
	for i := range rel.Assets {
		if rel.Assets[i].Name == name {
			return &rel.Assets[i], nil
		}
	}
	return nil, driver.PathNotFoundError{Path: tag + "/" + name, DriverName: releasesName}
}

// ListDirectory implements driver.Reader: the root lists release tags, a tag
// lists its assets.
func (d *ReleasesDriver) ListDirectory(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.Listing, error) {
	base := strings.TrimSuffix(opts.Path, "/")
	tag, asset := split(subPath)
	if asset != "" {
		return nil, driver.PathNotFoundError{Path: subPath, DriverName: releasesName}
	}

	listing := &driver.Listing{Path: opts.Path, Type: "directory", Items: []driver.ListItem{}}

	if tag == "" {
		var releases []ghRelease
		url := fmt.Sprintf("%s/repos/%s/%s/releases?per_page=100", apiBase, d.owner, d.repo)
		if err := d.api.getJSON(ctx, url, &releases); err != nil {
			return nil, err
		}
		for _, rel := range releases {
			listing.Items = append(listing.Items, driver.ListItem{
				Path: base + "/" + rel.TagName, Name: rel.TagName, IsDirectory: true,
			})
		}
		return listing, nil
	}

	rel, err := d.release(ctx, tag)
	if err != nil {
		return nil, err
	}
	for _, a := range rel.Assets {
		size := a.Size
		mod := a.UpdatedAt
		listing.Items = append(listing.Items, driver.ListItem{
			Path: base + "/" + a.Name, Name: a.Name, Size: &size, Modified: &mod,
		})
	}
	return listing, nil
}

// GetFileInfo implements driver.Reader.
func (d *ReleasesDriver) GetFileInfo(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.FileInfo, error) {
	tag, name := split(subPath)
	if tag == "" {
		return &driver.FileInfo{Path: opts.Path, Name: path.Base(opts.Path), IsDirectory: true}, nil
	}
	if name == "" {
		if _, err := d.release(ctx, tag); err != nil {
			return nil, err
		}
		return &driver.FileInfo{Path: opts.Path, Name: tag, IsDirectory: true}, nil
	}

	a, err := d.asset(ctx, tag, name)
	if err != nil {
		return nil, err
	}
	size := a.Size
	mod := a.UpdatedAt
	return &driver.FileInfo{
		Path:        opts.Path,
		Name:        a.Name,
		Size:        &size,
		Modified:    &mod,
		ContentType: a.ContentType,
		ETag:        fmt.Sprintf(`"gh-asset-%d"`, a.ID),
	}, nil
}

// DownloadFile implements driver.Reader. Private assets stream through the
// API endpoint with the octet-stream accept header; public ones use the
// browser download URL, which the CDN serves with Range support.
func (d *ReleasesDriver) DownloadFile(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.StreamDescriptor, error) {
	tag, name := split(subPath)
	if name == "" {
		return nil, driver.PathNotFoundError{Path: subPath, DriverName: releasesName}
	}
	a, err := d.asset(ctx, tag, name)
	if err != nil {
		return nil, err
	}

	url := a.BrowserURL
	headers := map[string]string(nil)
	if d.api.token != "" {
		url = a.URL
		headers = d.api.downloadHeaders()
	}

	size := a.Size
	mod := a.UpdatedAt
	return d.api.http.Descriptor(url, headers, remote.DescriptorHint{
		Size:         &size,
		ContentType:  a.ContentType,
		ETag:         fmt.Sprintf(`"gh-asset-%d"`, a.ID),
		LastModified: &mod,
	}), nil
}

// GenerateDownloadURL implements driver.DirectLinker for public assets.
func (d *ReleasesDriver) GenerateDownloadURL(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.DownloadURL, error) {
	tag, name := split(subPath)
	if name == "" {
		return nil, driver.PathNotFoundError{Path: subPath, DriverName: releasesName}
	}
	a, err := d.asset(ctx, tag, name)
	if err != nil {
		return nil, err
	}
	return &driver.DownloadURL{URL: a.BrowserURL, Type: "native_direct"}, nil
}
