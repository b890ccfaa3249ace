package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/filehub/filehub/storage/driver"
	"github.com/filehub/filehub/storage/driver/registry"
	"github.com/filehub/filehub/storage/driver/remote"
)

const contentsName = "GITHUB_API"

// contentsMax is the API's hard size ceiling for the contents endpoint.
const contentsMax = 100 * 1024 * 1024

func init() {
	registry.Register(registry.Registration{
		Type:        contentsName,
		DisplayName: "GitHub Repository",
		Capabilities: driver.Capabilities{
			driver.CapReader, driver.CapWriter,
		},
		Options: []registry.Option{
			{Name: "owner", Type: registry.OptionString, Required: true},
			{Name: "repo", Type: registry.OptionString, Required: true},
			{Name: "branch", Type: registry.OptionString, Default: "main"},
			{Name: "token", Type: registry.OptionSecret, RequiredOnCreate: true},
			{Name: "default_folder", Type: registry.OptionString},
		},
		New: func(ctx context.Context, cfg registry.Config, secret registry.Config) (driver.Driver, error) {
			owner, _ := cfg["owner"].(string)
			repo, _ := cfg["repo"].(string)
			if owner == "" || repo == "" {
				return nil, invalidPath(contentsName, "owner/repo")
			}
			branch, _ := cfg["branch"].(string)
			if branch == "" {
				branch = "main"
			}
			token, _ := secret["token"].(string)
			return &ContentsDriver{
				api:    &apiClient{http: remote.NewClient(contentsName), token: token},
				owner:  owner,
				repo:   repo,
				branch: branch,
			}, nil
		},
	})
}

// ContentsDriver reads and writes repository files through the contents API.
// Every write is a commit on the configured branch.
type ContentsDriver struct {
	api    *apiClient
	owner  string
	repo   string
	branch string
}

var (
	_ driver.Driver = (*ContentsDriver)(nil)
	_ driver.Reader = (*ContentsDriver)(nil)
	_ driver.Writer = (*ContentsDriver)(nil)
)

// Type implements driver.Driver.
func (d *ContentsDriver) Type() string { return contentsName }

// Capabilities implements driver.Driver.
func (d *ContentsDriver) Capabilities() driver.Capabilities {
	return driver.Capabilities{driver.CapReader, driver.CapWriter}
}

type ghContent struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	SHA         string `json:"sha"`
	Size        int64  `json:"size"`
	Type        string `json:"type"` // "file" or "dir"
	DownloadURL string `json:"download_url"`
}

func (d *ContentsDriver) contentsURL(subPath string) string {
	clean := strings.Trim(path.Clean("/"+subPath), "/")
	escaped := make([]string, 0, 8)
	for _, seg := range strings.Split(clean, "/") {
		if seg != "" {
			escaped = append(escaped, url.PathEscape(seg))
		}
	}
	return fmt.Sprintf("%s/repos/%s/%s/contents/%s?ref=%s",
		apiBase, d.owner, d.repo, strings.Join(escaped, "/"), url.QueryEscape(d.branch))
}

// fetch returns either a directory listing (array) or a single file (object).
func (d *ContentsDriver) fetch(ctx context.Context, subPath string) ([]ghContent, *ghContent, error) {
	var raw json.RawMessage
	if err := d.api.getJSON(ctx, d.contentsURL(subPath), &raw); err != nil {
		return nil, nil, err
	}

	if len(raw) > 0 && raw[0] == '[' {
		var list []ghContent
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, nil, driver.Error{DriverName: contentsName, Enclosed: err}
		}
		return list, nil, nil
	}
	var one ghContent
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, nil, driver.Error{DriverName: contentsName, Enclosed: err}
	}
	return nil, &one, nil
}

// ListDirectory implements driver.Reader.
func (d *ContentsDriver) ListDirectory(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.Listing, error) {
	list, one, err := d.fetch(ctx, subPath)
	if err != nil {
		return nil, err
	}
	if one != nil {
		return nil, driver.PathNotFoundError{Path: subPath, DriverName: contentsName}
	}

	base := strings.TrimSuffix(opts.Path, "/")
	items := make([]driver.ListItem, 0, len(list))
	for _, c := range list {
		item := driver.ListItem{
			Path:        base + "/" + c.Name,
			Name:        c.Name,
			IsDirectory: c.Type == "dir",
		}
		if !item.IsDirectory {
			size := c.Size
			item.Size = &size
		}
		items = append(items, item)
	}
	return &driver.Listing{Path: opts.Path, Type: "directory", Items: items}, nil
}

// GetFileInfo implements driver.Reader.
func (d *ContentsDriver) GetFileInfo(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.FileInfo, error) {
	list, one, err := d.fetch(ctx, subPath)
	if err != nil {
		return nil, err
	}
	if list != nil {
		return &driver.FileInfo{Path: opts.Path, Name: path.Base(opts.Path), IsDirectory: true}, nil
	}

	size := one.Size
	return &driver.FileInfo{
		Path: opts.Path,
		Name: one.Name,
		Size: &size,
		ETag: fmt.Sprintf("%q", one.SHA),
	}, nil
}

// DownloadFile implements driver.Reader via the raw download URL.
func (d *ContentsDriver) DownloadFile(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.StreamDescriptor, error) {
	_, one, err := d.fetch(ctx, subPath)
	if err != nil {
		return nil, err
	}
	if one == nil || one.DownloadURL == "" {
		return nil, driver.PathNotFoundError{Path: subPath, DriverName: contentsName}
	}

	size := one.Size
	var headers map[string]string
	if d.api.token != "" {
		headers = map[string]string{"Authorization": "Bearer " + d.api.token}
	}
	return d.api.http.Descriptor(one.DownloadURL, headers, remote.DescriptorHint{
		Size: &size,
		ETag: fmt.Sprintf("%q", one.SHA),
	}), nil
}

type commitBody struct {
	Message string `json:"message"`
	Content string `json:"content"`
	Branch  string `json:"branch"`
	SHA     string `json:"sha,omitempty"`
}

func (d *ContentsDriver) put(ctx context.Context, subPath, message string, content []byte, sha string) error {
	body := commitBody{
		Message: message,
		Content: base64.StdEncoding.EncodeToString(content),
		Branch:  d.branch,
		SHA:     sha,
	}
	return d.api.http.DoJSON(ctx, http.MethodPut, d.contentsURL(subPath), d.api.headers(nil), body, nil)
}

func (d *ContentsDriver) readAll(content io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(content, contentsMax+1))
	if err != nil {
		return nil, driver.Error{DriverName: contentsName, Enclosed: err}
	}
	if len(data) > contentsMax {
		return nil, driver.Error{
			DriverName: contentsName,
			Status:     http.StatusRequestEntityTooLarge,
			Enclosed:   fmt.Errorf("contents API caps files at %d bytes", contentsMax),
		}
	}
	return data, nil
}

// UploadFile implements driver.Writer as a create commit.
func (d *ContentsDriver) UploadFile(ctx context.Context, subPath string, content io.Reader, size int64, opts driver.CallOptions) (*driver.UploadResult, error) {
	data, err := d.readAll(content)
	if err != nil {
		return nil, err
	}

	// Replacing an existing file needs its blob sha.
	sha := ""
	if _, one, err := d.fetch(ctx, subPath); err == nil && one != nil {
		sha = one.SHA
	}
	if err := d.put(ctx, subPath, "upload "+path.Base(subPath), data, sha); err != nil {
		return nil, err
	}
	return &driver.UploadResult{Success: true, StoragePath: path.Clean("/" + subPath)}, nil
}

// UpdateFile implements driver.Writer as an update commit.
func (d *ContentsDriver) UpdateFile(ctx context.Context, subPath string, content io.Reader, size int64, opts driver.CallOptions) (*driver.UpdateResult, error) {
	_, one, err := d.fetch(ctx, subPath)
	if err != nil {
		return nil, err
	}
	if one == nil {
		return nil, driver.PathNotFoundError{Path: subPath, DriverName: contentsName}
	}

	data, err := d.readAll(content)
	if err != nil {
		return nil, err
	}
	if err := d.put(ctx, subPath, "update "+path.Base(subPath), data, one.SHA); err != nil {
		return nil, err
	}
	return &driver.UpdateResult{Success: true, Path: opts.Path}, nil
}

// CreateDirectory implements driver.Writer. Git has no empty directories, so
// the conventional .gitkeep placeholder is committed.
func (d *ContentsDriver) CreateDirectory(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.CreateDirResult, error) {
	if list, _, err := d.fetch(ctx, subPath); err == nil && list != nil {
		return &driver.CreateDirResult{Success: true, Path: opts.Path, AlreadyExists: true}, nil
	}
	keep := strings.TrimSuffix(subPath, "/") + "/.gitkeep"
	if err := d.put(ctx, keep, "create "+path.Base(subPath), nil, ""); err != nil {
		return nil, err
	}
	return &driver.CreateDirResult{Success: true, Path: opts.Path}, nil
}

func (d *ContentsDriver) delete(ctx context.Context, subPath, message, sha string) error {
	body := map[string]string{"message": message, "sha": sha, "branch": d.branch}
	return d.api.http.DoJSON(ctx, http.MethodDelete, d.contentsURL(subPath), d.api.headers(nil), body, nil)
}

// copyBlob reads one file and commits it at the target.
func (d *ContentsDriver) copyBlob(ctx context.Context, src *ghContent, dstSub, message string) error {
	resp, err := d.api.http.Get(ctx, src.DownloadURL, d.api.downloadHeaders())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := d.api.http.CheckStatus(resp, src.Path); err != nil {
		return err
	}
	data, err := d.readAll(resp.Body)
	if err != nil {
		return err
	}
	return d.put(ctx, dstSub, message, data, "")
}

// RenameItem implements driver.Writer as copy-then-delete; single files
// only, matching what the contents API can express.
func (d *ContentsDriver) RenameItem(ctx context.Context, oldSub, newSub string, pair driver.RenamePair) (*driver.RenameResult, error) {
	_, one, err := d.fetch(ctx, oldSub)
	if err != nil {
		return nil, err
	}
	if one == nil {
		return nil, driver.Error{DriverName: contentsName, Enclosed: fmt.Errorf("directory renames are not expressible through the contents API")}
	}

	if err := d.copyBlob(ctx, one, newSub, "rename "+path.Base(oldSub)); err != nil {
		return nil, err
	}
	if err := d.delete(ctx, oldSub, "rename "+path.Base(oldSub), one.SHA); err != nil {
		return nil, err
	}
	return &driver.RenameResult{Success: true, Source: pair.Source, Target: pair.Target}, nil
}

// CopyItem implements driver.Writer.
func (d *ContentsDriver) CopyItem(ctx context.Context, srcSub, dstSub string, pair driver.RenamePair) (*driver.CopyResult, error) {
	if _, existing, err := d.fetch(ctx, dstSub); err == nil && existing != nil {
		return &driver.CopyResult{
			Status:  driver.CopySkipped,
			Source:  pair.Source,
			Target:  pair.Target,
			Skipped: true,
			Reason:  "target already exists",
		}, nil
	}

	_, one, err := d.fetch(ctx, srcSub)
	if err != nil {
		return nil, err
	}
	if one == nil {
		return nil, driver.PathNotFoundError{Path: srcSub, DriverName: contentsName}
	}
	if err := d.copyBlob(ctx, one, dstSub, "copy "+path.Base(srcSub)); err != nil {
		return nil, err
	}
	return &driver.CopyResult{Status: driver.CopySuccess, Source: pair.Source, Target: pair.Target}, nil
}

// BatchRemoveItems implements driver.Writer; each removal is one commit.
func (d *ContentsDriver) BatchRemoveItems(ctx context.Context, subPaths []string, opts driver.CallOptions) (*driver.BatchRemoveResult, error) {
	res := &driver.BatchRemoveResult{Failed: []driver.BatchRemoveFailure{}}
	for _, sub := range subPaths {
		_, one, err := d.fetch(ctx, sub)
		if err != nil || one == nil {
			res.Failed = append(res.Failed, driver.BatchRemoveFailure{Path: sub, Error: "not found"})
			continue
		}
		if err := d.delete(ctx, sub, "delete "+path.Base(sub), one.SHA); err != nil {
			res.Failed = append(res.Failed, driver.BatchRemoveFailure{Path: sub, Error: err.Error()})
			continue
		}
		res.Succeeded++
	}
	return res, nil
}
