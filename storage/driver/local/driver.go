// Package local is the POSIX filesystem adapter. Writes go through a
// same-directory temp file plus rename, so partially written uploads are
// never visible under their final name.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/filehub/filehub/storage/driver"
	"github.com/filehub/filehub/storage/driver/registry"
)

const driverName = "LOCAL"

func init() {
	registry.Register(registry.Registration{
		Type:        driverName,
		DisplayName: "Local Disk",
		Capabilities: driver.Capabilities{
			driver.CapReader, driver.CapWriter, driver.CapAtomic,
		},
		Options: []registry.Option{
			{Name: "root_path", Type: registry.OptionString, Required: true, Rule: registry.RuleAbsPath,
				Description: "Absolute directory all paths resolve under"},
			{Name: "dir_mode", Type: registry.OptionString, Default: "0755", Rule: registry.RuleOctalPermission},
			{Name: "file_mode", Type: registry.OptionString, Default: "0644", Rule: registry.RuleOctalPermission},
			{Name: "default_folder", Type: registry.OptionString},
		},
		Hidden: func() bool { return runtime.GOOS == "windows" },
		New: func(ctx context.Context, cfg registry.Config, secret registry.Config) (driver.Driver, error) {
			return newDriver(cfg)
		},
	})
}

// Driver serves a directory subtree.
type Driver struct {
	root     string
	dirMode  os.FileMode
	fileMode os.FileMode
}

var (
	_ driver.Driver = (*Driver)(nil)
	_ driver.Reader = (*Driver)(nil)
	_ driver.Writer = (*Driver)(nil)
)

func newDriver(cfg registry.Config) (*Driver, error) {
	root, _ := cfg["root_path"].(string)
	if !filepath.IsAbs(root) {
		return nil, driver.InvalidPathError{Path: root, DriverName: driverName}
	}
	return &Driver{
		root:     filepath.Clean(root),
		dirMode:  parseMode(cfg["dir_mode"], 0o755),
		fileMode: parseMode(cfg["file_mode"], 0o644),
	}, nil
}

func parseMode(raw interface{}, fallback os.FileMode) os.FileMode {
	s, _ := raw.(string)
	if s == "" {
		return fallback
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "0o"), 8, 32)
	if err != nil {
		return fallback
	}
	return os.FileMode(n)
}

// Type implements driver.Driver.
func (d *Driver) Type() string { return driverName }

// Capabilities implements driver.Driver.
func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{driver.CapReader, driver.CapWriter, driver.CapAtomic}
}

// resolve maps a backend subPath onto the root, refusing escapes.
func (d *Driver) resolve(subPath string) (string, error) {
	full := filepath.Join(d.root, filepath.FromSlash(subPath))
	if full != d.root && !strings.HasPrefix(full, d.root+string(filepath.Separator)) {
		return "", driver.InvalidPathError{Path: subPath, DriverName: driverName}
	}
	return full, nil
}

// ListDirectory implements driver.Reader.
func (d *Driver) ListDirectory(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.Listing, error) {
	full, err := d.resolve(subPath)
	if err != nil {
		return nil, err
	}

	dirents, err := os.ReadDir(full)
	if err != nil {
		return nil, mapOSError(err, subPath)
	}

	items := make([]driver.ListItem, 0, len(dirents))
	for _, de := range dirents {
		item := driver.ListItem{
			Path:        strings.TrimSuffix(opts.Path, "/") + "/" + de.Name(),
			Name:        de.Name(),
			IsDirectory: de.IsDir(),
		}
		if !de.IsDir() {
			if fi, err := de.Info(); err == nil {
				size := fi.Size()
				mod := fi.ModTime()
				item.Size = &size
				item.Modified = &mod
			}
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	return &driver.Listing{Path: opts.Path, Type: "directory", Items: items}, nil
}

// GetFileInfo implements driver.Reader.
func (d *Driver) GetFileInfo(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.FileInfo, error) {
	full, err := d.resolve(subPath)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(full)
	if err != nil {
		return nil, mapOSError(err, subPath)
	}

	info := &driver.FileInfo{
		Path:        opts.Path,
		Name:        fi.Name(),
		IsDirectory: fi.IsDir(),
	}
	if !fi.IsDir() {
		size := fi.Size()
		mod := fi.ModTime()
		info.Size = &size
		info.Modified = &mod
		info.ETag = etagFor(fi)
	}
	return info, nil
}

// DownloadFile implements driver.Reader.
func (d *Driver) DownloadFile(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.StreamDescriptor, error) {
	full, err := d.resolve(subPath)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(full)
	if err != nil {
		return nil, mapOSError(err, subPath)
	}
	if fi.IsDir() {
		return nil, driver.PathNotFoundError{Path: subPath, DriverName: driverName}
	}

	size := fi.Size()
	mod := fi.ModTime()
	return &driver.StreamDescriptor{
		Size:         &size,
		ETag:         etagFor(fi),
		LastModified: &mod,
		Open: func(ctx context.Context) (*driver.StreamHandle, error) {
			f, err := os.Open(full)
			if err != nil {
				return nil, mapOSError(err, subPath)
			}
			return &driver.StreamHandle{Reader: f}, nil
		},
		OpenRange: func(ctx context.Context, rng driver.Range) (*driver.StreamHandle, error) {
			if rng.Start >= size {
				return nil, driver.InvalidOffsetError{Path: subPath, Offset: rng.Start, DriverName: driverName}
			}
			f, err := os.Open(full)
			if err != nil {
				return nil, mapOSError(err, subPath)
			}
			end := rng.End
			if end >= size {
				end = size - 1
			}
			yes := true
			return &driver.StreamHandle{
				Reader:               &sectionReader{f: f, r: io.NewSectionReader(f, rng.Start, end-rng.Start+1)},
				SupportsRange:        &yes,
				UpstreamContentRange: fmt.Sprintf("bytes %d-%d/%d", rng.Start, end, size),
			}, nil
		},
	}, nil
}

type sectionReader struct {
	f *os.File
	r *io.SectionReader
}

func (s *sectionReader) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *sectionReader) Close() error               { return s.f.Close() }

// UploadFile implements driver.Writer.
func (d *Driver) UploadFile(ctx context.Context, subPath string, content io.Reader, size int64, opts driver.CallOptions) (*driver.UploadResult, error) {
	if err := d.writeFile(subPath, content); err != nil {
		return nil, err
	}
	return &driver.UploadResult{Success: true, StoragePath: subPath}, nil
}

// UpdateFile implements driver.Writer.
func (d *Driver) UpdateFile(ctx context.Context, subPath string, content io.Reader, size int64, opts driver.CallOptions) (*driver.UpdateResult, error) {
	full, err := d.resolve(subPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(full); err != nil {
		return nil, mapOSError(err, subPath)
	}
	if err := d.writeFile(subPath, content); err != nil {
		return nil, err
	}
	return &driver.UpdateResult{Success: true, Path: opts.Path}, nil
}

func (d *Driver) writeFile(subPath string, content io.Reader) error {
	full, err := d.resolve(subPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), d.dirMode); err != nil {
		return mapOSError(err, subPath)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return mapOSError(err, subPath)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return driver.Error{DriverName: driverName, Enclosed: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return mapOSError(err, subPath)
	}
	if err := os.Chmod(tmpName, d.fileMode); err != nil {
		os.Remove(tmpName)
		return mapOSError(err, subPath)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return mapOSError(err, subPath)
	}
	return nil
}

// CreateDirectory implements driver.Writer.
func (d *Driver) CreateDirectory(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.CreateDirResult, error) {
	full, err := d.resolve(subPath)
	if err != nil {
		return nil, err
	}
	if fi, err := os.Stat(full); err == nil && fi.IsDir() {
		return &driver.CreateDirResult{Success: true, Path: opts.Path, AlreadyExists: true}, nil
	}
	if err := os.MkdirAll(full, d.dirMode); err != nil {
		return nil, mapOSError(err, subPath)
	}
	return &driver.CreateDirResult{Success: true, Path: opts.Path}, nil
}

// RenameItem implements driver.Writer.
func (d *Driver) RenameItem(ctx context.Context, oldSub, newSub string, pair driver.RenamePair) (*driver.RenameResult, error) {
	oldFull, err := d.resolve(oldSub)
	if err != nil {
		return nil, err
	}
	newFull, err := d.resolve(newSub)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(newFull), d.dirMode); err != nil {
		return nil, mapOSError(err, newSub)
	}
	if err := os.Rename(oldFull, newFull); err != nil {
		return nil, mapOSError(err, oldSub)
	}
	return &driver.RenameResult{Success: true, Source: pair.Source, Target: pair.Target}, nil
}

// CopyItem implements driver.Writer.
func (d *Driver) CopyItem(ctx context.Context, srcSub, dstSub string, pair driver.RenamePair) (*driver.CopyResult, error) {
	srcFull, err := d.resolve(srcSub)
	if err != nil {
		return nil, err
	}
	dstFull, err := d.resolve(dstSub)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(srcFull); err != nil {
		return nil, mapOSError(err, srcSub)
	}
	if _, err := os.Stat(dstFull); err == nil {
		return &driver.CopyResult{
			Status:  driver.CopySkipped,
			Source:  pair.Source,
			Target:  pair.Target,
			Skipped: true,
			Reason:  "target already exists",
		}, nil
	}

	if err := d.copyTree(srcFull, dstFull); err != nil {
		return nil, err
	}
	return &driver.CopyResult{Status: driver.CopySuccess, Source: pair.Source, Target: pair.Target}, nil
}

func (d *Driver) copyTree(src, dst string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return mapOSError(err, src)
	}

	if fi.IsDir() {
		if err := os.MkdirAll(dst, d.dirMode); err != nil {
			return mapOSError(err, dst)
		}
		dirents, err := os.ReadDir(src)
		if err != nil {
			return mapOSError(err, src)
		}
		for _, de := range dirents {
			if err := d.copyTree(filepath.Join(src, de.Name()), filepath.Join(dst, de.Name())); err != nil {
				return err
			}
		}
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return mapOSError(err, src)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), d.dirMode); err != nil {
		return mapOSError(err, dst)
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, d.fileMode)
	if err != nil {
		return mapOSError(err, dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return driver.Error{DriverName: driverName, Enclosed: err}
	}
	return out.Close()
}

// BatchRemoveItems implements driver.Writer.
func (d *Driver) BatchRemoveItems(ctx context.Context, subPaths []string, opts driver.CallOptions) (*driver.BatchRemoveResult, error) {
	res := &driver.BatchRemoveResult{Failed: []driver.BatchRemoveFailure{}}
	for _, sub := range subPaths {
		full, err := d.resolve(sub)
		if err != nil {
			res.Failed = append(res.Failed, driver.BatchRemoveFailure{Path: sub, Error: err.Error()})
			continue
		}
		if _, err := os.Stat(full); err != nil {
			res.Failed = append(res.Failed, driver.BatchRemoveFailure{Path: sub, Error: "not found"})
			continue
		}
		if err := os.RemoveAll(full); err != nil {
			res.Failed = append(res.Failed, driver.BatchRemoveFailure{Path: sub, Error: err.Error()})
			continue
		}
		res.Succeeded++
	}
	return res, nil
}

func etagFor(fi os.FileInfo) string {
	return fmt.Sprintf("%q", fmt.Sprintf("local-%d-%d", fi.Size(), fi.ModTime().UnixNano()))
}

func mapOSError(err error, path string) error {
	switch {
	case os.IsNotExist(err):
		return driver.PathNotFoundError{Path: path, DriverName: driverName}
	case os.IsPermission(err):
		return driver.AccessDeniedError{Path: path, DriverName: driverName, Message: err.Error()}
	default:
		return driver.Error{DriverName: driverName, Enclosed: err}
	}
}
