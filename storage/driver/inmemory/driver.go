// Package inmemory provides a heap-backed driver used by tests and as the
// reference WRITER+READER implementation. Knobs on the driver simulate
// backend pathologies the streaming layer must survive: missing native
// range support and upstreams that ignore Range requests outright.
package inmemory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/filehub/filehub/storage/driver"
	"github.com/filehub/filehub/storage/driver/registry"
)

const driverName = "MEMORY"

func init() {
	registry.Register(registry.Registration{
		Type:         driverName,
		DisplayName:  "In-Memory (testing)",
		Capabilities: driver.Capabilities{driver.CapReader, driver.CapWriter, driver.CapAtomic},
		Hidden:       func() bool { return true },
		New: func(ctx context.Context, cfg registry.Config, secret registry.Config) (driver.Driver, error) {
			return New(), nil
		},
	})
}

type entry struct {
	data     []byte
	modified time.Time
	isDir    bool
}

// Driver is an in-memory backend.
type Driver struct {
	mu    sync.RWMutex
	files map[string]*entry

	// NoNativeRange removes OpenRange from descriptors, forcing software
	// slicing.
	NoNativeRange bool
	// IgnoreRanges makes OpenRange return the full body with a 200 verdict,
	// modeling upstreams that disregard Range headers.
	IgnoreRanges bool
	// Fallback overrides the descriptor fallback policy.
	Fallback driver.RangeFallbackPolicy
}

var (
	_ driver.Driver = (*Driver)(nil)
	_ driver.Reader = (*Driver)(nil)
	_ driver.Writer = (*Driver)(nil)
)

// New constructs an empty in-memory driver.
func New() *Driver {
	return &Driver{files: map[string]*entry{}}
}

// Type implements driver.Driver.
func (d *Driver) Type() string { return driverName }

// Capabilities implements driver.Driver.
func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{driver.CapReader, driver.CapWriter, driver.CapAtomic}
}

func norm(p string) string {
	return "/" + strings.Trim(p, "/")
}

// hasChildrenLocked reports whether any entry lives under p. Caller holds at
// least the read lock.
func (d *Driver) hasChildrenLocked(p string) bool {
	prefix := p
	if prefix != "/" {
		prefix += "/"
	}
	for have := range d.files {
		if strings.HasPrefix(have, prefix) {
			return true
		}
	}
	return false
}

// ListDirectory implements driver.Reader.
func (d *Driver) ListDirectory(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.Listing, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	prefix := norm(subPath)
	if prefix != "/" {
		prefix += "/"
	}

	seen := map[string]driver.ListItem{}
	for p, e := range d.files {
		if !strings.HasPrefix(p, prefix) || p == prefix {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		name, _, nested := strings.Cut(rest, "/")
		item := driver.ListItem{
			Path:        strings.TrimSuffix(opts.Path, "/") + "/" + name,
			Name:        name,
			IsDirectory: nested || e.isDir,
		}
		if !item.IsDirectory {
			size := int64(len(e.data))
			mod := e.modified
			item.Size = &size
			item.Modified = &mod
		}
		seen[name] = item
	}

	items := make([]driver.ListItem, 0, len(seen))
	for _, it := range seen {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	return &driver.Listing{Path: opts.Path, Type: "directory", Items: items}, nil
}

// GetFileInfo implements driver.Reader.
func (d *Driver) GetFileInfo(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.FileInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p := norm(subPath)
	e, ok := d.files[p]
	if !ok {
		// Directories exist implicitly once anything lives below them; the
		// root always does.
		if p == "/" || d.hasChildrenLocked(p) {
			return &driver.FileInfo{Path: opts.Path, Name: base(opts.Path), IsDirectory: true}, nil
		}
		return nil, driver.PathNotFoundError{Path: subPath, DriverName: driverName}
	}

	info := &driver.FileInfo{
		Path:        opts.Path,
		Name:        base(opts.Path),
		IsDirectory: e.isDir,
	}
	if !e.isDir {
		size := int64(len(e.data))
		mod := e.modified
		info.Size = &size
		info.Modified = &mod
		info.ETag = fmt.Sprintf("%q", fmt.Sprintf("mem-%d-%d", size, mod.UnixNano()))
	}
	return info, nil
}

// DownloadFile implements driver.Reader.
func (d *Driver) DownloadFile(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.StreamDescriptor, error) {
	d.mu.RLock()
	e, ok := d.files[norm(subPath)]
	d.mu.RUnlock()
	if !ok || e.isDir {
		return nil, driver.PathNotFoundError{Path: subPath, DriverName: driverName}
	}

	data := e.data
	size := int64(len(data))
	mod := e.modified

	desc := &driver.StreamDescriptor{
		Size:          &size,
		ETag:          fmt.Sprintf("%q", fmt.Sprintf("mem-%d-%d", size, mod.UnixNano())),
		LastModified:  &mod,
		RangeFallback: d.Fallback,
		Open: func(ctx context.Context) (*driver.StreamHandle, error) {
			return &driver.StreamHandle{
				Reader:         io.NopCloser(bytes.NewReader(data)),
				UpstreamStatus: 200,
			}, nil
		},
	}

	if !d.NoNativeRange {
		ignore := d.IgnoreRanges
		desc.OpenRange = func(ctx context.Context, rng driver.Range) (*driver.StreamHandle, error) {
			if ignore {
				no := false
				return &driver.StreamHandle{
					Reader:         io.NopCloser(bytes.NewReader(data)),
					SupportsRange:  &no,
					UpstreamStatus: 200,
				}, nil
			}
			if rng.Start >= size {
				return nil, driver.InvalidOffsetError{Path: subPath, Offset: rng.Start, DriverName: driverName}
			}
			end := rng.End
			if end >= size {
				end = size - 1
			}
			yes := true
			return &driver.StreamHandle{
				Reader:               io.NopCloser(bytes.NewReader(data[rng.Start : end+1])),
				SupportsRange:        &yes,
				UpstreamStatus:       206,
				UpstreamContentRange: fmt.Sprintf("bytes %d-%d/%d", rng.Start, end, size),
			}, nil
		}
	}

	return desc, nil
}

// UploadFile implements driver.Writer.
func (d *Driver) UploadFile(ctx context.Context, subPath string, content io.Reader, size int64, opts driver.CallOptions) (*driver.UploadResult, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, driver.Error{DriverName: driverName, Enclosed: err}
	}

	d.mu.Lock()
	d.files[norm(subPath)] = &entry{data: data, modified: time.Now()}
	d.mu.Unlock()

	return &driver.UploadResult{Success: true, StoragePath: norm(subPath)}, nil
}

// UpdateFile implements driver.Writer.
func (d *Driver) UpdateFile(ctx context.Context, subPath string, content io.Reader, size int64, opts driver.CallOptions) (*driver.UpdateResult, error) {
	d.mu.RLock()
	_, ok := d.files[norm(subPath)]
	d.mu.RUnlock()
	if !ok {
		return nil, driver.PathNotFoundError{Path: subPath, DriverName: driverName}
	}

	data, err := io.ReadAll(content)
	if err != nil {
		return nil, driver.Error{DriverName: driverName, Enclosed: err}
	}

	d.mu.Lock()
	d.files[norm(subPath)] = &entry{data: data, modified: time.Now()}
	d.mu.Unlock()

	return &driver.UpdateResult{Success: true, Path: opts.Path}, nil
}

// CreateDirectory implements driver.Writer.
func (d *Driver) CreateDirectory(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.CreateDirResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := norm(subPath)
	if e, ok := d.files[p]; ok && e.isDir {
		return &driver.CreateDirResult{Success: true, Path: opts.Path, AlreadyExists: true}, nil
	}
	d.files[p] = &entry{isDir: true, modified: time.Now()}
	return &driver.CreateDirResult{Success: true, Path: opts.Path}, nil
}

// RenameItem implements driver.Writer.
func (d *Driver) RenameItem(ctx context.Context, oldSub, newSub string, pair driver.RenamePair) (*driver.RenameResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	oldP, newP := norm(oldSub), norm(newSub)
	moved := false
	for p, e := range d.files {
		if p == oldP || strings.HasPrefix(p, oldP+"/") {
			d.files[newP+strings.TrimPrefix(p, oldP)] = e
			delete(d.files, p)
			moved = true
		}
	}
	if !moved {
		return nil, driver.PathNotFoundError{Path: oldSub, DriverName: driverName}
	}
	return &driver.RenameResult{Success: true, Source: pair.Source, Target: pair.Target}, nil
}

// CopyItem implements driver.Writer.
func (d *Driver) CopyItem(ctx context.Context, srcSub, dstSub string, pair driver.RenamePair) (*driver.CopyResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	src, ok := d.files[norm(srcSub)]
	if !ok {
		return nil, driver.PathNotFoundError{Path: srcSub, DriverName: driverName}
	}
	if _, exists := d.files[norm(dstSub)]; exists {
		return &driver.CopyResult{
			Status:  driver.CopySkipped,
			Source:  pair.Source,
			Target:  pair.Target,
			Skipped: true,
			Reason:  "target already exists",
		}, nil
	}

	cp := make([]byte, len(src.data))
	copy(cp, src.data)
	d.files[norm(dstSub)] = &entry{data: cp, modified: time.Now(), isDir: src.isDir}

	return &driver.CopyResult{Status: driver.CopySuccess, Source: pair.Source, Target: pair.Target}, nil
}

// BatchRemoveItems implements driver.Writer.
func (d *Driver) BatchRemoveItems(ctx context.Context, subPaths []string, opts driver.CallOptions) (*driver.BatchRemoveResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res := &driver.BatchRemoveResult{Failed: []driver.BatchRemoveFailure{}}
	for _, sub := range subPaths {
		p := norm(sub)
		removed := false
		for have := range d.files {
			if have == p || strings.HasPrefix(have, p+"/") {
				delete(d.files, have)
				removed = true
			}
		}
		if removed {
			res.Succeeded++
		} else {
			res.Failed = append(res.Failed, driver.BatchRemoveFailure{Path: sub, Error: "not found"})
		}
	}
	return res, nil
}

// Put seeds content directly, for tests.
func (d *Driver) Put(path string, data []byte, modified time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[norm(path)] = &entry{data: data, modified: modified}
}

func base(p string) string {
	p = strings.TrimSuffix(p, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}
