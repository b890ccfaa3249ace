package contract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filehub/filehub/storage/driver"
	"github.com/filehub/filehub/storage/driver/inmemory"
	"github.com/filehub/filehub/storage/driver/registry"
)

// crookedDriver wraps the in-memory driver and lets a test corrupt one
// method's result at a time.
type crookedDriver struct {
	*inmemory.Driver

	listing *driver.Listing
	copied  *driver.CopyResult
	info    *driver.FileInfo
}

func (c *crookedDriver) ListDirectory(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.Listing, error) {
	if c.listing != nil {
		return c.listing, nil
	}
	return c.Driver.ListDirectory(ctx, subPath, opts)
}

func (c *crookedDriver) GetFileInfo(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.FileInfo, error) {
	if c.info != nil {
		return c.info, nil
	}
	return c.Driver.GetFileInfo(ctx, subPath, opts)
}

func (c *crookedDriver) CopyItem(ctx context.Context, srcSub, dstSub string, pair driver.RenamePair) (*driver.CopyResult, error) {
	if c.copied != nil {
		return c.copied, nil
	}
	return c.Driver.CopyItem(ctx, srcSub, dstSub, pair)
}

func newEnforced(t *testing.T, inner driver.Driver) *Enforcer {
	t.Helper()
	caps := inner.Capabilities()
	return &Enforcer{inner: inner, caps: caps}
}

func opts(path string) driver.CallOptions {
	return driver.CallOptions{Path: path, SubPath: path}
}

func TestEnforcerPathCoherence(t *testing.T) {
	e := newEnforced(t, inmemory.New())
	ctx := context.Background()

	var cerr *ContractError

	// Missing logical path.
	_, err := e.ListDirectory(ctx, "/docs", driver.CallOptions{SubPath: "/docs"})
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "ListDirectory", cerr.Method)

	// Positional and options subPath disagree.
	_, err = e.GetFileInfo(ctx, "/a.txt", driver.CallOptions{Path: "/a.txt", SubPath: "/b.txt"})
	require.ErrorAs(t, err, &cerr)

	// Rename pair checked on both legs.
	_, err = e.RenameItem(ctx, "/a", "", driver.RenamePair{Source: "/a", Target: "/b"})
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "RenameItem", cerr.Method)
}

func TestEnforcerRejectsBadListing(t *testing.T) {
	mem := inmemory.New()
	mem.Put("/docs/a.txt", []byte("a"), now())

	for name, bad := range map[string]*driver.Listing{
		"wrong type":   {Path: "/docs", Type: "file", Items: []driver.ListItem{}},
		"wrong path":   {Path: "/other", Type: "directory", Items: []driver.ListItem{}},
		"nil items":    {Path: "/docs", Type: "directory"},
		"anon item":    {Path: "/docs", Type: "directory", Items: []driver.ListItem{{Path: "/docs/a.txt"}}},
	} {
		t.Run(name, func(t *testing.T) {
			e := newEnforced(t, &crookedDriver{Driver: mem, listing: bad})
			_, err := e.ListDirectory(context.Background(), "/docs", opts("/docs"))
			var cerr *ContractError
			require.ErrorAs(t, err, &cerr, "expected contract violation for %s", name)
		})
	}

	// The honest result passes through untouched.
	e := newEnforced(t, &crookedDriver{Driver: mem})
	listing, err := e.ListDirectory(context.Background(), "/docs", opts("/docs"))
	require.NoError(t, err)
	require.Len(t, listing.Items, 1)
	assert.Equal(t, "a.txt", listing.Items[0].Name)
}

func TestEnforcerRejectsBadCopyResult(t *testing.T) {
	mem := inmemory.New()
	mem.Put("/src.bin", []byte("x"), now())

	pair := driver.RenamePair{Source: "/src.bin", Target: "/dst.bin", SourceSub: "/src.bin", TargetSub: "/dst.bin"}

	for name, bad := range map[string]*driver.CopyResult{
		"bad status":          {Status: "done", Source: "/src.bin", Target: "/dst.bin"},
		"skipped sans reason": {Status: driver.CopySkipped, Source: "/src.bin", Target: "/dst.bin", Skipped: true},
		"forbidden error":     {Status: driver.CopyFailed, Source: "/src.bin", Target: "/dst.bin", Error: "boom"},
		"path mismatch":       {Status: driver.CopySuccess, Source: "/elsewhere", Target: "/dst.bin"},
	} {
		t.Run(name, func(t *testing.T) {
			e := newEnforced(t, &crookedDriver{Driver: mem, copied: bad})
			_, err := e.CopyItem(context.Background(), "/src.bin", "/dst.bin", pair)
			var cerr *ContractError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, "CopyItem", cerr.Method)
		})
	}

	e := newEnforced(t, &crookedDriver{Driver: mem})
	res, err := e.CopyItem(context.Background(), "/src.bin", "/dst.bin", pair)
	require.NoError(t, err)
	assert.Equal(t, driver.CopySuccess, res.Status)

	// Copying again hits the existing target: a conforming skipped result.
	res, err = e.CopyItem(context.Background(), "/src.bin", "/dst.bin", pair)
	require.NoError(t, err)
	assert.Equal(t, driver.CopySkipped, res.Status)
	assert.True(t, res.Skipped)
	assert.NotEmpty(t, res.Reason)
}

func TestEnforcerRejectsWrongInfoPath(t *testing.T) {
	mem := inmemory.New()
	mem.Put("/a.txt", []byte("a"), now())

	e := newEnforced(t, &crookedDriver{
		Driver: mem,
		info:   &driver.FileInfo{Path: "/not-a.txt", Name: "a.txt"},
	})
	_, err := e.GetFileInfo(context.Background(), "/a.txt", opts("/a.txt"))
	var cerr *ContractError
	require.ErrorAs(t, err, &cerr)
}

// listOnly advertises WRITER without implementing any of it.
type listOnly struct{}

func (listOnly) Type() string { return "LISTONLY" }
func (listOnly) Capabilities() driver.Capabilities {
	return driver.Capabilities{driver.CapReader, driver.CapWriter}
}
func (listOnly) ListDirectory(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.Listing, error) {
	return &driver.Listing{Path: opts.Path, Type: "directory", Items: []driver.ListItem{}}, nil
}
func (listOnly) GetFileInfo(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.FileInfo, error) {
	return nil, driver.PathNotFoundError{Path: subPath, DriverName: "LISTONLY"}
}
func (listOnly) DownloadFile(ctx context.Context, subPath string, opts driver.CallOptions) (*driver.StreamDescriptor, error) {
	return nil, driver.PathNotFoundError{Path: subPath, DriverName: "LISTONLY"}
}

func TestCreateDriverDetectsMissingMethods(t *testing.T) {
	registry.Register(registry.Registration{
		Type:         "LISTONLY",
		DisplayName:  "List Only",
		Capabilities: driver.Capabilities{driver.CapReader, driver.CapWriter},
		New: func(ctx context.Context, cfg registry.Config, secret registry.Config) (driver.Driver, error) {
			return listOnly{}, nil
		},
	})

	_, err := CreateDriver(context.Background(), "LISTONLY", nil, nil)
	var cerr *ContractError
	require.ErrorAs(t, err, &cerr)
	missing, _ := cerr.Details["missingMethods"].([]string)
	assert.Contains(t, missing, "UploadFile")
	assert.Contains(t, missing, "BatchRemoveItems")
	assert.NotContains(t, missing, "ListDirectory")
}

func TestCreateDriverUnknownType(t *testing.T) {
	_, err := CreateDriver(context.Background(), "NO_SUCH", nil, nil)
	require.Error(t, err)
	var cerr *ContractError
	assert.False(t, errors.As(err, &cerr), "unknown type is not a contract violation")
}

func now() time.Time { return time.Now() }
