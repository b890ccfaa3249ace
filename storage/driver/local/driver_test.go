package local

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filehub/filehub/storage/driver"
)

func newTestDriver(t *testing.T) (*Driver, string) {
	t.Helper()
	root := t.TempDir()
	d, err := newDriver(map[string]interface{}{"root_path": root})
	require.NoError(t, err)
	return d, root
}

func opts(path string) driver.CallOptions {
	return driver.CallOptions{Path: path, SubPath: path, Channel: "internal"}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	d, _ := newTestDriver(t)
	ctx := context.Background()

	res, err := d.UploadFile(ctx, "/sub/file.txt", strings.NewReader("content"), 7, opts("/sub/file.txt"))
	require.NoError(t, err)
	assert.True(t, res.Success)

	desc, err := d.DownloadFile(ctx, "/sub/file.txt", opts("/sub/file.txt"))
	require.NoError(t, err)
	require.NotNil(t, desc.Size)
	assert.EqualValues(t, 7, *desc.Size)
	assert.NotEmpty(t, desc.ETag)

	h, err := desc.Open(ctx)
	require.NoError(t, err)
	defer h.Close()
	body, _ := io.ReadAll(h.Reader)
	assert.Equal(t, "content", string(body))
}

func TestNativeRangeRead(t *testing.T) {
	d, _ := newTestDriver(t)
	ctx := context.Background()

	_, err := d.UploadFile(ctx, "/r.bin", strings.NewReader("0123456789"), 10, opts("/r.bin"))
	require.NoError(t, err)

	desc, err := d.DownloadFile(ctx, "/r.bin", opts("/r.bin"))
	require.NoError(t, err)
	require.NotNil(t, desc.OpenRange)

	h, err := desc.OpenRange(ctx, driver.Range{Start: 3, End: 6})
	require.NoError(t, err)
	defer h.Close()

	body, _ := io.ReadAll(h.Reader)
	assert.Equal(t, "3456", string(body))
	assert.Equal(t, "bytes 3-6/10", h.UpstreamContentRange)
	assert.True(t, h.RangeSupported())

	_, err = desc.OpenRange(ctx, driver.Range{Start: 100, End: 200})
	var off driver.InvalidOffsetError
	assert.ErrorAs(t, err, &off)
}

func TestPathEscapeRefused(t *testing.T) {
	d, _ := newTestDriver(t)
	ctx := context.Background()

	_, err := d.GetFileInfo(ctx, "/../outside", opts("/../outside"))
	// filepath.Join collapses the traversal back under root, so either the
	// cleaned path misses or the resolve guard trips; escape never happens.
	assert.Error(t, err)

	_, err = d.DownloadFile(ctx, "/nope.txt", opts("/nope.txt"))
	assert.True(t, driver.IsNotFound(err))
}

func TestListDirectorySortsEntries(t *testing.T) {
	d, _ := newTestDriver(t)
	ctx := context.Background()

	for _, name := range []string{"/dir/b.txt", "/dir/a.txt"} {
		_, err := d.UploadFile(ctx, name, strings.NewReader("x"), 1, opts(name))
		require.NoError(t, err)
	}
	_, err := d.CreateDirectory(ctx, "/dir/nested", opts("/dir/nested"))
	require.NoError(t, err)

	listing, err := d.ListDirectory(ctx, "/dir", opts("/dir"))
	require.NoError(t, err)
	require.Len(t, listing.Items, 3)
	assert.Equal(t, "a.txt", listing.Items[0].Name)
	assert.Equal(t, "b.txt", listing.Items[1].Name)
	assert.Equal(t, "nested", listing.Items[2].Name)
	assert.True(t, listing.Items[2].IsDirectory)
	require.NotNil(t, listing.Items[0].Size)
	assert.EqualValues(t, 1, *listing.Items[0].Size)
}

func TestCopySkipsExistingTarget(t *testing.T) {
	d, _ := newTestDriver(t)
	ctx := context.Background()

	_, err := d.UploadFile(ctx, "/src.txt", strings.NewReader("new"), 3, opts("/src.txt"))
	require.NoError(t, err)

	pair := driver.RenamePair{Source: "/src.txt", Target: "/dst.txt", SourceSub: "/src.txt", TargetSub: "/dst.txt"}
	res, err := d.CopyItem(ctx, "/src.txt", "/dst.txt", pair)
	require.NoError(t, err)
	assert.Equal(t, driver.CopySuccess, res.Status)

	res, err = d.CopyItem(ctx, "/src.txt", "/dst.txt", pair)
	require.NoError(t, err)
	assert.Equal(t, driver.CopySkipped, res.Status)
	assert.True(t, res.Skipped)
	assert.NotEmpty(t, res.Reason)
}

func TestRenameMovesTree(t *testing.T) {
	d, _ := newTestDriver(t)
	ctx := context.Background()

	_, err := d.UploadFile(ctx, "/old/deep/f.txt", strings.NewReader("x"), 1, opts("/old/deep/f.txt"))
	require.NoError(t, err)

	_, err = d.RenameItem(ctx, "/old", "/new", driver.RenamePair{
		Source: "/old", Target: "/new", SourceSub: "/old", TargetSub: "/new",
	})
	require.NoError(t, err)

	_, err = d.GetFileInfo(ctx, "/new/deep/f.txt", opts("/new/deep/f.txt"))
	assert.NoError(t, err)
	_, err = d.GetFileInfo(ctx, "/old/deep/f.txt", opts("/old/deep/f.txt"))
	assert.True(t, driver.IsNotFound(err))
}

func TestBatchRemoveReportsPerPath(t *testing.T) {
	d, _ := newTestDriver(t)
	ctx := context.Background()

	_, err := d.UploadFile(ctx, "/keep/a.txt", strings.NewReader("x"), 1, opts("/keep/a.txt"))
	require.NoError(t, err)

	res, err := d.BatchRemoveItems(ctx, []string{"/keep/a.txt", "/ghost.txt"}, opts("/"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "/ghost.txt", res.Failed[0].Path)
}

func TestUploadIsAtomicallyVisible(t *testing.T) {
	d, root := newTestDriver(t)
	ctx := context.Background()

	_, err := d.UploadFile(ctx, "/a.txt", strings.NewReader("done"), 4, opts("/a.txt"))
	require.NoError(t, err)

	// No temp files linger next to the final name.
	dirents, err := os.ReadDir(root)
	require.NoError(t, err)
	for _, de := range dirents {
		assert.False(t, strings.HasPrefix(de.Name(), ".upload-"), "leftover temp file %s", de.Name())
	}
	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "done", string(data))
}
