package jobs

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filehub/filehub/internal/errcode"
	"github.com/filehub/filehub/mount"
	"github.com/filehub/filehub/quota"
	"github.com/filehub/filehub/storage/driver"
	_ "github.com/filehub/filehub/storage/driver/inmemory"
	"github.com/filehub/filehub/store"
)

type copyFixture struct {
	store  *store.Store
	mounts *mount.Manager
	quota  *quota.Engine
}

func newCopyFixture(t *testing.T) *copyFixture {
	t.Helper()
	s := testStore(t)
	box, err := store.NewSecretBox("copy-test-key")
	require.NoError(t, err)
	m := mount.NewManager(s, box)
	return &copyFixture{store: s, mounts: m, quota: quota.NewEngine(s, m)}
}

func (f *copyFixture) addMount(t *testing.T, mountPath string) *store.StorageConfig {
	t.Helper()
	ctx := context.Background()
	cfg := &store.StorageConfig{Name: "cfg" + mountPath, StorageType: "MEMORY"}
	require.NoError(t, f.store.CreateStorageConfig(ctx, cfg))
	require.NoError(t, f.store.CreateMount(ctx, &store.Mount{
		StorageConfigID: cfg.ID,
		MountPath:       mountPath,
	}))
	return cfg
}

func (f *copyFixture) upload(t *testing.T, logicalPath, content string) {
	t.Helper()
	ctx := context.Background()
	res, err := f.mounts.Resolve(ctx, logicalPath)
	require.NoError(t, err)
	w := res.Driver.(driver.Writer)
	_, err = w.UploadFile(ctx, res.SubPath, strings.NewReader(content), int64(len(content)), driver.CallOptions{
		Path: res.LogicalPath, SubPath: res.SubPath, Channel: "internal",
	})
	require.NoError(t, err)
}

func (f *copyFixture) read(t *testing.T, logicalPath string) string {
	t.Helper()
	ctx := context.Background()
	res, err := f.mounts.Resolve(ctx, logicalPath)
	require.NoError(t, err)
	r := res.Driver.(driver.Reader)
	desc, err := r.DownloadFile(ctx, res.SubPath, driver.CallOptions{
		Path: res.LogicalPath, SubPath: res.SubPath, Channel: "internal",
	})
	require.NoError(t, err)
	handle, err := desc.Open(ctx)
	require.NoError(t, err)
	defer handle.Close()
	data, err := io.ReadAll(handle.Reader)
	require.NoError(t, err)
	return string(data)
}

func TestCopyNativeSameBackend(t *testing.T) {
	f := newCopyFixture(t)
	f.addMount(t, "/data")
	f.upload(t, "/data/src.txt", "payload")

	c := &Copier{Mounts: f.mounts, Quota: f.quota}
	pair := CopyPair{SourcePath: "/data/src.txt", TargetPath: "/data/dst.txt"}

	err := c.Run(context.Background(), c.Items([]CopyPair{pair})[0], func(int64) {})
	require.NoError(t, err)
	assert.Equal(t, "payload", f.read(t, "/data/dst.txt"))
}

func TestCopyNativeSkipsExistingTarget(t *testing.T) {
	f := newCopyFixture(t)
	f.addMount(t, "/data")
	f.upload(t, "/data/src.txt", "new content")
	f.upload(t, "/data/dst.txt", "old content")

	c := &Copier{Mounts: f.mounts, Quota: f.quota}
	pair := CopyPair{SourcePath: "/data/src.txt", TargetPath: "/data/dst.txt"}

	err := c.Run(context.Background(), c.Items([]CopyPair{pair})[0], func(int64) {})
	require.ErrorIs(t, err, ErrSkipped)
	assert.Contains(t, err.Error(), "target already exists")
	assert.Equal(t, "old content", f.read(t, "/data/dst.txt"))
}

func TestCopyOverwriteReplacesTarget(t *testing.T) {
	f := newCopyFixture(t)
	f.addMount(t, "/data")
	f.upload(t, "/data/src.txt", "new content")
	f.upload(t, "/data/dst.txt", "old content")

	c := &Copier{Mounts: f.mounts, Quota: f.quota, OverwriteExisting: true}
	pair := CopyPair{SourcePath: "/data/src.txt", TargetPath: "/data/dst.txt"}

	err := c.Run(context.Background(), c.Items([]CopyPair{pair})[0], func(int64) {})
	require.NoError(t, err)
	assert.Equal(t, "new content", f.read(t, "/data/dst.txt"))
}

func TestCopyStreamsAcrossBackends(t *testing.T) {
	f := newCopyFixture(t)
	f.addMount(t, "/a")
	f.addMount(t, "/b")
	f.upload(t, "/a/file.bin", "cross-backend bytes")

	c := &Copier{Mounts: f.mounts, Quota: f.quota}
	pair := CopyPair{SourcePath: "/a/file.bin", TargetPath: "/b/file.bin"}

	var last int64
	err := c.Run(context.Background(), c.Items([]CopyPair{pair})[0], func(n int64) { last = n })
	require.NoError(t, err)
	assert.Equal(t, "cross-backend bytes", f.read(t, "/b/file.bin"))
	assert.EqualValues(t, len("cross-backend bytes"), last)
}

func TestCopyStreamingSkipsExistingTarget(t *testing.T) {
	f := newCopyFixture(t)
	f.addMount(t, "/a")
	f.addMount(t, "/b")
	f.upload(t, "/a/file.bin", "fresh")
	f.upload(t, "/b/file.bin", "stale")

	c := &Copier{Mounts: f.mounts, Quota: f.quota}
	pair := CopyPair{SourcePath: "/a/file.bin", TargetPath: "/b/file.bin"}

	err := c.Run(context.Background(), c.Items([]CopyPair{pair})[0], func(int64) {})
	require.ErrorIs(t, err, ErrSkipped)
	assert.Equal(t, "stale", f.read(t, "/b/file.bin"))
}

func TestCopyRejectedByQuota(t *testing.T) {
	f := newCopyFixture(t)
	f.addMount(t, "/a")
	dst := f.addMount(t, "/b")
	f.upload(t, "/a/big.bin", strings.Repeat("x", 50))

	ctx := context.Background()
	limit := int64(100)
	dst.TotalStorageBytes = &limit
	require.NoError(t, f.store.UpdateStorageConfig(ctx, dst))
	require.NoError(t, f.store.PutSnapshot(ctx,
		store.ScopeStorageConfig, dst.ID, store.MetricComputedUsed, 90, "", nil))

	c := &Copier{Mounts: f.mounts, Quota: f.quota}
	pair := CopyPair{SourcePath: "/a/big.bin", TargetPath: "/b/big.bin"}

	err := c.Run(ctx, c.Items([]CopyPair{pair})[0], func(int64) {})
	require.Error(t, err)
	var coded errcode.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, errcode.ErrorCodeValidation, coded.Code)
	assert.Contains(t, coded.Message, "storage full")
}

func TestCopyMissingSourceFails(t *testing.T) {
	f := newCopyFixture(t)
	f.addMount(t, "/a")
	f.addMount(t, "/b")

	c := &Copier{Mounts: f.mounts, Quota: f.quota}
	pair := CopyPair{SourcePath: "/a/ghost.bin", TargetPath: "/b/ghost.bin"}

	err := c.Run(context.Background(), c.Items([]CopyPair{pair})[0], func(int64) {})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSkipped)
}
