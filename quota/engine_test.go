package quota

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/filehub/filehub/storage/driver/inmemory"
	"github.com/filehub/filehub/internal/errcode"
	"github.com/filehub/filehub/mount"
	"github.com/filehub/filehub/storage/driver"
	"github.com/filehub/filehub/store"
)

func newEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()

	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "quota.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	box, err := store.NewSecretBox("quota-test-key")
	require.NoError(t, err)
	return NewEngine(s, mount.NewManager(s, box)), s
}

func i64(n int64) *int64 { return &n }

func TestAdmitUnlimitedAlwaysAllows(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()

	cfg := &store.StorageConfig{Name: "open", StorageType: "MEMORY"}
	require.NoError(t, s.CreateStorageConfig(ctx, cfg))

	// Even an absurd request passes without a limit, snapshot or not.
	assert.NoError(t, e.Admit(ctx, cfg.ID, 1<<50, nil))

	require.NoError(t, s.PutSnapshot(ctx, store.ScopeStorageConfig, cfg.ID,
		store.MetricComputedUsed, 1<<40, "search-index", nil))
	assert.NoError(t, e.Admit(ctx, cfg.ID, 1<<50, nil))
}

func TestAdmitWithoutSnapshotAllows(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()

	cfg := &store.StorageConfig{Name: "capped", StorageType: "MEMORY", TotalStorageBytes: i64(1 << 20)}
	require.NoError(t, s.CreateStorageConfig(ctx, cfg))

	assert.NoError(t, e.Admit(ctx, cfg.ID, 1<<30, nil))
}

func TestAdmitRejectsWhenFull(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()

	cfg := &store.StorageConfig{
		Name: "full", StorageType: "MEMORY",
		TotalStorageBytes: i64(1_073_741_824),
	}
	require.NoError(t, s.CreateStorageConfig(ctx, cfg))
	require.NoError(t, s.PutSnapshot(ctx, store.ScopeStorageConfig, cfg.ID,
		store.MetricComputedUsed, 1_070_000_000, "provider-quota", nil))

	err := e.Admit(ctx, cfg.ID, 10_000_000, nil)
	require.Error(t, err)

	var coded errcode.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, errcode.ErrorCodeValidation, coded.Code)
	assert.Contains(t, coded.Message, "storage full: remaining 3.6 MB, needs 9.5 MB")
}

func TestAdmitOffsetsReplacedBytes(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()

	cfg := &store.StorageConfig{
		Name: "replace", StorageType: "MEMORY",
		TotalStorageBytes: i64(1000),
	}
	require.NoError(t, s.CreateStorageConfig(ctx, cfg))
	require.NoError(t, s.PutSnapshot(ctx, store.ScopeStorageConfig, cfg.ID,
		store.MetricComputedUsed, 990, "vfs-inventory", nil))

	assert.Error(t, e.Admit(ctx, cfg.ID, 100, nil))
	assert.NoError(t, e.Admit(ctx, cfg.ID, 100, i64(95)))
	// A shrinking replacement never counts negative.
	assert.NoError(t, e.Admit(ctx, cfg.ID, 5, i64(500)))
}

func TestLocalDuTier(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.bin"), make([]byte, 300), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.bin"), make([]byte, 200), 0o644))

	rawRoot, err := json.Marshal(root)
	require.NoError(t, err)
	cfg := &store.StorageConfig{
		Name: "local", StorageType: "LOCAL", EnableDiskUsage: true,
		ConfigJSON: `{"root_path":` + string(rawRoot) + `}`,
	}
	require.NoError(t, s.CreateStorageConfig(ctx, cfg))

	u, err := e.ComputeUsage(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "local-du", u.Source)
	assert.EqualValues(t, 500, u.UsedBytes)
}

func TestVfsTierBeforeSearchIndex(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()

	cfg := &store.StorageConfig{Name: "layered", StorageType: "MEMORY"}
	require.NoError(t, s.CreateStorageConfig(ctx, cfg))
	require.NoError(t, s.CreateMount(ctx, &store.Mount{StorageConfigID: cfg.ID, MountPath: "/layered"}))

	mounts, err := s.ListMountsForConfig(ctx, cfg.ID)
	require.NoError(t, err)
	require.NoError(t, s.UpsertIndexEntry(ctx, &store.IndexEntry{
		MountID: mounts[0].ID, Path: "/x", Size: i64(111), State: "ready",
	}))

	u, err := e.ComputeUsage(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "search-index", u.Source)
	assert.EqualValues(t, 111, u.UsedBytes)

	require.NoError(t, s.UpsertVfsNode(ctx, &store.VfsNode{
		ScopeType: store.ScopeStorageConfig, ScopeID: cfg.ID,
		NodeType: "file", Path: "/x", Size: i64(222), Status: "active",
	}))

	u, err = e.computeUncached(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "vfs-inventory", u.Source)
	assert.EqualValues(t, 222, u.UsedBytes)
}

func TestSearchIndexTierReportsStaleMounts(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()

	cfg := &store.StorageConfig{Name: "stale", StorageType: "MEMORY"}
	require.NoError(t, s.CreateStorageConfig(ctx, cfg))
	require.NoError(t, s.CreateMount(ctx, &store.Mount{StorageConfigID: cfg.ID, MountPath: "/stale"}))

	mounts, err := s.ListMountsForConfig(ctx, cfg.ID)
	require.NoError(t, err)
	mountID := mounts[0].ID

	require.NoError(t, s.UpsertIndexEntry(ctx, &store.IndexEntry{
		MountID: mountID, Path: "/y", Size: i64(10), State: "ready",
	}))
	require.NoError(t, s.EnqueueDirty(ctx, mountID, "/y", "upsert"))

	u, err := e.ComputeUsage(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "search-index", u.Source)
	assert.Equal(t, []string{mountID}, u.Details["staleMountIds"])
}

func TestRefreshFailurePreservesSnapshot(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()

	cfg := &store.StorageConfig{Name: "fickle", StorageType: "MEMORY"}
	require.NoError(t, s.CreateStorageConfig(ctx, cfg))
	require.NoError(t, s.UpsertVfsNode(ctx, &store.VfsNode{
		ScopeType: store.ScopeStorageConfig, ScopeID: cfg.ID,
		NodeType: "file", Path: "/v", Size: i64(4096), Status: "active",
	}))

	require.NoError(t, e.RefreshOne(ctx, cfg))
	snap, err := s.GetSnapshot(ctx, store.ScopeStorageConfig, cfg.ID, store.MetricComputedUsed)
	require.NoError(t, err)
	require.NotNil(t, snap.ValueNum)
	assert.EqualValues(t, 4096, *snap.ValueNum)

	// Tombstone the inventory; every tier now comes up empty, and the
	// refresh must keep the old figure while recording the failure.
	require.NoError(t, s.UpsertVfsNode(ctx, &store.VfsNode{
		ScopeType: store.ScopeStorageConfig, ScopeID: cfg.ID,
		NodeType: "file", Path: "/v", Size: i64(4096), Status: "deleted",
	}))
	require.NoError(t, e.RefreshOne(ctx, cfg))

	snap, err = s.GetSnapshot(ctx, store.ScopeStorageConfig, cfg.ID, store.MetricComputedUsed)
	require.NoError(t, err)
	require.NotNil(t, snap.ValueNum)
	assert.EqualValues(t, 4096, *snap.ValueNum)
	require.NotNil(t, snap.ErrorMessage)
}

func TestCachedProviderUsageNeverProbes(t *testing.T) {
	e, s := newEngine(t)
	ctx := context.Background()

	cfg := &store.StorageConfig{Name: "drive", StorageType: "MEMORY"}
	require.NoError(t, s.CreateStorageConfig(ctx, cfg))

	// Cold cache: the read path gets nothing rather than an upstream call.
	assert.Nil(t, e.CachedProviderUsage(ctx, cfg))

	at := time.Now()
	e.providerCache.Add(cfg.ID, &driver.QuotaStats{
		Supported: true, UsedBytes: i64(777), TotalBytes: i64(1000), SnapshotAt: at,
	})

	u := e.CachedProviderUsage(ctx, cfg)
	require.NotNil(t, u)
	assert.Equal(t, "provider-quota", u.Source)
	assert.EqualValues(t, 777, u.UsedBytes)
	assert.Equal(t, int64(1000), u.Details["totalBytes"])
	assert.Equal(t, at, u.SnapshotAt)
}

func TestDuScannerDedupesConcurrentWalks(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), make([]byte, 64), 0o644))

	d := newDuScanner()
	results := make(chan int64, 8)
	for i := 0; i < 8; i++ {
		go func() {
			n, ok := d.scan(context.Background(), root)
			if ok {
				results <- n
			} else {
				results <- -1
			}
		}()
	}
	for i := 0; i < 8; i++ {
		assert.EqualValues(t, 64, <-results)
	}
}
