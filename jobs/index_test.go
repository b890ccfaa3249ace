package jobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filehub/filehub/internal/errcode"
	"github.com/filehub/filehub/store"
)

func newIndexFixture(t *testing.T) (*copyFixture, *Indexer, *store.Mount) {
	t.Helper()
	f := newCopyFixture(t)
	ctx := context.Background()

	cfg := &store.StorageConfig{Name: "indexed", StorageType: "MEMORY"}
	require.NoError(t, f.store.CreateStorageConfig(ctx, cfg))
	mnt := &store.Mount{StorageConfigID: cfg.ID, MountPath: "/m"}
	require.NoError(t, f.store.CreateMount(ctx, mnt))

	return f, NewIndexer(f.store, f.mounts), mnt
}

func indexPaths(t *testing.T, s *store.Store, query string) map[string]store.IndexEntry {
	t.Helper()
	entries, err := s.SearchIndex(context.Background(), query, 100)
	require.NoError(t, err)
	byPath := map[string]store.IndexEntry{}
	for _, e := range entries {
		byPath[e.Path] = e
	}
	return byPath
}

func TestRebuildWalksNestedTree(t *testing.T) {
	f, ix, mnt := newIndexFixture(t)
	ctx := context.Background()

	f.upload(t, "/m/a.txt", "aaaa")
	f.upload(t, "/m/sub/b.txt", "bb")
	f.upload(t, "/m/sub/deep/c.txt", "c")

	require.NoError(t, ix.Rebuild(ctx, mnt.ID))

	byPath := indexPaths(t, f.store, "")
	require.Contains(t, byPath, "/a.txt")
	require.Contains(t, byPath, "/sub/b.txt")
	require.Contains(t, byPath, "/sub/deep/c.txt")
	assert.True(t, byPath["/sub"].IsDir)
	assert.False(t, byPath["/a.txt"].IsDir)
	require.NotNil(t, byPath["/a.txt"].Size)
	assert.EqualValues(t, 4, *byPath["/a.txt"].Size)

	sum, err := f.store.IndexSizeSum(ctx, []string{mnt.ID})
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.EqualValues(t, 7, *sum)
}

func TestRebuildReplacesStaleEntries(t *testing.T) {
	f, ix, mnt := newIndexFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.UpsertIndexEntry(ctx, &store.IndexEntry{
		MountID: mnt.ID, Path: "/vanished.txt", State: "ready",
	}))
	f.upload(t, "/m/kept.txt", "data")

	require.NoError(t, ix.Rebuild(ctx, mnt.ID))

	byPath := indexPaths(t, f.store, "")
	assert.Contains(t, byPath, "/kept.txt")
	assert.NotContains(t, byPath, "/vanished.txt")
}

func TestApplyDirtyUpsertsAndDeletes(t *testing.T) {
	f, ix, mnt := newIndexFixture(t)
	ctx := context.Background()

	f.upload(t, "/m/doc.txt", "hello")
	require.NoError(t, f.store.EnqueueDirty(ctx, mnt.ID, "/doc.txt", "upsert"))
	require.NoError(t, ix.ApplyDirty(ctx, mnt.ID))

	byPath := indexPaths(t, f.store, "doc")
	require.Contains(t, byPath, "/doc.txt")
	require.NotNil(t, byPath["/doc.txt"].Size)
	assert.EqualValues(t, 5, *byPath["/doc.txt"].Size)

	require.NoError(t, f.store.EnqueueDirty(ctx, mnt.ID, "/doc.txt", "delete"))
	require.NoError(t, ix.ApplyDirty(ctx, mnt.ID))
	assert.NotContains(t, indexPaths(t, f.store, "doc"), "/doc.txt")

	n, err := f.store.DirtyCount(ctx, mnt.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestApplyDirtyTreatsVanishedFileAsDelete(t *testing.T) {
	f, ix, mnt := newIndexFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.UpsertIndexEntry(ctx, &store.IndexEntry{
		MountID: mnt.ID, Path: "/ghost.txt", State: "ready",
	}))
	require.NoError(t, f.store.EnqueueDirty(ctx, mnt.ID, "/ghost.txt", "upsert"))

	require.NoError(t, ix.ApplyDirty(ctx, mnt.ID))

	assert.NotContains(t, indexPaths(t, f.store, "ghost"), "/ghost.txt")
	n, err := f.store.DirtyCount(ctx, mnt.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestIndexOpsSerializedPerMount(t *testing.T) {
	f, ix, mnt := newIndexFixture(t)
	ctx := context.Background()

	require.NoError(t, ix.acquire(mnt.ID))
	err := ix.Rebuild(ctx, mnt.ID)
	var coded errcode.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, errcode.ErrorCodeBusy, coded.Code)

	// Another mount is unaffected by this mount's lock.
	require.NoError(t, ix.acquire("other-mount"))
	ix.release("other-mount")

	ix.release(mnt.ID)
	f.upload(t, "/m/after.txt", "x")
	require.NoError(t, ix.Rebuild(ctx, mnt.ID))
	assert.Contains(t, indexPaths(t, f.store, "after"), "/after.txt")
}
