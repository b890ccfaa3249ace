package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "filehub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFreshDatabaseAdoptsFullChain(t *testing.T) {
	s := openTestStore(t)

	ids, err := s.AppliedMigrations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, migrationIDs, ids)
}

func TestAdoptRefusesDataWithoutMarker(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "legacy.db")
	seedLegacy(t, dsn, "")

	_, err := Open(context.Background(), dsn)
	require.ErrorIs(t, err, ErrAdoptRefused)
}

func TestAdoptHonorsLegacyVersionMarker(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "legacy.db")
	seedLegacy(t, dsn, "3")

	s, err := Open(context.Background(), dsn)
	require.NoError(t, err)
	defer s.Close()

	ids, err := s.AppliedMigrations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, migrationIDs[:3], ids)

	// The legacy marker is consumed on successful adopt.
	_, err = s.GetSetting(context.Background(), legacyVersionKey)
	assert.ErrorIs(t, err, ErrNotFound)
}

// seedLegacy builds a pre-migration database: full tables, one business row,
// optionally a legacy version marker, no schema_migrations bookkeeping.
func seedLegacy(t *testing.T, dsn, legacyVersion string) {
	t.Helper()

	db, err := sqlx.Open("sqlite", dsn)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(schemaDDL)
	require.NoError(t, err)
	_, err = db.Exec(`DROP TABLE schema_migrations`)
	require.NoError(t, err)
	_, err = db.Exec(`
		INSERT INTO storage_configs (id, name, storage_type, created_at)
		VALUES ('c1', 'legacy', 'LOCAL', 1)`)
	require.NoError(t, err)
	if legacyVersion != "" {
		_, err = db.Exec(`INSERT INTO system_settings (key, value) VALUES (?, ?)`,
			legacyVersionKey, legacyVersion)
		require.NoError(t, err)
	}
}

func TestConfigDeleteGuardedByMounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cfg := &StorageConfig{Name: "primary", StorageType: "LOCAL"}
	require.NoError(t, s.CreateStorageConfig(ctx, cfg))
	require.NoError(t, s.CreateMount(ctx, &Mount{StorageConfigID: cfg.ID, MountPath: "/data"}))

	assert.ErrorIs(t, s.DeleteStorageConfig(ctx, cfg.ID), ErrConfigReferenced)

	mounts, err := s.ListMountsForConfig(ctx, cfg.ID)
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	require.NoError(t, s.DeleteMount(ctx, mounts[0].ID))
	assert.NoError(t, s.DeleteStorageConfig(ctx, cfg.ID))
}

func TestSnapshotFailurePreservesValue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutSnapshot(ctx, ScopeStorageConfig, "c1", MetricComputedUsed,
		1234, "provider-quota", nil))

	require.NoError(t, s.PutSnapshotError(ctx, ScopeStorageConfig, "c1", MetricComputedUsed,
		"probe timed out"))

	snap, err := s.GetSnapshot(ctx, ScopeStorageConfig, "c1", MetricComputedUsed)
	require.NoError(t, err)
	require.NotNil(t, snap.ValueNum)
	assert.EqualValues(t, 1234, *snap.ValueNum)
	require.NotNil(t, snap.ValueText)
	assert.Equal(t, "provider-quota", *snap.ValueText)
	require.NotNil(t, snap.ErrorMessage)
	assert.Equal(t, "probe timed out", *snap.ErrorMessage)
}

func TestSnapshotErrorBeforeAnyValue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutSnapshotError(ctx, ScopeStorageConfig, "c2", MetricComputedUsed, "boom"))

	snap, err := s.GetSnapshot(ctx, ScopeStorageConfig, "c2", MetricComputedUsed)
	require.NoError(t, err)
	assert.Nil(t, snap.ValueNum)
	require.NotNil(t, snap.ErrorMessage)
}

func TestLeaseCASSingleWinner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := &ScheduledJob{TaskID: "t1", HandlerName: "storage_usage_refresh", Enabled: true}
	require.NoError(t, s.UpsertScheduledJob(ctx, job))

	now := nowMs()
	lease := now + 600_000

	// Both contenders read lock_until=NULL; only one CAS lands.
	won1, err := s.TryAcquireLease(ctx, "t1", nil, lease, now)
	require.NoError(t, err)
	won2, err := s.TryAcquireLease(ctx, "t1", nil, lease, now)
	require.NoError(t, err)
	assert.True(t, won1 != won2, "exactly one contender must win")

	got, err := s.GetScheduledJob(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got.LockUntil)
	assert.EqualValues(t, lease, *got.LockUntil)

	// An expired lease can be stolen with the stale value as the guard.
	stolen, err := s.TryAcquireLease(ctx, "t1", &lease, lease+600_000, now)
	require.NoError(t, err)
	assert.True(t, stolen)
}

func TestCompleteRunReleasesLease(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertScheduledJob(ctx, &ScheduledJob{
		TaskID: "t2", HandlerName: "copy", Enabled: true,
	}))
	now := nowMs()
	won, err := s.TryAcquireLease(ctx, "t2", nil, now+600_000, now)
	require.NoError(t, err)
	require.True(t, won)

	next := now + 300_000
	require.NoError(t, s.CompleteScheduledRun(ctx, "t2", now+5_000, &next))

	got, err := s.GetScheduledJob(ctx, "t2")
	require.NoError(t, err)
	assert.Nil(t, got.LockUntil)
	assert.EqualValues(t, 1, got.RunCount)
	require.NotNil(t, got.NextRunAfter)
	assert.EqualValues(t, next, *got.NextRunAfter)
}

func TestDueJobsSkipLeased(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertScheduledJob(ctx, &ScheduledJob{
		TaskID: "due", HandlerName: "copy", Enabled: true,
	}))
	require.NoError(t, s.UpsertScheduledJob(ctx, &ScheduledJob{
		TaskID: "leased", HandlerName: "copy", Enabled: true,
	}))

	now := nowMs()
	won, err := s.TryAcquireLease(ctx, "leased", nil, now+600_000, now)
	require.NoError(t, err)
	require.True(t, won)

	due, err := s.DueScheduledJobs(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].TaskID)
}

func TestJobRunHistoryBounded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.InsertJobRun(ctx, &JobRun{
			TaskID: "t3", RunID: string(rune('a' + i)), StartedAt: int64(i), Status: RunStatusSuccess,
		}))
	}
	require.NoError(t, s.PruneJobRuns(ctx, "t3", 3))

	runs, err := s.ListJobRuns(ctx, "t3", 100)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "j", runs[0].RunID)
}

func TestDirtyQueueFIFO(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, p := range []string{"/a", "/b", "/c"} {
		require.NoError(t, s.EnqueueDirty(ctx, "m1", p, "upsert"))
	}
	require.NoError(t, s.EnqueueDirty(ctx, "m2", "/other", "delete"))

	entries, err := s.DequeueDirty(ctx, "m1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "/a", entries[0].Path)
	assert.Equal(t, "/b", entries[1].Path)

	require.NoError(t, s.AckDirty(ctx, []int64{entries[0].Seq, entries[1].Seq}))

	n, err := s.DirtyCount(ctx, "m1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	stale, err := s.StaleMountIDs(ctx, []string{"m1", "m2", "m3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, stale)
}

func TestIndexAndVfsSums(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sum, err := s.IndexSizeSum(ctx, []string{"m1"})
	require.NoError(t, err)
	assert.Nil(t, sum)

	sz := func(n int64) *int64 { return &n }
	require.NoError(t, s.UpsertIndexEntry(ctx, &IndexEntry{MountID: "m1", Path: "/a", Size: sz(100), State: "ready"}))
	require.NoError(t, s.UpsertIndexEntry(ctx, &IndexEntry{MountID: "m1", Path: "/b", Size: sz(50), State: "ready"}))
	require.NoError(t, s.UpsertIndexEntry(ctx, &IndexEntry{MountID: "m1", Path: "/dir", IsDir: true, State: "ready"}))

	sum, err = s.IndexSizeSum(ctx, []string{"m1"})
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.EqualValues(t, 150, *sum)

	vsum, err := s.VfsSizeSum(ctx, ScopeStorageConfig, "c1")
	require.NoError(t, err)
	assert.Nil(t, vsum)

	require.NoError(t, s.UpsertVfsNode(ctx, &VfsNode{
		ScopeType: ScopeStorageConfig, ScopeID: "c1", NodeType: "file", Path: "/a", Size: sz(70), Status: "active",
	}))
	vsum, err = s.VfsSizeSum(ctx, ScopeStorageConfig, "c1")
	require.NoError(t, err)
	require.NotNil(t, vsum)
	assert.EqualValues(t, 70, *vsum)
}

func TestSecretBoxRoundTrip(t *testing.T) {
	box, err := NewSecretBox("unit-test-key")
	require.NoError(t, err)

	sealed, err := box.Seal([]byte(`{"token":"s3cret"}`))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "s3cret")

	opened, err := box.Open(sealed)
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"s3cret"}`, string(opened))

	other, err := NewSecretBox("different-key")
	require.NoError(t, err)
	_, err = other.Open(sealed)
	assert.Error(t, err)

	_, err = NewSecretBox("")
	assert.Error(t, err)
}
