package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filehub/filehub/internal/errcode"
	"github.com/filehub/filehub/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func items(ids ...string) []Item {
	out := make([]Item, len(ids))
	for i, id := range ids {
		out[i] = Item{ID: id}
	}
	return out
}

func TestJobMixedOutcomesIsPartial(t *testing.T) {
	e := NewEngine(testStore(t), 2)
	ctx := context.Background()

	job, err := e.Submit(ctx, Submission{
		TaskType: "copy", UserID: "alice", Trigger: TriggerManual,
		Items: items("ok", "bad", "skip"),
		Run: func(ctx context.Context, item Item, progress Progress) error {
			switch item.ID {
			case "bad":
				return errors.New("target unreachable")
			case "skip":
				return fmt.Errorf("%w: target already exists", ErrSkipped)
			}
			return nil
		},
	})
	require.NoError(t, err)
	e.Wait(job.ID)

	assert.Equal(t, JobPartial, job.Status)
	assert.Equal(t, 1, job.Stats.Succeeded)
	assert.Equal(t, 1, job.Stats.Failed)
	assert.Equal(t, 1, job.Stats.Skipped)

	byID := map[string]ItemResult{}
	for _, r := range job.Stats.ItemResults {
		byID[r.ID] = r
	}
	assert.Equal(t, ItemSuccess, byID["ok"].Status)
	assert.EqualValues(t, 100, byID["ok"].Progress)
	assert.Equal(t, ItemFailed, byID["bad"].Status)
	assert.Contains(t, byID["bad"].Error, "target unreachable")
	assert.Equal(t, ItemSkipped, byID["skip"].Status)

	// The result stream lands in the persistent run history.
	run, err := e.store.GetJobRun(ctx, "copy", job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusSuccess, run.Status)
	require.NotNil(t, run.StatsJSON)
	assert.Contains(t, *run.StatsJSON, `"itemResults"`)
}

func TestOneJobPerUserAndType(t *testing.T) {
	e := NewEngine(testStore(t), 1)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	slow := func(ctx context.Context, item Item, progress Progress) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}

	first, err := e.Submit(ctx, Submission{
		TaskType: "copy", UserID: "alice", Items: items("a"), Run: slow,
	})
	require.NoError(t, err)
	<-started

	_, err = e.Submit(ctx, Submission{
		TaskType: "copy", UserID: "alice", Items: items("b"), Run: slow,
	})
	require.Error(t, err)
	var coded errcode.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, errcode.ErrorCodeBusy, coded.Code)

	// A different user or task type is unaffected.
	other, err := e.Submit(ctx, Submission{
		TaskType: "copy", UserID: "bob", Items: items("c"),
		Run: func(ctx context.Context, item Item, progress Progress) error { return nil },
	})
	require.NoError(t, err)

	close(release)
	e.Wait(first.ID)
	e.Wait(other.ID)

	// With the first job done, the slot frees up.
	again, err := e.Submit(ctx, Submission{
		TaskType: "copy", UserID: "alice", Items: items("d"),
		Run: func(ctx context.Context, item Item, progress Progress) error { return nil },
	})
	require.NoError(t, err)
	e.Wait(again.ID)
	assert.Equal(t, JobSuccess, again.Status)
}

func TestRetryKeepsItemIdentity(t *testing.T) {
	e := NewEngine(testStore(t), 1)
	ctx := context.Background()

	var mu sync.Mutex
	failing := map[string]bool{"b": true}

	run := func(ctx context.Context, item Item, progress Progress) error {
		mu.Lock()
		defer mu.Unlock()
		if failing[item.ID] {
			return errors.New("transient")
		}
		return nil
	}

	job, err := e.Submit(ctx, Submission{
		TaskType: "copy", UserID: "alice", Items: items("a", "b"), Run: run,
	})
	require.NoError(t, err)
	e.Wait(job.ID)
	require.Equal(t, JobPartial, job.Status)

	mu.Lock()
	failing["b"] = false
	mu.Unlock()

	require.NoError(t, e.RetryAllFailed(ctx, job.ID))
	e.Wait(job.ID)

	assert.Equal(t, JobSuccess, job.Status)
	byID := map[string]ItemResult{}
	for _, r := range job.Stats.ItemResults {
		byID[r.ID] = r
	}
	assert.Equal(t, ItemSuccess, byID["b"].Status)
	assert.Equal(t, 1, byID["b"].RetryCount)
	assert.Equal(t, 0, byID["a"].RetryCount, "untouched items keep their state")
}

func TestRetryWhileRunningIsBusy(t *testing.T) {
	e := NewEngine(testStore(t), 1)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	job, err := e.Submit(ctx, Submission{
		TaskType: "copy", UserID: "alice", Items: items("a"),
		Run: func(ctx context.Context, item Item, progress Progress) error {
			close(started)
			<-release
			return nil
		},
	})
	require.NoError(t, err)
	<-started

	err = e.RetryAllFailed(ctx, job.ID)
	var coded errcode.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, errcode.ErrorCodeBusy, coded.Code)

	close(release)
	e.Wait(job.ID)
}

func TestCancelStopsRemainingItems(t *testing.T) {
	e := NewEngine(testStore(t), 1)
	ctx := context.Background()

	firstRunning := make(chan struct{})
	var once sync.Once
	job, err := e.Submit(ctx, Submission{
		TaskType: "copy", UserID: "alice", Items: items("a", "b", "c"),
		Run: func(ctx context.Context, item Item, progress Progress) error {
			once.Do(func() { close(firstRunning) })
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.NoError(t, err)
	<-firstRunning

	require.True(t, e.Cancel(job.ID))
	e.Wait(job.ID)

	assert.Equal(t, JobCancelled, job.Status)
	// Later items never left pending.
	assert.Equal(t, ItemPending, job.Stats.ItemResults[2].Status)
}

func TestProgressTracksBytes(t *testing.T) {
	e := NewEngine(testStore(t), 1)
	ctx := context.Background()

	size := int64(200)
	job, err := e.Submit(ctx, Submission{
		TaskType: "copy", UserID: "alice",
		Items: []Item{{ID: "x", Size: &size}},
		Run: func(ctx context.Context, item Item, progress Progress) error {
			progress(50)
			progress(200)
			return nil
		},
	})
	require.NoError(t, err)
	e.Wait(job.ID)

	r := job.Stats.ItemResults[0]
	assert.EqualValues(t, 200, r.BytesTransferred)
	assert.EqualValues(t, 100, r.Progress)
}
