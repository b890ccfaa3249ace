package schedule

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filehub/filehub/internal/errcode"
	"github.com/filehub/filehub/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func strp(s string) *string { return &s }
func i64p(n int64) *int64   { return &n }

func TestFireCronStrictlyAfter(t *testing.T) {
	job := &store.ScheduledJob{CronExpr: strp("*/5 * * * *")}
	from := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	next, ok := Fire(job, from)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC), next)
	assert.True(t, next.After(from))

	// Deterministic for repeated evaluation.
	again, ok := Fire(job, from)
	require.True(t, ok)
	assert.Equal(t, next, again)
}

func TestFireInterval(t *testing.T) {
	job := &store.ScheduledJob{IntervalSeconds: i64p(90)}
	from := time.Unix(1000, 0)

	next, ok := Fire(job, from)
	require.True(t, ok)
	assert.Equal(t, from.Add(90*time.Second), next)

	_, ok = Fire(&store.ScheduledJob{}, from)
	assert.False(t, ok)
}

func TestTickRunsDueJobOnce(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var runs int32
	r := NewRunner(s)
	r.Register("count", func(ctx context.Context, rc *RunContext) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})

	require.NoError(t, s.UpsertScheduledJob(ctx, &store.ScheduledJob{
		TaskID: "t1", HandlerName: "count", Enabled: true, IntervalSeconds: i64p(3600),
	}))

	require.NoError(t, r.Tick(ctx))
	assert.EqualValues(t, 1, atomic.LoadInt32(&runs))

	// The job just ran; next_run_after is an hour out, so the next tick is
	// a no-op.
	require.NoError(t, r.Tick(ctx))
	assert.EqualValues(t, 1, atomic.LoadInt32(&runs))

	job, err := s.GetScheduledJob(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, job.LockUntil)
	assert.EqualValues(t, 1, job.RunCount)
	require.NotNil(t, job.NextRunAfter)
}

func TestConcurrentRunnersSingleWinner(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var runs int32
	handler := func(ctx context.Context, rc *RunContext) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}

	a := NewRunner(s)
	a.Register("count", handler)
	b := NewRunner(s)
	b.Register("count", handler)

	require.NoError(t, s.UpsertScheduledJob(ctx, &store.ScheduledJob{
		TaskID: "race", HandlerName: "count", Enabled: true, CronExpr: strp("*/5 * * * *"),
	}))

	done := make(chan error, 2)
	go func() { done <- a.Tick(ctx) }()
	go func() { done <- b.Tick(ctx) }()
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	assert.EqualValues(t, 1, atomic.LoadInt32(&runs))
}

func TestRunNowTakesLeaseAndReportsBusy(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	r := NewRunner(s)
	r.Register("slow", func(ctx context.Context, rc *RunContext) error {
		close(started)
		<-release
		return nil
	})

	// Far-future next_run_after: only run-now can start it.
	far := time.Now().Add(24 * time.Hour).UnixMilli()
	require.NoError(t, s.UpsertScheduledJob(ctx, &store.ScheduledJob{
		TaskID: "manual", HandlerName: "slow", Enabled: true,
		IntervalSeconds: i64p(3600), NextRunAfter: &far,
	}))

	// The lease is taken synchronously, so RunNow comes back with a run id
	// while the handler is still blocked.
	runID, err := r.RunNow(ctx, "manual")
	require.NoError(t, err)
	require.NotEmpty(t, runID)
	<-started

	_, err = r.RunNow(ctx, "manual")
	require.Error(t, err)
	var coded errcode.Error
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, errcode.ErrorCodeBusy, coded.Code)

	close(release)
	require.Eventually(t, func() bool {
		run, err := s.GetJobRun(ctx, "manual", runID)
		return err == nil && run.Status == store.RunStatusSuccess
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRunNowDetachesFromCallerContext(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	proceed := make(chan struct{})
	r := NewRunner(s)
	r.Register("background", func(ctx context.Context, rc *RunContext) error {
		<-proceed
		return ctx.Err()
	})

	far := time.Now().Add(24 * time.Hour).UnixMilli()
	require.NoError(t, s.UpsertScheduledJob(ctx, &store.ScheduledJob{
		TaskID: "bg", HandlerName: "background", Enabled: true,
		IntervalSeconds: i64p(3600), NextRunAfter: &far,
	}))

	reqCtx, cancel := context.WithCancel(ctx)
	runID, err := r.RunNow(reqCtx, "bg")
	require.NoError(t, err)

	// The caller went away mid-run; the leased run still finishes and its
	// record still closes.
	cancel()
	close(proceed)

	require.Eventually(t, func() bool {
		run, err := s.GetJobRun(ctx, "bg", runID)
		return err == nil && run.Status == store.RunStatusSuccess
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFinishedRunKeepsReportedStats(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := NewRunner(s)
	r.Register("report", func(ctx context.Context, rc *RunContext) error {
		return rc.ReportStats(ctx, `{"total":3,"succeeded":3}`)
	})
	require.NoError(t, s.UpsertScheduledJob(ctx, &store.ScheduledJob{
		TaskID: "stats", HandlerName: "report", Enabled: true, IntervalSeconds: i64p(60),
	}))
	require.NoError(t, r.Tick(ctx))

	runs, err := s.ListJobRuns(ctx, "stats", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunStatusSuccess, runs[0].Status)
	require.NotNil(t, runs[0].StatsJSON)
	assert.JSONEq(t, `{"total":3,"succeeded":3}`, *runs[0].StatsJSON)
}

func TestCancelledRunRecordsStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	started := make(chan string)
	r := NewRunner(s)
	r.Register("cancellable", func(ctx context.Context, rc *RunContext) error {
		started <- rc.RunID
		<-ctx.Done()
		return ctx.Err()
	})

	require.NoError(t, s.UpsertScheduledJob(ctx, &store.ScheduledJob{
		TaskID: "c1", HandlerName: "cancellable", Enabled: true, IntervalSeconds: i64p(60),
	}))

	done := make(chan error, 1)
	go func() { done <- r.Tick(ctx) }()
	runID := <-started

	require.True(t, r.Cancel("c1", runID))
	require.NoError(t, <-done)

	run, err := s.GetJobRun(ctx, "c1", runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCancelled, run.Status)
}

func TestFailedRunRecordsError(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := NewRunner(s)
	r.Register("broken", func(ctx context.Context, rc *RunContext) error {
		return errors.New("backend unreachable")
	})
	require.NoError(t, s.UpsertScheduledJob(ctx, &store.ScheduledJob{
		TaskID: "f1", HandlerName: "broken", Enabled: true, IntervalSeconds: i64p(60),
	}))
	require.NoError(t, r.Tick(ctx))

	runs, err := s.ListJobRuns(ctx, "f1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunStatusFailed, runs[0].Status)
	require.NotNil(t, runs[0].Error)
	assert.Contains(t, *runs[0].Error, "backend unreachable")
}

func TestOneShotJobDisabledAfterRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := NewRunner(s)
	r.Register("once", func(ctx context.Context, rc *RunContext) error { return nil })
	require.NoError(t, s.UpsertScheduledJob(ctx, &store.ScheduledJob{
		TaskID: "one", HandlerName: "once", Enabled: true,
	}))
	require.NoError(t, r.Tick(ctx))

	job, err := s.GetScheduledJob(ctx, "one")
	require.NoError(t, err)
	assert.False(t, job.Enabled)
}

func TestTickerExposesTickInstants(t *testing.T) {
	s := testStore(t)
	r := NewRunner(s)

	info := r.Ticker()
	assert.Nil(t, info.LastTick)
	assert.NotZero(t, info.NowMs)

	require.NoError(t, r.Tick(context.Background()))
	info = r.Ticker()
	require.NotNil(t, info.LastTick)
	require.NotNil(t, info.NextTick)
	assert.NotEmpty(t, info.LastTick.At)
}
