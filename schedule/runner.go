// Package schedule runs persisted jobs on cron or interval schedules. The
// fleet-wide single-writer guarantee comes from a lease column on the job
// row: contenders compare-and-swap lock_until and only the winner runs the
// handler.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/filehub/filehub/internal/dcontext"
	"github.com/filehub/filehub/internal/errcode"
	"github.com/filehub/filehub/metrics"
	"github.com/filehub/filehub/store"
)

const (
	// Lease must outlast the slowest expected handler; the 6 s/8 s/10 s
	// probe budgets and the index jobs all finish well inside it.
	Lease = 10 * time.Minute

	defaultHistoryCap = 50
	defaultInterval   = 15 * time.Second
)

// RunContext is handed to a handler for one invocation.
type RunContext struct {
	TaskID  string
	RunID   string
	Payload string

	runner *Runner
}

// ReportStats persists the handler's live statistics for the admin UI.
func (rc *RunContext) ReportStats(ctx context.Context, statsJSON string) error {
	return rc.runner.store.UpdateJobRunStats(ctx, rc.TaskID, rc.RunID, statsJSON)
}

// Handler is one registered job implementation. It must watch ctx between
// units of work; cancellation arrives from an admin or from lease expiry.
type Handler func(ctx context.Context, rc *RunContext) error

// Runner drives the scheduled_jobs table.
type Runner struct {
	store      *store.Store
	interval   time.Duration
	historyCap int
	now        func() time.Time

	mu       sync.Mutex
	handlers map[string]Handler
	cancels  map[string]context.CancelFunc
	lastTick time.Time
}

// NewRunner builds a runner over the store.
func NewRunner(s *store.Store) *Runner {
	return &Runner{
		store:      s,
		interval:   defaultInterval,
		historyCap: defaultHistoryCap,
		now:        time.Now,
		handlers:   map[string]Handler{},
		cancels:    map[string]context.CancelFunc{},
	}
}

// Register binds a handler name. Jobs referring to unknown names fail their
// runs rather than blocking the table.
func (r *Runner) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[name]; dup {
		panic(fmt.Sprintf("schedule: handler %q registered twice", name))
	}
	r.handlers[name] = h
}

// Start ticks until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil && ctx.Err() == nil {
				dcontext.GetLogger(ctx).WithError(err).Error("scheduler tick failed")
			}
		}
	}
}

// Tick makes one idempotent pass: every due, unleased job is raced for and
// run. Handlers run sequentially within a tick; a missed tick costs latency,
// never correctness.
func (r *Runner) Tick(ctx context.Context) error {
	now := r.now()
	r.mu.Lock()
	r.lastTick = now
	r.mu.Unlock()

	due, err := r.store.DueScheduledJobs(ctx, now.UnixMilli())
	if err != nil {
		return err
	}

	for i := range due {
		job := &due[i]
		if err := ctx.Err(); err != nil {
			return err
		}
		won, err := r.store.TryAcquireLease(ctx, job.TaskID, job.LockUntil,
			now.Add(Lease).UnixMilli(), now.UnixMilli())
		if err != nil {
			return err
		}
		if !won {
			continue
		}
		r.runLeased(ctx, job, now, uuid.NewString())
	}
	return nil
}

// RunNow forces one run, skipping the next_run_after check but still taking
// the lease; a held lease yields BUSY. The lease is taken before returning,
// the handler itself runs on its own goroutine detached from ctx, so callers
// get the run id immediately and poll the run history for the outcome.
func (r *Runner) RunNow(ctx context.Context, taskID string) (string, error) {
	job, err := r.store.GetScheduledJob(ctx, taskID)
	if err != nil {
		return "", err
	}

	now := r.now()
	if job.LockUntil != nil && *job.LockUntil > now.UnixMilli() {
		return "", errcode.ErrorCodeBusy.WithMessage("job is already running")
	}
	won, err := r.store.TryAcquireLease(ctx, taskID, job.LockUntil,
		now.Add(Lease).UnixMilli(), now.UnixMilli())
	if err != nil {
		return "", err
	}
	if !won {
		return "", errcode.ErrorCodeBusy.WithMessage("job is already running")
	}

	runID := uuid.NewString()
	go r.runLeased(context.WithoutCancel(ctx), job, now, runID)
	return runID, nil
}

// Cancel fires the cancel signal of a live run. It reports whether a run was
// found.
func (r *Runner) Cancel(taskID, runID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[taskID+"/"+runID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (r *Runner) runLeased(ctx context.Context, job *store.ScheduledJob, now time.Time, runID string) {
	logger := dcontext.GetLoggerWithFields(ctx, map[interface{}]interface{}{
		"task.id": job.TaskID, "run.id": runID,
	})

	payload := ""
	if job.PayloadJSON != nil {
		payload = *job.PayloadJSON
	}

	if err := r.store.InsertJobRun(ctx, &store.JobRun{
		TaskID: job.TaskID, RunID: runID,
		StartedAt: now.UnixMilli(), Status: store.RunStatusRunning,
	}); err != nil {
		logger.WithError(err).Error("recording job run")
		return
	}

	runCtx, cancel := context.WithDeadline(ctx, now.Add(Lease))
	key := job.TaskID + "/" + runID
	r.mu.Lock()
	r.cancels[key] = cancel
	handler := r.handlers[job.HandlerName]
	r.mu.Unlock()

	var runErr error
	if handler == nil {
		runErr = fmt.Errorf("unknown handler %q", job.HandlerName)
	} else {
		runErr = handler(runCtx, &RunContext{TaskID: job.TaskID, RunID: runID, Payload: payload, runner: r})
	}
	cancelled := runCtx.Err() != nil && ctx.Err() == nil

	r.mu.Lock()
	delete(r.cancels, key)
	r.mu.Unlock()
	cancel()

	finished := r.now()
	status := store.RunStatusSuccess
	var errMsg *string
	switch {
	case cancelled:
		status = store.RunStatusCancelled
	case runErr != nil:
		status = store.RunStatusFailed
		msg := runErr.Error()
		errMsg = &msg
	}

	metrics.ScheduledRuns.WithLabelValues(job.TaskID, status).Inc()
	if err := r.store.FinishJobRun(ctx, job.TaskID, runID, finished.UnixMilli(), status, nil, errMsg); err != nil {
		logger.WithError(err).Error("closing job run")
	}
	if err := r.store.PruneJobRuns(ctx, job.TaskID, r.historyCap); err != nil {
		logger.WithError(err).Error("pruning job history")
	}

	next, hasNext := Fire(job, finished)
	var nextMs *int64
	if hasNext {
		ms := next.UnixMilli()
		nextMs = &ms
	}
	if err := r.store.CompleteScheduledRun(ctx, job.TaskID, finished.UnixMilli(), nextMs); err != nil {
		logger.WithError(err).Error("releasing job lease")
	}
	if !hasNext {
		// One-shot job: nothing derives a next instant, so park it.
		if err := r.store.SetJobEnabled(ctx, job.TaskID, false); err != nil {
			logger.WithError(err).Error("disabling one-shot job")
		}
	}

	if runErr != nil && !cancelled {
		logger.WithError(runErr).Warnf("job run failed")
	}
}

// Fire computes the next instant strictly after from: the cron expression's
// next firing, or from plus the interval. ok is false when the job declares
// neither.
func Fire(job *store.ScheduledJob, from time.Time) (time.Time, bool) {
	if job.CronExpr != nil && *job.CronExpr != "" {
		sched, err := cron.ParseStandard(*job.CronExpr)
		if err != nil {
			return time.Time{}, false
		}
		return sched.Next(from), true
	}
	if job.IntervalSeconds != nil && *job.IntervalSeconds > 0 {
		return from.Add(time.Duration(*job.IntervalSeconds) * time.Second), true
	}
	return time.Time{}, false
}
