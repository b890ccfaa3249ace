// Package jobs is the shared task engine: user-visible multi-item jobs
// (copy, index maintenance) run under one bounded worker pool with per-item
// progress, explicit retries, and a persisted result stream.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/filehub/filehub/internal/dcontext"
	"github.com/filehub/filehub/internal/errcode"
	"github.com/filehub/filehub/metrics"
	"github.com/filehub/filehub/store"
)

// TriggerType records what started a job.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
)

// Item statuses. An item keeps its identity across retries so progress never
// resets in the UI.
const (
	ItemPending    = "pending"
	ItemProcessing = "processing"
	ItemSuccess    = "success"
	ItemFailed     = "failed"
	ItemSkipped    = "skipped"
	ItemRetrying   = "retrying"
)

// Job statuses.
const (
	JobRunning   = "running"
	JobSuccess   = "success"
	JobFailed    = "failed"
	JobPartial   = "partial"
	JobCancelled = "cancelled"
)

// ErrSkipped marks an item intentionally not processed; wrap it with the
// reason.
var ErrSkipped = errors.New("skipped")

// Item is one unit of work with a stable identity.
type Item struct {
	ID      string      `json:"id"`
	Payload interface{} `json:"payload,omitempty"`
	Size    *int64      `json:"size,omitempty"`
}

// ItemResult is the streamed per-item state.
type ItemResult struct {
	ID               string  `json:"id"`
	Status           string  `json:"status"`
	Progress         float64 `json:"progress"`
	BytesTransferred int64   `json:"bytesTransferred"`
	FileSize         *int64  `json:"fileSize,omitempty"`
	RetryCount       int     `json:"retryCount"`
	Error            string  `json:"error,omitempty"`
}

// Stats is the persisted job statistics document.
type Stats struct {
	Total       int          `json:"total"`
	Succeeded   int          `json:"succeeded"`
	Failed      int          `json:"failed"`
	Skipped     int          `json:"skipped"`
	ItemResults []ItemResult `json:"itemResults"`
}

// Progress lets an item handler stream byte counts.
type Progress func(bytesTransferred int64)

// ItemFunc processes one item. Returning an error wrapping ErrSkipped marks
// the item skipped rather than failed.
type ItemFunc func(ctx context.Context, item Item, progress Progress) error

// Submission describes a job to run.
type Submission struct {
	TaskType       string
	UserID         string
	Trigger        TriggerType
	Items          []Item
	Run            ItemFunc
	AllowParallel  bool
	AllowedActions []string
}

// Job is a live or finished job.
type Job struct {
	ID             string      `json:"jobId"`
	TaskType       string      `json:"taskType"`
	UserID         string      `json:"userId"`
	Trigger        TriggerType `json:"triggerType"`
	AllowedActions []string    `json:"allowedActions,omitempty"`
	Status         string      `json:"status"`
	Stats          Stats       `json:"stats"`

	items  []Item
	run    ItemFunc
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine owns the pool. Parallelism bounds concurrent items across all jobs.
type Engine struct {
	store *store.Store
	sem   chan struct{}

	mu     sync.Mutex
	jobs   map[string]*Job
	active map[string]string // userID/taskType -> jobID
}

// NewEngine builds an engine with the given item parallelism.
func NewEngine(s *store.Store, parallelism int) *Engine {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Engine{
		store:  s,
		sem:    make(chan struct{}, parallelism),
		jobs:   map[string]*Job{},
		active: map[string]string{},
	}
}

// Submit starts a job. One job per (userID, taskType) runs at a time unless
// the submission opts into parallel runs.
func (e *Engine) Submit(ctx context.Context, sub Submission) (*Job, error) {
	if sub.Run == nil {
		return nil, errcode.ErrorCodeValidation.WithMessage("job has no item handler")
	}

	job := &Job{
		ID:             uuid.NewString(),
		TaskType:       sub.TaskType,
		UserID:         sub.UserID,
		Trigger:        sub.Trigger,
		AllowedActions: sub.AllowedActions,
		Status:         JobRunning,
		items:          sub.Items,
		run:            sub.Run,
		done:           make(chan struct{}),
	}
	job.Stats.Total = len(sub.Items)
	job.Stats.ItemResults = make([]ItemResult, len(sub.Items))
	for i, it := range sub.Items {
		job.Stats.ItemResults[i] = ItemResult{ID: it.ID, Status: ItemPending, FileSize: it.Size}
	}

	key := sub.UserID + "/" + sub.TaskType
	e.mu.Lock()
	if !sub.AllowParallel {
		if running, ok := e.active[key]; ok {
			e.mu.Unlock()
			return nil, errcode.ErrorCodeBusy.WithMessage(
				"a " + sub.TaskType + " job is already running: " + running)
		}
		e.active[key] = job.ID
	}
	e.jobs[job.ID] = job
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	job.cancel = cancel

	if err := e.persist(ctx, job); err != nil {
		e.release(job, key, sub.AllowParallel)
		cancel()
		return nil, err
	}

	go e.execute(runCtx, job, key, sub.AllowParallel, nil)
	return job, nil
}

// Get returns a job by id.
func (e *Engine) Get(jobID string) (*Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[jobID]
	return j, ok
}

// Cancel fires the job's cancel signal.
func (e *Engine) Cancel(jobID string) bool {
	e.mu.Lock()
	j, ok := e.jobs[jobID]
	e.mu.Unlock()
	if !ok || j.cancel == nil {
		return false
	}
	j.cancel()
	return true
}

// Wait blocks until the job finishes, for tests and synchronous callers.
func (e *Engine) Wait(jobID string) {
	e.mu.Lock()
	j, ok := e.jobs[jobID]
	e.mu.Unlock()
	if ok {
		<-j.done
	}
}

// RetryAllFailed reruns every failed item of a finished job, keeping item
// identity and bumping retry counts.
func (e *Engine) RetryAllFailed(ctx context.Context, jobID string) error {
	return e.retry(ctx, jobID, func(r *ItemResult) bool { return r.Status == ItemFailed })
}

// RetryFile reruns one item by id.
func (e *Engine) RetryFile(ctx context.Context, jobID, itemID string) error {
	return e.retry(ctx, jobID, func(r *ItemResult) bool { return r.ID == itemID })
}

func (e *Engine) retry(ctx context.Context, jobID string, pick func(*ItemResult) bool) error {
	e.mu.Lock()
	job, ok := e.jobs[jobID]
	if !ok {
		e.mu.Unlock()
		return errcode.ErrorCodeNotFound.WithMessage("unknown job " + jobID)
	}
	if job.Status == JobRunning {
		e.mu.Unlock()
		return errcode.ErrorCodeBusy.WithMessage("job is still running")
	}

	var indexes []int
	for i := range job.Stats.ItemResults {
		if pick(&job.Stats.ItemResults[i]) {
			job.Stats.ItemResults[i].Status = ItemRetrying
			job.Stats.ItemResults[i].RetryCount++
			job.Stats.ItemResults[i].Error = ""
			indexes = append(indexes, i)
		}
	}
	if len(indexes) == 0 {
		e.mu.Unlock()
		return errcode.ErrorCodeValidation.WithMessage("no matching items to retry")
	}

	job.Status = JobRunning
	job.done = make(chan struct{})
	key := job.UserID + "/" + job.TaskType
	e.active[key] = job.ID
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	job.cancel = cancel

	go e.execute(runCtx, job, key, false, indexes)
	return nil
}

// execute drains the job's item queue in FIFO order. only, when non-nil,
// restricts the pass to those item indexes.
func (e *Engine) execute(ctx context.Context, job *Job, key string, parallel bool, only []int) {
	defer e.release(job, key, parallel)
	defer close(job.done)

	indexes := only
	if indexes == nil {
		indexes = make([]int, len(job.items))
		for i := range job.items {
			indexes[i] = i
		}
	}

	for _, i := range indexes {
		if ctx.Err() != nil {
			break
		}

		e.sem <- struct{}{}
		e.updateItem(ctx, job, i, func(r *ItemResult) { r.Status = ItemProcessing })

		item := job.items[i]
		err := job.run(ctx, item, func(n int64) {
			e.updateItem(ctx, job, i, func(r *ItemResult) {
				r.BytesTransferred = n
				if r.FileSize != nil && *r.FileSize > 0 {
					r.Progress = float64(n) / float64(*r.FileSize) * 100
				}
			})
		})
		<-e.sem

		status := ItemSuccess
		e.updateItem(ctx, job, i, func(r *ItemResult) {
			switch {
			case errors.Is(err, ErrSkipped):
				r.Status = ItemSkipped
				r.Error = err.Error()
			case err != nil:
				r.Status = ItemFailed
				r.Error = err.Error()
			default:
				r.Status = ItemSuccess
				r.Progress = 100
			}
			status = r.Status
		})
		metrics.JobItems.WithLabelValues(job.TaskType, status).Inc()
	}

	e.mu.Lock()
	job.Stats.Succeeded, job.Stats.Failed, job.Stats.Skipped = 0, 0, 0
	pendingLeft := false
	for _, r := range job.Stats.ItemResults {
		switch r.Status {
		case ItemSuccess:
			job.Stats.Succeeded++
		case ItemFailed:
			job.Stats.Failed++
		case ItemSkipped:
			job.Stats.Skipped++
		default:
			pendingLeft = true
		}
	}
	switch {
	case ctx.Err() != nil && pendingLeft:
		job.Status = JobCancelled
	case job.Stats.Failed == 0:
		job.Status = JobSuccess
	case job.Stats.Succeeded > 0 || job.Stats.Skipped > 0:
		job.Status = JobPartial
	default:
		job.Status = JobFailed
	}
	e.mu.Unlock()

	if err := e.persist(context.WithoutCancel(ctx), job); err != nil {
		dcontext.GetLogger(ctx).WithError(err).Error("persisting job result")
	}
}

func (e *Engine) release(job *Job, key string, parallel bool) {
	if parallel {
		return
	}
	e.mu.Lock()
	if e.active[key] == job.ID {
		delete(e.active, key)
	}
	e.mu.Unlock()
}

func (e *Engine) updateItem(ctx context.Context, job *Job, i int, mutate func(*ItemResult)) {
	e.mu.Lock()
	mutate(&job.Stats.ItemResults[i])
	e.mu.Unlock()

	if err := e.persist(ctx, job); err != nil && ctx.Err() == nil {
		dcontext.GetLogger(ctx).WithError(err).Debug("persisting job progress")
	}
}

// persist writes the job's stats document to the run history, keyed by task
// type so retention applies per kind.
func (e *Engine) persist(ctx context.Context, job *Job) error {
	e.mu.Lock()
	raw, err := json.Marshal(job.Stats)
	status := job.Status
	e.mu.Unlock()
	if err != nil {
		return err
	}
	stats := string(raw)

	if _, getErr := e.store.GetJobRun(ctx, job.TaskType, job.ID); getErr == store.ErrNotFound {
		return e.store.InsertJobRun(ctx, &store.JobRun{
			TaskID: job.TaskType, RunID: job.ID,
			StartedAt: nowMs(), Status: store.RunStatusRunning, StatsJSON: &stats,
		})
	}

	runStatus := store.RunStatusRunning
	switch status {
	case JobSuccess, JobPartial:
		runStatus = store.RunStatusSuccess
	case JobFailed:
		runStatus = store.RunStatusFailed
	case JobCancelled:
		runStatus = store.RunStatusCancelled
	}
	if runStatus != store.RunStatusRunning {
		return e.store.FinishJobRun(ctx, job.TaskType, job.ID, nowMs(), runStatus, &stats, nil)
	}
	return e.store.UpdateJobRunStats(ctx, job.TaskType, job.ID, stats)
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
