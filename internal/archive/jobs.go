package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veritrail/veritrail/internal/audit"
	"github.com/veritrail/veritrail/internal/metrics"
)

// JobKind names the two async operations the queue runs.
type JobKind string

const (
	JobBackup  JobKind = "backup"
	JobRestore JobKind = "restore"
)

// JobStatus is the job lifecycle. Terminal states never change again.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCanceled   JobStatus = "canceled"
)

var (
	ErrJobNotFound = errors.New("archive: job not found")
	ErrJobConflict = errors.New("archive: job conflict")
	ErrQueueFull   = errors.New("archive: job queue is full")
)

// Job is the caller-visible state of one queued backup or restore.
type Job struct {
	ID       string    `json:"id"`
	TenantID string    `json:"tenant_id"`
	Kind     JobKind   `json:"kind"`
	Mode     Mode      `json:"mode,omitempty"`
	File     string    `json:"file,omitempty"`
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`

	Archive *ArchiveResult `json:"archive,omitempty"`
	Restore *RestoreResult `json:"restore,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (j Job) terminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCanceled:
		return true
	}
	return false
}

// QueueConfig bounds the job queue.
type QueueConfig struct {
	MaxConcurrent  int           `yaml:"max_concurrent"`
	MaxQueueDepth  int           `yaml:"max_queue_depth"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = 16
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 2 * time.Second
	}
	return c
}

type jobState struct {
	job    Job
	cancel context.CancelFunc
}

// JobQueue runs backups and restores asynchronously with bounded
// concurrency. One job of each kind per tenant may be active at a time;
// submissions beyond the depth limit are rejected rather than queued
// silently.
type JobQueue struct {
	arch *Archiver
	cfg  QueueConfig

	mu    sync.Mutex
	jobs  map[string]*jobState
	order []string

	workerSlots chan struct{}
}

// NewJobQueue wires a queue over an archiver.
func NewJobQueue(arch *Archiver, cfg QueueConfig) *JobQueue {
	cfg = cfg.withDefaults()
	return &JobQueue{
		arch:        arch,
		cfg:         cfg,
		jobs:        make(map[string]*jobState),
		workerSlots: make(chan struct{}, cfg.MaxConcurrent),
	}
}

// EnqueueBackup schedules an archive run for the tenant.
func (q *JobQueue) EnqueueBackup(tenantID string, mode Mode) (Job, error) {
	if mode == "" {
		mode = ModeSnapshot
	}
	if mode != ModeSnapshot && mode != ModePrune {
		return Job{}, fmt.Errorf("archive: unknown mode %q", mode)
	}
	return q.enqueue(Job{TenantID: tenantID, Kind: JobBackup, Mode: mode})
}

// EnqueueRestore schedules a verified restore of a segment file.
func (q *JobQueue) EnqueueRestore(tenantID, file string) (Job, error) {
	if file == "" {
		return Job{}, errors.New("archive: restore needs a segment file")
	}
	return q.enqueue(Job{TenantID: tenantID, Kind: JobRestore, File: file})
}

func (q *JobQueue) enqueue(job Job) (Job, error) {
	if job.TenantID == "" {
		return Job{}, fmt.Errorf("archive: %w", audit.ErrMissingTenantScope)
	}

	q.mu.Lock()
	active := 0
	for _, st := range q.jobs {
		if st.job.terminal() {
			continue
		}
		active++
		if st.job.TenantID == job.TenantID && st.job.Kind == job.Kind {
			q.mu.Unlock()
			return Job{}, fmt.Errorf("%w: %s job %s already active for tenant %s",
				ErrJobConflict, job.Kind, st.job.ID, job.TenantID)
		}
	}
	if active >= q.cfg.MaxQueueDepth {
		q.mu.Unlock()
		return Job{}, ErrQueueFull
	}

	job.ID = uuid.NewString()
	job.Status = JobPending
	job.CreatedAt = time.Now().UTC()
	ctx, cancel := context.WithCancel(context.Background())
	q.jobs[job.ID] = &jobState{job: job, cancel: cancel}
	q.order = append(q.order, job.ID)
	q.mu.Unlock()

	slog.Info("queued archive job", "job", job.ID, "kind", job.Kind, "tenant", job.TenantID)
	go q.runJob(ctx, job.ID)
	return job, nil
}

func (q *JobQueue) runJob(ctx context.Context, id string) {
	q.workerSlots <- struct{}{}
	defer func() { <-q.workerSlots }()

	if ctx.Err() != nil {
		q.finish(id, JobCanceled, "canceled before starting")
		return
	}
	q.update(id, func(j *Job) {
		now := time.Now().UTC()
		j.Status = JobInProgress
		j.StartedAt = &now
		j.Progress = 10
	})

	var lastErr error
	for attempt := 1; attempt <= q.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			delay := time.Duration(math.Pow(2, float64(attempt-2))) * q.cfg.RetryBaseDelay
			select {
			case <-ctx.Done():
				q.finish(id, JobCanceled, "canceled while waiting to retry")
				return
			case <-time.After(delay):
			}
		}
		q.update(id, func(j *Job) { j.Attempts = attempt })

		lastErr = q.execute(ctx, id)
		if lastErr == nil {
			q.finish(id, JobCompleted, "")
			return
		}
		if ctx.Err() != nil {
			q.finish(id, JobCanceled, lastErr.Error())
			return
		}
		if !retryable(lastErr) {
			break
		}
		q.update(id, func(j *Job) { j.Error = lastErr.Error() })
		slog.Warn("archive job attempt failed", "job", id, "attempt", attempt, "error", lastErr)
	}
	q.finish(id, JobFailed, lastErr.Error())
}

// execute runs the archiver call for one attempt. A panic inside the
// archiver fails the attempt instead of taking down the process; the
// append path must outlive any one bad archive file.
func (q *JobQueue) execute(ctx context.Context, id string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: job panicked: %v", audit.ErrArchivalFailure, r)
		}
	}()
	q.mu.Lock()
	st, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	job := st.job
	q.mu.Unlock()

	switch job.Kind {
	case JobBackup:
		res, err := q.arch.Archive(ctx, job.TenantID, job.Mode)
		if err != nil {
			return err
		}
		q.update(id, func(j *Job) {
			j.Archive = &res
			j.File = res.Segment.File
			j.Progress = 90
		})
	case JobRestore:
		res, err := q.arch.Restore(ctx, job.TenantID, job.File)
		if err != nil {
			return err
		}
		q.update(id, func(j *Job) {
			j.Restore = &res
			j.Progress = 90
		})
	default:
		return fmt.Errorf("archive: unknown job kind %q", job.Kind)
	}
	return nil
}

// retryable separates transient failures from ones a retry cannot fix.
func retryable(err error) bool {
	switch {
	case errors.Is(err, audit.ErrRestoreVerificationFailed),
		errors.Is(err, audit.ErrMissingTenantScope),
		errors.Is(err, audit.ErrNotFound),
		errors.Is(err, ErrNothingToArchive):
		return false
	}
	return true
}

func (q *JobQueue) update(id string, fn func(*Job)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st, ok := q.jobs[id]; ok {
		fn(&st.job)
	}
}

func (q *JobQueue) finish(id string, status JobStatus, errMsg string) {
	var kind JobKind
	q.update(id, func(j *Job) {
		if j.terminal() {
			return
		}
		now := time.Now().UTC()
		j.Status = status
		j.FinishedAt = &now
		j.Error = errMsg
		if status == JobCompleted {
			j.Progress = 100
			j.Error = ""
		}
		kind = j.Kind
	})
	if kind != "" {
		metrics.RecordJob(string(kind), string(status))
	}
	slog.Info("archive job finished", "job", id, "status", status)
}

// Job returns a snapshot of one job.
func (q *JobQueue) Job(id string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return cloneJob(st.job), nil
}

// Jobs lists jobs newest first, optionally filtered by tenant.
func (q *JobQueue) Jobs(tenantID string) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.order))
	for _, id := range q.order {
		st := q.jobs[id]
		if tenantID != "" && st.job.TenantID != tenantID {
			continue
		}
		out = append(out, cloneJob(st.job))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Cancel stops a pending or running job. The tenant must match; jobs in
// a terminal state cannot be canceled.
func (q *JobQueue) Cancel(id, tenantID string) (Job, error) {
	q.mu.Lock()
	st, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return Job{}, ErrJobNotFound
	}
	if tenantID != "" && st.job.TenantID != tenantID {
		q.mu.Unlock()
		return Job{}, fmt.Errorf("%w: job %s", audit.ErrCrossTenantDenied, id)
	}
	if st.job.terminal() {
		job := cloneJob(st.job)
		q.mu.Unlock()
		return job, fmt.Errorf("%w: job %s already %s", ErrJobConflict, id, job.Status)
	}
	cancel := st.cancel
	pending := st.job.Status == JobPending
	q.mu.Unlock()

	cancel()
	if pending {
		q.finish(id, JobCanceled, "canceled by request")
	}
	return q.Job(id)
}

func cloneJob(j Job) Job {
	out := j
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	if j.Archive != nil {
		a := *j.Archive
		out.Archive = &a
	}
	if j.Restore != nil {
		r := *j.Restore
		out.Restore = &r
	}
	return out
}
