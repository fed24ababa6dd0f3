// ABOUTME: In-memory table of detached long-running jobs.
// ABOUTME: Tracks status and results by job id and reaps finished jobs after a retention period.

package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobComplete  JobStatus = "complete"
	JobFailed    JobStatus = "error"
	JobCancelled JobStatus = "cancelled"
)

// Job is a snapshot of one detached job.
type Job struct {
	ID        string         `json:"job_id"`
	Command   string         `json:"command"`
	RequestID string         `json:"request_id"`
	Status    JobStatus      `json:"job_status"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	StartedAt time.Time      `json:"start_date"`
	EndedAt   time.Time      `json:"end_date,omitzero"`
}

// Describe renders the job as a reply payload.
func (j Job) Describe() map[string]any {
	m := map[string]any{
		"job_id":     j.ID,
		"command":    j.Command,
		"request_id": j.RequestID,
		"job_status": string(j.Status),
		"start_date": j.StartedAt.Unix(),
	}
	if !j.EndedAt.IsZero() {
		m["end_date"] = j.EndedAt.Unix()
	}
	if j.Result != nil {
		m["result"] = j.Result
	}
	if j.Error != "" {
		m["error"] = j.Error
	}
	return m
}

type jobEntry struct {
	job    Job
	cancel context.CancelFunc
}

// JobTable is safe for concurrent use.
type JobTable struct {
	mu   sync.Mutex
	jobs map[string]*jobEntry
	now  func() time.Time
}

// NewJobTable creates an empty table.
func NewJobTable() *JobTable {
	return &JobTable{
		jobs: make(map[string]*jobEntry),
		now:  time.Now,
	}
}

// Start records a running job and returns its id.
func (t *JobTable) Start(command, requestID string, cancel context.CancelFunc) string {
	id := uuid.New().String()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[id] = &jobEntry{
		job: Job{
			ID:        id,
			Command:   command,
			RequestID: requestID,
			Status:    JobRunning,
			StartedAt: t.now(),
		},
		cancel: cancel,
	}
	return id
}

// Finish records the outcome of a job. Unknown ids are ignored.
func (t *JobTable) Finish(id string, status JobStatus, result map[string]any, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.jobs[id]
	if !ok {
		return
	}
	e.job.Status = status
	e.job.Result = result
	e.job.Error = errMsg
	e.job.EndedAt = t.now()
	e.cancel = nil
}

// Cancel asks a running job to stop. It reports whether the job was running.
func (t *JobTable) Cancel(id string) bool {
	t.mu.Lock()
	e, ok := t.jobs[id]
	var cancel context.CancelFunc
	if ok && e.job.Status == JobRunning {
		cancel = e.cancel
	}
	t.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Get returns a snapshot of the job.
func (t *JobTable) Get(id string) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.jobs[id]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// List returns all jobs, oldest first.
func (t *JobTable) List() []Job {
	t.mu.Lock()
	out := make([]Job, 0, len(t.jobs))
	for _, e := range t.jobs {
		out = append(out, e.job)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Running returns how many jobs have not finished.
func (t *JobTable) Running() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.jobs {
		if e.job.Status == JobRunning {
			n++
		}
	}
	return n
}

// Reap drops finished jobs that ended more than retention ago.
func (t *JobTable) Reap(retention time.Duration) int {
	cutoff := t.now().Add(-retention)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, e := range t.jobs {
		if e.job.Status != JobRunning && e.job.EndedAt.Before(cutoff) {
			delete(t.jobs, id)
			n++
		}
	}
	return n
}

// RunReaper reaps every interval until ctx is done.
func (t *JobTable) RunReaper(ctx context.Context, interval, retention time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := t.Reap(retention); n > 0 && logger != nil {
				logger.Debug("reaped finished jobs", "count", n)
			}
		}
	}
}
