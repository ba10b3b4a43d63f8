package dispatch

import (
	"context"
	"sync"
	"time"
)

// Status enumerates a job's lifecycle.
type Status int

const (
	StatusQueued Status = iota
	StatusRunning
	StatusCompleted
	StatusCanceled
)

// String returns the wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusCanceled:
		return "canceled"
	default:
		return "queued"
	}
}

// Progress counts per-recipient outcomes plus the 1-based batch currently
// being processed.
type Progress struct {
	Sent    int
	Invalid int
	Errored int
	Batch   int
}

// Job is the handle returned from Submit. The engine owns the job for its
// lifetime; callers may observe progress and cancel.
type Job struct {
	ID        string
	TenantID  string
	Message   string
	StartedAt time.Time

	mu       sync.Mutex
	status   Status
	progress Progress

	cancel context.CancelFunc
	done   chan struct{}
}

// Status returns the job's current lifecycle phase.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Progress returns a copy of the current counters.
func (j *Job) Progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// Cancel stops the job before its next recipient or inter-batch wait. Safe to
// call more than once.
func (j *Job) Cancel() {
	j.cancel()
}

// Done closes once the job has finished, for whatever reason.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) setStatus(s Status) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
}

func (j *Job) setBatch(n int) {
	j.mu.Lock()
	j.progress.Batch = n
	j.mu.Unlock()
}

func (j *Job) markSent() {
	j.mu.Lock()
	j.progress.Sent++
	j.mu.Unlock()
}

func (j *Job) markInvalid() {
	j.mu.Lock()
	j.progress.Invalid++
	j.mu.Unlock()
}

func (j *Job) markErrored() {
	j.mu.Lock()
	j.progress.Errored++
	j.mu.Unlock()
}
