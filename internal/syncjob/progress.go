package syncjob

import (
	"sync"
	"time"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Progress is the advisory, process-local state of a workspace's sync job.
// It does not survive a restart: pollers must treat a job that disappeared
// as equivalent to error.
type Progress struct {
	Status Status `json:"status"`
	Phase  string `json:"phase,omitempty"`

	Current int `json:"current"`
	Total   int `json:"total"`
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Summary string `json:"summary,omitempty"`
}

func (p Progress) terminal() bool {
	switch p.Status {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

type jobState struct {
	progress  Progress
	cancelled bool
}

// Registry tracks sync jobs keyed by workspace id. It is bounded: once full,
// terminal entries are evicted to make room, so a long-lived process cannot
// grow without limit across many workspaces.
type Registry struct {
	mu   sync.Mutex
	max  int
	jobs map[string]*jobState
}

func NewRegistry(maxTracked int) *Registry {
	if maxTracked <= 0 {
		maxTracked = 1000
	}
	return &Registry{max: maxTracked, jobs: make(map[string]*jobState)}
}

// begin claims the workspace slot. Returns false when a job is already
// running, which is the single-flight guarantee.
func (r *Registry) begin(workspaceID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.jobs[workspaceID]; ok && st.progress.Status == StatusRunning {
		return false
	}
	if len(r.jobs) >= r.max {
		r.evictTerminalLocked()
	}
	r.jobs[workspaceID] = &jobState{progress: Progress{
		Status:    StatusRunning,
		Phase:     "starting",
		StartedAt: now,
	}}
	return true
}

func (r *Registry) evictTerminalLocked() {
	for id, st := range r.jobs {
		if st.progress.terminal() {
			delete(r.jobs, id)
			return
		}
	}
}

// update mutates the running job's progress under the registry lock.
func (r *Registry) update(workspaceID string, fn func(*Progress)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.jobs[workspaceID]; ok {
		fn(&st.progress)
	}
}

// finish transitions the job into a terminal status.
func (r *Registry) finish(workspaceID string, status Status, summary string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.jobs[workspaceID]
	if !ok {
		return
	}
	st.progress.Status = status
	st.progress.Summary = summary
	st.progress.FinishedAt = &now
}

// Cancel flags a running job for cooperative cancellation. Returns false
// when nothing is running for the workspace.
func (r *Registry) Cancel(workspaceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.jobs[workspaceID]
	if !ok || st.progress.Status != StatusRunning {
		return false
	}
	st.cancelled = true
	return true
}

func (r *Registry) cancelled(workspaceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.jobs[workspaceID]
	return ok && st.cancelled
}

// Snapshot returns the current progress, or an idle zero value when the
// workspace has no tracked job.
func (r *Registry) Snapshot(workspaceID string) Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.jobs[workspaceID]; ok {
		return st.progress
	}
	return Progress{Status: StatusIdle}
}
