// Package jobs implements the job orchestrator: five typed FIFO queues
// with one worker each, cooperative cancellation, and a periodic sweep of
// terminal jobs.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a job. Transitions are append-only past
// a terminal state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"

	// StatusDownloaded marks a completed export whose artifact has been
	// served to the caller.
	StatusDownloaded Status = "downloaded"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusDownloaded:
		return true
	}
	return false
}

// Kind names a job queue.
type Kind string

const (
	KindSync          Kind = "sync"
	KindRestore       Kind = "restore"
	KindExport        Kind = "export"
	KindImport        Kind = "import"
	KindAccountDelete Kind = "account-delete"
)

// Kinds lists every queue in worker start order.
var Kinds = []Kind{KindSync, KindRestore, KindExport, KindImport, KindAccountDelete}

// Payloads. One type per queue; the runner for a queue downcasts.

type SyncPayload struct {
	AccountID  int64
	FullResync bool
}

type RestorePayload struct {
	AccountID int64
	EmailIDs  []int64
	Folder    string
}

type ExportPayload struct {
	AccountID int64
	Format    string // "eml" or "mbox"
	EmailIDs  []int64 // empty means whole account
}

type ImportPayload struct {
	AccountID int64
	Path      string // uploaded mbox file
}

type DeletePayload struct {
	AccountID int64
}

// Counters are the user-visible progress numbers of a job.
type Counters struct {
	Processed int `json:"processed"`
	New       int `json:"new"`
	Failed    int `json:"failed"`
	Deleted   int `json:"deleted"`

	BytesProcessed int64  `json:"bytesProcessed,omitempty"`
	CurrentFolder  string `json:"currentFolder,omitempty"`
	CurrentSubject string `json:"currentSubject,omitempty"`
}

// Job is one unit of queued work. All mutation goes through the methods so
// status transitions stay consistent under the per-job lock.
type Job struct {
	ID        string
	Kind      Kind
	Payload   any
	CreatedAt time.Time

	mu         sync.Mutex
	status     Status
	err        string
	counters   Counters
	artifact   string
	startedAt  time.Time
	finishedAt time.Time
	cancel     context.CancelFunc
}

func newJob(kind Kind, payload any) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now(),
		status:    StatusQueued,
	}
}

// Snapshot is a copy of the job's mutable state, safe to serialize.
type Snapshot struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Status     Status    `json:"status"`
	Error      string    `json:"errorMessage,omitempty"`
	Counters   Counters  `json:"counters"`
	Artifact   string    `json:"artifact,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	StartedAt  time.Time `json:"startedAt,omitzero"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
}

func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot{
		ID:         j.ID,
		Kind:       j.Kind,
		Status:     j.status,
		Error:      j.err,
		Counters:   j.counters,
		Artifact:   j.artifact,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
	}
}

// Status returns the current status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// SetCounters replaces the progress counters.
func (j *Job) SetCounters(c Counters) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.counters = c
}

// SetArtifact records the path of a produced artifact (export zip).
func (j *Job) SetArtifact(path string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.artifact = path
}

// Artifact returns the artifact path, if any.
func (j *Job) Artifact() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.artifact
}

// markRunning transitions Queued -> Running, installing the cancel func.
// Returns false when the job is no longer queued (cancelled while waiting).
func (j *Job) markRunning(cancel context.CancelFunc) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusQueued {
		return false
	}
	j.status = StatusRunning
	j.startedAt = time.Now()
	j.cancel = cancel
	return true
}

// finish records the terminal state. Counters persist as-is; a job
// cancelled mid-run keeps the work it already counted.
func (j *Job) finish(status Status, errMsg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	j.status = status
	j.err = errMsg
	j.finishedAt = time.Now()
	j.cancel = nil
}

// MarkDownloaded flips a completed export to Downloaded. Any other
// state is left alone.
func (j *Job) MarkDownloaded() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Kind != KindExport || j.status != StatusCompleted {
		return false
	}
	j.status = StatusDownloaded
	return true
}

// requestCancel flips a queued job to Cancelled, or signals a running one.
// Terminal jobs are no-ops.
func (j *Job) requestCancel() {
	j.mu.Lock()
	if j.status == StatusQueued {
		j.status = StatusCancelled
		j.finishedAt = time.Now()
		j.mu.Unlock()
		return
	}
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
