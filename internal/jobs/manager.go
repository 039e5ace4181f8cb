package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
)

const (
	// idlePoll is the worker sleep while its queue is empty.
	idlePoll = 100 * time.Millisecond

	// sweepRetention is how long terminal jobs and their artifacts are
	// kept before the sweep removes them.
	sweepRetention = 7 * 24 * time.Hour

	// activeWindow bounds ListActive.
	activeWindow = 24 * time.Hour
)

// Runner executes one job. It must honor ctx at every I/O and batch
// boundary; a cancelled context makes the job end as Cancelled.
type Runner func(ctx context.Context, job *Job) error

// Manager owns the five queues and their workers.
type Manager struct {
	logger *slog.Logger

	mu      sync.Mutex
	queues  map[Kind][]*Job // FIFO pending
	jobs    map[string]*Job
	runners map[Kind]Runner

	cron *cron.Cron
	wg   sync.WaitGroup
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger,
		queues:  make(map[Kind][]*Job),
		jobs:    make(map[string]*Job),
		runners: make(map[Kind]Runner),
	}
}

// Register installs the runner for a queue. Must be called before Start.
func (m *Manager) Register(kind Kind, runner Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runners[kind] = runner
}

// Submit queues a job and returns its id.
func (m *Manager) Submit(kind Kind, payload any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runners[kind] == nil {
		return "", fmt.Errorf("no runner registered for queue %q", kind)
	}
	job := newJob(kind, payload)
	m.queues[kind] = append(m.queues[kind], job)
	m.jobs[job.ID] = job
	m.logger.Info("job queued", "job_id", job.ID, "kind", kind)
	return job.ID, nil
}

// Get returns a snapshot of the job, or false when unknown.
func (m *Manager) Get(jobID string) (Snapshot, bool) {
	m.mu.Lock()
	job := m.jobs[jobID]
	m.mu.Unlock()
	if job == nil {
		return Snapshot{}, false
	}
	return job.Snapshot(), true
}

// Cancel requests cancellation: queued jobs drop immediately, running jobs
// get their context cancelled, terminal jobs are untouched.
func (m *Manager) Cancel(jobID string) bool {
	m.mu.Lock()
	job := m.jobs[jobID]
	m.mu.Unlock()
	if job == nil {
		return false
	}
	job.requestCancel()
	m.logger.Info("job cancel requested", "job_id", jobID)
	return true
}

// MarkDownloaded records that an export artifact was served.
func (m *Manager) MarkDownloaded(jobID string) bool {
	m.mu.Lock()
	job := m.jobs[jobID]
	m.mu.Unlock()
	if job == nil {
		return false
	}
	return job.MarkDownloaded()
}

// CancelSyncForAccount cancels any queued or running sync job for the
// account. Used as the first phase of account deletion.
func (m *Manager) CancelSyncForAccount(accountID int64) {
	m.mu.Lock()
	var targets []*Job
	for _, job := range m.jobs {
		if job.Kind != KindSync {
			continue
		}
		if p, ok := job.Payload.(SyncPayload); ok && p.AccountID == accountID {
			targets = append(targets, job)
		}
	}
	m.mu.Unlock()
	for _, job := range targets {
		job.requestCancel()
	}
}

// ListActive returns jobs created within the last 24h that are not yet
// terminal, plus recently finished ones inside the window.
func (m *Manager) ListActive() []Snapshot {
	cutoff := time.Now().Add(-activeWindow)
	return m.list(func(j *Job) bool { return j.CreatedAt.After(cutoff) })
}

// ListAll returns every known job.
func (m *Manager) ListAll() []Snapshot {
	return m.list(func(*Job) bool { return true })
}

func (m *Manager) list(keep func(*Job) bool) []Snapshot {
	m.mu.Lock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if keep(j) {
			jobs = append(jobs, j)
		}
	}
	m.mu.Unlock()

	out := make([]Snapshot, len(jobs))
	for i, j := range jobs {
		out[i] = j.Snapshot()
	}
	return out
}

// Start launches one worker per registered queue and the daily sweep.
// Workers exit when ctx is cancelled; Wait blocks until they drain.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	kinds := make([]Kind, 0, len(m.runners))
	for _, k := range Kinds {
		if m.runners[k] != nil {
			kinds = append(kinds, k)
		}
	}
	m.mu.Unlock()

	for _, kind := range kinds {
		m.wg.Add(1)
		go m.worker(ctx, kind)
	}

	m.cron = cron.New()
	if _, err := m.cron.AddFunc("@every 24h", m.Sweep); err == nil {
		m.cron.Start()
	}
}

// Wait blocks until all workers have stopped.
func (m *Manager) Wait() {
	m.wg.Wait()
	if m.cron != nil {
		m.cron.Stop()
	}
}

// worker is the single consumer of one queue: FIFO order, 100ms idle poll,
// cooperative shutdown via ctx.
func (m *Manager) worker(ctx context.Context, kind Kind) {
	defer m.wg.Done()
	for {
		job := m.dequeue(kind)
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idlePoll):
			}
			continue
		}
		m.run(ctx, job)
		if ctx.Err() != nil {
			return
		}
	}
}

func (m *Manager) dequeue(kind Kind) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue := m.queues[kind]
	for len(queue) > 0 {
		job := queue[0]
		queue = queue[1:]
		m.queues[kind] = queue
		// Jobs cancelled while queued are already terminal; skip them.
		if job.Status() == StatusQueued {
			return job
		}
	}
	return nil
}

// run executes one job to its terminal state.
func (m *Manager) run(parent context.Context, job *Job) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if !job.markRunning(cancel) {
		return
	}
	m.logger.Info("job started", "job_id", job.ID, "kind", job.Kind)

	m.mu.Lock()
	runner := m.runners[job.Kind]
	m.mu.Unlock()

	err := runner(ctx, job)
	switch {
	case err == nil:
		job.finish(StatusCompleted, "")
		m.logger.Info("job completed", "job_id", job.ID, "kind", job.Kind)
	case ctx.Err() != nil:
		job.finish(StatusCancelled, "")
		m.removeArtifact(job) // partial artifacts do not survive a cancel
		m.logger.Info("job cancelled", "job_id", job.ID, "kind", job.Kind)
	default:
		job.finish(StatusFailed, eris.ToString(eris.Wrapf(err, "%s job", job.Kind), false))
		m.logger.Error("job failed", "job_id", job.ID, "kind", job.Kind, "error", err)
	}
}

// Sweep removes terminal jobs older than the retention window and deletes
// their on-disk artifacts.
func (m *Manager) Sweep() {
	cutoff := time.Now().Add(-sweepRetention)

	m.mu.Lock()
	var doomed []*Job
	for id, job := range m.jobs {
		snap := job.Snapshot()
		if snap.Status.Terminal() && snap.FinishedAt.Before(cutoff) {
			doomed = append(doomed, job)
			delete(m.jobs, id)
		}
	}
	m.mu.Unlock()

	for _, job := range doomed {
		m.removeArtifact(job)
	}
	if len(doomed) > 0 {
		m.logger.Info("swept terminal jobs", "count", len(doomed))
	}
}

func (m *Manager) removeArtifact(job *Job) {
	path := job.Artifact()
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("artifact removal failed", "job_id", job.ID, "path", path, "error", err)
	}
}
