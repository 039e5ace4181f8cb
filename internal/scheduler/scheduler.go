// Package scheduler submits sync jobs on per-account cron schedules.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mailarchiver/mailarchiver/internal/config"
)

// SubmitFunc enqueues a sync job for the account and returns its job id.
// The scheduler never runs syncs itself; serialization per queue is the
// orchestrator's business.
type SubmitFunc func(email string) (jobID string, err error)

// AccountStatus is the scheduling state of one account.
type AccountStatus struct {
	Email     string    `json:"email"`
	Schedule  string    `json:"schedule"`
	NextRun   time.Time `json:"next_run"`
	LastRun   time.Time `json:"last_run,omitzero"`
	LastJobID string    `json:"last_job_id,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Scheduler owns the cron entries for scheduled account syncs.
type Scheduler struct {
	cron   *cron.Cron
	submit SubmitFunc
	logger *slog.Logger

	mu        sync.RWMutex
	entries   map[string]cron.EntryID
	schedules map[string]string
	lastRun   map[string]time.Time
	lastJob   map[string]string
	lastErr   map[string]error
	stopped   bool
}

// New creates a Scheduler that calls submit on each firing. Expressions
// use the standard five-field cron format.
func New(submit SubmitFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
		))),
		submit:    submit,
		logger:    logger,
		entries:   make(map[string]cron.EntryID),
		schedules: make(map[string]string),
		lastRun:   make(map[string]time.Time),
		lastJob:   make(map[string]string),
		lastErr:   make(map[string]error),
	}
}

// AddAccount schedules sync submissions for an account. An existing
// schedule for the same email is replaced.
func (s *Scheduler) AddAccount(email, cronExpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, exists := s.entries[email]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, email)
		delete(s.schedules, email)
	}

	entryID, err := s.cron.AddFunc(cronExpr, func() { s.fire(email) })
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	s.entries[email] = entryID
	s.schedules[email] = cronExpr
	s.logger.Info("scheduled sync",
		"email", email,
		"schedule", cronExpr,
		"next_run", s.cron.Entry(entryID).Next)
	return nil
}

// AddAccountsFromConfig schedules every enabled account from the config.
// Returns the number scheduled and any per-account errors.
func (s *Scheduler) AddAccountsFromConfig(cfg *config.Config) (int, []error) {
	var errs []error
	scheduled := 0
	for _, acc := range cfg.ScheduledAccounts() {
		if err := s.AddAccount(acc.Email, acc.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", acc.Email, err))
		} else {
			scheduled++
		}
	}
	return scheduled, errs
}

// RemoveAccount removes the schedule for an account.
func (s *Scheduler) RemoveAccount(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, exists := s.entries[email]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, email)
		delete(s.schedules, email)
		s.logger.Info("removed schedule", "email", email)
	}
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.stopped = false
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scheduler started", "accounts", len(s.entries))
}

// Stop stops firing schedules. Already-submitted jobs keep running in
// the orchestrator.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// IsScheduled reports whether the account has a schedule.
func (s *Scheduler) IsScheduled(email string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.entries[email]
	return exists
}

// TriggerSync submits a sync for a scheduled account outside its
// schedule.
func (s *Scheduler) TriggerSync(email string) error {
	s.mu.RLock()
	_, exists := s.entries[email]
	stopped := s.stopped
	s.mu.RUnlock()

	if stopped {
		return fmt.Errorf("scheduler is stopped")
	}
	if !exists {
		return fmt.Errorf("account %s is not scheduled", email)
	}
	s.fire(email)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr[email]
}

// fire submits one sync job and records the outcome.
func (s *Scheduler) fire(email string) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return
	}

	jobID, err := s.submit(email)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErr[email] = err
		s.logger.Error("scheduled sync submission failed", "email", email, "error", err)
		return
	}
	s.lastRun[email] = time.Now()
	s.lastJob[email] = jobID
	s.lastErr[email] = nil
	s.logger.Info("scheduled sync submitted", "email", email, "job_id", jobID)
}

// Status returns the scheduling state of every account.
func (s *Scheduler) Status() []AccountStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var statuses []AccountStatus
	for email, entryID := range s.entries {
		status := AccountStatus{
			Email:     email,
			Schedule:  s.schedules[email],
			NextRun:   s.cron.Entry(entryID).Next,
			LastRun:   s.lastRun[email],
			LastJobID: s.lastJob[email],
		}
		if err := s.lastErr[email]; err != nil {
			status.LastError = err.Error()
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// ValidateCronExpr validates a cron expression without scheduling
// anything.
func ValidateCronExpr(expr string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}
