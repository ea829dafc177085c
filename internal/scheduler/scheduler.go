// Package scheduler implements a cron-driven set of recipe-backed agent
// runs with pause/unpause, run-now, kill-running-job, and JSON-file
// persisted state. A tick loop drives pluggable job execution through a
// small Runner interface with an XxxFunc adapter, constructed via WithXxx
// functional options.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/orbit/internal/observability"
	"github.com/haasonsaas/orbit/pkg/models"
)

// ErrAlreadyExists is returned by AddScheduledJob for a duplicate ID.
var ErrAlreadyExists = errors.New("scheduler: job already exists")

// ErrNotFound is returned when a job ID is unknown.
var ErrNotFound = errors.New("scheduler: job not found")

// ErrAlreadyRunning is returned by RunNow/UpdateSchedule when the job is
// currently executing.
var ErrAlreadyRunning = errors.New("scheduler: job is already running")

// ErrNotRunning is returned by KillRunningJob when the job has no active run.
var ErrNotRunning = errors.New("scheduler: job is not running")

// ScheduledJob is the persisted unit of scheduled work.
type ScheduledJob struct {
	ID               string     `json:"id"`
	Source           string     `json:"source"` // path to the recipe file this job runs
	CronExpr         string     `json:"cron_expr"`
	LastRun          *time.Time `json:"last_run,omitempty"`
	Running          bool       `json:"running"`
	Paused           bool       `json:"paused"`
	CurrentSessionID string     `json:"current_session_id,omitempty"`
	ProcessStartTime *time.Time `json:"process_start_time,omitempty"`
}

// Runner executes one scheduled job's recipe and returns the session it ran
// in. Implementations construct a fresh Agent/Orchestrator bound to a
// configured Provider, create a new Scheduled-type Session, load the
// recipe's extensions, and drive the reply loop to completion.
type Runner interface {
	// Run executes job to completion. Implementations call report with the
	// fresh session's id as soon as that session exists, so
	// GetRunningJobInfo can surface it while the run is still in flight.
	// report is never nil.
	Run(ctx context.Context, job ScheduledJob, report func(sessionID string)) error
}

// RunnerFunc adapts a function to a Runner.
type RunnerFunc func(ctx context.Context, job ScheduledJob, report func(sessionID string)) error

func (f RunnerFunc) Run(ctx context.Context, job ScheduledJob, report func(sessionID string)) error {
	return f(ctx, job, report)
}

// SessionLister resolves the sessions a scheduled job has produced, newest
// first. Satisfied by sessions.Store's
// ListSessions restricted to schedule_id; kept as its own narrow interface
// so this package does not need to import internal/sessions.
type SessionLister interface {
	SessionsForSchedule(ctx context.Context, scheduleID string, limit int) ([]*models.Session, error)
}

// runningJob tracks the live state of one in-flight execution so
// KillRunningJob can cancel it.
type runningJob struct {
	sessionID string
	startedAt time.Time
	cancel    context.CancelFunc
}

// Scheduler runs ScheduledJobs against their cron expressions, persisting
// state to a JSON file on every mutation.
type Scheduler struct {
	mu   sync.Mutex
	jobs map[string]*ScheduledJob

	running map[string]*runningJob

	runner   Runner
	sessions SessionLister
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	statePath    string
	recipeDir    string
	tickInterval time.Duration

	stop    chan struct{}
	stopped chan struct{}
	started bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithRunner(r Runner) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.runner = r
		}
	}
}

func WithSessionLister(l SessionLister) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.sessions = l
		}
	}
}

// WithMetrics attaches a recorder for per-run telemetry (run attempts by
// outcome). Runs fine without one.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithStatePath overrides the JSON file scheduled jobs are persisted to.
func WithStatePath(path string) Option {
	return func(s *Scheduler) {
		if path != "" {
			s.statePath = path
		}
	}
}

// WithRecipeDir overrides the directory AddScheduledJob copies recipe files
// into when makeCopy is requested.
func WithRecipeDir(dir string) Option {
	return func(s *Scheduler) {
		if dir != "" {
			s.recipeDir = dir
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// New constructs a Scheduler and loads any persisted state from statePath
// (or the WithStatePath override), skipping jobs whose recipe file is
// missing or whose cron expression fails to parse, logging each skip rather than failing construction.
func New(opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		jobs:         make(map[string]*ScheduledJob),
		running:      make(map[string]*runningJob),
		logger:       slog.Default(),
		now:          time.Now,
		statePath:    "scheduler_state.json",
		recipeDir:    "scheduled_recipes",
		tickInterval: time.Second,
		stop:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// persistedState is the on-disk shape written to statePath.
type persistedState struct {
	Jobs []ScheduledJob `json:"jobs"`
}

func (s *Scheduler) load() error {
	data, err := os.ReadFile(s.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read scheduler state: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parse scheduler state: %w", err)
	}

	for _, job := range state.Jobs {
		job := job
		if _, err := os.Stat(job.Source); err != nil {
			s.logger.Warn("skipping scheduled job: recipe file missing", "id", job.ID, "source", job.Source)
			continue
		}
		if _, err := parseCronExpr(job.CronExpr, s.logger); err != nil {
			s.logger.Warn("skipping scheduled job: invalid cron expression", "id", job.ID, "cron", job.CronExpr, "error", err)
			continue
		}
		// A process restart always clears in-flight state; nothing was
		// actually still running.
		job.Running = false
		job.CurrentSessionID = ""
		job.ProcessStartTime = nil
		s.jobs[job.ID] = &job
	}
	return nil
}

// persistLocked writes the current job set to statePath. Callers must hold
// s.mu. Writes to a temp file and renames over the target so a crash mid
// write never corrupts the persisted state.
func (s *Scheduler) persistLocked() error {
	jobs := make([]ScheduledJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, *j)
	}
	data, err := json.MarshalIndent(persistedState{Jobs: jobs}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal scheduler state: %w", err)
	}

	dir := filepath.Dir(s.statePath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create scheduler state dir: %w", err)
		}
	}

	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write scheduler state: %w", err)
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		return fmt.Errorf("rename scheduler state: %w", err)
	}
	return nil
}

// AddScheduledJob registers job. If makeCopy is true, the recipe file at
// job.Source is copied into the scheduler's recipe directory and job.Source
// is rewritten to point at the copy, so the scheduler survives the original
// file moving or being deleted.
func (s *Scheduler) AddScheduledJob(job ScheduledJob, makeCopy bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, job.ID)
	}
	if _, err := parseCronExpr(job.CronExpr, s.logger); err != nil {
		return err
	}

	if makeCopy {
		newPath, err := s.copyRecipeLocked(job.ID, job.Source)
		if err != nil {
			return err
		}
		job.Source = newPath
	}

	stored := job
	s.jobs[job.ID] = &stored
	return s.persistLocked()
}

func (s *Scheduler) copyRecipeLocked(jobID, source string) (string, error) {
	data, err := os.ReadFile(source)
	if err != nil {
		return "", fmt.Errorf("read recipe %q: %w", source, err)
	}
	if err := os.MkdirAll(s.recipeDir, 0o755); err != nil {
		return "", fmt.Errorf("create recipe dir: %w", err)
	}
	dest := filepath.Join(s.recipeDir, jobID+filepath.Ext(source))
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", fmt.Errorf("write recipe copy: %w", err)
	}
	return dest, nil
}

// ScheduleRecipe is a convenience wrapper around AddScheduledJob for a
// recipe-path-plus-optional-cron-override call shape. When cron
// is nil, the recipe file's own schedule must already be embedded in
// Source's caller-resolved cron expression; this package does not parse
// recipe files itself.
func (s *Scheduler) ScheduleRecipe(recipePath string, cronExpr string) error {
	return s.AddScheduledJob(ScheduledJob{Source: recipePath, CronExpr: cronExpr}, true)
}

// UpdateSchedule changes a job's cron expression. Rejected while the job is
// currently running.
func (s *Scheduler) UpdateSchedule(id, newCronExpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Running {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	if _, err := parseCronExpr(newCronExpr, s.logger); err != nil {
		return err
	}
	job.CronExpr = newCronExpr
	return s.persistLocked()
}

// PauseSchedule marks a job paused; the tick loop skips paused jobs
// entirely, even on a cron trigger that would otherwise fire.
func (s *Scheduler) PauseSchedule(id string) error {
	return s.setPaused(id, true)
}

// UnpauseSchedule clears a job's paused flag.
func (s *Scheduler) UnpauseSchedule(id string) error {
	return s.setPaused(id, false)
}

func (s *Scheduler) setPaused(id string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	job.Paused = paused
	return s.persistLocked()
}

// RemoveScheduledJob deregisters id, optionally deleting the (possibly
// copied) recipe file it points at.
func (s *Scheduler) RemoveScheduledJob(id string, removeRecipe bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Running {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	source := job.Source
	delete(s.jobs, id)
	if err := s.persistLocked(); err != nil {
		return err
	}
	if removeRecipe {
		if err := os.Remove(source); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to remove recipe file", "id", id, "source", source, "error", err)
		}
	}
	return nil
}

// Sessions returns, newest first, up to limit Sessions this job has
// produced.
func (s *Scheduler) Sessions(ctx context.Context, id string, limit int) ([]*models.Session, error) {
	s.mu.Lock()
	_, ok := s.jobs[id]
	lister := s.sessions
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if lister == nil {
		return nil, nil
	}
	return lister.SessionsForSchedule(ctx, id, limit)
}

// GetRunningJobInfo reports the session ID and start time of id's current
// run, if any.
func (s *Scheduler) GetRunningJobInfo(id string) (sessionID string, startTime time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, exists := s.running[id]
	if !exists {
		return "", time.Time{}, false
	}
	return r.sessionID, r.startedAt, true
}

// KillRunningJob cancels the context of id's currently in-flight run.
func (s *Scheduler) KillRunningJob(id string) error {
	s.mu.Lock()
	r, exists := s.running[id]
	s.mu.Unlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	r.cancel()
	return nil
}

// RunNow executes id immediately, synchronously with respect to the caller,
// outside the normal cron trigger. Rejected if the job is already running.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Running {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	s.mu.Unlock()

	return s.execute(ctx, id)
}

// Start begins the tick loop that checks every job's cron schedule each
// tick interval and triggers due, unpaused jobs. Each triggered job runs in
// its own goroutine so one slow run never delays others.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.tickLoop(ctx)
}

// Stop halts the tick loop and waits for it to exit. In-flight job runs are
// not cancelled; use KillRunningJob for that.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stop)
	<-s.stopped
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer close(s.stopped)
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	lastChecked := s.now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case t := <-ticker.C:
			s.triggerDue(ctx, lastChecked, t)
			lastChecked = t
		}
	}
}

// triggerDue runs every unpaused, non-running job whose schedule has a
// trigger time in (since, until].
func (s *Scheduler) triggerDue(ctx context.Context, since, until time.Time) {
	s.mu.Lock()
	var due []string
	for id, job := range s.jobs {
		if job.Paused || job.Running {
			continue
		}
		sched, err := parseCronExpr(job.CronExpr, s.logger)
		if err != nil {
			continue
		}
		if nextTriggerInWindow(sched, since, until) {
			due = append(due, id)
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		go func(id string) {
			if err := s.execute(ctx, id); err != nil {
				s.logger.Error("scheduled job run failed", "id", id, "error", err)
			}
		}(id)
	}
}

// nextTriggerInWindow reports whether sched fires at least once in
// (since, until].
func nextTriggerInWindow(sched cron.Schedule, since, until time.Time) bool {
	next := sched.Next(since)
	return !next.After(until) && next.After(since)
}

// execute runs one job to completion via the configured Runner, updating
// Running/CurrentSessionID/LastRun state before and after. A run failure is
// logged and recorded; the scheduler itself never retries.
func (s *Scheduler) execute(ctx context.Context, id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Running {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	runCtx, cancel := context.WithCancel(ctx)
	startedAt := s.now()
	job.Running = true
	job.ProcessStartTime = &startedAt
	s.running[id] = &runningJob{startedAt: startedAt, cancel: cancel}
	snapshot := *job
	if err := s.persistLocked(); err != nil {
		s.logger.Error("persist scheduler state before run", "id", id, "error", err)
	}
	s.mu.Unlock()

	report := func(sessionID string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if r, ok := s.running[id]; ok {
			r.sessionID = sessionID
		}
		if job, ok := s.jobs[id]; ok {
			job.CurrentSessionID = sessionID
			if err := s.persistLocked(); err != nil {
				s.logger.Error("persist scheduler state on session bind", "id", id, "error", err)
			}
		}
	}

	var runErr error
	if s.runner != nil {
		runErr = s.runner.Run(runCtx, snapshot, report)
	} else {
		runErr = fmt.Errorf("scheduler: no runner configured")
	}
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
	if job, ok := s.jobs[id]; ok {
		now := s.now()
		job.Running = false
		job.CurrentSessionID = ""
		job.ProcessStartTime = nil
		job.LastRun = &now
		if err := s.persistLocked(); err != nil {
			s.logger.Error("persist scheduler state after run", "id", id, "error", err)
		}
	}
	if s.metrics != nil {
		status := "success"
		if runErr != nil {
			status = "failed"
		}
		s.metrics.RecordRunAttempt(status)
	}
	if runErr != nil {
		s.logger.Error("scheduled job run failed", "id", id, "error", runErr)
	}
	return runErr
}
