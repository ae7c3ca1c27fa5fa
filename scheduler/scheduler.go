package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"tw_autotrade/logging"
	"tw_autotrade/models"
	"tw_autotrade/services/events"
	"tw_autotrade/services/metrics"
)

// Run triggers
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// ErrUnknownJob is returned when triggering a job that is not registered.
var ErrUnknownJob = errors.New("unknown job")

// Job is one named unit of scheduled work.
type Job struct {
	Name string
	// Spec is a five-field cron expression in the scheduler's location.
	Spec string
	// When filters scheduled runs by their local start time; nil runs every
	// time. Manual triggers ignore it.
	When func(t time.Time) bool
	Run  func(ctx context.Context) error
}

// JobInfo describes a registered job for listings.
type JobInfo struct {
	Name    string         `json:"name"`
	Spec    string         `json:"spec"`
	NextRun *time.Time     `json:"next_run,omitempty"`
	LastRun *models.JobRun `json:"last_run,omitempty"`
}

// Scheduler manages scheduled jobs
type Scheduler struct {
	cron   *gocron.Scheduler
	loc    *time.Location
	db     *gorm.DB
	hub    *events.Hub
	now    func() time.Time
	logger zerolog.Logger

	mu    sync.RWMutex
	jobs  map[string]*Job
	runMu sync.Mutex // one job at a time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new scheduler instance. hub may be nil.
func NewScheduler(db *gorm.DB, hub *events.Hub, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   gocron.NewScheduler(loc),
		loc:    loc,
		db:     db,
		hub:    hub,
		now:    time.Now,
		logger: logging.WithComponent("scheduler"),
		jobs:   make(map[string]*Job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds job and schedules it. Registering a name again replaces the
// previous schedule.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job needs a name and a run function")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name]; exists {
		_ = s.cron.RemoveByTag(job.Name)
	}
	if _, err := s.cron.Cron(job.Spec).Tag(job.Name).Do(s.scheduled, job.Name); err != nil {
		return fmt.Errorf("schedule %s (%q): %w", job.Name, job.Spec, err)
	}
	j := job
	s.jobs[job.Name] = &j
	return nil
}

// Reschedule changes the cron specs of registered jobs. Unknown names are
// ignored and unchanged specs are left alone.
func (s *Scheduler) Reschedule(specs map[string]string) error {
	for name, spec := range specs {
		s.mu.RLock()
		job, ok := s.jobs[name]
		s.mu.RUnlock()
		if !ok || job.Spec == spec {
			continue
		}
		updated := *job
		updated.Spec = spec
		if err := s.Register(updated); err != nil {
			return err
		}
		s.logger.Info().Str("job", name).Str("spec", spec).Msg("Job rescheduled")
	}
	return nil
}

// Start starts all scheduled jobs
func (s *Scheduler) Start() {
	s.cron.StartAsync()
	s.logger.Info().Int("jobs", len(s.jobs)).Str("timezone", s.loc.String()).Msg("Scheduler started")
}

// Stop stops the scheduler and waits for a running job to return.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

// Jobs lists the registered jobs by name with their next and last runs.
func (s *Scheduler) Jobs(ctx context.Context) []JobInfo {
	s.mu.RLock()
	infos := make([]JobInfo, 0, len(s.jobs))
	for name, job := range s.jobs {
		info := JobInfo{Name: name, Spec: job.Spec}
		if found, err := s.cron.FindJobsByTag(name); err == nil && len(found) > 0 {
			if next := found[0].NextRun(); !next.IsZero() {
				info.NextRun = &next
			}
		}
		infos = append(infos, info)
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	for i := range infos {
		var last models.JobRun
		err := s.db.WithContext(ctx).Where("job = ?", infos[i].Name).Order("started_at DESC").Limit(1).Find(&last).Error
		if err == nil && last.ID != 0 {
			infos[i].LastRun = &last
		}
	}
	return infos
}

// Trigger runs a job now and waits for it.
func (s *Scheduler) Trigger(ctx context.Context, name string) (*models.JobRun, error) {
	job, ok := s.job(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, job, TriggerManual)
}

// TriggerAsync starts a job in the background and returns its run ID.
func (s *Scheduler) TriggerAsync(name string) (string, error) {
	job, ok := s.job(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	runID := uuid.NewString()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, _ = s.executeWithID(s.ctx, job, TriggerManual, runID)
	}()
	return runID, nil
}

func (s *Scheduler) job(name string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[name]
	return job, ok
}

// scheduled is the gocron entry point.
func (s *Scheduler) scheduled(name string) {
	job, ok := s.job(name)
	if !ok {
		return
	}
	if job.When != nil && !job.When(s.now().In(s.loc)) {
		s.logger.Debug().Str("job", name).Msg("Outside the job's days, skipping")
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	_, _ = s.execute(s.ctx, job, TriggerSchedule)
}

func (s *Scheduler) execute(ctx context.Context, job *Job, trigger string) (*models.JobRun, error) {
	return s.executeWithID(ctx, job, trigger, uuid.NewString())
}

// executeWithID records the run, publishes its lifecycle and converts panics
// into failures.
func (s *Scheduler) executeWithID(ctx context.Context, job *Job, trigger, runID string) (*models.JobRun, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	logger := s.logger.With().Str("job", job.Name).Str("run_id", runID).Str("trigger", trigger).Logger()
	run := &models.JobRun{
		RunID:     runID,
		Job:       job.Name,
		Trigger:   trigger,
		Status:    models.StatusRunning,
		StartedAt: s.now(),
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		logger.Error().Err(err).Msg("Failed to record job run")
	}
	done := metrics.JobStarted(job.Name)
	s.hub.Publish(events.Event{Type: events.JobStarted, Job: job.Name, RunID: runID, Status: run.Status})
	logger.Info().Msg("Job started")

	err := safeRun(ctx, job.Run)

	finished := s.now()
	run.FinishedAt = &finished
	run.Status = models.StatusSucceeded
	if err != nil {
		run.Status = models.StatusFailed
		run.Error = err.Error()
		logger.Error().Err(err).Dur("took", run.Duration()).Msg("Job failed")
	} else {
		logger.Info().Dur("took", run.Duration()).Msg("Job finished")
	}
	if serr := s.db.WithContext(context.WithoutCancel(ctx)).Save(run).Error; serr != nil {
		logger.Error().Err(serr).Msg("Failed to update job run")
	}
	done(run.Status)
	s.hub.Publish(events.Event{Type: events.JobFinished, Job: job.Name, RunID: runID, Status: run.Status, Error: run.Error})
	return run, err
}

func safeRun(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// IsTradingDay reports whether t falls on a weekday. Exchange holidays are
// not modelled; the provider simply returns no new rows on those days.
func IsTradingDay(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// IsFirstTradingDayOfMonth reports whether t is the month's first weekday.
func IsFirstTradingDayOfMonth(t time.Time) bool {
	if !IsTradingDay(t) {
		return false
	}
	for d := 1; d < t.Day(); d++ {
		if IsTradingDay(time.Date(t.Year(), t.Month(), d, 0, 0, 0, 0, t.Location())) {
			return false
		}
	}
	return true
}
