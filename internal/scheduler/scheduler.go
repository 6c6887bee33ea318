// Package scheduler runs the periodic jobs on a cron instance and follows
// the intervals file while running.
//
// Timer ticks, the startup run and manual triggers all claim the job entry
// before running it, so a job never overlaps with itself and a refused claim
// is reported to the caller. Panics in a job are recovered and logged.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/tagsync/internal/config"
	"github.com/jmylchreest/tagsync/internal/events"
	"github.com/jmylchreest/tagsync/internal/models"
	"github.com/jmylchreest/tagsync/internal/observability"
)

// Errors returned by the scheduler and recognised in job results.
var (
	ErrUnknownJob     = errors.New("unknown job")
	ErrJobRunning     = errors.New("job already running")
	ErrNotStarted     = errors.New("scheduler not started")
	ErrAlreadyStarted = errors.New("scheduler already started")

	// ErrSkipped marks a run a gate stopped before it did any work.
	ErrSkipped = errors.New("run skipped")
	// ErrPartial marks a run that completed with per-item failures.
	ErrPartial = errors.New("run completed with failures")
)

// Job is a unit of periodic work. Run returns a one-line summary.
type Job interface {
	Name() string
	Run(ctx context.Context) (string, error)
}

// RunRecorder persists job runs.
type RunRecorder interface {
	SaveRun(ctx context.Context, run models.JobRun) error
}

// IntervalFunc picks a job's period from the intervals file.
type IntervalFunc func(config.Intervals) time.Duration

// ScanInterval selects the scan period.
func ScanInterval(i config.Intervals) time.Duration { return i.Scan }

// PipelineInterval selects the pipeline period.
func PipelineInterval(i config.Intervals) time.Duration { return i.Pipeline }

// Config configures a Scheduler.
type Config struct {
	// IntervalsPath is the intervals file, created from Defaults if missing.
	IntervalsPath string
	Defaults      config.Intervals
	// ReloadPeriod is how often the intervals file is polled.
	ReloadPeriod time.Duration
	// SkipStartupRun arms the timers without running every job first.
	SkipStartupRun bool
}

// JobStatus is a snapshot of one job for the status API.
type JobStatus struct {
	Name     string         `json:"name"`
	Interval time.Duration  `json:"interval"`
	Running  bool           `json:"running"`
	NextRun  *time.Time     `json:"nextRun,omitempty"`
	LastRun  *models.JobRun `json:"lastRun,omitempty"`
}

type entry struct {
	job      Job
	pick     IntervalFunc
	interval time.Duration
	id       cron.EntryID
	wrapped  cron.Job
	running  atomic.Bool
	lastRun  *models.JobRun
}

// claim marks the entry running. It fails while another run holds it.
func (e *entry) claim() bool {
	return e.running.CompareAndSwap(false, true)
}

// Scheduler owns the cron instance and the job entries.
type Scheduler struct {
	mu sync.RWMutex

	cfg       Config
	cron      *cron.Cron
	entries   map[string]*entry
	order     []string
	intervals config.Intervals

	recorder RunRecorder
	events   events.Publisher
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRecorder persists every run.
func WithRecorder(r RunRecorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// WithEvents publishes a cycle.completed event after every run.
func WithEvents(p events.Publisher) Option {
	return func(s *Scheduler) { s.events = p }
}

// New creates a scheduler. Register jobs before Start.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReloadPeriod <= 0 {
		cfg.ReloadPeriod = time.Second
	}
	logger = observability.WithComponent(logger, "scheduler")
	cronLog := observability.NewCronLogger(logger)

	s := &Scheduler{
		cfg:       cfg,
		cron:      cron.New(cron.WithLogger(cronLog)),
		entries:   make(map[string]*entry),
		intervals: cfg.Defaults,
		events:    events.Discard,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a job whose period is chosen by pick.
func (s *Scheduler) Register(job Job, pick IntervalFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{job: job, pick: pick}
	e.wrapped = cron.FuncJob(func() {
		if !e.claim() {
			s.logger.Info("skipping tick, previous run still in progress", slog.String("job", job.Name()))
			return
		}
		s.runClaimed(e, "cron")
	})

	s.entries[job.Name()] = e
	s.order = append(s.order, job.Name())
}

// Start loads the intervals, runs every job once, arms the timers and
// starts polling the intervals file. It returns after the startup runs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if _, err := config.EnsureIntervalsFile(s.cfg.IntervalsPath, s.cfg.Defaults); err != nil {
		s.logger.Warn("cannot create intervals file, using defaults", slog.String("error", err.Error()))
	}
	intervals, err := config.ReadIntervalsFile(s.cfg.IntervalsPath, s.cfg.Defaults)
	if err != nil {
		s.logger.Warn("intervals file has problems", slog.String("error", err.Error()))
	}

	s.mu.Lock()
	s.intervals = intervals
	s.mu.Unlock()

	if !s.cfg.SkipStartupRun {
		for _, name := range s.names() {
			if s.ctx.Err() != nil {
				break
			}
			if e := s.entry(name); e.claim() {
				s.runClaimed(e, "startup")
			}
		}
	}

	s.mu.Lock()
	for _, name := range s.order {
		e := s.entries[name]
		e.interval = e.pick(s.intervals)
		e.id = s.cron.Schedule(cron.Every(e.interval), e.wrapped)
		s.logger.Info("job scheduled",
			slog.String("job", name),
			slog.Duration("interval", e.interval),
		)
	}
	s.mu.Unlock()

	s.cron.Start()

	s.wg.Add(1)
	go s.reloadLoop()
	return nil
}

// Stop halts the timers and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) reloadLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ReloadPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Reload()
		}
	}
}

// Reload rereads the intervals file and reschedules only the jobs whose
// period changed. Bad values keep the current period.
func (s *Scheduler) Reload() {
	s.mu.RLock()
	current := s.intervals
	s.mu.RUnlock()

	next, err := config.ReadIntervalsFile(s.cfg.IntervalsPath, current)
	if err != nil {
		s.logger.Debug("intervals file not applied cleanly", slog.String("error", err.Error()))
	}
	if next == current {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.intervals = next

	for _, name := range s.order {
		e := s.entries[name]
		interval := e.pick(next)
		if interval == e.interval {
			continue
		}
		if e.id != 0 {
			s.cron.Remove(e.id)
		}
		e.id = s.cron.Schedule(cron.Every(interval), e.wrapped)
		s.logger.Info("job rescheduled",
			slog.String("job", name),
			slog.Duration("from", e.interval),
			slog.Duration("to", interval),
		)
		e.interval = interval
	}
}

// Trigger starts a run of the named job in the background.
func (s *Scheduler) Trigger(name string) error {
	s.mu.RLock()
	started := s.ctx != nil
	e, ok := s.entries[name]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if !started {
		return ErrNotStarted
	}
	if !e.claim() {
		return fmt.Errorf("%w: %s", ErrJobRunning, name)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runClaimed(e, "manual")
	}()
	return nil
}

// Status reports every registered job.
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.order))
	for _, name := range s.order {
		e := s.entries[name]
		st := JobStatus{
			Name:     name,
			Interval: e.pick(s.intervals),
			Running:  e.running.Load(),
		}
		if e.id != 0 {
			if next := s.cron.Entry(e.id).Next; !next.IsZero() {
				st.NextRun = &next
			}
		}
		if e.lastRun != nil {
			run := *e.lastRun
			st.LastRun = &run
		}
		out = append(out, st)
	}
	return out
}

// Started reports whether Start has run and Stop has not.
func (s *Scheduler) Started() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx != nil && s.ctx.Err() == nil
}

// Intervals returns the periods currently in effect.
func (s *Scheduler) Intervals() config.Intervals {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.intervals
}

func (s *Scheduler) names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

func (s *Scheduler) entry(name string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[name]
}

// runClaimed executes a run the caller claimed and releases the entry.
func (s *Scheduler) runClaimed(e *entry, trigger string) {
	defer e.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked",
				slog.String("job", e.job.Name()),
				slog.String("trigger", trigger),
				slog.Any("panic", r),
			)
		}
	}()
	s.execute(e, trigger)
}

// execute runs one job invocation under a fresh cycle id and records it.
func (s *Scheduler) execute(e *entry, trigger string) {
	s.mu.RLock()
	parent := s.ctx
	s.mu.RUnlock()
	if parent == nil || parent.Err() != nil {
		return
	}

	name := e.job.Name()
	run := models.JobRun{
		ID:        models.NewULID(),
		Job:       name,
		Trigger:   trigger,
		Status:    models.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	ctx := observability.ContextWithCycleID(parent, run.ID.String())
	logger := observability.WithCycleID(s.logger, run.ID.String()).With(slog.String("job", name))

	s.record(ctx, e, run)
	logger.Info("job started", slog.String("trigger", trigger))

	summary, err := e.job.Run(ctx)

	finished := time.Now().UTC()
	run.FinishedAt = &finished
	run.Summary = summary
	run.Status = StatusFor(err)
	if err != nil {
		run.Error = err.Error()
	}
	s.record(ctx, e, run)

	attrs := []any{
		slog.String("status", string(run.Status)),
		slog.Duration("duration", run.Duration()),
		slog.String("summary", summary),
	}
	switch run.Status {
	case models.RunFailed:
		logger.Error("job failed", append(attrs, slog.String("error", run.Error))...)
	case models.RunPartial, models.RunSkipped:
		logger.Warn("job finished", append(attrs, slog.String("error", run.Error))...)
	default:
		logger.Info("job finished", attrs...)
	}

	s.events.Publish(ctx, events.Event{
		Kind:   events.KindCycleCompleted,
		Detail: name + " " + string(run.Status) + ": " + summary,
		Error:  run.Error,
	})
}

func (s *Scheduler) record(ctx context.Context, e *entry, run models.JobRun) {
	s.mu.Lock()
	e.lastRun = &run
	s.mu.Unlock()

	if s.recorder == nil {
		return
	}
	if err := s.recorder.SaveRun(ctx, run); err != nil {
		s.logger.Warn("failed to record job run",
			slog.String("job", run.Job),
			slog.String("error", err.Error()),
		)
	}
}

// StatusFor maps a job error to the recorded run status.
func StatusFor(err error) models.RunStatus {
	switch {
	case err == nil:
		return models.RunSucceeded
	case errors.Is(err, ErrSkipped):
		return models.RunSkipped
	case errors.Is(err, ErrPartial):
		return models.RunPartial
	default:
		return models.RunFailed
	}
}
