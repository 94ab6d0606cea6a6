// Package scheduler drives the two daily jobs, feed refresh and story
// generation, with per-job overlap guards and cooperative cancellation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"newsdesk/internal/config"
	"newsdesk/internal/core"
	"newsdesk/internal/fetcher"
	"newsdesk/internal/logger"
	"newsdesk/internal/scoring"
	"newsdesk/internal/store"
	"newsdesk/internal/synth"
)

// ErrJobRunning is returned when a trigger fires while the same job is still
// in progress; the new firing is skipped, not queued.
var ErrJobRunning = errors.New("job already running")

// cronParser matches the five-field expressions validated at startup.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// JobStatus is one job's view for the status endpoint.
type JobStatus struct {
	Name         string         `json:"name"`
	Schedule     string         `json:"schedule"`
	NextRunAt    time.Time      `json:"next_run_at"`
	InProgress   bool           `json:"in_progress"`
	LastStatus   core.JobStatus `json:"last_status,omitempty"`
	LastStarted  time.Time      `json:"last_started_at,omitempty"`
	LastFinished time.Time      `json:"last_finished_at,omitempty"`
}

// Scheduler owns the cron loop and the manual-trigger entrypoints.
type Scheduler struct {
	store    *store.Store
	fetcher  *fetcher.Fetcher
	pipeline *synth.Pipeline
	scorer   *scoring.Scorer
	cfg      config.Scheduler
	storyCfg config.Stories
	log      *slog.Logger

	cron    *cron.Cron
	entries map[string]cron.EntryID

	mu      sync.Mutex
	running map[string]bool

	// pipelineMu serialises the two jobs. Identical schedules are combined
	// into one cron entry so refresh always runs before generation; for
	// distinct schedules that happen to coincide, the lock serialises but
	// does not order.
	pipelineMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler wires the scheduler over its job implementations.
func NewScheduler(s *store.Store, f *fetcher.Fetcher, p *synth.Pipeline, sc *scoring.Scorer, cfg config.Scheduler, storyCfg config.Stories) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:    s,
		fetcher:  f,
		pipeline: p,
		scorer:   sc,
		cfg:      cfg,
		storyCfg: storyCfg,
		log:      logger.Get(),
		entries:  make(map[string]cron.EntryID),
		running:  make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start registers the cron entries and begins scheduling. Configuration was
// validated at startup, so schedule parse failures here are programmer error.
func (s *Scheduler) Start() error {
	loc, err := s.location()
	if err != nil {
		return err
	}
	s.cron = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	if s.cfg.FeedRefreshSchedule == s.cfg.StoryGenerationSchedule {
		// One combined entry: the shared firing runs refresh to completion
		// before generation starts.
		combinedID, err := s.cron.AddFunc(s.cfg.FeedRefreshSchedule, func() {
			s.scheduledRefresh()
			s.scheduledGeneration()
		})
		if err != nil {
			return fmt.Errorf("invalid job schedule: %w", err)
		}
		s.entries[core.JobFeedRefresh] = combinedID
		s.entries[core.JobStoryGeneration] = combinedID
	} else {
		refreshID, err := s.cron.AddFunc(s.cfg.FeedRefreshSchedule, func() { s.scheduledRefresh() })
		if err != nil {
			return fmt.Errorf("invalid feed refresh schedule: %w", err)
		}
		s.entries[core.JobFeedRefresh] = refreshID

		generateID, err := s.cron.AddFunc(s.cfg.StoryGenerationSchedule, func() { s.scheduledGeneration() })
		if err != nil {
			return fmt.Errorf("invalid story generation schedule: %w", err)
		}
		s.entries[core.JobStoryGeneration] = generateID
	}

	s.cron.Start()
	s.log.Info("scheduler started",
		"feed_refresh", s.cfg.FeedRefreshSchedule,
		"story_generation", s.cfg.StoryGenerationSchedule,
		"timezone", loc.String())
	return nil
}

func (s *Scheduler) scheduledRefresh() {
	if _, err := s.RunFeedRefresh(s.ctx); err != nil && !errors.Is(err, ErrJobRunning) {
		s.log.Error("scheduled feed refresh failed", "error", err)
	}
}

func (s *Scheduler) scheduledGeneration() {
	if _, err := s.RunStoryGeneration(s.ctx, synth.GenerateParams{}); err != nil && !errors.Is(err, ErrJobRunning) {
		s.log.Error("scheduled story generation failed", "error", err)
	}
}

// Stop cancels in-flight jobs and halts scheduling. It returns once the cron
// loop has drained.
func (s *Scheduler) Stop() {
	s.cancel()
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.log.Info("scheduler stopped")
}

// RunFeedRefresh polls all feeds now. Manual triggers share the overlap guard
// with scheduled firings.
func (s *Scheduler) RunFeedRefresh(ctx context.Context) (*fetcher.RefreshStats, error) {
	var stats *fetcher.RefreshStats
	err := s.runJob(ctx, core.JobFeedRefresh, func(ctx context.Context) error {
		s.pipelineMu.Lock()
		defer s.pipelineMu.Unlock()
		var err error
		stats, err = s.fetcher.RefreshAll(ctx)
		return err
	})
	return stats, err
}

// RunStoryGeneration clusters and synthesises now, then archives old stories
// and refreshes scores.
func (s *Scheduler) RunStoryGeneration(ctx context.Context, params synth.GenerateParams) (*synth.GenerateResult, error) {
	var result *synth.GenerateResult
	err := s.runJob(ctx, core.JobStoryGeneration, func(ctx context.Context) error {
		s.pipelineMu.Lock()
		defer s.pipelineMu.Unlock()

		var err error
		result, err = s.pipeline.Generate(ctx, params)
		if err != nil {
			return err
		}

		if s.storyCfg.ArchiveDays > 0 {
			archived, err := s.store.ArchiveStoriesOlderThan(s.storyCfg.ArchiveDays)
			if err != nil {
				return fmt.Errorf("archiver failed: %w", err)
			}
			if archived > 0 {
				s.log.Info("archived stale stories", "count", archived)
			}
		}

		if _, err := s.scorer.RecomputeActive(ctx); err != nil {
			return fmt.Errorf("score recompute failed: %w", err)
		}
		return nil
	})
	return result, err
}

// runJob enforces the overlap guard and persists the job record on both exit
// paths. A skipped firing is not an error for the scheduler loop.
func (s *Scheduler) runJob(ctx context.Context, name string, fn func(context.Context) error) error {
	if !s.begin(name) {
		s.log.Warn("job trigger skipped, previous run still in progress", "job", name)
		return ErrJobRunning
	}
	defer s.end(name)

	runID := uuid.NewString()
	started := time.Now().UTC()
	s.log.Info("job started", "job", name, "run_id", runID)

	err := fn(ctx)

	status := core.JobOK
	switch {
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		status = core.JobCancelled
	case err != nil:
		status = core.JobFailed
	}

	finished := time.Now().UTC()
	if recErr := s.store.RecordJob(name, started, finished, status, s.nextRun(name)); recErr != nil {
		s.log.Error("failed to record job state", "error", recErr, "job", name)
	}
	s.log.Info("job finished", "job", name, "run_id", runID, "status", string(status), "elapsed", finished.Sub(started).String())
	return err
}

func (s *Scheduler) begin(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[name] {
		return false
	}
	s.running[name] = true
	return true
}

func (s *Scheduler) end(name string) {
	s.mu.Lock()
	s.running[name] = false
	s.mu.Unlock()
}

// InProgress reports whether the named job is currently running.
func (s *Scheduler) InProgress(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[name]
}

// nextRun computes the job's next firing. When the cron loop is running the
// live entry is authoritative; otherwise the expression is evaluated directly.
func (s *Scheduler) nextRun(name string) time.Time {
	if s.cron != nil {
		if id, ok := s.entries[name]; ok {
			if next := s.cron.Entry(id).Next; !next.IsZero() {
				return next.UTC()
			}
		}
	}

	expr := s.schedule(name)
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}
	}
	loc, err := s.location()
	if err != nil {
		loc = time.Local
	}
	return sched.Next(time.Now().In(loc)).UTC()
}

func (s *Scheduler) schedule(name string) string {
	if name == core.JobFeedRefresh {
		return s.cfg.FeedRefreshSchedule
	}
	return s.cfg.StoryGenerationSchedule
}

func (s *Scheduler) location() (*time.Location, error) {
	tz := s.cfg.Timezone
	if tz == "" || tz == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Status reports both jobs for the HTTP surface, merging live state with the
// persisted records.
func (s *Scheduler) Status() ([]JobStatus, error) {
	var statuses []JobStatus
	for _, name := range []string{core.JobFeedRefresh, core.JobStoryGeneration} {
		js := JobStatus{
			Name:       name,
			Schedule:   s.schedule(name),
			NextRunAt:  s.nextRun(name),
			InProgress: s.InProgress(name),
		}
		record, err := s.store.GetJob(name)
		if err != nil {
			return nil, fmt.Errorf("failed to load job record: %w", err)
		}
		if record != nil {
			js.LastStatus = record.LastStatus
			js.LastStarted = record.LastStartedAt
			js.LastFinished = record.LastFinishedAt
		}
		statuses = append(statuses, js)
	}
	return statuses, nil
}
